package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"github.com/aridsondez/visqueue/internal/queue"
	"github.com/aridsondez/visqueue/internal/queue/store"
)

// Ensure *PostgresStore implements store.Backend at compile time.
var _ store.Backend = (*PostgresStore)(nil)

//go:embed schema.sql
var schema string

type PostgresStore struct {
	pool   *pgxpool.Pool
	clock  queue.Clock
	logger logrus.FieldLogger
}

// New wraps a pool. Times written to the database come from clock so that
// visibility windows follow the same clock as the rest of the process.
func New(pool *pgxpool.Pool, clock queue.Clock, logger logrus.FieldLogger) *PostgresStore {
	if clock == nil {
		clock = queue.SystemClock{}
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &PostgresStore{
		pool:   pool,
		clock:  clock,
		logger: logger.WithField("component", "postgres-store"),
	}
}

// Migrate creates the tables if they are missing.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, schema); err != nil {
		return p.fail("migrate", err)
	}
	return nil
}

// SQL templates
const (
	sqlCreateQueue = `
INSERT INTO queues (name) VALUES ($1)
ON CONFLICT (name) DO NOTHING;`

	sqlDeleteQueue = `DELETE FROM queues WHERE name = $1;`

	sqlListQueues = `SELECT name FROM queues ORDER BY name COLLATE "C";`

	sqlQueueExists = `SELECT EXISTS (SELECT 1 FROM queues WHERE name = $1);`

	sqlSend = `
INSERT INTO messages (id, queue, content, inserted_at, visible_at, pop_receipt)
SELECT $1::uuid, name, $3::bytea, $4::timestamptz, $5::timestamptz, gen_random_uuid()
FROM queues WHERE name = $2
RETURNING id::text;`

	// Single CTE TX pattern: pick -> update -> return rows
	sqlReceive = `
WITH picked AS (
  SELECT seq
  FROM messages
  WHERE queue = $1
    AND visible_at <= $2
  ORDER BY seq
  FOR UPDATE SKIP LOCKED
  LIMIT $3
),
updated AS (
  UPDATE messages m
  SET visible_at    = $4,
      pop_receipt   = gen_random_uuid(),
      dequeue_count = m.dequeue_count + 1
  FROM picked
  WHERE m.seq = picked.seq
  RETURNING m.seq, m.id::text AS id, m.content, m.inserted_at, m.visible_at,
            m.pop_receipt::text AS receipt, m.dequeue_count
)
SELECT id, content, inserted_at, visible_at, receipt, dequeue_count
FROM updated
ORDER BY seq;`

	sqlDelete = `
WITH target AS (
  SELECT seq, pop_receipt
  FROM messages
  WHERE queue = $1 AND id = $2
  FOR UPDATE
),
deleted AS (
  DELETE FROM messages m
  USING target
  WHERE m.seq = target.seq AND target.pop_receipt = $3
  RETURNING m.seq
)
SELECT (SELECT count(*) FROM target), (SELECT count(*) FROM deleted);`

	sqlUpdate = `
WITH target AS (
  SELECT seq, pop_receipt
  FROM messages
  WHERE queue = $1 AND id = $2
  FOR UPDATE
),
updated AS (
  UPDATE messages m
  SET content     = $4,
      visible_at  = $5,
      pop_receipt = gen_random_uuid()
  FROM target
  WHERE m.seq = target.seq AND target.pop_receipt = $3
  RETURNING m.pop_receipt::text AS receipt
)
SELECT (SELECT count(*) FROM target), (SELECT receipt FROM updated);`

	sqlPeek = `
SELECT id::text, content, inserted_at, visible_at, dequeue_count
FROM messages
WHERE queue = $1
ORDER BY seq
LIMIT 1;`

	sqlStats = `
SELECT count(m.seq), count(m.seq) FILTER (WHERE m.visible_at <= $2)
FROM queues q
LEFT JOIN messages m ON m.queue = q.name
WHERE q.name = $1
GROUP BY q.name;`
)

func (p *PostgresStore) CreateIfNotExists(ctx context.Context, name string) (queue.Handle, error) {
	if err := queue.ValidateName(name); err != nil {
		return queue.Handle{}, err
	}
	ct, err := p.pool.Exec(ctx, sqlCreateQueue, name)
	if err != nil {
		return queue.Handle{}, p.fail("create queue", err)
	}
	if ct.RowsAffected() > 0 {
		p.logger.WithField("queue", name).Debug("queue created")
	}
	return queue.Handle{Name: name}, nil
}

func (p *PostgresStore) DeleteQueue(ctx context.Context, h queue.Handle) error {
	ct, err := p.pool.Exec(ctx, sqlDeleteQueue, h.Name)
	if err != nil {
		return p.fail("delete queue", err)
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("delete queue %q: %w", h.Name, queue.ErrQueueNotFound)
	}
	return nil
}

func (p *PostgresStore) ListQueues(ctx context.Context) ([]string, error) {
	rows, err := p.pool.Query(ctx, sqlListQueues)
	if err != nil {
		return nil, p.fail("list queues", err)
	}
	names, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, p.fail("list queues", err)
	}
	return names, nil
}

// Send inserts a message with optional delay.
func (p *PostgresStore) Send(ctx context.Context, h queue.Handle, content []byte, delay time.Duration) (queue.MessageID, error) {
	if err := queue.ValidateContent(content); err != nil {
		return "", err
	}
	if err := queue.ValidateVisibility(delay); err != nil {
		return "", err
	}
	if content == nil {
		content = []byte{}
	}
	now := p.clock.Now()

	var id string
	err := p.pool.QueryRow(ctx, sqlSend,
		uuid.New(),     // $1 id
		h.Name,         // $2
		content,        // $3
		now,            // $4 inserted_at
		now.Add(delay), // $5 visible_at
	).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("send to %q: %w", h.Name, queue.ErrQueueNotFound)
	}
	if err != nil {
		return "", p.fail("send", err)
	}
	return queue.MessageID(id), nil
}

// Receive leases up to opts.MaxCount messages for opts.Visibility.
func (p *PostgresStore) Receive(ctx context.Context, h queue.Handle, opts queue.LeaseOptions) ([]queue.LeasedMessage, error) {
	if err := queue.ValidateLease(opts); err != nil {
		return nil, err
	}
	now := p.clock.Now()

	rows, err := p.pool.Query(ctx, sqlReceive, h.Name, now, opts.MaxCount, now.Add(opts.Visibility))
	if err != nil {
		return nil, p.fail("receive", err)
	}
	defer rows.Close()

	var out []queue.LeasedMessage
	for rows.Next() {
		var (
			m       queue.LeasedMessage
			id      string
			receipt string
		)
		// NOTE: column order must match the final SELECT.
		err = rows.Scan(
			&id,
			&m.Content,
			&m.InsertedAt,
			&m.VisibleAt,
			&receipt,
			&m.DequeueCount,
		)
		if err != nil {
			return nil, p.fail("receive", err)
		}
		m.ID = queue.MessageID(id)
		m.PopReceipt = queue.PopReceipt(receipt)
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, p.fail("receive", err)
	}
	if len(out) == 0 {
		if err := p.requireQueue(ctx, h); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Delete removes the message if receipt is still its pop receipt.
func (p *PostgresStore) Delete(ctx context.Context, h queue.Handle, id queue.MessageID, receipt queue.PopReceipt) error {
	if err := queue.ValidateReceipt(receipt); err != nil {
		return err
	}
	msgID, rcpt := parseIDs(id, receipt)

	var found, deleted int64
	if err := p.pool.QueryRow(ctx, sqlDelete, h.Name, msgID, rcpt).Scan(&found, &deleted); err != nil {
		return p.fail("delete", err)
	}
	switch {
	case found == 0:
		if err := p.requireQueue(ctx, h); err != nil {
			return err
		}
		return fmt.Errorf("delete %s: %w", id, queue.ErrNotFound)
	case deleted == 0:
		return fmt.Errorf("delete %s: %w", id, queue.ErrReceiptMismatch)
	}
	return nil
}

// Update swaps content and visibility in one statement and returns the new receipt.
func (p *PostgresStore) Update(ctx context.Context, h queue.Handle, id queue.MessageID, receipt queue.PopReceipt,
	content []byte, visibility time.Duration) (queue.PopReceipt, error) {
	if err := queue.ValidateReceipt(receipt); err != nil {
		return "", err
	}
	if err := queue.ValidateContent(content); err != nil {
		return "", err
	}
	if err := queue.ValidateVisibility(visibility); err != nil {
		return "", err
	}
	msgID, rcpt := parseIDs(id, receipt)
	if content == nil {
		content = []byte{}
	}

	var (
		found int64
		next  *string
	)
	err := p.pool.QueryRow(ctx, sqlUpdate,
		h.Name, msgID, rcpt, content, p.clock.Now().Add(visibility),
	).Scan(&found, &next)
	if err != nil {
		return "", p.fail("update", err)
	}
	switch {
	case found == 0:
		if err := p.requireQueue(ctx, h); err != nil {
			return "", err
		}
		return "", fmt.Errorf("update %s: %w", id, queue.ErrNotFound)
	case next == nil:
		return "", fmt.Errorf("update %s: %w", id, queue.ErrReceiptMismatch)
	}
	return queue.PopReceipt(*next), nil
}

func (p *PostgresStore) Peek(ctx context.Context, h queue.Handle) (*queue.Message, error) {
	var (
		m  queue.Message
		id string
	)
	err := p.pool.QueryRow(ctx, sqlPeek, h.Name).Scan(&id, &m.Content, &m.InsertedAt, &m.VisibleAt, &m.DequeueCount)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, p.requireQueue(ctx, h)
	}
	if err != nil {
		return nil, p.fail("peek", err)
	}
	m.ID = queue.MessageID(id)
	return &m, nil
}

func (p *PostgresStore) Stats(ctx context.Context, h queue.Handle) (queue.Stats, error) {
	var total, visible int64
	err := p.pool.QueryRow(ctx, sqlStats, h.Name, p.clock.Now()).Scan(&total, &visible)
	if errors.Is(err, pgx.ErrNoRows) {
		return queue.Stats{}, fmt.Errorf("stats %q: %w", h.Name, queue.ErrQueueNotFound)
	}
	if err != nil {
		return queue.Stats{}, p.fail("stats", err)
	}
	return queue.Stats{
		Messages:  int(total),
		Visible:   int(visible),
		Invisible: int(total - visible),
	}, nil
}

// Close releases the pool.
func (p *PostgresStore) Close() error {
	p.pool.Close()
	return nil
}

func (p *PostgresStore) requireQueue(ctx context.Context, h queue.Handle) error {
	var exists bool
	if err := p.pool.QueryRow(ctx, sqlQueueExists, h.Name).Scan(&exists); err != nil {
		return p.fail("lookup queue", err)
	}
	if !exists {
		return fmt.Errorf("queue %q: %w", h.Name, queue.ErrQueueNotFound)
	}
	return nil
}

// parseIDs turns the opaque ids back into UUIDs. Anything that does not
// parse becomes uuid.Nil, which matches no stored message or receipt, so
// the statement itself decides between not found and mismatch.
func parseIDs(id queue.MessageID, receipt queue.PopReceipt) (uuid.UUID, uuid.UUID) {
	msgID, err := uuid.Parse(string(id))
	if err != nil {
		msgID = uuid.Nil
	}
	rcpt, err := uuid.Parse(string(receipt))
	if err != nil {
		rcpt = uuid.Nil
	}
	return msgID, rcpt
}

// fail maps connection-level errors to ErrBackendUnavailable. Errors raised
// by the server for a statement are returned as they are.
func (p *PostgresStore) fail(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, err)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		p.logger.WithError(err).WithFields(logrus.Fields{"op": op, "sqlstate": pgErr.Code}).Error("statement failed")
		return fmt.Errorf("%s: %w", op, err)
	}
	p.logger.WithError(err).WithField("op", op).Warn("postgres unavailable")
	return fmt.Errorf("%s: %w", op, queue.Unavailable(err))
}
