// Package redis provides a Redis implementation of store.Backend.
//
// Each queue is a sorted set of message ids scored by insertion sequence plus
// one hash per message. Every operation that reads and then writes runs as a
// single Lua script, so a lease selects and marks its messages atomically on
// the server. Times and receipts are generated by the caller and passed in,
// which keeps the injected clock authoritative.
package redis

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/aridsondez/visqueue/internal/queue"
	"github.com/aridsondez/visqueue/internal/queue/store"
)

// Compile-time check that Store implements store.Backend
var _ store.Backend = (*Store)(nil)

// Config holds Redis connection settings.
type Config struct {
	// Addr is the Redis server address (e.g., "localhost:6379")
	Addr string
	// Password for Redis authentication (empty for no auth)
	Password string
	// DB is the Redis database number (0-15)
	DB int
	// KeyPrefix is prepended to all keys
	KeyPrefix string
}

// ConfigDefaults returns sensible defaults for the Redis store.
func ConfigDefaults() Config {
	return Config{
		Addr:      "localhost:6379",
		KeyPrefix: "visqueue",
	}
}

// Store is a Redis implementation of store.Backend.
type Store struct {
	client *redis.Client
	prefix string
	clock  queue.Clock
	logger logrus.FieldLogger
}

// New connects to Redis. A nil clock means the wall clock.
func New(cfg Config, clock queue.Clock, logger logrus.FieldLogger) (*Store, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis address is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return NewWithClient(client, cfg.KeyPrefix, clock, logger), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client *redis.Client, prefix string, clock queue.Clock, logger logrus.FieldLogger) *Store {
	if prefix == "" {
		prefix = ConfigDefaults().KeyPrefix
	}
	if clock == nil {
		clock = queue.SystemClock{}
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Store{
		client: client,
		prefix: prefix,
		clock:  clock,
		logger: logger.WithField("component", "redis-store"),
	}
}

// Ping checks the Redis connection.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return queue.Unavailable(err)
	}
	return nil
}

// Close closes the Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}

// script status codes
const (
	statusOK            = 1
	statusNotFound      = 0
	statusMismatch      = -1
	statusQueueNotFound = -2
)

// Keys: prefix:queues is the set of queue names, prefix:q:<name>:order the
// lease order, prefix:q:<name>:seq the insertion counter and
// prefix:q:<name>:m:<id> one hash per message.
func (s *Store) queuesKey() string { return s.prefix + ":queues" }
func (s *Store) orderKey(name string) string { return fmt.Sprintf("%s:q:%s:order", s.prefix, name) }
func (s *Store) seqKey(name string) string { return fmt.Sprintf("%s:q:%s:seq", s.prefix, name) }
func (s *Store) msgPrefix(name string) string {
	return fmt.Sprintf("%s:q:%s:m:", s.prefix, name)
}

var sendScript = redis.NewScript(`
if redis.call('SISMEMBER', KEYS[1], ARGV[1]) == 0 then return -2 end
local seq = redis.call('INCR', KEYS[2])
redis.call('HSET', ARGV[2] .. ARGV[3],
  'content', ARGV[4], 'inserted_at', ARGV[5], 'visible_at', ARGV[6],
  'receipt', ARGV[7], 'dequeue_count', 0)
redis.call('ZADD', KEYS[3], seq, ARGV[3])
return 1
`)

var receiveScript = redis.NewScript(`
if redis.call('SISMEMBER', KEYS[1], ARGV[1]) == 0 then return {-2} end
local now = tonumber(ARGV[3])
local max = tonumber(ARGV[5])
local out = {1}
local n = 0
for _, id in ipairs(redis.call('ZRANGE', KEYS[2], 0, -1)) do
  if n >= max then break end
  local key = ARGV[2] .. id
  if tonumber(redis.call('HGET', key, 'visible_at')) <= now then
    n = n + 1
    local count = redis.call('HINCRBY', key, 'dequeue_count', 1)
    redis.call('HSET', key, 'visible_at', ARGV[4], 'receipt', ARGV[5 + n])
    local f = redis.call('HMGET', key, 'content', 'inserted_at')
    table.insert(out, id)
    table.insert(out, f[1])
    table.insert(out, f[2])
    table.insert(out, count)
  end
end
return out
`)

var deleteScript = redis.NewScript(`
if redis.call('SISMEMBER', KEYS[1], ARGV[1]) == 0 then return -2 end
local current = redis.call('HGET', ARGV[2], 'receipt')
if not current then return 0 end
if current ~= ARGV[4] then return -1 end
redis.call('DEL', ARGV[2])
redis.call('ZREM', KEYS[2], ARGV[3])
return 1
`)

var updateScript = redis.NewScript(`
if redis.call('SISMEMBER', KEYS[1], ARGV[1]) == 0 then return -2 end
local current = redis.call('HGET', ARGV[2], 'receipt')
if not current then return 0 end
if current ~= ARGV[3] then return -1 end
redis.call('HSET', ARGV[2], 'content', ARGV[4], 'visible_at', ARGV[5], 'receipt', ARGV[6])
return 1
`)

var peekScript = redis.NewScript(`
if redis.call('SISMEMBER', KEYS[1], ARGV[1]) == 0 then return {-2} end
local ids = redis.call('ZRANGE', KEYS[2], 0, 0)
if #ids == 0 then return {1} end
local f = redis.call('HMGET', ARGV[2] .. ids[1], 'content', 'inserted_at', 'visible_at', 'dequeue_count')
return {1, ids[1], f[1], f[2], f[3], f[4]}
`)

var statsScript = redis.NewScript(`
if redis.call('SISMEMBER', KEYS[1], ARGV[1]) == 0 then return {-2} end
local now = tonumber(ARGV[3])
local ids = redis.call('ZRANGE', KEYS[2], 0, -1)
local visible = 0
for _, id in ipairs(ids) do
  if tonumber(redis.call('HGET', ARGV[2] .. id, 'visible_at')) <= now then
    visible = visible + 1
  end
end
return {1, #ids, visible}
`)

var dropScript = redis.NewScript(`
if redis.call('SREM', KEYS[1], ARGV[1]) == 0 then return -2 end
for _, id in ipairs(redis.call('ZRANGE', KEYS[2], 0, -1)) do
  redis.call('DEL', ARGV[2] .. id)
end
redis.call('DEL', KEYS[2], KEYS[3])
return 1
`)

func (s *Store) CreateIfNotExists(ctx context.Context, name string) (queue.Handle, error) {
	if err := queue.ValidateName(name); err != nil {
		return queue.Handle{}, err
	}
	added, err := s.client.SAdd(ctx, s.queuesKey(), name).Result()
	if err != nil {
		return queue.Handle{}, s.fail("create queue", err)
	}
	if added > 0 {
		s.logger.WithField("queue", name).Debug("queue created")
	}
	return queue.Handle{Name: name}, nil
}

func (s *Store) DeleteQueue(ctx context.Context, h queue.Handle) error {
	status, err := dropScript.Run(ctx, s.client,
		[]string{s.queuesKey(), s.orderKey(h.Name), s.seqKey(h.Name)},
		h.Name, s.msgPrefix(h.Name),
	).Int()
	if err != nil {
		return s.fail("delete queue", err)
	}
	return statusErr(status, "delete queue "+h.Name)
}

func (s *Store) ListQueues(ctx context.Context) ([]string, error) {
	names, err := s.client.SMembers(ctx, s.queuesKey()).Result()
	if err != nil {
		return nil, s.fail("list queues", err)
	}
	slices.Sort(names)
	return names, nil
}

func (s *Store) Send(ctx context.Context, h queue.Handle, content []byte, delay time.Duration) (queue.MessageID, error) {
	if err := queue.ValidateContent(content); err != nil {
		return "", err
	}
	if err := queue.ValidateVisibility(delay); err != nil {
		return "", err
	}
	now := s.clock.Now()
	id := queue.NewMessageID()
	status, err := sendScript.Run(ctx, s.client,
		[]string{s.queuesKey(), s.seqKey(h.Name), s.orderKey(h.Name)},
		h.Name, s.msgPrefix(h.Name), string(id), content,
		now.UnixMicro(), now.Add(delay).UnixMicro(), string(queue.NewPopReceipt()),
	).Int()
	if err != nil {
		return "", s.fail("send", err)
	}
	if err := statusErr(status, "send to "+h.Name); err != nil {
		return "", err
	}
	return id, nil
}

func (s *Store) Receive(ctx context.Context, h queue.Handle, opts queue.LeaseOptions) ([]queue.LeasedMessage, error) {
	if err := queue.ValidateLease(opts); err != nil {
		return nil, err
	}
	now := s.clock.Now()
	visibleAt := now.Add(opts.Visibility)
	receipts := make([]queue.PopReceipt, opts.MaxCount)
	args := []interface{}{h.Name, s.msgPrefix(h.Name), now.UnixMicro(), visibleAt.UnixMicro(), opts.MaxCount}
	for i := range receipts {
		receipts[i] = queue.NewPopReceipt()
		args = append(args, string(receipts[i]))
	}

	reply, err := receiveScript.Run(ctx, s.client, []string{s.queuesKey(), s.orderKey(h.Name)}, args...).Slice()
	if err != nil {
		return nil, s.fail("receive", err)
	}
	body, err := statusReply(reply, "receive from "+h.Name)
	if err != nil {
		return nil, err
	}

	out := make([]queue.LeasedMessage, 0, len(body)/4)
	for i := 0; i+3 < len(body); i += 4 {
		inserted, err := toMicros(body[i+2])
		if err != nil {
			return nil, err
		}
		count, _ := body[i+3].(int64)
		out = append(out, queue.LeasedMessage{
			Message: queue.Message{
				ID:           queue.MessageID(toString(body[i])),
				Content:      []byte(toString(body[i+1])),
				InsertedAt:   inserted,
				VisibleAt:    visibleAt,
				DequeueCount: int(count),
			},
			PopReceipt: receipts[len(out)],
		})
	}
	return out, nil
}

func (s *Store) Delete(ctx context.Context, h queue.Handle, id queue.MessageID, receipt queue.PopReceipt) error {
	if err := queue.ValidateReceipt(receipt); err != nil {
		return err
	}
	status, err := deleteScript.Run(ctx, s.client,
		[]string{s.queuesKey(), s.orderKey(h.Name)},
		h.Name, s.msgPrefix(h.Name)+string(id), string(id), string(receipt),
	).Int()
	if err != nil {
		return s.fail("delete", err)
	}
	return statusErr(status, fmt.Sprintf("delete %s", id))
}

func (s *Store) Update(ctx context.Context, h queue.Handle, id queue.MessageID, receipt queue.PopReceipt,
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
	next := queue.NewPopReceipt()
	status, err := updateScript.Run(ctx, s.client,
		[]string{s.queuesKey()},
		h.Name, s.msgPrefix(h.Name)+string(id), string(receipt),
		content, s.clock.Now().Add(visibility).UnixMicro(), string(next),
	).Int()
	if err != nil {
		return "", s.fail("update", err)
	}
	if err := statusErr(status, fmt.Sprintf("update %s", id)); err != nil {
		return "", err
	}
	return next, nil
}

func (s *Store) Peek(ctx context.Context, h queue.Handle) (*queue.Message, error) {
	reply, err := peekScript.Run(ctx, s.client,
		[]string{s.queuesKey(), s.orderKey(h.Name)},
		h.Name, s.msgPrefix(h.Name),
	).Slice()
	if err != nil {
		return nil, s.fail("peek", err)
	}
	body, err := statusReply(reply, "peek "+h.Name)
	if err != nil || len(body) == 0 {
		return nil, err
	}
	if len(body) < 5 {
		return nil, fmt.Errorf("peek %s: short reply", h.Name)
	}
	inserted, err := toMicros(body[2])
	if err != nil {
		return nil, err
	}
	visible, err := toMicros(body[3])
	if err != nil {
		return nil, err
	}
	count, err := strconv.Atoi(toString(body[4]))
	if err != nil {
		return nil, fmt.Errorf("peek %s: dequeue count: %w", h.Name, err)
	}
	return &queue.Message{
		ID:           queue.MessageID(toString(body[0])),
		Content:      []byte(toString(body[1])),
		InsertedAt:   inserted,
		VisibleAt:    visible,
		DequeueCount: count,
	}, nil
}

func (s *Store) Stats(ctx context.Context, h queue.Handle) (queue.Stats, error) {
	reply, err := statsScript.Run(ctx, s.client,
		[]string{s.queuesKey(), s.orderKey(h.Name)},
		h.Name, s.msgPrefix(h.Name), s.clock.Now().UnixMicro(),
	).Slice()
	if err != nil {
		return queue.Stats{}, s.fail("stats", err)
	}
	body, err := statusReply(reply, "stats "+h.Name)
	if err != nil {
		return queue.Stats{}, err
	}
	if len(body) != 2 {
		return queue.Stats{}, fmt.Errorf("stats %s: short reply", h.Name)
	}
	total, _ := body[0].(int64)
	visible, _ := body[1].(int64)
	return queue.Stats{
		Messages:  int(total),
		Visible:   int(visible),
		Invisible: int(total - visible),
	}, nil
}

// fail maps a Redis error to ErrBackendUnavailable unless the caller gave up.
func (s *Store) fail(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, err)
	}
	s.logger.WithError(err).WithField("op", op).Warn("redis call failed")
	return fmt.Errorf("%s: %w", op, queue.Unavailable(err))
}

func statusErr(status int, what string) error {
	switch status {
	case statusOK:
		return nil
	case statusNotFound:
		return fmt.Errorf("%s: %w", what, queue.ErrNotFound)
	case statusMismatch:
		return fmt.Errorf("%s: %w", what, queue.ErrReceiptMismatch)
	case statusQueueNotFound:
		return fmt.Errorf("%s: %w", what, queue.ErrQueueNotFound)
	default:
		return fmt.Errorf("%s: unexpected script status %d", what, status)
	}
}

// statusReply splits a script reply into its leading status and the rest.
func statusReply(reply []interface{}, what string) ([]interface{}, error) {
	if len(reply) == 0 {
		return nil, fmt.Errorf("%s: empty reply", what)
	}
	status, _ := reply[0].(int64)
	if err := statusErr(int(status), what); err != nil {
		return nil, err
	}
	return reply[1:], nil
}

func toString(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case []byte:
		return string(t)
	case int64:
		return strconv.FormatInt(t, 10)
	default:
		return ""
	}
}

func toMicros(v interface{}) (time.Time, error) {
	us, err := strconv.ParseInt(toString(v), 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %v: %w", v, err)
	}
	return time.UnixMicro(us).UTC(), nil
}
