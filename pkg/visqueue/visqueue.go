// Package visqueue is the client API for queues with visibility-timeout
// leases. A Client wraps any store.Backend; EnsureCreated hands out Queue
// handles on which messages are enqueued, leased, updated and deleted.
//
// Deleting or updating a message requires the pop receipt from its latest
// lease. ErrReceiptMismatch and ErrNotFound mean another caller handled the
// message first and are ordinary control flow; see IsRace.
package visqueue

import (
	"context"
	"errors"
	"iter"
	"slices"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/aridsondez/visqueue/internal/metrics"
	"github.com/aridsondez/visqueue/internal/queue"
	"github.com/aridsondez/visqueue/internal/queue/store"
)

type (
	Message       = queue.Message
	LeasedMessage = queue.LeasedMessage
	MessageID     = queue.MessageID
	PopReceipt    = queue.PopReceipt
	Stats         = queue.Stats
)

var (
	ErrBackendUnavailable = queue.ErrBackendUnavailable
	ErrNotFound           = queue.ErrNotFound
	ErrReceiptMismatch    = queue.ErrReceiptMismatch
	ErrInvalidArgument    = queue.ErrInvalidArgument
	ErrQueueNotFound      = queue.ErrQueueNotFound
)

// IsRace reports whether err means another caller already handled the message.
func IsRace(err error) bool { return queue.IsRace(err) }

// Client creates queue handles on a backend.
type Client struct {
	backend store.Backend
	logger  logrus.FieldLogger
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the logger used for operation failures.
func WithLogger(l logrus.FieldLogger) Option {
	return func(c *Client) { c.logger = l }
}

// New returns a client over backend.
func New(backend store.Backend, opts ...Option) *Client {
	if backend == nil {
		panic("visqueue: nil backend")
	}
	c := &Client{backend: backend, logger: logrus.StandardLogger()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// EnsureCreated returns a handle to the named queue, creating it if it does
// not exist. Handles for the same name share the same messages.
func (c *Client) EnsureCreated(ctx context.Context, name string) (*Queue, error) {
	defer observe("create", time.Now())
	h, err := c.backend.CreateIfNotExists(ctx, name)
	if err != nil {
		return nil, c.failed("create", name, err)
	}
	return &Queue{client: c, handle: h}, nil
}

// Open returns a handle to an existing queue without contacting the backend.
// Operations on it fail with ErrQueueNotFound if the queue does not exist.
func (c *Client) Open(name string) (*Queue, error) {
	if err := queue.ValidateName(name); err != nil {
		return nil, err
	}
	return &Queue{client: c, handle: queue.Handle{Name: name}}, nil
}

// ListQueues returns all queue names in name order.
func (c *Client) ListQueues(ctx context.Context) ([]string, error) {
	defer observe("list", time.Now())
	names, err := c.backend.ListQueues(ctx)
	if err != nil {
		return nil, c.failed("list", "", err)
	}
	return names, nil
}

// DeleteQueue drops the named queue with all of its messages. Existing
// handles to it start failing with ErrQueueNotFound.
func (c *Client) DeleteQueue(ctx context.Context, name string) error {
	q, err := c.Open(name)
	if err != nil {
		return err
	}
	defer observe("drop", time.Now())
	if err := c.backend.DeleteQueue(ctx, q.handle); err != nil {
		return c.failed("drop", name, err)
	}
	return nil
}

// Close closes the backend.
func (c *Client) Close() error {
	return c.backend.Close()
}

// Queue is a handle to one named queue. A nil *Queue panics on use.
type Queue struct {
	client *Client
	handle queue.Handle
}

func (q *Queue) mustHandle() {
	if q == nil || q.client == nil {
		panic("visqueue: nil queue handle")
	}
}

// Name returns the queue name.
func (q *Queue) Name() string {
	q.mustHandle()
	return q.handle.Name
}

// Enqueue appends a message that is visible immediately.
func (q *Queue) Enqueue(ctx context.Context, content []byte) (MessageID, error) {
	return q.EnqueueDelayed(ctx, content, 0)
}

// EnqueueDelayed appends a message that stays invisible for delay.
func (q *Queue) EnqueueDelayed(ctx context.Context, content []byte, delay time.Duration) (MessageID, error) {
	q.mustHandle()
	defer observe("enqueue", time.Now())
	id, err := q.client.backend.Send(ctx, q.handle, content, delay)
	if err != nil {
		return "", q.client.failed("enqueue", q.handle.Name, err)
	}
	metrics.MessagesEnqueued.WithLabelValues(q.handle.Name).Inc()
	return id, nil
}

// Lease takes up to maxCount visible messages in FIFO order and hides each
// for visibility. It never waits for messages to arrive. The returned
// sequence walks the batch this call committed and never goes back to the
// backend; messages not consumed from it stay leased until they time out.
func (q *Queue) Lease(ctx context.Context, maxCount int, visibility time.Duration) (iter.Seq[LeasedMessage], error) {
	q.mustHandle()
	defer observe("lease", time.Now())
	out, err := q.client.backend.Receive(ctx, q.handle, queue.LeaseOptions{MaxCount: maxCount, Visibility: visibility})
	if err != nil {
		return nil, q.client.failed("lease", q.handle.Name, err)
	}
	metrics.MessagesLeased.WithLabelValues(q.handle.Name).Add(float64(len(out)))
	return slices.Values(out), nil
}

// Delete removes a leased message. receipt must be the message's current
// pop receipt.
func (q *Queue) Delete(ctx context.Context, id MessageID, receipt PopReceipt) error {
	q.mustHandle()
	defer observe("delete", time.Now())
	if err := q.client.backend.Delete(ctx, q.handle, id, receipt); err != nil {
		return q.client.failed("delete", q.handle.Name, err)
	}
	metrics.MessagesDeleted.WithLabelValues(q.handle.Name).Inc()
	return nil
}

// Update replaces the message content and hides it for visibility, both at
// once. The returned receipt replaces the one passed in.
func (q *Queue) Update(ctx context.Context, id MessageID, receipt PopReceipt, content []byte, visibility time.Duration) (PopReceipt, error) {
	q.mustHandle()
	defer observe("update", time.Now())
	next, err := q.client.backend.Update(ctx, q.handle, id, receipt, content, visibility)
	if err != nil {
		return "", q.client.failed("update", q.handle.Name, err)
	}
	metrics.MessagesUpdated.WithLabelValues(q.handle.Name).Inc()
	return next, nil
}

// PeekAnyImmediate returns the oldest message whatever its lease state.
//
// It is a diagnostic escape hatch: it ignores visibility and hands out no
// receipt, so nothing read through it can be deleted or updated. Do not use
// it to process messages.
func (q *Queue) PeekAnyImmediate(ctx context.Context) (Message, bool, error) {
	q.mustHandle()
	defer observe("peek", time.Now())
	m, err := q.client.backend.Peek(ctx, q.handle)
	if err != nil {
		return Message{}, false, q.client.failed("peek", q.handle.Name, err)
	}
	if m == nil {
		return Message{}, false, nil
	}
	return *m, true, nil
}

// Count returns the number of messages in the queue, leased or not.
func (q *Queue) Count(ctx context.Context) (int, error) {
	st, err := q.Stats(ctx)
	return st.Messages, err
}

// Stats returns visible and invisible message counts.
func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	q.mustHandle()
	defer observe("stats", time.Now())
	st, err := q.client.backend.Stats(ctx, q.handle)
	if err != nil {
		return Stats{}, q.client.failed("stats", q.handle.Name, err)
	}
	return st, nil
}

func (c *Client) failed(op, name string, err error) error {
	log := c.logger.WithFields(logrus.Fields{"op": op, "queue": name})
	switch {
	case queue.IsRace(err):
		metrics.LeaseConflicts.WithLabelValues(name, op).Inc()
		log.WithError(err).Debug("message already handled")
	case errors.Is(err, queue.ErrBackendUnavailable):
		metrics.BackendErrors.WithLabelValues(op).Inc()
		log.WithError(err).Error("backend unavailable")
	}
	return err
}

func observe(op string, start time.Time) {
	metrics.OperationDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}
