// Package memory is the in-process visibility queue. Each queue keeps its
// messages in insertion order behind a single mutex, so selecting and marking
// a lease is one atomic step. Visibility expiry is evaluated lazily against
// the injected clock at lease time; nothing runs in the background.
package memory

import (
	"bytes"
	"container/list"
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/aridsondez/visqueue/internal/queue"
	"github.com/aridsondez/visqueue/internal/queue/store"
)

// Ensure *Store implements store.Backend at compile time.
var _ store.Backend = (*Store)(nil)

type Store struct {
	clock queue.Clock

	mu     sync.RWMutex
	queues map[string]*visibilityQueue
}

type visibilityQueue struct {
	mu      sync.Mutex
	dropped bool       // set by DeleteQueue; a recreated name gets a new value
	order   *list.List // of *entry, oldest first
	index   map[queue.MessageID]*list.Element
}

type entry struct {
	msg     queue.Message
	receipt queue.PopReceipt
}

// New returns an empty store. A nil clock means the wall clock.
func New(clock queue.Clock) *Store {
	if clock == nil {
		clock = queue.SystemClock{}
	}
	return &Store{
		clock:  clock,
		queues: make(map[string]*visibilityQueue),
	}
}

func (s *Store) CreateIfNotExists(ctx context.Context, name string) (queue.Handle, error) {
	if err := queue.ValidateName(name); err != nil {
		return queue.Handle{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.queues[name]; !ok {
		s.queues[name] = &visibilityQueue{
			order: list.New(),
			index: make(map[queue.MessageID]*list.Element),
		}
	}
	return queue.Handle{Name: name}, nil
}

func (s *Store) DeleteQueue(ctx context.Context, h queue.Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.queues[h.Name]
	if !ok {
		return fmt.Errorf("delete queue %q: %w", h.Name, queue.ErrQueueNotFound)
	}
	delete(s.queues, h.Name)
	// operations that looked q up before the delete fail once they lock it
	q.mu.Lock()
	q.dropped = true
	q.mu.Unlock()
	return nil
}

func (s *Store) ListQueues(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	names := make([]string, 0, len(s.queues))
	for name := range s.queues {
		names = append(names, name)
	}
	s.mu.RUnlock()
	slices.Sort(names)
	return names, nil
}

// acquire returns the queue behind h with q.mu held. The caller unlocks.
func (s *Store) acquire(h queue.Handle) (*visibilityQueue, error) {
	s.mu.RLock()
	q, ok := s.queues[h.Name]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("queue %q: %w", h.Name, queue.ErrQueueNotFound)
	}
	if err := q.lock(h.Name); err != nil {
		return nil, err
	}
	return q, nil
}

// lock takes q.mu unless q was dropped while the caller was not holding it.
func (q *visibilityQueue) lock(name string) error {
	q.mu.Lock()
	if q.dropped {
		q.mu.Unlock()
		return fmt.Errorf("queue %q: %w", name, queue.ErrQueueNotFound)
	}
	return nil
}

func (s *Store) Send(ctx context.Context, h queue.Handle, content []byte, delay time.Duration) (queue.MessageID, error) {
	if err := queue.ValidateContent(content); err != nil {
		return "", err
	}
	if err := queue.ValidateVisibility(delay); err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	q, err := s.acquire(h)
	if err != nil {
		return "", err
	}
	defer q.mu.Unlock()

	now := s.clock.Now()
	e := &entry{
		msg: queue.Message{
			ID:         queue.NewMessageID(),
			Content:    bytes.Clone(content),
			InsertedAt: now,
			VisibleAt:  now.Add(delay),
		},
		receipt: queue.NewPopReceipt(),
	}
	q.index[e.msg.ID] = q.order.PushBack(e)
	return e.msg.ID, nil
}

func (s *Store) Receive(ctx context.Context, h queue.Handle, opts queue.LeaseOptions) ([]queue.LeasedMessage, error) {
	if err := queue.ValidateLease(opts); err != nil {
		return nil, err
	}
	q, err := s.acquire(h)
	if err != nil {
		return nil, err
	}
	defer q.mu.Unlock()
	// a caller that gave up while waiting for the lock leases nothing
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	now := s.clock.Now()
	out := make([]queue.LeasedMessage, 0, opts.MaxCount)
	for el := q.order.Front(); el != nil && len(out) < opts.MaxCount; el = el.Next() {
		e := el.Value.(*entry)
		if !e.msg.Visible(now) {
			continue
		}
		e.msg.VisibleAt = now.Add(opts.Visibility)
		e.msg.DequeueCount++
		e.receipt = queue.NewPopReceipt()
		out = append(out, e.leased())
	}
	return out, nil
}

func (s *Store) Delete(ctx context.Context, h queue.Handle, id queue.MessageID, receipt queue.PopReceipt) error {
	if err := queue.ValidateReceipt(receipt); err != nil {
		return err
	}
	q, err := s.acquire(h)
	if err != nil {
		return err
	}
	defer q.mu.Unlock()

	el, err := q.claim(id, receipt)
	if err != nil {
		return fmt.Errorf("delete %s: %w", id, err)
	}
	q.order.Remove(el)
	delete(q.index, id)
	return nil
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
	q, err := s.acquire(h)
	if err != nil {
		return "", err
	}
	defer q.mu.Unlock()

	el, err := q.claim(id, receipt)
	if err != nil {
		return "", fmt.Errorf("update %s: %w", id, err)
	}
	e := el.Value.(*entry)
	e.msg.Content = bytes.Clone(content)
	e.msg.VisibleAt = s.clock.Now().Add(visibility)
	e.receipt = queue.NewPopReceipt()
	return e.receipt, nil
}

func (s *Store) Peek(ctx context.Context, h queue.Handle) (*queue.Message, error) {
	q, err := s.acquire(h)
	if err != nil {
		return nil, err
	}
	defer q.mu.Unlock()

	front := q.order.Front()
	if front == nil {
		return nil, nil
	}
	m := front.Value.(*entry).msg
	m.Content = bytes.Clone(m.Content)
	return &m, nil
}

func (s *Store) Stats(ctx context.Context, h queue.Handle) (queue.Stats, error) {
	q, err := s.acquire(h)
	if err != nil {
		return queue.Stats{}, err
	}
	defer q.mu.Unlock()

	now := s.clock.Now()
	st := queue.Stats{Messages: q.order.Len()}
	for el := q.order.Front(); el != nil; el = el.Next() {
		if el.Value.(*entry).msg.Visible(now) {
			st.Visible++
		}
	}
	st.Invisible = st.Messages - st.Visible
	return st, nil
}

func (s *Store) Close() error { return nil }

// claim finds id and checks receipt against its current pop receipt.
// Caller holds q.mu.
func (q *visibilityQueue) claim(id queue.MessageID, receipt queue.PopReceipt) (*list.Element, error) {
	el, ok := q.index[id]
	if !ok {
		return nil, queue.ErrNotFound
	}
	if el.Value.(*entry).receipt != receipt {
		return nil, queue.ErrReceiptMismatch
	}
	return el, nil
}

func (e *entry) leased() queue.LeasedMessage {
	m := e.msg
	m.Content = bytes.Clone(m.Content)
	return queue.LeasedMessage{Message: m, PopReceipt: e.receipt}
}
