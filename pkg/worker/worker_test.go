package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aridsondez/visqueue/internal/logging"
	"github.com/aridsondez/visqueue/internal/queue/store/memory"
	"github.com/aridsondez/visqueue/pkg/visqueue"
)

func newQueue(t *testing.T, name string, contents ...string) *visqueue.Queue {
	t.Helper()
	c := visqueue.New(memory.New(nil), visqueue.WithLogger(logging.Discard()))
	q, err := c.EnsureCreated(context.Background(), name)
	require.NoError(t, err)
	for _, body := range contents {
		_, err := q.Enqueue(context.Background(), []byte(body))
		require.NoError(t, err)
	}
	return q
}

func newWorker(cfg Config) *Worker {
	if cfg.PollDelay == 0 {
		cfg.PollDelay = 5 * time.Millisecond
	}
	cfg.Logger = logging.Discard()
	return New(cfg)
}

// run starts w and returns a stop function that waits for Run to return.
func run(t *testing.T, w *Worker) func() error {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	return func() error {
		cancel()
		select {
		case err := <-done:
			return err
		case <-time.After(5 * time.Second):
			t.Fatal("worker did not stop")
			return nil
		}
	}
}

func count(t *testing.T, q *visqueue.Queue) visqueue.Stats {
	t.Helper()
	st, err := q.Stats(context.Background())
	require.NoError(t, err)
	return st
}

// remaining is safe to call from Eventually's goroutine.
func remaining(q *visqueue.Queue) int {
	n, err := q.Count(context.Background())
	if err != nil {
		return -1
	}
	return n
}

func TestRunWithoutHandlers(t *testing.T) {
	err := newWorker(Config{}).Run(context.Background())
	assert.EqualError(t, err, "no handlers registered")
}

func TestProcessesAndDeletes(t *testing.T) {
	q := newQueue(t, "jobs", "a", "b", "c")

	var (
		mu   sync.Mutex
		seen []string
	)
	w := newWorker(Config{BatchSize: 2, Concurrency: 2})
	w.Handle(q, func(ctx context.Context, msg *Message) error {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, string(msg.Content))
		assert.Equal(t, "jobs", msg.Queue)
		return nil
	})
	stop := run(t, w)

	require.Eventually(t, func() bool { return remaining(q) == 0 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, stop())

	mu.Lock()
	defer mu.Unlock()
	assert.ElementsMatch(t, []string{"a", "b", "c"}, seen)
}

func TestFailedMessageStaysLeased(t *testing.T) {
	q := newQueue(t, "failing", "boom")

	var calls atomic.Int32
	w := newWorker(Config{Visibility: time.Hour})
	w.Handle(q, func(ctx context.Context, msg *Message) error {
		calls.Add(1)
		return errors.New("boom")
	})
	stop := run(t, w)

	require.Eventually(t, func() bool { return calls.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	require.NoError(t, stop())

	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, visqueue.Stats{Messages: 1, Visible: 0, Invisible: 1}, count(t, q))
}

func TestFailedMessageIsRetriedAfterTimeout(t *testing.T) {
	q := newQueue(t, "retried", "flaky")

	var calls atomic.Int32
	w := newWorker(Config{Visibility: 20 * time.Millisecond})
	w.Handle(q, func(ctx context.Context, msg *Message) error {
		if calls.Add(1) == 1 {
			return errors.New("first attempt fails")
		}
		assert.Equal(t, 2, msg.DequeueCount)
		return nil
	})
	stop := run(t, w)

	require.Eventually(t, func() bool { return remaining(q) == 0 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, stop())
	assert.Equal(t, int32(2), calls.Load())
}

func TestPanicIsRecovered(t *testing.T) {
	q := newQueue(t, "panicky", "x")

	var calls atomic.Int32
	w := newWorker(Config{Visibility: time.Hour})
	w.Handle(q, func(ctx context.Context, msg *Message) error {
		calls.Add(1)
		panic("handler bug")
	})
	stop := run(t, w)

	require.Eventually(t, func() bool { return calls.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, stop())
	assert.Equal(t, 1, count(t, q).Messages)
}

func TestUpdateKeepsTheLease(t *testing.T) {
	q := newQueue(t, "updated", "draft")

	w := newWorker(Config{})
	w.Handle(q, func(ctx context.Context, msg *Message) error {
		old := msg.PopReceipt
		if err := msg.Update(ctx, []byte("final"), time.Minute); err != nil {
			return err
		}
		assert.NotEqual(t, old, msg.PopReceipt)
		assert.Equal(t, "final", string(msg.Content))
		return nil
	})
	stop := run(t, w)

	// the delete after Update must use the rotated receipt
	require.Eventually(t, func() bool { return remaining(q) == 0 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, stop())
}

func TestDeletedQueueStopsRun(t *testing.T) {
	c := visqueue.New(memory.New(nil), visqueue.WithLogger(logging.Discard()))
	q, err := c.EnsureCreated(context.Background(), "short-lived")
	require.NoError(t, err)
	require.NoError(t, c.DeleteQueue(context.Background(), "short-lived"))

	w := newWorker(Config{})
	w.Handle(q, func(ctx context.Context, msg *Message) error { return nil })

	err = w.Run(context.Background())
	assert.ErrorIs(t, err, visqueue.ErrQueueNotFound)
}
