// Package storetest holds the behaviour every store.Backend must share.
// Backend packages call Run from their own tests with a factory that wires
// the backend to the supplied manual clock.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aridsondez/visqueue/internal/queue"
	"github.com/aridsondez/visqueue/internal/queue/store"
)

// Factory builds a fresh, empty backend that reads time from clock.
type Factory func(t *testing.T, clock *queue.ManualClock) store.Backend

// Epoch is the start time of every manual clock handed to a Factory.
var Epoch = time.Date(2017, time.March, 1, 9, 0, 0, 0, time.UTC)

type suite struct {
	t       *testing.T
	ctx     context.Context
	clock   *queue.ManualClock
	backend store.Backend
}

// Run executes the conformance cases against backends built by newBackend.
func Run(t *testing.T, newBackend Factory) {
	cases := []struct {
		name string
		fn   func(s *suite)
	}{
		{"EnsureCreatedIsIdempotent", testEnsureCreatedIsIdempotent},
		{"RejectsInvalidQueueName", testRejectsInvalidQueueName},
		{"ListAndDeleteQueues", testListAndDeleteQueues},
		{"LeaseIsFIFO", testLeaseIsFIFO},
		{"LeasedMessageHiddenUntilTimeout", testLeasedMessageHiddenUntilTimeout},
		{"StaleReceiptIsRejected", testStaleReceiptIsRejected},
		{"ExpiredLeaseKeepsReceiptUntilReleased", testExpiredLeaseKeepsReceiptUntilReleased},
		{"UpdateRoundTrip", testUpdateRoundTrip},
		{"DemoScenario", testDemoScenario},
		{"CountTracksEnqueuesMinusDeletes", testCountTracksEnqueuesMinusDeletes},
		{"PeekIgnoresVisibility", testPeekIgnoresVisibility},
		{"DelayedSend", testDelayedSend},
		{"InvalidArguments", testInvalidArguments},
		{"UnknownMessage", testUnknownMessage},
		{"MalformedIdentifiers", testMalformedIdentifiers},
		{"ConcurrentLeasesNeverOverlap", testConcurrentLeasesNeverOverlap},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			clock := queue.NewManualClock(Epoch)
			b := newBackend(t, clock)
			t.Cleanup(func() { _ = b.Close() })
			tc.fn(&suite{t: t, ctx: context.Background(), clock: clock, backend: b})
		})
	}
}

func (s *suite) create(name string) queue.Handle {
	s.t.Helper()
	h, err := s.backend.CreateIfNotExists(s.ctx, name)
	require.NoError(s.t, err)
	return h
}

func (s *suite) send(h queue.Handle, content string) queue.MessageID {
	s.t.Helper()
	id, err := s.backend.Send(s.ctx, h, []byte(content), 0)
	require.NoError(s.t, err)
	require.NotEmpty(s.t, id)
	return id
}

func (s *suite) lease(h queue.Handle, max int, vis time.Duration) []queue.LeasedMessage {
	s.t.Helper()
	out, err := s.backend.Receive(s.ctx, h, queue.LeaseOptions{MaxCount: max, Visibility: vis})
	require.NoError(s.t, err)
	return out
}

func (s *suite) count(h queue.Handle) int {
	s.t.Helper()
	st, err := s.backend.Stats(s.ctx, h)
	require.NoError(s.t, err)
	return st.Messages
}

func contents(msgs []queue.LeasedMessage) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, string(m.Content))
	}
	return out
}

func testEnsureCreatedIsIdempotent(s *suite) {
	h1 := s.create("azurequeuesample")
	s.send(h1, "first")

	h2 := s.create("azurequeuesample")
	assert.Equal(s.t, h1, h2)
	assert.Equal(s.t, 1, s.count(h2))
}

func testRejectsInvalidQueueName(s *suite) {
	_, err := s.backend.CreateIfNotExists(s.ctx, "AzureQueueSample")
	assert.ErrorIs(s.t, err, queue.ErrInvalidArgument)
}

func testListAndDeleteQueues(s *suite) {
	s.create("orders")
	emails := s.create("emails")
	s.send(emails, "hello")

	names, err := s.backend.ListQueues(s.ctx)
	require.NoError(s.t, err)
	assert.Equal(s.t, []string{"emails", "orders"}, names)

	require.NoError(s.t, s.backend.DeleteQueue(s.ctx, emails))

	names, err = s.backend.ListQueues(s.ctx)
	require.NoError(s.t, err)
	assert.Equal(s.t, []string{"orders"}, names)

	_, err = s.backend.Send(s.ctx, emails, []byte("again"), 0)
	assert.ErrorIs(s.t, err, queue.ErrQueueNotFound)
	assert.ErrorIs(s.t, s.backend.DeleteQueue(s.ctx, emails), queue.ErrQueueNotFound)

	// recreating starts empty
	emails = s.create("emails")
	assert.Equal(s.t, 0, s.count(emails))
}

func testLeaseIsFIFO(s *suite) {
	h := s.create("fifo")
	for _, c := range []string{"A", "B", "C"} {
		s.send(h, c)
		s.clock.Advance(time.Millisecond)
	}

	first := s.lease(h, 2, 5*time.Second)
	assert.Equal(s.t, []string{"A", "B"}, contents(first))
	for _, m := range first {
		assert.Equal(s.t, 1, m.DequeueCount)
		assert.NotEmpty(s.t, m.PopReceipt)
		assert.True(s.t, m.VisibleAt.Equal(s.clock.Now().Add(5*time.Second)))
	}
	assert.NotEqual(s.t, first[0].PopReceipt, first[1].PopReceipt)

	rest := s.lease(h, 10, 5*time.Second)
	assert.Equal(s.t, []string{"C"}, contents(rest))
}

func testLeasedMessageHiddenUntilTimeout(s *suite) {
	h := s.create("hidden")
	id := s.send(h, "payload")

	got := s.lease(h, 1, 5*time.Second)
	require.Len(s.t, got, 1)
	assert.Equal(s.t, id, got[0].ID)

	assert.Empty(s.t, s.lease(h, 1, 5*time.Second))

	s.clock.Advance(5*time.Second - time.Millisecond)
	assert.Empty(s.t, s.lease(h, 1, 5*time.Second))

	s.clock.Advance(time.Millisecond)
	again := s.lease(h, 1, 5*time.Second)
	require.Len(s.t, again, 1)
	assert.Equal(s.t, id, again[0].ID)
	assert.Equal(s.t, 2, again[0].DequeueCount)
	assert.NotEqual(s.t, got[0].PopReceipt, again[0].PopReceipt)
}

func testStaleReceiptIsRejected(s *suite) {
	h := s.create("stale")
	s.send(h, "payload")

	first := s.lease(h, 1, time.Second)[0]
	s.clock.Advance(time.Second)
	second := s.lease(h, 1, time.Second)[0]

	err := s.backend.Delete(s.ctx, h, first.ID, first.PopReceipt)
	assert.ErrorIs(s.t, err, queue.ErrReceiptMismatch)

	_, err = s.backend.Update(s.ctx, h, first.ID, first.PopReceipt, []byte("hijack"), 0)
	assert.ErrorIs(s.t, err, queue.ErrReceiptMismatch)

	require.NoError(s.t, s.backend.Delete(s.ctx, h, second.ID, second.PopReceipt))

	err = s.backend.Delete(s.ctx, h, second.ID, second.PopReceipt)
	assert.ErrorIs(s.t, err, queue.ErrNotFound)
	assert.Equal(s.t, 0, s.count(h))
}

func testExpiredLeaseKeepsReceiptUntilReleased(s *suite) {
	h := s.create("expired")
	s.send(h, "payload")

	m := s.lease(h, 1, time.Second)[0]
	s.clock.Advance(10 * time.Second)

	// nobody leased it again, so the receipt is still the current one
	require.NoError(s.t, s.backend.Delete(s.ctx, h, m.ID, m.PopReceipt))
	assert.Equal(s.t, 0, s.count(h))
}

func testUpdateRoundTrip(s *suite) {
	h := s.create("roundtrip")
	id := s.send(h, "original")

	m := s.lease(h, 1, 30*time.Second)[0]
	receipt, err := s.backend.Update(s.ctx, h, id, m.PopReceipt, []byte("changed"), 5*time.Second)
	require.NoError(s.t, err)
	assert.NotEmpty(s.t, receipt)
	assert.NotEqual(s.t, m.PopReceipt, receipt)

	// content and visibility moved together: nothing is visible yet
	assert.Empty(s.t, s.lease(h, 1, 0))

	_, err = s.backend.Update(s.ctx, h, id, m.PopReceipt, []byte("again"), 0)
	assert.ErrorIs(s.t, err, queue.ErrReceiptMismatch)

	s.clock.Advance(5 * time.Second)
	got := s.lease(h, 1, 0)
	require.Len(s.t, got, 1)
	assert.Equal(s.t, "changed", string(got[0].Content))
	assert.Equal(s.t, 2, got[0].DequeueCount)
	assert.True(s.t, got[0].InsertedAt.Equal(Epoch))
}

func testDemoScenario(s *suite) {
	h := s.create("azurequeuesample")
	for _, c := range []string{"A", "B", "C"} {
		s.send(h, c)
		s.clock.Advance(time.Millisecond)
	}

	leased := s.lease(h, 2, 5*time.Second)
	require.Equal(s.t, []string{"A", "B"}, contents(leased))
	for _, m := range leased {
		require.NoError(s.t, s.backend.Delete(s.ctx, h, m.ID, m.PopReceipt))
	}
	assert.Equal(s.t, 1, s.count(h))

	c := s.lease(h, 1, 5*time.Second)
	require.Len(s.t, c, 1)
	assert.Equal(s.t, "C", string(c[0].Content))

	_, err := s.backend.Update(s.ctx, h, c[0].ID, c[0].PopReceipt, []byte("Z"), 5*time.Second)
	require.NoError(s.t, err)

	// a racing delete with an old receipt is refused and changes nothing
	err = s.backend.Delete(s.ctx, h, c[0].ID, c[0].PopReceipt)
	assert.True(s.t, queue.IsRace(err), "got %v", err)
	err = s.backend.Delete(s.ctx, h, leased[0].ID, leased[0].PopReceipt)
	assert.True(s.t, queue.IsRace(err), "got %v", err)
	assert.Empty(s.t, s.lease(h, 1, 5*time.Second))

	s.clock.Advance(6 * time.Second)
	final := s.lease(h, 1, 5*time.Second)
	require.Len(s.t, final, 1)
	assert.Equal(s.t, "Z", string(final[0].Content))
}

func testCountTracksEnqueuesMinusDeletes(s *suite) {
	h := s.create("counting")
	const n = 12
	for i := 0; i < n; i++ {
		s.send(h, fmt.Sprintf("m-%d", i))
	}

	deleted := 0
	for _, m := range s.lease(h, 5, time.Minute) {
		require.NoError(s.t, s.backend.Delete(s.ctx, h, m.ID, m.PopReceipt))
		deleted++
	}
	assert.Equal(s.t, n-deleted, s.count(h))

	st, err := s.backend.Stats(s.ctx, h)
	require.NoError(s.t, err)
	assert.Equal(s.t, queue.Stats{Messages: n - deleted, Visible: n - deleted, Invisible: 0}, st)

	s.lease(h, 3, time.Minute)
	st, err = s.backend.Stats(s.ctx, h)
	require.NoError(s.t, err)
	assert.Equal(s.t, queue.Stats{Messages: n - deleted, Visible: n - deleted - 3, Invisible: 3}, st)
}

func testPeekIgnoresVisibility(s *suite) {
	h := s.create("peek")
	m, err := s.backend.Peek(s.ctx, h)
	require.NoError(s.t, err)
	assert.Nil(s.t, m)

	id := s.send(h, "first")
	s.clock.Advance(time.Millisecond)
	s.send(h, "second")
	s.lease(h, 1, time.Minute)

	m, err = s.backend.Peek(s.ctx, h)
	require.NoError(s.t, err)
	require.NotNil(s.t, m)
	assert.Equal(s.t, id, m.ID)
	assert.Equal(s.t, "first", string(m.Content))
	assert.Equal(s.t, 1, m.DequeueCount)

	// peeking leases nothing
	m, err = s.backend.Peek(s.ctx, h)
	require.NoError(s.t, err)
	assert.Equal(s.t, 1, m.DequeueCount)
}

func testDelayedSend(s *suite) {
	h := s.create("delayed")
	_, err := s.backend.Send(s.ctx, h, []byte("later"), 3*time.Second)
	require.NoError(s.t, err)

	assert.Empty(s.t, s.lease(h, 1, time.Second))
	s.clock.Advance(3 * time.Second)
	assert.Equal(s.t, []string{"later"}, contents(s.lease(h, 1, time.Second)))
}

func testInvalidArguments(s *suite) {
	h := s.create("invalid")
	id := s.send(h, "payload")
	m := s.lease(h, 1, time.Second)[0]

	_, err := s.backend.Receive(s.ctx, h, queue.LeaseOptions{MaxCount: 0, Visibility: time.Second})
	assert.ErrorIs(s.t, err, queue.ErrInvalidArgument)

	_, err = s.backend.Receive(s.ctx, h, queue.LeaseOptions{MaxCount: 1, Visibility: -time.Second})
	assert.ErrorIs(s.t, err, queue.ErrInvalidArgument)

	_, err = s.backend.Send(s.ctx, h, make([]byte, queue.MaxContentSize+1), 0)
	assert.ErrorIs(s.t, err, queue.ErrInvalidArgument)

	_, err = s.backend.Update(s.ctx, h, id, m.PopReceipt, []byte("x"), -time.Second)
	assert.ErrorIs(s.t, err, queue.ErrInvalidArgument)

	assert.ErrorIs(s.t, s.backend.Delete(s.ctx, h, id, ""), queue.ErrInvalidArgument)

	// rejected calls left the lease alone
	require.NoError(s.t, s.backend.Delete(s.ctx, h, id, m.PopReceipt))
}

func testUnknownMessage(s *suite) {
	h := s.create("unknown")
	missing := queue.NewMessageID()

	assert.ErrorIs(s.t, s.backend.Delete(s.ctx, h, missing, queue.NewPopReceipt()), queue.ErrNotFound)
	_, err := s.backend.Update(s.ctx, h, missing, queue.NewPopReceipt(), []byte("x"), 0)
	assert.ErrorIs(s.t, err, queue.ErrNotFound)
}

// Ids and receipts are opaque to callers, so garbage must resolve the same
// way a well-formed but unknown value does.
func testMalformedIdentifiers(s *suite) {
	h := s.create("malformed")
	id := s.send(h, "kept")
	leased := s.lease(h, 1, time.Minute)
	require.Len(s.t, leased, 1)

	assert.ErrorIs(s.t, s.backend.Delete(s.ctx, h, id, "stale"), queue.ErrReceiptMismatch)
	_, err := s.backend.Update(s.ctx, h, id, "stale", []byte("x"), 0)
	assert.ErrorIs(s.t, err, queue.ErrReceiptMismatch)

	assert.ErrorIs(s.t, s.backend.Delete(s.ctx, h, "not-a-uuid", "stale"), queue.ErrNotFound)
	_, err = s.backend.Update(s.ctx, h, "not-a-uuid", "stale", []byte("x"), 0)
	assert.ErrorIs(s.t, err, queue.ErrNotFound)

	require.NoError(s.t, s.backend.Delete(s.ctx, h, id, leased[0].PopReceipt))
	err = s.backend.Delete(s.ctx, h, id, "stale")
	assert.ErrorIs(s.t, err, queue.ErrNotFound)
	assert.False(s.t, errors.Is(err, queue.ErrReceiptMismatch))

	require.NoError(s.t, s.backend.DeleteQueue(s.ctx, h))
	assert.ErrorIs(s.t, s.backend.Delete(s.ctx, h, "not-a-uuid", "stale"), queue.ErrQueueNotFound)
	_, err = s.backend.Update(s.ctx, h, id, "stale", []byte("x"), 0)
	assert.ErrorIs(s.t, err, queue.ErrQueueNotFound)
}

func testConcurrentLeasesNeverOverlap(s *suite) {
	h := s.create("contended")
	const n = 60
	for i := 0; i < n; i++ {
		s.send(h, fmt.Sprintf("m-%d", i))
	}

	var (
		mu   sync.Mutex
		seen = make(map[queue.MessageID]int)
		wg   sync.WaitGroup
		errs = make(chan error, 8)
	)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				out, err := s.backend.Receive(s.ctx, h, queue.LeaseOptions{MaxCount: 3, Visibility: time.Hour})
				if err != nil {
					errs <- err
					return
				}
				if len(out) == 0 {
					return
				}
				mu.Lock()
				for _, m := range out {
					seen[m.ID]++
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(s.t, err)
	}
	assert.Len(s.t, seen, n)
	for id, times := range seen {
		assert.Equal(s.t, 1, times, "message %s leased %d times", id, times)
	}
}
