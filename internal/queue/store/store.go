package store

import (
	"context"
	"time"

	"github.com/aridsondez/visqueue/internal/queue"
)

// Backend is the storage-agnostic interface the rest of the app uses.
// Network implementations map transport failures to queue.ErrBackendUnavailable.
type Backend interface {
	// CreateIfNotExists returns a handle to the named queue, creating it empty
	// when missing.
	CreateIfNotExists(ctx context.Context, name string) (queue.Handle, error)

	// DeleteQueue drops the queue and all of its messages.
	DeleteQueue(ctx context.Context, h queue.Handle) error

	// ListQueues returns the names of all queues in name order.
	ListQueues(ctx context.Context) ([]string, error)

	// Send appends a message that becomes visible after delay (can be 0).
	Send(ctx context.Context, h queue.Handle, content []byte, delay time.Duration) (queue.MessageID, error)

	// Receive atomically leases up to opts.MaxCount visible messages in FIFO order.
	Receive(ctx context.Context, h queue.Handle, opts queue.LeaseOptions) ([]queue.LeasedMessage, error)

	// Delete removes the message if receipt is its current pop receipt.
	Delete(ctx context.Context, h queue.Handle, id queue.MessageID, receipt queue.PopReceipt) error

	// Update replaces content and visibility together and returns the rotated receipt.
	Update(ctx context.Context, h queue.Handle, id queue.MessageID, receipt queue.PopReceipt,
		content []byte, visibility time.Duration) (queue.PopReceipt, error)

	// Peek returns the oldest message regardless of visibility, or nil when
	// the queue is empty. It never changes state and hands out no receipt.
	Peek(ctx context.Context, h queue.Handle) (*queue.Message, error)

	// Stats counts the queue's messages at the backend's current time.
	Stats(ctx context.Context, h queue.Handle) (queue.Stats, error)

	Close() error
}
