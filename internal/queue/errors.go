package queue

import (
	"errors"
	"fmt"
)

// Errors returned by queue backends. Callers match them with errors.Is.
var (
	// ErrBackendUnavailable means the store could not be reached.
	ErrBackendUnavailable = errors.New("queue: backend unavailable")

	// ErrNotFound means the message id is unknown, usually because it was
	// already deleted.
	ErrNotFound = errors.New("queue: message not found")

	// ErrReceiptMismatch means the pop receipt is stale: the lease expired and
	// was taken by someone else, or the message was updated since.
	ErrReceiptMismatch = errors.New("queue: pop receipt mismatch")

	// ErrInvalidArgument rejects out-of-range counts, timeouts, names or sizes.
	ErrInvalidArgument = errors.New("queue: invalid argument")

	// ErrQueueNotFound means the handle refers to a queue that does not exist.
	ErrQueueNotFound = errors.New("queue: queue not found")
)

// Unavailable wraps a transport error so that it matches ErrBackendUnavailable
// while keeping the cause.
func Unavailable(err error) error {
	if err == nil || errors.Is(err, ErrBackendUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrBackendUnavailable, err)
}

// IsRace reports whether err is the ordinary outcome of another caller having
// handled the message first.
func IsRace(err error) bool {
	return errors.Is(err, ErrReceiptMismatch) || errors.Is(err, ErrNotFound)
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidArgument, fmt.Sprintf(format, args...))
}
