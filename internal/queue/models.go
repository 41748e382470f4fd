package queue

import "time"

// MessageID identifies a message within its queue.
type MessageID string

// PopReceipt is the lease handle required to delete or update a message.
// It is rotated on every lease and update, and compared by equality only.
type PopReceipt string

// Handle references a queue held by a backend.
type Handle struct {
	Name string
}

// Message is the state of a queued message as seen by readers.
type Message struct {
	ID           MessageID
	Content      []byte
	InsertedAt   time.Time
	VisibleAt    time.Time
	DequeueCount int
}

// LeasedMessage is a message handed out by a lease together with the receipt
// that proves ownership of that lease.
type LeasedMessage struct {
	Message
	PopReceipt PopReceipt
}

// Visible reports whether the message may be leased at now.
func (m *Message) Visible(now time.Time) bool {
	return !now.Before(m.VisibleAt)
}

// LeaseOptions controls how we receive messages.
type LeaseOptions struct {
	MaxCount   int
	Visibility time.Duration
}

// Stats is a point-in-time count of a queue's messages.
type Stats struct {
	Messages  int
	Visible   int
	Invisible int
}
