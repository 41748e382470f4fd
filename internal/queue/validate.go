package queue

import (
	"regexp"
	"time"

	"github.com/google/uuid"
)

// Service limits. Requests outside them fail with ErrInvalidArgument.
const (
	MaxLeaseCount        = 32
	MaxVisibilityTimeout = 7 * 24 * time.Hour
	MaxContentSize       = 64 * 1024

	minNameLen = 3
	maxNameLen = 63
)

// lowercase alphanumerics separated by single hyphens
var namePattern = regexp.MustCompile(`^[a-z0-9]+(-[a-z0-9]+)*$`)

// ValidateName checks a queue name. Upper case is not allowed.
func ValidateName(name string) error {
	if len(name) < minNameLen || len(name) > maxNameLen {
		return invalid("queue name %q must be %d-%d characters", name, minNameLen, maxNameLen)
	}
	if !namePattern.MatchString(name) {
		return invalid("queue name %q may only contain lowercase letters, digits and single hyphens", name)
	}
	return nil
}

// ValidateContent checks a message payload size.
func ValidateContent(content []byte) error {
	if len(content) > MaxContentSize {
		return invalid("content is %d bytes, limit is %d", len(content), MaxContentSize)
	}
	return nil
}

// ValidateVisibility checks a visibility timeout or an initial delay.
func ValidateVisibility(d time.Duration) error {
	if d < 0 {
		return invalid("visibility timeout %s is negative", d)
	}
	if d > MaxVisibilityTimeout {
		return invalid("visibility timeout %s exceeds %s", d, MaxVisibilityTimeout)
	}
	return nil
}

// ValidateLease checks the arguments of a lease request.
func ValidateLease(opts LeaseOptions) error {
	if opts.MaxCount <= 0 || opts.MaxCount > MaxLeaseCount {
		return invalid("max count %d must be between 1 and %d", opts.MaxCount, MaxLeaseCount)
	}
	return ValidateVisibility(opts.Visibility)
}

// ValidateReceipt rejects an empty pop receipt.
func ValidateReceipt(r PopReceipt) error {
	if r == "" {
		return invalid("pop receipt is required")
	}
	return nil
}

// NewMessageID returns a fresh message identifier.
func NewMessageID() MessageID {
	return MessageID(uuid.NewString())
}

// NewPopReceipt returns a fresh lease handle.
func NewPopReceipt() PopReceipt {
	return PopReceipt(uuid.NewString())
}
