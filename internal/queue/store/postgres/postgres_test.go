package postgres

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"

	"github.com/aridsondez/visqueue/internal/queue"
)

func TestParseIDs(t *testing.T) {
	id, receipt := queue.NewMessageID(), queue.NewPopReceipt()

	msgID, rcpt := parseIDs(id, receipt)
	assert.Equal(t, string(id), msgID.String())
	assert.Equal(t, string(receipt), rcpt.String())

	// garbage falls through to the statement as a value no row can hold
	msgID, rcpt = parseIDs("not-a-uuid", receipt)
	assert.Equal(t, uuid.Nil, msgID)
	assert.Equal(t, string(receipt), rcpt.String())

	msgID, rcpt = parseIDs(id, "stale")
	assert.Equal(t, string(id), msgID.String())
	assert.Equal(t, uuid.Nil, rcpt)
}

func TestNewAppliesDefaults(t *testing.T) {
	p := New(nil, nil, nil)
	assert.IsType(t, queue.SystemClock{}, p.clock)
	assert.NotNil(t, p.logger)
}

func TestFailClassifiesErrors(t *testing.T) {
	p := New(nil, nil, nil)

	err := p.fail("send", errors.New("dial tcp 127.0.0.1:5432: connect: connection refused"))
	assert.ErrorIs(t, err, queue.ErrBackendUnavailable)

	err = p.fail("send", &pgconn.PgError{Code: "42P01", Message: "relation \"messages\" does not exist"})
	assert.False(t, errors.Is(err, queue.ErrBackendUnavailable))
	assert.True(t, strings.HasPrefix(err.Error(), "send: "))

	err = p.fail("send", context.DeadlineExceeded)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, errors.Is(err, queue.ErrBackendUnavailable))
}

func TestSchemaIsEmbedded(t *testing.T) {
	assert.Contains(t, schema, "CREATE TABLE IF NOT EXISTS messages")
	assert.Contains(t, schema, "pop_receipt")
}
