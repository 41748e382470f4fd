//go:build integration

package postgres

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/aridsondez/visqueue/internal/queue"
	"github.com/aridsondez/visqueue/internal/queue/store"
	"github.com/aridsondez/visqueue/internal/queue/store/storetest"
)

// setupPostgres starts one container for the whole test and returns a pool.
func setupPostgres(t *testing.T) *pgxpool.Pool {
	t.Helper()
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "postgres",
			"POSTGRES_PASSWORD": "password",
			"POSTGRES_DB":       "visqueue_test",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("failed to start Postgres container: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("failed to get container host: %v", err)
	}
	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		t.Fatalf("failed to get container port: %v", err)
	}

	dsn := fmt.Sprintf("postgres://postgres:password@%s:%s/visqueue_test?sslmode=disable", host, port.Port())
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("pgxpool.New: %v", err)
	}
	t.Cleanup(pool.Close)

	for i := 0; i < 30; i++ {
		if err = pool.Ping(ctx); err == nil {
			break
		}
		time.Sleep(200 * time.Millisecond)
	}
	require.NoError(t, err)

	require.NoError(t, New(pool, nil, nil).Migrate(ctx))
	return pool
}

func TestPostgresConformance(t *testing.T) {
	pool := setupPostgres(t)

	storetest.Run(t, func(t *testing.T, clock *queue.ManualClock) store.Backend {
		_, err := pool.Exec(context.Background(), "TRUNCATE queues, messages")
		require.NoError(t, err)
		return &nopClose{New(pool, clock, nil)}
	})
}

func TestMigrateIsIdempotent(t *testing.T) {
	pool := setupPostgres(t)
	require.NoError(t, New(pool, nil, nil).Migrate(context.Background()))
}

func TestClosedPoolIsBackendUnavailable(t *testing.T) {
	pool := setupPostgres(t)
	s := New(pool, nil, nil)
	h, err := s.CreateIfNotExists(context.Background(), "orders")
	require.NoError(t, err)

	pool.Close()
	_, err = s.Send(context.Background(), h, []byte("payload"), 0)
	require.ErrorIs(t, err, queue.ErrBackendUnavailable)
}

// nopClose keeps the shared pool open across conformance cases.
type nopClose struct{ *PostgresStore }

func (nopClose) Close() error { return nil }
