package store

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/dalston-ai/dalston/pkg/database"
)

// Shared connection string for all tests in local dev. CI points
// TEST_DATABASE_URL at an external PostgreSQL service instead.
var (
	sharedConnStr string
	containerOnce sync.Once
	containerErr  error
)

// testPool returns a migrated pool with all tables truncated. Tests in this
// package run sequentially against the shared database.
func testPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping database integration test in short mode")
	}

	connStr := os.Getenv("TEST_DATABASE_URL")
	if connStr == "" {
		containerOnce.Do(func() {
			ctx := context.Background()
			container, err := postgres.Run(ctx, "postgres:16-alpine",
				postgres.WithDatabase("dalston_test"),
				postgres.WithUsername("dalston"),
				postgres.WithPassword("dalston"),
				testcontainers.WithWaitStrategy(
					wait.ForLog("database system is ready to accept connections").
						WithOccurrence(2).
						WithStartupTimeout(60*time.Second)))
			if err != nil {
				containerErr = err
				return
			}
			sharedConnStr, containerErr = container.ConnectionString(ctx, "sslmode=disable")
		})
		require.NoError(t, containerErr, "failed to start postgres container")
		connStr = sharedConnStr
	}

	require.NoError(t, database.MigrateDSN(connStr, "dalston_test"))

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	_, err = pool.Exec(ctx,
		`TRUNCATE jobs, tasks, realtime_sessions, webhook_endpoints, webhook_deliveries`)
	require.NoError(t, err)
	return pool
}

func newID() string { return uuid.New().String() }
