// Package dbtest provides a Postgres-backed db.Store for integration tests.
package dbtest

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/brojonat/presale/service/db"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// TestStore wraps a Store with test cleanup functionality.
type TestStore struct {
	*db.Store
	pool *pgxpool.Pool
}

// NewTestStore returns a migrated, empty Store.
//
// TEST_DATABASE_URL is used when set. Otherwise a throwaway Postgres container
// is started; the test is skipped if no container runtime is available or
// SKIP_DB_TESTS is set.
func NewTestStore(t *testing.T) *TestStore {
	t.Helper()

	if os.Getenv("SKIP_DB_TESTS") != "" {
		t.Skip("Skipping database test (SKIP_DB_TESTS is set)")
	}

	ctx := context.Background()
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		dsn = startContainer(t, ctx)
	}

	pool, err := db.Connect(ctx, dsn)
	if err != nil {
		t.Skipf("Skipping database test: cannot connect to test database: %v", err)
	}
	t.Cleanup(pool.Close)

	if err := db.Migrate(ctx, pool); err != nil {
		t.Fatalf("failed to migrate test database: %v", err)
	}

	ts := &TestStore{
		Store: db.NewStore(pool, nil),
		pool:  pool,
	}
	ts.Cleanup(t)
	return ts
}

func startContainer(t *testing.T, ctx context.Context) string {
	t.Helper()

	testcontainers.SkipIfProviderIsNotHealthy(t)

	container, err := postgres.Run(ctx, "postgres:15-alpine",
		postgres.WithDatabase("presale_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		t.Skipf("Skipping database test: failed to start postgres container: %v", err)
	}
	t.Cleanup(func() {
		if err := container.Terminate(context.Background()); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	})

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("failed to get connection string: %v", err)
	}
	return dsn
}

// Cleanup removes all data from test tables.
func (ts *TestStore) Cleanup(t *testing.T) {
	t.Helper()

	if _, err := ts.pool.Exec(context.Background(), "TRUNCATE TABLE users"); err != nil {
		t.Fatalf("failed to cleanup test database: %v", err)
	}
}

// MustExec executes a SQL statement and fails the test if it errors.
// Useful for setting up test fixtures.
func (ts *TestStore) MustExec(t *testing.T, query string, args ...interface{}) {
	t.Helper()

	if _, err := ts.pool.Exec(context.Background(), query, args...); err != nil {
		t.Fatalf("failed to execute query: %v\nQuery: %s", err, query)
	}
}
