package postgres

import (
	"context"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jmcleod/ironkeep/storage"
	"github.com/jmcleod/ironkeep/storage/storagetest"
)

func newTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	dsn := os.Getenv("IRONKEEP_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("IRONKEEP_TEST_POSTGRES_DSN not set; skipping PostgreSQL tests")
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("could not connect to postgres: %v", err)
	}
	if err := EnsureSchema(ctx, pool); err != nil {
		pool.Close()
		t.Fatalf("could not ensure schema: %v", err)
	}

	// Clean tables for test isolation.
	pool.Exec(ctx, "DELETE FROM records")     //nolint:errcheck
	pool.Exec(ctx, "DELETE FROM epoch_cache") //nolint:errcheck

	t.Cleanup(func() {
		pool.Exec(ctx, "DELETE FROM records")     //nolint:errcheck
		pool.Exec(ctx, "DELETE FROM epoch_cache") //nolint:errcheck
		pool.Close()
	})
	return pool
}

func TestPostgresStorage(t *testing.T) {
	storagetest.RunContract(t, func(t *testing.T) storage.Repository {
		pool := newTestPool(t)
		return NewRepository(pool)
	})
}
