package postgres

import (
	"context"
	_ "embed"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema.sql
var schemaSQL string

// schemaLockID serializes schema creation between processes starting at once.
const schemaLockID = 0x69726f6e6b656570

// EnsureSchema creates the records and epoch_cache tables if missing.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	return pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, int64(schemaLockID)); err != nil {
			return fmt.Errorf("locking schema: %w", err)
		}
		_, err := tx.Exec(ctx, schemaSQL)
		return err
	})
}
