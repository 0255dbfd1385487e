// Package postgres implements storage.Repository backed by PostgreSQL.
//
// The records table uses a composite primary key (record_type, record_id)
// that mirrors the key space used by the BBolt and in-memory backends.
// Batch maps onto one database transaction, so a failed rotation rolls back
// every row it touched.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jmcleod/ironkeep/storage"
)

// Store implements storage.Repository backed by PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

var _ storage.Repository = (*Store)(nil)

// NewRepository returns a Repository backed by the given pgx connection pool.
func NewRepository(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// NewRepositoryFromDSN creates a connection pool from a DSN string, ensures
// the schema exists, and returns a new Repository.
func NewRepositoryFromDSN(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	if err := EnsureSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensuring schema: %w", err)
	}
	return NewRepository(pool), nil
}

// Pool returns the underlying connection pool. This is useful for sharing
// the pool with other components such as the epoch cache.
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

// Close closes the underlying connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// ---------------------------------------------------------------------------
// Repository interface implementation
// ---------------------------------------------------------------------------

func (s *Store) Put(ctx context.Context, recordType, recordID string, rec *storage.Record) error {
	return put(ctx, s.pool, recordType, recordID, rec)
}

func (s *Store) Get(ctx context.Context, recordType, recordID string) (*storage.Record, error) {
	return get(ctx, s.pool, recordType, recordID)
}

func (s *Store) List(ctx context.Context, recordType string) ([]string, error) {
	return list(ctx, s.pool, recordType)
}

func (s *Store) Delete(ctx context.Context, recordType, recordID string) error {
	return del(ctx, s.pool, recordType, recordID)
}

func (s *Store) PutCAS(ctx context.Context, recordType, recordID string, expectedVersion uint64, rec *storage.Record) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if err := putCASInTx(ctx, tx, recordType, recordID, expectedVersion, rec); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *Store) Batch(ctx context.Context, fn func(tx storage.BatchTx) error) error {
	pgTx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	// Rollback after a successful Commit is a no-op.
	defer pgTx.Rollback(context.WithoutCancel(ctx)) //nolint:errcheck

	if err := fn(&pgBatchTx{tx: pgTx}); err != nil {
		return err
	}
	return pgTx.Commit(ctx)
}

// ---------------------------------------------------------------------------
// BatchTx implementation
// ---------------------------------------------------------------------------

type pgBatchTx struct {
	tx pgx.Tx
}

var _ storage.BatchTx = (*pgBatchTx)(nil)

func (btx *pgBatchTx) Get(ctx context.Context, recordType, recordID string) (*storage.Record, error) {
	return get(ctx, btx.tx, recordType, recordID)
}

func (btx *pgBatchTx) List(ctx context.Context, recordType string) ([]string, error) {
	return list(ctx, btx.tx, recordType)
}

func (btx *pgBatchTx) Put(ctx context.Context, recordType, recordID string, rec *storage.Record) error {
	return put(ctx, btx.tx, recordType, recordID, rec)
}

func (btx *pgBatchTx) PutCAS(ctx context.Context, recordType, recordID string, expectedVersion uint64, rec *storage.Record) error {
	return putCASInTx(ctx, btx.tx, recordType, recordID, expectedVersion, rec)
}

func (btx *pgBatchTx) Delete(ctx context.Context, recordType, recordID string) error {
	return del(ctx, btx.tx, recordType, recordID)
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// querier abstracts both *pgxpool.Pool and pgx.Tx for shared queries.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func put(ctx context.Context, q querier, recordType, recordID string, rec *storage.Record) error {
	_, err := q.Exec(ctx,
		`INSERT INTO records (record_type, record_id, data, version)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (record_type, record_id)
		 DO UPDATE SET data = $3, version = $4`,
		recordType, recordID, rec.Data, int64(rec.Version))
	return err
}

func get(ctx context.Context, q querier, recordType, recordID string) (*storage.Record, error) {
	var rec storage.Record
	var version int64
	err := q.QueryRow(ctx,
		`SELECT data, version FROM records WHERE record_type = $1 AND record_id = $2`,
		recordType, recordID).Scan(&rec.Data, &version)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%s/%s: %w", recordType, recordID, storage.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	rec.Version = uint64(version)
	return &rec, nil
}

func list(ctx context.Context, q querier, recordType string) ([]string, error) {
	rows, err := q.Query(ctx,
		`SELECT record_id FROM records WHERE record_type = $1 ORDER BY record_id`,
		recordType)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func del(ctx context.Context, q querier, recordType, recordID string) error {
	tag, err := q.Exec(ctx,
		`DELETE FROM records WHERE record_type = $1 AND record_id = $2`,
		recordType, recordID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s/%s: %w", recordType, recordID, storage.ErrNotFound)
	}
	return nil
}

// putCASInTx performs a compare-and-swap put within an existing transaction.
// It is used by both the top-level PutCAS and the batch PutCAS methods.
func putCASInTx(ctx context.Context, tx pgx.Tx, recordType, recordID string, expectedVersion uint64, rec *storage.Record) error {
	var currentVersion int64
	err := tx.QueryRow(ctx,
		`SELECT version FROM records
		 WHERE record_type = $1 AND record_id = $2
		 FOR UPDATE`,
		recordType, recordID).Scan(&currentVersion)

	if errors.Is(err, pgx.ErrNoRows) {
		if expectedVersion != 0 {
			return storage.ErrCASFailed
		}
		// A concurrent insert of the same key surfaces as a conflict here.
		tag, err := tx.Exec(ctx,
			`INSERT INTO records (record_type, record_id, data, version)
			 VALUES ($1, $2, $3, $4)
			 ON CONFLICT (record_type, record_id) DO NOTHING`,
			recordType, recordID, rec.Data, int64(rec.Version))
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return storage.ErrCASFailed
		}
		return nil
	}
	if err != nil {
		return err
	}

	if expectedVersion == 0 || uint64(currentVersion) != expectedVersion {
		return storage.ErrCASFailed
	}

	_, err = tx.Exec(ctx,
		`UPDATE records SET data = $3, version = $4
		 WHERE record_type = $1 AND record_id = $2`,
		recordType, recordID, rec.Data, int64(rec.Version))
	return err
}
