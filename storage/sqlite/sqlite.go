// Package sqlite implements storage.Repository on SQLite through the pure-Go
// modernc.org/sqlite driver.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/jmcleod/ironkeep/storage"
)

const schema = `
CREATE TABLE IF NOT EXISTS records (
	record_type TEXT NOT NULL,
	record_id   TEXT NOT NULL,
	data        BLOB NOT NULL,
	version     INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (record_type, record_id)
);`

// Store implements storage.Repository backed by SQLite.
type Store struct {
	db *sql.DB
}

var _ storage.Repository = (*Store)(nil)

// Open opens (or creates) the database at path and ensures the schema. Use
// ":memory:" for a private in-memory database.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite: %w", err)
	}
	// One connection serializes writers and keeps ":memory:" databases shared.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("setting pragma %q: %w", pragma, err)
		}
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// execer abstracts *sql.DB and *sql.Tx for shared queries.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) Put(ctx context.Context, recordType, recordID string, rec *storage.Record) error {
	return put(ctx, s.db, recordType, recordID, rec)
}

func (s *Store) Get(ctx context.Context, recordType, recordID string) (*storage.Record, error) {
	return get(ctx, s.db, recordType, recordID)
}

func (s *Store) List(ctx context.Context, recordType string) ([]string, error) {
	return list(ctx, s.db, recordType)
}

func (s *Store) Delete(ctx context.Context, recordType, recordID string) error {
	return del(ctx, s.db, recordType, recordID)
}

func (s *Store) PutCAS(ctx context.Context, recordType, recordID string, expectedVersion uint64, rec *storage.Record) error {
	return s.Batch(ctx, func(tx storage.BatchTx) error {
		return tx.PutCAS(ctx, recordType, recordID, expectedVersion, rec)
	})
}

// Batch runs fn inside one SQL transaction.
func (s *Store) Batch(ctx context.Context, fn func(tx storage.BatchTx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if err := fn(&sqliteBatchTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

type sqliteBatchTx struct {
	tx *sql.Tx
}

var _ storage.BatchTx = (*sqliteBatchTx)(nil)

func (btx *sqliteBatchTx) Get(ctx context.Context, recordType, recordID string) (*storage.Record, error) {
	return get(ctx, btx.tx, recordType, recordID)
}

func (btx *sqliteBatchTx) List(ctx context.Context, recordType string) ([]string, error) {
	return list(ctx, btx.tx, recordType)
}

func (btx *sqliteBatchTx) Put(ctx context.Context, recordType, recordID string, rec *storage.Record) error {
	return put(ctx, btx.tx, recordType, recordID, rec)
}

func (btx *sqliteBatchTx) PutCAS(ctx context.Context, recordType, recordID string, expectedVersion uint64, rec *storage.Record) error {
	var current uint64
	err := btx.tx.QueryRowContext(ctx,
		`SELECT version FROM records WHERE record_type = ? AND record_id = ?`,
		recordType, recordID).Scan(&current)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if expectedVersion != 0 {
			return storage.ErrCASFailed
		}
	case err != nil:
		return err
	default:
		if expectedVersion == 0 || current != expectedVersion {
			return storage.ErrCASFailed
		}
	}
	return put(ctx, btx.tx, recordType, recordID, rec)
}

func (btx *sqliteBatchTx) Delete(ctx context.Context, recordType, recordID string) error {
	return del(ctx, btx.tx, recordType, recordID)
}

func put(ctx context.Context, q execer, recordType, recordID string, rec *storage.Record) error {
	_, err := q.ExecContext(ctx,
		`INSERT INTO records (record_type, record_id, data, version) VALUES (?, ?, ?, ?)
		 ON CONFLICT (record_type, record_id) DO UPDATE SET data = excluded.data, version = excluded.version`,
		recordType, recordID, rec.Data, int64(rec.Version))
	return err
}

func get(ctx context.Context, q execer, recordType, recordID string) (*storage.Record, error) {
	var rec storage.Record
	var version int64
	err := q.QueryRowContext(ctx,
		`SELECT data, version FROM records WHERE record_type = ? AND record_id = ?`,
		recordType, recordID).Scan(&rec.Data, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s/%s: %w", recordType, recordID, storage.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	rec.Version = uint64(version)
	return &rec, nil
}

func list(ctx context.Context, q execer, recordType string) ([]string, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT record_id FROM records WHERE record_type = ? ORDER BY record_id`, recordType)
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

func del(ctx context.Context, q execer, recordType, recordID string) error {
	res, err := q.ExecContext(ctx,
		`DELETE FROM records WHERE record_type = ? AND record_id = ?`, recordType, recordID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s/%s: %w", recordType, recordID, storage.ErrNotFound)
	}
	return nil
}
