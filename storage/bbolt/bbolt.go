// Package bbolt provides a BBolt-backed storage repository. Each record type
// is stored in its own bucket.
package bbolt

import (
	"context"
	"encoding/json"
	"fmt"

	"go.etcd.io/bbolt"

	"github.com/jmcleod/ironkeep/storage"
)

// Store implements storage.Repository backed by a BBolt database.
type Store struct {
	db *bbolt.DB
}

var _ storage.Repository = (*Store)(nil)

// NewRepository returns a Repository backed by the given BBolt database.
func NewRepository(db *bbolt.DB) *Store {
	return &Store{db: db}
}

// NewRepositoryFromFile opens a BBolt database at the given path and returns a new Repository.
func NewRepositoryFromFile(path string, options *bbolt.Options) (*Store, error) {
	db, err := bbolt.Open(path, 0600, options)
	if err != nil {
		return nil, fmt.Errorf("opening bbolt db: %w", err)
	}
	return NewRepository(db), nil
}

// Close closes the underlying BBolt database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Put(ctx context.Context, recordType, recordID string, rec *storage.Record) error {
	return s.Batch(ctx, func(tx storage.BatchTx) error {
		return tx.Put(ctx, recordType, recordID, rec)
	})
}

func (s *Store) Get(ctx context.Context, recordType, recordID string) (*storage.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var rec *storage.Record
	err := s.db.View(func(tx *bbolt.Tx) error {
		var err error
		rec, err = getFromTx(tx, recordType, recordID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *Store) List(ctx context.Context, recordType string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var ids []string
	err := s.db.View(func(tx *bbolt.Tx) error {
		ids = listFromTx(tx, recordType)
		return nil
	})
	return ids, err
}

func (s *Store) Delete(ctx context.Context, recordType, recordID string) error {
	return s.Batch(ctx, func(tx storage.BatchTx) error {
		return tx.Delete(ctx, recordType, recordID)
	})
}

func (s *Store) PutCAS(ctx context.Context, recordType, recordID string, expectedVersion uint64, rec *storage.Record) error {
	return s.Batch(ctx, func(tx storage.BatchTx) error {
		return tx.PutCAS(ctx, recordType, recordID, expectedVersion, rec)
	})
}

// Batch runs fn inside a single bbolt read-write transaction.
func (s *Store) Batch(ctx context.Context, fn func(tx storage.BatchTx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		if err := fn(&boltBatchTx{tx: tx}); err != nil {
			return err
		}
		return ctx.Err()
	})
}

func getFromTx(tx *bbolt.Tx, recordType, recordID string) (*storage.Record, error) {
	b := tx.Bucket([]byte(recordType))
	if b == nil {
		return nil, fmt.Errorf("%s/%s: %w", recordType, recordID, storage.ErrNotFound)
	}
	data := b.Get([]byte(recordID))
	if data == nil {
		return nil, fmt.Errorf("%s/%s: %w", recordType, recordID, storage.ErrNotFound)
	}
	var rec storage.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("%s/%s: decoding: %w", recordType, recordID, err)
	}
	return &rec, nil
}

func listFromTx(tx *bbolt.Tx, recordType string) []string {
	ids := []string{}
	b := tx.Bucket([]byte(recordType))
	if b == nil {
		return ids
	}
	c := b.Cursor()
	for k, _ := c.First(); k != nil; k, _ = c.Next() {
		ids = append(ids, string(k))
	}
	return ids
}

type boltBatchTx struct {
	tx *bbolt.Tx
}

func (btx *boltBatchTx) Get(_ context.Context, recordType, recordID string) (*storage.Record, error) {
	return getFromTx(btx.tx, recordType, recordID)
}

func (btx *boltBatchTx) List(_ context.Context, recordType string) ([]string, error) {
	return listFromTx(btx.tx, recordType), nil
}

func (btx *boltBatchTx) Put(_ context.Context, recordType, recordID string, rec *storage.Record) error {
	b, err := btx.tx.CreateBucketIfNotExists([]byte(recordType))
	if err != nil {
		return err
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return b.Put([]byte(recordID), data)
}

func (btx *boltBatchTx) PutCAS(ctx context.Context, recordType, recordID string, expectedVersion uint64, rec *storage.Record) error {
	existing, err := getFromTx(btx.tx, recordType, recordID)
	if expectedVersion == 0 {
		if err == nil {
			return storage.ErrCASFailed
		}
	} else {
		if err != nil || existing.Version != expectedVersion {
			return storage.ErrCASFailed
		}
	}
	return btx.Put(ctx, recordType, recordID, rec)
}

func (btx *boltBatchTx) Delete(_ context.Context, recordType, recordID string) error {
	b := btx.tx.Bucket([]byte(recordType))
	if b == nil || b.Get([]byte(recordID)) == nil {
		return fmt.Errorf("%s/%s: %w", recordType, recordID, storage.ErrNotFound)
	}
	return b.Delete([]byte(recordID))
}
