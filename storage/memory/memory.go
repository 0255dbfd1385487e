// Package memory provides a thread-safe in-memory implementation of storage.Repository.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/jmcleod/ironkeep/storage"
)

// Repository is a thread-safe in-memory implementation of storage.Repository.
// Suitable for testing, demos, and single-process use cases.
type Repository struct {
	mu   sync.RWMutex
	data map[string]map[string]*storage.Record
}

var _ storage.Repository = (*Repository)(nil)

// NewRepository creates a new empty in-memory Repository.
func NewRepository() *Repository {
	return &Repository{data: make(map[string]map[string]*storage.Record)}
}

func (r *Repository) Put(ctx context.Context, recordType, recordID string, rec *storage.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.putLocked(recordType, recordID, rec)
}

func (r *Repository) putLocked(recordType, recordID string, rec *storage.Record) error {
	if _, ok := r.data[recordType]; !ok {
		r.data[recordType] = make(map[string]*storage.Record)
	}
	r.data[recordType][recordID] = rec.Clone()
	return nil
}

func (r *Repository) Get(ctx context.Context, recordType, recordID string) (*storage.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.getLocked(recordType, recordID)
}

func (r *Repository) getLocked(recordType, recordID string) (*storage.Record, error) {
	rec, ok := r.data[recordType][recordID]
	if !ok {
		return nil, fmt.Errorf("%s/%s: %w", recordType, recordID, storage.ErrNotFound)
	}
	return rec.Clone(), nil
}

func (r *Repository) List(ctx context.Context, recordType string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.listLocked(recordType), nil
}

func (r *Repository) listLocked(recordType string) []string {
	ids := make([]string, 0, len(r.data[recordType]))
	for id := range r.data[recordType] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (r *Repository) Delete(ctx context.Context, recordType, recordID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.deleteLocked(recordType, recordID)
}

func (r *Repository) deleteLocked(recordType, recordID string) error {
	if _, ok := r.data[recordType][recordID]; !ok {
		return fmt.Errorf("%s/%s: %w", recordType, recordID, storage.ErrNotFound)
	}
	delete(r.data[recordType], recordID)
	return nil
}

func (r *Repository) PutCAS(ctx context.Context, recordType, recordID string, expectedVersion uint64, rec *storage.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.putCASLocked(recordType, recordID, expectedVersion, rec)
}

func (r *Repository) putCASLocked(recordType, recordID string, expectedVersion uint64, rec *storage.Record) error {
	existing, ok := r.data[recordType][recordID]
	if !ok {
		if expectedVersion != 0 {
			return storage.ErrCASFailed
		}
		return r.putLocked(recordType, recordID, rec)
	}
	if expectedVersion == 0 || existing.Version != expectedVersion {
		return storage.ErrCASFailed
	}
	return r.putLocked(recordType, recordID, rec)
}

// Batch executes fn within a batch transaction. On error, all writes are rolled back.
func (r *Repository) Batch(ctx context.Context, fn func(tx storage.BatchTx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	snapshot := r.snapshot()

	tx := &memoryBatchTx{repo: r}
	if err := fn(tx); err != nil {
		r.data = snapshot
		return err
	}
	// A cancelled context aborts the commit like a failed database transaction.
	if err := ctx.Err(); err != nil {
		r.data = snapshot
		return err
	}
	return nil
}

func (r *Repository) snapshot() map[string]map[string]*storage.Record {
	cp := make(map[string]map[string]*storage.Record, len(r.data))
	for recordType, rows := range r.data {
		rowsCopy := make(map[string]*storage.Record, len(rows))
		for id, rec := range rows {
			rowsCopy[id] = rec.Clone()
		}
		cp[recordType] = rowsCopy
	}
	return cp
}

type memoryBatchTx struct {
	repo *Repository
}

func (tx *memoryBatchTx) Get(_ context.Context, recordType, recordID string) (*storage.Record, error) {
	return tx.repo.getLocked(recordType, recordID)
}

func (tx *memoryBatchTx) List(_ context.Context, recordType string) ([]string, error) {
	return tx.repo.listLocked(recordType), nil
}

func (tx *memoryBatchTx) Put(_ context.Context, recordType, recordID string, rec *storage.Record) error {
	return tx.repo.putLocked(recordType, recordID, rec)
}

func (tx *memoryBatchTx) PutCAS(_ context.Context, recordType, recordID string, expectedVersion uint64, rec *storage.Record) error {
	return tx.repo.putCASLocked(recordType, recordID, expectedVersion, rec)
}

func (tx *memoryBatchTx) Delete(_ context.Context, recordType, recordID string) error {
	return tx.repo.deleteLocked(recordType, recordID)
}
