// Package storage provides the storage abstraction layer for the rows the
// master-key engine reads and rotates.
package storage

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrCASFailed is returned when a compare-and-swap version check fails.
	ErrCASFailed = errors.New("CAS version mismatch")
)

// Record is one persisted row. Data is opaque to the storage layer; Version
// is maintained by callers and checked by PutCAS.
type Record struct {
	Data    []byte `json:"data"`
	Version uint64 `json:"version"`
}

// Clone returns a deep copy of r.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	return &Record{Data: append([]byte(nil), r.Data...), Version: r.Version}
}

// Reader is the read side shared by repositories and batch transactions.
// List returns IDs in ascending order.
type Reader interface {
	Get(ctx context.Context, recordType, recordID string) (*Record, error)
	List(ctx context.Context, recordType string) ([]string, error)
}

// BatchTx provides reads and writes within an atomic transaction. Reads
// observe the transaction's own uncommitted writes.
type BatchTx interface {
	Reader
	Put(ctx context.Context, recordType, recordID string, rec *Record) error
	PutCAS(ctx context.Context, recordType, recordID string, expectedVersion uint64, rec *Record) error
	Delete(ctx context.Context, recordType, recordID string) error
}

// Repository defines the interface for record storage.
//
// PutCAS with expectedVersion 0 succeeds only if the record does not exist;
// otherwise the stored Version must equal expectedVersion.
//
// Batch runs fn in one transaction. If fn or the commit fails, none of the
// writes made through tx are visible.
type Repository interface {
	Reader
	Put(ctx context.Context, recordType, recordID string, rec *Record) error
	PutCAS(ctx context.Context, recordType, recordID string, expectedVersion uint64, rec *Record) error
	Delete(ctx context.Context, recordType, recordID string) error
	Batch(ctx context.Context, fn func(tx BatchTx) error) error
}
