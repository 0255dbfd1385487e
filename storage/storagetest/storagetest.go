// Package storagetest provides a shared contract test suite for
// storage.Repository implementations and a fault-injecting wrapper.
package storagetest

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/ironkeep/storage"
)

// ErrInjected is returned by FailingRepository for the write it fails.
var ErrInjected = errors.New("injected storage failure")

// FailingRepository wraps a Repository and fails the Nth write made inside
// a Batch. Writes outside a Batch pass through.
type FailingRepository struct {
	storage.Repository

	mu     sync.Mutex
	failAt int
	writes int
}

// NewFailingRepository wraps repo. Call FailOnWrite to arm it.
func NewFailingRepository(repo storage.Repository) *FailingRepository {
	return &FailingRepository{Repository: repo}
}

// FailOnWrite arms the wrapper to fail the nth batched write (1-based). Zero
// disarms it.
func (f *FailingRepository) FailOnWrite(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failAt = n
	f.writes = 0
}

// Writes returns the number of batched writes attempted since arming.
func (f *FailingRepository) Writes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.writes
}

func (f *FailingRepository) Batch(ctx context.Context, fn func(tx storage.BatchTx) error) error {
	return f.Repository.Batch(ctx, func(tx storage.BatchTx) error {
		return fn(&failingTx{BatchTx: tx, f: f})
	})
}

func (f *FailingRepository) tick() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes++
	if f.failAt > 0 && f.writes == f.failAt {
		return ErrInjected
	}
	return nil
}

type failingTx struct {
	storage.BatchTx
	f *FailingRepository
}

func (tx *failingTx) Put(ctx context.Context, recordType, recordID string, rec *storage.Record) error {
	if err := tx.f.tick(); err != nil {
		return err
	}
	return tx.BatchTx.Put(ctx, recordType, recordID, rec)
}

func (tx *failingTx) PutCAS(ctx context.Context, recordType, recordID string, expectedVersion uint64, rec *storage.Record) error {
	if err := tx.f.tick(); err != nil {
		return err
	}
	return tx.BatchTx.PutCAS(ctx, recordType, recordID, expectedVersion, rec)
}

func (tx *failingTx) Delete(ctx context.Context, recordType, recordID string) error {
	if err := tx.f.tick(); err != nil {
		return err
	}
	return tx.BatchTx.Delete(ctx, recordType, recordID)
}

// RunContract exercises the behaviour every storage.Repository must share.
// newRepo must return an empty repository.
func RunContract(t *testing.T, newRepo func(t *testing.T) storage.Repository) {
	t.Helper()

	t.Run("PutAndGet", func(t *testing.T) {
		repo := newRepo(t)
		ctx := t.Context()

		rec := &storage.Record{Data: []byte(`{"a":1}`), Version: 3}
		require.NoError(t, repo.Put(ctx, "ACCOUNT", "1", rec))

		got, err := repo.Get(ctx, "ACCOUNT", "1")
		require.NoError(t, err)
		assert.Equal(t, rec.Data, got.Data)
		assert.Equal(t, uint64(3), got.Version)

		got.Data[0] = 'X'
		again, err := repo.Get(ctx, "ACCOUNT", "1")
		require.NoError(t, err)
		assert.Equal(t, byte('{'), again.Data[0], "Get must return a copy")
	})

	t.Run("GetNotFound", func(t *testing.T) {
		repo := newRepo(t)
		_, err := repo.Get(t.Context(), "ACCOUNT", "missing")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("ListSortedByType", func(t *testing.T) {
		repo := newRepo(t)
		ctx := t.Context()
		for _, id := range []string{"c", "a", "b"} {
			require.NoError(t, repo.Put(ctx, "ACCOUNT", id, &storage.Record{Data: []byte("{}")}))
		}
		require.NoError(t, repo.Put(ctx, "ACCOUNT_HISTORY", "z", &storage.Record{Data: []byte("{}")}))

		ids, err := repo.List(ctx, "ACCOUNT")
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "b", "c"}, ids)

		ids, err = repo.List(ctx, "CUSTOM_FIELD")
		require.NoError(t, err)
		assert.Empty(t, ids)
	})

	t.Run("Delete", func(t *testing.T) {
		repo := newRepo(t)
		ctx := t.Context()
		require.NoError(t, repo.Put(ctx, "USER", "u1", &storage.Record{Data: []byte("{}")}))
		require.NoError(t, repo.Delete(ctx, "USER", "u1"))
		_, err := repo.Get(ctx, "USER", "u1")
		assert.ErrorIs(t, err, storage.ErrNotFound)
		assert.ErrorIs(t, repo.Delete(ctx, "USER", "u1"), storage.ErrNotFound)
	})

	t.Run("PutCAS", func(t *testing.T) {
		repo := newRepo(t)
		ctx := t.Context()

		require.NoError(t, repo.PutCAS(ctx, "LOCK", "rotation", 0, &storage.Record{Data: []byte("1"), Version: 1}))
		assert.ErrorIs(t, repo.PutCAS(ctx, "LOCK", "rotation", 0, &storage.Record{Version: 1}), storage.ErrCASFailed)
		assert.ErrorIs(t, repo.PutCAS(ctx, "LOCK", "rotation", 2, &storage.Record{Version: 3}), storage.ErrCASFailed)
		require.NoError(t, repo.PutCAS(ctx, "LOCK", "rotation", 1, &storage.Record{Data: []byte("2"), Version: 2}))
		assert.ErrorIs(t, repo.PutCAS(ctx, "LOCK", "other", 1, &storage.Record{Version: 2}), storage.ErrCASFailed)

		got, err := repo.Get(ctx, "LOCK", "rotation")
		require.NoError(t, err)
		assert.Equal(t, uint64(2), got.Version)
	})

	t.Run("BatchCommit", func(t *testing.T) {
		repo := newRepo(t)
		ctx := t.Context()
		require.NoError(t, repo.Put(ctx, "ACCOUNT", "old", &storage.Record{Data: []byte("{}")}))

		err := repo.Batch(ctx, func(tx storage.BatchTx) error {
			if err := tx.Put(ctx, "ACCOUNT", "1", &storage.Record{Data: []byte("one")}); err != nil {
				return err
			}
			got, err := tx.Get(ctx, "ACCOUNT", "1")
			if err != nil {
				return err
			}
			if string(got.Data) != "one" {
				return errors.New("batch must read its own writes")
			}
			ids, err := tx.List(ctx, "ACCOUNT")
			if err != nil {
				return err
			}
			if len(ids) != 2 {
				return errors.New("batch list must include its own writes")
			}
			if err := tx.PutCAS(ctx, "MASTER", "current", 0, &storage.Record{Data: []byte("m"), Version: 1}); err != nil {
				return err
			}
			return tx.Delete(ctx, "ACCOUNT", "old")
		})
		require.NoError(t, err)

		got, err := repo.Get(ctx, "ACCOUNT", "1")
		require.NoError(t, err)
		assert.Equal(t, "one", string(got.Data))
		_, err = repo.Get(ctx, "ACCOUNT", "old")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("BatchRollback", func(t *testing.T) {
		repo := newRepo(t)
		ctx := t.Context()
		require.NoError(t, repo.Put(ctx, "ACCOUNT", "1", &storage.Record{Data: []byte("before"), Version: 1}))

		boom := errors.New("boom")
		err := repo.Batch(ctx, func(tx storage.BatchTx) error {
			if err := tx.Put(ctx, "ACCOUNT", "1", &storage.Record{Data: []byte("after"), Version: 2}); err != nil {
				return err
			}
			if err := tx.Put(ctx, "ACCOUNT", "2", &storage.Record{Data: []byte("new")}); err != nil {
				return err
			}
			if err := tx.Delete(ctx, "ACCOUNT", "1"); err != nil {
				return err
			}
			return boom
		})
		assert.ErrorIs(t, err, boom)

		got, err := repo.Get(ctx, "ACCOUNT", "1")
		require.NoError(t, err)
		assert.Equal(t, "before", string(got.Data))
		assert.Equal(t, uint64(1), got.Version)
		_, err = repo.Get(ctx, "ACCOUNT", "2")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("BatchCASFailureRollsBack", func(t *testing.T) {
		repo := newRepo(t)
		ctx := t.Context()
		require.NoError(t, repo.Put(ctx, "MASTER", "current", &storage.Record{Data: []byte("v1"), Version: 1}))

		err := repo.Batch(ctx, func(tx storage.BatchTx) error {
			if err := tx.Put(ctx, "ACCOUNT", "1", &storage.Record{Data: []byte("x")}); err != nil {
				return err
			}
			return tx.PutCAS(ctx, "MASTER", "current", 7, &storage.Record{Version: 8})
		})
		assert.ErrorIs(t, err, storage.ErrCASFailed)
		_, err = repo.Get(ctx, "ACCOUNT", "1")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("FailingRepository", func(t *testing.T) {
		f := NewFailingRepository(newRepo(t))
		ctx := t.Context()
		require.NoError(t, f.Put(ctx, "ACCOUNT", "1", &storage.Record{Data: []byte("before")}))

		f.FailOnWrite(2)
		err := f.Batch(ctx, func(tx storage.BatchTx) error {
			if err := tx.Put(ctx, "ACCOUNT", "1", &storage.Record{Data: []byte("after")}); err != nil {
				return err
			}
			return tx.Put(ctx, "ACCOUNT", "2", &storage.Record{Data: []byte("new")})
		})
		assert.ErrorIs(t, err, ErrInjected)
		assert.Equal(t, 2, f.Writes())

		got, err := f.Get(ctx, "ACCOUNT", "1")
		require.NoError(t, err)
		assert.Equal(t, "before", string(got.Data))
	})
}
