package memory

import (
	"context"
	"testing"

	"github.com/jmcleod/ironkeep/storage"
	"github.com/jmcleod/ironkeep/storage/storagetest"
)

func TestMemoryRepository(t *testing.T) {
	storagetest.RunContract(t, func(t *testing.T) storage.Repository {
		return NewRepository()
	})
}

func TestBatchCancelledContext(t *testing.T) {
	repo := NewRepository()
	ctx, cancel := context.WithCancel(t.Context())

	err := repo.Batch(ctx, func(tx storage.BatchTx) error {
		if err := tx.Put(ctx, "ACCOUNT", "1", &storage.Record{Data: []byte("x")}); err != nil {
			return err
		}
		cancel()
		return nil
	})
	if err == nil {
		t.Fatal("expected error after cancellation")
	}
	if _, err := repo.Get(t.Context(), "ACCOUNT", "1"); err == nil {
		t.Error("write from a cancelled batch must not be visible")
	}
}
