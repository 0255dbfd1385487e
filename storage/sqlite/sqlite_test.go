package sqlite

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jmcleod/ironkeep/storage"
	"github.com/jmcleod/ironkeep/storage/storagetest"
)

func TestSQLiteStorage(t *testing.T) {
	storagetest.RunContract(t, func(t *testing.T) storage.Repository {
		s, err := Open(t.Context(), filepath.Join(t.TempDir(), "ironkeep.sqlite"))
		require.NoError(t, err)
		t.Cleanup(func() { s.Close() })
		return s
	})
}

func TestSQLiteInMemory(t *testing.T) {
	ctx := t.Context()
	s, err := Open(ctx, ":memory:")
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Put(ctx, "USER", "u1", &storage.Record{Data: []byte("{}"), Version: 1}))
	got, err := s.Get(ctx, "USER", "u1")
	require.NoError(t, err)
	require.Equal(t, uint64(1), got.Version)
}
