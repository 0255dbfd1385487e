package masterkey

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func watermark(epoch uint64, hash string) Watermark {
	rec := &MasterPasswordRecord{Epoch: epoch, VerificationHash: hash, KDFSalt: []byte("salt")}
	return rec.Watermark()
}

func testEpochCache(t *testing.T, c EpochCache) {
	t.Helper()
	ctx := t.Context()

	latest, err := c.Latest(ctx, "master")
	require.NoError(t, err)
	assert.Equal(t, Watermark{}, latest)

	three := watermark(3, "hash-3")
	require.NoError(t, c.Observe(ctx, "master", three))
	require.NoError(t, c.Observe(ctx, "master", three))
	latest, err = c.Latest(ctx, "master")
	require.NoError(t, err)
	assert.Equal(t, three, latest)

	assert.ErrorIs(t, c.Observe(ctx, "master", watermark(2, "hash-2")), ErrRollbackDetected)
	// Same epoch, different record.
	assert.ErrorIs(t, c.Observe(ctx, "master", watermark(3, "forged")), ErrRollbackDetected)
	latest, err = c.Latest(ctx, "master")
	require.NoError(t, err)
	assert.Equal(t, three, latest)

	require.NoError(t, c.Observe(ctx, "master", watermark(4, "hash-4")))
	other, err := c.Latest(ctx, "other")
	require.NoError(t, err)
	assert.Equal(t, uint64(0), other.Epoch)
}

func TestWatermark(t *testing.T) {
	a := watermark(1, "hash")
	assert.Equal(t, a, watermark(1, "hash"))
	assert.NotEqual(t, a.Digest, watermark(1, "other").Digest)
	assert.NotEqual(t, a.Digest, watermark(2, "hash").Digest)

	salted := (&MasterPasswordRecord{Epoch: 1, VerificationHash: "hash", KDFSalt: []byte("pepper")}).Watermark()
	assert.NotEqual(t, a.Digest, salted.Digest)

	assert.NoError(t, Watermark{}.Admits(a))
	assert.NoError(t, Watermark{Epoch: 1}.Admits(a))
	assert.NoError(t, a.Admits(watermark(2, "x")))
	assert.ErrorIs(t, a.Admits(salted), ErrRollbackDetected)
}

func TestMemoryEpochCache(t *testing.T) {
	testEpochCache(t, NewMemoryEpochCache())
}

func TestBoltEpochCache(t *testing.T) {
	path := filepath.Join(t.TempDir(), "epochs.db")
	c, err := NewBoltEpochCacheFromFile(path, nil)
	require.NoError(t, err)
	testEpochCache(t, c)
	require.NoError(t, c.Close())

	reopened, err := NewBoltEpochCacheFromFile(path, nil)
	require.NoError(t, err)
	defer reopened.Close()
	latest, err := reopened.Latest(t.Context(), "master")
	require.NoError(t, err)
	assert.Equal(t, watermark(4, "hash-4"), latest)
	assert.ErrorIs(t, reopened.Observe(t.Context(), "master", watermark(1, "hash-1")), ErrRollbackDetected)
	assert.ErrorIs(t, reopened.Observe(t.Context(), "master", watermark(4, "forged")), ErrRollbackDetected)
}
