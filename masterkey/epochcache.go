package masterkey

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"go.etcd.io/bbolt"
)

// ErrRollbackDetected is returned when the stored master password record is
// older than, or a substitute for, the newest record this installation has
// seen.
var ErrRollbackDetected = errors.New("rollback detected: master password record does not match the newest one seen")

// Watermark identifies one master password record. Digest covers the
// verification hash and KDF salt, so a different record carrying the same
// epoch does not match.
type Watermark struct {
	Epoch  uint64
	Digest [sha256.Size]byte
}

// Watermark returns the watermark of r.
func (r *MasterPasswordRecord) Watermark() Watermark {
	h := sha256.New()
	var epoch [8]byte
	binary.BigEndian.PutUint64(epoch[:], r.Epoch)
	h.Write(epoch[:])
	h.Write([]byte(r.VerificationHash))
	h.Write([]byte{0})
	h.Write(r.KDFSalt)
	w := Watermark{Epoch: r.Epoch}
	h.Sum(w.Digest[:0])
	return w
}

// Admits reports whether next may follow w: it must not be older, and at the
// same epoch it must be the same record. A zero digest matches any record.
func (w Watermark) Admits(next Watermark) error {
	switch {
	case next.Epoch < w.Epoch:
		return fmt.Errorf("%w: epoch %d is older than %d", ErrRollbackDetected, next.Epoch, w.Epoch)
	case next.Epoch == w.Epoch && w.Digest != [sha256.Size]byte{} && next.Digest != w.Digest:
		return fmt.Errorf("%w: epoch %d record was replaced", ErrRollbackDetected, next.Epoch)
	}
	return nil
}

// EpochCache remembers the newest master password record seen per scope. It
// must be stored apart from the records, otherwise restoring a backup
// restores the cache with it.
type EpochCache interface {
	// Latest returns the stored watermark, or the zero value.
	Latest(ctx context.Context, scope string) (Watermark, error)
	// Observe stores w if the current watermark admits it and returns
	// ErrRollbackDetected otherwise.
	Observe(ctx context.Context, scope string, w Watermark) error
}

// MemoryEpochCache keeps watermarks in memory. Protection ends with the
// process.
type MemoryEpochCache struct {
	mu    sync.Mutex
	marks map[string]Watermark
}

func NewMemoryEpochCache() *MemoryEpochCache {
	return &MemoryEpochCache{marks: make(map[string]Watermark)}
}

func (c *MemoryEpochCache) Latest(_ context.Context, scope string) (Watermark, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.marks[scope], nil
}

func (c *MemoryEpochCache) Observe(_ context.Context, scope string, w Watermark) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.marks[scope].Admits(w); err != nil {
		return err
	}
	c.marks[scope] = w
	return nil
}

var epochCacheBucket = []byte("epoch_watermarks")

const watermarkLen = 8 + sha256.Size

// BoltEpochCache persists watermarks in a bbolt file of its own. The stored
// value is the big-endian epoch followed by the digest.
type BoltEpochCache struct {
	db *bbolt.DB
	mu sync.Mutex
}

// NewBoltEpochCache returns a cache over db, creating its bucket.
func NewBoltEpochCache(db *bbolt.DB) (*BoltEpochCache, error) {
	err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(epochCacheBucket)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("creating epoch cache bucket: %w", err)
	}
	return &BoltEpochCache{db: db}, nil
}

// NewBoltEpochCacheFromFile opens path and returns a BoltEpochCache over it.
func NewBoltEpochCacheFromFile(path string, options *bbolt.Options) (*BoltEpochCache, error) {
	db, err := bbolt.Open(path, 0600, options)
	if err != nil {
		return nil, fmt.Errorf("opening epoch cache %s: %w", path, err)
	}
	c, err := NewBoltEpochCache(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return c, nil
}

// Close closes the underlying database.
func (c *BoltEpochCache) Close() error {
	return c.db.Close()
}

func (c *BoltEpochCache) Latest(_ context.Context, scope string) (Watermark, error) {
	var w Watermark
	err := c.db.View(func(tx *bbolt.Tx) error {
		var err error
		w, err = decodeWatermark(tx.Bucket(epochCacheBucket).Get([]byte(scope)))
		return err
	})
	return w, err
}

func (c *BoltEpochCache) Observe(_ context.Context, scope string, w Watermark) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(epochCacheBucket)
		current, err := decodeWatermark(b.Get([]byte(scope)))
		if err != nil {
			return err
		}
		if err := current.Admits(w); err != nil {
			return err
		}
		if current == w {
			return nil
		}
		var buf [watermarkLen]byte
		binary.BigEndian.PutUint64(buf[:8], w.Epoch)
		copy(buf[8:], w.Digest[:])
		return b.Put([]byte(scope), buf[:])
	})
}

func decodeWatermark(v []byte) (Watermark, error) {
	var w Watermark
	switch len(v) {
	case 0:
		return w, nil
	case watermarkLen:
		w.Epoch = binary.BigEndian.Uint64(v[:8])
		copy(w.Digest[:], v[8:])
		return w, nil
	default:
		return w, fmt.Errorf("epoch cache: watermark of %d bytes", len(v))
	}
}
