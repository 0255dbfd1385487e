// Package sessionvault holds the decrypted master password for one
// authenticated session. The password is sealed under a key derived from
// the session ID and its server-side start time, so the sealed entry can sit
// in an untrusted session store.
package sessionvault

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/awnumar/memguard"

	"github.com/jmcleod/ironkeep/crypto"
	icrypto "github.com/jmcleod/ironkeep/internal/crypto"
	"github.com/jmcleod/ironkeep/internal/util"
)

// ErrNotSet is returned when no usable master password is held for the
// session: there is no entry, it does not unseal, or it predates the current
// master password.
var ErrNotSet = errors.New("master password not set for session")

const minPepperLen = 16

// SessionContext identifies a session. StartedAt must come from server-side
// state, never from the client.
type SessionContext struct {
	ID        string
	StartedAt time.Time
}

// EpochSource reports the current master password record epoch.
type EpochSource interface {
	CurrentEpoch(ctx context.Context) (uint64, error)
}

// EpochFunc adapts a function to EpochSource.
type EpochFunc func(ctx context.Context) (uint64, error)

func (f EpochFunc) CurrentEpoch(ctx context.Context) (uint64, error) {
	return f(ctx)
}

// DeriveSessionKey derives the key sealing a session's entry.
func DeriveSessionKey(sessionID string, startedAt time.Time, pepper []byte) ([]byte, error) {
	return icrypto.DeriveSessionKey(sessionID, startedAt, pepper)
}

// Vault seals and unseals master passwords in a Store. Access to a single
// session is serialized; different sessions proceed in parallel.
type Vault struct {
	store         Store
	pepper        *memguard.Enclave
	epochs        EpochSource
	rekeyInterval time.Duration
	now           func() time.Time
	logger        *slog.Logger

	mu    sync.Mutex
	locks map[string]*sessionLock
}

type sessionLock struct {
	mu   sync.Mutex
	refs int
}

// Option configures a Vault.
type Option func(*Vault)

// WithEpochSource makes Load reject entries saved under an older master
// password record epoch.
func WithEpochSource(src EpochSource) Option {
	return func(v *Vault) {
		v.epochs = src
	}
}

// WithReKeyInterval sets how old an entry may get before ReKeyIfDue re-seals
// it. Zero disables scheduled re-keying.
func WithReKeyInterval(d time.Duration) Option {
	return func(v *Vault) {
		v.rekeyInterval = d
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(v *Vault) {
		v.logger = logger
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(v *Vault) {
		v.now = now
	}
}

// New returns a Vault over store. pepper is a server secret mixed into every
// session key.
func New(store Store, pepper []byte, opts ...Option) (*Vault, error) {
	if len(pepper) < minPepperLen {
		return nil, fmt.Errorf("session pepper must be at least %d bytes", minPepperLen)
	}
	v := &Vault{
		store:  store,
		pepper: memguard.NewEnclave(util.CopyBytes(pepper)),
		now:    time.Now,
		locks:  make(map[string]*sessionLock),
	}
	for _, opt := range opts {
		opt(v)
	}
	if v.logger == nil {
		v.logger = slog.New(slog.NewJSONHandler(os.Stderr, nil))
	}
	v.logger = v.logger.With("component", "sessionvault")
	return v, nil
}

func (v *Vault) lock(sessionID string) func() {
	v.mu.Lock()
	l, ok := v.locks[sessionID]
	if !ok {
		l = &sessionLock{}
		v.locks[sessionID] = l
	}
	l.refs++
	v.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		v.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(v.locks, sessionID)
		}
		v.mu.Unlock()
	}
}

func (v *Vault) sessionKey(sc SessionContext) ([]byte, error) {
	pepper, err := v.pepper.Open()
	if err != nil {
		return nil, fmt.Errorf("opening pepper enclave: %w", err)
	}
	defer pepper.Destroy()
	return DeriveSessionKey(sc.ID, sc.StartedAt, pepper.Bytes())
}

// Save seals masterPassword for the session and replaces any previous entry.
func (v *Vault) Save(ctx context.Context, sc SessionContext, masterPassword []byte, masterEpoch uint64) (*Entry, error) {
	unlock := v.lock(sc.ID)
	defer unlock()

	var keyEpoch uint64 = 1
	if prev, ok, err := v.store.Get(ctx, sc.ID); err != nil {
		return nil, fmt.Errorf("reading session entry: %w", err)
	} else if ok {
		keyEpoch = prev.KeyEpoch + 1
	}
	return v.sealLocked(ctx, sc, masterPassword, masterEpoch, keyEpoch)
}

func (v *Vault) sealLocked(ctx context.Context, sc SessionContext, masterPassword []byte, masterEpoch, keyEpoch uint64) (*Entry, error) {
	k, err := v.sessionKey(sc)
	if err != nil {
		return nil, err
	}
	defer util.WipeBytes(k)

	sealed, err := crypto.Seal(k, masterPassword, icrypto.AADSessionVault(sc.ID, keyEpoch))
	if err != nil {
		return nil, fmt.Errorf("sealing master password: %w", err)
	}
	e := &Entry{
		Sealed:      sealed,
		KeyEpoch:    keyEpoch,
		MasterEpoch: masterEpoch,
		SealedAt:    v.now(),
	}
	if err := v.store.Put(ctx, sc.ID, e); err != nil {
		return nil, fmt.Errorf("storing session entry: %w", err)
	}
	return e, nil
}

// Load unseals the master password for the session. The caller must
// Destroy the returned buffer.
func (v *Vault) Load(ctx context.Context, sc SessionContext) (*memguard.LockedBuffer, error) {
	unlock := v.lock(sc.ID)
	defer unlock()

	buf, _, err := v.loadLocked(ctx, sc)
	return buf, err
}

func (v *Vault) loadLocked(ctx context.Context, sc SessionContext) (*memguard.LockedBuffer, *Entry, error) {
	e, ok, err := v.store.Get(ctx, sc.ID)
	if err != nil {
		return nil, nil, fmt.Errorf("reading session entry: %w", err)
	}
	if !ok {
		return nil, nil, ErrNotSet
	}
	if v.epochs != nil {
		current, err := v.epochs.CurrentEpoch(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("reading master epoch: %w", err)
		}
		if e.MasterEpoch < current {
			v.logger.LogAttrs(ctx, slog.LevelInfo, "stale session entry",
				slog.Uint64("entry_epoch", e.MasterEpoch), slog.Uint64("current_epoch", current))
			return nil, nil, ErrNotSet
		}
	}

	k, err := v.sessionKey(sc)
	if err != nil {
		return nil, nil, err
	}
	defer util.WipeBytes(k)

	pt, err := crypto.Open(k, e.Sealed, icrypto.AADSessionVault(sc.ID, e.KeyEpoch))
	if err != nil {
		return nil, nil, ErrNotSet
	}
	return memguard.NewBufferFromBytes(pt), e, nil
}

// ReKey moves the session to a new start time and re-seals the held master
// password under the key derived from it. The caller must persist the
// returned context; the old one no longer unseals.
func (v *Vault) ReKey(ctx context.Context, sc SessionContext) (SessionContext, error) {
	unlock := v.lock(sc.ID)
	defer unlock()
	return v.reKeyLocked(ctx, sc)
}

func (v *Vault) reKeyLocked(ctx context.Context, sc SessionContext) (SessionContext, error) {
	buf, e, err := v.loadLocked(ctx, sc)
	if err != nil {
		return sc, err
	}
	defer buf.Destroy()

	next := SessionContext{ID: sc.ID, StartedAt: v.now()}
	if !next.StartedAt.After(sc.StartedAt) {
		next.StartedAt = sc.StartedAt.Add(time.Nanosecond)
	}
	if _, err := v.sealLocked(ctx, next, buf.Bytes(), e.MasterEpoch, e.KeyEpoch+1); err != nil {
		return sc, err
	}
	v.logger.LogAttrs(ctx, slog.LevelDebug, "session re-keyed", slog.Uint64("key_epoch", e.KeyEpoch+1))
	return next, nil
}

// ReKeyIfDue re-keys the session when its entry is older than the configured
// interval. It reports whether a re-key happened.
func (v *Vault) ReKeyIfDue(ctx context.Context, sc SessionContext) (SessionContext, bool, error) {
	if v.rekeyInterval <= 0 {
		return sc, false, nil
	}
	unlock := v.lock(sc.ID)
	defer unlock()

	e, ok, err := v.store.Get(ctx, sc.ID)
	if err != nil {
		return sc, false, fmt.Errorf("reading session entry: %w", err)
	}
	if !ok {
		return sc, false, ErrNotSet
	}
	if v.now().Sub(e.SealedAt) < v.rekeyInterval {
		return sc, false, nil
	}
	next, err := v.reKeyLocked(ctx, sc)
	if err != nil {
		return sc, false, err
	}
	return next, true, nil
}

// Destroy removes the session's entry.
func (v *Vault) Destroy(ctx context.Context, sc SessionContext) error {
	unlock := v.lock(sc.ID)
	defer unlock()
	return v.store.Delete(ctx, sc.ID)
}
