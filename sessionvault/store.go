package sessionvault

import (
	"context"
	"sync"
	"time"

	"github.com/jmcleod/ironkeep/crypto"
)

// Entry is the sealed master password held for one session. It carries no
// key material; the key is re-derived from the session context on load.
type Entry struct {
	Sealed *crypto.Envelope `json:"sealed"`
	// KeyEpoch increments on every re-key of this session.
	KeyEpoch uint64 `json:"key_epoch"`
	// MasterEpoch is the master password record epoch at save time.
	MasterEpoch uint64    `json:"master_epoch"`
	SealedAt    time.Time `json:"sealed_at"`
}

func (e *Entry) clone() *Entry {
	if e == nil {
		return nil
	}
	c := *e
	if e.Sealed != nil {
		s := *e.Sealed
		s.Nonce = append([]byte(nil), e.Sealed.Nonce...)
		s.Ciphertext = append([]byte(nil), e.Sealed.Ciphertext...)
		c.Sealed = &s
	}
	return &c
}

// Store persists sealed entries by session ID. It is the only place a sealed
// master password lives; implementations never see the session key.
type Store interface {
	// Get returns the entry for a session, or false if there is none or it
	// has expired.
	Get(ctx context.Context, sessionID string) (*Entry, bool, error)
	Put(ctx context.Context, sessionID string, e *Entry) error
	Delete(ctx context.Context, sessionID string) error
}

// MemoryStore is a thread-safe in-memory Store. Entries are lost on restart,
// which logs every session out of its master password.
type MemoryStore struct {
	mu      sync.RWMutex
	data    map[string]*Entry
	maxIdle time.Duration
	now     func() time.Time
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an in-memory store. Entries not re-sealed within
// maxIdle are dropped; 0 disables expiry.
func NewMemoryStore(maxIdle time.Duration) *MemoryStore {
	return &MemoryStore{
		data:    make(map[string]*Entry),
		maxIdle: maxIdle,
		now:     time.Now,
	}
}

func (s *MemoryStore) Get(_ context.Context, sessionID string) (*Entry, bool, error) {
	s.mu.RLock()
	e, ok := s.data[sessionID]
	s.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}
	if s.maxIdle > 0 && s.now().Sub(e.SealedAt) > s.maxIdle {
		s.mu.Lock()
		delete(s.data, sessionID)
		s.mu.Unlock()
		return nil, false, nil
	}
	return e.clone(), true, nil
}

func (s *MemoryStore) Put(_ context.Context, sessionID string, e *Entry) error {
	s.mu.Lock()
	s.data[sessionID] = e.clone()
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, sessionID string) error {
	s.mu.Lock()
	delete(s.data, sessionID)
	s.mu.Unlock()
	return nil
}

// Len returns the number of stored entries.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}
