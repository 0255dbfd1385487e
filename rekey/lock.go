package rekey

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/jmcleod/ironkeep/internal/uuid"
	"github.com/jmcleod/ironkeep/storage"
)

const (
	lockRecordType = "LOCK"
	lockRecordID   = "rotation"
)

type lockState struct {
	Owner      string    `json:"owner"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Lock serializes rotations. Within a process a mutex guards it; across
// processes sharing the store a lock record is claimed with PutCAS. A record
// past its expiry is treated as abandoned and may be taken over.
type Lock struct {
	repo   storage.Repository
	ttl    time.Duration
	now    func() time.Time
	logger *slog.Logger

	mu      sync.Mutex
	running bool
}

// NewLock returns a Lock stored in repo.
func NewLock(repo storage.Repository, ttl time.Duration) *Lock {
	return &Lock{
		repo:   repo,
		ttl:    ttl,
		now:    time.Now,
		logger: slog.New(slog.NewJSONHandler(os.Stderr, nil)),
	}
}

// Acquire claims the lock or returns ErrRotationInProgress. The returned
// release func is safe to call once.
func (l *Lock) Acquire(ctx context.Context) (func(), error) {
	l.mu.Lock()
	if l.running {
		l.mu.Unlock()
		return nil, ErrRotationInProgress
	}
	l.running = true
	l.mu.Unlock()

	owner := uuid.New()
	if err := l.claim(ctx, owner); err != nil {
		l.mu.Lock()
		l.running = false
		l.mu.Unlock()
		return nil, err
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			// Release even if the rotation's context was cancelled.
			l.release(context.WithoutCancel(ctx), owner)
			l.mu.Lock()
			l.running = false
			l.mu.Unlock()
		})
	}, nil
}

func (l *Lock) claim(ctx context.Context, owner string) error {
	now := l.now().UTC()
	state := lockState{Owner: owner, AcquiredAt: now, ExpiresAt: now.Add(l.ttl)}

	var expected uint64
	var current lockState
	version, err := storage.GetJSON(ctx, l.repo, lockRecordType, lockRecordID, &current)
	switch {
	case errors.Is(err, storage.ErrNotFound):
	case err != nil:
		return fmt.Errorf("reading rotation lock: %w", err)
	case now.Before(current.ExpiresAt):
		return ErrRotationInProgress
	default:
		expected = version
	}

	rec, err := storage.Encode(state, expected+1)
	if err != nil {
		return err
	}
	if err := l.repo.PutCAS(ctx, lockRecordType, lockRecordID, expected, rec); err != nil {
		if errors.Is(err, storage.ErrCASFailed) {
			return ErrRotationInProgress
		}
		return fmt.Errorf("claiming rotation lock: %w", err)
	}
	return nil
}

// release deletes the lock record if owner still holds it. A failed delete
// leaves the record to expire after the TTL.
func (l *Lock) release(ctx context.Context, owner string) {
	err := l.repo.Batch(ctx, func(tx storage.BatchTx) error {
		var current lockState
		if _, err := storage.GetJSON(ctx, tx, lockRecordType, lockRecordID, &current); err != nil {
			return err
		}
		if current.Owner != owner {
			return nil
		}
		return tx.Delete(ctx, lockRecordType, lockRecordID)
	})
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		l.logger.ErrorContext(ctx, "releasing rotation lock",
			slog.String("owner", owner),
			slog.Duration("expires_in", l.ttl),
			slog.String("error", err.Error()))
	}
}

// Held reports whether a rotation is running in this process or holds an
// unexpired lock record.
func (l *Lock) Held(ctx context.Context) (bool, error) {
	l.mu.Lock()
	running := l.running
	l.mu.Unlock()
	if running {
		return true, nil
	}

	var current lockState
	_, err := storage.GetJSON(ctx, l.repo, lockRecordType, lockRecordID, &current)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("reading rotation lock: %w", err)
	}
	return l.now().Before(current.ExpiresAt), nil
}
