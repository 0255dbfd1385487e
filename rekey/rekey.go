// Package rekey re-wraps every secret-bearing row when the master password
// changes. All rows and the new master password record are written in one
// storage transaction: either every row moves to the new key or none does.
package rekey

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sort"
	"time"

	"github.com/jmcleod/ironkeep/key"
	"github.com/jmcleod/ironkeep/storage"
)

// DefaultLockTTL bounds how long an abandoned rotation lock blocks others.
const DefaultLockTTL = 15 * time.Minute

// Rotation carries the keys for one master password change. The master
// passwords are needed by tables whose payload is the master password itself.
type Rotation struct {
	Old               key.Keyring
	Next              key.Keyring
	OldMasterPassword []byte
	NewMasterPassword []byte
	// Begin runs inside the transaction before any table is read. It claims
	// the master password record so concurrent secret writes either commit
	// first or fail.
	Begin func(ctx context.Context, tx storage.BatchTx) error
	// Finalize runs inside the transaction after every table has been
	// rotated. The new master password record is written here.
	Finalize func(ctx context.Context, tx storage.BatchTx) error
}

// Table is a secret-bearing table the coordinator walks.
type Table interface {
	Name() string
	// ListIDs returns the IDs Rotate accepts, in ascending order.
	ListIDs(ctx context.Context, r storage.Reader) ([]string, error)
	// Rotate re-encrypts one item from rot.Old to rot.Next within tx.
	Rotate(ctx context.Context, tx storage.BatchTx, id string, rot *Rotation) error
}

// Result summarises a committed rotation.
type Result struct {
	Items    map[string]int
	Total    int
	Duration time.Duration
}

// Coordinator runs rotations.
type Coordinator struct {
	repo   storage.Repository
	tables []Table
	lock   *Lock
	logger *slog.Logger
	now    func() time.Time
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) {
		c.logger = logger
	}
}

// WithLockTTL overrides DefaultLockTTL.
func WithLockTTL(ttl time.Duration) Option {
	return func(c *Coordinator) {
		c.lock.ttl = ttl
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		c.now = now
		c.lock.now = now
	}
}

// NewCoordinator returns a Coordinator over tables. Tables are processed in
// name order so failures are reproducible.
func NewCoordinator(repo storage.Repository, tables []Table, opts ...Option) *Coordinator {
	sorted := append([]Table(nil), tables...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name() < sorted[j].Name() })

	c := &Coordinator{
		repo:   repo,
		tables: sorted,
		lock:   NewLock(repo, DefaultLockTTL),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = slog.New(slog.NewJSONHandler(os.Stderr, nil))
	}
	c.logger = c.logger.With("component", "rekey")
	c.lock.logger = c.logger
	return c
}

// InProgress reports whether a rotation currently holds the lock.
func (c *Coordinator) InProgress(ctx context.Context) (bool, error) {
	return c.lock.Held(ctx)
}

// Execute rotates every item of every table. The first failure aborts the
// rotation and is returned as a *RotationFailedError after the transaction
// has rolled back.
func (c *Coordinator) Execute(ctx context.Context, rot *Rotation) (*Result, error) {
	release, err := c.lock.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	start := c.now()
	c.audit(ctx, "rotation_started")

	counts := make(map[string]int, len(c.tables))
	err = c.repo.Batch(ctx, func(tx storage.BatchTx) error {
		if rot.Begin != nil {
			if err := rot.Begin(ctx, tx); err != nil {
				return &RotationFailedError{Cause: err}
			}
		}
		for _, t := range c.tables {
			ids, err := t.ListIDs(ctx, tx)
			if err != nil {
				return &RotationFailedError{Table: t.Name(), Cause: err}
			}
			for _, id := range ids {
				if err := ctx.Err(); err != nil {
					return &RotationFailedError{Table: t.Name(), ItemID: id, Cause: err}
				}
				if err := t.Rotate(ctx, tx, id, rot); err != nil {
					return &RotationFailedError{Table: t.Name(), ItemID: id, Cause: err}
				}
				counts[t.Name()]++
			}
		}
		if rot.Finalize != nil {
			if err := rot.Finalize(ctx, tx); err != nil {
				return &RotationFailedError{Cause: err}
			}
		}
		return nil
	})
	if err != nil {
		var rfe *RotationFailedError
		if !errors.As(err, &rfe) {
			// Commit failures surface without an item.
			rfe = &RotationFailedError{Cause: err}
		}
		c.audit(ctx, "rotation_rolled_back",
			slog.String("table", rfe.Table),
			slog.String("item_id", rfe.ItemID),
			slog.String("error", rfe.Cause.Error()))
		return nil, rfe
	}

	res := &Result{Items: counts, Duration: c.now().Sub(start)}
	for _, n := range counts {
		res.Total += n
	}
	c.audit(ctx, "rotation_committed",
		slog.Int("items", res.Total),
		slog.Duration("duration", res.Duration))
	return res, nil
}

func (c *Coordinator) audit(ctx context.Context, event string, attrs ...slog.Attr) {
	base := []slog.Attr{slog.String("event", event)}
	c.logger.LogAttrs(ctx, slog.LevelInfo, "audit", append(base, attrs...)...)
}
