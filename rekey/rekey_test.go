package rekey

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/ironkeep/storage"
	"github.com/jmcleod/ironkeep/storage/memory"
	"github.com/jmcleod/ironkeep/storage/storagetest"
)

// counterTable stores ints and rotation increments each one.
type counterTable struct {
	name    string
	failOn  string
	visited []string
}

func (c *counterTable) Name() string { return c.name }

func (c *counterTable) ListIDs(ctx context.Context, r storage.Reader) ([]string, error) {
	return r.List(ctx, c.name)
}

func (c *counterTable) Rotate(ctx context.Context, tx storage.BatchTx, id string, _ *Rotation) error {
	c.visited = append(c.visited, c.name+"/"+id)
	if id == c.failOn {
		return errors.New("cannot unwrap")
	}
	var n int
	if _, err := storage.GetJSON(ctx, tx, c.name, id, &n); err != nil {
		return err
	}
	return storage.PutJSON(ctx, tx, c.name, id, n+1, 0)
}

func seed(t *testing.T, repo storage.Repository, table string, n int) {
	t.Helper()
	for i := range n {
		require.NoError(t, storage.PutJSON(t.Context(), repo, table, fmt.Sprintf("%02d", i), 0, 0))
	}
}

func values(t *testing.T, repo storage.Repository, table string) []int {
	t.Helper()
	ids, err := repo.List(t.Context(), table)
	require.NoError(t, err)
	out := make([]int, 0, len(ids))
	for _, id := range ids {
		var n int
		_, err := storage.GetJSON(t.Context(), repo, table, id, &n)
		require.NoError(t, err)
		out = append(out, n)
	}
	return out
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestExecuteCommits(t *testing.T) {
	repo := memory.NewRepository()
	seed(t, repo, "ACCOUNT", 3)
	seed(t, repo, "CUSTOM_FIELD", 2)

	accounts := &counterTable{name: "ACCOUNT"}
	fields := &counterTable{name: "CUSTOM_FIELD"}
	finalized := false
	c := NewCoordinator(repo, []Table{fields, accounts}, WithLogger(quietLogger()))

	res, err := c.Execute(t.Context(), &Rotation{
		Finalize: func(ctx context.Context, tx storage.BatchTx) error {
			finalized = true
			return storage.PutJSON(ctx, tx, "MASTER", "current", 2, 0)
		},
	})
	require.NoError(t, err)
	assert.True(t, finalized)
	assert.Equal(t, 5, res.Total)
	assert.Equal(t, map[string]int{"ACCOUNT": 3, "CUSTOM_FIELD": 2}, res.Items)
	assert.Equal(t, []int{1, 1, 1}, values(t, repo, "ACCOUNT"))
	assert.Equal(t, []int{1, 1}, values(t, repo, "CUSTOM_FIELD"))

	var epoch int
	_, err = storage.GetJSON(t.Context(), repo, "MASTER", "current", &epoch)
	require.NoError(t, err)
	assert.Equal(t, 2, epoch)

	held, err := c.InProgress(t.Context())
	require.NoError(t, err)
	assert.False(t, held)
}

func TestExecuteTableOrder(t *testing.T) {
	repo := memory.NewRepository()
	seed(t, repo, "B", 2)
	seed(t, repo, "A", 2)

	a := &counterTable{name: "A", failOn: "01"}
	b := &counterTable{name: "B"}
	c := NewCoordinator(repo, []Table{b, a}, WithLogger(quietLogger()))

	_, err := c.Execute(t.Context(), &Rotation{})
	require.Error(t, err)
	assert.Equal(t, []string{"A/00", "A/01"}, a.visited)
	assert.Empty(t, b.visited)
}

func TestExecuteRollsBackOnItemFailure(t *testing.T) {
	repo := memory.NewRepository()
	seed(t, repo, "ACCOUNT", 4)

	table := &counterTable{name: "ACCOUNT", failOn: "03"}
	finalized := false
	c := NewCoordinator(repo, []Table{table}, WithLogger(quietLogger()))

	_, err := c.Execute(t.Context(), &Rotation{
		Finalize: func(context.Context, storage.BatchTx) error {
			finalized = true
			return nil
		},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRotationFailed)

	var rfe *RotationFailedError
	require.ErrorAs(t, err, &rfe)
	assert.Equal(t, "ACCOUNT", rfe.Table)
	assert.Equal(t, "03", rfe.ItemID)
	assert.Contains(t, err.Error(), "ACCOUNT/03")

	assert.False(t, finalized)
	assert.Equal(t, []int{0, 0, 0, 0}, values(t, repo, "ACCOUNT"))
}

func TestExecuteRollsBackOnLastWriteFailure(t *testing.T) {
	repo := storagetest.NewFailingRepository(memory.NewRepository())
	seed(t, repo, "ACCOUNT", 3)

	// Three item writes, then the master record write in Finalize.
	repo.FailOnWrite(3)
	c := NewCoordinator(repo, []Table{&counterTable{name: "ACCOUNT"}}, WithLogger(quietLogger()))
	_, err := c.Execute(t.Context(), &Rotation{
		Finalize: func(ctx context.Context, tx storage.BatchTx) error {
			return storage.PutJSON(ctx, tx, "MASTER", "current", 2, 0)
		},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, storagetest.ErrInjected)

	var rfe *RotationFailedError
	require.ErrorAs(t, err, &rfe)
	assert.Equal(t, "02", rfe.ItemID)

	assert.Equal(t, []int{0, 0, 0}, values(t, repo, "ACCOUNT"))
	_, err = repo.Get(t.Context(), "MASTER", "current")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	// The lock is released after a rollback.
	repo.FailOnWrite(0)
	_, err = c.Execute(t.Context(), &Rotation{})
	require.NoError(t, err)
	assert.Equal(t, []int{1, 1, 1}, values(t, repo, "ACCOUNT"))
}

func TestExecuteBeginRunsFirst(t *testing.T) {
	repo := memory.NewRepository()
	seed(t, repo, "ACCOUNT", 2)
	table := &counterTable{name: "ACCOUNT"}
	c := NewCoordinator(repo, []Table{table}, WithLogger(quietLogger()))

	var order []string
	_, err := c.Execute(t.Context(), &Rotation{
		Begin: func(ctx context.Context, tx storage.BatchTx) error {
			order = append(order, "begin")
			assert.Empty(t, table.visited)
			return storage.PutJSONCAS(ctx, tx, "MASTER", "current", 2, 0)
		},
		Finalize: func(context.Context, storage.BatchTx) error {
			order = append(order, "finalize")
			return nil
		},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"begin", "finalize"}, order)

	moved := errors.New("record moved")
	table.visited = nil
	_, err = c.Execute(t.Context(), &Rotation{
		Begin: func(context.Context, storage.BatchTx) error { return moved },
	})
	assert.ErrorIs(t, err, ErrRotationFailed)
	assert.ErrorIs(t, err, moved)
	assert.Empty(t, table.visited)
	assert.Equal(t, []int{1, 1}, values(t, repo, "ACCOUNT"))
}

func TestExecuteFinalizeFailure(t *testing.T) {
	repo := memory.NewRepository()
	seed(t, repo, "ACCOUNT", 2)
	c := NewCoordinator(repo, []Table{&counterTable{name: "ACCOUNT"}}, WithLogger(quietLogger()))

	boom := errors.New("record changed")
	_, err := c.Execute(t.Context(), &Rotation{
		Finalize: func(context.Context, storage.BatchTx) error { return boom },
	})
	assert.ErrorIs(t, err, ErrRotationFailed)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, []int{0, 0}, values(t, repo, "ACCOUNT"))
}

func TestExecuteCancelled(t *testing.T) {
	repo := memory.NewRepository()
	seed(t, repo, "ACCOUNT", 2)
	c := NewCoordinator(repo, []Table{&counterTable{name: "ACCOUNT"}}, WithLogger(quietLogger()))

	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	_, err := c.Execute(ctx, &Rotation{})
	require.Error(t, err)
	assert.Equal(t, []int{0, 0}, values(t, repo, "ACCOUNT"))
}

func TestExecuteRejectsConcurrentRotation(t *testing.T) {
	repo := memory.NewRepository()
	seed(t, repo, "ACCOUNT", 1)

	var c *Coordinator
	inner := &hookTable{name: "ACCOUNT"}
	c = NewCoordinator(repo, []Table{inner}, WithLogger(quietLogger()))
	inner.hook = func(ctx context.Context) error {
		held, err := c.InProgress(ctx)
		if err != nil {
			return err
		}
		if !held {
			return errors.New("lock not held during rotation")
		}
		_, err = c.Execute(ctx, &Rotation{})
		if !errors.Is(err, ErrRotationInProgress) {
			return fmt.Errorf("nested rotation: got %v", err)
		}
		return nil
	}

	_, err := c.Execute(t.Context(), &Rotation{})
	require.NoError(t, err)
}

type hookTable struct {
	name string
	hook func(ctx context.Context) error
}

func (h *hookTable) Name() string { return h.name }

func (h *hookTable) ListIDs(ctx context.Context, r storage.Reader) ([]string, error) {
	return r.List(ctx, h.name)
}

func (h *hookTable) Rotate(ctx context.Context, _ storage.BatchTx, _ string, _ *Rotation) error {
	return h.hook(ctx)
}

func TestResultDuration(t *testing.T) {
	repo := memory.NewRepository()
	seed(t, repo, "ACCOUNT", 1)

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time {
		now = now.Add(time.Second)
		return now
	}
	c := NewCoordinator(repo, []Table{&counterTable{name: "ACCOUNT"}},
		WithLogger(quietLogger()), WithClock(clock))
	res, err := c.Execute(t.Context(), &Rotation{})
	require.NoError(t, err)
	assert.Positive(t, res.Duration)
}
