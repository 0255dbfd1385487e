package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jmcleod/ironkeep/masterkey"
)

// EpochCache implements masterkey.EpochCache in the epoch_cache table. Every
// call goes to PostgreSQL, so processes sharing the table see each other's
// watermarks.
type EpochCache struct {
	pool *pgxpool.Pool
}

var _ masterkey.EpochCache = (*EpochCache)(nil)

// NewEpochCache returns a cache over pool. The table must already exist;
// see EnsureSchema.
func NewEpochCache(ctx context.Context, pool *pgxpool.Pool) (*EpochCache, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("epoch cache: %w", err)
	}
	return &EpochCache{pool: pool}, nil
}

func (c *EpochCache) Latest(ctx context.Context, scope string) (masterkey.Watermark, error) {
	return readWatermark(ctx, c.pool, scope, false)
}

// Observe compares w with the stored watermark under a row lock and stores
// it when admitted.
func (c *EpochCache) Observe(ctx context.Context, scope string, w masterkey.Watermark) error {
	return pgx.BeginFunc(ctx, c.pool, func(tx pgx.Tx) error {
		current, err := readWatermark(ctx, tx, scope, true)
		if err != nil {
			return err
		}
		if err := current.Admits(w); err != nil {
			return err
		}
		if current == w {
			return nil
		}
		_, err = tx.Exec(ctx,
			`INSERT INTO epoch_cache (scope, max_epoch, digest) VALUES ($1, $2, $3)
			 ON CONFLICT (scope) DO UPDATE SET max_epoch = $2, digest = $3`,
			scope, int64(w.Epoch), w.Digest[:])
		return err
	})
}

func readWatermark(ctx context.Context, q querier, scope string, forUpdate bool) (masterkey.Watermark, error) {
	sql := `SELECT max_epoch, digest FROM epoch_cache WHERE scope = $1`
	if forUpdate {
		sql += ` FOR UPDATE`
	}
	var w masterkey.Watermark
	var epoch int64
	var digest []byte
	err := q.QueryRow(ctx, sql, scope).Scan(&epoch, &digest)
	if errors.Is(err, pgx.ErrNoRows) {
		return w, nil
	}
	if err != nil {
		return w, fmt.Errorf("reading epoch watermark: %w", err)
	}
	w.Epoch = uint64(epoch)
	copy(w.Digest[:], digest)
	return w, nil
}
