package tokenbucket

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"time"

	"github.com/uptrace/bun"

	"github.com/opennotes-dev/opennotes-server/pkg/apperror"
	"github.com/opennotes-dev/opennotes-server/pkg/logger"
)

// Repository handles database operations for token pools
type Repository struct {
	db  bun.IDB
	log *slog.Logger
	now func() time.Time
}

// NewRepository creates a new token pool repository
func NewRepository(db *bun.DB, log *slog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With(logger.Scope("tokenbucket.repo")),
		now: time.Now,
	}
}

// EnsurePool upserts a pool definition. Capacity changes take effect on the
// next grant.
func (r *Repository) EnsurePool(ctx context.Context, name string, capacity int) (*Pool, error) {
	pool := &Pool{Name: name, Capacity: capacity}
	_, err := r.db.NewInsert().Model(pool).
		On("CONFLICT (name) DO UPDATE").
		Set("capacity = EXCLUDED.capacity").
		Set("updated_at = now()").
		Returning("*").
		Exec(ctx)
	if err != nil {
		return nil, apperror.ErrDatabase.WithInternal(err)
	}
	return pool, nil
}

// TryAcquire grants a hold when capacity allows. The pool row lock is the
// serialization point: concurrent acquirers queue on it, so the sum of active
// holds cannot exceed capacity. Idempotent per holder; an existing active
// hold is returned without double-counting.
func (r *Repository) TryAcquire(ctx context.Context, poolName, holderID string, tokens int, ttl time.Duration) (*Hold, bool, error) {
	var hold *Hold
	granted := false

	err := r.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		now := r.now().UTC()

		pool := new(Pool)
		err := tx.NewSelect().Model(pool).
			Where("name = ?", poolName).
			For("UPDATE").
			Scan(ctx)
		if errors.Is(err, sql.ErrNoRows) {
			return apperror.NewNotFound("token pool", poolName)
		}
		if err != nil {
			return err
		}

		existing := new(Hold)
		err = tx.NewSelect().Model(existing).
			Where("pool_id = ?", pool.ID).
			Where("holder_id = ?", holderID).
			Where("released_at IS NULL").
			Where("expires_at > ?", now).
			Limit(1).
			Scan(ctx)
		if err == nil {
			hold = existing
			granted = true
			return nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return err
		}

		var used int
		err = tx.NewSelect().Model((*Hold)(nil)).
			ColumnExpr("COALESCE(SUM(tokens), 0)").
			Where("pool_id = ?", pool.ID).
			Where("released_at IS NULL").
			Where("expires_at > ?", now).
			Scan(ctx, &used)
		if err != nil {
			return err
		}

		if used+tokens > pool.Capacity {
			return nil
		}

		hold = &Hold{
			PoolID:     pool.ID,
			HolderID:   holderID,
			Tokens:     tokens,
			AcquiredAt: now,
			ExpiresAt:  now.Add(ttl),
		}
		if _, err := tx.NewInsert().Model(hold).Returning("*").Exec(ctx); err != nil {
			return err
		}
		granted = true
		return nil
	})
	if err != nil {
		var appErr *apperror.Error
		if errors.As(err, &appErr) {
			return nil, false, appErr
		}
		return nil, false, apperror.ErrDatabase.WithInternal(err)
	}
	return hold, granted, nil
}

// Release marks the holder's active hold released. Unknown or already
// released holds return (false, nil).
func (r *Repository) Release(ctx context.Context, poolName, holderID string) (bool, error) {
	res, err := r.db.NewUpdate().Model((*Hold)(nil)).
		Set("released_at = now()").
		Where("holder_id = ?", holderID).
		Where("released_at IS NULL").
		Where("pool_id = (SELECT id FROM token_bucket_pools WHERE name = ?)", poolName).
		Exec(ctx)
	if err != nil {
		return false, apperror.ErrDatabase.WithInternal(err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// Status reports capacity usage for a pool.
func (r *Repository) Status(ctx context.Context, poolName string) (*Status, error) {
	pool := new(Pool)
	err := r.db.NewSelect().Model(pool).Where("name = ?", poolName).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperror.NewNotFound("token pool", poolName)
	}
	if err != nil {
		return nil, apperror.ErrDatabase.WithInternal(err)
	}

	var holds []Hold
	err = r.db.NewSelect().Model(&holds).
		Where("pool_id = ?", pool.ID).
		Where("released_at IS NULL").
		Where("expires_at > ?", r.now().UTC()).
		Order("acquired_at ASC").
		Scan(ctx)
	if err != nil {
		return nil, apperror.ErrDatabase.WithInternal(err)
	}

	return NewStatus(pool, holds), nil
}

// Reclaim releases every overdue hold. Expired holds already stopped counting
// against capacity; this closes them out for the books.
func (r *Repository) Reclaim(ctx context.Context) (int, error) {
	res, err := r.db.NewUpdate().Model((*Hold)(nil)).
		Set("released_at = now()").
		Where("released_at IS NULL").
		Where("expires_at < ?", r.now().UTC()).
		Exec(ctx)
	if err != nil {
		return 0, apperror.ErrDatabase.WithInternal(err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
