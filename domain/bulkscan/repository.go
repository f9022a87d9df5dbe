package bulkscan

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

// Repository handles database operations for bulk scans
type Repository struct {
	db  bun.IDB
	log *slog.Logger
}

// NewRepository creates a new bulk scan repository
func NewRepository(db *bun.DB, log *slog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With(logger.Scope("bulkscan.repo")),
	}
}

// Create inserts a new scan record
func (r *Repository) Create(ctx context.Context, scan *Scan) error {
	_, err := r.db.NewInsert().Model(scan).Returning("*").Exec(ctx)
	if err != nil {
		r.log.Error("failed to create bulk scan", logger.Error(err))
		return apperror.ErrDatabase.WithInternal(err)
	}
	return nil
}

// Get fetches a scan by id
func (r *Repository) Get(ctx context.Context, id string) (*Scan, error) {
	scan := new(Scan)
	err := r.db.NewSelect().Model(scan).Where("bs.id = ?", id).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperror.NewNotFound("bulk scan", id)
	}
	if err != nil {
		return nil, apperror.ErrDatabase.WithInternal(err)
	}
	return scan, nil
}

// AddFlags persists flagged excerpts and bumps the scan's flag counter.
func (r *Repository) AddFlags(ctx context.Context, scanID string, flags []FlaggedMessage) error {
	if len(flags) == 0 {
		return nil
	}
	return r.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if _, err := tx.NewInsert().Model(&flags).Exec(ctx); err != nil {
			return apperror.ErrDatabase.WithInternal(err)
		}
		_, err := tx.NewUpdate().Model((*Scan)(nil)).
			Set("flagged_count = flagged_count + ?", len(flags)).
			Where("id = ?", scanID).
			Exec(ctx)
		if err != nil {
			return apperror.ErrDatabase.WithInternal(err)
		}
		return nil
	})
}

// AddProcessed bumps the scan's durable message counter.
func (r *Repository) AddProcessed(ctx context.Context, scanID string, n int) error {
	_, err := r.db.NewUpdate().Model((*Scan)(nil)).
		Set("total_messages = total_messages + ?", n).
		Where("id = ?", scanID).
		Exec(ctx)
	if err != nil {
		return apperror.ErrDatabase.WithInternal(err)
	}
	return nil
}

// Finish moves a running scan to a terminal status. The guard keeps a late
// redelivery from flipping an already finished scan.
func (r *Repository) Finish(ctx context.Context, scanID, status, errMsg string, completedAt time.Time) (*Scan, error) {
	res, err := r.db.NewUpdate().Model((*Scan)(nil)).
		Set("status = ?", status).
		Set("error_message = ?", errMsg).
		Set("completed_at = ?", completedAt).
		Where("id = ?", scanID).
		Where("status = ?", StatusInProgress).
		Exec(ctx)
	if err != nil {
		return nil, apperror.ErrDatabase.WithInternal(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		current, gerr := r.Get(ctx, scanID)
		if gerr != nil {
			return nil, gerr
		}
		return current, apperror.NewConflict("bulk scan already " + current.Status)
	}
	return r.Get(ctx, scanID)
}

// ListFlags returns the flagged excerpts of a scan.
func (r *Repository) ListFlags(ctx context.Context, scanID string) ([]FlaggedMessage, error) {
	var flags []FlaggedMessage
	err := r.db.NewSelect().Model(&flags).
		Where("bsf.scan_id = ?", scanID).
		Order("bsf.created_at ASC").
		Scan(ctx)
	if err != nil {
		return nil, apperror.ErrDatabase.WithInternal(err)
	}
	return flags, nil
}
