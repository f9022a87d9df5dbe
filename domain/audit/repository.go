package audit

import (
	"context"
	"log/slog"

	"github.com/uptrace/bun"

	"github.com/opennotes-dev/opennotes-server/pkg/apperror"
	"github.com/opennotes-dev/opennotes-server/pkg/logger"
	"github.com/opennotes-dev/opennotes-server/pkg/mathutil"
)

// Repository handles database operations for audit logs
type Repository struct {
	db  bun.IDB
	log *slog.Logger
}

// NewRepository creates a new audit repository
func NewRepository(db *bun.DB, log *slog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With(logger.Scope("audit.repo")),
	}
}

// Insert persists one audit record.
func (r *Repository) Insert(ctx context.Context, entry *Log) error {
	_, err := r.db.NewInsert().Model(entry).Returning("*").Exec(ctx)
	if err != nil {
		return apperror.ErrDatabase.WithInternal(err)
	}
	return nil
}

// List returns recent audit records, newest first.
func (r *Repository) List(ctx context.Context, communityServerID string, limit, offset int) ([]Log, int, error) {
	limit = mathutil.ClampLimit(limit, 50, 200)

	var logs []Log
	q := r.db.NewSelect().Model(&logs).
		Order("al.recorded_at DESC").
		Limit(limit).
		Offset(offset)
	if communityServerID != "" {
		q = q.Where("al.community_server_id = ?", communityServerID)
	}

	total, err := q.ScanAndCount(ctx)
	if err != nil {
		return nil, 0, apperror.ErrDatabase.WithInternal(err)
	}
	return logs, total, nil
}
