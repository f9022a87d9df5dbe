package webhooks

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"

	"github.com/uptrace/bun"

	"github.com/opennotes-dev/opennotes-server/pkg/apperror"
	"github.com/opennotes-dev/opennotes-server/pkg/logger"
)

// Repository handles database operations for webhook endpoints
type Repository struct {
	db  bun.IDB
	log *slog.Logger
}

// NewRepository creates a new webhook repository
func NewRepository(db *bun.DB, log *slog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With(logger.Scope("webhooks.repo")),
	}
}

// Create inserts an endpoint registration.
func (r *Repository) Create(ctx context.Context, endpoint *Endpoint) error {
	_, err := r.db.NewInsert().Model(endpoint).Returning("*").Exec(ctx)
	if err != nil {
		return apperror.ErrDatabase.WithInternal(err)
	}
	return nil
}

// Get fetches an endpoint by id
func (r *Repository) Get(ctx context.Context, id string) (*Endpoint, error) {
	endpoint := new(Endpoint)
	err := r.db.NewSelect().Model(endpoint).Where("we.id = ?", id).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperror.NewNotFound("webhook endpoint", id)
	}
	if err != nil {
		return nil, apperror.ErrDatabase.WithInternal(err)
	}
	return endpoint, nil
}

// ListActive returns all active endpoints.
func (r *Repository) ListActive(ctx context.Context) ([]Endpoint, error) {
	var endpoints []Endpoint
	err := r.db.NewSelect().Model(&endpoints).
		Where("we.active").
		Order("we.created_at ASC").
		Scan(ctx)
	if err != nil {
		return nil, apperror.ErrDatabase.WithInternal(err)
	}
	return endpoints, nil
}

// Deactivate disables an endpoint. Missing ids are a 404.
func (r *Repository) Deactivate(ctx context.Context, id string) error {
	res, err := r.db.NewUpdate().Model((*Endpoint)(nil)).
		Set("active = false").
		Where("id = ?", id).
		Exec(ctx)
	if err != nil {
		return apperror.ErrDatabase.WithInternal(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperror.NewNotFound("webhook endpoint", id)
	}
	return nil
}
