package communityservers

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/uptrace/bun"

	"github.com/opennotes-dev/opennotes-server/pkg/apperror"
	"github.com/opennotes-dev/opennotes-server/pkg/logger"
)

// Repository handles database operations for community servers
type Repository struct {
	db  bun.IDB
	log *slog.Logger
}

// NewRepository creates a new community servers repository
func NewRepository(db *bun.DB, log *slog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With(logger.Scope("communityservers.repo")),
	}
}

// GetByPlatformID fetches a server by its platform-assigned id.
func (r *Repository) GetByPlatformID(ctx context.Context, platformServerID string) (*CommunityServer, error) {
	server := new(CommunityServer)
	err := r.db.NewSelect().Model(server).
		Where("platform_server_id = ?", platformServerID).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperror.NewNotFound("community server", platformServerID)
	}
	if err != nil {
		r.log.Error("failed to fetch community server", logger.Error(err))
		return nil, apperror.ErrDatabase.WithInternal(err)
	}
	return server, nil
}

// GetByID fetches a server by internal id.
func (r *Repository) GetByID(ctx context.Context, id string) (*CommunityServer, error) {
	server := new(CommunityServer)
	err := r.db.NewSelect().Model(server).Where("cs.id = ?", id).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperror.NewNotFound("community server", id)
	}
	if err != nil {
		return nil, apperror.ErrDatabase.WithInternal(err)
	}
	return server, nil
}

// Upsert inserts or refreshes a server by platform id. Used when the
// collector first sees a server.
func (r *Repository) Upsert(ctx context.Context, server *CommunityServer) error {
	_, err := r.db.NewInsert().Model(server).
		On("CONFLICT (platform_server_id) DO UPDATE").
		Set("name = EXCLUDED.name").
		Set("updated_at = now()").
		Returning("*").
		Exec(ctx)
	if err != nil {
		return apperror.ErrDatabase.WithInternal(err)
	}
	return nil
}

// UpdateWelcomeMessage sets or clears the welcome message.
func (r *Repository) UpdateWelcomeMessage(ctx context.Context, id string, message *string) error {
	res, err := r.db.NewUpdate().Model((*CommunityServer)(nil)).
		Set("welcome_message = ?", message).
		Set("updated_at = now()").
		Where("id = ?", id).
		Exec(ctx)
	if err != nil {
		return apperror.ErrDatabase.WithInternal(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperror.NewNotFound("community server", id)
	}
	return nil
}

// SetCredentials stores the (already encrypted) credentials envelope.
func (r *Repository) SetCredentials(ctx context.Context, id string, envelope json.RawMessage) error {
	res, err := r.db.NewUpdate().Model((*CommunityServer)(nil)).
		Set("credentials = ?", envelope).
		Set("updated_at = now()").
		Where("id = ?", id).
		Exec(ctx)
	if err != nil {
		return apperror.ErrDatabase.WithInternal(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperror.NewNotFound("community server", id)
	}
	return nil
}
