package notes

import (
	"context"
	"log/slog"

	"github.com/uptrace/bun"

	"github.com/opennotes-dev/opennotes-server/pkg/apperror"
	"github.com/opennotes-dev/opennotes-server/pkg/logger"
)

// Repository handles database operations for notes
type Repository struct {
	db  bun.IDB
	log *slog.Logger
}

// NewRepository creates a new notes repository
func NewRepository(db *bun.DB, log *slog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With(logger.Scope("notes.repo")),
	}
}

// List returns notes for a community server with an optional status filter.
func (r *Repository) List(ctx context.Context, params ListParams) ([]Note, int, error) {
	if params.Limit <= 0 {
		params.Limit = 50
	}
	if params.Limit > 200 {
		params.Limit = 200
	}

	items := []Note{}
	q := r.db.NewSelect().Model(&items).
		Where("community_server_id = ?", params.CommunityServerID)
	if params.Status != "" {
		q = q.Where("status = ?", params.Status)
	}

	total, err := q.Order("created_at DESC").
		Limit(params.Limit).
		Offset(params.Offset).
		ScanAndCount(ctx)
	if err != nil {
		r.log.Error("failed to list notes", logger.Error(err))
		return nil, 0, apperror.ErrDatabase.WithInternal(err)
	}
	return items, total, nil
}

// NotesForServer returns every note on a server, for scoring.
func (r *Repository) NotesForServer(ctx context.Context, communityServerID string) ([]Note, error) {
	items := []Note{}
	err := r.db.NewSelect().Model(&items).
		Where("community_server_id = ?", communityServerID).
		Scan(ctx)
	if err != nil {
		return nil, apperror.ErrDatabase.WithInternal(err)
	}
	return items, nil
}

// RatingsForServer returns every rating on a server's notes.
func (r *Repository) RatingsForServer(ctx context.Context, communityServerID string) ([]Rating, error) {
	items := []Rating{}
	err := r.db.NewSelect().Model(&items).
		Join("JOIN notes AS n ON n.id = nr.note_id").
		Where("n.community_server_id = ?", communityServerID).
		Scan(ctx)
	if err != nil {
		return nil, apperror.ErrDatabase.WithInternal(err)
	}
	return items, nil
}

// ParticipantIDs returns the distinct authors and raters on a server.
func (r *Repository) ParticipantIDs(ctx context.Context, communityServerID string) ([]string, error) {
	var ids []string
	err := r.db.NewRaw(`
		SELECT author_participant_id AS pid FROM notes WHERE community_server_id = ?
		UNION
		SELECT nr.rater_participant_id FROM note_ratings nr
		JOIN notes n ON n.id = nr.note_id
		WHERE n.community_server_id = ?`,
		communityServerID, communityServerID,
	).Scan(ctx, &ids)
	if err != nil {
		return nil, apperror.ErrDatabase.WithInternal(err)
	}
	return ids, nil
}

// CountForServer returns the total note count on a server.
func (r *Repository) CountForServer(ctx context.Context, communityServerID string) (int, error) {
	n, err := r.db.NewSelect().Model((*Note)(nil)).
		Where("community_server_id = ?", communityServerID).
		Count(ctx)
	if err != nil {
		return 0, apperror.ErrDatabase.WithInternal(err)
	}
	return n, nil
}

// Insert stores a new note.
func (r *Repository) Insert(ctx context.Context, note *Note) error {
	if _, err := r.db.NewInsert().Model(note).Returning("*").Exec(ctx); err != nil {
		return apperror.ErrDatabase.WithInternal(err)
	}
	return nil
}

// InsertRating stores a rating; re-rating the same note is a conflict on the
// (note_id, rater) unique index.
func (r *Repository) InsertRating(ctx context.Context, rating *Rating) error {
	if _, err := r.db.NewInsert().Model(rating).Returning("*").Exec(ctx); err != nil {
		return apperror.ErrDatabase.WithInternal(err)
	}
	return nil
}
