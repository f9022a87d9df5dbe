package search

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"

	"github.com/uptrace/bun"

	"github.com/opennotes-dev/opennotes-server/domain/chunks"
	"github.com/opennotes-dev/opennotes-server/pkg/apperror"
	"github.com/opennotes-dev/opennotes-server/pkg/logger"
	"github.com/opennotes-dev/opennotes-server/pkg/pgutils"
)

// Repository handles database operations for search
type Repository struct {
	db  bun.IDB
	log *slog.Logger
}

// NewRepository creates a new search repository
func NewRepository(db *bun.DB, log *slog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With(logger.Scope("search.repo")),
	}
}

// linkTable maps a search kind to its chunk link table and parent column.
func linkTable(kind string) (table, parentCol string, ok bool) {
	switch kind {
	case chunks.KindPreviouslySeen:
		return "previously_seen_chunks", "message_id", true
	case chunks.KindFactChecks, "":
		return "fact_check_chunks", "item_id", true
	default:
		return "", "", false
	}
}

// VectorSearch is the semantic arm: cosine similarity over embedded chunks
// linked to the community server.
func (r *Repository) VectorSearch(ctx context.Context, vector []float32, communityServerID, kind string, limit int) ([]ArmResult, error) {
	table, parentCol, ok := linkTable(kind)
	if !ok {
		return nil, apperror.NewBadRequest("unknown search kind " + kind)
	}

	vec := pgutils.FormatVector(vector)
	var results []ArmResult
	err := r.db.NewRaw(
		`SELECT ce.id AS chunk_id, l.`+parentCol+` AS parent_id, ce.content,
			(1 - (ce.embedding <=> ?::vector)) AS score
		FROM chunk_embeddings ce
		JOIN `+table+` l ON l.chunk_id = ce.id
		WHERE l.community_server_id = ?
		  AND ce.embedding IS NOT NULL
		ORDER BY ce.embedding <=> ?::vector
		LIMIT ?`,
		vec, communityServerID, vec, limit,
	).Scan(ctx, &results)
	if err != nil {
		r.log.Error("vector search failed", logger.Error(err))
		return nil, apperror.ErrDatabase.WithInternal(err)
	}
	return results, nil
}

// KeywordSearch is the lexical arm: Postgres FTS with websearch syntax.
func (r *Repository) KeywordSearch(ctx context.Context, query, communityServerID, kind string, limit int) ([]ArmResult, error) {
	table, parentCol, ok := linkTable(kind)
	if !ok {
		return nil, apperror.NewBadRequest("unknown search kind " + kind)
	}

	var results []ArmResult
	err := r.db.NewRaw(
		`SELECT ce.id AS chunk_id, l.`+parentCol+` AS parent_id, ce.content,
			ts_rank(ce.tsv, websearch_to_tsquery('simple', ?)) AS score
		FROM chunk_embeddings ce
		JOIN `+table+` l ON l.chunk_id = ce.id
		WHERE l.community_server_id = ?
		  AND ce.tsv @@ websearch_to_tsquery('simple', ?)
		ORDER BY score DESC, ce.id ASC
		LIMIT ?`,
		query, communityServerID, query, limit,
	).Scan(ctx, &results)
	if err != nil {
		r.log.Error("keyword search failed", logger.Error(err))
		return nil, apperror.ErrDatabase.WithInternal(err)
	}
	return results, nil
}

// GetWeight returns a stored fusion weight, nil when absent.
func (r *Repository) GetWeight(ctx context.Context, key string) (*FusionWeight, error) {
	fw := new(FusionWeight)
	err := r.db.NewSelect().Model(fw).Where("key = ?", key).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, apperror.ErrDatabase.WithInternal(err)
	}
	return fw, nil
}

// PutWeight upserts a fusion weight.
func (r *Repository) PutWeight(ctx context.Context, key string, alpha float64) (*FusionWeight, error) {
	fw := &FusionWeight{Key: key, Alpha: alpha}
	_, err := r.db.NewInsert().Model(fw).
		On("CONFLICT (key) DO UPDATE").
		Set("alpha = EXCLUDED.alpha").
		Set("updated_at = now()").
		Returning("*").
		Exec(ctx)
	if err != nil {
		return nil, apperror.ErrDatabase.WithInternal(err)
	}
	return fw, nil
}

// DeleteWeight removes a fusion weight. Missing keys are a 404.
func (r *Repository) DeleteWeight(ctx context.Context, key string) error {
	res, err := r.db.NewDelete().Model((*FusionWeight)(nil)).Where("key = ?", key).Exec(ctx)
	if err != nil {
		return apperror.ErrDatabase.WithInternal(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperror.NewNotFound("fusion weight", key)
	}
	return nil
}

// InsertAnalytics records one search observation.
func (r *Repository) InsertAnalytics(ctx context.Context, row *Analytics) error {
	_, err := r.db.NewInsert().Model(row).Exec(ctx)
	return err
}
