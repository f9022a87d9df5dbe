package similarity

import (
	"context"
	"log/slog"

	"github.com/uptrace/bun"

	"github.com/opennotes-dev/opennotes-server/pkg/apperror"
	"github.com/opennotes-dev/opennotes-server/pkg/logger"
	"github.com/opennotes-dev/opennotes-server/pkg/pgutils"
)

// Repository handles database operations for previously-seen messages
type Repository struct {
	db  bun.IDB
	log *slog.Logger
}

// NewRepository creates a new similarity repository
func NewRepository(db *bun.DB, log *slog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With(logger.Scope("similarity.repo")),
	}
}

// Upsert stores a message, keyed by (community_server_id,
// platform_message_id). Re-recording refreshes content and flag state.
func (r *Repository) Upsert(ctx context.Context, msg *Message) error {
	_, err := r.db.NewInsert().Model(msg).
		On("CONFLICT (community_server_id, platform_message_id) DO UPDATE").
		Set("content = EXCLUDED.content").
		Set("flagged = EXCLUDED.flagged").
		Set("note_id = EXCLUDED.note_id").
		Returning("*").
		Exec(ctx)
	if err != nil {
		r.log.Error("failed to upsert previously seen message",
			slog.String("platform_message_id", msg.PlatformMessageID), logger.Error(err))
		return apperror.ErrDatabase.WithInternal(err)
	}
	return nil
}

// FindSimilar runs nearest-neighbor over the server's message chunks,
// grouped by message with the best chunk kept per message.
func (r *Repository) FindSimilar(ctx context.Context, communityServerID string, vector []float32, limit int, threshold float64) ([]Match, error) {
	vec := pgutils.FormatVector(vector)

	var matches []Match
	err := r.db.NewRaw(
		`SELECT psm.id AS message_id, psm.platform_message_id, psm.content,
			psm.flagged, psm.note_id,
			MAX(1 - (ce.embedding <=> ?::vector)) AS score,
			(ARRAY_AGG(ce.content ORDER BY ce.embedding <=> ?::vector))[1] AS matched_chunk
		FROM previously_seen_messages psm
		JOIN previously_seen_chunks psc ON psc.message_id = psm.id
		JOIN chunk_embeddings ce ON ce.id = psc.chunk_id
		WHERE psm.community_server_id = ?
		  AND ce.embedding IS NOT NULL
		GROUP BY psm.id, psm.platform_message_id, psm.content, psm.flagged, psm.note_id
		HAVING MAX(1 - (ce.embedding <=> ?::vector)) >= ?
		ORDER BY score DESC, message_id ASC
		LIMIT ?`,
		vec, vec, communityServerID, vec, threshold, limit,
	).Scan(ctx, &matches)
	if err != nil {
		r.log.Error("similarity search failed", logger.Error(err))
		return nil, apperror.ErrDatabase.WithInternal(err)
	}
	return matches, nil
}

// Batch streams messages in id order for rechunking.
func (r *Repository) Batch(ctx context.Context, afterID string, limit int) ([]Message, error) {
	var msgs []Message
	q := r.db.NewSelect().Model(&msgs).Order("psm.id ASC").Limit(limit)
	if afterID != "" {
		q = q.Where("psm.id > ?", afterID)
	}
	if err := q.Scan(ctx); err != nil {
		return nil, apperror.ErrDatabase.WithInternal(err)
	}
	return msgs, nil
}
