package chunks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"unicode/utf8"

	"github.com/uptrace/bun"

	"github.com/opennotes-dev/opennotes-server/pkg/apperror"
	"github.com/opennotes-dev/opennotes-server/pkg/logger"
	"github.com/opennotes-dev/opennotes-server/pkg/pgutils"
	"github.com/opennotes-dev/opennotes-server/pkg/textsplitter"
)

// Repository handles database operations for chunks
type Repository struct {
	db  bun.IDB
	log *slog.Logger
}

// NewRepository creates a new chunks repository
func NewRepository(db *bun.DB, log *slog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With(logger.Scope("chunks.repo")),
	}
}

// UpsertChunks stores a parent's chunks and links in one transaction.
// Existing content hashes only get their updated_at bumped, and links are
// inserted DO NOTHING, so re-chunking identical text is a no-op modulo
// timestamps.
func (r *Repository) UpsertChunks(ctx context.Context, parent Parent, chunks []textsplitter.Chunk) ([]string, error) {
	if len(chunks) == 0 {
		return nil, nil
	}

	ids := make([]string, 0, len(chunks))
	err := r.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		for _, ch := range chunks {
			row := &ChunkEmbedding{
				ContentHash: ch.Hash,
				Content:     ch.Text,
				TokenCount:  utf8.RuneCountInString(ch.Text),
			}
			_, err := tx.NewInsert().Model(row).
				On("CONFLICT (content_hash) DO UPDATE").
				Set("updated_at = now()").
				Returning("id").
				Exec(ctx)
			if err != nil {
				return err
			}
			ids = append(ids, row.ID)
		}

		switch parent.Kind {
		case KindFactChecks:
			links := make([]FactCheckChunk, 0, len(chunks))
			for i, ch := range chunks {
				links = append(links, FactCheckChunk{
					ChunkID:           ids[i],
					ItemID:            parent.ID,
					CommunityServerID: parent.CommunityServerID,
					ChunkIndex:        ch.Index,
				})
			}
			_, err := tx.NewInsert().Model(&links).
				On("CONFLICT DO NOTHING").
				Exec(ctx)
			return err
		case KindPreviouslySeen:
			links := make([]PreviouslySeenChunk, 0, len(chunks))
			for i, ch := range chunks {
				links = append(links, PreviouslySeenChunk{
					ChunkID:           ids[i],
					MessageID:         parent.ID,
					CommunityServerID: parent.CommunityServerID,
					ChunkIndex:        ch.Index,
				})
			}
			_, err := tx.NewInsert().Model(&links).
				On("CONFLICT DO NOTHING").
				Exec(ctx)
			return err
		default:
			return apperror.NewBadRequest(fmt.Sprintf("unknown chunk kind %q", parent.Kind))
		}
	})
	if err != nil {
		var appErr *apperror.Error
		if errors.As(err, &appErr) {
			return nil, appErr
		}
		r.log.Error("failed to upsert chunks",
			slog.String("kind", parent.Kind),
			slog.String("parent_id", parent.ID),
			logger.Error(err),
		)
		return nil, apperror.ErrDatabase.WithInternal(err)
	}
	return ids, nil
}

// ClaimAndEmbed locks a batch of embedding-NULL chunks with SKIP LOCKED,
// embeds them through fn, and writes the vectors before commit. Concurrent
// workers pick disjoint batches; a failed batch rolls back with the rows
// still NULL for retry.
func (r *Repository) ClaimAndEmbed(ctx context.Context, limit int, fn func(ctx context.Context, batch []ChunkEmbedding) ([][]float32, error)) (int, error) {
	embedded := 0
	err := r.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		var batch []ChunkEmbedding
		err := tx.NewSelect().Model(&batch).
			Column("ce.id", "ce.content_hash", "ce.content", "ce.token_count").
			Where("ce.embedding IS NULL").
			Order("ce.created_at ASC").
			Limit(limit).
			For("UPDATE SKIP LOCKED").
			Scan(ctx)
		if err != nil {
			return err
		}
		if len(batch) == 0 {
			return nil
		}

		vectors, err := fn(ctx, batch)
		if err != nil {
			return err
		}
		if len(vectors) != len(batch) {
			return fmt.Errorf("embedder returned %d vectors for %d chunks", len(vectors), len(batch))
		}

		for i, row := range batch {
			if len(vectors[i]) == 0 {
				continue
			}
			_, err := tx.NewRaw(
				"UPDATE chunk_embeddings SET embedding = ?::vector, updated_at = now() WHERE id = ?",
				pgutils.FormatVector(vectors[i]), row.ID,
			).Exec(ctx)
			if err != nil {
				return err
			}
			embedded++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return embedded, nil
}

// CountUnembedded returns how many chunks still await embeddings.
func (r *Repository) CountUnembedded(ctx context.Context) (int, error) {
	count, err := r.db.NewSelect().Model((*ChunkEmbedding)(nil)).
		Where("embedding IS NULL").
		Count(ctx)
	if err != nil {
		return 0, apperror.ErrDatabase.WithInternal(err)
	}
	return count, nil
}

// Get fetches a chunk row by id, reporting embedding presence without
// loading the vector.
func (r *Repository) Get(ctx context.Context, id string) (*ChunkEmbedding, error) {
	row := new(ChunkEmbedding)
	err := r.db.NewSelect().Model(row).
		Column("ce.id", "ce.content_hash", "ce.content", "ce.token_count", "ce.created_at", "ce.updated_at").
		ColumnExpr("(ce.embedding IS NOT NULL) AS has_embedding").
		Where("ce.id = ?", id).
		Scan(ctx)
	if err != nil {
		return nil, apperror.NewNotFound("chunk", id)
	}
	return row, nil
}
