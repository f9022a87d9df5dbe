package similarity

import (
	"context"
	"log/slog"
	"strings"

	"github.com/opennotes-dev/opennotes-server/domain/chunks"
	"github.com/opennotes-dev/opennotes-server/internal/config"
	"github.com/opennotes-dev/opennotes-server/pkg/apperror"
	"github.com/opennotes-dev/opennotes-server/pkg/embeddings"
	"github.com/opennotes-dev/opennotes-server/pkg/logger"
	"github.com/opennotes-dev/opennotes-server/pkg/mathutil"
)

const (
	defaultCheckLimit = 10
	maxCheckLimit     = 50
)

// messageStore is the repository surface the service needs.
type messageStore interface {
	Upsert(ctx context.Context, msg *Message) error
	FindSimilar(ctx context.Context, communityServerID string, vector []float32, limit int, threshold float64) ([]Match, error)
}

// Service records previously-seen messages and answers similarity probes.
type Service struct {
	store  messageStore
	chunks *chunks.Service
	emb    embeddings.Client
	cfg    *config.Config
	log    *slog.Logger
}

// NewService creates the similarity service
func NewService(
	repo *Repository,
	chunkSvc *chunks.Service,
	emb embeddings.Client,
	cfg *config.Config,
	log *slog.Logger,
) *Service {
	return &Service{
		store:  repo,
		chunks: chunkSvc,
		emb:    emb,
		cfg:    cfg,
		log:    log.With(logger.Scope("similarity")),
	}
}

// Record stores a message and chunk-links its content. Recording the same
// platform message again refreshes the row and re-links unchanged chunks
// idempotently.
func (s *Service) Record(ctx context.Context, msg *Message) error {
	if strings.TrimSpace(msg.Content) == "" {
		return apperror.NewValidation("content must not be empty", "/data/content")
	}
	if msg.CommunityServerID == "" {
		return apperror.NewValidation("community_server_id is required", "/data/community_server_id")
	}
	if msg.PlatformMessageID == "" {
		return apperror.NewValidation("platform_message_id is required", "/data/platform_message_id")
	}

	if err := s.store.Upsert(ctx, msg); err != nil {
		return err
	}

	_, err := s.chunks.UpsertText(ctx, chunks.Parent{
		Kind:              chunks.KindPreviouslySeen,
		ID:                msg.ID,
		CommunityServerID: msg.CommunityServerID,
	}, msg.Content)
	return err
}

// FindSimilar embeds the probe text and returns the server's closest
// previously-seen messages, best chunk per message, above the threshold.
func (s *Service) FindSimilar(ctx context.Context, communityServerID string, req CheckRequest) ([]Match, float64, error) {
	if strings.TrimSpace(req.Content) == "" {
		return nil, 0, apperror.NewValidation("content must not be empty", "/data/content")
	}

	limit := mathutil.ClampLimit(req.Limit, defaultCheckLimit, maxCheckLimit)
	threshold := s.cfg.Scan.SimilarityThreshold
	if req.Threshold != nil {
		threshold = mathutil.Clamp01(*req.Threshold)
	}

	vector, err := s.emb.EmbedQuery(ctx, req.Content)
	if err != nil {
		s.log.Error("failed to embed similarity probe", logger.Error(err))
		return nil, 0, apperror.NewUpstream("embeddings", err)
	}
	if len(vector) == 0 {
		// No embedding provider configured; nothing to compare against.
		return []Match{}, threshold, nil
	}

	matches, err := s.store.FindSimilar(ctx, communityServerID, vector, limit, threshold)
	if err != nil {
		return nil, 0, err
	}
	if matches == nil {
		matches = []Match{}
	}
	return matches, threshold, nil
}

// chunkSource streams previously-seen messages for the rechunk pipeline.
type chunkSource struct {
	repo *Repository
}

// NewChunkSource exposes previously-seen messages as a rechunk source.
func NewChunkSource(repo *Repository) chunks.Source {
	return &chunkSource{repo: repo}
}

func (cs *chunkSource) Kind() string { return chunks.KindPreviouslySeen }

func (cs *chunkSource) Batch(ctx context.Context, afterID string, limit int) ([]chunks.SourceRow, error) {
	msgs, err := cs.repo.Batch(ctx, afterID, limit)
	if err != nil {
		return nil, err
	}
	rows := make([]chunks.SourceRow, 0, len(msgs))
	for _, m := range msgs {
		rows = append(rows, chunks.SourceRow{
			ID:                m.ID,
			CommunityServerID: m.CommunityServerID,
			Text:              m.Content,
		})
	}
	return rows, nil
}
