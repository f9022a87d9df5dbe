package search

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/opennotes-dev/opennotes-server/pkg/apperror"
	"github.com/opennotes-dev/opennotes-server/pkg/embeddings"
	"github.com/opennotes-dev/opennotes-server/pkg/logger"
	"github.com/opennotes-dev/opennotes-server/pkg/mathutil"
	"github.com/opennotes-dev/opennotes-server/pkg/tracing"
)

// armFetchLimit bounds each arm before fusion.
const armFetchLimit = 50

// weightStore is the fusion weight lookup the resolver needs. *Repository
// implements it; tests use a map.
type weightStore interface {
	GetWeight(ctx context.Context, key string) (*FusionWeight, error)
	PutWeight(ctx context.Context, key string, alpha float64) (*FusionWeight, error)
}

// Service runs hybrid searches.
type Service struct {
	repo    *Repository
	weights weightStore
	embed   embeddings.Client
	log     *slog.Logger
}

// NewService creates the search service.
func NewService(repo *Repository, embed embeddings.Client, log *slog.Logger) *Service {
	return &Service{
		repo:    repo,
		weights: repo,
		embed:   embed,
		log:     log.With(logger.Scope("search")),
	}
}

// Search runs both arms, fuses, and records analytics asynchronously.
func (s *Service) Search(ctx context.Context, req Request) (*Response, error) {
	if req.Query == "" {
		return nil, apperror.NewValidation("query must not be empty", "/data/attributes/query")
	}
	if req.CommunityServerID == "" {
		return nil, apperror.NewValidation("community_server_id is required", "/data/attributes/community_server_id")
	}
	limit := mathutil.ClampLimit(req.Limit, 20, 100)

	ctx, span := tracing.Start(ctx, "search.hybrid",
		attribute.String("search.server_id", req.CommunityServerID),
		attribute.String("search.kind", req.Kind),
	)
	defer span.End()

	started := time.Now()

	alpha := s.resolveAlpha(ctx, req)

	var semantic []ArmResult
	if s.embed != nil {
		vector, err := s.embed.EmbedQuery(ctx, req.Query)
		if err != nil {
			s.log.Warn("query embedding failed, keyword-only search", logger.Error(err))
		} else if len(vector) > 0 {
			semantic, err = s.repo.VectorSearch(ctx, vector, req.CommunityServerID, req.Kind, armFetchLimit)
			if err != nil {
				return nil, err
			}
		}
	}

	keyword, err := s.repo.KeywordSearch(ctx, req.Query, req.CommunityServerID, req.Kind, armFetchLimit)
	if err != nil {
		return nil, err
	}

	fused := Fuse(semantic, keyword, alpha)
	if len(fused) > limit {
		fused = fused[:limit]
	}

	s.recordAnalytics(req, alpha, len(semantic), len(keyword), fused, time.Since(started))

	return &Response{Results: fused, Alpha: alpha, Total: len(fused)}, nil
}

// resolveAlpha picks the fusion weight: explicit request value, then
// `alpha:{dataset}`, then `alpha:default`, then the hardcoded default.
// Missing and out-of-range rows self-heal: the default is written back to
// the key so the next lookup is clean.
func (s *Service) resolveAlpha(ctx context.Context, req Request) float64 {
	if req.Alpha != nil {
		return mathutil.Clamp01(*req.Alpha)
	}

	keys := []string{}
	if req.Dataset != "" {
		keys = append(keys, "alpha:"+req.Dataset)
	}
	keys = append(keys, "alpha:default")

	missing := true
	for _, key := range keys {
		fw, err := s.weights.GetWeight(ctx, key)
		if err != nil {
			// A read failure is not a missing row; do not overwrite.
			s.log.Warn("fusion weight lookup failed", slog.String("key", key), logger.Error(err))
			missing = false
			continue
		}
		if fw == nil {
			continue
		}
		if fw.Alpha < 0 || fw.Alpha > 1 {
			s.log.Warn("fusion weight out of range, restoring default",
				slog.String("key", key),
				slog.Float64("stored", fw.Alpha),
			)
			s.healWeight(ctx, key)
			return DefaultAlpha
		}
		return fw.Alpha
	}

	if missing {
		s.healWeight(ctx, keys[0])
	}
	return DefaultAlpha
}

func (s *Service) healWeight(ctx context.Context, key string) {
	if _, err := s.weights.PutWeight(ctx, key, DefaultAlpha); err != nil {
		s.log.Warn("fusion weight self-heal failed", slog.String("key", key), logger.Error(err))
	}
}

// GetWeight returns a stored fusion weight.
func (s *Service) GetWeight(ctx context.Context, key string) (*FusionWeight, error) {
	fw, err := s.weights.GetWeight(ctx, key)
	if err != nil {
		return nil, err
	}
	if fw == nil {
		return nil, apperror.NewNotFound("fusion weight", key)
	}
	return fw, nil
}

// PutWeight validates and upserts a fusion weight.
func (s *Service) PutWeight(ctx context.Context, key string, alpha float64) (*FusionWeight, error) {
	if alpha < 0 || alpha > 1 {
		return nil, apperror.NewValidation("alpha must be between 0 and 1", "/data/attributes/alpha")
	}
	return s.weights.PutWeight(ctx, key, alpha)
}

// DeleteWeight removes a fusion weight.
func (s *Service) DeleteWeight(ctx context.Context, key string) error {
	return s.repo.DeleteWeight(ctx, key)
}

func (s *Service) recordAnalytics(req Request, alpha float64, vectorCount, keywordCount int, fused []Result, latency time.Duration) {
	row := &Analytics{
		QueryHash:    QueryHash(req.Query),
		Dataset:      req.Dataset,
		VectorCount:  vectorCount,
		KeywordCount: keywordCount,
		LatencyMs:    int(latency.Milliseconds()),
		Alpha:        alpha,
	}
	if len(fused) > 0 {
		row.TopScore = fused[0].Score
	}

	// Detached from the request: the analytics write must never fail or slow
	// the search.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.repo.InsertAnalytics(ctx, row); err != nil {
			s.log.Warn("search analytics write failed", logger.Error(err))
		}
	}()
}

// QueryHash is the privacy-preserving analytics key: first 16 hex chars of
// the query's SHA-256.
func QueryHash(query string) string {
	sum := sha256.Sum256([]byte(query))
	return hex.EncodeToString(sum[:])[:16]
}
