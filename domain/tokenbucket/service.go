package tokenbucket

import (
	"context"
	"log/slog"
	"time"

	"github.com/opennotes-dev/opennotes-server/internal/config"
	"github.com/opennotes-dev/opennotes-server/pkg/apperror"
	"github.com/opennotes-dev/opennotes-server/pkg/logger"
)

// Service is the token pool facade.
type Service struct {
	repo *Repository
	cfg  *config.Config
	log  *slog.Logger
}

// NewService creates the token pool service.
func NewService(repo *Repository, cfg *config.Config, log *slog.Logger) *Service {
	return &Service{
		repo: repo,
		cfg:  cfg,
		log:  log.With(logger.Scope("tokenbucket")),
	}
}

// EnsurePools seeds the configured pools. Called at startup.
func (s *Service) EnsurePools(ctx context.Context) error {
	_, err := s.repo.EnsurePool(ctx, s.cfg.Embeddings.PoolName, s.cfg.Embeddings.PoolCapacity)
	if err != nil {
		return err
	}
	s.log.Info("token pool ensured",
		slog.String("pool", s.cfg.Embeddings.PoolName),
		slog.Int("capacity", s.cfg.Embeddings.PoolCapacity),
	)
	return nil
}

// TryAcquire requests a weighted hold. granted=false means the pool is full;
// the caller backs off and retries.
func (s *Service) TryAcquire(ctx context.Context, pool, holderID string, tokens int, ttl time.Duration) (*Hold, bool, error) {
	if tokens <= 0 {
		return nil, false, apperror.NewValidation("tokens must be positive", "/data/attributes/tokens")
	}
	if holderID == "" {
		return nil, false, apperror.NewValidation("holder_id is required", "/data/attributes/holder_id")
	}
	if ttl <= 0 {
		ttl = s.cfg.TokenPools.DefaultHoldTTL
	}

	hold, granted, err := s.repo.TryAcquire(ctx, pool, holderID, tokens, ttl)
	if err != nil {
		return nil, false, err
	}
	if !granted {
		s.log.Debug("token pool exhausted",
			slog.String("pool", pool),
			slog.String("holder_id", holderID),
			slog.Int("tokens", tokens),
		)
	}
	return hold, granted, nil
}

// Release returns a hold to the pool. Idempotent.
func (s *Service) Release(ctx context.Context, pool, holderID string) (bool, error) {
	return s.repo.Release(ctx, pool, holderID)
}

// Status reports pool usage.
func (s *Service) Status(ctx context.Context, pool string) (*Status, error) {
	return s.repo.Status(ctx, pool)
}

// Reclaim sweeps overdue holds. Run by the scheduler every reclaim interval.
func (s *Service) Reclaim(ctx context.Context) (int, error) {
	n, err := s.repo.Reclaim(ctx)
	if err != nil {
		s.log.Error("token hold reclaim failed", logger.Error(err))
		return 0, err
	}
	if n > 0 {
		holdsReclaimed.Add(float64(n))
		s.log.Info("reclaimed expired token holds", slog.Int("count", n))
	}
	return n, nil
}
