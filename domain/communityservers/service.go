package communityservers

import (
	"context"
	"log/slog"

	"github.com/opennotes-dev/opennotes-server/domain/scoring"
	"github.com/opennotes-dev/opennotes-server/internal/workflow"
	"github.com/opennotes-dev/opennotes-server/pkg/encryption"
	"github.com/opennotes-dev/opennotes-server/pkg/logger"
)

// Service handles business logic for community servers
type Service struct {
	repo    *Repository
	scoring *scoring.Service
	crypto  *encryption.Service
	log     *slog.Logger
}

// NewService creates a new community servers service
func NewService(repo *Repository, scoringSvc *scoring.Service, crypto *encryption.Service, log *slog.Logger) *Service {
	return &Service{
		repo:    repo,
		scoring: scoringSvc,
		crypto:  crypto,
		log:     log.With(logger.Scope("communityservers.svc")),
	}
}

// GetByPlatformID fetches a server. Credentials stay sealed.
func (s *Service) GetByPlatformID(ctx context.Context, platformServerID string) (*CommunityServer, error) {
	return s.repo.GetByPlatformID(ctx, platformServerID)
}

// UpdateWelcomeMessage applies the tagged-optional PATCH semantics: the
// handler only calls this when the field was present, with nil meaning clear.
func (s *Service) UpdateWelcomeMessage(ctx context.Context, platformServerID string, message *string) (*CommunityServer, error) {
	server, err := s.repo.GetByPlatformID(ctx, platformServerID)
	if err != nil {
		return nil, err
	}
	if err := s.repo.UpdateWelcomeMessage(ctx, server.ID, message); err != nil {
		return nil, err
	}
	server.WelcomeMessage = message
	return server, nil
}

// TriggerScore enqueues the scoring workflow for a server.
func (s *Service) TriggerScore(ctx context.Context, platformServerID string) (*workflow.Execution, error) {
	server, err := s.repo.GetByPlatformID(ctx, platformServerID)
	if err != nil {
		return nil, err
	}
	return s.scoring.TriggerScore(ctx, server.ID)
}

// SetCredentials seals and stores platform credentials for a server.
func (s *Service) SetCredentials(ctx context.Context, platformServerID string, creds Credentials) error {
	server, err := s.repo.GetByPlatformID(ctx, platformServerID)
	if err != nil {
		return err
	}
	envelope, err := s.crypto.EncryptJSON(creds)
	if err != nil {
		return err
	}
	return s.repo.SetCredentials(ctx, server.ID, envelope)
}

// GetCredentials opens the stored envelope. A server without credentials
// returns (nil, nil).
func (s *Service) GetCredentials(ctx context.Context, platformServerID string) (Credentials, error) {
	server, err := s.repo.GetByPlatformID(ctx, platformServerID)
	if err != nil {
		return nil, err
	}
	var creds Credentials
	ok, err := s.crypto.DecryptJSON(server.Credentials, &creds)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return creds, nil
}
