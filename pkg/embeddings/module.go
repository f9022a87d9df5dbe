// Package embeddings provides embedding generation functionality.
package embeddings

import (
	"context"
	"log/slog"

	"go.uber.org/fx"

	"github.com/opennotes-dev/opennotes-server/internal/config"
	"github.com/opennotes-dev/opennotes-server/pkg/embeddings/genai"
	"github.com/opennotes-dev/opennotes-server/pkg/embeddings/vertex"
	"github.com/opennotes-dev/opennotes-server/pkg/logger"
)

// Module provides the embeddings fx.Module
var Module = fx.Module("embeddings",
	fx.Provide(NewService),
)

// Service wraps whichever embedding backend the configuration selects.
// Without credentials it falls back to the noop client, which keeps the
// lexical half of search working while the semantic half returns nothing.
type Service struct {
	client  Client
	log     *slog.Logger
	enabled bool
}

// NewNoopService creates a service with a noop client (for testing)
func NewNoopService(log *slog.Logger) *Service {
	return &Service{
		client:  NewNoopClient(),
		log:     log,
		enabled: false,
	}
}

// NewService picks the backend from config. Vertex AI wins when a project is
// configured, otherwise the Gemini API key path, otherwise noop. Backend
// construction happens on startup so credential resolution gets a context,
// and a failed init logs and degrades rather than failing the app.
func NewService(lc fx.Lifecycle, cfg *config.Config, log *slog.Logger) *Service {
	log = log.With(logger.Scope("embeddings"))
	embCfg := cfg.Embeddings

	svc := &Service{
		client:  NewNoopClient(),
		log:     log,
		enabled: false,
	}
	if !embCfg.IsEnabled() {
		log.Info("embeddings disabled, semantic search unavailable")
		return svc
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			switch {
			case embCfg.UseVertexAI():
				client, err := vertex.NewClient(ctx, vertex.Config{
					ProjectID: embCfg.GCPProjectID,
					Location:  embCfg.VertexAILocation,
					Model:     embCfg.Model,
					Dimension: embCfg.Dimension,
				}, vertex.WithLogger(log))
				if err != nil {
					log.Error("vertex embeddings init failed, continuing without embeddings", logger.Error(err))
					return nil
				}
				svc.client = client
				svc.enabled = true
				log.Info("vertex embeddings client ready",
					slog.String("project", embCfg.GCPProjectID),
					slog.String("model", embCfg.Model))

			case embCfg.GoogleAPIKey != "":
				client, err := genai.NewClient(ctx, genai.Config{
					APIKey:    embCfg.GoogleAPIKey,
					Model:     embCfg.Model,
					Dimension: embCfg.Dimension,
				}, genai.WithLogger(log))
				if err != nil {
					log.Error("genai embeddings init failed, continuing without embeddings", logger.Error(err))
					return nil
				}
				svc.client = client
				svc.enabled = true
				log.Info("genai embeddings client ready", slog.String("model", embCfg.Model))
			}
			return nil
		},
	})

	return svc
}

// IsEnabled reports whether a real backend is wired.
func (s *Service) IsEnabled() bool {
	return s.enabled
}

// EmbedQuery generates an embedding for a single query.
func (s *Service) EmbedQuery(ctx context.Context, query string) ([]float32, error) {
	return s.client.EmbedQuery(ctx, query)
}

// EmbedDocuments generates embeddings for multiple documents.
func (s *Service) EmbedDocuments(ctx context.Context, documents []string) ([][]float32, error) {
	return s.client.EmbedDocuments(ctx, documents)
}
