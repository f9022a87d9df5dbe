package bulkscan

import (
	"context"
	"log/slog"

	"go.uber.org/fx"

	"github.com/opennotes-dev/opennotes-server/internal/config"
	"github.com/opennotes-dev/opennotes-server/pkg/llm"
	"github.com/opennotes-dev/opennotes-server/pkg/llm/vertex"
	"github.com/opennotes-dev/opennotes-server/pkg/logger"
)

// Module provides the bulk scan domain
var Module = fx.Module("bulkscan",
	fx.Provide(
		NewRepository,
		NewService,
		NewLLMProvider,
		NewDetector,
		NewConsumer,
		NewHandler,
	),
	fx.Invoke(RegisterRoutes),
	fx.Invoke(runConsumer),
)

// NewLLMProvider creates the shared completion provider for moderation and
// flashpoint detection. A nil provider disables both detectors.
func NewLLMProvider(cfg *config.Config, log *slog.Logger) llm.Provider {
	scopedLog := log.With(logger.Scope("bulkscan.llm"))

	if !cfg.LLM.IsEnabled() || !cfg.LLM.UseVertexAI() {
		scopedLog.Warn("LLM provider not configured, moderation and flashpoint detection disabled")
		return nil
	}

	client, err := vertex.NewClient(context.Background(), vertex.Config{
		ProjectID:       cfg.LLM.GCPProjectID,
		Location:        cfg.LLM.VertexAILocation,
		Model:           cfg.LLM.Model,
		Timeout:         cfg.LLM.Timeout,
		Temperature:     cfg.LLM.Temperature,
		MaxOutputTokens: cfg.LLM.MaxOutputTokens,
	}, vertex.WithLogger(scopedLog))
	if err != nil {
		scopedLog.Error("failed to create LLM provider", logger.Error(err))
		return nil
	}

	scopedLog.Info("LLM provider initialized",
		slog.String("project", cfg.LLM.GCPProjectID),
		slog.String("location", cfg.LLM.VertexAILocation),
		slog.String("model", cfg.LLM.Model),
	)
	return client
}

// runConsumer subscribes the batch consumer on startup. The bus owns the
// delivery loops and stops them on shutdown.
func runConsumer(lc fx.Lifecycle, c *Consumer) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return c.Subscribe(context.WithoutCancel(ctx))
		},
	})
}
