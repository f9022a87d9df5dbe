// Package main provides the entry point for the OpenNotes API server
//
// @title OpenNotes API
// @version 0.4.0
// @description Community note authoring, scoring and retrieval service
// @host localhost:5300
// @BasePath /
// @schemes http https
//
// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization
// @description OAuth 2.0 access token (format: "Bearer <token>")
package main

import (
	"context"
	"log/slog"

	"github.com/joho/godotenv"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"github.com/opennotes-dev/opennotes-server/domain/audit"
	"github.com/opennotes-dev/opennotes-server/domain/batchjobs"
	"github.com/opennotes-dev/opennotes-server/domain/bulkscan"
	"github.com/opennotes-dev/opennotes-server/domain/chunks"
	"github.com/opennotes-dev/opennotes-server/domain/communityservers"
	"github.com/opennotes-dev/opennotes-server/domain/factchecks"
	"github.com/opennotes-dev/opennotes-server/domain/health"
	"github.com/opennotes-dev/opennotes-server/domain/notes"
	"github.com/opennotes-dev/opennotes-server/domain/scheduler"
	"github.com/opennotes-dev/opennotes-server/domain/scoring"
	"github.com/opennotes-dev/opennotes-server/domain/search"
	"github.com/opennotes-dev/opennotes-server/domain/similarity"
	"github.com/opennotes-dev/opennotes-server/domain/tokenbucket"
	"github.com/opennotes-dev/opennotes-server/domain/tracing"
	"github.com/opennotes-dev/opennotes-server/domain/webhooks"
	"github.com/opennotes-dev/opennotes-server/internal/bus"
	"github.com/opennotes-dev/opennotes-server/internal/cache"
	"github.com/opennotes-dev/opennotes-server/internal/config"
	"github.com/opennotes-dev/opennotes-server/internal/database"
	"github.com/opennotes-dev/opennotes-server/internal/server"
	"github.com/opennotes-dev/opennotes-server/internal/storage"
	"github.com/opennotes-dev/opennotes-server/internal/workflow"
	"github.com/opennotes-dev/opennotes-server/pkg/auth"
	"github.com/opennotes-dev/opennotes-server/pkg/circuit"
	"github.com/opennotes-dev/opennotes-server/pkg/embeddings"
	"github.com/opennotes-dev/opennotes-server/pkg/encryption"
	"github.com/opennotes-dev/opennotes-server/pkg/logger"
)

// queueConcurrency sets how many executions each workflow queue may run at
// once inside a single server process.
var queueConcurrency = map[string]int{
	batchjobs.JobQueue:     2,
	scoring.ScoreQueue:     1,
	factchecks.ScrapeQueue: 4,
	webhooks.DeliverQueue:  4,
}

func main() {
	// Load .env files if present (for local development)
	// Order matters: .env.local overrides .env
	// Note: Load() won't overwrite existing vars, Overload() will
	_ = godotenv.Load(".env")
	_ = godotenv.Overload(".env.local")

	fx.New(
		// Logging
		fx.WithLogger(func(log *slog.Logger) fxevent.Logger {
			return &fxevent.SlogLogger{Logger: log}
		}),

		// Infrastructure modules
		logger.Module,
		config.Module,
		database.Module,
		cache.Module,
		bus.Module,
		workflow.Module,
		server.Module,
		storage.Module,
		tracing.Module,

		// Embeddings module (provides embedding client)
		embeddings.Module,

		// Shared services
		fx.Provide(
			auth.NewMiddleware,
			encryption.NewService,
			circuit.NewRegistry,
			func(c *cache.Client) auth.RevocationChecker { return c },
			func(s *embeddings.Service) embeddings.Client { return s },
		),

		// Domain modules
		health.Module,
		communityservers.Module,
		notes.Module,
		scoring.Module,
		search.Module,
		chunks.Module,
		similarity.Module,
		batchjobs.Module,
		tokenbucket.Module,
		bulkscan.Module,
		factchecks.Module,
		audit.Module,
		webhooks.Module,

		// Scheduler module (cron-based scheduled tasks)
		scheduler.Module,

		fx.Invoke(startQueues),
	).Run()
}

// startQueues launches the workflow queue pollers after every domain module
// has registered its workflows.
func startQueues(lc fx.Lifecycle, engine *workflow.Engine) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			for queue, concurrency := range queueConcurrency {
				engine.StartQueue(queue, concurrency)
			}
			return nil
		},
	})
}
