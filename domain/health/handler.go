// Package health exposes liveness, readiness, and system health endpoints.
package health

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/uptrace/bun"

	"github.com/opennotes-dev/opennotes-server/internal/bus"
	"github.com/opennotes-dev/opennotes-server/internal/cache"
	"github.com/opennotes-dev/opennotes-server/internal/version"
)

const checkTimeout = 5 * time.Second

// Handler handles health check requests
type Handler struct {
	db       *bun.DB
	cache    *cache.Client
	eventBus *bus.Bus
	startAt  time.Time
}

// NewHandler creates a new health handler
func NewHandler(db *bun.DB, cacheClient *cache.Client, eventBus *bus.Bus) *Handler {
	return &Handler{
		db:       db,
		cache:    cacheClient,
		eventBus: eventBus,
		startAt:  time.Now(),
	}
}

// Check represents an individual readiness check result
type Check struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// ReadyResponse represents the readiness response
type ReadyResponse struct {
	Status    string           `json:"status"`
	Timestamp string           `json:"timestamp"`
	Uptime    string           `json:"uptime"`
	Version   string           `json:"version"`
	Checks    map[string]Check `json:"checks"`
}

// Healthz is the liveness probe. It answers as long as the process serves
// requests, independent of downstream dependencies.
func (h *Handler) Healthz(c echo.Context) error {
	return c.String(http.StatusOK, "OK")
}

// Readyz is the readiness probe: database, cache, event bus, and applied
// migrations all have to pass.
func (h *Handler) Readyz(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), checkTimeout)
	defer cancel()

	checks := map[string]Check{
		"database":   h.checkDatabase(ctx),
		"cache":      h.checkCache(ctx),
		"event_bus":  h.checkBus(ctx),
		"migrations": h.checkMigrations(ctx),
	}

	status := "ready"
	code := http.StatusOK
	for _, check := range checks {
		if check.Status != "healthy" {
			status = "not_ready"
			code = http.StatusServiceUnavailable
			break
		}
	}

	return c.JSON(code, ReadyResponse{
		Status:    status,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Uptime:    time.Since(h.startAt).String(),
		Version:   version.Version,
		Checks:    checks,
	})
}

func (h *Handler) checkDatabase(ctx context.Context) Check {
	if err := h.db.PingContext(ctx); err != nil {
		return Check{Status: "unhealthy", Message: err.Error()}
	}
	return Check{Status: "healthy"}
}

func (h *Handler) checkCache(ctx context.Context) Check {
	if err := h.cache.Ping(ctx); err != nil {
		return Check{Status: "unhealthy", Message: err.Error()}
	}
	return Check{Status: "healthy"}
}

func (h *Handler) checkBus(ctx context.Context) Check {
	if !h.eventBus.Healthy(ctx) {
		return Check{Status: "unhealthy", Message: "event bus unreachable"}
	}
	return Check{Status: "healthy"}
}

// checkMigrations verifies the goose version table exists and at least one
// migration is applied. A fresh database without the schema is not ready.
func (h *Handler) checkMigrations(ctx context.Context) Check {
	var applied int64
	err := h.db.NewRaw(
		"SELECT COALESCE(MAX(version_id), 0) FROM goose_db_version WHERE is_applied",
	).Scan(ctx, &applied)
	if err != nil {
		return Check{Status: "unhealthy", Message: err.Error()}
	}
	if applied == 0 {
		return Check{Status: "unhealthy", Message: "no migrations applied"}
	}
	return Check{Status: "healthy"}
}
