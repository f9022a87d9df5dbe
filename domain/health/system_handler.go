package health

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/opennotes-dev/opennotes-server/internal/workflow"
	"github.com/opennotes-dev/opennotes-server/pkg/circuit"
	"github.com/opennotes-dev/opennotes-server/pkg/jsonapi"
	"github.com/opennotes-dev/opennotes-server/pkg/syshealth"
)

// SystemHandler serves the admin system health view: resource pressure,
// queue depths, and circuit breaker states in one place.
type SystemHandler struct {
	monitor  syshealth.Monitor
	engine   *workflow.Engine
	breakers *circuit.Registry
}

// NewSystemHandler creates a new system health handler
func NewSystemHandler(monitor syshealth.Monitor, engine *workflow.Engine, breakers *circuit.Registry) *SystemHandler {
	return &SystemHandler{
		monitor:  monitor,
		engine:   engine,
		breakers: breakers,
	}
}

// System handles GET /api/v1/health/system
func (h *SystemHandler) System(c echo.Context) error {
	metrics := h.monitor.GetHealth()

	queues, err := h.engine.QueueDepths(c.Request().Context())
	if err != nil {
		return err
	}

	return jsonapi.Render(c, http.StatusOK, "system-health", "current", map[string]any{
		"score": metrics.Score,
		"zone":  metrics.Zone,
		"resources": map[string]any{
			"cpu_load_avg":    metrics.CPULoadAvg,
			"io_wait_percent": metrics.IOWaitPercent,
			"memory_percent":  metrics.MemoryPercent,
			"db_pool_percent": metrics.DBPoolPercent,
			"stale":           metrics.Stale,
			"collected_at":    metrics.Timestamp.UTC().Format(time.RFC3339),
		},
		"queues":           queues,
		"circuit_breakers": h.breakers.States(),
	})
}
