package health

import (
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/opennotes-dev/opennotes-server/pkg/auth"
)

// RegisterRoutes registers health and metrics routes
func RegisterRoutes(e *echo.Echo, h *Handler, sys *SystemHandler, authMiddleware *auth.Middleware) {
	e.GET("/healthz", h.Healthz)
	e.GET("/readyz", h.Readyz)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	e.GET("/api/v1/health/system", sys.System,
		authMiddleware.RequireAuth(), authMiddleware.RequireAdmin())
}
