package bulkscan

import (
	"github.com/labstack/echo/v4"

	"github.com/opennotes-dev/opennotes-server/pkg/auth"
)

// RegisterRoutes registers bulk scan routes
func RegisterRoutes(e *echo.Echo, h *Handler, authMiddleware *auth.Middleware) {
	servers := e.Group("/api/v1/community-servers")
	servers.Use(authMiddleware.RequireAuth())
	servers.POST("/:platform_id/bulk-scan", h.Start, authMiddleware.RequireServiceAccount())

	scans := e.Group("/api/v1/bulk-scans")
	scans.Use(authMiddleware.RequireAuth())
	scans.GET("/:id", h.Get)
}
