package factchecks

import (
	"github.com/labstack/echo/v4"

	"github.com/opennotes-dev/opennotes-server/pkg/auth"
)

// RegisterRoutes registers fact-check admin routes
func RegisterRoutes(e *echo.Echo, h *Handler, authMiddleware *auth.Middleware) {
	g := e.Group("/api/v1/admin/fact-checks")
	g.Use(authMiddleware.RequireAuth())
	g.Use(authMiddleware.RequireAdmin())
	g.POST("/import", h.Import)
	g.POST("/:id/promote", h.Promote)
	g.GET("", h.List)
}
