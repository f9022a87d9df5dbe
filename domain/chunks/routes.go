package chunks

import (
	"github.com/labstack/echo/v4"

	"github.com/opennotes-dev/opennotes-server/pkg/auth"
)

// RegisterRoutes registers the rechunk admin routes
func RegisterRoutes(e *echo.Echo, handler *Handler, authMiddleware *auth.Middleware) {
	g := e.Group("/api/v1/admin/rechunk")
	g.Use(authMiddleware.RequireAuth())
	g.Use(authMiddleware.RequireAdmin())

	g.POST("/fact-checks", handler.RechunkFactChecks)
	g.POST("/previously-seen", handler.RechunkPreviouslySeen)
}
