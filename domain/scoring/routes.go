package scoring

import (
	"github.com/labstack/echo/v4"

	"github.com/opennotes-dev/opennotes-server/pkg/auth"
)

// RegisterRoutes registers scoring routes
func RegisterRoutes(e *echo.Echo, h *Handler, authMiddleware *auth.Middleware) {
	g := e.Group("/api/v1/scoring")
	g.Use(authMiddleware.RequireAuth())

	g.POST("/score", h.Score)
	g.GET("/:platform_id/status", h.Status)
}
