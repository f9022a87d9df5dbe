package similarity

import (
	"github.com/labstack/echo/v4"

	"github.com/opennotes-dev/opennotes-server/pkg/auth"
)

// RegisterRoutes registers similarity routes
func RegisterRoutes(e *echo.Echo, h *Handler, authMiddleware *auth.Middleware) {
	g := e.Group("/api/v1/community-servers")
	g.Use(authMiddleware.RequireAuth())
	g.POST("/:platform_id/previously-seen/check", h.Check)
}
