package notes

import (
	"github.com/labstack/echo/v4"

	"github.com/opennotes-dev/opennotes-server/pkg/auth"
)

// RegisterRoutes registers note routes
func RegisterRoutes(e *echo.Echo, h *Handler, authMiddleware *auth.Middleware) {
	g := e.Group("/api/v1/community-servers")
	g.Use(authMiddleware.RequireAuth())

	g.GET("/:platform_id/notes", h.List)
	g.POST("/:platform_id/notes", h.Create)
}
