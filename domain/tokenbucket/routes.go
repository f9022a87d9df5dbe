package tokenbucket

import (
	"github.com/labstack/echo/v4"

	"github.com/opennotes-dev/opennotes-server/pkg/auth"
)

// RegisterRoutes registers token pool routes
func RegisterRoutes(e *echo.Echo, h *Handler, authMiddleware *auth.Middleware) {
	g := e.Group("/api/v1/token-pools")
	g.Use(authMiddleware.RequireAuth())

	g.GET("/:name/status", h.Status)
}
