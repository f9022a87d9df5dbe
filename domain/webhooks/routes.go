package webhooks

import (
	"github.com/labstack/echo/v4"

	"github.com/opennotes-dev/opennotes-server/pkg/auth"
)

// RegisterRoutes registers webhook routes. The platform endpoint carries no
// auth middleware; the Ed25519 signature is the authentication.
func RegisterRoutes(e *echo.Echo, h *Handler, authMiddleware *auth.Middleware) {
	e.POST("/api/v1/webhooks/platform", h.Platform)

	admin := e.Group("/api/v1/admin/webhooks")
	admin.Use(authMiddleware.RequireAuth(), authMiddleware.RequireAdmin())
	admin.POST("", h.Register)
	admin.GET("", h.List)
	admin.DELETE("/:id", h.Deactivate)
}
