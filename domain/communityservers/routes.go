package communityservers

import (
	"github.com/labstack/echo/v4"

	"github.com/opennotes-dev/opennotes-server/pkg/auth"
)

// RegisterRoutes registers community server routes
func RegisterRoutes(e *echo.Echo, h *Handler, authMiddleware *auth.Middleware) {
	g := e.Group("/api/v1/community-servers")
	g.Use(authMiddleware.RequireAuth())

	g.GET("/:platform_id", h.Get)
	g.POST("/:platform_id/score", h.TriggerScore)

	// Only the platform-side collector may rewrite the welcome message.
	g.PATCH("/:platform_id/welcome-message", h.UpdateWelcomeMessage, authMiddleware.RequireServiceAccount())
}
