package batchjobs

import (
	"github.com/labstack/echo/v4"

	"github.com/opennotes-dev/opennotes-server/pkg/auth"
)

// RegisterRoutes registers batch job routes
func RegisterRoutes(e *echo.Echo, h *Handler, authMiddleware *auth.Middleware) {
	g := e.Group("/api/v1/batch-jobs")
	g.Use(authMiddleware.RequireAuth())

	g.POST("", h.Create, authMiddleware.RequireServiceAccount())
	g.GET("", h.List)
	g.GET("/:id", h.Get)
	g.GET("/:id/progress", h.Progress)
	g.DELETE("/:id", h.Cancel, authMiddleware.RequireServiceAccount())
}
