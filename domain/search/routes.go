package search

import (
	"github.com/labstack/echo/v4"

	"github.com/opennotes-dev/opennotes-server/pkg/auth"
)

// RegisterRoutes registers search routes
func RegisterRoutes(e *echo.Echo, h *Handler, authMiddleware *auth.Middleware) {
	v1 := e.Group("/api/v1/search")
	v1.Use(authMiddleware.RequireAuth())
	v1.GET("", h.Search)
	v1.POST("", h.Search)

	v2 := e.Group("/api/v2/search")
	v2.Use(authMiddleware.RequireAuth())
	v2.GET("", h.SearchV2)
	v2.POST("", h.SearchV2)

	admin := e.Group("/api/v1/admin/fusion-weights")
	admin.Use(authMiddleware.RequireAuth())
	admin.GET("/:key", h.GetWeight, authMiddleware.RequireAdmin())
	// Weight writes come from the tuning pipeline, not humans.
	admin.PUT("/:key", h.PutWeight, authMiddleware.RequireServiceAccount())
	admin.DELETE("/:key", h.DeleteWeight, authMiddleware.RequireServiceAccount())
}
