package similarity

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/opennotes-dev/opennotes-server/domain/communityservers"
	"github.com/opennotes-dev/opennotes-server/pkg/apperror"
	"github.com/opennotes-dev/opennotes-server/pkg/jsonapi"
)

// Handler handles HTTP requests for similarity checks
type Handler struct {
	svc     *Service
	servers *communityservers.Repository
}

// NewHandler creates a new similarity handler
func NewHandler(svc *Service, servers *communityservers.Repository) *Handler {
	return &Handler{svc: svc, servers: servers}
}

// Check handles POST /api/v1/community-servers/:platform_id/previously-seen/check
func (h *Handler) Check(c echo.Context) error {
	platformID := c.Param("platform_id")
	if platformID == "" {
		return apperror.ErrBadRequest.WithMessage("platform_id is required")
	}

	server, err := h.servers.GetByPlatformID(c.Request().Context(), platformID)
	if err != nil {
		return err
	}

	var req CheckRequest
	if err := c.Bind(&req); err != nil {
		return apperror.ErrBadRequest.WithMessage("invalid request body").WithInternal(err)
	}

	matches, threshold, err := h.svc.FindSimilar(c.Request().Context(), server.ID, req)
	if err != nil {
		return err
	}

	resources := make([]jsonapi.Resource, 0, len(matches))
	for _, m := range matches {
		resources = append(resources, jsonapi.Resource{
			Type:       "similar-messages",
			ID:         m.MessageID,
			Attributes: m,
		})
	}
	return jsonapi.RenderList(c, http.StatusOK, resources, map[string]any{
		"threshold": threshold,
		"total":     len(matches),
	})
}
