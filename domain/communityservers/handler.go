package communityservers

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/opennotes-dev/opennotes-server/pkg/apperror"
	"github.com/opennotes-dev/opennotes-server/pkg/jsonapi"
)

// Handler handles HTTP requests for community servers
type Handler struct {
	svc *Service
}

// NewHandler creates a new community servers handler
func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// Get handles GET /api/v1/community-servers/:platform_id
func (h *Handler) Get(c echo.Context) error {
	platformID := c.Param("platform_id")
	if platformID == "" {
		return apperror.ErrBadRequest.WithMessage("platform_id is required")
	}

	server, err := h.svc.GetByPlatformID(c.Request().Context(), platformID)
	if err != nil {
		return err
	}

	return jsonapi.Render(c, http.StatusOK, "community-servers", server.ID, server)
}

// UpdateWelcomeMessage handles PATCH /api/v1/community-servers/:platform_id/welcome-message.
// Absent field means no change, explicit null clears, a string sets.
func (h *Handler) UpdateWelcomeMessage(c echo.Context) error {
	platformID := c.Param("platform_id")
	if platformID == "" {
		return apperror.ErrBadRequest.WithMessage("platform_id is required")
	}

	var req UpdateWelcomeMessageRequest
	if err := c.Bind(&req); err != nil {
		return apperror.ErrBadRequest.WithMessage("Invalid request body")
	}

	if !req.WelcomeMessage.Present {
		// Nothing to change; return the current state.
		server, err := h.svc.GetByPlatformID(c.Request().Context(), platformID)
		if err != nil {
			return err
		}
		return jsonapi.Render(c, http.StatusOK, "community-servers", server.ID, server)
	}

	server, err := h.svc.UpdateWelcomeMessage(c.Request().Context(), platformID, req.WelcomeMessage.Value)
	if err != nil {
		return err
	}

	return jsonapi.Render(c, http.StatusOK, "community-servers", server.ID, server)
}

// TriggerScore handles POST /api/v1/community-servers/:platform_id/score
func (h *Handler) TriggerScore(c echo.Context) error {
	platformID := c.Param("platform_id")
	if platformID == "" {
		return apperror.ErrBadRequest.WithMessage("platform_id is required")
	}

	exec, err := h.svc.TriggerScore(c.Request().Context(), platformID)
	if err != nil {
		return err
	}

	return jsonapi.Render(c, http.StatusAccepted, "scoring-runs", exec.ID, map[string]any{
		"workflow_id": exec.ID,
		"status":      exec.Status,
	})
}
