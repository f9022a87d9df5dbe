package notes

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/opennotes-dev/opennotes-server/domain/communityservers"
	"github.com/opennotes-dev/opennotes-server/domain/scoring"
	"github.com/opennotes-dev/opennotes-server/pkg/apperror"
	"github.com/opennotes-dev/opennotes-server/pkg/jsonapi"
)

// Handler handles HTTP requests for notes
type Handler struct {
	svc     *Service
	servers *communityservers.Repository
	scoring *scoring.Service
}

// NewHandler creates a new notes handler
func NewHandler(svc *Service, servers *communityservers.Repository, scoringSvc *scoring.Service) *Handler {
	return &Handler{svc: svc, servers: servers, scoring: scoringSvc}
}

// List handles GET /api/v1/community-servers/:platform_id/notes
func (h *Handler) List(c echo.Context) error {
	platformID := c.Param("platform_id")
	if platformID == "" {
		return apperror.ErrBadRequest.WithMessage("platform_id is required")
	}

	server, err := h.servers.GetByPlatformID(c.Request().Context(), platformID)
	if err != nil {
		return err
	}

	params := ListParams{
		CommunityServerID: server.ID,
		Status:            c.QueryParam("status"),
	}
	if limitStr := c.QueryParam("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil {
			params.Limit = l
		}
	}
	if offsetStr := c.QueryParam("offset"); offsetStr != "" {
		if o, err := strconv.Atoi(offsetStr); err == nil {
			params.Offset = o
		}
	}

	items, total, err := h.svc.List(c.Request().Context(), params)
	if err != nil {
		return err
	}

	resources := make([]jsonapi.Resource, 0, len(items))
	for _, n := range items {
		resources = append(resources, jsonapi.Resource{
			Type:       "notes",
			ID:         n.ID,
			Attributes: n,
		})
	}
	return jsonapi.RenderList(c, http.StatusOK, resources, map[string]any{"total": total})
}

// CreateNoteRequest is the POST body for a new note.
type CreateNoteRequest struct {
	PlatformMessageID   string `json:"platform_message_id"`
	AuthorParticipantID string `json:"author_participant_id"`
	Content             string `json:"content"`
}

// Create handles POST /api/v1/community-servers/:platform_id/notes
func (h *Handler) Create(c echo.Context) error {
	platformID := c.Param("platform_id")
	if platformID == "" {
		return apperror.ErrBadRequest.WithMessage("platform_id is required")
	}

	var req CreateNoteRequest
	if err := c.Bind(&req); err != nil {
		return apperror.ErrBadRequest.WithMessage("Invalid request body")
	}
	if req.PlatformMessageID == "" {
		return apperror.NewValidation("platform_message_id is required", "/data/attributes/platform_message_id")
	}
	if req.AuthorParticipantID == "" {
		return apperror.NewValidation("author_participant_id is required", "/data/attributes/author_participant_id")
	}
	if req.Content == "" {
		return apperror.NewValidation("content is required", "/data/attributes/content")
	}

	ctx := c.Request().Context()
	server, err := h.servers.GetByPlatformID(ctx, platformID)
	if err != nil {
		return err
	}

	note := &Note{
		CommunityServerID:   server.ID,
		PlatformMessageID:   req.PlatformMessageID,
		AuthorParticipantID: req.AuthorParticipantID,
		Content:             req.Content,
	}
	prev, curr, err := h.svc.Create(ctx, note)
	if err != nil {
		return err
	}

	// The note that crosses the threshold starts the first batch scoring run.
	h.scoring.ObserveNoteCount(ctx, server.ID, prev, curr)

	return jsonapi.Render(c, http.StatusCreated, "notes", note.ID, note)
}
