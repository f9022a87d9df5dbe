package bulkscan

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/opennotes-dev/opennotes-server/domain/communityservers"
	"github.com/opennotes-dev/opennotes-server/pkg/apperror"
	"github.com/opennotes-dev/opennotes-server/pkg/auth"
	"github.com/opennotes-dev/opennotes-server/pkg/jsonapi"
)

// Handler handles HTTP requests for bulk scans
type Handler struct {
	svc     *Service
	servers *communityservers.Repository
}

// NewHandler creates a new bulk scan handler
func NewHandler(svc *Service, servers *communityservers.Repository) *Handler {
	return &Handler{svc: svc, servers: servers}
}

// Start handles POST /api/v1/community-servers/:platform_id/bulk-scan
func (h *Handler) Start(c echo.Context) error {
	platformID := c.Param("platform_id")
	if platformID == "" {
		return apperror.ErrBadRequest.WithMessage("platform_id is required")
	}

	server, err := h.servers.GetByPlatformID(c.Request().Context(), platformID)
	if err != nil {
		return err
	}

	var req StartRequest
	if err := c.Bind(&req); err != nil {
		return apperror.ErrBadRequest.WithMessage("invalid request body").WithInternal(err)
	}

	initiatedBy := ""
	if user := auth.GetUser(c); user != nil {
		initiatedBy = user.ID
	}

	scan, err := h.svc.Start(c.Request().Context(), server.ID, initiatedBy, req)
	if err != nil {
		return err
	}
	return jsonapi.Render(c, http.StatusAccepted, "bulk-scans", scan.ID, scan)
}

// Get handles GET /api/v1/bulk-scans/:id
func (h *Handler) Get(c echo.Context) error {
	scan, progress, err := h.svc.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}

	return jsonapi.Render(c, http.StatusOK, "bulk-scans", scan.ID, map[string]any{
		"scan":     scan,
		"progress": progress,
	})
}
