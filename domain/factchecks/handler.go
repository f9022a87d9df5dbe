package factchecks

import (
	"io"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/opennotes-dev/opennotes-server/pkg/apperror"
	"github.com/opennotes-dev/opennotes-server/pkg/jsonapi"
)

const maxManifestBytes = 1 << 20

// Handler handles HTTP requests for fact-check administration
type Handler struct {
	svc *Service
}

// NewHandler creates a new fact-check handler
func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// Import handles POST /api/v1/admin/fact-checks/import. The body is the raw
// YAML manifest.
func (h *Handler) Import(c echo.Context) error {
	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxManifestBytes))
	if err != nil {
		return apperror.ErrBadRequest.WithMessage("failed to read manifest body").WithInternal(err)
	}
	if len(body) == 0 {
		return apperror.NewValidation("manifest body must not be empty", "")
	}

	result, err := h.svc.Import(c.Request().Context(), body)
	if err != nil {
		return err
	}
	return jsonapi.Render(c, http.StatusOK, "fact-check-imports", result.Dataset, result)
}

// Promote handles POST /api/v1/admin/fact-checks/:id/promote
func (h *Handler) Promote(c echo.Context) error {
	item, err := h.svc.Promote(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return jsonapi.Render(c, http.StatusOK, "fact-check-items", item.ID, item)
}

// List handles GET /api/v1/admin/fact-checks
func (h *Handler) List(c echo.Context) error {
	params := ListParams{
		DatasetName: c.QueryParam("dataset"),
		Status:      Status(c.QueryParam("status")),
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

	candidates, total, err := h.svc.ListCandidates(c.Request().Context(), params)
	if err != nil {
		return err
	}

	resources := make([]jsonapi.Resource, 0, len(candidates))
	for _, cand := range candidates {
		resources = append(resources, jsonapi.Resource{
			Type:       "fact-check-candidates",
			ID:         cand.ID,
			Attributes: cand,
		})
	}
	return jsonapi.RenderList(c, http.StatusOK, resources, map[string]any{"total": total})
}
