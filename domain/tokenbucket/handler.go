package tokenbucket

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/opennotes-dev/opennotes-server/pkg/jsonapi"
)

// Handler handles HTTP requests for token pools
type Handler struct {
	svc *Service
}

// NewHandler creates a new token pool handler
func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// Status handles GET /api/v1/token-pools/:name/status
func (h *Handler) Status(c echo.Context) error {
	status, err := h.svc.Status(c.Request().Context(), c.Param("name"))
	if err != nil {
		return err
	}
	return jsonapi.Render(c, http.StatusOK, "token-pool-status", status.Name, status)
}
