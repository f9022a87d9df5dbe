package chunks

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/opennotes-dev/opennotes-server/pkg/auth"
	"github.com/opennotes-dev/opennotes-server/pkg/jsonapi"
)

// Handler handles HTTP requests for chunk administration
type Handler struct {
	svc *Service
}

// NewHandler creates a new chunks handler
func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RechunkFactChecks handles POST /api/v1/admin/rechunk/fact-checks
func (h *Handler) RechunkFactChecks(c echo.Context) error {
	return h.rechunk(c, KindFactChecks)
}

// RechunkPreviouslySeen handles POST /api/v1/admin/rechunk/previously-seen
func (h *Handler) RechunkPreviouslySeen(c echo.Context) error {
	return h.rechunk(c, KindPreviouslySeen)
}

func (h *Handler) rechunk(c echo.Context, kind string) error {
	requestedBy := ""
	if user := auth.GetUser(c); user != nil {
		requestedBy = user.ID
	}

	job, err := h.svc.TriggerRechunk(c.Request().Context(), kind, requestedBy)
	if err != nil {
		return err
	}
	return jsonapi.Render(c, http.StatusAccepted, "batch-jobs", job.ID, job)
}
