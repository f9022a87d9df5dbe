package scoring

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/opennotes-dev/opennotes-server/pkg/apperror"
	"github.com/opennotes-dev/opennotes-server/pkg/jsonapi"
)

// Handler handles HTTP requests for scoring
type Handler struct {
	svc *Service
}

// NewHandler creates a new scoring handler
func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// ScoreRequest is the POST /api/v1/scoring/score body
type ScoreRequest struct {
	CommunityServerID string        `json:"community_server_id"`
	Notes             []Note        `json:"notes"`
	Ratings           []Rating      `json:"ratings"`
	Enrollment        []Participant `json:"enrollment"`
}

// Score handles POST /api/v1/scoring/score
func (h *Handler) Score(c echo.Context) error {
	var req ScoreRequest
	if err := c.Bind(&req); err != nil {
		return apperror.ErrBadRequest.WithMessage("Invalid request body")
	}

	out, err := h.svc.Score(c.Request().Context(), ScoreInput{
		CommunityServerID: req.CommunityServerID,
		Notes:             req.Notes,
		Ratings:           req.Ratings,
		Enrollment:        req.Enrollment,
	})
	if err != nil {
		return err
	}

	return jsonapi.Render(c, http.StatusOK, "score-batches", "", out)
}

// Status handles GET /api/v1/scoring/:platform_id/status
func (h *Handler) Status(c echo.Context) error {
	platformID := c.Param("platform_id")
	if platformID == "" {
		return apperror.ErrBadRequest.WithMessage("platform_id is required")
	}

	status, err := h.svc.Status(c.Request().Context(), platformID)
	if err != nil {
		return err
	}

	return jsonapi.Render(c, http.StatusOK, "scoring-status", platformID, status)
}
