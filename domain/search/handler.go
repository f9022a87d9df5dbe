package search

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/opennotes-dev/opennotes-server/pkg/apperror"
	"github.com/opennotes-dev/opennotes-server/pkg/jsonapi"
)

// Handler handles HTTP requests for search
type Handler struct {
	svc *Service
}

// NewHandler creates a new search handler
func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

type v1Result struct {
	ChunkID  string  `json:"chunk_id"`
	ParentID string  `json:"parent_id"`
	Content  string  `json:"content"`
	Score    float64 `json:"score"`
}

type v2Result struct {
	v1Result
	Scores map[string]float64 `json:"scores"`
}

func bindRequest(c echo.Context) (Request, error) {
	var req Request
	if c.Request().Method == http.MethodPost {
		if err := c.Bind(&req); err != nil {
			return req, apperror.ErrBadRequest.WithMessage("invalid request body")
		}
		return req, nil
	}

	req.Query = c.QueryParam("q")
	if req.Query == "" {
		req.Query = c.QueryParam("query")
	}
	req.CommunityServerID = c.QueryParam("community_server_id")
	req.Dataset = c.QueryParam("dataset")
	req.Kind = c.QueryParam("kind")
	if limitStr := c.QueryParam("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil {
			req.Limit = l
		}
	}
	if alphaStr := c.QueryParam("alpha"); alphaStr != "" {
		if a, err := strconv.ParseFloat(alphaStr, 64); err == nil {
			req.Alpha = &a
		}
	}
	return req, nil
}

// Search handles GET/POST /api/v1/search (fused score only).
func (h *Handler) Search(c echo.Context) error {
	req, err := bindRequest(c)
	if err != nil {
		return err
	}
	resp, err := h.svc.Search(c.Request().Context(), req)
	if err != nil {
		return err
	}

	resources := make([]jsonapi.Resource, 0, len(resp.Results))
	for _, r := range resp.Results {
		resources = append(resources, jsonapi.Resource{
			Type: "search-results",
			ID:   r.ChunkID,
			Attributes: v1Result{
				ChunkID:  r.ChunkID,
				ParentID: r.ParentID,
				Content:  r.Content,
				Score:    r.Score,
			},
		})
	}
	return jsonapi.RenderList(c, http.StatusOK, resources, map[string]any{
		"alpha": resp.Alpha,
		"total": resp.Total,
	})
}

// SearchV2 handles GET/POST /api/v2/search (per-arm scores included).
func (h *Handler) SearchV2(c echo.Context) error {
	req, err := bindRequest(c)
	if err != nil {
		return err
	}
	resp, err := h.svc.Search(c.Request().Context(), req)
	if err != nil {
		return err
	}

	resources := make([]jsonapi.Resource, 0, len(resp.Results))
	for _, r := range resp.Results {
		resources = append(resources, jsonapi.Resource{
			Type: "search-results",
			ID:   r.ChunkID,
			Attributes: v2Result{
				v1Result: v1Result{
					ChunkID:  r.ChunkID,
					ParentID: r.ParentID,
					Content:  r.Content,
					Score:    r.Score,
				},
				Scores: map[string]float64{
					"semantic": r.SemanticScore,
					"keyword":  r.KeywordScore,
				},
			},
		})
	}
	return jsonapi.RenderList(c, http.StatusOK, resources, map[string]any{
		"alpha": resp.Alpha,
		"total": resp.Total,
	})
}

// GetWeight handles GET /api/v1/admin/fusion-weights/:key
func (h *Handler) GetWeight(c echo.Context) error {
	fw, err := h.svc.GetWeight(c.Request().Context(), c.Param("key"))
	if err != nil {
		return err
	}
	return jsonapi.Render(c, http.StatusOK, "fusion-weights", fw.Key, fw)
}

type putWeightRequest struct {
	Alpha float64 `json:"alpha"`
}

// PutWeight handles PUT /api/v1/admin/fusion-weights/:key
func (h *Handler) PutWeight(c echo.Context) error {
	var req putWeightRequest
	if err := c.Bind(&req); err != nil {
		return apperror.ErrBadRequest.WithMessage("invalid request body")
	}

	fw, err := h.svc.PutWeight(c.Request().Context(), c.Param("key"), req.Alpha)
	if err != nil {
		return err
	}
	return jsonapi.Render(c, http.StatusOK, "fusion-weights", fw.Key, fw)
}

// DeleteWeight handles DELETE /api/v1/admin/fusion-weights/:key
func (h *Handler) DeleteWeight(c echo.Context) error {
	if err := h.svc.DeleteWeight(c.Request().Context(), c.Param("key")); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}
