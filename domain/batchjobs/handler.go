package batchjobs

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/opennotes-dev/opennotes-server/pkg/apperror"
	"github.com/opennotes-dev/opennotes-server/pkg/auth"
	"github.com/opennotes-dev/opennotes-server/pkg/jsonapi"
)

// Handler handles HTTP requests for batch jobs
type Handler struct {
	svc *Service
}

// NewHandler creates a new batch jobs handler
func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// Create handles POST /api/v1/batch-jobs
func (h *Handler) Create(c echo.Context) error {
	var req NewJob
	if err := c.Bind(&req); err != nil {
		return apperror.ErrBadRequest.WithMessage("invalid request body")
	}
	if user := auth.GetUser(c); user != nil && req.RequestedBy == "" {
		req.RequestedBy = user.ID
	}

	job, err := h.svc.Create(c.Request().Context(), req)
	if err != nil {
		return err
	}
	return jsonapi.Render(c, http.StatusCreated, "batch-jobs", job.ID, job)
}

// List handles GET /api/v1/batch-jobs
func (h *Handler) List(c echo.Context) error {
	params := ListParams{
		Status:            Status(c.QueryParam("status")),
		JobType:           c.QueryParam("job_type"),
		CommunityServerID: c.QueryParam("community_server_id"),
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

	jobs, total, err := h.svc.List(c.Request().Context(), params)
	if err != nil {
		return err
	}

	resources := make([]jsonapi.Resource, 0, len(jobs))
	for _, job := range jobs {
		resources = append(resources, jsonapi.Resource{
			Type:       "batch-jobs",
			ID:         job.ID,
			Attributes: job,
		})
	}
	return jsonapi.RenderList(c, http.StatusOK, resources, map[string]any{"total": total})
}

// Get handles GET /api/v1/batch-jobs/:id
func (h *Handler) Get(c echo.Context) error {
	job, err := h.svc.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return jsonapi.Render(c, http.StatusOK, "batch-jobs", job.ID, job)
}

// Progress handles GET /api/v1/batch-jobs/:id/progress
func (h *Handler) Progress(c echo.Context) error {
	p, err := h.svc.Progress(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return jsonapi.Render(c, http.StatusOK, "batch-job-progress", p.JobID, p)
}

// Cancel handles DELETE /api/v1/batch-jobs/:id
func (h *Handler) Cancel(c echo.Context) error {
	job, err := h.svc.Cancel(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return jsonapi.Render(c, http.StatusOK, "batch-jobs", job.ID, job)
}
