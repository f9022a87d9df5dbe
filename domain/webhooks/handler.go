package webhooks

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/opennotes-dev/opennotes-server/internal/bus"
	"github.com/opennotes-dev/opennotes-server/pkg/apperror"
	"github.com/opennotes-dev/opennotes-server/pkg/jsonapi"
	"github.com/opennotes-dev/opennotes-server/pkg/logger"
)

const (
	headerSignature = "X-Signature-Ed25519"
	headerTimestamp = "X-Signature-Timestamp"

	// Discord interaction ping.
	platformPingType = 1

	maxPlatformBody = 1 << 20
)

// ingestable are the inbound platform event types forwarded onto the bus.
// Anything else is acknowledged and dropped.
var ingestable = map[string]bool{
	bus.EventBulkScanMessageBatch: true,
}

// Handler handles webhook HTTP requests.
type Handler struct {
	svc      *Service
	verifier *Verifier
	eventBus *bus.Bus
	log      *slog.Logger
}

// NewHandler creates a new webhook handler
func NewHandler(svc *Service, verifier *Verifier, eventBus *bus.Bus, log *slog.Logger) *Handler {
	return &Handler{
		svc:      svc,
		verifier: verifier,
		eventBus: eventBus,
		log:      log.With(logger.Scope("webhooks.handler")),
	}
}

// Platform handles POST /api/v1/webhooks/platform. The signature covers the
// raw body, so it is read before any binding.
func (h *Handler) Platform(c echo.Context) error {
	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxPlatformBody))
	if err != nil {
		return apperror.ErrBadRequest.WithMessage("failed to read request body").WithInternal(err)
	}

	signature := c.Request().Header.Get(headerSignature)
	timestamp := c.Request().Header.Get(headerTimestamp)
	if !h.verifier.Verify(timestamp, body, signature) {
		inboundRejected.Inc()
		return apperror.ErrUnauthorized.WithMessage("invalid webhook signature")
	}
	inboundAccepted.Inc()

	var event PlatformEvent
	if err := json.Unmarshal(body, &event); err != nil {
		return apperror.ErrBadRequest.WithMessage("invalid webhook body").WithInternal(err)
	}

	if event.Type == platformPingType {
		return c.JSON(http.StatusOK, map[string]int{"type": platformPingType})
	}

	if !ingestable[event.EventType] {
		h.log.Debug("ignoring platform event", slog.String("event_type", event.EventType))
		return c.NoContent(http.StatusAccepted)
	}

	busEvent, err := bus.NewEvent(event.EventType, event.Payload)
	if err != nil {
		return apperror.NewInternal("failed to encode platform event", err)
	}
	if err := h.eventBus.Publish(c.Request().Context(), busEvent); err != nil {
		return err
	}
	return c.NoContent(http.StatusAccepted)
}

// Register handles POST /api/v1/admin/webhooks
func (h *Handler) Register(c echo.Context) error {
	var req RegisterRequest
	if err := c.Bind(&req); err != nil {
		return apperror.ErrBadRequest.WithMessage("invalid request body").WithInternal(err)
	}

	endpoint, err := h.svc.Register(c.Request().Context(), req)
	if err != nil {
		return err
	}
	return jsonapi.Render(c, http.StatusCreated, "webhook-endpoints", endpoint.ID, endpoint)
}

// List handles GET /api/v1/admin/webhooks
func (h *Handler) List(c echo.Context) error {
	endpoints, err := h.svc.List(c.Request().Context())
	if err != nil {
		return err
	}

	resources := make([]jsonapi.Resource, 0, len(endpoints))
	for i := range endpoints {
		resources = append(resources, jsonapi.Resource{
			Type:       "webhook-endpoints",
			ID:         endpoints[i].ID,
			Attributes: &endpoints[i],
		})
	}
	return jsonapi.RenderList(c, http.StatusOK, resources, map[string]any{"total": len(endpoints)})
}

// Deactivate handles DELETE /api/v1/admin/webhooks/:id
func (h *Handler) Deactivate(c echo.Context) error {
	if err := h.svc.Deactivate(c.Request().Context(), c.Param("id")); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}
