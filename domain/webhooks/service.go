package webhooks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/opennotes-dev/opennotes-server/internal/bus"
	"github.com/opennotes-dev/opennotes-server/internal/workflow"
	"github.com/opennotes-dev/opennotes-server/pkg/apperror"
	"github.com/opennotes-dev/opennotes-server/pkg/encryption"
	"github.com/opennotes-dev/opennotes-server/pkg/logger"
)

const (
	// DeliverWorkflow drains the webhooks queue.
	DeliverWorkflow = "deliver-webhook"
	DeliverQueue    = "webhooks"

	deliverTimeout = 15 * time.Second
)

// dispatchedEvents are the bus subjects forwarded to registered endpoints.
var dispatchedEvents = []string{
	bus.EventBulkScanCompleted,
	bus.EventBulkScanFailed,
	bus.EventBulkScanResults,
	bus.EventNoteScoreUpdated,
	bus.EventFactCheckIngested,
}

// Service manages endpoint registrations and outbound deliveries.
type Service struct {
	repo    *Repository
	wf      *workflow.Engine
	crypt   *encryption.Service
	log     *slog.Logger
	httpCli *http.Client
}

// NewService creates the webhook service
func NewService(
	repo *Repository,
	engine *workflow.Engine,
	crypt *encryption.Service,
	log *slog.Logger,
) *Service {
	return &Service{
		repo:    repo,
		wf:      engine,
		crypt:   crypt,
		log:     log.With(logger.Scope("webhooks")),
		httpCli: &http.Client{Timeout: deliverTimeout},
	}
}

// Register stores an endpoint with its secret sealed in the encrypted
// envelope.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (*Endpoint, error) {
	parsed, err := url.Parse(req.URL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, apperror.NewValidation("url must be absolute", "/data/url")
	}
	if strings.TrimSpace(req.Secret) == "" {
		return nil, apperror.NewValidation("secret must not be empty", "/data/secret")
	}

	sealed, err := s.crypt.EncryptJSON(req.Secret)
	if err != nil {
		return nil, apperror.NewInternal("failed to seal webhook secret", err)
	}

	endpoint := &Endpoint{
		URL:    req.URL,
		Secret: sealed,
		Events: req.Events,
		Active: true,
	}
	if err := s.repo.Create(ctx, endpoint); err != nil {
		return nil, err
	}
	return endpoint, nil
}

// List returns active registrations.
func (s *Service) List(ctx context.Context) ([]Endpoint, error) {
	return s.repo.ListActive(ctx)
}

// Deactivate disables an endpoint.
func (s *Service) Deactivate(ctx context.Context, id string) error {
	return s.repo.Deactivate(ctx, id)
}

// Dispatch fans one event out to every subscribed endpoint as a durable
// delivery workflow. The dedup key keeps bus redeliveries from duplicating
// webhook calls.
func (s *Service) Dispatch(ctx context.Context, event bus.Event) error {
	endpoints, err := s.repo.ListActive(ctx)
	if err != nil {
		return err
	}

	for _, endpoint := range endpoints {
		if !endpoint.Subscribed(event.Type) {
			continue
		}
		_, _, err := s.wf.Enqueue(ctx, workflow.EnqueueRequest{
			Workflow: DeliverWorkflow,
			Queue:    DeliverQueue,
			Input: map[string]any{
				"endpoint_id": endpoint.ID,
				"event_id":    event.ID,
				"event_type":  event.Type,
				"payload":     event.Payload,
			},
			DedupKey: "wh:" + endpoint.ID + ":" + event.ID,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// RegisterWorkflows registers the delivery workflow.
func RegisterWorkflows(registry *workflow.Registry, svc *Service) {
	registry.MustRegister(DeliverWorkflow, svc.deliverWorkflow)
}

type deliverInput struct {
	EndpointID string          `json:"endpoint_id"`
	EventID    string          `json:"event_id"`
	EventType  string          `json:"event_type"`
	Payload    json.RawMessage `json:"payload"`
}

// deliverWorkflow posts one signed delivery. Non-2xx responses error so the
// queue's retry policy reschedules with backoff.
func (s *Service) deliverWorkflow(run *workflow.Run, input json.RawMessage) (json.RawMessage, error) {
	var in deliverInput
	if err := json.Unmarshal(input, &in); err != nil {
		return nil, fmt.Errorf("decode delivery input: %w", err)
	}

	ctx := run.Context()
	endpoint, err := s.repo.Get(ctx, in.EndpointID)
	if err != nil {
		return nil, err
	}
	if !endpoint.Active {
		s.log.Debug("endpoint deactivated, skipping delivery",
			slog.String("endpoint_id", endpoint.ID))
		return json.Marshal(map[string]string{"status": "skipped"})
	}

	var secret string
	if _, err := s.crypt.DecryptJSON(endpoint.Secret, &secret); err != nil {
		return nil, fmt.Errorf("unseal endpoint secret: %w", err)
	}

	body, err := json.Marshal(map[string]any{
		"event_id":   in.EventID,
		"event_type": in.EventType,
		"payload":    in.Payload,
	})
	if err != nil {
		return nil, err
	}

	status, err := s.deliver(ctx, endpoint.URL, secret, body)
	if err != nil {
		deliveryFailures.Inc()
		return nil, err
	}
	deliveriesTotal.Inc()
	return json.Marshal(map[string]int{"status": status})
}

// deliver signs and posts one payload with the internal scheme.
func (s *Service) deliver(ctx context.Context, endpointURL, secret string, body []byte) (int, error) {
	timestamp := strconv.FormatInt(time.Now().Unix(), 10)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpointURL, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-OpenNotes-Timestamp", timestamp)
	req.Header.Set("X-OpenNotes-Signature", SignInternal(secret, timestamp, body))

	resp, err := s.httpCli.Do(req)
	if err != nil {
		return 0, fmt.Errorf("deliver webhook: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp.StatusCode, fmt.Errorf("webhook delivery returned status %d", resp.StatusCode)
	}
	return resp.StatusCode, nil
}
