// Package bus is the durable event bus: at-least-once pub/sub on Redis
// Streams with consumer groups, bounded redelivery, and a dead-letter stream.
package bus

import (
	"encoding/json"
	"time"
)

// Event types. One stream per type.
const (
	EventBulkScanInitiated    = "BULK_SCAN_INITIATED"
	EventBulkScanMessageBatch = "BULK_SCAN_MESSAGE_BATCH"
	EventBulkScanProgress     = "BULK_SCAN_PROGRESS"
	EventBulkScanCompleted    = "BULK_SCAN_COMPLETED"
	EventBulkScanFailed       = "BULK_SCAN_FAILED"
	EventBulkScanResults      = "BULK_SCAN_RESULTS"
	EventNoteScoreUpdated     = "NOTE_SCORE_UPDATED"
	EventVisionRequested      = "VISION_DESCRIPTION_REQUESTED"
	EventVisionCompleted      = "VISION_DESCRIPTION_COMPLETED"
	EventAuditLogPersisted    = "AUDIT_LOG_PERSISTED"
	EventFactCheckIngested    = "FACT_CHECK_INGESTED"
	EventJobStatusChanged     = "JOB_STATUS_CHANGED"
)

// Meta carries cross-cutting event metadata.
type Meta struct {
	CorrelationID string `json:"correlation_id,omitempty"`
	Publisher     string `json:"publisher,omitempty"`
}

// Event is the wire envelope. ID is a UUIDv7 assigned at publish.
type Event struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	OccurredAt time.Time       `json:"occurred_at"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Meta       Meta            `json:"meta"`
}

// NewEvent builds an event with a marshalled payload.
func NewEvent(eventType string, payload any) (Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Event{}, err
	}
	return Event{Type: eventType, Payload: raw}, nil
}

// Decode unmarshals the payload into dst.
func (e Event) Decode(dst any) error {
	return json.Unmarshal(e.Payload, dst)
}
