package webhooks

import (
	"encoding/json"
	"time"

	"github.com/lib/pq"
	"github.com/uptrace/bun"
)

// Endpoint is one registered outbound webhook. The secret is stored as an
// encrypted envelope, never plaintext.
type Endpoint struct {
	bun.BaseModel `bun:"table:webhook_endpoints,alias:we"`

	ID        string          `bun:"id,pk,type:uuid,default:gen_random_uuid()" json:"id"`
	URL       string          `bun:"url,notnull" json:"url"`
	Secret    json.RawMessage `bun:"secret,type:jsonb" json:"-"`
	Events    pq.StringArray  `bun:"events,type:text[]" json:"events"`
	Active    bool            `bun:"active,notnull,default:true" json:"active"`
	CreatedAt time.Time       `bun:"created_at,notnull,default:now()" json:"created_at"`
}

// Subscribed reports whether the endpoint wants an event type. An empty
// events list subscribes to everything.
func (e *Endpoint) Subscribed(eventType string) bool {
	if len(e.Events) == 0 {
		return true
	}
	for _, ev := range e.Events {
		if ev == eventType {
			return true
		}
	}
	return false
}

// RegisterRequest creates an endpoint.
type RegisterRequest struct {
	URL    string   `json:"url"`
	Secret string   `json:"secret"`
	Events []string `json:"events"`
}

// PlatformEvent is the inbound platform webhook body.
type PlatformEvent struct {
	Type      int             `json:"type"`
	EventType string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload"`
}
