// Package audit keeps an async trail of mutating API activity. Submission
// never blocks the request path: entries queue into a bounded worker pool and
// overflow is dropped, counted, and logged.
package audit

import (
	"encoding/json"
	"time"

	"github.com/uptrace/bun"
)

// Log is one persisted audit record.
type Log struct {
	bun.BaseModel `bun:"table:audit_logs,alias:al"`

	ID                string          `bun:"id,pk,type:uuid,default:gen_random_uuid()" json:"id"`
	ActorID           string          `bun:"actor_id" json:"actor_id,omitempty"`
	ActorRole         string          `bun:"actor_role" json:"actor_role,omitempty"`
	Action            string          `bun:"action,notnull" json:"action"`
	ResourceType      string          `bun:"resource_type" json:"resource_type,omitempty"`
	ResourceID        string          `bun:"resource_id" json:"resource_id,omitempty"`
	CommunityServerID string          `bun:"community_server_id" json:"community_server_id,omitempty"`
	Payload           json.RawMessage `bun:"payload,type:jsonb" json:"payload,omitempty"`
	RecordedAt        time.Time       `bun:"recorded_at,notnull,default:now()" json:"recorded_at"`
}

// Entry is a submission into the recorder.
type Entry struct {
	ActorID           string
	ActorRole         string
	Action            string
	ResourceType      string
	ResourceID        string
	CommunityServerID string
	Payload           any
}
