// Package communityservers manages the servers enrolled in the notes
// program: identity, welcome message, and encrypted platform credentials.
package communityservers

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/uptrace/bun"
)

// CommunityServer is one enrolled platform server.
type CommunityServer struct {
	bun.BaseModel `bun:"table:community_servers,alias:cs"`

	ID               string          `bun:"id,pk,type:uuid,default:gen_random_uuid()" json:"id"`
	PlatformServerID string          `bun:"platform_server_id,notnull,unique" json:"platform_server_id"`
	Name             string          `bun:"name,notnull" json:"name"`
	WelcomeMessage   *string         `bun:"welcome_message" json:"welcome_message,omitempty"`
	Credentials      json.RawMessage `bun:"credentials,type:jsonb" json:"-"`
	Settings         json.RawMessage `bun:"settings,type:jsonb" json:"settings,omitempty"`
	CreatedAt        time.Time       `bun:"created_at,notnull,default:now()" json:"created_at"`
	UpdatedAt        time.Time       `bun:"updated_at,notnull,default:now()" json:"updated_at"`
}

// Credentials is the decrypted shape of the credentials envelope.
type Credentials map[string]string

// OptionalString distinguishes an absent JSON field from an explicit null:
// absent means no change, null clears, a string sets.
type OptionalString struct {
	Present bool
	Value   *string
}

// UnmarshalJSON implements json.Unmarshaler. It only runs when the field is
// present in the document, which is what carries the three-way semantics.
func (o *OptionalString) UnmarshalJSON(data []byte) error {
	o.Present = true
	if bytes.Equal(data, []byte("null")) {
		o.Value = nil
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	o.Value = &s
	return nil
}

// UpdateWelcomeMessageRequest is the PATCH welcome-message body.
type UpdateWelcomeMessageRequest struct {
	WelcomeMessage OptionalString `json:"welcome_message"`
}
