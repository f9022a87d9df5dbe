// Package similarity tracks previously-seen messages and answers "have we
// seen something like this before" through nearest-neighbor search over
// their chunks.
package similarity

import (
	"time"

	"github.com/uptrace/bun"
)

// Message is one previously-seen message.
type Message struct {
	bun.BaseModel `bun:"table:previously_seen_messages,alias:psm"`

	ID                string    `bun:"id,pk,type:uuid,default:gen_random_uuid()" json:"id"`
	CommunityServerID string    `bun:"community_server_id,notnull" json:"community_server_id"`
	PlatformMessageID string    `bun:"platform_message_id,notnull" json:"platform_message_id"`
	Content           string    `bun:"content,notnull" json:"content"`
	AuthorID          string    `bun:"author_id" json:"author_id,omitempty"`
	Flagged           bool      `bun:"flagged,notnull,default:false" json:"flagged"`
	NoteID            *string   `bun:"note_id,type:uuid" json:"note_id,omitempty"`
	CreatedAt         time.Time `bun:"created_at,notnull,default:now()" json:"created_at"`
}

// Match is one similar message with its best chunk.
type Match struct {
	MessageID         string  `bun:"message_id" json:"message_id"`
	PlatformMessageID string  `bun:"platform_message_id" json:"platform_message_id"`
	Content           string  `bun:"content" json:"content"`
	Flagged           bool    `bun:"flagged" json:"flagged"`
	NoteID            *string `bun:"note_id" json:"note_id,omitempty"`
	Score             float64 `bun:"score" json:"score"`
	MatchedChunk      string  `bun:"matched_chunk" json:"matched_chunk"`
}

// CheckRequest is the single-message similarity probe.
type CheckRequest struct {
	Content   string   `json:"content"`
	Limit     int      `json:"limit,omitempty"`
	Threshold *float64 `json:"threshold,omitempty"`
}
