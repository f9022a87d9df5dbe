// Package notes holds the minimal community-note model backing scoring and
// similarity: notes, helpfulness ratings, and note requests.
package notes

import (
	"time"

	"github.com/uptrace/bun"
)

// Note statuses.
const (
	StatusPending   = "pending"
	StatusPublished = "published"
	StatusRejected  = "rejected"
)

// Note is one community note attached to a platform message.
type Note struct {
	bun.BaseModel `bun:"table:notes,alias:n"`

	ID                  string    `bun:"id,pk,type:uuid,default:gen_random_uuid()" json:"id"`
	CommunityServerID   string    `bun:"community_server_id,notnull" json:"community_server_id"`
	PlatformMessageID   string    `bun:"platform_message_id,notnull" json:"platform_message_id"`
	AuthorParticipantID string    `bun:"author_participant_id,notnull" json:"author_participant_id"`
	Content             string    `bun:"content,notnull" json:"content"`
	Status              string    `bun:"status,notnull,default:'pending'" json:"status"`
	CreatedAt           time.Time `bun:"created_at,notnull,default:now()" json:"created_at"`
}

// Rating is one participant's helpful vote on a note.
type Rating struct {
	bun.BaseModel `bun:"table:note_ratings,alias:nr"`

	ID                 string    `bun:"id,pk,type:uuid,default:gen_random_uuid()" json:"id"`
	NoteID             string    `bun:"note_id,notnull" json:"note_id"`
	RaterParticipantID string    `bun:"rater_participant_id,notnull" json:"rater_participant_id"`
	Helpful            bool      `bun:"helpful,notnull" json:"helpful"`
	CreatedAt          time.Time `bun:"created_at,notnull,default:now()" json:"created_at"`
}

// Request is a participant asking for a note on a message.
type Request struct {
	bun.BaseModel `bun:"table:note_requests,alias:nq"`

	ID                string    `bun:"id,pk,type:uuid,default:gen_random_uuid()" json:"id"`
	CommunityServerID string    `bun:"community_server_id,notnull" json:"community_server_id"`
	PlatformMessageID string    `bun:"platform_message_id,notnull" json:"platform_message_id"`
	RequesterID       string    `bun:"requester_id,notnull" json:"requester_id"`
	CreatedAt         time.Time `bun:"created_at,notnull,default:now()" json:"created_at"`
}

// ListParams filters a note listing.
type ListParams struct {
	CommunityServerID string
	Status            string
	Limit             int
	Offset            int
}
