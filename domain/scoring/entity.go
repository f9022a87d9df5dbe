package scoring

import (
	"time"

	"github.com/uptrace/bun"
)

// Run records one completed scoring pass for a community server.
type Run struct {
	bun.BaseModel `bun:"table:scoring_runs,alias:sr"`

	ID                string    `bun:"id,pk,type:uuid,default:gen_random_uuid()" json:"id"`
	CommunityServerID string    `bun:"community_server_id,notnull" json:"community_server_id"`
	Tier              Tier      `bun:"tier,notnull" json:"tier"`
	ParticipantCount  int       `bun:"participant_count,notnull" json:"participant_count"`
	NoteCount         int       `bun:"note_count,notnull" json:"note_count"`
	Source            string    `bun:"source,notnull" json:"source"`
	Degraded          bool      `bun:"degraded,notnull,default:false" json:"degraded"`
	CreatedAt         time.Time `bun:"created_at,notnull,default:now()" json:"created_at"`
}

// ServerStatus is the scoring posture of a community server, keyed on its
// total note count.
type ServerStatus struct {
	CommunityServerID    string     `json:"community_server_id"`
	Tier                 Tier       `json:"tier"`
	NoteCount            int        `json:"note_count"`
	ParticipantCount     int        `json:"participant_count"`
	Threshold            int        `json:"threshold"`
	ReadyForBatchScoring bool       `json:"ready_for_batch_scoring"`
	NotesUntilBatch      int        `json:"notes_until_batch"`
	NextTierThreshold    int        `json:"next_tier_threshold,omitempty"`
	LastRun              *Run       `json:"last_run,omitempty"`
	LastRunAt            *time.Time `json:"last_run_at,omitempty"`
}
