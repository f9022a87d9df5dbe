package scoring

import (
	"context"
	"time"
)

// Note is a community note awaiting a helpfulness score.
type Note struct {
	ID       string `json:"id"`
	AuthorID string `json:"author_id"`
	Content  string `json:"content,omitempty"`
}

// Rating is one participant's helpful/not-helpful vote on a note.
type Rating struct {
	NoteID  string `json:"note_id"`
	RaterID string `json:"rater_id"`
	Helpful bool   `json:"helpful"`
}

// Participant is anyone who wrote or rated a note on a community server.
type Participant struct {
	ID string `json:"id"`
}

// DataProvider supplies the scoring inputs for a community server. The notes
// domain backs it in production.
type DataProvider interface {
	Notes(ctx context.Context, communityServerID string) ([]Note, error)
	Ratings(ctx context.Context, communityServerID string) ([]Rating, error)
	Enrollment(ctx context.Context, communityServerID string) ([]Participant, error)
}

// ScoreInput is one scoring batch.
type ScoreInput struct {
	CommunityServerID string        `json:"community_server_id,omitempty"`
	Notes             []Note        `json:"notes"`
	Ratings           []Rating      `json:"ratings"`
	Enrollment        []Participant `json:"enrollment"`
	Tier              Tier          `json:"tier"`
	TierConfig        TierConfig    `json:"tier_config"`
}

// NoteScore is one scored note.
type NoteScore struct {
	NoteID      string  `json:"note_id"`
	Score       float64 `json:"score"`
	RatingCount int     `json:"rating_count"`
}

// ScoreOutput is a scored batch plus provenance metadata.
type ScoreOutput struct {
	Scores   []NoteScore   `json:"scores"`
	Tier     Tier          `json:"tier"`
	Metadata ScoreMetadata `json:"metadata"`
}

// ScoreMetadata records where a result came from and whether it is degraded.
type ScoreMetadata struct {
	Source   string    `json:"source"`
	Degraded bool      `json:"degraded"`
	ScoredAt time.Time `json:"scored_at"`
}

// Scorer produces note scores for a batch.
type Scorer interface {
	Score(ctx context.Context, input ScoreInput) (ScoreOutput, error)
}
