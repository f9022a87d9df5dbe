// Package batchjobs runs durable batch jobs with a strict status DAG, a
// concurrent-creation guard per (job type, community server), and
// cache-backed progress counters.
package batchjobs

import (
	"encoding/json"
	"time"

	"github.com/uptrace/bun"
)

// Status is a batch job lifecycle state.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusInProgress Status = "IN_PROGRESS"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
	StatusCancelled  Status = "CANCELLED"
)

// IsTerminal reports whether the status absorbs further transitions.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// legalTransitions is the job status DAG. PENDING can fail directly: jobs
// whose dispatch never happened are swept as stale.
var legalTransitions = map[Status][]Status{
	StatusPending:    {StatusInProgress, StatusFailed, StatusCancelled},
	StatusInProgress: {StatusCompleted, StatusFailed, StatusCancelled},
}

// CanTransition reports whether from → to is a legal move.
func CanTransition(from, to Status) bool {
	for _, next := range legalTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// BatchJob is one durable batch job.
type BatchJob struct {
	bun.BaseModel `bun:"table:batch_jobs,alias:bj"`

	ID                string          `bun:"id,pk,type:uuid,default:gen_random_uuid()" json:"id"`
	JobType           string          `bun:"job_type,notnull" json:"job_type"`
	CommunityServerID string          `bun:"community_server_id,notnull" json:"community_server_id"`
	Status            Status          `bun:"status,notnull,default:'PENDING'" json:"status"`
	RequestedBy       string          `bun:"requested_by" json:"requested_by,omitempty"`
	Parameters        json.RawMessage `bun:"parameters,type:jsonb" json:"parameters,omitempty"`
	TotalItems        int             `bun:"total_items,notnull,default:0" json:"total_items"`
	ProcessedItems    int             `bun:"processed_items,notnull,default:0" json:"processed_items"`
	FailedItems       int             `bun:"failed_items,notnull,default:0" json:"failed_items"`
	Error             *string         `bun:"error" json:"error,omitempty"`
	Result            json.RawMessage `bun:"result,type:jsonb" json:"result,omitempty"`
	CreatedAt         time.Time       `bun:"created_at,notnull,default:now()" json:"created_at"`
	StartedAt         *time.Time      `bun:"started_at" json:"started_at,omitempty"`
	CompletedAt       *time.Time      `bun:"completed_at" json:"completed_at,omitempty"`
	UpdatedAt         time.Time       `bun:"updated_at,notnull,default:now()" json:"updated_at"`
}

// NewJob describes a job to create.
type NewJob struct {
	JobType           string          `json:"job_type"`
	CommunityServerID string          `json:"community_server_id"`
	RequestedBy       string          `json:"requested_by,omitempty"`
	Parameters        json.RawMessage `json:"parameters,omitempty"`
	TotalItems        int             `json:"total_items,omitempty"`
}

// Progress is the low-latency progress view of a running job.
type Progress struct {
	JobID          string  `json:"job_id"`
	Status         Status  `json:"status"`
	TotalItems     int     `json:"total_items"`
	ProcessedItems int     `json:"processed_items"`
	FailedItems    int     `json:"failed_items"`
	Percentage     float64 `json:"percentage"`
}

// ListParams filters a job listing.
type ListParams struct {
	Status            Status
	JobType           string
	CommunityServerID string
	Limit             int
	Offset            int
}
