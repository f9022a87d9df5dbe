// Package workflow is the durable orchestrator: queue-backed workflow
// executions with persisted step results, bounded retries, and cron-scheduled
// recurring workflows.
package workflow

import (
	"encoding/json"
	"time"

	"github.com/uptrace/bun"
)

// Status is the execution lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// IsTerminal reports whether the status absorbs further transitions.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Execution is one durable workflow run.
type Execution struct {
	bun.BaseModel `bun:"table:workflow_executions,alias:we"`

	ID           string          `bun:"id,pk,type:uuid,default:gen_random_uuid()" json:"id"`
	WorkflowName string          `bun:"workflow_name,notnull" json:"workflow_name"`
	Queue        string          `bun:"queue,notnull" json:"queue"`
	DedupKey     *string         `bun:"dedup_key" json:"dedup_key,omitempty"`
	Status       Status          `bun:"status,notnull,default:'pending'" json:"status"`
	Input        json.RawMessage `bun:"input,type:jsonb" json:"input,omitempty"`
	Output       json.RawMessage `bun:"output,type:jsonb" json:"output,omitempty"`
	Error        *string         `bun:"error" json:"error,omitempty"`
	Attempt      int             `bun:"attempt,notnull,default:0" json:"attempt"`
	MaxAttempts  int             `bun:"max_attempts,notnull,default:3" json:"max_attempts"`
	Priority     int             `bun:"priority,notnull,default:0" json:"priority"`
	ScheduledAt  time.Time       `bun:"scheduled_at,notnull,default:now()" json:"scheduled_at"`
	StartedAt    *time.Time      `bun:"started_at" json:"started_at,omitempty"`
	CompletedAt  *time.Time      `bun:"completed_at" json:"completed_at,omitempty"`
	CreatedAt    time.Time       `bun:"created_at,notnull,default:now()" json:"created_at"`
	UpdatedAt    time.Time       `bun:"updated_at,notnull,default:now()" json:"updated_at"`
}

// StepRecord is a persisted step outcome, keyed (execution_id, step_id).
// A completed record short-circuits re-execution when the workflow retries.
type StepRecord struct {
	bun.BaseModel `bun:"table:workflow_steps,alias:ws"`

	ExecutionID string          `bun:"execution_id,pk,type:uuid" json:"execution_id"`
	StepID      string          `bun:"step_id,pk" json:"step_id"`
	Status      string          `bun:"status,notnull" json:"status"`
	Output      json.RawMessage `bun:"output,type:jsonb" json:"output,omitempty"`
	Error       *string         `bun:"error" json:"error,omitempty"`
	Attempt     int             `bun:"attempt,notnull,default:0" json:"attempt"`
	StartedAt   *time.Time      `bun:"started_at" json:"started_at,omitempty"`
	CompletedAt *time.Time      `bun:"completed_at" json:"completed_at,omitempty"`
}

const (
	stepCompleted = "completed"
	stepFailed    = "failed"
)

// EnqueueRequest describes a new execution.
type EnqueueRequest struct {
	Workflow    string
	Queue       string
	Input       any
	DedupKey    string
	Priority    int
	RunAt       time.Time
	MaxAttempts int
}
