// Package bulkscan runs event-driven content scans over historical channel
// messages: moderation screening, flashpoint detection, and previously-seen
// similarity, fed by platform-collected message batches.
package bulkscan

import (
	"time"

	"github.com/lib/pq"
	"github.com/uptrace/bun"
)

// Scan statuses.
const (
	StatusInProgress = "IN_PROGRESS"
	StatusCompleted  = "COMPLETED"
	StatusFailed     = "FAILED"
)

// Flag reasons.
const (
	ReasonModeration     = "moderation"
	ReasonFlashpoint     = "flashpoint"
	ReasonPreviouslySeen = "previously_seen"
)

// Scan is one bulk content scan over a server's channels.
type Scan struct {
	bun.BaseModel `bun:"table:bulk_scans,alias:bs"`

	ID                string         `bun:"id,pk,type:uuid,default:gen_random_uuid()" json:"id"`
	CommunityServerID string         `bun:"community_server_id,notnull" json:"community_server_id"`
	ChannelIDs        pq.StringArray `bun:"channel_ids,type:text[]" json:"channel_ids"`
	WindowDays        int            `bun:"window_days,notnull" json:"window_days"`
	Status            string         `bun:"status,notnull" json:"status"`
	DebugMode         bool           `bun:"debug_mode,notnull,default:false" json:"debug_mode"`
	InitiatedBy       string         `bun:"initiated_by" json:"initiated_by"`
	LockToken         string         `bun:"lock_token" json:"-"`
	TotalMessages     int            `bun:"total_messages,notnull,default:0" json:"total_messages"`
	FlaggedCount      int            `bun:"flagged_count,notnull,default:0" json:"flagged_count"`
	ErrorMessage      string         `bun:"error_message" json:"error_message,omitempty"`
	StartedAt         time.Time      `bun:"started_at,notnull,default:now()" json:"started_at"`
	CompletedAt       *time.Time     `bun:"completed_at" json:"completed_at,omitempty"`
}

// IsTerminal reports whether the scan can still accept batches.
func (s *Scan) IsTerminal() bool {
	return s.Status == StatusCompleted || s.Status == StatusFailed
}

// FlaggedMessage is one flagged excerpt persisted on the scan.
type FlaggedMessage struct {
	bun.BaseModel `bun:"table:bulk_scan_flags,alias:bsf"`

	ID                string    `bun:"id,pk,type:uuid,default:gen_random_uuid()" json:"id"`
	ScanID            string    `bun:"scan_id,notnull,type:uuid" json:"scan_id"`
	PlatformMessageID string    `bun:"platform_message_id,notnull" json:"platform_message_id"`
	ChannelID         string    `bun:"channel_id" json:"channel_id"`
	AuthorID          string    `bun:"author_id" json:"author_id,omitempty"`
	Reason            string    `bun:"reason,notnull" json:"reason"`
	Score             float64   `bun:"score,notnull,default:0" json:"score"`
	Detail            string    `bun:"detail" json:"detail,omitempty"`
	Excerpt           string    `bun:"excerpt" json:"excerpt"`
	CreatedAt         time.Time `bun:"created_at,notnull,default:now()" json:"created_at"`
}

// StartRequest is the scan trigger body.
type StartRequest struct {
	ChannelIDs         []string `json:"channel_ids"`
	WindowDays         int      `json:"window_days"`
	VibecheckDebugMode bool     `json:"vibecheck_debug_mode"`
}

// Message is one collected channel message inside a batch event.
type Message struct {
	PlatformMessageID string    `json:"platform_message_id"`
	ChannelID         string    `json:"channel_id"`
	AuthorID          string    `json:"author_id"`
	Content           string    `json:"content"`
	SentAt            time.Time `json:"sent_at"`
}

// BatchEvent is the payload of a BULK_SCAN_MESSAGE_BATCH event published by
// the platform-side collector.
type BatchEvent struct {
	ScanID     string    `json:"scan_id"`
	BatchIndex int       `json:"batch_index"`
	Final      bool      `json:"final"`
	Messages   []Message `json:"messages"`
}

// MessageScore carries per-message detector output for debug progress events.
type MessageScore struct {
	PlatformMessageID string  `json:"platform_message_id"`
	Reason            string  `json:"reason,omitempty"`
	Score             float64 `json:"score"`
	Flagged           bool    `json:"flagged"`
}

// Progress is the live view of a running scan.
type Progress struct {
	ScanID         string `json:"scan_id"`
	Status         string `json:"status"`
	Batches        int    `json:"batches"`
	ProcessedCount int    `json:"processed_count"`
	FlaggedCount   int    `json:"flagged_count"`
}
