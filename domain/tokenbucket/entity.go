// Package tokenbucket is a database-backed weighted semaphore for shared
// upstream capacity. Grants serialize on a FOR UPDATE read of the pool row,
// so the sum of active holds never exceeds capacity.
package tokenbucket

import (
	"time"

	"github.com/uptrace/bun"
)

// Pool is a named capacity budget.
type Pool struct {
	bun.BaseModel `bun:"table:token_bucket_pools,alias:tbp"`

	ID        string    `bun:"id,pk,type:uuid,default:gen_random_uuid()" json:"id"`
	Name      string    `bun:"name,notnull,unique" json:"name"`
	Capacity  int       `bun:"capacity,notnull" json:"capacity"`
	CreatedAt time.Time `bun:"created_at,notnull,default:now()" json:"created_at"`
	UpdatedAt time.Time `bun:"updated_at,notnull,default:now()" json:"updated_at"`
}

// Hold is a weighted lease on a pool.
type Hold struct {
	bun.BaseModel `bun:"table:token_holds,alias:th"`

	ID         string     `bun:"id,pk,type:uuid,default:gen_random_uuid()" json:"id"`
	PoolID     string     `bun:"pool_id,notnull,type:uuid" json:"pool_id"`
	HolderID   string     `bun:"holder_id,notnull" json:"holder_id"`
	Tokens     int        `bun:"tokens,notnull" json:"tokens"`
	AcquiredAt time.Time  `bun:"acquired_at,notnull,default:now()" json:"acquired_at"`
	ExpiresAt  time.Time  `bun:"expires_at,notnull" json:"expires_at"`
	ReleasedAt *time.Time `bun:"released_at" json:"released_at,omitempty"`
}

// Active reports whether the hold still counts against the pool.
func (h *Hold) Active(now time.Time) bool {
	return h.ReleasedAt == nil && h.ExpiresAt.After(now)
}

// OpenHold is one active lease as reported by Status.
type OpenHold struct {
	HolderID   string    `json:"holder_id"`
	Tokens     int       `json:"tokens"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Status is the observable state of a pool, open holds included so operators
// can see who is sitting on capacity.
type Status struct {
	Name        string     `json:"name"`
	Capacity    int        `json:"capacity"`
	Used        int        `json:"used"`
	Available   int        `json:"available"`
	ActiveHolds int        `json:"active_holds"`
	Holds       []OpenHold `json:"holds"`
}

// NewStatus assembles the pool view from its active holds.
func NewStatus(pool *Pool, holds []Hold) *Status {
	used := 0
	open := make([]OpenHold, 0, len(holds))
	for _, h := range holds {
		used += h.Tokens
		open = append(open, OpenHold{
			HolderID:   h.HolderID,
			Tokens:     h.Tokens,
			AcquiredAt: h.AcquiredAt,
			ExpiresAt:  h.ExpiresAt,
		})
	}
	return &Status{
		Name:        pool.Name,
		Capacity:    pool.Capacity,
		Used:        used,
		Available:   pool.Capacity - used,
		ActiveHolds: len(holds),
		Holds:       open,
	}
}
