// Package search is the hybrid retrieval engine: a pgvector cosine arm and a
// Postgres FTS keyword arm fused by convex combination, with per-dataset
// fusion weights and fire-and-forget analytics.
package search

import (
	"time"

	"github.com/uptrace/bun"
)

// DefaultAlpha is the semantic weight when no fusion weight row applies.
const DefaultAlpha = 0.7

// FusionWeight is one stored α. Keys are `alpha:{dataset}` plus the
// `alpha:default` fallback.
type FusionWeight struct {
	bun.BaseModel `bun:"table:fusion_weights,alias:fw"`

	Key       string    `bun:"key,pk" json:"key"`
	Alpha     float64   `bun:"alpha,notnull" json:"alpha"`
	UpdatedAt time.Time `bun:"updated_at,notnull,default:now()" json:"updated_at"`
}

// Analytics is one recorded search. Written asynchronously; losing a row
// never fails the search.
type Analytics struct {
	bun.BaseModel `bun:"table:search_analytics,alias:sa"`

	ID           string    `bun:"id,pk,type:uuid,default:gen_random_uuid()"`
	QueryHash    string    `bun:"query_hash,notnull"`
	Dataset      string    `bun:"dataset"`
	VectorCount  int       `bun:"vector_count,notnull,default:0"`
	KeywordCount int       `bun:"keyword_count,notnull,default:0"`
	LatencyMs    int       `bun:"latency_ms,notnull,default:0"`
	Alpha        float64   `bun:"alpha,notnull"`
	TopScore     float64   `bun:"top_score,notnull,default:0"`
	CreatedAt    time.Time `bun:"created_at,notnull,default:now()"`
}

// Request is one hybrid search.
type Request struct {
	Query             string   `json:"query" query:"q"`
	CommunityServerID string   `json:"community_server_id" query:"community_server_id"`
	Dataset           string   `json:"dataset" query:"dataset"`
	Kind              string   `json:"kind" query:"kind"`
	Limit             int      `json:"limit" query:"limit"`
	Alpha             *float64 `json:"alpha" query:"alpha"`
}

// ArmResult is one candidate from a single retrieval arm.
type ArmResult struct {
	ChunkID  string  `bun:"chunk_id"`
	ParentID string  `bun:"parent_id"`
	Content  string  `bun:"content"`
	Score    float64 `bun:"score"`
}

// Result is one fused hit.
type Result struct {
	ChunkID       string  `json:"chunk_id"`
	ParentID      string  `json:"parent_id"`
	Content       string  `json:"content"`
	Score         float64 `json:"score"`
	SemanticScore float64 `json:"-"`
	KeywordScore  float64 `json:"-"`
}

// Response is the search envelope attributes.
type Response struct {
	Results []Result `json:"results"`
	Alpha   float64  `json:"alpha"`
	Total   int      `json:"total"`
}
