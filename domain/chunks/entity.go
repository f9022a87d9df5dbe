// Package chunks stores deduplicated text chunks shared across fact-check
// items and previously-seen messages. Chunk rows are keyed by content hash;
// link tables tie them back to their parents, and a background worker fills
// in embeddings for rows that still carry NULL.
package chunks

import (
	"time"

	"github.com/uptrace/bun"
)

// Link kinds. Each kind has its own link table and rechunk pipeline.
const (
	KindFactChecks     = "fact-checks"
	KindPreviouslySeen = "previously-seen"
)

// ScopeAll marks links that belong to every community server. Fact-check
// datasets are a shared corpus, so their links carry this scope.
const ScopeAll = "all"

// ChunkEmbedding is one deduplicated chunk. The embedding column is
// vector(1536), written through raw SQL with pgutils.FormatVector; a NULL
// embedding marks the row as pending for the embedding worker.
type ChunkEmbedding struct {
	bun.BaseModel `bun:"table:chunk_embeddings,alias:ce"`

	ID          string    `bun:"id,pk,type:uuid,default:gen_random_uuid()" json:"id"`
	ContentHash string    `bun:"content_hash,notnull,unique" json:"content_hash"`
	Content     string    `bun:"content,notnull" json:"content"`
	TokenCount  int       `bun:"token_count,notnull,default:0" json:"token_count"`
	HasEmbedding bool     `bun:"has_embedding,scanonly" json:"has_embedding"`
	CreatedAt   time.Time `bun:"created_at,notnull,default:now()" json:"created_at"`
	UpdatedAt   time.Time `bun:"updated_at,notnull,default:now()" json:"updated_at"`
}

// FactCheckChunk links a chunk to a fact-check item.
type FactCheckChunk struct {
	bun.BaseModel `bun:"table:fact_check_chunks,alias:fcc"`

	ChunkID           string `bun:"chunk_id,pk,type:uuid"`
	ItemID            string `bun:"item_id,pk,type:uuid"`
	CommunityServerID string `bun:"community_server_id"`
	ChunkIndex        int    `bun:"chunk_index,notnull"`
}

// PreviouslySeenChunk links a chunk to a previously-seen message.
type PreviouslySeenChunk struct {
	bun.BaseModel `bun:"table:previously_seen_chunks,alias:psc"`

	ChunkID           string `bun:"chunk_id,pk,type:uuid"`
	MessageID         string `bun:"message_id,pk,type:uuid"`
	CommunityServerID string `bun:"community_server_id"`
	ChunkIndex        int    `bun:"chunk_index,notnull"`
}

// Parent identifies the row a set of chunks belongs to.
type Parent struct {
	Kind              string
	ID                string
	CommunityServerID string
}

// SourceRow is one re-chunkable source record.
type SourceRow struct {
	ID                string
	CommunityServerID string
	Text              string
}
