// Package factchecks manages fact-check datasets: manifest imports, URL
// scraping, and promotion of candidates into the searchable corpus.
package factchecks

import (
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/uptrace/bun"
	"github.com/zeebo/xxh3"
)

// Candidate statuses. SCRAPING and PROMOTING mark work in flight so a crash
// mid-operation leaves a row the next attempt can recognize and resume.
type Status string

const (
	StatusNew       Status = "NEW"
	StatusScraping  Status = "SCRAPING"
	StatusScraped   Status = "SCRAPED"
	StatusPromoting Status = "PROMOTING"
	StatusPromoted  Status = "PROMOTED"
	StatusRejected  Status = "REJECTED"
	StatusFailed    Status = "FAILED"
)

var legalTransitions = map[Status][]Status{
	StatusNew:       {StatusScraping, StatusPromoting, StatusRejected},
	StatusScraping:  {StatusScraped, StatusFailed},
	StatusScraped:   {StatusPromoting, StatusRejected},
	StatusPromoting: {StatusPromoted},
	StatusFailed:    {StatusScraping, StatusRejected},
}

// CanTransition reports whether a candidate may move from one status to
// another. NEW→PROMOTING is only legal for candidates carrying full text; the
// service enforces that extra condition. A PROMOTING row without a linked
// item is a promotion interrupted mid-flight and may be promoted again.
func CanTransition(from, to Status) bool {
	for _, t := range legalTransitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// Candidate is one fact-check source awaiting scrape and promotion.
type Candidate struct {
	bun.BaseModel `bun:"table:fact_check_candidates,alias:cand"`

	ID             string         `bun:"id,pk,type:uuid,default:gen_random_uuid()" json:"id"`
	SourceURL      string         `bun:"source_url,notnull" json:"source_url"`
	ClaimHash      string         `bun:"claim_hash,notnull" json:"claim_hash"`
	DatasetName    string         `bun:"dataset_name,notnull" json:"dataset_name"`
	Title          string         `bun:"title" json:"title,omitempty"`
	ClaimText      string         `bun:"claim_text" json:"claim_text,omitempty"`
	RatingLabel    string         `bun:"rating_label" json:"rating_label,omitempty"`
	Tags           pq.StringArray `bun:"tags,type:text[]" json:"tags,omitempty"`
	Status         Status         `bun:"status,notnull,default:'NEW'" json:"status"`
	FailureReason  string         `bun:"failure_reason" json:"failure_reason,omitempty"`
	ScrapedAt      *time.Time     `bun:"scraped_at" json:"scraped_at,omitempty"`
	PromotedItemID *string        `bun:"promoted_item_id,type:uuid" json:"promoted_item_id,omitempty"`
	CreatedAt      time.Time      `bun:"created_at,notnull,default:now()" json:"created_at"`
	UpdatedAt      time.Time      `bun:"updated_at,notnull,default:now()" json:"updated_at"`
}

// Item is one promoted fact check in the searchable corpus.
type Item struct {
	bun.BaseModel `bun:"table:fact_check_items,alias:fci"`

	ID          string     `bun:"id,pk,type:uuid,default:gen_random_uuid()" json:"id"`
	DatasetName string     `bun:"dataset_name,notnull" json:"dataset_name"`
	SourceURL   string     `bun:"source_url,notnull" json:"source_url"`
	Title       string     `bun:"title" json:"title,omitempty"`
	ClaimText   string     `bun:"claim_text,notnull" json:"claim_text"`
	Verdict     string     `bun:"verdict" json:"verdict,omitempty"`
	PublishedAt *time.Time `bun:"published_at" json:"published_at,omitempty"`
	CreatedAt   time.Time  `bun:"created_at,notnull,default:now()" json:"created_at"`
}

// Manifest is the YAML import document for one dataset.
type Manifest struct {
	Dataset string         `yaml:"dataset"`
	Sources []ManifestItem `yaml:"sources"`
}

// ManifestItem is one source reference. Claim and rating are optional; rows
// carrying full claim text can be promoted without a scrape.
type ManifestItem struct {
	URL    string   `yaml:"url"`
	Title  string   `yaml:"title,omitempty"`
	Claim  string   `yaml:"claim,omitempty"`
	Rating string   `yaml:"rating,omitempty"`
	Tags   []string `yaml:"tags,omitempty"`
}

// ListParams filters candidate listings.
type ListParams struct {
	DatasetName string
	Status      Status
	Limit       int
	Offset      int
}

// ClaimHash derives the dedup hash: the hex XXH3-64 of the normalized claim.
// Normalization lowercases and collapses whitespace so cosmetic edits of the
// same claim dedupe. Empty claims hash the source URL instead.
func ClaimHash(claim, sourceURL string) string {
	normalized := strings.Join(strings.Fields(strings.ToLower(claim)), " ")
	if normalized == "" {
		normalized = sourceURL
	}
	return fmt.Sprintf("%016x", xxh3.HashString(normalized))
}
