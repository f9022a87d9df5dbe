package factchecks

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/opennotes-dev/opennotes-server/domain/chunks"
	"github.com/opennotes-dev/opennotes-server/internal/bus"
	"github.com/opennotes-dev/opennotes-server/internal/workflow"
	"github.com/opennotes-dev/opennotes-server/pkg/apperror"
	"github.com/opennotes-dev/opennotes-server/pkg/logger"
)

const (
	// ScrapeWorkflow drains the scraping queue.
	ScrapeWorkflow = "scrape-fact-check"
	ScrapeQueue    = "scraping"
)

// ImportResult summarizes one manifest import.
type ImportResult struct {
	Dataset  string `json:"dataset"`
	Total    int    `json:"total"`
	Imported int    `json:"imported"`
	Skipped  int    `json:"skipped"`
	Enqueued int    `json:"enqueued"`
}

// Service coordinates dataset imports, scraping, and promotion.
type Service struct {
	repo    *Repository
	chunks  *chunks.Service
	wf      *workflow.Engine
	bus     *bus.Bus
	scraper *scraper
	log     *slog.Logger
}

// NewService creates the fact-check service
func NewService(
	repo *Repository,
	chunkSvc *chunks.Service,
	engine *workflow.Engine,
	eventBus *bus.Bus,
	log *slog.Logger,
) *Service {
	return &Service{
		repo:    repo,
		chunks:  chunkSvc,
		wf:      engine,
		bus:     eventBus,
		scraper: newScraper(),
		log:     log.With(logger.Scope("factchecks")),
	}
}

// Import parses a YAML dataset manifest, inserts candidates idempotently, and
// enqueues scrapes for rows without claim text.
func (s *Service) Import(ctx context.Context, manifest []byte) (*ImportResult, error) {
	var m Manifest
	if err := yaml.Unmarshal(manifest, &m); err != nil {
		return nil, apperror.NewBadRequest("invalid manifest: " + err.Error())
	}
	if strings.TrimSpace(m.Dataset) == "" {
		return nil, apperror.NewValidation("dataset name is required", "/dataset")
	}
	if len(m.Sources) == 0 {
		return nil, apperror.NewValidation("sources must not be empty", "/sources")
	}

	candidates := make([]Candidate, 0, len(m.Sources))
	for i, src := range m.Sources {
		if strings.TrimSpace(src.URL) == "" {
			return nil, apperror.NewValidation("source url is required", fmt.Sprintf("/sources/%d/url", i))
		}
		candidates = append(candidates, Candidate{
			SourceURL:   src.URL,
			ClaimHash:   ClaimHash(src.Claim, src.URL),
			DatasetName: m.Dataset,
			Title:       src.Title,
			ClaimText:   src.Claim,
			RatingLabel: src.Rating,
			Tags:        src.Tags,
			Status:      StatusNew,
		})
	}

	imported, err := s.repo.ImportCandidates(ctx, candidates)
	if err != nil {
		return nil, err
	}

	enqueued, err := s.enqueueScrapes(ctx, m.Dataset)
	if err != nil {
		// Candidates are in; scrapes re-enqueue on the next import.
		s.log.Warn("scrape enqueue failed after import",
			slog.String("dataset", m.Dataset), logger.Error(err))
	}

	result := &ImportResult{
		Dataset:  m.Dataset,
		Total:    len(candidates),
		Imported: imported,
		Skipped:  len(candidates) - imported,
		Enqueued: enqueued,
	}
	candidatesImported.Add(float64(imported))
	s.log.Info("manifest imported",
		slog.String("dataset", result.Dataset),
		slog.Int("imported", result.Imported),
		slog.Int("skipped", result.Skipped),
		slog.Int("enqueued", result.Enqueued),
	)
	return result, nil
}

// enqueueScrapes schedules one scrape workflow per candidate still missing
// claim text. Dedup keys keep re-imports from stacking duplicate runs.
func (s *Service) enqueueScrapes(ctx context.Context, datasetName string) (int, error) {
	if s.wf == nil {
		return 0, nil
	}
	pending, err := s.repo.ListScrapeable(ctx, datasetName)
	if err != nil {
		return 0, err
	}

	enqueued := 0
	for _, cand := range pending {
		_, created, err := s.wf.Enqueue(ctx, workflow.EnqueueRequest{
			Workflow: ScrapeWorkflow,
			Queue:    ScrapeQueue,
			Input:    map[string]string{"candidate_id": cand.ID},
			DedupKey: "scrape:" + cand.ID,
		})
		if err != nil {
			return enqueued, err
		}
		if created {
			enqueued++
		}
	}
	return enqueued, nil
}

// RegisterWorkflows registers the scrape workflow.
func RegisterWorkflows(registry *workflow.Registry, svc *Service) {
	registry.MustRegister(ScrapeWorkflow, svc.scrapeWorkflow)
}

type scrapeInput struct {
	CandidateID string `json:"candidate_id"`
}

// scrapeWorkflow fetches one candidate's source page. Transient fetch
// failures surface as workflow errors for bounded retry; a candidate that
// moved on since enqueue is a no-op.
func (s *Service) scrapeWorkflow(run *workflow.Run, input json.RawMessage) (json.RawMessage, error) {
	var in scrapeInput
	if err := json.Unmarshal(input, &in); err != nil {
		return nil, fmt.Errorf("decode scrape input: %w", err)
	}

	ctx := run.Context()
	cand, err := s.repo.GetCandidate(ctx, in.CandidateID)
	if err != nil {
		return nil, err
	}
	switch cand.Status {
	case StatusNew, StatusFailed:
		if cand, err = s.repo.MarkScraping(ctx, cand.ID, cand.Status); err != nil {
			return nil, err
		}
	case StatusScraping:
		// A crash left the claim in place; resume the fetch.
	default:
		s.log.Debug("candidate no longer scrapeable, skipping",
			slog.String("candidate_id", cand.ID), slog.String("status", string(cand.Status)))
		return json.Marshal(map[string]string{"status": string(cand.Status)})
	}

	result, err := s.scraper.scrape(ctx, cand.SourceURL)
	if err != nil {
		if _, ferr := s.repo.MarkFailed(ctx, cand.ID, StatusScraping, err.Error()); ferr != nil {
			s.log.Warn("failed to record scrape failure",
				slog.String("candidate_id", cand.ID), logger.Error(ferr))
		}
		return nil, err
	}

	scraped, err := s.repo.MarkScraped(ctx, cand.ID, StatusScraping, result.Title, result.Claim, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	candidatesScraped.Inc()

	return json.Marshal(map[string]string{"status": string(scraped.Status)})
}

// Promote turns a candidate into a corpus item, chunks it under the global
// scope, and announces the ingest. Idempotent for already promoted rows.
func (s *Service) Promote(ctx context.Context, candidateID string) (*Item, error) {
	item, created, err := s.repo.Promote(ctx, candidateID, func(cand *Candidate) *Item {
		return &Item{
			DatasetName: cand.DatasetName,
			SourceURL:   cand.SourceURL,
			Title:       cand.Title,
			ClaimText:   cand.ClaimText,
			Verdict:     cand.RatingLabel,
		}
	})
	if err != nil {
		return nil, err
	}
	if !created {
		return item, nil
	}

	if _, err := s.chunks.UpsertText(ctx, chunks.Parent{
		Kind:              chunks.KindFactChecks,
		ID:                item.ID,
		CommunityServerID: chunks.ScopeAll,
	}, itemText(item)); err != nil {
		// The item exists; the rechunk pipeline repairs missing links.
		s.log.Error("failed to chunk promoted item",
			slog.String("item_id", item.ID), logger.Error(err))
	}

	s.publishIngested(ctx, item)
	itemsPromoted.Inc()
	return item, nil
}

// ListCandidates proxies the admin listing.
func (s *Service) ListCandidates(ctx context.Context, params ListParams) ([]Candidate, int, error) {
	return s.repo.ListCandidates(ctx, params)
}

func (s *Service) publishIngested(ctx context.Context, item *Item) {
	if s.bus == nil {
		return
	}
	event, err := bus.NewEvent(bus.EventFactCheckIngested, map[string]string{
		"item_id":      item.ID,
		"dataset_name": item.DatasetName,
		"source_url":   item.SourceURL,
	})
	if err != nil {
		s.log.Error("failed to build ingest event", logger.Error(err))
		return
	}
	if err := s.bus.Publish(ctx, event); err != nil {
		s.log.Error("failed to publish ingest event", logger.Error(err))
	}
}

// itemText is the chunkable representation of an item.
func itemText(item *Item) string {
	if item.Title == "" {
		return item.ClaimText
	}
	return item.Title + "\n\n" + item.ClaimText
}

// chunkSource streams promoted items for the rechunk pipeline.
type chunkSource struct {
	repo *Repository
}

// NewChunkSource exposes fact-check items as a rechunk source.
func NewChunkSource(repo *Repository) chunks.Source {
	return &chunkSource{repo: repo}
}

func (cs *chunkSource) Kind() string { return chunks.KindFactChecks }

func (cs *chunkSource) Batch(ctx context.Context, afterID string, limit int) ([]chunks.SourceRow, error) {
	items, err := cs.repo.BatchItems(ctx, afterID, limit)
	if err != nil {
		return nil, err
	}
	rows := make([]chunks.SourceRow, 0, len(items))
	for _, item := range items {
		rows = append(rows, chunks.SourceRow{
			ID:                item.ID,
			CommunityServerID: chunks.ScopeAll,
			Text:              itemText(&item),
		})
	}
	return rows, nil
}
