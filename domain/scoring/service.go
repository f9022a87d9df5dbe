package scoring

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/uptrace/bun"

	"github.com/opennotes-dev/opennotes-server/internal/bus"
	"github.com/opennotes-dev/opennotes-server/internal/cache"
	"github.com/opennotes-dev/opennotes-server/internal/config"
	"github.com/opennotes-dev/opennotes-server/internal/workflow"
	"github.com/opennotes-dev/opennotes-server/pkg/apperror"
	"github.com/opennotes-dev/opennotes-server/pkg/circuit"
	"github.com/opennotes-dev/opennotes-server/pkg/logger"
)

// WorkflowScoreServer is the durable workflow that scores one community
// server end to end.
const WorkflowScoreServer = "score-community-server"

// ScoreQueue is the workflow queue scoring runs on.
const ScoreQueue = "scoring"

// Service is the scoring adapter.
type Service struct {
	db       bun.IDB
	cache    *cache.Client
	bus      *bus.Bus
	provider DataProvider
	engine   Scorer
	stub     *BayesianAverageScorer
	breaker  *circuit.Breaker
	wf       *workflow.Engine
	cfg      *config.Config
	log      *slog.Logger
}

// NewService creates the scoring service. The engine scorer is nil when
// SCORING_ENGINE_URL is unset; every batch then uses the stub.
func NewService(
	db *bun.DB,
	cacheClient *cache.Client,
	eventBus *bus.Bus,
	provider DataProvider,
	breakers *circuit.Registry,
	wf *workflow.Engine,
	cfg *config.Config,
	log *slog.Logger,
) *Service {
	svc := &Service{
		db:       db,
		cache:    cacheClient,
		bus:      eventBus,
		provider: provider,
		stub:     NewBayesianAverageScorer(),
		wf:       wf,
		cfg:      cfg,
		log:      log.With(logger.Scope("scoring")),
	}
	if cfg.Scoring.EngineConfigured() {
		svc.engine = NewEngineClient(cfg.Scoring.EngineURL, cfg.Scoring.EngineTimeout)
		svc.breaker = breakers.Get("scoring-engine", circuit.Config{
			FailureThreshold: cfg.CircuitBreaker.FailureThreshold,
			RecoveryTimeout:  cfg.CircuitBreaker.RecoveryTimeoutDuration(),
			HalfOpenMaxCalls: cfg.CircuitBreaker.HalfOpenMaxCalls,
		})
	}
	return svc
}

// Score scores one batch. Engine failures degrade to the Bayesian stub; the
// degraded result is cached so a failing engine is not re-consulted for
// every request within the stub cache TTL.
func (s *Service) Score(ctx context.Context, input ScoreInput) (ScoreOutput, error) {
	if len(input.Notes) == 0 {
		return ScoreOutput{}, apperror.NewValidation("notes must not be empty", "/data/attributes/notes")
	}
	if len(input.Ratings) == 0 {
		return ScoreOutput{}, apperror.NewValidation("ratings must not be empty", "/data/attributes/ratings")
	}

	if input.Tier == "" {
		input.Tier = TierFor(len(input.Notes))
	}
	input.TierConfig = ConfigFor(input.Tier)

	// MINIMAL communities score with bayes locally; there is nothing for the
	// matrix-factorization engine to learn from.
	if s.engine == nil || input.Tier == TierMinimal {
		out, err := s.stub.Score(ctx, input)
		if err != nil {
			return ScoreOutput{}, err
		}
		s.publishScored(ctx, input.CommunityServerID, out)
		return out, nil
	}

	var out ScoreOutput
	err := s.breaker.Do(ctx, func(ctx context.Context) error {
		var engineErr error
		out, engineErr = s.engine.Score(ctx, input)
		return engineErr
	})
	if err == nil {
		s.publishScored(ctx, input.CommunityServerID, out)
		return out, nil
	}

	s.log.Warn("scoring engine unavailable, degrading to stub",
		slog.String("community_server_id", input.CommunityServerID),
		slog.String("tier", string(input.Tier)),
		logger.Error(err),
	)
	return s.degradedScore(ctx, input)
}

func (s *Service) degradedScore(ctx context.Context, input ScoreInput) (ScoreOutput, error) {
	cacheKey := s.cache.Key("scoring", "stub", input.CommunityServerID)

	if input.CommunityServerID != "" {
		var cached ScoreOutput
		if hit, err := s.cache.GetJSON(ctx, cacheKey, &cached); err == nil && hit {
			return cached, nil
		}
	}

	out, err := s.stub.Score(ctx, input)
	if err != nil {
		return ScoreOutput{}, err
	}
	out.Metadata.Source = "batch_stub"
	out.Metadata.Degraded = true

	if input.CommunityServerID != "" {
		if err := s.cache.SetJSON(ctx, cacheKey, out, s.cfg.Scoring.StubCacheTTL); err != nil {
			s.log.Warn("failed to cache degraded score", logger.Error(err))
		}
	}
	s.publishScored(ctx, input.CommunityServerID, out)
	return out, nil
}

func (s *Service) publishScored(ctx context.Context, communityServerID string, out ScoreOutput) {
	if s.bus == nil {
		return
	}
	event, err := bus.NewEvent(bus.EventNoteScoreUpdated, map[string]any{
		"community_server_id": communityServerID,
		"note_count":          len(out.Scores),
		"tier":                out.Tier,
		"source":              out.Metadata.Source,
		"degraded":            out.Metadata.Degraded,
	})
	if err == nil {
		err = s.bus.Publish(ctx, event)
	}
	if err != nil {
		s.log.Warn("failed to publish score update", logger.Error(err))
	}
}

// ShouldTrigger reports whether a community server carries enough notes for
// batch scoring.
func (s *Service) ShouldTrigger(ctx context.Context, communityServerID string) (bool, int, error) {
	notes, err := s.provider.Notes(ctx, communityServerID)
	if err != nil {
		return false, 0, err
	}
	n := len(notes)
	return n >= s.cfg.Scoring.TriggerThreshold, n, nil
}

// TriggerScore enqueues the scoring workflow for a community server. The
// dedup key collapses concurrent triggers; an already-active run is reported
// as a conflict.
func (s *Service) TriggerScore(ctx context.Context, communityServerID string) (*workflow.Execution, error) {
	ok, n, err := s.ShouldTrigger(ctx, communityServerID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, apperror.NewValidation(
			fmt.Sprintf("community server has %d notes, batch scoring requires %d", n, s.cfg.Scoring.TriggerThreshold),
			"/data/attributes/community_server_id",
		)
	}

	exec, created, err := s.wf.Enqueue(ctx, workflow.EnqueueRequest{
		Workflow: WorkflowScoreServer,
		Queue:    ScoreQueue,
		Input:    map[string]string{"community_server_id": communityServerID},
		DedupKey: "score:" + communityServerID,
	})
	if err != nil {
		return nil, err
	}
	if !created {
		return exec, apperror.NewConflict("a scoring run is already active for this community server").
			WithDetails(map[string]any{"workflow_id": exec.ID})
	}
	return exec, nil
}

// ObserveNoteCount starts batch scoring when a note-count change crosses the
// trigger threshold. Trigger failures never fail the caller; an already
// active run already satisfies the crossing.
func (s *Service) ObserveNoteCount(ctx context.Context, communityServerID string, prev, curr int) {
	if !CheckTransition(prev, curr, s.cfg.Scoring.TriggerThreshold) {
		return
	}
	if _, err := s.TriggerScore(ctx, communityServerID); err != nil {
		s.log.Warn("failed to trigger batch scoring on threshold crossing",
			slog.String("community_server_id", communityServerID),
			slog.Int("note_count", curr),
			logger.Error(err),
		)
	}
}

// Status reports the scoring posture of a community server.
func (s *Service) Status(ctx context.Context, communityServerID string) (*ServerStatus, error) {
	notes, err := s.provider.Notes(ctx, communityServerID)
	if err != nil {
		return nil, err
	}
	n := len(notes)
	threshold := s.cfg.Scoring.TriggerThreshold

	enrollment, err := s.provider.Enrollment(ctx, communityServerID)
	if err != nil {
		return nil, err
	}

	last, err := s.lastRun(ctx, communityServerID)
	if err != nil {
		return nil, err
	}

	notesUntil := threshold - n
	if notesUntil < 0 {
		notesUntil = 0
	}
	status := &ServerStatus{
		CommunityServerID:    communityServerID,
		Tier:                 TierFor(n),
		NoteCount:            n,
		ParticipantCount:     len(enrollment),
		Threshold:            threshold,
		ReadyForBatchScoring: n >= threshold,
		NotesUntilBatch:      notesUntil,
		NextTierThreshold:    NextThreshold(n),
		LastRun:              last,
	}
	if last != nil {
		status.LastRunAt = &last.CreatedAt
	}
	return status, nil
}

func (s *Service) lastRun(ctx context.Context, communityServerID string) (*Run, error) {
	run := new(Run)
	err := s.db.NewSelect().Model(run).
		Where("community_server_id = ?", communityServerID).
		Order("created_at DESC").
		Limit(1).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return run, nil
}

// RegisterWorkflows registers the scoring workflow with the orchestrator.
func RegisterWorkflows(registry *workflow.Registry, svc *Service) {
	registry.MustRegister(WorkflowScoreServer, svc.scoreServerWorkflow)
}

type scoreServerInput struct {
	CommunityServerID string `json:"community_server_id"`
}

type loadedData struct {
	Notes      []Note        `json:"notes"`
	Ratings    []Rating      `json:"ratings"`
	Enrollment []Participant `json:"enrollment"`
}

func (s *Service) scoreServerWorkflow(run *workflow.Run, input json.RawMessage) (json.RawMessage, error) {
	var in scoreServerInput
	if err := json.Unmarshal(input, &in); err != nil {
		return nil, fmt.Errorf("decode workflow input: %w", err)
	}

	data, err := workflow.Step(run, "load-data", func(ctx context.Context) (loadedData, error) {
		var d loadedData
		var err error
		if d.Notes, err = s.provider.Notes(ctx, in.CommunityServerID); err != nil {
			return d, err
		}
		if d.Ratings, err = s.provider.Ratings(ctx, in.CommunityServerID); err != nil {
			return d, err
		}
		if d.Enrollment, err = s.provider.Enrollment(ctx, in.CommunityServerID); err != nil {
			return d, err
		}
		return d, nil
	})
	if err != nil {
		return nil, err
	}

	if len(data.Notes) == 0 || len(data.Ratings) == 0 {
		// Nothing to score; the run still records the observation.
		s.log.Info("scoring run skipped, no notes or ratings",
			slog.String("community_server_id", in.CommunityServerID))
		return json.Marshal(map[string]any{"skipped": true})
	}

	out, err := workflow.Step(run, "score", func(ctx context.Context) (ScoreOutput, error) {
		return s.Score(ctx, ScoreInput{
			CommunityServerID: in.CommunityServerID,
			Notes:             data.Notes,
			Ratings:           data.Ratings,
			Enrollment:        data.Enrollment,
		})
	})
	if err != nil {
		return nil, err
	}

	_, err = workflow.Step(run, "persist-run", func(ctx context.Context) (string, error) {
		record := &Run{
			CommunityServerID: in.CommunityServerID,
			Tier:              out.Tier,
			ParticipantCount:  len(data.Enrollment),
			NoteCount:         len(data.Notes),
			Source:            out.Metadata.Source,
			Degraded:          out.Metadata.Degraded,
			CreatedAt:         time.Now().UTC(),
		}
		if _, err := s.db.NewInsert().Model(record).Returning("id").Exec(ctx); err != nil {
			return "", err
		}
		return record.ID, nil
	})
	if err != nil {
		return nil, err
	}

	return json.Marshal(out)
}
