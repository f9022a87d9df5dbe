package batchjobs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/uptrace/bun"

	"github.com/opennotes-dev/opennotes-server/internal/bus"
	"github.com/opennotes-dev/opennotes-server/internal/cache"
	"github.com/opennotes-dev/opennotes-server/internal/config"
	"github.com/opennotes-dev/opennotes-server/internal/workflow"
	"github.com/opennotes-dev/opennotes-server/pkg/apperror"
	"github.com/opennotes-dev/opennotes-server/pkg/logger"
)

// JobQueue is the workflow queue batch jobs dispatch onto.
const JobQueue = "batch-jobs"

// progressTTL bounds how long an abandoned progress hash lingers.
const progressTTL = 48 * time.Hour

// store is the durable side of the job engine. *Repository implements it;
// tests substitute an in-memory fake.
type store interface {
	Create(ctx context.Context, req NewJob) (*BatchJob, error)
	Get(ctx context.Context, id string) (*BatchJob, error)
	List(ctx context.Context, params ListParams) ([]BatchJob, int, error)
	Transition(ctx context.Context, id string, from, to Status, apply func(*bun.UpdateQuery)) (*BatchJob, error)
	AddProgress(ctx context.Context, id string, processedDelta, failedDelta int) error
	ListStale(ctx context.Context, cutoff time.Time) ([]BatchJob, error)
	ListInProgress(ctx context.Context) ([]BatchJob, error)
}

// Service runs the batch job lifecycle.
type Service struct {
	store store
	cache *cache.Client
	bus   *bus.Bus
	wf    *workflow.Engine
	cfg   *config.Config
	log   *slog.Logger
	now   func() time.Time
}

// NewService creates the batch job service.
func NewService(
	repo *Repository,
	cacheClient *cache.Client,
	eventBus *bus.Bus,
	wf *workflow.Engine,
	cfg *config.Config,
	log *slog.Logger,
) *Service {
	return &Service{
		store: repo,
		cache: cacheClient,
		bus:   eventBus,
		wf:    wf,
		cfg:   cfg,
		log:   log.With(logger.Scope("batchjobs")),
		now:   time.Now,
	}
}

// Create registers a new job in PENDING. The repository enforces the
// one-active-job-per-server guard.
func (s *Service) Create(ctx context.Context, req NewJob) (*BatchJob, error) {
	if req.JobType == "" {
		return nil, apperror.NewValidation("job_type is required", "/data/attributes/job_type")
	}
	if req.CommunityServerID == "" {
		return nil, apperror.NewValidation("community_server_id is required", "/data/attributes/community_server_id")
	}

	job, err := s.store.Create(ctx, req)
	if err != nil {
		return nil, err
	}

	s.log.Info("batch job created",
		slog.String("job_id", job.ID),
		slog.String("job_type", job.JobType),
		slog.String("community_server_id", job.CommunityServerID),
	)
	s.publishStatusChange(ctx, job)
	return job, nil
}

// Start moves a PENDING job to IN_PROGRESS and dispatches its workflow. The
// job id doubles as the workflow dedup key, so a crashed-and-retried Start
// adopts the existing execution instead of double-dispatching.
func (s *Service) Start(ctx context.Context, id string) (*BatchJob, error) {
	job, err := s.store.Transition(ctx, id, StatusPending, StatusInProgress, func(q *bun.UpdateQuery) {
		q.Set("started_at = now()")
	})
	if err != nil {
		return nil, err
	}

	if s.wf != nil {
		_, _, err = s.wf.Enqueue(ctx, workflow.EnqueueRequest{
			Workflow: job.JobType,
			Queue:    JobQueue,
			Input: map[string]any{
				"job_id":              job.ID,
				"community_server_id": job.CommunityServerID,
				"parameters":          job.Parameters,
			},
			DedupKey: "job:" + job.ID,
		})
		if err != nil {
			// The job already moved; fail it so the guard releases.
			failMsg := fmt.Sprintf("workflow dispatch failed: %v", err)
			if _, ferr := s.Fail(ctx, job.ID, failMsg); ferr != nil {
				s.log.Error("failed to fail undispatchable job",
					slog.String("job_id", job.ID), logger.Error(ferr))
			}
			return nil, err
		}
	}

	s.log.Info("batch job started", slog.String("job_id", job.ID), slog.String("job_type", job.JobType))
	s.publishStatusChange(ctx, job)
	return job, nil
}

// RecordProgress applies progress deltas atomically on both sides: HINCRBY on
// the progress hash for low-latency reads, one UPDATE on the durable counters.
func (s *Service) RecordProgress(ctx context.Context, id string, processedDelta, failedDelta int) error {
	key := s.progressKey(id)
	if _, err := s.cache.HIncrBy(ctx, key, "processed", int64(processedDelta)); err != nil {
		s.log.Warn("progress hash update failed", slog.String("job_id", id), logger.Error(err))
	} else {
		if failedDelta != 0 {
			if _, err := s.cache.HIncrBy(ctx, key, "failed", int64(failedDelta)); err != nil {
				s.log.Warn("progress hash update failed", slog.String("job_id", id), logger.Error(err))
			}
		}
		if err := s.cache.HSet(ctx, key, "advanced_at", s.now().UTC().Unix()); err == nil {
			_ = s.cache.Expire(ctx, key, progressTTL)
		}
	}

	return s.store.AddProgress(ctx, id, processedDelta, failedDelta)
}

// Progress reads progress cache-first, falling back to the durable row.
func (s *Service) Progress(ctx context.Context, id string) (Progress, error) {
	job, err := s.store.Get(ctx, id)
	if err != nil {
		return Progress{}, err
	}

	p := Progress{
		JobID:          job.ID,
		Status:         job.Status,
		TotalItems:     job.TotalItems,
		ProcessedItems: job.ProcessedItems,
		FailedItems:    job.FailedItems,
	}

	if fields, err := s.cache.HGetAll(ctx, s.progressKey(id)); err == nil && len(fields) > 0 {
		if n, err := strconv.Atoi(fields["processed"]); err == nil {
			p.ProcessedItems = n
		}
		if n, err := strconv.Atoi(fields["failed"]); err == nil {
			p.FailedItems = n
		}
	}

	if p.TotalItems > 0 {
		p.Percentage = float64(p.ProcessedItems) / float64(p.TotalItems) * 100
	}
	return p, nil
}

// Complete finishes a job. The progress hash is dropped; the durable counters
// are the record from here on.
func (s *Service) Complete(ctx context.Context, id string, result json.RawMessage) (*BatchJob, error) {
	job, err := s.store.Transition(ctx, id, StatusInProgress, StatusCompleted, func(q *bun.UpdateQuery) {
		q.Set("completed_at = now()")
		if result != nil {
			q.Set("result = ?", string(result))
		}
	})
	if err != nil {
		return nil, err
	}

	if err := s.cache.Delete(ctx, s.progressKey(id)); err != nil {
		s.log.Warn("failed to clear progress hash", slog.String("job_id", id), logger.Error(err))
	}
	s.log.Info("batch job completed", slog.String("job_id", id))
	s.publishStatusChange(ctx, job)
	return job, nil
}

// Fail moves a running job to FAILED with the given error message.
func (s *Service) Fail(ctx context.Context, id, errMsg string) (*BatchJob, error) {
	return s.failFrom(ctx, id, StatusInProgress, errMsg)
}

func (s *Service) failFrom(ctx context.Context, id string, from Status, errMsg string) (*BatchJob, error) {
	job, err := s.store.Transition(ctx, id, from, StatusFailed, func(q *bun.UpdateQuery) {
		q.Set("completed_at = now()")
		q.Set("error = ?", errMsg)
	})
	if err != nil {
		return nil, err
	}

	if err := s.cache.Delete(ctx, s.progressKey(id)); err != nil {
		s.log.Warn("failed to clear progress hash", slog.String("job_id", id), logger.Error(err))
	}
	s.log.Warn("batch job failed", slog.String("job_id", id), slog.String("error", errMsg))
	s.publishStatusChange(ctx, job)
	return job, nil
}

// Cancel cancels a PENDING or IN_PROGRESS job. Cancelling a terminal job is a
// conflict; a PENDING job never dispatched, so there is nothing to stop.
func (s *Service) Cancel(ctx context.Context, id string) (*BatchJob, error) {
	current, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	job, err := s.store.Transition(ctx, id, current.Status, StatusCancelled, func(q *bun.UpdateQuery) {
		q.Set("completed_at = now()")
	})
	if err != nil {
		return nil, err
	}

	if err := s.cache.Delete(ctx, s.progressKey(id)); err != nil {
		s.log.Warn("failed to clear progress hash", slog.String("job_id", id), logger.Error(err))
	}
	s.log.Info("batch job cancelled", slog.String("job_id", id))
	s.publishStatusChange(ctx, job)
	return job, nil
}

// Get fetches a job by id.
func (s *Service) Get(ctx context.Context, id string) (*BatchJob, error) {
	return s.store.Get(ctx, id)
}

// List returns jobs matching the filter.
func (s *Service) List(ctx context.Context, params ListParams) ([]BatchJob, int, error) {
	return s.store.List(ctx, params)
}

// SweepStale fails live jobs whose record has not been touched within the
// stale window. Runs from the scheduler.
func (s *Service) SweepStale(ctx context.Context) (int, error) {
	cutoff := s.now().Add(-s.cfg.Scheduler.StaleJobMaxAge)
	stale, err := s.store.ListStale(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	swept := 0
	for _, job := range stale {
		s.log.Warn("sweeping stale batch job",
			slog.String("job_id", job.ID),
			slog.String("job_type", job.JobType),
			slog.String("status", string(job.Status)),
			slog.Time("last_touched", job.UpdatedAt),
		)
		if _, err := s.failFrom(ctx, job.ID, job.Status, "job marked stale by sweeper"); err != nil {
			s.log.Error("failed to sweep stale job", slog.String("job_id", job.ID), logger.Error(err))
			continue
		}
		staleJobsSwept.Inc()
		swept++
	}
	return swept, nil
}

// MonitorStuck warns about running jobs whose progress has not advanced
// within the idle window. Observation only, no mutation.
func (s *Service) MonitorStuck(ctx context.Context) (int, error) {
	running, err := s.store.ListInProgress(ctx)
	if err != nil {
		return 0, err
	}

	idleBefore := s.now().Add(-s.cfg.Scheduler.StuckJobIdle)
	stuck := 0
	for _, job := range running {
		last := job.UpdatedAt
		if fields, err := s.cache.HGetAll(ctx, s.progressKey(job.ID)); err == nil {
			if ts, err := strconv.ParseInt(fields["advanced_at"], 10, 64); err == nil {
				last = time.Unix(ts, 0)
			}
		}
		if last.After(idleBefore) {
			continue
		}
		s.log.Warn("batch job appears stuck",
			slog.String("job_id", job.ID),
			slog.String("job_type", job.JobType),
			slog.Time("last_progress", last),
		)
		stuckJobsObserved.Inc()
		stuck++
	}
	return stuck, nil
}

func (s *Service) progressKey(id string) string {
	return s.cache.Key("jobprogress", id)
}

func (s *Service) publishStatusChange(ctx context.Context, job *BatchJob) {
	if s.bus == nil {
		return
	}
	event, err := bus.NewEvent(bus.EventJobStatusChanged, map[string]any{
		"job_id":              job.ID,
		"job_type":            job.JobType,
		"community_server_id": job.CommunityServerID,
		"status":              job.Status,
	})
	if err == nil {
		err = s.bus.Publish(ctx, event)
	}
	if err != nil {
		s.log.Warn("failed to publish job status change",
			slog.String("job_id", job.ID), logger.Error(err))
	}
}
