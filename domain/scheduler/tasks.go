package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/opennotes-dev/opennotes-server/domain/batchjobs"
	"github.com/opennotes-dev/opennotes-server/domain/tokenbucket"
	"github.com/opennotes-dev/opennotes-server/internal/workflow"
	"github.com/opennotes-dev/opennotes-server/pkg/logger"
)

// StaleJobSweepTask fails batch jobs that have been running past the stale
// window.
type StaleJobSweepTask struct {
	jobs *batchjobs.Service
	log  *slog.Logger
}

// NewStaleJobSweepTask creates a new stale job sweep task
func NewStaleJobSweepTask(jobs *batchjobs.Service, log *slog.Logger) *StaleJobSweepTask {
	return &StaleJobSweepTask{
		jobs: jobs,
		log:  log.With(logger.Scope("scheduler.stale_sweep")),
	}
}

// Run executes the stale job sweep
func (t *StaleJobSweepTask) Run(ctx context.Context) error {
	start := time.Now()
	swept, err := t.jobs.SweepStale(ctx)
	if err != nil {
		return err
	}
	if swept > 0 {
		t.log.Info("swept stale batch jobs",
			slog.Int("count", swept),
			slog.Duration("duration", time.Since(start)))
	}
	return nil
}

// StuckJobMonitorTask warns about running jobs without recent progress.
type StuckJobMonitorTask struct {
	jobs *batchjobs.Service
	log  *slog.Logger
}

// NewStuckJobMonitorTask creates a new stuck job monitor task
func NewStuckJobMonitorTask(jobs *batchjobs.Service, log *slog.Logger) *StuckJobMonitorTask {
	return &StuckJobMonitorTask{
		jobs: jobs,
		log:  log.With(logger.Scope("scheduler.stuck_monitor")),
	}
}

// Run executes the stuck job check
func (t *StuckJobMonitorTask) Run(ctx context.Context) error {
	stuck, err := t.jobs.MonitorStuck(ctx)
	if err != nil {
		return err
	}
	if stuck > 0 {
		t.log.Warn("found stuck batch jobs", slog.Int("count", stuck))
	}
	return nil
}

// TokenReclaimTask sweeps expired token bucket holds.
type TokenReclaimTask struct {
	buckets *tokenbucket.Service
}

// NewTokenReclaimTask creates a new token reclaim task
func NewTokenReclaimTask(buckets *tokenbucket.Service) *TokenReclaimTask {
	return &TokenReclaimTask{buckets: buckets}
}

// Run executes the token hold reclaim
func (t *TokenReclaimTask) Run(ctx context.Context) error {
	_, err := t.buckets.Reclaim(ctx)
	return err
}

// WorkflowRecoveryTask re-pends workflow executions stuck past the
// visibility timeout.
type WorkflowRecoveryTask struct {
	engine *workflow.Engine
}

// NewWorkflowRecoveryTask creates a new workflow recovery task
func NewWorkflowRecoveryTask(engine *workflow.Engine) *WorkflowRecoveryTask {
	return &WorkflowRecoveryTask{engine: engine}
}

// Run executes the stale execution recovery
func (t *WorkflowRecoveryTask) Run(ctx context.Context) error {
	_, err := t.engine.RecoverStale(ctx)
	return err
}
