package scheduler

import (
	"context"
	"log/slog"
	"time"

	"go.uber.org/fx"

	"github.com/opennotes-dev/opennotes-server/domain/batchjobs"
	"github.com/opennotes-dev/opennotes-server/domain/tokenbucket"
	"github.com/opennotes-dev/opennotes-server/internal/config"
	"github.com/opennotes-dev/opennotes-server/internal/workflow"
)

// workflowRecoveryInterval is how often stale workflow executions are
// re-pended between the startup recovery passes.
const workflowRecoveryInterval = time.Minute

// Module provides scheduled task functionality
var Module = fx.Module("scheduler",
	fx.Provide(NewScheduler),
	fx.Invoke(
		RegisterTasks,
		RegisterSchedulerLifecycle,
	),
)

// TaskParams contains dependencies for creating scheduled tasks
type TaskParams struct {
	fx.In
	Scheduler *Scheduler
	Jobs      *batchjobs.Service
	Buckets   *tokenbucket.Service
	Engine    *workflow.Engine
	Log       *slog.Logger
	Cfg       *config.Config
}

// RegisterTasks registers all scheduled tasks
func RegisterTasks(p TaskParams) error {
	if !p.Cfg.Scheduler.Enabled {
		p.Log.Info("scheduler disabled, skipping task registration")
		return nil
	}

	sweepTask := NewStaleJobSweepTask(p.Jobs, p.Log)
	if err := p.Scheduler.AddCronTask("stale_job_sweep",
		p.Cfg.Scheduler.StaleJobSweepCron, sweepTask.Run); err != nil {
		return err
	}

	stuckTask := NewStuckJobMonitorTask(p.Jobs, p.Log)
	if err := p.Scheduler.AddCronTask("stuck_job_monitor",
		p.Cfg.Scheduler.StuckJobMonitorCron, stuckTask.Run); err != nil {
		return err
	}

	reclaimTask := NewTokenReclaimTask(p.Buckets)
	if err := p.Scheduler.AddIntervalTask("token_hold_reclaim",
		p.Cfg.TokenPools.ReclaimInterval, reclaimTask.Run); err != nil {
		return err
	}

	recoveryTask := NewWorkflowRecoveryTask(p.Engine)
	if err := p.Scheduler.AddIntervalTask("workflow_recovery",
		workflowRecoveryInterval, recoveryTask.Run); err != nil {
		return err
	}

	p.Log.Info("registered scheduled tasks",
		slog.Any("tasks", p.Scheduler.ListTasks()))

	return nil
}

// RegisterSchedulerLifecycle registers the scheduler with fx lifecycle
func RegisterSchedulerLifecycle(lc fx.Lifecycle, scheduler *Scheduler, cfg *config.Config) {
	if !cfg.Scheduler.Enabled {
		return
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return scheduler.Start(ctx)
		},
		OnStop: func(ctx context.Context) error {
			return scheduler.Stop(ctx)
		},
	})
}
