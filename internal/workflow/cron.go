package workflow

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/fx"

	"github.com/opennotes-dev/opennotes-server/pkg/logger"
)

// CronScheduler enqueues recurring workflows on cron ticks. The dedup key
// embeds the scheduled tick time, so a cluster of nodes firing the same tick
// produces exactly one execution.
type CronScheduler struct {
	cron    *cron.Cron
	engine  *Engine
	log     *slog.Logger
	mu      sync.Mutex
	entries map[string]cron.EntryID
	running bool
}

// NewCronScheduler creates the scheduler with seconds precision.
func NewCronScheduler(lc fx.Lifecycle, engine *Engine, log *slog.Logger) *CronScheduler {
	s := &CronScheduler{
		cron:    cron.New(cron.WithSeconds()),
		engine:  engine,
		log:     log.With(logger.Scope("workflow.cron")),
		entries: make(map[string]cron.EntryID),
	}
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			s.Start()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return s.Stop(ctx)
		},
	})
	return s
}

// NewCronSchedulerForTest creates the scheduler without lifecycle wiring.
func NewCronSchedulerForTest(engine *Engine, log *slog.Logger) *CronScheduler {
	return &CronScheduler{
		cron:    cron.New(cron.WithSeconds()),
		engine:  engine,
		log:     log.With(logger.Scope("workflow.cron")),
		entries: make(map[string]cron.EntryID),
	}
}

// AddCronWorkflow schedules a registered workflow. Schedule format is
// "second minute hour day-of-month month day-of-week"; @every directives
// also work.
func (s *CronScheduler) AddCronWorkflow(name, schedule, queue string, input any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entryID, ok := s.entries[name]; ok {
		s.cron.Remove(entryID)
		delete(s.entries, name)
	}

	entryID, err := s.cron.AddFunc(schedule, func() {
		s.fire(name, queue, input)
	})
	if err != nil {
		return err
	}

	s.entries[name] = entryID
	s.log.Info("cron workflow scheduled",
		slog.String("workflow", name),
		slog.String("schedule", schedule),
		slog.String("queue", queue),
	)
	return nil
}

func (s *CronScheduler) fire(name, queue string, input any) {
	tick := time.Now().UTC().Truncate(time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	exec, _, err := s.engine.Enqueue(ctx, EnqueueRequest{
		Workflow: name,
		Queue:    queue,
		Input:    input,
		DedupKey: dedupKeyForTick(name, tick),
	})
	if err != nil {
		s.log.Error("cron enqueue failed",
			slog.String("workflow", name),
			logger.Error(err),
		)
		return
	}
	s.log.Debug("cron tick enqueued",
		slog.String("workflow", name),
		slog.String("execution_id", exec.ID),
	)
}

func dedupKeyForTick(name string, tick time.Time) string {
	return name + ":" + tick.Format(time.RFC3339)
}

// Start begins firing schedules.
func (s *CronScheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.cron.Start()
	s.running = true
	s.log.Info("cron scheduler started", slog.Int("workflows", len(s.entries)))
}

// Stop drains in-flight ticks, bounded by ctx.
func (s *CronScheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return nil
	}
	stopCtx := s.cron.Stop()
	select {
	case <-stopCtx.Done():
	case <-ctx.Done():
		s.log.Warn("cron scheduler stop timed out")
	}
	s.running = false
	return nil
}
