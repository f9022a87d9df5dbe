package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/opennotes-dev/opennotes-server/pkg/logger"
)

// taskTimeout bounds a single run. The stale sweep over large job tables is
// the slowest task and finishes well inside this.
const taskTimeout = 30 * time.Minute

// TaskFunc is one maintenance task run. The context carries the run timeout.
type TaskFunc func(ctx context.Context) error

// Scheduler runs the periodic maintenance tasks (stale sweeps, token
// reclaim, workflow recovery) on robfig/cron with seconds precision.
// Registering a name twice replaces the earlier entry. A task whose previous
// run is still in flight is skipped for that tick rather than stacked.
type Scheduler struct {
	cron *cron.Cron
	log  *slog.Logger

	mu       sync.RWMutex
	tasks    map[string]cron.EntryID
	inflight map[string]bool
	lastErr  map[string]string
	running  bool
}

// NewScheduler creates a stopped scheduler.
func NewScheduler(log *slog.Logger) *Scheduler {
	return &Scheduler{
		cron:     cron.New(cron.WithSeconds()),
		log:      log.With(logger.Scope("scheduler")),
		tasks:    make(map[string]cron.EntryID),
		inflight: make(map[string]bool),
		lastErr:  make(map[string]string),
	}
}

// Start begins ticking. Idempotent.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}
	s.cron.Start()
	s.running = true
	s.log.Info("scheduler started", slog.Int("tasks", len(s.tasks)))
	return nil
}

// Stop waits for in-flight runs up to the caller's deadline.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil
	}
	select {
	case <-s.cron.Stop().Done():
		s.log.Info("scheduler stopped")
	case <-ctx.Done():
		s.log.Warn("scheduler stop timed out with tasks in flight")
	}
	s.running = false
	return nil
}

// AddCronTask registers a task on a six-field cron expression
// (second minute hour day-of-month month day-of-week).
func (s *Scheduler) AddCronTask(name string, schedule string, task TaskFunc) error {
	if err := s.add(name, schedule, task); err != nil {
		return err
	}
	s.log.Info("cron task registered",
		slog.String("name", name), slog.String("schedule", schedule))
	return nil
}

// AddIntervalTask registers a task on a fixed interval via @every.
func (s *Scheduler) AddIntervalTask(name string, interval time.Duration, task TaskFunc) error {
	if err := s.add(name, "@every "+interval.String(), task); err != nil {
		return err
	}
	s.log.Info("interval task registered",
		slog.String("name", name), slog.Duration("interval", interval))
	return nil
}

func (s *Scheduler) add(name, schedule string, task TaskFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entryID, err := s.cron.AddFunc(schedule, func() { s.run(name, task) })
	if err != nil {
		return err
	}
	if old, ok := s.tasks[name]; ok {
		s.cron.Remove(old)
	}
	s.tasks[name] = entryID
	return nil
}

// RemoveTask unregisters a task. Unknown names are a no-op.
func (s *Scheduler) RemoveTask(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entryID, ok := s.tasks[name]; ok {
		s.cron.Remove(entryID)
		delete(s.tasks, name)
		delete(s.lastErr, name)
		s.log.Info("task removed", slog.String("name", name))
	}
}

func (s *Scheduler) run(name string, task TaskFunc) {
	s.mu.Lock()
	if s.inflight[name] {
		s.mu.Unlock()
		s.log.Warn("previous run still in flight, skipping tick", slog.String("name", name))
		return
	}
	s.inflight[name] = true
	s.mu.Unlock()

	started := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), taskTimeout)
	err := task(ctx)
	cancel()

	s.mu.Lock()
	s.inflight[name] = false
	if err != nil {
		s.lastErr[name] = err.Error()
	} else {
		delete(s.lastErr, name)
	}
	s.mu.Unlock()

	if err != nil {
		s.log.Error("scheduled task failed",
			slog.String("name", name),
			slog.Duration("duration", time.Since(started)),
			logger.Error(err))
		return
	}
	s.log.Debug("scheduled task completed",
		slog.String("name", name),
		slog.Duration("duration", time.Since(started)))
}

// ListTasks returns the registered task names.
func (s *Scheduler) ListTasks() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.tasks))
	for name := range s.tasks {
		names = append(names, name)
	}
	return names
}

// TaskInfo describes one registered task for the admin surface.
type TaskInfo struct {
	Name      string    `json:"name"`
	NextRun   time.Time `json:"next_run"`
	PrevRun   time.Time `json:"prev_run,omitempty"`
	Schedule  string    `json:"schedule"`
	LastError string    `json:"last_error,omitempty"`
}

// GetTaskInfo reports every registered task with its next and previous run.
func (s *Scheduler) GetTaskInfo() []TaskInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	byID := make(map[cron.EntryID]cron.Entry)
	for _, entry := range s.cron.Entries() {
		byID[entry.ID] = entry
	}

	var info []TaskInfo
	for name, entryID := range s.tasks {
		entry, ok := byID[entryID]
		if !ok {
			continue
		}
		info = append(info, TaskInfo{
			Name:      name,
			NextRun:   entry.Next,
			PrevRun:   entry.Prev,
			Schedule:  entry.Schedule.Next(time.Now()).String(),
			LastError: s.lastErr[name],
		})
	}
	return info
}

// IsRunning reports whether the cron loop is ticking.
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}
