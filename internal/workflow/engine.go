package workflow

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/uptrace/bun"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/fx"

	"github.com/opennotes-dev/opennotes-server/pkg/apperror"
	"github.com/opennotes-dev/opennotes-server/pkg/tracing"
	"github.com/opennotes-dev/opennotes-server/pkg/logger"
	"github.com/opennotes-dev/opennotes-server/pkg/pgutils"
)

// Module provides the workflow engine fx.Module
var Module = fx.Module("workflow",
	fx.Provide(
		NewRegistry,
		NewEngine,
		NewCronScheduler,
	),
)

// EngineConfig tunes the queue pollers and retry schedule.
type EngineConfig struct {
	PollInterval      time.Duration
	BatchSize         int
	VisibilityTimeout time.Duration
	BaseRetryDelaySec int
	MaxRetryDelaySec  int
	DefaultMaxAttempt int
}

// DefaultEngineConfig mirrors the queue defaults used across the codebase.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		PollInterval:      5 * time.Second,
		BatchSize:         10,
		VisibilityTimeout: 10 * time.Minute,
		BaseRetryDelaySec: 60,
		MaxRetryDelaySec:  3600,
		DefaultMaxAttempt: 3,
	}
}

// Engine claims and runs durable workflow executions.
type Engine struct {
	db       bun.IDB
	registry *Registry
	log      *slog.Logger
	cfg      EngineConfig

	mu      sync.Mutex
	cancels []context.CancelFunc
	wg      sync.WaitGroup
	closed  bool
}

// NewEngine creates the engine and registers its shutdown hook.
func NewEngine(lc fx.Lifecycle, db bun.IDB, registry *Registry, log *slog.Logger) *Engine {
	e := &Engine{
		db:       db,
		registry: registry,
		log:      log.With(logger.Scope("workflow")),
		cfg:      DefaultEngineConfig(),
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			e.Close()
			return nil
		},
	})
	return e
}

// NewEngineForTest creates an engine without lifecycle wiring.
func NewEngineForTest(db bun.IDB, registry *Registry, log *slog.Logger, cfg EngineConfig) *Engine {
	return &Engine{db: db, registry: registry, log: log.With(logger.Scope("workflow")), cfg: cfg}
}

// Enqueue inserts a pending execution. A non-empty dedup key is idempotent:
// an existing non-terminal execution with the same key is returned with
// created=false instead of a new insert; terminal executions do not block
// re-enqueue.
func (e *Engine) Enqueue(ctx context.Context, req EnqueueRequest) (*Execution, bool, error) {
	if _, ok := e.registry.get(req.Workflow); !ok {
		return nil, false, fmt.Errorf("workflow %q not registered", req.Workflow)
	}
	if req.Queue == "" {
		return nil, false, errors.New("queue is required")
	}

	input, err := marshalInput(req.Input)
	if err != nil {
		return nil, false, err
	}

	exec := &Execution{
		WorkflowName: req.Workflow,
		Queue:        req.Queue,
		Status:       StatusPending,
		Input:        input,
		Priority:     req.Priority,
		MaxAttempts:  req.MaxAttempts,
		ScheduledAt:  req.RunAt,
	}
	if exec.MaxAttempts <= 0 {
		exec.MaxAttempts = e.cfg.DefaultMaxAttempt
	}
	if exec.ScheduledAt.IsZero() {
		exec.ScheduledAt = time.Now()
	}
	if req.DedupKey != "" {
		exec.DedupKey = &req.DedupKey
	}

	created := false
	err = e.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if req.DedupKey != "" {
			existing := new(Execution)
			err := tx.NewSelect().Model(existing).
				Where("dedup_key = ?", req.DedupKey).
				Where("status NOT IN (?)", bun.In([]Status{StatusCompleted, StatusFailed, StatusCancelled})).
				Limit(1).
				Scan(ctx)
			if err == nil {
				*exec = *existing
				return nil
			}
			if !errors.Is(err, sql.ErrNoRows) {
				return err
			}
		}
		_, err := tx.NewInsert().Model(exec).Returning("*").Exec(ctx)
		if err != nil && pgutils.IsUniqueViolation(err) {
			// Lost the race on the partial unique index; adopt the winner.
			return tx.NewSelect().Model(exec).
				Where("dedup_key = ?", req.DedupKey).
				Where("status NOT IN (?)", bun.In([]Status{StatusCompleted, StatusFailed, StatusCancelled})).
				Limit(1).
				Scan(ctx)
		}
		created = err == nil
		return err
	})
	if err != nil {
		return nil, false, fmt.Errorf("enqueue workflow %s: %w", req.Workflow, err)
	}
	return exec, created, nil
}

// Get fetches an execution by id.
func (e *Engine) Get(ctx context.Context, id string) (*Execution, error) {
	exec := new(Execution)
	err := e.db.NewSelect().Model(exec).Where("we.id = ?", id).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperror.NewNotFound("workflow execution", id)
	}
	if err != nil {
		return nil, err
	}
	return exec, nil
}

// Cancel marks a pending execution cancelled. Running executions observe
// cancellation at their next step boundary via engine shutdown; cancelling a
// terminal execution is a conflict.
func (e *Engine) Cancel(ctx context.Context, id string) error {
	res, err := e.db.NewUpdate().Model((*Execution)(nil)).
		Set("status = ?", StatusCancelled).
		Set("completed_at = now()").
		Set("updated_at = now()").
		Where("id = ?", id).
		Where("status = ?", StatusPending).
		Exec(ctx)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		exec, gerr := e.Get(ctx, id)
		if gerr != nil {
			return gerr
		}
		return apperror.NewConflict(fmt.Sprintf("execution is %s and cannot be cancelled", exec.Status))
	}
	return nil
}

// dequeue claims due pending executions for a queue with SKIP LOCKED so
// concurrent pollers never double-claim.
func (e *Engine) dequeue(ctx context.Context, queue string, batchSize int) ([]string, error) {
	query := `
		WITH cte AS (
			SELECT id FROM workflow_executions
			WHERE queue = ? AND status = 'pending' AND scheduled_at <= now()
			ORDER BY priority DESC, scheduled_at ASC
			FOR UPDATE SKIP LOCKED
			LIMIT ?
		)
		UPDATE workflow_executions we
		SET status = 'running', started_at = now(), attempt = attempt + 1, updated_at = now()
		FROM cte WHERE we.id = cte.id
		RETURNING we.id`

	var ids []string
	if _, err := e.db.NewRaw(query, queue, batchSize).Exec(ctx, &ids); err != nil {
		return nil, fmt.Errorf("dequeue %s: %w", queue, err)
	}
	return ids, nil
}

// runExecution executes one claimed workflow to a terminal or re-pended state.
func (e *Engine) runExecution(ctx context.Context, id string) {
	exec := new(Execution)
	if err := e.db.NewSelect().Model(exec).Where("we.id = ?", id).Scan(ctx); err != nil {
		e.log.Error("claimed execution vanished", slog.String("id", id), logger.Error(err))
		return
	}

	fn, ok := e.registry.get(exec.WorkflowName)
	if !ok {
		e.failPermanently(ctx, exec, fmt.Sprintf("workflow %q not registered on this node", exec.WorkflowName))
		return
	}

	ctx, span := tracing.Start(ctx, "workflow.run",
		attribute.String("workflow.name", exec.WorkflowName),
		attribute.String("workflow.id", exec.ID),
		attribute.String("workflow.queue", exec.Queue),
		attribute.Int("workflow.attempt", exec.Attempt),
	)
	defer span.End()

	run := &Run{
		ctx:   ctx,
		exec:  exec,
		store: &dbStepStore{db: e.db},
		log:   e.log,
	}

	output, err := fn(run, exec.Input)
	if err != nil {
		e.markFailed(ctx, exec, err)
		return
	}

	_, uerr := e.db.NewUpdate().Model((*Execution)(nil)).
		Set("status = ?", StatusCompleted).
		Set("output = ?", output).
		Set("error = NULL").
		Set("completed_at = now()").
		Set("updated_at = now()").
		Where("id = ?", exec.ID).
		Exec(ctx)
	if uerr != nil {
		e.log.Error("mark completed failed", slog.String("id", exec.ID), logger.Error(uerr))
		return
	}
	e.log.Info("workflow completed",
		slog.String("workflow", exec.WorkflowName),
		slog.String("id", exec.ID),
		slog.Int("attempt", exec.Attempt),
	)
}

// markFailed re-pends with backoff until the attempt budget is spent.
func (e *Engine) markFailed(ctx context.Context, exec *Execution, cause error) {
	msg := truncateError(cause.Error())

	if exec.Attempt >= exec.MaxAttempts {
		e.failPermanently(ctx, exec, msg)
		return
	}

	// base * attempt^2, capped.
	delay := math.Min(
		float64(e.cfg.MaxRetryDelaySec),
		float64(e.cfg.BaseRetryDelaySec)*float64(exec.Attempt)*float64(exec.Attempt),
	)

	_, err := e.db.NewUpdate().Model((*Execution)(nil)).
		Set("status = ?", StatusPending).
		Set("error = ?", msg).
		Set("scheduled_at = now() + (? || ' seconds')::interval", int(delay)).
		Set("updated_at = now()").
		Where("id = ?", exec.ID).
		Exec(ctx)
	if err != nil {
		e.log.Error("re-pend failed", slog.String("id", exec.ID), logger.Error(err))
		return
	}
	e.log.Warn("workflow attempt failed, scheduled for retry",
		slog.String("workflow", exec.WorkflowName),
		slog.String("id", exec.ID),
		slog.Int("attempt", exec.Attempt),
		slog.Duration("delay", time.Duration(delay)*time.Second),
		slog.String("error", msg),
	)
}

func (e *Engine) failPermanently(ctx context.Context, exec *Execution, msg string) {
	_, err := e.db.NewUpdate().Model((*Execution)(nil)).
		Set("status = ?", StatusFailed).
		Set("error = ?", msg).
		Set("completed_at = now()").
		Set("updated_at = now()").
		Where("id = ?", exec.ID).
		Exec(ctx)
	if err != nil {
		e.log.Error("mark failed failed", slog.String("id", exec.ID), logger.Error(err))
		return
	}
	e.log.Error("workflow permanently failed",
		slog.String("workflow", exec.WorkflowName),
		slog.String("id", exec.ID),
		slog.Int("attempts", exec.Attempt),
		slog.String("error", msg),
	)
	if fn, ok := e.registry.getLastRetry(exec.WorkflowName); ok {
		fn(ctx, exec, msg)
	}
}

// RecoverStale re-pends running executions older than the visibility timeout.
// Run at startup and periodically by the scheduler.
func (e *Engine) RecoverStale(ctx context.Context) (int, error) {
	res, err := e.db.NewUpdate().Model((*Execution)(nil)).
		Set("status = ?", StatusPending).
		Set("started_at = NULL").
		Set("scheduled_at = now()").
		Set("updated_at = now()").
		Where("status = ?", StatusRunning).
		Where("started_at < now() - (? || ' seconds')::interval", int(e.cfg.VisibilityTimeout.Seconds())).
		Exec(ctx)
	if err != nil {
		return 0, fmt.Errorf("recover stale executions: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		e.log.Warn("recovered stale workflow executions", slog.Int64("count", n))
	}
	return int(n), nil
}

// QueueDepths returns pending counts per queue for the system health report.
func (e *Engine) QueueDepths(ctx context.Context) (map[string]int, error) {
	var rows []struct {
		Queue string `bun:"queue"`
		Count int    `bun:"count"`
	}
	err := e.db.NewSelect().Model((*Execution)(nil)).
		ColumnExpr("queue, count(*) AS count").
		Where("status = ?", StatusPending).
		Group("queue").
		Scan(ctx, &rows)
	if err != nil {
		return nil, err
	}
	depths := make(map[string]int, len(rows))
	for _, r := range rows {
		depths[r.Queue] = r.Count
	}
	return depths, nil
}

// StartQueue launches a polling worker pool for a queue. Each poller claims a
// batch and runs executions sequentially; concurrency is the poller count.
func (e *Engine) StartQueue(queue string, concurrency int) {
	if concurrency <= 0 {
		concurrency = 1
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	e.cancels = append(e.cancels, cancel)
	e.wg.Add(concurrency)
	e.mu.Unlock()

	for i := 0; i < concurrency; i++ {
		go e.pollLoop(ctx, queue)
	}
	e.log.Info("workflow queue started",
		slog.String("queue", queue),
		slog.Int("concurrency", concurrency),
	)
}

func (e *Engine) pollLoop(ctx context.Context, queue string) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ids, err := e.dequeue(ctx, queue, e.cfg.BatchSize)
			if err != nil {
				if ctx.Err() == nil {
					e.log.Warn("dequeue failed", slog.String("queue", queue), logger.Error(err))
				}
				continue
			}
			for _, id := range ids {
				if ctx.Err() != nil {
					return
				}
				e.runExecution(ctx, id)
			}
		}
	}
}

// Close stops all queue pollers and waits for in-flight executions to reach
// a step boundary.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	cancels := e.cancels
	e.cancels = nil
	e.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	e.wg.Wait()
}

// dbStepStore persists step records in workflow_steps.
type dbStepStore struct {
	db bun.IDB
}

func (s *dbStepStore) LoadStep(ctx context.Context, executionID, stepID string) (*StepRecord, error) {
	rec := new(StepRecord)
	err := s.db.NewSelect().Model(rec).
		Where("execution_id = ?", executionID).
		Where("step_id = ?", stepID).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *dbStepStore) SaveStep(ctx context.Context, rec *StepRecord) error {
	_, err := s.db.NewInsert().Model(rec).
		On("CONFLICT (execution_id, step_id) DO UPDATE").
		Set("status = EXCLUDED.status").
		Set("output = EXCLUDED.output").
		Set("error = EXCLUDED.error").
		Set("attempt = EXCLUDED.attempt").
		Set("started_at = EXCLUDED.started_at").
		Set("completed_at = EXCLUDED.completed_at").
		Exec(ctx)
	return err
}

func marshalInput(input any) (json.RawMessage, error) {
	switch v := input.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return v, nil
	case []byte:
		return v, nil
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("marshal workflow input: %w", err)
		}
		return raw, nil
	}
}

func truncateError(msg string) string {
	if len(msg) > 500 {
		return msg[:500]
	}
	return msg
}
