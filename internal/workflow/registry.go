package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"
)

// WorkflowFunc is the body of a registered workflow. It receives the run
// handle for step persistence and the raw input it was enqueued with.
type WorkflowFunc func(run *Run, input json.RawMessage) (json.RawMessage, error)

// LastRetryFunc runs after the named workflow's final attempt fails, so
// resources the workflow holds across retries (jobs, locks) can be settled.
type LastRetryFunc func(ctx context.Context, exec *Execution, cause string)

// Registry maps workflow names to their functions.
type Registry struct {
	mu        sync.RWMutex
	workflows map[string]WorkflowFunc
	lastRetry map[string]LastRetryFunc
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		workflows: make(map[string]WorkflowFunc),
		lastRetry: make(map[string]LastRetryFunc),
	}
}

// Register adds a workflow. Registering the same name twice is a programming
// error and fails loudly.
func (r *Registry) Register(name string, fn WorkflowFunc) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.workflows[name]; exists {
		return fmt.Errorf("workflow %q already registered", name)
	}
	r.workflows[name] = fn
	return nil
}

// MustRegister is Register for startup wiring.
func (r *Registry) MustRegister(name string, fn WorkflowFunc) {
	if err := r.Register(name, fn); err != nil {
		panic(err)
	}
}

// OnLastRetry registers the final-failure callback for a workflow. One
// callback per name; later registrations replace earlier ones.
func (r *Registry) OnLastRetry(name string, fn LastRetryFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastRetry[name] = fn
}

func (r *Registry) get(name string) (WorkflowFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.workflows[name]
	return fn, ok
}

func (r *Registry) getLastRetry(name string) (LastRetryFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.lastRetry[name]
	return fn, ok
}

// Names returns the registered workflow names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.workflows))
	for n := range r.workflows {
		names = append(names, n)
	}
	return names
}

// stepStore persists step outcomes. The engine backs it with the
// workflow_steps table; tests use an in-memory map.
type stepStore interface {
	LoadStep(ctx context.Context, executionID, stepID string) (*StepRecord, error)
	SaveStep(ctx context.Context, rec *StepRecord) error
}

// StepRetryPolicy bounds per-step retries inside a single workflow attempt.
type StepRetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultStepRetry is used when a run has no explicit policy.
var DefaultStepRetry = StepRetryPolicy{
	MaxAttempts: 3,
	BaseDelay:   500 * time.Millisecond,
	MaxDelay:    30 * time.Second,
}

func (p StepRetryPolicy) delay(attempt int) time.Duration {
	d := p.BaseDelay << (attempt - 1)
	if d > p.MaxDelay || d <= 0 {
		d = p.MaxDelay
	}
	// Full jitter keeps concurrent retries from thundering.
	return time.Duration(rand.Int63n(int64(d) + 1))
}

// Run is the per-execution handle passed to workflow functions.
type Run struct {
	ctx   context.Context
	exec  *Execution
	store stepStore
	log   *slog.Logger
	retry StepRetryPolicy
}

// Context returns the run's context; it is cancelled on engine shutdown.
func (r *Run) Context() context.Context {
	return r.ctx
}

// ExecutionID returns the durable execution id.
func (r *Run) ExecutionID() string {
	return r.exec.ID
}

// Input returns the raw input the execution was enqueued with.
func (r *Run) Input() json.RawMessage {
	return r.exec.Input
}

// Step runs fn exactly once per (execution, id): a persisted completed result
// is decoded and returned without re-executing, so a retried workflow skips
// work that already took effect.
func Step[T any](r *Run, id string, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T

	if rec, err := r.store.LoadStep(r.ctx, r.exec.ID, id); err != nil {
		return zero, fmt.Errorf("load step %s: %w", id, err)
	} else if rec != nil && rec.Status == stepCompleted {
		var out T
		if len(rec.Output) > 0 {
			if err := json.Unmarshal(rec.Output, &out); err != nil {
				return zero, fmt.Errorf("decode persisted step %s: %w", id, err)
			}
		}
		return out, nil
	}

	policy := r.retry
	if policy.MaxAttempts <= 0 {
		policy = DefaultStepRetry
	}

	var lastErr error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		if err := r.ctx.Err(); err != nil {
			return zero, err
		}
		started := time.Now()

		out, err := fn(r.ctx)
		if err == nil {
			raw, merr := json.Marshal(out)
			if merr != nil {
				return zero, fmt.Errorf("encode step %s output: %w", id, merr)
			}
			completed := time.Now()
			if serr := r.store.SaveStep(r.ctx, &StepRecord{
				ExecutionID: r.exec.ID,
				StepID:      id,
				Status:      stepCompleted,
				Output:      raw,
				Attempt:     attempt,
				StartedAt:   &started,
				CompletedAt: &completed,
			}); serr != nil {
				return zero, fmt.Errorf("persist step %s: %w", id, serr)
			}
			return out, nil
		}

		lastErr = err
		r.log.Warn("workflow step failed",
			slog.String("execution_id", r.exec.ID),
			slog.String("step", id),
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()),
		)
		if attempt < policy.MaxAttempts {
			select {
			case <-r.ctx.Done():
				return zero, r.ctx.Err()
			case <-time.After(policy.delay(attempt)):
			}
		}
	}

	msg := lastErr.Error()
	now := time.Now()
	_ = r.store.SaveStep(r.ctx, &StepRecord{
		ExecutionID: r.exec.ID,
		StepID:      id,
		Status:      stepFailed,
		Error:       &msg,
		Attempt:     policy.MaxAttempts,
		CompletedAt: &now,
	})
	return zero, fmt.Errorf("step %s: %w", id, lastErr)
}
