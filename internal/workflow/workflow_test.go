package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRun(store *MemoryStepStore) *Run {
	return NewRunForTest(&Execution{ID: "exec-1", WorkflowName: "test"}, store, slog.Default())
}

func TestStepPersistsAndMemoizes(t *testing.T) {
	store := NewMemoryStepStore()
	run := newTestRun(store)

	calls := 0
	out, err := Step(run, "fetch", func(context.Context) (string, error) {
		calls++
		return "result", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "result", out)
	assert.Equal(t, 1, calls)

	// A second run of the same execution decodes the persisted output
	// instead of re-executing.
	out, err = Step(newTestRun(store), "fetch", func(context.Context) (string, error) {
		calls++
		return "other", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "result", out)
	assert.Equal(t, 1, calls)

	rec, err := store.LoadStep(context.Background(), "exec-1", "fetch")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, stepCompleted, rec.Status)
	assert.Equal(t, 1, rec.Attempt)
}

func TestStepRetriesThenSucceeds(t *testing.T) {
	store := NewMemoryStepStore()
	run := newTestRun(store)

	calls := 0
	out, err := Step(run, "flaky", func(context.Context) (int, error) {
		calls++
		if calls < 3 {
			return 0, errors.New("transient")
		}
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, out)
	assert.Equal(t, 3, calls)

	rec, _ := store.LoadStep(context.Background(), "exec-1", "flaky")
	require.NotNil(t, rec)
	assert.Equal(t, stepCompleted, rec.Status)
	assert.Equal(t, 3, rec.Attempt)
}

func TestStepExhaustsAttempts(t *testing.T) {
	store := NewMemoryStepStore()
	run := newTestRun(store)

	calls := 0
	_, err := Step(run, "doomed", func(context.Context) (string, error) {
		calls++
		return "", errors.New("permanent")
	})
	require.Error(t, err)
	assert.ErrorContains(t, err, "permanent")
	assert.Equal(t, 3, calls)

	rec, _ := store.LoadStep(context.Background(), "exec-1", "doomed")
	require.NotNil(t, rec)
	assert.Equal(t, stepFailed, rec.Status)
	require.NotNil(t, rec.Error)
	assert.Equal(t, "permanent", *rec.Error)
}

func TestStepFailedRecordDoesNotShortCircuit(t *testing.T) {
	store := NewMemoryStepStore()
	require.NoError(t, store.SaveStep(context.Background(), &StepRecord{
		ExecutionID: "exec-1",
		StepID:      "retry-me",
		Status:      stepFailed,
	}))

	out, err := Step(newTestRun(store), "retry-me", func(context.Context) (string, error) {
		return "recovered", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "recovered", out)
}

func TestStepHonorsContextCancellation(t *testing.T) {
	store := NewMemoryStepStore()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	run := newTestRun(store)
	run.ctx = ctx

	calls := 0
	_, err := Step(run, "cancelled", func(context.Context) (string, error) {
		calls++
		return "", errors.New("boom")
	})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, calls)
}

func TestStepStructOutputRoundTrip(t *testing.T) {
	type report struct {
		Scanned int    `json:"scanned"`
		Cursor  string `json:"cursor"`
	}
	store := NewMemoryStepStore()

	want := report{Scanned: 10, Cursor: "abc"}
	_, err := Step(newTestRun(store), "scan", func(context.Context) (report, error) {
		return want, nil
	})
	require.NoError(t, err)

	got, err := Step(newTestRun(store), "scan", func(context.Context) (report, error) {
		return report{}, errors.New("must not run")
	})
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	r := NewRegistry()
	fn := func(*Run, json.RawMessage) (json.RawMessage, error) { return nil, nil }

	require.NoError(t, r.Register("sync-facts", fn))
	assert.Error(t, r.Register("sync-facts", fn))
	assert.Contains(t, r.Names(), "sync-facts")

	got, ok := r.get("sync-facts")
	assert.True(t, ok)
	assert.NotNil(t, got)

	_, ok = r.get("missing")
	assert.False(t, ok)
}

func TestRegistryLastRetryCallback(t *testing.T) {
	r := NewRegistry()

	var gotID, gotCause string
	r.OnLastRetry("rechunk-fact-checks", func(_ context.Context, exec *Execution, cause string) {
		gotID, gotCause = exec.ID, cause
	})

	fn, ok := r.getLastRetry("rechunk-fact-checks")
	require.True(t, ok)
	fn(context.Background(), &Execution{ID: "exec-9"}, "attempts exhausted")
	assert.Equal(t, "exec-9", gotID)
	assert.Equal(t, "attempts exhausted", gotCause)

	_, ok = r.getLastRetry("unhooked")
	assert.False(t, ok)
}

func TestStepRetryDelayBounds(t *testing.T) {
	p := StepRetryPolicy{
		MaxAttempts: 5,
		BaseDelay:   100 * time.Millisecond,
		MaxDelay:    time.Second,
	}
	for attempt := 1; attempt <= 10; attempt++ {
		d := p.delay(attempt)
		assert.GreaterOrEqual(t, d, time.Duration(0))
		assert.LessOrEqual(t, d, p.MaxDelay)
	}
}

func TestDedupKeyForTick(t *testing.T) {
	tick := time.Date(2026, 3, 1, 12, 30, 0, 0, time.UTC)
	assert.Equal(t, "nightly-sweep:2026-03-01T12:30:00Z", dedupKeyForTick("nightly-sweep", tick))
}

func TestMarshalInput(t *testing.T) {
	raw, err := marshalInput(nil)
	require.NoError(t, err)
	assert.Nil(t, raw)

	raw, err = marshalInput(json.RawMessage(`{"a":1}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1}`, string(raw))

	raw, err = marshalInput(map[string]int{"a": 1})
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1}`, string(raw))
}

func TestStatusIsTerminal(t *testing.T) {
	assert.False(t, StatusPending.IsTerminal())
	assert.False(t, StatusRunning.IsTerminal())
	assert.True(t, StatusCompleted.IsTerminal())
	assert.True(t, StatusFailed.IsTerminal())
	assert.True(t, StatusCancelled.IsTerminal())
}
