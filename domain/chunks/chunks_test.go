package chunks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opennotes-dev/opennotes-server/domain/batchjobs"
	"github.com/opennotes-dev/opennotes-server/internal/cache"
	"github.com/opennotes-dev/opennotes-server/internal/config"
	"github.com/opennotes-dev/opennotes-server/internal/workflow"
	"github.com/opennotes-dev/opennotes-server/pkg/apperror"
	"github.com/opennotes-dev/opennotes-server/pkg/textsplitter"
)

type stubSource struct {
	kind string
	rows []SourceRow
}

func (s *stubSource) Kind() string { return s.kind }

func (s *stubSource) Batch(_ context.Context, afterID string, limit int) ([]SourceRow, error) {
	start := 0
	if afterID != "" {
		for i, r := range s.rows {
			if r.ID == afterID {
				start = i + 1
				break
			}
		}
	}
	end := start + limit
	if end > len(s.rows) {
		end = len(s.rows)
	}
	return s.rows[start:end], nil
}

func newLockTestService(t *testing.T) *Service {
	t.Helper()
	mr := miniredis.RunT(t)
	cfg := &config.Config{Redis: config.RedisConfig{KeyPrefix: "opennotes", LockTTL: time.Minute}}
	c := cache.NewClientForTest(mr.Addr(), cfg, slog.Default())
	t.Cleanup(func() { _ = c.Close() })

	return &Service{
		cache:    c,
		splitCfg: textsplitter.DefaultSentenceConfig(),
		log:      slog.Default(),
		sources: map[string]Source{
			KindFactChecks: &stubSource{kind: KindFactChecks},
		},
	}
}

func TestTriggerRechunkUnknownKind(t *testing.T) {
	svc := newLockTestService(t)

	_, err := svc.TriggerRechunk(context.Background(), "nonsense", "admin")
	var appErr *apperror.Error
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, 400, appErr.HTTPStatus)
}

func TestTriggerRechunkHeldLockConflicts(t *testing.T) {
	svc := newLockTestService(t)
	ctx := context.Background()

	_, acquired, err := svc.cache.AcquireLock(ctx, "rechunk:"+KindFactChecks, time.Minute)
	require.NoError(t, err)
	require.True(t, acquired)

	_, err = svc.TriggerRechunk(ctx, KindFactChecks, "admin")
	var appErr *apperror.Error
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, 409, appErr.HTTPStatus)
	assert.Equal(t, KindFactChecks, appErr.Details["kind"])
	assert.NotEmpty(t, appErr.Details["lock_holder"])
}

func TestStubSourcePagination(t *testing.T) {
	src := &stubSource{kind: KindFactChecks, rows: []SourceRow{
		{ID: "a", Text: "First."}, {ID: "b", Text: "Second."}, {ID: "c", Text: "Third."},
	}}

	first, err := src.Batch(context.Background(), "", 2)
	require.NoError(t, err)
	require.Len(t, first, 2)

	rest, err := src.Batch(context.Background(), first[len(first)-1].ID, 2)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, "c", rest[0].ID)
}

func TestUpsertTextEmptyInputIsNoop(t *testing.T) {
	svc := newLockTestService(t)

	chunks, err := svc.UpsertText(context.Background(), Parent{Kind: KindFactChecks, ID: "x"}, "   \n\t ")
	require.NoError(t, err)
	assert.Empty(t, chunks)
}

// fakeJobs tracks the job calls the rechunk workflow makes.
type fakeJobs struct {
	mu        sync.Mutex
	processed int
	failed    int
	status    batchjobs.Status
	lastError string
}

func (f *fakeJobs) Create(context.Context, batchjobs.NewJob) (*batchjobs.BatchJob, error) {
	return &batchjobs.BatchJob{ID: "job-1", Status: batchjobs.StatusPending}, nil
}

func (f *fakeJobs) Start(context.Context, string) (*batchjobs.BatchJob, error) {
	return &batchjobs.BatchJob{ID: "job-1", Status: batchjobs.StatusInProgress}, nil
}

func (f *fakeJobs) RecordProgress(_ context.Context, _ string, processedDelta, failedDelta int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.processed += processedDelta
	f.failed += failedDelta
	return nil
}

func (f *fakeJobs) Complete(context.Context, string, json.RawMessage) (*batchjobs.BatchJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status = batchjobs.StatusCompleted
	return &batchjobs.BatchJob{ID: "job-1", Status: batchjobs.StatusCompleted}, nil
}

func (f *fakeJobs) Fail(_ context.Context, _ string, errMsg string) (*batchjobs.BatchJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status = batchjobs.StatusFailed
	f.lastError = errMsg
	return &batchjobs.BatchJob{ID: "job-1", Status: batchjobs.StatusFailed}, nil
}

// flakySource fails a chosen batch a fixed number of times, then serves it.
type flakySource struct {
	stubSource
	failAfterID  string
	failuresLeft int
	calls        map[string]int
}

func (s *flakySource) Batch(ctx context.Context, afterID string, limit int) ([]SourceRow, error) {
	if s.calls == nil {
		s.calls = map[string]int{}
	}
	s.calls[afterID]++
	if afterID == s.failAfterID && s.failuresLeft > 0 {
		s.failuresLeft--
		return nil, errors.New("source unavailable")
	}
	return s.stubSource.Batch(ctx, afterID, limit)
}

func rechunkWorkflowInput(t *testing.T, token string) json.RawMessage {
	t.Helper()
	params, err := json.Marshal(rechunkParams{Kind: KindFactChecks, LockToken: token})
	require.NoError(t, err)
	input, err := json.Marshal(rechunkInput{JobID: "job-1", Parameters: params})
	require.NoError(t, err)
	return input
}

// Whitespace rows split to zero chunks, so the pipeline runs without a
// database while still counting each row as processed.
func blankRows(n int) []SourceRow {
	rows := make([]SourceRow, n)
	for i := range rows {
		rows[i] = SourceRow{ID: fmt.Sprintf("row-%04d", i), Text: "   "}
	}
	return rows
}

func TestRechunkRetryDoesNotDoubleCountProgress(t *testing.T) {
	svc := newLockTestService(t)
	jobs := &fakeJobs{}
	svc.jobs = jobs

	// Two full batches plus a short tail. The second batch fails the whole
	// first execution attempt, then recovers.
	src := &flakySource{
		stubSource:   stubSource{kind: KindFactChecks, rows: blankRows(2*rechunkBatchSize + 30)},
		failAfterID:  fmt.Sprintf("row-%04d", rechunkBatchSize-1),
		failuresLeft: 3,
	}
	svc.sources[KindFactChecks] = src

	ctx := context.Background()
	lock, acquired, err := svc.cache.AcquireLock(ctx, "rechunk:"+KindFactChecks, time.Minute)
	require.NoError(t, err)
	require.True(t, acquired)

	input := rechunkWorkflowInput(t, lock.Token)
	store := workflow.NewMemoryStepStore()
	wf := svc.rechunkWorkflow(KindFactChecks)

	exec := func() *workflow.Run {
		return workflow.NewRunForTest(
			&workflow.Execution{ID: "exec-1", WorkflowName: "rechunk-" + KindFactChecks},
			store, slog.Default())
	}

	_, err = wf(exec(), input)
	require.Error(t, err, "second batch must fail the first attempt")

	// Between attempts the job is still running and the lock still held.
	assert.Equal(t, batchjobs.Status(""), jobs.status, "job must not fail while retries remain")
	_, free, err := svc.cache.AcquireLock(ctx, "rechunk:"+KindFactChecks, time.Minute)
	require.NoError(t, err)
	assert.False(t, free, "lock must stay held across retries")
	assert.Equal(t, rechunkBatchSize, jobs.processed)

	// The retry replays the memoized first batch and finishes the rest.
	out, err := wf(exec(), input)
	require.NoError(t, err)
	assert.JSONEq(t, fmt.Sprintf(`{"processed":%d,"failed":0}`, 2*rechunkBatchSize+30), string(out))

	assert.Equal(t, 2*rechunkBatchSize+30, jobs.processed, "memoized batch must not re-add its delta")
	assert.Equal(t, batchjobs.StatusCompleted, jobs.status)
	assert.Equal(t, 1, src.calls[""], "first batch must be fetched once")

	// Completion released the lock.
	_, free, err = svc.cache.AcquireLock(ctx, "rechunk:"+KindFactChecks, time.Minute)
	require.NoError(t, err)
	assert.True(t, free)
}

func TestRechunkFinalFailureSettlesJobAndLock(t *testing.T) {
	svc := newLockTestService(t)
	jobs := &fakeJobs{}
	svc.jobs = jobs

	ctx := context.Background()
	lock, acquired, err := svc.cache.AcquireLock(ctx, "rechunk:"+KindFactChecks, time.Minute)
	require.NoError(t, err)
	require.True(t, acquired)

	hook := svc.rechunkFailed(KindFactChecks)
	hook(ctx, &workflow.Execution{
		ID:    "exec-1",
		Input: rechunkWorkflowInput(t, lock.Token),
	}, "attempts exhausted")

	assert.Equal(t, batchjobs.StatusFailed, jobs.status)
	assert.Equal(t, "attempts exhausted", jobs.lastError)

	_, free, err := svc.cache.AcquireLock(ctx, "rechunk:"+KindFactChecks, time.Minute)
	require.NoError(t, err)
	assert.True(t, free, "final failure must release the lock")
}
