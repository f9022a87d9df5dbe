package batchjobs

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun"

	"github.com/opennotes-dev/opennotes-server/internal/cache"
	"github.com/opennotes-dev/opennotes-server/internal/config"
	"github.com/opennotes-dev/opennotes-server/pkg/apperror"
)

// memStore mirrors the repository's guarded-transition semantics in memory.
type memStore struct {
	mu   sync.Mutex
	jobs map[string]*BatchJob
}

func newMemStore() *memStore {
	return &memStore{jobs: map[string]*BatchJob{}}
}

func (m *memStore) Create(_ context.Context, req NewJob) (*BatchJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, j := range m.jobs {
		if j.JobType == req.JobType && j.CommunityServerID == req.CommunityServerID && !j.Status.IsTerminal() {
			return nil, ErrActiveJobExists(req.JobType, req.CommunityServerID, j.ID)
		}
	}
	job := &BatchJob{
		ID:                uuid.NewString(),
		JobType:           req.JobType,
		CommunityServerID: req.CommunityServerID,
		Status:            StatusPending,
		RequestedBy:       req.RequestedBy,
		Parameters:        req.Parameters,
		TotalItems:        req.TotalItems,
		CreatedAt:         time.Now(),
		UpdatedAt:         time.Now(),
	}
	m.jobs[job.ID] = job
	copied := *job
	return &copied, nil
}

func (m *memStore) Get(_ context.Context, id string) (*BatchJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, apperror.NewNotFound("batch job", id)
	}
	copied := *job
	return &copied, nil
}

func (m *memStore) List(_ context.Context, params ListParams) ([]BatchJob, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []BatchJob
	for _, j := range m.jobs {
		if params.Status != "" && j.Status != params.Status {
			continue
		}
		out = append(out, *j)
	}
	return out, len(out), nil
}

func (m *memStore) Transition(_ context.Context, id string, from, to Status, _ func(*bun.UpdateQuery)) (*BatchJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !CanTransition(from, to) {
		return nil, apperror.NewConflict("illegal transition")
	}
	job, ok := m.jobs[id]
	if !ok {
		return nil, apperror.NewNotFound("batch job", id)
	}
	if job.Status != from {
		return nil, apperror.NewConflict("status moved")
	}
	job.Status = to
	job.UpdatedAt = time.Now()
	if to == StatusInProgress {
		now := time.Now()
		job.StartedAt = &now
	}
	copied := *job
	return &copied, nil
}

func (m *memStore) AddProgress(_ context.Context, id string, processedDelta, failedDelta int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return apperror.NewNotFound("batch job", id)
	}
	job.ProcessedItems += processedDelta
	job.FailedItems += failedDelta
	job.UpdatedAt = time.Now()
	return nil
}

func (m *memStore) ListStale(_ context.Context, cutoff time.Time) ([]BatchJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []BatchJob
	for _, j := range m.jobs {
		live := j.Status == StatusPending || j.Status == StatusInProgress
		if live && j.UpdatedAt.Before(cutoff) {
			out = append(out, *j)
		}
	}
	return out, nil
}

func (m *memStore) ListInProgress(_ context.Context) ([]BatchJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []BatchJob
	for _, j := range m.jobs {
		if j.Status == StatusInProgress {
			out = append(out, *j)
		}
	}
	return out, nil
}

func newTestService(t *testing.T) (*Service, *memStore) {
	t.Helper()
	mr := miniredis.RunT(t)
	cfg := &config.Config{
		Redis: config.RedisConfig{KeyPrefix: "opennotes"},
		Scheduler: config.SchedulerConfig{
			StaleJobMaxAge: 24 * time.Hour,
			StuckJobIdle:   time.Hour,
		},
	}
	c := cache.NewClientForTest(mr.Addr(), cfg, slog.Default())
	t.Cleanup(func() { _ = c.Close() })

	store := newMemStore()
	return &Service{
		store: store,
		cache: c,
		cfg:   cfg,
		log:   slog.Default(),
		now:   time.Now,
	}, store
}

func TestStatusTransitionMatrix(t *testing.T) {
	all := []Status{StatusPending, StatusInProgress, StatusCompleted, StatusFailed, StatusCancelled}
	legal := map[[2]Status]bool{
		{StatusPending, StatusInProgress}:   true,
		{StatusPending, StatusFailed}:       true,
		{StatusPending, StatusCancelled}:    true,
		{StatusInProgress, StatusCompleted}: true,
		{StatusInProgress, StatusFailed}:    true,
		{StatusInProgress, StatusCancelled}: true,
	}

	for _, from := range all {
		for _, to := range all {
			want := legal[[2]Status{from, to}]
			assert.Equal(t, want, CanTransition(from, to), "%s -> %s", from, to)
		}
	}
}

func TestTerminalStatusesAbsorb(t *testing.T) {
	for _, s := range []Status{StatusCompleted, StatusFailed, StatusCancelled} {
		assert.True(t, s.IsTerminal())
		for _, to := range []Status{StatusPending, StatusInProgress, StatusCompleted, StatusFailed, StatusCancelled} {
			assert.False(t, CanTransition(s, to), "%s -> %s", s, to)
		}
	}
	assert.False(t, StatusPending.IsTerminal())
	assert.False(t, StatusInProgress.IsTerminal())
}

func TestRecordProgressConcurrent(t *testing.T) {
	svc, store := newTestService(t)
	job, err := svc.Create(context.Background(), NewJob{
		JobType:           "rechunk",
		CommunityServerID: "srv-1",
		TotalItems:        1000,
	})
	require.NoError(t, err)
	_, err = svc.Start(context.Background(), job.ID)
	require.NoError(t, err)

	const workers = 20
	const increments = 50

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < increments; j++ {
				if err := svc.RecordProgress(context.Background(), job.ID, 1, 0); err != nil {
					t.Error(err)
					return
				}
			}
		}()
	}
	wg.Wait()

	p, err := svc.Progress(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, workers*increments, p.ProcessedItems)
	assert.InDelta(t, 100.0, p.Percentage, 0.001)

	durable, err := store.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, workers*increments, durable.ProcessedItems)
}

func TestProgressFallsBackToDurableRow(t *testing.T) {
	svc, store := newTestService(t)
	job, err := svc.Create(context.Background(), NewJob{
		JobType:           "rechunk",
		CommunityServerID: "srv-1",
		TotalItems:        10,
	})
	require.NoError(t, err)

	require.NoError(t, store.AddProgress(context.Background(), job.ID, 4, 1))

	p, err := svc.Progress(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, 4, p.ProcessedItems)
	assert.Equal(t, 1, p.FailedItems)
	assert.InDelta(t, 40.0, p.Percentage, 0.001)
}

func TestProgressZeroTotalHasZeroPercentage(t *testing.T) {
	svc, _ := newTestService(t)
	job, err := svc.Create(context.Background(), NewJob{JobType: "scan", CommunityServerID: "srv-1"})
	require.NoError(t, err)

	p, err := svc.Progress(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Zero(t, p.Percentage)
}

func TestCompleteClearsProgressHash(t *testing.T) {
	svc, _ := newTestService(t)
	job, err := svc.Create(context.Background(), NewJob{JobType: "scan", CommunityServerID: "srv-1", TotalItems: 2})
	require.NoError(t, err)
	_, err = svc.Start(context.Background(), job.ID)
	require.NoError(t, err)
	require.NoError(t, svc.RecordProgress(context.Background(), job.ID, 2, 0))

	_, err = svc.Complete(context.Background(), job.ID, json.RawMessage(`{"ok":true}`))
	require.NoError(t, err)

	fields, err := svc.cache.HGetAll(context.Background(), svc.progressKey(job.ID))
	require.NoError(t, err)
	assert.Empty(t, fields)

	// Durable counters survive the hash.
	p, err := svc.Progress(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, p.ProcessedItems)
	assert.Equal(t, StatusCompleted, p.Status)
}

func TestCancelPendingSucceeds(t *testing.T) {
	svc, _ := newTestService(t)
	job, err := svc.Create(context.Background(), NewJob{JobType: "scan", CommunityServerID: "srv-1"})
	require.NoError(t, err)

	cancelled, err := svc.Cancel(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, cancelled.Status)
}

func TestCancelTerminalConflicts(t *testing.T) {
	svc, _ := newTestService(t)
	job, err := svc.Create(context.Background(), NewJob{JobType: "scan", CommunityServerID: "srv-1"})
	require.NoError(t, err)
	_, err = svc.Start(context.Background(), job.ID)
	require.NoError(t, err)
	_, err = svc.Complete(context.Background(), job.ID, nil)
	require.NoError(t, err)

	_, err = svc.Cancel(context.Background(), job.ID)
	require.Error(t, err)
	var appErr *apperror.Error
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, 409, appErr.HTTPStatus)
}

func TestCreateGuardRejectsSecondActiveJob(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.Create(context.Background(), NewJob{JobType: "scan", CommunityServerID: "srv-1"})
	require.NoError(t, err)

	_, err = svc.Create(context.Background(), NewJob{JobType: "scan", CommunityServerID: "srv-1"})
	var appErr *apperror.Error
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, 409, appErr.HTTPStatus)

	// Other job types and servers are unaffected.
	_, err = svc.Create(context.Background(), NewJob{JobType: "rechunk", CommunityServerID: "srv-1"})
	assert.NoError(t, err)
	_, err = svc.Create(context.Background(), NewJob{JobType: "scan", CommunityServerID: "srv-2"})
	assert.NoError(t, err)
}

func TestSweepStaleFailsUntouchedJobs(t *testing.T) {
	svc, store := newTestService(t)
	job, err := svc.Create(context.Background(), NewJob{JobType: "scan", CommunityServerID: "srv-1"})
	require.NoError(t, err)
	_, err = svc.Start(context.Background(), job.ID)
	require.NoError(t, err)

	old := time.Now().Add(-48 * time.Hour)
	store.mu.Lock()
	store.jobs[job.ID].UpdatedAt = old
	store.mu.Unlock()

	swept, err := svc.SweepStale(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, swept)

	after, err := store.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, after.Status)
}

func TestSweepStaleIncludesUndispatchedPending(t *testing.T) {
	svc, store := newTestService(t)
	job, err := svc.Create(context.Background(), NewJob{JobType: "scan", CommunityServerID: "srv-1"})
	require.NoError(t, err)

	old := time.Now().Add(-48 * time.Hour)
	store.mu.Lock()
	store.jobs[job.ID].UpdatedAt = old
	store.mu.Unlock()

	swept, err := svc.SweepStale(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, swept)

	after, err := store.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, after.Status)
}

func TestSweepStaleSkipsProgressingJobs(t *testing.T) {
	svc, store := newTestService(t)
	job, err := svc.Create(context.Background(), NewJob{JobType: "scan", CommunityServerID: "srv-1"})
	require.NoError(t, err)
	_, err = svc.Start(context.Background(), job.ID)
	require.NoError(t, err)

	// A long-running job counts as fresh while progress keeps touching it.
	old := time.Now().Add(-72 * time.Hour)
	store.mu.Lock()
	store.jobs[job.ID].StartedAt = &old
	store.mu.Unlock()
	require.NoError(t, svc.RecordProgress(context.Background(), job.ID, 1, 0))

	swept, err := svc.SweepStale(context.Background())
	require.NoError(t, err)
	assert.Zero(t, swept)
}

func TestMonitorStuckWarnsWithoutMutating(t *testing.T) {
	svc, store := newTestService(t)

	idle, err := svc.Create(context.Background(), NewJob{JobType: "scan", CommunityServerID: "srv-1"})
	require.NoError(t, err)
	_, err = svc.Start(context.Background(), idle.ID)
	require.NoError(t, err)

	active, err := svc.Create(context.Background(), NewJob{JobType: "scan", CommunityServerID: "srv-2"})
	require.NoError(t, err)
	_, err = svc.Start(context.Background(), active.ID)
	require.NoError(t, err)
	require.NoError(t, svc.RecordProgress(context.Background(), active.ID, 1, 0))

	old := time.Now().Add(-2 * time.Hour)
	store.mu.Lock()
	store.jobs[idle.ID].UpdatedAt = old
	store.mu.Unlock()

	stuck, err := svc.MonitorStuck(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stuck)

	after, err := store.Get(context.Background(), idle.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusInProgress, after.Status, "monitor must not mutate")
}
