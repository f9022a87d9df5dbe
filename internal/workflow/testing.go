package workflow

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// MemoryStepStore keeps step records in a map, so workflow bodies can be
// exercised in tests without a database. Reusing one store across runs of
// the same execution id replays memoized steps the way the engine does.
type MemoryStepStore struct {
	mu   sync.Mutex
	recs map[string]*StepRecord
}

// NewMemoryStepStore creates an empty in-memory step store.
func NewMemoryStepStore() *MemoryStepStore {
	return &MemoryStepStore{recs: make(map[string]*StepRecord)}
}

func (s *MemoryStepStore) LoadStep(_ context.Context, executionID, stepID string) (*StepRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.recs[executionID+"/"+stepID]
	if !ok {
		return nil, nil
	}
	cp := *rec
	return &cp, nil
}

func (s *MemoryStepStore) SaveStep(_ context.Context, rec *StepRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rec
	s.recs[rec.ExecutionID+"/"+rec.StepID] = &cp
	return nil
}

// NewRunForTest builds a run over a memory store with a fast step-retry
// schedule.
func NewRunForTest(exec *Execution, store *MemoryStepStore, log *slog.Logger) *Run {
	return &Run{
		ctx:   context.Background(),
		exec:  exec,
		store: store,
		log:   log,
		retry: StepRetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond},
	}
}
