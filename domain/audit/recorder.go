package audit

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/opennotes-dev/opennotes-server/internal/bus"
	"github.com/opennotes-dev/opennotes-server/internal/config"
	"github.com/opennotes-dev/opennotes-server/pkg/logger"
)

// store is the persistence surface the recorder needs.
type store interface {
	Insert(ctx context.Context, entry *Log) error
}

// Recorder accepts audit entries synchronously and persists them
// asynchronously on a bounded worker pool.
type Recorder struct {
	store store
	bus   *bus.Bus
	cfg   *config.Config
	log   *slog.Logger

	queue chan *Log
	wg    sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// NewRecorder creates the recorder. Workers start with Start.
func NewRecorder(repo *Repository, eventBus *bus.Bus, cfg *config.Config, log *slog.Logger) *Recorder {
	queueSize := cfg.Audit.QueueSize
	if queueSize < 1 {
		queueSize = 256
	}
	return &Recorder{
		store: repo,
		bus:   eventBus,
		cfg:   cfg,
		log:   log.With(logger.Scope("audit")),
		queue: make(chan *Log, queueSize),
	}
}

// Start launches the persist workers.
func (r *Recorder) Start() {
	workers := r.cfg.Audit.Workers
	if workers < 1 {
		workers = 4
	}
	for i := 0; i < workers; i++ {
		r.wg.Add(1)
		go r.worker()
	}
}

// Stop closes the queue and drains the workers.
func (r *Recorder) Stop() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	close(r.queue)
	r.mu.Unlock()
	r.wg.Wait()
}

// Record submits one entry. It never blocks and never returns an error to
// the request path: on a full queue the entry is dropped with a WARN and a
// counter increment.
func (r *Recorder) Record(_ context.Context, entry Entry) {
	if entry.Action == "" {
		return
	}

	row := &Log{
		ActorID:           entry.ActorID,
		ActorRole:         entry.ActorRole,
		Action:            entry.Action,
		ResourceType:      entry.ResourceType,
		ResourceID:        entry.ResourceID,
		CommunityServerID: entry.CommunityServerID,
		Payload:           TruncatePayload(entry.Payload, r.cfg.Audit.MaxBodyBytes),
		RecordedAt:        time.Now().UTC(),
	}
	entriesTotal.Inc()

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		droppedTotal.Inc()
		return
	}
	select {
	case r.queue <- row:
	default:
		droppedTotal.Inc()
		r.log.Warn("audit queue full, dropping entry", slog.String("action", entry.Action))
	}
}

func (r *Recorder) worker() {
	defer r.wg.Done()
	for row := range r.queue {
		r.persist(row)
	}
}

// persist writes one row with a bounded timeout, then announces it. Failures
// are counted and logged, never propagated.
func (r *Recorder) persist(row *Log) {
	timeout := r.cfg.Audit.PersistTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := r.store.Insert(ctx, row); err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			persistTimeouts.Inc()
		} else {
			persistFailures.Inc()
		}
		r.log.Error("audit persist failed", slog.String("action", row.Action), logger.Error(err))
		return
	}

	if r.bus != nil {
		event, err := bus.NewEvent(bus.EventAuditLogPersisted, map[string]string{
			"id":     row.ID,
			"action": row.Action,
		})
		if err == nil {
			if perr := r.bus.Publish(ctx, event); perr != nil {
				r.log.Warn("audit event publish failed", logger.Error(perr))
			}
		}
	}
}
