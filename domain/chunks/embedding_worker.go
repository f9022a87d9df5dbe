package chunks

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/fx"
	"golang.org/x/time/rate"

	"github.com/opennotes-dev/opennotes-server/domain/tokenbucket"
	"github.com/opennotes-dev/opennotes-server/internal/config"
	"github.com/opennotes-dev/opennotes-server/pkg/circuit"
	"github.com/opennotes-dev/opennotes-server/pkg/embeddings"
	"github.com/opennotes-dev/opennotes-server/pkg/logger"
	"github.com/opennotes-dev/opennotes-server/pkg/syshealth"
)

const (
	embedBatchSize = 100
	embedPollIdle  = 15 * time.Second
	embedHoldTTL   = 2 * time.Minute

	// embedCacheMax bounds the run-local dedup cache. At the cap the cache
	// resets wholesale; a dropped entry only costs a re-embed.
	embedCacheMax = 10000
)

// EmbeddingWorker fills NULL embeddings in the background. Each cycle claims
// a SKIP LOCKED batch, takes a weighted hold on the shared embeddings pool,
// and paces provider calls with a local rate limiter. Provider failures back
// off with jitter and leave the rows NULL for retry.
type EmbeddingWorker struct {
	repo    *Repository
	client  embeddings.Client
	pool    *tokenbucket.Service
	breaker *circuit.Breaker
	limiter *rate.Limiter
	scaler  *syshealth.ConcurrencyScaler
	cfg     *config.Config
	log     *slog.Logger

	workerID string
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	// seen caches hash → vector within a run so duplicate texts across
	// batches cost one provider call.
	mu   sync.Mutex
	seen map[string][]float32
}

// NewEmbeddingWorker creates the worker. It stays idle when embeddings are
// unconfigured (noop client).
func NewEmbeddingWorker(
	repo *Repository,
	client embeddings.Client,
	pool *tokenbucket.Service,
	breakers *circuit.Registry,
	monitor syshealth.Monitor,
	cfg *config.Config,
	log *slog.Logger,
) *EmbeddingWorker {
	rps := cfg.Embeddings.RequestsPerSecond
	if rps <= 0 {
		rps = 5
	}
	return &EmbeddingWorker{
		repo:    repo,
		client:  client,
		pool:    pool,
		breaker: breakers.Get("embeddings", circuit.DefaultConfig()),
		limiter: rate.NewLimiter(rate.Limit(rps), 1),
		scaler: syshealth.NewConcurrencyScaler(
			monitor, "embedding", cfg.Embeddings.ScaleWithHealth, 10, embedBatchSize),
		cfg:     cfg,
		log:     log.With(logger.Scope("chunks.embedder")),
		workerID: fmt.Sprintf("embed-worker-%d", rand.Int63()),
		seen:    make(map[string][]float32),
	}
}

// Start launches the polling loop.
func (w *EmbeddingWorker) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	w.wg.Add(1)
	go w.loop(ctx)
}

// Stop cancels the loop and waits for the in-flight batch.
func (w *EmbeddingWorker) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
}

func (w *EmbeddingWorker) loop(ctx context.Context) {
	defer w.wg.Done()
	backoff := time.Second
	for {
		n, err := w.runCycle(ctx)
		switch {
		case ctx.Err() != nil:
			return
		case err != nil:
			// Exponential backoff with full jitter; the breaker already
			// shields the provider.
			sleep := time.Duration(rand.Int63n(int64(backoff) + 1))
			w.log.Warn("embedding cycle failed",
				slog.Duration("backoff", sleep), logger.Error(err))
			if backoff < time.Minute {
				backoff *= 2
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(sleep):
			}
		case n == 0:
			backoff = time.Second
			select {
			case <-ctx.Done():
				return
			case <-time.After(embedPollIdle):
			}
		default:
			backoff = time.Second
		}
	}
}

// runCycle embeds one batch. Returns the number of chunks embedded.
func (w *EmbeddingWorker) runCycle(ctx context.Context) (int, error) {
	pending, err := w.repo.CountUnembedded(ctx)
	if err != nil || pending == 0 {
		return 0, err
	}

	// Claim size shrinks when the host is in the warning or critical zone.
	batch := w.scaler.GetConcurrency(embedBatchSize)
	tokens := pending
	if tokens > batch {
		tokens = batch
	}
	hold, granted, err := w.pool.TryAcquire(ctx, w.cfg.Embeddings.PoolName, w.workerID, tokens, embedHoldTTL)
	if err != nil {
		return 0, err
	}
	if !granted {
		return 0, nil
	}
	defer func() {
		relCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := w.pool.Release(relCtx, w.cfg.Embeddings.PoolName, hold.HolderID); err != nil {
			w.log.Warn("failed to release embedding hold", logger.Error(err))
		}
	}()

	return w.repo.ClaimAndEmbed(ctx, tokens, w.embedBatch)
}

func (w *EmbeddingWorker) embedBatch(ctx context.Context, batch []ChunkEmbedding) ([][]float32, error) {
	out := make([][]float32, len(batch))

	// Resolve run-local duplicates first.
	var missing []int
	var texts []string
	w.mu.Lock()
	for i, row := range batch {
		if vec, ok := w.seen[row.ContentHash]; ok {
			out[i] = vec
			continue
		}
		missing = append(missing, i)
		texts = append(texts, row.Content)
	}
	w.mu.Unlock()

	if len(missing) == 0 {
		return out, nil
	}

	if err := w.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	var vectors [][]float32
	err := w.breaker.Do(ctx, func(ctx context.Context) error {
		var embedErr error
		vectors, embedErr = w.client.EmbedDocuments(ctx, texts)
		return embedErr
	})
	if err != nil {
		return nil, err
	}
	if vectors == nil {
		// Noop client: leave everything NULL.
		return out, nil
	}
	if len(vectors) != len(texts) {
		return nil, fmt.Errorf("provider returned %d vectors for %d texts", len(vectors), len(texts))
	}

	w.mu.Lock()
	if len(w.seen)+len(missing) > embedCacheMax {
		w.seen = make(map[string][]float32, len(missing))
	}
	for j, i := range missing {
		out[i] = vectors[j]
		w.seen[batch[i].ContentHash] = vectors[j]
	}
	w.mu.Unlock()
	return out, nil
}

// runWorker wires the worker into the fx lifecycle.
func runWorker(lc fx.Lifecycle, w *EmbeddingWorker, cfg *config.Config) {
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			if cfg.Embeddings.Provider == "" {
				return nil
			}
			w.Start()
			return nil
		},
		OnStop: func(context.Context) error {
			w.Stop()
			return nil
		},
	})
}
