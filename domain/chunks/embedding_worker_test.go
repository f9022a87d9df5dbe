package chunks

import (
	"context"
	"fmt"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/opennotes-dev/opennotes-server/pkg/circuit"
)

// countingEmbedder counts provider calls and returns fixed-size vectors.
type countingEmbedder struct {
	calls int
	texts int
}

func (c *countingEmbedder) EmbedQuery(context.Context, string) ([]float32, error) {
	return nil, nil
}

func (c *countingEmbedder) EmbedDocuments(_ context.Context, docs []string) ([][]float32, error) {
	c.calls++
	c.texts += len(docs)
	out := make([][]float32, len(docs))
	for i := range docs {
		out[i] = []float32{float32(len(docs[i]))}
	}
	return out, nil
}

func newEmbedTestWorker(client *countingEmbedder) *EmbeddingWorker {
	return &EmbeddingWorker{
		client:  client,
		breaker: circuit.NewBreaker("embeddings-test", circuit.DefaultConfig(), slog.Default()),
		limiter: rate.NewLimiter(rate.Inf, 1),
		log:     slog.Default(),
		seen:    make(map[string][]float32),
	}
}

func TestEmbedBatchDeduplicatesWithinRun(t *testing.T) {
	client := &countingEmbedder{}
	w := newEmbedTestWorker(client)

	batch := []ChunkEmbedding{
		{ContentHash: "h1", Content: "one"},
		{ContentHash: "h2", Content: "two"},
	}
	out, err := w.embedBatch(context.Background(), batch)
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, 1, client.calls)
	assert.Equal(t, 2, client.texts)

	// Same hashes again: served from the cache, no provider call.
	out, err = w.embedBatch(context.Background(), batch)
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.NotNil(t, out[0])
	assert.Equal(t, 1, client.calls)
}

func TestEmbedCacheStaysBounded(t *testing.T) {
	client := &countingEmbedder{}
	w := newEmbedTestWorker(client)

	// Feed well past the cap in unique hashes; the cache resets instead of
	// growing without bound.
	const perBatch = 500
	for n := 0; n < 2*embedCacheMax; n += perBatch {
		batch := make([]ChunkEmbedding, perBatch)
		for i := range batch {
			batch[i] = ChunkEmbedding{ContentHash: fmt.Sprintf("h-%06d", n+i), Content: "text"}
		}
		_, err := w.embedBatch(context.Background(), batch)
		require.NoError(t, err)
		assert.LessOrEqual(t, len(w.seen), embedCacheMax)
	}
}
