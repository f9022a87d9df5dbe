package similarity

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opennotes-dev/opennotes-server/internal/config"
	"github.com/opennotes-dev/opennotes-server/pkg/apperror"
)

// memStore captures FindSimilar arguments and returns canned matches.
type memStore struct {
	matches   []Match
	limit     int
	threshold float64
	vector    []float32
}

func (m *memStore) Upsert(_ context.Context, _ *Message) error { return nil }

func (m *memStore) FindSimilar(_ context.Context, _ string, vector []float32, limit int, threshold float64) ([]Match, error) {
	m.vector = vector
	m.limit = limit
	m.threshold = threshold
	return m.matches, nil
}

// fixedEmbedder returns one constant query vector.
type fixedEmbedder struct {
	vector []float32
}

func (f *fixedEmbedder) EmbedQuery(_ context.Context, _ string) ([]float32, error) {
	return f.vector, nil
}

func (f *fixedEmbedder) EmbedDocuments(_ context.Context, _ []string) ([][]float32, error) {
	return nil, nil
}

func newTestService(store *memStore, vector []float32) *Service {
	cfg := &config.Config{}
	cfg.Scan.SimilarityThreshold = 0.86
	return &Service{
		store: store,
		emb:   &fixedEmbedder{vector: vector},
		cfg:   cfg,
		log:   slog.Default(),
	}
}

func TestFindSimilarEmptyContentRejected(t *testing.T) {
	svc := newTestService(&memStore{}, []float32{0.1})

	_, _, err := svc.FindSimilar(context.Background(), "srv-1", CheckRequest{Content: "   "})
	var appErr *apperror.Error
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, 422, appErr.HTTPStatus)
}

func TestFindSimilarUsesConfiguredThreshold(t *testing.T) {
	store := &memStore{matches: []Match{{MessageID: "m1", Score: 0.9}}}
	svc := newTestService(store, []float32{0.1, 0.2})

	matches, threshold, err := svc.FindSimilar(context.Background(), "srv-1", CheckRequest{Content: "hello world"})
	require.NoError(t, err)
	assert.InDelta(t, 0.86, threshold, 1e-9)
	assert.InDelta(t, 0.86, store.threshold, 1e-9)
	assert.Equal(t, 10, store.limit, "default limit applies")
	require.Len(t, matches, 1)
	assert.Equal(t, "m1", matches[0].MessageID)
}

func TestFindSimilarExplicitThresholdClamped(t *testing.T) {
	store := &memStore{}
	svc := newTestService(store, []float32{0.1})

	over := 1.4
	_, threshold, err := svc.FindSimilar(context.Background(), "srv-1", CheckRequest{Content: "x", Threshold: &over})
	require.NoError(t, err)
	assert.InDelta(t, 1.0, threshold, 1e-9)
	assert.InDelta(t, 1.0, store.threshold, 1e-9)
}

func TestFindSimilarLimitClamped(t *testing.T) {
	store := &memStore{}
	svc := newTestService(store, []float32{0.1})

	_, _, err := svc.FindSimilar(context.Background(), "srv-1", CheckRequest{Content: "x", Limit: 500})
	require.NoError(t, err)
	assert.Equal(t, maxCheckLimit, store.limit)
}

func TestFindSimilarNoProviderReturnsEmpty(t *testing.T) {
	store := &memStore{matches: []Match{{MessageID: "should-not-appear"}}}
	svc := newTestService(store, nil)

	matches, _, err := svc.FindSimilar(context.Background(), "srv-1", CheckRequest{Content: "x"})
	require.NoError(t, err)
	assert.Empty(t, matches)
	assert.Nil(t, store.vector, "store must not be queried without a vector")
}

func TestRecordValidation(t *testing.T) {
	svc := newTestService(&memStore{}, []float32{0.1})

	err := svc.Record(context.Background(), &Message{CommunityServerID: "s", PlatformMessageID: "p"})
	require.Error(t, err)

	err = svc.Record(context.Background(), &Message{Content: "hi", PlatformMessageID: "p"})
	require.Error(t, err)

	err = svc.Record(context.Background(), &Message{Content: "hi", CommunityServerID: "s"})
	require.Error(t, err)
}
