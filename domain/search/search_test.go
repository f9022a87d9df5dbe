package search

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opennotes-dev/opennotes-server/pkg/apperror"
)

func TestFuseConvexCombination(t *testing.T) {
	semantic := []ArmResult{
		{ChunkID: "a", Score: 0.9},
		{ChunkID: "b", Score: 0.1},
	}
	keyword := []ArmResult{
		{ChunkID: "b", Score: 5.0},
		{ChunkID: "a", Score: 1.0},
	}

	out := Fuse(semantic, keyword, 0.7)
	require.Len(t, out, 2)

	// a: semantic 1.0, keyword 0.0 → 0.7. b: semantic 0.0, keyword 1.0 → 0.3.
	assert.Equal(t, "a", out[0].ChunkID)
	assert.InDelta(t, 0.7, out[0].Score, 1e-9)
	assert.Equal(t, "b", out[1].ChunkID)
	assert.InDelta(t, 0.3, out[1].Score, 1e-9)
}

func TestFuseSingleElementArmNormalizesToOne(t *testing.T) {
	out := Fuse([]ArmResult{{ChunkID: "only", Score: 0.42}}, nil, 0.7)
	require.Len(t, out, 1)
	assert.InDelta(t, 1.0, out[0].SemanticScore, 1e-9)
	assert.InDelta(t, 0.7, out[0].Score, 1e-9)
}

func TestFuseEmptyArmContributesZero(t *testing.T) {
	keyword := []ArmResult{
		{ChunkID: "x", Score: 3.0},
		{ChunkID: "y", Score: 1.0},
	}
	out := Fuse(nil, keyword, 0.7)
	require.Len(t, out, 2)
	assert.Equal(t, "x", out[0].ChunkID)
	assert.InDelta(t, 0.3, out[0].Score, 1e-9)
	assert.Zero(t, out[0].SemanticScore)
}

func TestFuseTieBreaksBySemanticThenID(t *testing.T) {
	// Both all-equal arms normalize every candidate to 1.0, so the fused
	// scores tie and ordering must fall back to chunk id.
	semantic := []ArmResult{
		{ChunkID: "b", Score: 0.5},
		{ChunkID: "a", Score: 0.5},
	}
	out := Fuse(semantic, nil, 1.0)
	require.Len(t, out, 2)
	assert.Equal(t, "a", out[0].ChunkID)
	assert.Equal(t, "b", out[1].ChunkID)
}

func TestFuseAlphaClamped(t *testing.T) {
	semantic := []ArmResult{{ChunkID: "a", Score: 1.0}}
	out := Fuse(semantic, nil, 3.5)
	require.Len(t, out, 1)
	assert.InDelta(t, 1.0, out[0].Score, 1e-9)
}

// memWeights is an in-memory weight store for resolver tests.
type memWeights struct {
	weights map[string]float64
	puts    map[string]float64
	err     error
}

func (m *memWeights) GetWeight(_ context.Context, key string) (*FusionWeight, error) {
	if m.err != nil {
		return nil, m.err
	}
	if a, ok := m.weights[key]; ok {
		return &FusionWeight{Key: key, Alpha: a}, nil
	}
	return nil, nil
}

func (m *memWeights) PutWeight(_ context.Context, key string, alpha float64) (*FusionWeight, error) {
	if m.puts == nil {
		m.puts = map[string]float64{}
	}
	m.puts[key] = alpha
	m.weights[key] = alpha
	return &FusionWeight{Key: key, Alpha: alpha}, nil
}

func newResolverService(weights map[string]float64) (*Service, *memWeights) {
	store := &memWeights{weights: weights}
	return &Service{weights: store, log: slog.Default()}, store
}

func TestResolveAlphaExplicitWins(t *testing.T) {
	svc, _ := newResolverService(map[string]float64{"alpha:notes": 0.2})
	a := 0.9
	got := svc.resolveAlpha(context.Background(), Request{Dataset: "notes", Alpha: &a})
	assert.InDelta(t, 0.9, got, 1e-9)
}

func TestResolveAlphaDatasetKeyBeatsDefault(t *testing.T) {
	svc, _ := newResolverService(map[string]float64{
		"alpha:notes":   0.2,
		"alpha:default": 0.5,
	})
	got := svc.resolveAlpha(context.Background(), Request{Dataset: "notes"})
	assert.InDelta(t, 0.2, got, 1e-9)
}

func TestResolveAlphaFallsBackToDefaultKey(t *testing.T) {
	svc, _ := newResolverService(map[string]float64{"alpha:default": 0.5})
	got := svc.resolveAlpha(context.Background(), Request{Dataset: "notes"})
	assert.InDelta(t, 0.5, got, 1e-9)
}

func TestResolveAlphaMissingRowSelfHeals(t *testing.T) {
	svc, store := newResolverService(map[string]float64{})
	got := svc.resolveAlpha(context.Background(), Request{Dataset: "notes"})
	assert.InDelta(t, DefaultAlpha, got, 1e-9)
	assert.InDelta(t, DefaultAlpha, store.puts["alpha:notes"], 1e-9,
		"default must be written back to the missing key")
}

func TestResolveAlphaSelfHealsOutOfRange(t *testing.T) {
	svc, store := newResolverService(map[string]float64{"alpha:notes": 1.7})
	got := svc.resolveAlpha(context.Background(), Request{Dataset: "notes"})
	assert.InDelta(t, DefaultAlpha, got, 1e-9)
	assert.InDelta(t, DefaultAlpha, store.puts["alpha:notes"], 1e-9,
		"default must replace the corrupt value")
}

func TestResolveAlphaLookupErrorDoesNotOverwrite(t *testing.T) {
	store := &memWeights{weights: map[string]float64{}, err: assert.AnError}
	svc := &Service{weights: store, log: slog.Default()}

	got := svc.resolveAlpha(context.Background(), Request{Dataset: "notes"})
	assert.InDelta(t, DefaultAlpha, got, 1e-9)
	assert.Empty(t, store.puts, "a failed read is not a missing row")
}

func TestPutWeightValidatesRange(t *testing.T) {
	svc, _ := newResolverService(map[string]float64{})

	_, err := svc.PutWeight(context.Background(), "alpha:default", 1.5)
	var appErr *apperror.Error
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, 422, appErr.HTTPStatus)

	_, err = svc.PutWeight(context.Background(), "alpha:default", -0.1)
	require.Error(t, err)

	fw, err := svc.PutWeight(context.Background(), "alpha:default", 0.4)
	require.NoError(t, err)
	assert.InDelta(t, 0.4, fw.Alpha, 1e-9)
}

func TestQueryHash(t *testing.T) {
	h := QueryHash("what is the capital of norway")
	assert.Len(t, h, 16)
	assert.Equal(t, h, QueryHash("what is the capital of norway"))
	assert.NotEqual(t, h, QueryHash("something else"))
}
