package scoring

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opennotes-dev/opennotes-server/internal/cache"
	"github.com/opennotes-dev/opennotes-server/internal/config"
	"github.com/opennotes-dev/opennotes-server/pkg/circuit"
)

type scorerFunc func(ctx context.Context, input ScoreInput) (ScoreOutput, error)

func (f scorerFunc) Score(ctx context.Context, input ScoreInput) (ScoreOutput, error) {
	return f(ctx, input)
}

func newDegradationService(t *testing.T, engine Scorer) (*Service, *config.Config) {
	t.Helper()
	mr := miniredis.RunT(t)
	cfg := &config.Config{
		Redis:   config.RedisConfig{KeyPrefix: "opennotes"},
		Scoring: config.ScoringConfig{EngineURL: "http://engine", StubCacheTTL: 5 * time.Minute, TriggerThreshold: 200},
	}
	c := cache.NewClientForTest(mr.Addr(), cfg, slog.Default())
	t.Cleanup(func() { _ = c.Close() })

	return &Service{
		cache:   c,
		engine:  engine,
		stub:    NewBayesianAverageScorer(),
		breaker: circuit.NewBreaker("scoring-engine", circuit.DefaultConfig(), slog.Default()),
		cfg:     cfg,
		log:     slog.Default(),
	}, cfg
}

// scoreFixture carries enough notes to leave MINIMAL, so Score takes the
// engine path.
func scoreFixture() ScoreInput {
	input := ScoreInput{
		CommunityServerID: "srv-1",
		Ratings:           []Rating{{NoteID: "n0", RaterID: "r1", Helpful: true}},
		Enrollment:        []Participant{{ID: "p1"}},
	}
	for i := 0; i < 250; i++ {
		input.Notes = append(input.Notes, Note{ID: fmt.Sprintf("n%d", i)})
	}
	return input
}

func minimalFixture() ScoreInput {
	return ScoreInput{
		CommunityServerID: "srv-1",
		Notes:             []Note{{ID: "n1"}},
		Ratings:           []Rating{{NoteID: "n1", RaterID: "r1", Helpful: true}},
		Enrollment:        []Participant{{ID: "p1"}},
	}
}

func TestScoreEngineFailureDegradesToStub(t *testing.T) {
	svc, _ := newDegradationService(t, scorerFunc(func(context.Context, ScoreInput) (ScoreOutput, error) {
		return ScoreOutput{}, errors.New("engine down")
	}))

	out, err := svc.Score(context.Background(), scoreFixture())
	require.NoError(t, err)
	assert.Equal(t, "batch_stub", out.Metadata.Source)
	assert.True(t, out.Metadata.Degraded)
	require.Len(t, out.Scores, 250)
}

func TestScoreDegradedResultIsCached(t *testing.T) {
	engineCalls := 0
	svc, _ := newDegradationService(t, scorerFunc(func(context.Context, ScoreInput) (ScoreOutput, error) {
		engineCalls++
		return ScoreOutput{}, errors.New("engine down")
	}))

	first, err := svc.Score(context.Background(), scoreFixture())
	require.NoError(t, err)

	// A tier above MINIMAL hits the engine path; repeated failures serve the
	// cached degraded result.
	second, err := svc.Score(context.Background(), scoreFixture())
	require.NoError(t, err)

	assert.Equal(t, first.Metadata.ScoredAt, second.Metadata.ScoredAt, "second result must come from cache")
	assert.True(t, second.Metadata.Degraded)
	assert.Equal(t, 2, engineCalls, "stub cache spares recomputation, not the engine probe")
}

func TestScoreEngineSuccessIsNotDegraded(t *testing.T) {
	svc, _ := newDegradationService(t, scorerFunc(func(_ context.Context, input ScoreInput) (ScoreOutput, error) {
		return ScoreOutput{
			Scores:   []NoteScore{{NoteID: "n1", Score: 0.9, RatingCount: 1}},
			Tier:     input.Tier,
			Metadata: ScoreMetadata{Source: "engine", ScoredAt: time.Now()},
		}, nil
	}))

	out, err := svc.Score(context.Background(), scoreFixture())
	require.NoError(t, err)
	assert.Equal(t, "engine", out.Metadata.Source)
	assert.False(t, out.Metadata.Degraded)
	assert.Equal(t, TierLimited, out.Tier)
}

func TestScoreMinimalTierUsesStubDirectly(t *testing.T) {
	svc, _ := newDegradationService(t, scorerFunc(func(context.Context, ScoreInput) (ScoreOutput, error) {
		t.Fatal("engine must not be called for MINIMAL tier")
		return ScoreOutput{}, nil
	}))

	out, err := svc.Score(context.Background(), minimalFixture())
	require.NoError(t, err)
	assert.Equal(t, "bayes", out.Metadata.Source)
	assert.False(t, out.Metadata.Degraded)
}

type fakeProvider struct {
	notes      []Note
	ratings    []Rating
	enrollment []Participant
}

func (p *fakeProvider) Notes(context.Context, string) ([]Note, error)     { return p.notes, nil }
func (p *fakeProvider) Ratings(context.Context, string) ([]Rating, error) { return p.ratings, nil }
func (p *fakeProvider) Enrollment(context.Context, string) ([]Participant, error) {
	return p.enrollment, nil
}

func TestShouldTriggerCountsNotes(t *testing.T) {
	cfg := &config.Config{Scoring: config.ScoringConfig{TriggerThreshold: 200}}

	// Few notes from many participants stays below the threshold.
	crowded := &fakeProvider{notes: make([]Note, 100), enrollment: make([]Participant, 500)}
	svc := &Service{provider: crowded, cfg: cfg, log: slog.Default()}
	ok, n, err := svc.ShouldTrigger(context.Background(), "srv-1")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 100, n)

	// Many notes from few participants triggers.
	prolific := &fakeProvider{notes: make([]Note, 200), enrollment: make([]Participant, 3)}
	svc = &Service{provider: prolific, cfg: cfg, log: slog.Default()}
	ok, n, err = svc.ShouldTrigger(context.Background(), "srv-1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 200, n)
}

func TestScoreValidatesInput(t *testing.T) {
	svc, _ := newDegradationService(t, nil)

	_, err := svc.Score(context.Background(), ScoreInput{Ratings: []Rating{{NoteID: "n1"}}})
	assert.Error(t, err, "empty notes must be rejected")

	_, err = svc.Score(context.Background(), ScoreInput{Notes: []Note{{ID: "n1"}}})
	assert.Error(t, err, "empty ratings must be rejected")
}
