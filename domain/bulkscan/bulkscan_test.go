package bulkscan

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opennotes-dev/opennotes-server/internal/cache"
	"github.com/opennotes-dev/opennotes-server/internal/config"
	"github.com/opennotes-dev/opennotes-server/pkg/apperror"
	"github.com/opennotes-dev/opennotes-server/pkg/embeddings"
)

// cannedProvider returns a fixed completion.
type cannedProvider struct {
	response string
	prompts  []string
}

func (p *cannedProvider) Complete(_ context.Context, prompt string) (string, error) {
	p.prompts = append(p.prompts, prompt)
	return p.response, nil
}

func (p *cannedProvider) IsConfigured() bool { return true }

func TestParseFlashpointResponse(t *testing.T) {
	result, err := parseFlashpointResponse(`{"score": 0.82, "reason": "heated"}`)
	require.NoError(t, err)
	assert.InDelta(t, 0.82, result.Score, 1e-9)
	assert.Equal(t, "heated", result.Reason)

	// Prose and code fences around the object are tolerated.
	result, err = parseFlashpointResponse("Here is my verdict:\n```json\n{\"score\": 0.3, \"reason\": \"calm\"}\n```")
	require.NoError(t, err)
	assert.InDelta(t, 0.3, result.Score, 1e-9)

	result, err = parseFlashpointResponse(`{"score": 7.5}`)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, result.Score, 1e-9, "score clamps to [0,1]")

	_, err = parseFlashpointResponse("no json here")
	require.Error(t, err)
}

func TestDetectorArtifactFallbacks(t *testing.T) {
	log := slog.Default()

	t.Run("no uri uses base prompt", func(t *testing.T) {
		cfg := &config.Config{}
		d := NewDetector(nil, nil, cfg, log)
		art := d.fetchArtifact(context.Background())
		assert.Equal(t, basePrompt, art.PromptTemplate)
		assert.InDelta(t, defaultFlashpointThreshold, art.Threshold, 1e-9)
	})

	t.Run("missing file uses base prompt", func(t *testing.T) {
		cfg := &config.Config{}
		cfg.Scan.FlashpointArtifactURI = filepath.Join(t.TempDir(), "absent.json")
		d := NewDetector(nil, nil, cfg, log)
		art := d.fetchArtifact(context.Background())
		assert.Equal(t, basePrompt, art.PromptTemplate)
	})

	t.Run("invalid json uses base prompt", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "artifact.json")
		require.NoError(t, os.WriteFile(path, []byte("not json"), 0o600))
		cfg := &config.Config{}
		cfg.Scan.FlashpointArtifactURI = path
		d := NewDetector(nil, nil, cfg, log)
		art := d.fetchArtifact(context.Background())
		assert.Equal(t, basePrompt, art.PromptTemplate)
	})

	t.Run("valid artifact wins, bad threshold defaults", func(t *testing.T) {
		raw, _ := json.Marshal(artifact{PromptTemplate: "custom {{content}}", Threshold: 1.8})
		path := filepath.Join(t.TempDir(), "artifact.json")
		require.NoError(t, os.WriteFile(path, raw, 0o600))
		cfg := &config.Config{}
		cfg.Scan.FlashpointArtifactURI = path
		d := NewDetector(nil, nil, cfg, log)
		art := d.fetchArtifact(context.Background())
		assert.Equal(t, "custom {{content}}", art.PromptTemplate)
		assert.InDelta(t, defaultFlashpointThreshold, art.Threshold, 1e-9)
	})
}

func TestDetectorFlagsAtThreshold(t *testing.T) {
	provider := &cannedProvider{response: `{"score": 0.8, "reason": "escalating"}`}
	cfg := &config.Config{}
	d := NewDetector(provider, nil, cfg, slog.Default())

	window := []Message{
		{AuthorID: "u1", Content: "you are wrong"},
		{AuthorID: "u2", Content: "say that again"},
	}
	result, err := d.Detect(context.Background(), window)
	require.NoError(t, err)
	assert.True(t, result.Flagged, "0.8 >= default threshold 0.75")
	assert.InDelta(t, 0.8, result.Score, 1e-9)

	require.Len(t, provider.prompts, 1)
	assert.Contains(t, provider.prompts[0], "say that again", "window renders into the prompt")

	// Singleton: second call reuses the compiled template.
	_, err = d.Detect(context.Background(), window)
	require.NoError(t, err)
	assert.Len(t, provider.prompts, 2)
}

func TestDetectorEmptyWindowIsNoop(t *testing.T) {
	d := NewDetector(&cannedProvider{}, nil, &config.Config{}, slog.Default())
	result, err := d.Detect(context.Background(), nil)
	require.NoError(t, err)
	assert.False(t, result.Flagged)
	assert.Zero(t, result.Score)
}

func TestScreenMessage(t *testing.T) {
	provider := &cannedProvider{response: `{"flagged": true, "category": "harassment", "reason": "direct insult"}`}
	verdict, err := screenMessage(context.Background(), provider, "some message")
	require.NoError(t, err)
	assert.True(t, verdict.Flagged)
	assert.Equal(t, "harassment", verdict.Category)
	assert.Contains(t, provider.prompts[0], "some message")

	provider = &cannedProvider{response: "nothing useful"}
	_, err = screenMessage(context.Background(), provider, "x")
	require.Error(t, err)
}

// failingProvider errors on every completion.
type failingProvider struct{ err error }

func (p *failingProvider) Complete(context.Context, string) (string, error) { return "", p.err }
func (p *failingProvider) IsConfigured() bool                               { return true }

func newScanConsumer(provider *failingProvider) *Consumer {
	cfg := &config.Config{}
	cfg.Scan.ModerationEnabled = true
	cfg.Scan.SimilarityThreshold = 0.9
	return &Consumer{
		provider: provider,
		detector: NewDetector(provider, nil, cfg, slog.Default()),
		emb:      embeddings.NewNoopClient(),
		cfg:      cfg,
		log:      slog.Default(),
	}
}

func TestScanMessageAbsorbsTransientDetectorErrors(t *testing.T) {
	c := newScanConsumer(&failingProvider{err: errors.New("upstream 503")})
	scan := &Scan{ID: "scan-1", CommunityServerID: "srv-1"}
	messages := []Message{{PlatformMessageID: "m1", Content: "hello"}}

	flag, score, err := c.scanMessage(context.Background(), scan, messages, 0)
	require.NoError(t, err, "flaky detectors must not fail the batch")
	assert.Nil(t, flag)
	assert.False(t, score.Flagged)
	assert.Zero(t, score.Score)
}

func TestScanMessageCancellationFailsBatch(t *testing.T) {
	c := newScanConsumer(&failingProvider{err: fmt.Errorf("complete: %w", context.Canceled)})
	scan := &Scan{ID: "scan-1", CommunityServerID: "srv-1"}
	messages := []Message{{PlatformMessageID: "m1", Content: "hello"}}

	_, _, err := c.scanMessage(context.Background(), scan, messages, 0)
	require.ErrorIs(t, err, context.Canceled)
}

func TestContextWindow(t *testing.T) {
	messages := []Message{
		{PlatformMessageID: "0"}, {PlatformMessageID: "1"},
		{PlatformMessageID: "2"}, {PlatformMessageID: "3"},
	}

	window := contextWindow(messages, 3, 3)
	require.Len(t, window, 3)
	assert.Equal(t, "1", window[0].PlatformMessageID)
	assert.Equal(t, "3", window[2].PlatformMessageID)

	window = contextWindow(messages, 0, 10)
	require.Len(t, window, 1)
	assert.Equal(t, "0", window[0].PlatformMessageID)

	window = contextWindow(messages, 2, 0)
	require.Len(t, window, 1, "size floor is one message")
}

func TestExcerptTruncates(t *testing.T) {
	short := "hello"
	assert.Equal(t, short, excerpt(short))

	long := strings.Repeat("å", excerptRunes+50)
	got := excerpt(long)
	assert.Equal(t, excerptRunes+1, len([]rune(got)))
	assert.True(t, strings.HasSuffix(got, "…"))
}

func newLockTestService(t *testing.T) *Service {
	t.Helper()
	mr := miniredis.RunT(t)
	cfg := &config.Config{Redis: config.RedisConfig{KeyPrefix: "opennotes"}}
	c := cache.NewClientForTest(mr.Addr(), cfg, slog.Default())
	t.Cleanup(func() { _ = c.Close() })
	return &Service{cache: c, cfg: cfg, log: slog.Default()}
}

func TestStartValidation(t *testing.T) {
	svc := newLockTestService(t)

	_, err := svc.Start(context.Background(), "srv-1", "u1", StartRequest{})
	var appErr *apperror.Error
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, 422, appErr.HTTPStatus)

	_, err = svc.Start(context.Background(), "srv-1", "u1", StartRequest{
		ChannelIDs: []string{"c1"},
		WindowDays: 5000,
	})
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, 422, appErr.HTTPStatus)
}

func TestStartHeldLockConflicts(t *testing.T) {
	svc := newLockTestService(t)

	_, acquired, err := svc.cache.AcquireLock(context.Background(), lockName("srv-1"), time.Minute)
	require.NoError(t, err)
	require.True(t, acquired)

	_, err = svc.Start(context.Background(), "srv-1", "u1", StartRequest{ChannelIDs: []string{"c1"}})
	var appErr *apperror.Error
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, 409, appErr.HTTPStatus)
	assert.Equal(t, "srv-1", appErr.Details["community_server_id"])
}
