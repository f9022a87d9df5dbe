package bulkscan

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/aymerick/raymond"

	"github.com/opennotes-dev/opennotes-server/internal/config"
	"github.com/opennotes-dev/opennotes-server/internal/storage"
	"github.com/opennotes-dev/opennotes-server/pkg/llm"
	"github.com/opennotes-dev/opennotes-server/pkg/logger"
)

const defaultFlashpointThreshold = 0.75

// basePrompt is the built-in fallback when no artifact is configured or the
// artifact fails to load.
const basePrompt = `You are a moderation assistant for an online community.
Given the following conversation window, estimate how likely the most recent
message is to escalate into a hostile exchange (a "flashpoint").

Conversation:
{{#each messages}}
[{{author_id}}]: {{content}}
{{/each}}

Respond with a single JSON object: {"score": <0.0-1.0>, "reason": "<short explanation>"}`

// artifact is the opaque detection blob: a prompt template plus calibration.
type artifact struct {
	PromptTemplate string  `json:"prompt_template"`
	Threshold      float64 `json:"threshold"`
}

// FlashpointResult is one detector verdict over a context window.
type FlashpointResult struct {
	Score   float64 `json:"score"`
	Reason  string  `json:"reason"`
	Flagged bool    `json:"flagged"`
}

// Detector scores sliding message windows for escalation. The compiled
// template is a process-wide singleton loaded on first use.
type Detector struct {
	provider llm.Provider
	storage  *storage.Service
	cfg      *config.Config
	log      *slog.Logger

	mu       sync.Mutex
	compiled atomic.Pointer[compiledArtifact]
}

type compiledArtifact struct {
	tpl       *raymond.Template
	threshold float64
}

// NewDetector creates the flashpoint detector
func NewDetector(provider llm.Provider, storageSvc *storage.Service, cfg *config.Config, log *slog.Logger) *Detector {
	return &Detector{
		provider: provider,
		storage:  storageSvc,
		cfg:      cfg,
		log:      log.With(logger.Scope("bulkscan.flashpoint")),
	}
}

// load returns the compiled artifact, initializing it once. Concurrent
// callers race to the mutex; losers re-check the pointer before loading.
func (d *Detector) load(ctx context.Context) (*compiledArtifact, error) {
	if ca := d.compiled.Load(); ca != nil {
		return ca, nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if ca := d.compiled.Load(); ca != nil {
		return ca, nil
	}

	art := d.fetchArtifact(ctx)
	tpl, err := raymond.Parse(art.PromptTemplate)
	if err != nil {
		d.log.Warn("artifact template failed to parse, using base prompt", logger.Error(err))
		tpl = raymond.MustParse(basePrompt)
		art.Threshold = defaultFlashpointThreshold
	}

	ca := &compiledArtifact{tpl: tpl, threshold: art.Threshold}
	d.compiled.Store(ca)
	return ca, nil
}

// fetchArtifact reads the configured artifact from a local path or s3://,
// falling back to the built-in prompt on any failure.
func (d *Detector) fetchArtifact(ctx context.Context) artifact {
	fallback := artifact{PromptTemplate: basePrompt, Threshold: defaultFlashpointThreshold}

	uri := d.cfg.Scan.FlashpointArtifactURI
	if uri == "" {
		return fallback
	}

	var raw []byte
	var err error
	if strings.HasPrefix(uri, "s3://") {
		raw, err = d.storage.FetchURI(ctx, uri)
	} else {
		raw, err = os.ReadFile(uri)
	}
	if err != nil {
		d.log.Warn("flashpoint artifact unavailable, using base prompt",
			slog.String("uri", uri), logger.Error(err))
		return fallback
	}

	var art artifact
	if err := json.Unmarshal(raw, &art); err != nil || art.PromptTemplate == "" {
		d.log.Warn("flashpoint artifact invalid, using base prompt", slog.String("uri", uri))
		return fallback
	}
	if art.Threshold <= 0 || art.Threshold > 1 {
		art.Threshold = defaultFlashpointThreshold
	}

	d.log.Info("flashpoint artifact loaded",
		slog.String("uri", uri),
		slog.Float64("threshold", art.Threshold),
	)
	return art
}

// Detect scores the window's most recent message in its context. Scores at or
// above the calibrated threshold flag the window.
func (d *Detector) Detect(ctx context.Context, window []Message) (FlashpointResult, error) {
	if len(window) == 0 {
		return FlashpointResult{}, nil
	}
	if d.provider == nil || !d.provider.IsConfigured() {
		return FlashpointResult{}, fmt.Errorf("llm provider not configured")
	}

	ca, err := d.load(ctx)
	if err != nil {
		return FlashpointResult{}, err
	}

	msgs := make([]map[string]string, 0, len(window))
	for _, m := range window {
		msgs = append(msgs, map[string]string{
			"author_id": m.AuthorID,
			"content":   m.Content,
		})
	}
	prompt, err := ca.tpl.Exec(map[string]any{"messages": msgs})
	if err != nil {
		return FlashpointResult{}, fmt.Errorf("render flashpoint prompt: %w", err)
	}

	response, err := d.provider.Complete(ctx, prompt)
	if err != nil {
		return FlashpointResult{}, fmt.Errorf("flashpoint completion: %w", err)
	}

	result, err := parseFlashpointResponse(response)
	if err != nil {
		return FlashpointResult{}, err
	}
	result.Flagged = result.Score >= ca.threshold
	return result, nil
}

// parseFlashpointResponse extracts the verdict JSON from a completion that
// may wrap it in prose or a code fence.
func parseFlashpointResponse(response string) (FlashpointResult, error) {
	start := strings.Index(response, "{")
	end := strings.LastIndex(response, "}")
	if start < 0 || end <= start {
		return FlashpointResult{}, fmt.Errorf("no JSON object in flashpoint response")
	}

	var result FlashpointResult
	if err := json.Unmarshal([]byte(response[start:end+1]), &result); err != nil {
		return FlashpointResult{}, fmt.Errorf("decode flashpoint response: %w", err)
	}
	if result.Score < 0 {
		result.Score = 0
	}
	if result.Score > 1 {
		result.Score = 1
	}
	return result, nil
}
