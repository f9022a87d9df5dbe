package scoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// EngineClient calls the external matrix-factorization scoring engine over
// plain JSON HTTP. Callers wrap it with the scoring-engine circuit breaker.
type EngineClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewEngineClient creates a client for the engine at baseURL.
func NewEngineClient(baseURL string, timeout time.Duration) *EngineClient {
	if timeout == 0 {
		timeout = 60 * time.Second
	}
	return &EngineClient{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Score implements Scorer against POST {engine}/v1/score.
func (c *EngineClient) Score(ctx context.Context, input ScoreInput) (ScoreOutput, error) {
	body, err := json.Marshal(input)
	if err != nil {
		return ScoreOutput{}, fmt.Errorf("marshal score request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/score", bytes.NewReader(body))
	if err != nil {
		return ScoreOutput{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return ScoreOutput{}, fmt.Errorf("scoring engine request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return ScoreOutput{}, fmt.Errorf("scoring engine returned %d: %s", resp.StatusCode, string(snippet))
	}

	var out ScoreOutput
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return ScoreOutput{}, fmt.Errorf("decode engine response: %w", err)
	}
	if out.Metadata.Source == "" {
		out.Metadata.Source = "engine"
	}
	if out.Metadata.ScoredAt.IsZero() {
		out.Metadata.ScoredAt = time.Now().UTC()
	}
	return out, nil
}
