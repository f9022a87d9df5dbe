// Package vertex implements llm.Provider over the Vertex AI generateContent
// endpoint. Moderation verdicts and flashpoint reports are short JSON bodies,
// so the client is non-streaming.
package vertex

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/oauth2/google"
)

const (
	DefaultModel           = "gemini-3-flash-preview"
	DefaultTimeout         = 60 * time.Second
	DefaultMaxOutputTokens = 4096
	DefaultMaxRetries      = 3

	retryBaseDelay = 250 * time.Millisecond
	retryMaxDelay  = 8 * time.Second
)

// Config holds the Vertex AI completion settings.
type Config struct {
	ProjectID       string
	Location        string
	Model           string
	Timeout         time.Duration
	Temperature     float64
	MaxOutputTokens int
}

// Client calls Vertex AI with application-default credentials.
type Client struct {
	cfg        Config
	endpoint   string
	httpClient *http.Client
	creds      *google.Credentials
	log        *slog.Logger
	maxRetries int
}

// ClientOption configures the Client.
type ClientOption func(*Client)

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) ClientOption {
	return func(c *Client) { c.log = log }
}

// WithMaxRetries sets the retry budget for 429/5xx responses.
func WithMaxRetries(n int) ClientOption {
	return func(c *Client) { c.maxRetries = n }
}

// NewClient resolves application-default credentials and builds the client.
func NewClient(ctx context.Context, cfg Config, opts ...ClientOption) (*Client, error) {
	if cfg.ProjectID == "" {
		return nil, fmt.Errorf("project ID is required")
	}
	if cfg.Location == "" {
		return nil, fmt.Errorf("location is required")
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxOutputTokens <= 0 {
		cfg.MaxOutputTokens = DefaultMaxOutputTokens
	}

	creds, err := google.FindDefaultCredentials(ctx, "https://www.googleapis.com/auth/cloud-platform")
	if err != nil {
		return nil, fmt.Errorf("find default credentials: %w", err)
	}

	c := &Client{
		cfg: cfg,
		endpoint: fmt.Sprintf(
			"https://%s-aiplatform.googleapis.com/v1/projects/%s/locations/%s/publishers/google/models/%s:generateContent",
			cfg.Location, cfg.ProjectID, cfg.Location, cfg.Model,
		),
		httpClient: &http.Client{Timeout: cfg.Timeout},
		creds:      creds,
		log:        slog.Default(),
		maxRetries: DefaultMaxRetries,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

type generateRequest struct {
	Contents         []reqContent `json:"contents"`
	GenerationConfig genConfig    `json:"generationConfig"`
}

type reqContent struct {
	Role  string    `json:"role,omitempty"`
	Parts []reqPart `json:"parts"`
}

type reqPart struct {
	Text string `json:"text"`
}

type genConfig struct {
	Temperature     float64 `json:"temperature"`
	MaxOutputTokens int     `json:"maxOutputTokens"`
}

type generateResponse struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"content"`
		FinishReason string `json:"finishReason,omitempty"`
	} `json:"candidates"`
}

// Complete implements llm.Provider.
func (c *Client) Complete(ctx context.Context, prompt string) (string, error) {
	body, err := json.Marshal(generateRequest{
		Contents: []reqContent{{Role: "user", Parts: []reqPart{{Text: prompt}}}},
		GenerationConfig: genConfig{
			Temperature:     c.cfg.Temperature,
			MaxOutputTokens: c.cfg.MaxOutputTokens,
		},
	})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	var lastErr error
	delay := retryBaseDelay
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(delay):
			}
			if delay *= 2; delay > retryMaxDelay {
				delay = retryMaxDelay
			}
		}

		var retryable bool
		var text string
		text, retryable, lastErr = c.do(ctx, body)
		if lastErr == nil {
			return text, nil
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		if !retryable {
			return "", lastErr
		}
		c.log.Warn("completion request failed, retrying",
			slog.Int("attempt", attempt), slog.String("error", lastErr.Error()))
	}
	return "", fmt.Errorf("completion retries exhausted: %w", lastErr)
}

func (c *Client) do(ctx context.Context, body []byte) (text string, retryable bool, err error) {
	token, err := c.creds.TokenSource.Token()
	if err != nil {
		return "", false, fmt.Errorf("get access token: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", false, err
	}
	req.Header.Set("Authorization", "Bearer "+token.AccessToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", true, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return "", true, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		retryable := resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500
		return "", retryable, fmt.Errorf("vertex API error %d: %s", resp.StatusCode, respBody)
	}

	var parsed generateResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", false, fmt.Errorf("decode response: %w", err)
	}
	if len(parsed.Candidates) == 0 {
		return "", false, fmt.Errorf("vertex returned no candidates")
	}
	cand := parsed.Candidates[0]
	switch cand.FinishReason {
	case "SAFETY", "RECITATION":
		return "", false, fmt.Errorf("response blocked: %s", cand.FinishReason)
	}

	var out bytes.Buffer
	for _, p := range cand.Content.Parts {
		out.WriteString(p.Text)
	}
	return out.String(), false, nil
}

// IsConfigured implements llm.Provider.
func (c *Client) IsConfigured() bool {
	return c.cfg.ProjectID != "" && c.cfg.Location != "" && c.creds != nil
}

// Model returns the configured model name.
func (c *Client) Model() string {
	return c.cfg.Model
}
