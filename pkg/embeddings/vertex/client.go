// Package vertex implements the embeddings client against the Vertex AI
// predict endpoint. Queries and documents are embedded with their respective
// retrieval task types so the two sides of the search stay comparable.
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
	DefaultModel     = "gemini-embedding-001"
	DefaultDimension = 1536
	DefaultTimeout   = 30 * time.Second

	// maxBatchSize is the predict API instance limit per request.
	maxBatchSize = 100

	defaultMaxRetries = 3
	retryBaseDelay    = 200 * time.Millisecond
	retryMaxDelay     = 10 * time.Second

	taskQuery    = "RETRIEVAL_QUERY"
	taskDocument = "RETRIEVAL_DOCUMENT"
)

// Config holds the Vertex AI embeddings settings.
type Config struct {
	ProjectID string
	Location  string
	Model     string
	Dimension int
	Timeout   time.Duration
}

// Client calls the predict endpoint with application-default credentials.
type Client struct {
	baseURL    string
	dimension  int
	httpClient *http.Client
	log        *slog.Logger
	maxRetries int

	// tokenFn abstracts the credential source so tests can stub it.
	tokenFn func() (string, error)
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
	if cfg.Dimension <= 0 {
		cfg.Dimension = DefaultDimension
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}

	creds, err := google.FindDefaultCredentials(ctx, "https://www.googleapis.com/auth/cloud-platform")
	if err != nil {
		return nil, fmt.Errorf("find default credentials: %w", err)
	}

	c := &Client{
		baseURL: fmt.Sprintf(
			"https://%s-aiplatform.googleapis.com/v1/projects/%s/locations/%s/publishers/google/models/%s:predict",
			cfg.Location, cfg.ProjectID, cfg.Location, cfg.Model,
		),
		dimension:  cfg.Dimension,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		log:        slog.Default(),
		maxRetries: defaultMaxRetries,
		tokenFn: func() (string, error) {
			tok, err := creds.TokenSource.Token()
			if err != nil {
				return "", err
			}
			return tok.AccessToken, nil
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

type predictRequest struct {
	Instances  []instance         `json:"instances"`
	Parameters *predictParameters `json:"parameters,omitempty"`
}

type instance struct {
	Content  string `json:"content"`
	TaskType string `json:"task_type"`
}

type predictParameters struct {
	OutputDimensionality int `json:"outputDimensionality,omitempty"`
}

type predictResponse struct {
	Predictions []struct {
		Embeddings struct {
			Values []float32 `json:"values"`
		} `json:"embeddings"`
	} `json:"predictions"`
}

// EmbedQuery embeds one search query with the query task type.
func (c *Client) EmbedQuery(ctx context.Context, query string) ([]float32, error) {
	vectors, err := c.predict(ctx, []string{query}, taskQuery)
	if err != nil {
		return nil, err
	}
	if len(vectors) == 0 {
		return nil, fmt.Errorf("no embedding returned")
	}
	return vectors[0], nil
}

// EmbedDocuments embeds corpus texts with the document task type, batching
// at the API instance limit.
func (c *Client) EmbedDocuments(ctx context.Context, documents []string) ([][]float32, error) {
	if len(documents) == 0 {
		return [][]float32{}, nil
	}

	var all [][]float32
	for start := 0; start < len(documents); start += maxBatchSize {
		end := start + maxBatchSize
		if end > len(documents) {
			end = len(documents)
		}
		vectors, err := c.predict(ctx, documents[start:end], taskDocument)
		if err != nil {
			return nil, fmt.Errorf("embed batch %d-%d: %w", start, end, err)
		}
		all = append(all, vectors...)
	}
	return all, nil
}

// predict runs one predict call with retries on 429/5xx.
func (c *Client) predict(ctx context.Context, texts []string, taskType string) ([][]float32, error) {
	instances := make([]instance, len(texts))
	for i, t := range texts {
		instances[i] = instance{Content: t, TaskType: taskType}
	}
	body, err := json.Marshal(predictRequest{
		Instances:  instances,
		Parameters: &predictParameters{OutputDimensionality: c.dimension},
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	var lastErr error
	delay := retryBaseDelay
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
			if delay *= 2; delay > retryMaxDelay {
				delay = retryMaxDelay
			}
		}

		var vectors [][]float32
		var retryable bool
		vectors, retryable, lastErr = c.do(ctx, body, len(texts))
		if lastErr == nil {
			return vectors, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !retryable {
			return nil, lastErr
		}
		c.log.Warn("embedding request failed, retrying",
			slog.Int("attempt", attempt), slog.String("error", lastErr.Error()))
	}
	return nil, fmt.Errorf("embedding retries exhausted: %w", lastErr)
}

func (c *Client) do(ctx context.Context, body []byte, want int) (vectors [][]float32, retryable bool, err error) {
	token, err := c.tokenFn()
	if err != nil {
		return nil, false, fmt.Errorf("get access token: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(body))
	if err != nil {
		return nil, false, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, true, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return nil, true, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		retryable := resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500
		return nil, retryable, fmt.Errorf("vertex API error %d: %s", resp.StatusCode, respBody)
	}

	var parsed predictResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, false, fmt.Errorf("decode response: %w", err)
	}
	if len(parsed.Predictions) != want {
		return nil, false, fmt.Errorf("vertex returned %d predictions for %d instances", len(parsed.Predictions), want)
	}

	vectors = make([][]float32, len(parsed.Predictions))
	for i, p := range parsed.Predictions {
		vectors[i] = p.Embeddings.Values
	}
	return vectors, false, nil
}
