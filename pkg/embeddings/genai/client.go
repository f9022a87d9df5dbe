// Package genai implements the embeddings client over the Gemini API, the
// API-key path for deployments without a GCP project.
package genai

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"google.golang.org/genai"
)

const (
	DefaultModel     = "gemini-embedding-001"
	DefaultDimension = 1536

	defaultMaxRetries = 3
	retryBaseDelay    = 100 * time.Millisecond
	retryMaxDelay     = 10 * time.Second

	taskQuery    = "RETRIEVAL_QUERY"
	taskDocument = "RETRIEVAL_DOCUMENT"
)

// Config holds the Gemini API embeddings settings.
type Config struct {
	APIKey    string
	Model     string
	Dimension int
}

// Client embeds texts through the Gemini API with an API key.
type Client struct {
	client     *genai.Client
	model      string
	dimension  int
	log        *slog.Logger
	maxRetries int
}

// ClientOption configures the Client.
type ClientOption func(*Client)

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) ClientOption {
	return func(c *Client) { c.log = log }
}

// WithMaxRetries sets the retry budget.
func WithMaxRetries(n int) ClientOption {
	return func(c *Client) { c.maxRetries = n }
}

// NewClient creates a Gemini API embeddings client.
func NewClient(ctx context.Context, cfg Config, opts ...ClientOption) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("API key is required")
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Dimension <= 0 {
		cfg.Dimension = DefaultDimension
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}

	c := &Client{
		client:     client,
		model:      cfg.Model,
		dimension:  cfg.Dimension,
		log:        slog.Default(),
		maxRetries: defaultMaxRetries,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// EmbedQuery embeds one search query with the query task type.
func (c *Client) EmbedQuery(ctx context.Context, query string) ([]float32, error) {
	vectors, err := c.embedWithRetry(ctx, []string{query}, taskQuery)
	if err != nil {
		return nil, err
	}
	if len(vectors) == 0 {
		return nil, fmt.Errorf("no embedding returned")
	}
	return vectors[0], nil
}

// EmbedDocuments embeds corpus texts with the document task type.
func (c *Client) EmbedDocuments(ctx context.Context, documents []string) ([][]float32, error) {
	if len(documents) == 0 {
		return [][]float32{}, nil
	}
	return c.embedWithRetry(ctx, documents, taskDocument)
}

func (c *Client) embedWithRetry(ctx context.Context, texts []string, taskType string) ([][]float32, error) {
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

		vectors, err := c.embedBatch(ctx, texts, taskType)
		if err == nil {
			return vectors, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		lastErr = err
		c.log.Warn("embedding request failed, retrying",
			slog.Int("attempt", attempt), slog.String("error", err.Error()))
	}
	return nil, fmt.Errorf("embedding retries exhausted: %w", lastErr)
}

// embedBatch calls EmbedContent once per text. The Gemini API path has no
// batch predict endpoint, so throughput here is bounded by the caller's
// claim size.
func (c *Client) embedBatch(ctx context.Context, texts []string, taskType string) ([][]float32, error) {
	dim := int32(c.dimension)
	vectors := make([][]float32, 0, len(texts))
	for _, text := range texts {
		result, err := c.client.Models.EmbedContent(ctx, c.model, genai.Text(text),
			&genai.EmbedContentConfig{
				TaskType:             taskType,
				OutputDimensionality: &dim,
			})
		if err != nil {
			return nil, fmt.Errorf("embed text: %w", err)
		}
		if len(result.Embeddings) == 0 {
			return nil, fmt.Errorf("no embeddings returned")
		}
		vectors = append(vectors, result.Embeddings[0].Values)
	}
	return vectors, nil
}
