// Package embedding adapts a Genkit embedder into the fixed-dimension
// vector operations the ingestion pipeline and retrieval paths need:
// embedding with retry, cosine similarity and a stable byte encoding.
package embedding

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/firebase/genkit/go/ai"
	"google.golang.org/genai"

	"github.com/devloop/coach/internal/log"
)

// embedder is the subset of ai.Embedder the client needs.
type embedder interface {
	Embed(ctx context.Context, req *ai.EmbedRequest) (*ai.EmbedResponse, error)
}

// RetryConfig configures backoff for transient provider failures.
type RetryConfig struct {
	MaxAttempts     int           // total attempts, including the first
	InitialInterval time.Duration // first backoff delay
	MaxInterval     time.Duration // backoff cap
}

// DefaultRetryConfig returns sensible defaults for embedding API calls.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:     5,
		InitialInterval: time.Second,
		MaxInterval:     30 * time.Second,
	}
}

// retryablePatterns groups transient error substrings by category.
// Matched case-insensitively against err.Error().
//
// String matching because Genkit and provider SDKs do not expose typed
// errors for transient failures. Re-evaluate if that changes.
var retryablePatterns = [][]string{
	{"rate limit", "quota exceeded", "429"},      // rate limiting
	{"500", "502", "503", "504", "unavailable"},  // transient server errors
	{"connection reset", "timeout", "temporary"}, // network errors
}

// retryableError reports whether err is transient and worth retrying.
func retryableError(err error) bool {
	if err == nil {
		return false
	}
	lower := strings.ToLower(err.Error())
	for _, group := range retryablePatterns {
		for _, sub := range group {
			if strings.Contains(lower, sub) {
				return true
			}
		}
	}
	return false
}

// Client embeds text through a Genkit embedder, retrying transient
// failures with exponential backoff. Safe for concurrent use.
type Client struct {
	embedder embedder
	retry    RetryConfig
	logger   log.Logger
}

// NewClient creates an embedding client.
func NewClient(e embedder, retry RetryConfig, logger log.Logger) *Client {
	if logger == nil {
		logger = log.NewNop()
	}
	if retry.MaxAttempts < 1 {
		retry = DefaultRetryConfig()
	}
	return &Client{embedder: e, retry: retry, logger: logger}
}

// Embed returns the vector for text. Transient provider errors (rate
// limits, 5xx, network) are retried with exponential backoff starting at
// InitialInterval and doubling up to MaxInterval; other errors propagate
// immediately.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	var lastErr error
	delay := c.retry.InitialInterval
	start := time.Now()

	for attempt := 1; attempt <= c.retry.MaxAttempts; attempt++ {
		vec, err := c.embedOnce(ctx, text)
		if err == nil {
			if attempt > 1 {
				c.logger.Debug("embedding succeeded after retry",
					"attempts", attempt, "elapsed", time.Since(start))
			}
			return vec, nil
		}

		lastErr = err
		if !retryableError(err) {
			return nil, fmt.Errorf("embed: %w", err)
		}
		if attempt == c.retry.MaxAttempts {
			break
		}

		c.logger.Debug("retrying embedding after transient error",
			"attempt", attempt, "delay", delay, "error", err)

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("context canceled during embedding retry: %w", ctx.Err())
		case <-time.After(delay):
			delay = min(delay*2, c.retry.MaxInterval)
		}
	}

	return nil, fmt.Errorf("embed after %d attempts (elapsed: %v): %w",
		c.retry.MaxAttempts, time.Since(start), lastErr)
}

func (c *Client) embedOnce(ctx context.Context, text string) ([]float32, error) {
	dim := int32(Dimension)
	resp, err := c.embedder.Embed(ctx, &ai.EmbedRequest{
		Input:   []*ai.Document{ai.DocumentFromText(text, nil)},
		Options: &genai.EmbedContentConfig{OutputDimensionality: &dim},
	})
	if err != nil {
		return nil, err
	}
	if len(resp.Embeddings) == 0 || len(resp.Embeddings[0].Embedding) == 0 {
		return nil, fmt.Errorf("empty embedding response")
	}
	vec := resp.Embeddings[0].Embedding
	if len(vec) != Dimension {
		return nil, fmt.Errorf("%w: provider returned %d dimensions, want %d",
			ErrDimensionMismatch, len(vec), Dimension)
	}
	return vec, nil
}
