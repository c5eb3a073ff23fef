// Package embedding generates fixed-dimension vectors for text using a
// locally hosted OpenAI-compatible inference server.
package embedding

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/medassist/medkb/internal/config"
)

// Client wraps the OpenAI-compatible API client for embedding generation.
// The base URL points at the local inference server (TEI, Ollama, or any
// server speaking the /v1/embeddings protocol).
type Client struct {
	api     *openai.Client
	model   string
	timeout time.Duration
}

// NewClient creates an embedding client from config. Local inference
// servers typically ignore the API key, but the client library requires
// one, so a placeholder is used when the configured env var is unset.
func NewClient(cfg config.EmbeddingConfig) *Client {
	key := os.Getenv(cfg.APIKeyEnv)
	if key == "" {
		key = "local"
	}
	api := openai.NewClient(
		option.WithBaseURL(cfg.BaseURL),
		option.WithAPIKey(key),
	)
	return &Client{
		api:     &api,
		model:   cfg.Model,
		timeout: cfg.RequestTimeout(),
	}
}

// EmbedTexts requests embeddings for texts in a single API call, retrying
// with exponential backoff on rate limit errors (HTTP 429). Other errors
// are permanent and fail immediately. Each call runs under a bounded
// deadline so a hung server cannot stall the pipeline.
func (c *Client) EmbedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	var embeddings [][]float32

	operation := func() error {
		resp, err := c.api.Embeddings.New(ctx, openai.EmbeddingNewParams{
			Input: openai.EmbeddingNewParamsInputUnion{
				OfArrayOfStrings: texts,
			},
			Model: openai.EmbeddingModel(c.model),
		})
		if err != nil {
			if isRateLimitError(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		if len(resp.Data) != len(texts) {
			return backoff.Permanent(fmt.Errorf("server returned %d embeddings for %d texts", len(resp.Data), len(texts)))
		}
		embeddings = make([][]float32, len(resp.Data))
		for i, data := range resp.Data {
			embeddings[i] = toFloat32(data.Embedding)
		}
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 10 * time.Second
	b.MaxElapsedTime = 30 * time.Second

	if err := backoff.Retry(operation, backoff.WithContext(b, ctx)); err != nil {
		return nil, err
	}
	return embeddings, nil
}

// isRateLimitError checks for HTTP 429 from the inference server.
func isRateLimitError(err error) bool {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == 429
	}
	return false
}

// toFloat32 converts the API's float64 vectors to the float32 the vector
// store expects.
func toFloat32(f64 []float64) []float32 {
	f32 := make([]float32, len(f64))
	for i, v := range f64 {
		f32[i] = float32(v)
	}
	return f32
}
