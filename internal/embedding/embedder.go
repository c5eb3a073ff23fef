package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"

	"github.com/medassist/medkb/internal/config"
)

// ErrDimensionMismatch means the model's output dimension does not match
// the configured one. Indexing with a mismatched dimension would make
// every vector query meaningless, so initialization fails fast instead.
var ErrDimensionMismatch = errors.New("embedding dimension mismatch")

// vectorSource produces raw embeddings for a slice of texts. *Client is
// the production implementation.
type vectorSource interface {
	EmbedTexts(ctx context.Context, texts []string) ([][]float32, error)
}

type state int

const (
	stateUninitialized state = iota
	stateInitializing
	stateReady
)

// initAttempt is one in-flight model initialization. Concurrent callers
// wait on done and read err afterwards; err is written before done closes.
type initAttempt struct {
	done chan struct{}
	err  error
}

// Generator owns the embedding model lifecycle. Initialization is lazy and
// happens at most once at a time process-wide: concurrent callers share a
// single in-flight attempt. Per-call failures degrade to the zero vector
// so one bad chunk never blocks the pipeline.
type Generator struct {
	source    vectorSource
	dim       int
	batchSize int
	limiter   *rate.Limiter
	cache     *lru.Cache[string, []float32]
	logger    *slog.Logger

	mu      sync.Mutex
	st      state
	attempt *initAttempt
}

// NewGenerator creates a Generator over source with the configured
// dimension, batch size, throttling interval and cache size.
func NewGenerator(source vectorSource, cfg config.EmbeddingConfig, logger *slog.Logger) *Generator {
	if logger == nil {
		logger = slog.Default()
	}
	cacheSize := cfg.CacheSize
	if cacheSize <= 0 {
		cacheSize = 2048
	}
	cache, _ := lru.New[string, []float32](cacheSize)
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 10
	}
	return &Generator{
		source:    source,
		dim:       cfg.Dimension,
		batchSize: batchSize,
		limiter:   rate.NewLimiter(rate.Every(cfg.BatchInterval()), 1),
		cache:     cache,
		logger:    logger,
	}
}

// Dimension returns the fixed output dimension.
func (g *Generator) Dimension() int {
	return g.dim
}

// Initialize brings the model to the ready state. It is idempotent: the
// first caller performs the warmup probe while concurrent callers wait on
// the same attempt and share its outcome. A failed attempt resets the
// state so the next call retries.
func (g *Generator) Initialize(ctx context.Context) error {
	g.mu.Lock()
	switch g.st {
	case stateReady:
		g.mu.Unlock()
		return nil

	case stateInitializing:
		att := g.attempt
		g.mu.Unlock()
		select {
		case <-att.done:
			if att.err != nil {
				return fmt.Errorf("model initialization: %w", att.err)
			}
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}

	default:
		att := &initAttempt{done: make(chan struct{})}
		g.attempt = att
		g.st = stateInitializing
		g.mu.Unlock()

		err := g.warmup(ctx)

		g.mu.Lock()
		att.err = err
		if err != nil {
			g.st = stateUninitialized
		} else {
			g.st = stateReady
		}
		g.attempt = nil
		close(att.done)
		g.mu.Unlock()

		if err != nil {
			return fmt.Errorf("model initialization: %w", err)
		}
		return nil
	}
}

// warmup probes the model once and verifies the output dimension against
// the configured one.
func (g *Generator) warmup(ctx context.Context) error {
	vecs, err := g.source.EmbedTexts(ctx, []string{"warmup"})
	if err != nil {
		return err
	}
	if len(vecs) != 1 {
		return fmt.Errorf("warmup returned %d vectors", len(vecs))
	}
	if len(vecs[0]) != g.dim {
		return fmt.Errorf("%w: model produced %d dimensions, configured %d", ErrDimensionMismatch, len(vecs[0]), g.dim)
	}
	return nil
}

// Embed converts text to a vector of exactly Dimension() floats. It fails
// closed: empty input, initialization failure and server errors all yield
// the zero vector with a logged warning rather than an error.
func (g *Generator) Embed(ctx context.Context, text string) []float32 {
	if strings.TrimSpace(text) == "" {
		return g.zeroVector()
	}
	if err := g.Initialize(ctx); err != nil {
		g.logger.Warn("embedding degraded to zero vector", "error", err)
		return g.zeroVector()
	}

	key := cacheKey(text)
	if vec, ok := g.cache.Get(key); ok {
		return vec
	}

	vecs, err := g.source.EmbedTexts(ctx, []string{text})
	if err != nil {
		g.logger.Warn("embedding degraded to zero vector", "error", err)
		return g.zeroVector()
	}
	if len(vecs) != 1 || len(vecs[0]) != g.dim {
		g.logger.Warn("embedding degraded to zero vector", "reason", "unexpected response shape")
		return g.zeroVector()
	}
	g.cache.Add(key, vecs[0])
	return vecs[0]
}

// EmbedBatch embeds texts in fixed-size batches with a throttling delay
// between batches. A failed batch is retried once per text; texts that
// still fail degrade to the zero vector, never aborting the batch. The
// result always has len(texts) entries of exactly Dimension() floats.
func (g *Generator) EmbedBatch(ctx context.Context, texts []string) [][]float32 {
	out := make([][]float32, len(texts))

	if err := g.Initialize(ctx); err != nil {
		g.logger.Warn("batch embedding degraded to zero vectors", "error", err)
		for i := range out {
			out[i] = g.zeroVector()
		}
		return out
	}

	for start := 0; start < len(texts); start += g.batchSize {
		end := min(start+g.batchSize, len(texts))

		if err := g.limiter.Wait(ctx); err != nil {
			for i := start; i < end; i++ {
				out[i] = g.zeroVector()
			}
			continue
		}

		// Serve cached texts, batch the misses.
		var missIdx []int
		var missTexts []string
		for i := start; i < end; i++ {
			if strings.TrimSpace(texts[i]) == "" {
				out[i] = g.zeroVector()
				continue
			}
			if vec, ok := g.cache.Get(cacheKey(texts[i])); ok {
				out[i] = vec
				continue
			}
			missIdx = append(missIdx, i)
			missTexts = append(missTexts, texts[i])
		}
		if len(missTexts) == 0 {
			continue
		}

		vecs, err := g.source.EmbedTexts(ctx, missTexts)
		if err == nil && len(vecs) == len(missTexts) {
			for j, i := range missIdx {
				if len(vecs[j]) != g.dim {
					out[i] = g.zeroVector()
					continue
				}
				g.cache.Add(cacheKey(texts[i]), vecs[j])
				out[i] = vecs[j]
			}
			continue
		}

		// Batch failed: retry each text individually so a single bad
		// input cannot sink its neighbors.
		g.logger.Warn("embedding batch failed, retrying per text", "batch_start", start, "error", err)
		for _, i := range missIdx {
			out[i] = g.Embed(ctx, texts[i])
		}
	}

	return out
}

func (g *Generator) zeroVector() []float32 {
	return make([]float32, g.dim)
}

func cacheKey(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}
