// Package retrieval answers queries against the knowledge base, combining
// vector search with a keyword fallback so a degraded index never surfaces
// as a user-visible error.
package retrieval

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"

	"github.com/medassist/medkb/internal/chunk"
	"github.com/medassist/medkb/internal/keyword"
	"github.com/medassist/medkb/internal/storage"
)

// ErrEmptyQuery is the only error Retrieve returns: malformed input is
// rejected, everything downstream degrades silently.
var ErrEmptyQuery = errors.New("query must not be empty")

// DefaultTopN is the number of sources returned when the caller does not
// ask for a specific count.
const DefaultTopN = 3

// VectorSearcher is the read side of the vector index. *storage.Store is
// the production implementation.
type VectorSearcher interface {
	Query(ctx context.Context, embedding []float32, topN int) ([]storage.ScoredEntry, error)
}

// Embedder turns query text into a vector. *embedding.Generator is the
// production implementation.
type Embedder interface {
	Initialize(ctx context.Context) error
	Embed(ctx context.Context, text string) []float32
}

// CorpusLoader reads all source documents and re-chunks them into the
// in-memory corpus used by the keyword fallback.
type CorpusLoader interface {
	Load(ctx context.Context) ([]chunk.Chunk, error)
}

// StoreDialer attempts a vector store connection. It may fail; the engine
// treats an unreachable store as a reason to use the fallback, never as an
// error to propagate.
type StoreDialer func(ctx context.Context) (VectorSearcher, error)

// Options tune a single Retrieve call.
type Options struct {
	TopN            int
	IncludeAdjacent bool
}

// Engine orchestrates embedding, vector query and keyword fallback.
// The corpus snapshot is replaced wholesale on reinitialization, so
// concurrent readers see either the old corpus or the new one, never a
// partially updated mix.
type Engine struct {
	loader   CorpusLoader
	embedder Embedder
	dialer   StoreDialer
	logger   *slog.Logger

	mu     sync.RWMutex
	corpus []chunk.Chunk
	store  VectorSearcher
	loaded bool
}

// NewEngine creates an engine. dialer may be nil when no vector store is
// configured; retrieval then always uses the keyword fallback.
func NewEngine(loader CorpusLoader, embedder Embedder, dialer StoreDialer, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		loader:   loader,
		embedder: embedder,
		dialer:   dialer,
		logger:   logger,
	}
}

// Retrieve answers a query with context text and source attribution.
// Vector search is attempted first; on any failure it falls through to
// keyword search over the in-memory corpus. Both paths empty yields an
// empty Result, which callers must treat as "no relevant context".
func (e *Engine) Retrieve(ctx context.Context, query string, opts Options) (Result, error) {
	if strings.TrimSpace(query) == "" {
		return Result{}, ErrEmptyQuery
	}
	topN := opts.TopN
	if topN <= 0 {
		topN = DefaultTopN
	}

	e.ensureLoaded(ctx)

	corpus := e.snapshot()

	if hits := e.vectorSearch(ctx, query, topN); len(hits) > 0 {
		return buildVectorResult(hits, corpus, opts.IncludeAdjacent), nil
	}

	if matches := keyword.Search(query, corpus, topN); len(matches) > 0 {
		return buildKeywordResult(matches), nil
	}

	return Result{Context: "", Sources: []Source{}}, nil
}

// Reinitialize reloads the corpus and re-attempts the vector store
// connection. Idempotent and safe to call concurrently with in-flight
// Retrieve calls: readers keep the previous snapshot until the swap.
func (e *Engine) Reinitialize(ctx context.Context) error {
	corpus, err := e.loader.Load(ctx)

	var store VectorSearcher
	if e.dialer != nil {
		s, derr := e.dialer(ctx)
		if derr != nil {
			e.logger.Warn("vector store unavailable, keyword fallback only", "error", derr)
		} else {
			store = s
		}
	}

	e.mu.Lock()
	if err == nil {
		e.corpus = corpus
	}
	e.store = store
	e.loaded = true
	e.mu.Unlock()

	if err != nil {
		e.logger.Error("corpus reload failed, keeping previous snapshot", "error", err)
		return err
	}
	e.logger.Info("corpus loaded", "chunks", len(corpus))
	return nil
}

// ensureLoaded lazily loads the corpus on the first retrieval.
func (e *Engine) ensureLoaded(ctx context.Context) {
	e.mu.RLock()
	loaded := e.loaded
	e.mu.RUnlock()
	if loaded {
		return
	}
	// Errors already logged; a failed load leaves an empty corpus and
	// retrieval degrades to empty results.
	_ = e.Reinitialize(ctx)
}

func (e *Engine) snapshot() []chunk.Chunk {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.corpus
}

// vectorSearch runs embed + query, returning nil on any failure so the
// caller falls through to the keyword path.
func (e *Engine) vectorSearch(ctx context.Context, query string, topN int) []storage.ScoredEntry {
	e.mu.RLock()
	store := e.store
	e.mu.RUnlock()
	if store == nil {
		return nil
	}

	if err := e.embedder.Initialize(ctx); err != nil {
		e.logger.Warn("embedder not ready, falling back to keyword search", "error", err)
		return nil
	}

	embedding := e.embedder.Embed(ctx, query)
	// A zero query vector means the embedder degraded on this call;
	// querying with it would rank everything equally.
	if isZeroVector(embedding) {
		e.logger.Warn("query embedding degraded, falling back to keyword search")
		return nil
	}

	hits, err := store.Query(ctx, embedding, topN)
	if err != nil {
		e.logger.Warn("vector query failed, falling back to keyword search", "error", err)
		return nil
	}
	return hits
}

// buildVectorResult assembles context and sources from vector hits.
// When adjacent is set, the ordinal neighbors of each hit are pulled from
// the corpus snapshot into the context for continuity across chunk
// boundaries; sources still list only the hits themselves.
func buildVectorResult(hits []storage.ScoredEntry, corpus []chunk.Chunk, adjacent bool) Result {
	var texts []string
	seen := make(map[string]bool)
	appendText := func(id, text string) {
		if text == "" || seen[id] {
			return
		}
		seen[id] = true
		texts = append(texts, text)
	}

	var neighbors map[string]map[int]chunk.Chunk
	if adjacent {
		neighbors = make(map[string]map[int]chunk.Chunk)
		for _, c := range corpus {
			byOrdinal, ok := neighbors[c.Source]
			if !ok {
				byOrdinal = make(map[int]chunk.Chunk)
				neighbors[c.Source] = byOrdinal
			}
			byOrdinal[c.Ordinal] = c
		}
	}

	sources := make([]Source, 0, len(hits))
	for _, hit := range hits {
		if adjacent {
			if prev, ok := neighbors[hit.Source][hit.Ordinal-1]; ok {
				appendText(prev.ID, prev.Text)
			}
		}
		appendText(hit.ID, hit.Text)
		if adjacent {
			if next, ok := neighbors[hit.Source][hit.Ordinal+1]; ok {
				appendText(next.ID, next.Text)
			}
		}

		sources = append(sources, Source{
			Text:   hit.Text,
			Source: hit.Source,
			Page:   hit.Page,
			Score:  Score{Value: relevance(hit.Distance)},
		})
	}

	return Result{
		Context: strings.Join(texts, "\n\n"),
		Sources: sources,
	}
}

func buildKeywordResult(matches []keyword.Result) Result {
	texts := make([]string, 0, len(matches))
	sources := make([]Source, 0, len(matches))
	for _, m := range matches {
		texts = append(texts, m.Chunk.Text)
		sources = append(sources, Source{
			Text:   m.Chunk.Text,
			Source: m.Chunk.Source,
			Page:   m.Chunk.Page,
			Score:  Score{NA: true},
		})
	}
	return Result{
		Context: strings.Join(texts, "\n\n"),
		Sources: sources,
	}
}

// relevance converts the store's cosine distance to the user-facing
// relevance score. This is the single point of translation between the
// native metric and the [0, 1] percentage shown to users.
func relevance(distance float64) float64 {
	score := 1 - distance
	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}

func isZeroVector(vec []float32) bool {
	for _, v := range vec {
		if v != 0 {
			return false
		}
	}
	return true
}
