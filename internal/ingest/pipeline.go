package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/medassist/medkb/internal/chunk"
	"github.com/medassist/medkb/internal/extract"
	"github.com/medassist/medkb/internal/storage"
)

// Progress boundaries per stage. Embedding gets the widest band because
// it dominates wall-clock time on real documents.
const (
	progressExtracting = 5
	progressChunking   = 30
	progressEmbedding  = 45
	progressIndexing   = 80
)

// BatchEmbedder produces vectors for chunk batches.
type BatchEmbedder interface {
	Initialize(ctx context.Context) error
	EmbedBatch(ctx context.Context, texts []string) [][]float32
}

// Indexer persists embedded entries to the vector store.
type Indexer interface {
	EnsureCollection(ctx context.Context) error
	UpsertEntries(ctx context.Context, entries []storage.Entry) error
}

// Reinitializer reloads the retrieval corpus after the index changes.
type Reinitializer interface {
	Reinitialize(ctx context.Context) error
}

// Pipeline runs one uploaded document through extract, chunk, embed and
// index, reporting stage progress to the registry as it goes.
type Pipeline struct {
	registry  *Registry
	splitter  *chunk.Splitter
	markdown  *chunk.MarkdownSplitter
	embedder  BatchEmbedder
	indexer   Indexer
	engine    Reinitializer
	batchSize int
	logger    *slog.Logger
}

// NewPipeline wires the ingestion stages. indexer may be nil when the
// vector store is unreachable; jobs then fail at the indexing stage
// instead of at startup.
func NewPipeline(registry *Registry, minChars, batchSize int, embedder BatchEmbedder, indexer Indexer, engine Reinitializer, logger *slog.Logger) *Pipeline {
	if batchSize <= 0 {
		batchSize = 10
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		registry:  registry,
		splitter:  chunk.NewSplitter(minChars),
		markdown:  chunk.NewMarkdownSplitter(minChars),
		embedder:  embedder,
		indexer:   indexer,
		engine:    engine,
		batchSize: batchSize,
		logger:    logger,
	}
}

// Run processes the stored file at path under the job key. Every failure
// lands in the registry as a failed job; Run never panics out into the
// caller's goroutine.
func (p *Pipeline) Run(ctx context.Context, key, path string) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("ingestion panicked", "job", key, "panic", r)
			p.registry.Fail(key, fmt.Errorf("internal error: %v", r))
		}
	}()

	p.registry.Update(key, StageExtracting, progressExtracting)
	chunks, err := p.extractChunks(key, path)
	if err != nil {
		p.logger.Error("extraction failed", "job", key, "error", err)
		p.registry.Fail(key, err)
		return
	}

	p.registry.Update(key, StageChunking, progressChunking)
	if len(chunks) == 0 {
		p.logger.Warn("document produced no indexable chunks", "job", key)
		p.registry.Complete(key)
		return
	}
	p.logger.Info("document chunked", "job", key, "chunks", len(chunks))

	p.registry.Update(key, StageEmbedding, progressEmbedding)
	if err := p.embedder.Initialize(ctx); err != nil {
		p.registry.Fail(key, fmt.Errorf("embedding model unavailable: %w", err))
		return
	}
	entries := p.embedChunks(ctx, key, chunks)

	p.registry.Update(key, StageIndexing, progressIndexing)
	if err := p.index(ctx, entries); err != nil {
		p.logger.Error("indexing failed", "job", key, "error", err)
		p.registry.Fail(key, err)
		return
	}

	if p.engine != nil {
		if err := p.engine.Reinitialize(ctx); err != nil {
			p.logger.Warn("corpus reload after ingest failed", "job", key, "error", err)
		}
	}
	p.registry.Complete(key)
	p.logger.Info("ingestion complete", "job", key, "chunks", len(chunks))
}

// extractChunks turns the stored file into chunks. The job key doubles as
// the source name so every chunk traces back to the stored filename.
func (p *Pipeline) extractChunks(key, path string) ([]chunk.Chunk, error) {
	if strings.ToLower(filepath.Ext(path)) == ".md" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", key, err)
		}
		return p.markdown.Split(data, key)
	}
	pages, err := extract.File(path)
	if err != nil {
		return nil, err
	}
	return p.splitter.SplitPages(pages, key), nil
}

// embedChunks embeds in batches, advancing progress through the embedding
// band as each batch lands.
func (p *Pipeline) embedChunks(ctx context.Context, key string, chunks []chunk.Chunk) []storage.Entry {
	entries := make([]storage.Entry, 0, len(chunks))
	band := progressIndexing - progressEmbedding
	for start := 0; start < len(chunks); start += p.batchSize {
		end := min(start+p.batchSize, len(chunks))
		texts := make([]string, 0, end-start)
		for _, c := range chunks[start:end] {
			texts = append(texts, c.Text)
		}
		vectors := p.embedder.EmbedBatch(ctx, texts)
		for i, c := range chunks[start:end] {
			entries = append(entries, storage.Entry{
				ID:        c.ID,
				Text:      c.Text,
				Source:    c.Source,
				Ordinal:   c.Ordinal,
				Page:      c.Page,
				Chapter:   c.Chapter,
				Embedding: vectors[i],
			})
		}
		progress := progressEmbedding + band*end/len(chunks)
		p.registry.Update(key, StageEmbedding, progress)
	}
	return entries
}

func (p *Pipeline) index(ctx context.Context, entries []storage.Entry) error {
	if p.indexer == nil {
		return errors.New("vector store unavailable")
	}
	if err := p.indexer.EnsureCollection(ctx); err != nil {
		return fmt.Errorf("preparing collection: %w", err)
	}
	return p.indexer.UpsertEntries(ctx, entries)
}
