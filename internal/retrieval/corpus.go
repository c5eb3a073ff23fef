package retrieval

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/medassist/medkb/internal/chunk"
	"github.com/medassist/medkb/internal/extract"
)

// DirLoader builds the in-memory corpus by re-chunking every source file
// in the data directory. A missing directory is an empty corpus, not an
// error: the system starts before anything has been ingested.
type DirLoader struct {
	dir      string
	splitter *chunk.Splitter
	markdown *chunk.MarkdownSplitter
	logger   *slog.Logger
}

// NewDirLoader creates a loader over dir with the given minimum chunk
// length.
func NewDirLoader(dir string, minChars int, logger *slog.Logger) *DirLoader {
	if logger == nil {
		logger = slog.Default()
	}
	return &DirLoader{
		dir:      dir,
		splitter: chunk.NewSplitter(minChars),
		markdown: chunk.NewMarkdownSplitter(minChars),
		logger:   logger,
	}
}

// Load reads and chunks all supported source files. Files that fail to
// extract are skipped with a warning; one corrupt upload must not empty
// the whole corpus.
func (l *DirLoader) Load(ctx context.Context) ([]chunk.Chunk, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	var corpus []chunk.Chunk
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if entry.IsDir() || !extract.SupportedExt(entry.Name()) {
			continue
		}

		name := entry.Name()
		path := filepath.Join(l.dir, name)

		chunks, err := l.loadFile(path, name)
		if err != nil {
			l.logger.Warn("skipping unreadable source", "source", name, "error", err)
			continue
		}
		corpus = append(corpus, chunks...)
	}
	return corpus, nil
}

func (l *DirLoader) loadFile(path, name string) ([]chunk.Chunk, error) {
	if strings.EqualFold(filepath.Ext(name), ".md") {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		return l.markdown.Split(data, name)
	}

	pages, err := extract.File(path)
	if err != nil {
		return nil, err
	}
	return l.splitter.SplitPages(pages, name), nil
}
