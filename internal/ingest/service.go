package ingest

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/medassist/medkb/internal/config"
	"github.com/medassist/medkb/internal/extract"
)

// IndexCleaner removes entries from the vector store on document deletion.
type IndexCleaner interface {
	DeleteBySource(ctx context.Context, source string) error
	DeleteAll(ctx context.Context) error
}

// Service accepts document uploads, launches fire-and-forget pipeline
// runs, and answers status polls through the registry.
type Service struct {
	cfg      config.IngestConfig
	dataDir  string
	registry *Registry
	pipeline *Pipeline
	cleaner  IndexCleaner
	engine   Reinitializer
	logger   *slog.Logger
}

// NewService wires the upload front door. cleaner may be nil when the
// vector store is down; deletes then skip index cleanup and log it.
func NewService(cfg config.IngestConfig, dataDir string, registry *Registry, pipeline *Pipeline, cleaner IndexCleaner, engine Reinitializer, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		cfg:      cfg,
		dataDir:  dataDir,
		registry: registry,
		pipeline: pipeline,
		cleaner:  cleaner,
		engine:   engine,
		logger:   logger,
	}
}

// Upload validates and stores the document at srcPath, registers a job
// and starts processing in the background. It returns the job key
// immediately; callers poll Status with it. The key doubles as the
// stored filename, so status, retrieval sources and deletion all speak
// the same name.
func (s *Service) Upload(ctx context.Context, srcPath string, testMode bool) (string, error) {
	if !extract.SupportedExt(srcPath) {
		return "", fmt.Errorf("%w: %s", extract.ErrUnsupportedType, filepath.Ext(srcPath))
	}
	info, err := os.Stat(srcPath)
	if err != nil {
		return "", err
	}
	if info.Size() > s.cfg.MaxUploadBytes() {
		return "", fmt.Errorf("file exceeds %dMB upload limit", s.cfg.MaxUploadMB)
	}

	key := uploadKey(filepath.Base(srcPath))
	destPath := filepath.Join(s.dataDir, key)
	if err := copyFile(srcPath, destPath); err != nil {
		return "", fmt.Errorf("storing upload: %w", err)
	}

	s.registry.Start(key)
	if testMode && s.cfg.AllowTestMode {
		s.logger.Info("upload accepted in test mode", "job", key)
		go s.simulate(key)
		return key, nil
	}

	s.logger.Info("upload accepted", "job", key, "bytes", info.Size())
	// Detached from the caller's context: the upload call returns now
	// and the pipeline outlives it.
	go s.pipeline.Run(context.Background(), key, destPath)
	return key, nil
}

// Status reports the state of a job. ok is false for unknown or already
// swept keys.
func (s *Service) Status(key string) (JobState, bool) {
	return s.registry.Status(key)
}

// Delete removes a stored document, its vector entries and its keyword
// corpus copy. name must be a stored filename as returned by Upload.
func (s *Service) Delete(ctx context.Context, name string) error {
	name = filepath.Base(name)
	path := filepath.Join(s.dataDir, name)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing %s: %w", name, err)
	}
	if s.cleaner != nil {
		if err := s.cleaner.DeleteBySource(ctx, name); err != nil {
			s.logger.Warn("vector cleanup failed, entries may linger", "source", name, "error", err)
		}
	}
	return s.reload(ctx)
}

// DeleteAll wipes every stored document and the whole collection.
func (s *Service) DeleteAll(ctx context.Context) error {
	entries, err := os.ReadDir(s.dataDir)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	for _, entry := range entries {
		if entry.IsDir() || !extract.SupportedExt(entry.Name()) {
			continue
		}
		if err := os.Remove(filepath.Join(s.dataDir, entry.Name())); err != nil {
			return fmt.Errorf("removing %s: %w", entry.Name(), err)
		}
	}
	if s.cleaner != nil {
		if err := s.cleaner.DeleteAll(ctx); err != nil {
			s.logger.Warn("collection wipe failed", "error", err)
		}
	}
	return s.reload(ctx)
}

func (s *Service) reload(ctx context.Context) error {
	if s.engine == nil {
		return nil
	}
	if err := s.engine.Reinitialize(ctx); err != nil {
		return fmt.Errorf("reloading corpus: %w", err)
	}
	return nil
}

// simulate drives synthetic progress through the real stage names over
// the configured window without touching the embedder or the store.
func (s *Service) simulate(key string) {
	stages := []string{StageExtracting, StageChunking, StageEmbedding, StageIndexing}
	const steps = 20
	interval := s.cfg.TestModeWindow() / steps
	for i := 1; i <= steps; i++ {
		time.Sleep(interval)
		progress := 100 * i / steps
		stage := stages[len(stages)*(i-1)/steps]
		s.registry.Update(key, stage, progress)
	}
	s.registry.Complete(key)
}

// uploadKey generates a unique stored filename that keeps the original
// name readable.
func uploadKey(original string) string {
	base := strings.ReplaceAll(original, " ", "_")
	return fmt.Sprintf("%d-%s-%s", time.Now().UnixMilli(), uuid.NewString()[:8], base)
}

func copyFile(src, dest string) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
