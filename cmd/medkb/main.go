// Package main provides the medkb CLI for managing the medical knowledge
// base index.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/medassist/medkb/internal/config"
	"github.com/medassist/medkb/internal/embedding"
	"github.com/medassist/medkb/internal/ingest"
	"github.com/medassist/medkb/internal/retrieval"
	"github.com/medassist/medkb/internal/schedule"
	"github.com/medassist/medkb/internal/storage"
)

var (
	configPath string

	ingestTestMode bool
	queryTopN      int
	queryAdjacent  bool
	wipeConfirmed  bool
)

var rootCmd = &cobra.Command{
	Use:   "medkb",
	Short: "Medical knowledge base indexing and retrieval tool",
	Long: `CLI for the medical knowledge base: ingest reference documents
into Qdrant and query them with semantic search.

Environment variables:
  MEDKB_EMBED_API_KEY API key for the embedding server (optional for local)`,
}

var ingestCmd = &cobra.Command{
	Use:   "ingest <file> [file...]",
	Short: "Ingest documents into the knowledge base",
	Long: `Extracts, chunks, embeds and indexes one or more documents
(.pdf, .md or .txt), reporting per-stage progress until each job
finishes.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runIngest,
}

var queryCmd = &cobra.Command{
	Use:   "query <text>",
	Short: "Search the knowledge base",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runQuery,
}

var deleteCmd = &cobra.Command{
	Use:   "delete <stored-name>",
	Short: "Remove a document and its index entries",
	Args:  cobra.ExactArgs(1),
	RunE:  runDelete,
}

var wipeCmd = &cobra.Command{
	Use:   "wipe",
	Short: "Remove all documents and recreate the collection",
	RunE:  runWipe,
}

var countCmd = &cobra.Command{
	Use:   "count",
	Short: "Report how many chunks are indexed",
	RunE:  runCount,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "medkb.yaml", "config file path")
	ingestCmd.Flags().BoolVar(&ingestTestMode, "test", false, "simulate progress without touching the index")
	queryCmd.Flags().IntVar(&queryTopN, "top", retrieval.DefaultTopN, "number of results")
	queryCmd.Flags().BoolVar(&queryAdjacent, "adjacent", false, "include neighboring chunks for context")
	wipeCmd.Flags().BoolVar(&wipeConfirmed, "yes", false, "confirm the wipe")
	rootCmd.AddCommand(ingestCmd, queryCmd, deleteCmd, wipeCmd, countCmd)
}

func main() {
	// Load .env file if present (local development), ignore if missing
	_ = godotenv.Load()

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runIngest(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	logger := newLogger()

	var indexer ingest.Indexer
	var cleaner ingest.IndexCleaner
	store, err := connectStore(ctx, cfg)
	if err != nil {
		fmt.Printf("Vector store unreachable (%v); jobs will fail at indexing\n", err)
	} else {
		defer store.Close()
		indexer = store
		cleaner = store
	}

	generator := embedding.NewGenerator(embedding.NewClient(cfg.Embedding), cfg.Embedding, logger)
	registry := ingest.NewRegistry(cfg.Ingest.CompletedTTL())
	pipeline := ingest.NewPipeline(registry, cfg.Chunking.MinChars, cfg.Embedding.BatchSize, generator, indexer, nil, logger)
	svc := ingest.NewService(cfg.Ingest, cfg.DataDir, registry, pipeline, cleaner, nil, logger)

	scheduler := schedule.NewScheduler(logger)
	spec := fmt.Sprintf("*/%d * * * *", cfg.Ingest.SweepEveryMins)
	if err := scheduler.AddJob(ingest.NewSweepJob(registry, logger), spec); err != nil {
		return fmt.Errorf("scheduling registry sweep: %w", err)
	}
	scheduler.Start(ctx)
	defer scheduler.Stop()

	failed := 0
	for _, path := range args {
		fmt.Printf("Ingesting %s...\n", path)
		key, err := svc.Upload(ctx, path, ingestTestMode)
		if err != nil {
			fmt.Printf("  rejected: %v\n", err)
			failed++
			continue
		}
		if !poll(svc, key) {
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d documents failed", failed, len(args))
	}
	return nil
}

// poll watches a job until it reaches a terminal state, printing each
// stage transition. Returns true on completion.
func poll(svc *ingest.Service, key string) bool {
	lastStep := ""
	for {
		state, ok := svc.Status(key)
		if !ok {
			fmt.Println("  job expired before finishing")
			return false
		}
		if state.CurrentStep != "" && state.CurrentStep != lastStep {
			fmt.Printf("  %s (%d%%)\n", state.CurrentStep, state.Progress)
			lastStep = state.CurrentStep
		}
		switch state.Status {
		case ingest.StatusCompleted:
			fmt.Printf("  done as %s\n", key)
			return true
		case ingest.StatusFailed:
			fmt.Printf("  failed: %s\n", state.Error)
			return false
		}
		time.Sleep(500 * time.Millisecond)
	}
}

func runQuery(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	logger := newLogger()

	loader := retrieval.NewDirLoader(cfg.DataDir, cfg.Chunking.MinChars, logger)
	generator := embedding.NewGenerator(embedding.NewClient(cfg.Embedding), cfg.Embedding, logger)
	dialer := func(ctx context.Context) (retrieval.VectorSearcher, error) {
		store, err := connectStore(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return store, nil
	}
	engine := retrieval.NewEngine(loader, generator, dialer, logger)

	result, err := engine.Retrieve(ctx, strings.Join(args, " "), retrieval.Options{
		TopN:            queryTopN,
		IncludeAdjacent: queryAdjacent,
	})
	if err != nil {
		return err
	}
	out, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func runDelete(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	logger := newLogger()

	var cleaner ingest.IndexCleaner
	store, err := connectStore(ctx, cfg)
	if err != nil {
		fmt.Printf("Vector store unreachable (%v); index entries will linger\n", err)
	} else {
		defer store.Close()
		cleaner = store
	}

	svc := ingest.NewService(cfg.Ingest, cfg.DataDir, ingest.NewRegistry(cfg.Ingest.CompletedTTL()), nil, cleaner, nil, logger)
	if err := svc.Delete(ctx, args[0]); err != nil {
		return err
	}
	fmt.Printf("Deleted %s\n", args[0])
	return nil
}

func runWipe(cmd *cobra.Command, args []string) error {
	if !wipeConfirmed {
		return fmt.Errorf("refusing to wipe without --yes")
	}
	ctx := context.Background()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	logger := newLogger()

	store, err := connectStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("connecting to vector store: %w", err)
	}
	defer store.Close()

	svc := ingest.NewService(cfg.Ingest, cfg.DataDir, ingest.NewRegistry(cfg.Ingest.CompletedTTL()), nil, store, nil, logger)
	if err := svc.DeleteAll(ctx); err != nil {
		return err
	}
	fmt.Println("Knowledge base wiped")
	return nil
}

func runCount(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	store, err := connectStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("connecting to vector store: %w", err)
	}
	defer store.Close()

	count, err := store.Count(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("%d chunks indexed in %s\n", count, cfg.Qdrant.Collection)
	return nil
}

func connectStore(ctx context.Context, cfg *config.Config) (*storage.Store, error) {
	store, err := storage.Connect(ctx, storage.Config{
		Host:           cfg.Qdrant.Host,
		Port:           cfg.Qdrant.Port,
		Collection:     cfg.Qdrant.Collection,
		Dimension:      cfg.Embedding.Dimension,
		ConnectTimeout: cfg.Qdrant.ConnectTimeout(),
		RequestTimeout: cfg.Qdrant.RequestTimeout(),
		BatchSize:      cfg.Embedding.BatchSize,
		BatchDelay:     cfg.Embedding.BatchInterval(),
	})
	if err != nil {
		return nil, err
	}
	if err := store.EnsureCollection(ctx); err != nil {
		store.Close()
		return nil, err
	}
	return store, nil
}

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
}
