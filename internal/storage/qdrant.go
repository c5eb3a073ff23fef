// Package storage manages the medkb chunk collection in Qdrant.
package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
)

// Store wraps the Qdrant client for the chunk collection.
type Store struct {
	client *qdrant.Client
	cfg    Config
}

// Connect creates a Qdrant client and races a health check against the
// configured connection timeout. On timeout or any connection error it
// reports ErrUnavailable; callers decide whether that means falling back
// to keyword search or failing an ingestion job.
func Connect(ctx context.Context, cfg Config) (*Store, error) {
	cfg.applyDefaults()

	client, err := qdrant.NewClient(&qdrant.Config{
		Host: cfg.Host,
		Port: cfg.Port,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	store := &Store{client: client, cfg: cfg}

	healthCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()
	if err := store.healthCheckWithRetry(healthCtx); err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	return store, nil
}

// healthCheckWithRetry retries the health check with exponential backoff
// until the connection deadline expires.
func (s *Store) healthCheckWithRetry(ctx context.Context) error {
	exponentialBackoff := backoff.NewExponentialBackOff()
	exponentialBackoff.InitialInterval = 250 * time.Millisecond
	exponentialBackoff.MaxInterval = 2 * time.Second
	exponentialBackoff.MaxElapsedTime = s.cfg.ConnectTimeout

	operation := func() error {
		return s.Health(ctx)
	}

	return backoff.Retry(operation, backoff.WithContext(exponentialBackoff, ctx))
}

// Health performs a single health check.
func (s *Store) Health(ctx context.Context) error {
	result, err := s.client.HealthCheck(ctx)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	if result == nil || result.Title == "" {
		return fmt.Errorf("health check returned invalid response")
	}
	return nil
}

// EnsureCollection creates the chunk collection if missing and fails fast
// if an existing collection was built with a different vector dimension:
// querying across mismatched dimensions silently returns garbage, so a
// mismatch must stop startup.
func (s *Store) EnsureCollection(ctx context.Context) error {
	collections, err := s.client.ListCollections(ctx)
	if err != nil {
		return fmt.Errorf("failed to list collections: %w", err)
	}

	for _, name := range collections {
		if name == s.cfg.Collection {
			return s.verifyDimension(ctx)
		}
	}

	err = s.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: s.cfg.Collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(s.cfg.Dimension),
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil {
		return fmt.Errorf("failed to create collection: %w", err)
	}

	// Index the source field: delete-by-source filters scan without it.
	_, err = s.client.CreateFieldIndex(ctx, &qdrant.CreateFieldIndexCollection{
		CollectionName: s.cfg.Collection,
		FieldName:      "source",
		FieldType:      qdrant.FieldType_FieldTypeKeyword.Enum(),
	})
	if err != nil {
		return fmt.Errorf("failed to create source index: %w", err)
	}

	return nil
}

// verifyDimension checks the existing collection's vector size against the
// configured embedding dimension.
func (s *Store) verifyDimension(ctx context.Context) error {
	info, err := s.client.GetCollectionInfo(ctx, s.cfg.Collection)
	if err != nil {
		return fmt.Errorf("failed to inspect collection: %w", err)
	}
	params := info.GetConfig().GetParams().GetVectorsConfig().GetParams()
	if params == nil {
		return nil
	}
	if params.Size != uint64(s.cfg.Dimension) {
		return fmt.Errorf("%w: collection %s holds %d-dimension vectors, embedder produces %d",
			ErrDimensionMismatch, s.cfg.Collection, params.Size, s.cfg.Dimension)
	}
	return nil
}

// UpsertEntries stores chunk entries in fixed-size batches with a short
// inter-batch delay. Point ids are deterministic UUIDs derived from the
// chunk id, so re-ingesting a document overwrites its old points.
func (s *Store) UpsertEntries(ctx context.Context, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}

	for i, entry := range entries {
		if len(entry.Embedding) != s.cfg.Dimension {
			return fmt.Errorf("%w: entry %d has %d dimensions, expected %d",
				ErrDimensionMismatch, i, len(entry.Embedding), s.cfg.Dimension)
		}
	}

	for start := 0; start < len(entries); start += s.cfg.BatchSize {
		end := min(start+s.cfg.BatchSize, len(entries))

		if start > 0 {
			select {
			case <-time.After(s.cfg.BatchDelay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		batch := entries[start:end]
		points := make([]*qdrant.PointStruct, len(batch))
		for j, entry := range batch {
			points[j] = &qdrant.PointStruct{
				Id:      qdrant.NewIDUUID(pointID(entry.ID)),
				Vectors: qdrant.NewVectors(entry.Embedding...),
				Payload: qdrant.NewValueMap(map[string]any{
					"chunk_id": entry.ID,
					"text":     entry.Text,
					"source":   entry.Source,
					"ordinal":  entry.Ordinal,
					"page":     entry.Page,
					"chapter":  entry.Chapter,
				}),
			}
		}

		if err := s.upsertWithRetry(ctx, points); err != nil {
			return fmt.Errorf("failed to upsert batch %d-%d: %w", start, end, err)
		}
	}

	return nil
}

// upsertWithRetry performs an upsert with exponential backoff.
func (s *Store) upsertWithRetry(ctx context.Context, points []*qdrant.PointStruct) error {
	exponentialBackoff := backoff.NewExponentialBackOff()
	exponentialBackoff.InitialInterval = 500 * time.Millisecond
	exponentialBackoff.MaxInterval = 10 * time.Second
	exponentialBackoff.MaxElapsedTime = 30 * time.Second

	operation := func() error {
		_, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
			CollectionName: s.cfg.Collection,
			Points:         points,
		})
		return err
	}

	return backoff.Retry(operation, backoff.WithContext(exponentialBackoff, ctx))
}

// Query performs nearest-neighbor search and returns the top N entries
// with their cosine distance.
func (s *Store) Query(ctx context.Context, embedding []float32, topN int) ([]ScoredEntry, error) {
	if len(embedding) != s.cfg.Dimension {
		return nil, fmt.Errorf("%w: query has %d dimensions, expected %d",
			ErrDimensionMismatch, len(embedding), s.cfg.Dimension)
	}
	if topN <= 0 {
		topN = 3
	}

	queryCtx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
	defer cancel()

	results, err := s.client.Query(queryCtx, &qdrant.QueryPoints{
		CollectionName: s.cfg.Collection,
		Query:          qdrant.NewQuery(embedding...),
		Limit:          qdrant.PtrOf(uint64(topN)),
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query chunks: %w", err)
	}

	entries := make([]ScoredEntry, 0, len(results))
	for _, result := range results {
		payload := result.Payload
		entries = append(entries, ScoredEntry{
			Entry: Entry{
				ID:      payload["chunk_id"].GetStringValue(),
				Text:    payload["text"].GetStringValue(),
				Source:  payload["source"].GetStringValue(),
				Ordinal: int(payload["ordinal"].GetIntegerValue()),
				Page:    int(payload["page"].GetIntegerValue()),
				Chapter: payload["chapter"].GetStringValue(),
			},
			// Qdrant reports cosine similarity; callers expect distance.
			Distance: 1 - float64(result.Score),
		})
	}

	return entries, nil
}

// Count returns the number of points in the collection.
func (s *Store) Count(ctx context.Context) (uint64, error) {
	info, err := s.client.GetCollectionInfo(ctx, s.cfg.Collection)
	if err != nil {
		return 0, fmt.Errorf("failed to get collection: %w", err)
	}
	return info.GetPointsCount(), nil
}

// DeleteBySource removes every chunk that came from the named document.
func (s *Store) DeleteBySource(ctx context.Context, source string) error {
	_, err := s.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: s.cfg.Collection,
		Points: qdrant.NewPointsSelectorFilter(&qdrant.Filter{
			Must: []*qdrant.Condition{
				qdrant.NewMatch("source", source),
			},
		}),
	})
	if err != nil {
		return fmt.Errorf("failed to delete chunks for %s: %w", source, err)
	}
	return nil
}

// DeleteAll drops every point by recreating the collection.
func (s *Store) DeleteAll(ctx context.Context) error {
	if err := s.client.DeleteCollection(ctx, s.cfg.Collection); err != nil {
		return fmt.Errorf("failed to delete collection: %w", err)
	}
	return s.EnsureCollection(ctx)
}

// Close closes the underlying client connection.
func (s *Store) Close() error {
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}

// pointID derives the stable Qdrant point UUID for a chunk id.
func pointID(chunkID string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(chunkID)).String()
}
