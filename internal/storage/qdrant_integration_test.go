//go:build integration

package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupTestStore connects to a local Qdrant and ensures a scratch
// collection exists. Skips if Qdrant is not running.
func setupTestStore(t *testing.T) *Store {
	store, err := Connect(context.Background(), Config{
		Host:       "localhost",
		Port:       6334,
		Collection: "medkb_chunks_test",
		Dimension:  4,
	})
	if err != nil {
		t.Skipf("Qdrant not available: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	require.NoError(t, store.DeleteAll(context.Background()))
	return store
}

func TestEntryRoundTrip(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	entries := []Entry{
		{ID: "diabetes_0", Text: "Diabetes is a chronic condition.", Source: "diabetes.pdf", Ordinal: 0, Page: 1, Embedding: []float32{1, 0, 0, 0}},
		{ID: "diabetes_1", Text: "Insulin regulates blood glucose.", Source: "diabetes.pdf", Ordinal: 1, Page: 2, Embedding: []float32{0, 1, 0, 0}},
		{ID: "cardio_0", Text: "Hypertension raises cardiovascular risk.", Source: "cardio.pdf", Ordinal: 0, Page: 1, Embedding: []float32{0, 0, 1, 0}},
	}
	require.NoError(t, store.UpsertEntries(ctx, entries))

	count, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), count)

	results, err := store.Query(ctx, []float32{1, 0, 0, 0}, 2)
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, "diabetes_0", results[0].ID)
	assert.Equal(t, "diabetes.pdf", results[0].Source)
	assert.Equal(t, 1, results[0].Page)
	assert.InDelta(t, 0.0, results[0].Distance, 1e-3)
}

func TestUpsert_Idempotent(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	entry := Entry{ID: "organs_0", Text: "The liver detoxifies blood.", Source: "organs.pdf", Embedding: []float32{0.5, 0.5, 0, 0}}
	require.NoError(t, store.UpsertEntries(ctx, []Entry{entry}))
	require.NoError(t, store.UpsertEntries(ctx, []Entry{entry}))

	count, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), count, "re-ingestion must overwrite, not duplicate")
}

func TestDeleteBySource(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.UpsertEntries(ctx, []Entry{
		{ID: "a_0", Text: "First document text.", Source: "a.pdf", Embedding: []float32{1, 0, 0, 0}},
		{ID: "b_0", Text: "Second document text.", Source: "b.pdf", Embedding: []float32{0, 1, 0, 0}},
	}))

	require.NoError(t, store.DeleteBySource(ctx, "a.pdf"))
	time.Sleep(200 * time.Millisecond) // deletion is async server-side

	count, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), count)
}

func TestConnect_UnavailableHost(t *testing.T) {
	_, err := Connect(context.Background(), Config{
		Host:           "localhost",
		Port:           1, // nothing listens here
		Collection:     "medkb_chunks_test",
		Dimension:      4,
		ConnectTimeout: 2 * time.Second,
	})
	assert.ErrorIs(t, err, ErrUnavailable)
}
