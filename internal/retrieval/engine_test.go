package retrieval

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medassist/medkb/internal/chunk"
	"github.com/medassist/medkb/internal/keyword"
	"github.com/medassist/medkb/internal/storage"
)

type staticLoader struct {
	mu     sync.Mutex
	corpus []chunk.Chunk
	err    error
	loads  int
}

func (l *staticLoader) Load(ctx context.Context) ([]chunk.Chunk, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.loads++
	return l.corpus, l.err
}

type fakeEmbedder struct {
	initErr error
	zero    bool
}

func (f *fakeEmbedder) Initialize(ctx context.Context) error { return f.initErr }

func (f *fakeEmbedder) Embed(ctx context.Context, text string) []float32 {
	vec := make([]float32, 4)
	if !f.zero {
		vec[0] = 1
	}
	return vec
}

type fakeStore struct {
	hits []storage.ScoredEntry
	err  error
}

func (f *fakeStore) Query(ctx context.Context, embedding []float32, topN int) ([]storage.ScoredEntry, error) {
	if f.err != nil {
		return nil, f.err
	}
	if topN < len(f.hits) {
		return f.hits[:topN], nil
	}
	return f.hits, nil
}

func dialTo(store VectorSearcher) StoreDialer {
	return func(ctx context.Context) (VectorSearcher, error) { return store, nil }
}

func medicalCorpus() []chunk.Chunk {
	return []chunk.Chunk{
		{ID: "diabetes_0", Text: "Diabetes is a chronic condition.", Source: "diabetes.pdf", Ordinal: 0, Page: 1},
		{ID: "diabetes_1", Text: "Type 2 diabetes is managed with diet, exercise and metformin.", Source: "diabetes.pdf", Ordinal: 1, Page: 2},
		{ID: "cardio_0", Text: "Hypertension increases cardiovascular risk.", Source: "cardio.pdf", Ordinal: 0, Page: 1},
	}
}

func TestRetrieve_EmptyQueryRejected(t *testing.T) {
	e := NewEngine(&staticLoader{}, &fakeEmbedder{}, nil, nil)

	_, err := e.Retrieve(context.Background(), "   ", Options{})
	assert.ErrorIs(t, err, ErrEmptyQuery)
}

func TestRetrieve_EmptyCorpusNoStore(t *testing.T) {
	e := NewEngine(&staticLoader{}, &fakeEmbedder{}, nil, nil)

	res, err := e.Retrieve(context.Background(), "diabetes", Options{})
	require.NoError(t, err)
	assert.Equal(t, "", res.Context)
	assert.Empty(t, res.Sources)
	assert.NotNil(t, res.Sources, "sources must be an empty list, not null")
}

func TestRetrieve_VectorPath(t *testing.T) {
	store := &fakeStore{hits: []storage.ScoredEntry{
		{Entry: storage.Entry{ID: "diabetes_0", Text: "Diabetes is a chronic condition.", Source: "diabetes.pdf", Page: 1}, Distance: 0.2},
		{Entry: storage.Entry{ID: "diabetes_1", Text: "Type 2 diabetes is managed with diet.", Source: "diabetes.pdf", Page: 2}, Distance: 0.4},
	}}
	e := NewEngine(&staticLoader{corpus: medicalCorpus()}, &fakeEmbedder{}, dialTo(store), nil)

	res, err := e.Retrieve(context.Background(), "how is diabetes treated", Options{TopN: 2})
	require.NoError(t, err)

	require.Len(t, res.Sources, 2)
	assert.InDelta(t, 0.8, res.Sources[0].Score.Value, 1e-9)
	assert.False(t, res.Sources[0].Score.NA)
	assert.Equal(t, "diabetes.pdf", res.Sources[0].Source)
	assert.Equal(t, 1, res.Sources[0].Page)
	assert.Contains(t, res.Context, "chronic condition")
	assert.Contains(t, res.Context, "diet")
}

func TestRetrieve_ScoresClampedToUnitInterval(t *testing.T) {
	store := &fakeStore{hits: []storage.ScoredEntry{
		{Entry: storage.Entry{ID: "a_0", Text: "text one here", Source: "a.pdf"}, Distance: -0.3}, // similarity > 1
		{Entry: storage.Entry{ID: "b_0", Text: "text two here", Source: "b.pdf"}, Distance: 1.7},  // similarity < 0
	}}
	e := NewEngine(&staticLoader{}, &fakeEmbedder{}, dialTo(store), nil)

	res, err := e.Retrieve(context.Background(), "anything at all", Options{})
	require.NoError(t, err)
	require.Len(t, res.Sources, 2)
	assert.Equal(t, 1.0, res.Sources[0].Score.Value)
	assert.Equal(t, 0.0, res.Sources[1].Score.Value)
}

func TestRetrieve_StoreFailureFallsBackToKeyword(t *testing.T) {
	corpus := medicalCorpus()
	store := &fakeStore{err: errors.New("connection reset")}
	e := NewEngine(&staticLoader{corpus: corpus}, &fakeEmbedder{}, dialTo(store), nil)

	res, err := e.Retrieve(context.Background(), "diabetes", Options{TopN: 3})
	require.NoError(t, err)
	require.NotEmpty(t, res.Sources)

	// The fallback must return at least what direct keyword search would.
	direct := keyword.Search("diabetes", corpus, 3)
	require.LessOrEqual(t, len(direct), len(res.Sources))
	for i, m := range direct {
		assert.Equal(t, m.Chunk.Text, res.Sources[i].Text)
		assert.True(t, res.Sources[i].Score.NA, "keyword scores must be the N/A sentinel")
	}
}

func TestRetrieve_DegradedEmbeddingFallsBackToKeyword(t *testing.T) {
	store := &fakeStore{hits: []storage.ScoredEntry{
		{Entry: storage.Entry{ID: "x_0", Text: "should never appear", Source: "x.pdf"}},
	}}
	e := NewEngine(&staticLoader{corpus: medicalCorpus()}, &fakeEmbedder{zero: true}, dialTo(store), nil)

	res, err := e.Retrieve(context.Background(), "diabetes", Options{})
	require.NoError(t, err)
	require.NotEmpty(t, res.Sources)
	assert.True(t, res.Sources[0].Score.NA)
	assert.NotContains(t, res.Context, "should never appear")
}

func TestRetrieve_EmbedderInitFailureFallsBack(t *testing.T) {
	store := &fakeStore{hits: []storage.ScoredEntry{
		{Entry: storage.Entry{ID: "x_0", Text: "vector text", Source: "x.pdf"}},
	}}
	e := NewEngine(&staticLoader{corpus: medicalCorpus()}, &fakeEmbedder{initErr: errors.New("model load failed")}, dialTo(store), nil)

	res, err := e.Retrieve(context.Background(), "hypertension", Options{})
	require.NoError(t, err)
	require.NotEmpty(t, res.Sources)
	assert.True(t, res.Sources[0].Score.NA)
}

func TestRetrieve_IncludeAdjacent(t *testing.T) {
	store := &fakeStore{hits: []storage.ScoredEntry{
		{Entry: storage.Entry{ID: "diabetes_1", Text: "Type 2 diabetes is managed with diet, exercise and metformin.", Source: "diabetes.pdf", Ordinal: 1, Page: 2}, Distance: 0.1},
	}}
	e := NewEngine(&staticLoader{corpus: medicalCorpus()}, &fakeEmbedder{}, dialTo(store), nil)

	res, err := e.Retrieve(context.Background(), "diabetes management", Options{TopN: 1, IncludeAdjacent: true})
	require.NoError(t, err)

	// Context gains the ordinal-0 neighbor; sources list only the hit.
	assert.Contains(t, res.Context, "Diabetes is a chronic condition.")
	require.Len(t, res.Sources, 1)
	assert.Equal(t, "Type 2 diabetes is managed with diet, exercise and metformin.", res.Sources[0].Text)
}

func TestRetrieve_CorpusLoadedOnce(t *testing.T) {
	loader := &staticLoader{corpus: medicalCorpus()}
	e := NewEngine(loader, &fakeEmbedder{}, nil, nil)

	_, err := e.Retrieve(context.Background(), "diabetes", Options{})
	require.NoError(t, err)
	_, err = e.Retrieve(context.Background(), "hypertension", Options{})
	require.NoError(t, err)

	loader.mu.Lock()
	defer loader.mu.Unlock()
	assert.Equal(t, 1, loader.loads, "lazy load must happen at most once")
}

func TestReinitialize_SwapsCorpusWholesale(t *testing.T) {
	loader := &staticLoader{corpus: medicalCorpus()}
	e := NewEngine(loader, &fakeEmbedder{}, nil, nil)

	_, err := e.Retrieve(context.Background(), "diabetes", Options{})
	require.NoError(t, err)

	loader.mu.Lock()
	loader.corpus = nil
	loader.mu.Unlock()
	require.NoError(t, e.Reinitialize(context.Background()))

	res, err := e.Retrieve(context.Background(), "diabetes", Options{})
	require.NoError(t, err)
	assert.Empty(t, res.Sources, "deleted documents must leave the corpus after reinitialize")
}

func TestReinitialize_ConcurrentWithRetrieve(t *testing.T) {
	loader := &staticLoader{corpus: medicalCorpus()}
	e := NewEngine(loader, &fakeEmbedder{}, nil, nil)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.Retrieve(context.Background(), "diabetes", Options{})
			assert.NoError(t, err)
		}()
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, e.Reinitialize(context.Background()))
		}()
	}
	wg.Wait()
}

func TestScore_JSONMarshalling(t *testing.T) {
	data, err := json.Marshal(Source{Text: "t", Source: "s.pdf", Score: Score{NA: true}})
	require.NoError(t, err)
	assert.Contains(t, string(data), `"score":"N/A"`)

	data, err = json.Marshal(Source{Text: "t", Source: "s.pdf", Score: Score{Value: 0.85}})
	require.NoError(t, err)
	assert.Contains(t, string(data), `"score":0.85`)
}
