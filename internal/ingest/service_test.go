package ingest

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medassist/medkb/internal/config"
)

type fakeCleaner struct {
	deleted []string
	wiped   bool
}

func (f *fakeCleaner) DeleteBySource(ctx context.Context, source string) error {
	f.deleted = append(f.deleted, source)
	return nil
}

func (f *fakeCleaner) DeleteAll(ctx context.Context) error {
	f.wiped = true
	return nil
}

func testIngestConfig() config.IngestConfig {
	return config.IngestConfig{
		MaxUploadMB:        1,
		CompletedTTLMins:   10,
		SweepEveryMins:     5,
		AllowTestMode:      true,
		TestModeWindowSecs: 1,
	}
}

func newTestService(t *testing.T) (*Service, *fakeIndexer, *fakeReloader, string) {
	t.Helper()
	dataDir := t.TempDir()
	registry := NewRegistry(10 * time.Minute)
	indexer := &fakeIndexer{}
	reloader := &fakeReloader{}
	pipeline := NewPipeline(registry, 50, 10, &fakeEmbedder{}, indexer, reloader, nil)
	svc := NewService(testIngestConfig(), dataDir, registry, pipeline, &fakeCleaner{}, reloader, nil)
	return svc, indexer, reloader, dataDir
}

func TestUploadRejectsUnsupportedType(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	path := writeDoc(t, "notes.docx", "irrelevant")

	_, err := svc.Upload(context.Background(), path, false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported document type")
}

func TestUploadRejectsOversizeFile(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	big := bytes.Repeat([]byte("a"), 1024*1024+1)
	path := filepath.Join(t.TempDir(), "big.txt")
	require.NoError(t, os.WriteFile(path, big, 0o644))

	_, err := svc.Upload(context.Background(), path, false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "upload limit")
}

func TestUploadProcessesInBackground(t *testing.T) {
	svc, indexer, reloader, dataDir := newTestService(t)
	path := writeDoc(t, "diabetes.txt", twoParagraphs)

	key, err := svc.Upload(context.Background(), path, false)
	require.NoError(t, err)
	assert.Contains(t, key, "diabetes.txt")

	_, ok := svc.Status(key)
	require.True(t, ok, "job must be pollable immediately after upload")

	require.Eventually(t, func() bool {
		state, ok := svc.Status(key)
		return ok && state.Status == StatusCompleted
	}, 5*time.Second, 10*time.Millisecond)

	assert.FileExists(t, filepath.Join(dataDir, key))
	assert.Len(t, indexer.entries, 2)
	assert.Equal(t, 1, reloader.calls)
}

func TestUploadTestModeSkipsPipeline(t *testing.T) {
	svc, indexer, _, _ := newTestService(t)
	path := writeDoc(t, "sample.txt", twoParagraphs)

	key, err := svc.Upload(context.Background(), path, true)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		state, ok := svc.Status(key)
		return ok && state.Status == StatusCompleted
	}, 3*time.Second, 20*time.Millisecond)

	assert.Empty(t, indexer.entries, "test mode must not touch the index")
}

func TestUploadKeysAreUnique(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	path := writeDoc(t, "dup.txt", twoParagraphs)

	k1, err := svc.Upload(context.Background(), path, true)
	require.NoError(t, err)
	k2, err := svc.Upload(context.Background(), path, true)
	require.NoError(t, err)
	assert.NotEqual(t, k1, k2)
}

func TestDeleteRemovesFileAndIndexEntries(t *testing.T) {
	dataDir := t.TempDir()
	registry := NewRegistry(10 * time.Minute)
	cleaner := &fakeCleaner{}
	reloader := &fakeReloader{}
	svc := NewService(testIngestConfig(), dataDir, registry, nil, cleaner, reloader, nil)

	name := "1700000000-abcd1234-old.txt"
	require.NoError(t, os.WriteFile(filepath.Join(dataDir, name), []byte(twoParagraphs), 0o644))

	require.NoError(t, svc.Delete(context.Background(), name))

	assert.NoFileExists(t, filepath.Join(dataDir, name))
	assert.Equal(t, []string{name}, cleaner.deleted)
	assert.Equal(t, 1, reloader.calls)
}

func TestDeleteAllWipesEverything(t *testing.T) {
	dataDir := t.TempDir()
	cleaner := &fakeCleaner{}
	reloader := &fakeReloader{}
	svc := NewService(testIngestConfig(), dataDir, NewRegistry(time.Minute), nil, cleaner, reloader, nil)

	require.NoError(t, os.WriteFile(filepath.Join(dataDir, "a.txt"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dataDir, "b.pdf"), []byte("x"), 0o644))

	require.NoError(t, svc.DeleteAll(context.Background()))

	entries, err := os.ReadDir(dataDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
	assert.True(t, cleaner.wiped)
	assert.Equal(t, 1, reloader.calls)
}
