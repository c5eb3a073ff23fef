package retrieval

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDirLoader_MissingDirIsEmptyCorpus(t *testing.T) {
	l := NewDirLoader(filepath.Join(t.TempDir(), "nope"), 50, nil)
	corpus, err := l.Load(context.Background())
	require.NoError(t, err)
	assert.Empty(t, corpus)
}

func TestDirLoader_LoadsSupportedFiles(t *testing.T) {
	dir := t.TempDir()
	text := "Beta blockers reduce mortality after myocardial infarction and are standard secondary prevention."
	require.NoError(t, os.WriteFile(filepath.Join(dir, "cardio.txt"), []byte(text), 0o644))
	md := "# Renal\n\nAcute kidney injury is commonly classified as prerenal, intrinsic or postrenal by cause.\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "renal.md"), []byte(md), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ignore.json"), []byte("{}"), 0o644))

	l := NewDirLoader(dir, 50, nil)
	corpus, err := l.Load(context.Background())
	require.NoError(t, err)

	require.Len(t, corpus, 2)
	sources := []string{corpus[0].Source, corpus[1].Source}
	assert.Contains(t, sources, "cardio.txt")
	assert.Contains(t, sources, "renal.md")
}

func TestDirLoader_SkipsCorruptFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.pdf"), []byte("not a pdf"), 0o644))
	text := "Proton pump inhibitors suppress gastric acid secretion by irreversibly blocking the H+/K+ ATPase."
	require.NoError(t, os.WriteFile(filepath.Join(dir, "gi.txt"), []byte(text), 0o644))

	l := NewDirLoader(dir, 50, nil)
	corpus, err := l.Load(context.Background())
	require.NoError(t, err)

	require.Len(t, corpus, 1)
	assert.Equal(t, "gi.txt", corpus[0].Source)
}
