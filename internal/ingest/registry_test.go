package ingest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryLifecycle(t *testing.T) {
	r := NewRegistry(10 * time.Minute)
	r.Start("job1")

	state, ok := r.Status("job1")
	require.True(t, ok)
	assert.Equal(t, StatusQueued, state.Status)
	assert.Equal(t, 0, state.Progress)
	assert.False(t, state.StartedAt.IsZero())
	assert.True(t, state.CompletedAt.IsZero())

	r.Update("job1", StageExtracting, 5)
	state, _ = r.Status("job1")
	assert.Equal(t, StatusProcessing, state.Status)
	assert.Equal(t, StageExtracting, state.CurrentStep)
	assert.Equal(t, 5, state.Progress)

	r.Complete("job1")
	state, _ = r.Status("job1")
	assert.Equal(t, StatusCompleted, state.Status)
	assert.Equal(t, 100, state.Progress)
	assert.False(t, state.CompletedAt.IsZero())
}

func TestRegistryProgressMonotonic(t *testing.T) {
	r := NewRegistry(10 * time.Minute)
	r.Start("job1")

	r.Update("job1", StageEmbedding, 60)
	r.Update("job1", StageEmbedding, 45)
	state, _ := r.Status("job1")
	assert.Equal(t, 60, state.Progress, "progress must never regress")

	r.Update("job1", StageIndexing, 250)
	state, _ = r.Status("job1")
	assert.Equal(t, 100, state.Progress)
}

func TestRegistryTerminalIsFinal(t *testing.T) {
	r := NewRegistry(10 * time.Minute)

	r.Start("done")
	r.Complete("done")
	r.Fail("done", errors.New("late failure"))
	state, _ := r.Status("done")
	assert.Equal(t, StatusCompleted, state.Status)
	assert.Empty(t, state.Error)

	r.Start("dead")
	r.Fail("dead", errors.New("boom"))
	r.Update("dead", StageIndexing, 90)
	r.Complete("dead")
	state, _ = r.Status("dead")
	assert.Equal(t, StatusFailed, state.Status)
	assert.Equal(t, "boom", state.Error)
}

func TestRegistryUnknownKey(t *testing.T) {
	r := NewRegistry(10 * time.Minute)

	r.Update("ghost", StageChunking, 30)
	r.Complete("ghost")
	r.Fail("ghost", errors.New("x"))

	_, ok := r.Status("ghost")
	assert.False(t, ok)
}

func TestRegistrySweepPurgesExpired(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	r := NewRegistry(10 * time.Minute)
	r.now = func() time.Time { return now }

	r.Start("old")
	r.Complete("old")
	r.Start("running")
	r.Update("running", StageEmbedding, 50)

	now = now.Add(11 * time.Minute)
	r.Start("fresh")
	r.Complete("fresh")

	assert.Equal(t, 1, r.Sweep())

	_, ok := r.Status("old")
	assert.False(t, ok, "expired terminal entry must be gone")
	_, ok = r.Status("running")
	assert.True(t, ok, "in-flight jobs are never swept")
	_, ok = r.Status("fresh")
	assert.True(t, ok, "entries inside the TTL stay visible")
}

func TestSweepJob(t *testing.T) {
	now := time.Now()
	r := NewRegistry(time.Minute)
	r.now = func() time.Time { return now }
	r.Start("job1")
	r.Complete("job1")
	now = now.Add(2 * time.Minute)

	job := NewSweepJob(r, nil)
	assert.Equal(t, "job_registry_sweep", job.Name())
	require.NoError(t, job.Run(context.Background()))

	_, ok := r.Status("job1")
	assert.False(t, ok)
}
