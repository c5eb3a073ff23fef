// Package ingest runs the upload pipeline and tracks per-job progress for
// polling clients.
package ingest

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Status is a job lifecycle state.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Pipeline stage names surfaced through CurrentStep.
const (
	StageExtracting = "extracting"
	StageChunking   = "chunking"
	StageEmbedding  = "embedding"
	StageIndexing   = "indexing"
)

// JobState is the poll response for one ingestion job.
type JobState struct {
	Status      Status
	Progress    int
	CurrentStep string
	Error       string
	StartedAt   time.Time
	CompletedAt time.Time // zero until the job reaches a terminal state
}

func (j JobState) terminal() bool {
	return j.Status == StatusCompleted || j.Status == StatusFailed
}

// Registry tracks ingestion jobs in a single authoritative map. Terminal
// transitions are atomic under the registry lock, so a poll never observes
// a half-applied completion. Each job's pipeline goroutine is the only
// writer for its key; the registry lock protects cross-key access from
// pollers and the sweeper.
//
// Terminal entries are kept for the TTL and then swept: a poll after that
// gets NotFound even though the work succeeded. That is a deliberate
// memory bound, not a bug; pollers are expected to arrive within minutes.
type Registry struct {
	mu   sync.Mutex
	jobs map[string]*JobState
	ttl  time.Duration
	now  func() time.Time
}

// NewRegistry creates a registry whose terminal entries live for ttl.
func NewRegistry(ttl time.Duration) *Registry {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Registry{
		jobs: make(map[string]*JobState),
		ttl:  ttl,
		now:  time.Now,
	}
}

// Start registers a new queued job.
func (r *Registry) Start(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs[key] = &JobState{
		Status:    StatusQueued,
		Progress:  0,
		StartedAt: r.now(),
	}
}

// Update advances a job's stage and progress. Progress is monotonic:
// a lower value than the current one is ignored, so pollers never see
// regression. Updates on unknown or terminal jobs are dropped.
func (r *Registry) Update(key, stage string, progress int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[key]
	if !ok || job.terminal() {
		return
	}
	job.Status = StatusProcessing
	job.CurrentStep = stage
	if progress > job.Progress {
		if progress > 100 {
			progress = 100
		}
		job.Progress = progress
	}
}

// Complete marks a job successful. No-op if already terminal.
func (r *Registry) Complete(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[key]
	if !ok || job.terminal() {
		return
	}
	job.Status = StatusCompleted
	job.Progress = 100
	job.CurrentStep = ""
	job.CompletedAt = r.now()
}

// Fail marks a job failed with the captured error message. No-op if
// already terminal.
func (r *Registry) Fail(key string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[key]
	if !ok || job.terminal() {
		return
	}
	job.Status = StatusFailed
	if err != nil {
		job.Error = err.Error()
	}
	job.CompletedAt = r.now()
}

// Status returns a copy of the job state. ok is false for unknown keys,
// including jobs already swept after their TTL.
func (r *Registry) Status(key string) (JobState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[key]
	if !ok {
		return JobState{}, false
	}
	return *job, true
}

// Sweep removes terminal entries older than the TTL and reports how many
// were purged.
func (r *Registry) Sweep() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	cutoff := r.now().Add(-r.ttl)
	purged := 0
	for key, job := range r.jobs {
		if job.terminal() && job.CompletedAt.Before(cutoff) {
			delete(r.jobs, key)
			purged++
		}
	}
	return purged
}

// SweepJob adapts the registry sweep to the scheduler.
type SweepJob struct {
	registry *Registry
	logger   *slog.Logger
}

// NewSweepJob creates the periodic registry sweep job.
func NewSweepJob(registry *Registry, logger *slog.Logger) *SweepJob {
	if logger == nil {
		logger = slog.Default()
	}
	return &SweepJob{registry: registry, logger: logger}
}

func (j *SweepJob) Name() string { return "job_registry_sweep" }

func (j *SweepJob) Run(ctx context.Context) error {
	if purged := j.registry.Sweep(); purged > 0 {
		j.logger.Info("purged expired job entries", "count", purged)
	}
	return nil
}
