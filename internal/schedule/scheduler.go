// Package schedule runs named background jobs on cron expressions.
package schedule

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
)

// Job is a unit of periodic background work.
type Job interface {
	Name() string
	Run(ctx context.Context) error
}

// Scheduler runs jobs on standard five-field cron specs. A job still
// running when its next tick fires is skipped, not stacked.
type Scheduler struct {
	cron    *cron.Cron
	entries map[string]cron.EntryID
	logger  *slog.Logger
	ctx     atomic.Pointer[context.Context]
}

// NewScheduler creates an idle scheduler.
func NewScheduler(logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	return &Scheduler{
		cron:    cron.New(cron.WithParser(parser)),
		entries: make(map[string]cron.EntryID),
		logger:  logger,
	}
}

// AddJob schedules job on spec. Call before Start.
func (s *Scheduler) AddJob(job Job, spec string) error {
	logger := s.logger.With("job", job.Name(), "spec", spec)
	entryID, err := s.cron.AddFunc(spec, s.wrap(job))
	if err != nil {
		logger.Error("failed to schedule job", "error", err)
		return err
	}
	s.entries[job.Name()] = entryID
	logger.Info("job scheduled")
	return nil
}

// Start begins running scheduled jobs with ctx as their base context.
func (s *Scheduler) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.ctx.Store(&ctx)
	s.cron.Start()
}

// Stop halts scheduling and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	done := s.cron.Stop()
	<-done.Done()
}

func (s *Scheduler) wrap(job Job) func() {
	var running atomic.Bool
	return func() {
		if !running.CompareAndSwap(false, true) {
			s.logger.Info("job skipped: previous run still in progress", "job", job.Name())
			return
		}
		defer running.Store(false)

		ctx := context.Background()
		if p := s.ctx.Load(); p != nil {
			ctx = *p
		}

		logger := s.logger.With("job", job.Name())
		start := time.Now()
		err := job.Run(ctx)
		if err != nil {
			logger.Error("job failed", "error", err, "duration", time.Since(start))
			return
		}
		logger.Debug("job finished", "duration", time.Since(start))
	}
}
