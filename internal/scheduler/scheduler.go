// Package scheduler runs a consumer's maintenance jobs on cron schedules:
// the reconciliation sweep and the end-of-day summary.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Job is a scheduled unit of work.
type Job interface {
	Name() string
	Run(ctx context.Context) error
}

// JobFunc adapts a function to Job.
type JobFunc struct {
	JobName string
	Fn      func(ctx context.Context) error
}

func (j JobFunc) Name() string                  { return j.JobName }
func (j JobFunc) Run(ctx context.Context) error { return j.Fn(ctx) }

// Scheduler manages background jobs. A run still in progress when its next
// slot arrives makes that slot a no-op.
type Scheduler struct {
	cron *cron.Cron
	log  *slog.Logger
	ctx  context.Context
}

// New creates a scheduler evaluating schedules in loc.
func New(loc *time.Location) *Scheduler {
	if loc == nil {
		loc = time.UTC
	}
	return &Scheduler{
		cron: cron.New(
			cron.WithLocation(loc),
			cron.WithChain(cron.Recover(cron.DiscardLogger), cron.SkipIfStillRunning(cron.DiscardLogger)),
		),
		log: slog.With("component", "scheduler"),
		ctx: context.Background(),
	}
}

// AddJob registers job with a standard five-field cron spec or a
// descriptor such as "@every 2m".
func (s *Scheduler) AddJob(schedule string, job Job) error {
	_, err := s.cron.AddFunc(schedule, func() { s.run(job) })
	if err != nil {
		return fmt.Errorf("schedule %s %q: %w", job.Name(), schedule, err)
	}
	s.log.Info("job registered", "job", job.Name(), "schedule", schedule)
	return nil
}

func (s *Scheduler) run(job Job) {
	start := time.Now()
	s.log.Debug("running job", "job", job.Name())
	if err := job.Run(s.ctx); err != nil {
		s.log.Error("job failed", "job", job.Name(), "err", err)
		return
	}
	s.log.Debug("job completed", "job", job.Name(), "elapsed", time.Since(start).String())
}

// RunNow executes a job immediately, outside its schedule.
func (s *Scheduler) RunNow(ctx context.Context, job Job) error {
	s.log.Info("running job immediately", "job", job.Name())
	return job.Run(ctx)
}

// Run starts the cron loop and blocks until ctx is done, then waits for
// running jobs to finish. Jobs see a context that is not cancelled by ctx.
func (s *Scheduler) Run(ctx context.Context) error {
	s.ctx = context.WithoutCancel(ctx)
	s.cron.Start()
	s.log.Info("scheduler started", "jobs", len(s.cron.Entries()))

	<-ctx.Done()
	<-s.cron.Stop().Done()
	s.log.Info("scheduler stopped")
	return nil
}
