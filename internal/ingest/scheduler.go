package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/wkf/trade-engine/internal/capability"
	"github.com/wkf/trade-engine/internal/metrics"
	"github.com/wkf/trade-engine/internal/model"
	"github.com/wkf/trade-engine/internal/retry"
	"github.com/wkf/trade-engine/internal/session"
)

// StateStore persists the fetch cursor and the run log.
type StateStore interface {
	GetCursor(ctx context.Context, name string) (time.Time, bool, error)
	SetCursor(ctx context.Context, name string, at time.Time) error
	AppendRunLog(ctx context.Context, l *model.RunLog) error
}

// SchedulerConfig configures a Scheduler.
type SchedulerConfig struct {
	// Source names the cursor, e.g. "dart".
	Source   string
	Window   session.Window
	Interval time.Duration
	Retry    retry.Policy
}

// Scheduler polls the event source on a fixed interval inside the
// collection window.
type Scheduler struct {
	cfg    SchedulerConfig
	source capability.EventSource
	events *EventStore
	state  StateStore
	logger *slog.Logger
	now    func() time.Time
}

// NewScheduler creates an ingestion scheduler.
func NewScheduler(cfg SchedulerConfig, source capability.EventSource, events *EventStore, state StateStore) *Scheduler {
	if cfg.Source == "" {
		cfg.Source = "default"
	}
	return &Scheduler{
		cfg:    cfg,
		source: source,
		events: events,
		state:  state,
		logger: slog.With("component", "ingest", "source", cfg.Source),
		now:    time.Now,
	}
}

func (s *Scheduler) cursorName() string { return "ingest:" + s.cfg.Source }

// Run ticks until ctx is done. A tick in progress when ctx is cancelled is
// allowed to finish.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.logger.Info("ingestion scheduler started", "interval", s.cfg.Interval.String(), "window", s.cfg.Window.String())
	for {
		s.tick(context.WithoutCancel(ctx))

		select {
		case <-ctx.Done():
			s.logger.Info("ingestion scheduler stopped")
			return nil
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	if !session.IsWithin(s.cfg.Window, s.now()) {
		s.logger.Debug("outside collection window")
		return
	}
	if _, err := s.RunOnce(ctx); err != nil {
		s.logger.Error("ingestion run failed", "err", err)
	}
}

// RunOnce fetches everything since the cursor and ingests it. The cursor
// only advances when the whole run succeeded, so a failed run is retried
// from the same point on the next tick.
func (s *Scheduler) RunOnce(ctx context.Context) (model.RunLog, error) {
	start := s.now()
	run := model.RunLog{Component: model.ComponentIngest, Subject: s.cfg.Source}

	since, err := s.since(ctx, start)
	if err != nil {
		return run, err
	}

	p := s.cfg.Retry
	p.OnRetry = func(attempt int, err error) {
		metrics.CapabilityRetries.WithLabelValues("event-source").Inc()
		s.logger.Warn("event source retry", "attempt", attempt, "err", err)
	}
	raws, fetchErr := retry.Value(ctx, p, func(ctx context.Context) ([]capability.RawEvent, error) {
		return s.source.FetchSince(ctx, since)
	})
	metrics.CapabilityLatency.WithLabelValues("event-source").Observe(time.Since(start).Seconds())

	var errs []error
	if fetchErr != nil {
		run.Step = "fetch"
		run.Errors = 1
		errs = append(errs, fetchErr)
	} else {
		run.Fetched = len(raws)
		for _, raw := range raws {
			res, err := s.events.Ingest(ctx, raw)
			switch {
			case err != nil:
				run.Errors++
				errs = append(errs, err)
			case res.Duplicate:
				run.Duplicates++
			default:
				run.New++
			}
		}
	}

	runErr := errors.Join(errs...)
	run.Status = runStatus(run)
	if runErr != nil {
		run.ErrorText = runErr.Error()
	}

	if runErr == nil {
		if err := s.state.SetCursor(ctx, s.cursorName(), start); err != nil {
			runErr = fmt.Errorf("advance cursor: %w", err)
			run.ErrorText = runErr.Error()
		}
	}

	run.Duration = s.now().Sub(start)
	if err := s.state.AppendRunLog(ctx, &run); err != nil {
		s.logger.Error("append run log failed", "err", err)
	}
	metrics.IngestRuns.WithLabelValues(run.Status).Inc()

	s.logger.Info("ingestion run",
		"status", run.Status,
		"since", since,
		"fetched", run.Fetched,
		"new", run.New,
		"duplicates", run.Duplicates,
		"errors", run.Errors,
		"elapsed", run.Duration.String(),
	)
	return run, runErr
}

// since is the persisted cursor, or the start of today's market day on the
// very first run.
func (s *Scheduler) since(ctx context.Context, now time.Time) (time.Time, error) {
	at, ok, err := s.state.GetCursor(ctx, s.cursorName())
	if err != nil {
		return time.Time{}, fmt.Errorf("read cursor: %w", err)
	}
	if ok {
		return at, nil
	}
	loc := s.cfg.Window.Location
	if loc == nil {
		loc = time.UTC
	}
	local := now.In(loc)
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc), nil
}

func runStatus(run model.RunLog) string {
	switch {
	case run.Errors == 0:
		return model.RunSuccess
	case run.New+run.Duplicates > 0:
		return model.RunPartial
	default:
		return model.RunFailed
	}
}
