package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// ErrStoreLost is returned by Watchdog.Run once the store has been
// unreachable for longer than the grace period.
var ErrStoreLost = errors.New("store: connectivity lost beyond grace period")

// Pinger is the part of Store the watchdog needs.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Watchdog pings the store on an interval and gives up after a sustained
// outage so the supervisor can restart the process.
type Watchdog struct {
	store    Pinger
	interval time.Duration
	grace    time.Duration
	timeout  time.Duration
	now      func() time.Time
	logger   *slog.Logger

	// OnStatus, when set, receives every ping outcome.
	OnStatus func(up bool)
}

// NewWatchdog creates a watchdog. interval defaults to a sixth of grace.
func NewWatchdog(st Pinger, grace, interval time.Duration) *Watchdog {
	if interval <= 0 {
		interval = grace / 6
	}
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Watchdog{
		store:    st,
		interval: interval,
		grace:    grace,
		timeout:  5 * time.Second,
		now:      time.Now,
		logger:   slog.With("component", "store-watchdog"),
	}
}

// Run blocks until ctx is done (returns nil) or the outage outlasts the
// grace period (returns ErrStoreLost).
func (w *Watchdog) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	var downSince time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		pctx, cancel := context.WithTimeout(ctx, w.timeout)
		err := w.store.Ping(pctx)
		cancel()
		if ctx.Err() != nil {
			return nil
		}

		if w.OnStatus != nil {
			w.OnStatus(err == nil)
		}

		if err == nil {
			if !downSince.IsZero() {
				w.logger.Info("store reachable again", "outage", w.now().Sub(downSince).String())
				downSince = time.Time{}
			}
			continue
		}

		now := w.now()
		if downSince.IsZero() {
			downSince = now
			w.logger.Warn("store unreachable", "err", err)
		}
		if outage := now.Sub(downSince); outage > w.grace {
			w.logger.Error("store outage exceeded grace period", "outage", outage.String(), "grace", w.grace.String(), "err", err)
			return fmt.Errorf("%w (%s): %w", ErrStoreLost, outage, err)
		}
	}
}
