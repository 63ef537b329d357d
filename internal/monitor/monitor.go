// Package monitor drives one consumer's lifecycle sweeps on a fixed
// interval inside the trading window.
package monitor

import (
	"context"
	"log/slog"
	"time"

	"github.com/wkf/trade-engine/internal/metrics"
	"github.com/wkf/trade-engine/internal/session"
)

// Sweeper is the lifecycle work run on each tick.
type Sweeper interface {
	Reconcile(ctx context.Context) error
	BuySweep(ctx context.Context) error
	SellSweep(ctx context.Context) error
}

// Loop runs Reconcile, BuySweep and SellSweep in that order on every tick
// that falls inside the window. Sweeps never interleave.
type Loop struct {
	consumer string
	window   session.Window
	interval time.Duration
	sweeper  Sweeper
	logger   *slog.Logger
	now      func() time.Time
}

// New creates a monitoring loop.
func New(consumer string, window session.Window, interval time.Duration, sw Sweeper) *Loop {
	return &Loop{
		consumer: consumer,
		window:   window,
		interval: interval,
		sweeper:  sw,
		logger:   slog.With("component", "monitor", "consumer", consumer),
		now:      time.Now,
	}
}

// Run ticks immediately and then every interval until ctx is done. A tick
// in progress when ctx is cancelled runs to completion.
func (l *Loop) Run(ctx context.Context) error {
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	l.logger.Info("monitoring loop started", "interval", l.interval.String(), "window", l.window.String())
	for {
		l.Tick(context.WithoutCancel(ctx))

		select {
		case <-ctx.Done():
			l.logger.Info("monitoring loop stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// Tick runs one pass. It reports whether the window was open.
func (l *Loop) Tick(ctx context.Context) bool {
	if !session.IsWithin(l.window, l.now()) {
		l.logger.Debug("outside trading window")
		return false
	}
	start := time.Now()
	defer func() {
		metrics.MonitorTickDuration.WithLabelValues(l.consumer).Observe(time.Since(start).Seconds())
	}()

	if err := l.sweeper.Reconcile(ctx); err != nil {
		l.logger.Error("reconcile failed", "err", err)
	}
	if err := l.sweeper.BuySweep(ctx); err != nil {
		l.logger.Error("buy sweep failed", "err", err)
	}
	if err := l.sweeper.SellSweep(ctx); err != nil {
		l.logger.Error("sell sweep failed", "err", err)
	}
	return true
}
