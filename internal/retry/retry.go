// Package retry wraps external capability calls in a bounded retry policy:
// a fixed number of attempts, exponential backoff between them and a
// deadline on every attempt. It never retries forever.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jpillora/backoff"

	"github.com/wkf/trade-engine/internal/capability"
)

// ErrExhausted wraps the last error once every attempt has failed.
var ErrExhausted = errors.New("retry: attempts exhausted")

// Policy configures Do.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Factor      float64
	Timeout     time.Duration // per attempt; zero means no deadline

	// OnRetry is called before sleeping between attempts.
	OnRetry func(attempt int, err error)
}

func (p Policy) attempts() int {
	if p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

func (p Policy) backoff() *backoff.Backoff {
	factor := p.Factor
	if factor < 1 {
		factor = 2
	}
	min := p.BaseDelay
	if min <= 0 {
		min = 100 * time.Millisecond
	}
	max := p.MaxDelay
	if max < min {
		max = time.Minute
	}
	return &backoff.Backoff{Min: min, Max: max, Factor: factor}
}

// Do runs fn until it succeeds, returns a non-retryable error, the context is
// done, or MaxAttempts is reached.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	b := p.backoff()
	max := p.attempts()

	for attempt := 1; ; attempt++ {
		err := attemptOnce(ctx, p.Timeout, fn)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !capability.Retryable(err) {
			return err
		}
		if attempt >= max {
			return fmt.Errorf("%w (%d attempts): %w", ErrExhausted, attempt, err)
		}
		if p.OnRetry != nil {
			p.OnRetry(attempt, err)
		}

		timer := time.NewTimer(b.Duration())
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Value is Do for calls that return a result.
func Value[T any](ctx context.Context, p Policy, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := Do(ctx, p, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

func attemptOnce(ctx context.Context, timeout time.Duration, fn func(ctx context.Context) error) error {
	if timeout <= 0 {
		return fn(ctx)
	}
	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err := fn(actx)
	if err != nil && ctx.Err() == nil && errors.Is(actx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", capability.ErrTimeout, err)
	}
	return err
}
