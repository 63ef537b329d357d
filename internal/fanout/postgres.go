package fanout

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jpillora/backoff"

	"github.com/wkf/trade-engine/internal/metrics"
)

// PGChannel fans out over PostgreSQL LISTEN/NOTIFY on the shared store, so
// no extra broker is needed.
type PGChannel struct {
	pool    *pgxpool.Pool
	channel string
	logger  *slog.Logger
}

// NewPGChannel creates a channel named name on pool.
func NewPGChannel(pool *pgxpool.Pool, name string) *PGChannel {
	return &PGChannel{
		pool:    pool,
		channel: name,
		logger:  slog.With("component", "fanout", "transport", "postgres", "channel", name),
	}
}

func (c *PGChannel) Publish(ctx context.Context, eventID string) error {
	if _, err := c.pool.Exec(ctx, `SELECT pg_notify($1, $2)`, c.channel, eventID); err != nil {
		return fmt.Errorf("notify %s: %w", c.channel, err)
	}
	metrics.FanoutMessages.WithLabelValues("published").Inc()
	return nil
}

// Subscribe holds one pooled connection in LISTEN mode. A lost connection is
// re-established with backoff; notifications sent in between are lost.
func (c *PGChannel) Subscribe(ctx context.Context) (<-chan string, error) {
	conn, err := c.listen(ctx)
	if err != nil {
		return nil, err
	}

	out := make(chan string, subscriberBuffer)
	go func() {
		defer close(out)
		b := &backoff.Backoff{Min: 500 * time.Millisecond, Max: 30 * time.Second, Factor: 2}

		for {
			if conn == nil {
				select {
				case <-ctx.Done():
					return
				case <-time.After(b.Duration()):
				}
				if conn, err = c.listen(ctx); err != nil {
					c.logger.Warn("re-listen failed", "err", err)
					conn = nil
					continue
				}
				b.Reset()
				c.logger.Info("listening again")
			}

			n, err := conn.Conn().WaitForNotification(ctx)
			if err != nil {
				conn.Release()
				conn = nil
				if ctx.Err() != nil {
					return
				}
				c.logger.Warn("listen connection lost", "err", err)
				continue
			}

			metrics.FanoutMessages.WithLabelValues("received").Inc()
			select {
			case out <- n.Payload:
			case <-ctx.Done():
				conn.Release()
				return
			}
		}
	}()
	return out, nil
}

func (c *PGChannel) listen(ctx context.Context) (*pgxpool.Conn, error) {
	conn, err := c.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire listen connection: %w", err)
	}
	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{c.channel}.Sanitize()); err != nil {
		conn.Release()
		return nil, fmt.Errorf("listen %s: %w", c.channel, err)
	}
	return conn, nil
}
