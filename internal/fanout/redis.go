package fanout

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/wkf/trade-engine/internal/metrics"
)

// RedisChannel fans out over Redis pub/sub.
type RedisChannel struct {
	rdb     *redis.Client
	channel string
}

// NewRedisChannel creates a channel named name on rdb.
func NewRedisChannel(rdb *redis.Client, name string) *RedisChannel {
	return &RedisChannel{rdb: rdb, channel: name}
}

func (c *RedisChannel) Publish(ctx context.Context, eventID string) error {
	if err := c.rdb.Publish(ctx, c.channel, eventID).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", c.channel, err)
	}
	metrics.FanoutMessages.WithLabelValues("published").Inc()
	return nil
}

// Subscribe waits for the subscription to be confirmed before returning.
// go-redis reconnects the underlying connection on its own.
func (c *RedisChannel) Subscribe(ctx context.Context) (<-chan string, error) {
	ps := c.rdb.Subscribe(ctx, c.channel)
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("subscribe %s: %w", c.channel, err)
	}

	out := make(chan string, subscriberBuffer)
	go func() {
		defer close(out)
		defer ps.Close()

		msgs := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				metrics.FanoutMessages.WithLabelValues("received").Inc()
				select {
				case out <- msg.Payload:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}
