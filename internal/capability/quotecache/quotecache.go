// Package quotecache puts a shared Redis cache in front of a market-data
// capability so that every consumer process reuses the same quotes and bars
// instead of each hitting the rate-limited provider.
package quotecache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/wkf/trade-engine/internal/capability"
	"github.com/wkf/trade-engine/internal/metrics"
	"github.com/wkf/trade-engine/internal/model"
)

const keyPrefix = "quote:"

// Cache wraps a MarketData with read-through Redis caching. Cache failures
// fall through to the provider.
type Cache struct {
	md  capability.MarketData
	rdb *redis.Client
	ttl time.Duration
}

// New creates a cache with the given TTL for quotes and intraday bars.
// Daily bars are cached until the end of the day they were fetched on.
func New(md capability.MarketData, rdb *redis.Client, ttl time.Duration) *Cache {
	return &Cache{md: md, rdb: rdb, ttl: ttl}
}

func (c *Cache) CurrentPrice(ctx context.Context, instrument string) (decimal.Decimal, error) {
	key := keyPrefix + "price:" + instrument
	if s, err := c.rdb.Get(ctx, key).Result(); err == nil {
		if p, err := decimal.NewFromString(s); err == nil {
			metrics.QuoteCache.WithLabelValues("hit").Inc()
			return p, nil
		}
	} else if !errors.Is(err, redis.Nil) {
		c.miss(err, key)
	}
	metrics.QuoteCache.WithLabelValues("miss").Inc()

	p, err := c.md.CurrentPrice(ctx, instrument)
	if err != nil {
		return decimal.Zero, err
	}
	c.rdb.Set(ctx, key, p.String(), c.ttl)
	return p, nil
}

func (c *Cache) DailyBars(ctx context.Context, instrument string, days int) ([]model.Bar, error) {
	now := time.Now()
	key := fmt.Sprintf("%sdaily:%s:%d:%s", keyPrefix, instrument, days, now.Format(time.DateOnly))
	endOfDay := time.Date(now.Year(), now.Month(), now.Day()+1, 0, 0, 0, 0, now.Location())
	return c.bars(ctx, key, endOfDay.Sub(now), func() ([]model.Bar, error) {
		return c.md.DailyBars(ctx, instrument, days)
	})
}

func (c *Cache) IntradayBars(ctx context.Context, instrument string, date time.Time) ([]model.Bar, error) {
	key := fmt.Sprintf("%sintraday:%s:%s", keyPrefix, instrument, date.Format(time.DateOnly))
	return c.bars(ctx, key, c.ttl, func() ([]model.Bar, error) {
		return c.md.IntradayBars(ctx, instrument, date)
	})
}

func (c *Cache) bars(ctx context.Context, key string, ttl time.Duration, fetch func() ([]model.Bar, error)) ([]model.Bar, error) {
	data, err := c.rdb.Get(ctx, key).Bytes()
	if err == nil {
		var bars []model.Bar
		if err := json.Unmarshal(data, &bars); err == nil {
			metrics.QuoteCache.WithLabelValues("hit").Inc()
			return bars, nil
		}
	} else if !errors.Is(err, redis.Nil) {
		c.miss(err, key)
	}
	metrics.QuoteCache.WithLabelValues("miss").Inc()

	bars, err := fetch()
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(bars); err == nil {
		c.rdb.Set(ctx, key, data, ttl)
	}
	return bars, nil
}

func (c *Cache) miss(err error, key string) {
	metrics.QuoteCache.WithLabelValues("error").Inc()
	slog.Warn("quote cache read failed", "key", key, "err", err)
}
