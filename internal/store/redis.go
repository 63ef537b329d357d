package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/wkf/trade-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for the read-heavy reporting paths. Events are immutable and cached
// without invalidation; performance lists are invalidated when a position
// closes. Everything else passes straight through to the primary.
type CachedStore struct {
	Store
	rdb      *redis.Client
	ttl      time.Duration
	eventTTL time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		Store:    primary,
		rdb:      rdb,
		ttl:      ttl,
		eventTTL: 24 * time.Hour,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) InsertEvent(ctx context.Context, e *model.Event) (string, bool, error) {
	id, inserted, err := s.Store.InsertEvent(ctx, e)
	if err != nil {
		return "", false, err
	}
	if inserted {
		s.cacheJSON(ctx, eventKey(id), e, s.eventTTL)
	}
	return id, inserted, nil
}

func (s *CachedStore) CompleteSell(ctx context.Context, tradeID string, rec *model.PerformanceRecord) error {
	if err := s.Store.CompleteSell(ctx, tradeID, rec); err != nil {
		return err
	}
	// Invalidate; next read will re-populate.
	s.rdb.Del(ctx, performanceKey(rec.ConsumerID), performanceKey(""))
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetEvent(ctx context.Context, id string) (*model.Event, error) {
	data, err := s.rdb.Get(ctx, eventKey(id)).Bytes()
	if err == nil {
		var e model.Event
		if json.Unmarshal(data, &e) == nil {
			return &e, nil
		}
	}

	// Cache miss: read from primary.
	e, err := s.Store.GetEvent(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cacheJSON(ctx, eventKey(id), e, s.eventTTL)
	return e, nil
}

// ListPerformance caches the unbounded per-consumer listing only; time
// bounded queries go to the primary.
func (s *CachedStore) ListPerformance(ctx context.Context, f PerformanceFilter) ([]model.PerformanceRecord, error) {
	if !f.Since.IsZero() || !f.Until.IsZero() {
		return s.Store.ListPerformance(ctx, f)
	}

	key := performanceKey(f.ConsumerID)
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err == nil {
		var records []model.PerformanceRecord
		if json.Unmarshal(data, &records) == nil {
			return records, nil
		}
	}

	records, err := s.Store.ListPerformance(ctx, f)
	if err != nil {
		return nil, err
	}
	s.cacheJSON(ctx, key, records, s.ttl)
	return records, nil
}

// --- Cache helpers ---

func (s *CachedStore) cacheJSON(ctx context.Context, key string, v any, ttl time.Duration) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, ttl)
	}
}

func eventKey(id string) string { return fmt.Sprintf("event:%s", id) }

func performanceKey(consumerID string) string {
	if consumerID == "" {
		return "performance:all"
	}
	return fmt.Sprintf("performance:%s", consumerID)
}
