package ingest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wkf/trade-engine/internal/capability"
	"github.com/wkf/trade-engine/internal/fanout"
	"github.com/wkf/trade-engine/internal/model"
	"github.com/wkf/trade-engine/internal/retry"
	"github.com/wkf/trade-engine/internal/session"
	"github.com/wkf/trade-engine/internal/store"
)

var kst = time.FixedZone("KST", 9*3600)

type fakeSource struct {
	mu     sync.Mutex
	events []capability.RawEvent
	err    error
	calls  []time.Time
}

func (f *fakeSource) FetchSince(_ context.Context, since time.Time) ([]capability.RawEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, since)
	if f.err != nil {
		return nil, f.err
	}
	return f.events, nil
}

func (f *fakeSource) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func disclosure(ref string) capability.RawEvent {
	return capability.RawEvent{
		ExternalRef: ref,
		Subject:     "005930",
		SubjectName: "Samsung Electronics",
		Category:    "Major management event",
		OccurredAt:  time.Date(2024, 3, 4, 10, 0, 0, 0, kst),
		Content:     "Board resolution " + ref,
	}
}

func TestIngest_DuplicateIsNoOp(t *testing.T) {
	ms := store.NewMemoryStore()
	hub := fanout.NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sub, err := hub.Subscribe(ctx)
	require.NoError(t, err)

	es := NewEventStore(ms, hub)

	first, err := es.Ingest(ctx, disclosure("A"))
	require.NoError(t, err)
	assert.False(t, first.Duplicate)

	second, err := es.Ingest(ctx, disclosure("A"))
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	assert.Equal(t, first.ID, second.ID)

	events, err := ms.ListEvents(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, events, 1)

	// Exactly one notification, for the first insert.
	assert.Equal(t, first.ID, <-sub)
	select {
	case id := <-sub:
		t.Fatalf("unexpected second notification %s", id)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestIngest_NormalizesSubject(t *testing.T) {
	ms := store.NewMemoryStore()
	es := NewEventStore(ms, nil)

	raw := disclosure("B")
	raw.Subject = " A005930 "
	res, err := es.Ingest(context.Background(), raw)
	require.NoError(t, err)

	e, err := ms.GetEvent(context.Background(), res.ID)
	require.NoError(t, err)
	assert.Equal(t, "005930", e.Subject)
	assert.Equal(t, time.UTC, e.OccurredAt.Location())
}

type failingPublisher struct{}

func (failingPublisher) Publish(context.Context, string) error { return errors.New("broker down") }

func TestIngest_PublishFailureDoesNotFailIngest(t *testing.T) {
	ms := store.NewMemoryStore()
	es := NewEventStore(ms, failingPublisher{})

	res, err := es.Ingest(context.Background(), disclosure("C"))
	require.NoError(t, err)
	assert.False(t, res.Duplicate)
}

func newScheduler(src capability.EventSource, ms *store.MemoryStore, now time.Time) *Scheduler {
	s := NewScheduler(SchedulerConfig{
		Source:   "dart",
		Window:   session.Window{Start: session.MustTimeOfDay("09:00"), End: session.MustTimeOfDay("15:00"), Location: kst},
		Interval: time.Minute,
		Retry:    retry.Policy{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond},
	}, src, NewEventStore(ms, nil), ms)
	s.now = func() time.Time { return now }
	return s
}

func TestRunOnce_CountsAndAdvancesCursor(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()
	now := time.Date(2024, 3, 4, 10, 30, 0, 0, kst)

	// One event already stored.
	_, err := NewEventStore(ms, nil).Ingest(ctx, disclosure("A"))
	require.NoError(t, err)

	src := &fakeSource{events: []capability.RawEvent{disclosure("A"), disclosure("B"), disclosure("C")}}
	s := newScheduler(src, ms, now)

	run, err := s.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.RunSuccess, run.Status)
	assert.Equal(t, 3, run.Fetched)
	assert.Equal(t, 2, run.New)
	assert.Equal(t, 1, run.Duplicates)
	assert.Equal(t, 0, run.Errors)

	// First run starts from the beginning of the market day.
	require.Len(t, src.calls, 1)
	assert.True(t, src.calls[0].Equal(time.Date(2024, 3, 4, 0, 0, 0, 0, kst)))

	cursor, ok, err := ms.GetCursor(ctx, "ingest:dart")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, cursor.Equal(now))

	logs, err := ms.ListRunLogs(ctx, model.ComponentIngest, 0)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, 2, logs[0].New)
}

func TestRunOnce_FetchFailureKeepsCursor(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()
	previous := time.Date(2024, 3, 4, 10, 0, 0, 0, kst)
	require.NoError(t, ms.SetCursor(ctx, "ingest:dart", previous))

	src := &fakeSource{err: capability.ErrUnavailable}
	s := newScheduler(src, ms, previous.Add(time.Minute))

	run, err := s.RunOnce(ctx)
	require.Error(t, err)
	assert.Equal(t, model.RunFailed, run.Status)
	assert.Equal(t, 2, src.callCount(), "retried up to the policy limit")

	cursor, _, err := ms.GetCursor(ctx, "ingest:dart")
	require.NoError(t, err)
	assert.True(t, cursor.Equal(previous), "cursor not advanced")

	// Next run retries from the same point.
	src.err = nil
	_, err = s.RunOnce(ctx)
	require.NoError(t, err)
	assert.True(t, src.calls[len(src.calls)-1].Equal(previous))
}

func TestRun_IdleOutsideWindow(t *testing.T) {
	ms := store.NewMemoryStore()
	src := &fakeSource{}
	s := newScheduler(src, ms, time.Date(2024, 3, 4, 16, 0, 0, 0, kst))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.NoError(t, s.Run(ctx))
	assert.Equal(t, 0, src.callCount())
}

func TestRun_IdleOnWeekend(t *testing.T) {
	ms := store.NewMemoryStore()
	src := &fakeSource{}
	// Saturday inside the time range.
	s := newScheduler(src, ms, time.Date(2024, 3, 9, 10, 0, 0, 0, kst))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.NoError(t, s.Run(ctx))
	assert.Equal(t, 0, src.callCount())
}

func TestRun_TicksInsideWindow(t *testing.T) {
	ms := store.NewMemoryStore()
	src := &fakeSource{}
	s := newScheduler(src, ms, time.Date(2024, 3, 4, 10, 0, 0, 0, kst))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.NoError(t, s.Run(ctx))
	assert.Equal(t, 1, src.callCount(), "first tick runs immediately")
}
