package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wkf/trade-engine/internal/model"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func seedEvent(t *testing.T, s *MemoryStore, ref string) *model.Event {
	t.Helper()
	e := &model.Event{ExternalRef: ref, Subject: "005930", Content: "disclosure " + ref, OccurredAt: time.Now().UTC()}
	e.Fingerprint = model.Fingerprint(e)
	_, inserted, err := s.InsertEvent(context.Background(), e)
	require.NoError(t, err)
	require.True(t, inserted)
	return e
}

// seedIntent walks an event through candidate and prediction to an intent.
func seedIntent(t *testing.T, s *MemoryStore, consumer, instrument string) *model.Position {
	t.Helper()
	ctx := context.Background()
	e := seedEvent(t, s, uuid.NewString())

	c := &model.Candidate{EventID: e.ID, ConsumerID: consumer, Instrument: instrument, Status: model.CandidateGenerated}
	require.NoError(t, s.SaveCandidate(ctx, c))
	p := &model.Prediction{CandidateID: c.ID, ConsumerID: consumer, Instrument: instrument, Confidence: 80, TargetPrice: d(10200), StopPrice: d(9900)}
	require.NoError(t, s.SavePrediction(ctx, p))
	pos := &model.Position{PredictionID: p.ID, ConsumerID: consumer, Instrument: instrument, TargetPrice: p.TargetPrice, StopPrice: p.StopPrice}
	require.NoError(t, s.CreatePosition(ctx, pos))
	return pos
}

func TestInsertEvent_Idempotent(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	e := &model.Event{ExternalRef: "20240101000001", Subject: "005930", Content: "same content"}
	e.Fingerprint = model.Fingerprint(e)

	id1, inserted1, err := s.InsertEvent(ctx, e)
	require.NoError(t, err)
	assert.True(t, inserted1)

	again := &model.Event{ExternalRef: "20240101000001", Subject: "005930", Content: "same content"}
	again.Fingerprint = model.Fingerprint(again)
	id2, inserted2, err := s.InsertEvent(ctx, again)
	require.NoError(t, err)
	assert.False(t, inserted2)
	assert.Equal(t, id1, id2)

	events, err := s.ListEvents(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestInsertEvent_ConcurrentSameFingerprint(t *testing.T) {
	s := NewMemoryStore()
	var wg sync.WaitGroup
	var mu sync.Mutex
	inserted := 0

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e := &model.Event{ExternalRef: "r1", Content: "body"}
			e.Fingerprint = model.Fingerprint(e)
			_, ok, err := s.InsertEvent(context.Background(), e)
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				inserted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, inserted)
}

func TestClaimEvent(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	clock := time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC)
	s.Now = func() time.Time { return clock }
	e := seedEvent(t, s, "r1")

	ok, err := s.ClaimEvent(ctx, e.ID, "alpha", clock.Add(-10*time.Minute))
	require.NoError(t, err)
	assert.True(t, ok, "first claim")

	ok, err = s.ClaimEvent(ctx, e.ID, "alpha", clock.Add(-10*time.Minute))
	require.NoError(t, err)
	assert.False(t, ok, "live claim is exclusive")

	ok, err = s.ClaimEvent(ctx, e.ID, "beta", clock.Add(-10*time.Minute))
	require.NoError(t, err)
	assert.True(t, ok, "consumers claim independently")

	// Stale, non-terminal claim can be taken over.
	clock = clock.Add(15 * time.Minute)
	ok, err = s.ClaimEvent(ctx, e.ID, "alpha", clock.Add(-10*time.Minute))
	require.NoError(t, err)
	assert.True(t, ok)
	stage, attempts := s.AnalysisStage(e.ID, "alpha")
	assert.Equal(t, model.StageReceived, stage)
	assert.Equal(t, 2, attempts)

	// Terminal stage is never re-claimed.
	require.NoError(t, s.SetAnalysisStage(ctx, e.ID, "alpha", model.StageRejected))
	clock = clock.Add(time.Hour)
	ok, err = s.ClaimEvent(ctx, e.ID, "alpha", clock)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestListUnprocessed(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	clock := time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC)
	s.Now = func() time.Time { return clock }

	done := seedEvent(t, s, "done")
	live := seedEvent(t, s, "live")
	fresh := seedEvent(t, s, "fresh")

	_, err := s.ClaimEvent(ctx, done.ID, "alpha", clock)
	require.NoError(t, err)
	require.NoError(t, s.SetAnalysisStage(ctx, done.ID, "alpha", model.StagePositionCreated))
	_, err = s.ClaimEvent(ctx, live.ID, "alpha", clock)
	require.NoError(t, err)

	events, err := s.ListUnprocessed(ctx, "alpha", clock.Add(-time.Hour), clock.Add(-10*time.Minute), 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, fresh.ID, events[0].ID)

	// The live claim goes stale later.
	events, err = s.ListUnprocessed(ctx, "alpha", clock.Add(-time.Hour), clock.Add(time.Minute), 0)
	require.NoError(t, err)
	assert.Len(t, events, 2)

	// Another consumer sees all three.
	events, err = s.ListUnprocessed(ctx, "beta", clock.Add(-time.Hour), clock, 0)
	require.NoError(t, err)
	assert.Len(t, events, 3)

	// Events before since are out of scope.
	events, err = s.ListUnprocessed(ctx, "beta", clock.Add(time.Minute), clock, 0)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestSaveCandidate_UniquePerEventInstrumentConsumer(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	e := seedEvent(t, s, "r1")

	require.NoError(t, s.SaveCandidate(ctx, &model.Candidate{EventID: e.ID, ConsumerID: "alpha", Instrument: "005930"}))
	err := s.SaveCandidate(ctx, &model.Candidate{EventID: e.ID, ConsumerID: "alpha", Instrument: "005930"})
	assert.ErrorIs(t, err, ErrConflict)
	require.NoError(t, s.SaveCandidate(ctx, &model.Candidate{EventID: e.ID, ConsumerID: "beta", Instrument: "005930"}))

	list, err := s.ListCandidates(ctx, e.ID, "alpha")
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestSavePrediction_OnePerCandidate(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	e := seedEvent(t, s, "r1")
	c := &model.Candidate{EventID: e.ID, ConsumerID: "alpha", Instrument: "005930"}
	require.NoError(t, s.SaveCandidate(ctx, c))

	require.NoError(t, s.SavePrediction(ctx, &model.Prediction{CandidateID: c.ID, Confidence: 70}))
	assert.ErrorIs(t, s.SavePrediction(ctx, &model.Prediction{CandidateID: c.ID, Confidence: 90}), ErrConflict)

	got, err := s.GetPrediction(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 70, got.Confidence)

	_, err = s.GetPrediction(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTradeLifecycle_BuyThenSell(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	pos := seedIntent(t, s, "alpha", "005930")

	buy := &model.Trade{PositionID: pos.ID, ConsumerID: "alpha", Instrument: "005930", Side: model.SideBuy, Quantity: 100}
	require.NoError(t, s.BeginTrade(ctx, buy))
	assert.Equal(t, model.TradePending, buy.Status)

	// Single in-flight order per position and side.
	dup := &model.Trade{PositionID: pos.ID, ConsumerID: "alpha", Instrument: "005930", Side: model.SideBuy, Quantity: 100}
	assert.ErrorIs(t, s.BeginTrade(ctx, dup), ErrConflict)

	require.NoError(t, s.MarkTradeSubmitted(ctx, buy.ID, "ORD-1"))
	openedAt := time.Date(2024, 3, 4, 9, 5, 0, 0, time.UTC)
	require.NoError(t, s.CompleteBuy(ctx, buy.ID, Fill{Quantity: 100, Price: d(10000), At: openedAt}))

	got, err := s.GetPosition(ctx, pos.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StateOpened, got.State)
	assert.Equal(t, int64(100), got.Quantity)
	assert.True(t, got.AcquisitionPrice.Equal(d(10000)))
	require.NotNil(t, got.OpenedAt)

	// Second CompleteBuy is rejected by the state guard.
	assert.ErrorIs(t, s.CompleteBuy(ctx, buy.ID, Fill{Quantity: 100, Price: d(10000), At: openedAt}), ErrConflict)

	sell := &model.Trade{PositionID: pos.ID, ConsumerID: "alpha", Instrument: "005930", Side: model.SideSell, Quantity: 100, Reason: model.CloseTarget}
	require.NoError(t, s.BeginTrade(ctx, sell))
	rec := &model.PerformanceRecord{ConsumerID: "alpha", Instrument: "005930", Quantity: 100,
		BuyPrice: d(10000), SellPrice: d(10300), ProfitLoss: d(30000), ReturnPct: d(3),
		OpenedAt: openedAt, ClosedAt: openedAt.Add(time.Hour)}
	require.NoError(t, s.CompleteSell(ctx, sell.ID, rec))

	got, err = s.GetPosition(ctx, pos.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StateClosed, got.State)
	assert.Equal(t, model.CloseTarget, got.CloseReason)

	records, err := s.ListPerformance(ctx, PerformanceFilter{ConsumerID: "alpha"})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, pos.ID, records[0].PositionID)
	assert.Equal(t, model.CloseTarget, records[0].CloseReason)

	active, err := s.ListActiveTrades(ctx, "alpha")
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestFailedTradeReleasesSlot(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	pos := seedIntent(t, s, "alpha", "005930")

	first := &model.Trade{PositionID: pos.ID, ConsumerID: "alpha", Side: model.SideBuy, Quantity: 10}
	require.NoError(t, s.BeginTrade(ctx, first))
	require.NoError(t, s.MarkTradeFailed(ctx, first.ID, "broker unavailable"))

	second := &model.Trade{PositionID: pos.ID, ConsumerID: "alpha", Side: model.SideBuy, Quantity: 10}
	require.NoError(t, s.BeginTrade(ctx, second))

	trades, err := s.ListTrades(ctx, pos.ID)
	require.NoError(t, err)
	assert.Len(t, trades, 2)
}

func TestCompleteBuy_AtMostOneOpenedPerInstrument(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	a := seedIntent(t, s, "alpha", "005930")
	b := seedIntent(t, s, "alpha", "005930")

	ta := &model.Trade{PositionID: a.ID, ConsumerID: "alpha", Side: model.SideBuy, Quantity: 1}
	tb := &model.Trade{PositionID: b.ID, ConsumerID: "alpha", Side: model.SideBuy, Quantity: 1}
	require.NoError(t, s.BeginTrade(ctx, ta))
	require.NoError(t, s.BeginTrade(ctx, tb))

	require.NoError(t, s.CompleteBuy(ctx, ta.ID, Fill{Quantity: 1, Price: d(100), At: time.Now()}))
	assert.ErrorIs(t, s.CompleteBuy(ctx, tb.ID, Fill{Quantity: 1, Price: d(100), At: time.Now()}), ErrConflict)

	open, err := s.HasOpenPosition(ctx, "alpha", "005930")
	require.NoError(t, err)
	assert.True(t, open)

	got, err := s.GetPosition(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StateIntent, got.State)
}

func TestAbandonPosition(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	pos := seedIntent(t, s, "alpha", "005930")

	ok, err := s.AbandonPosition(ctx, pos.ID, "zero quantity")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.AbandonPosition(ctx, pos.ID, "again")
	require.NoError(t, err)
	assert.False(t, ok)

	actionable, err := s.ListPositions(ctx, PositionFilter{ConsumerID: "alpha", State: model.StateIntent, Actionable: true})
	require.NoError(t, err)
	assert.Empty(t, actionable)

	all, err := s.ListPositions(ctx, PositionFilter{ConsumerID: "alpha"})
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "zero quantity", all[0].AbandonedReason)
}

func TestAbandonPosition_KeepsIntentWithBuyInFlight(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	pos := seedIntent(t, s, "alpha", "005930")

	buy := &model.Trade{PositionID: pos.ID, ConsumerID: "alpha", Instrument: "005930", Side: model.SideBuy, Quantity: 100}
	require.NoError(t, s.BeginTrade(ctx, buy))
	require.NoError(t, s.MarkTradeSubmitted(ctx, buy.ID, "ord-1"))

	ok, err := s.AbandonPosition(ctx, pos.ID, "expired")
	require.NoError(t, err)
	assert.False(t, ok)

	// The late fill still opens the position.
	require.NoError(t, s.CompleteBuy(ctx, buy.ID, Fill{Quantity: 100, Price: d(10000), At: time.Now()}))
	got, err := s.GetPosition(ctx, pos.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StateOpened, got.State)
	assert.Empty(t, got.AbandonedReason)
}

func TestRunLogsAndCursors(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.AppendRunLog(ctx, &model.RunLog{Component: model.ComponentIngest, Status: model.RunSuccess}))
	require.NoError(t, s.AppendRunLog(ctx, &model.RunLog{Component: model.ComponentAnalysis, Status: model.RunPartial}))

	logs, err := s.ListRunLogs(ctx, model.ComponentAnalysis, 10)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, model.RunPartial, logs[0].Status)

	_, ok, err := s.GetCursor(ctx, "ingest:dart")
	require.NoError(t, err)
	assert.False(t, ok)

	at := time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC)
	require.NoError(t, s.SetCursor(ctx, "ingest:dart", at))
	got, ok, err := s.GetCursor(ctx, "ingest:dart")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, got.Equal(at))
}
