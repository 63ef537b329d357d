package analysis

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wkf/trade-engine/internal/capability"
	"github.com/wkf/trade-engine/internal/fanout"
	"github.com/wkf/trade-engine/internal/model"
	"github.com/wkf/trade-engine/internal/notify"
	"github.com/wkf/trade-engine/internal/retry"
	"github.com/wkf/trade-engine/internal/store"
)

var testNow = time.Date(2024, 3, 4, 1, 0, 0, 0, time.UTC) // 10:00 KST, Monday

type fakeRecommender struct {
	mu    sync.Mutex
	recs  []capability.Recommendation
	err   error
	calls int
	last  capability.RecommendInput
}

func (f *fakeRecommender) Recommend(_ context.Context, in capability.RecommendInput) ([]capability.Recommendation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.last = in
	return f.recs, f.err
}

func (f *fakeRecommender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakePredictor struct {
	mu         sync.Mutex
	confidence map[string]int
	err        map[string]error
}

func (f *fakePredictor) Predict(_ context.Context, in capability.PredictInput) (capability.PredictionResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.err[in.Instrument]; err != nil {
		return capability.PredictionResult{}, err
	}
	return capability.PredictionResult{
		Confidence:    f.confidence[in.Instrument],
		TargetPrice:   decimal.NewFromInt(10200),
		StopPrice:     decimal.NewFromInt(9900),
		Justification: "test",
	}, nil
}

type fakeMarket struct {
	mu   sync.Mutex
	fail map[string]error
}

func (f *fakeMarket) DailyBars(_ context.Context, instrument string, days int) ([]model.Bar, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail[instrument]; err != nil {
		return nil, err
	}
	bars := make([]model.Bar, days)
	for i := range bars {
		bars[i] = model.Bar{Close: decimal.NewFromInt(10000)}
	}
	return bars, nil
}

func (f *fakeMarket) IntradayBars(context.Context, string, time.Time) ([]model.Bar, error) {
	return []model.Bar{{Close: decimal.NewFromInt(10000)}}, nil
}

func (f *fakeMarket) CurrentPrice(context.Context, string) (decimal.Decimal, error) {
	return decimal.NewFromInt(10000), nil
}

type notes struct {
	mu  sync.Mutex
	got []notify.Notification
}

func (n *notes) Notify(_ context.Context, x notify.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.got = append(n.got, x)
	return nil
}

func (n *notes) kinds() []notify.Kind {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []notify.Kind
	for _, x := range n.got {
		out = append(out, x.Kind)
	}
	return out
}

type harness struct {
	st   *store.MemoryStore
	rec  *fakeRecommender
	pred *fakePredictor
	md   *fakeMarket
	note *notes
	o    *Orchestrator
	now  time.Time
}

func newHarness(t *testing.T, recs ...capability.Recommendation) *harness {
	t.Helper()
	h := &harness{
		st:   store.NewMemoryStore(),
		rec:  &fakeRecommender{recs: recs},
		pred: &fakePredictor{confidence: map[string]int{}, err: map[string]error{}},
		md:   &fakeMarket{fail: map[string]error{}},
		note: &notes{},
		now:  testNow,
	}
	h.st.Now = func() time.Time { return h.now }
	cfg := Config{
		ConsumerID:        "gpt",
		Model:             capability.Model{Name: "gpt", Version: "4o"},
		Threshold:         70,
		MaxCandidates:     3,
		DailyLookbackDays: 5,
		Retry:             retry.Policy{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond},
		ClaimStaleAfter:   10 * time.Minute,
		SweepLookback:     24 * time.Hour,
	}
	h.o = New(cfg, h.st, h.rec, h.pred, h.md, h.note)
	h.o.now = func() time.Time { return h.now }
	return h
}

func (h *harness) event(t *testing.T, ref string) string {
	t.Helper()
	e := &model.Event{ExternalRef: ref, Subject: "005930", Category: "Supply contract", Content: "content " + ref}
	e.Fingerprint = model.Fingerprint(e)
	id, inserted, err := h.st.InsertEvent(context.Background(), e)
	require.NoError(t, err)
	require.True(t, inserted)
	return id
}

func (h *harness) positions(t *testing.T) []model.Position {
	t.Helper()
	ps, err := h.st.ListPositions(context.Background(), store.PositionFilter{ConsumerID: "gpt"})
	require.NoError(t, err)
	return ps
}

func analysisRuns(t *testing.T, st *store.MemoryStore) []model.RunLog {
	t.Helper()
	logs, err := st.ListRunLogs(context.Background(), model.ComponentAnalysis, 0)
	require.NoError(t, err)
	return logs
}

func recommend(codes ...string) []capability.Recommendation {
	var out []capability.Recommendation
	for _, c := range codes {
		out = append(out, capability.Recommendation{Instrument: c, InstrumentName: "name " + c, Justification: "why"})
	}
	return out
}

func TestProcess_HappyPath(t *testing.T) {
	h := newHarness(t, recommend("005930")...)
	h.pred.confidence["005930"] = 85
	id := h.event(t, "r1")

	require.NoError(t, h.o.Process(context.Background(), id))

	ps := h.positions(t)
	require.Len(t, ps, 1)
	assert.Equal(t, model.StateIntent, ps[0].State)
	assert.Equal(t, "005930", ps[0].Instrument)
	assert.True(t, ps[0].TargetPrice.Equal(decimal.NewFromInt(10200)))

	stage, attempts := h.st.AnalysisStage(id, "gpt")
	assert.Equal(t, model.StagePositionCreated, stage)
	assert.Equal(t, 1, attempts)

	cands, err := h.st.ListCandidates(context.Background(), id, "gpt")
	require.NoError(t, err)
	require.Len(t, cands, 1)
	assert.Equal(t, model.CandidatePredicted, cands[0].Status)
	assert.Equal(t, "4o", cands[0].ModelVersion)

	assert.Equal(t, "005930", h.rec.last.Subject)
	assert.Equal(t, 3, h.rec.last.Max)

	runs := analysisRuns(t, h.st)
	require.Len(t, runs, 1)
	assert.Equal(t, model.RunSuccess, runs[0].Status)
	assert.Equal(t, 1, runs[0].New)
	assert.Equal(t, []notify.Kind{notify.KindIntent}, h.note.kinds())
}

func TestProcess_ThresholdBoundary(t *testing.T) {
	h := newHarness(t, recommend("005930", "000660")...)
	h.pred.confidence["005930"] = 70
	h.pred.confidence["000660"] = 69
	id := h.event(t, "r1")

	require.NoError(t, h.o.Process(context.Background(), id))

	ps := h.positions(t)
	require.Len(t, ps, 1)
	assert.Equal(t, "005930", ps[0].Instrument)
}

func TestProcess_PartialFailure(t *testing.T) {
	h := newHarness(t, recommend("005930", "000660", "035720")...)
	for _, c := range []string{"005930", "000660", "035720"} {
		h.pred.confidence[c] = 80
	}
	h.md.fail["000660"] = capability.ErrNotFound
	id := h.event(t, "r1")

	require.NoError(t, h.o.Process(context.Background(), id))

	var got []string
	for _, p := range h.positions(t) {
		got = append(got, p.Instrument)
	}
	assert.ElementsMatch(t, []string{"005930", "035720"}, got)

	cands, err := h.st.ListCandidates(context.Background(), id, "gpt")
	require.NoError(t, err)
	require.Len(t, cands, 3)
	assert.Equal(t, model.CandidateFailed, cands[1].Status)
	assert.Equal(t, StepMarketData, cands[1].FailedStep)

	var failedSteps, summaries []model.RunLog
	for _, l := range analysisRuns(t, h.st) {
		if l.Subject != "" {
			failedSteps = append(failedSteps, l)
		} else {
			summaries = append(summaries, l)
		}
	}
	require.Len(t, failedSteps, 1)
	assert.Equal(t, StepMarketData, failedSteps[0].Step)
	assert.Equal(t, "000660", failedSteps[0].Subject)
	require.Len(t, summaries, 1)
	assert.Equal(t, model.RunPartial, summaries[0].Status)
	assert.Equal(t, 1, summaries[0].Errors)

	stage, _ := h.st.AnalysisStage(id, "gpt")
	assert.Equal(t, model.StagePositionCreated, stage)
}

func TestProcess_NoCandidatesRejects(t *testing.T) {
	h := newHarness(t)
	id := h.event(t, "r1")

	require.NoError(t, h.o.Process(context.Background(), id))

	stage, _ := h.st.AnalysisStage(id, "gpt")
	assert.Equal(t, model.StageRejected, stage)
	assert.Empty(t, h.positions(t))
	assert.Equal(t, 1, h.rec.count())
}

func TestProcess_InvalidAndExtraRecommendationsDropped(t *testing.T) {
	h := newHarness(t, recommend("bogus", "A005930", "005930", "000660", "035720", "051910")...)
	id := h.event(t, "r1")

	require.NoError(t, h.o.Process(context.Background(), id))

	cands, err := h.st.ListCandidates(context.Background(), id, "gpt")
	require.NoError(t, err)
	var codes []string
	for _, c := range cands {
		codes = append(codes, c.Instrument)
	}
	assert.Equal(t, []string{"005930", "000660", "035720"}, codes)
}

func TestProcess_RecommendExhausted(t *testing.T) {
	h := newHarness(t)
	h.rec.err = capability.ErrUnavailable
	id := h.event(t, "r1")

	err := h.o.Process(context.Background(), id)
	require.ErrorIs(t, err, retry.ErrExhausted)
	assert.Equal(t, 2, h.rec.count())

	stage, _ := h.st.AnalysisStage(id, "gpt")
	assert.Equal(t, model.StageFailed, stage)

	runs := analysisRuns(t, h.st)
	require.Len(t, runs, 1)
	assert.Equal(t, model.RunFailed, runs[0].Status)
	assert.Equal(t, StepRecommend, runs[0].Step)
	assert.Contains(t, h.note.kinds(), notify.KindFailure)
}

func TestProcess_InvalidConfidence(t *testing.T) {
	h := newHarness(t, recommend("005930")...)
	h.pred.confidence["005930"] = 101
	id := h.event(t, "r1")

	require.NoError(t, h.o.Process(context.Background(), id))

	assert.Empty(t, h.positions(t))
	cands, err := h.st.ListCandidates(context.Background(), id, "gpt")
	require.NoError(t, err)
	assert.Equal(t, StepPredict, cands[0].FailedStep)
	stage, _ := h.st.AnalysisStage(id, "gpt")
	assert.Equal(t, model.StageFailed, stage)
}

func TestProcess_PushAndSweepRunOnce(t *testing.T) {
	h := newHarness(t, recommend("005930")...)
	h.pred.confidence["005930"] = 90
	id := h.event(t, "r1")
	ctx := context.Background()

	require.NoError(t, h.o.Process(ctx, id))
	require.NoError(t, h.o.Process(ctx, id))

	n, err := h.o.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	assert.Equal(t, 1, h.rec.count())
	assert.Len(t, h.positions(t), 1)
}

func TestSweep_PicksUpMissedAndStaleEvents(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	missed := h.event(t, "r1")
	stuck := h.event(t, "r2")

	// A crashed run left stuck claimed but unfinished.
	ok, err := h.st.ClaimEvent(ctx, stuck, "gpt", h.now.Add(-time.Minute))
	require.NoError(t, err)
	require.True(t, ok)

	n, err := h.o.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, missed, <-h.o.intake)

	h.now = h.now.Add(11 * time.Minute)
	n, err = h.o.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	require.NoError(t, h.o.Process(ctx, <-h.o.intake))
	require.NoError(t, h.o.Process(ctx, <-h.o.intake))
	_, attempts := h.st.AnalysisStage(stuck, "gpt")
	assert.Equal(t, 2, attempts)
}

func TestListenAndRun(t *testing.T) {
	h := newHarness(t, recommend("005930")...)
	h.pred.confidence["005930"] = 90
	hub := fanout.NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.o.Listen(ctx, hub)
	go h.o.Run(ctx)
	require.Eventually(t, func() bool { return hub.Subscribers() == 1 }, time.Second, 5*time.Millisecond)

	id := h.event(t, "r1")
	require.NoError(t, hub.Publish(ctx, id))

	require.Eventually(t, func() bool {
		stage, _ := h.st.AnalysisStage(id, "gpt")
		return stage == model.StagePositionCreated
	}, time.Second, 5*time.Millisecond)
}

// interrupted leaves event claimed with the given candidates persisted, as a
// run that died mid-pipeline would, and moves past the stale window.
func (h *harness) interrupted(t *testing.T, event string, cands ...*model.Candidate) {
	t.Helper()
	ctx := context.Background()
	ok, err := h.st.ClaimEvent(ctx, event, "gpt", h.now.Add(-time.Minute))
	require.NoError(t, err)
	require.True(t, ok)
	for _, c := range cands {
		c.EventID, c.ConsumerID = event, "gpt"
		require.NoError(t, h.st.SaveCandidate(ctx, c))
	}
	h.now = h.now.Add(11 * time.Minute)
}

func (h *harness) predicted(t *testing.T, c *model.Candidate, confidence int) *model.Prediction {
	t.Helper()
	p := &model.Prediction{
		CandidateID: c.ID,
		ConsumerID:  "gpt",
		Instrument:  c.Instrument,
		Confidence:  confidence,
		TargetPrice: decimal.NewFromInt(10300),
		StopPrice:   decimal.NewFromInt(9800),
	}
	require.NoError(t, h.st.SavePrediction(context.Background(), p))
	return p
}

func TestProcess_ResumeGatesStoredPrediction(t *testing.T) {
	h := newHarness(t)
	id := h.event(t, "r1")
	c := &model.Candidate{Instrument: "005930", Status: model.CandidatePredicted}
	h.interrupted(t, id, c)
	p := h.predicted(t, c, 90)
	h.pred.err["005930"] = capability.ErrInvalidResponse

	require.NoError(t, h.o.Process(context.Background(), id))

	ps := h.positions(t)
	require.Len(t, ps, 1)
	assert.Equal(t, p.ID, ps[0].PredictionID)
	assert.True(t, ps[0].TargetPrice.Equal(decimal.NewFromInt(10300)))
	assert.Zero(t, h.rec.count())

	stage, attempts := h.st.AnalysisStage(id, "gpt")
	assert.Equal(t, model.StagePositionCreated, stage)
	assert.Equal(t, 2, attempts)
}

func TestProcess_ResumeReusesPredictionSavedBeforeCrash(t *testing.T) {
	h := newHarness(t)
	id := h.event(t, "r1")
	// The prediction was stored but the candidate never marked predicted.
	c := &model.Candidate{Instrument: "005930", Status: model.CandidatePriced}
	h.interrupted(t, id, c)
	p := h.predicted(t, c, 90)
	h.pred.confidence["005930"] = 10

	require.NoError(t, h.o.Process(context.Background(), id))

	ps := h.positions(t)
	require.Len(t, ps, 1)
	assert.Equal(t, p.ID, ps[0].PredictionID)
	stage, _ := h.st.AnalysisStage(id, "gpt")
	assert.Equal(t, model.StagePositionCreated, stage)
}

func TestProcess_ResumeWithIntentAlreadyCreated(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.event(t, "r1")
	c := &model.Candidate{Instrument: "005930", Status: model.CandidatePredicted}
	h.interrupted(t, id, c)
	p := h.predicted(t, c, 90)
	require.NoError(t, h.st.CreatePosition(ctx, &model.Position{PredictionID: p.ID, ConsumerID: "gpt", Instrument: "005930"}))

	require.NoError(t, h.o.Process(ctx, id))

	assert.Len(t, h.positions(t), 1)
	stage, _ := h.st.AnalysisStage(id, "gpt")
	assert.Equal(t, model.StagePositionCreated, stage)
	assert.NotContains(t, h.note.kinds(), notify.KindIntent)
}

func TestProcess_ResumeCountsEarlierFailures(t *testing.T) {
	t.Run("partial", func(t *testing.T) {
		h := newHarness(t)
		id := h.event(t, "r1")
		failed := &model.Candidate{Instrument: "000660", Status: model.CandidateFailed, FailedStep: StepMarketData}
		ok := &model.Candidate{Instrument: "005930", Status: model.CandidatePredicted}
		h.interrupted(t, id, failed, ok)
		h.predicted(t, ok, 75)

		require.NoError(t, h.o.Process(context.Background(), id))

		stage, _ := h.st.AnalysisStage(id, "gpt")
		assert.Equal(t, model.StagePositionCreated, stage)
		runs := analysisRuns(t, h.st)
		require.NotEmpty(t, runs)
		assert.Equal(t, model.RunPartial, runs[0].Status)
		assert.Equal(t, 1, runs[0].Errors)
		assert.Equal(t, 1, runs[0].New)
	})

	t.Run("all failed", func(t *testing.T) {
		h := newHarness(t)
		id := h.event(t, "r1")
		h.interrupted(t, id, &model.Candidate{Instrument: "000660", Status: model.CandidateFailed, FailedStep: StepPredict})

		require.NoError(t, h.o.Process(context.Background(), id))

		stage, _ := h.st.AnalysisStage(id, "gpt")
		assert.Equal(t, model.StageFailed, stage)
		assert.Equal(t, model.RunFailed, analysisRuns(t, h.st)[0].Status)
	})
}
