// Package analysis runs one consumer's two-phase pipeline over stored
// events: candidate generation, then pricing and prediction per candidate,
// then the confidence gate that creates position intents.
//
// Events reach the pipeline from two producers, the push subscription and
// the reconciliation sweep. Both feed the same intake queue and every event
// is claimed in the store before processing, so the pipeline cannot tell
// which path delivered it and never runs it twice.
package analysis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/wkf/trade-engine/internal/capability"
	"github.com/wkf/trade-engine/internal/fanout"
	"github.com/wkf/trade-engine/internal/instrument"
	"github.com/wkf/trade-engine/internal/metrics"
	"github.com/wkf/trade-engine/internal/model"
	"github.com/wkf/trade-engine/internal/notify"
	"github.com/wkf/trade-engine/internal/retry"
	"github.com/wkf/trade-engine/internal/store"
)

// Pipeline step names, recorded on failed candidates and in the run log.
const (
	StepRecommend  = "recommend"
	StepMarketData = "market-data"
	StepPredict    = "predict"
	StepGate       = "gate"
)

const intakeBuffer = 512

// Config parameterizes one consumer.
type Config struct {
	ConsumerID        string
	Model             capability.Model
	Threshold         int
	MaxCandidates     int
	DailyLookbackDays int
	Retry             retry.Policy
	ClaimStaleAfter   time.Duration
	SweepLookback     time.Duration
	SweepBatch        int
	Location          *time.Location
}

// Orchestrator is the analysis pipeline of one consumer. The consumer's
// behavior is fully determined by the injected Recommender and Predictor.
type Orchestrator struct {
	cfg       Config
	store     store.Store
	recommend capability.Recommender
	predict   capability.Predictor
	market    capability.MarketData
	notifier  notify.Notifier
	logger    *slog.Logger
	intake    chan string
	now       func() time.Time
}

// New creates an orchestrator. notifier may be nil.
func New(cfg Config, st store.Store, rec capability.Recommender, pred capability.Predictor, md capability.MarketData, notifier notify.Notifier) *Orchestrator {
	if cfg.MaxCandidates <= 0 {
		cfg.MaxCandidates = 3
	}
	if cfg.DailyLookbackDays <= 0 {
		cfg.DailyLookbackDays = 5
	}
	if cfg.SweepBatch <= 0 {
		cfg.SweepBatch = 100
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if notifier == nil {
		notifier = notify.Nop{}
	}
	return &Orchestrator{
		cfg:       cfg,
		store:     st,
		recommend: rec,
		predict:   pred,
		market:    md,
		notifier:  notifier,
		logger:    slog.With("component", "analysis", "consumer", cfg.ConsumerID),
		intake:    make(chan string, intakeBuffer),
		now:       time.Now,
	}
}

// Enqueue offers an event to the intake queue. It reports false when the
// queue is full; the next sweep picks the event up.
func (o *Orchestrator) Enqueue(eventID string) bool {
	select {
	case o.intake <- eventID:
		return true
	default:
		o.logger.Warn("intake queue full, deferring to sweep", "event_id", eventID)
		return false
	}
}

// Listen feeds the intake queue from a fan-out subscription until ctx is
// done.
func (o *Orchestrator) Listen(ctx context.Context, sub fanout.Subscriber) error {
	ids, err := sub.Subscribe(ctx)
	if err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	o.logger.Info("listening for new events")
	for id := range ids {
		metrics.FanoutMessages.WithLabelValues("received").Inc()
		o.Enqueue(id)
	}
	return nil
}

// Sweep enqueues every recent event this consumer has not finished. It is
// the backstop for notifications missed while disconnected.
func (o *Orchestrator) Sweep(ctx context.Context) (int, error) {
	now := o.now()
	events, err := o.store.ListUnprocessed(ctx, o.cfg.ConsumerID, now.Add(-o.cfg.SweepLookback), o.staleBefore(now), o.cfg.SweepBatch)
	if err != nil {
		return 0, fmt.Errorf("list unprocessed: %w", err)
	}
	n := 0
	for _, e := range events {
		if o.Enqueue(e.ID) {
			n++
		}
	}
	if n > 0 {
		o.logger.Info("reconciliation sweep", "enqueued", n)
	}
	return n, nil
}

// Run drains the intake queue until ctx is done, processing one event at a
// time.
func (o *Orchestrator) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case id := <-o.intake:
			if err := o.Process(ctx, id); err != nil && !errors.Is(err, context.Canceled) {
				o.logger.Error("analysis failed", "event_id", id, "err", err)
			}
		}
	}
}

func (o *Orchestrator) staleBefore(now time.Time) time.Time {
	return now.Add(-o.cfg.ClaimStaleAfter)
}

// Process claims the event and runs the pipeline on it. An event already
// claimed by a live run or already finished is skipped.
func (o *Orchestrator) Process(ctx context.Context, eventID string) error {
	claimed, err := o.store.ClaimEvent(ctx, eventID, o.cfg.ConsumerID, o.staleBefore(o.now()))
	if err != nil {
		return fmt.Errorf("claim %s: %w", eventID, err)
	}
	if !claimed {
		o.logger.Debug("event already claimed", "event_id", eventID)
		return nil
	}

	event, err := o.store.GetEvent(ctx, eventID)
	if err != nil {
		return fmt.Errorf("load %s: %w", eventID, err)
	}

	r := &run{
		o:     o,
		event: event,
		log:   o.logger.With("event_id", event.ID),
		start: o.now(),
	}
	return r.execute(ctx)
}

// run is the state of one pipeline pass over one event.
type run struct {
	o     *Orchestrator
	event *model.Event
	log   *slog.Logger
	start time.Time

	failures int
	created  int
}

func (r *run) execute(ctx context.Context) error {
	candidates, err := r.candidates(ctx)
	if err != nil {
		r.stage(ctx, model.StageFailed)
		r.finish(ctx, model.RunFailed, StepRecommend, len(candidates), err)
		r.notifyFailure(ctx, StepRecommend, "", err)
		return err
	}
	if len(candidates) == 0 {
		r.log.Info("no candidates, event rejected")
		r.stage(ctx, model.StageRejected)
		r.finish(ctx, model.RunSuccess, model.StageRejected, 0, nil)
		return nil
	}
	r.stage(ctx, model.StageCandidatesGenerated)

	resumed := r.resume(ctx, candidates)

	priced := r.price(ctx, candidates)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	r.stage(ctx, model.StagePriced)

	predicted := r.predictAll(ctx, priced)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	r.stage(ctx, model.StagePredicted)

	r.gate(ctx, append(resumed, predicted...))
	r.stage(ctx, model.StageGated)

	final := model.StageRejected
	switch {
	case r.created > 0:
		final = model.StagePositionCreated
	case r.failures == len(candidates):
		final = model.StageFailed
	}
	r.stage(ctx, final)

	status := model.RunSuccess
	switch {
	case r.failures == len(candidates):
		status = model.RunFailed
	case r.failures > 0:
		status = model.RunPartial
	}
	r.finish(ctx, status, final, len(candidates), nil)
	r.log.Info("analysis complete",
		"stage", final,
		"candidates", len(candidates),
		"failed", r.failures,
		"positions", r.created,
	)
	return nil
}

// candidates runs Phase 1, or resumes from the candidates a stale earlier
// run already persisted.
func (r *run) candidates(ctx context.Context) ([]model.Candidate, error) {
	o := r.o
	existing, err := o.store.ListCandidates(ctx, r.event.ID, o.cfg.ConsumerID)
	if err != nil {
		return nil, fmt.Errorf("list candidates: %w", err)
	}
	if len(existing) > 0 {
		r.log.Info("resuming stale analysis", "candidates", len(existing))
		return existing, nil
	}

	recs, err := call(ctx, o, "recommend", func(ctx context.Context) ([]capability.Recommendation, error) {
		return o.recommend.Recommend(ctx, capability.RecommendInput{
			Subject:     r.event.Subject,
			SubjectName: r.event.SubjectName,
			Category:    r.event.Category,
			Content:     r.event.Content,
			Max:         o.cfg.MaxCandidates,
		})
	})
	if err != nil {
		metrics.PipelineSteps.WithLabelValues(o.cfg.ConsumerID, StepRecommend, "failed").Inc()
		return nil, fmt.Errorf("%s: %w", StepRecommend, err)
	}
	metrics.PipelineSteps.WithLabelValues(o.cfg.ConsumerID, StepRecommend, "ok").Inc()

	var out []model.Candidate
	seen := make(map[string]bool)
	for _, rec := range recs {
		if len(out) == o.cfg.MaxCandidates {
			break
		}
		inst, err := instrument.Parse(rec.Instrument)
		if err != nil {
			r.log.Warn("discarding recommendation", "instrument", rec.Instrument, "err", err)
			continue
		}
		if seen[inst.Code] {
			continue
		}
		seen[inst.Code] = true

		c := model.Candidate{
			EventID:        r.event.ID,
			ConsumerID:     o.cfg.ConsumerID,
			Instrument:     inst.Code,
			InstrumentName: rec.InstrumentName,
			Justification:  rec.Justification,
			Model:          o.cfg.Model.Name,
			ModelVersion:   o.cfg.Model.Version,
			Status:         model.CandidateGenerated,
		}
		if err := o.store.SaveCandidate(ctx, &c); err != nil {
			if errors.Is(err, store.ErrConflict) {
				continue
			}
			return out, fmt.Errorf("save candidate %s: %w", inst.Code, err)
		}
		out = append(out, c)
	}
	return out, nil
}

// resume collects what an interrupted run already settled: candidates that
// failed count as failures and predicted ones go straight to the gate.
func (r *run) resume(ctx context.Context, candidates []model.Candidate) []predictedCandidate {
	var out []predictedCandidate
	for _, c := range candidates {
		switch c.Status {
		case model.CandidateFailed:
			r.failures++
		case model.CandidatePredicted:
			p, err := r.o.store.GetPrediction(ctx, c.ID)
			if err != nil {
				r.fail(ctx, c, StepGate, fmt.Errorf("load prediction: %w", err))
				continue
			}
			out = append(out, predictedCandidate{Candidate: c, prediction: *p})
		}
	}
	return out
}

type pricedCandidate struct {
	model.Candidate
	daily    []model.Bar
	intraday []model.Bar
}

// price runs the market-data step. A failure only drops that candidate.
func (r *run) price(ctx context.Context, candidates []model.Candidate) []pricedCandidate {
	o := r.o
	today := o.now().In(o.cfg.Location)

	var out []pricedCandidate
	for _, c := range candidates {
		if c.Status == model.CandidateFailed || c.Status == model.CandidatePredicted {
			continue
		}
		daily, err := call(ctx, o, "market-data", func(ctx context.Context) ([]model.Bar, error) {
			return o.market.DailyBars(ctx, c.Instrument, o.cfg.DailyLookbackDays)
		})
		var intraday []model.Bar
		if err == nil {
			intraday, err = call(ctx, o, "market-data", func(ctx context.Context) ([]model.Bar, error) {
				return o.market.IntradayBars(ctx, c.Instrument, today)
			})
		}
		if err != nil {
			if ctx.Err() != nil {
				return out
			}
			r.fail(ctx, c, StepMarketData, err)
			continue
		}
		if err := o.store.UpdateCandidateStatus(ctx, c.ID, model.CandidatePriced, ""); err != nil {
			r.log.Error("update candidate failed", "instrument", c.Instrument, "err", err)
		}
		metrics.PipelineSteps.WithLabelValues(o.cfg.ConsumerID, StepMarketData, "ok").Inc()
		out = append(out, pricedCandidate{Candidate: c, daily: daily, intraday: intraday})
	}
	return out
}

type predictedCandidate struct {
	model.Candidate
	prediction model.Prediction
}

func (r *run) predictAll(ctx context.Context, priced []pricedCandidate) []predictedCandidate {
	o := r.o
	var out []predictedCandidate
	for _, pc := range priced {
		res, err := call(ctx, o, "predict", func(ctx context.Context) (capability.PredictionResult, error) {
			res, err := o.predict.Predict(ctx, capability.PredictInput{
				Instrument:     pc.Instrument,
				InstrumentName: pc.InstrumentName,
				Daily:          pc.daily,
				Intraday:       pc.intraday,
				EventContent:   r.event.Content,
				EventCategory:  r.event.Category,
			})
			if err == nil && (res.Confidence < 0 || res.Confidence > 100) {
				err = fmt.Errorf("confidence %d: %w", res.Confidence, capability.ErrInvalidResponse)
			}
			return res, err
		})
		if err != nil {
			if ctx.Err() != nil {
				return out
			}
			r.fail(ctx, pc.Candidate, StepPredict, err)
			continue
		}

		p := model.Prediction{
			CandidateID:   pc.ID,
			ConsumerID:    o.cfg.ConsumerID,
			Instrument:    pc.Instrument,
			Confidence:    res.Confidence,
			TargetPrice:   res.TargetPrice,
			StopPrice:     res.StopPrice,
			Justification: res.Justification,
			Model:         o.cfg.Model.Name,
			ModelVersion:  o.cfg.Model.Version,
		}
		if err := o.store.SavePrediction(ctx, &p); err != nil {
			if !errors.Is(err, store.ErrConflict) {
				r.fail(ctx, pc.Candidate, StepPredict, fmt.Errorf("save prediction: %w", err))
				continue
			}
			stored, gerr := o.store.GetPrediction(ctx, pc.ID)
			if gerr != nil {
				r.fail(ctx, pc.Candidate, StepPredict, fmt.Errorf("load prediction: %w", gerr))
				continue
			}
			r.log.Info("candidate already predicted", "instrument", pc.Instrument)
			p = *stored
		}
		if err := o.store.UpdateCandidateStatus(ctx, pc.ID, model.CandidatePredicted, ""); err != nil {
			r.log.Error("update candidate failed", "instrument", pc.Instrument, "err", err)
		}
		metrics.PipelineSteps.WithLabelValues(o.cfg.ConsumerID, StepPredict, "ok").Inc()
		out = append(out, predictedCandidate{Candidate: pc.Candidate, prediction: p})
	}
	return out
}

// gate creates an intent for every prediction at or above the threshold.
func (r *run) gate(ctx context.Context, predicted []predictedCandidate) {
	o := r.o
	for _, pc := range predicted {
		log := r.log.With("instrument", pc.Instrument, "confidence", pc.prediction.Confidence)
		if pc.prediction.Confidence < o.cfg.Threshold {
			metrics.PipelineSteps.WithLabelValues(o.cfg.ConsumerID, StepGate, "below-threshold").Inc()
			log.Info("below confidence threshold", "threshold", o.cfg.Threshold)
			continue
		}

		pos := model.Position{
			PredictionID:   pc.prediction.ID,
			ConsumerID:     o.cfg.ConsumerID,
			Instrument:     pc.Instrument,
			InstrumentName: pc.InstrumentName,
			TargetPrice:    pc.prediction.TargetPrice,
			StopPrice:      pc.prediction.StopPrice,
		}
		if err := o.store.CreatePosition(ctx, &pos); err != nil {
			if errors.Is(err, store.ErrConflict) {
				r.created++
				log.Info("intent already exists for prediction")
				continue
			}
			r.failures++
			log.Error("create position failed", "err", err)
			r.appendFailure(ctx, pc.Instrument, StepGate, err)
			continue
		}
		r.created++
		metrics.PipelineSteps.WithLabelValues(o.cfg.ConsumerID, StepGate, "intent").Inc()
		log.Info("position intent created", "position_id", pos.ID)

		if err := o.notifier.Notify(ctx, notify.Notification{
			Kind:       notify.KindIntent,
			ConsumerID: o.cfg.ConsumerID,
			EventID:    r.event.ID,
			PositionID: pos.ID,
			Instrument: pos.Instrument,
			Name:       pos.InstrumentName,
			Message:    fmt.Sprintf("confidence %d, target %s, stop %s", pc.prediction.Confidence, pos.TargetPrice, pos.StopPrice),
			At:         o.now(),
		}); err != nil {
			log.Warn("notify failed", "err", err)
		}
	}
}

// fail marks one candidate failed at step and records it.
func (r *run) fail(ctx context.Context, c model.Candidate, step string, err error) {
	o := r.o
	r.failures++
	metrics.PipelineSteps.WithLabelValues(o.cfg.ConsumerID, step, "failed").Inc()
	r.log.Error("candidate step failed", "instrument", c.Instrument, "step", step, "err", err)

	if uerr := o.store.UpdateCandidateStatus(ctx, c.ID, model.CandidateFailed, step); uerr != nil {
		r.log.Error("update candidate failed", "instrument", c.Instrument, "err", uerr)
	}
	r.appendFailure(ctx, c.Instrument, step, err)
	r.notifyFailure(ctx, step, c.Instrument, err)
}

func (r *run) appendFailure(ctx context.Context, subject, step string, err error) {
	l := model.RunLog{
		Component:  model.ComponentAnalysis,
		ConsumerID: r.o.cfg.ConsumerID,
		EventID:    r.event.ID,
		Status:     model.RunFailed,
		Step:       step,
		Subject:    subject,
		Errors:     1,
		ErrorText:  err.Error(),
		Duration:   r.o.now().Sub(r.start),
	}
	if aerr := r.o.store.AppendRunLog(ctx, &l); aerr != nil {
		r.log.Error("append run log failed", "err", aerr)
	}
}

func (r *run) notifyFailure(ctx context.Context, step, instrument string, err error) {
	n := notify.Notification{
		Kind:       notify.KindFailure,
		ConsumerID: r.o.cfg.ConsumerID,
		EventID:    r.event.ID,
		Instrument: instrument,
		Reason:     step,
		Message:    err.Error(),
		At:         r.o.now(),
	}
	if nerr := r.o.notifier.Notify(ctx, n); nerr != nil {
		r.log.Warn("notify failed", "err", nerr)
	}
}

func (r *run) stage(ctx context.Context, stage string) {
	if err := r.o.store.SetAnalysisStage(ctx, r.event.ID, r.o.cfg.ConsumerID, stage); err != nil {
		r.log.Error("set stage failed", "stage", stage, "err", err)
	}
}

// finish appends the run summary: Fetched counts candidates, New counts
// intents created and Errors counts failed candidates.
func (r *run) finish(ctx context.Context, status, step string, candidates int, err error) {
	l := model.RunLog{
		Component:  model.ComponentAnalysis,
		ConsumerID: r.o.cfg.ConsumerID,
		EventID:    r.event.ID,
		Status:     status,
		Step:       step,
		Fetched:    candidates,
		New:        r.created,
		Errors:     r.failures,
		Duration:   r.o.now().Sub(r.start),
	}
	if err != nil {
		l.Errors++
		l.ErrorText = err.Error()
	}
	if aerr := r.o.store.AppendRunLog(ctx, &l); aerr != nil {
		r.log.Error("append run log failed", "err", aerr)
	}
}

// call wraps one capability call in the retry policy and records metrics.
func call[T any](ctx context.Context, o *Orchestrator, name string, fn func(ctx context.Context) (T, error)) (T, error) {
	p := o.cfg.Retry
	p.OnRetry = func(attempt int, err error) {
		metrics.CapabilityRetries.WithLabelValues(name).Inc()
		o.logger.Warn("capability retry", "capability", name, "attempt", attempt, "err", err)
	}
	start := time.Now()
	v, err := retry.Value(ctx, p, fn)
	metrics.CapabilityLatency.WithLabelValues(name).Observe(time.Since(start).Seconds())
	return v, err
}
