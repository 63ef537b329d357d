// Package lifecycle moves a consumer's positions through intent, opened and
// closed by submitting market orders.
//
// Every order is written as a pending trade before the brokerage is called,
// with the trade ID as the brokerage client reference. A crash or an
// ambiguous brokerage failure therefore leaves a pending row that Reconcile
// resolves against the brokerage's own record of the order.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/wkf/trade-engine/internal/capability"
	"github.com/wkf/trade-engine/internal/metrics"
	"github.com/wkf/trade-engine/internal/model"
	"github.com/wkf/trade-engine/internal/notify"
	"github.com/wkf/trade-engine/internal/performance"
	"github.com/wkf/trade-engine/internal/retry"
	"github.com/wkf/trade-engine/internal/session"
	"github.com/wkf/trade-engine/internal/store"
)

// Reasons recorded on abandoned intents.
const (
	AbandonExpired      = "expired"
	AbandonHeld         = "held"
	AbandonZeroQuantity = "zero quantity"
	AbandonUnknown      = "unknown instrument"
)

// Config holds the trading rules of one consumer.
type Config struct {
	ConsumerID      string
	Budget          decimal.Decimal
	ProfitTargetPct decimal.Decimal
	StopLossPct     decimal.Decimal // positive; exit at return <= -StopLossPct
	Liquidation     session.TimeOfDay
	Location        *time.Location
	Retry           retry.Policy
}

// Manager runs the buy and sell sweeps of one consumer.
type Manager struct {
	cfg      Config
	store    store.Store
	market   capability.MarketData
	broker   capability.Brokerage
	notifier notify.Notifier
	logger   *slog.Logger
	now      func() time.Time
}

// New creates a lifecycle manager. notifier may be nil.
func New(cfg Config, st store.Store, md capability.MarketData, broker capability.Brokerage, notifier notify.Notifier) *Manager {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if notifier == nil {
		notifier = notify.Nop{}
	}
	return &Manager{
		cfg:      cfg,
		store:    st,
		market:   md,
		broker:   broker,
		notifier: notifier,
		logger:   slog.With("component", "lifecycle", "consumer", cfg.ConsumerID),
		now:      time.Now,
	}
}

// Quantity is the whole number of units the budget buys at price.
func Quantity(budget, price decimal.Decimal) int64 {
	if !price.IsPositive() {
		return 0
	}
	return budget.Div(price).Floor().IntPart()
}

// ExitReason decides whether an opened position must close. The forced
// liquidation cutoff wins over the profit target, which wins over the stop.
// It returns "" to hold.
func ExitReason(cfg Config, p *model.Position, price decimal.Decimal, now time.Time) model.CloseReason {
	if liquidationDue(cfg, p, now) {
		return model.CloseLiquidation
	}
	ret := performance.ReturnPct(p.AcquisitionPrice, price)
	switch {
	case ret.GreaterThanOrEqual(cfg.ProfitTargetPct):
		return model.CloseTarget
	case ret.LessThanOrEqual(cfg.StopLossPct.Neg()):
		return model.CloseStop
	}
	return ""
}

// liquidationDue applies the cutoff of the day the position was opened, so a
// position carried overnight is liquidated on the next tick.
func liquidationDue(cfg Config, p *model.Position, now time.Time) bool {
	opened := now
	if p.OpenedAt != nil {
		opened = *p.OpenedAt
	}
	return session.PastCutoff(opened, now, cfg.Liquidation, cfg.Location)
}

// BuySweep tries to open every live intent. Per-position failures are
// logged and left for the next sweep. An intent whose buy order is still
// pending or submitted is left to Reconcile, and only one intent per
// instrument is bought at a time.
func (m *Manager) BuySweep(ctx context.Context) error {
	intents, err := m.store.ListPositions(ctx, store.PositionFilter{
		ConsumerID: m.cfg.ConsumerID,
		State:      model.StateIntent,
		Actionable: true,
	})
	if err != nil {
		return fmt.Errorf("list intents: %w", err)
	}
	active, err := m.store.ListActiveTrades(ctx, m.cfg.ConsumerID)
	if err != nil {
		return fmt.Errorf("list active trades: %w", err)
	}
	inFlight := make(map[string]bool)
	buying := make(map[string]bool)
	for _, t := range active {
		if t.Side == model.SideBuy {
			inFlight[t.PositionID] = true
			buying[t.Instrument] = true
		}
	}

	now := m.now()
	cutoff := session.PastCutoff(now, now, m.cfg.Liquidation, m.cfg.Location)
	for i := range intents {
		p := &intents[i]
		log := m.logger.With("position_id", p.ID, "instrument", p.Instrument)

		if inFlight[p.ID] {
			log.Debug("buy order in flight, awaiting reconcile")
			continue
		}
		if !session.SameDay(p.CreatedAt, now, m.cfg.Location) {
			m.abandon(ctx, p, AbandonExpired)
			continue
		}
		if cutoff {
			log.Debug("past liquidation cutoff, not buying")
			continue
		}
		held, err := m.store.HasOpenPosition(ctx, p.ConsumerID, p.Instrument)
		if err != nil {
			log.Error("check holdings failed", "err", err)
			continue
		}
		if held {
			m.abandon(ctx, p, AbandonHeld)
			continue
		}
		if buying[p.Instrument] {
			log.Debug("another buy for this instrument in flight")
			continue
		}

		price, err := m.price(ctx, p.Instrument)
		if err != nil {
			if errors.Is(err, capability.ErrNotFound) {
				m.abandon(ctx, p, AbandonUnknown)
				continue
			}
			log.Warn("price unavailable, retrying next sweep", "err", err)
			continue
		}
		qty := Quantity(m.cfg.Budget, price)
		if qty == 0 {
			log.Warn("budget buys nothing", "price", price.String(), "budget", m.cfg.Budget.String())
			m.abandon(ctx, p, AbandonZeroQuantity)
			continue
		}
		buying[p.Instrument] = true
		m.order(ctx, p, model.SideBuy, qty, "")
	}
	return nil
}

// SellSweep closes every opened position whose exit condition holds.
func (m *Manager) SellSweep(ctx context.Context) error {
	opened, err := m.store.ListPositions(ctx, store.PositionFilter{
		ConsumerID: m.cfg.ConsumerID,
		State:      model.StateOpened,
	})
	if err != nil {
		return fmt.Errorf("list opened: %w", err)
	}

	now := m.now()
	for i := range opened {
		p := &opened[i]
		log := m.logger.With("position_id", p.ID, "instrument", p.Instrument)

		var reason model.CloseReason
		if liquidationDue(m.cfg, p, now) {
			reason = model.CloseLiquidation
		} else {
			price, err := m.price(ctx, p.Instrument)
			if err != nil {
				log.Warn("price unavailable, retrying next sweep", "err", err)
				continue
			}
			reason = ExitReason(m.cfg, p, price, now)
			if reason == "" {
				log.Debug("holding", "price", price.String(), "return_pct", performance.ReturnPct(p.AcquisitionPrice, price).String())
				continue
			}
		}
		log.Info("exit triggered", "reason", reason)
		m.order(ctx, p, model.SideSell, p.Quantity, reason)
	}

	m.observeOpen(ctx)
	return nil
}

// Reconcile resolves the consumer's pending and submitted trades against
// the brokerage. It runs on start-up and before every buy sweep.
func (m *Manager) Reconcile(ctx context.Context) error {
	trades, err := m.store.ListActiveTrades(ctx, m.cfg.ConsumerID)
	if err != nil {
		return fmt.Errorf("list active trades: %w", err)
	}
	for i := range trades {
		t := &trades[i]
		if o, ok := m.resolve(ctx, t); ok {
			m.settle(ctx, t, o)
		}
	}
	return nil
}

// resolve finds the brokerage order behind t: by order ref when one was
// recorded, otherwise (or when the ref is unknown) by the trade ID sent as
// client ref. A trade the brokerage has no order for is released.
func (m *Manager) resolve(ctx context.Context, t *model.Trade) (capability.Order, bool) {
	log := m.logger.With("trade_id", t.ID, "position_id", t.PositionID, "side", t.Side)

	if t.OrderRef != "" {
		o, err := m.lookup(ctx, func(ctx context.Context) (capability.Order, error) {
			return m.broker.OrderStatus(ctx, t.OrderRef)
		})
		if err == nil {
			return o, true
		}
		if !errors.Is(err, capability.ErrNotFound) {
			log.Warn("order status failed", "err", err)
			return capability.Order{}, false
		}
		log.Warn("order ref unknown to brokerage, searching by client ref", "ref", t.OrderRef)
	}

	o, err := m.lookup(ctx, func(ctx context.Context) (capability.Order, error) {
		return m.broker.FindOrder(ctx, t.ID)
	})
	if errors.Is(err, capability.ErrNotFound) {
		log.Info("order never reached the brokerage, releasing")
		m.failTrade(ctx, t, "order not found at brokerage")
		return capability.Order{}, false
	}
	if err != nil {
		log.Warn("find order failed", "err", err)
		return capability.Order{}, false
	}
	if t.Status == model.TradePending {
		if err := m.store.MarkTradeSubmitted(ctx, t.ID, o.Ref); err != nil {
			log.Error("record order ref failed", "err", err)
			return capability.Order{}, false
		}
		t.Status = model.TradeSubmitted
	}
	t.OrderRef = o.Ref
	return o, true
}

// lookup runs one brokerage query under the per-call timeout.
func (m *Manager) lookup(ctx context.Context, fn func(ctx context.Context) (capability.Order, error)) (capability.Order, error) {
	once := retry.Policy{MaxAttempts: 1, Timeout: m.cfg.Retry.Timeout}
	return retry.Value(ctx, once, fn)
}

func (m *Manager) price(ctx context.Context, instrument string) (decimal.Decimal, error) {
	p := m.cfg.Retry
	p.OnRetry = func(attempt int, err error) {
		metrics.CapabilityRetries.WithLabelValues("market-data").Inc()
	}
	start := time.Now()
	price, err := retry.Value(ctx, p, func(ctx context.Context) (decimal.Decimal, error) {
		return m.market.CurrentPrice(ctx, instrument)
	})
	metrics.CapabilityLatency.WithLabelValues("market-data").Observe(time.Since(start).Seconds())
	return price, err
}

// order records a pending trade, submits it once and settles what the
// brokerage reports. Submission is never retried inside a sweep.
func (m *Manager) order(ctx context.Context, p *model.Position, side model.Side, qty int64, reason model.CloseReason) {
	log := m.logger.With("position_id", p.ID, "instrument", p.Instrument, "side", side)

	t := &model.Trade{
		PositionID: p.ID,
		ConsumerID: p.ConsumerID,
		Instrument: p.Instrument,
		Side:       side,
		Quantity:   qty,
		Reason:     reason,
	}
	if err := m.store.BeginTrade(ctx, t); err != nil {
		if errors.Is(err, store.ErrConflict) {
			log.Info("order already in flight")
			return
		}
		log.Error("record pending trade failed", "err", err)
		return
	}

	req := capability.OrderRequest{Instrument: p.Instrument, Quantity: qty, ClientRef: t.ID}
	once := retry.Policy{MaxAttempts: 1, Timeout: m.cfg.Retry.Timeout}
	ref, err := retry.Value(ctx, once, func(ctx context.Context) (string, error) {
		if side == model.SideBuy {
			return m.broker.MarketBuy(ctx, req)
		}
		return m.broker.MarketSell(ctx, req)
	})
	if err != nil {
		if capability.Retryable(err) {
			// Outcome unknown: the order may exist. Reconcile asks the
			// brokerage before anything is resubmitted.
			metrics.Orders.WithLabelValues(m.cfg.ConsumerID, string(side), "unknown").Inc()
			log.Warn("order submission failed, left pending", "trade_id", t.ID, "err", err)
			return
		}
		metrics.Orders.WithLabelValues(m.cfg.ConsumerID, string(side), "rejected").Inc()
		log.Error("order rejected", "trade_id", t.ID, "err", err)
		m.failTrade(ctx, t, err.Error())
		return
	}
	if err := m.store.MarkTradeSubmitted(ctx, t.ID, ref); err != nil {
		log.Error("record order ref failed", "trade_id", t.ID, "err", err)
		return
	}
	t.OrderRef = ref
	metrics.Orders.WithLabelValues(m.cfg.ConsumerID, string(side), "submitted").Inc()

	o, err := m.lookup(ctx, func(ctx context.Context) (capability.Order, error) {
		return m.broker.OrderStatus(ctx, ref)
	})
	if err != nil {
		log.Warn("order status failed, reconciling later", "trade_id", t.ID, "err", err)
		return
	}
	m.settle(ctx, t, o)
}

// settle applies a brokerage order state to its trade.
func (m *Manager) settle(ctx context.Context, t *model.Trade, o capability.Order) {
	switch o.Status {
	case capability.OrderFilled:
		if o.FilledQty <= 0 || !o.AvgPrice.IsPositive() {
			m.logger.Error("filled order without execution", "trade_id", t.ID, "ref", o.Ref)
			return
		}
		if t.Side == model.SideBuy {
			m.completeBuy(ctx, t, o)
		} else {
			m.completeSell(ctx, t, o)
		}
	case capability.OrderRejected, capability.OrderCancelled:
		metrics.Orders.WithLabelValues(m.cfg.ConsumerID, string(t.Side), o.Status).Inc()
		m.failTrade(ctx, t, "order "+o.Status)
	default:
		m.logger.Debug("order not filled yet", "trade_id", t.ID, "status", o.Status)
	}
}

func (m *Manager) completeBuy(ctx context.Context, t *model.Trade, o capability.Order) {
	now := m.now()
	err := m.store.CompleteBuy(ctx, t.ID, store.Fill{Quantity: o.FilledQty, Price: o.AvgPrice, At: now})
	if err != nil {
		m.logger.Error("apply buy fill failed", "trade_id", t.ID, "position_id", t.PositionID, "err", err)
		return
	}
	metrics.Orders.WithLabelValues(m.cfg.ConsumerID, string(t.Side), "filled").Inc()
	m.logger.Info("position opened",
		"position_id", t.PositionID,
		"instrument", t.Instrument,
		"quantity", o.FilledQty,
		"price", o.AvgPrice.String(),
	)
	m.notify(ctx, notify.Notification{
		Kind:       notify.KindBuyFilled,
		PositionID: t.PositionID,
		Instrument: t.Instrument,
		Quantity:   o.FilledQty,
		Price:      o.AvgPrice,
		At:         now,
	})
}

func (m *Manager) completeSell(ctx context.Context, t *model.Trade, o capability.Order) {
	p, err := m.store.GetPosition(ctx, t.PositionID)
	if err != nil {
		m.logger.Error("load position failed", "position_id", t.PositionID, "err", err)
		return
	}
	now := m.now()
	rec := performance.Build(p, o.AvgPrice, t.Reason, now)
	if err := m.store.CompleteSell(ctx, t.ID, rec); err != nil {
		m.logger.Error("apply sell fill failed", "trade_id", t.ID, "position_id", t.PositionID, "err", err)
		return
	}
	metrics.Orders.WithLabelValues(m.cfg.ConsumerID, string(t.Side), "filled").Inc()
	metrics.PositionsClosed.WithLabelValues(m.cfg.ConsumerID, string(rec.CloseReason)).Inc()
	m.logger.Info("position closed",
		"position_id", p.ID,
		"instrument", p.Instrument,
		"reason", rec.CloseReason,
		"price", o.AvgPrice.String(),
		"return_pct", rec.ReturnPct.String(),
		"profit_loss", rec.ProfitLoss.String(),
	)

	kind := notify.KindSellFilled
	if rec.CloseReason == model.CloseLiquidation {
		kind = notify.KindLiquidation
	}
	m.notify(ctx, notify.Notification{
		Kind:       kind,
		PositionID: p.ID,
		Instrument: p.Instrument,
		Name:       p.InstrumentName,
		Quantity:   rec.Quantity,
		Price:      o.AvgPrice,
		ReturnPct:  rec.ReturnPct,
		Reason:     string(rec.CloseReason),
		At:         now,
	})
}

func (m *Manager) failTrade(ctx context.Context, t *model.Trade, reason string) {
	if err := m.store.MarkTradeFailed(ctx, t.ID, reason); err != nil {
		m.logger.Error("mark trade failed", "trade_id", t.ID, "err", err)
	}
}

func (m *Manager) abandon(ctx context.Context, p *model.Position, reason string) {
	ok, err := m.store.AbandonPosition(ctx, p.ID, reason)
	if err != nil {
		m.logger.Error("abandon intent failed", "position_id", p.ID, "err", err)
		return
	}
	if !ok {
		return
	}
	m.logger.Info("intent abandoned", "position_id", p.ID, "instrument", p.Instrument, "reason", reason)
	m.notify(ctx, notify.Notification{
		Kind:       notify.KindAbandoned,
		PositionID: p.ID,
		Instrument: p.Instrument,
		Name:       p.InstrumentName,
		Reason:     reason,
		At:         m.now(),
	})
}

func (m *Manager) notify(ctx context.Context, n notify.Notification) {
	n.ConsumerID = m.cfg.ConsumerID
	if err := m.notifier.Notify(ctx, n); err != nil {
		m.logger.Warn("notify failed", "kind", n.Kind, "err", err)
	}
}

func (m *Manager) observeOpen(ctx context.Context) {
	opened, err := m.store.ListPositions(ctx, store.PositionFilter{ConsumerID: m.cfg.ConsumerID, State: model.StateOpened})
	if err != nil {
		return
	}
	metrics.OpenPositions.WithLabelValues(m.cfg.ConsumerID).Set(float64(len(opened)))
}

// DailySummary notifies today's closed-position aggregate.
func (m *Manager) DailySummary(ctx context.Context) error {
	now := m.now()
	start := performance.Day.Start(now, m.cfg.Location)
	recs, err := m.store.ListPerformance(ctx, store.PerformanceFilter{
		ConsumerID: m.cfg.ConsumerID,
		Since:      start,
		Until:      start.AddDate(0, 0, 1),
	})
	if err != nil {
		return fmt.Errorf("list performance: %w", err)
	}

	msg := "no positions closed"
	if sums := performance.Summarize(recs, performance.Day, m.cfg.Location); len(sums) > 0 {
		s := sums[0]
		msg = fmt.Sprintf("%d closed, %d won (%.0f%%), avg return %.2f%%, total P/L %s",
			s.Trades, s.Wins, s.WinRate*100, s.AvgReturnPct, s.TotalPL.StringFixed(0))
	}
	m.notify(ctx, notify.Notification{Kind: notify.KindSummary, Message: msg, At: now})
	return nil
}
