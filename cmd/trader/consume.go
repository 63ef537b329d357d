package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/wkf/trade-engine/internal/analysis"
	"github.com/wkf/trade-engine/internal/api"
	"github.com/wkf/trade-engine/internal/capability"
	"github.com/wkf/trade-engine/internal/capability/httpcap"
	"github.com/wkf/trade-engine/internal/capability/paper"
	"github.com/wkf/trade-engine/internal/capability/quotecache"
	"github.com/wkf/trade-engine/internal/config"
	"github.com/wkf/trade-engine/internal/lifecycle"
	"github.com/wkf/trade-engine/internal/monitor"
	"github.com/wkf/trade-engine/internal/notify"
	"github.com/wkf/trade-engine/internal/scheduler"
)

var consumeCmd = &cobra.Command{
	Use:   "consume",
	Short: "Analyse new events and trade for one consumer",
	Long: `Consume subscribes to the fan-out channel and runs the analysis pipeline
for one consumer, then manages that consumer's positions inside the
trading window. Run one process per model.

Example:
  trader consume --consumer gpt --model gpt-4o
  trader consume --consumer claude --model claude --model-version 2024-06`,
	RunE: runConsume,
}

var (
	consumeID           string
	consumeModel        string
	consumeModelVersion string
)

func init() {
	rootCmd.AddCommand(consumeCmd)
	consumeCmd.Flags().StringVar(&consumeID, "consumer", "", "consumer id (default $CONSUMER_ID)")
	consumeCmd.Flags().StringVar(&consumeModel, "model", "", "model name passed to the recommender and predictor")
	consumeCmd.Flags().StringVar(&consumeModelVersion, "model-version", "", "model version")
}

func runConsume(cmd *cobra.Command, args []string) error {
	if consumeID != "" {
		cfg.Consumer.ID = consumeID
	}
	if consumeModel != "" {
		cfg.Consumer.Model = consumeModel
	}
	if consumeModelVersion != "" {
		cfg.Consumer.ModelVersion = consumeModelVersion
	}
	if cfg.Consumer.Model == "" {
		cfg.Consumer.Model = cfg.Consumer.ID
	}
	if err := cfg.ValidateConsumer(); err != nil {
		return err
	}

	in, err := openInfra(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer in.Close()

	logger := slog.With("consumer", cfg.Consumer.ID)
	caps := cfg.Capabilities
	md := newMarketData(cfg, in)
	broker := newBroker(cfg, md)

	// --- Notifications ---
	hub := api.NewWSHub()
	notifiers := notify.Multi{hub}
	if tg := notify.NewTelegram(cfg.Telegram.BotToken, cfg.Telegram.ChatID); tg != nil {
		notifiers = append(notifiers, tg)
		logger.Info("telegram notifications enabled")
	}

	// --- Analysis ---
	model := capability.Model{Name: cfg.Consumer.Model, Version: cfg.Consumer.ModelVersion}
	orch := analysis.New(analysis.Config{
		ConsumerID:        cfg.Consumer.ID,
		Model:             model,
		Threshold:         cfg.Strategy.ConfidenceThreshold,
		MaxCandidates:     cfg.Strategy.MaxCandidates,
		DailyLookbackDays: cfg.Strategy.DailyLookbackDays,
		Retry:             cfg.RetryPolicy(),
		ClaimStaleAfter:   cfg.Reconcile.ClaimStaleAfter,
		SweepLookback:     cfg.Reconcile.Lookback,
		Location:          cfg.Location(),
	}, in.store,
		httpcap.NewRecommender(httpcap.NewClient(caps.RecommenderURL, caps.APIKey), model),
		httpcap.NewPredictor(httpcap.NewClient(caps.PredictorURL, caps.APIKey), model),
		md, notifiers)

	// --- Lifecycle ---
	mgr := lifecycle.New(lifecycle.Config{
		ConsumerID:      cfg.Consumer.ID,
		Budget:          decimal.NewFromInt(cfg.Strategy.NotionalBudget),
		ProfitTargetPct: decimal.NewFromFloat(cfg.Strategy.ProfitTargetPercent),
		StopLossPct:     decimal.NewFromFloat(cfg.Strategy.StopLossPercent),
		Liquidation:     cfg.Market.LiquidationAt,
		Location:        cfg.Location(),
		Retry:           cfg.RetryPolicy(),
	}, in.store, md, broker, notifiers)

	// Settle whatever a previous run left between submission and fill.
	if err := mgr.Reconcile(cmd.Context()); err != nil {
		logger.Error("startup reconcile failed", "err", err)
	}

	loop := monitor.New(cfg.Consumer.ID, cfg.TradingWindow(), cfg.MonitorInterval, mgr)

	// --- Scheduled jobs ---
	sched := scheduler.New(cfg.Location())
	sweep := scheduler.JobFunc{JobName: "analysis-sweep", Fn: func(ctx context.Context) error {
		_, err := orch.Sweep(ctx)
		return err
	}}
	if err := sched.AddJob(cfg.Reconcile.Schedule, sweep); err != nil {
		return err
	}
	if cfg.Reconcile.SummarySchedule != "" {
		err := sched.AddJob(cfg.Reconcile.SummarySchedule, scheduler.JobFunc{JobName: "daily-summary", Fn: mgr.DailySummary})
		if err != nil {
			return err
		}
	}

	svc := api.NewService(in.store, cfg.Location())
	srv := newServer(cfg, api.NewRouter("consume:"+cfg.Consumer.ID, in.store, svc, hub))

	return runGroup(cmd.Context(), func(ctx context.Context, g *errgroup.Group) {
		g.Go(func() error { return hub.Run(ctx) })
		g.Go(func() error { return orch.Run(ctx) })
		g.Go(func() error {
			if err := orch.Listen(ctx, in.channel(cfg)); err != nil {
				return fmt.Errorf("fan-out: %w", err)
			}
			return nil
		})
		// Catch up on anything published while this consumer was down.
		g.Go(func() error {
			if err := sched.RunNow(ctx, sweep); err != nil {
				logger.Error("startup sweep failed", "err", err)
			}
			return nil
		})
		g.Go(func() error { return sched.Run(ctx) })
		g.Go(func() error { return loop.Run(ctx) })
		watch(ctx, g, cfg, in.store)
		serveHTTP(ctx, g, srv)
	})
}

// newMarketData builds the rate-limited market data client, cached in Redis
// when available.
func newMarketData(cfg *config.Config, in *infra) capability.MarketData {
	caps := cfg.Capabilities
	var md capability.MarketData = httpcap.NewMarketData(httpcap.NewClient(
		caps.MarketDataURL, caps.APIKey, httpcap.WithRateLimit(caps.MarketDataRatePerSec)))
	if in.rdb != nil && caps.QuoteCacheTTL > 0 {
		md = quotecache.New(md, in.rdb, caps.QuoteCacheTTL)
	}
	return md
}

func newBroker(cfg *config.Config, md capability.MarketData) capability.Brokerage {
	if cfg.Capabilities.BrokerURL == "" {
		slog.Warn("BROKER_URL not set, using paper brokerage")
		return paper.New(md)
	}
	return httpcap.NewBroker(httpcap.NewClient(cfg.Capabilities.BrokerURL, cfg.Capabilities.APIKey))
}
