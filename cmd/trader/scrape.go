package main

import (
	"context"
	"errors"
	"log/slog"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/wkf/trade-engine/internal/api"
	"github.com/wkf/trade-engine/internal/capability/httpcap"
	"github.com/wkf/trade-engine/internal/config"
	"github.com/wkf/trade-engine/internal/ingest"
)

var scrapeCmd = &cobra.Command{
	Use:   "scrape",
	Short: "Poll the disclosure source and publish new events",
	Long: `Scrape polls the disclosure source on the ingest interval inside the
collection window, stores each new event once and announces it on the
fan-out channel.

Example:
  trader scrape --source dart
  trader scrape --once`,
	RunE: runScrape,
}

var (
	scrapeSource string
	scrapeOnce   bool
)

func init() {
	rootCmd.AddCommand(scrapeCmd)
	scrapeCmd.Flags().StringVar(&scrapeSource, "source", "dart", "name of the fetch cursor")
	scrapeCmd.Flags().BoolVar(&scrapeOnce, "once", false, "run a single fetch and exit")
}

func runScrape(cmd *cobra.Command, args []string) error {
	if cfg.Capabilities.EventSourceURL == "" {
		return errors.New("EVENT_SOURCE_URL is required")
	}
	in, err := openInfra(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer in.Close()

	sched := newIngestScheduler(cfg, in)
	if scrapeOnce {
		l, err := sched.RunOnce(cmd.Context())
		slog.Info("fetch finished", "status", l.Status, "fetched", l.Fetched, "new", l.New, "errors", l.Errors)
		return err
	}

	return runGroup(cmd.Context(), func(ctx context.Context, g *errgroup.Group) {
		g.Go(func() error { return sched.Run(ctx) })
		watch(ctx, g, cfg, in.store)
		serveHTTP(ctx, g, newServer(cfg, api.NewRouter("scrape", in.store, nil, nil)))
	})
}

func newIngestScheduler(cfg *config.Config, in *infra) *ingest.Scheduler {
	client := httpcap.NewClient(cfg.Capabilities.EventSourceURL, cfg.Capabilities.APIKey)
	events := ingest.NewEventStore(in.store, in.channel(cfg))
	return ingest.NewScheduler(ingest.SchedulerConfig{
		Source:   scrapeSource,
		Window:   cfg.CollectionWindow(),
		Interval: cfg.IngestInterval,
		Retry:    cfg.RetryPolicy(),
	}, httpcap.NewEventSource(client), events, in.store)
}
