package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/wkf/trade-engine/internal/config"
)

var rootCmd = &cobra.Command{
	Use:   "trader",
	Short: "Disclosure ingestion, fan-out and trade lifecycle engine",
	Long: `Trader scrapes regulatory disclosures, fans new ones out to independent
model consumers and manages each consumer's positions from buy to exit.

Process roles:
  scrape   - poll the disclosure source and publish new events
  consume  - analyse events and trade for one consumer
  serve    - read-only reporting API
  migrate  - apply the database schema

Configuration comes from .env, an optional YAML file and the environment.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c
		setupLogger(cfg.LogLevel)
		return nil
	},
}

var (
	configPath string
	cfg        *config.Config
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML config file (default $CONFIG_FILE)")
}

func setupLogger(level string) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)
}
