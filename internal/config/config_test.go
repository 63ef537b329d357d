package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wkf/trade-engine/internal/session"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/trader")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 70, cfg.Strategy.ConfidenceThreshold)
	assert.Equal(t, int64(1_000_000), cfg.Strategy.NotionalBudget)
	assert.Equal(t, 3, cfg.Strategy.MaxCandidates)
	assert.Equal(t, 60*time.Second, cfg.MonitorInterval)
	assert.Equal(t, "postgres", cfg.Fanout.Transport)
	assert.Equal(t, "Asia/Seoul", cfg.Location().String())
	assert.Equal(t, session.MustTimeOfDay("15:20"), cfg.Market.LiquidationAt)
}

func TestLoad_MissingDatabaseURL(t *testing.T) {
	t.Setenv("DATABASE_URL", "")

	_, err := Load("")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalid)
	assert.Contains(t, err.Error(), "DATABASE_URL")
}

func TestLoad_YAMLThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "trader.yaml")
	yamlDoc := `
database_url: postgres://yaml/trader
strategy:
  confidence_threshold: 80
  max_candidates: 5
market:
  trading_end: "15:40"
  liquidation_at: "15:30"
retry:
  call_timeout: 10s
`
	require.NoError(t, os.WriteFile(path, []byte(yamlDoc), 0o600))

	t.Setenv("DATABASE_URL", "")
	t.Setenv("MAX_CANDIDATES", "2")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "postgres://yaml/trader", cfg.DatabaseURL)
	assert.Equal(t, 80, cfg.Strategy.ConfidenceThreshold)
	assert.Equal(t, 2, cfg.Strategy.MaxCandidates, "env overrides file")
	assert.Equal(t, session.MustTimeOfDay("15:40"), cfg.Market.TradingEnd)
	assert.Equal(t, session.MustTimeOfDay("15:30"), cfg.Market.LiquidationAt)
	assert.Equal(t, 10*time.Second, cfg.Retry.CallTimeout)
}

func TestLoad_BadEnvValue(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/trader")
	t.Setenv("MONITOR_INTERVAL", "soon")

	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "MONITOR_INTERVAL")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
		want   string
	}{
		{"threshold above 100", func(c *Config) { c.Strategy.ConfidenceThreshold = 101 }, "confidence threshold"},
		{"threshold below 0", func(c *Config) { c.Strategy.ConfidenceThreshold = -1 }, "confidence threshold"},
		{"collection outside trading", func(c *Config) { c.Market.CollectionEnd = session.MustTimeOfDay("16:00") }, "must contain"},
		{"liquidation after close", func(c *Config) { c.Market.LiquidationAt = session.MustTimeOfDay("15:45") }, "liquidation"},
		{"empty trading window", func(c *Config) { c.Market.TradingEnd = session.MustTimeOfDay("08:00") }, "trading window"},
		{"zero budget", func(c *Config) { c.Strategy.NotionalBudget = 0 }, "budget"},
		{"redis without url", func(c *Config) { c.Fanout.Transport = "redis" }, "REDIS_URL"},
		{"unknown transport", func(c *Config) { c.Fanout.Transport = "kafka" }, "transport"},
		{"bad cron", func(c *Config) { c.Reconcile.Schedule = "every now and then" }, "reconcile schedule"},
		{"bad timezone", func(c *Config) { c.Market.Timezone = "Mars/Olympus" }, "timezone"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Default()
			c.DatabaseURL = "postgres://localhost/trader"
			tt.mutate(c)

			err := c.Validate()
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalid)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestValidate_DefaultsAreValid(t *testing.T) {
	c := Default()
	c.DatabaseURL = "postgres://localhost/trader"
	require.NoError(t, c.Validate())
}

func TestValidateConsumer(t *testing.T) {
	c := Default()
	assert.ErrorIs(t, c.ValidateConsumer(), ErrInvalid)

	c.Consumer.ID = "alpha"
	c.Capabilities.RecommenderURL = "http://models/recommend"
	c.Capabilities.PredictorURL = "http://models/predict"
	c.Capabilities.MarketDataURL = "http://quotes"
	assert.NoError(t, c.ValidateConsumer())
}

func TestRetryPolicy(t *testing.T) {
	c := Default()
	p := c.RetryPolicy()
	assert.Equal(t, 3, p.MaxAttempts)
	assert.Equal(t, time.Second, p.BaseDelay)
	assert.Equal(t, 2.0, p.Factor)
	assert.Equal(t, 30*time.Second, p.Timeout)
}
