// Package config loads process configuration. Sources are applied in order:
// .env file, built-in defaults, optional YAML file, environment variables.
// The result is validated once; an invalid configuration is fatal at startup.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/wkf/trade-engine/internal/retry"
	"github.com/wkf/trade-engine/internal/session"
)

var ErrInvalid = errors.New("config: invalid")

// Config holds application configuration.
type Config struct {
	DatabaseURL string `yaml:"database_url"`
	RedisURL    string `yaml:"redis_url"`
	LogLevel    string `yaml:"log_level"`
	HTTPPort    int    `yaml:"http_port"`

	Fanout       FanoutConfig       `yaml:"fanout"`
	Market       MarketConfig       `yaml:"market"`
	Strategy     StrategyConfig     `yaml:"strategy"`
	Retry        RetryConfig        `yaml:"retry"`
	Reconcile    ReconcileConfig    `yaml:"reconcile"`
	Capabilities CapabilitiesConfig `yaml:"capabilities"`
	Telegram     TelegramConfig     `yaml:"telegram"`
	Consumer     ConsumerConfig     `yaml:"consumer"`

	IngestInterval   time.Duration `yaml:"ingest_interval"`
	MonitorInterval  time.Duration `yaml:"monitor_interval"`
	StoreGracePeriod time.Duration `yaml:"store_grace_period"`

	location *time.Location
}

type FanoutConfig struct {
	Transport string `yaml:"transport"` // postgres | redis
	Channel   string `yaml:"channel"`
}

// MarketConfig holds the market-local time boundaries.
type MarketConfig struct {
	Timezone        string            `yaml:"timezone"`
	CollectionStart session.TimeOfDay `yaml:"collection_start"`
	CollectionEnd   session.TimeOfDay `yaml:"collection_end"`
	TradingStart    session.TimeOfDay `yaml:"trading_start"`
	TradingEnd      session.TimeOfDay `yaml:"trading_end"`
	LiquidationAt   session.TimeOfDay `yaml:"liquidation_at"`
}

type StrategyConfig struct {
	ConfidenceThreshold int     `yaml:"confidence_threshold"`
	ProfitTargetPercent float64 `yaml:"profit_target_percent"`
	StopLossPercent     float64 `yaml:"stop_loss_percent"`
	NotionalBudget      int64   `yaml:"notional_budget"`
	MaxCandidates       int     `yaml:"max_candidates"`
	DailyLookbackDays   int     `yaml:"daily_lookback_days"`
}

type RetryConfig struct {
	MaxAttempts   int           `yaml:"max_attempts"`
	BackoffBase   time.Duration `yaml:"backoff_base"`
	BackoffFactor float64       `yaml:"backoff_factor"`
	CallTimeout   time.Duration `yaml:"call_timeout"`
}

type ReconcileConfig struct {
	Schedule        string        `yaml:"schedule"` // cron spec
	Lookback        time.Duration `yaml:"lookback"`
	ClaimStaleAfter time.Duration `yaml:"claim_stale_after"`
	SummarySchedule string        `yaml:"summary_schedule"` // end-of-day summary, cron spec in market time
}

// CapabilitiesConfig points at the external collaborators. An empty
// BrokerURL selects the paper brokerage.
type CapabilitiesConfig struct {
	EventSourceURL       string        `yaml:"event_source_url"`
	RecommenderURL       string        `yaml:"recommender_url"`
	PredictorURL         string        `yaml:"predictor_url"`
	MarketDataURL        string        `yaml:"market_data_url"`
	BrokerURL            string        `yaml:"broker_url"`
	APIKey               string        `yaml:"api_key"`
	MarketDataRatePerSec float64       `yaml:"market_data_rate_per_sec"`
	QuoteCacheTTL        time.Duration `yaml:"quote_cache_ttl"`
}

type TelegramConfig struct {
	BotToken string `yaml:"bot_token"`
	ChatID   string `yaml:"chat_id"`
}

// ConsumerConfig identifies one decision-making pipeline.
type ConsumerConfig struct {
	ID           string `yaml:"id"`
	Model        string `yaml:"model"`
	ModelVersion string `yaml:"model_version"`
}

// Default returns the built-in defaults.
func Default() *Config {
	return &Config{
		LogLevel: "info",
		HTTPPort: 8080,
		Fanout:   FanoutConfig{Transport: "postgres", Channel: "new_event"},
		Market: MarketConfig{
			Timezone:        "Asia/Seoul",
			CollectionStart: session.MustTimeOfDay("09:00"),
			CollectionEnd:   session.MustTimeOfDay("15:00"),
			TradingStart:    session.MustTimeOfDay("09:00"),
			TradingEnd:      session.MustTimeOfDay("15:30"),
			LiquidationAt:   session.MustTimeOfDay("15:20"),
		},
		Strategy: StrategyConfig{
			ConfidenceThreshold: 70,
			ProfitTargetPercent: 2.0,
			StopLossPercent:     1.0,
			NotionalBudget:      1_000_000,
			MaxCandidates:       3,
			DailyLookbackDays:   5,
		},
		Retry: RetryConfig{
			MaxAttempts:   3,
			BackoffBase:   time.Second,
			BackoffFactor: 2,
			CallTimeout:   30 * time.Second,
		},
		Reconcile: ReconcileConfig{
			Schedule:        "@every 2m",
			Lookback:        24 * time.Hour,
			ClaimStaleAfter: 10 * time.Minute,
			SummarySchedule: "40 15 * * 1-5",
		},
		Capabilities: CapabilitiesConfig{
			MarketDataRatePerSec: 5,
			QuoteCacheTTL:        60 * time.Second,
		},
		IngestInterval:   60 * time.Second,
		MonitorInterval:  60 * time.Second,
		StoreGracePeriod: 2 * time.Minute,
	}
}

// Load reads configuration. path may be empty; CONFIG_FILE is used then.
func Load(path string) (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	cfg := Default()

	if path == "" {
		path = os.Getenv("CONFIG_FILE")
	}
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(b, cfg); err != nil {
			return nil, fmt.Errorf("%w: parse %s: %v", ErrInvalid, path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	var r envReader

	r.str("DATABASE_URL", &c.DatabaseURL)
	r.str("REDIS_URL", &c.RedisURL)
	r.str("LOG_LEVEL", &c.LogLevel)
	r.int("HTTP_PORT", &c.HTTPPort)

	r.str("FANOUT_TRANSPORT", &c.Fanout.Transport)
	r.str("FANOUT_CHANNEL", &c.Fanout.Channel)

	r.str("MARKET_TIMEZONE", &c.Market.Timezone)
	r.timeOfDay("COLLECTION_START", &c.Market.CollectionStart)
	r.timeOfDay("COLLECTION_END", &c.Market.CollectionEnd)
	r.timeOfDay("TRADING_START", &c.Market.TradingStart)
	r.timeOfDay("TRADING_END", &c.Market.TradingEnd)
	r.timeOfDay("LIQUIDATION_AT", &c.Market.LiquidationAt)

	r.int("CONFIDENCE_THRESHOLD", &c.Strategy.ConfidenceThreshold)
	r.float("PROFIT_TARGET_PERCENT", &c.Strategy.ProfitTargetPercent)
	r.float("STOP_LOSS_PERCENT", &c.Strategy.StopLossPercent)
	r.int64("NOTIONAL_BUDGET", &c.Strategy.NotionalBudget)
	r.int("MAX_CANDIDATES", &c.Strategy.MaxCandidates)
	r.int("DAILY_LOOKBACK_DAYS", &c.Strategy.DailyLookbackDays)

	r.duration("INGEST_INTERVAL", &c.IngestInterval)
	r.duration("MONITOR_INTERVAL", &c.MonitorInterval)
	r.duration("STORE_GRACE_PERIOD", &c.StoreGracePeriod)

	r.int("MAX_RETRIES", &c.Retry.MaxAttempts)
	r.duration("BACKOFF_BASE", &c.Retry.BackoffBase)
	r.float("BACKOFF_FACTOR", &c.Retry.BackoffFactor)
	r.duration("CALL_TIMEOUT", &c.Retry.CallTimeout)

	r.str("RECONCILE_SCHEDULE", &c.Reconcile.Schedule)
	r.duration("RECONCILE_LOOKBACK", &c.Reconcile.Lookback)
	r.duration("CLAIM_STALE_AFTER", &c.Reconcile.ClaimStaleAfter)
	r.str("SUMMARY_SCHEDULE", &c.Reconcile.SummarySchedule)

	r.str("EVENT_SOURCE_URL", &c.Capabilities.EventSourceURL)
	r.str("RECOMMENDER_URL", &c.Capabilities.RecommenderURL)
	r.str("PREDICTOR_URL", &c.Capabilities.PredictorURL)
	r.str("MARKET_DATA_URL", &c.Capabilities.MarketDataURL)
	r.str("BROKER_URL", &c.Capabilities.BrokerURL)
	r.str("CAPABILITY_API_KEY", &c.Capabilities.APIKey)
	r.float("MARKET_DATA_RATE_PER_SEC", &c.Capabilities.MarketDataRatePerSec)
	r.duration("QUOTE_CACHE_TTL", &c.Capabilities.QuoteCacheTTL)

	r.str("TELEGRAM_BOT_TOKEN", &c.Telegram.BotToken)
	r.str("TELEGRAM_CHAT_ID", &c.Telegram.ChatID)

	r.str("CONSUMER_ID", &c.Consumer.ID)
	r.str("MODEL_NAME", &c.Consumer.Model)
	r.str("MODEL_VERSION", &c.Consumer.ModelVersion)

	return r.err()
}

// Validate checks required settings and the relations between time boundaries.
func (c *Config) Validate() error {
	var errs []error
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...))
	}

	if c.DatabaseURL == "" {
		fail("DATABASE_URL is required")
	}

	loc, err := time.LoadLocation(c.Market.Timezone)
	if err != nil {
		fail("unknown timezone %q", c.Market.Timezone)
	} else {
		c.location = loc
	}

	m := c.Market
	if !m.CollectionStart.Before(m.CollectionEnd) {
		fail("collection window %s-%s is empty", m.CollectionStart, m.CollectionEnd)
	}
	if !m.TradingStart.Before(m.TradingEnd) {
		fail("trading window %s-%s is empty", m.TradingStart, m.TradingEnd)
	}
	if !session.Contains(c.TradingWindow(), c.CollectionWindow()) {
		fail("trading window %s-%s must contain collection window %s-%s",
			m.TradingStart, m.TradingEnd, m.CollectionStart, m.CollectionEnd)
	}
	if m.LiquidationAt.Before(m.TradingStart) || m.TradingEnd.Before(m.LiquidationAt) {
		fail("liquidation time %s outside trading window", m.LiquidationAt)
	}

	s := c.Strategy
	if s.ConfidenceThreshold < 0 || s.ConfidenceThreshold > 100 {
		fail("confidence threshold %d not in 0..100", s.ConfidenceThreshold)
	}
	if s.ProfitTargetPercent <= 0 {
		fail("profit target percent must be positive")
	}
	if s.StopLossPercent <= 0 {
		fail("stop loss percent must be positive")
	}
	if s.NotionalBudget <= 0 {
		fail("notional budget must be positive")
	}
	if s.MaxCandidates < 1 {
		fail("max candidates must be at least 1")
	}
	if s.DailyLookbackDays < 1 {
		fail("daily lookback days must be at least 1")
	}

	if c.IngestInterval <= 0 || c.MonitorInterval <= 0 {
		fail("poll intervals must be positive")
	}
	if c.Retry.MaxAttempts < 1 {
		fail("max retries must be at least 1")
	}
	if c.Retry.BackoffFactor < 1 {
		fail("backoff factor must be at least 1")
	}
	if c.Retry.CallTimeout <= 0 {
		fail("call timeout must be positive")
	}

	switch c.Fanout.Transport {
	case "postgres":
	case "redis":
		if c.RedisURL == "" {
			fail("redis fan-out requires REDIS_URL")
		}
	default:
		fail("unknown fan-out transport %q", c.Fanout.Transport)
	}
	if c.Fanout.Channel == "" {
		fail("fan-out channel is required")
	}

	if _, err := cron.ParseStandard(c.Reconcile.Schedule); err != nil {
		fail("reconcile schedule %q: %v", c.Reconcile.Schedule, err)
	}
	if c.Reconcile.SummarySchedule != "" {
		if _, err := cron.ParseStandard(c.Reconcile.SummarySchedule); err != nil {
			fail("summary schedule %q: %v", c.Reconcile.SummarySchedule, err)
		}
	}

	return errors.Join(errs...)
}

// ValidateConsumer checks the settings only a consumer process needs.
func (c *Config) ValidateConsumer() error {
	if c.Consumer.ID == "" {
		return fmt.Errorf("%w: consumer id is required", ErrInvalid)
	}
	if c.Capabilities.RecommenderURL == "" || c.Capabilities.PredictorURL == "" || c.Capabilities.MarketDataURL == "" {
		return fmt.Errorf("%w: recommender, predictor and market data URLs are required", ErrInvalid)
	}
	return nil
}

// Location is the market time zone. Valid only after Validate succeeded.
func (c *Config) Location() *time.Location {
	if c.location == nil {
		return time.UTC
	}
	return c.location
}

func (c *Config) CollectionWindow() session.Window {
	return session.Window{Start: c.Market.CollectionStart, End: c.Market.CollectionEnd, Location: c.Location()}
}

func (c *Config) TradingWindow() session.Window {
	return session.Window{Start: c.Market.TradingStart, End: c.Market.TradingEnd, Location: c.Location()}
}

// RetryPolicy builds the policy wrapped around every capability call.
func (c *Config) RetryPolicy() retry.Policy {
	return retry.Policy{
		MaxAttempts: c.Retry.MaxAttempts,
		BaseDelay:   c.Retry.BackoffBase,
		MaxDelay:    c.Retry.BackoffBase * 30,
		Factor:      c.Retry.BackoffFactor,
		Timeout:     c.Retry.CallTimeout,
	}
}

// envReader applies environment overrides and collects parse failures.
type envReader struct {
	errs []error
}

func (r *envReader) lookup(key string) (string, bool) {
	v, ok := os.LookupEnv(key)
	v = strings.TrimSpace(v)
	return v, ok && v != ""
}

func (r *envReader) fail(key, value string, err error) {
	r.errs = append(r.errs, fmt.Errorf("%w: %s=%q: %v", ErrInvalid, key, value, err))
}

func (r *envReader) str(key string, dst *string) {
	if v, ok := r.lookup(key); ok {
		*dst = v
	}
}

func (r *envReader) int(key string, dst *int) {
	if v, ok := r.lookup(key); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			r.fail(key, v, err)
			return
		}
		*dst = n
	}
}

func (r *envReader) int64(key string, dst *int64) {
	if v, ok := r.lookup(key); ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			r.fail(key, v, err)
			return
		}
		*dst = n
	}
}

func (r *envReader) float(key string, dst *float64) {
	if v, ok := r.lookup(key); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			r.fail(key, v, err)
			return
		}
		*dst = f
	}
}

func (r *envReader) duration(key string, dst *time.Duration) {
	if v, ok := r.lookup(key); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			r.fail(key, v, err)
			return
		}
		*dst = d
	}
}

func (r *envReader) timeOfDay(key string, dst *session.TimeOfDay) {
	if v, ok := r.lookup(key); ok {
		t, err := session.ParseTimeOfDay(v)
		if err != nil {
			r.fail(key, v, err)
			return
		}
		*dst = t
	}
}

func (r *envReader) err() error { return errors.Join(r.errs...) }
