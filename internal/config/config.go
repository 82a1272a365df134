// Package config loads engine configuration from a YAML file with
// environment overrides and defaults.
package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/AD-Archer/the-anime-stock-market-sub002/internal/drift"
	"github.com/AD-Archer/the-anime-stock-market-sub002/internal/exposure"
	"github.com/AD-Archer/the-anime-stock-market-sub002/internal/impact"
	"github.com/AD-Archer/the-anime-stock-market-sub002/internal/options"
	"github.com/AD-Archer/the-anime-stock-market-sub002/internal/retry"
	"github.com/AD-Archer/the-anime-stock-market-sub002/internal/store"
)

// Config holds all engine configuration.
type Config struct {
	LogLevel string `yaml:"log_level"`

	Server struct {
		Port            string        `yaml:"port"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		IdleTimeout     time.Duration `yaml:"idle_timeout"`
		RequestTimeout  time.Duration `yaml:"request_timeout"`
		JobTimeout      time.Duration `yaml:"job_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"server"`

	Database struct {
		URL             string        `yaml:"url"`
		MaxConns        int32         `yaml:"max_conns"`
		MinConns        int32         `yaml:"min_conns"`
		MaxConnLifetime time.Duration `yaml:"max_conn_lifetime"`
		MaxConnIdleTime time.Duration `yaml:"max_conn_idle_time"`
		Migrate         bool          `yaml:"migrate"`
	} `yaml:"database"`

	Redis struct {
		URL      string        `yaml:"url"`
		CacheTTL time.Duration `yaml:"cache_ttl"`
	} `yaml:"redis"`

	Events struct {
		SQLitePath string `yaml:"sqlite_path"` // empty disables the audit log
		Log        bool   `yaml:"log"`
	} `yaml:"events"`

	Market struct {
		InitialBalance float64 `yaml:"initial_balance"`
		ImpactDepth    float64 `yaml:"impact_depth"`
		MaxImpact      float64 `yaml:"max_impact"` // 0 disables price impact
	} `yaml:"market"`

	Drift struct {
		MaxDrift    float64       `yaml:"max_drift"`
		Floor       float64       `yaml:"floor"`
		Concurrency int           `yaml:"concurrency"`
		ChunkDelay  time.Duration `yaml:"chunk_delay"`
		MaxAttempts int           `yaml:"max_attempts"`
		Seed        uint64        `yaml:"seed"` // 0 seeds from the runtime
	} `yaml:"drift"`

	Options struct {
		ExpiryDays      []int         `yaml:"expiry_days"`
		StrikeOffsets   []float64     `yaml:"strike_offsets"`
		HistoryWindow   int           `yaml:"history_window"`
		ConfirmationTTL time.Duration `yaml:"confirmation_ttl"`
		MaxMultiplier   float64       `yaml:"max_multiplier"`
		PayoutBase      float64       `yaml:"payout_base"`
		PayoutLeverage  float64       `yaml:"payout_leverage"`
		SmileCurvature  float64       `yaml:"smile_curvature"`
		SmileSkew       float64       `yaml:"smile_skew"`
		SmileTerm       float64       `yaml:"smile_term_premium"`
		MaxPerStock     float64       `yaml:"max_wager_per_stock"` // 0 = unlimited
		MaxPerAnime     float64       `yaml:"max_wager_per_anime"` // 0 = unlimited
	} `yaml:"options"`

	Schedule struct {
		DriftCron  string        `yaml:"drift_cron"`
		SweepCron  string        `yaml:"sweep_cron"`
		SettleCron string        `yaml:"settle_cron"`
		LockTTL    time.Duration `yaml:"lock_ttl"`
	} `yaml:"schedule"`
}

// Load reads config from a YAML file, then applies environment variable
// overrides and defaults. A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	cfg.Events.Log = true

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if len(data) > 0 {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config: %w", err)
			}
		}
	}

	cfg.applyEnv()
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.LogLevel = envDefault("LOG_LEVEL", c.LogLevel)
	c.Server.Port = envDefault("PORT", c.Server.Port)
	c.Database.URL = envDefault("DATABASE_URL", c.Database.URL)
	c.Database.Migrate = envBoolDefault("DATABASE_MIGRATE", c.Database.Migrate)
	c.Redis.URL = envDefault("REDIS_URL", c.Redis.URL)
	c.Redis.CacheTTL = envDurationDefault("CACHE_TTL", c.Redis.CacheTTL)
	c.Events.SQLitePath = envDefault("SQLITE_PATH", c.Events.SQLitePath)
	c.Market.InitialBalance = envFloatDefault("INITIAL_BALANCE", c.Market.InitialBalance)
	c.Market.MaxImpact = envFloatDefault("MAX_IMPACT", c.Market.MaxImpact)
	c.Drift.MaxDrift = envFloatDefault("DRIFT_MAX", c.Drift.MaxDrift)
	c.Drift.Concurrency = envIntDefault("DRIFT_CONCURRENCY", c.Drift.Concurrency)
	c.Drift.ChunkDelay = envDurationDefault("DRIFT_CHUNK_DELAY", c.Drift.ChunkDelay)
	c.Drift.Seed = uint64(envIntDefault("DRIFT_SEED", int(c.Drift.Seed)))
	c.Schedule.DriftCron = envDefault("CRON_DRIFT", c.Schedule.DriftCron)
	c.Schedule.SweepCron = envDefault("CRON_SWEEP", c.Schedule.SweepCron)
	c.Schedule.SettleCron = envDefault("CRON_SETTLE", c.Schedule.SettleCron)
}

func (c *Config) applyDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Server.Port == "" {
		c.Server.Port = "8080"
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 10 * time.Second
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 10 * time.Second
	}
	if c.Server.IdleTimeout == 0 {
		c.Server.IdleTimeout = 60 * time.Second
	}
	if c.Server.RequestTimeout == 0 {
		c.Server.RequestTimeout = 30 * time.Second
	}
	if c.Server.JobTimeout == 0 {
		c.Server.JobTimeout = 10 * time.Minute
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 5 * time.Second
	}
	if c.Database.MaxConns == 0 {
		c.Database.MaxConns = 10
	}
	if c.Database.MaxConnLifetime == 0 {
		c.Database.MaxConnLifetime = 30 * time.Minute
	}
	if c.Database.MaxConnIdleTime == 0 {
		c.Database.MaxConnIdleTime = 5 * time.Minute
	}
	if c.Redis.CacheTTL == 0 {
		c.Redis.CacheTTL = 30 * time.Second
	}
	if c.Market.InitialBalance == 0 {
		c.Market.InitialBalance = 10000
	}
	if c.Market.ImpactDepth == 0 {
		c.Market.ImpactDepth = 0.1
	}

	dd := drift.DefaultConfig()
	if c.Drift.MaxDrift == 0 {
		c.Drift.MaxDrift = dd.MaxDrift
	}
	if c.Drift.Floor == 0 {
		c.Drift.Floor = dd.Floor.InexactFloat64()
	}
	if c.Drift.Concurrency == 0 {
		c.Drift.Concurrency = dd.Concurrency
	}
	if c.Drift.ChunkDelay == 0 {
		c.Drift.ChunkDelay = dd.ChunkDelay
	}
	if c.Drift.MaxAttempts == 0 {
		c.Drift.MaxAttempts = dd.Policy.MaxAttempts
	}

	od := options.DefaultConfig()
	if len(c.Options.ExpiryDays) == 0 {
		c.Options.ExpiryDays = od.Chain.ExpiryDays
	}
	if len(c.Options.StrikeOffsets) == 0 {
		c.Options.StrikeOffsets = od.Chain.StrikeOffsets
	}
	if c.Options.HistoryWindow == 0 {
		c.Options.HistoryWindow = od.Chain.HistoryWindow
	}
	if c.Options.ConfirmationTTL == 0 {
		c.Options.ConfirmationTTL = od.ConfirmationTTL
	}
	if c.Options.MaxMultiplier == 0 {
		c.Options.MaxMultiplier = od.MaxMultiplier.InexactFloat64()
	}
	pd := options.DefaultPayout()
	if c.Options.PayoutBase == 0 {
		c.Options.PayoutBase = pd.Base.InexactFloat64()
	}
	if c.Options.PayoutLeverage == 0 {
		c.Options.PayoutLeverage = pd.Leverage.InexactFloat64()
	}
	sd := options.DefaultSmile()
	if c.Options.SmileCurvature == 0 {
		c.Options.SmileCurvature = sd.Curvature
	}
	if c.Options.SmileSkew == 0 {
		c.Options.SmileSkew = sd.Skew
	}
	if c.Options.SmileTerm == 0 {
		c.Options.SmileTerm = sd.TermPremium
	}

	if c.Schedule.DriftCron == "" {
		c.Schedule.DriftCron = "0 */15 * * * *"
	}
	if c.Schedule.SweepCron == "" {
		c.Schedule.SweepCron = "30 * * * * *"
	}
	if c.Schedule.SettleCron == "" {
		c.Schedule.SettleCron = "45 * * * * *"
	}
	if c.Schedule.LockTTL == 0 {
		c.Schedule.LockTTL = 10 * time.Minute
	}
}

// Validate checks that values are usable.
func (c *Config) Validate() error {
	if _, err := strconv.Atoi(c.Server.Port); err != nil {
		return fmt.Errorf("server.port must be numeric, got %q", c.Server.Port)
	}
	if c.Drift.MaxDrift <= 0 || c.Drift.MaxDrift >= 1 {
		return fmt.Errorf("drift.max_drift must be in (0, 1), got %v", c.Drift.MaxDrift)
	}
	if c.Drift.Floor <= 0 {
		return fmt.Errorf("drift.floor must be positive")
	}
	if c.Drift.Concurrency < 1 {
		return fmt.Errorf("drift.concurrency must be at least 1")
	}
	if c.Drift.MaxAttempts < 1 {
		return fmt.Errorf("drift.max_attempts must be at least 1")
	}
	if c.Market.MaxImpact < 0 || c.Market.MaxImpact >= 1 {
		return fmt.Errorf("market.max_impact must be in [0, 1), got %v", c.Market.MaxImpact)
	}
	if c.Market.ImpactDepth <= 0 {
		return fmt.Errorf("market.impact_depth must be positive")
	}
	if c.Market.InitialBalance < 0 {
		return fmt.Errorf("market.initial_balance must not be negative")
	}
	for _, d := range c.Options.ExpiryDays {
		if d <= 0 {
			return fmt.Errorf("options.expiry_days must be positive, got %d", d)
		}
	}
	if c.Options.HistoryWindow < 2 {
		return fmt.Errorf("options.history_window must be at least 2")
	}
	if c.Options.MaxMultiplier <= 0 {
		return fmt.Errorf("options.max_multiplier must be positive")
	}
	if c.Options.MaxPerStock < 0 || c.Options.MaxPerAnime < 0 {
		return fmt.Errorf("options wager limits must not be negative")
	}
	parser := cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	for name, spec := range map[string]string{
		"schedule.drift_cron":  c.Schedule.DriftCron,
		"schedule.sweep_cron":  c.Schedule.SweepCron,
		"schedule.settle_cron": c.Schedule.SettleCron,
	} {
		if _, err := parser.Parse(spec); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return fmt.Errorf("log_level: %w", err)
	}
	return nil
}

// Logger returns a JSON logger at the configured level.
func (c *Config) Logger(w io.Writer) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.LogLevel)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl}))
}

// PoolConfig returns the PostgreSQL pool settings.
func (c *Config) PoolConfig() store.PoolConfig {
	return store.PoolConfig{
		MaxConns:        c.Database.MaxConns,
		MinConns:        c.Database.MinConns,
		MaxConnLifetime: c.Database.MaxConnLifetime,
		MaxConnIdleTime: c.Database.MaxConnIdleTime,
	}
}

// InitialBalance is the cash a new account opens with.
func (c *Config) InitialBalance() decimal.Decimal {
	return decimal.NewFromFloat(c.Market.InitialBalance)
}

// ImpactModel returns the price impact model, or nil when impact is
// disabled.
func (c *Config) ImpactModel() (*impact.Model, error) {
	if c.Market.MaxImpact == 0 {
		return nil, nil
	}
	return impact.NewModel(decimal.NewFromFloat(c.Market.ImpactDepth), decimal.NewFromFloat(c.Market.MaxImpact))
}

// DriftConfig returns the drift simulator settings.
func (c *Config) DriftConfig() drift.Config {
	policy := retry.Batch()
	policy.MaxAttempts = c.Drift.MaxAttempts
	return drift.Config{
		MaxDrift:    c.Drift.MaxDrift,
		Floor:       decimal.NewFromFloat(c.Drift.Floor),
		Concurrency: c.Drift.Concurrency,
		ChunkDelay:  c.Drift.ChunkDelay,
		Policy:      policy,
	}
}

// OptionsConfig returns the options engine settings.
func (c *Config) OptionsConfig() options.Config {
	return options.Config{
		Chain: options.ChainConfig{
			ExpiryDays:    c.Options.ExpiryDays,
			StrikeOffsets: c.Options.StrikeOffsets,
			HistoryWindow: c.Options.HistoryWindow,
		},
		ConfirmationTTL: c.Options.ConfirmationTTL,
		MaxMultiplier:   decimal.NewFromFloat(c.Options.MaxMultiplier),
	}
}

// Smile returns the configured implied volatility smile.
func (c *Config) Smile() options.QuadraticSmile {
	return options.QuadraticSmile{
		Curvature:   c.Options.SmileCurvature,
		Skew:        c.Options.SmileSkew,
		TermPremium: c.Options.SmileTerm,
	}
}

// Payout returns the configured payout model.
func (c *Config) Payout() options.LinearMoneyness {
	return options.LinearMoneyness{
		Base:     decimal.NewFromFloat(c.Options.PayoutBase),
		Leverage: decimal.NewFromFloat(c.Options.PayoutLeverage),
	}
}

// Limiter returns the wager exposure limiter, or nil when both caps are
// disabled.
func (c *Config) Limiter() *exposure.Limiter {
	if c.Options.MaxPerStock == 0 && c.Options.MaxPerAnime == 0 {
		return nil
	}
	return exposure.NewLimiter(decimal.NewFromFloat(c.Options.MaxPerStock), decimal.NewFromFloat(c.Options.MaxPerAnime))
}

func envDefault(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

func envDurationDefault(key string, fallback time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

func envFloatDefault(key string, fallback float64) float64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}

func envIntDefault(key string, fallback int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envBoolDefault(key string, fallback bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}
