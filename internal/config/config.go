package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	Server struct {
		Addr           string   `yaml:"addr"`
		AllowedOrigins []string `yaml:"allowed_origins"`
		Mode           string   `yaml:"mode"`
	} `yaml:"server"`
	Store struct {
		Driver      string `yaml:"driver"` // memory | sqlite | postgres
		SQLitePath  string `yaml:"sqlite_path"`
		PostgresDSN string `yaml:"postgres_dsn"`
	} `yaml:"store"`
	Redis struct {
		Enabled  bool   `yaml:"enabled"`
		Address  string `yaml:"address"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		PoolSize int    `yaml:"pool_size"`
	} `yaml:"redis"`
	Broker struct {
		BaseURL string `yaml:"base_url"`
		APIKey  string `yaml:"api_key"`
		Timeout string `yaml:"timeout"`
	} `yaml:"broker"`
	Telegram struct {
		BotToken string `yaml:"bot_token"`
		ChatID   string `yaml:"chat_id"`
		Commands bool   `yaml:"commands"`
	} `yaml:"telegram"`
	Dispatch struct {
		Enabled       bool     `yaml:"enabled"`
		TickCron      string   `yaml:"tick_cron"`
		DriftCron     string   `yaml:"drift_cron"`
		Concurrency   int      `yaml:"concurrency"`
		RatePerSecond float64  `yaml:"rate_per_second"`
		Burst         int      `yaml:"burst"`
		Backoff       []string `yaml:"backoff"`
		RetryWindow   string   `yaml:"retry_window"`
		RunOnStart    bool     `yaml:"run_on_start"`
	} `yaml:"dispatch"`
	Accounts struct {
		DefaultTimezone string `yaml:"default_timezone"`
		DefaultCurrency string `yaml:"default_currency"`
	} `yaml:"accounts"`
	Insights struct {
		TaxLossThresholdPercent float64 `yaml:"tax_loss_threshold_percent"`
		LiquidityFloorPercent   float64 `yaml:"liquidity_floor_percent"`
	} `yaml:"insights"`
	Idempotency struct {
		TTL     string `yaml:"ttl"`
		LockTTL string `yaml:"lock_ttl"`
	} `yaml:"idempotency"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"` // console | json
	} `yaml:"log"`
	Proxy string `yaml:"proxy"`

	// Parsed durations, filled by Load.
	BrokerTimeout      time.Duration   `yaml:"-"`
	Backoff            []time.Duration `yaml:"-"`
	RetryWindow        time.Duration   `yaml:"-"`
	IdempotencyTTL     time.Duration   `yaml:"-"`
	IdempotencyLockTTL time.Duration   `yaml:"-"`
}

// Load reads config from a YAML file, then applies environment variable overrides.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	cfg.Dispatch.Enabled = true

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnv(cfg)
	applyDefaults(cfg)
	if err := cfg.parseDurations(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	str := map[string]*string{
		"SERVER_ADDR":        &cfg.Server.Addr,
		"STORE_DRIVER":       &cfg.Store.Driver,
		"SQLITE_PATH":        &cfg.Store.SQLitePath,
		"DATABASE_URL":       &cfg.Store.PostgresDSN,
		"REDIS_ADDRESS":      &cfg.Redis.Address,
		"REDIS_PASSWORD":     &cfg.Redis.Password,
		"BROKER_BASE_URL":    &cfg.Broker.BaseURL,
		"BROKER_API_KEY":     &cfg.Broker.APIKey,
		"TELEGRAM_BOT_TOKEN": &cfg.Telegram.BotToken,
		"TELEGRAM_CHAT_ID":   &cfg.Telegram.ChatID,
		"CRON_TICK":          &cfg.Dispatch.TickCron,
		"CRON_DRIFT":         &cfg.Dispatch.DriftCron,
		"DEFAULT_TIMEZONE":   &cfg.Accounts.DefaultTimezone,
		"LOG_LEVEL":          &cfg.Log.Level,
		"LOG_FORMAT":         &cfg.Log.Format,
		"HTTPS_PROXY":        &cfg.Proxy,
	}
	for env, dst := range str {
		if v := os.Getenv(env); v != "" {
			*dst = v
		}
	}
	if v := os.Getenv("REDIS_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Redis.Enabled = b
		}
	}
	if v := os.Getenv("DISPATCH_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Dispatch.Enabled = b
		}
	}
	if v := os.Getenv("RUN_ON_START"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Dispatch.RunOnStart = b
		}
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8080"
	}
	if cfg.Server.Mode == "" {
		cfg.Server.Mode = "release"
	}
	if cfg.Store.Driver == "" {
		cfg.Store.Driver = "sqlite"
	}
	if cfg.Store.SQLitePath == "" {
		cfg.Store.SQLitePath = "data/autoinvest.db"
	}
	if cfg.Redis.Address == "" {
		cfg.Redis.Address = "localhost:6379"
	}
	if cfg.Redis.PoolSize == 0 {
		cfg.Redis.PoolSize = 10
	}
	if cfg.Dispatch.TickCron == "" {
		cfg.Dispatch.TickCron = "0 * * * * *"
	}
	if cfg.Dispatch.DriftCron == "" {
		cfg.Dispatch.DriftCron = "0 0 22 * * *"
	}
	if cfg.Dispatch.Concurrency == 0 {
		cfg.Dispatch.Concurrency = 4
	}
	if cfg.Dispatch.RatePerSecond == 0 {
		cfg.Dispatch.RatePerSecond = 5
	}
	if cfg.Dispatch.Burst == 0 {
		cfg.Dispatch.Burst = 5
	}
	if len(cfg.Dispatch.Backoff) == 0 {
		cfg.Dispatch.Backoff = []string{"1m", "5m", "30m", "24h"}
	}
	if cfg.Dispatch.RetryWindow == "" {
		cfg.Dispatch.RetryWindow = "72h"
	}
	if cfg.Accounts.DefaultTimezone == "" {
		cfg.Accounts.DefaultTimezone = "America/New_York"
	}
	if cfg.Accounts.DefaultCurrency == "" {
		cfg.Accounts.DefaultCurrency = "USD"
	}
	if cfg.Insights.TaxLossThresholdPercent == 0 {
		cfg.Insights.TaxLossThresholdPercent = 10
	}
	if cfg.Insights.LiquidityFloorPercent == 0 {
		cfg.Insights.LiquidityFloorPercent = 2
	}
	if cfg.Idempotency.TTL == "" {
		cfg.Idempotency.TTL = "24h"
	}
	if cfg.Idempotency.LockTTL == "" {
		cfg.Idempotency.LockTTL = "1m"
	}
	if cfg.Broker.Timeout == "" {
		cfg.Broker.Timeout = "30s"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "console"
	}
}

func (c *Config) parseDurations() error {
	var err error
	if c.BrokerTimeout, err = ParseDurationField("broker.timeout", c.Broker.Timeout); err != nil {
		return err
	}
	if c.RetryWindow, err = ParseDurationField("dispatch.retry_window", c.Dispatch.RetryWindow); err != nil {
		return err
	}
	if c.IdempotencyTTL, err = ParseDurationField("idempotency.ttl", c.Idempotency.TTL); err != nil {
		return err
	}
	if c.IdempotencyLockTTL, err = ParseDurationField("idempotency.lock_ttl", c.Idempotency.LockTTL); err != nil {
		return err
	}
	c.Backoff = c.Backoff[:0]
	for i, raw := range c.Dispatch.Backoff {
		d, err := ParseDurationField(fmt.Sprintf("dispatch.backoff[%d]", i), raw)
		if err != nil {
			return err
		}
		c.Backoff = append(c.Backoff, d)
	}
	return nil
}

// ParseDurationField parses a non-negative duration, naming the field on error.
func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

var cronParser = cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Validate checks that the configuration can start the service.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "memory", "sqlite":
	case "postgres":
		if c.Store.PostgresDSN == "" {
			return fmt.Errorf("store.postgres_dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("store.driver: unknown driver %q", c.Store.Driver)
	}
	if _, err := time.LoadLocation(c.Accounts.DefaultTimezone); err != nil {
		return fmt.Errorf("accounts.default_timezone: %w", err)
	}
	if _, err := cronParser.Parse(c.Dispatch.TickCron); err != nil {
		return fmt.Errorf("dispatch.tick_cron: %w", err)
	}
	if _, err := cronParser.Parse(c.Dispatch.DriftCron); err != nil {
		return fmt.Errorf("dispatch.drift_cron: %w", err)
	}
	if c.Dispatch.Concurrency < 1 {
		return fmt.Errorf("dispatch.concurrency must be positive")
	}
	for i, d := range c.Backoff {
		if d <= 0 {
			return fmt.Errorf("dispatch.backoff[%d] must be positive", i)
		}
	}
	if c.RetryWindow <= 0 {
		return fmt.Errorf("dispatch.retry_window must be positive")
	}
	if c.Telegram.Commands && (c.Telegram.BotToken == "" || c.Telegram.ChatID == "") {
		return fmt.Errorf("telegram.commands requires bot_token and chat_id")
	}
	switch c.Log.Format {
	case "console", "json":
	default:
		return fmt.Errorf("log.format: unknown format %q", c.Log.Format)
	}
	return nil
}
