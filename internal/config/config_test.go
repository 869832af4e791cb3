package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Store.Driver != "sqlite" || cfg.Server.Addr != ":8080" || !cfg.Dispatch.Enabled {
		t.Errorf("unexpected defaults: %+v", cfg)
	}
	want := []time.Duration{time.Minute, 5 * time.Minute, 30 * time.Minute, 24 * time.Hour}
	if len(cfg.Backoff) != len(want) {
		t.Fatalf("expected default backoff ladder, got %v", cfg.Backoff)
	}
	for i := range want {
		if cfg.Backoff[i] != want[i] {
			t.Errorf("backoff[%d]: expected %s, got %s", i, want[i], cfg.Backoff[i])
		}
	}
	if cfg.RetryWindow != 72*time.Hour || cfg.IdempotencyTTL != 24*time.Hour {
		t.Errorf("unexpected durations: window=%s ttl=%s", cfg.RetryWindow, cfg.IdempotencyTTL)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}

func TestLoad_FileAndEnv(t *testing.T) {
	path := writeConfig(t, `
store:
  driver: postgres
  postgres_dsn: postgres://file
dispatch:
  enabled: false
  backoff: ["30s", "2m"]
  retry_window: 6h
accounts:
  default_timezone: Europe/Berlin
`)
	t.Setenv("DATABASE_URL", "postgres://env")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Store.PostgresDSN != "postgres://env" {
		t.Errorf("env should override file, got %q", cfg.Store.PostgresDSN)
	}
	if cfg.Dispatch.Enabled {
		t.Error("dispatch.enabled from file ignored")
	}
	if len(cfg.Backoff) != 2 || cfg.Backoff[0] != 30*time.Second || cfg.RetryWindow != 6*time.Hour {
		t.Errorf("unexpected parsed durations: %v %s", cfg.Backoff, cfg.RetryWindow)
	}
	if cfg.Log.Level != "debug" || cfg.Accounts.DefaultTimezone != "Europe/Berlin" {
		t.Errorf("unexpected values: %+v", cfg)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("validate: %v", err)
	}
}

func TestLoad_BadDurationNamesField(t *testing.T) {
	_, err := Load(writeConfig(t, "idempotency:\n  ttl: soon\n"))
	if err == nil || !strings.Contains(err.Error(), "idempotency.ttl") {
		t.Errorf("expected error naming idempotency.ttl, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		edit func(c *Config)
		want string
	}{
		{"unknown driver", func(c *Config) { c.Store.Driver = "mongo" }, "store.driver"},
		{"postgres without dsn", func(c *Config) { c.Store.Driver = "postgres" }, "postgres_dsn"},
		{"bad timezone", func(c *Config) { c.Accounts.DefaultTimezone = "Mars/Base" }, "default_timezone"},
		{"bad tick cron", func(c *Config) { c.Dispatch.TickCron = "* * *" }, "tick_cron"},
		{"commands without bot", func(c *Config) { c.Telegram.Commands = true }, "telegram.commands"},
		{"bad log format", func(c *Config) { c.Log.Format = "xml" }, "log.format"},
	}
	for _, tt := range tests {
		cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
		if err != nil {
			t.Fatal(err)
		}
		tt.edit(cfg)
		err = cfg.Validate()
		if err == nil || !strings.Contains(err.Error(), tt.want) {
			t.Errorf("%s: expected error mentioning %q, got %v", tt.name, tt.want, err)
		}
	}
}
