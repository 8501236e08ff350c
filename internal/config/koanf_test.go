// Vigil - Continuous Behavioral Authentication
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/vigil

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// TestDefaultConfig verifies that defaultConfig() returns usable defaults
func TestDefaultConfig(t *testing.T) {
	cfg := defaultConfig()

	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
	if cfg.Session.TMonitor != 70 || cfg.Session.TChallenge != 40 {
		t.Errorf("thresholds = %d/%d, want 70/40", cfg.Session.TMonitor, cfg.Session.TChallenge)
	}
	if cfg.Session.IdleTimeout != 15*time.Minute {
		t.Errorf("IdleTimeout = %v, want 15m", cfg.Session.IdleTimeout)
	}
	if cfg.Scoring.MinFeatures != 3 {
		t.Errorf("MinFeatures = %d, want 3", cfg.Scoring.MinFeatures)
	}
	if len(cfg.Scoring.Weights) != len(knownFeatures) {
		t.Errorf("expected a weight for every feature, got %v", cfg.Scoring.Weights)
	}
	if cfg.Anomaly.CriticalBand != 95 {
		t.Errorf("CriticalBand = %v, want 95", cfg.Anomaly.CriticalBand)
	}
	if cfg.NATS.Enabled {
		t.Error("NATS should be disabled by default")
	}
}

// TestEnvTransformFunc verifies environment variable name transformations
func TestEnvTransformFunc(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"ENGINE_WORKERS", "engine.workers"},
		{"ENGINE_TICK_INTERVAL", "engine.tick_interval"},
		{"SESSION_T_MONITOR", "session.t_monitor"},
		{"SESSION_IDLE_TIMEOUT", "session.idle_timeout"},
		{"SCORING_ALPHA", "scoring.alpha"},
		{"SCORING_WEIGHT_TAP_PRESSURE", "scoring.weights.tap_pressure"},
		{"ANOMALY_CRITICAL_BAND", "anomaly.critical_band"},
		{"BASELINE_BACKEND", "baseline.backend"},
		{"VERIFICATION_URL", "dispatch.verification.url"},
		{"LEDGER_REDIS_ADDR", "dispatch.ledger.redis_addr"},
		{"WEBHOOK_HEADERS", "dispatch.webhook.headers"},
		{"NATS_URL", "nats.url"},
		{"NATS_STREAM_NAME", "nats.stream_name"},
		{"HTTP_PORT", "server.port"},
		{"HTTP_CORS_ORIGINS", "server.cors_origins"},
		{"LOG_LEVEL", "logging.level"},

		{"SCORING_WEIGHT_", ""},
		{"RANDOM_VAR", ""},
		{"PATH", ""},
		{"HOME", ""},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := envTransformFunc(tt.input); got != tt.expected {
				t.Errorf("envTransformFunc(%q) = %q, want %q", tt.input, got, tt.expected)
			}
		})
	}
}

// TestFindConfigFile verifies config file discovery
func TestFindConfigFile(t *testing.T) {
	tmpDir := t.TempDir()
	t.Chdir(tmpDir)

	t.Run("no config file exists", func(t *testing.T) {
		t.Setenv(ConfigPathEnvVar, "")
		if got := findConfigFile(); got != "" {
			t.Errorf("findConfigFile() = %q, want empty string", got)
		}
	})

	t.Run("config.yaml exists", func(t *testing.T) {
		t.Setenv(ConfigPathEnvVar, "")
		path := filepath.Join(tmpDir, "config.yaml")
		if err := os.WriteFile(path, []byte("engine:\n  workers: 2\n"), 0o600); err != nil {
			t.Fatal(err)
		}
		defer os.Remove(path)

		if got := findConfigFile(); got != "config.yaml" {
			t.Errorf("findConfigFile() = %q, want config.yaml", got)
		}
	})

	t.Run("CONFIG_PATH takes precedence", func(t *testing.T) {
		custom := filepath.Join(tmpDir, "custom.yaml")
		if err := os.WriteFile(custom, []byte("engine:\n  workers: 2\n"), 0o600); err != nil {
			t.Fatal(err)
		}
		t.Setenv(ConfigPathEnvVar, custom)

		if got := findConfigFile(); got != custom {
			t.Errorf("findConfigFile() = %q, want %q", got, custom)
		}
	})
}

// TestLoadLayering checks ENV > file > defaults
func TestLoadLayering(t *testing.T) {
	t.Chdir(t.TempDir())

	path := filepath.Join(t.TempDir(), "vigil.yaml")
	yaml := `
session:
  t_monitor: 75
  t_challenge: 35
scoring:
  weights:
    tap_pressure: 0.5
engine:
  workers: 8
`
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv(ConfigPathEnvVar, path)
	t.Setenv("ENGINE_WORKERS", "16")
	t.Setenv("SESSION_IDLE_TIMEOUT", "20m")
	t.Setenv("WEBHOOK_HEADERS", "X-Env=prod, X-Team=secops")
	t.Setenv("HTTP_CORS_ORIGINS", "https://console.example.com, https://ops.example.com")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Session.TMonitor != 75 || cfg.Session.TChallenge != 35 {
		t.Errorf("file thresholds not applied: %d/%d", cfg.Session.TMonitor, cfg.Session.TChallenge)
	}
	if cfg.Engine.Workers != 16 {
		t.Errorf("Workers = %d, want env override 16", cfg.Engine.Workers)
	}
	if cfg.Session.IdleTimeout != 20*time.Minute {
		t.Errorf("IdleTimeout = %v, want 20m", cfg.Session.IdleTimeout)
	}
	if cfg.Scoring.Weights["tap_pressure"] != 0.5 {
		t.Errorf("tap_pressure weight = %v, want 0.5", cfg.Scoring.Weights["tap_pressure"])
	}
	if cfg.Scoring.Weights["swipe_velocity"] != 0.20 {
		t.Errorf("default weights should survive a partial override, got %v", cfg.Scoring.Weights)
	}
	if cfg.Dispatch.Webhook.Headers["X-Team"] != "secops" {
		t.Errorf("headers = %v", cfg.Dispatch.Webhook.Headers)
	}
	if len(cfg.Server.CORSOrigins) != 2 || cfg.Server.CORSOrigins[1] != "https://ops.example.com" {
		t.Errorf("CORSOrigins = %v", cfg.Server.CORSOrigins)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv(ConfigPathEnvVar, "")
	t.Setenv("SESSION_T_CHALLENGE", "80")

	_, err := Load()
	if err == nil {
		t.Fatal("expected validation error for t_challenge >= t_monitor")
	}
	if !strings.Contains(err.Error(), "t_challenge") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"defaults", func(*Config) {}, ""},
		{"zero workers", func(c *Config) { c.Engine.Workers = 0 }, "ENGINE_WORKERS"},
		{"alpha out of range", func(c *Config) { c.Scoring.Alpha = 1.5 }, "SCORING_ALPHA"},
		{"unknown weight", func(c *Config) { c.Scoring.Weights["heart_rate"] = 1 }, "unknown feature"},
		{"negative weight", func(c *Config) { c.Scoring.Weights["tap_pressure"] = -1 }, "non-negative"},
		{"bands out of order", func(c *Config) { c.Anomaly.HighBand = 50 }, "anomaly bands"},
		{"badger without path", func(c *Config) { c.Baseline.Backend = "badger"; c.Baseline.Path = "" }, "BASELINE_PATH"},
		{"bad audit backend", func(c *Config) { c.Audit.Backend = "s3" }, "AUDIT_BACKEND"},
		{"webhook without url", func(c *Config) { c.Dispatch.Webhook.Enabled = true }, "WEBHOOK_URL"},
		{"bad verification url", func(c *Config) { c.Dispatch.Verification.URL = "ftp://x" }, "VERIFICATION_URL"},
		{"redis without addr", func(c *Config) {
			c.Dispatch.Ledger.Backend = "redis"
			c.Dispatch.Ledger.RedisAddr = ""
		}, "LEDGER_REDIS_ADDR"},
		{"nats bad url", func(c *Config) { c.NATS.Enabled = true; c.NATS.URL = "http://nats" }, "NATS_URL"},
		{"nats dotted stream", func(c *Config) { c.NATS.Enabled = true; c.NATS.StreamName = "vigil.events" }, "NATS_STREAM_NAME"},
		{"bad port", func(c *Config) { c.Server.Port = 70000 }, "HTTP_PORT"},
		{"bad log level", func(c *Config) { c.Logging.Level = "loud" }, "LOG_LEVEL"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Validate() = %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}
