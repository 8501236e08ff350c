// Vigil - Continuous Behavioral Authentication
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/vigil

package config

import (
	"fmt"
	"math"
	"strings"

	"github.com/tomtom215/vigil/internal/logging"
)

// knownFeatures are the weight keys accepted under scoring.weights.
var knownFeatures = map[string]bool{
	"swipe_velocity":     true,
	"tap_pressure":       true,
	"keystroke_interval": true,
	"keystroke_dwell":    true,
	"gyro_energy":        true,
	"accel_energy":       true,
	"geo_displacement":   true,
}

// Validate checks that the configuration is internally consistent.
func (c *Config) Validate() error {
	if err := c.validateEngine(); err != nil {
		return err
	}
	if err := c.validateWindow(); err != nil {
		return err
	}
	if err := c.validateScoring(); err != nil {
		return err
	}
	if err := c.validateAnomaly(); err != nil {
		return err
	}
	if err := c.validateSession(); err != nil {
		return err
	}
	if err := c.validateStores(); err != nil {
		return err
	}
	if err := c.validateDispatch(); err != nil {
		return err
	}
	if err := c.validateNATS(); err != nil {
		return err
	}
	return c.validateServer()
}

func (c *Config) validateEngine() error {
	if c.Engine.Workers < 1 {
		return fmt.Errorf("ENGINE_WORKERS must be at least 1, got %d", c.Engine.Workers)
	}
	if c.Engine.QueueSize < 1 {
		return fmt.Errorf("ENGINE_QUEUE_SIZE must be at least 1, got %d", c.Engine.QueueSize)
	}
	if c.Engine.TickInterval <= 0 {
		return fmt.Errorf("ENGINE_TICK_INTERVAL must be positive")
	}
	if c.Engine.SweepInterval <= 0 {
		return fmt.Errorf("ENGINE_SWEEP_INTERVAL must be positive")
	}
	if c.Telemetry.JitterTolerance < 0 || c.Telemetry.MaxClockSkew < 0 {
		return fmt.Errorf("telemetry tolerances must not be negative")
	}
	return nil
}

func (c *Config) validateWindow() error {
	if c.Window.Size < 1 {
		return fmt.Errorf("WINDOW_SIZE must be at least 1, got %d", c.Window.Size)
	}
	if c.Window.Duration <= 0 {
		return fmt.Errorf("WINDOW_DURATION must be positive")
	}
	if c.Window.MinBaselineSamples < 2 {
		return fmt.Errorf("WINDOW_MIN_BASELINE_SAMPLES must be at least 2, got %d", c.Window.MinBaselineSamples)
	}
	if c.Window.Epsilon <= 0 {
		return fmt.Errorf("WINDOW_EPSILON must be positive")
	}
	if c.Window.RelativeFloor < 0 {
		return fmt.Errorf("WINDOW_RELATIVE_FLOOR must not be negative")
	}
	return nil
}

func (c *Config) validateScoring() error {
	s := c.Scoring
	if s.Alpha <= 0 || s.Alpha > 1 {
		return fmt.Errorf("SCORING_ALPHA must be in (0, 1], got %v", s.Alpha)
	}
	if s.MinFeatures < 1 {
		return fmt.Errorf("SCORING_MIN_FEATURES must be at least 1, got %d", s.MinFeatures)
	}
	if s.Midpoint <= 0 || s.Steepness <= 0 {
		return fmt.Errorf("scoring midpoint and steepness must be positive")
	}
	if s.NeutralScore < 0 || s.NeutralScore > 100 {
		return fmt.Errorf("SCORING_NEUTRAL_SCORE must be in [0, 100], got %d", s.NeutralScore)
	}

	var total float64
	for name, w := range s.Weights {
		if !knownFeatures[name] {
			return fmt.Errorf("scoring.weights: unknown feature %q", name)
		}
		if w < 0 || math.IsNaN(w) || math.IsInf(w, 0) {
			return fmt.Errorf("scoring.weights.%s must be a non-negative number, got %v", name, w)
		}
		total += w
	}
	if total <= 0 {
		return fmt.Errorf("scoring.weights must contain at least one positive weight")
	}
	return nil
}

func (c *Config) validateAnomaly() error {
	a := c.Anomaly
	if !(0 < a.MediumBand && a.MediumBand < a.HighBand && a.HighBand < a.CriticalBand && a.CriticalBand <= 100) {
		return fmt.Errorf("anomaly bands must satisfy 0 < medium < high < critical <= 100, got %v/%v/%v",
			a.MediumBand, a.HighBand, a.CriticalBand)
	}
	if a.BehaviorZ <= 0 || a.ZScale <= 0 {
		return fmt.Errorf("ANOMALY_BEHAVIOR_Z and ANOMALY_Z_SCALE must be positive")
	}
	if a.MaxTravelKmh <= 0 {
		return fmt.Errorf("ANOMALY_MAX_TRAVEL_KMH must be positive")
	}
	if a.FraudThreshold <= 0 || a.FraudThreshold > 1 {
		return fmt.Errorf("ANOMALY_FRAUD_THRESHOLD must be in (0, 1], got %v", a.FraudThreshold)
	}
	for name, v := range map[string]float64{
		"device_confidence":        a.DeviceConfidence,
		"session_confidence":       a.SessionConfidence,
		"location_jump_confidence": a.LocationJumpConfidence,
	} {
		if v < 0 || v > 100 {
			return fmt.Errorf("anomaly.%s must be in [0, 100], got %v", name, v)
		}
	}
	if a.MaxConcurrentSessions < 1 {
		return fmt.Errorf("ANOMALY_MAX_CONCURRENT_SESSIONS must be at least 1")
	}
	return nil
}

func (c *Config) validateSession() error {
	s := c.Session
	if s.TChallenge < 0 || s.TMonitor > 100 || s.TChallenge >= s.TMonitor {
		return fmt.Errorf("session thresholds must satisfy 0 <= t_challenge < t_monitor <= 100, got %d/%d",
			s.TChallenge, s.TMonitor)
	}
	if s.HealthyCycles < 1 {
		return fmt.Errorf("SESSION_HEALTHY_CYCLES must be at least 1")
	}
	if s.IdleTimeout <= 0 || s.BlockTimeout <= 0 || s.VerificationTimeout <= 0 {
		return fmt.Errorf("session timeouts must be positive")
	}
	return nil
}

func (c *Config) validateStores() error {
	switch strings.ToLower(c.Baseline.Backend) {
	case "memory":
	case "badger":
		if c.Baseline.Path == "" {
			return fmt.Errorf("BASELINE_PATH is required when BASELINE_BACKEND=badger")
		}
	default:
		return fmt.Errorf("BASELINE_BACKEND must be memory or badger, got %q", c.Baseline.Backend)
	}
	if c.Baseline.Retention <= 0 || c.Baseline.CacheTTL <= 0 {
		return fmt.Errorf("BASELINE_RETENTION and BASELINE_CACHE_TTL must be positive")
	}

	switch strings.ToLower(c.Audit.Backend) {
	case "memory":
	case "duckdb":
		if c.Audit.Path == "" {
			return fmt.Errorf("AUDIT_PATH is required when AUDIT_BACKEND=duckdb")
		}
	default:
		return fmt.Errorf("AUDIT_BACKEND must be memory or duckdb, got %q", c.Audit.Backend)
	}
	if c.Audit.BufferSize < 1 {
		return fmt.Errorf("AUDIT_BUFFER_SIZE must be at least 1")
	}
	return nil
}

func (c *Config) validateDispatch() error {
	d := c.Dispatch
	if d.Verification.URL != "" {
		if err := validateHTTPURL(d.Verification.URL, "VERIFICATION_URL"); err != nil {
			return err
		}
	}
	if d.Verification.Timeout <= 0 {
		return fmt.Errorf("VERIFICATION_TIMEOUT must be positive")
	}
	if d.Webhook.Enabled {
		if d.Webhook.URL == "" {
			return fmt.Errorf("WEBHOOK_URL is required when WEBHOOK_ENABLED=true")
		}
		if err := validateHTTPURL(d.Webhook.URL, "WEBHOOK_URL"); err != nil {
			return err
		}
	}
	switch strings.ToLower(d.Ledger.Backend) {
	case "memory":
		if d.Ledger.Capacity < 1 {
			return fmt.Errorf("LEDGER_CAPACITY must be at least 1")
		}
	case "redis":
		if d.Ledger.RedisAddr == "" {
			return fmt.Errorf("LEDGER_REDIS_ADDR is required when LEDGER_BACKEND=redis")
		}
	default:
		return fmt.Errorf("LEDGER_BACKEND must be memory or redis, got %q", d.Ledger.Backend)
	}
	if d.Ledger.TTL <= 0 {
		return fmt.Errorf("LEDGER_TTL must be positive")
	}
	return nil
}

func (c *Config) validateNATS() error {
	if !c.NATS.Enabled {
		return nil
	}
	if err := validateNATSURL(c.NATS.URL); err != nil {
		return fmt.Errorf("NATS_URL is invalid: %w", err)
	}
	if c.NATS.TelemetryTopic == "" || c.NATS.DecisionTopic == "" {
		return fmt.Errorf("NATS topics must not be empty")
	}
	if c.NATS.StreamName == "" || strings.ContainsAny(c.NATS.StreamName, ".*> ") {
		return fmt.Errorf("NATS_STREAM_NAME must be non-empty and contain no '.', '*', '>' or spaces, got %q", c.NATS.StreamName)
	}
	if c.NATS.StreamMaxAge < 0 {
		return fmt.Errorf("NATS_STREAM_MAX_AGE must not be negative")
	}
	return nil
}

func (c *Config) validateServer() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("HTTP_PORT must be between 1 and 65535, got %d", c.Server.Port)
	}
	if c.Server.RateLimitRequests < 0 {
		return fmt.Errorf("HTTP_RATE_LIMIT must not be negative, got %d", c.Server.RateLimitRequests)
	}
	if c.Server.RateLimitRequests > 0 && c.Server.RateLimitWindow <= 0 {
		return fmt.Errorf("HTTP_RATE_WINDOW must be positive when rate limiting is enabled")
	}
	for _, origin := range c.Server.CORSOrigins {
		if origin == "*" {
			return fmt.Errorf("HTTP_CORS_ORIGINS must list explicit origins, not *")
		}
	}
	if !logging.ValidLevel(c.Logging.Level) {
		return fmt.Errorf("LOG_LEVEL %q is not a known level", c.Logging.Level)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "json", "console":
	default:
		return fmt.Errorf("LOG_FORMAT must be json or console, got %q", c.Logging.Format)
	}
	return nil
}
