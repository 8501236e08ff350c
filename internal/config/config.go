// Vigil - Continuous Behavioral Authentication
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/vigil

// Package config loads Vigil's configuration.
//
// Configuration is layered with koanf: built-in defaults, then an optional
// YAML file, then environment variables. Values are read once at startup;
// thresholds and weights are not hot-reloaded.
package config

import (
	"time"
)

// Config is the root configuration.
type Config struct {
	Engine    EngineConfig    `koanf:"engine"`
	Telemetry TelemetryConfig `koanf:"telemetry"`
	Window    WindowConfig    `koanf:"window"`
	Scoring   ScoringConfig   `koanf:"scoring"`
	Anomaly   AnomalyConfig   `koanf:"anomaly"`
	Session   SessionConfig   `koanf:"session"`
	Baseline  BaselineConfig  `koanf:"baseline"`
	Dispatch  DispatchConfig  `koanf:"dispatch"`
	Audit     AuditConfig     `koanf:"audit"`
	NATS      NATSConfig      `koanf:"nats"`
	Server    ServerConfig    `koanf:"server"`
	Logging   LoggingConfig   `koanf:"logging"`
}

// EngineConfig controls scheduling and queueing.
//
// Environment Variables:
//   - ENGINE_WORKERS: number of session shards (default: 4)
//   - ENGINE_QUEUE_SIZE: per-session sample queue capacity (default: 256)
//   - ENGINE_TICK_INTERVAL: evaluation cadence (default: 2s)
//   - ENGINE_SWEEP_INTERVAL: idle/timeout sweep cadence (default: 30s)
type EngineConfig struct {
	Workers       int           `koanf:"workers"`
	QueueSize     int           `koanf:"queue_size"`
	TickInterval  time.Duration `koanf:"tick_interval"`
	SweepInterval time.Duration `koanf:"sweep_interval"`
}

// TelemetryConfig controls sample acceptance.
type TelemetryConfig struct {
	// JitterTolerance is how far behind the newest accepted sample a late
	// sample may be and still be accepted.
	JitterTolerance time.Duration `koanf:"jitter_tolerance"`
	// MaxClockSkew bounds how far in the future a sample timestamp may be.
	MaxClockSkew time.Duration `koanf:"max_clock_skew"`
}

// WindowConfig controls the per-session sliding window and z-score floor.
type WindowConfig struct {
	Size               int           `koanf:"size"`
	Duration           time.Duration `koanf:"duration"`
	MinBaselineSamples int           `koanf:"min_baseline_samples"`
	Epsilon            float64       `koanf:"epsilon"`
	RelativeFloor      float64       `koanf:"relative_floor"`
}

// ScoringConfig controls the trust scorer.
type ScoringConfig struct {
	Alpha        float64            `koanf:"alpha"`
	MinFeatures  int                `koanf:"min_features"`
	Midpoint     float64            `koanf:"midpoint"`
	Steepness    float64            `koanf:"steepness"`
	NeutralScore int                `koanf:"neutral_score"`
	Weights      map[string]float64 `koanf:"weights"`
}

// AnomalyConfig controls anomaly classification and severity bands.
type AnomalyConfig struct {
	BehaviorZ              float64 `koanf:"behavior_z"`
	ZScale                 float64 `koanf:"z_scale"`
	SharpDrop              float64 `koanf:"sharp_drop"`
	DropBoost              float64 `koanf:"drop_boost"`
	MaxTravelKmh           float64 `koanf:"max_travel_kmh"`
	MinTravelKm            float64 `koanf:"min_travel_km"`
	LocationJumpKm         float64 `koanf:"location_jump_km"`
	LocationJumpConfidence float64 `koanf:"location_jump_confidence"`
	DeviceConfidence       float64 `koanf:"device_confidence"`
	MaxConcurrentSessions  int     `koanf:"max_concurrent_sessions"`
	SessionConfidence      float64 `koanf:"session_confidence"`
	FraudThreshold         float64 `koanf:"fraud_threshold"`

	// Severity band lower bounds on the 0-100 confidence scale.
	MediumBand   float64 `koanf:"medium_band"`
	HighBand     float64 `koanf:"high_band"`
	CriticalBand float64 `koanf:"critical_band"`
}

// SessionConfig controls the session state machine.
//
// Environment Variables:
//   - SESSION_T_MONITOR: score below which a trusted session is monitored (default: 70)
//   - SESSION_T_CHALLENGE: score below which step-up is required (default: 40)
//   - SESSION_HEALTHY_CYCLES: consecutive healthy cycles to restore trust (default: 5)
//   - SESSION_IDLE_TIMEOUT: inactivity before termination (default: 15m)
type SessionConfig struct {
	TMonitor            int           `koanf:"t_monitor"`
	TChallenge          int           `koanf:"t_challenge"`
	HealthyCycles       int           `koanf:"healthy_cycles"`
	IdleTimeout         time.Duration `koanf:"idle_timeout"`
	BlockTimeout        time.Duration `koanf:"block_timeout"`
	VerificationTimeout time.Duration `koanf:"verification_timeout"`
}

// BaselineConfig selects the baseline store.
type BaselineConfig struct {
	// Backend is "memory" or "badger".
	Backend   string        `koanf:"backend"`
	Path      string        `koanf:"path"`
	Retention time.Duration `koanf:"retention"`
	// CacheTTL is how long an unused baseline stays in memory.
	CacheTTL time.Duration `koanf:"cache_ttl"`
}

// DispatchConfig configures the response collaborators.
type DispatchConfig struct {
	Verification VerificationConfig `koanf:"verification"`
	Webhook      WebhookConfig      `koanf:"webhook"`
	Ledger       LedgerConfig       `koanf:"ledger"`
}

// VerificationConfig configures the step-up verification client.
type VerificationConfig struct {
	URL              string        `koanf:"url"`
	ChallengeType    string        `koanf:"challenge_type"`
	Timeout          time.Duration `koanf:"timeout"`
	BreakerThreshold uint32        `koanf:"breaker_threshold"`
	BreakerTimeout   time.Duration `koanf:"breaker_timeout"`
}

// WebhookConfig configures the webhook notifier.
type WebhookConfig struct {
	Enabled     bool              `koanf:"enabled"`
	URL         string            `koanf:"url"`
	RateLimitMs int               `koanf:"rate_limit_ms"`
	Headers     map[string]string `koanf:"headers"`
}

// LedgerConfig selects the idempotency ledger.
type LedgerConfig struct {
	// Backend is "memory" or "redis".
	Backend   string        `koanf:"backend"`
	RedisAddr string        `koanf:"redis_addr"`
	RedisDB   int           `koanf:"redis_db"`
	TTL       time.Duration `koanf:"ttl"`
	Capacity  int           `koanf:"capacity"`
}

// AuditConfig selects the audit store.
type AuditConfig struct {
	// Backend is "memory" or "duckdb".
	Backend    string `koanf:"backend"`
	Path       string `koanf:"path"`
	BufferSize int    `koanf:"buffer_size"`
	MaxEvents  int    `koanf:"max_events"`
}

// NATSConfig configures the telemetry/decision bus. When disabled an
// in-process channel bus is used.
type NATSConfig struct {
	Enabled        bool   `koanf:"enabled"`
	URL            string `koanf:"url"`
	TelemetryTopic string `koanf:"telemetry_topic"`
	DecisionTopic  string `koanf:"decision_topic"`
	DurableName    string `koanf:"durable_name"`
	QueueGroup     string `koanf:"queue_group"`

	// StreamName is the JetStream stream holding every Vigil subject.
	StreamName   string        `koanf:"stream_name"`
	StreamMaxAge time.Duration `koanf:"stream_max_age"`
}

// ServerConfig configures the operations HTTP server (health, metrics).
type ServerConfig struct {
	Host            string        `koanf:"host"`
	Port            int           `koanf:"port"`
	ReadTimeout     time.Duration `koanf:"read_timeout"`
	WriteTimeout    time.Duration `koanf:"write_timeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`

	// CORSOrigins allowed to call the admin API. Empty allows none.
	CORSOrigins []string `koanf:"cors_origins"`
	// RateLimitRequests per RateLimitWindow per client IP on the admin
	// API. Zero disables limiting.
	RateLimitRequests int           `koanf:"rate_limit_requests"`
	RateLimitWindow   time.Duration `koanf:"rate_limit_window"`
}

// LoggingConfig mirrors logging.Config.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	Caller bool   `koanf:"caller"`
}
