// Vigil - Continuous Behavioral Authentication
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/vigil

package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPaths lists the config file locations searched in order.
var DefaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
	"/etc/vigil/config.yaml",
	"/etc/vigil/config.yml",
}

// ConfigPathEnvVar overrides the config file location.
const ConfigPathEnvVar = "CONFIG_PATH"

// defaultConfig returns the built-in defaults. They are loaded first and
// overridden by the config file and the environment.
func defaultConfig() *Config {
	return &Config{
		Engine: EngineConfig{
			Workers:       4,
			QueueSize:     256,
			TickInterval:  2 * time.Second,
			SweepInterval: 30 * time.Second,
		},
		Telemetry: TelemetryConfig{
			JitterTolerance: 2 * time.Second,
			MaxClockSkew:    30 * time.Second,
		},
		Window: WindowConfig{
			Size:               64,
			Duration:           2 * time.Minute,
			MinBaselineSamples: 30,
			Epsilon:            1e-6,
			RelativeFloor:      0.01,
		},
		Scoring: ScoringConfig{
			Alpha:        0.3,
			MinFeatures:  3,
			Midpoint:     2.5,
			Steepness:    2.0,
			NeutralScore: 50,
			Weights: map[string]float64{
				"swipe_velocity":     0.20,
				"tap_pressure":       0.10,
				"keystroke_interval": 0.20,
				"keystroke_dwell":    0.15,
				"gyro_energy":        0.10,
				"accel_energy":       0.10,
				"geo_displacement":   0.15,
			},
		},
		Anomaly: AnomalyConfig{
			BehaviorZ:              3.0,
			ZScale:                 2.5,
			SharpDrop:              20,
			DropBoost:              10,
			MaxTravelKmh:           900,
			MinTravelKm:            100,
			LocationJumpKm:         500,
			LocationJumpConfidence: 55,
			DeviceConfidence:       85,
			MaxConcurrentSessions:  3,
			SessionConfidence:      65,
			FraudThreshold:         0.97,
			MediumBand:             60,
			HighBand:               80,
			CriticalBand:           95,
		},
		Session: SessionConfig{
			TMonitor:            70,
			TChallenge:          40,
			HealthyCycles:       5,
			IdleTimeout:         15 * time.Minute,
			BlockTimeout:        30 * time.Minute,
			VerificationTimeout: 2 * time.Minute,
		},
		Baseline: BaselineConfig{
			Backend:   "memory",
			Path:      "/data/vigil/baselines",
			Retention: 90 * 24 * time.Hour,
			CacheTTL:  30 * time.Minute,
		},
		Dispatch: DispatchConfig{
			Verification: VerificationConfig{
				URL:              "",
				ChallengeType:    "step_up",
				Timeout:          10 * time.Second,
				BreakerThreshold: 5,
				BreakerTimeout:   30 * time.Second,
			},
			Webhook: WebhookConfig{
				Enabled:     false,
				RateLimitMs: 1000,
			},
			Ledger: LedgerConfig{
				Backend:   "memory",
				RedisAddr: "127.0.0.1:6379",
				TTL:       24 * time.Hour,
				Capacity:  100000,
			},
		},
		Audit: AuditConfig{
			Backend:    "memory",
			Path:       "/data/vigil/audit.duckdb",
			BufferSize: 1024,
			MaxEvents:  10000,
		},
		NATS: NATSConfig{
			Enabled:        false,
			URL:            "nats://127.0.0.1:4222",
			TelemetryTopic: "vigil.telemetry",
			DecisionTopic:  "vigil.decisions",
			DurableName:    "vigil-engine",
			QueueGroup:     "vigil",
			StreamName:     "VIGIL",
			StreamMaxAge:   24 * time.Hour,
		},
		Server: ServerConfig{
			Host:              "0.0.0.0",
			Port:              9477,
			ReadTimeout:       10 * time.Second,
			WriteTimeout:      10 * time.Second,
			ShutdownTimeout:   15 * time.Second,
			CORSOrigins:       []string{},
			RateLimitRequests: 100,
			RateLimitWindow:   time.Minute,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Caller: false,
		},
	}
}

// Load builds the configuration from defaults, the optional config file and
// environment variables (ENV > file > defaults), then validates it.
func Load() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if configPath := findConfigFile(); configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	}

	if err := k.Load(env.Provider("", ".", envTransformFunc), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := processMapFields(k); err != nil {
		return nil, fmt.Errorf("failed to process map fields: %w", err)
	}
	if err := processSliceFields(k); err != nil {
		return nil, fmt.Errorf("failed to process slice fields: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// findConfigFile returns the first existing config file, or "".
func findConfigFile() string {
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}
	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// mapConfigPaths are string maps that may arrive from the environment as
// "key=value,key=value".
var mapConfigPaths = []string{
	"dispatch.webhook.headers",
}

// processMapFields converts comma-separated key=value strings into maps.
func processMapFields(k *koanf.Koanf) error {
	for _, path := range mapConfigPaths {
		strVal, ok := k.Get(path).(string)
		if !ok || strVal == "" {
			continue
		}
		parsed := make(map[string]string)
		for _, pair := range strings.Split(strVal, ",") {
			key, value, found := strings.Cut(strings.TrimSpace(pair), "=")
			if !found || key == "" {
				return fmt.Errorf("%s: malformed entry %q (want key=value)", path, pair)
			}
			parsed[key] = value
		}
		k.Delete(path)
		if err := k.Set(path, parsed); err != nil {
			return fmt.Errorf("failed to set %s: %w", path, err)
		}
	}
	return nil
}

// sliceConfigPaths are string slices that may arrive from the environment
// comma-separated.
var sliceConfigPaths = []string{
	"server.cors_origins",
}

func processSliceFields(k *koanf.Koanf) error {
	for _, path := range sliceConfigPaths {
		strVal, ok := k.Get(path).(string)
		if !ok {
			continue
		}
		var parsed []string
		for _, part := range strings.Split(strVal, ",") {
			if part = strings.TrimSpace(part); part != "" {
				parsed = append(parsed, part)
			}
		}
		k.Delete(path)
		if err := k.Set(path, parsed); err != nil {
			return fmt.Errorf("failed to set %s: %w", path, err)
		}
	}
	return nil
}

// envTransformFunc maps environment variable names to koanf paths.
// Unknown variables map to "" and are ignored.
//
// Examples:
//   - SESSION_T_MONITOR -> session.t_monitor
//   - SCORING_WEIGHT_TAP_PRESSURE -> scoring.weights.tap_pressure
//   - LEDGER_REDIS_ADDR -> dispatch.ledger.redis_addr
func envTransformFunc(key string) string {
	key = strings.ToLower(key)

	if feature, ok := strings.CutPrefix(key, "scoring_weight_"); ok && feature != "" {
		return "scoring.weights." + feature
	}

	envMappings := map[string]string{
		"engine_workers":        "engine.workers",
		"engine_queue_size":     "engine.queue_size",
		"engine_tick_interval":  "engine.tick_interval",
		"engine_sweep_interval": "engine.sweep_interval",

		"telemetry_jitter_tolerance": "telemetry.jitter_tolerance",
		"telemetry_max_clock_skew":   "telemetry.max_clock_skew",

		"window_size":                 "window.size",
		"window_duration":             "window.duration",
		"window_min_baseline_samples": "window.min_baseline_samples",
		"window_epsilon":              "window.epsilon",
		"window_relative_floor":       "window.relative_floor",

		"scoring_alpha":         "scoring.alpha",
		"scoring_min_features":  "scoring.min_features",
		"scoring_midpoint":      "scoring.midpoint",
		"scoring_steepness":     "scoring.steepness",
		"scoring_neutral_score": "scoring.neutral_score",

		"anomaly_behavior_z":              "anomaly.behavior_z",
		"anomaly_z_scale":                 "anomaly.z_scale",
		"anomaly_sharp_drop":              "anomaly.sharp_drop",
		"anomaly_drop_boost":              "anomaly.drop_boost",
		"anomaly_max_travel_kmh":          "anomaly.max_travel_kmh",
		"anomaly_min_travel_km":           "anomaly.min_travel_km",
		"anomaly_location_jump_km":        "anomaly.location_jump_km",
		"anomaly_device_confidence":       "anomaly.device_confidence",
		"anomaly_max_concurrent_sessions": "anomaly.max_concurrent_sessions",
		"anomaly_session_confidence":      "anomaly.session_confidence",
		"anomaly_fraud_threshold":         "anomaly.fraud_threshold",
		"anomaly_medium_band":             "anomaly.medium_band",
		"anomaly_high_band":               "anomaly.high_band",
		"anomaly_critical_band":           "anomaly.critical_band",

		"session_t_monitor":            "session.t_monitor",
		"session_t_challenge":          "session.t_challenge",
		"session_healthy_cycles":       "session.healthy_cycles",
		"session_idle_timeout":         "session.idle_timeout",
		"session_block_timeout":        "session.block_timeout",
		"session_verification_timeout": "session.verification_timeout",

		"baseline_backend":   "baseline.backend",
		"baseline_path":      "baseline.path",
		"baseline_retention": "baseline.retention",
		"baseline_cache_ttl": "baseline.cache_ttl",

		"verification_url":               "dispatch.verification.url",
		"verification_challenge_type":    "dispatch.verification.challenge_type",
		"verification_timeout":           "dispatch.verification.timeout",
		"verification_breaker_threshold": "dispatch.verification.breaker_threshold",
		"verification_breaker_timeout":   "dispatch.verification.breaker_timeout",

		"webhook_enabled":       "dispatch.webhook.enabled",
		"webhook_url":           "dispatch.webhook.url",
		"webhook_rate_limit_ms": "dispatch.webhook.rate_limit_ms",
		"webhook_headers":       "dispatch.webhook.headers",

		"ledger_backend":    "dispatch.ledger.backend",
		"ledger_redis_addr": "dispatch.ledger.redis_addr",
		"ledger_redis_db":   "dispatch.ledger.redis_db",
		"ledger_ttl":        "dispatch.ledger.ttl",
		"ledger_capacity":   "dispatch.ledger.capacity",

		"audit_backend":     "audit.backend",
		"audit_path":        "audit.path",
		"audit_buffer_size": "audit.buffer_size",
		"audit_max_events":  "audit.max_events",

		"nats_enabled":         "nats.enabled",
		"nats_url":             "nats.url",
		"nats_telemetry_topic": "nats.telemetry_topic",
		"nats_decision_topic":  "nats.decision_topic",
		"nats_durable_name":    "nats.durable_name",
		"nats_queue_group":     "nats.queue_group",
		"nats_stream_name":     "nats.stream_name",
		"nats_stream_max_age":  "nats.stream_max_age",

		"http_host":             "server.host",
		"http_port":             "server.port",
		"http_read_timeout":     "server.read_timeout",
		"http_write_timeout":    "server.write_timeout",
		"http_shutdown_timeout": "server.shutdown_timeout",
		"http_cors_origins":     "server.cors_origins",
		"http_rate_limit":       "server.rate_limit_requests",
		"http_rate_window":      "server.rate_limit_window",

		"log_level":  "logging.level",
		"log_format": "logging.format",
		"log_caller": "logging.caller",
	}

	if mapped, ok := envMappings[key]; ok {
		return mapped
	}
	return ""
}
