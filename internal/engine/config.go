// Vigil - Continuous Behavioral Authentication
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/vigil

package engine

import (
	"time"

	"github.com/tomtom215/vigil/internal/aggregator"
	"github.com/tomtom215/vigil/internal/anomaly"
	"github.com/tomtom215/vigil/internal/config"
	"github.com/tomtom215/vigil/internal/scoring"
	"github.com/tomtom215/vigil/internal/session"
	"github.com/tomtom215/vigil/internal/telemetry"
)

// Config holds the engine's scheduling settings and the settings of every
// pipeline stage it builds.
type Config struct {
	// Workers is the number of session shards, each with its own tick loop.
	Workers int
	// QueueSize bounds each session's pending sample queue.
	QueueSize     int
	TickInterval  time.Duration
	SweepInterval time.Duration

	Telemetry  telemetry.Config
	Aggregator aggregator.Config
	Scoring    scoring.Config
	Anomaly    anomaly.Config
	Session    session.Config
}

// DefaultConfig returns the default engine settings.
func DefaultConfig() Config {
	return Config{
		Workers:       4,
		QueueSize:     256,
		TickInterval:  2 * time.Second,
		SweepInterval: 30 * time.Second,
		Telemetry:     telemetry.DefaultConfig(),
		Aggregator:    aggregator.DefaultConfig(),
		Scoring:       scoring.DefaultConfig(),
		Anomaly:       anomaly.DefaultConfig(),
		Session:       session.DefaultConfig(),
	}
}

// FromConfig maps the application configuration onto engine settings.
func FromConfig(c *config.Config) Config {
	weights := make(map[telemetry.Feature]float64, len(c.Scoring.Weights))
	for name, w := range c.Scoring.Weights {
		weights[telemetry.Feature(name)] = w
	}

	return Config{
		Workers:       c.Engine.Workers,
		QueueSize:     c.Engine.QueueSize,
		TickInterval:  c.Engine.TickInterval,
		SweepInterval: c.Engine.SweepInterval,
		Telemetry: telemetry.Config{
			JitterTolerance: c.Telemetry.JitterTolerance,
			MaxClockSkew:    c.Telemetry.MaxClockSkew,
		},
		Aggregator: aggregator.Config{
			WindowSize:         c.Window.Size,
			WindowDuration:     c.Window.Duration,
			MinBaselineSamples: c.Window.MinBaselineSamples,
			Epsilon:            c.Window.Epsilon,
			RelativeFloor:      c.Window.RelativeFloor,
			CacheTTL:           c.Baseline.CacheTTL,
		},
		Scoring: scoring.Config{
			Alpha:        c.Scoring.Alpha,
			MinFeatures:  c.Scoring.MinFeatures,
			Midpoint:     c.Scoring.Midpoint,
			Steepness:    c.Scoring.Steepness,
			NeutralScore: c.Scoring.NeutralScore,
			Weights:      weights,
		},
		Anomaly: anomaly.Config{
			BehaviorZ:              c.Anomaly.BehaviorZ,
			ZScale:                 c.Anomaly.ZScale,
			SharpDrop:              c.Anomaly.SharpDrop,
			DropBoost:              c.Anomaly.DropBoost,
			MaxTravelKmh:           c.Anomaly.MaxTravelKmh,
			MinTravelKm:            c.Anomaly.MinTravelKm,
			LocationJumpKm:         c.Anomaly.LocationJumpKm,
			LocationJumpConfidence: c.Anomaly.LocationJumpConfidence,
			DeviceConfidence:       c.Anomaly.DeviceConfidence,
			MaxConcurrentSessions:  c.Anomaly.MaxConcurrentSessions,
			SessionConfidence:      c.Anomaly.SessionConfidence,
			FraudThreshold:         c.Anomaly.FraudThreshold,
			Bands: anomaly.Bands{
				Medium:   c.Anomaly.MediumBand,
				High:     c.Anomaly.HighBand,
				Critical: c.Anomaly.CriticalBand,
			},
		},
		Session: session.Config{
			TMonitor:            c.Session.TMonitor,
			TChallenge:          c.Session.TChallenge,
			HealthyCycles:       c.Session.HealthyCycles,
			IdleTimeout:         c.Session.IdleTimeout,
			BlockTimeout:        c.Session.BlockTimeout,
			VerificationTimeout: c.Session.VerificationTimeout,
		},
	}
}
