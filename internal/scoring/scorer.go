// Vigil - Continuous Behavioral Authentication
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/vigil

// Package scoring converts a deviation vector into a smoothed 0-100 trust
// score.
//
// Scoring is a pure function of (previous smoothed trust, deviations,
// configuration). Each present, established feature is mapped to a normalcy
// in [0,1] by a clipped sigmoid of |z|. Normalcies are averaged using the
// configured weights of the present features only, renormalized to sum to 1.
// Sparse cycles are damped toward the previous trust, and the result is
// exponentially smoothed:
//
//	trust_t = α·instant_t + (1−α)·trust_{t−1}
//	score   = round(100·trust_t), clamped to [0,100]
package scoring

import (
	"errors"
	"math"

	"github.com/tomtom215/vigil/internal/aggregator"
	"github.com/tomtom215/vigil/internal/telemetry"
)

// ErrColdStartInsufficientData is returned with a neutral result when no
// present feature has an established baseline.
var ErrColdStartInsufficientData = errors.New("cold start: insufficient baseline data")

// InitialTrust is the smoothed trust of a session right after primary
// authentication.
const InitialTrust = 1.0

// Confidence qualifies a score.
type Confidence string

const (
	ConfidenceHigh      Confidence = "high"
	ConfidenceLow       Confidence = "low"
	ConfidenceColdStart Confidence = "cold_start"
)

// Config holds scorer parameters.
type Config struct {
	// Alpha is the smoothing factor in (0,1].
	Alpha float64
	// MinFeatures is how many established features a cycle needs before its
	// instantaneous value counts in full.
	MinFeatures int
	// Midpoint and Steepness shape the normalcy sigmoid.
	Midpoint  float64
	Steepness float64
	// NeutralScore is reported during cold start.
	NeutralScore int
	Weights      map[telemetry.Feature]float64
}

// DefaultConfig returns the default scorer parameters.
func DefaultConfig() Config {
	return Config{
		Alpha:        0.3,
		MinFeatures:  3,
		Midpoint:     2.5,
		Steepness:    2.0,
		NeutralScore: 50,
		Weights: map[telemetry.Feature]float64{
			telemetry.SwipeVelocity:     0.20,
			telemetry.TapPressure:       0.10,
			telemetry.KeystrokeInterval: 0.20,
			telemetry.KeystrokeDwell:    0.15,
			telemetry.GyroEnergy:        0.10,
			telemetry.AccelEnergy:       0.10,
			telemetry.GeoDisplacement:   0.15,
		},
	}
}

// Contribution explains one feature's share of the instantaneous score.
type Contribution struct {
	Feature  telemetry.Feature `json:"feature"`
	Z        float64           `json:"z"`
	Normalcy float64           `json:"normalcy"`
	// Weight is the renormalized weight; Contribution = Weight·Normalcy.
	Weight       float64 `json:"weight"`
	Contribution float64 `json:"contribution"`
}

// Result is the outcome of one scoring cycle.
type Result struct {
	// Score is the composite trust score in [0,100].
	Score int `json:"score"`
	// Trust is the smoothed trust in [0,1] to carry into the next cycle.
	Trust float64 `json:"trust"`
	// Instant is the (damped) instantaneous trust of this cycle.
	Instant    float64    `json:"instant"`
	Confidence Confidence `json:"confidence"`
	// Present is the number of features that were scored.
	Present       int            `json:"present"`
	Contributions []Contribution `json:"contributions"`
}

// Normalcy maps |z| to [0,1]: 1 at z=0, 0.5 near the midpoint, falling
// toward 0 beyond it.
func Normalcy(z, midpoint, steepness float64) float64 {
	num := 1 + math.Exp(-steepness*midpoint)
	den := 1 + math.Exp(steepness*(math.Abs(z)-midpoint))
	return clamp(num/den, 0, 1)
}

// Score computes the next trust result from the previous smoothed trust.
//
// During cold start it returns the neutral score, carries prev unchanged and
// returns ErrColdStartInsufficientData; callers should treat that as a
// signal, not a failure.
func Score(prev float64, devs aggregator.Deviations, cfg Config) (Result, error) {
	prev = clamp(prev, 0, 1)
	if math.IsNaN(prev) {
		prev = InitialTrust
	}

	type scored struct {
		dev    aggregator.Deviation
		n, raw float64
	}
	var (
		present []scored
		total   float64
	)
	for _, dev := range devs.Ordered() {
		if dev.LowConfidence || math.IsNaN(dev.Z) {
			continue
		}
		w := cfg.Weights[dev.Feature]
		if w <= 0 {
			continue
		}
		present = append(present, scored{dev: dev, n: Normalcy(dev.Z, cfg.Midpoint, cfg.Steepness), raw: w})
		total += w
	}

	if len(present) == 0 || total <= 0 {
		return Result{
			Score:         clampScore(cfg.NeutralScore),
			Trust:         prev,
			Instant:       prev,
			Confidence:    ConfidenceColdStart,
			Contributions: []Contribution{},
		}, ErrColdStartInsufficientData
	}

	res := Result{
		Present:       len(present),
		Confidence:    ConfidenceHigh,
		Contributions: make([]Contribution, 0, len(present)),
	}

	var instant float64
	for _, s := range present {
		w := s.raw / total
		c := Contribution{
			Feature:      s.dev.Feature,
			Z:            s.dev.Z,
			Normalcy:     s.n,
			Weight:       w,
			Contribution: w * s.n,
		}
		instant += c.Contribution
		res.Contributions = append(res.Contributions, c)
	}

	if cfg.MinFeatures > 0 && len(present) < cfg.MinFeatures {
		c := float64(len(present)) / float64(cfg.MinFeatures)
		instant = c*instant + (1-c)*prev
		res.Confidence = ConfidenceLow
	}

	res.Instant = clamp(instant, 0, 1)
	res.Trust = clamp(cfg.Alpha*res.Instant+(1-cfg.Alpha)*prev, 0, 1)
	res.Score = ToScore(res.Trust)
	return res, nil
}

// ToScore converts a trust value in [0,1] to the 0-100 score.
func ToScore(trust float64) int {
	return clampScore(int(math.Round(100 * trust)))
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampScore(s int) int {
	if s < 0 {
		return 0
	}
	if s > 100 {
		return 100
	}
	return s
}
