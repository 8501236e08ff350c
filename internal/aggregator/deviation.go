// Vigil - Continuous Behavioral Authentication
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/vigil

package aggregator

import (
	"math"

	"github.com/tomtom215/vigil/internal/baseline"
	"github.com/tomtom215/vigil/internal/telemetry"
)

// Deviation is the z-score of one feature against the user's baseline.
type Deviation struct {
	Feature telemetry.Feature `json:"feature"`
	Value   float64           `json:"value"`
	Z       float64           `json:"z"`
	// LowConfidence is set while the feature's baseline has fewer than the
	// minimum number of samples. Such deviations are not scored.
	LowConfidence bool `json:"low_confidence"`
	// Samples is the baseline count the z-score was computed against.
	Samples int64 `json:"samples"`
	// Carried is set when no vector of the cycle had the feature and the
	// deviation comes from the session window.
	Carried bool `json:"carried,omitempty"`
}

// Deviations is a deviation vector keyed by feature.
type Deviations map[telemetry.Feature]Deviation

// Ordered returns the deviations in canonical feature order.
func (d Deviations) Ordered() []Deviation {
	out := make([]Deviation, 0, len(d))
	for _, f := range telemetry.Features {
		if dev, ok := d[f]; ok {
			out = append(out, dev)
		}
	}
	return out
}

// Established reports whether any present feature has an established
// baseline. A cycle with none is a cold start.
func (d Deviations) Established() bool {
	for _, dev := range d {
		if !dev.LowConfidence {
			return true
		}
	}
	return false
}

// MaxAbsZ returns the largest |z| among established features.
func (d Deviations) MaxAbsZ() (telemetry.Feature, float64) {
	var (
		maxF telemetry.Feature
		maxZ float64
	)
	for _, dev := range d.Ordered() {
		if dev.LowConfidence {
			continue
		}
		if z := math.Abs(dev.Z); z > maxZ {
			maxF, maxZ = dev.Feature, z
		}
	}
	return maxF, maxZ
}

// deviation computes z = (x − mean) / max(stddev, ε, r·|mean|).
func (a *Aggregator) deviation(b *baseline.UserBaseline, f telemetry.Feature, x float64) Deviation {
	dev := Deviation{Feature: f, Value: x}
	s, ok := b.Stats(f)
	if !ok || s.Count == 0 {
		dev.LowConfidence = true
		return dev
	}

	dev.Samples = s.Count
	dev.LowConfidence = s.Count < int64(a.cfg.MinBaselineSamples)

	denom := math.Max(s.StdDev(), a.cfg.Epsilon)
	denom = math.Max(denom, a.cfg.RelativeFloor*math.Abs(s.Mean))
	dev.Z = (x - s.Mean) / denom
	return dev
}

// meanDeviations folds per-vector deviations into the cycle vector.
type meanDeviations struct {
	sum   map[telemetry.Feature]float64
	n     map[telemetry.Feature]int
	last  map[telemetry.Feature]Deviation
	lowCf map[telemetry.Feature]bool
}

func newMeanDeviations() *meanDeviations {
	return &meanDeviations{
		sum:   make(map[telemetry.Feature]float64),
		n:     make(map[telemetry.Feature]int),
		last:  make(map[telemetry.Feature]Deviation),
		lowCf: make(map[telemetry.Feature]bool),
	}
}

func (m *meanDeviations) add(d Deviation) {
	m.sum[d.Feature] += d.Z
	m.n[d.Feature]++
	m.last[d.Feature] = d
	if d.LowConfidence {
		m.lowCf[d.Feature] = true
	}
}

func (m *meanDeviations) result() Deviations {
	out := make(Deviations, len(m.n))
	for f, n := range m.n {
		d := m.last[f]
		d.Z = m.sum[f] / float64(n)
		d.LowConfidence = m.lowCf[f]
		out[f] = d
	}
	return out
}
