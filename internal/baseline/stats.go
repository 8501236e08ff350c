// Vigil - Continuous Behavioral Authentication
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/vigil

// Package baseline holds per-user behavioral baselines and their stores.
//
// A baseline is a set of streaming per-feature statistics (Welford's online
// mean/variance) for one (user, device) pair. Statistics use constant memory
// regardless of how many samples have been observed.
package baseline

import (
	"math"
	"time"

	"github.com/tomtom215/vigil/internal/telemetry"
)

// Stats is Welford's running mean and variance for one feature.
type Stats struct {
	Count int64   `json:"count"`
	Mean  float64 `json:"mean"`
	M2    float64 `json:"m2"`
}

// Update folds x into the running statistics.
func (s *Stats) Update(x float64) {
	s.Count++
	delta := x - s.Mean
	s.Mean += delta / float64(s.Count)
	s.M2 += delta * (x - s.Mean)
}

// Variance returns the sample variance, 0 with fewer than two samples.
func (s Stats) Variance() float64 {
	if s.Count < 2 {
		return 0
	}
	return s.M2 / float64(s.Count-1)
}

// StdDev returns the sample standard deviation.
func (s Stats) StdDev() float64 {
	return math.Sqrt(s.Variance())
}

// Key identifies a baseline.
type Key struct {
	UserID   string
	DeviceID string
}

func (k Key) String() string {
	return k.UserID + "/" + k.DeviceID
}

// UserBaseline is the enrolled behavioral profile of one user on one device.
type UserBaseline struct {
	UserID    string                      `json:"user_id"`
	DeviceID  string                      `json:"device_id"`
	Features  map[telemetry.Feature]Stats `json:"features"`
	Samples   int64                       `json:"samples"`
	CreatedAt time.Time                   `json:"created_at"`
	UpdatedAt time.Time                   `json:"updated_at"`
}

// New returns an empty baseline for key.
func New(key Key, now time.Time) *UserBaseline {
	return &UserBaseline{
		UserID:    key.UserID,
		DeviceID:  key.DeviceID,
		Features:  make(map[telemetry.Feature]Stats),
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Key returns the baseline's key.
func (b *UserBaseline) Key() Key {
	return Key{UserID: b.UserID, DeviceID: b.DeviceID}
}

// Stats returns the statistics for f.
func (b *UserBaseline) Stats(f telemetry.Feature) (Stats, bool) {
	s, ok := b.Features[f]
	return s, ok
}

// Apply folds every feature value of v into the baseline.
func (b *UserBaseline) Apply(v telemetry.FeatureVector, now time.Time) {
	if b.Features == nil {
		b.Features = make(map[telemetry.Feature]Stats)
	}
	for f, x := range v.Values {
		s := b.Features[f]
		s.Update(x)
		b.Features[f] = s
	}
	b.Samples++
	b.UpdatedAt = now
}

// Clone returns a deep copy.
func (b *UserBaseline) Clone() *UserBaseline {
	c := *b
	c.Features = make(map[telemetry.Feature]Stats, len(b.Features))
	for f, s := range b.Features {
		c.Features[f] = s
	}
	return &c
}
