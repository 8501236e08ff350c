// Vigil - Continuous Behavioral Authentication
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/vigil

package aggregator

import (
	"math"
	"time"

	"github.com/tomtom215/vigil/internal/telemetry"
)

// Window is the bounded sliding window of one session: at most size vectors,
// none older than duration relative to the newest. It also remembers the last
// location fix, which survives eviction so displacement can still be derived
// after a long gap between fixes.
//
// A Window is owned by one session and is not safe for concurrent use; the
// engine only touches it under the session lock.
type Window struct {
	size     int
	duration time.Duration
	vectors  []telemetry.FeatureVector

	lastLocation   *telemetry.GeoPoint
	lastLocationAt time.Time
}

// NewWindow creates an empty window.
func NewWindow(size int, duration time.Duration) *Window {
	if size <= 0 {
		size = 1
	}
	return &Window{
		size:     size,
		duration: duration,
		vectors:  make([]telemetry.FeatureVector, 0, size),
	}
}

// Len returns the number of vectors currently in the window.
func (w *Window) Len() int {
	return len(w.vectors)
}

// Vectors returns a copy of the window contents, oldest first.
func (w *Window) Vectors() []telemetry.FeatureVector {
	out := make([]telemetry.FeatureVector, len(w.vectors))
	copy(out, w.vectors)
	return out
}

// LastLocation returns the most recent location fix, if any.
func (w *Window) LastLocation() (telemetry.GeoPoint, time.Time, bool) {
	if w.lastLocation == nil {
		return telemetry.GeoPoint{}, time.Time{}, false
	}
	return *w.lastLocation, w.lastLocationAt, true
}

func (w *Window) push(v telemetry.FeatureVector) {
	if len(w.vectors) == w.size {
		copy(w.vectors, w.vectors[1:])
		w.vectors = w.vectors[:len(w.vectors)-1]
	}
	w.vectors = append(w.vectors, v)
	w.evictBefore(w.newest().Add(-w.duration))
}

func (w *Window) newest() time.Time {
	var t time.Time
	for i := range w.vectors {
		if w.vectors[i].Timestamp.After(t) {
			t = w.vectors[i].Timestamp
		}
	}
	return t
}

func (w *Window) evictBefore(cutoff time.Time) {
	if w.duration <= 0 {
		return
	}
	kept := w.vectors[:0]
	for _, v := range w.vectors {
		if !v.Timestamp.Before(cutoff) {
			kept = append(kept, v)
		}
	}
	w.vectors = kept
}

// Movement is the displacement between two consecutive location fixes.
type Movement struct {
	From       telemetry.GeoPoint
	To         telemetry.GeoPoint
	DistanceKm float64
	Elapsed    time.Duration
}

// SpeedKmh returns the implied travel speed. Any distance covered in zero
// elapsed time is infinitely fast.
func (m Movement) SpeedKmh() float64 {
	if m.Elapsed <= 0 {
		if m.DistanceKm > 0 {
			return math.Inf(1)
		}
		return 0
	}
	return m.DistanceKm / m.Elapsed.Hours()
}

// locate records a location fix and returns the movement from the previous
// fix. Unknown (0,0) fixes are ignored.
func (w *Window) locate(p telemetry.GeoPoint, at time.Time) (Movement, bool) {
	if p.IsUnknown() {
		return Movement{}, false
	}
	prev, prevAt, ok := w.LastLocation()
	w.lastLocation = &p
	w.lastLocationAt = at
	if !ok {
		return Movement{}, false
	}
	return Movement{
		From:       prev,
		To:         p,
		DistanceKm: prev.DistanceKm(p),
		Elapsed:    at.Sub(prevAt),
	}, true
}
