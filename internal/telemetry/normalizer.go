// Vigil - Continuous Behavioral Authentication
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/vigil

package telemetry

import (
	"fmt"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/tomtom215/vigil/internal/validation"
)

// Config holds normalizer tolerances.
type Config struct {
	// JitterTolerance is how far behind the newest accepted sample of the same
	// session a sample may be before it is rejected as stale.
	JitterTolerance time.Duration
	// MaxClockSkew bounds how far in the future a timestamp may be.
	MaxClockSkew time.Duration
}

// DefaultConfig returns the default tolerances.
func DefaultConfig() Config {
	return Config{
		JitterTolerance: 2 * time.Second,
		MaxClockSkew:    30 * time.Second,
	}
}

// cursor tracks ordering state for one session.
type cursor struct {
	seq    uint64
	newest time.Time
}

// Normalizer validates BehaviorSamples and converts them to FeatureVectors.
// It is safe for concurrent use. The only state it keeps is the per-session
// sequence counter and newest accepted timestamp, held from Track until
// Forget.
type Normalizer struct {
	cfg Config
	now func() time.Time

	mu      sync.Mutex
	cursors map[string]*cursor
}

// NewNormalizer creates a Normalizer.
func NewNormalizer(cfg Config) *Normalizer {
	return &Normalizer{
		cfg:     cfg,
		now:     time.Now,
		cursors: make(map[string]*cursor),
	}
}

// SetClock replaces the time source. Used by the engine so that ingest and
// evaluation agree on "now".
func (n *Normalizer) SetClock(now func() time.Time) {
	n.now = now
}

// Normalize validates s and returns its FeatureVector. Invalid samples fail
// with *InvalidSampleError and samples of untracked sessions with
// ErrUntrackedSession; either way the ordering state is left untouched.
func (n *Normalizer) Normalize(s BehaviorSample) (FeatureVector, error) {
	if verr := validation.ValidateStruct(&s); verr != nil {
		first := verr.First()
		return FeatureVector{}, invalid(s.SessionID, ReasonSchema, first.Field(), first.Error())
	}

	if limit := n.now().Add(n.cfg.MaxClockSkew); s.Timestamp.After(limit) {
		return FeatureVector{}, invalid(s.SessionID, ReasonFuture, "timestamp",
			fmt.Sprintf("%s is beyond allowed clock skew", s.Timestamp.Format(time.RFC3339Nano)))
	}

	values, location, err := decodePayload(s)
	if err != nil {
		return FeatureVector{}, err
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	c, ok := n.cursors[s.SessionID]
	if !ok {
		return FeatureVector{}, fmt.Errorf("normalize sample for %s: %w", s.SessionID, ErrUntrackedSession)
	}
	if !c.newest.IsZero() && s.Timestamp.Before(c.newest.Add(-n.cfg.JitterTolerance)) {
		return FeatureVector{}, invalid(s.SessionID, ReasonStale, "timestamp",
			fmt.Sprintf("older than newest accepted sample by %s", c.newest.Sub(s.Timestamp)))
	}
	if s.Timestamp.After(c.newest) {
		c.newest = s.Timestamp
	}
	c.seq++

	return FeatureVector{
		SessionID: s.SessionID,
		DeviceID:  s.DeviceID,
		Seq:       c.seq,
		Timestamp: s.Timestamp,
		Type:      s.Type,
		Values:    values,
		Location:  location,
	}, nil
}

// Track starts ordering state for sessionID. Tracking a session twice keeps
// its state.
func (n *Normalizer) Track(sessionID string) {
	n.mu.Lock()
	if _, ok := n.cursors[sessionID]; !ok {
		n.cursors[sessionID] = &cursor{}
	}
	n.mu.Unlock()
}

// Forget drops ordering state for a terminated session. Its later samples
// fail with ErrUntrackedSession.
func (n *Normalizer) Forget(sessionID string) {
	n.mu.Lock()
	delete(n.cursors, sessionID)
	n.mu.Unlock()
}

// decodePayload parses the typed payload and extracts feature values.
func decodePayload(s BehaviorSample) (map[Feature]float64, *GeoPoint, error) {
	values := make(map[Feature]float64, 2)

	switch s.Type {
	case SampleTouch:
		var p TouchPayload
		if err := unmarshalPayload(s, &p); err != nil {
			return nil, nil, err
		}
		if p.Velocity == nil && p.Pressure == nil {
			return nil, nil, invalid(s.SessionID, ReasonPayload, "payload", "touch sample carries no readings")
		}
		if p.Velocity != nil {
			values[SwipeVelocity] = *p.Velocity
		}
		if p.Pressure != nil {
			values[TapPressure] = clamp(*p.Pressure, 0, 1)
		}

	case SampleKeystroke:
		var p KeystrokePayload
		if err := unmarshalPayload(s, &p); err != nil {
			return nil, nil, err
		}
		if p.IntervalMs == nil && p.DwellMs == nil {
			return nil, nil, invalid(s.SessionID, ReasonPayload, "payload", "keystroke sample carries no readings")
		}
		if p.IntervalMs != nil {
			values[KeystrokeInterval] = *p.IntervalMs
		}
		if p.DwellMs != nil {
			values[KeystrokeDwell] = *p.DwellMs
		}

	case SampleMotion:
		var p MotionPayload
		if err := unmarshalPayload(s, &p); err != nil {
			return nil, nil, err
		}
		if p.Gyro == nil && p.Accel == nil {
			return nil, nil, invalid(s.SessionID, ReasonPayload, "payload", "motion sample carries no readings")
		}
		if p.Gyro != nil {
			values[GyroEnergy] = p.Gyro.Energy()
		}
		if p.Accel != nil {
			values[AccelEnergy] = p.Accel.Energy()
		}

	case SampleLocation:
		var p LocationPayload
		if err := unmarshalPayload(s, &p); err != nil {
			return nil, nil, err
		}
		// geo_displacement needs the previous fix and is derived later.
		return values, &GeoPoint{Latitude: *p.Latitude, Longitude: *p.Longitude}, nil

	default:
		return nil, nil, invalid(s.SessionID, ReasonSchema, "type", fmt.Sprintf("unknown sample type %q", s.Type))
	}

	for f, v := range values {
		r, bounded := featureRanges[f]
		if bounded && (v < r.min || v > r.max) {
			return nil, nil, invalid(s.SessionID, ReasonRange, string(f),
				fmt.Sprintf("%g outside [%g, %g]", v, r.min, r.max))
		}
	}
	return values, nil, nil
}

func unmarshalPayload(s BehaviorSample, dst interface{}) error {
	if err := json.Unmarshal(s.Payload, dst); err != nil {
		return invalid(s.SessionID, ReasonPayload, "payload", err.Error())
	}
	if verr := validation.ValidateStruct(dst); verr != nil {
		first := verr.First()
		return invalid(s.SessionID, ReasonPayload, first.Field(), first.Error())
	}
	return nil
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
