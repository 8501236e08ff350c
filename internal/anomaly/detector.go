// Vigil - Continuous Behavioral Authentication
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/vigil

package anomaly

import (
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/tomtom215/vigil/internal/aggregator"
)

// maxConfidence caps derived confidences; only certainty-by-definition
// overrides reach 100.
const maxConfidence = 99.0

// Config controls the detector.
type Config struct {
	// BehaviorZ is the |z| at which a behavior anomaly fires.
	BehaviorZ float64
	// ZScale shapes confidence = 100·(1 − e^(−|z|/ZScale)).
	ZScale float64
	// SharpDrop is a trust score fall (in points) that adds DropBoost to a
	// behavior anomaly's confidence.
	SharpDrop float64
	DropBoost float64

	MaxTravelKmh           float64
	MinTravelKm            float64
	LocationJumpKm         float64
	LocationJumpConfidence float64

	DeviceConfidence      float64
	MaxConcurrentSessions int
	SessionConfidence     float64

	// FraudThreshold is the joint probability 1 − Π(1 − cᵢ) in (0,1].
	FraudThreshold float64

	Bands Bands
}

// DefaultConfig returns the default detector settings.
func DefaultConfig() Config {
	return Config{
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
		Bands:                  DefaultBands(),
	}
}

// Input is everything the detector looks at for one session cycle.
type Input struct {
	SessionID string
	UserID    string
	// SessionDeviceID is the device bound to the session at login.
	SessionDeviceID string
	Deviations      aggregator.Deviations
	// ColdStart suppresses behavior detection.
	ColdStart bool
	// TrustDelta is this cycle's score minus the previous score.
	TrustDelta int
	Movement   *aggregator.Movement
	// DeviceIDs are the distinct devices that sent samples this cycle.
	DeviceIDs []string
	// ConcurrentSessions is the number of active sessions of the user,
	// including this one.
	ConcurrentSessions int
	Now                time.Time
}

// Detector classifies cycles into anomaly events. It holds no per-session
// state; the only impurity is ID generation.
type Detector struct {
	cfg   Config
	newID func() string
}

// Option configures a Detector.
type Option func(*Detector)

// WithIDGenerator replaces the UUID generator.
func WithIDGenerator(gen func() string) Option {
	return func(d *Detector) { d.newID = gen }
}

// NewDetector creates a Detector.
func NewDetector(cfg Config, opts ...Option) *Detector {
	d := &Detector{cfg: cfg, newID: uuid.NewString}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Config returns the detector's configuration.
func (d *Detector) Config() Config {
	return d.cfg
}

// Detect returns the anomalies raised by in, in a fixed type order:
// behavior, location, device, session, then fraud.
func (d *Detector) Detect(in Input) []Event {
	var events []Event

	if e, ok := d.behavior(in); ok {
		events = append(events, e)
	}
	if e, ok := d.location(in); ok {
		events = append(events, e)
	}
	if e, ok := d.device(in); ok {
		events = append(events, e)
	}
	if e, ok := d.session(in); ok {
		events = append(events, e)
	}
	if e, ok := d.fraud(in, events); ok {
		events = append(events, e)
	}
	return events
}

func (d *Detector) event(in Input, t Type, confidence float64, desc string) Event {
	confidence = math.Max(0, math.Min(100, confidence))
	return Event{
		ID:          d.newID(),
		SessionID:   in.SessionID,
		UserID:      in.UserID,
		Type:        t,
		Severity:    d.cfg.Bands.Classify(confidence),
		Confidence:  confidence,
		Description: desc,
		Timestamp:   in.Now,
	}
}

func (d *Detector) behavior(in Input) (Event, bool) {
	if in.ColdStart {
		return Event{}, false
	}
	f, maxZ := in.Deviations.MaxAbsZ()
	if maxZ < d.cfg.BehaviorZ {
		return Event{}, false
	}

	conf := 100 * (1 - math.Exp(-maxZ/d.cfg.ZScale))
	if d.cfg.SharpDrop > 0 && float64(in.TrustDelta) <= -d.cfg.SharpDrop {
		conf += d.cfg.DropBoost
	}
	conf = math.Min(conf, maxConfidence)

	return d.event(in, TypeBehavior, conf,
		fmt.Sprintf("%s deviates %.1fσ from baseline (trust Δ %+d)", f, maxZ, in.TrustDelta)), true
}

func (d *Detector) location(in Input) (Event, bool) {
	m := in.Movement
	if m == nil {
		return Event{}, false
	}

	speed := m.SpeedKmh()
	if speed > d.cfg.MaxTravelKmh && m.DistanceKm >= d.cfg.MinTravelKm {
		// 50 at the plausibility bound, approaching 99 as the implied speed
		// grows without limit.
		ratio := speed / d.cfg.MaxTravelKmh
		conf := math.Min(maxConfidence, 50+50*(1-1/ratio))
		e := d.event(in, TypeLocation, conf,
			fmt.Sprintf("impossible travel: %.0f km in %s (%.0f km/h)", m.DistanceKm, m.Elapsed.Round(time.Second), speed))
		e.Severity = SeverityCritical
		return e, true
	}

	if d.cfg.LocationJumpKm > 0 && m.DistanceKm >= d.cfg.LocationJumpKm {
		return d.event(in, TypeLocation, d.cfg.LocationJumpConfidence,
			fmt.Sprintf("location jump: %.0f km in %s", m.DistanceKm, m.Elapsed.Round(time.Second))), true
	}
	return Event{}, false
}

func (d *Detector) device(in Input) (Event, bool) {
	if in.SessionDeviceID == "" {
		return Event{}, false
	}
	for _, id := range in.DeviceIDs {
		if id != in.SessionDeviceID {
			return d.event(in, TypeDevice, d.cfg.DeviceConfidence,
				fmt.Sprintf("samples from device %q on a session bound to %q", id, in.SessionDeviceID)), true
		}
	}
	return Event{}, false
}

func (d *Detector) session(in Input) (Event, bool) {
	if d.cfg.MaxConcurrentSessions <= 0 || in.ConcurrentSessions <= d.cfg.MaxConcurrentSessions {
		return Event{}, false
	}
	return d.event(in, TypeSession, d.cfg.SessionConfidence,
		fmt.Sprintf("%d concurrent sessions (limit %d)", in.ConcurrentSessions, d.cfg.MaxConcurrentSessions)), true
}

// fraud fires when at least two distinct types fired and their joint
// confidence, using the strongest event per type, crosses the threshold.
func (d *Detector) fraud(in Input, fired []Event) (Event, bool) {
	strongest := make(map[Type]float64)
	var order []Type
	for _, e := range fired {
		if c, seen := strongest[e.Type]; !seen || e.Confidence > c {
			if !seen {
				order = append(order, e.Type)
			}
			strongest[e.Type] = e.Confidence
		}
	}
	if len(order) < 2 {
		return Event{}, false
	}

	miss := 1.0
	for _, t := range order {
		miss *= 1 - strongest[t]/100
	}
	joint := 1 - miss
	if joint < d.cfg.FraudThreshold {
		return Event{}, false
	}

	e := d.event(in, TypeFraud, 100*joint,
		fmt.Sprintf("composite of %d anomaly types, joint confidence %.3f", len(order), joint))
	e.Components = order
	return e, true
}
