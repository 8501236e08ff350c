// Vigil - Continuous Behavioral Authentication
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/vigil

// Package telemetry validates raw behavioral samples and turns them into
// canonical feature vectors.
//
// A BehaviorSample is what a client streams for an active session: one touch,
// keystroke, motion or location reading with a raw JSON payload. The
// Normalizer checks the envelope and payload, enforces unit ranges and clock
// tolerances, and returns a FeatureVector whose Values use the canonical
// Feature names shared by the aggregator, scorer and detector.
package telemetry

import (
	"time"

	"github.com/goccy/go-json"
)

// SampleType is the closed set of telemetry kinds.
type SampleType string

const (
	SampleTouch     SampleType = "touch"
	SampleKeystroke SampleType = "keystroke"
	SampleMotion    SampleType = "motion"
	SampleLocation  SampleType = "location"
)

// Feature names a canonical numeric feature.
type Feature string

const (
	SwipeVelocity     Feature = "swipe_velocity"
	TapPressure       Feature = "tap_pressure"
	KeystrokeInterval Feature = "keystroke_interval"
	KeystrokeDwell    Feature = "keystroke_dwell"
	GyroEnergy        Feature = "gyro_energy"
	AccelEnergy       Feature = "accel_energy"
	// GeoDisplacement is derived by the aggregator from consecutive locations.
	GeoDisplacement Feature = "geo_displacement"
)

// Features lists every canonical feature in a fixed order. Iterating in this
// order keeps scoring deterministic.
var Features = []Feature{
	SwipeVelocity,
	TapPressure,
	KeystrokeInterval,
	KeystrokeDwell,
	GyroEnergy,
	AccelEnergy,
	GeoDisplacement,
}

// IsKnown reports whether f is a canonical feature.
func (f Feature) IsKnown() bool {
	for _, known := range Features {
		if f == known {
			return true
		}
	}
	return false
}

// BehaviorSample is one raw telemetry event for a session.
type BehaviorSample struct {
	SessionID string          `json:"session_id" validate:"required,max=128"`
	DeviceID  string          `json:"device_id" validate:"required,max=128"`
	Timestamp time.Time       `json:"timestamp" validate:"required"`
	Type      SampleType      `json:"type" validate:"required,sampletype"`
	Payload   json.RawMessage `json:"payload" validate:"required"`
}

// TouchPayload carries a gesture reading. At least one field must be set.
type TouchPayload struct {
	// Velocity in px/ms.
	Velocity *float64 `json:"velocity" validate:"omitempty,finite"`
	// Pressure is normalized to [0,1]; out of range values are clamped.
	Pressure *float64 `json:"pressure" validate:"omitempty,finite"`
}

// KeystrokePayload carries typing cadence. At least one field must be set.
type KeystrokePayload struct {
	IntervalMs *float64 `json:"interval_ms" validate:"omitempty,finite"`
	DwellMs    *float64 `json:"dwell_ms" validate:"omitempty,finite"`
}

// Vec3 is a three-axis sensor reading.
type Vec3 struct {
	X float64 `json:"x" validate:"finite"`
	Y float64 `json:"y" validate:"finite"`
	Z float64 `json:"z" validate:"finite"`
}

// Energy returns x²+y²+z².
func (v Vec3) Energy() float64 {
	return v.X*v.X + v.Y*v.Y + v.Z*v.Z
}

// MotionPayload carries gyroscope (rad/s) and accelerometer (m/s²) readings.
// At least one must be set.
type MotionPayload struct {
	Gyro  *Vec3 `json:"gyro" validate:"omitempty"`
	Accel *Vec3 `json:"accel" validate:"omitempty"`
}

// LocationPayload carries a coarse location fix.
type LocationPayload struct {
	Latitude  *float64 `json:"latitude" validate:"required,finite,gte=-90,lte=90"`
	Longitude *float64 `json:"longitude" validate:"required,finite,gte=-180,lte=180"`
	AccuracyM float64  `json:"accuracy_m" validate:"finite,gte=0"`
}

// GeoPoint is a latitude/longitude pair in degrees.
type GeoPoint struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// FeatureVector is a normalized sample.
type FeatureVector struct {
	SessionID string
	DeviceID  string
	// Seq is monotonic per session in acceptance order.
	Seq       uint64
	Timestamp time.Time
	Type      SampleType
	Values    map[Feature]float64
	// Location is set for location samples only.
	Location *GeoPoint
}

// valueRange is the accepted closed interval for a feature.
type valueRange struct {
	min, max float64
}

// featureRanges bounds raw feature values. Values outside are rejected;
// tap pressure is clamped instead and is therefore absent here.
var featureRanges = map[Feature]valueRange{
	SwipeVelocity:     {0, 50},
	KeystrokeInterval: {0, 5000},
	KeystrokeDwell:    {0, 2000},
	GyroEnergy:        {0, 1000},
	AccelEnergy:       {0, 10000},
}
