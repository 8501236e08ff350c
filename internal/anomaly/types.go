// Vigil - Continuous Behavioral Authentication
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/vigil

// Package anomaly classifies a session's cycle into typed, severity-ranked
// anomaly events and maps severities to recommended actions.
//
// Severity is derived from confidence through configurable bands. Domain
// overrides may only raise severity (impossible travel is always critical),
// so for a fixed policy severity never decreases as confidence grows.
package anomaly

import (
	"fmt"
	"time"
)

// Type is the closed set of anomaly kinds.
type Type string

const (
	TypeBehavior Type = "behavior"
	TypeLocation Type = "location"
	TypeDevice   Type = "device"
	TypeSession  Type = "session"
	// TypeFraud is a composite of other anomaly types crossing a joint
	// confidence threshold.
	TypeFraud Type = "fraud"
)

// Severity is ordered: SeverityNone < Low < Medium < High < Critical.
type Severity int

const (
	SeverityNone Severity = iota
	SeverityLow
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

var severityNames = [...]string{"none", "low", "medium", "high", "critical"}

func (s Severity) String() string {
	if s < SeverityNone || s > SeverityCritical {
		return fmt.Sprintf("severity(%d)", int(s))
	}
	return severityNames[s]
}

// MarshalText encodes the severity by name.
func (s Severity) MarshalText() ([]byte, error) {
	if s < SeverityNone || s > SeverityCritical {
		return nil, fmt.Errorf("invalid severity %d", int(s))
	}
	return []byte(s.String()), nil
}

// UnmarshalText decodes a severity name.
func (s *Severity) UnmarshalText(text []byte) error {
	for i, name := range severityNames {
		if name == string(text) {
			*s = Severity(i)
			return nil
		}
	}
	return fmt.Errorf("unknown severity %q", text)
}

// Action is a recommended or decided access action, ordered by strictness.
type Action string

const (
	ActionAllow     Action = "allow"
	ActionMonitor   Action = "monitor"
	ActionChallenge Action = "challenge"
	ActionBlock     Action = "block"
	ActionDeny      Action = "deny"
)

// Rank orders actions from least to most restrictive.
func (a Action) Rank() int {
	switch a {
	case ActionAllow:
		return 0
	case ActionMonitor:
		return 1
	case ActionChallenge:
		return 2
	case ActionBlock:
		return 3
	case ActionDeny:
		return 4
	default:
		return -1
	}
}

// Event is a detected anomaly. Events are created by the Detector, mutated
// only by resolution and retained for audit.
type Event struct {
	ID          string    `json:"id"`
	SessionID   string    `json:"session_id"`
	UserID      string    `json:"user_id"`
	Type        Type      `json:"type"`
	Severity    Severity  `json:"severity"`
	Confidence  float64   `json:"confidence"`
	Description string    `json:"description"`
	Timestamp   time.Time `json:"timestamp"`
	// ActionTaken is the action decided for the cycle that raised the event.
	ActionTaken Action     `json:"action_taken,omitempty"`
	Resolved    bool       `json:"resolved"`
	ResolvedAt  *time.Time `json:"resolved_at,omitempty"`
	// Components lists the types a fraud event was composed from.
	Components []Type `json:"components,omitempty"`
}

// Resolve marks the event resolved at now. Resolving twice keeps the first
// resolution time.
func (e *Event) Resolve(now time.Time) {
	if e.Resolved {
		return
	}
	e.Resolved = true
	e.ResolvedAt = &now
}

// Bands are the lower confidence bounds of each severity on a 0-100 scale.
// Anything below Medium is low.
type Bands struct {
	Medium   float64
	High     float64
	Critical float64
}

// DefaultBands returns low <60, medium 60-79, high 80-94, critical ≥95.
func DefaultBands() Bands {
	return Bands{Medium: 60, High: 80, Critical: 95}
}

// Classify maps a confidence to its severity band.
func (b Bands) Classify(confidence float64) Severity {
	switch {
	case confidence >= b.Critical:
		return SeverityCritical
	case confidence >= b.High:
		return SeverityHigh
	case confidence >= b.Medium:
		return SeverityMedium
	default:
		return SeverityLow
	}
}
