// Vigil - Continuous Behavioral Authentication
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/vigil

package session

import (
	"math"
	"time"

	"github.com/tomtom215/vigil/internal/anomaly"
	"github.com/tomtom215/vigil/internal/scoring"
	"github.com/tomtom215/vigil/internal/telemetry"
)

// Verification is the outcome of step-up verification for the current
// challenge.
type Verification int

const (
	VerificationNone Verification = iota
	VerificationSucceeded
	VerificationFailed
)

func (v Verification) String() string {
	switch v {
	case VerificationSucceeded:
		return "succeeded"
	case VerificationFailed:
		return "failed"
	default:
		return "none"
	}
}

// Context is the live state of one session. It is owned by the engine and
// only read or mutated under that session's lock.
type Context struct {
	SessionID    string    `json:"session_id"`
	UserID       string    `json:"user_id"`
	DeviceID     string    `json:"device_id"`
	StartTime    time.Time `json:"start_time"`
	LastActivity time.Time `json:"last_activity"`
	State        State     `json:"state"`
	// TrustScore is the last reported score in [0,100].
	TrustScore    int             `json:"trust_score"`
	OpenAnomalies []anomaly.Event `json:"open_anomalies"`
	// VerificationRequired is set while the session is Challenged and no
	// successful verification has been recorded.
	VerificationRequired bool `json:"verification_required"`

	// Trust is the smoothed trust in [0,1] carried between cycles.
	Trust float64 `json:"trust"`
	// HealthyStreak counts consecutive scored cycles at or above T_monitor
	// with no new anomaly.
	HealthyStreak int `json:"healthy_streak"`
	// Verification holds the step-up result for the current challenge.
	Verification Verification `json:"verification"`
	ChallengedAt time.Time    `json:"challenged_at,omitempty"`
	BlockedAt    time.Time    `json:"blocked_at,omitempty"`
	// Transitions counts committed transitions.
	Transitions uint64 `json:"transitions"`
	// LastLocation mirrors the aggregator window's last fix for reporting.
	LastLocation *telemetry.GeoPoint `json:"last_location,omitempty"`
}

// NewContext creates a Trusted session at now.
func NewContext(sessionID, userID, deviceID string, now time.Time) *Context {
	return &Context{
		SessionID:     sessionID,
		UserID:        userID,
		DeviceID:      deviceID,
		StartTime:     now,
		LastActivity:  now,
		State:         StateTrusted,
		TrustScore:    scoring.ToScore(scoring.InitialTrust),
		Trust:         scoring.InitialTrust,
		OpenAnomalies: []anomaly.Event{},
	}
}

// Active reports whether the session has not terminated.
func (c *Context) Active() bool {
	return c.State != StateTerminated
}

// AddAnomalies opens the events that are new to the session and returns
// them. An event whose type is already open at the same or a higher severity
// refreshes that anomaly instead, so a persisting condition stays one open
// anomaly. A higher severity than any open one of its type is raised anew.
func (c *Context) AddAnomalies(events []anomaly.Event) []anomaly.Event {
	var raised []anomaly.Event
	for _, e := range events {
		if open := c.openCovering(e); open != nil {
			open.Timestamp = e.Timestamp
			open.Description = e.Description
			open.Confidence = math.Max(open.Confidence, e.Confidence)
			continue
		}
		c.OpenAnomalies = append(c.OpenAnomalies, e)
		raised = append(raised, e)
	}
	return raised
}

func (c *Context) openCovering(e anomaly.Event) *anomaly.Event {
	for i := range c.OpenAnomalies {
		open := &c.OpenAnomalies[i]
		if !open.Resolved && open.Type == e.Type && open.Severity >= e.Severity {
			return open
		}
	}
	return nil
}

// Summary combines the unresolved anomalies.
func (c *Context) Summary() anomaly.Summary {
	return anomaly.Summarize(c.OpenAnomalies)
}

// BlockingAnomaly reports whether any unresolved anomaly is medium or worse.
// Such an anomaly withholds baseline updates.
func (c *Context) BlockingAnomaly() bool {
	for i := range c.OpenAnomalies {
		e := &c.OpenAnomalies[i]
		if !e.Resolved && e.Severity >= anomaly.SeverityMedium {
			return true
		}
	}
	return false
}

// resolveWhere resolves the open anomalies matching match, drops them from
// OpenAnomalies and returns them.
func (c *Context) resolveWhere(now time.Time, match func(*anomaly.Event) bool) []anomaly.Event {
	var resolved []anomaly.Event
	remaining := c.OpenAnomalies[:0]
	for i := range c.OpenAnomalies {
		e := c.OpenAnomalies[i]
		if !e.Resolved && match(&e) {
			e.Resolve(now)
			resolved = append(resolved, e)
			continue
		}
		if !e.Resolved {
			remaining = append(remaining, e)
		}
	}
	c.OpenAnomalies = remaining
	return resolved
}

// ResolveUpTo resolves open anomalies with severity at most max and returns
// them.
func (c *Context) ResolveUpTo(max anomaly.Severity, now time.Time) []anomaly.Event {
	return c.resolveWhere(now, func(e *anomaly.Event) bool { return e.Severity <= max })
}

// ResolveAll resolves every open anomaly and returns them.
func (c *Context) ResolveAll(now time.Time) []anomaly.Event {
	return c.resolveWhere(now, func(*anomaly.Event) bool { return true })
}

// ResolveByID resolves one open anomaly. It reports whether it was found.
func (c *Context) ResolveByID(id string, now time.Time) (anomaly.Event, bool) {
	resolved := c.resolveWhere(now, func(e *anomaly.Event) bool { return e.ID == id })
	if len(resolved) == 0 {
		return anomaly.Event{}, false
	}
	return resolved[0], true
}

// Snapshot returns a deep copy safe to hand outside the session lock.
func (c *Context) Snapshot() Context {
	s := *c
	s.OpenAnomalies = make([]anomaly.Event, len(c.OpenAnomalies))
	copy(s.OpenAnomalies, c.OpenAnomalies)
	if c.LastLocation != nil {
		loc := *c.LastLocation
		s.LastLocation = &loc
	}
	return s
}
