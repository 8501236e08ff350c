// Vigil - Continuous Behavioral Authentication
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/vigil

package session

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/tomtom215/vigil/internal/anomaly"
	"github.com/tomtom215/vigil/internal/logging"
	"github.com/tomtom215/vigil/internal/metrics"
)

// Config holds state machine thresholds and timeouts.
type Config struct {
	// TMonitor is the score below which a Trusted session is monitored and
	// at or above which a session can recover.
	TMonitor int
	// TChallenge is the score below which step-up verification is required.
	TChallenge int
	// HealthyCycles is K, the number of consecutive healthy cycles needed to
	// restore trust from Monitoring.
	HealthyCycles int
	IdleTimeout   time.Duration
	BlockTimeout  time.Duration
	// VerificationTimeout bounds how long a challenge may stay unanswered.
	VerificationTimeout time.Duration
}

// DefaultConfig returns the default thresholds.
func DefaultConfig() Config {
	return Config{
		TMonitor:            70,
		TChallenge:          40,
		HealthyCycles:       5,
		IdleTimeout:         15 * time.Minute,
		BlockTimeout:        30 * time.Minute,
		VerificationTimeout: 2 * time.Minute,
	}
}

// Input is everything Decide looks at besides the current state.
type Input struct {
	Score int
	// ColdStart cycles never drive score-based transitions.
	ColdStart bool
	// Anomalies summarizes the unresolved anomalies after this cycle.
	Anomalies     anomaly.Summary
	Verification  Verification
	HealthyStreak int
}

// Decision is the outcome of Decide.
type Decision struct {
	From    State          `json:"from"`
	To      State          `json:"to"`
	Trigger Trigger        `json:"trigger,omitempty"`
	Action  anomaly.Action `json:"action"`
	Reason  string         `json:"reason,omitempty"`
}

// Changed reports whether the decision moves the session.
func (d Decision) Changed() bool {
	return d.From != d.To
}

// Transition is a committed state change.
type Transition struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	UserID    string    `json:"user_id"`
	From      State     `json:"from"`
	To        State     `json:"to"`
	Trigger   Trigger   `json:"trigger"`
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Machine evaluates and commits session transitions.
type Machine struct {
	cfg   Config
	newID func() string
}

// NewMachine creates a Machine.
func NewMachine(cfg Config) *Machine {
	return &Machine{cfg: cfg, newID: uuid.NewString}
}

// Config returns the machine's thresholds.
func (m *Machine) Config() Config {
	return m.cfg
}

// Decide computes the next state from the current state and in. It is pure
// and deterministic.
func (m *Machine) Decide(from State, in Input) Decision {
	to, trigger, reason := m.next(from, in)
	return Decision{From: from, To: to, Trigger: trigger, Action: to.Action(), Reason: reason}
}

func (m *Machine) next(from State, in Input) (State, Trigger, string) {
	sev := in.Anomalies.MaxSeverity
	scored := !in.ColdStart

	switch from {
	case StateTrusted:
		switch {
		case sev >= anomaly.SeverityCritical:
			return StateBlocked, TriggerAnomaly, "critical anomaly"
		case sev >= anomaly.SeverityHigh:
			return StateChallenged, TriggerAnomaly, "high severity anomaly"
		case scored && in.Score < m.cfg.TChallenge:
			return StateChallenged, TriggerScore, fmt.Sprintf("trust score %d below %d", in.Score, m.cfg.TChallenge)
		case sev >= anomaly.SeverityLow:
			return StateMonitoring, TriggerAnomaly, fmt.Sprintf("%s anomaly", sev)
		case scored && in.Score < m.cfg.TMonitor:
			return StateMonitoring, TriggerScore, fmt.Sprintf("trust score %d below %d", in.Score, m.cfg.TMonitor)
		}

	case StateMonitoring:
		switch {
		case sev >= anomaly.SeverityCritical:
			return StateBlocked, TriggerAnomaly, "critical anomaly"
		case sev >= anomaly.SeverityHigh:
			return StateChallenged, TriggerAnomaly, "high severity anomaly"
		case scored && in.Score < m.cfg.TChallenge:
			return StateChallenged, TriggerScore, fmt.Sprintf("trust score %d below %d", in.Score, m.cfg.TChallenge)
		case scored && in.Anomalies.Open == 0 &&
			in.Score >= m.cfg.TMonitor && in.HealthyStreak >= m.cfg.HealthyCycles:
			return StateTrusted, TriggerRecovered, fmt.Sprintf("%d healthy cycles", in.HealthyStreak)
		}

	case StateChallenged:
		switch {
		case in.Verification == VerificationFailed:
			return StateBlocked, TriggerVerificationFailure, "step-up verification failed"
		case sev >= anomaly.SeverityCritical:
			return StateBlocked, TriggerAnomaly, "critical anomaly"
		case in.Verification == VerificationSucceeded && (in.ColdStart || in.Score >= m.cfg.TMonitor):
			return StateTrusted, TriggerVerificationSuccess, "step-up verification succeeded"
		}
	}

	return from, "", ""
}

// Apply commits from → to on c. A transition outside the table returns an
// *InvalidTransitionError and forces c into Monitoring instead, unless c is
// Blocked or Terminated, which are kept. The returned Transition is nil when
// nothing changed.
func (m *Machine) Apply(ctx context.Context, c *Context, to State, trigger Trigger, reason string, now time.Time) (*Transition, error) {
	from := c.State
	if from == to {
		return nil, nil
	}

	if !CanTransition(from, to) {
		err := &InvalidTransitionError{SessionID: c.SessionID, From: from, To: to, Trigger: trigger}
		metrics.InvalidTransitions.Inc()
		logging.Ctx(ctx).Warn().Err(err).
			Str("from", string(from)).
			Str("to", string(to)).
			Msg("illegal session transition, failing safe")

		if from == StateBlocked || from == StateTerminated || from == StateMonitoring {
			return nil, err
		}
		return m.commit(c, StateMonitoring, TriggerFailSafe, fmt.Sprintf("rejected %s -> %s", from, to), now), err
	}

	return m.commit(c, to, trigger, reason, now), nil
}

// commit performs a transition that is known to be legal or is the
// fail-safe into Monitoring.
func (m *Machine) commit(c *Context, to State, trigger Trigger, reason string, now time.Time) *Transition {
	from := c.State
	c.State = to
	c.Transitions++

	if from == StateChallenged {
		c.VerificationRequired = false
		c.Verification = VerificationNone
		c.ChallengedAt = time.Time{}
	}

	switch to {
	case StateTrusted:
		c.HealthyStreak = 0
	case StateMonitoring:
		c.HealthyStreak = 0
	case StateChallenged:
		c.VerificationRequired = true
		c.Verification = VerificationNone
		c.ChallengedAt = now
	case StateBlocked:
		c.BlockedAt = now
	}

	metrics.RecordTransition(string(from), string(to))

	return &Transition{
		ID:        m.newID(),
		SessionID: c.SessionID,
		UserID:    c.UserID,
		From:      from,
		To:        to,
		Trigger:   trigger,
		Reason:    reason,
		Timestamp: now,
	}
}

// Expiry returns the trigger that ends c at now, if any: an idle timeout
// for any non-terminal session, the block timeout for a Blocked one, or
// (reported as a verification failure) an unanswered challenge.
func (m *Machine) Expiry(c *Context, now time.Time) (State, Trigger, bool) {
	switch c.State {
	case StateTerminated:
		return c.State, "", false
	case StateBlocked:
		if m.cfg.BlockTimeout > 0 && now.Sub(c.BlockedAt) >= m.cfg.BlockTimeout {
			return StateTerminated, TriggerBlockTimeout, true
		}
	case StateChallenged:
		if c.Verification == VerificationNone && m.cfg.VerificationTimeout > 0 &&
			!c.ChallengedAt.IsZero() && now.Sub(c.ChallengedAt) >= m.cfg.VerificationTimeout {
			return StateBlocked, TriggerVerificationFailure, true
		}
	}

	if m.cfg.IdleTimeout > 0 && now.Sub(c.LastActivity) > m.cfg.IdleTimeout {
		return StateTerminated, TriggerIdleTimeout, true
	}
	return c.State, "", false
}
