// Vigil - Continuous Behavioral Authentication
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/vigil

// Package session implements the session state machine that turns trust
// scores and anomalies into access decisions.
//
// Sessions start Trusted after primary authentication and end Terminated.
// Every change of state goes through Machine.Apply, which checks it against
// the transition table; an illegal attempt fails safe into Monitoring (a
// Blocked session stays Blocked) and is never allowed to open access.
package session

import (
	"errors"
	"fmt"

	"github.com/tomtom215/vigil/internal/anomaly"
)

// State is the closed set of session states.
type State string

const (
	StateTrusted    State = "trusted"
	StateMonitoring State = "monitoring"
	StateChallenged State = "challenged"
	StateBlocked    State = "blocked"
	StateTerminated State = "terminated"
)

// States lists every state.
var States = []State{StateTrusted, StateMonitoring, StateChallenged, StateBlocked, StateTerminated}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	switch s {
	case StateTrusted, StateMonitoring, StateChallenged, StateBlocked, StateTerminated:
		return true
	}
	return false
}

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool {
	return s == StateTerminated
}

// Action returns the access action for a session in state s.
func (s State) Action() anomaly.Action {
	switch s {
	case StateTrusted:
		return anomaly.ActionAllow
	case StateMonitoring:
		return anomaly.ActionMonitor
	case StateChallenged:
		return anomaly.ActionChallenge
	case StateBlocked:
		return anomaly.ActionBlock
	default:
		return anomaly.ActionDeny
	}
}

// validTransitions is the complete transition table. Anything not listed
// is illegal.
var validTransitions = map[State][]State{
	StateTrusted:    {StateMonitoring, StateChallenged, StateBlocked, StateTerminated},
	StateMonitoring: {StateTrusted, StateChallenged, StateBlocked, StateTerminated},
	StateChallenged: {StateTrusted, StateBlocked, StateTerminated},
	StateBlocked:    {StateTerminated},
	StateTerminated: {},
}

// CanTransition reports whether from → to is in the table.
func CanTransition(from, to State) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Trigger names what caused a transition.
type Trigger string

const (
	TriggerScore               Trigger = "score"
	TriggerAnomaly             Trigger = "anomaly"
	TriggerRecovered           Trigger = "recovered"
	TriggerVerificationSuccess Trigger = "verification_success"
	TriggerVerificationFailure Trigger = "verification_failure"
	TriggerLogout              Trigger = "logout"
	TriggerIdleTimeout         Trigger = "idle_timeout"
	TriggerAdminRelease        Trigger = "admin_release"
	TriggerBlockTimeout        Trigger = "block_timeout"
	TriggerFailSafe            Trigger = "fail_safe"
)

// ErrInvalidTransition matches every *InvalidTransitionError.
var ErrInvalidTransition = errors.New("invalid session transition")

// InvalidTransitionError is an attempted transition outside the table.
type InvalidTransitionError struct {
	SessionID string
	From      State
	To        State
	Trigger   Trigger
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("session %s: invalid transition %s -> %s (trigger %s)", e.SessionID, e.From, e.To, e.Trigger)
}

// Is reports whether target is ErrInvalidTransition.
func (e *InvalidTransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}
