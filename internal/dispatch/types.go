// Vigil - Continuous Behavioral Authentication
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/vigil

// Package dispatch delivers the effects of an evaluation: the decision to the
// authorization gate, step-up challenges to the verification service,
// records to the audit trail and alerts to notifiers.
//
// Every effect is claimed in a Ledger before it runs, so replaying an
// evaluation (after a crash, or on a second engine instance sharing a
// RedisLedger) never sends the same effect twice. A failed effect releases
// its claim.
package dispatch

import (
	"context"
	"errors"
	"time"

	"github.com/tomtom215/vigil/internal/anomaly"
	"github.com/tomtom215/vigil/internal/audit"
	"github.com/tomtom215/vigil/internal/scoring"
	"github.com/tomtom215/vigil/internal/session"
)

var (
	// ErrVerificationTimeout is returned when the verification service does
	// not answer in time. It counts as a failed verification.
	ErrVerificationTimeout = errors.New("verification timed out")

	// ErrServiceUnavailable wraps collaborator failures other than timeouts,
	// including an open circuit breaker.
	ErrServiceUnavailable = errors.New("service unavailable")
)

// Collaborator names used in Evaluation.Degraded and the degraded gauge.
const (
	ServiceDecisionSink = "decision_sink"
	ServiceVerification = "verification"
	ServiceNotifier     = "notifier"
	ServiceLedger       = "ledger"
	ServiceBaseline     = "baseline_store"
	ServiceAudit        = audit.ServiceName
)

// Evaluation is the output of one evaluation cycle for one session.
type Evaluation struct {
	ID         string             `json:"id"`
	SessionID  string             `json:"session_id"`
	UserID     string             `json:"user_id"`
	TrustScore int                `json:"trust_score"`
	Confidence scoring.Confidence `json:"confidence"`
	ColdStart  bool               `json:"cold_start"`
	State      session.State      `json:"state"`
	Action     anomaly.Action     `json:"action"`

	// Anomalies are the events raised in this cycle.
	Anomalies []anomaly.Event `json:"anomalies"`
	// Resolved are anomalies closed in this cycle.
	Resolved []anomaly.Event `json:"resolved,omitempty"`
	// Transition is set when the session changed state.
	Transition *session.Transition `json:"transition,omitempty"`
	// Rationale is the per-feature score breakdown.
	Rationale []audit.Rationale `json:"rationale,omitempty"`
	// Degraded lists collaborators that failed during the cycle.
	Degraded []string `json:"degraded,omitempty"`

	Timestamp time.Time `json:"timestamp"`
}

// AddDegraded records a failed collaborator once.
func (e *Evaluation) AddDegraded(service string) {
	for _, s := range e.Degraded {
		if s == service {
			return
		}
	}
	e.Degraded = append(e.Degraded, service)
}

// DecisionSink receives every evaluation; it is the authorization gate's
// view of the session.
type DecisionSink interface {
	Publish(ctx context.Context, ev *Evaluation) error
}

// SinkFunc adapts a function to DecisionSink.
type SinkFunc func(ctx context.Context, ev *Evaluation) error

// Publish implements DecisionSink.
func (f SinkFunc) Publish(ctx context.Context, ev *Evaluation) error {
	return f(ctx, ev)
}

// Challenge asks the verification service to step up a session.
type Challenge struct {
	SessionID     string `json:"session_id"`
	UserID        string `json:"user_id"`
	ChallengeType string `json:"challenge_type"`
	// TransitionID is the transition into Challenged that raised it.
	TransitionID string `json:"transition_id"`
}

// VerificationResult is the verification service's answer.
type VerificationResult struct {
	Success bool   `json:"success"`
	Method  string `json:"method"`
}

// Verifier performs step-up verification.
type Verifier interface {
	Verify(ctx context.Context, ch Challenge) (VerificationResult, error)
}

// VerificationHandler receives the outcome of an asynchronous verification.
type VerificationHandler func(ctx context.Context, sessionID string, result VerificationResult)

// UnavailableHandler is told when a challenge for sessionID could not reach
// the verification service.
type UnavailableHandler func(ctx context.Context, sessionID string, err error)

// Notification is an alert for operators.
type Notification struct {
	Kind        string              `json:"kind"` // "anomaly" or "transition"
	SessionID   string              `json:"session_id"`
	UserID      string              `json:"user_id"`
	Severity    string              `json:"severity"`
	Action      anomaly.Action      `json:"action"`
	Description string              `json:"description"`
	Anomaly     *anomaly.Event      `json:"anomaly,omitempty"`
	Transition  *session.Transition `json:"transition,omitempty"`
	Timestamp   time.Time           `json:"timestamp"`
}

// Notifier delivers notifications.
type Notifier interface {
	Send(ctx context.Context, n *Notification) error
	Name() string
	Enabled() bool
}

// Auditor is the part of the audit logger the dispatcher writes to. The Log
// methods return an error when the record was not accepted; WriteErr reports
// a failing background writer.
type Auditor interface {
	LogAnomaly(e *anomaly.Event, trustScore int, rationale []audit.Rationale) error
	LogAnomalyResolved(e *anomaly.Event, actor audit.Actor, cause string) error
	LogTransition(t *session.Transition, trustScore int, rationale []audit.Rationale) error
	WriteErr() error
}
