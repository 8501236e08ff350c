// Vigil - Continuous Behavioral Authentication
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/vigil

package dispatch

import (
	"context"
	"errors"
	"sync"

	"github.com/tomtom215/vigil/internal/anomaly"
	"github.com/tomtom215/vigil/internal/audit"
	"github.com/tomtom215/vigil/internal/logging"
	"github.com/tomtom215/vigil/internal/metrics"
	"github.com/tomtom215/vigil/internal/session"
)

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithDecisionSink sets the authorization gate.
func WithDecisionSink(s DecisionSink) Option {
	return func(d *Dispatcher) { d.sink = s }
}

// WithVerifier sets the step-up verification service.
func WithVerifier(v Verifier, challengeType string) Option {
	return func(d *Dispatcher) {
		d.verifier = v
		d.challengeType = challengeType
	}
}

// WithAuditor sets the audit trail.
func WithAuditor(a Auditor) Option {
	return func(d *Dispatcher) { d.auditor = a }
}

// WithNotifiers adds notifiers.
func WithNotifiers(n ...Notifier) Option {
	return func(d *Dispatcher) { d.notifiers = append(d.notifiers, n...) }
}

// Dispatcher runs the effects of evaluations exactly once per ledger key.
//
// The decision and audit effects run synchronously inside Dispatch.
// Verification and notification involve remote calls and run on background
// goroutines; Wait blocks until they finish.
type Dispatcher struct {
	ledger        Ledger
	sink          DecisionSink
	verifier      Verifier
	challengeType string
	auditor       Auditor
	notifiers     []Notifier

	mu             sync.RWMutex
	onVerification VerificationHandler
	onUnavailable  UnavailableHandler

	wg sync.WaitGroup
}

// New creates a Dispatcher. A nil ledger uses a MemoryLedger with defaults.
func New(ledger Ledger, opts ...Option) *Dispatcher {
	if ledger == nil {
		ledger = NewMemoryLedger(0, 0)
	}
	d := &Dispatcher{ledger: ledger}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// SetVerificationHandler sets the callback that receives verification
// outcomes.
func (d *Dispatcher) SetVerificationHandler(h VerificationHandler) {
	d.mu.Lock()
	d.onVerification = h
	d.mu.Unlock()
}

// SetUnavailableHandler sets the callback told about challenges the
// verification service did not accept.
func (d *Dispatcher) SetUnavailableHandler(h UnavailableHandler) {
	d.mu.Lock()
	d.onUnavailable = h
	d.mu.Unlock()
}

// Dispatch runs every effect of ev that has not run before and records
// failed collaborators in ev.Degraded.
func (d *Dispatcher) Dispatch(ctx context.Context, ev *Evaluation) {
	for i := range ev.Anomalies {
		a := &ev.Anomalies[i]
		d.runAudit(ctx, ev, AnomalyKey(a.ID, EffectAudit), func(au Auditor) error {
			return au.LogAnomaly(a, ev.TrustScore, ev.Rationale)
		})
		if anomaly.PolicyFor(a.Severity).Notify {
			d.notify(ctx, ev, AnomalyKey(a.ID, EffectNotify), &Notification{
				Kind:        "anomaly",
				SessionID:   a.SessionID,
				UserID:      a.UserID,
				Severity:    a.Severity.String(),
				Action:      a.ActionTaken,
				Description: a.Description,
				Anomaly:     a,
				Timestamp:   a.Timestamp,
			})
		}
	}

	for i := range ev.Resolved {
		a := &ev.Resolved[i]
		d.runAudit(ctx, ev, AnomalyKey(a.ID, EffectResolved), func(au Auditor) error {
			return au.LogAnomalyResolved(a, audit.SystemActor(), "resolved")
		})
	}

	if t := ev.Transition; t != nil {
		d.runAudit(ctx, ev, TransitionKey(t.ID, EffectAudit), func(au Auditor) error {
			return au.LogTransition(t, ev.TrustScore, ev.Rationale)
		})
		switch t.To {
		case session.StateChallenged:
			d.challenge(ctx, ev, t)
		case session.StateBlocked:
			d.notify(ctx, ev, TransitionKey(t.ID, EffectNotify), &Notification{
				Kind:        "transition",
				SessionID:   t.SessionID,
				UserID:      t.UserID,
				Severity:    anomaly.SeverityCritical.String(),
				Action:      t.To.Action(),
				Description: "session blocked: " + t.Reason,
				Transition:  t,
				Timestamp:   t.Timestamp,
			})
		}
	}

	// The decision goes last so the gate sees Degraded from the other
	// effects.
	if d.sink != nil {
		key := EvaluationKey(ev.ID, EffectDecision)
		d.run(ctx, ev, key, EffectDecision, ServiceDecisionSink, func() error {
			return d.sink.Publish(ctx, ev)
		})
	}
}

// claim takes key. It reports whether the effect should run. A ledger error
// marks the ledger degraded and lets the effect run.
func (d *Dispatcher) claim(ctx context.Context, ev *Evaluation, key string, effect Effect) bool {
	ok, err := d.ledger.Claim(ctx, key)
	if err != nil {
		logging.Ctx(ctx).Warn().Err(err).Str("key", key).Msg("ledger claim failed, running effect without deduplication")
		metrics.SetServiceDegraded(ServiceLedger, true)
		ev.AddDegraded(ServiceLedger)
		return true
	}
	if !ok {
		metrics.RecordDispatch(string(effect), true, nil)
	}
	return ok
}

func (d *Dispatcher) release(ctx context.Context, key string) {
	if err := d.ledger.Release(ctx, key); err != nil {
		logging.Ctx(ctx).Warn().Err(err).Str("key", key).Msg("ledger release failed")
	}
}

// run executes a synchronous effect under key.
func (d *Dispatcher) run(ctx context.Context, ev *Evaluation, key string, effect Effect, service string, fn func() error) {
	if !d.claim(ctx, ev, key, effect) {
		return
	}
	err := fn()
	metrics.RecordDispatch(string(effect), false, err)
	if err != nil {
		d.release(ctx, key)
		ev.AddDegraded(service)
		metrics.SetServiceDegraded(service, true)
		logging.Ctx(ctx).Error().Err(err).Str("effect", string(effect)).Str("key", key).Msg("dispatch effect failed")
		return
	}
	metrics.SetServiceDegraded(service, false)
}

// runAudit writes one audit record under key. A record the auditor did not
// accept releases the claim so a replay writes it; a failing background
// writer only flags the evaluation, since the record itself was queued.
func (d *Dispatcher) runAudit(ctx context.Context, ev *Evaluation, key string, fn func(Auditor) error) {
	if d.auditor == nil {
		return
	}
	if !d.claim(ctx, ev, key, EffectAudit) {
		return
	}
	err := fn(d.auditor)
	metrics.RecordDispatch(string(EffectAudit), false, err)
	if err != nil {
		d.release(ctx, key)
		ev.AddDegraded(ServiceAudit)
		metrics.SetServiceDegraded(ServiceAudit, true)
		logging.Ctx(ctx).Error().Err(err).Str("key", key).Msg("audit record not accepted")
		return
	}
	if werr := d.auditor.WriteErr(); werr != nil {
		ev.AddDegraded(ServiceAudit)
		logging.Ctx(ctx).Warn().Err(werr).Str("key", key).Msg("audit writer failing")
	}
}

// notify sends n to every enabled notifier in the background.
func (d *Dispatcher) notify(ctx context.Context, ev *Evaluation, key string, n *Notification) {
	var enabled []Notifier
	for _, notifier := range d.notifiers {
		if notifier.Enabled() {
			enabled = append(enabled, notifier)
		}
	}
	if len(enabled) == 0 || !d.claim(ctx, ev, key, EffectNotify) {
		return
	}

	bg := context.WithoutCancel(ctx)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()

		var errs []error
		for _, notifier := range enabled {
			if err := notifier.Send(bg, n); err != nil {
				logging.Ctx(bg).Error().Err(err).Str("notifier", notifier.Name()).Msg("failed to send notification")
				errs = append(errs, err)
			}
		}
		err := errors.Join(errs...)
		metrics.RecordDispatch(string(EffectNotify), false, err)
		metrics.SetServiceDegraded(ServiceNotifier, err != nil)
		if err != nil {
			d.release(bg, key)
		}
	}()
}

// challenge starts step-up verification for a transition into Challenged.
func (d *Dispatcher) challenge(ctx context.Context, ev *Evaluation, t *session.Transition) {
	if d.verifier == nil {
		return
	}
	key := TransitionKey(t.ID, EffectVerification)
	if !d.claim(ctx, ev, key, EffectVerification) {
		return
	}

	ch := Challenge{
		SessionID:     t.SessionID,
		UserID:        t.UserID,
		ChallengeType: d.challengeType,
		TransitionID:  t.ID,
	}
	bg := context.WithoutCancel(ctx)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.verify(bg, key, ch)
	}()
}

func (d *Dispatcher) verify(ctx context.Context, key string, ch Challenge) {
	log := logging.Ctx(ctx).With().Str("session_id", ch.SessionID).Logger()

	res, err := d.verifier.Verify(ctx, ch)
	switch {
	case err == nil:
		outcome := "success"
		if !res.Success {
			outcome = "failure"
		}
		metrics.VerificationRequests.WithLabelValues(outcome).Inc()
		metrics.SetServiceDegraded(ServiceVerification, false)
	case errors.Is(err, ErrVerificationTimeout):
		// A timeout is a failed verification.
		metrics.VerificationRequests.WithLabelValues("timeout").Inc()
		log.Warn().Err(err).Msg("step-up verification timed out")
		res = VerificationResult{Success: false, Method: "timeout"}
	default:
		// The session stays Challenged; the verification timeout in the
		// sweep blocks it if no answer ever arrives.
		metrics.VerificationRequests.WithLabelValues("error").Inc()
		metrics.SetServiceDegraded(ServiceVerification, true)
		metrics.RecordDispatch(string(EffectVerification), false, err)
		log.Error().Err(err).Msg("step-up verification unavailable")
		d.release(ctx, key)
		d.mu.RLock()
		h := d.onUnavailable
		d.mu.RUnlock()
		if h != nil {
			h(ctx, ch.SessionID, err)
		}
		return
	}
	metrics.RecordDispatch(string(EffectVerification), false, nil)

	d.mu.RLock()
	h := d.onVerification
	d.mu.RUnlock()
	if h != nil {
		h(ctx, ch.SessionID, res)
	}
}

// Wait blocks until background verification and notification finish.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}
