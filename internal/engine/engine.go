// Vigil - Continuous Behavioral Authentication
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/vigil

// Package engine owns the active sessions and drives the evaluation
// pipeline: normalize, aggregate, score, detect, decide and dispatch.
//
// Sessions are partitioned over shards by a hash of the session ID. Each
// shard evaluates its sessions on a fixed tick, draining the samples
// queued since the previous cycle. External inputs (verification results,
// logout, administrative release and the idle sweep) take the same
// per-session lock as the tick, so a session's state is always read,
// decided and committed atomically.
package engine

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tomtom215/vigil/internal/aggregator"
	"github.com/tomtom215/vigil/internal/anomaly"
	"github.com/tomtom215/vigil/internal/audit"
	"github.com/tomtom215/vigil/internal/baseline"
	"github.com/tomtom215/vigil/internal/dispatch"
	"github.com/tomtom215/vigil/internal/logging"
	"github.com/tomtom215/vigil/internal/metrics"
	"github.com/tomtom215/vigil/internal/scoring"
	"github.com/tomtom215/vigil/internal/session"
	"github.com/tomtom215/vigil/internal/telemetry"
)

// Evaluation is the output of one evaluation cycle.
type Evaluation = dispatch.Evaluation

// ReasonUnknownSession labels samples rejected because their session is
// not active.
const ReasonUnknownSession = "unknown_session"

// Auditor records session lifecycle events. *audit.Logger implements it.
type Auditor interface {
	LogSessionOpened(sessionID, userID, deviceID string) bool
	LogSessionClosed(sessionID, userID, reason string) bool
	LogVerification(sessionID, userID string, success bool, method string) bool
	LogAdminAction(actor audit.Actor, action, sessionID, userID, description string) bool
}

// IngestResult counts what happened to a batch of samples.
type IngestResult struct {
	Accepted int `json:"accepted"`
	Rejected int `json:"rejected"`
	// Dropped counts older queued samples discarded to make room.
	Dropped int `json:"dropped"`
}

// Option configures an Engine.
type Option func(*Engine)

// WithAuditor records session lifecycle events.
func WithAuditor(a Auditor) Option {
	return func(e *Engine) { e.auditor = a }
}

// WithClock replaces the time source of the engine and its pipeline.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithDetectorOptions passes options to the anomaly detector.
func WithDetectorOptions(opts ...anomaly.Option) Option {
	return func(e *Engine) { e.detectorOpts = append(e.detectorOpts, opts...) }
}

// Engine evaluates active sessions.
type Engine struct {
	cfg Config

	normalizer *telemetry.Normalizer
	agg        *aggregator.Aggregator
	detector   *anomaly.Detector
	machine    *session.Machine
	dispatcher *dispatch.Dispatcher
	auditor    Auditor

	detectorOpts []anomaly.Option
	now          func() time.Time
	newID        func() string

	shards []*shard

	usersMu sync.Mutex
	users   map[string]int // active sessions per user

	wg sync.WaitGroup
}

// New creates an Engine over the baseline store. A nil dispatcher uses one
// with an in-memory ledger and no collaborators. The dispatcher's
// verification results are fed back into the engine.
func New(cfg Config, store baseline.Store, d *dispatch.Dispatcher, opts ...Option) *Engine {
	if d == nil {
		d = dispatch.New(nil)
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultConfig().QueueSize
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = DefaultConfig().TickInterval
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultConfig().SweepInterval
	}

	e := &Engine{
		cfg:        cfg,
		dispatcher: d,
		now:        time.Now,
		newID:      uuid.NewString,
		shards:     newShards(cfg.Workers),
		users:      make(map[string]int),
	}
	for _, opt := range opts {
		opt(e)
	}

	e.normalizer = telemetry.NewNormalizer(cfg.Telemetry)
	e.normalizer.SetClock(e.now)
	e.agg = aggregator.New(cfg.Aggregator, store)
	e.agg.SetClock(e.now)
	e.detector = anomaly.NewDetector(cfg.Anomaly, e.detectorOpts...)
	e.machine = session.NewMachine(cfg.Session)

	d.SetVerificationHandler(e.onVerification)
	d.SetUnavailableHandler(e.onVerificationUnavailable)
	return e
}

// OpenSession registers a session after primary authentication. It starts
// Trusted.
func (e *Engine) OpenSession(ctx context.Context, sessionID, userID, deviceID string) (session.Context, error) {
	if sessionID == "" || userID == "" {
		return session.Context{}, fmt.Errorf("open session: %w: session and user IDs are required", ErrInvalidArgument)
	}

	now := e.now()
	en := &entry{
		sess:      session.NewContext(sessionID, userID, deviceID, now),
		window:    e.agg.NewWindow(),
		queue:     newSampleQueue(e.cfg.QueueSize),
		coldStart: true,
	}
	if !e.shardFor(sessionID).add(sessionID, en) {
		return session.Context{}, fmt.Errorf("open session %s: %w", sessionID, ErrSessionExists)
	}
	e.normalizer.Track(sessionID)

	e.usersMu.Lock()
	e.users[userID]++
	e.usersMu.Unlock()

	metrics.RecordSessionOpened(string(session.StateTrusted))
	if e.auditor != nil {
		e.auditor.LogSessionOpened(sessionID, userID, deviceID)
	}
	logging.Ctx(ctx).Info().
		Str("session_id", sessionID).
		Str("user_id", userID).
		Str("device_id", deviceID).
		Msg("session opened")

	return en.sess.Snapshot(), nil
}

// Ingest normalizes samples and queues them on their sessions. Invalid
// samples and samples for unknown sessions are dropped and counted; they
// never affect session state.
func (e *Engine) Ingest(ctx context.Context, samples []telemetry.BehaviorSample) IngestResult {
	var res IngestResult
	for i := range samples {
		s := &samples[i]
		sh := e.shardFor(s.SessionID)
		en := sh.get(s.SessionID)
		if en == nil {
			res.Rejected++
			metrics.SamplesRejected.WithLabelValues(ReasonUnknownSession).Inc()
			continue
		}
		e.enqueue(ctx, sh, en, s, &res)
	}
	return res
}

// enqueue normalizes s and queues it on en, the entry sh held for it.
func (e *Engine) enqueue(ctx context.Context, sh *shard, en *entry, s *telemetry.BehaviorSample, res *IngestResult) {
	v, err := e.normalizer.Normalize(*s)
	if err != nil {
		res.Rejected++
		reason := telemetry.ReasonSchema
		var invalid *telemetry.InvalidSampleError
		switch {
		case errors.Is(err, telemetry.ErrUntrackedSession):
			reason = ReasonUnknownSession
		case errors.As(err, &invalid):
			reason = invalid.Reason
		}
		metrics.SamplesRejected.WithLabelValues(reason).Inc()
		logging.Ctx(ctx).Debug().Err(err).Str("session_id", s.SessionID).Msg("sample rejected")
		return
	}

	dropped := en.queue.push(v)
	// terminate unregisters before it drains: a sample pushed while the
	// entry is still registered is evaluated or discarded with the session.
	if sh.get(s.SessionID) != en {
		res.Rejected++
		metrics.SamplesRejected.WithLabelValues(ReasonUnknownSession).Inc()
		return
	}
	if dropped {
		res.Dropped++
		metrics.SamplesDropped.Inc()
		logging.Ctx(ctx).Warn().
			Str("session_id", s.SessionID).
			Int("queue_size", e.cfg.QueueSize).
			Msg("DroppedSampleWarning: session queue full, dropped oldest sample")
	}
	res.Accepted++
	metrics.SamplesIngested.WithLabelValues(string(s.Type)).Inc()
	en.touch(e.now())
}

// Evaluate runs one evaluation cycle for a session now, draining whatever
// is queued. A returned *ServiceError accompanies a valid evaluation.
func (e *Engine) Evaluate(ctx context.Context, sessionID string) (*Evaluation, error) {
	en, err := e.lookup(sessionID)
	if err != nil {
		return nil, err
	}
	return e.runCycle(ctx, en)
}

// runCycle evaluates en under its lock and dispatches the result after
// releasing it.
func (e *Engine) runCycle(ctx context.Context, en *entry) (*Evaluation, error) {
	start := time.Now()

	en.mu.Lock()
	if !en.sess.Active() {
		en.mu.Unlock()
		return nil, fmt.Errorf("evaluate session %s: %w", en.sess.SessionID, ErrSessionTerminated)
	}
	en.syncActivity()
	ev, cause := e.cycle(ctx, en, en.queue.drain(), e.now())
	en.mu.Unlock()

	e.dispatcher.Dispatch(ctx, ev)
	metrics.RecordEvaluation(string(ev.Action), ev.TrustScore, ev.ColdStart, time.Since(start))
	return ev, degradedError(ev, cause)
}

// cycle is one pass of the pipeline over vectors. Callers hold en.mu. It
// returns the evaluation and the first collaborator error, if any.
func (e *Engine) cycle(ctx context.Context, en *entry, vectors []telemetry.FeatureVector, now time.Time) (*Evaluation, error) {
	c := en.sess
	key := baseline.Key{UserID: c.UserID, DeviceID: c.DeviceID}
	log := logging.Ctx(ctx).With().Str("session_id", c.SessionID).Logger()

	ev := &Evaluation{
		ID:        e.newID(),
		SessionID: c.SessionID,
		UserID:    c.UserID,
		Timestamp: now,
	}
	var cause error

	cyc, err := e.agg.Observe(ctx, key, en.window, vectors)
	if err != nil {
		cause = err
		ev.AddDegraded(dispatch.ServiceBaseline)
		log.Warn().Err(err).Msg("baseline store unavailable, scoring against cached baseline")
	}

	prevScore := scoring.ToScore(c.Trust)
	res, err := scoring.Score(c.Trust, cyc.Deviations, e.cfg.Scoring)
	coldStart := errors.Is(err, scoring.ErrColdStartInsufficientData)
	if err != nil && !coldStart {
		log.Error().Err(err).Msg("scoring failed, treating cycle as cold start")
		coldStart = true
	}
	delta := 0
	if !coldStart {
		delta = res.Score - prevScore
	}

	events := e.detector.Detect(anomaly.Input{
		SessionID:          c.SessionID,
		UserID:             c.UserID,
		SessionDeviceID:    c.DeviceID,
		Deviations:         cyc.Deviations,
		ColdStart:          coldStart,
		TrustDelta:         delta,
		Movement:           cyc.Movement,
		DeviceIDs:          cyc.DeviceIDs,
		ConcurrentSessions: e.activeSessions(c.UserID),
		Now:                now,
	})

	c.Trust = res.Trust
	c.TrustScore = res.Score
	en.coldStart = coldStart
	en.confidence = res.Confidence
	if loc, _, ok := en.window.LastLocation(); ok {
		c.LastLocation = &loc
	}

	// Cold cycles neither advance nor break the streak.
	switch {
	case len(events) > 0:
		c.HealthyStreak = 0
	case coldStart:
	case res.Score >= e.cfg.Session.TMonitor:
		c.HealthyStreak++
	default:
		c.HealthyStreak = 0
	}

	var resolved []anomaly.Event
	if c.HealthyStreak >= e.cfg.Session.HealthyCycles {
		resolved = c.ResolveUpTo(anomaly.SeverityMedium, now)
	}

	open := append(slices.Clone(c.OpenAnomalies), events...)
	dec := e.machine.Decide(c.State, session.Input{
		Score:         res.Score,
		ColdStart:     coldStart,
		Anomalies:     anomaly.Summarize(open),
		Verification:  c.Verification,
		HealthyStreak: c.HealthyStreak,
	})
	t := e.apply(ctx, c, dec, now)

	if t != nil || c.State != session.StateChallenged {
		// A new challenge gets a fresh attempt.
		en.verifyErr = nil
	}
	if en.verifyErr != nil {
		ev.AddDegraded(dispatch.ServiceVerification)
		if cause == nil {
			cause = fmt.Errorf("challenge pending: %w", en.verifyErr)
		}
	}

	action := c.State.Action()
	for i := range events {
		events[i].ActionTaken = action
	}
	// Conditions that are already open only refresh; raised holds the
	// events that are new this cycle.
	raised := c.AddAnomalies(events)
	for i := range raised {
		metrics.AnomaliesDetected.WithLabelValues(string(raised[i].Type), raised[i].Severity.String()).Inc()
	}
	if t != nil && t.Trigger == session.TriggerVerificationSuccess {
		resolved = append(resolved, c.ResolveAll(now)...)
	}

	upd, err := e.agg.Commit(ctx, key, aggregator.Guard{
		Trusted:         c.State == session.StateTrusted,
		BlockingAnomaly: c.BlockingAnomaly(),
	}, cyc.Vectors)
	if err != nil {
		if cause == nil {
			cause = err
		}
		ev.AddDegraded(dispatch.ServiceBaseline)
		log.Warn().Err(err).Msg("baseline update not persisted")
	}
	metrics.SetServiceDegraded(dispatch.ServiceBaseline, slices.Contains(ev.Degraded, dispatch.ServiceBaseline))

	ev.TrustScore = c.TrustScore
	ev.Confidence = res.Confidence
	ev.ColdStart = coldStart
	ev.State = c.State
	ev.Action = action
	ev.Anomalies = raised
	ev.Resolved = resolved
	ev.Transition = t
	ev.Rationale = audit.RationaleFrom(res.Contributions)
	if ev.Anomalies == nil {
		ev.Anomalies = []anomaly.Event{}
	}

	log.Debug().
		Int("vectors", len(vectors)).
		Int("score", ev.TrustScore).
		Str("confidence", string(ev.Confidence)).
		Int("anomalies", len(raised)).
		Str("state", string(ev.State)).
		Bool("baseline_applied", upd.Applied).
		Str("baseline_reason", upd.Reason).
		Msg("session evaluated")

	return ev, cause
}

// apply commits dec if it changes the state.
func (e *Engine) apply(ctx context.Context, c *session.Context, dec session.Decision, now time.Time) *session.Transition {
	if !dec.Changed() {
		return nil
	}
	t, err := e.machine.Apply(ctx, c, dec.To, dec.Trigger, dec.Reason, now)
	if err != nil {
		// Apply has already logged and counted it; a fail-safe move may
		// still have been committed.
		return t
	}
	logging.Ctx(ctx).Info().
		Str("session_id", c.SessionID).
		Str("from", string(t.From)).
		Str("to", string(t.To)).
		Str("trigger", string(t.Trigger)).
		Str("reason", t.Reason).
		Msg("session transition")
	return t
}

// ApplyVerification records a step-up verification result for a Challenged
// session and re-decides its state. A successful verification below
// T_monitor keeps the session Challenged until a later cycle scores high
// enough.
func (e *Engine) ApplyVerification(ctx context.Context, sessionID string, result dispatch.VerificationResult) (*Evaluation, error) {
	en, err := e.lookup(sessionID)
	if err != nil {
		return nil, err
	}

	en.mu.Lock()
	c := en.sess
	if !c.Active() {
		en.mu.Unlock()
		return nil, fmt.Errorf("verification for %s: %w", sessionID, ErrSessionTerminated)
	}
	if c.State != session.StateChallenged {
		state := c.State
		en.mu.Unlock()
		return nil, fmt.Errorf("verification for %s in state %s: %w", sessionID, state, ErrInvalidState)
	}

	now := e.now()
	en.verifyErr = nil
	if result.Success {
		c.Verification = session.VerificationSucceeded
	} else {
		c.Verification = session.VerificationFailed
	}
	if e.auditor != nil {
		e.auditor.LogVerification(c.SessionID, c.UserID, result.Success, result.Method)
	}

	dec := e.machine.Decide(c.State, session.Input{
		Score:         c.TrustScore,
		ColdStart:     en.coldStart,
		Anomalies:     c.Summary(),
		Verification:  c.Verification,
		HealthyStreak: c.HealthyStreak,
	})
	t := e.apply(ctx, c, dec, now)
	var resolved []anomaly.Event
	if t != nil && t.Trigger == session.TriggerVerificationSuccess {
		resolved = c.ResolveAll(now)
	}
	ev := e.snapshotEvaluation(en, now)
	ev.Transition = t
	ev.Resolved = resolved
	en.mu.Unlock()

	e.dispatcher.Dispatch(ctx, ev)
	return ev, degradedError(ev, nil)
}

// onVerification receives asynchronous verification outcomes from the
// dispatcher.
func (e *Engine) onVerification(ctx context.Context, sessionID string, result dispatch.VerificationResult) {
	if _, err := e.ApplyVerification(ctx, sessionID, result); err != nil && !errors.Is(err, ErrServiceDegraded) {
		logging.Ctx(ctx).Debug().Err(err).Str("session_id", sessionID).Msg("verification result not applied")
	}
}

// onVerificationUnavailable marks a Challenged session whose challenge did
// not reach the verification service. Its next evaluations report the
// verification service as degraded.
func (e *Engine) onVerificationUnavailable(ctx context.Context, sessionID string, err error) {
	en, lerr := e.lookup(sessionID)
	if lerr != nil {
		return
	}
	en.mu.Lock()
	if en.sess.Active() && en.sess.State == session.StateChallenged {
		en.verifyErr = err
	}
	en.mu.Unlock()
	logging.Ctx(ctx).Debug().Err(err).Str("session_id", sessionID).Msg("challenge pending without verification service")
}

// CloseSession terminates a session on explicit logout.
func (e *Engine) CloseSession(ctx context.Context, sessionID string) (*Evaluation, error) {
	en, err := e.lookup(sessionID)
	if err != nil {
		return nil, err
	}

	en.mu.Lock()
	if !en.sess.Active() {
		en.mu.Unlock()
		return nil, fmt.Errorf("close session %s: %w", sessionID, ErrSessionTerminated)
	}
	ev := e.terminate(ctx, en, session.TriggerLogout, "logout", e.now())
	en.mu.Unlock()

	e.dispatcher.Dispatch(ctx, ev)
	return ev, degradedError(ev, nil)
}

// AdminRelease ends a Blocked session on an operator's decision.
func (e *Engine) AdminRelease(ctx context.Context, sessionID, operator string) (*Evaluation, error) {
	en, err := e.lookup(sessionID)
	if err != nil {
		return nil, err
	}

	en.mu.Lock()
	c := en.sess
	if c.State != session.StateBlocked {
		state := c.State
		en.mu.Unlock()
		if state == session.StateTerminated {
			return nil, fmt.Errorf("release session %s: %w", sessionID, ErrSessionTerminated)
		}
		return nil, fmt.Errorf("release session %s in state %s: %w", sessionID, state, ErrInvalidState)
	}
	if e.auditor != nil {
		e.auditor.LogAdminAction(audit.OperatorActor(operator), "session.release", c.SessionID, c.UserID,
			"administrative release of blocked session")
	}
	ev := e.terminate(ctx, en, session.TriggerAdminRelease, "released by "+operator, e.now())
	en.mu.Unlock()

	e.dispatcher.Dispatch(ctx, ev)
	return ev, degradedError(ev, nil)
}

// ResolveAnomaly closes one open anomaly on an operator's decision. The
// session's state is re-decided on its next cycle.
func (e *Engine) ResolveAnomaly(ctx context.Context, sessionID, anomalyID, operator string) (*Evaluation, error) {
	en, err := e.lookup(sessionID)
	if err != nil {
		return nil, err
	}

	en.mu.Lock()
	c := en.sess
	if !c.Active() {
		en.mu.Unlock()
		return nil, fmt.Errorf("resolve anomaly on %s: %w", sessionID, ErrSessionTerminated)
	}
	now := e.now()
	resolved, ok := c.ResolveByID(anomalyID, now)
	if !ok {
		en.mu.Unlock()
		return nil, fmt.Errorf("resolve anomaly %s on %s: %w", anomalyID, sessionID, ErrAnomalyNotFound)
	}
	if e.auditor != nil {
		e.auditor.LogAdminAction(audit.OperatorActor(operator), "anomaly.resolve", c.SessionID, c.UserID,
			fmt.Sprintf("resolved %s anomaly %s", resolved.Severity, resolved.ID))
	}
	ev := e.snapshotEvaluation(en, now)
	ev.Resolved = []anomaly.Event{resolved}
	en.mu.Unlock()

	e.dispatcher.Dispatch(ctx, ev)
	return ev, degradedError(ev, nil)
}

// terminate moves en to Terminated and unregisters it. Callers hold en.mu
// and dispatch the returned evaluation.
func (e *Engine) terminate(ctx context.Context, en *entry, trigger session.Trigger, reason string, now time.Time) *Evaluation {
	c := en.sess
	t, err := e.machine.Apply(ctx, c, session.StateTerminated, trigger, reason, now)
	if err != nil {
		logging.Ctx(ctx).Error().Err(err).Str("session_id", c.SessionID).Msg("failed to terminate session")
	}

	// Forget, unregister, then drain: a reopened session keeps its fresh
	// cursor and Ingest sees the removal of any sample the drain misses.
	e.normalizer.Forget(c.SessionID)
	e.shardFor(c.SessionID).remove(c.SessionID, en)
	en.queue.drain()

	e.usersMu.Lock()
	if e.users[c.UserID] <= 1 {
		delete(e.users, c.UserID)
	} else {
		e.users[c.UserID]--
	}
	e.usersMu.Unlock()

	if e.auditor != nil {
		e.auditor.LogSessionClosed(c.SessionID, c.UserID, string(trigger))
	}
	logging.Ctx(ctx).Info().
		Str("session_id", c.SessionID).
		Str("user_id", c.UserID).
		Str("trigger", string(trigger)).
		Msg("session terminated")

	ev := e.snapshotEvaluation(en, now)
	ev.Transition = t
	return ev
}

// snapshotEvaluation reports en's current state without running the
// pipeline. Callers hold en.mu.
func (e *Engine) snapshotEvaluation(en *entry, now time.Time) *Evaluation {
	c := en.sess
	return &Evaluation{
		ID:         e.newID(),
		SessionID:  c.SessionID,
		UserID:     c.UserID,
		TrustScore: c.TrustScore,
		Confidence: en.confidence,
		ColdStart:  en.coldStart,
		State:      c.State,
		Action:     c.State.Action(),
		Anomalies:  []anomaly.Event{},
		Timestamp:  now,
	}
}

// Session returns a copy of a session's context.
func (e *Engine) Session(sessionID string) (session.Context, error) {
	en, err := e.lookup(sessionID)
	if err != nil {
		return session.Context{}, err
	}
	en.mu.Lock()
	defer en.mu.Unlock()
	en.syncActivity()
	return en.sess.Snapshot(), nil
}

// ActiveSessions returns the number of registered sessions.
func (e *Engine) ActiveSessions() int {
	n := 0
	for _, s := range e.shards {
		n += s.len()
	}
	return n
}

func (e *Engine) activeSessions(userID string) int {
	e.usersMu.Lock()
	defer e.usersMu.Unlock()
	return e.users[userID]
}

func (e *Engine) lookup(sessionID string) (*entry, error) {
	en := e.shardFor(sessionID).get(sessionID)
	if en == nil {
		return nil, fmt.Errorf("session %s: %w", sessionID, ErrSessionNotFound)
	}
	return en, nil
}

// Sweep ends idle sessions, expired blocks and unanswered challenges. It
// returns the number of sessions that changed state.
func (e *Engine) Sweep(ctx context.Context) int {
	var evs []*Evaluation
	for _, s := range e.shards {
		for _, en := range s.entries() {
			if ev := e.expire(ctx, en); ev != nil {
				evs = append(evs, ev)
			}
		}
	}
	for _, ev := range evs {
		e.dispatcher.Dispatch(ctx, ev)
	}
	if len(evs) > 0 {
		logging.Ctx(ctx).Info().Int("sessions", len(evs)).Msg("sweep expired sessions")
	}
	return len(evs)
}

func (e *Engine) expire(ctx context.Context, en *entry) *Evaluation {
	en.mu.Lock()
	defer en.mu.Unlock()

	c := en.sess
	if !c.Active() {
		return nil
	}
	en.syncActivity()

	now := e.now()
	to, trigger, ok := e.machine.Expiry(c, now)
	if !ok {
		return nil
	}
	if to == session.StateTerminated {
		return e.terminate(ctx, en, trigger, "expired: "+string(trigger), now)
	}

	t := e.apply(ctx, c, session.Decision{
		From:    c.State,
		To:      to,
		Trigger: trigger,
		Reason:  "step-up verification unanswered",
	}, now)
	ev := e.snapshotEvaluation(en, now)
	ev.Transition = t
	return ev
}

// Run evaluates every shard on its tick until ctx is done, then drains the
// remaining queues with one final cycle per session.
func (e *Engine) Run(ctx context.Context) error {
	logging.Ctx(ctx).Info().
		Int("shards", len(e.shards)).
		Dur("tick", e.cfg.TickInterval).
		Msg("engine started")

	for _, s := range e.shards {
		e.wg.Add(1)
		go func(s *shard) {
			defer e.wg.Done()
			e.runShard(ctx, s)
		}(s)
	}
	<-ctx.Done()
	e.wg.Wait()

	drained := e.Drain(context.WithoutCancel(ctx))
	logging.Ctx(ctx).Info().Int("sessions_drained", drained).Msg("engine stopped")
	return ctx.Err()
}

// RunSweeper runs Sweep every sweep interval until ctx is done.
func (e *Engine) RunSweeper(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			e.Sweep(ctx)
		}
	}
}

// Drain evaluates every session that has queued samples. It returns the
// number of sessions evaluated.
func (e *Engine) Drain(ctx context.Context) int {
	n := 0
	for _, s := range e.shards {
		n += e.tick(ctx, s)
	}
	return n
}

// Close waits for in-flight notifications and verifications and releases
// the baseline cache.
func (e *Engine) Close() {
	e.dispatcher.Wait()
	e.agg.Close()
}

// degradedError builds the error returned alongside an evaluation that
// completed with failed collaborators.
func degradedError(ev *Evaluation, cause error) error {
	if len(ev.Degraded) == 0 {
		return nil
	}
	if cause == nil {
		cause = fmt.Errorf("effects failed: %s", strings.Join(ev.Degraded, ", "))
	}
	return &ServiceError{Service: strings.Join(ev.Degraded, ","), Err: cause}
}

func isDegraded(err error) bool {
	return errors.Is(err, ErrServiceDegraded)
}
