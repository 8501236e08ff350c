// Vigil - Continuous Behavioral Authentication
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/vigil

package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/tomtom215/vigil/internal/anomaly"
	"github.com/tomtom215/vigil/internal/audit"
	"github.com/tomtom215/vigil/internal/baseline"
	"github.com/tomtom215/vigil/internal/dispatch"
	"github.com/tomtom215/vigil/internal/metrics"
	"github.com/tomtom215/vigil/internal/scoring"
	"github.com/tomtom215/vigil/internal/session"
	"github.com/tomtom215/vigil/internal/telemetry"
)

var t0 = time.Date(2026, 6, 15, 9, 30, 0, 0, time.UTC)

// fakeClock is a settable time source shared by the engine and the test.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recordingSink struct {
	mu  sync.Mutex
	evs []*Evaluation
}

func (s *recordingSink) Publish(_ context.Context, ev *Evaluation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evs = append(s.evs, ev)
	return nil
}

func (s *recordingSink) count(sessionID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, ev := range s.evs {
		if ev.SessionID == sessionID {
			n++
		}
	}
	return n
}

type recordingAuditor struct {
	mu      sync.Mutex
	opened  []string
	closed  map[string]string
	results []bool
	admin   []string
}

func newRecordingAuditor() *recordingAuditor {
	return &recordingAuditor{closed: make(map[string]string)}
}

func (a *recordingAuditor) LogSessionOpened(sessionID, _, _ string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.opened = append(a.opened, sessionID)
	return true
}

func (a *recordingAuditor) LogSessionClosed(sessionID, _, reason string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed[sessionID] = reason
	return true
}

func (a *recordingAuditor) LogVerification(_, _ string, success bool, _ string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.results = append(a.results, success)
	return true
}

func (a *recordingAuditor) LogAdminAction(actor audit.Actor, action, _, _, _ string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.admin = append(a.admin, actor.ID+":"+action)
	return true
}

type stubVerifier struct {
	result dispatch.VerificationResult
	err    error
	calls  atomic.Int32
}

func (v *stubVerifier) Verify(context.Context, dispatch.Challenge) (dispatch.VerificationResult, error) {
	v.calls.Add(1)
	return v.result, v.err
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []*dispatch.Notification
}

func (n *recordingNotifier) Send(_ context.Context, msg *dispatch.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, msg)
	return nil
}

func (n *recordingNotifier) Name() string  { return "recording" }
func (n *recordingNotifier) Enabled() bool { return true }

func (n *recordingNotifier) kinds() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, len(n.sent))
	for i, msg := range n.sent {
		out[i] = msg.Kind + ":" + string(msg.Action)
	}
	return out
}

// failingStore fails every baseline operation.
type failingStore struct{}

var errStoreDown = errors.New("store down")

func (failingStore) Load(context.Context, baseline.Key) (*baseline.UserBaseline, error) {
	return nil, errStoreDown
}
func (failingStore) Save(context.Context, *baseline.UserBaseline) error { return errStoreDown }
func (failingStore) Delete(context.Context, baseline.Key) error         { return errStoreDown }

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Workers = 2
	cfg.QueueSize = 64
	cfg.Aggregator.MinBaselineSamples = 10
	cfg.Session.HealthyCycles = 3
	return cfg
}

type testEngine struct {
	*Engine
	clock   *fakeClock
	store   baseline.Store
	sink    *recordingSink
	auditor *recordingAuditor
}

func newTestEngine(t *testing.T, cfg Config, store baseline.Store, opts ...dispatch.Option) *testEngine {
	t.Helper()
	if store == nil {
		store = baseline.NewMemoryStore()
	}
	clock := &fakeClock{now: t0}
	sink := &recordingSink{}
	auditor := newRecordingAuditor()

	opts = append([]dispatch.Option{dispatch.WithDecisionSink(sink)}, opts...)
	d := dispatch.New(dispatch.NewMemoryLedger(0, 0), opts...)
	e := New(cfg, store, d, WithClock(clock.Now), WithAuditor(auditor))
	t.Cleanup(e.Close)

	return &testEngine{Engine: e, clock: clock, store: store, sink: sink, auditor: auditor}
}

// profile is the seeded behavior of user "alice" on "phone": mean and
// spread per feature.
var profile = map[telemetry.Feature][2]float64{
	telemetry.SwipeVelocity:     {2.0, 0.5},
	telemetry.TapPressure:       {0.5, 0.05},
	telemetry.KeystrokeInterval: {180, 20},
	telemetry.KeystrokeDwell:    {90, 10},
}

func seedProfile(t *testing.T, store baseline.Store, userID, deviceID string, n int) {
	t.Helper()
	b := baseline.New(baseline.Key{UserID: userID, DeviceID: deviceID}, t0)
	for i := 0; i < n; i++ {
		values := make(map[telemetry.Feature]float64, len(profile))
		for f, p := range profile {
			if i%2 == 0 {
				values[f] = p[0] - p[1]
			} else {
				values[f] = p[0] + p[1]
			}
		}
		b.Apply(telemetry.FeatureVector{Values: values}, t0)
	}
	if err := store.Save(context.Background(), b); err != nil {
		t.Fatal(err)
	}
}

// valueAt returns the value of f that deviates z from the session's
// current baseline.
func (te *testEngine) valueAt(t *testing.T, sessionID string, f telemetry.Feature, z float64) float64 {
	t.Helper()
	sess, err := te.Session(sessionID)
	if err != nil {
		t.Fatal(err)
	}
	b, err := te.agg.Baseline(context.Background(), baseline.Key{UserID: sess.UserID, DeviceID: sess.DeviceID})
	if err != nil {
		t.Fatal(err)
	}
	s, ok := b.Stats(f)
	if !ok {
		return profile[f][0]
	}
	cfg := te.cfg.Aggregator
	denom := math.Max(math.Max(s.StdDev(), cfg.Epsilon), cfg.RelativeFloor*math.Abs(s.Mean))
	return s.Mean + z*denom
}

func sample(sessionID, deviceID string, typ telemetry.SampleType, at time.Time, payload string) telemetry.BehaviorSample {
	return telemetry.BehaviorSample{
		SessionID: sessionID,
		DeviceID:  deviceID,
		Timestamp: at,
		Type:      typ,
		Payload:   []byte(payload),
	}
}

// behaviorSamples returns one touch and one keystroke sample with each
// feature z standard deviations from the baseline.
func (te *testEngine) behaviorSamples(t *testing.T, sessionID string, z map[telemetry.Feature]float64) []telemetry.BehaviorSample {
	t.Helper()
	at := te.clock.Now()
	v := func(f telemetry.Feature) float64 { return te.valueAt(t, sessionID, f, z[f]) }
	return []telemetry.BehaviorSample{
		sample(sessionID, "phone", telemetry.SampleTouch, at,
			fmt.Sprintf(`{"velocity":%g,"pressure":%g}`, v(telemetry.SwipeVelocity), v(telemetry.TapPressure))),
		sample(sessionID, "phone", telemetry.SampleKeystroke, at,
			fmt.Sprintf(`{"interval_ms":%g,"dwell_ms":%g}`, v(telemetry.KeystrokeInterval), v(telemetry.KeystrokeDwell))),
	}
}

// step ingests samples, evaluates and advances the clock one tick.
func (te *testEngine) step(t *testing.T, sessionID string, samples ...telemetry.BehaviorSample) *Evaluation {
	t.Helper()
	if res := te.Ingest(context.Background(), samples); res.Rejected != 0 {
		t.Fatalf("Ingest rejected %d samples", res.Rejected)
	}
	ev, err := te.Evaluate(context.Background(), sessionID)
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	te.clock.Advance(te.cfg.TickInterval)
	return ev
}

func (te *testEngine) normalCycle(t *testing.T, sessionID string) *Evaluation {
	t.Helper()
	return te.step(t, sessionID, te.behaviorSamples(t, sessionID, nil)...)
}

func (te *testEngine) open(t *testing.T, sessionID string) {
	t.Helper()
	if _, err := te.OpenSession(context.Background(), sessionID, "alice", "phone"); err != nil {
		t.Fatalf("OpenSession() error = %v", err)
	}
}

func TestOpenSession(t *testing.T) {
	t.Parallel()

	te := newTestEngine(t, testConfig(), nil)
	ctx := context.Background()

	sess, err := te.OpenSession(ctx, "s1", "alice", "phone")
	if err != nil {
		t.Fatal(err)
	}
	if sess.State != session.StateTrusted || sess.TrustScore != 100 {
		t.Errorf("new session = %s/%d, want trusted/100", sess.State, sess.TrustScore)
	}

	if _, err := te.OpenSession(ctx, "s1", "bob", "laptop"); !errors.Is(err, ErrSessionExists) {
		t.Errorf("duplicate OpenSession() error = %v, want ErrSessionExists", err)
	}
	if _, err := te.OpenSession(ctx, "", "bob", "laptop"); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("empty ID error = %v, want ErrInvalidArgument", err)
	}
	if _, err := te.Evaluate(ctx, "missing"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("Evaluate(missing) error = %v, want ErrSessionNotFound", err)
	}
	if te.ActiveSessions() != 1 || len(te.auditor.opened) != 1 {
		t.Errorf("active = %d, audited opens = %d", te.ActiveSessions(), len(te.auditor.opened))
	}
}

func TestIngestRejects(t *testing.T) {
	t.Parallel()

	te := newTestEngine(t, testConfig(), nil)
	te.open(t, "s1")
	now := te.clock.Now()

	res := te.Ingest(context.Background(), []telemetry.BehaviorSample{
		sample("s1", "phone", telemetry.SampleTouch, now, `{"velocity":1.5}`),
		sample("ghost", "phone", telemetry.SampleTouch, now, `{"velocity":1.5}`),
		sample("s1", "phone", telemetry.SampleTouch, now, `{"velocity":-3}`),
		sample("s1", "phone", telemetry.SampleKeystroke, now, `not json`),
		sample("s1", "phone", telemetry.SampleMotion, now.Add(time.Hour), `{"gyro":{"x":1,"y":0,"z":0}}`),
	})
	if res.Accepted != 1 || res.Rejected != 4 || res.Dropped != 0 {
		t.Errorf("Ingest() = %+v, want 1 accepted, 4 rejected", res)
	}

	sess, _ := te.Session("s1")
	if sess.State != session.StateTrusted || len(sess.OpenAnomalies) != 0 {
		t.Errorf("rejected samples affected the session: %+v", sess)
	}
}

func TestIngestDropsOldest(t *testing.T) {
	cfg := testConfig()
	cfg.QueueSize = 3
	te := newTestEngine(t, cfg, nil)
	te.open(t, "s1")

	var batch []telemetry.BehaviorSample
	for i := 0; i < 5; i++ {
		batch = append(batch, sample("s1", "phone", telemetry.SampleTouch, te.clock.Now(),
			fmt.Sprintf(`{"velocity":%d}`, i+1)))
	}
	before := testutil.ToFloat64(metrics.SamplesDropped)
	res := te.Ingest(context.Background(), batch)
	if res.Accepted != 5 || res.Dropped != 2 {
		t.Fatalf("Ingest() = %+v, want 5 accepted, 2 dropped", res)
	}
	if got := testutil.ToFloat64(metrics.SamplesDropped) - before; got != 2 {
		t.Errorf("dropped counter delta = %v, want 2", got)
	}

	en := te.shardFor("s1").get("s1")
	vs := en.queue.drain()
	if len(vs) != 3 {
		t.Fatalf("queued = %d, want 3", len(vs))
	}
	// The newest samples survive.
	if vs[0].Values[telemetry.SwipeVelocity] != 3 || vs[2].Values[telemetry.SwipeVelocity] != 5 {
		t.Errorf("kept velocities %v..%v, want 3..5",
			vs[0].Values[telemetry.SwipeVelocity], vs[2].Values[telemetry.SwipeVelocity])
	}
}

func TestColdStartNeverBlocks(t *testing.T) {
	t.Parallel()

	// No enrolled baseline: every cycle is cold.
	te := newTestEngine(t, testConfig(), nil)
	te.open(t, "s1")

	for i := 0; i < 4; i++ {
		at := te.clock.Now()
		ev := te.step(t, "s1",
			sample("s1", "phone", telemetry.SampleTouch, at, fmt.Sprintf(`{"velocity":%d,"pressure":0.9}`, 10*(i+1))),
			sample("s1", "phone", telemetry.SampleKeystroke, at, fmt.Sprintf(`{"interval_ms":%d}`, 1000*(i+1))),
		)
		if !ev.ColdStart || ev.Confidence != scoring.ConfidenceColdStart {
			t.Fatalf("cycle %d: cold start = %v/%s", i, ev.ColdStart, ev.Confidence)
		}
		if ev.TrustScore != te.cfg.Scoring.NeutralScore {
			t.Errorf("cycle %d: score = %d, want neutral", i, ev.TrustScore)
		}
		if ev.State != session.StateTrusted || len(ev.Anomalies) != 0 {
			t.Errorf("cycle %d: state %s with %d anomalies", i, ev.State, len(ev.Anomalies))
		}
	}

	// Trusted cold cycles enroll the user.
	b, err := te.store.Load(context.Background(), baseline.Key{UserID: "alice", DeviceID: "phone"})
	if err != nil {
		t.Fatalf("baseline not enrolled: %v", err)
	}
	if b.Samples != 8 {
		t.Errorf("baseline samples = %d, want 8", b.Samples)
	}
}

func TestMediumAnomalyMovesToMonitoringAndRecovers(t *testing.T) {
	t.Parallel()

	te := newTestEngine(t, testConfig(), nil)
	seedProfile(t, te.store, "alice", "phone", 40)
	te.open(t, "s1")

	ev := te.normalCycle(t, "s1")
	if ev.ColdStart || ev.State != session.StateTrusted || ev.TrustScore != 100 {
		t.Fatalf("normal cycle = cold %v, %s/%d", ev.ColdStart, ev.State, ev.TrustScore)
	}

	ev = te.step(t, "s1", te.behaviorSamples(t, "s1", map[telemetry.Feature]float64{
		telemetry.SwipeVelocity: 3.5,
	})...)
	if len(ev.Anomalies) != 1 || ev.Anomalies[0].Type != anomaly.TypeBehavior ||
		ev.Anomalies[0].Severity != anomaly.SeverityMedium {
		t.Fatalf("anomalies = %+v, want one medium behavior anomaly", ev.Anomalies)
	}
	if ev.State != session.StateMonitoring || ev.Action != anomaly.ActionMonitor {
		t.Errorf("state/action = %s/%s, want monitoring/monitor", ev.State, ev.Action)
	}
	if ev.Transition == nil || ev.Transition.From != session.StateTrusted {
		t.Errorf("transition = %+v", ev.Transition)
	}
	if ev.Anomalies[0].ActionTaken != anomaly.ActionMonitor {
		t.Errorf("ActionTaken = %s", ev.Anomalies[0].ActionTaken)
	}

	// K healthy cycles resolve the medium anomaly and restore trust.
	for i := 1; i <= te.cfg.Session.HealthyCycles; i++ {
		ev = te.normalCycle(t, "s1")
		if i < te.cfg.Session.HealthyCycles && ev.State != session.StateMonitoring {
			t.Fatalf("healthy cycle %d: state = %s, want monitoring", i, ev.State)
		}
	}
	if ev.State != session.StateTrusted || ev.Action != anomaly.ActionAllow {
		t.Errorf("after recovery state/action = %s/%s", ev.State, ev.Action)
	}
	if len(ev.Resolved) != 1 || !ev.Resolved[0].Resolved {
		t.Errorf("resolved = %+v, want the medium anomaly", ev.Resolved)
	}
}

func TestImpossibleTravelBlocks(t *testing.T) {
	t.Parallel()

	notifier := &recordingNotifier{}
	te := newTestEngine(t, testConfig(), nil, dispatch.WithNotifiers(notifier))
	seedProfile(t, te.store, "alice", "phone", 40)
	te.open(t, "s1")

	nyc := sample("s1", "phone", telemetry.SampleLocation, te.clock.Now(), `{"latitude":40.7128,"longitude":-74.0060}`)
	te.step(t, "s1", append(te.behaviorSamples(t, "s1", nil), nyc)...)

	london := sample("s1", "phone", telemetry.SampleLocation, te.clock.Now(), `{"latitude":51.5074,"longitude":-0.1278}`)
	ev := te.step(t, "s1", append(te.behaviorSamples(t, "s1", nil), london)...)

	if len(ev.Anomalies) != 1 || ev.Anomalies[0].Type != anomaly.TypeLocation ||
		ev.Anomalies[0].Severity != anomaly.SeverityCritical {
		t.Fatalf("anomalies = %+v, want one critical location anomaly", ev.Anomalies)
	}
	if ev.State != session.StateBlocked || ev.Action != anomaly.ActionBlock {
		t.Errorf("state/action = %s/%s, want blocked/block", ev.State, ev.Action)
	}

	te.dispatcher.Wait()
	kinds := notifier.kinds()
	if len(kinds) != 2 {
		t.Errorf("notifications = %v, want anomaly and transition", kinds)
	}

	// Blocked is sticky until release.
	ev = te.normalCycle(t, "s1")
	if ev.State != session.StateBlocked {
		t.Errorf("blocked session moved to %s", ev.State)
	}
}

func TestPersistingDeviceMismatchRaisesOneAnomaly(t *testing.T) {
	t.Parallel()

	notifier := &recordingNotifier{}
	te := newTestEngine(t, testConfig(), nil, dispatch.WithNotifiers(notifier))
	seedProfile(t, te.store, "alice", "phone", 40)
	te.open(t, "s1")

	raised := 0
	var last *Evaluation
	for i := 0; i < 30; i++ {
		samples := te.behaviorSamples(t, "s1", nil)
		for j := range samples {
			samples[j].DeviceID = "laptop"
		}
		last = te.step(t, "s1", samples...)
		raised += len(last.Anomalies)
	}
	te.dispatcher.Wait()

	if raised != 1 {
		t.Errorf("anomalies raised over 30 cycles = %d, want 1", raised)
	}
	if last.State != session.StateChallenged {
		t.Errorf("state = %s, want challenged while the foreign device persists", last.State)
	}
	sess, err := te.Session("s1")
	if err != nil {
		t.Fatal(err)
	}
	if len(sess.OpenAnomalies) != 1 || sess.OpenAnomalies[0].Type != anomaly.TypeDevice {
		t.Errorf("open anomalies = %+v, want one device anomaly", sess.OpenAnomalies)
	}
	if !sess.OpenAnomalies[0].Timestamp.After(t0) {
		t.Error("open device anomaly was not refreshed by later cycles")
	}
	if kinds := notifier.kinds(); len(kinds) != 1 {
		t.Errorf("notifications = %v, want one for the device anomaly", kinds)
	}
}

func TestVerificationRestoresTrust(t *testing.T) {
	t.Parallel()

	verifier := &stubVerifier{result: dispatch.VerificationResult{Success: true, Method: "totp"}}
	te := newTestEngine(t, testConfig(), nil, dispatch.WithVerifier(verifier, "totp"))
	seedProfile(t, te.store, "alice", "phone", 40)
	te.open(t, "s1")

	te.normalCycle(t, "s1")
	ev := te.step(t, "s1", te.behaviorSamples(t, "s1", map[telemetry.Feature]float64{
		telemetry.SwipeVelocity: 5,
	})...)
	if ev.State != session.StateChallenged || ev.Action != anomaly.ActionChallenge {
		t.Fatalf("state/action = %s/%s, want challenged/challenge", ev.State, ev.Action)
	}
	if len(ev.Anomalies) != 1 || ev.Anomalies[0].Severity != anomaly.SeverityHigh {
		t.Fatalf("anomalies = %+v, want one high anomaly", ev.Anomalies)
	}

	te.dispatcher.Wait()
	if verifier.calls.Load() != 1 {
		t.Fatalf("verifier calls = %d, want 1", verifier.calls.Load())
	}

	sess, err := te.Session("s1")
	if err != nil {
		t.Fatal(err)
	}
	if sess.State != session.StateTrusted {
		t.Errorf("after successful verification state = %s, want trusted", sess.State)
	}
	if len(sess.OpenAnomalies) != 0 {
		t.Errorf("open anomalies = %d, want 0 after verification", len(sess.OpenAnomalies))
	}
	if len(te.auditor.results) != 1 || !te.auditor.results[0] {
		t.Errorf("audited verification results = %v", te.auditor.results)
	}
}

func TestVerificationSuccessBelowMonitorThresholdIsSticky(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Session.TMonitor = 95
	verifier := &stubVerifier{result: dispatch.VerificationResult{Success: true, Method: "push"}}
	te := newTestEngine(t, cfg, nil, dispatch.WithVerifier(verifier, "push"))
	seedProfile(t, te.store, "alice", "phone", 40)
	te.open(t, "s1")

	te.normalCycle(t, "s1")
	ev := te.step(t, "s1", te.behaviorSamples(t, "s1", map[telemetry.Feature]float64{
		telemetry.SwipeVelocity: 5,
	})...)
	if ev.State != session.StateChallenged || ev.TrustScore >= cfg.Session.TMonitor {
		t.Fatalf("state/score = %s/%d, want challenged below %d", ev.State, ev.TrustScore, cfg.Session.TMonitor)
	}
	te.dispatcher.Wait()

	sess, _ := te.Session("s1")
	if sess.State != session.StateChallenged || sess.Verification != session.VerificationSucceeded {
		t.Fatalf("after verification = %s/%s, want challenged/succeeded", sess.State, sess.Verification)
	}

	// Smoothed trust climbs back; the first cycle at or above T_monitor
	// completes the challenge.
	for i := 0; i < 10 && ev.State == session.StateChallenged; i++ {
		ev = te.normalCycle(t, "s1")
	}
	if ev.State != session.StateTrusted || ev.Transition == nil ||
		ev.Transition.Trigger != session.TriggerVerificationSuccess {
		t.Fatalf("final = %s via %+v", ev.State, ev.Transition)
	}
	if ev.TrustScore < cfg.Session.TMonitor {
		t.Errorf("restored at score %d below %d", ev.TrustScore, cfg.Session.TMonitor)
	}
}

func TestVerificationFailureBlocks(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		verifier *stubVerifier
	}{
		{"rejected", &stubVerifier{result: dispatch.VerificationResult{Success: false, Method: "totp"}}},
		{"timeout", &stubVerifier{err: dispatch.ErrVerificationTimeout}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			te := newTestEngine(t, testConfig(), nil, dispatch.WithVerifier(tt.verifier, "totp"))
			seedProfile(t, te.store, "alice", "phone", 40)
			te.open(t, "s1")
			te.normalCycle(t, "s1")
			te.step(t, "s1", te.behaviorSamples(t, "s1", map[telemetry.Feature]float64{
				telemetry.SwipeVelocity: 5,
			})...)
			te.dispatcher.Wait()

			sess, _ := te.Session("s1")
			if sess.State != session.StateBlocked {
				t.Errorf("state = %s, want blocked", sess.State)
			}
		})
	}
}

func TestUnansweredChallengeBlocksOnSweep(t *testing.T) {
	t.Parallel()

	// Verification service down: the challenge stays pending.
	verifier := &stubVerifier{err: dispatch.ErrServiceUnavailable}
	te := newTestEngine(t, testConfig(), nil, dispatch.WithVerifier(verifier, "totp"))
	seedProfile(t, te.store, "alice", "phone", 40)
	te.open(t, "s1")
	te.normalCycle(t, "s1")
	te.step(t, "s1", te.behaviorSamples(t, "s1", map[telemetry.Feature]float64{
		telemetry.SwipeVelocity: 5,
	})...)
	te.dispatcher.Wait()

	if n := te.Sweep(context.Background()); n != 0 {
		t.Fatalf("early Sweep() = %d, want 0", n)
	}
	sess, _ := te.Session("s1")
	if sess.State != session.StateChallenged {
		t.Fatalf("state = %s, want challenged", sess.State)
	}

	te.clock.Advance(te.cfg.Session.VerificationTimeout)
	if n := te.Sweep(context.Background()); n != 1 {
		t.Fatalf("Sweep() = %d, want 1", n)
	}
	sess, _ = te.Session("s1")
	if sess.State != session.StateBlocked {
		t.Errorf("state = %s, want blocked", sess.State)
	}
}

func TestUnreachableVerifierDegradesPendingChallenge(t *testing.T) {
	t.Parallel()

	verifier := &stubVerifier{err: dispatch.ErrServiceUnavailable}
	te := newTestEngine(t, testConfig(), nil, dispatch.WithVerifier(verifier, "totp"))
	seedProfile(t, te.store, "alice", "phone", 40)
	te.open(t, "s1")
	te.normalCycle(t, "s1")
	ev := te.step(t, "s1", te.behaviorSamples(t, "s1", map[telemetry.Feature]float64{
		telemetry.SwipeVelocity: 5,
	})...)
	if ev.State != session.StateChallenged {
		t.Fatalf("state = %s, want challenged", ev.State)
	}
	te.dispatcher.Wait()

	evaluate := func() (*Evaluation, error) {
		t.Helper()
		te.Ingest(context.Background(), te.behaviorSamples(t, "s1", nil))
		ev, err := te.Evaluate(context.Background(), "s1")
		if ev == nil {
			t.Fatalf("Evaluate() error = %v", err)
		}
		te.clock.Advance(te.cfg.TickInterval)
		return ev, err
	}

	for i := 0; i < 2; i++ {
		ev, err := evaluate()
		if ev.State != session.StateChallenged {
			t.Fatalf("cycle %d: state = %s, want challenged", i, ev.State)
		}
		if !slices.Contains(ev.Degraded, dispatch.ServiceVerification) {
			t.Errorf("cycle %d: Degraded = %v, want %s", i, ev.Degraded, dispatch.ServiceVerification)
		}
		var se *ServiceError
		if !errors.As(err, &se) || !errors.Is(err, dispatch.ErrServiceUnavailable) {
			t.Errorf("cycle %d: error = %v, want service error wrapping unavailable", i, err)
		}
	}

	if _, err := te.ApplyVerification(context.Background(), "s1",
		dispatch.VerificationResult{Success: true, Method: "totp"}); err != nil && !errors.Is(err, ErrServiceDegraded) {
		t.Fatalf("ApplyVerification() error = %v", err)
	}
	if ev, err := evaluate(); slices.Contains(ev.Degraded, dispatch.ServiceVerification) || err != nil {
		t.Errorf("after a verification result: Degraded = %v, error = %v", ev.Degraded, err)
	}
}

func TestSampleRacingCloseIsRejected(t *testing.T) {
	t.Parallel()

	te := newTestEngine(t, testConfig(), nil)
	te.open(t, "s1")
	ctx := context.Background()
	at := te.clock.Now()

	if res := te.Ingest(ctx, []telemetry.BehaviorSample{
		sample("s1", "phone", telemetry.SampleTouch, at, `{"velocity":2}`),
	}); res.Accepted != 1 {
		t.Fatalf("Ingest() = %+v", res)
	}

	// An ingest that looked the session up just before it closed.
	sh := te.shardFor("s1")
	stale := sh.get("s1")
	if _, err := te.CloseSession(ctx, "s1"); err != nil {
		t.Fatal(err)
	}

	late := sample("s1", "phone", telemetry.SampleTouch, at.Add(time.Second), `{"velocity":2}`)
	var res IngestResult
	te.enqueue(ctx, sh, stale, &late, &res)
	if res.Accepted != 0 || res.Rejected != 1 {
		t.Errorf("racing sample = %+v, want rejected", res)
	}

	// A sample that passed normalization before the close still lands
	// outside the session.
	te.Engine.normalizer.Track("s1")
	res = IngestResult{}
	te.enqueue(ctx, sh, stale, &late, &res)
	if res.Accepted != 0 || res.Rejected != 1 {
		t.Errorf("sample pushed after close = %+v, want rejected", res)
	}
	te.Engine.normalizer.Forget("s1")

	// The reopened session starts a fresh ordering cursor: a sample older
	// than anything the closed session saw is accepted.
	te.open(t, "s1")
	if res := te.Ingest(ctx, []telemetry.BehaviorSample{
		sample("s1", "phone", telemetry.SampleTouch, at.Add(-time.Minute), `{"velocity":2}`),
	}); res.Accepted != 1 {
		t.Errorf("Ingest() after reopen = %+v, want accepted", res)
	}
	if n := te.shardFor("s1").get("s1").queue.len(); n != 1 {
		t.Errorf("reopened queue len = %d, want 1", n)
	}
}

func TestIdleSessionTerminates(t *testing.T) {
	t.Parallel()

	te := newTestEngine(t, testConfig(), nil)
	te.open(t, "idle")
	te.open(t, "busy")
	idle := te.cfg.Session.IdleTimeout

	te.clock.Advance(idle - time.Minute)
	te.Ingest(context.Background(), []telemetry.BehaviorSample{
		sample("busy", "phone", telemetry.SampleTouch, te.clock.Now(), `{"velocity":2}`),
	})
	te.clock.Advance(2 * time.Minute)

	if n := te.Sweep(context.Background()); n != 1 {
		t.Fatalf("Sweep() = %d, want 1", n)
	}
	if _, err := te.Session("idle"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("idle session still present: %v", err)
	}
	if _, err := te.Session("busy"); err != nil {
		t.Errorf("busy session terminated: %v", err)
	}
	if te.auditor.closed["idle"] != string(session.TriggerIdleTimeout) {
		t.Errorf("close reason = %q", te.auditor.closed["idle"])
	}
}

func TestSparseFeaturesLowConfidence(t *testing.T) {
	t.Parallel()

	te := newTestEngine(t, testConfig(), nil)
	seedProfile(t, te.store, "alice", "phone", 40)
	te.open(t, "s1")

	// One feature of the required three.
	v := te.valueAt(t, "s1", telemetry.SwipeVelocity, 2.5)
	ev := te.step(t, "s1", sample("s1", "phone", telemetry.SampleTouch, te.clock.Now(), fmt.Sprintf(`{"velocity":%g}`, v)))

	if ev.Confidence != scoring.ConfidenceLow {
		t.Errorf("confidence = %s, want low", ev.Confidence)
	}
	if ev.State == session.StateChallenged || ev.State == session.StateBlocked {
		t.Errorf("sparse cycle escalated to %s", ev.State)
	}
	if len(ev.Rationale) != 1 || math.Abs(ev.Rationale[0].Weight-1) > 1e-9 {
		t.Errorf("rationale = %+v, want one feature with renormalized weight 1", ev.Rationale)
	}
}

func TestLogoutAndReopen(t *testing.T) {
	t.Parallel()

	te := newTestEngine(t, testConfig(), nil)
	ctx := context.Background()
	te.open(t, "s1")

	ev, err := te.CloseSession(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if ev.State != session.StateTerminated || ev.Action != anomaly.ActionDeny {
		t.Errorf("logout = %s/%s", ev.State, ev.Action)
	}
	if ev.Transition == nil || ev.Transition.Trigger != session.TriggerLogout {
		t.Errorf("transition = %+v", ev.Transition)
	}
	if _, err := te.CloseSession(ctx, "s1"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("second logout error = %v", err)
	}
	if te.activeSessions("alice") != 0 {
		t.Errorf("user session count = %d", te.activeSessions("alice"))
	}

	// IDs are unique among active sessions only.
	te.open(t, "s1")
}

func TestAdminRelease(t *testing.T) {
	t.Parallel()

	te := newTestEngine(t, testConfig(), nil)
	seedProfile(t, te.store, "alice", "phone", 40)
	ctx := context.Background()
	te.open(t, "s1")

	if _, err := te.AdminRelease(ctx, "s1", "ops"); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("release of trusted session error = %v, want ErrInvalidState", err)
	}

	nyc := sample("s1", "phone", telemetry.SampleLocation, te.clock.Now(), `{"latitude":40.7128,"longitude":-74.0060}`)
	te.step(t, "s1", nyc)
	tokyo := sample("s1", "phone", telemetry.SampleLocation, te.clock.Now(), `{"latitude":35.6762,"longitude":139.6503}`)
	if ev := te.step(t, "s1", tokyo); ev.State != session.StateBlocked {
		t.Fatalf("state = %s, want blocked", ev.State)
	}

	ev, err := te.AdminRelease(ctx, "s1", "ops")
	if err != nil {
		t.Fatal(err)
	}
	if ev.State != session.StateTerminated || ev.Transition.Trigger != session.TriggerAdminRelease {
		t.Errorf("release = %s via %s", ev.State, ev.Transition.Trigger)
	}
	if len(te.auditor.admin) != 1 || te.auditor.admin[0] != "ops:session.release" {
		t.Errorf("admin audit = %v", te.auditor.admin)
	}
}

func TestResolveAnomaly(t *testing.T) {
	t.Parallel()

	te := newTestEngine(t, testConfig(), nil)
	seedProfile(t, te.store, "alice", "phone", 40)
	ctx := context.Background()
	te.open(t, "s1")

	ev := te.step(t, "s1", te.behaviorSamples(t, "s1", map[telemetry.Feature]float64{
		telemetry.KeystrokeInterval: 3.5,
	})...)
	if len(ev.Anomalies) != 1 {
		t.Fatalf("anomalies = %d, want 1", len(ev.Anomalies))
	}
	id := ev.Anomalies[0].ID

	if _, err := te.ResolveAnomaly(ctx, "s1", "nope", "ops"); !errors.Is(err, ErrAnomalyNotFound) {
		t.Errorf("unknown anomaly error = %v", err)
	}
	res, err := te.ResolveAnomaly(ctx, "s1", id, "ops")
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Resolved) != 1 || res.Resolved[0].ID != id {
		t.Errorf("resolved = %+v", res.Resolved)
	}
	sess, _ := te.Session("s1")
	if len(sess.OpenAnomalies) != 0 {
		t.Errorf("open anomalies = %d", len(sess.OpenAnomalies))
	}
}

func TestBaselineStoreDegraded(t *testing.T) {
	t.Parallel()

	te := newTestEngine(t, testConfig(), failingStore{})
	te.open(t, "s1")

	te.Ingest(context.Background(), []telemetry.BehaviorSample{
		sample("s1", "phone", telemetry.SampleTouch, te.clock.Now(), `{"velocity":2,"pressure":0.5}`),
	})
	ev, err := te.Evaluate(context.Background(), "s1")
	if !errors.Is(err, ErrServiceDegraded) {
		t.Fatalf("Evaluate() error = %v, want ErrServiceDegraded", err)
	}
	var svcErr *ServiceError
	if !errors.As(err, &svcErr) || svcErr.Service != dispatch.ServiceBaseline {
		t.Errorf("service error = %+v", svcErr)
	}
	if ev == nil || ev.State != session.StateTrusted {
		t.Fatalf("evaluation = %+v, want a trusted evaluation", ev)
	}
	if te.sink.count("s1") != 1 {
		t.Errorf("decisions published = %d, want 1", te.sink.count("s1"))
	}
}

func TestDispatchIsIdempotent(t *testing.T) {
	t.Parallel()

	te := newTestEngine(t, testConfig(), nil)
	seedProfile(t, te.store, "alice", "phone", 40)
	te.open(t, "s1")

	ev := te.normalCycle(t, "s1")
	te.dispatcher.Dispatch(context.Background(), ev)
	te.dispatcher.Dispatch(context.Background(), ev)

	if n := te.sink.count("s1"); n != 1 {
		t.Errorf("decision published %d times, want 1", n)
	}
}

func TestConcurrentIngestAndEvaluate(t *testing.T) {
	t.Parallel()

	te := newTestEngine(t, testConfig(), nil)
	seedProfile(t, te.store, "alice", "phone", 40)

	const sessions, perSession = 8, 40
	for i := 0; i < sessions; i++ {
		te.open(t, fmt.Sprintf("s%d", i))
	}

	var (
		wg       sync.WaitGroup
		accepted atomic.Int64
		stop     = make(chan struct{})
	)
	for i := 0; i < sessions; i++ {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			for j := 0; j < perSession; j++ {
				res := te.Ingest(context.Background(), []telemetry.BehaviorSample{
					sample(id, "phone", telemetry.SampleTouch, t0, `{"velocity":2,"pressure":0.5}`),
				})
				accepted.Add(int64(res.Accepted))
			}
		}(fmt.Sprintf("s%d", i))
	}

	evalDone := make(chan struct{})
	go func() {
		defer close(evalDone)
		for {
			select {
			case <-stop:
				return
			default:
				te.Drain(context.Background())
			}
		}
	}()

	wg.Wait()
	close(stop)
	<-evalDone
	te.Drain(context.Background())

	if accepted.Load() != sessions*perSession {
		t.Errorf("accepted = %d, want %d", accepted.Load(), sessions*perSession)
	}
	for _, s := range te.shards {
		for _, en := range s.entries() {
			if en.queue.len() != 0 {
				t.Errorf("session %s has %d undrained samples", en.sess.SessionID, en.queue.len())
			}
		}
	}
	if te.ActiveSessions() != sessions {
		t.Errorf("active sessions = %d", te.ActiveSessions())
	}
}

func TestRunEvaluatesOnTick(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.TickInterval = 10 * time.Millisecond
	te := newTestEngine(t, cfg, nil)
	te.open(t, "s1")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- te.Run(ctx) }()

	te.Ingest(context.Background(), []telemetry.BehaviorSample{
		sample("s1", "phone", telemetry.SampleTouch, te.clock.Now(), `{"velocity":2}`),
	})

	deadline := time.After(2 * time.Second)
	for te.sink.count("s1") == 0 {
		select {
		case <-deadline:
			t.Fatal("no evaluation within 2s")
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("Run() = %v, want context.Canceled", err)
	}
}

func TestShardAssignmentIsStable(t *testing.T) {
	t.Parallel()

	te := newTestEngine(t, testConfig(), nil)
	for i := 0; i < 50; i++ {
		id := fmt.Sprintf("session-%d", i)
		if te.shardFor(id) != te.shardFor(id) {
			t.Fatalf("shard for %s changed", id)
		}
	}
}
