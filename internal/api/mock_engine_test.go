// Vigil - Continuous Behavioral Authentication
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/vigil

package api

import (
	"context"
	"sync"

	"github.com/tomtom215/vigil/internal/audit"
	"github.com/tomtom215/vigil/internal/dispatch"
	"github.com/tomtom215/vigil/internal/engine"
	"github.com/tomtom215/vigil/internal/session"
	"github.com/tomtom215/vigil/internal/telemetry"
)

// mockEngine returns canned results. err, when set, is returned by every
// session operation.
type mockEngine struct {
	mu sync.Mutex

	err  error
	ev   *engine.Evaluation
	sess session.Context

	ingested     []telemetry.BehaviorSample
	verification dispatch.VerificationResult
	operator     string
	anomalyID    string
}

func (m *mockEngine) OpenSession(_ context.Context, sessionID, userID, deviceID string) (session.Context, error) {
	if m.err != nil {
		return session.Context{}, m.err
	}
	return session.Context{SessionID: sessionID, UserID: userID, DeviceID: deviceID, State: session.StateTrusted, TrustScore: 100}, nil
}

func (m *mockEngine) Session(string) (session.Context, error) {
	return m.sess, m.err
}

func (m *mockEngine) CloseSession(context.Context, string) (*engine.Evaluation, error) {
	return m.ev, m.err
}

func (m *mockEngine) Evaluate(context.Context, string) (*engine.Evaluation, error) {
	return m.ev, m.err
}

func (m *mockEngine) Ingest(_ context.Context, samples []telemetry.BehaviorSample) engine.IngestResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ingested = append(m.ingested, samples...)
	return engine.IngestResult{Accepted: len(samples)}
}

func (m *mockEngine) ApplyVerification(_ context.Context, _ string, result dispatch.VerificationResult) (*engine.Evaluation, error) {
	m.mu.Lock()
	m.verification = result
	m.mu.Unlock()
	return m.ev, m.err
}

func (m *mockEngine) AdminRelease(_ context.Context, _, operator string) (*engine.Evaluation, error) {
	m.mu.Lock()
	m.operator = operator
	m.mu.Unlock()
	return m.ev, m.err
}

func (m *mockEngine) ResolveAnomaly(_ context.Context, _, anomalyID, operator string) (*engine.Evaluation, error) {
	m.mu.Lock()
	m.anomalyID, m.operator = anomalyID, operator
	m.mu.Unlock()
	return m.ev, m.err
}

func (m *mockEngine) ActiveSessions() int { return 3 }

// mockAudit records the filter it was queried with.
type mockAudit struct {
	mu     sync.Mutex
	filter audit.QueryFilter
	events []audit.Event
	err    error
}

func (m *mockAudit) Query(_ context.Context, filter audit.QueryFilter) ([]audit.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.filter = filter
	return m.events, m.err
}
