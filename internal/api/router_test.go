// Vigil - Continuous Behavioral Authentication
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/vigil

package api

import (
	"net/http"
	"testing"

	"github.com/goccy/go-json"

	"github.com/tomtom215/vigil/internal/baseline"
	"github.com/tomtom215/vigil/internal/dispatch"
	"github.com/tomtom215/vigil/internal/engine"
	"github.com/tomtom215/vigil/internal/session"
)

// TestSessionLifecycle drives a real engine through the admin API.
func TestSessionLifecycle(t *testing.T) {
	t.Parallel()

	eng := engine.New(engine.DefaultConfig(), baseline.NewMemoryStore(), dispatch.New(dispatch.NewMemoryLedger(0, 0)))
	t.Cleanup(eng.Close)
	_, router := newMockRouter(eng, nil)

	rec, resp := do(t, router, http.MethodPost, "/api/v1/sessions", `{"session_id":"s-life","user_id":"u1","device_id":"d1"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("open = %d: %s", rec.Code, rec.Body.String())
	}
	var sess session.Context
	if err := json.Unmarshal(resp.Data, &sess); err != nil {
		t.Fatal(err)
	}
	if sess.State != session.StateTrusted || sess.TrustScore != 100 {
		t.Errorf("opened session = %+v", sess)
	}

	if rec, _ := do(t, router, http.MethodPost, "/api/v1/sessions", `{"session_id":"s-life","user_id":"u1","device_id":"d1"}`); rec.Code != http.StatusConflict {
		t.Errorf("duplicate open = %d, want 409", rec.Code)
	}

	if rec, _ := do(t, router, http.MethodGet, "/api/v1/sessions/s-life", ""); rec.Code != http.StatusOK {
		t.Errorf("get = %d, want 200", rec.Code)
	}

	// Release only applies to blocked sessions.
	if rec, _ := do(t, router, http.MethodPost, "/api/v1/sessions/s-life/release", `{"operator":"alice"}`); rec.Code != http.StatusConflict {
		t.Errorf("release trusted = %d, want 409", rec.Code)
	}

	rec, resp = do(t, router, http.MethodDelete, "/api/v1/sessions/s-life", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("close = %d: %s", rec.Code, rec.Body.String())
	}
	var ev engine.Evaluation
	if err := json.Unmarshal(resp.Data, &ev); err != nil {
		t.Fatal(err)
	}
	if ev.State != session.StateTerminated {
		t.Errorf("close state = %s, want terminated", ev.State)
	}

	if rec, _ := do(t, router, http.MethodGet, "/api/v1/sessions/s-life", ""); rec.Code != http.StatusNotFound {
		t.Errorf("get after close = %d, want 404", rec.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()

	_, router := newMockRouter(&mockEngine{}, nil)
	do(t, router, http.MethodGet, "/healthz", "")

	rec, _ := do(t, router, http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics = %d", rec.Code)
	}
}
