// Vigil - Continuous Behavioral Authentication
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/vigil

package api

import (
	"crypto/tls"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/tomtom215/vigil/internal/logging"
)

func TestRequestIDWithLogging(t *testing.T) {
	t.Parallel()

	var seen string
	h := RequestIDWithLogging()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = logging.CorrelationIDFromContext(r.Context())
	}))

	tests := []struct {
		name     string
		header   string
		wantEcho bool
	}{
		{"caller supplied", "req-abc-123", true},
		{"generated", "", false},
		{"oversized replaced", strings.Repeat("a", 100), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				req.Header.Set(requestIDHeader, tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			got := rec.Header().Get(requestIDHeader)
			if got == "" || got != seen {
				t.Fatalf("response id %q, context id %q", got, seen)
			}
			if tt.wantEcho && got != tt.header {
				t.Errorf("id = %q, want %q", got, tt.header)
			}
			if !tt.wantEcho && got == tt.header {
				t.Errorf("id %q was not replaced", got)
			}
		})
	}
}

func TestCorrelationIDInResponse(t *testing.T) {
	t.Parallel()

	_, router := newMockRouter(&mockEngine{}, nil)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set(requestIDHeader, "trace-42")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if !strings.Contains(rec.Body.String(), `"correlation_id":"trace-42"`) {
		t.Errorf("body %s does not carry the request id", rec.Body.String())
	}
}

func TestAPISecurityHeaders(t *testing.T) {
	t.Parallel()

	h := APISecurityHeaders()(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Header().Get("X-Content-Type-Options") != "nosniff" || rec.Header().Get("X-Frame-Options") != "DENY" {
		t.Errorf("headers = %v", rec.Header())
	}
	if rec.Header().Get("Strict-Transport-Security") != "" {
		t.Error("HSTS set on plain HTTP")
	}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.TLS = &tls.ConnectionState{}
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Header().Get("Strict-Transport-Security") == "" {
		t.Error("HSTS missing on TLS request")
	}
}

func TestRateLimitByIP(t *testing.T) {
	t.Parallel()

	mw := NewMiddleware(&MiddlewareConfig{RateLimitRequests: 2, RateLimitWindow: time.Minute})
	router := NewRouter(NewHandler(&mockEngine{}, nil), mw)

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		rec, _ := do(t, router, http.MethodGet, "/api/v1/sessions/s1", "")
		codes = append(codes, rec.Code)
	}
	if codes[0] != http.StatusOK || codes[1] != http.StatusOK || codes[2] != http.StatusTooManyRequests {
		t.Errorf("codes = %v, want [200 200 429]", codes)
	}

	// Ops endpoints are not rate limited.
	for i := 0; i < 3; i++ {
		if rec, _ := do(t, router, http.MethodGet, "/healthz", ""); rec.Code != http.StatusOK {
			t.Fatalf("healthz %d = %d", i, rec.Code)
		}
	}
}

func TestCORS(t *testing.T) {
	t.Parallel()

	mw := NewMiddleware(&MiddlewareConfig{CORSAllowedOrigins: []string{"https://console.example.com"}})
	router := NewRouter(NewHandler(&mockEngine{}, nil), mw)

	tests := []struct {
		origin string
		allow  bool
	}{
		{"https://console.example.com", true},
		{"https://evil.example.net", false},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodOptions, "/api/v1/sessions", nil)
		req.Header.Set("Origin", tt.origin)
		req.Header.Set("Access-Control-Request-Method", http.MethodPost)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)

		got := rec.Header().Get("Access-Control-Allow-Origin")
		if tt.allow && got != tt.origin {
			t.Errorf("%s: allow-origin = %q", tt.origin, got)
		}
		if !tt.allow && got != "" {
			t.Errorf("%s: allow-origin = %q, want none", tt.origin, got)
		}
	}
}

func TestUnknownRoute(t *testing.T) {
	t.Parallel()

	_, router := newMockRouter(&mockEngine{}, nil)
	rec, resp := do(t, router, http.MethodGet, "/api/v1/nope", "")
	if rec.Code != http.StatusNotFound || resp.Error == nil || resp.Error.Code != CodeNotFound {
		t.Errorf("status = %d, error = %+v", rec.Code, resp.Error)
	}
}
