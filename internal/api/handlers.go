// Vigil - Continuous Behavioral Authentication
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/vigil

package api

import (
	"context"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/tomtom215/vigil/internal/audit"
	"github.com/tomtom215/vigil/internal/dispatch"
	"github.com/tomtom215/vigil/internal/engine"
	"github.com/tomtom215/vigil/internal/session"
	"github.com/tomtom215/vigil/internal/telemetry"
)

// SessionEngine is the engine surface the API drives. *engine.Engine
// implements it.
type SessionEngine interface {
	OpenSession(ctx context.Context, sessionID, userID, deviceID string) (session.Context, error)
	Session(sessionID string) (session.Context, error)
	CloseSession(ctx context.Context, sessionID string) (*engine.Evaluation, error)
	Evaluate(ctx context.Context, sessionID string) (*engine.Evaluation, error)
	Ingest(ctx context.Context, samples []telemetry.BehaviorSample) engine.IngestResult
	ApplyVerification(ctx context.Context, sessionID string, result dispatch.VerificationResult) (*engine.Evaluation, error)
	AdminRelease(ctx context.Context, sessionID, operator string) (*engine.Evaluation, error)
	ResolveAnomaly(ctx context.Context, sessionID, anomalyID, operator string) (*engine.Evaluation, error)
	ActiveSessions() int
}

// AuditQuerier reads the audit trail. *audit.Logger implements it.
type AuditQuerier interface {
	Query(ctx context.Context, filter audit.QueryFilter) ([]audit.Event, error)
}

// ReadinessCheck reports whether a dependency can serve traffic.
type ReadinessCheck func(ctx context.Context) error

// maxAuditLimit caps one audit page.
const maxAuditLimit = 1000

// Handler holds the API's collaborators.
type Handler struct {
	engine    SessionEngine
	audit     AuditQuerier
	checks    map[string]ReadinessCheck
	startTime time.Time
}

// NewHandler creates a Handler. auditQ may be nil, in which case the audit
// endpoint reports 503.
func NewHandler(eng SessionEngine, auditQ AuditQuerier) *Handler {
	return &Handler{
		engine:    eng,
		audit:     auditQ,
		checks:    make(map[string]ReadinessCheck),
		startTime: time.Now(),
	}
}

// AddReadinessCheck registers a named check for /readyz. Register checks
// before serving.
func (h *Handler) AddReadinessCheck(name string, check ReadinessCheck) {
	h.checks[name] = check
}

type openSessionRequest struct {
	SessionID string `json:"session_id" validate:"required,max=128"`
	UserID    string `json:"user_id" validate:"required,max=128"`
	DeviceID  string `json:"device_id" validate:"required,max=128"`
}

type verificationRequest struct {
	Success *bool  `json:"success" validate:"required"`
	Method  string `json:"method" validate:"max=64"`
}

type operatorRequest struct {
	Operator string `json:"operator" validate:"required,max=128"`
}

type telemetryRequest struct {
	Samples []telemetry.BehaviorSample `json:"samples" validate:"required,min=1,max=1000"`
}

// Healthz reports liveness.
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	respondOK(w, r, http.StatusOK, map[string]interface{}{
		"status":          "ok",
		"uptime_seconds":  int64(time.Since(h.startTime).Seconds()),
		"active_sessions": h.engine.ActiveSessions(),
	})
}

// Readyz runs every readiness check.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	results := make(map[string]interface{}, len(names))
	ready := true
	for _, name := range names {
		if err := h.checks[name](ctx); err != nil {
			results[name] = err.Error()
			ready = false
			continue
		}
		results[name] = "ok"
	}

	if !ready {
		respondError(w, r, http.StatusServiceUnavailable, CodeNotReady, "one or more dependencies are not ready", results)
		return
	}
	respondOK(w, r, http.StatusOK, results)
}

// OpenSession handles POST /sessions.
func (h *Handler) OpenSession(w http.ResponseWriter, r *http.Request) {
	var req openSessionRequest
	if !decodeBody(w, r, &req) {
		return
	}
	sess, err := h.engine.OpenSession(r.Context(), req.SessionID, req.UserID, req.DeviceID)
	if err != nil {
		respondEngineError(w, r, err)
		return
	}
	respondOK(w, r, http.StatusCreated, sess)
}

// GetSession handles GET /sessions/{sessionID}.
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := h.engine.Session(chi.URLParam(r, "sessionID"))
	if err != nil {
		respondEngineError(w, r, err)
		return
	}
	respondOK(w, r, http.StatusOK, sess)
}

// CloseSession handles DELETE /sessions/{sessionID}.
func (h *Handler) CloseSession(w http.ResponseWriter, r *http.Request) {
	ev, err := h.engine.CloseSession(r.Context(), chi.URLParam(r, "sessionID"))
	respondEvaluation(w, r, http.StatusOK, ev, err)
}

// Evaluate handles POST /sessions/{sessionID}/evaluate.
func (h *Handler) Evaluate(w http.ResponseWriter, r *http.Request) {
	ev, err := h.engine.Evaluate(r.Context(), chi.URLParam(r, "sessionID"))
	respondEvaluation(w, r, http.StatusOK, ev, err)
}

// Verification handles POST /sessions/{sessionID}/verification, the
// callback of an out-of-band step-up flow.
func (h *Handler) Verification(w http.ResponseWriter, r *http.Request) {
	var req verificationRequest
	if !decodeBody(w, r, &req) {
		return
	}
	ev, err := h.engine.ApplyVerification(r.Context(), chi.URLParam(r, "sessionID"), dispatch.VerificationResult{
		Success: *req.Success,
		Method:  req.Method,
	})
	respondEvaluation(w, r, http.StatusOK, ev, err)
}

// Release handles POST /sessions/{sessionID}/release.
func (h *Handler) Release(w http.ResponseWriter, r *http.Request) {
	var req operatorRequest
	if !decodeBody(w, r, &req) {
		return
	}
	ev, err := h.engine.AdminRelease(r.Context(), chi.URLParam(r, "sessionID"), req.Operator)
	respondEvaluation(w, r, http.StatusOK, ev, err)
}

// ResolveAnomaly handles POST /sessions/{sessionID}/anomalies/{anomalyID}/resolve.
func (h *Handler) ResolveAnomaly(w http.ResponseWriter, r *http.Request) {
	var req operatorRequest
	if !decodeBody(w, r, &req) {
		return
	}
	ev, err := h.engine.ResolveAnomaly(r.Context(),
		chi.URLParam(r, "sessionID"), chi.URLParam(r, "anomalyID"), req.Operator)
	respondEvaluation(w, r, http.StatusOK, ev, err)
}

// Telemetry handles POST /telemetry. Individual invalid samples are
// counted as rejected rather than failing the batch.
func (h *Handler) Telemetry(w http.ResponseWriter, r *http.Request) {
	var req telemetryRequest
	if !decodeBody(w, r, &req) {
		return
	}
	res := h.engine.Ingest(r.Context(), req.Samples)
	respondOK(w, r, http.StatusAccepted, res)
}

// Audit handles GET /audit.
//
// Query parameters: type, severity (comma separated), session_id, user_id,
// correlation_id, since, until (RFC 3339), q, limit, offset, order.
func (h *Handler) Audit(w http.ResponseWriter, r *http.Request) {
	if h.audit == nil {
		respondError(w, r, http.StatusServiceUnavailable, CodeNotReady, "audit logging is disabled", nil)
		return
	}
	filter, msg := parseAuditFilter(r)
	if msg != "" {
		respondError(w, r, http.StatusBadRequest, CodeValidation, msg, nil)
		return
	}
	events, err := h.audit.Query(r.Context(), filter)
	if err != nil {
		respondError(w, r, http.StatusInternalServerError, CodeInternal, "failed to query audit events", nil)
		return
	}
	if events == nil {
		events = []audit.Event{}
	}
	respondOK(w, r, http.StatusOK, events)
}

func parseAuditFilter(r *http.Request) (audit.QueryFilter, string) {
	q := r.URL.Query()
	filter := audit.DefaultQueryFilter()

	for _, t := range splitList(q.Get("type")) {
		filter.Types = append(filter.Types, audit.EventType(t))
	}
	for _, s := range splitList(q.Get("severity")) {
		filter.Severities = append(filter.Severities, audit.Severity(s))
	}
	filter.SessionID = q.Get("session_id")
	filter.UserID = q.Get("user_id")
	filter.CorrelationID = q.Get("correlation_id")
	filter.SearchText = q.Get("q")

	for _, p := range []struct {
		key string
		dst **time.Time
	}{{"since", &filter.StartTime}, {"until", &filter.EndTime}} {
		if v := q.Get(p.key); v != "" {
			ts, err := time.Parse(time.RFC3339, v)
			if err != nil {
				return filter, p.key + " must be an RFC 3339 timestamp"
			}
			*p.dst = &ts
		}
	}

	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > maxAuditLimit {
			return filter, "limit must be between 1 and " + strconv.Itoa(maxAuditLimit)
		}
		filter.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return filter, "offset must be a non-negative integer"
		}
		filter.Offset = n
	}
	switch q.Get("order") {
	case "", "desc":
	case "asc":
		filter.OrderDesc = false
	default:
		return filter, "order must be asc or desc"
	}
	return filter, ""
}

func splitList(v string) []string {
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
