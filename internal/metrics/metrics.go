// Vigil - Continuous Behavioral Authentication
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/vigil

package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus instrumentation for:
// - telemetry ingest (accepted, rejected, dropped samples)
// - evaluation cycles (latency, trust scores, cold starts)
// - anomalies and session state transitions
// - baseline updates and the poisoning guard
// - response dispatch and collaborator health
// - the telemetry/decision bus
// - the ops/admin HTTP API

var (
	// Ingest Metrics
	SamplesIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vigil_samples_ingested_total",
			Help: "Total number of behavior samples accepted by the normalizer",
		},
		[]string{"type"},
	)

	SamplesRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vigil_samples_rejected_total",
			Help: "Total number of behavior samples rejected as invalid",
		},
		[]string{"reason"}, // "schema", "payload", "range", "stale", "future", "unknown_session"
	)

	SamplesDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "vigil_samples_dropped_total",
			Help: "Total number of samples dropped because a session queue was full",
		},
	)

	// Evaluation Metrics
	EvaluationDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "vigil_evaluation_duration_seconds",
			Help:    "Duration of one session evaluation cycle",
			Buckets: []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		},
	)

	EvaluationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vigil_evaluations_total",
			Help: "Total number of evaluation cycles by resulting action",
		},
		[]string{"action"},
	)

	TrustScores = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "vigil_trust_score",
			Help:    "Distribution of composite trust scores",
			Buckets: prometheus.LinearBuckets(0, 10, 11),
		},
	)

	ColdStartCycles = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "vigil_cold_start_cycles_total",
			Help: "Evaluation cycles scored neutrally for lack of an established baseline",
		},
	)

	AnomaliesDetected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vigil_anomalies_total",
			Help: "Total number of anomalies detected",
		},
		[]string{"type", "severity"},
	)

	// Session Metrics
	StateTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vigil_state_transitions_total",
			Help: "Total number of committed session state transitions",
		},
		[]string{"from", "to"},
	)

	InvalidTransitions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "vigil_invalid_transitions_total",
			Help: "Transitions rejected by the state table and forced to the fail-safe state",
		},
	)

	ActiveSessions = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "vigil_active_sessions",
			Help: "Current number of sessions by state",
		},
		[]string{"state"},
	)

	// Baseline Metrics
	BaselineUpdates = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vigil_baseline_updates_total",
			Help: "Baseline update attempts by outcome",
		},
		[]string{"outcome"}, // "applied", "withheld", "failed"
	)

	// Dispatch Metrics
	DispatchEffects = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vigil_dispatch_effects_total",
			Help: "Response effects by kind and outcome",
		},
		[]string{"effect", "outcome"}, // outcome: "sent", "duplicate", "failed"
	)

	VerificationRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vigil_verification_requests_total",
			Help: "Step-up verification requests by outcome",
		},
		[]string{"outcome"}, // "success", "failure", "timeout", "error"
	)

	ServiceDegraded = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "vigil_service_degraded",
			Help: "1 when the named collaborator failed during the last evaluation that used it",
		},
		[]string{"service"},
	)

	// Audit Metrics
	AuditEventsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "vigil_audit_events_dropped_total",
			Help: "Audit events dropped because the audit buffer was full",
		},
	)

	AuditSaveFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "vigil_audit_save_failures_total",
			Help: "Audit events the writer failed to persist",
		},
	)

	// Bus Metrics
	BusMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vigil_bus_messages_total",
			Help: "Messages handled on the telemetry/decision bus",
		},
		[]string{"topic", "outcome"}, // outcome: "ok", "malformed", "error"
	)

	// API Metrics
	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "vigil_api_request_duration_seconds",
			Help:    "Ops/admin API request latency by route",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route", "status"},
	)
)

// RecordEvaluation records one completed evaluation cycle.
func RecordEvaluation(action string, score int, coldStart bool, duration time.Duration) {
	EvaluationDuration.Observe(duration.Seconds())
	EvaluationsTotal.WithLabelValues(action).Inc()
	if coldStart {
		ColdStartCycles.Inc()
		return
	}
	TrustScores.Observe(float64(score))
}

// RecordTransition records a committed state change.
func RecordTransition(from, to string) {
	StateTransitions.WithLabelValues(from, to).Inc()
	ActiveSessions.WithLabelValues(from).Dec()
	if to != "terminated" {
		ActiveSessions.WithLabelValues(to).Inc()
	}
}

// RecordSessionOpened records a new session entering its initial state.
func RecordSessionOpened(state string) {
	ActiveSessions.WithLabelValues(state).Inc()
}

// RecordDispatch records the outcome of a dispatch effect.
func RecordDispatch(effect string, duplicate bool, err error) {
	outcome := "sent"
	switch {
	case err != nil:
		outcome = "failed"
	case duplicate:
		outcome = "duplicate"
	}
	DispatchEffects.WithLabelValues(effect, outcome).Inc()
}

// SetServiceDegraded flips the degraded gauge for a collaborator.
func SetServiceDegraded(service string, degraded bool) {
	v := 0.0
	if degraded {
		v = 1
	}
	ServiceDegraded.WithLabelValues(service).Set(v)
}

// RecordBusMessage records one message handled on topic.
func RecordBusMessage(topic, outcome string) {
	BusMessages.WithLabelValues(topic, outcome).Inc()
}

// RecordHTTPRequest records one API request. route is the chi route
// pattern, never the raw path.
func RecordHTTPRequest(method, route, status string, duration time.Duration) {
	APIRequestDuration.WithLabelValues(method, route, status).Observe(duration.Seconds())
}
