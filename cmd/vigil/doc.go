// Vigil - Continuous Behavioral Authentication
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/vigil

// Package main is the entry point for the Vigil engine.
//
// Vigil scores behavioral telemetry (touch, keystroke, motion, location)
// against per-user baselines, detects anomalies, and drives each session
// through Trusted, Monitoring, Challenged, Blocked and Terminated. Every
// decision is published to the decision bus and written to the audit trail.
//
// # Startup Order
//
//  1. Configuration (Koanf v2: defaults, config.yaml, environment)
//  2. Baseline store (memory or BadgerDB)
//  3. Audit store and logger (memory or DuckDB)
//  4. Idempotency ledger (memory or Redis)
//  5. Telemetry/decision bus (in-process channel, or NATS JetStream)
//  6. Response dispatcher (decision sink, step-up verifier, webhook)
//  7. Evaluation engine
//  8. Supervisor tree and the ops/admin HTTP server
//
// # Build Tags
//
//	go build ./cmd/vigil                # channel bus only
//	go build -tags nats ./cmd/vigil     # enable NATS JetStream transport
//
// # Signal Handling
//
// SIGINT and SIGTERM cancel the root context. The engine drains queued
// samples, in-flight dispatch effects finish, and the stores are closed.
//
// # Example
//
//	export BASELINE_BACKEND=badger
//	export AUDIT_BACKEND=duckdb
//	export NATS_ENABLED=true NATS_URL=nats://nats:4222
//	export VERIFICATION_URL=http://idp:8080/step-up
//	./vigil
//
// The default port 9477 serves /healthz, /readyz, /metrics and /api/v1.
package main
