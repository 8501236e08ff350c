// Vigil - Continuous Behavioral Authentication
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/vigil

/*
Package api serves Vigil's operations and admin HTTP surface with chi.

Operations endpoints (no rate limit, polled by orchestrators and Prometheus):

	GET  /healthz                 process liveness
	GET  /readyz                  every readiness check passes
	GET  /metrics                 Prometheus exposition

Admin API under /api/v1 (rate limited per client IP, CORS restricted):

	POST   /api/v1/sessions                                  open a session (login)
	GET    /api/v1/sessions/{sessionID}                      session snapshot
	DELETE /api/v1/sessions/{sessionID}                      logout
	POST   /api/v1/sessions/{sessionID}/evaluate             run one cycle now
	POST   /api/v1/sessions/{sessionID}/verification         step-up result callback
	POST   /api/v1/sessions/{sessionID}/release              release a blocked session
	POST   /api/v1/sessions/{sessionID}/anomalies/{id}/resolve
	POST   /api/v1/telemetry                                 ingest a sample batch
	GET    /api/v1/audit                                     query the audit trail

Responses use a common envelope: status, data, metadata and, on failure, an
error with a machine-readable code.
*/
package api
