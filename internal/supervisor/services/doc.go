// Vigil - Continuous Behavioral Authentication
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/vigil

/*
Package services adapts Vigil components to suture.Service.

Each wrapper translates a component's lifecycle (Run, ListenAndServe, a
cleanup loop) into suture's Serve(ctx) and names itself through fmt.Stringer
for supervisor logs:

  - EngineService runs the engine's shard tick loops.
  - SweeperService runs the idle and expiry sweep.
  - RouterService runs the telemetry consumer. A Watermill router cannot be
    restarted after Close, so the service builds a fresh one on every start.
  - AuditCleanupService deletes audit records past retention.
  - HTTPServerService serves health, readiness and metrics.
*/
package services
