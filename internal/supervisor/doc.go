// Vigil - Continuous Behavioral Authentication
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/vigil

/*
Package supervisor runs Vigil's long-running services under suture v4.

Services are grouped into three layers so a failure in one does not take the
others down:

	RootSupervisor ("vigil")
	├── DataSupervisor ("data-layer")
	│   └── AuditCleanupService
	├── EngineSupervisor ("engine-layer")
	│   ├── EngineService (shard tick loops)
	│   ├── SweeperService (idle and expiry sweep)
	│   └── RouterService (telemetry consumer, if the bus is enabled)
	└── APISupervisor ("api-layer")
	    └── HTTPServerService (health, readiness, metrics)

Crashed services restart with suture's backoff. Supervisor events are logged
through sutureslog, which is backed by the zerolog slog handler from the
logging package.

Usage in main.go:

	tree, err := supervisor.NewSupervisorTree(logging.NewSlogLogger(), supervisor.DefaultTreeConfig())
	if err != nil {
	    return err
	}
	tree.AddEngineService(services.NewEngineService(eng))
	tree.AddAPIService(services.NewHTTPServerService(srv, 10*time.Second))
	return tree.Serve(ctx)
*/
package supervisor
