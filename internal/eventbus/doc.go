// Vigil - Continuous Behavioral Authentication
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/vigil

/*
Package eventbus connects the engine to a message bus using Watermill.

Telemetry arrives as JSON batches of telemetry.BehaviorSample on the
telemetry topic and is fed to engine.Ingest by TelemetryHandler. Every
evaluation can be published to the decision topic by DecisionPublisher, which
implements dispatch.DecisionSink.

Two transports are available:

  - An in-process Go channel transport (always built). It backs tests and
    single-binary deployments where producers share the process.
  - A NATS JetStream transport, built with -tags=nats. Without the tag,
    NewNATSTransport returns an error.

Router wraps the Watermill router with panic recovery, exponential backoff
retries and an optional poison queue for messages that keep failing.
*/
package eventbus
