// Vigil - Continuous Behavioral Authentication
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/vigil

package main

import (
	"github.com/ThreeDotsLabs/watermill"

	"github.com/tomtom215/vigil/internal/config"
	"github.com/tomtom215/vigil/internal/eventbus"
	"github.com/tomtom215/vigil/internal/supervisor/services"
)

// telemetryHandlerName names the Watermill consumer for telemetry batches.
const telemetryHandlerName = "telemetry-ingest"

// newRouterFactory returns a factory building a fresh telemetry router on
// every supervised start. Failed messages go to the poison topic on the
// same transport.
func newRouterFactory(cfg *config.NATSConfig, tr *eventbus.Transport, handler *eventbus.TelemetryHandler, logger watermill.LoggerAdapter) services.RouterFactory {
	return func() (services.MessageRouter, error) {
		rcfg := eventbus.DefaultRouterConfig()
		router, err := eventbus.NewRouter(&rcfg, tr.Publisher, logger)
		if err != nil {
			return nil, err
		}
		router.AddConsumerHandler(telemetryHandlerName, cfg.TelemetryTopic, tr.Subscriber, handler.Handle)
		return router, nil
	}
}
