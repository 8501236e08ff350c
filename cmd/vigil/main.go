// Vigil - Continuous Behavioral Authentication
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/vigil

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tomtom215/vigil/internal/api"
	"github.com/tomtom215/vigil/internal/config"
	"github.com/tomtom215/vigil/internal/dispatch"
	"github.com/tomtom215/vigil/internal/engine"
	"github.com/tomtom215/vigil/internal/eventbus"
	"github.com/tomtom215/vigil/internal/logging"
	"github.com/tomtom215/vigil/internal/supervisor"
	"github.com/tomtom215/vigil/internal/supervisor/services"
)

func main() {
	if err := run(); err != nil {
		logging.Error().Err(err).Msg("Vigil exited with error")
		os.Exit(1)
	}
}

//nolint:gocyclo // Sequential initialization
func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logging.Init(logging.Config{
		Level:     cfg.Logging.Level,
		Format:    cfg.Logging.Format,
		Caller:    cfg.Logging.Caller,
		Timestamp: true,
	})
	logging.Info().Msg("Starting Vigil with supervisor tree")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	comps, err := InitComponents(ctx, cfg)
	if err != nil {
		return err
	}
	defer comps.Close()

	// Bus: telemetry in, decisions out.
	wmLogger := eventbus.NewLoggerAdapter()
	transport, err := eventbus.NewTransport(&cfg.NATS, wmLogger)
	if err != nil {
		return fmt.Errorf("failed to create message transport: %w", err)
	}
	defer func() {
		if err := transport.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing message transport")
		}
	}()
	logging.Info().Str("transport", transport.Name).
		Str("telemetry_topic", cfg.NATS.TelemetryTopic).
		Str("decision_topic", cfg.NATS.DecisionTopic).
		Msg("Message transport ready")

	dispatchOpts := []dispatch.Option{
		dispatch.WithDecisionSink(eventbus.NewDecisionPublisher(transport.Publisher, cfg.NATS.DecisionTopic)),
		dispatch.WithAuditor(comps.AuditLog),
		dispatch.WithNotifiers(buildNotifiers(cfg)...),
	}
	if v := buildVerifier(cfg); v != nil {
		dispatchOpts = append(dispatchOpts, dispatch.WithVerifier(v, cfg.Dispatch.Verification.ChallengeType))
	}
	dispatcher := dispatch.New(comps.Ledger, dispatchOpts...)

	eng := engine.New(engine.FromConfig(cfg), comps.Baseline, dispatcher, engine.WithAuditor(comps.AuditLog))
	// Engine.Run drains queued samples on cancel. Close then waits for async
	// effects, before the transport and stores close.
	defer eng.Close()

	telemetryHandler := eventbus.NewTelemetryHandler(eng, cfg.NATS.TelemetryTopic, wmLogger)

	// Supervisor tree
	tree, err := supervisor.NewSupervisorTree(logging.NewSlogLogger(), supervisor.TreeConfig{
		FailureThreshold: 5,
		FailureBackoff:   15 * time.Second,
		ShutdownTimeout:  cfg.Server.ShutdownTimeout + 5*time.Second,
	})
	if err != nil {
		return fmt.Errorf("failed to create supervisor tree: %w", err)
	}

	tree.AddDataService(services.NewAuditCleanupService(comps.AuditLog))
	if comps.MemoryLedger != nil {
		tree.AddDataService(services.NewLedgerSweeperService(comps.MemoryLedger))
	}

	tree.AddEngineService(services.NewEngineService(eng))
	tree.AddEngineService(services.NewSweeperService(eng))
	tree.AddEngineService(services.NewRouterService(
		newRouterFactory(&cfg.NATS, transport, telemetryHandler, wmLogger)))

	handler := api.NewHandler(eng, comps.AuditLog)
	for name, check := range comps.ReadinessChecks() {
		handler.AddReadinessCheck(name, check)
	}
	router := api.NewRouter(handler, api.NewMiddleware(&api.MiddlewareConfig{
		CORSAllowedOrigins: cfg.Server.CORSOrigins,
		CORSMaxAge:         86400,
		RateLimitRequests:  cfg.Server.RateLimitRequests,
		RateLimitWindow:    cfg.Server.RateLimitWindow,
	}))

	server := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:           router,
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       60 * time.Second,
	}
	tree.AddAPIService(services.NewHTTPServerService(server, cfg.Server.ShutdownTimeout))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logging.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
		cancel()
	}()

	logging.Info().
		Int("workers", cfg.Engine.Workers).
		Dur("tick", cfg.Engine.TickInterval).
		Str("addr", server.Addr).
		Msg("Starting supervisor tree...")
	errCh := tree.ServeBackground(ctx)

	var treeErr error
	select {
	case <-ctx.Done():
		logging.Info().Msg("Context canceled, waiting for supervisor to finish...")
		treeErr = <-errCh
	case treeErr = <-errCh:
		cancel()
	}
	if treeErr != nil && !errors.Is(treeErr, context.Canceled) {
		logging.Error().Err(treeErr).Msg("Supervisor tree error")
	}

	unstopped, _ := tree.UnstoppedServiceReport()
	if len(unstopped) > 0 {
		logging.Warn().Int("count", len(unstopped)).Msg("Services failed to stop within timeout")
		for _, svc := range unstopped {
			logging.Warn().Str("service", svc.Name).Msg("Service failed to stop")
		}
	}

	stats := telemetryHandler.Stats()
	logging.Info().
		Int64("bus_messages", stats.MessagesReceived).
		Int64("bus_parse_errors", stats.ParseErrors).
		Msg("Vigil stopped gracefully")
	return nil
}
