// Vigil - Continuous Behavioral Authentication
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/vigil

// Package testinfra starts Docker containers for integration tests with
// testcontainers-go. Everything here is behind the integration build tag.
//
// # Redis
//
// Backs the shared idempotency ledger:
//
//	func TestRedisLedger(t *testing.T) {
//	    testinfra.SkipIfNoDocker(t)
//	    ctx := context.Background()
//	    redis, err := testinfra.NewRedisContainer(ctx)
//	    if err != nil {
//	        t.Fatal(err)
//	    }
//	    defer testinfra.CleanupContainer(t, ctx, redis)
//
//	    ledger := dispatch.NewRedisLedger(dispatch.RedisConfig{Addr: redis.Addr})
//	    // ...
//	}
//
// # NATS
//
// A JetStream-enabled server for the telemetry/decision bus (also needs
// -tags nats):
//
//	natsC, err := testinfra.NewNATSContainer(ctx)
//	cfg := &config.NATSConfig{Enabled: true, URL: natsC.URL, ...}
//
// Run with:
//
//	go test -tags integration ./...
//	go test -tags integration,nats ./internal/eventbus/...
package testinfra
