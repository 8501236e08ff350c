// Vigil - Continuous Behavioral Authentication
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/vigil

// Package audit keeps the immutable record of what the engine decided and
// why.
//
// Every anomaly, committed state transition, step-up verification result and
// administrative action is written as an Event. Anomaly and transition
// records carry the per-feature rationale of the cycle that produced them in
// Metadata, and their CorrelationID is the anomaly or transition ID so the
// record can be joined back to the decision that was published.
//
// # Architecture
//
// The Logger uses a producer-consumer pattern:
//
//	Logger.Log() -> Event Buffer (chan) -> Async Writer -> Store
//
// Log never blocks. When the buffer is full the event is dropped, logged and
// counted in vigil_audit_events_dropped_total.
//
// # Stores
//
//   - MemoryStore: bounded in-memory ring, the default and the test store
//   - DuckDBStore: durable, append-only table audit_events
//
// Example:
//
//	db, err := audit.OpenDuckDB("/var/lib/vigil/audit.duckdb")
//	if err != nil {
//	    return err
//	}
//	store := audit.NewDuckDBStore(db)
//	if err := store.CreateTable(ctx); err != nil {
//	    return err
//	}
//	logger := audit.NewLogger(store, audit.DefaultConfig())
//	defer logger.Close()
package audit
