// Vigil - Continuous Behavioral Authentication
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/vigil

package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"

	"github.com/tomtom215/vigil/internal/api"
	"github.com/tomtom215/vigil/internal/audit"
	"github.com/tomtom215/vigil/internal/baseline"
	"github.com/tomtom215/vigil/internal/config"
	"github.com/tomtom215/vigil/internal/dispatch"
	"github.com/tomtom215/vigil/internal/logging"
)

// Components holds the stores and connections that must be closed on
// shutdown.
type Components struct {
	Baseline baseline.Store
	AuditLog *audit.Logger
	Ledger   dispatch.Ledger

	// MemoryLedger is set when the ledger is in-process and needs its
	// expiry loop supervised.
	MemoryLedger *dispatch.MemoryLedger

	badgerDB    *badger.DB
	auditDB     *sql.DB
	redisLedger *dispatch.RedisLedger

	checks  map[string]api.ReadinessCheck
	closers []func() error
}

// InitComponents opens the baseline store, audit trail and idempotency
// ledger selected by cfg. On error every component opened so far is closed.
func InitComponents(ctx context.Context, cfg *config.Config) (*Components, error) {
	c := &Components{checks: make(map[string]api.ReadinessCheck)}

	if err := c.initBaseline(cfg); err != nil {
		c.Close()
		return nil, err
	}
	if err := c.initAudit(ctx, cfg); err != nil {
		c.Close()
		return nil, err
	}
	if err := c.initLedger(ctx, cfg); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

func (c *Components) initBaseline(cfg *config.Config) error {
	switch cfg.Baseline.Backend {
	case "badger":
		db, err := baseline.OpenBadger(cfg.Baseline.Path)
		if err != nil {
			return fmt.Errorf("failed to open baseline store: %w", err)
		}
		c.badgerDB = db
		c.closers = append(c.closers, db.Close)
		c.Baseline = baseline.NewBadgerStore(db, cfg.Baseline.Retention)
		c.checks["baseline"] = func(context.Context) error {
			if db.IsClosed() {
				return errors.New("badger closed")
			}
			return nil
		}
		logging.Info().Str("path", cfg.Baseline.Path).Dur("retention", cfg.Baseline.Retention).Msg("Baseline store: BadgerDB")
	default:
		c.Baseline = baseline.NewMemoryStore()
		logging.Warn().Msg("Baseline store is in memory; learned profiles are lost on restart (BASELINE_BACKEND=badger to persist)")
	}
	return nil
}

func (c *Components) initAudit(ctx context.Context, cfg *config.Config) error {
	var store audit.Store
	switch cfg.Audit.Backend {
	case "duckdb":
		db, err := audit.OpenDuckDB(cfg.Audit.Path)
		if err != nil {
			return err
		}
		c.auditDB = db
		c.closers = append(c.closers, db.Close)

		ds := audit.NewDuckDBStore(db)
		if err := ds.CreateTable(ctx); err != nil {
			return fmt.Errorf("failed to create audit table: %w", err)
		}
		store = ds
		c.checks["audit"] = db.PingContext
		logging.Info().Str("path", cfg.Audit.Path).Msg("Audit store: DuckDB")
	default:
		store = audit.NewMemoryStore(cfg.Audit.MaxEvents)
		logging.Info().Int("max_events", cfg.Audit.MaxEvents).Msg("Audit store: memory")
	}

	auditCfg := audit.DefaultConfig()
	auditCfg.BufferSize = cfg.Audit.BufferSize
	c.AuditLog = audit.NewLogger(store, auditCfg)
	c.closers = append(c.closers, c.AuditLog.Close)
	c.checks["audit_writer"] = c.AuditLog.Check
	return nil
}

func (c *Components) initLedger(ctx context.Context, cfg *config.Config) error {
	lc := cfg.Dispatch.Ledger
	switch lc.Backend {
	case "redis":
		rl := dispatch.NewRedisLedger(dispatch.RedisConfig{Addr: lc.RedisAddr, DB: lc.RedisDB, TTL: lc.TTL})
		c.redisLedger = rl
		c.closers = append(c.closers, rl.Close)
		if err := rl.Ping(ctx); err != nil {
			// Claim errors degrade the ledger without blocking effects.
			logging.Warn().Err(err).Str("addr", lc.RedisAddr).Msg("Redis ledger unreachable at startup")
		}
		c.Ledger = rl
		c.checks["ledger"] = rl.Ping
		logging.Info().Str("addr", lc.RedisAddr).Msg("Idempotency ledger: Redis")
	default:
		ml := dispatch.NewMemoryLedger(lc.Capacity, lc.TTL)
		c.Ledger = ml
		c.MemoryLedger = ml
		logging.Info().Int("capacity", lc.Capacity).Msg("Idempotency ledger: memory")
	}
	return nil
}

// ReadinessChecks returns the checks for the stores that can go away.
func (c *Components) ReadinessChecks() map[string]api.ReadinessCheck {
	return c.checks
}

// Close closes every component in reverse open order. The audit logger is
// flushed before its database closes.
func (c *Components) Close() {
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](); err != nil {
			logging.Error().Err(err).Msg("Error closing component")
		}
	}
	c.closers = nil
}

// buildNotifiers returns the configured notification channels.
func buildNotifiers(cfg *config.Config) []dispatch.Notifier {
	var notifiers []dispatch.Notifier
	wc := cfg.Dispatch.Webhook
	if wc.Enabled && wc.URL != "" {
		notifiers = append(notifiers, dispatch.NewWebhookNotifier(dispatch.WebhookConfig{
			WebhookURL:  wc.URL,
			Headers:     wc.Headers,
			Enabled:     wc.Enabled,
			RateLimitMs: wc.RateLimitMs,
			Breaker:     dispatch.DefaultBreakerConfig(),
		}))
		logging.Info().Str("url", wc.URL).Int("rate_limit_ms", wc.RateLimitMs).Msg("Webhook notifier registered")
	}
	return notifiers
}

// buildVerifier returns the step-up verifier, or nil when none is
// configured.
func buildVerifier(cfg *config.Config) *dispatch.HTTPVerifier {
	vc := cfg.Dispatch.Verification
	if vc.URL == "" {
		logging.Warn().Msg("No verification service configured (VERIFICATION_URL); challenged sessions block on timeout")
		return nil
	}
	logging.Info().Str("url", vc.URL).Str("challenge_type", vc.ChallengeType).Msg("Step-up verifier registered")
	return dispatch.NewHTTPVerifier(dispatch.VerifierConfig{
		URL:           vc.URL,
		ChallengeType: vc.ChallengeType,
		Timeout:       vc.Timeout,
		Breaker: dispatch.BreakerConfig{
			FailureThreshold: vc.BreakerThreshold,
			Timeout:          vc.BreakerTimeout,
		},
	})
}
