// Vigil - Continuous Behavioral Authentication
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/vigil

package dispatch

import (
	"context"
	"time"

	"github.com/tomtom215/vigil/internal/cache"
	"github.com/tomtom215/vigil/internal/logging"
)

// Effect names one kind of side effect a dispatch may run.
type Effect string

const (
	EffectDecision     Effect = "decision"
	EffectAudit        Effect = "audit"
	EffectResolved     Effect = "resolved"
	EffectNotify       Effect = "notify"
	EffectVerification Effect = "verification"
)

// AnomalyKey is the ledger key for an effect of an anomaly.
func AnomalyKey(anomalyID string, effect Effect) string {
	return "anomaly/" + anomalyID + "/" + string(effect)
}

// TransitionKey is the ledger key for an effect of a transition.
func TransitionKey(transitionID string, effect Effect) string {
	return "transition/" + transitionID + "/" + string(effect)
}

// EvaluationKey is the ledger key for an effect of an evaluation.
func EvaluationKey(evaluationID string, effect Effect) string {
	return "evaluation/" + evaluationID + "/" + string(effect)
}

// Ledger records which effects have already run. Claim is atomic: exactly
// one caller claiming a key gets true until the key is released or expires.
type Ledger interface {
	Claim(ctx context.Context, key string) (bool, error)
	// Release gives up a claim so a retry can run the effect.
	Release(ctx context.Context, key string) error
}

// MemoryLedger is a single-process Ledger on a bounded LRU claim set.
type MemoryLedger struct {
	claims *cache.LRUCache
}

// NewMemoryLedger creates a ledger holding at most capacity claims for ttl.
func NewMemoryLedger(capacity int, ttl time.Duration) *MemoryLedger {
	return &MemoryLedger{claims: cache.NewLRUCache(capacity, ttl)}
}

// Claim implements Ledger.
func (l *MemoryLedger) Claim(_ context.Context, key string) (bool, error) {
	return l.claims.Claim(key), nil
}

// Release implements Ledger.
func (l *MemoryLedger) Release(_ context.Context, key string) error {
	l.claims.Remove(key)
	return nil
}

// Len returns the number of live claims.
func (l *MemoryLedger) Len() int {
	return l.claims.Len()
}

// Sweep drops expired claims and returns how many were removed.
func (l *MemoryLedger) Sweep() int {
	return l.claims.CleanupExpired()
}

// ledgerSweepInterval is how often RunSweeper drops expired claims.
const ledgerSweepInterval = time.Minute

// RunSweeper drops expired claims every minute until ctx is done.
func (l *MemoryLedger) RunSweeper(ctx context.Context) error {
	ticker := time.NewTicker(ledgerSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n := l.Sweep(); n > 0 {
				logging.Debug().Int("expired", n).Msg("ledger sweep")
			}
		}
	}
}
