// Vigil - Continuous Behavioral Authentication
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/vigil

package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/tomtom215/vigil/internal/aggregator"
	"github.com/tomtom215/vigil/internal/logging"
	"github.com/tomtom215/vigil/internal/scoring"
	"github.com/tomtom215/vigil/internal/session"
)

// entry is one active session. mu is the per-session lock: every read or
// mutation of sess, window and the cycle bookkeeping happens under it. The
// queue has its own lock so ingest never waits on an evaluation.
type entry struct {
	mu     sync.Mutex
	sess   *session.Context
	window *aggregator.Window
	queue  *sampleQueue

	// coldStart and confidence describe the last evaluated cycle.
	coldStart  bool
	confidence scoring.Confidence

	// verifyErr is set while the pending challenge could not reach the
	// verification service.
	verifyErr error

	// lastSeen is the unix-nano time of the newest accepted sample.
	lastSeen atomic.Int64
}

func (en *entry) touch(now time.Time) {
	ns := now.UnixNano()
	for {
		cur := en.lastSeen.Load()
		if ns <= cur || en.lastSeen.CompareAndSwap(cur, ns) {
			return
		}
	}
}

// syncActivity copies the ingest-side activity time into the context.
// Callers hold en.mu.
func (en *entry) syncActivity() {
	if ns := en.lastSeen.Load(); ns > 0 {
		if seen := time.Unix(0, ns); seen.After(en.sess.LastActivity) {
			en.sess.LastActivity = seen
		}
	}
}

// shard owns a partition of the sessions and evaluates them on its own
// tick.
type shard struct {
	id       int
	mu       sync.RWMutex
	sessions map[string]*entry
}

func newShards(n int) []*shard {
	if n <= 0 {
		n = 1
	}
	shards := make([]*shard, n)
	for i := range shards {
		shards[i] = &shard{id: i, sessions: make(map[string]*entry)}
	}
	return shards
}

// shardFor picks the shard owning sessionID.
func (e *Engine) shardFor(sessionID string) *shard {
	return e.shards[xxhash.Sum64String(sessionID)%uint64(len(e.shards))]
}

func (s *shard) get(sessionID string) *entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sessions[sessionID]
}

// add registers en unless the ID is taken.
func (s *shard) add(sessionID string, en *entry) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[sessionID]; ok {
		return false
	}
	s.sessions[sessionID] = en
	return true
}

// remove drops sessionID if it still maps to en.
func (s *shard) remove(sessionID string, en *entry) {
	s.mu.Lock()
	if s.sessions[sessionID] == en {
		delete(s.sessions, sessionID)
	}
	s.mu.Unlock()
}

func (s *shard) entries() []*entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*entry, 0, len(s.sessions))
	for _, en := range s.sessions {
		out = append(out, en)
	}
	return out
}

func (s *shard) len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// runShard evaluates the shard's sessions every tick until ctx is done.
func (e *Engine) runShard(ctx context.Context, s *shard) {
	ticker := time.NewTicker(e.cfg.TickInterval)
	defer ticker.Stop()

	log := logging.Ctx(ctx).With().Int("shard", s.id).Logger()
	log.Debug().Dur("tick", e.cfg.TickInterval).Msg("shard worker started")

	for {
		select {
		case <-ctx.Done():
			log.Debug().Msg("shard worker stopped")
			return
		case <-ticker.C:
			e.tick(ctx, s)
		}
	}
}

// tick runs one evaluation cycle for every session of s with pending
// samples.
func (e *Engine) tick(ctx context.Context, s *shard) int {
	evaluated := 0
	for _, en := range s.entries() {
		if ctx.Err() != nil {
			break
		}
		if en.queue.len() == 0 {
			continue
		}
		if _, err := e.runCycle(ctx, en); err == nil || isDegraded(err) {
			evaluated++
		}
	}
	return evaluated
}
