// Vigil - Continuous Behavioral Authentication
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/vigil

package baseline

import (
	"context"
	"errors"
	"sync"
)

// ErrNotFound is returned when no baseline exists for a key.
var ErrNotFound = errors.New("baseline not found")

// Store persists user baselines. Implementations must be safe for concurrent
// use; callers serialize writes per user.
type Store interface {
	Load(ctx context.Context, key Key) (*UserBaseline, error)
	Save(ctx context.Context, b *UserBaseline) error
	Delete(ctx context.Context, key Key) error
}

// MemoryStore keeps baselines in process memory.
type MemoryStore struct {
	mu        sync.RWMutex
	baselines map[Key]*UserBaseline
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{baselines: make(map[Key]*UserBaseline)}
}

// Load returns a copy of the stored baseline.
func (s *MemoryStore) Load(_ context.Context, key Key) (*UserBaseline, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.baselines[key]
	if !ok {
		return nil, ErrNotFound
	}
	return b.Clone(), nil
}

// Save stores a copy of b.
func (s *MemoryStore) Save(_ context.Context, b *UserBaseline) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.baselines[b.Key()] = b.Clone()
	return nil
}

// Delete removes the baseline for key.
func (s *MemoryStore) Delete(_ context.Context, key Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.baselines, key)
	return nil
}

// Len returns the number of stored baselines.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.baselines)
}
