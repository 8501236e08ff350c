// Vigil - Continuous Behavioral Authentication
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/vigil

package baseline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"
)

const baselineKeyPrefix = "baseline:"

// BadgerStore persists baselines in BadgerDB. Every save refreshes the
// entry TTL, so a baseline that is not updated within the retention period
// expires on its own.
type BadgerStore struct {
	db        *badger.DB
	retention time.Duration
}

// NewBadgerStore wraps an open database. A zero retention disables expiry.
func NewBadgerStore(db *badger.DB, retention time.Duration) *BadgerStore {
	return &BadgerStore{db: db, retention: retention}
}

// OpenBadger opens (or creates) a BadgerDB at path with logging routed away
// from badger's default stderr logger.
func OpenBadger(path string) (*badger.DB, error) {
	opts := badger.DefaultOptions(path).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open baseline store %s: %w", path, err)
	}
	return db, nil
}

func badgerKey(key Key) []byte {
	return []byte(baselineKeyPrefix + key.UserID + ":" + key.DeviceID)
}

// Load retrieves a baseline.
func (s *BadgerStore) Load(_ context.Context, key Key) (*UserBaseline, error) {
	var b UserBaseline
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(badgerKey(key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("get baseline: %w", err)
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &b)
		})
	})
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// Save writes b, refreshing its TTL.
func (s *BadgerStore) Save(_ context.Context, b *UserBaseline) error {
	data, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("marshal baseline: %w", err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		entry := badger.NewEntry(badgerKey(b.Key()), data)
		if s.retention > 0 {
			entry = entry.WithTTL(s.retention)
		}
		if err := txn.SetEntry(entry); err != nil {
			return fmt.Errorf("set baseline: %w", err)
		}
		return nil
	})
}

// Delete removes a baseline; deleting a missing key is not an error.
func (s *BadgerStore) Delete(_ context.Context, key Key) error {
	return s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Delete(badgerKey(key)); err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("delete baseline: %w", err)
		}
		return nil
	})
}
