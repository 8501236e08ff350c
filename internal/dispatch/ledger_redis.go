// Vigil - Continuous Behavioral Authentication
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/vigil

package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig configures a RedisLedger.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	// TTL bounds how long a claim is remembered.
	TTL time.Duration
}

// RedisLedger shares claims between engine instances. A claim is a SETNX
// with TTL, so two instances evaluating the same anomaly run each effect
// once.
type RedisLedger struct {
	client    redis.UniversalClient
	keyPrefix string
	ttl       time.Duration
}

// NewRedisLedger connects to Redis.
func NewRedisLedger(config RedisConfig) *RedisLedger {
	client := redis.NewClient(&redis.Options{
		Addr:     config.Addr,
		Password: config.Password,
		DB:       config.DB,
	})
	return NewRedisLedgerWithClient(client, config.TTL)
}

// NewRedisLedgerWithClient wraps an existing client.
func NewRedisLedgerWithClient(client redis.UniversalClient, ttl time.Duration) *RedisLedger {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisLedger{
		client:    client,
		keyPrefix: "vigil:ledger:",
		ttl:       ttl,
	}
}

// Claim implements Ledger.
func (l *RedisLedger) Claim(ctx context.Context, key string) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.keyPrefix+key, time.Now().UTC().Format(time.RFC3339Nano), l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to claim %s: %w", key, err)
	}
	return ok, nil
}

// Release implements Ledger.
func (l *RedisLedger) Release(ctx context.Context, key string) error {
	if err := l.client.Del(ctx, l.keyPrefix+key).Err(); err != nil {
		return fmt.Errorf("failed to release %s: %w", key, err)
	}
	return nil
}

// Ping checks the connection.
func (l *RedisLedger) Ping(ctx context.Context) error {
	return l.client.Ping(ctx).Err()
}

// Close closes the client.
func (l *RedisLedger) Close() error {
	return l.client.Close()
}
