// Vigil - Continuous Behavioral Authentication
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/vigil

//go:build integration

package dispatch

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/tomtom215/vigil/internal/testinfra"
)

// redisAddr returns VIGIL_TEST_REDIS_ADDR, or starts a Redis container.
func redisAddr(t *testing.T, ctx context.Context) string {
	t.Helper()
	if addr := os.Getenv("VIGIL_TEST_REDIS_ADDR"); addr != "" {
		return addr
	}
	testinfra.SkipIfNoDocker(t)
	c, err := testinfra.NewRedisContainer(ctx)
	if err != nil {
		t.Fatalf("start redis: %v", err)
	}
	t.Cleanup(func() { testinfra.CleanupContainer(t, context.Background(), c) })
	return c.Addr
}

func TestRedisLedger(t *testing.T) {
	ctx := context.Background()
	addr := redisAddr(t, ctx)

	l := NewRedisLedger(RedisConfig{Addr: addr, TTL: time.Minute})
	defer l.Close()
	if err := l.Ping(ctx); err != nil {
		t.Fatalf("Ping() error = %v", err)
	}

	key := AnomalyKey(uuid.NewString(), EffectNotify)
	defer l.Release(ctx, key)

	ok, err := l.Claim(ctx, key)
	if err != nil || !ok {
		t.Fatalf("first Claim = %v, %v", ok, err)
	}

	// A second instance sharing the server loses the claim.
	other := NewRedisLedger(RedisConfig{Addr: addr, TTL: time.Minute})
	defer other.Close()
	if ok, err := other.Claim(ctx, key); err != nil || ok {
		t.Errorf("second instance Claim = %v, %v", ok, err)
	}

	if err := l.Release(ctx, key); err != nil {
		t.Fatal(err)
	}
	if ok, _ := other.Claim(ctx, key); !ok {
		t.Error("Claim after Release should win")
	}
}
