// Vigil - Continuous Behavioral Authentication
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/vigil

package dispatch

import (
	"context"
	"testing"
	"time"
)

func TestMemoryLedgerClaimRelease(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	l := NewMemoryLedger(16, time.Hour)

	if ok, _ := l.Claim(ctx, "ev-1:decision"); !ok {
		t.Fatal("first claim refused")
	}
	if ok, _ := l.Claim(ctx, "ev-1:decision"); ok {
		t.Fatal("second claim granted")
	}
	if err := l.Release(ctx, "ev-1:decision"); err != nil {
		t.Fatal(err)
	}
	if ok, _ := l.Claim(ctx, "ev-1:decision"); !ok {
		t.Error("claim after release refused")
	}
	if l.Len() != 1 {
		t.Errorf("Len = %d, want 1", l.Len())
	}
}

func TestMemoryLedgerRunSweeperStops(t *testing.T) {
	t.Parallel()

	l := NewMemoryLedger(16, time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.RunSweeper(ctx) }()

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("RunSweeper = %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("RunSweeper did not stop")
	}
}
