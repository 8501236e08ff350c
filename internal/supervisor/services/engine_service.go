// Vigil - Continuous Behavioral Authentication
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/vigil

package services

import (
	"context"
)

// EngineRunner runs the shard tick loops. Satisfied by *engine.Engine.
type EngineRunner interface {
	// Run evaluates sessions until ctx is canceled, then drains pending
	// samples.
	Run(ctx context.Context) error
}

// EngineService wraps the engine's tick loops.
type EngineService struct {
	engine EngineRunner
	name   string
}

// NewEngineService creates the service.
func NewEngineService(engine EngineRunner) *EngineService {
	return &EngineService{engine: engine, name: "evaluation-engine"}
}

// Serve implements suture.Service.
func (s *EngineService) Serve(ctx context.Context) error {
	return s.engine.Run(ctx)
}

func (s *EngineService) String() string {
	return s.name
}

// Sweeper runs the periodic session sweep. Satisfied by *engine.Engine.
type Sweeper interface {
	RunSweeper(ctx context.Context) error
}

// SweeperService wraps the idle and expiry sweep. It is supervised
// separately so a slow sweep never delays a tick.
type SweeperService struct {
	sweeper Sweeper
	name    string
}

// NewSweeperService creates the service.
func NewSweeperService(sweeper Sweeper) *SweeperService {
	return &SweeperService{sweeper: sweeper, name: "session-sweeper"}
}

// Serve implements suture.Service.
func (s *SweeperService) Serve(ctx context.Context) error {
	return s.sweeper.RunSweeper(ctx)
}

func (s *SweeperService) String() string {
	return s.name
}

// NewLedgerSweeperService wraps the in-memory idempotency ledger's expiry
// loop.
func NewLedgerSweeperService(sweeper Sweeper) *SweeperService {
	return &SweeperService{sweeper: sweeper, name: "ledger-sweeper"}
}
