// Vigil - Continuous Behavioral Authentication
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/vigil

package services

import (
	"context"
	"fmt"
)

// MessageRouter is a runnable message router. Satisfied by
// *eventbus.Router.
type MessageRouter interface {
	Run(ctx context.Context) error
	Close() error
}

// RouterFactory builds a router with its handlers registered.
type RouterFactory func() (MessageRouter, error)

// RouterService runs the telemetry consumer.
type RouterService struct {
	factory RouterFactory
	name    string
}

// NewRouterService creates the service. factory is called on every start.
func NewRouterService(factory RouterFactory) *RouterService {
	return &RouterService{factory: factory, name: "telemetry-router"}
}

// Serve implements suture.Service.
func (s *RouterService) Serve(ctx context.Context) error {
	router, err := s.factory()
	if err != nil {
		return fmt.Errorf("build router: %w", err)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- router.Run(ctx) }()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("router stopped: %w", err)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("router stopped unexpectedly")
	case <-ctx.Done():
		if err := router.Close(); err != nil {
			return fmt.Errorf("close router: %w", err)
		}
		<-errCh
		return ctx.Err()
	}
}

func (s *RouterService) String() string {
	return s.name
}
