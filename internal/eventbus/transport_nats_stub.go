// Vigil - Continuous Behavioral Authentication
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/vigil

//go:build !nats

package eventbus

import (
	"fmt"

	"github.com/ThreeDotsLabs/watermill"

	"github.com/tomtom215/vigil/internal/config"
)

// NewNATSTransport returns an error when NATS support is not compiled in.
// Build with -tags=nats to enable it.
func NewNATSTransport(_ *config.NATSConfig, _ watermill.LoggerAdapter) (*Transport, error) {
	return nil, fmt.Errorf("NATS transport not available: build with -tags=nats")
}
