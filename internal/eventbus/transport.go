// Vigil - Continuous Behavioral Authentication
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/vigil

package eventbus

import (
	"errors"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/tomtom215/vigil/internal/config"
)

// Transport is a publisher and subscriber pair on one bus.
type Transport struct {
	Name       string
	Publisher  message.Publisher
	Subscriber message.Subscriber
}

// Close closes both sides. A shared pub/sub is closed once.
func (t *Transport) Close() error {
	var errs []error
	if t.Subscriber != nil {
		if err := t.Subscriber.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close subscriber: %w", err))
		}
	}
	if t.Publisher != nil && any(t.Publisher) != any(t.Subscriber) {
		if err := t.Publisher.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close publisher: %w", err))
		}
	}
	return errors.Join(errs...)
}

// NewChannelTransport returns an in-process transport. Messages are not
// persisted; a publish with no subscriber is dropped.
func NewChannelTransport(bufferSize int64, logger watermill.LoggerAdapter) *Transport {
	if logger == nil {
		logger = NewLoggerAdapter()
	}
	ch := gochannel.NewGoChannel(gochannel.Config{
		OutputChannelBuffer: bufferSize,
	}, logger)
	return &Transport{Name: "channel", Publisher: ch, Subscriber: ch}
}

// NewTransport picks the transport cfg asks for: NATS when enabled,
// otherwise the in-process channel.
func NewTransport(cfg *config.NATSConfig, logger watermill.LoggerAdapter) (*Transport, error) {
	if cfg != nil && cfg.Enabled {
		return NewNATSTransport(cfg, logger)
	}
	return NewChannelTransport(256, logger), nil
}
