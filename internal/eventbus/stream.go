// Vigil - Continuous Behavioral Authentication
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/vigil

//go:build nats

package eventbus

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/tomtom215/vigil/internal/config"
)

// JetStreamContext is the part of jetstream.JetStream EnsureStream needs.
type JetStreamContext interface {
	Stream(ctx context.Context, name string) (jetstream.Stream, error)
	CreateStream(ctx context.Context, cfg jetstream.StreamConfig) (jetstream.Stream, error)
	UpdateStream(ctx context.Context, cfg jetstream.StreamConfig) (jetstream.Stream, error)
}

// StreamConfigFor returns the stream holding the telemetry, decision and
// poison subjects. Stream names cannot contain '.', so subscribers bind to
// this stream instead of auto-provisioning one per topic.
func StreamConfigFor(cfg *config.NATSConfig) jetstream.StreamConfig {
	subjects := []string{cfg.TelemetryTopic}
	for _, s := range []string{cfg.DecisionTopic, DefaultRouterConfig().PoisonQueueTopic} {
		dup := false
		for _, have := range subjects {
			if have == s {
				dup = true
				break
			}
		}
		if !dup && s != "" {
			subjects = append(subjects, s)
		}
	}

	return jetstream.StreamConfig{
		Name:       cfg.StreamName,
		Subjects:   subjects,
		Retention:  jetstream.LimitsPolicy,
		MaxAge:     cfg.StreamMaxAge,
		MaxMsgs:    -1,
		Duplicates: 2 * time.Minute,
		Replicas:   1,
		Storage:    jetstream.FileStorage,
		Discard:    jetstream.DiscardOld,
	}
}

// EnsureStream creates the stream, or updates it when it already exists.
func EnsureStream(ctx context.Context, js JetStreamContext, sc jetstream.StreamConfig) error {
	_, err := js.Stream(ctx, sc.Name)
	switch {
	case err == nil:
		if _, err := js.UpdateStream(ctx, sc); err != nil {
			return fmt.Errorf("update stream %s: %w", sc.Name, err)
		}
		return nil
	case errors.Is(err, jetstream.ErrStreamNotFound):
		if _, err := js.CreateStream(ctx, sc); err != nil {
			return fmt.Errorf("create stream %s: %w", sc.Name, err)
		}
		return nil
	default:
		return fmt.Errorf("check stream %s: %w", sc.Name, err)
	}
}
