// Vigil - Continuous Behavioral Authentication
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/vigil

package eventbus

import (
	"context"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/goccy/go-json"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/tomtom215/vigil/internal/dispatch"
	"github.com/tomtom215/vigil/internal/logging"
	"github.com/tomtom215/vigil/internal/metrics"
)

// Metadata keys set on decision messages.
const (
	MetadataSessionID = "session_id"
	MetadataState     = "state"
	MetadataAction    = "action"
)

// DecisionPublisher publishes evaluations to the authorization gate's topic.
// The message UUID is the evaluation ID, so a JetStream publisher with
// message ID tracking drops replays.
type DecisionPublisher struct {
	publisher message.Publisher
	topic     string
	breaker   *gobreaker.CircuitBreaker[struct{}]
}

var _ dispatch.DecisionSink = (*DecisionPublisher)(nil)

// NewDecisionPublisher creates a publisher for topic. Consecutive publish
// failures open a circuit breaker; while open, Publish fails fast.
func NewDecisionPublisher(pub message.Publisher, topic string) *DecisionPublisher {
	return &DecisionPublisher{
		publisher: pub,
		topic:     topic,
		breaker: gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
			Name:        dispatch.ServiceDecisionSink,
			MaxRequests: 1,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
	}
}

// Publish implements dispatch.DecisionSink.
func (p *DecisionPublisher) Publish(ctx context.Context, ev *dispatch.Evaluation) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal evaluation: %w", err)
	}

	msg := message.NewMessage(ev.ID, payload)
	msg.Metadata.Set(MetadataSessionID, ev.SessionID)
	msg.Metadata.Set(MetadataState, string(ev.State))
	msg.Metadata.Set(MetadataAction, string(ev.Action))
	if id := logging.CorrelationIDFromContext(ctx); id != "" {
		msg.Metadata.Set(MetadataCorrelationID, id)
	}
	msg.SetContext(ctx)

	_, err = p.breaker.Execute(func() (struct{}, error) {
		return struct{}{}, p.publisher.Publish(p.topic, msg)
	})
	if err != nil {
		metrics.RecordBusMessage(p.topic, "error")
		return fmt.Errorf("publish decision: %w", err)
	}
	metrics.RecordBusMessage(p.topic, "ok")
	return nil
}
