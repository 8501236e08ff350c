// Vigil - Continuous Behavioral Authentication
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/vigil

package eventbus

import (
	"bytes"
	"context"
	"sync/atomic"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/goccy/go-json"

	"github.com/tomtom215/vigil/internal/engine"
	"github.com/tomtom215/vigil/internal/logging"
	"github.com/tomtom215/vigil/internal/metrics"
	"github.com/tomtom215/vigil/internal/telemetry"
)

// MetadataCorrelationID carries the producer's correlation ID.
const MetadataCorrelationID = "correlation_id"

// Ingester accepts telemetry batches. *engine.Engine satisfies it.
type Ingester interface {
	Ingest(ctx context.Context, samples []telemetry.BehaviorSample) engine.IngestResult
}

// TelemetryHandler feeds telemetry messages to the engine. A message holds
// either one sample object or an array of samples.
type TelemetryHandler struct {
	ingester Ingester
	topic    string
	logger   watermill.LoggerAdapter

	messagesReceived atomic.Int64
	samplesAccepted  atomic.Int64
	samplesRejected  atomic.Int64
	parseErrors      atomic.Int64
}

// HandlerStats is a snapshot of TelemetryHandler counters.
type HandlerStats struct {
	MessagesReceived int64 `json:"messages_received"`
	SamplesAccepted  int64 `json:"samples_accepted"`
	SamplesRejected  int64 `json:"samples_rejected"`
	ParseErrors      int64 `json:"parse_errors"`
}

// NewTelemetryHandler creates a handler for messages on topic.
func NewTelemetryHandler(ingester Ingester, topic string, logger watermill.LoggerAdapter) *TelemetryHandler {
	if logger == nil {
		logger = NewLoggerAdapter()
	}
	return &TelemetryHandler{ingester: ingester, topic: topic, logger: logger}
}

// Handle ingests one message. Malformed payloads are acked and counted;
// retrying cannot fix them. Per-sample validation failures are the engine's
// concern and never fail the message.
func (h *TelemetryHandler) Handle(msg *message.Message) error {
	h.messagesReceived.Add(1)

	samples, err := decodeSamples(msg.Payload)
	if err != nil {
		h.parseErrors.Add(1)
		metrics.RecordBusMessage(h.topic, "malformed")
		h.logger.Error("Failed to parse telemetry message", err, watermill.LogFields{
			"message_uuid": msg.UUID,
		})
		return nil
	}

	ctx := msg.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	if id := msg.Metadata.Get(MetadataCorrelationID); id != "" {
		ctx = logging.ContextWithCorrelationID(ctx, id)
	} else {
		ctx = logging.ContextWithNewCorrelationID(ctx)
	}

	res := h.ingester.Ingest(ctx, samples)
	h.samplesAccepted.Add(int64(res.Accepted))
	h.samplesRejected.Add(int64(res.Rejected))
	metrics.RecordBusMessage(h.topic, "ok")

	if res.Rejected > 0 {
		h.logger.Debug("Telemetry samples rejected", watermill.LogFields{
			"message_uuid": msg.UUID,
			"accepted":     res.Accepted,
			"rejected":     res.Rejected,
		})
	}
	return nil
}

// Stats returns the handler counters.
func (h *TelemetryHandler) Stats() HandlerStats {
	return HandlerStats{
		MessagesReceived: h.messagesReceived.Load(),
		SamplesAccepted:  h.samplesAccepted.Load(),
		SamplesRejected:  h.samplesRejected.Load(),
		ParseErrors:      h.parseErrors.Load(),
	}
}

func decodeSamples(payload []byte) ([]telemetry.BehaviorSample, error) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var s telemetry.BehaviorSample
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return nil, err
		}
		return []telemetry.BehaviorSample{s}, nil
	}
	var batch []telemetry.BehaviorSample
	if err := json.Unmarshal(trimmed, &batch); err != nil {
		return nil, err
	}
	return batch, nil
}
