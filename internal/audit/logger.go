// Vigil - Continuous Behavioral Authentication
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/vigil

package audit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/tomtom215/vigil/internal/anomaly"
	"github.com/tomtom215/vigil/internal/logging"
	"github.com/tomtom215/vigil/internal/metrics"
	"github.com/tomtom215/vigil/internal/scoring"
	"github.com/tomtom215/vigil/internal/session"
)

// ServiceName labels the audit trail in degraded-service reporting.
const ServiceName = "audit"

// ErrBufferFull is returned when a record could not be queued and was
// dropped.
var ErrBufferFull = errors.New("audit buffer full")

// Config holds configuration for the audit logger.
type Config struct {
	// Enabled controls whether audit logging is active.
	Enabled bool `json:"enabled"`

	// LogLevel filters events by minimum severity.
	LogLevel Severity `json:"log_level"`

	// RetentionDays is how long to keep audit records. Zero keeps them forever.
	RetentionDays int `json:"retention_days"`

	// CleanupInterval is how often to run retention cleanup.
	CleanupInterval time.Duration `json:"cleanup_interval"`

	// BufferSize is the size of the async write buffer.
	BufferSize int `json:"buffer_size"`

	// LogToStdout also writes events to the application log.
	LogToStdout bool `json:"log_to_stdout"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Enabled:         true,
		LogLevel:        SeverityInfo,
		RetentionDays:   90,
		CleanupInterval: 24 * time.Hour,
		BufferSize:      1000,
	}
}

// Logger writes audit records asynchronously. Log never blocks the
// evaluation path; when the buffer is full the record is dropped and counted.
type Logger struct {
	config    *Config
	store     Store
	eventChan chan *Event
	mu        sync.RWMutex
	stopChan  chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup
	now       func() time.Time

	// writeErr is the error of the most recent Save; a later successful
	// Save clears it.
	writeErr error
}

// NewLogger creates an audit logger and starts its writer.
func NewLogger(store Store, config *Config) *Logger {
	if config == nil {
		config = DefaultConfig()
	}
	if config.BufferSize <= 0 {
		config.BufferSize = DefaultConfig().BufferSize
	}

	l := &Logger{
		config:    config,
		store:     store,
		eventChan: make(chan *Event, config.BufferSize),
		stopChan:  make(chan struct{}),
		now:       time.Now,
	}

	l.wg.Add(1)
	go l.asyncWriter()

	return l
}

// asyncWriter processes events from the buffer.
func (l *Logger) asyncWriter() {
	defer l.wg.Done()

	for {
		select {
		case <-l.stopChan:
			for {
				select {
				case event := <-l.eventChan:
					l.writeEvent(event)
				default:
					return
				}
			}
		case event := <-l.eventChan:
			l.writeEvent(event)
		}
	}
}

// writeEvent persists an event to the store.
func (l *Logger) writeEvent(event *Event) {
	l.mu.RLock()
	config := l.config
	l.mu.RUnlock()

	if config.LogToStdout {
		l.logToStdout(event)
	}

	if l.store == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := l.store.Save(ctx, event)
	metrics.SetServiceDegraded(ServiceName, err != nil)
	if err != nil {
		metrics.AuditSaveFailures.Inc()
		logging.Error().Err(err).Str("event_id", event.ID).Msg("Failed to save audit event")
	}
	l.mu.Lock()
	l.writeErr = err
	l.mu.Unlock()
}

// WriteErr returns the error of the last failed write, or nil once a write
// has succeeded since.
func (l *Logger) WriteErr() error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.writeErr != nil {
		return fmt.Errorf("audit writer: %w", l.writeErr)
	}
	return nil
}

// Check reports the writer's health for the readiness check.
func (l *Logger) Check(context.Context) error {
	return l.WriteErr()
}

func (l *Logger) logToStdout(event *Event) {
	data, err := json.Marshal(event)
	if err != nil {
		logging.Error().Err(err).Msg("Failed to marshal audit event")
		return
	}
	logging.Info().RawJSON("event", data).Msg("Audit event")
}

// Log records an audit event. It reports whether the event was queued.
func (l *Logger) Log(event *Event) bool {
	queued, _ := l.submit(event)
	return queued
}

// submit queues event. A record filtered out by the configuration is not
// queued and is not an error; a full buffer returns ErrBufferFull.
func (l *Logger) submit(event *Event) (bool, error) {
	l.mu.RLock()
	config := l.config
	l.mu.RUnlock()

	if !config.Enabled || !shouldLog(event.Severity, config.LogLevel) {
		return false, nil
	}

	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = l.now().UTC()
	}

	select {
	case l.eventChan <- event:
		return true, nil
	default:
		metrics.AuditEventsDropped.Inc()
		logging.Warn().Str("event_id", event.ID).Str("type", string(event.Type)).
			Msg("Audit event buffer full, dropping event")
		return false, ErrBufferFull
	}
}

func shouldLog(severity, minimum Severity) bool {
	return severityOrder[severity] >= severityOrder[minimum]
}

// Close drains the buffer and stops the writer.
func (l *Logger) Close() error {
	l.stopOnce.Do(func() {
		close(l.stopChan)
	})
	l.wg.Wait()
	return nil
}

// RunCleanup deletes records past retention every CleanupInterval until ctx
// is canceled.
func (l *Logger) RunCleanup(ctx context.Context) {
	l.mu.RLock()
	interval := l.config.CleanupInterval
	retention := l.config.RetentionDays
	l.mu.RUnlock()

	if interval <= 0 || retention <= 0 || l.store == nil {
		<-ctx.Done()
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := l.now().AddDate(0, 0, -retention)
			count, err := l.store.Delete(ctx, cutoff)
			if err != nil {
				logging.Error().Err(err).Msg("Audit cleanup error")
			} else if count > 0 {
				logging.Info().Int64("count", count).Msg("Cleaned up old audit events")
			}
		}
	}
}

// Query retrieves events matching the filter.
func (l *Logger) Query(ctx context.Context, filter QueryFilter) ([]Event, error) {
	return l.store.Query(ctx, filter)
}

// Count returns the number of events matching the filter.
func (l *Logger) Count(ctx context.Context, filter QueryFilter) (int64, error) {
	return l.store.Count(ctx, filter)
}

// SetEnabled enables or disables audit logging.
func (l *Logger) SetEnabled(enabled bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.config.Enabled = enabled
}

// Enabled returns whether audit logging is enabled.
func (l *Logger) Enabled() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.config.Enabled
}

// Rationale is the per-feature breakdown attached to anomaly and transition
// records.
type Rationale struct {
	Feature      string  `json:"feature"`
	Z            float64 `json:"z"`
	Normalcy     float64 `json:"normalcy"`
	Weight       float64 `json:"weight"`
	Contribution float64 `json:"contribution"`
}

// RationaleFrom converts scorer contributions.
func RationaleFrom(contributions []scoring.Contribution) []Rationale {
	if len(contributions) == 0 {
		return nil
	}
	out := make([]Rationale, len(contributions))
	for i, c := range contributions {
		out[i] = Rationale{
			Feature:      string(c.Feature),
			Z:            c.Z,
			Normalcy:     c.Normalcy,
			Weight:       c.Weight,
			Contribution: c.Contribution,
		}
	}
	return out
}

// LogSessionOpened records the start of continuous evaluation for a session.
func (l *Logger) LogSessionOpened(sessionID, userID, deviceID string) bool {
	return l.Log(&Event{
		Type:        EventTypeSessionOpened,
		Severity:    SeverityInfo,
		Outcome:     OutcomeSuccess,
		SessionID:   sessionID,
		UserID:      userID,
		Actor:       SystemActor(),
		Action:      "open",
		Description: "Session opened",
		Metadata:    mustJSON(map[string]string{"device_id": deviceID}),
	})
}

// LogSessionClosed records the end of evaluation for a session.
func (l *Logger) LogSessionClosed(sessionID, userID, reason string) bool {
	return l.Log(&Event{
		Type:        EventTypeSessionClosed,
		Severity:    SeverityInfo,
		Outcome:     OutcomeSuccess,
		SessionID:   sessionID,
		UserID:      userID,
		Actor:       SystemActor(),
		Action:      "close",
		Description: "Session closed: " + reason,
	})
}

// LogAnomaly records a detected anomaly with the score rationale of the
// cycle that raised it. It returns ErrBufferFull when the record was dropped.
func (l *Logger) LogAnomaly(e *anomaly.Event, trustScore int, rationale []Rationale) error {
	_, err := l.submit(&Event{
		Timestamp:   e.Timestamp,
		Type:        EventTypeAnomaly,
		Severity:    SeverityFromAnomaly(e.Severity),
		Outcome:     OutcomeSuccess,
		SessionID:   e.SessionID,
		UserID:      e.UserID,
		Actor:       SystemActor(),
		Action:      string(e.ActionTaken),
		Description: e.Description,
		Metadata: mustJSON(map[string]interface{}{
			"anomaly_type": e.Type,
			"severity":     e.Severity.String(),
			"confidence":   e.Confidence,
			"components":   e.Components,
			"trust_score":  trustScore,
			"rationale":    rationale,
		}),
		CorrelationID: e.ID,
	})
	return err
}

// LogAnomalyResolved records that an anomaly was closed and by what.
func (l *Logger) LogAnomalyResolved(e *anomaly.Event, actor Actor, cause string) error {
	_, err := l.submit(&Event{
		Type:          EventTypeAnomalyResolved,
		Severity:      SeverityInfo,
		Outcome:       OutcomeSuccess,
		SessionID:     e.SessionID,
		UserID:        e.UserID,
		Actor:         actor,
		Action:        "resolve",
		Description:   fmt.Sprintf("%s anomaly resolved: %s", e.Type, cause),
		Metadata:      mustJSON(map[string]string{"cause": cause}),
		CorrelationID: e.ID,
	})
	return err
}

// LogTransition records a committed state change.
func (l *Logger) LogTransition(t *session.Transition, trustScore int, rationale []Rationale) error {
	severity := SeverityInfo
	switch t.To {
	case session.StateChallenged:
		severity = SeverityWarning
	case session.StateBlocked:
		severity = SeverityCritical
	}
	_, err := l.submit(&Event{
		Timestamp:   t.Timestamp,
		Type:        EventTypeTransition,
		Severity:    severity,
		Outcome:     OutcomeSuccess,
		SessionID:   t.SessionID,
		UserID:      t.UserID,
		Actor:       SystemActor(),
		Action:      string(t.To.Action()),
		Description: fmt.Sprintf("Session %s -> %s (%s)", t.From, t.To, t.Trigger),
		Metadata: mustJSON(map[string]interface{}{
			"from":        t.From,
			"to":          t.To,
			"trigger":     t.Trigger,
			"reason":      t.Reason,
			"trust_score": trustScore,
			"rationale":   rationale,
		}),
		CorrelationID: t.ID,
	})
	return err
}

// LogVerification records a step-up verification outcome.
func (l *Logger) LogVerification(sessionID, userID string, success bool, method string) bool {
	outcome, severity, desc := OutcomeSuccess, SeverityInfo, "Step-up verification succeeded"
	if !success {
		outcome, severity, desc = OutcomeFailure, SeverityWarning, "Step-up verification failed"
	}
	return l.Log(&Event{
		Type:        EventTypeVerification,
		Severity:    severity,
		Outcome:     outcome,
		SessionID:   sessionID,
		UserID:      userID,
		Actor:       SystemActor(),
		Action:      "verify",
		Description: desc,
		Metadata:    mustJSON(map[string]string{"method": method}),
	})
}

// LogAdminAction records an operator action against a session.
func (l *Logger) LogAdminAction(actor Actor, action, sessionID, userID, description string) bool {
	return l.Log(&Event{
		Type:        EventTypeAdminAction,
		Severity:    SeverityWarning,
		Outcome:     OutcomeSuccess,
		SessionID:   sessionID,
		UserID:      userID,
		Actor:       actor,
		Action:      action,
		Description: description,
	})
}

// mustJSON converts a value to JSON, returning empty object on error.
func mustJSON(v interface{}) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage("{}")
	}
	return data
}
