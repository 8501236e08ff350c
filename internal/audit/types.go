// Vigil - Continuous Behavioral Authentication
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/vigil

package audit

import (
	"context"
	"errors"
	"time"

	"github.com/goccy/go-json"

	"github.com/tomtom215/vigil/internal/anomaly"
)

// ErrEventNotFound is returned by Store.Get for an unknown ID.
var ErrEventNotFound = errors.New("audit event not found")

// EventType categorizes audit events.
type EventType string

const (
	// Session lifecycle
	EventTypeSessionOpened EventType = "session.opened"
	EventTypeSessionClosed EventType = "session.closed"
	EventTypeTransition    EventType = "session.transition"

	// Detection
	EventTypeAnomaly         EventType = "anomaly.detected"
	EventTypeAnomalyResolved EventType = "anomaly.resolved"

	// Step-up verification
	EventTypeVerification EventType = "verification.result"

	// Administrative events
	EventTypeAdminAction EventType = "admin.action"
)

// Severity indicates the severity level of an audit event.
type Severity string

const (
	SeverityDebug    Severity = "debug"
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

var severityOrder = map[Severity]int{
	SeverityDebug:    0,
	SeverityInfo:     1,
	SeverityWarning:  2,
	SeverityError:    3,
	SeverityCritical: 4,
}

// SeverityFromAnomaly maps an anomaly severity onto the audit scale.
func SeverityFromAnomaly(s anomaly.Severity) Severity {
	switch {
	case s >= anomaly.SeverityCritical:
		return SeverityCritical
	case s >= anomaly.SeverityHigh:
		return SeverityError
	case s >= anomaly.SeverityMedium:
		return SeverityWarning
	default:
		return SeverityInfo
	}
}

// Outcome indicates whether an action succeeded or failed.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
	OutcomeUnknown Outcome = "unknown"
)

// Event is an immutable audit record.
type Event struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Type      EventType `json:"type"`
	Severity  Severity  `json:"severity"`
	Outcome   Outcome   `json:"outcome"`

	// SessionID and UserID identify the subject of the record.
	SessionID string `json:"session_id,omitempty"`
	UserID    string `json:"user_id,omitempty"`

	// Actor performed the action: the engine itself or an operator.
	Actor Actor `json:"actor"`

	Action      string `json:"action"`
	Description string `json:"description"`

	// Metadata carries event-specific details such as per-feature rationale.
	Metadata json.RawMessage `json:"metadata,omitempty"`

	// CorrelationID links the record to the anomaly or transition it
	// describes.
	CorrelationID string `json:"correlation_id,omitempty"`
}

// Actor represents who performed an action.
type Actor struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Name string `json:"name,omitempty"`
}

// SystemActor returns the Actor used for decisions the engine makes itself.
func SystemActor() Actor {
	return Actor{
		ID:   "vigil",
		Type: "system",
		Name: "Vigil",
	}
}

// OperatorActor returns an Actor for an administrative caller.
func OperatorActor(id string) Actor {
	return Actor{ID: id, Type: "operator"}
}

// Store defines the interface for audit event persistence.
type Store interface {
	Save(ctx context.Context, event *Event) error
	Get(ctx context.Context, id string) (*Event, error)
	Query(ctx context.Context, filter QueryFilter) ([]Event, error)
	Count(ctx context.Context, filter QueryFilter) (int64, error)
	// Delete removes events older than the retention period.
	Delete(ctx context.Context, olderThan time.Time) (int64, error)
}

// QueryFilter defines filtering options for audit queries.
type QueryFilter struct {
	Types         []EventType `json:"types,omitempty"`
	Severities    []Severity  `json:"severities,omitempty"`
	SessionID     string      `json:"session_id,omitempty"`
	UserID        string      `json:"user_id,omitempty"`
	CorrelationID string      `json:"correlation_id,omitempty"`
	StartTime     *time.Time  `json:"start_time,omitempty"`
	EndTime       *time.Time  `json:"end_time,omitempty"`

	// SearchText performs a case-insensitive search on description and action.
	SearchText string `json:"search_text,omitempty"`

	Limit  int `json:"limit,omitempty"`
	Offset int `json:"offset,omitempty"`

	// OrderDesc sorts newest first.
	OrderDesc bool `json:"order_desc,omitempty"`
}

// DefaultQueryFilter returns the newest 100 events.
func DefaultQueryFilter() QueryFilter {
	return QueryFilter{
		Limit:     100,
		OrderDesc: true,
	}
}
