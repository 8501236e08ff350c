// Vigil - Continuous Behavioral Authentication
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/vigil

package audit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/duckdb/duckdb-go/v2"
	"github.com/goccy/go-json"

	"github.com/tomtom215/vigil/internal/logging"
)

// DuckDBStore implements Store on a DuckDB database.
type DuckDBStore struct {
	db *sql.DB
	mu sync.RWMutex
}

// OpenDuckDB opens (or creates) the DuckDB file at path. ":memory:" opens a
// private in-memory database.
func OpenDuckDB(path string) (*sql.DB, error) {
	// Extensions are never needed here; disabling autoload keeps startup
	// from reaching the network.
	connStr := path + "?access_mode=read_write&autoinstall_known_extensions=false&autoload_known_extensions=false"
	db, err := sql.Open("duckdb", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to audit database: %w", err)
	}
	return db, nil
}

// NewDuckDBStore creates a DuckDB-backed audit store. Call CreateTable
// before first use.
func NewDuckDBStore(db *sql.DB) *DuckDBStore {
	return &DuckDBStore{db: db}
}

// buildSliceCondition creates a SQL IN condition for a slice of string values.
func buildSliceCondition[T ~string](column string, values []T, args *[]interface{}) string {
	if len(values) == 0 {
		return ""
	}
	placeholders := make([]string, len(values))
	for i, v := range values {
		placeholders[i] = "?"
		*args = append(*args, string(v))
	}
	return fmt.Sprintf("%s IN (%s)", column, strings.Join(placeholders, ","))
}

// CreateTable creates the audit_events table if it doesn't exist.
func (s *DuckDBStore) CreateTable(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS audit_events (
			id TEXT PRIMARY KEY,
			timestamp TIMESTAMPTZ NOT NULL,
			type TEXT NOT NULL,
			severity TEXT NOT NULL,
			outcome TEXT NOT NULL,

			session_id TEXT,
			user_id TEXT,

			actor_id TEXT NOT NULL,
			actor_type TEXT NOT NULL,
			actor_name TEXT,

			action TEXT NOT NULL,
			description TEXT NOT NULL,
			metadata JSON,
			correlation_id TEXT,

			created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
		);

		CREATE INDEX IF NOT EXISTS idx_audit_timestamp ON audit_events(timestamp DESC);
		CREATE INDEX IF NOT EXISTS idx_audit_type ON audit_events(type);
		CREATE INDEX IF NOT EXISTS idx_audit_session_id ON audit_events(session_id);
		CREATE INDEX IF NOT EXISTS idx_audit_user_id ON audit_events(user_id);
		CREATE INDEX IF NOT EXISTS idx_audit_correlation_id ON audit_events(correlation_id);
	`

	for _, stmt := range strings.Split(query, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}

	logging.Info().Msg("Audit events table created/verified")
	return nil
}

// Save persists an audit event. Records are append-only; saving an existing
// ID fails.
func (s *DuckDBStore) Save(ctx context.Context, event *Event) error {
	if event == nil {
		return fmt.Errorf("event cannot be nil")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, insertQuery,
		event.ID,
		event.Timestamp,
		string(event.Type),
		string(event.Severity),
		string(event.Outcome),
		nullString(event.SessionID),
		nullString(event.UserID),
		event.Actor.ID,
		event.Actor.Type,
		event.Actor.Name,
		event.Action,
		event.Description,
		extractMetadata(event.Metadata),
		nullString(event.CorrelationID),
		time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to save audit event: %w", err)
	}

	return nil
}

const insertQuery = `
	INSERT INTO audit_events (
		id, timestamp, type, severity, outcome,
		session_id, user_id,
		actor_id, actor_type, actor_name,
		action, description, metadata, correlation_id, created_at
	) VALUES (
		?, ?, ?, ?, ?,
		?, ?,
		?, ?, ?,
		?, ?, ?, ?, ?
	)
`

// Cast JSON columns to VARCHAR for scanning.
const selectColumns = `
	SELECT
		id, timestamp, type, severity, outcome,
		session_id, user_id,
		actor_id, actor_type, actor_name,
		action, description,
		CAST(metadata AS VARCHAR) AS metadata,
		correlation_id
	FROM audit_events
`

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// extractMetadata converts metadata to string for the JSON column.
func extractMetadata(metadata json.RawMessage) *string {
	if len(metadata) == 0 {
		return nil
	}
	s := string(metadata)
	return &s
}

// Get retrieves an event by ID.
func (s *DuckDBStore) Get(ctx context.Context, id string) (*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, selectColumns+" WHERE id = ?", id)
	var data scannedEventData
	if err := row.Scan(data.scanDestinations()...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrEventNotFound, id)
		}
		return nil, fmt.Errorf("failed to get audit event: %w", err)
	}

	return data.toEvent(), nil
}

// Query retrieves events matching the filter.
func (s *DuckDBStore) Query(ctx context.Context, filter QueryFilter) ([]Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query, args := buildQuery(filter, false)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var data scannedEventData
		if err := rows.Scan(data.scanDestinations()...); err != nil {
			logging.Warn().Err(err).Msg("Failed to scan audit event row")
			continue
		}
		events = append(events, *data.toEvent())
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit events: %w", err)
	}

	return events, nil
}

// Count returns the number of events matching the filter.
func (s *DuckDBStore) Count(ctx context.Context, filter QueryFilter) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query, args := buildQuery(filter, true)

	var count int64
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count audit events: %w", err)
	}

	return count, nil
}

// Delete removes events older than the given time.
func (s *DuckDBStore) Delete(ctx context.Context, olderThan time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.ExecContext(ctx, `DELETE FROM audit_events WHERE timestamp < ?`, olderThan)
	if err != nil {
		return 0, fmt.Errorf("failed to delete old audit events: %w", err)
	}

	count, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get deleted count: %w", err)
	}

	if count > 0 {
		logging.Info().Int64("deleted", count).Time("older_than", olderThan).Msg("Deleted old audit events")
	}

	return count, nil
}

// buildQuery constructs the SQL query based on the filter.
func buildQuery(filter QueryFilter, countOnly bool) (string, []interface{}) {
	var args []interface{}
	var conditions []string

	if cond := buildSliceCondition("type", filter.Types, &args); cond != "" {
		conditions = append(conditions, cond)
	}
	if cond := buildSliceCondition("severity", filter.Severities, &args); cond != "" {
		conditions = append(conditions, cond)
	}

	conditions, args = appendStringCondition(conditions, args, "session_id", filter.SessionID)
	conditions, args = appendStringCondition(conditions, args, "user_id", filter.UserID)
	conditions, args = appendStringCondition(conditions, args, "correlation_id", filter.CorrelationID)

	if filter.StartTime != nil {
		conditions = append(conditions, "timestamp >= ?")
		args = append(args, *filter.StartTime)
	}
	if filter.EndTime != nil {
		conditions = append(conditions, "timestamp <= ?")
		args = append(args, *filter.EndTime)
	}

	if filter.SearchText != "" {
		conditions = append(conditions, "(LOWER(description) LIKE ? OR LOWER(action) LIKE ?)")
		searchPattern := "%" + strings.ToLower(filter.SearchText) + "%"
		args = append(args, searchPattern, searchPattern)
	}

	query := selectColumns
	if countOnly {
		query = "SELECT COUNT(*) FROM audit_events"
	}
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	if countOnly {
		return query, args
	}

	if filter.OrderDesc {
		query += " ORDER BY timestamp DESC, created_at DESC"
	} else {
		query += " ORDER BY timestamp ASC, created_at ASC"
	}
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}
	if filter.Offset > 0 {
		query += fmt.Sprintf(" OFFSET %d", filter.Offset)
	}

	return query, args
}

// appendStringCondition adds a string equality condition if value is non-empty.
func appendStringCondition(conditions []string, args []interface{}, column, value string) ([]string, []interface{}) {
	if value != "" {
		conditions = append(conditions, column+" = ?")
		args = append(args, value)
	}
	return conditions, args
}

// scannedEventData holds raw scanned values from database.
type scannedEventData struct {
	event         Event
	eventType     string
	severity      string
	outcome       string
	sessionID     sql.NullString
	userID        sql.NullString
	actorName     sql.NullString
	metadata      sql.NullString
	correlationID sql.NullString
}

func (d *scannedEventData) scanDestinations() []interface{} {
	return []interface{}{
		&d.event.ID,
		&d.event.Timestamp,
		&d.eventType,
		&d.severity,
		&d.outcome,
		&d.sessionID,
		&d.userID,
		&d.event.Actor.ID,
		&d.event.Actor.Type,
		&d.actorName,
		&d.event.Action,
		&d.event.Description,
		&d.metadata,
		&d.correlationID,
	}
}

func (d *scannedEventData) toEvent() *Event {
	d.event.Type = EventType(d.eventType)
	d.event.Severity = Severity(d.severity)
	d.event.Outcome = Outcome(d.outcome)
	d.event.SessionID = d.sessionID.String
	d.event.UserID = d.userID.String
	d.event.Actor.Name = d.actorName.String
	d.event.CorrelationID = d.correlationID.String
	if d.metadata.Valid && d.metadata.String != "" {
		d.event.Metadata = json.RawMessage(d.metadata.String)
	}
	return &d.event
}
