// Vigil - Continuous Behavioral Authentication
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/vigil

package telemetry

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidSample matches every *InvalidSampleError via errors.Is.
	ErrInvalidSample = errors.New("invalid behavior sample")
	// ErrUntrackedSession is returned for samples of a session the
	// Normalizer is not tracking.
	ErrUntrackedSession = errors.New("session not tracked")
)

// Rejection reasons, also used as the metrics label.
const (
	ReasonSchema  = "schema"
	ReasonPayload = "payload"
	ReasonRange   = "range"
	ReasonStale   = "stale"
	ReasonFuture  = "future"
)

// InvalidSampleError describes why a sample was rejected. Rejected samples
// are dropped and counted; they never affect session state.
type InvalidSampleError struct {
	SessionID string
	Reason    string
	Field     string
	Detail    string
}

func (e *InvalidSampleError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("invalid sample for session %q: %s: %s: %s", e.SessionID, e.Reason, e.Field, e.Detail)
	}
	return fmt.Sprintf("invalid sample for session %q: %s: %s", e.SessionID, e.Reason, e.Detail)
}

// Is reports whether target is ErrInvalidSample.
func (e *InvalidSampleError) Is(target error) bool {
	return target == ErrInvalidSample
}

func invalid(sessionID, reason, field, detail string) *InvalidSampleError {
	return &InvalidSampleError{SessionID: sessionID, Reason: reason, Field: field, Detail: detail}
}
