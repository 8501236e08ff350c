// Vigil - Continuous Behavioral Authentication
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/vigil

package engine

import (
	"errors"
	"fmt"
)

var (
	// ErrSessionExists is returned when opening a session whose ID is
	// already active.
	ErrSessionExists = errors.New("session already exists")

	// ErrSessionNotFound is returned for an unknown session ID.
	ErrSessionNotFound = errors.New("session not found")

	// ErrSessionTerminated is returned when operating on a terminated
	// session.
	ErrSessionTerminated = errors.New("session terminated")

	// ErrAnomalyNotFound is returned when resolving an anomaly that is not
	// open on the session.
	ErrAnomalyNotFound = errors.New("anomaly not found")

	// ErrInvalidArgument is returned for missing identifiers.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrServiceDegraded matches every *ServiceError.
	ErrServiceDegraded = errors.New("service degraded")

	// ErrInvalidState is returned when an operation does not apply to the
	// session's current state.
	ErrInvalidState = errors.New("operation not valid in current session state")
)

// ServiceError reports a collaborator failure that the engine worked
// around. The evaluation it accompanies is still valid.
type ServiceError struct {
	Service string
	Err     error
}

func (e *ServiceError) Error() string {
	return fmt.Sprintf("%s degraded: %v", e.Service, e.Err)
}

func (e *ServiceError) Unwrap() error {
	return e.Err
}

// Is reports whether target is ErrServiceDegraded.
func (e *ServiceError) Is(target error) bool {
	return target == ErrServiceDegraded
}
