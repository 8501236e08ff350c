// Vigil - Continuous Behavioral Authentication
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/vigil

package services

import (
	"context"
)

// AuditCleaner deletes expired audit records until ctx is canceled.
// Satisfied by *audit.Logger.
type AuditCleaner interface {
	RunCleanup(ctx context.Context)
}

// AuditCleanupService wraps the audit retention loop.
type AuditCleanupService struct {
	cleaner AuditCleaner
	name    string
}

// NewAuditCleanupService creates the service.
func NewAuditCleanupService(cleaner AuditCleaner) *AuditCleanupService {
	return &AuditCleanupService{cleaner: cleaner, name: "audit-cleanup"}
}

// Serve implements suture.Service.
func (s *AuditCleanupService) Serve(ctx context.Context) error {
	s.cleaner.RunCleanup(ctx)
	return ctx.Err()
}

func (s *AuditCleanupService) String() string {
	return s.name
}
