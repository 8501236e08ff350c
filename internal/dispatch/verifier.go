// Vigil - Continuous Behavioral Authentication
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/vigil

package dispatch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	gobreaker "github.com/sony/gobreaker/v2"
)

// VerifierConfig configures the HTTP verification client.
type VerifierConfig struct {
	URL           string
	ChallengeType string
	// Timeout bounds one verification round trip.
	Timeout time.Duration
	Breaker BreakerConfig
}

// HTTPVerifier posts a Challenge as JSON and reads a VerificationResult.
type HTTPVerifier struct {
	url           string
	challengeType string
	timeout       time.Duration
	client        *http.Client
	breaker       *gobreaker.CircuitBreaker[VerificationResult]
}

// NewHTTPVerifier creates a verification client.
func NewHTTPVerifier(cfg VerifierConfig) *HTTPVerifier {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.ChallengeType == "" {
		cfg.ChallengeType = "step_up"
	}
	return &HTTPVerifier{
		url:           cfg.URL,
		challengeType: cfg.ChallengeType,
		timeout:       cfg.Timeout,
		client:        &http.Client{},
		breaker:       newBreaker[VerificationResult](ServiceVerification, cfg.Breaker),
	}
}

// Verify implements Verifier. A call that runs past the timeout returns
// ErrVerificationTimeout; an open breaker or a failed call returns
// ErrServiceUnavailable.
func (v *HTTPVerifier) Verify(ctx context.Context, ch Challenge) (VerificationResult, error) {
	if ch.ChallengeType == "" {
		ch.ChallengeType = v.challengeType
	}

	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	res, err := v.breaker.Execute(func() (VerificationResult, error) {
		return v.post(ctx, ch)
	})
	switch {
	case err == nil:
		return res, nil
	case errors.Is(err, context.DeadlineExceeded):
		return VerificationResult{}, fmt.Errorf("%w: session %s", ErrVerificationTimeout, ch.SessionID)
	default:
		return VerificationResult{}, fmt.Errorf("%w: verification: %w", ErrServiceUnavailable, err)
	}
}

func (v *HTTPVerifier) post(ctx context.Context, ch Challenge) (VerificationResult, error) {
	body, err := json.Marshal(ch)
	if err != nil {
		return VerificationResult{}, fmt.Errorf("failed to marshal challenge: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.url, bytes.NewReader(body))
	if err != nil {
		return VerificationResult{}, fmt.Errorf("failed to create verification request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := v.client.Do(req)
	if err != nil {
		return VerificationResult{}, fmt.Errorf("verification request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return VerificationResult{}, fmt.Errorf("verification service returned status %d", resp.StatusCode)
	}

	var res VerificationResult
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return VerificationResult{}, fmt.Errorf("failed to decode verification result: %w", err)
	}
	return res, nil
}

// State returns the breaker state, for readiness reporting.
func (v *HTTPVerifier) State() string {
	return v.breaker.State().String()
}
