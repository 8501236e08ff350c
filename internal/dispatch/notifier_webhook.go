// Vigil - Continuous Behavioral Authentication
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/vigil

package dispatch

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/goccy/go-json"
	gobreaker "github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"
)

// WebhookConfig configures the generic webhook notifier.
type WebhookConfig struct {
	WebhookURL string            `json:"webhook_url"`
	Headers    map[string]string `json:"headers,omitempty"` // Custom headers (e.g., auth)
	Enabled    bool              `json:"enabled"`
	// RateLimitMs is the minimum spacing between deliveries.
	RateLimitMs int           `json:"rate_limit_ms"`
	Breaker     BreakerConfig `json:"-"`
}

// WebhookPayload is the JSON payload sent to the webhook endpoint.
type WebhookPayload struct {
	Notification *Notification `json:"notification"`
	EventType    string        `json:"event_type"` // vigil_notification
	Timestamp    time.Time     `json:"timestamp"`
	Source       string        `json:"source"` // vigil
}

// WebhookNotifier posts notifications to a webhook endpoint.
type WebhookNotifier struct {
	webhookURL string
	headers    map[string]string
	client     *http.Client
	enabled    bool
	mu         sync.RWMutex

	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker[struct{}]
}

// NewWebhookNotifier creates a new generic webhook notifier.
func NewWebhookNotifier(config WebhookConfig) *WebhookNotifier {
	spacing := time.Duration(config.RateLimitMs) * time.Millisecond
	if spacing <= 0 {
		spacing = 500 * time.Millisecond
	}

	headers := make(map[string]string, len(config.Headers))
	for k, v := range config.Headers {
		headers[k] = v
	}

	return &WebhookNotifier{
		webhookURL: config.WebhookURL,
		headers:    headers,
		enabled:    config.Enabled,
		limiter:    rate.NewLimiter(rate.Every(spacing), 1),
		breaker:    newBreaker[struct{}](ServiceNotifier, config.Breaker),
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// Name returns the notifier name.
func (n *WebhookNotifier) Name() string {
	return "webhook"
}

// Enabled returns whether this notifier is enabled.
func (n *WebhookNotifier) Enabled() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.enabled && n.webhookURL != ""
}

// SetEnabled enables or disables the notifier.
func (n *WebhookNotifier) SetEnabled(enabled bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.enabled = enabled
}

// Send delivers a notification, waiting for the rate limiter first.
func (n *WebhookNotifier) Send(ctx context.Context, notification *Notification) error {
	n.mu.RLock()
	if !n.enabled || n.webhookURL == "" {
		n.mu.RUnlock()
		return nil
	}
	webhookURL := n.webhookURL
	headers := make(map[string]string, len(n.headers))
	for k, v := range n.headers {
		headers[k] = v
	}
	n.mu.RUnlock()

	if err := n.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("webhook rate limit wait: %w", err)
	}

	body, err := json.Marshal(WebhookPayload{
		Notification: notification,
		EventType:    "vigil_notification",
		Timestamp:    time.Now().UTC(),
		Source:       "vigil",
	})
	if err != nil {
		return fmt.Errorf("failed to marshal webhook payload: %w", err)
	}

	_, err = n.breaker.Execute(func() (struct{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, webhookURL, bytes.NewReader(body))
		if err != nil {
			return struct{}{}, fmt.Errorf("failed to create webhook request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		for key, value := range headers {
			req.Header.Set(key, value)
		}

		resp, err := n.client.Do(req)
		if err != nil {
			return struct{}{}, fmt.Errorf("failed to send webhook: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 400 {
			return struct{}{}, fmt.Errorf("webhook returned status %d", resp.StatusCode)
		}
		return struct{}{}, nil
	})
	if err != nil {
		return fmt.Errorf("%w: webhook: %w", ErrServiceUnavailable, err)
	}
	return nil
}
