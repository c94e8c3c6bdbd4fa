// Parcelguard - Package Forwarding Back Office Security & Audit Monitoring
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/parcelguard

package risk

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/goccy/go-json"
)

// WebhookNotifier posts alerts to a generic webhook endpoint.
type WebhookNotifier struct {
	webhookURL string
	headers    map[string]string
	client     *http.Client

	// Rate limiting
	mu        sync.Mutex
	lastSent  time.Time
	rateLimit time.Duration
}

// WebhookConfig configures the webhook notifier.
type WebhookConfig struct {
	WebhookURL  string            `json:"webhook_url"`
	Headers     map[string]string `json:"headers,omitempty"` // Custom headers (e.g., auth)
	RateLimitMs int               `json:"rate_limit_ms"`
}

// WebhookPayload is the JSON body sent to the endpoint.
type WebhookPayload struct {
	Alert     *Alert    `json:"alert"`
	EventType string    `json:"event_type"` // risk_alert
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source"` // parcelguard
}

// NewWebhookNotifier creates a webhook notifier. An empty URL leaves the
// notifier permanently disabled.
func NewWebhookNotifier(config WebhookConfig) *WebhookNotifier {
	rateLimit := time.Duration(config.RateLimitMs) * time.Millisecond
	if rateLimit == 0 {
		rateLimit = 500 * time.Millisecond
	}

	headers := make(map[string]string)
	for k, v := range config.Headers {
		headers[k] = v
	}

	return &WebhookNotifier{
		webhookURL: config.WebhookURL,
		headers:    headers,
		rateLimit:  rateLimit,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// Name returns the notifier name.
func (n *WebhookNotifier) Name() string {
	return "webhook"
}

// Enabled reports whether a destination is configured.
func (n *WebhookNotifier) Enabled() bool {
	return n.webhookURL != ""
}

// Send delivers an alert to the webhook endpoint.
func (n *WebhookNotifier) Send(ctx context.Context, alert *Alert) error {
	if n.webhookURL == "" {
		return nil
	}

	// Rate limiting with context cancellation support
	n.mu.Lock()
	wait := n.rateLimit - time.Since(n.lastSent)
	n.mu.Unlock()
	if wait > 0 {
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	payload := WebhookPayload{
		Alert:     alert,
		EventType: "risk_alert",
		Timestamp: time.Now(),
		Source:    "parcelguard",
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", n.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for key, value := range n.headers {
		req.Header.Set(key, value)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send webhook: %w", err)
	}
	defer resp.Body.Close()

	n.mu.Lock()
	n.lastSent = time.Now()
	n.mu.Unlock()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}

	return nil
}
