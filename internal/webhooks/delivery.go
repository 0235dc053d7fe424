package webhooks

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/sarathsp06/relay/internal/logger"
	"github.com/sarathsp06/relay/internal/observability"
)

// ErrDeliveryFailed wraps every non-2xx response.
var ErrDeliveryFailed = errors.New("webhook delivery failed")

// DeliveryResult describes a single HTTP attempt.
type DeliveryResult struct {
	StatusCode int
	Duration   time.Duration
}

// Deliverer performs one signed POST per call. It never retries.
type Deliverer struct {
	client  *http.Client
	metrics *observability.RelayMetrics
	logger  *slog.Logger
}

// DelivererOption configures a Deliverer.
type DelivererOption func(*Deliverer)

// WithHTTPClient overrides the HTTP client. Per-config timeouts are applied
// through the request context, so the client's own timeout may be zero.
func WithHTTPClient(c *http.Client) DelivererOption {
	return func(d *Deliverer) { d.client = c }
}

// WithMetrics records delivery outcomes.
func WithMetrics(m *observability.RelayMetrics) DelivererOption {
	return func(d *Deliverer) { d.metrics = m }
}

// WithDelivererLogger overrides the logger.
func WithDelivererLogger(l *slog.Logger) DelivererOption {
	return func(d *Deliverer) { d.logger = l }
}

// NewDeliverer creates a Deliverer using the instrumented HTTP client.
func NewDeliverer(opts ...DelivererOption) *Deliverer {
	d := &Deliverer{
		client: observability.HTTPClient(),
		logger: logger.NewLogger("webhook-deliverer"),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Deliver POSTs body to cfg.URL signed with cfg.Secret. Any transport error
// or non-2xx status is returned as an error.
func (d *Deliverer) Deliver(ctx context.Context, cfg *WebhookConfig, body []byte, attempt int) (*DeliveryResult, error) {
	if cfg.TimeoutMillis > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Timeout())
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.URL, bytes.NewReader(body))
	if err != nil {
		d.logger.Error("Failed to create request",
			"chat_id", cfg.ChatID,
			"url", cfg.URL,
			"error", err,
		)
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	// Set default Content-Type
	req.Header.Set("Content-Type", "application/json")

	// Add custom headers
	for key, value := range cfg.Headers {
		req.Header.Set(key, value)
	}

	// Signature last so operator headers cannot replace it
	req.Header.Set(SignatureHeader, Sign(cfg.Secret, body))

	startTime := time.Now()
	resp, err := d.client.Do(req)
	duration := time.Since(startTime)

	if err != nil {
		d.metrics.DeliveryAttempted(ctx, false, 0, duration)
		d.logger.Warn("Failed to send webhook",
			"chat_id", cfg.ChatID,
			"url", cfg.URL,
			"attempt", attempt,
			"duration_ms", duration.Milliseconds(),
			"error", err,
		)
		return &DeliveryResult{Duration: duration}, fmt.Errorf("failed to send webhook: %w", err)
	}
	defer resp.Body.Close()

	// Drain a bounded amount so the connection can be reused
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	result := &DeliveryResult{StatusCode: resp.StatusCode, Duration: duration}

	// Consider 2xx status codes as success
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		d.metrics.DeliveryAttempted(ctx, true, resp.StatusCode, duration)
		d.logger.Info("Webhook delivered successfully",
			"chat_id", cfg.ChatID,
			"url", cfg.URL,
			"attempt", attempt,
			"status_code", resp.StatusCode,
			"duration_ms", duration.Milliseconds(),
		)
		return result, nil
	}

	d.metrics.DeliveryAttempted(ctx, false, resp.StatusCode, duration)
	d.logger.Warn("Webhook delivery failed",
		"chat_id", cfg.ChatID,
		"url", cfg.URL,
		"attempt", attempt,
		"status_code", resp.StatusCode,
		"status", resp.Status,
		"duration_ms", duration.Milliseconds(),
	)
	return result, fmt.Errorf("%w: HTTP %d", ErrDeliveryFailed, resp.StatusCode)
}
