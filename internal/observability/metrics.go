package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// RelayMetrics holds application-specific metrics. A nil *RelayMetrics is
// valid and records nothing.
type RelayMetrics struct {
	Connections          metric.Int64UpDownCounter
	PresenceTransitions  metric.Int64Counter
	MessagesRelayed      metric.Int64Counter
	WebhookRegistrations metric.Int64Counter
	WebhookDeliveries    metric.Int64Counter
	WebhookRetries       metric.Int64Counter
	DeliveryDuration     metric.Float64Histogram
}

// NewRelayMetrics creates application-specific metrics
func NewRelayMetrics() (*RelayMetrics, error) {
	meter := GetMeter("relay")

	connections, err := meter.Int64UpDownCounter(
		"relay_connections",
		metric.WithDescription("Current number of open relay connections"),
	)
	if err != nil {
		return nil, err
	}

	presence, err := meter.Int64Counter(
		"relay_presence_transitions_total",
		metric.WithDescription("Total number of online/offline transitions"),
	)
	if err != nil {
		return nil, err
	}

	relayed, err := meter.Int64Counter(
		"relay_messages_relayed_total",
		metric.WithDescription("Total number of chat envelopes fanned out"),
	)
	if err != nil {
		return nil, err
	}

	registrations, err := meter.Int64Counter(
		"relay_webhook_registrations_total",
		metric.WithDescription("Total number of webhook registrations"),
	)
	if err != nil {
		return nil, err
	}

	deliveries, err := meter.Int64Counter(
		"relay_webhook_deliveries_total",
		metric.WithDescription("Total number of webhook delivery attempts"),
	)
	if err != nil {
		return nil, err
	}

	retries, err := meter.Int64Counter(
		"relay_webhook_retries_total",
		metric.WithDescription("Total number of scheduled webhook retries"),
	)
	if err != nil {
		return nil, err
	}

	duration, err := meter.Float64Histogram(
		"relay_webhook_delivery_duration_seconds",
		metric.WithDescription("Duration of webhook deliveries in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return &RelayMetrics{
		Connections:          connections,
		PresenceTransitions:  presence,
		MessagesRelayed:      relayed,
		WebhookRegistrations: registrations,
		WebhookDeliveries:    deliveries,
		WebhookRetries:       retries,
		DeliveryDuration:     duration,
	}, nil
}

// ConnectionOpened records a new connection.
func (m *RelayMetrics) ConnectionOpened(ctx context.Context) {
	if m == nil {
		return
	}
	m.Connections.Add(ctx, 1)
}

// ConnectionClosed records a closed connection.
func (m *RelayMetrics) ConnectionClosed(ctx context.Context) {
	if m == nil {
		return
	}
	m.Connections.Add(ctx, -1)
}

// PresenceChanged records an online or offline transition.
func (m *RelayMetrics) PresenceChanged(ctx context.Context, online bool) {
	if m == nil {
		return
	}
	m.PresenceTransitions.Add(ctx, 1, metric.WithAttributes(attribute.Bool("online", online)))
}

// MessageRelayed records one fanned-out envelope of the given type.
func (m *RelayMetrics) MessageRelayed(ctx context.Context, kind string, recipients int) {
	if m == nil {
		return
	}
	m.MessagesRelayed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("type", kind),
		attribute.Int("recipients", recipients),
	))
}

// WebhookRegistered records a webhook registration.
func (m *RelayMetrics) WebhookRegistered(ctx context.Context) {
	if m == nil {
		return
	}
	m.WebhookRegistrations.Add(ctx, 1)
}

// DeliveryAttempted records one webhook attempt and its outcome.
func (m *RelayMetrics) DeliveryAttempted(ctx context.Context, success bool, statusCode int, d time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.Bool("success", success),
		attribute.Int("status_code", statusCode),
	)
	m.WebhookDeliveries.Add(ctx, 1, attrs)
	m.DeliveryDuration.Record(ctx, d.Seconds(), attrs)
}

// RetryScheduled records a scheduled webhook retry.
func (m *RelayMetrics) RetryScheduled(ctx context.Context) {
	if m == nil {
		return
	}
	m.WebhookRetries.Add(ctx, 1)
}
