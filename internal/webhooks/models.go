package webhooks

import (
	"errors"
	"slices"
	"time"
)

// Defaults applied when a registration leaves a field unset.
const (
	DefaultRetryAttempts = 3
	DefaultTimeoutMillis = 10000
	MaxRetryAttempts     = 10
	MaxTimeoutMillis     = 60000

	// AllEvents in a config's event filter matches every event type.
	AllEvents = "*"

	// Source and Version are stamped into every outbound payload's metadata.
	Source  = "relay"
	Version = "1.0"
)

// Event types emitted by the relay.
const (
	EventMessage          = "message"
	EventEncryptedMessage = "encrypted_message"
	EventTest             = "test"
)

var (
	// ErrNotFound is returned when a chat has no webhook configuration.
	ErrNotFound = errors.New("webhook not found")
	// ErrUnauthorized is returned when an identity other than the owner
	// tries to change or use a chat's webhook.
	ErrUnauthorized = errors.New("not authorized for this webhook")
	// ErrInvalidConfig is returned for registrations that fail validation.
	ErrInvalidConfig = errors.New("invalid webhook configuration")
	// ErrClosed is returned once the manager is shutting down.
	ErrClosed = errors.New("webhook manager closed")
)

// WebhookConfig is the per-chat outbound notification configuration.
type WebhookConfig struct {
	ChatID        string            `json:"chatId"`
	OwnerIdentity string            `json:"ownerIdentity"`
	URL           string            `json:"url"`
	Secret        string            `json:"-"`
	Events        []string          `json:"events"`
	Active        bool              `json:"active"`
	RetryAttempts int               `json:"retryAttempts"`
	TimeoutMillis int               `json:"timeoutMillis"`
	Headers       map[string]string `json:"headers,omitempty"`
	CreatedAt     time.Time         `json:"createdAt"`
	UpdatedAt     time.Time         `json:"updatedAt"`
	LastUsedAt    *time.Time        `json:"lastUsedAt,omitempty"`
}

// Timeout returns the configured request timeout.
func (c *WebhookConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMillis) * time.Millisecond
}

// Accepts reports whether the config wants events of the given type.
func (c *WebhookConfig) Accepts(eventType string) bool {
	if !c.Active {
		return false
	}
	if len(c.Events) == 0 || eventType == EventTest {
		return true
	}
	return slices.Contains(c.Events, AllEvents) || slices.Contains(c.Events, eventType)
}

// Clone returns a deep copy.
func (c *WebhookConfig) Clone() *WebhookConfig {
	out := *c
	out.Events = slices.Clone(c.Events)
	if c.Headers != nil {
		out.Headers = make(map[string]string, len(c.Headers))
		for k, v := range c.Headers {
			out.Headers[k] = v
		}
	}
	if c.LastUsedAt != nil {
		t := *c.LastUsedAt
		out.LastUsedAt = &t
	}
	return &out
}

// Registration is what an owner asks for; unset fields take defaults.
type Registration struct {
	URL           string
	Secret        string
	Events        []string
	Active        *bool
	RetryAttempts int
	TimeoutMillis int
	Headers       map[string]string
}

// Event is the chat event carried in a webhook payload.
type Event struct {
	Type      string         `json:"type"`
	Sender    string         `json:"sender,omitempty"`
	MessageID string         `json:"messageId,omitempty"`
	Content   string         `json:"content,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// Metadata identifies the producer of a payload.
type Metadata struct {
	Source  string `json:"source"`
	Version string `json:"version"`
}

// Payload is the JSON body POSTed to a webhook.
type Payload struct {
	Timestamp time.Time `json:"timestamp"`
	ChatID    string    `json:"chatId"`
	Event     Event     `json:"event"`
	Metadata  Metadata  `json:"metadata"`
}

// DeliveryAttempt is one scheduled try at delivering a payload.
type DeliveryAttempt struct {
	ID          string
	Config      *WebhookConfig
	EventType   string
	Body        []byte
	Attempt     int
	ScheduledAt time.Time
}
