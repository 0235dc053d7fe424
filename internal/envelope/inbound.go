// Package envelope defines the JSON wire messages exchanged over relay
// connections. Inbound frames decode into a closed set of variants; anything
// with an unrecognized type decodes to Unknown.
package envelope

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Inbound message types.
const (
	TypeAuthenticate     = "authenticate"
	TypeChatMessage      = "chat_message"
	TypeEncryptedChat    = "encrypted_chat"
	TypeRegisterWebhook  = "register_webhook"
	TypeConfigureWebhook = "configure_webhook"
	TypeRemoveWebhook    = "remove_webhook"
	TypeTestWebhook      = "test_webhook"
	TypePing             = "ping"
)

var (
	// ErrMalformed is returned for frames that are not a JSON object of the expected shape.
	ErrMalformed = errors.New("malformed envelope")
	// ErrMissingType is returned when the type discriminator is absent or empty.
	ErrMissingType = errors.New("envelope type is required")
)

// Inbound is implemented by every decoded inbound variant.
type Inbound interface {
	Type() string
}

// Authenticate binds the connection to a self-asserted identity.
type Authenticate struct {
	DID string `json:"did"`
}

// ChatMessage is a plaintext message relayed to every other peer.
// Client-supplied sender and timestamp fields are accepted but never trusted.
type ChatMessage struct {
	ChatID    string          `json:"chatId"`
	Content   string          `json:"content"`
	MessageID string          `json:"messageId,omitempty"`
	Timestamp json.RawMessage `json:"timestamp,omitempty"`
}

// EncryptedChat carries a payload the server forwards without interpreting.
type EncryptedChat struct {
	ChatID           string          `json:"chatId"`
	EncryptedPayload json.RawMessage `json:"encryptedPayload"`
	Timestamp        json.RawMessage `json:"timestamp,omitempty"`
}

// WebhookOptions is the client's requested webhook configuration.
type WebhookOptions struct {
	URL           string            `json:"url"`
	Events        []string          `json:"events,omitempty"`
	IsActive      *bool             `json:"isActive,omitempty"`
	Secret        string            `json:"secret,omitempty"`
	RetryAttempts int               `json:"retryAttempts,omitempty"`
	Headers       map[string]string `json:"headers,omitempty"`
	TimeoutMillis int               `json:"timeout,omitempty"`
}

// RegisterWebhook covers both register_webhook and configure_webhook;
// Configure records which name the client used so the reply can mirror it.
type RegisterWebhook struct {
	ChatID    string         `json:"chatId"`
	Webhook   WebhookOptions `json:"webhook"`
	Configure bool           `json:"-"`
}

// RemoveWebhook deletes a chat's webhook.
type RemoveWebhook struct {
	ChatID string `json:"chatId"`
}

// TestWebhook sends a synthetic event to a chat's webhook.
type TestWebhook struct {
	ChatID string `json:"chatId"`
}

// Ping is a liveness request.
type Ping struct{}

// Unknown is any frame whose type is not recognized.
type Unknown struct {
	Name string
}

func (Authenticate) Type() string  { return TypeAuthenticate }
func (ChatMessage) Type() string   { return TypeChatMessage }
func (EncryptedChat) Type() string { return TypeEncryptedChat }
func (m RegisterWebhook) Type() string {
	if m.Configure {
		return TypeConfigureWebhook
	}
	return TypeRegisterWebhook
}
func (RemoveWebhook) Type() string { return TypeRemoveWebhook }
func (TestWebhook) Type() string   { return TypeTestWebhook }
func (Ping) Type() string          { return TypePing }
func (u Unknown) Type() string     { return u.Name }

type header struct {
	Type string `json:"type"`
}

// Decode parses one inbound frame.
func Decode(raw []byte) (Inbound, error) {
	var h header
	if err := json.Unmarshal(raw, &h); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if h.Type == "" {
		return nil, ErrMissingType
	}

	switch h.Type {
	case TypeAuthenticate:
		return decodeAs[Authenticate](raw)
	case TypeChatMessage:
		return decodeAs[ChatMessage](raw)
	case TypeEncryptedChat:
		return decodeAs[EncryptedChat](raw)
	case TypeRegisterWebhook, TypeConfigureWebhook:
		msg, err := decodeAs[RegisterWebhook](raw)
		if err != nil {
			return nil, err
		}
		msg.Configure = h.Type == TypeConfigureWebhook
		return msg, nil
	case TypeRemoveWebhook:
		return decodeAs[RemoveWebhook](raw)
	case TypeTestWebhook:
		return decodeAs[TestWebhook](raw)
	case TypePing:
		return Ping{}, nil
	default:
		return Unknown{Name: h.Type}, nil
	}
}

func decodeAs[T any](raw []byte) (T, error) {
	var msg T
	if err := json.Unmarshal(raw, &msg); err != nil {
		return msg, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return msg, nil
}
