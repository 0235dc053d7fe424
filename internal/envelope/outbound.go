package envelope

import (
	"encoding/json"
	"time"
)

// Outbound message types.
const (
	TypeAuthenticated     = "authenticated"
	TypeAuthError         = "auth_error"
	TypeEncryptedChatSent = "encrypted_chat_sent"
	TypeUserOnline        = "user_online"
	TypeUserOffline       = "user_offline"
	TypeWebhookRegistered = "webhook_registered"
	TypeWebhookConfigured = "webhook_configured"
	TypeWebhookRemoved    = "webhook_removed"
	TypeWebhookTestResult = "webhook_test_result"
	TypeError             = "error"
	TypePong              = "pong"
)

// Authenticated confirms a successful authenticate.
type Authenticated struct {
	Type           string `json:"type"`
	DID            string `json:"did"`
	ServerDID      string `json:"serverDid"`
	DIDCommEnabled bool   `json:"didcommEnabled"`
}

// Notice carries a human-readable message; used for auth_error and error.
type Notice struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// RelayedChat is a chat_message as seen by recipients.
type RelayedChat struct {
	Type      string    `json:"type"`
	ChatID    string    `json:"chatId"`
	Content   string    `json:"content"`
	MessageID string    `json:"messageId"`
	Sender    string    `json:"sender"`
	Timestamp time.Time `json:"timestamp"`
}

// RelayedEncrypted is an encrypted_chat as seen by recipients.
type RelayedEncrypted struct {
	Type             string          `json:"type"`
	ChatID           string          `json:"chatId"`
	EncryptedPayload json.RawMessage `json:"encryptedPayload"`
	Sender           string          `json:"sender"`
	Timestamp        time.Time       `json:"timestamp"`
}

// EncryptedSent acknowledges an encrypted_chat to its sender.
type EncryptedSent struct {
	Type      string    `json:"type"`
	ChatID    string    `json:"chatId"`
	Sent      bool      `json:"sent"`
	Timestamp time.Time `json:"timestamp"`
}

// Presence announces user_online or user_offline.
type Presence struct {
	Type      string    `json:"type"`
	DID       string    `json:"did"`
	Timestamp time.Time `json:"timestamp"`
}

// WebhookView is the webhook configuration returned to its owner.
type WebhookView struct {
	URL           string            `json:"url"`
	Events        []string          `json:"events"`
	IsActive      bool              `json:"isActive"`
	Secret        string            `json:"secret,omitempty"`
	RetryAttempts int               `json:"retryAttempts"`
	Headers       map[string]string `json:"headers,omitempty"`
	TimeoutMillis int               `json:"timeout"`
	CreatedAt     time.Time         `json:"createdAt"`
}

// WebhookResult answers register, configure and remove requests.
type WebhookResult struct {
	Type    string       `json:"type"`
	ChatID  string       `json:"chatId"`
	Webhook *WebhookView `json:"webhook,omitempty"`
}

// WebhookTestResult reports whether the endpoint accepted a test event.
type WebhookTestResult struct {
	Type    string `json:"type"`
	ChatID  string `json:"chatId"`
	Success bool   `json:"success"`
}

// Pong answers ping.
type Pong struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
}

// NewAuthError builds an auth_error envelope.
func NewAuthError(message string) Notice {
	return Notice{Type: TypeAuthError, Message: message}
}

// NewError builds a generic error envelope.
func NewError(message string) Notice {
	return Notice{Type: TypeError, Message: message}
}

// NewPresence builds user_online when online is true, user_offline otherwise.
func NewPresence(did string, online bool, at time.Time) Presence {
	t := TypeUserOffline
	if online {
		t = TypeUserOnline
	}
	return Presence{Type: t, DID: did, Timestamp: at}
}

// Encode serializes an outbound envelope.
func Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}
