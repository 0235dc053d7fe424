// Package router classifies inbound envelopes and fans chat traffic out to
// connected peers. Webhook and presence side effects are delegated.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sarathsp06/relay/internal/envelope"
	"github.com/sarathsp06/relay/internal/logger"
	"github.com/sarathsp06/relay/internal/observability"
	"github.com/sarathsp06/relay/internal/presence"
	"github.com/sarathsp06/relay/internal/registry"
	"github.com/sarathsp06/relay/internal/webhooks"
)

// didPattern accepts did:<method>:<method-specific-id>.
var didPattern = regexp.MustCompile(`^did:[a-z0-9]+:[A-Za-z0-9._:%\-]+$`)

// WebhookService is the subset of the webhook manager the router drives.
type WebhookService interface {
	Register(ctx context.Context, chatID, owner string, reg webhooks.Registration) (*webhooks.WebhookConfig, error)
	Remove(ctx context.Context, chatID, requester string) error
	Test(ctx context.Context, chatID, requester string) (bool, error)
	Trigger(chatID string, ev webhooks.Event)
}

// Config carries the server identity advertised to authenticated peers.
type Config struct {
	ServerDID      string
	DIDCommEnabled bool
}

// Router dispatches envelopes for every connection. Dispatch must be called
// from a single goroutine per connection to keep per-connection order.
type Router struct {
	reg      *registry.Registry
	presence *presence.Tracker
	hooks    WebhookService
	config   Config

	metrics *observability.RelayMetrics
	logger  *slog.Logger
	now     func() time.Time
	onFatal func(error)

	background sync.WaitGroup
}

// Option configures a Router.
type Option func(*Router)

// WithMetrics records relay counters.
func WithMetrics(m *observability.RelayMetrics) Option {
	return func(r *Router) { r.metrics = m }
}

// WithLogger overrides the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Router) { r.logger = l }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Router) { r.now = now }
}

// WithFatalHandler is called when a background webhook test panics.
func WithFatalHandler(fn func(error)) Option {
	return func(r *Router) { r.onFatal = fn }
}

// New creates a Router.
func New(reg *registry.Registry, tracker *presence.Tracker, hooks WebhookService, config Config, opts ...Option) *Router {
	r := &Router{
		reg:      reg,
		presence: tracker,
		hooks:    hooks,
		config:   config,
		logger:   logger.NewLogger("router"),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.onFatal == nil {
		r.onFatal = func(err error) { r.logger.Error("Fatal router error", "error", err) }
	}
	return r
}

// Dispatch handles one raw frame received on connID.
func (r *Router) Dispatch(ctx context.Context, connID string, raw []byte) {
	identity, ok := r.reg.Identity(connID)
	if !ok {
		return
	}
	r.reg.Touch(connID)

	msg, err := envelope.Decode(raw)
	if err != nil {
		r.logger.Debug("Rejected malformed envelope", "connection_id", connID, "error", err)
		if errors.Is(err, envelope.ErrMissingType) {
			r.reply(connID, envelope.NewError("Message type is required"))
		} else {
			r.reply(connID, envelope.NewError("Invalid message format"))
		}
		return
	}

	if auth, ok := msg.(envelope.Authenticate); ok {
		r.authenticate(connID, auth)
		return
	}
	if identity == "" {
		r.reply(connID, envelope.NewAuthError("Not authenticated"))
		return
	}

	switch m := msg.(type) {
	case envelope.ChatMessage:
		r.chat(ctx, connID, identity, m)
	case envelope.EncryptedChat:
		r.encrypted(ctx, connID, identity, m)
	case envelope.RegisterWebhook:
		r.registerWebhook(ctx, connID, identity, m)
	case envelope.RemoveWebhook:
		r.removeWebhook(ctx, connID, identity, m)
	case envelope.TestWebhook:
		r.testWebhook(ctx, connID, identity, m)
	case envelope.Ping:
		r.reply(connID, envelope.Pong{Type: envelope.TypePong, Timestamp: r.now().UTC()})
	case envelope.Unknown:
		r.logger.Warn("Unknown message type", "connection_id", connID, "type", m.Name)
	}
}

// Wait blocks until background work started by Dispatch has finished.
func (r *Router) Wait() {
	r.background.Wait()
}

func (r *Router) authenticate(connID string, m envelope.Authenticate) {
	if !didPattern.MatchString(m.DID) {
		r.reply(connID, envelope.NewAuthError("Invalid DID format"))
		return
	}

	if _, err := r.presence.Authenticate(connID, m.DID); err != nil {
		r.logger.Warn("Authentication failed", "connection_id", connID, "did", m.DID, "error", err)
		msg := "Authentication failed"
		if errors.Is(err, registry.ErrAlreadyBound) {
			msg = "Connection is already authenticated as another identity"
		}
		r.reply(connID, envelope.NewAuthError(msg))
		return
	}

	r.logger.Info("Connection authenticated", "connection_id", connID, "did", m.DID)
	r.reply(connID, envelope.Authenticated{
		Type:           envelope.TypeAuthenticated,
		DID:            m.DID,
		ServerDID:      r.config.ServerDID,
		DIDCommEnabled: r.config.DIDCommEnabled,
	})
}

func (r *Router) chat(ctx context.Context, connID, sender string, m envelope.ChatMessage) {
	if m.ChatID == "" {
		r.reply(connID, envelope.NewError("chatId is required"))
		return
	}
	messageID := m.MessageID
	if messageID == "" {
		messageID = uuid.NewString()
	}
	now := r.now().UTC()

	frame, err := envelope.Encode(envelope.RelayedChat{
		Type:      envelope.TypeChatMessage,
		ChatID:    m.ChatID,
		Content:   m.Content,
		MessageID: messageID,
		Sender:    sender,
		Timestamp: now,
	})
	if err != nil {
		r.logger.Error("Failed to encode chat message", "error", err)
		return
	}
	recipients := r.reg.Broadcast(frame, connID)
	r.metrics.MessageRelayed(ctx, envelope.TypeChatMessage, recipients)
	r.logger.Debug("Chat message relayed", "chat_id", m.ChatID, "sender", sender, "recipients", recipients)

	r.hooks.Trigger(m.ChatID, webhooks.Event{
		Type:      webhooks.EventMessage,
		Sender:    sender,
		MessageID: messageID,
		Content:   m.Content,
		Timestamp: now,
	})
}

func (r *Router) encrypted(ctx context.Context, connID, sender string, m envelope.EncryptedChat) {
	if m.ChatID == "" || len(m.EncryptedPayload) == 0 {
		r.reply(connID, envelope.NewError("chatId and encryptedPayload are required"))
		return
	}
	now := r.now().UTC()

	frame, err := envelope.Encode(envelope.RelayedEncrypted{
		Type:             envelope.TypeEncryptedChat,
		ChatID:           m.ChatID,
		EncryptedPayload: m.EncryptedPayload,
		Sender:           sender,
		Timestamp:        now,
	})
	if err != nil {
		r.reply(connID, envelope.NewError("Invalid encrypted payload"))
		return
	}
	recipients := r.reg.Broadcast(frame, connID)
	r.metrics.MessageRelayed(ctx, envelope.TypeEncryptedChat, recipients)

	r.reply(connID, envelope.EncryptedSent{
		Type:      envelope.TypeEncryptedChatSent,
		ChatID:    m.ChatID,
		Sent:      recipients > 0,
		Timestamp: now,
	})

	// The payload is opaque, so the webhook only learns that a message was sent.
	r.hooks.Trigger(m.ChatID, webhooks.Event{
		Type:      webhooks.EventEncryptedMessage,
		Sender:    sender,
		Timestamp: now,
	})
}

func (r *Router) registerWebhook(ctx context.Context, connID, owner string, m envelope.RegisterWebhook) {
	opts := m.Webhook
	cfg, err := r.hooks.Register(ctx, m.ChatID, owner, webhooks.Registration{
		URL:           opts.URL,
		Secret:        opts.Secret,
		Events:        opts.Events,
		Active:        opts.IsActive,
		RetryAttempts: opts.RetryAttempts,
		TimeoutMillis: opts.TimeoutMillis,
		Headers:       opts.Headers,
	})
	if err != nil {
		r.replyWebhookError(connID, m.ChatID, err)
		return
	}

	replyType := envelope.TypeWebhookRegistered
	if m.Configure {
		replyType = envelope.TypeWebhookConfigured
	}
	r.reply(connID, envelope.WebhookResult{
		Type:    replyType,
		ChatID:  m.ChatID,
		Webhook: viewOf(cfg),
	})
}

func (r *Router) removeWebhook(ctx context.Context, connID, requester string, m envelope.RemoveWebhook) {
	if err := r.hooks.Remove(ctx, m.ChatID, requester); err != nil {
		r.replyWebhookError(connID, m.ChatID, err)
		return
	}
	r.reply(connID, envelope.WebhookResult{Type: envelope.TypeWebhookRemoved, ChatID: m.ChatID})
}

// testWebhook runs the HTTP call off the connection's processing goroutine so
// a slow endpoint does not stall the connection's other envelopes.
func (r *Router) testWebhook(ctx context.Context, connID, requester string, m envelope.TestWebhook) {
	ctx = context.WithoutCancel(ctx)
	r.background.Add(1)
	go func() {
		defer r.background.Done()
		defer func() {
			if rec := recover(); rec != nil {
				r.logger.Error("Panic in webhook test",
					"connection_id", connID,
					"chat_id", m.ChatID,
					"panic", rec,
					"stack", string(debug.Stack()),
				)
				r.reply(connID, envelope.NewError("Webhook operation failed"))
				r.onFatal(fmt.Errorf("panic in webhook test for chat %s: %v", m.ChatID, rec))
			}
		}()
		success, err := r.hooks.Test(ctx, m.ChatID, requester)
		if err != nil {
			r.replyWebhookError(connID, m.ChatID, err)
			return
		}
		r.reply(connID, envelope.WebhookTestResult{
			Type:    envelope.TypeWebhookTestResult,
			ChatID:  m.ChatID,
			Success: success,
		})
	}()
}

func (r *Router) replyWebhookError(connID, chatID string, err error) {
	var msg string
	switch {
	case errors.Is(err, webhooks.ErrUnauthorized):
		msg = "Not authorized to manage this webhook"
	case errors.Is(err, webhooks.ErrNotFound):
		msg = "No webhook configured for this chat"
	case errors.Is(err, webhooks.ErrInvalidConfig):
		msg = err.Error()
	default:
		r.logger.Error("Webhook operation failed", "chat_id", chatID, "error", err)
		msg = "Webhook operation failed"
	}
	r.reply(connID, envelope.NewError(msg))
}

func (r *Router) reply(connID string, v any) {
	frame, err := envelope.Encode(v)
	if err != nil {
		r.logger.Error("Failed to encode reply", "connection_id", connID, "error", err)
		return
	}
	if !r.reg.Send(connID, frame) {
		r.logger.Debug("Reply dropped", "connection_id", connID)
	}
}

func viewOf(cfg *webhooks.WebhookConfig) *envelope.WebhookView {
	events := cfg.Events
	if events == nil {
		events = []string{}
	}
	return &envelope.WebhookView{
		URL:           cfg.URL,
		Events:        events,
		IsActive:      cfg.Active,
		Secret:        cfg.Secret,
		RetryAttempts: cfg.RetryAttempts,
		Headers:       cfg.Headers,
		TimeoutMillis: cfg.TimeoutMillis,
		CreatedAt:     cfg.CreatedAt,
	}
}
