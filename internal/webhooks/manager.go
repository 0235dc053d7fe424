// Package webhooks manages per-chat webhook configurations and delivers
// signed chat event notifications with bounded retry.
package webhooks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/sarathsp06/relay/internal/backoff"
	"github.com/sarathsp06/relay/internal/logger"
	"github.com/sarathsp06/relay/internal/observability"
)

// DefaultTriggerLimit caps concurrent Trigger lookups.
const DefaultTriggerLimit = 256

// Manager owns webhook lifecycle and triggering.
type Manager struct {
	store     Store
	deliverer *Deliverer
	scheduler Scheduler
	policy    backoff.Policy
	metrics   *observability.RelayMetrics
	logger    *slog.Logger
	now       func() time.Time
	onFatal   func(error)

	triggerLimit int64
	inflight     *semaphore.Weighted

	// mu serializes read-modify-write of configurations.
	mu       sync.Mutex
	closed   atomic.Bool
	triggers sync.WaitGroup
}

// Option configures a Manager.
type Option func(*Manager)

// WithScheduler replaces the in-process timer scheduler.
func WithScheduler(s Scheduler) Option {
	return func(m *Manager) { m.scheduler = s }
}

// WithPolicy sets the retry backoff used by the default scheduler.
func WithPolicy(p backoff.Policy) Option {
	return func(m *Manager) { m.policy = p }
}

// WithManagerMetrics records registrations and retries.
func WithManagerMetrics(metrics *observability.RelayMetrics) Option {
	return func(m *Manager) { m.metrics = metrics }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithLogger overrides the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithFatalHandler is called when a trigger or delivery goroutine panics.
func WithFatalHandler(fn func(error)) Option {
	return func(m *Manager) { m.onFatal = fn }
}

// WithTriggerLimit caps how many Trigger calls may be in flight. Triggers
// beyond the limit are dropped and logged.
func WithTriggerLimit(n int) Option {
	return func(m *Manager) { m.triggerLimit = int64(n) }
}

// NewManager creates a Manager backed by store and deliverer.
func NewManager(store Store, deliverer *Deliverer, opts ...Option) *Manager {
	m := &Manager{
		store:        store,
		deliverer:    deliverer,
		policy:       backoff.DefaultPolicy(),
		logger:       logger.NewLogger("webhook-manager"),
		now:          time.Now,
		triggerLimit: DefaultTriggerLimit,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.triggerLimit < 1 {
		m.triggerLimit = 1
	}
	m.inflight = semaphore.NewWeighted(m.triggerLimit)
	if m.onFatal == nil {
		m.onFatal = func(err error) { m.logger.Error("Fatal webhook error", "error", err) }
	}
	if m.scheduler == nil {
		m.scheduler = NewTimerScheduler(m.guardedAttempt, m.policy, m.metrics)
	}
	return m
}

// Register creates or replaces the webhook for chatID. Only the identity that
// created a chat's webhook may replace it.
func (m *Manager) Register(ctx context.Context, chatID, owner string, reg Registration) (*WebhookConfig, error) {
	if chatID == "" || owner == "" {
		return nil, fmt.Errorf("%w: chat id and owner are required", ErrInvalidConfig)
	}
	if err := validateURL(reg.URL); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	existing, err := m.store.Get(ctx, chatID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	if existing != nil && existing.OwnerIdentity != owner {
		m.logger.Warn("Webhook registration rejected",
			"chat_id", chatID,
			"requester", owner,
		)
		return nil, ErrUnauthorized
	}

	secret := reg.Secret
	if secret == "" {
		if secret, err = GenerateSecret(); err != nil {
			return nil, err
		}
	}

	now := m.now().UTC()
	cfg := &WebhookConfig{
		ChatID:        chatID,
		OwnerIdentity: owner,
		URL:           reg.URL,
		Secret:        secret,
		Events:        reg.Events,
		Active:        reg.Active == nil || *reg.Active,
		RetryAttempts: clamp(reg.RetryAttempts, DefaultRetryAttempts, MaxRetryAttempts),
		TimeoutMillis: clamp(reg.TimeoutMillis, DefaultTimeoutMillis, MaxTimeoutMillis),
		Headers:       reg.Headers,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if existing != nil {
		cfg.CreatedAt = existing.CreatedAt
		cfg.LastUsedAt = existing.LastUsedAt
	}

	if err := m.store.Save(ctx, cfg); err != nil {
		return nil, fmt.Errorf("failed to register webhook: %w", err)
	}

	m.metrics.WebhookRegistered(ctx)
	m.logger.Info("Webhook registered",
		"chat_id", chatID,
		"owner", owner,
		"url", cfg.URL,
		"events", cfg.Events,
		"retry_attempts", cfg.RetryAttempts,
		"replaced", existing != nil,
	)
	return cfg.Clone(), nil
}

// Remove deletes the webhook for chatID if requester owns it.
func (m *Manager) Remove(ctx context.Context, chatID, requester string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cfg, err := m.store.Get(ctx, chatID)
	if err != nil {
		return err
	}
	if cfg.OwnerIdentity != requester {
		m.logger.Warn("Webhook removal rejected",
			"chat_id", chatID,
			"requester", requester,
		)
		return ErrUnauthorized
	}
	if err := m.store.Delete(ctx, chatID); err != nil {
		return fmt.Errorf("failed to remove webhook: %w", err)
	}

	m.logger.Info("Webhook removed", "chat_id", chatID, "owner", requester)
	return nil
}

// Get returns the configuration for chatID, including its secret.
func (m *Manager) Get(ctx context.Context, chatID string) (*WebhookConfig, error) {
	return m.store.Get(ctx, chatID)
}

// List returns every configuration.
func (m *Manager) List(ctx context.Context) ([]*WebhookConfig, error) {
	return m.store.List(ctx)
}

// Trigger schedules delivery of ev to chatID's webhook and returns
// immediately. Chats without an active matching webhook are skipped, as are
// triggers past the in-flight limit.
func (m *Manager) Trigger(chatID string, ev Event) {
	if m.closed.Load() {
		return
	}
	if !m.inflight.TryAcquire(1) {
		m.logger.Warn("Webhook trigger dropped, too many in flight",
			"chat_id", chatID,
			"event", ev.Type,
			"limit", m.triggerLimit,
		)
		return
	}
	m.triggers.Add(1)
	go func() {
		defer m.triggers.Done()
		defer m.inflight.Release(1)
		defer m.recoverFatal("trigger", chatID)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := m.TriggerSync(ctx, chatID, ev); err != nil {
			m.logger.Error("Failed to trigger webhook",
				"chat_id", chatID,
				"event", ev.Type,
				"error", err,
			)
		}
	}()
}

// TriggerSync looks up the webhook and enqueues the first attempt. It returns
// once the attempt is scheduled, not when it is delivered.
func (m *Manager) TriggerSync(ctx context.Context, chatID string, ev Event) error {
	if m.closed.Load() {
		return ErrClosed
	}
	cfg, err := m.store.Get(ctx, chatID)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if !cfg.Accepts(ev.Type) {
		return nil
	}

	body, err := m.payload(chatID, ev)
	if err != nil {
		return err
	}

	attempt := &DeliveryAttempt{
		ID:          uuid.New().String(),
		Config:      cfg,
		EventType:   ev.Type,
		Body:        body,
		Attempt:     1,
		ScheduledAt: m.now(),
	}
	if err := m.scheduler.Enqueue(ctx, attempt); err != nil {
		return fmt.Errorf("failed to enqueue webhook delivery: %w", err)
	}
	return nil
}

// Attempt performs one delivery and records lastUsedAt on success. It is the
// unit of work the in-process scheduler runs.
func (m *Manager) Attempt(ctx context.Context, a *DeliveryAttempt) error {
	if _, err := m.deliverer.Deliver(ctx, a.Config, a.Body, a.Attempt); err != nil {
		return err
	}
	if err := m.store.MarkUsed(ctx, a.Config.ChatID, m.now().UTC()); err != nil && !errors.Is(err, ErrNotFound) {
		m.logger.Warn("Failed to record webhook use", "chat_id", a.Config.ChatID, "error", err)
	}
	return nil
}

// guardedAttempt runs Attempt for the in-process scheduler, turning a panic
// into a fatal report and a failed attempt.
func (m *Manager) guardedAttempt(ctx context.Context, a *DeliveryAttempt) (err error) {
	defer func() {
		if r := recover(); r != nil {
			m.fatal("delivery", a.Config.ChatID, r)
			err = fmt.Errorf("panic in webhook delivery: %v", r)
		}
	}()
	return m.Attempt(ctx, a)
}

// recoverFatal must be deferred directly.
func (m *Manager) recoverFatal(task, chatID string) {
	if r := recover(); r != nil {
		m.fatal(task, chatID, r)
	}
}

func (m *Manager) fatal(task, chatID string, r any) {
	m.logger.Error("Panic in webhook "+task,
		"chat_id", chatID,
		"panic", r,
		"stack", string(debug.Stack()),
	)
	m.onFatal(fmt.Errorf("panic in webhook %s for chat %s: %v", task, chatID, r))
}

// Test sends a synthetic event through the delivery path once, without retry,
// and reports whether the endpoint answered 2xx. Only the owner may test, since
// the request goes to the owner's endpoint.
func (m *Manager) Test(ctx context.Context, chatID, requester string) (bool, error) {
	cfg, err := m.store.Get(ctx, chatID)
	if err != nil {
		return false, err
	}
	if cfg.OwnerIdentity != requester {
		return false, ErrUnauthorized
	}

	body, err := m.payload(chatID, Event{
		Type:      EventTest,
		Sender:    requester,
		Content:   "Webhook test",
		Timestamp: m.now().UTC(),
	})
	if err != nil {
		return false, err
	}

	err = m.Attempt(ctx, &DeliveryAttempt{
		ID:          uuid.New().String(),
		Config:      cfg,
		EventType:   EventTest,
		Body:        body,
		Attempt:     1,
		ScheduledAt: m.now(),
	})
	return err == nil, nil
}

// Close stops new triggers and waits for scheduled deliveries.
func (m *Manager) Close(ctx context.Context) error {
	m.closed.Store(true)
	m.triggers.Wait()
	return m.scheduler.Close(ctx)
}

func (m *Manager) payload(chatID string, ev Event) ([]byte, error) {
	body, err := json.Marshal(Payload{
		Timestamp: m.now().UTC(),
		ChatID:    chatID,
		Event:     ev,
		Metadata:  Metadata{Source: Source, Version: Version},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal webhook payload: %w", err)
	}
	return body, nil
}

func validateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: url must be an absolute http(s) URL", ErrInvalidConfig)
	}
	return nil
}

func clamp(v, def, max int) int {
	switch {
	case v <= 0:
		return def
	case v > max:
		return max
	default:
		return v
	}
}
