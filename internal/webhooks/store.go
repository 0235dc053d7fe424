package webhooks

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Store persists one webhook configuration per chat.
type Store interface {
	// Get returns the configuration for chatID or ErrNotFound.
	Get(ctx context.Context, chatID string) (*WebhookConfig, error)
	// Save inserts or replaces the configuration for cfg.ChatID.
	Save(ctx context.Context, cfg *WebhookConfig) error
	// Delete removes the configuration for chatID or returns ErrNotFound.
	Delete(ctx context.Context, chatID string) error
	// MarkUsed records a successful delivery.
	MarkUsed(ctx context.Context, chatID string, at time.Time) error
	// List returns every configuration ordered by chat id.
	List(ctx context.Context) ([]*WebhookConfig, error)
}

// SecretSealer protects webhook secrets in persistent stores.
type SecretSealer interface {
	SealSecret(owner, secret string) (string, error)
	OpenSecret(owner, sealed string) (string, error)
}

// MemoryStore is a process-local Store.
type MemoryStore struct {
	mu      sync.RWMutex
	configs map[string]*WebhookConfig
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{configs: make(map[string]*WebhookConfig)}
}

func (s *MemoryStore) Get(_ context.Context, chatID string) (*WebhookConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cfg, ok := s.configs[chatID]
	if !ok {
		return nil, fmt.Errorf("chat %s: %w", chatID, ErrNotFound)
	}
	return cfg.Clone(), nil
}

func (s *MemoryStore) Save(_ context.Context, cfg *WebhookConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.configs[cfg.ChatID] = cfg.Clone()
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, chatID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.configs[chatID]; !ok {
		return fmt.Errorf("chat %s: %w", chatID, ErrNotFound)
	}
	delete(s.configs, chatID)
	return nil
}

func (s *MemoryStore) MarkUsed(_ context.Context, chatID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg, ok := s.configs[chatID]
	if !ok {
		return fmt.Errorf("chat %s: %w", chatID, ErrNotFound)
	}
	cfg.LastUsedAt = &at
	return nil
}

func (s *MemoryStore) List(_ context.Context) ([]*WebhookConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*WebhookConfig, 0, len(s.configs))
	for _, cfg := range s.configs {
		out = append(out, cfg.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChatID < out[j].ChatID })
	return out, nil
}
