package webhooks

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/sarathsp06/relay/internal/credcrypto"
)

func testSealer() *credcrypto.Service {
	return credcrypto.NewService(
		credcrypto.WithKDFParams(credcrypto.KDFParams{Time: 1, Memory: 64, Threads: 1}),
		credcrypto.WithPepper("test-pepper"),
	)
}

func sampleConfig(chatID string) *WebhookConfig {
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return &WebhookConfig{
		ChatID:        chatID,
		OwnerIdentity: "did:key:owner",
		URL:           "https://example.com/hook",
		Secret:        "top-secret",
		Events:        []string{EventMessage},
		Active:        true,
		RetryAttempts: 3,
		TimeoutMillis: 5000,
		Headers:       map[string]string{"X-Env": "test"},
		CreatedAt:     created,
		UpdatedAt:     created,
	}
}

func exerciseStore(t *testing.T, s Store) {
	ctx := context.Background()

	if _, err := s.Get(ctx, "c1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Expected ErrNotFound on empty store, got %v", err)
	}

	if err := s.Save(ctx, sampleConfig("c2")); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if err := s.Save(ctx, sampleConfig("c1")); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	got, err := s.Get(ctx, "c1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	want := sampleConfig("c1")
	if got.Secret != want.Secret || got.URL != want.URL || got.OwnerIdentity != want.OwnerIdentity {
		t.Errorf("Unexpected config: %+v", got)
	}
	if len(got.Events) != 1 || got.Events[0] != EventMessage || got.Headers["X-Env"] != "test" {
		t.Errorf("Unexpected events/headers: %v %v", got.Events, got.Headers)
	}
	if !got.CreatedAt.Equal(want.CreatedAt) || got.LastUsedAt != nil {
		t.Errorf("Unexpected timestamps: %v %v", got.CreatedAt, got.LastUsedAt)
	}

	replaced := sampleConfig("c1")
	replaced.URL = "https://example.com/other"
	replaced.Active = false
	if err := s.Save(ctx, replaced); err != nil {
		t.Fatal(err)
	}
	got, _ = s.Get(ctx, "c1")
	if got.URL != replaced.URL || got.Active {
		t.Errorf("Expected replacement to be stored, got %+v", got)
	}

	used := time.Date(2026, 3, 2, 8, 30, 0, 0, time.UTC)
	if err := s.MarkUsed(ctx, "c1", used); err != nil {
		t.Fatal(err)
	}
	got, _ = s.Get(ctx, "c1")
	if got.LastUsedAt == nil || !got.LastUsedAt.Equal(used) {
		t.Errorf("Expected lastUsedAt %v, got %v", used, got.LastUsedAt)
	}
	if err := s.MarkUsed(ctx, "nope", used); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound from MarkUsed, got %v", err)
	}

	list, err := s.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 || list[0].ChatID != "c1" || list[1].ChatID != "c2" {
		t.Errorf("Expected [c1 c2], got %d entries", len(list))
	}

	if err := s.Delete(ctx, "c1"); err != nil {
		t.Fatal(err)
	}
	if err := s.Delete(ctx, "c1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound on second delete, got %v", err)
	}
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemoryStore())
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	cfg := sampleConfig("c1")
	if err := s.Save(ctx, cfg); err != nil {
		t.Fatal(err)
	}
	cfg.Headers["X-Env"] = "mutated"

	got, _ := s.Get(ctx, "c1")
	got.Events[0] = "mutated"
	again, _ := s.Get(ctx, "c1")
	if again.Headers["X-Env"] != "test" || again.Events[0] != EventMessage {
		t.Errorf("Store shares state with callers: %+v", again)
	}
}

func TestSQLiteStore(t *testing.T) {
	s, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "relay.db"), testSealer())
	if err != nil {
		t.Fatalf("OpenSQLite failed: %v", err)
	}
	defer s.Close()
	exerciseStore(t, s)
}

func TestSQLiteStoreSealsSecret(t *testing.T) {
	ctx := context.Background()
	s, err := OpenSQLite(ctx, ":memory:", testSealer())
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	if err := s.Save(ctx, sampleConfig("c1")); err != nil {
		t.Fatal(err)
	}
	var sealed string
	if err := s.db.QueryRowContext(ctx, `SELECT secret_sealed FROM webhook_configs WHERE chat_id = 'c1'`).Scan(&sealed); err != nil {
		t.Fatal(err)
	}
	if sealed == "" || sealed == "top-secret" {
		t.Errorf("Expected sealed secret at rest, got %q", sealed)
	}

	// A store with a different pepper cannot open the secret.
	other := &SQLiteStore{db: s.db, sealer: credcrypto.NewService(
		credcrypto.WithKDFParams(credcrypto.KDFParams{Time: 1, Memory: 64, Threads: 1}),
		credcrypto.WithPepper("other-pepper"),
	)}
	if _, err := other.Get(ctx, "c1"); !errors.Is(err, credcrypto.ErrIntegrity) {
		t.Errorf("Expected ErrIntegrity with wrong pepper, got %v", err)
	}
}

func TestAccepts(t *testing.T) {
	tests := []struct {
		name   string
		active bool
		events []string
		event  string
		want   bool
	}{
		{"empty filter", true, nil, EventMessage, true},
		{"wildcard", true, []string{AllEvents}, EventEncryptedMessage, true},
		{"listed", true, []string{EventMessage}, EventMessage, true},
		{"not listed", true, []string{EventMessage}, EventEncryptedMessage, false},
		{"test always", true, []string{EventMessage}, EventTest, true},
		{"inactive", false, nil, EventMessage, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &WebhookConfig{Active: tt.active, Events: tt.events}
			if got := cfg.Accepts(tt.event); got != tt.want {
				t.Errorf("Accepts(%q) = %v, want %v", tt.event, got, tt.want)
			}
		})
	}
}
