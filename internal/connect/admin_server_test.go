package connect

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"connectrpc.com/connect"

	"github.com/sarathsp06/relay/internal/logger"
	"github.com/sarathsp06/relay/internal/presence"
	"github.com/sarathsp06/relay/internal/registry"
	"github.com/sarathsp06/relay/internal/webhooks"
)

type nopLink struct{}

func (nopLink) Send([]byte) bool { return true }
func (nopLink) Probe() error     { return nil }
func (nopLink) Close() error     { return nil }
func (nopLink) Open() bool       { return true }

type failingReader struct{}

func (failingReader) Get(context.Context, string) (*webhooks.WebhookConfig, error) {
	return nil, errors.New("connection refused")
}

func newAdmin(t *testing.T, hooks WebhookReader) (*registry.Registry, *presence.Tracker, *AdminClient) {
	t.Helper()
	reg := registry.New(registry.WithLogger(logger.Discard()))
	tracker := presence.NewTracker(reg, presence.WithLogger(logger.Discard()))
	srv := NewAdminServer(reg, tracker, hooks)
	srv.logger = logger.Discard()

	path, handler, err := srv.Handler()
	if err != nil {
		t.Fatal(err)
	}
	if path != "/relay.admin.v1.AdminService/" {
		t.Errorf("Unexpected service path %s", path)
	}
	mux := http.NewServeMux()
	mux.Handle(path, handler)
	httpSrv := httptest.NewServer(mux)
	t.Cleanup(httpSrv.Close)

	return reg, tracker, NewAdminClient(httpSrv.Client(), httpSrv.URL)
}

func TestGetStatsAndListOnline(t *testing.T) {
	reg, tracker, client := newAdmin(t, webhooks.NewMemoryStore())

	a1 := reg.Register(nopLink{})
	a2 := reg.Register(nopLink{})
	b := reg.Register(nopLink{})
	reg.Register(nopLink{})
	tracker.Authenticate(a1, "did:a:1")
	tracker.Authenticate(a2, "did:a:1")
	tracker.Authenticate(b, "did:b:1")

	stats, err := client.GetStats(context.Background())
	if err != nil {
		t.Fatalf("GetStats failed: %v", err)
	}
	want := GetStatsResponse{Connections: 4, Authenticated: 3, Identities: 2, Online: 2}
	if *stats != want {
		t.Errorf("Expected %+v, got %+v", want, *stats)
	}

	online, err := client.ListOnline(context.Background())
	if err != nil {
		t.Fatalf("ListOnline failed: %v", err)
	}
	if len(online.Identities) != 2 {
		t.Fatalf("Expected 2 identities, got %+v", online.Identities)
	}
	if online.Identities[0] != (OnlineIdentity{DID: "did:a:1", Connections: 2}) ||
		online.Identities[1] != (OnlineIdentity{DID: "did:b:1", Connections: 1}) {
		t.Errorf("Unexpected online list: %+v", online.Identities)
	}
}

func TestGetWebhookMasksSecret(t *testing.T) {
	store := webhooks.NewMemoryStore()
	secret := strings.Repeat("ab", 32)
	err := store.Save(context.Background(), &webhooks.WebhookConfig{
		ChatID:        "c1",
		OwnerIdentity: "did:a:1",
		URL:           "https://example.com/hook",
		Secret:        secret,
		Events:        []string{webhooks.EventMessage},
		Active:        true,
		RetryAttempts: 3,
		TimeoutMillis: 10000,
		CreatedAt:     time.Now().UTC(),
	})
	if err != nil {
		t.Fatal(err)
	}
	_, _, client := newAdmin(t, store)

	got, err := client.GetWebhook(context.Background(), "c1")
	if err != nil {
		t.Fatalf("GetWebhook failed: %v", err)
	}
	if got.OwnerIdentity != "did:a:1" || got.URL != "https://example.com/hook" || !got.IsActive {
		t.Errorf("Unexpected webhook: %+v", got)
	}
	if strings.Contains(got.Secret, secret[:8]) || got.Secret != "****abab" {
		t.Errorf("Expected masked secret, got %q", got.Secret)
	}
}

func TestGetWebhookErrors(t *testing.T) {
	_, _, client := newAdmin(t, webhooks.NewMemoryStore())

	tests := []struct {
		name   string
		chatID string
		code   connect.Code
	}{
		{"missing chat id", "", connect.CodeInvalidArgument},
		{"unknown chat", "nope", connect.CodeNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := client.GetWebhook(context.Background(), tt.chatID)
			if connect.CodeOf(err) != tt.code {
				t.Errorf("Expected %v, got %v", tt.code, err)
			}
		})
	}

	_, _, broken := newAdmin(t, failingReader{})
	if _, err := broken.GetWebhook(context.Background(), "c1"); connect.CodeOf(err) != connect.CodeInternal {
		t.Errorf("Expected internal error, got %v", err)
	}
}

func TestMaskSecret(t *testing.T) {
	if got := maskSecret("short"); got != "****" {
		t.Errorf("Expected fully masked short secret, got %q", got)
	}
	if got := maskSecret("0123456789"); got != "****6789" {
		t.Errorf("Unexpected mask %q", got)
	}
}
