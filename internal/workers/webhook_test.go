package workers

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/riverqueue/river"
	"github.com/riverqueue/river/rivertype"

	"github.com/sarathsp06/relay/internal/backoff"
	"github.com/sarathsp06/relay/internal/jobs"
	"github.com/sarathsp06/relay/internal/logger"
	"github.com/sarathsp06/relay/internal/webhooks"
)

type stubDeliverer struct {
	err      error
	bodies   []string
	attempts []int
}

func (d *stubDeliverer) Deliver(_ context.Context, cfg *webhooks.WebhookConfig, body []byte, attempt int) (*webhooks.DeliveryResult, error) {
	d.bodies = append(d.bodies, string(body))
	d.attempts = append(d.attempts, attempt)
	if d.err != nil {
		return &webhooks.DeliveryResult{StatusCode: 500}, d.err
	}
	return &webhooks.DeliveryResult{StatusCode: 200}, nil
}

func newJob(args jobs.WebhookDeliveryArgs, attempt, maxAttempts int) *river.Job[jobs.WebhookDeliveryArgs] {
	return &river.Job[jobs.WebhookDeliveryArgs]{
		JobRow: &rivertype.JobRow{ID: 42, Attempt: attempt, MaxAttempts: maxAttempts},
		Args:   args,
	}
}

func newWorker(t *testing.T, d Deliverer) (*WebhookWorker, webhooks.Store) {
	t.Helper()
	store := webhooks.NewMemoryStore()
	err := store.Save(context.Background(), &webhooks.WebhookConfig{
		ChatID:        "c1",
		OwnerIdentity: "did:a:1",
		URL:           "https://example.com/hook",
		Secret:        "s",
		Events:        []string{webhooks.EventMessage},
		Active:        true,
		RetryAttempts: 3,
	})
	if err != nil {
		t.Fatal(err)
	}
	w := NewWebhookWorker(store, d, backoff.Policy{Base: time.Second, Max: 8 * time.Second}, nil)
	w.logger = logger.Discard()
	return w, store
}

func TestWebhookWorkerDelivers(t *testing.T) {
	d := &stubDeliverer{}
	w, store := newWorker(t, d)

	args := jobs.WebhookDeliveryArgs{DeliveryID: "d1", ChatID: "c1", EventType: webhooks.EventMessage, Body: `{"chatId":"c1"}`}
	if err := w.Work(context.Background(), newJob(args, 1, 3)); err != nil {
		t.Fatalf("Work failed: %v", err)
	}
	if len(d.bodies) != 1 || d.bodies[0] != args.Body || d.attempts[0] != 1 {
		t.Errorf("Unexpected delivery: %v %v", d.bodies, d.attempts)
	}

	cfg, _ := store.Get(context.Background(), "c1")
	if cfg.LastUsedAt == nil {
		t.Error("Expected lastUsedAt after successful job")
	}
}

func TestWebhookWorkerReturnsErrorForRetry(t *testing.T) {
	d := &stubDeliverer{err: errors.New("HTTP 500")}
	w, _ := newWorker(t, d)

	args := jobs.WebhookDeliveryArgs{ChatID: "c1", EventType: webhooks.EventMessage, Body: "{}"}
	err := w.Work(context.Background(), newJob(args, 2, 3))
	if err == nil {
		t.Fatal("Expected error so River schedules a retry")
	}
}

func TestWebhookWorkerCancelsWhenRemoved(t *testing.T) {
	d := &stubDeliverer{}
	w, store := newWorker(t, d)
	if err := store.Delete(context.Background(), "c1"); err != nil {
		t.Fatal(err)
	}

	args := jobs.WebhookDeliveryArgs{ChatID: "c1", EventType: webhooks.EventMessage, Body: "{}"}
	if err := w.Work(context.Background(), newJob(args, 1, 3)); err == nil {
		t.Error("Expected the job to be cancelled")
	}
	if len(d.bodies) != 0 {
		t.Error("Expected no delivery for a removed webhook")
	}
}

func TestWebhookWorkerCancelsFilteredEvent(t *testing.T) {
	d := &stubDeliverer{}
	w, _ := newWorker(t, d)

	args := jobs.WebhookDeliveryArgs{ChatID: "c1", EventType: webhooks.EventEncryptedMessage, Body: "{}"}
	if err := w.Work(context.Background(), newJob(args, 1, 3)); err == nil {
		t.Error("Expected the job to be cancelled")
	}
	if len(d.bodies) != 0 {
		t.Error("Expected filtered event not to be delivered")
	}
}

func TestWebhookWorkerNextRetry(t *testing.T) {
	w, _ := newWorker(t, &stubDeliverer{})
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	w.now = func() time.Time { return now }

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{6, 8 * time.Second},
	}
	for _, tt := range tests {
		got := w.NextRetry(newJob(jobs.WebhookDeliveryArgs{}, tt.attempt, 10))
		if d := got.Sub(now); d != tt.want {
			t.Errorf("attempt %d: expected delay %v, got %v", tt.attempt, tt.want, d)
		}
	}
}
