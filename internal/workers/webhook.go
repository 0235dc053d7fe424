package workers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/riverqueue/river"

	"github.com/sarathsp06/relay/internal/backoff"
	"github.com/sarathsp06/relay/internal/jobs"
	"github.com/sarathsp06/relay/internal/logger"
	"github.com/sarathsp06/relay/internal/observability"
	"github.com/sarathsp06/relay/internal/webhooks"
)

// Deliverer performs one signed webhook POST.
type Deliverer interface {
	Deliver(ctx context.Context, cfg *webhooks.WebhookConfig, body []byte, attempt int) (*webhooks.DeliveryResult, error)
}

// WebhookWorker handles webhook delivery jobs. River retries a failed job
// until the job's MaxAttempts, which is set from the config's retryAttempts.
type WebhookWorker struct {
	river.WorkerDefaults[jobs.WebhookDeliveryArgs]
	store     webhooks.Store
	deliverer Deliverer
	policy    backoff.Policy
	metrics   *observability.RelayMetrics
	logger    *slog.Logger
	now       func() time.Time
}

// NewWebhookWorker creates a new webhook worker
func NewWebhookWorker(store webhooks.Store, deliverer Deliverer, policy backoff.Policy, metrics *observability.RelayMetrics) *WebhookWorker {
	return &WebhookWorker{
		store:     store,
		deliverer: deliverer,
		policy:    policy,
		metrics:   metrics,
		logger:    logger.NewLogger("webhook-worker"),
		now:       time.Now,
	}
}

// Work processes the webhook delivery job
func (w *WebhookWorker) Work(ctx context.Context, job *river.Job[jobs.WebhookDeliveryArgs]) error {
	args := job.Args

	cfg, err := w.store.Get(ctx, args.ChatID)
	if errors.Is(err, webhooks.ErrNotFound) {
		w.logger.Info("Webhook removed before delivery, dropping job",
			"job_id", job.ID,
			"delivery_id", args.DeliveryID,
			"chat_id", args.ChatID,
		)
		return river.JobCancel(err)
	}
	if err != nil {
		return fmt.Errorf("failed to load webhook config: %w", err)
	}
	if !cfg.Accepts(args.EventType) {
		return river.JobCancel(fmt.Errorf("webhook for chat %s no longer accepts %s", args.ChatID, args.EventType))
	}

	w.logger.Info("Processing webhook delivery",
		"job_id", job.ID,
		"delivery_id", args.DeliveryID,
		"chat_id", args.ChatID,
		"event", args.EventType,
		"attempt", job.Attempt,
		"max_attempts", job.MaxAttempts,
	)

	if _, err := w.deliverer.Deliver(ctx, cfg, []byte(args.Body), job.Attempt); err != nil {
		if job.Attempt >= job.MaxAttempts {
			w.logger.Error("Webhook delivery dropped after exhausting retries",
				"job_id", job.ID,
				"delivery_id", args.DeliveryID,
				"chat_id", args.ChatID,
				"attempts", job.Attempt,
				"error", err,
			)
		}
		return err
	}

	if err := w.store.MarkUsed(ctx, args.ChatID, w.now().UTC()); err != nil && !errors.Is(err, webhooks.ErrNotFound) {
		w.logger.Warn("Failed to record webhook use", "chat_id", args.ChatID, "error", err)
	}
	return nil
}

// NextRetry applies the relay backoff instead of River's default curve.
func (w *WebhookWorker) NextRetry(job *river.Job[jobs.WebhookDeliveryArgs]) time.Time {
	w.metrics.RetryScheduled(context.Background())
	return w.now().Add(backoff.Compute(w.policy, job.Attempt))
}

// Timeout bounds a job by the largest allowed per-config timeout.
func (w *WebhookWorker) Timeout(*river.Job[jobs.WebhookDeliveryArgs]) time.Duration {
	return time.Duration(webhooks.MaxTimeoutMillis)*time.Millisecond + 5*time.Second
}
