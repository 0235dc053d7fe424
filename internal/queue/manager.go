package queue

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"

	"github.com/sarathsp06/relay/internal/backoff"
	"github.com/sarathsp06/relay/internal/jobs"
	"github.com/sarathsp06/relay/internal/logger"
	"github.com/sarathsp06/relay/internal/observability"
	"github.com/sarathsp06/relay/internal/webhooks"
	"github.com/sarathsp06/relay/internal/workers"
)

// Manager runs webhook deliveries as River jobs so scheduled retries survive
// a restart. It implements webhooks.Scheduler.
type Manager struct {
	client *river.Client[pgx.Tx]
	logger *slog.Logger
}

var _ webhooks.Scheduler = (*Manager)(nil)

// NewManager creates a River client on pool. The pool is owned by the caller.
func NewManager(pool *pgxpool.Pool, store webhooks.Store, deliverer workers.Deliverer, policy backoff.Policy, metrics *observability.RelayMetrics) (*Manager, error) {
	riverWorkers := river.NewWorkers()
	if err := river.AddWorkerSafely(riverWorkers, workers.NewWebhookWorker(store, deliverer, policy, metrics)); err != nil {
		return nil, fmt.Errorf("failed to register webhook worker: %w", err)
	}

	riverClient, err := river.NewClient(riverpgxv5.New(pool), &river.Config{
		Queues: map[string]river.QueueConfig{
			river.QueueDefault: {MaxWorkers: 2},
			jobs.QueueWebhooks: {MaxWorkers: 8},
		},
		Workers: riverWorkers,
		Logger:  logger.NewLogger("river"),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create River client: %w", err)
	}

	return &Manager{
		client: riverClient,
		logger: logger.NewLogger("queue-manager"),
	}, nil
}

// Start starts the queue processing
func (m *Manager) Start(ctx context.Context) error {
	if err := m.client.Start(ctx); err != nil {
		m.logger.Error("Failed to start River client", "error", err)
		return fmt.Errorf("failed to start River client: %w", err)
	}
	m.logger.Info("River queue started successfully")
	return nil
}

// Enqueue inserts the first attempt of a delivery. River's MaxAttempts takes
// the config's retryAttempts so the retry budget matches the in-process
// scheduler.
func (m *Manager) Enqueue(ctx context.Context, a *webhooks.DeliveryAttempt) error {
	args := jobs.WebhookDeliveryArgs{
		DeliveryID: a.ID,
		ChatID:     a.Config.ChatID,
		EventType:  a.EventType,
		Body:       string(a.Body),
	}
	res, err := m.client.Insert(ctx, args, &river.InsertOpts{
		MaxAttempts: a.Config.RetryAttempts,
		Queue:       jobs.QueueWebhooks,
	})
	if err != nil {
		return fmt.Errorf("failed to enqueue webhook delivery: %w", err)
	}
	m.logger.Debug("Webhook delivery enqueued",
		"job_id", res.Job.ID,
		"delivery_id", a.ID,
		"chat_id", a.Config.ChatID,
	)
	return nil
}

// Close stops fetching new jobs and waits for running ones until ctx expires.
func (m *Manager) Close(ctx context.Context) error {
	if err := m.client.Stop(ctx); err != nil {
		return fmt.Errorf("failed to stop River client: %w", err)
	}
	m.logger.Info("River queue stopped")
	return nil
}
