package webhooks

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/sarathsp06/relay/internal/backoff"
	"github.com/sarathsp06/relay/internal/logger"
	"github.com/sarathsp06/relay/internal/observability"
)

// Scheduler runs a delivery's attempts until one succeeds or the config's
// retry budget is spent.
type Scheduler interface {
	// Enqueue schedules attempt.Attempt (normally 1) to run as soon as possible.
	Enqueue(ctx context.Context, attempt *DeliveryAttempt) error
	// Close waits for scheduled and in-flight attempts to finish or ctx to
	// expire, whichever comes first.
	Close(ctx context.Context) error
}

// AttemptFunc performs one delivery attempt.
type AttemptFunc func(ctx context.Context, a *DeliveryAttempt) error

// TimerScheduler runs attempts on goroutines and schedules retries with
// time.AfterFunc. Scheduled retries are lost on process exit.
type TimerScheduler struct {
	attempt AttemptFunc
	policy  backoff.Policy
	random  func() float64
	metrics *observability.RelayMetrics
	logger  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	timers map[*time.Timer]struct{}
}

// NewTimerScheduler creates a TimerScheduler.
func NewTimerScheduler(attempt AttemptFunc, policy backoff.Policy, metrics *observability.RelayMetrics) *TimerScheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &TimerScheduler{
		attempt: attempt,
		policy:  policy,
		random:  rand.Float64,
		metrics: metrics,
		logger:  logger.NewLogger("webhook-scheduler"),
		ctx:     ctx,
		cancel:  cancel,
		timers:  make(map[*time.Timer]struct{}),
	}
}

// Enqueue starts the first attempt immediately on its own goroutine.
func (s *TimerScheduler) Enqueue(_ context.Context, a *DeliveryAttempt) error {
	if s.ctx.Err() != nil {
		return ErrClosed
	}
	if a.Attempt < 1 {
		a.Attempt = 1
	}
	s.wg.Add(1)
	go s.run(a)
	return nil
}

func (s *TimerScheduler) run(a *DeliveryAttempt) {
	defer s.wg.Done()
	if s.ctx.Err() != nil {
		return
	}

	err := s.attempt(s.ctx, a)
	if err == nil {
		return
	}

	if s.ctx.Err() != nil {
		s.logger.Warn("Webhook delivery abandoned during shutdown",
			"delivery_id", a.ID,
			"chat_id", a.Config.ChatID,
			"attempt", a.Attempt,
		)
		return
	}

	if a.Attempt >= a.Config.RetryAttempts {
		s.logger.Error("Webhook delivery dropped after exhausting retries",
			"delivery_id", a.ID,
			"chat_id", a.Config.ChatID,
			"attempts", a.Attempt,
			"error", err,
		)
		return
	}

	delay := backoff.ComputeWithRand(s.policy, a.Attempt, s.random())
	next := *a
	next.Attempt = a.Attempt + 1
	next.ScheduledAt = time.Now().Add(delay)

	s.metrics.RetryScheduled(s.ctx)
	s.logger.Info("Webhook retry scheduled",
		"delivery_id", a.ID,
		"chat_id", a.Config.ChatID,
		"next_attempt", next.Attempt,
		"delay_ms", delay.Milliseconds(),
	)

	s.wg.Add(1)
	s.mu.Lock()
	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		s.mu.Lock()
		delete(s.timers, timer)
		s.mu.Unlock()
		s.run(&next)
	})
	s.timers[timer] = struct{}{}
	s.mu.Unlock()
}

// Close waits for pending work. If ctx expires first, in-flight requests are
// cancelled and timers that have not fired are stopped.
func (s *TimerScheduler) Close(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.cancel()
		return nil
	case <-ctx.Done():
	}

	s.cancel()
	s.mu.Lock()
	for timer := range s.timers {
		if timer.Stop() {
			s.wg.Done()
		}
		delete(s.timers, timer)
	}
	s.mu.Unlock()
	<-done
	return ctx.Err()
}
