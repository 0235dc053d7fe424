package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/sarathsp06/relay/internal/backoff"
	"github.com/sarathsp06/relay/internal/config"
	adminconnect "github.com/sarathsp06/relay/internal/connect"
	"github.com/sarathsp06/relay/internal/credcrypto"
	"github.com/sarathsp06/relay/internal/logger"
	"github.com/sarathsp06/relay/internal/observability"
	"github.com/sarathsp06/relay/internal/presence"
	"github.com/sarathsp06/relay/internal/queue"
	"github.com/sarathsp06/relay/internal/registry"
	"github.com/sarathsp06/relay/internal/router"
	"github.com/sarathsp06/relay/internal/sweeper"
	"github.com/sarathsp06/relay/internal/transport"
	"github.com/sarathsp06/relay/internal/webhooks"
)

const shutdownTimeout = 15 * time.Second

func main() {
	log := logger.NewLogger("main")
	if err := run(); err != nil {
		log.Error("Relay exited with error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	logger.SetLevel(logger.ParseLevel(cfg.LogLevel))
	log := logger.NewLogger("main")

	// Cancelled on SIGINT/SIGTERM or when a connection or webhook task panics.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	otelShutdown := func(context.Context) error { return nil }
	if cfg.OTelEnabled {
		otelCfg := observability.DefaultConfig()
		otelCfg.OTLPEndpoint = cfg.OTelEndpoint
		otelShutdown, err = observability.Setup(ctx, otelCfg)
		if err != nil {
			return fmt.Errorf("failed to set up OpenTelemetry: %w", err)
		}
		log.Info("OpenTelemetry enabled", "endpoint", cfg.OTelEndpoint)
	}

	metrics, err := observability.NewRelayMetrics()
	if err != nil {
		log.Error("Failed to initialize metrics, continuing without", "error", err)
	}

	sealer := credcrypto.NewService(credcrypto.WithPepper(cfg.CredentialPepper))
	store, pool, closeStore, err := openStore(ctx, cfg, sealer)
	if err != nil {
		return err
	}
	defer closeStore()

	policy := backoff.DefaultPolicy()
	policy.Base = cfg.WebhookBaseDelay
	policy.Max = cfg.WebhookMaxDelay

	deliverer := webhooks.NewDeliverer(webhooks.WithMetrics(metrics))
	hookOpts := []webhooks.Option{
		webhooks.WithPolicy(policy),
		webhooks.WithManagerMetrics(metrics),
		webhooks.WithFatalHandler(func(err error) { cancel(err) }),
	}
	if cfg.WebhookQueue == config.QueueRiver {
		q, err := queue.NewManager(pool, store, deliverer, policy, metrics)
		if err != nil {
			return err
		}
		// River stops through hooks.Close, not through signal cancellation.
		if err := q.Start(context.WithoutCancel(ctx)); err != nil {
			return err
		}
		hookOpts = append(hookOpts, webhooks.WithScheduler(q))
	}
	hooks := webhooks.NewManager(store, deliverer, hookOpts...)

	reg := registry.New()
	tracker := presence.NewTracker(reg)
	tracker.OnChange(func(ev presence.Event) {
		metrics.PresenceChanged(context.Background(), ev.Online)
	})

	rt := router.New(reg, tracker, hooks,
		router.Config{ServerDID: cfg.ServerDID, DIDCommEnabled: cfg.DIDCommEnabled},
		router.WithMetrics(metrics),
		router.WithFatalHandler(func(err error) { cancel(err) }),
	)

	ws := transport.NewServer(reg, tracker, rt,
		transport.WithMetrics(metrics),
		transport.WithFatalHandler(func(err error) { cancel(err) }),
	)

	admin := adminconnect.NewAdminServer(reg, tracker, hooks)
	adminPath, adminHandler, err := admin.Handler()
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.Handle("/ws", ws)
	mux.Handle(adminPath, observability.HTTPHandler(adminHandler, "admin"))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = fmt.Fprintf(w, `{"status":"ok","connections":%d}`, reg.Stats().Connections)
	})

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           h2c.NewHandler(mux, &http2.Server{}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info("Relay listening", "addr", cfg.ListenAddr, "server_did", cfg.ServerDID)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	sw := sweeper.New(reg, tracker, cfg.SweepInterval)
	go sw.Run(ctx)

	select {
	case <-ctx.Done():
		if cause := context.Cause(ctx); cause != nil && !errors.Is(cause, context.Canceled) {
			log.Error("Shutting down after fatal error", "error", cause)
		} else {
			log.Info("Shutting down")
		}
	case err := <-serveErr:
		if err != nil {
			log.Error("HTTP server failed", "error", err)
		}
	}

	shutdownCtx, done := context.WithTimeout(context.Background(), shutdownTimeout)
	defer done()

	// Stop accepting, close connections, then drain webhook deliveries.
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn("HTTP server shutdown incomplete", "error", err)
	}
	if err := ws.Shutdown(shutdownCtx); err != nil {
		log.Warn("Connections did not close in time", "error", err)
	}
	if err := hooks.Close(shutdownCtx); err != nil {
		log.Warn("Webhook deliveries abandoned", "error", err)
	}
	if err := otelShutdown(shutdownCtx); err != nil {
		log.Warn("OpenTelemetry shutdown failed", "error", err)
	}

	log.Info("Shutdown complete")
	if cause := context.Cause(ctx); cause != nil && !errors.Is(cause, context.Canceled) {
		return cause
	}
	return nil
}

// openStore opens the configured webhook store. pool is non-nil only for
// the postgres store.
func openStore(ctx context.Context, cfg *config.Config, sealer webhooks.SecretSealer) (webhooks.Store, *pgxpool.Pool, func(), error) {
	log := logger.NewLogger("main")

	switch cfg.WebhookStore {
	case config.StorePostgres:
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to create database pool: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, nil, nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		log.Info("Connected to database")
		return webhooks.NewRepository(pool, sealer), pool, pool.Close, nil

	case config.StoreSQLite:
		s, err := webhooks.OpenSQLite(ctx, cfg.SQLitePath, sealer)
		if err != nil {
			return nil, nil, nil, err
		}
		log.Info("Opened SQLite webhook store", "path", cfg.SQLitePath)
		return s, nil, func() { _ = s.Close() }, nil

	default:
		return webhooks.NewMemoryStore(), nil, func() {}, nil
	}
}
