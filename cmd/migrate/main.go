package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/url"
	"os"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivermigrate"

	"github.com/sarathsp06/relay/internal/config"
	"github.com/sarathsp06/relay/internal/logger"
)

// plan is one run of the application migrations.
type plan struct {
	Direction string
	Steps     int
	Version   uint
}

func main() {
	var (
		direction = flag.String("direction", "up", "Migration direction: up, down")
		steps     = flag.Int("steps", 0, "Number of migration steps (0 for all up, 1 down)")
		version   = flag.Uint("version", 0, "Target migration version")
		source    = flag.String("source", "file://db/migrations", "Migration source URL")
		withRiver = flag.Bool("river", false, "Also run River queue migrations (implied by WEBHOOK_QUEUE=river)")
	)
	flag.Parse()

	log := logger.NewLogger("migration")

	cfg, err := config.Load()
	if err != nil {
		log.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	if cfg.WebhookStore == config.StoreSQLite {
		log.Info("SQLite webhook store creates its schema on open, nothing to migrate")
		return
	}

	p := plan{Direction: *direction, Steps: *steps, Version: *version}
	if err := p.validate(); err != nil {
		log.Error("Invalid migration flags", "error", err)
		os.Exit(1)
	}

	log.Info("Starting database migration",
		"database_url", redact(cfg.DatabaseURL),
		"direction", p.Direction,
	)

	ctx := context.Background()

	if *withRiver || cfg.WebhookQueue == config.QueueRiver {
		if err := runRiverMigrations(ctx, cfg.DatabaseURL, log); err != nil {
			log.Error("Failed to run River migrations", "error", err)
			os.Exit(1)
		}
	}

	if err := runAppMigrations(cfg.DatabaseURL, *source, p, log); err != nil {
		log.Error("Failed to run application migrations", "error", err)
		os.Exit(1)
	}

	log.Info("All migrations completed successfully")
}

func (p plan) validate() error {
	switch p.Direction {
	case "up", "down":
	default:
		return fmt.Errorf("invalid direction: %s (must be 'up' or 'down')", p.Direction)
	}
	if p.Steps < 0 {
		return fmt.Errorf("steps must not be negative, got %d", p.Steps)
	}
	if p.Version > 0 && p.Steps > 0 {
		return errors.New("version and steps are mutually exclusive")
	}
	return nil
}

// redact hides the password of a connection URL.
func redact(databaseURL string) string {
	u, err := url.Parse(databaseURL)
	if err != nil || u.User == nil {
		return databaseURL
	}
	if _, ok := u.User.Password(); ok {
		u.User = url.UserPassword(u.User.Username(), "xxxxx")
	}
	return u.String()
}

func runRiverMigrations(ctx context.Context, databaseURL string, log *slog.Logger) error {
	log.Info("Running River queue migrations...")

	dbPool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return fmt.Errorf("failed to create database pool: %w", err)
	}
	defer dbPool.Close()

	if err := dbPool.Ping(ctx); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	migrator, err := rivermigrate.New(riverpgxv5.New(dbPool), nil)
	if err != nil {
		return fmt.Errorf("failed to create River migrator: %w", err)
	}

	res, err := migrator.Migrate(ctx, rivermigrate.DirectionUp, &rivermigrate.MigrateOpts{})
	if err != nil {
		return fmt.Errorf("failed to run River migrations: %w", err)
	}

	for _, v := range res.Versions {
		log.Info("Applied River migration", "version", v.Version, "name", v.Name)
	}
	log.Info("River migrations completed", "migrations_run", len(res.Versions))
	return nil
}

func runAppMigrations(databaseURL, source string, p plan, log *slog.Logger) error {
	log.Info("Running webhook store migrations...", "source", source)

	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database connection: %w", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("failed to create postgres driver: %w", err)
	}

	m, err := migrate.NewWithDatabaseInstance(source, "postgres", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}
	defer m.Close()

	current, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return fmt.Errorf("failed to get current migration version: %w", err)
	}
	if dirty {
		log.Warn("Database is in dirty state, forcing version", "version", current)
		if err := m.Force(int(current)); err != nil {
			return fmt.Errorf("failed to force version: %w", err)
		}
	}
	log.Info("Current migration state", "version", current, "dirty", dirty)

	if err := apply(m, p); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}

	final, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return fmt.Errorf("failed to get final migration version: %w", err)
	}
	log.Info("Webhook store migrations completed", "final_version", final, "dirty", dirty)
	return nil
}

// migrator is the subset of *migrate.Migrate that apply drives.
type migrator interface {
	Up() error
	Migrate(version uint) error
	Steps(n int) error
}

func apply(m migrator, p plan) error {
	switch {
	case p.Version > 0:
		if err := m.Migrate(p.Version); err != nil {
			return fmt.Errorf("failed to migrate to version %d: %w", p.Version, err)
		}
	case p.Direction == "up" && p.Steps > 0:
		if err := m.Steps(p.Steps); err != nil {
			return fmt.Errorf("failed to migrate %d steps up: %w", p.Steps, err)
		}
	case p.Direction == "up":
		if err := m.Up(); err != nil {
			return fmt.Errorf("failed to migrate up: %w", err)
		}
	default:
		n := p.Steps
		if n == 0 {
			n = 1
		}
		if err := m.Steps(-n); err != nil {
			return fmt.Errorf("failed to migrate %d steps down: %w", n, err)
		}
	}
	return nil
}
