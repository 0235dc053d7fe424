package webhooks

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver
)

// SQLiteStore is a single-file Store for deployments without Postgres.
type SQLiteStore struct {
	db     *sql.DB
	sealer SecretSealer
}

// OpenSQLite opens (creating if needed) the database at path.
func OpenSQLite(ctx context.Context, path string, sealer SecretSealer) (*SQLiteStore, error) {
	if path == "" {
		path = ":memory:"
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A single connection keeps :memory: databases shared and serializes writers.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db, sealer: sealer}
	if err := s.init(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS webhook_configs (
			chat_id TEXT PRIMARY KEY,
			owner_identity TEXT NOT NULL,
			url TEXT NOT NULL,
			secret_sealed TEXT NOT NULL,
			events TEXT NOT NULL DEFAULT '[]',
			active INTEGER NOT NULL DEFAULT 1,
			retry_attempts INTEGER NOT NULL,
			timeout_ms INTEGER NOT NULL,
			headers TEXT NOT NULL DEFAULT '{}',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			last_used_at TEXT
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create webhook_configs table: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Get(ctx context.Context, chatID string) (*WebhookConfig, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT chat_id, owner_identity, url, secret_sealed, events, active,
		       retry_attempts, timeout_ms, headers, created_at, updated_at, last_used_at
		FROM webhook_configs WHERE chat_id = ?`, chatID)
	cfg, err := s.scan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("chat %s: %w", chatID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load webhook config: %w", err)
	}
	return cfg, nil
}

func (s *SQLiteStore) Save(ctx context.Context, cfg *WebhookConfig) error {
	sealed, err := s.sealer.SealSecret(cfg.OwnerIdentity, cfg.Secret)
	if err != nil {
		return fmt.Errorf("failed to seal webhook secret: %w", err)
	}
	eventsJSON, err := json.Marshal(cfg.Events)
	if err != nil {
		return fmt.Errorf("failed to marshal events: %w", err)
	}
	headersJSON, err := json.Marshal(cfg.Headers)
	if err != nil {
		return fmt.Errorf("failed to marshal headers: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO webhook_configs (
			chat_id, owner_identity, url, secret_sealed, events, active,
			retry_attempts, timeout_ms, headers, created_at, updated_at, last_used_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		cfg.ChatID,
		cfg.OwnerIdentity,
		cfg.URL,
		sealed,
		string(eventsJSON),
		cfg.Active,
		cfg.RetryAttempts,
		cfg.TimeoutMillis,
		string(headersJSON),
		formatTime(cfg.CreatedAt),
		formatTime(cfg.UpdatedAt),
		nullTime(cfg.LastUsedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save webhook config: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Delete(ctx context.Context, chatID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM webhook_configs WHERE chat_id = ?`, chatID)
	if err != nil {
		return fmt.Errorf("failed to delete webhook config: %w", err)
	}
	return requireRow(res, chatID)
}

func (s *SQLiteStore) MarkUsed(ctx context.Context, chatID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE webhook_configs SET last_used_at = ? WHERE chat_id = ?`, formatTime(at), chatID)
	if err != nil {
		return fmt.Errorf("failed to update last_used_at: %w", err)
	}
	return requireRow(res, chatID)
}

func (s *SQLiteStore) List(ctx context.Context) ([]*WebhookConfig, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT chat_id, owner_identity, url, secret_sealed, events, active,
		       retry_attempts, timeout_ms, headers, created_at, updated_at, last_used_at
		FROM webhook_configs ORDER BY chat_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list webhook configs: %w", err)
	}
	defer rows.Close()

	var configs []*WebhookConfig
	for rows.Next() {
		cfg, err := s.scan(rows)
		if err != nil {
			return nil, err
		}
		configs = append(configs, cfg)
	}
	return configs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *SQLiteStore) scan(row rowScanner) (*WebhookConfig, error) {
	var (
		cfg                  WebhookConfig
		sealed               string
		eventsJSON           string
		headersJSON          string
		createdAt, updatedAt string
		lastUsedAt           sql.NullString
	)
	err := row.Scan(
		&cfg.ChatID,
		&cfg.OwnerIdentity,
		&cfg.URL,
		&sealed,
		&eventsJSON,
		&cfg.Active,
		&cfg.RetryAttempts,
		&cfg.TimeoutMillis,
		&headersJSON,
		&createdAt,
		&updatedAt,
		&lastUsedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(eventsJSON), &cfg.Events); err != nil {
		return nil, fmt.Errorf("failed to unmarshal events: %w", err)
	}
	if err := json.Unmarshal([]byte(headersJSON), &cfg.Headers); err != nil {
		return nil, fmt.Errorf("failed to unmarshal headers: %w", err)
	}
	if cfg.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, fmt.Errorf("failed to parse created_at: %w", err)
	}
	if cfg.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return nil, fmt.Errorf("failed to parse updated_at: %w", err)
	}
	if lastUsedAt.Valid {
		t, err := time.Parse(time.RFC3339Nano, lastUsedAt.String)
		if err != nil {
			return nil, fmt.Errorf("failed to parse last_used_at: %w", err)
		}
		cfg.LastUsedAt = &t
	}

	cfg.Secret, err = s.sealer.OpenSecret(cfg.OwnerIdentity, sealed)
	if err != nil {
		return nil, fmt.Errorf("failed to open webhook secret for chat %s: %w", cfg.ChatID, err)
	}
	return &cfg, nil
}

func requireRow(res sql.Result, chatID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("chat %s: %w", chatID, ErrNotFound)
	}
	return nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}
