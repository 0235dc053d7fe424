package webhooks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository is the Postgres-backed Store. Secrets are sealed for the
// owning identity before they reach the database.
type Repository struct {
	db     *pgxpool.Pool
	sealer SecretSealer
}

// NewRepository creates a new webhook repository
func NewRepository(db *pgxpool.Pool, sealer SecretSealer) *Repository {
	return &Repository{db: db, sealer: sealer}
}

const selectConfigColumns = `
	SELECT chat_id, owner_identity, url, secret_sealed, events, active,
	       retry_attempts, timeout_ms, headers, created_at, updated_at, last_used_at
	FROM webhook_configs`

// Get returns the configuration for a chat
func (r *Repository) Get(ctx context.Context, chatID string) (*WebhookConfig, error) {
	row := r.db.QueryRow(ctx, selectConfigColumns+` WHERE chat_id = $1`, chatID)
	cfg, err := r.scan(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("chat %s: %w", chatID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load webhook config: %w", err)
	}
	return cfg, nil
}

// Save upserts a configuration
func (r *Repository) Save(ctx context.Context, cfg *WebhookConfig) error {
	sealed, err := r.sealer.SealSecret(cfg.OwnerIdentity, cfg.Secret)
	if err != nil {
		return fmt.Errorf("failed to seal webhook secret: %w", err)
	}

	headersJSON, err := json.Marshal(cfg.Headers)
	if err != nil {
		return fmt.Errorf("failed to marshal headers: %w", err)
	}

	eventsJSON, err := json.Marshal(cfg.Events)
	if err != nil {
		return fmt.Errorf("failed to marshal events: %w", err)
	}

	query := `
		INSERT INTO webhook_configs (
			chat_id, owner_identity, url, secret_sealed, events, active,
			retry_attempts, timeout_ms, headers, created_at, updated_at, last_used_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (chat_id) DO UPDATE SET
			owner_identity = EXCLUDED.owner_identity,
			url = EXCLUDED.url,
			secret_sealed = EXCLUDED.secret_sealed,
			events = EXCLUDED.events,
			active = EXCLUDED.active,
			retry_attempts = EXCLUDED.retry_attempts,
			timeout_ms = EXCLUDED.timeout_ms,
			headers = EXCLUDED.headers,
			updated_at = EXCLUDED.updated_at,
			last_used_at = EXCLUDED.last_used_at
	`

	_, err = r.db.Exec(ctx, query,
		cfg.ChatID,
		cfg.OwnerIdentity,
		cfg.URL,
		sealed,
		eventsJSON,
		cfg.Active,
		cfg.RetryAttempts,
		cfg.TimeoutMillis,
		headersJSON,
		cfg.CreatedAt,
		cfg.UpdatedAt,
		cfg.LastUsedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save webhook config: %w", err)
	}
	return nil
}

// Delete removes a chat's configuration
func (r *Repository) Delete(ctx context.Context, chatID string) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM webhook_configs WHERE chat_id = $1`, chatID)
	if err != nil {
		return fmt.Errorf("failed to delete webhook config: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("chat %s: %w", chatID, ErrNotFound)
	}
	return nil
}

// MarkUsed stamps last_used_at after a successful delivery
func (r *Repository) MarkUsed(ctx context.Context, chatID string, at time.Time) error {
	tag, err := r.db.Exec(ctx, `UPDATE webhook_configs SET last_used_at = $2 WHERE chat_id = $1`, chatID, at)
	if err != nil {
		return fmt.Errorf("failed to update last_used_at: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("chat %s: %w", chatID, ErrNotFound)
	}
	return nil
}

// List returns every configuration
func (r *Repository) List(ctx context.Context) ([]*WebhookConfig, error) {
	rows, err := r.db.Query(ctx, selectConfigColumns+` ORDER BY chat_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list webhook configs: %w", err)
	}
	defer rows.Close()

	var configs []*WebhookConfig
	for rows.Next() {
		cfg, err := r.scan(rows)
		if err != nil {
			return nil, err
		}
		configs = append(configs, cfg)
	}
	return configs, rows.Err()
}

func (r *Repository) scan(row pgx.Row) (*WebhookConfig, error) {
	var cfg WebhookConfig
	var sealed string
	var headersJSON []byte
	var eventsJSON []byte

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
		&cfg.CreatedAt,
		&cfg.UpdatedAt,
		&cfg.LastUsedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(headersJSON, &cfg.Headers); err != nil {
		return nil, fmt.Errorf("failed to unmarshal headers: %w", err)
	}

	if err := json.Unmarshal(eventsJSON, &cfg.Events); err != nil {
		return nil, fmt.Errorf("failed to unmarshal events: %w", err)
	}

	cfg.Secret, err = r.sealer.OpenSecret(cfg.OwnerIdentity, sealed)
	if err != nil {
		return nil, fmt.Errorf("failed to open webhook secret for chat %s: %w", cfg.ChatID, err)
	}
	return &cfg, nil
}
