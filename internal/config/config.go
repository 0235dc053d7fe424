package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Store backends for webhook configuration.
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StoreSQLite   = "sqlite"
)

// Queue backends for webhook retry scheduling.
const (
	QueueMemory = "memory"
	QueueRiver  = "river"
)

// Config holds the application configuration
type Config struct {
	ListenAddr     string        `yaml:"listen_addr"`
	ServerDID      string        `yaml:"server_did"`
	DIDCommEnabled bool          `yaml:"didcomm_enabled"`
	SweepInterval  time.Duration `yaml:"sweep_interval"`
	LogLevel       string        `yaml:"log_level"`

	WebhookStore     string        `yaml:"webhook_store"`
	WebhookQueue     string        `yaml:"webhook_queue"`
	WebhookBaseDelay time.Duration `yaml:"webhook_base_delay"`
	WebhookMaxDelay  time.Duration `yaml:"webhook_max_delay"`
	DatabaseURL      string        `yaml:"database_url"`
	SQLitePath       string        `yaml:"sqlite_path"`

	CredentialPepper string `yaml:"credential_pepper"`

	OTelEnabled  bool   `yaml:"otel_enabled"`
	OTelEndpoint string `yaml:"otel_endpoint"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		ListenAddr:       ":8080",
		ServerDID:        "did:web:relay.local",
		DIDCommEnabled:   true,
		SweepInterval:    30 * time.Second,
		LogLevel:         "info",
		WebhookStore:     StoreMemory,
		WebhookQueue:     QueueMemory,
		WebhookBaseDelay: time.Second,
		WebhookMaxDelay:  30 * time.Second,
		DatabaseURL:      "postgres://localhost/relay?sslmode=disable",
		SQLitePath:       "relay.db",
		OTelEndpoint:     "localhost:4318",
	}
}

// Load loads configuration from an optional YAML file named by RELAY_CONFIG,
// then applies environment variables on top.
func Load() (*Config, error) {
	cfg := Default()

	if path := os.Getenv("RELAY_CONFIG"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	if err := cfg.applyEnv(os.Getenv); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv(getenv func(string) string) error {
	setString := func(key string, dst *string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	setBool := func(key string, dst *bool) error {
		v := getenv(key)
		if v == "" {
			return nil
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", key, err)
		}
		*dst = b
		return nil
	}
	setDuration := func(key string, dst *time.Duration) error {
		v := getenv(key)
		if v == "" {
			return nil
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", key, err)
		}
		*dst = d
		return nil
	}

	setString("RELAY_LISTEN_ADDR", &c.ListenAddr)
	setString("RELAY_SERVER_DID", &c.ServerDID)
	setString("RELAY_LOG_LEVEL", &c.LogLevel)
	setString("WEBHOOK_STORE", &c.WebhookStore)
	setString("WEBHOOK_QUEUE", &c.WebhookQueue)
	setString("DATABASE_URL", &c.DatabaseURL)
	setString("SQLITE_PATH", &c.SQLitePath)
	setString("CREDENTIAL_PEPPER", &c.CredentialPepper)
	setString("OTEL_EXPORTER_OTLP_ENDPOINT", &c.OTelEndpoint)

	if err := setBool("RELAY_DIDCOMM_ENABLED", &c.DIDCommEnabled); err != nil {
		return err
	}
	if err := setBool("OTEL_ENABLED", &c.OTelEnabled); err != nil {
		return err
	}
	if err := setDuration("RELAY_SWEEP_INTERVAL", &c.SweepInterval); err != nil {
		return err
	}
	if err := setDuration("WEBHOOK_BASE_DELAY", &c.WebhookBaseDelay); err != nil {
		return err
	}
	return setDuration("WEBHOOK_MAX_DELAY", &c.WebhookMaxDelay)
}

// Validate checks that the combination of settings is usable.
func (c *Config) Validate() error {
	switch c.WebhookStore {
	case StoreMemory, StorePostgres, StoreSQLite:
	default:
		return fmt.Errorf("unknown webhook store %q", c.WebhookStore)
	}
	switch c.WebhookQueue {
	case QueueMemory:
	case QueueRiver:
		if c.WebhookStore != StorePostgres {
			return fmt.Errorf("webhook queue %q requires the postgres webhook store", c.WebhookQueue)
		}
	default:
		return fmt.Errorf("unknown webhook queue %q", c.WebhookQueue)
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("sweep interval must be positive")
	}
	if c.WebhookBaseDelay <= 0 || c.WebhookMaxDelay < c.WebhookBaseDelay {
		return fmt.Errorf("webhook delays must satisfy 0 < base <= max")
	}
	return nil
}
