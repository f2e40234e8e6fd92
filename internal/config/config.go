// Package config provides YAML configuration loading and validation for the
// FlareWatch alert server.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/flarewatch/server/internal/alert"
)

// Config is the top-level configuration structure for the FlareWatch server.
type Config struct {
	// ListenAddr is the HTTP listen address serving /ws, /healthz, and the
	// /api/v1 routes (e.g. ":8080"). Defaults to ":8080" when omitted.
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel sets the minimum log severity: "debug", "info", "warn", or
	// "error". Defaults to "info" when omitted.
	LogLevel string `yaml:"log_level"`

	// Storage selects and configures the alert-history repository.
	Storage StorageConfig `yaml:"storage"`

	// Auth configures bearer-token validation for push connections.
	Auth AuthConfig `yaml:"auth"`

	// IngestToken, when non-empty, is required as a Bearer token on
	// POST /api/v1/predictions. An empty value accepts unauthenticated
	// ingest.
	IngestToken string `yaml:"ingest_token"`

	// Push tunes per-connection transport behaviour.
	Push PushConfig `yaml:"push"`

	// Alerts configures the alert firing decision.
	Alerts AlertsConfig `yaml:"alerts"`

	// Queue bounds the per-user offline alert queue.
	Queue QueueConfig `yaml:"queue"`

	// Delivery configures delivery-record retention.
	Delivery DeliveryConfig `yaml:"delivery"`

	// Webhooks configures outbound webhook dispatch.
	Webhooks WebhookConfig `yaml:"webhooks"`
}

// StorageConfig selects the repository implementation.
type StorageConfig struct {
	// Driver is "postgres" or "sqlite". Defaults to "sqlite" when omitted.
	Driver string `yaml:"driver"`

	// DSN is the pgx connection string for the postgres driver, or the
	// database file path (":memory:" is accepted) for the sqlite driver.
	// Defaults to "flarewatch.db" when omitted.
	DSN string `yaml:"dsn"`
}

// AuthConfig holds push-connection authentication settings.
type AuthConfig struct {
	// JWTSecret is the HS256 signing secret shared with the token issuer.
	// When empty, push connections can never authenticate and every client
	// stays an anonymous FREE connection.
	JWTSecret string `yaml:"jwt_secret"`

	// Issuer, when non-empty, is matched against the token's "iss" claim.
	Issuer string `yaml:"issuer"`
}

// PushConfig tunes push-connection transport behaviour.
type PushConfig struct {
	// HeartbeatInterval is how often the server pings every live
	// connection. Defaults to 30s.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`

	// IdleTimeout is how long a connection may go without any client
	// traffic before the reaper evicts it. Defaults to 5m.
	IdleTimeout time.Duration `yaml:"idle_timeout"`

	// SendBuffer is the per-connection outbound channel depth. A full
	// buffer counts as a failed send and disconnects the client.
	// Defaults to 64.
	SendBuffer int `yaml:"send_buffer"`
}

// AlertsConfig configures the firing decision.
type AlertsConfig struct {
	// DefaultThresholds is the severity triple used for the decision to
	// fire and for connections that have not set their own thresholds.
	// Defaults to {0.3, 0.6, 0.8}.
	DefaultThresholds alert.Thresholds `yaml:"default_thresholds"`

	// RealertInterval is the minimum spacing between consecutive HIGH
	// alerts. Defaults to 1h.
	RealertInterval time.Duration `yaml:"realert_interval"`
}

// QueueConfig bounds the offline queue.
type QueueConfig struct {
	// Capacity is the per-user queue bound; overflow drops the oldest
	// message. Defaults to 100.
	Capacity int `yaml:"capacity"`

	// MessageTTL is how long an undelivered message is retained before
	// periodic cleanup drops it. Defaults to 168h (7 days).
	MessageTTL time.Duration `yaml:"message_ttl"`
}

// DeliveryConfig configures delivery-record retention.
type DeliveryConfig struct {
	// RecordTTL is how long a delivery record is retained. Defaults to 24h.
	RecordTTL time.Duration `yaml:"record_ttl"`

	// CleanupInterval is how often the engine sweeps expired delivery
	// records and queued messages. Defaults to 1h.
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// WebhookConfig configures outbound webhook dispatch.
type WebhookConfig struct {
	// Timeout bounds each webhook POST. Defaults to 10s.
	Timeout time.Duration `yaml:"timeout"`

	// MaxConcurrency caps in-flight webhook POSTs per dispatch.
	// Defaults to 32.
	MaxConcurrency int `yaml:"max_concurrency"`
}

// validLogLevels is the set of accepted log level strings.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// validDrivers is the set of accepted storage driver strings.
var validDrivers = map[string]bool{
	"postgres": true,
	"sqlite":   true,
}

// LoadConfig reads the YAML file at path, unmarshals it into Config, applies
// defaults, and validates all fields. It returns a typed error describing
// every validation failure encountered.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: cannot read %q: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: cannot parse %q: %w", path, err)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config: validation failed for %q: %w", path, err)
	}

	return &cfg, nil
}

// Default returns a Config populated entirely from defaults. It is used when
// the server starts without a config file, and by tests.
func Default() *Config {
	var cfg Config
	applyDefaults(&cfg)
	return &cfg
}

// applyDefaults fills in zero-value optional fields with sensible defaults.
func applyDefaults(cfg *Config) {
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":8080"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = "sqlite"
	}
	if cfg.Storage.DSN == "" {
		cfg.Storage.DSN = "flarewatch.db"
	}
	if cfg.Push.HeartbeatInterval <= 0 {
		cfg.Push.HeartbeatInterval = 30 * time.Second
	}
	if cfg.Push.IdleTimeout <= 0 {
		cfg.Push.IdleTimeout = 5 * time.Minute
	}
	if cfg.Push.SendBuffer <= 0 {
		cfg.Push.SendBuffer = 64
	}
	if cfg.Alerts.DefaultThresholds == (alert.Thresholds{}) {
		cfg.Alerts.DefaultThresholds = alert.DefaultThresholds()
	}
	if cfg.Alerts.RealertInterval <= 0 {
		cfg.Alerts.RealertInterval = time.Hour
	}
	if cfg.Queue.Capacity <= 0 {
		cfg.Queue.Capacity = 100
	}
	if cfg.Queue.MessageTTL <= 0 {
		cfg.Queue.MessageTTL = 7 * 24 * time.Hour
	}
	if cfg.Delivery.RecordTTL <= 0 {
		cfg.Delivery.RecordTTL = 24 * time.Hour
	}
	if cfg.Delivery.CleanupInterval <= 0 {
		cfg.Delivery.CleanupInterval = time.Hour
	}
	if cfg.Webhooks.Timeout <= 0 {
		cfg.Webhooks.Timeout = 10 * time.Second
	}
	if cfg.Webhooks.MaxConcurrency <= 0 {
		cfg.Webhooks.MaxConcurrency = 32
	}
}

// validate checks that enumerated fields contain only valid values and that
// cross-field invariants hold.
func validate(cfg *Config) error {
	var errs []error

	if !validLogLevels[cfg.LogLevel] {
		errs = append(errs, fmt.Errorf("log_level %q must be one of: debug, info, warn, error", cfg.LogLevel))
	}
	if !validDrivers[cfg.Storage.Driver] {
		errs = append(errs, fmt.Errorf("storage.driver %q must be one of: postgres, sqlite", cfg.Storage.Driver))
	}
	if err := cfg.Alerts.DefaultThresholds.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("alerts.default_thresholds: %w", err))
	}
	if cfg.Push.HeartbeatInterval >= cfg.Push.IdleTimeout {
		errs = append(errs, fmt.Errorf("push.heartbeat_interval (%s) must be shorter than push.idle_timeout (%s)",
			cfg.Push.HeartbeatInterval, cfg.Push.IdleTimeout))
	}

	return errors.Join(errs...)
}
