package config

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/caarlos0/env/v11"
	"go.uber.org/fx"
)

var Module = fx.Module("config",
	fx.Provide(NewConfig),
)

// Config holds all application configuration
type Config struct {
	// Server settings
	ServerPort    int    `env:"SERVER_PORT" envDefault:"3002"`
	ServerAddress string `env:"SERVER_ADDRESS" envDefault:"0.0.0.0"`
	Environment   string `env:"ENVIRONMENT" envDefault:"local"`
	Debug         bool   `env:"DEBUG" envDefault:"false"`
	LogLevel      string `env:"LOG_LEVEL" envDefault:"info"`

	// QueuesFile is the queue-definition YAML consumed at startup
	QueuesFile string `env:"QUEUES_FILE" envDefault:"queues.yaml"`

	// ModelsFile is the model-capability YAML for AI task providers
	ModelsFile string `env:"MODELS_FILE" envDefault:"models.yaml"`

	// Database settings for the default PostgreSQL substrate
	Database DatabaseConfig

	// Store selects the backend for queues that do not pin one
	Store StoreConfig

	// OpenTelemetry tracing
	Otel OtelConfig

	// Retention sweeps for terminal jobs
	Retention RetentionConfig

	// Archive exports terminal jobs to object storage before deletion
	Archive ArchiveConfig

	// Alerts notify operators about exhausted jobs
	Alerts AlertsConfig

	// Admin guards the mutating API surface
	Admin AdminConfig

	// Server timeouts
	ReadTimeout     time.Duration `env:"SERVER_READ_TIMEOUT" envDefault:"5s"`
	WriteTimeout    time.Duration `env:"SERVER_WRITE_TIMEOUT" envDefault:"28800s"` // 8 hours for SSE
	IdleTimeout     time.Duration `env:"SERVER_IDLE_TIMEOUT" envDefault:"28800s"`  // 8 hours for SSE
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`
}

// DatabaseConfig holds PostgreSQL connection settings
type DatabaseConfig struct {
	// Enabled is "auto" (connect when the default backend needs it),
	// "true" (always connect), or "false" (never connect; postgres and
	// cloud queues then fail to register)
	Enabled      string        `env:"DATABASE_ENABLED" envDefault:"auto"`
	Host         string        `env:"POSTGRES_HOST" envDefault:"localhost"`
	Port         int           `env:"POSTGRES_PORT" envDefault:"5432"`
	User         string        `env:"POSTGRES_USER" envDefault:"conveyor"`
	Password     string        `env:"POSTGRES_PASSWORD" envDefault:""`
	Database     string        `env:"POSTGRES_DB" envDefault:"conveyor"`
	SSLMode      string        `env:"POSTGRES_SSL_MODE" envDefault:"disable"`
	MaxOpenConns int           `env:"DB_MAX_OPEN_CONNS" envDefault:"25"`
	MaxIdleConns int           `env:"DB_MAX_IDLE_CONNS" envDefault:"5"`
	MaxIdleTime  time.Duration `env:"DB_MAX_IDLE_TIME" envDefault:"5m"`
	QueryDebug   bool          `env:"DB_QUERY_DEBUG" envDefault:"false"`
}

// DSN returns the PostgreSQL connection string
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.Database, d.SSLMode,
	)
}

// DatabaseEnabled reports whether the server opens the shared PostgreSQL
// handles at startup. In auto mode they open only when the default
// backend lives in Postgres; embedded-backend deployments then run
// without a database server entirely.
func (c *Config) DatabaseEnabled() bool {
	switch c.Database.Enabled {
	case "true":
		return true
	case "false":
		return false
	default:
		return c.Store.Backend == "postgres" || c.Store.Backend == "cloud"
	}
}

// StoreConfig holds the default queue backend and the file paths of the
// embedded backends. Queue definitions may pin a different backend per
// queue.
type StoreConfig struct {
	// Backend is the default backend: memory, sqlite, bolt, postgres, or
	// cloud
	Backend string `env:"QUEUE_BACKEND" envDefault:"postgres"`
	// SQLitePath is the database file for the sqlite backend
	SQLitePath string `env:"SQLITE_PATH" envDefault:"data/conveyor.db"`
	// BoltPath is the database file for the bolt backend
	BoltPath string `env:"BOLT_PATH" envDefault:"data/conveyor.bolt"`
}

// RetentionConfig holds terminal-job cleanup settings. Ages are measured
// from completed_at; a zero age disables the sweep for that status.
type RetentionConfig struct {
	// Enabled determines if the retention scheduler task runs
	Enabled bool `env:"RETENTION_ENABLED" envDefault:"true"`
	// CompletedAge is how long COMPLETED jobs are kept (default: 7 days)
	CompletedAge time.Duration `env:"RETENTION_COMPLETED_AGE" envDefault:"168h"`
	// FailedAge is how long FAILED jobs are kept (default: 30 days)
	FailedAge time.Duration `env:"RETENTION_FAILED_AGE" envDefault:"720h"`
	// DisabledAge is how long DISABLED jobs are kept (default: 30 days)
	DisabledAge time.Duration `env:"RETENTION_DISABLED_AGE" envDefault:"720h"`
	// StaleHorizon is the PROCESSING lease age treated as a dead worker
	StaleHorizon time.Duration `env:"RETENTION_STALE_HORIZON" envDefault:"10m"`
}

// ArchiveConfig holds object-storage settings for exporting terminal jobs
// before the retention sweep deletes them.
type ArchiveConfig struct {
	// Enabled determines if jobs are archived before deletion
	Enabled bool `env:"ARCHIVE_ENABLED" envDefault:"false"`
	// Endpoint is the S3-compatible endpoint URL (empty for AWS)
	Endpoint string `env:"ARCHIVE_S3_ENDPOINT" envDefault:""`
	// AccessKeyID is the access key ID
	AccessKeyID string `env:"ARCHIVE_S3_ACCESS_KEY" envDefault:""`
	// SecretAccessKey is the secret access key
	SecretAccessKey string `env:"ARCHIVE_S3_SECRET_KEY" envDefault:""`
	// Bucket is the bucket name
	Bucket string `env:"ARCHIVE_S3_BUCKET" envDefault:"conveyor-archive"`
	// UseSSL determines if SSL should be used
	UseSSL bool `env:"ARCHIVE_S3_USE_SSL" envDefault:"false"`
	// Region is the bucket region (for S3 compatibility)
	Region string `env:"ARCHIVE_S3_REGION" envDefault:"us-east-1"`
	// Prefix is the object key prefix for exported batches
	Prefix string `env:"ARCHIVE_S3_PREFIX" envDefault:"jobs"`
}

// IsConfigured returns true if archiving is enabled and credentials are set
func (a *ArchiveConfig) IsConfigured() bool {
	return a.Enabled && a.AccessKeyID != "" && a.SecretAccessKey != "" && a.Bucket != ""
}

// AlertsConfig holds failure-alert email settings
type AlertsConfig struct {
	// Enabled determines if alert emails are sent
	Enabled bool `env:"ALERTS_ENABLED" envDefault:"false"`
	// MailgunDomain is the Mailgun domain
	MailgunDomain string `env:"MAILGUN_DOMAIN" envDefault:""`
	// MailgunAPIKey is the Mailgun API key
	MailgunAPIKey string `env:"MAILGUN_API_KEY" envDefault:""`
	// FromEmail is the sender address
	FromEmail string `env:"ALERTS_FROM_ADDRESS" envDefault:"conveyor@localhost"`
	// FromName is the sender display name
	FromName string `env:"ALERTS_FROM_NAME" envDefault:"Conveyor"`
	// Recipients is the comma-separated list of alert recipients
	Recipients []string `env:"ALERTS_RECIPIENTS" envSeparator:","`
	// OnlyExhausted limits alerts to jobs that ran out of retries;
	// when false every FAILED transition alerts
	OnlyExhausted bool `env:"ALERTS_ONLY_EXHAUSTED" envDefault:"true"`
	// RatePerMinute caps outbound alert emails per minute
	RatePerMinute int `env:"ALERTS_RATE_PER_MINUTE" envDefault:"6"`
	// Burst is the alert burst allowance on top of the rate
	Burst int `env:"ALERTS_BURST" envDefault:"3"`
}

// IsConfigured returns true if Mailgun and at least one recipient are set
func (a *AlertsConfig) IsConfigured() bool {
	return a.Enabled && a.MailgunDomain != "" && a.MailgunAPIKey != "" && len(a.Recipients) > 0
}

// AdminConfig holds admin authentication settings
type AdminConfig struct {
	// TokenHash is the bcrypt hash of the admin bearer token. Empty
	// disables authentication on the admin surface.
	TokenHash string `env:"ADMIN_TOKEN_HASH" envDefault:""`
}

// NewConfig loads configuration from environment variables
func NewConfig(log *slog.Logger) (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	log.Info("configuration loaded",
		slog.String("environment", cfg.Environment),
		slog.Int("port", cfg.ServerPort),
		slog.String("queues_file", cfg.QueuesFile),
		slog.String("db_host", cfg.Database.Host),
		slog.Bool("admin_auth", cfg.Admin.TokenHash != ""),
	)

	return cfg, nil
}
