package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
	"go.uber.org/zap/zapcore"

	"LokaMail/internal/email"
)

type Config struct {
	// ----------------------------
	// SMTP
	// ----------------------------
	MailEnabled    bool   `envconfig:"MAIL_ENABLED" default:"true"`
	SMTPHost       string `envconfig:"SMTP_HOST" default:"localhost"`
	SMTPPort       int    `envconfig:"SMTP_PORT" default:"587"`
	SMTPUser       string `envconfig:"SMTP_USER" default:""`
	SMTPPassword   string `envconfig:"SMTP_PASSWORD" default:""`
	SMTPEncryption string `envconfig:"SMTP_ENCRYPTION" default:"tls"`
	SMTPFrom       string `envconfig:"SMTP_FROM" default:"noreply@loka.local"`
	SMTPFromName   string `envconfig:"SMTP_FROM_NAME" default:"LOKA Fleet Management"`

	// ----------------------------
	// Templates
	// ----------------------------
	SiteBaseURL string `envconfig:"SITE_BASE_URL" default:"http://localhost"`

	// ----------------------------
	// Storage & locking
	// ----------------------------
	DatabaseDriver string `envconfig:"DATABASE_DRIVER" default:"postgres"`
	DatabaseURL    string `envconfig:"DATABASE_URL" required:"true"`
	LockBackend    string `envconfig:"LOCK_BACKEND" default:"database"`
	RedisURL       string `envconfig:"REDIS_URL" default:""`

	// ----------------------------
	// Queue
	// ----------------------------
	BatchSize         int     `envconfig:"BATCH_SIZE" default:"50"`
	MaxAttempts       int     `envconfig:"MAX_ATTEMPTS" default:"3"`
	SendRateLimit     float64 `envconfig:"SEND_RATE_LIMIT" default:"10"`
	RetentionDays     int     `envconfig:"RETENTION_DAYS" default:"30"`
	FailFastPermanent bool    `envconfig:"FAIL_FAST_PERMANENT" default:"false"`

	// ----------------------------
	// Runner
	// ----------------------------
	RunnerInterval      time.Duration `envconfig:"RUNNER_INTERVAL" default:"15s"`
	RunnerLockFile      string        `envconfig:"RUNNER_LOCK_FILE" default:"/tmp/lokamail-queue-runner.lock"`
	HeartbeatStaleAfter time.Duration `envconfig:"HEARTBEAT_STALE_AFTER" default:"120s"`
	StuckAfter          time.Duration `envconfig:"STUCK_AFTER" default:"5m"`
	AlertThreshold      int64         `envconfig:"ALERT_THRESHOLD" default:"10"`
	AlertAdminEmails    string        `envconfig:"ALERT_ADMIN_EMAILS" default:""`

	// ----------------------------
	// HTTP API
	// ----------------------------
	APIPort string `envconfig:"API_PORT" default:"8080"`

	// ----------------------------
	// Observability
	// ----------------------------
	MetricsPort    string `envconfig:"METRICS_PORT" default:"9090"`
	TracingEnabled bool   `envconfig:"TRACING_ENABLED" default:"false"`
	LogLevel       string `envconfig:"LOG_LEVEL" default:"info"`
}

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"

	LockDatabase = "database"
	LockRedis    = "redis"
	LockMemory   = "memory"
)

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks settings the process cannot start without. SMTP problems
// are not fatal here: the mailer reports them per send.
func (c *Config) Validate() error {
	var errs []error

	if c.DatabaseURL == "" {
		errs = append(errs, errors.New("DATABASE_URL is required"))
	}

	switch c.DatabaseDriver {
	case DriverPostgres, DriverSQLite:
	default:
		errs = append(errs, fmt.Errorf("DATABASE_DRIVER must be %q or %q, got %q", DriverPostgres, DriverSQLite, c.DatabaseDriver))
	}

	switch c.LockBackend {
	case LockDatabase, LockMemory:
	case LockRedis:
		if c.RedisURL == "" {
			errs = append(errs, errors.New("REDIS_URL is required when LOCK_BACKEND=redis"))
		}
	default:
		errs = append(errs, fmt.Errorf("LOCK_BACKEND must be database, redis or memory, got %q", c.LockBackend))
	}

	if c.BatchSize <= 0 {
		errs = append(errs, errors.New("BATCH_SIZE must be positive"))
	}
	if c.MaxAttempts <= 0 {
		errs = append(errs, errors.New("MAX_ATTEMPTS must be positive"))
	}
	if c.RunnerInterval <= 0 {
		errs = append(errs, errors.New("RUNNER_INTERVAL must be positive"))
	}
	if _, err := zapcore.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("LOG_LEVEL: %w", err))
	}

	return errors.Join(errs...)
}

// Mailer returns the SMTP settings for email.New.
func (c *Config) Mailer() email.Config {
	return email.Config{
		Enabled:     c.MailEnabled,
		Host:        c.SMTPHost,
		Port:        c.SMTPPort,
		Username:    c.SMTPUser,
		Password:    c.SMTPPassword,
		Encryption:  email.ParseEncryption(c.SMTPEncryption),
		FromAddress: c.SMTPFrom,
		FromName:    c.SMTPFromName,
	}
}

func (c *Config) Level() zapcore.Level {
	lvl, err := zapcore.ParseLevel(c.LogLevel)
	if err != nil {
		return zapcore.InfoLevel
	}
	return lvl
}
