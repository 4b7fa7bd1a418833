// Package config provides application configuration management.
// Configuration is loaded from environment variables following 12-factor principles.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
)

// Backend names.
const (
	QueueLocal = "local"
	QueueRedis = "redis"

	StorageLocal = "local"
	StorageS3    = "s3"
)

// Config holds all application configuration.
// All fields are populated from environment variables.
type Config struct {
	// Application settings
	AppEnv  string `env:"APP_ENV" envDefault:"development"`
	AppPort int    `env:"APP_PORT" envDefault:"8080"`

	// Database (PostgreSQL). Empty selects the in-memory stores.
	DatabaseURL string `env:"DATABASE_URL"`

	// Cache (Redis). Empty disables shared caches and throttling.
	RedisURL string `env:"REDIS_URL"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	// Server timeouts. Writes cover artifact downloads.
	ReadTimeout     time.Duration `env:"READ_TIMEOUT" envDefault:"30s"`
	WriteTimeout    time.Duration `env:"WRITE_TIMEOUT" envDefault:"120s"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"30s"`

	// Verification
	DNSTimeout         time.Duration `env:"DNS_TIMEOUT" envDefault:"5s"`
	SMTPConnectTimeout time.Duration `env:"SMTP_CONNECT_TIMEOUT" envDefault:"10s"`
	SMTPTimeout        time.Duration `env:"SMTP_TIMEOUT" envDefault:"30s"`
	SMTPHeloDomain     string        `env:"SMTP_HELO_DOMAIN" envDefault:"localhost"`
	SMTPMailFrom       string        `env:"SMTP_MAIL_FROM" envDefault:"verify@localhost"`
	SMTPPort           string        `env:"SMTP_PORT" envDefault:"25"`
	// Probes per second per recipient domain; 0 disables throttling.
	SMTPDomainRate int           `env:"SMTP_DOMAIN_RATE" envDefault:"5"`
	CatchAllTTL    time.Duration `env:"CATCHALL_CACHE_TTL" envDefault:"24h"`
	VerifyTimeout  time.Duration `env:"VERIFY_TIMEOUT" envDefault:"60s"`

	// Bulk tasks
	BulkWorkers      int           `env:"BULK_WORKERS" envDefault:"50"`
	BulkMaxTasks     int           `env:"BULK_MAX_TASKS" envDefault:"4"`
	ProgressInterval time.Duration `env:"PROGRESS_INTERVAL" envDefault:"1s"`
	QueueBackend     string        `env:"QUEUE_BACKEND" envDefault:"local"`

	// Artifacts
	StorageBackend string `env:"STORAGE_BACKEND" envDefault:"local"`
	StorageDir     string `env:"STORAGE_DIR" envDefault:"./data"`
	S3Bucket       string `env:"S3_BUCKET"`
	S3Region       string `env:"S3_REGION" envDefault:"us-east-1"`
	S3Endpoint     string `env:"S3_ENDPOINT"`

	// Credits
	DailyResetSchedule string `env:"DAILY_RESET_SCHEDULE" envDefault:"0 1 0 * * *"`

	// Rate limiting
	RateLimitAPIEnabled bool `env:"RATE_LIMIT_API_ENABLED" envDefault:"true"`
	// Per-IP limit applied before authentication.
	RateLimitIPEnabled bool `env:"RATE_LIMIT_IP_ENABLED" envDefault:"true"`
	RateLimitIPRPS     int  `env:"RATE_LIMIT_IP_RPS" envDefault:"20"`
	RateLimitIPBurst   int  `env:"RATE_LIMIT_IP_BURST" envDefault:"40"`

	// CORS configuration
	// Comma-separated list of allowed origins (e.g., "https://example.com,https://app.example.com")
	CORSAllowedOrigins string `env:"CORS_ALLOWED_ORIGINS" envDefault:""`

	// Request body size limit in bytes for JSON endpoints (default 1MB)
	MaxRequestBodySize int64 `env:"MAX_REQUEST_BODY_SIZE" envDefault:"1048576"`

	// Upload size limit in bytes for batch submissions (default 100MB)
	MaxUploadSize int64 `env:"MAX_UPLOAD_SIZE" envDefault:"104857600"`
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.AppEnv == "development"
}

// IsProduction returns true if running in production mode.
func (c *Config) IsProduction() bool {
	return c.AppEnv == "production"
}

// GetCORSAllowedOrigins parses the comma-separated origins string into a slice.
func (c *Config) GetCORSAllowedOrigins() []string {
	if c.CORSAllowedOrigins == "" {
		return nil
	}

	origins := strings.Split(c.CORSAllowedOrigins, ",")
	result := make([]string, 0, len(origins))

	for _, origin := range origins {
		trimmed := strings.TrimSpace(origin)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}

	return result
}

// Validate rejects settings that cannot work together.
func (c *Config) Validate() error {
	var errs []error

	if c.AppPort <= 0 || c.AppPort > 65535 {
		errs = append(errs, fmt.Errorf("APP_PORT out of range: %d", c.AppPort))
	}
	if c.BulkWorkers <= 0 {
		errs = append(errs, errors.New("BULK_WORKERS must be positive"))
	}
	if c.BulkMaxTasks <= 0 {
		errs = append(errs, errors.New("BULK_MAX_TASKS must be positive"))
	}
	if c.ProgressInterval <= 0 {
		errs = append(errs, errors.New("PROGRESS_INTERVAL must be positive"))
	}
	if c.SMTPDomainRate < 0 {
		errs = append(errs, errors.New("SMTP_DOMAIN_RATE must not be negative"))
	}
	if c.RateLimitIPEnabled && (c.RateLimitIPRPS <= 0 || c.RateLimitIPBurst <= 0) {
		errs = append(errs, errors.New("RATE_LIMIT_IP_RPS and RATE_LIMIT_IP_BURST must be positive"))
	}
	if c.MaxUploadSize <= 0 {
		errs = append(errs, errors.New("MAX_UPLOAD_SIZE must be positive"))
	}

	switch c.QueueBackend {
	case QueueLocal:
	case QueueRedis:
		if c.RedisURL == "" {
			errs = append(errs, errors.New("QUEUE_BACKEND=redis requires REDIS_URL"))
		}
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("QUEUE_BACKEND=redis requires DATABASE_URL"))
		}
		if c.StorageBackend != StorageS3 {
			errs = append(errs, errors.New("QUEUE_BACKEND=redis requires STORAGE_BACKEND=s3"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown QUEUE_BACKEND %q", c.QueueBackend))
	}

	switch c.StorageBackend {
	case StorageLocal:
		if c.StorageDir == "" {
			errs = append(errs, errors.New("STORAGE_BACKEND=local requires STORAGE_DIR"))
		}
	case StorageS3:
		if c.S3Bucket == "" {
			errs = append(errs, errors.New("STORAGE_BACKEND=s3 requires S3_BUCKET"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown STORAGE_BACKEND %q", c.StorageBackend))
	}

	return errors.Join(errs...)
}

// Load parses environment variables and returns a validated Config.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}
