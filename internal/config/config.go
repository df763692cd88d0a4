// Package config loads and validates the audit engine configuration using Viper.
//
// Configuration is layered: built-in defaults < YAML config file < environment
// variables. Environment variables use the CHA_ prefix (e.g., CHA_DATABASE_HOST
// overrides database.host in the YAML). This layering allows the same binary to
// run with a config.yaml in local development and with pure environment variables
// in containerized deployments, with no recompilation or different binaries.
//
// The AUDIT_INTEGRITY_KEY variable has no CHA_ prefix because it may be injected
// by infrastructure tooling (e.g., Kubernetes secrets, Vault agent) that does not
// know the application-specific prefix and treats it as a generic secret name.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/contracthub/audit-engine/internal/archive"
	"github.com/contracthub/audit-engine/internal/shipper"
)

// Config holds all application configuration
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Security  SecurityConfig  `mapstructure:"security"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Audit     AuditConfig     `mapstructure:"audit"`

	// v is the viper instance the config was loaded from, retained for
	// config file watching.
	v *viper.Viper
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	BaseURL      string        `mapstructure:"base_url"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// DatabaseConfig holds database connection configuration
type DatabaseConfig struct {
	Host               string `mapstructure:"host"`
	Port               int    `mapstructure:"port"`
	Name               string `mapstructure:"name"`
	User               string `mapstructure:"user"`
	Password           string `mapstructure:"password"`
	SSLMode            string `mapstructure:"ssl_mode"`
	MaxConnections     int    `mapstructure:"max_connections"`
	MinIdleConnections int    `mapstructure:"min_idle_connections"`
}

// AuthConfig holds authentication configuration for the admin API surface
type AuthConfig struct {
	// Enabled gates the bearer-token check on admin endpoints. Disable only
	// for local development.
	Enabled bool `mapstructure:"enabled"`
	// JWTSecret signs and verifies admin bearer tokens (HS256)
	JWTSecret string `mapstructure:"jwt_secret"`
	// Issuer is the expected iss claim
	Issuer string `mapstructure:"issuer"`
}

// SecurityConfig holds security-related configuration
type SecurityConfig struct {
	CORS         CORSConfig         `mapstructure:"cors"`
	RateLimiting RateLimitingConfig `mapstructure:"rate_limiting"`
	TLS          TLSConfig          `mapstructure:"tls"`
}

// CORSConfig holds CORS configuration
type CORSConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	AllowedMethods []string `mapstructure:"allowed_methods"`
}

// RateLimitingConfig holds rate limiting configuration. When redis_addr is
// set the limiter is distributed across instances via Redis; otherwise each
// instance enforces the limit independently in memory.
type RateLimitingConfig struct {
	Enabled           bool   `mapstructure:"enabled"`
	RequestsPerMinute int    `mapstructure:"requests_per_minute"`
	Burst             int    `mapstructure:"burst"`
	RedisAddr         string `mapstructure:"redis_addr"`
	RedisPassword     string `mapstructure:"redis_password"`
	RedisDB           int    `mapstructure:"redis_db"`
}

// TLSConfig holds TLS/HTTPS configuration
type TLSConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	CertFile string `mapstructure:"cert_file"`
	KeyFile  string `mapstructure:"key_file"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	Output string `mapstructure:"output"`
}

// TelemetryConfig holds observability configuration
type TelemetryConfig struct {
	Enabled     bool            `mapstructure:"enabled"`
	ServiceName string          `mapstructure:"service_name"`
	Metrics     MetricsConfig   `mapstructure:"metrics"`
	Profiling   ProfilingConfig `mapstructure:"profiling"`
}

// MetricsConfig holds Prometheus metrics configuration
type MetricsConfig struct {
	Enabled        bool `mapstructure:"enabled"`
	PrometheusPort int  `mapstructure:"prometheus_port"`
}

// ProfilingConfig holds profiling configuration
type ProfilingConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// AuditConfig holds the audit engine's own configuration
type AuditConfig struct {
	// Integrity holds the digest keying configuration
	Integrity IntegrityConfig `mapstructure:"integrity"`
	// Recorder holds the async write-path configuration
	Recorder RecorderConfig `mapstructure:"recorder"`
	// Sweep holds the periodic integrity verification configuration
	Sweep SweepConfig `mapstructure:"sweep"`
	// Shippers configures external record shipping
	Shippers []shipper.Config `mapstructure:"shippers"`
	// Archive configures cold-storage export of aged records
	Archive archive.Config `mapstructure:"archive"`
}

// IntegrityConfig holds digest keying configuration. Key is used directly
// when set; otherwise it is derived from Passphrase and Salt via PBKDF2.
type IntegrityConfig struct {
	// Key is the raw HMAC key, at least 32 bytes. Supports ${VAR} expansion.
	Key string `mapstructure:"key"`
	// Passphrase plus Salt derive the key when no raw key is configured
	Passphrase string `mapstructure:"passphrase"`
	Salt       string `mapstructure:"salt"`
	Iterations int    `mapstructure:"iterations"`
}

// RecorderConfig holds the async recorder configuration
type RecorderConfig struct {
	// QueueSize is the event queue capacity; events beyond it are dropped
	QueueSize int `mapstructure:"queue_size"`
	// Workers is the number of background write workers
	Workers int `mapstructure:"workers"`
	// ShutdownTimeout bounds the queue drain on graceful shutdown
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// SweepConfig holds the integrity sweep job configuration
type SweepConfig struct {
	Enabled       bool `mapstructure:"enabled"`
	IntervalHours int  `mapstructure:"interval_hours"`
	WindowHours   int  `mapstructure:"window_hours"`
}

// bindEnvVars explicitly binds environment variables to config keys.
// This is necessary because AutomaticEnv() doesn't work well with nested structs during Unmarshal.
// viper.BindEnv only errors when called with zero keys; since every key here is a non-empty
// hardcoded string, any error indicates a programming bug and is surfaced to the caller.
func bindEnvVars(v *viper.Viper) error {
	keys := []string{
		// Database
		"database.host",
		"database.port",
		"database.name",
		"database.user",
		"database.password",
		"database.ssl_mode",
		"database.max_connections",
		"database.min_idle_connections",

		// Server
		"server.host",
		"server.port",
		"server.base_url",
		"server.read_timeout",
		"server.write_timeout",

		// Auth
		"auth.enabled",
		"auth.jwt_secret",
		"auth.issuer",

		// Security
		"security.cors.allowed_origins",
		"security.cors.allowed_methods",
		"security.rate_limiting.enabled",
		"security.rate_limiting.requests_per_minute",
		"security.rate_limiting.burst",
		"security.rate_limiting.redis_addr",
		"security.rate_limiting.redis_password",
		"security.rate_limiting.redis_db",
		"security.tls.enabled",
		"security.tls.cert_file",
		"security.tls.key_file",

		// Logging
		"logging.level",
		"logging.format",
		"logging.output",

		// Telemetry
		"telemetry.enabled",
		"telemetry.service_name",
		"telemetry.metrics.enabled",
		"telemetry.metrics.prometheus_port",
		"telemetry.profiling.enabled",
		"telemetry.profiling.port",

		// Audit integrity
		"audit.integrity.key",
		"audit.integrity.passphrase",
		"audit.integrity.salt",
		"audit.integrity.iterations",

		// Audit recorder
		"audit.recorder.queue_size",
		"audit.recorder.workers",
		"audit.recorder.shutdown_timeout",

		// Integrity sweep
		"audit.sweep.enabled",
		"audit.sweep.interval_hours",
		"audit.sweep.window_hours",

		// Archive
		"audit.archive.enabled",
		"audit.archive.backend",
		"audit.archive.export_after_days",
		"audit.archive.interval_hours",
		"audit.archive.batch_size",
		"audit.archive.local.base_path",
		"audit.archive.s3.bucket",
		"audit.archive.s3.region",
		"audit.archive.s3.endpoint",
		"audit.archive.s3.access_key_id",
		"audit.archive.s3.secret_access_key",
		"audit.archive.s3.prefix",
		"audit.archive.gcs.bucket",
		"audit.archive.gcs.endpoint",
		"audit.archive.gcs.credentials_file",
		"audit.archive.gcs.credentials_json",
		"audit.archive.gcs.prefix",
		"audit.archive.azure.account_name",
		"audit.archive.azure.account_key",
		"audit.archive.azure.container_name",
		"audit.archive.azure.prefix",
	}
	for _, key := range keys {
		if err := v.BindEnv(key); err != nil {
			return fmt.Errorf("failed to bind env var %q: %w", key, err)
		}
	}
	return nil
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Set default values
	setDefaults(v)

	// Set config file path if provided
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		// Look for config.yaml in common locations
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/audit-engine")
	}

	// Read config file
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found; use defaults and environment variables
	}

	// Enable environment variable support
	v.SetEnvPrefix("CHA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicitly bind environment variables for nested structures
	// This is necessary because AutomaticEnv() doesn't work well with Unmarshal()
	if err := bindEnvVars(v); err != nil {
		return nil, err
	}

	// Unmarshal configuration
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	cfg.v = v

	// Expand environment variables in sensitive fields
	cfg.Database.Password = expandEnv(cfg.Database.Password)
	cfg.Auth.JWTSecret = expandEnv(cfg.Auth.JWTSecret)
	cfg.Security.RateLimiting.RedisPassword = expandEnv(cfg.Security.RateLimiting.RedisPassword)
	cfg.Audit.Integrity.Key = expandEnv(cfg.Audit.Integrity.Key)
	cfg.Audit.Integrity.Passphrase = expandEnv(cfg.Audit.Integrity.Passphrase)
	cfg.Audit.Archive.S3.AccessKeyID = expandEnv(cfg.Audit.Archive.S3.AccessKeyID)
	cfg.Audit.Archive.S3.SecretAccessKey = expandEnv(cfg.Audit.Archive.S3.SecretAccessKey)
	cfg.Audit.Archive.Azure.AccountKey = expandEnv(cfg.Audit.Archive.Azure.AccountKey)

	// The integrity key may be injected as a bare secret without the CHA_
	// prefix; that form wins over the config file.
	if key := os.Getenv("AUDIT_INTEGRITY_KEY"); key != "" {
		cfg.Audit.Integrity.Key = key
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.base_url", "http://localhost:8080")
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")

	// Database defaults
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.name", "contracthub_audit")
	v.SetDefault("database.user", "audit")
	v.SetDefault("database.ssl_mode", "require")
	v.SetDefault("database.max_connections", 25)
	v.SetDefault("database.min_idle_connections", 5)

	// Auth defaults
	v.SetDefault("auth.enabled", true)
	v.SetDefault("auth.issuer", "contracthub")

	// Security defaults
	v.SetDefault("security.cors.allowed_origins", []string{"*"})
	v.SetDefault("security.cors.allowed_methods", []string{"GET", "POST", "OPTIONS"})
	v.SetDefault("security.rate_limiting.enabled", true)
	v.SetDefault("security.rate_limiting.requests_per_minute", 120)
	v.SetDefault("security.rate_limiting.burst", 20)
	v.SetDefault("security.tls.enabled", false)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")

	// Telemetry defaults
	v.SetDefault("telemetry.enabled", true)
	v.SetDefault("telemetry.service_name", "audit-engine")
	v.SetDefault("telemetry.metrics.enabled", true)
	v.SetDefault("telemetry.metrics.prometheus_port", 9090)
	v.SetDefault("telemetry.profiling.enabled", false)
	v.SetDefault("telemetry.profiling.port", 6060)

	// Audit defaults
	v.SetDefault("audit.integrity.iterations", 100000)
	v.SetDefault("audit.recorder.queue_size", 1000)
	v.SetDefault("audit.recorder.workers", 2)
	v.SetDefault("audit.recorder.shutdown_timeout", "10s")
	v.SetDefault("audit.sweep.enabled", true)
	v.SetDefault("audit.sweep.interval_hours", 6)
	v.SetDefault("audit.sweep.window_hours", 24)
	v.SetDefault("audit.archive.enabled", false)
	v.SetDefault("audit.archive.backend", "local")
	v.SetDefault("audit.archive.export_after_days", 365)
	v.SetDefault("audit.archive.interval_hours", 24)
	v.SetDefault("audit.archive.batch_size", 5000)
	v.SetDefault("audit.archive.local.base_path", "./archive")
}

// expandEnv expands environment variables in the format ${VAR_NAME}
func expandEnv(s string) string {
	return os.ExpandEnv(s)
}

// Validate validates the configuration
func (c *Config) Validate() error {
	// Validate server
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	// Validate database
	if c.Database.Host == "" {
		return fmt.Errorf("database.host is required")
	}
	if c.Database.Name == "" {
		return fmt.Errorf("database.name is required")
	}
	if c.Database.User == "" {
		return fmt.Errorf("database.user is required")
	}

	// Validate integrity keying
	if c.Audit.Integrity.Key == "" && c.Audit.Integrity.Passphrase == "" {
		return fmt.Errorf("audit.integrity.key or audit.integrity.passphrase is required (or set AUDIT_INTEGRITY_KEY)")
	}
	if c.Audit.Integrity.Key == "" && c.Audit.Integrity.Salt == "" {
		return fmt.Errorf("audit.integrity.salt is required when deriving the key from a passphrase")
	}

	// Validate auth
	if c.Auth.Enabled && c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required when auth is enabled")
	}

	// Validate archive backend
	if c.Audit.Archive.Enabled {
		validBackends := map[string]bool{"local": true, "s3": true, "gcs": true, "azure": true}
		if !validBackends[c.Audit.Archive.Backend] {
			return fmt.Errorf("invalid archive backend: %s (must be local, s3, gcs, or azure)", c.Audit.Archive.Backend)
		}
	}

	// Validate TLS if enabled
	if c.Security.TLS.Enabled {
		if c.Security.TLS.CertFile == "" {
			return fmt.Errorf("security.tls.cert_file is required when TLS is enabled")
		}
		if c.Security.TLS.KeyFile == "" {
			return fmt.Errorf("security.tls.key_file is required when TLS is enabled")
		}
	}

	// Validate logging level
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	return nil
}

// WatchLogLevel watches the config file for changes and invokes onChange with
// the new logging level whenever it differs from the current one. Only the
// log level is hot-reloaded; everything else requires a restart.
func (c *Config) WatchLogLevel(onChange func(level string)) {
	if c.v == nil || c.v.ConfigFileUsed() == "" {
		return
	}

	c.v.OnConfigChange(func(e fsnotify.Event) {
		level := c.v.GetString("logging.level")
		if level == c.Logging.Level {
			return
		}
		validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
		if !validLevels[level] {
			slog.Warn("ignoring invalid logging level from config reload", "level", level, "file", e.Name)
			return
		}
		c.Logging.Level = level
		onChange(level)
	})
	c.v.WatchConfig()
}

// GetDSN returns the PostgreSQL connection string
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
	)
}

// GetAddress returns the server address in host:port format
func (c *ServerConfig) GetAddress() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
