package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeConfig writes a minimal valid config file and returns its path. The
// integrity key satisfies the keying requirement without touching the
// AUDIT_INTEGRITY_KEY variable.
func writeConfig(t *testing.T, extra string) string {
	t.Helper()
	content := `
audit:
  integrity:
    key: "0123456789abcdef0123456789abcdef"
auth:
  enabled: false
` + extra
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, ""))
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 30*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, "localhost", cfg.Database.Host)
	assert.Equal(t, "contracthub_audit", cfg.Database.Name)
	assert.Equal(t, "require", cfg.Database.SSLMode)
	assert.Equal(t, 25, cfg.Database.MaxConnections)
	assert.Equal(t, "contracthub", cfg.Auth.Issuer)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Equal(t, 9090, cfg.Telemetry.Metrics.PrometheusPort)
	assert.Equal(t, 100000, cfg.Audit.Integrity.Iterations)
	assert.Equal(t, 1000, cfg.Audit.Recorder.QueueSize)
	assert.Equal(t, 2, cfg.Audit.Recorder.Workers)
	assert.Equal(t, 10*time.Second, cfg.Audit.Recorder.ShutdownTimeout)
	assert.True(t, cfg.Audit.Sweep.Enabled)
	assert.Equal(t, 6, cfg.Audit.Sweep.IntervalHours)
	assert.False(t, cfg.Audit.Archive.Enabled)
	assert.Equal(t, "local", cfg.Audit.Archive.Backend)
	assert.Equal(t, 365, cfg.Audit.Archive.ExportAfterDays)
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
server:
  port: 9999
database:
  name: audit_test
logging:
  level: debug
`))
	require.NoError(t, err)
	assert.Equal(t, 9999, cfg.Server.Port)
	assert.Equal(t, "audit_test", cfg.Database.Name)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	t.Setenv("CHA_DATABASE_HOST", "db.internal")
	t.Setenv("CHA_SERVER_PORT", "7070")
	t.Setenv("CHA_AUDIT_RECORDER_QUEUE_SIZE", "50")

	cfg, err := Load(writeConfig(t, `
database:
  host: from-file
`))
	require.NoError(t, err)
	assert.Equal(t, "db.internal", cfg.Database.Host)
	assert.Equal(t, 7070, cfg.Server.Port)
	assert.Equal(t, 50, cfg.Audit.Recorder.QueueSize)
}

func TestLoadExpandsSecretReferences(t *testing.T) {
	t.Setenv("DB_SECRET", "s3cret")

	cfg, err := Load(writeConfig(t, `
database:
  password: ${DB_SECRET}
`))
	require.NoError(t, err)
	assert.Equal(t, "s3cret", cfg.Database.Password)
}

func TestLoadBareIntegrityKeyWins(t *testing.T) {
	t.Setenv("AUDIT_INTEGRITY_KEY", "keyfromenv-keyfromenv-keyfromenv")

	cfg, err := Load(writeConfig(t, ""))
	require.NoError(t, err)
	assert.Equal(t, "keyfromenv-keyfromenv-keyfromenv", cfg.Audit.Integrity.Key)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func validConfig() *Config {
	return &Config{
		Server:   ServerConfig{Port: 8080},
		Database: DatabaseConfig{Host: "localhost", Name: "audit", User: "audit"},
		Logging:  LoggingConfig{Level: "info"},
		Audit: AuditConfig{
			Integrity: IntegrityConfig{Key: "0123456789abcdef0123456789abcdef"},
		},
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad port", func(c *Config) { c.Server.Port = 0 }},
		{"missing db host", func(c *Config) { c.Database.Host = "" }},
		{"missing db name", func(c *Config) { c.Database.Name = "" }},
		{"missing db user", func(c *Config) { c.Database.User = "" }},
		{"no integrity keying", func(c *Config) { c.Audit.Integrity.Key = "" }},
		{"passphrase without salt", func(c *Config) {
			c.Audit.Integrity.Key = ""
			c.Audit.Integrity.Passphrase = "correct horse"
		}},
		{"auth enabled without secret", func(c *Config) { c.Auth.Enabled = true }},
		{"unknown archive backend", func(c *Config) {
			c.Audit.Archive.Enabled = true
			c.Audit.Archive.Backend = "floppy"
		}},
		{"tls without cert", func(c *Config) { c.Security.TLS.Enabled = true }},
		{"bad log level", func(c *Config) { c.Logging.Level = "loud" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	t.Run("valid", func(t *testing.T) {
		assert.NoError(t, validConfig().Validate())
	})

	t.Run("passphrase with salt", func(t *testing.T) {
		cfg := validConfig()
		cfg.Audit.Integrity.Key = ""
		cfg.Audit.Integrity.Passphrase = "correct horse"
		cfg.Audit.Integrity.Salt = "battery staple 16"
		assert.NoError(t, cfg.Validate())
	})
}

func TestGetDSN(t *testing.T) {
	dsn := (&DatabaseConfig{
		Host: "db", Port: 5433, User: "audit", Password: "pw",
		Name: "contracthub_audit", SSLMode: "disable",
	}).GetDSN()
	assert.Equal(t, "host=db port=5433 user=audit password=pw dbname=contracthub_audit sslmode=disable", dsn)
}

func TestGetAddress(t *testing.T) {
	assert.Equal(t, "0.0.0.0:8080", (&ServerConfig{Host: "0.0.0.0", Port: 8080}).GetAddress())
}
