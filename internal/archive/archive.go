// Package archive defines the Backend interface and common types for all
// archive backends. The archive holds exported audit history: the export job
// writes JSONL bundles of aged audit records to cold storage so the hot
// database can stay small while the full trail remains retrievable for
// compliance review.
//
// New backends are added by implementing the Backend interface and registering
// with the factory via an init() function in the backend's own package:
//
//	func init() {
//	    archive.Register("mybackend", func(cfg *archive.Config) (archive.Backend, error) {
//	        return New(cfg)
//	    })
//	}
//
// The main package imports each backend with a blank import to trigger init().
// Adding a new backend requires no changes to the factory, only a blank import
// in cmd/server/main.go.
package archive

import (
	"context"
	"io"
	"time"
)

// Backend defines the interface for all archive backends. Backends are
// write-mostly: exports are stored once and read back only during compliance
// review or verification of archived history.
type Backend interface {
	// Store writes an export bundle at the given key and returns the
	// result with size and checksum.
	Store(ctx context.Context, key string, reader io.Reader, size int64) (*StoreResult, error)

	// Open retrieves a stored bundle for reading.
	Open(ctx context.Context, key string) (io.ReadCloser, error)

	// Exists checks whether a bundle exists at the given key.
	Exists(ctx context.Context, key string) (bool, error)

	// List returns the keys of stored bundles under a prefix.
	List(ctx context.Context, prefix string, max int) ([]string, error)
}

// StoreResult contains information about a stored bundle
type StoreResult struct {
	// Key is the archive key where the bundle was stored
	Key string

	// Size is the bundle size in bytes
	Size int64

	// Checksum is the SHA256 hash of the bundle contents
	Checksum string

	// StoredAt is when the bundle was written
	StoredAt time.Time
}

// Config selects and configures the archive backend.
type Config struct {
	Enabled bool   `mapstructure:"enabled"`
	Backend string `mapstructure:"backend"` // "local", "s3", "gcs", or "azure"
	// ExportAfterDays is the record age threshold for the export job.
	ExportAfterDays int `mapstructure:"export_after_days"`
	// IntervalHours is how often the export job runs.
	IntervalHours int `mapstructure:"interval_hours"`
	// BatchSize caps the number of records exported per run.
	BatchSize int `mapstructure:"batch_size"`

	Local LocalConfig `mapstructure:"local"`
	S3    S3Config    `mapstructure:"s3"`
	GCS   GCSConfig   `mapstructure:"gcs"`
	Azure AzureConfig `mapstructure:"azure"`
}

// LocalConfig configures the local filesystem backend.
type LocalConfig struct {
	BasePath string `mapstructure:"base_path"`
}

// S3Config configures the S3-compatible backend.
type S3Config struct {
	Bucket          string `mapstructure:"bucket"`
	Region          string `mapstructure:"region"`
	Endpoint        string `mapstructure:"endpoint"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	Prefix          string `mapstructure:"prefix"`
}

// GCSConfig configures the Google Cloud Storage backend.
type GCSConfig struct {
	Bucket          string `mapstructure:"bucket"`
	Endpoint        string `mapstructure:"endpoint"`
	CredentialsFile string `mapstructure:"credentials_file"`
	CredentialsJSON string `mapstructure:"credentials_json"`
	Prefix          string `mapstructure:"prefix"`
}

// AzureConfig configures the Azure Blob Storage backend.
type AzureConfig struct {
	AccountName   string `mapstructure:"account_name"`
	AccountKey    string `mapstructure:"account_key"`
	ContainerName string `mapstructure:"container_name"`
	Prefix        string `mapstructure:"prefix"`
}
