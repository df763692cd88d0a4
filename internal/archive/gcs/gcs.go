// Package gcs implements the Google Cloud Storage archive backend. Supports
// Application Default Credentials and service account JSON keys; ADC covers
// GKE Workload Identity and Cloud Run service accounts without further
// configuration.
package gcs

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"

	"github.com/contracthub/audit-engine/internal/archive"
)

func init() {
	// Register GCS archive backend
	archive.Register("gcs", func(cfg *archive.Config) (archive.Backend, error) {
		return New(&cfg.GCS)
	})
}

// GCSBackend implements the Backend interface for Google Cloud Storage
type GCSBackend struct {
	client *storage.Client
	bucket string
	prefix string
}

// New creates a new Google Cloud Storage archive backend. Credentials come
// from credentials_json or credentials_file when set, otherwise Application
// Default Credentials.
func New(cfg *archive.GCSConfig) (*GCSBackend, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("gcs bucket name is required")
	}

	var opts []option.ClientOption

	// Custom endpoint for GCS emulators
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(cfg.Endpoint))
	}

	if cfg.CredentialsJSON != "" {
		opts = append(opts, option.WithCredentialsJSON([]byte(cfg.CredentialsJSON)))
	} else if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}

	client, err := storage.NewClient(context.Background(), opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client: %w", err)
	}

	return &GCSBackend{
		client: client,
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
	}, nil
}

// Close closes the GCS client
func (b *GCSBackend) Close() error {
	return b.client.Close()
}

func (b *GCSBackend) objectKey(key string) string {
	if b.prefix == "" {
		return key
	}
	return b.prefix + "/" + key
}

// Store writes a bundle to GCS
func (b *GCSBackend) Store(ctx context.Context, key string, reader io.Reader, size int64) (*archive.StoreResult, error) {
	obj := b.client.Bucket(b.bucket).Object(b.objectKey(key))

	// Calculate checksum while uploading
	hasher := sha256.New()
	teeReader := io.TeeReader(reader, hasher)

	writer := obj.NewWriter(ctx)
	written, err := io.Copy(writer, teeReader)
	if err != nil {
		return nil, fmt.Errorf("failed to write to GCS: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to close GCS writer: %w", err)
	}

	checksum := hex.EncodeToString(hasher.Sum(nil))

	// Stamp the checksum into object metadata so a reviewer can verify a
	// bundle without downloading it.
	if _, err := obj.Update(ctx, storage.ObjectAttrsToUpdate{
		Metadata: map[string]string{"sha256": checksum},
	}); err != nil {
		return nil, fmt.Errorf("failed to set object metadata: %w", err)
	}

	return &archive.StoreResult{
		Key:      key,
		Size:     written,
		Checksum: checksum,
		StoredAt: time.Now().UTC(),
	}, nil
}

// Open retrieves a bundle from GCS
func (b *GCSBackend) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	reader, err := b.client.Bucket(b.bucket).Object(b.objectKey(key)).NewReader(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read from GCS: %w", err)
	}

	return reader, nil
}

// Exists checks if a bundle exists at the specified key
func (b *GCSBackend) Exists(ctx context.Context, key string) (bool, error) {
	_, err := b.client.Bucket(b.bucket).Object(b.objectKey(key)).Attrs(ctx)
	if err != nil {
		if err == storage.ErrObjectNotExist {
			return false, nil
		}
		return false, fmt.Errorf("failed to check object existence: %w", err)
	}

	return true, nil
}

// List returns bundle keys under a prefix
func (b *GCSBackend) List(ctx context.Context, prefix string, max int) ([]string, error) {
	query := &storage.Query{Prefix: b.objectKey(prefix)}

	var keys []string
	it := b.client.Bucket(b.bucket).Objects(ctx, query)

	for i := 0; max <= 0 || i < max; i++ {
		attrs, err := it.Next()
		if err != nil {
			break // End of iteration
		}
		key := attrs.Name
		if b.prefix != "" {
			key = key[len(b.prefix)+1:]
		}
		keys = append(keys, key)
	}

	return keys, nil
}
