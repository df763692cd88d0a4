// Package local implements the local filesystem archive backend. Intended for
// development and single-node deployments only; multiple instances would need
// shared filesystem access. For production retention use a cloud backend.
package local

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/contracthub/audit-engine/internal/archive"
)

func init() {
	// Register local archive backend
	archive.Register("local", func(cfg *archive.Config) (archive.Backend, error) {
		return New(&cfg.Local)
	})
}

// LocalBackend implements the Backend interface for local filesystem storage
type LocalBackend struct {
	basePath string
}

// New creates a new local filesystem archive backend
func New(cfg *archive.LocalConfig) (*LocalBackend, error) {
	if err := os.MkdirAll(cfg.BasePath, 0750); err != nil {
		return nil, fmt.Errorf("failed to create archive directory: %w", err)
	}

	return &LocalBackend{basePath: cfg.BasePath}, nil
}

// Store writes a bundle to the local filesystem
func (b *LocalBackend) Store(ctx context.Context, key string, reader io.Reader, size int64) (*archive.StoreResult, error) {
	fullPath := filepath.Join(b.basePath, filepath.FromSlash(key))

	dir := filepath.Dir(fullPath)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	file, err := os.Create(fullPath)
	if err != nil {
		return nil, fmt.Errorf("failed to create file: %w", err)
	}
	defer file.Close()

	// Calculate checksum while writing
	hasher := sha256.New()
	multiWriter := io.MultiWriter(file, hasher)

	written, err := io.Copy(multiWriter, reader)
	if err != nil {
		// Clean up partial file
		_ = os.Remove(fullPath)
		return nil, fmt.Errorf("failed to write bundle: %w", err)
	}

	return &archive.StoreResult{
		Key:      key,
		Size:     written,
		Checksum: hex.EncodeToString(hasher.Sum(nil)),
		StoredAt: time.Now().UTC(),
	}, nil
}

// Open retrieves a bundle from the local filesystem
func (b *LocalBackend) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	fullPath := filepath.Join(b.basePath, filepath.FromSlash(key))

	file, err := os.Open(fullPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("bundle not found: %s", key)
		}
		return nil, fmt.Errorf("failed to open bundle: %w", err)
	}

	return file, nil
}

// Exists checks if a bundle exists at the specified key
func (b *LocalBackend) Exists(ctx context.Context, key string) (bool, error) {
	fullPath := filepath.Join(b.basePath, filepath.FromSlash(key))

	_, err := os.Stat(fullPath)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to stat bundle: %w", err)
	}

	return true, nil
}

// List returns bundle keys under a prefix, sorted lexically
func (b *LocalBackend) List(ctx context.Context, prefix string, max int) ([]string, error) {
	var keys []string

	err := filepath.WalkDir(b.basePath, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rel, err := filepath.Rel(b.basePath, path)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list bundles: %w", err)
	}

	sort.Strings(keys)
	if max > 0 && len(keys) > max {
		keys = keys[:max]
	}
	return keys, nil
}
