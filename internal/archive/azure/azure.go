// Package azure implements the Azure Blob Storage archive backend. Bundles
// are written as block blobs using shared key authentication.
package azure

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/streaming"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"

	"github.com/contracthub/audit-engine/internal/archive"
)

func init() {
	// Register Azure archive backend
	archive.Register("azure", func(cfg *archive.Config) (archive.Backend, error) {
		return New(&cfg.Azure)
	})
}

// AzureBackend implements the Backend interface for Azure Blob Storage
type AzureBackend struct {
	client    *azblob.Client
	container string
	prefix    string
}

// New creates a new Azure Blob Storage archive backend
func New(cfg *archive.AzureConfig) (*AzureBackend, error) {
	if cfg.AccountName == "" {
		return nil, fmt.Errorf("azure storage account name is required")
	}
	if cfg.AccountKey == "" {
		return nil, fmt.Errorf("azure storage account key is required")
	}
	if cfg.ContainerName == "" {
		return nil, fmt.Errorf("azure storage container name is required")
	}

	credential, err := azblob.NewSharedKeyCredential(cfg.AccountName, cfg.AccountKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create Azure credential: %w", err)
	}

	serviceURL := fmt.Sprintf("https://%s.blob.core.windows.net/", cfg.AccountName)

	client, err := azblob.NewClientWithSharedKeyCredential(serviceURL, credential, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create Azure Blob client: %w", err)
	}

	return &AzureBackend{
		client:    client,
		container: cfg.ContainerName,
		prefix:    cfg.Prefix,
	}, nil
}

func (b *AzureBackend) blobKey(key string) string {
	if b.prefix == "" {
		return key
	}
	return b.prefix + "/" + key
}

// Store writes a bundle to Azure Blob Storage
func (b *AzureBackend) Store(ctx context.Context, key string, reader io.Reader, size int64) (*archive.StoreResult, error) {
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to read data: %w", err)
	}

	hasher := sha256.New()
	hasher.Write(data)
	checksum := hex.EncodeToString(hasher.Sum(nil))

	blobClient := b.client.ServiceClient().NewContainerClient(b.container).NewBlockBlobClient(b.blobKey(key))

	_, err = blobClient.Upload(ctx, streaming.NopCloser(bytes.NewReader(data)), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to upload to Azure Blob: %w", err)
	}

	return &archive.StoreResult{
		Key:      key,
		Size:     int64(len(data)),
		Checksum: checksum,
		StoredAt: time.Now().UTC(),
	}, nil
}

// Open retrieves a bundle from Azure Blob Storage
func (b *AzureBackend) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	blobClient := b.client.ServiceClient().NewContainerClient(b.container).NewBlobClient(b.blobKey(key))

	resp, err := blobClient.DownloadStream(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to download from Azure Blob: %w", err)
	}

	return resp.Body, nil
}

// Exists checks if a bundle exists at the specified key
func (b *AzureBackend) Exists(ctx context.Context, key string) (bool, error) {
	blobClient := b.client.ServiceClient().NewContainerClient(b.container).NewBlobClient(b.blobKey(key))

	_, err := blobClient.GetProperties(ctx, nil)
	if err != nil {
		// The SDK returns an error for missing blobs; treat any failure
		// to stat as absence.
		return false, nil
	}

	return true, nil
}

// List returns bundle keys under a prefix
func (b *AzureBackend) List(ctx context.Context, prefix string, max int) ([]string, error) {
	containerClient := b.client.ServiceClient().NewContainerClient(b.container)

	fullPrefix := b.blobKey(prefix)
	pager := containerClient.NewListBlobsFlatPager(&azblob.ListBlobsFlatOptions{
		Prefix: &fullPrefix,
	})

	var keys []string
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list bundles: %w", err)
		}
		for _, item := range page.Segment.BlobItems {
			if item.Name == nil {
				continue
			}
			key := *item.Name
			if b.prefix != "" {
				key = key[len(b.prefix)+1:]
			}
			keys = append(keys, key)
			if max > 0 && len(keys) >= max {
				return keys, nil
			}
		}
	}

	return keys, nil
}
