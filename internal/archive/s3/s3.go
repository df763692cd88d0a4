// Package s3 implements the AWS S3-compatible archive backend. It supports
// AWS S3, MinIO, and other S3-compatible services via a configurable endpoint.
// Authentication uses the default AWS credential chain (recommended for
// EC2/EKS with IAM roles) unless static keys are configured.
package s3

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/contracthub/audit-engine/internal/archive"
	"github.com/contracthub/audit-engine/pkg/checksum"
)

func init() {
	// Register S3 archive backend
	archive.Register("s3", func(cfg *archive.Config) (archive.Backend, error) {
		return New(&cfg.S3)
	})
}

// S3Backend implements the Backend interface for S3-compatible storage
type S3Backend struct {
	client *s3.Client
	bucket string
	prefix string
}

// New creates a new S3-compatible archive backend.
//
// When access_key_id and secret_access_key are set they are used as static
// credentials; otherwise the default AWS credential chain applies (env vars,
// shared config, IAM role, IMDS).
func New(cfg *archive.S3Config) (*S3Backend, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket name is required")
	}
	if cfg.Region == "" {
		return nil, fmt.Errorf("s3 region is required")
	}

	opts := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Region),
	}

	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(context.Background(), opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	var s3Opts []func(*s3.Options)

	// Custom endpoint for S3-compatible services (MinIO etc.); path-style
	// addressing is required for those.
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		})
	}

	return &S3Backend{
		client: s3.NewFromConfig(awsCfg, s3Opts...),
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
	}, nil
}

func (b *S3Backend) objectKey(key string) string {
	if b.prefix == "" {
		return key
	}
	return b.prefix + "/" + key
}

// Store writes a bundle to S3
func (b *S3Backend) Store(ctx context.Context, key string, reader io.Reader, size int64) (*archive.StoreResult, error) {
	// Read all content to calculate the checksum before upload. Export
	// bundles are bounded by the export batch size, so this stays small.
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to read data: %w", err)
	}

	sum, err := checksum.CalculateSHA256(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to compute checksum: %w", err)
	}

	_, err = b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(b.bucket),
		Key:           aws.String(b.objectKey(key)),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		Metadata: map[string]string{
			"sha256": sum,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to upload to S3: %w", err)
	}

	return &archive.StoreResult{
		Key:      key,
		Size:     int64(len(data)),
		Checksum: sum,
		StoredAt: time.Now().UTC(),
	}, nil
}

// Open retrieves a bundle from S3
func (b *S3Backend) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	result, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.objectKey(key)),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to download from S3: %w", err)
	}

	return result.Body, nil
}

// Exists checks if a bundle exists at the specified key
func (b *S3Backend) Exists(ctx context.Context, key string) (bool, error) {
	_, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.objectKey(key)),
	})
	if err != nil {
		// AWS SDK v2 does not expose a typed not-found error here.
		return false, nil
	}

	return true, nil
}

// List returns bundle keys under a prefix
func (b *S3Backend) List(ctx context.Context, prefix string, max int) ([]string, error) {
	maxKeys := int32(1000)
	if max > 0 {
		maxKeys = int32(max)
	}

	result, err := b.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket:  aws.String(b.bucket),
		Prefix:  aws.String(b.objectKey(prefix)),
		MaxKeys: aws.Int32(maxKeys),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list bundles: %w", err)
	}

	keys := make([]string, 0, len(result.Contents))
	for _, obj := range result.Contents {
		if obj.Key == nil {
			continue
		}
		key := *obj.Key
		if b.prefix != "" {
			key = key[len(b.prefix)+1:]
		}
		keys = append(keys, key)
	}

	return keys, nil
}
