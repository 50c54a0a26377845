package storage

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

var (
	// ErrExists is returned by Create when the key is already taken.
	ErrExists = errors.New("object already exists")

	// ErrNotFound is returned when reading or deleting a missing key.
	ErrNotFound = errors.New("object not found")
)

// Store abstracts the directory holding batch files. Keys are flat file
// names relative to the store root.
type Store interface {
	// List returns the keys starting with prefix. Temporary objects are
	// never listed.
	List(ctx context.Context, prefix string) ([]string, error)

	// Read returns the full content of key.
	Read(ctx context.Context, key string) ([]byte, error)

	// Create writes data under key, failing with ErrExists if the key is
	// already present. Readers never observe a partially written object.
	Create(ctx context.Context, key string, data []byte) error

	// Delete removes key.
	Delete(ctx context.Context, key string) error

	// Exists reports whether key is present.
	Exists(ctx context.Context, key string) (bool, error)

	// URI returns the canonical URI for the given key.
	// For local: file:///path, GCS: gs://bucket/path, S3: s3://bucket/path
	URI(key string) string

	// Close releases any resources.
	Close() error
}

// Config configures the storage backend.
type Config struct {
	Backend string // "local" | "gcs" | "s3" | "mem" | "url"

	// Local filesystem
	LocalDir string

	// GCS
	GCSBucket string

	// S3 (also works for B2, R2, MinIO)
	S3Bucket   string
	S3Endpoint string // custom endpoint for B2/MinIO/R2
	S3Region   string

	// Any gocloud bucket URL (file://, mem://, gs://, s3://)
	URL string

	// Common
	Prefix string // path prefix within bucket or local dir
}

// ConfigFor builds a Config from a save location. Plain paths use the local
// backend; anything with a scheme is opened as a bucket URL.
func ConfigFor(location string) Config {
	if strings.Contains(location, "://") {
		return Config{Backend: "url", URL: location}
	}
	return Config{Backend: "local", LocalDir: location}
}

// NewStore creates a storage backend based on configuration.
func NewStore(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Backend {
	case "local", "":
		if cfg.LocalDir == "" {
			return nil, fmt.Errorf("LocalDir required for local backend")
		}
		return NewLocalStore(cfg.LocalDir, cfg.Prefix)
	case "gcs":
		if cfg.GCSBucket == "" {
			return nil, fmt.Errorf("GCSBucket required for gcs backend")
		}
		return NewBlobStore(ctx, "gs://"+cfg.GCSBucket, cfg.Prefix)
	case "s3":
		if cfg.S3Bucket == "" {
			return nil, fmt.Errorf("S3Bucket required for s3 backend")
		}
		return NewBlobStore(ctx, s3URL(cfg.S3Bucket, cfg.S3Endpoint, cfg.S3Region), cfg.Prefix)
	case "mem":
		return NewBlobStore(ctx, "mem://", cfg.Prefix)
	case "url":
		if cfg.URL == "" {
			return nil, fmt.Errorf("URL required for url backend")
		}
		return NewBlobStore(ctx, cfg.URL, cfg.Prefix)
	default:
		return nil, fmt.Errorf("unknown storage backend: %s", cfg.Backend)
	}
}

func s3URL(bucket, endpoint, region string) string {
	bucketURL := fmt.Sprintf("s3://%s", bucket)

	params := url.Values{}
	if region != "" {
		params.Set("region", region)
	}
	if endpoint != "" {
		params.Set("endpoint", endpoint)
		params.Set("use_path_style", "true")
	}
	if len(params) > 0 {
		bucketURL = bucketURL + "?" + params.Encode()
	}
	return bucketURL
}

func isTemp(key string) bool {
	return strings.Contains(key, ".tmp.")
}
