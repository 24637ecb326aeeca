//go:build gcp

package audit

import (
	"context"
	"errors"
	"fmt"
	"io"

	"cloud.google.com/go/storage"

	"github.com/fiscalpilot/core/pkg/canonicalize"
)

// GCSArchive stores evidence bundles in Google Cloud Storage, keyed by
// content hash so re-uploads of the same bundle are idempotent.
type GCSArchive struct {
	client *storage.Client
	bucket string
	prefix string
}

// GCSArchiveConfig holds configuration for GCSArchive.
type GCSArchiveConfig struct {
	Bucket string
	Prefix string // optional key prefix, e.g. "audit/"
}

// NewGCSArchive creates a GCS-backed archive store using ADC credentials.
func NewGCSArchive(ctx context.Context, cfg GCSArchiveConfig) (*GCSArchive, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("audit: create GCS client: %w", err)
	}
	return &GCSArchive{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

// Store uploads data and returns its content address.
func (a *GCSArchive) Store(ctx context.Context, data []byte) (string, error) {
	address := canonicalize.HashBytes(data)
	obj := a.client.Bucket(a.bucket).Object(a.objectPath(address))

	if _, err := obj.Attrs(ctx); err == nil {
		return address, nil // already archived
	}

	w := obj.NewWriter(ctx)
	w.ContentType = "application/json"
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("audit: gcs write: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("audit: gcs close: %w", err)
	}
	return address, nil
}

// Get retrieves a bundle by its content address.
func (a *GCSArchive) Get(ctx context.Context, address string) ([]byte, error) {
	reader, err := a.client.Bucket(a.bucket).Object(a.objectPath(address)).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, fmt.Errorf("audit: gcs get %s: %w", address, ErrEntryNotFound)
		}
		return nil, fmt.Errorf("audit: gcs get %s: %w", address, err)
	}
	defer func() { _ = reader.Close() }()
	return io.ReadAll(reader)
}

// Close releases the underlying client.
func (a *GCSArchive) Close() error {
	return a.client.Close()
}

func (a *GCSArchive) objectPath(address string) string {
	const hashPrefix = "sha256:"
	raw := address
	if len(raw) > len(hashPrefix) && raw[:len(hashPrefix)] == hashPrefix {
		raw = raw[len(hashPrefix):]
	}
	return a.prefix + raw + ".json"
}
