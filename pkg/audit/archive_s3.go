package audit

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/fiscalpilot/core/pkg/canonicalize"
)

// S3Archive stores evidence bundles in AWS S3, keyed by content hash so
// re-uploads of the same bundle are idempotent.
type S3Archive struct {
	client *s3.Client
	bucket string
	prefix string
}

// S3ArchiveConfig holds configuration for S3Archive.
type S3ArchiveConfig struct {
	Bucket   string
	Region   string
	Endpoint string // optional custom endpoint (MinIO, LocalStack)
	Prefix   string // optional key prefix, e.g. "audit/"
}

// NewS3Archive creates an S3-backed archive store.
func NewS3Archive(ctx context.Context, cfg S3ArchiveConfig) (*S3Archive, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("audit: load AWS config: %w", err)
	}

	clientOpts := func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true // required for MinIO/LocalStack
		}
	}

	return &S3Archive{
		client: s3.NewFromConfig(awsCfg, clientOpts),
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
	}, nil
}

// Store uploads data and returns its content address.
func (a *S3Archive) Store(ctx context.Context, data []byte) (string, error) {
	address := canonicalize.HashBytes(data)
	key := a.key(address)

	// Idempotent: skip the upload when the object already exists.
	_, err := a.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(key),
	})
	if err == nil {
		return address, nil
	}

	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return "", fmt.Errorf("audit: s3 put: %w", err)
	}
	return address, nil
}

// Get retrieves a bundle by its content address.
func (a *S3Archive) Get(ctx context.Context, address string) ([]byte, error) {
	result, err := a.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(a.key(address)),
	})
	if err != nil {
		return nil, fmt.Errorf("audit: s3 get %s: %w", address, err)
	}
	defer func() { _ = result.Body.Close() }()
	return io.ReadAll(result.Body)
}

func (a *S3Archive) key(address string) string {
	const hashPrefix = "sha256:"
	raw := address
	if len(raw) > len(hashPrefix) && raw[:len(hashPrefix)] == hashPrefix {
		raw = raw[len(hashPrefix):]
	}
	return a.prefix + raw + ".json"
}
