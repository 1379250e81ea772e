package storage

import (
	"context"
	"io"
)

// Client defines the S3-compatible operations the report archive needs
type Client interface {
	PutObject(ctx context.Context, bucket, key string, reader io.Reader, size int64, opts PutOptions) error
	BucketExists(ctx context.Context, bucket string) (bool, error)
}

// PutOptions contains options for put operations
type PutOptions struct {
	ContentType string
	Metadata    map[string]string
}

// Config contains client configuration
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Secure    bool
}
