package storage

import (
	"bytes"
	"context"
	"fmt"
	"path"

	"bragsync/internal/journal"

	"github.com/goccy/go-json"
	"go.uber.org/zap"
)

// Archiver uploads final run reports to an S3-compatible bucket
type Archiver struct {
	client Client
	bucket string
	prefix string
	logger *zap.Logger
}

// NewArchiver creates a report archiver
func NewArchiver(client Client, bucket, prefix string, logger *zap.Logger) *Archiver {
	return &Archiver{
		client: client,
		bucket: bucket,
		prefix: prefix,
		logger: logger.With(zap.String("component", "archive")),
	}
}

// Check verifies the bucket exists
func (a *Archiver) Check(ctx context.Context) error {
	ok, err := a.client.BucketExists(ctx, a.bucket)
	if err != nil {
		return fmt.Errorf("failed to check bucket %s: %w", a.bucket, err)
	}
	if !ok {
		return fmt.Errorf("bucket %s does not exist", a.bucket)
	}
	return nil
}

// ReportKey returns the object key for a run report
func (a *Archiver) ReportKey(record *journal.RunRecord) string {
	started := record.StartedAt.UTC()
	return path.Join(a.prefix, started.Format("2006"), started.Format("01"), record.ID+".json")
}

// Archive uploads the run report and returns its object key
func (a *Archiver) Archive(ctx context.Context, record *journal.RunRecord) (string, error) {
	body, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to encode report: %w", err)
	}

	key := a.ReportKey(record)
	err = a.client.PutObject(ctx, a.bucket, key, bytes.NewReader(body), int64(len(body)), PutOptions{
		ContentType: "application/json",
		Metadata: map[string]string{
			"run-kind":   record.Kind,
			"run-status": string(record.Status),
		},
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload report %s: %w", key, err)
	}

	a.logger.Info("Run report archived",
		zap.String("bucket", a.bucket),
		zap.String("key", key),
	)
	return key, nil
}
