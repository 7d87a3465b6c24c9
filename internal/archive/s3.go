// Package archive exports rows removed by retention sweeps to S3-compatible object storage.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"

	"github.com/worklog/guard/internal/config"
)

// ObjectPutter is the subset of the S3 client the archiver needs
type ObjectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Archiver writes each batch as one JSON Lines object
type S3Archiver struct {
	client  ObjectPutter
	bucket  string
	prefix  string
	timeNow func() time.Time // For testability
}

// NewS3Archiver creates an archiver from configuration
func NewS3Archiver(cfg config.ArchiveConfig) (*S3Archiver, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("archive bucket is required")
	}

	opts := s3.Options{
		Region: cfg.Region,
	}
	if cfg.AccessKeyID != "" {
		opts.Credentials = aws.NewCredentialsCache(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID,
			cfg.SecretAccessKey,
			"",
		))
	}
	if cfg.Endpoint != "" {
		opts.BaseEndpoint = aws.String(cfg.Endpoint)
		opts.UsePathStyle = true
	}

	return NewS3ArchiverWithClient(s3.New(opts), cfg.Bucket, cfg.Prefix), nil
}

// NewS3ArchiverWithClient creates an archiver over an existing client
func NewS3ArchiverWithClient(client ObjectPutter, bucket, prefix string) *S3Archiver {
	return &S3Archiver{client: client, bucket: bucket, prefix: prefix, timeNow: time.Now}
}

// Archive uploads rows of entity. Keys are partitioned by entity and UTC date.
func (a *S3Archiver) Archive(ctx context.Context, entity string, rows []json.RawMessage) error {
	if len(rows) == 0 {
		return nil
	}

	var buf bytes.Buffer
	for _, r := range rows {
		buf.Write(bytes.TrimSpace(r))
		buf.WriteByte('\n')
	}

	now := a.timeNow().UTC()
	key := path.Join(a.prefix, entity, now.Format("2006/01/02"),
		fmt.Sprintf("%s-%s.jsonl", now.Format("150405"), uuid.New().String()))

	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(buf.Bytes()),
		ContentType: aws.String("application/x-ndjson"),
	})
	if err != nil {
		return fmt.Errorf("failed to upload archive %s: %w", key, err)
	}
	return nil
}
