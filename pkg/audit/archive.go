package audit

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("github.com/platinummonkey/schoolguard/pkg/audit")

// Archiver keeps a copy of entries before retention deletes them
type Archiver interface {
	Archive(ctx context.Context, entries []*Entry) error
}

// ArchiveConfig configures the S3 archive
type ArchiveConfig struct {
	Bucket       string
	Prefix       string
	Region       string
	Endpoint     string
	AccessKey    string
	SecretKey    string
	UsePathStyle bool
}

type putObjectAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Archiver writes entry batches as NDJSON objects keyed by the day of the
// oldest entry and the id range, e.g.
// activity-logs/2026/01/31/1000-1999.ndjson
type S3Archiver struct {
	client putObjectAPI
	bucket string
	prefix string
}

// NewS3Archiver creates an archiver from static or default credentials
func NewS3Archiver(ctx context.Context, cfg ArchiveConfig) (*S3Archiver, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("archive bucket is required")
	}

	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}
	awsConfig, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsConfig, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})
	return newS3Archiver(client, cfg.Bucket, cfg.Prefix), nil
}

func newS3Archiver(client putObjectAPI, bucket, prefix string) *S3Archiver {
	if prefix == "" {
		prefix = "activity-logs"
	}
	return &S3Archiver{client: client, bucket: bucket, prefix: prefix}
}

// ObjectKey is the archive key for a batch
func (a *S3Archiver) ObjectKey(entries []*Entry) string {
	first, last := entries[0], entries[len(entries)-1]
	return path.Join(a.prefix, first.CreatedAt.UTC().Format("2006/01/02"),
		fmt.Sprintf("%d-%d.ndjson", first.ID, last.ID))
}

// Archive uploads one batch. An empty batch is a no-op.
func (a *S3Archiver) Archive(ctx context.Context, entries []*Entry) error {
	if len(entries) == 0 {
		return nil
	}
	key := a.ObjectKey(entries)

	ctx, span := tracer.Start(ctx, "S3.PutObject",
		trace.WithAttributes(
			attribute.String("s3.bucket", a.bucket),
			attribute.String("s3.key", key),
			attribute.Int("audit.entries", len(entries)),
		),
	)
	defer span.End()

	var buf bytes.Buffer
	if err := WriteNDJSON(&buf, entries); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to encode batch")
		return err
	}
	sum := sha256.Sum256(buf.Bytes())

	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(buf.Bytes()),
		ContentType: aws.String("application/x-ndjson"),
		Metadata: map[string]string{
			"checksum-sha256": hex.EncodeToString(sum[:]),
			"archived-at":     time.Now().UTC().Format(time.RFC3339),
		},
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to upload to s3")
		return fmt.Errorf("failed to archive activity logs to %s: %w", key, err)
	}
	span.SetStatus(codes.Ok, "archived")
	return nil
}
