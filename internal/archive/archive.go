// Package archive exports terminal jobs to S3-compatible object storage
// as JSONL batches before the retention sweep deletes them.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"

	"github.com/conveyorhq/conveyor/domain/jobs"
	"github.com/conveyorhq/conveyor/internal/config"
	"github.com/conveyorhq/conveyor/pkg/logger"
)

// Exporter writes job batches to a bucket. It satisfies the retention
// service's Archiver interface.
type Exporter struct {
	client *s3.Client
	cfg    *config.ArchiveConfig
	log    *slog.Logger
}

// NewExporter creates an exporter over the configured bucket.
func NewExporter(cfg *config.ArchiveConfig, log *slog.Logger) (*Exporter, error) {
	log = log.With(logger.Scope("archive"))

	awsOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID,
			cfg.SecretAccessKey,
			"",
		)),
	}

	// Custom endpoint for MinIO and friends; empty means real AWS
	if cfg.Endpoint != "" {
		resolver := aws.EndpointResolverWithOptionsFunc(
			func(service, region string, options ...interface{}) (aws.Endpoint, error) {
				return aws.Endpoint{
					URL:               cfg.Endpoint,
					HostnameImmutable: true,
					SigningRegion:     cfg.Region,
				}, nil
			},
		)
		awsOpts = append(awsOpts, awsconfig.WithEndpointResolverWithOptions(resolver))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), awsOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	// Path-style addressing (required for MinIO)
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.Endpoint != ""
	})

	log.Info("archive exporter initialized",
		slog.String("endpoint", cfg.Endpoint),
		slog.String("bucket", cfg.Bucket),
		slog.String("prefix", cfg.Prefix),
	)

	return &Exporter{
		client: client,
		cfg:    cfg,
		log:    log,
	}, nil
}

// Export writes one JSONL object per call and returns its key. The key
// layout {prefix}/{queue}/{yyyy/mm/dd}/{timestamp}-{uuid}.jsonl keeps
// batches browsable by queue and day.
func (e *Exporter) Export(ctx context.Context, queue string, rows []*jobs.Job) (string, error) {
	if len(rows) == 0 {
		return "", nil
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, row := range rows {
		if err := enc.Encode(row); err != nil {
			return "", fmt.Errorf("encode job %d: %w", row.ID, err)
		}
	}

	key := e.batchKey(queue, time.Now().UTC())
	_, err := e.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(e.cfg.Bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(buf.Bytes()),
		ContentLength: aws.Int64(int64(buf.Len())),
		ContentType:   aws.String("application/x-ndjson"),
	})
	if err != nil {
		e.log.Error("failed to upload archive batch",
			slog.String("key", key),
			logger.Error(err),
		)
		return "", fmt.Errorf("upload archive batch: %w", err)
	}

	e.log.Debug("archive batch uploaded",
		slog.String("key", key),
		slog.Int("jobs", len(rows)),
		slog.Int("bytes", buf.Len()),
	)
	return key, nil
}

func (e *Exporter) batchKey(queue string, now time.Time) string {
	return fmt.Sprintf("%s/%s/%s/%s-%s.jsonl",
		e.cfg.Prefix,
		queue,
		now.Format("2006/01/02"),
		now.Format("20060102T150405Z"),
		uuid.New().String(),
	)
}
