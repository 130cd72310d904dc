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
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"cronwatch/internal/config"
	"cronwatch/internal/models"
)

const defaultSweepBatch = 5000

// LogSource exposes the durable log rows eligible for retention sweeps.
type LogSource interface {
	ExpiredLogs(ctx context.Context, cutoff time.Time, limit int) ([]models.LogRecord, error)
	DeleteExpiredLogs(ctx context.Context, cutoff time.Time) (int64, error)
}

type uploader interface {
	Upload(ctx context.Context, key string, body []byte) error
}

// Sweeper periodically expires probe logs past the retention window. When an
// archive bucket is configured the expired rows are written to S3 as JSON
// lines before deletion; otherwise the sweep is delete-only.
type Sweeper struct {
	source    LogSource
	uploader  uploader
	retention time.Duration
	interval  time.Duration
	prefix    string
	batch     int
	logger    *slog.Logger
}

// NewSweeper builds a Sweeper from config. The S3 client is only constructed
// when ARCHIVE_BUCKET is set.
func NewSweeper(ctx context.Context, cfg config.Config, source LogSource, logger *slog.Logger) (*Sweeper, error) {
	var up uploader
	if cfg.ArchiveBucket != "" {
		client, err := newS3Client(ctx, cfg)
		if err != nil {
			return nil, err
		}
		up = &s3Uploader{client: client, bucket: cfg.ArchiveBucket}
	}

	return &Sweeper{
		source:    source,
		uploader:  up,
		retention: cfg.LogRetention,
		interval:  cfg.RetentionInterval,
		prefix:    cfg.ArchivePrefix,
		batch:     defaultSweepBatch,
		logger:    logger,
	}, nil
}

func newS3Client(ctx context.Context, cfg config.Config) (*s3.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.ArchiveRegion),
	}
	if cfg.ArchiveEndpoint != "" {
		resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, _ ...interface{}) (aws.Endpoint, error) {
			if service == s3.ServiceID {
				return aws.Endpoint{
					URL:               cfg.ArchiveEndpoint,
					HostnameImmutable: cfg.ArchivePathStyle,
					SigningRegion:     cfg.ArchiveRegion,
					Source:            aws.EndpointSourceCustom,
				}, nil
			}
			return aws.Endpoint{}, &aws.EndpointNotFoundError{}
		})
		opts = append(opts, awsconfig.WithEndpointResolverWithOptions(resolver))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.ArchivePathStyle
	}), nil
}

type s3Uploader struct {
	client *s3.Client
	bucket string
}

func (u *s3Uploader) Upload(ctx context.Context, key string, body []byte) error {
	contentType := "application/x-ndjson"
	_, err := u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(u.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("put object %s: %w", key, err)
	}
	return nil
}

// Run sweeps on the configured interval until the context is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			removed, err := s.SweepOnce(ctx)
			if err != nil {
				s.logger.Error("retention sweep failed", "error", err)
				continue
			}
			if removed > 0 {
				s.logger.Info("retention sweep complete", "removed", removed)
			}
		}
	}
}

// SweepOnce expires everything older than the retention window and reports
// how many rows were removed.
func (s *Sweeper) SweepOnce(ctx context.Context) (int64, error) {
	cutoff := time.Now().UTC().Add(-s.retention)

	if s.uploader == nil {
		return s.source.DeleteExpiredLogs(ctx, cutoff)
	}

	var removed int64
	for {
		page, err := s.source.ExpiredLogs(ctx, cutoff, s.batch)
		if err != nil {
			return removed, err
		}
		if len(page) == 0 {
			return removed, nil
		}

		if err := s.uploader.Upload(ctx, s.objectKey(page), encodeLines(page)); err != nil {
			return removed, err
		}

		// Rows sharing the last timestamp fall inside the same delete
		// window even if the page cut them off. Acceptable for
		// diagnostic data.
		last := page[len(page)-1].CreatedAt.Add(time.Microsecond)
		n, err := s.source.DeleteExpiredLogs(ctx, last)
		if err != nil {
			return removed, err
		}
		removed += n

		if len(page) < s.batch {
			return removed, nil
		}
	}
}

func (s *Sweeper) objectKey(page []models.LogRecord) string {
	first := page[0].CreatedAt.UTC()
	return fmt.Sprintf("%s/%s/cron-logs-%d.jsonl", s.prefix, first.Format("2006/01/02"), first.UnixNano())
}

func encodeLines(page []models.LogRecord) []byte {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, rec := range page {
		// Encode never fails for LogRecord; each call appends a
		// newline-terminated document.
		_ = enc.Encode(rec)
	}
	return buf.Bytes()
}
