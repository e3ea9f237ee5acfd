// Package archive moves old processed signals out of the hot table into
// JSONL batch files, on S3 when a bucket is configured and on local disk
// otherwise. Signals are never deleted; archived rows stay queryable by id.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"gtm-command-center/internal/config"
	"gtm-command-center/internal/models"
	"gtm-command-center/internal/telemetry"
)

// Store is the signal persistence the archiver needs.
type Store interface {
	ListArchivable(ctx context.Context, cutoff time.Time, limit int) ([]models.Signal, error)
	MarkArchived(ctx context.Context, ids []string, at time.Time) error
}

type uploader interface {
	Upload(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

// Archiver exports processed signals older than the retention cutoff.
type Archiver struct {
	store     Store
	dest      uploader
	after     time.Duration
	batchSize int
	log       *slog.Logger
	now       func() time.Time
}

// New constructs the archiver, choosing S3 when a bucket is configured and
// the local directory uploader otherwise.
func New(ctx context.Context, cfg config.Config, st Store, log *slog.Logger) (*Archiver, error) {
	var dest uploader
	if cfg.ArchiveS3Bucket != "" {
		client, err := newS3Client(ctx, cfg)
		if err != nil {
			return nil, err
		}
		dest = &s3Uploader{client: client, bucket: cfg.ArchiveS3Bucket}
	} else {
		dest = &localUploader{baseDir: cfg.ArchiveLocalDir}
	}
	return &Archiver{
		store:     st,
		dest:      dest,
		after:     cfg.ArchiveAfter,
		batchSize: 500,
		log:       log,
		now:       time.Now,
	}, nil
}

// Run archives one batch of eligible signals and returns how many it moved.
func (a *Archiver) Run(ctx context.Context) (int, error) {
	now := a.now().UTC()
	cutoff := now.Add(-a.after)

	batch, err := a.store.ListArchivable(ctx, cutoff, a.batchSize)
	if err != nil {
		return 0, fmt.Errorf("list archivable signals: %w", err)
	}
	if len(batch) == 0 {
		return 0, nil
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	ids := make([]string, 0, len(batch))
	for _, sig := range batch {
		if err := enc.Encode(sig); err != nil {
			return 0, fmt.Errorf("encode signal %s: %w", sig.ID, err)
		}
		ids = append(ids, sig.ID)
	}

	key := fmt.Sprintf("signals/%s/%s.jsonl", now.Format("2006/01/02"), now.Format("150405.000000000"))
	location, err := a.dest.Upload(ctx, key, buf.Bytes(), "application/x-ndjson")
	if err != nil {
		return 0, fmt.Errorf("upload archive batch: %w", err)
	}
	if err := a.store.MarkArchived(ctx, ids, now); err != nil {
		return 0, fmt.Errorf("mark archived: %w", err)
	}

	telemetry.SignalsArchived.Add(float64(len(ids)))
	a.log.Info("signals archived", "count", len(ids), "location", location)
	return len(ids), nil
}

func newS3Client(ctx context.Context, cfg config.Config) (*s3.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.ArchiveS3Region),
	}
	if cfg.ArchiveS3Endpoint != "" {
		resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, _ ...interface{}) (aws.Endpoint, error) {
			if service == s3.ServiceID {
				return aws.Endpoint{
					URL:               cfg.ArchiveS3Endpoint,
					HostnameImmutable: cfg.ArchiveS3PathStyle,
					SigningRegion:     cfg.ArchiveS3Region,
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
		o.UsePathStyle = cfg.ArchiveS3PathStyle
	}), nil
}

type s3Uploader struct {
	client *s3.Client
	bucket string
}

func (s *s3Uploader) Upload(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}

type localUploader struct {
	baseDir string
}

func (l *localUploader) Upload(_ context.Context, key string, body []byte, _ string) (string, error) {
	path := filepath.Join(l.baseDir, key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create dirs: %w", err)
	}
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	return path, nil
}
