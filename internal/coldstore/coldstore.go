// Package coldstore is the indefinite-retention object storage tier: one
// Parquet file per (site, day), uploaded, verified, and never overwritten
// once archived. Paths follow the canonical shape decided in
// SPEC_FULL.md's open questions:
// timeseries/{site}/{YYYY}/{MM}/{DD}.parquet — never the
// {YYYY}/{MM}/{DD}/{point_id} alternative.
package coldstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"sensorlake/internal/config"
)

// Store is the capability interface the archival, backfill, and query
// workers depend on.
type Store interface {
	// Put uploads data under key. size is the exact byte length — required
	// for S3 payload signing, and also lets callers reject oversized
	// partitions before streaming them.
	Put(ctx context.Context, key string, data io.Reader, size int64) error
	// Head reports whether key exists and its size, without downloading it.
	Head(ctx context.Context, key string) (exists bool, size int64, err error)
	// Get streams key back; callers must Close the returned reader.
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	// ListPrefix lists keys under prefix. The query worker and Reconcile do
	// not call it; they probe each day's canonical key with Head.
	ListPrefix(ctx context.Context, prefix string) ([]string, error)
	Delete(ctx context.Context, key string) error
}

// PathFor returns the canonical object key for one site's partition on day.
func PathFor(site string, day time.Time) string {
	return fmt.Sprintf("timeseries/%s/%04d/%02d/%02d.parquet", site, day.Year(), day.Month(), day.Day())
}

// PrefixForMonth returns the key prefix covering every day in a given
// month, for bounded ListPrefix scans.
func PrefixForMonth(site string, year int, month time.Month) string {
	return fmt.Sprintf("timeseries/%s/%04d/%02d/", site, year, month)
}

type S3Store struct {
	client *s3.Client
	bucket string
}

// NewS3Store builds an S3-compatible client from cfg, honoring an optional
// custom endpoint (MinIO, etc.) the way locally-hosted object stores need.
func NewS3Store(ctx context.Context, cfg *config.Config) (*S3Store, error) {
	var opts []func(*awsconfig.LoadOptions) error
	opts = append(opts, awsconfig.WithRegion(cfg.ColdRegion))

	if cfg.ColdAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.ColdAccessKey, cfg.ColdSecretKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.ColdEndpoint != "" {
			o.BaseEndpoint = aws.String(cfg.ColdEndpoint)
			o.UsePathStyle = true
		}
	})

	return &S3Store{client: client, bucket: cfg.ColdBucket}, nil
}

func (s *S3Store) Put(ctx context.Context, key string, data io.Reader, size int64) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          data,
		ContentLength: aws.Int64(size),
	})
	if err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

func (s *S3Store) Head(ctx context.Context, key string) (bool, int64, error) {
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return false, 0, nil
		}
		return false, 0, fmt.Errorf("head %s: %w", key, err)
	}
	size := int64(0)
	if out.ContentLength != nil {
		size = *out.ContentLength
	}
	return true, size, nil
}

func (s *S3Store) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	return out.Body, nil
}

func (s *S3Store) ListPrefix(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", prefix, err)
		}
		for _, obj := range page.Contents {
			if obj.Key != nil {
				keys = append(keys, *obj.Key)
			}
		}
	}
	return keys, nil
}

func (s *S3Store) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

func isNotFound(err error) bool {
	var nf *types.NotFound
	if errors.As(err, &nf) {
		return true
	}
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	return strings.Contains(err.Error(), "StatusCode: 404")
}
