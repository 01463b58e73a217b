// Package b2 implements blobstore.Store against a Backblaze B2 bucket
// through its S3-compatible API, the way the teacher's pkg/blocks/store/s3
// talks to S3-compatible object stores (its own comment calls out
// Localstack/MinIO for the same BaseEndpoint + path-style pattern).
package b2

import (
	"bytes"
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
	"github.com/cenkalti/backoff/v4"

	"github.com/coldpack/coldpack/internal/logger"
	"github.com/coldpack/coldpack/pkg/blobstore"
)

// Config holds B2/S3-compatible bucket credentials, named after spec's
// configuration vocabulary (app_key_id/app_key are B2's own terms for an
// access key pair).
type Config struct {
	AppKeyID   string
	AppKey     string
	BucketID   string
	BucketName string

	// Endpoint is the B2 S3-compatible endpoint, e.g.
	// "https://s3.us-west-002.backblazeb2.com".
	Endpoint string
	Region   string

	// MaxUploadAttempts bounds upload retries (default 5, per spec's
	// Protocol error policy).
	MaxUploadAttempts int
}

// Store is a blobstore.Store backed by a B2 bucket accessed through its
// S3-compatible API.
type Store struct {
	client  *s3.Client
	bucket  string
	cfg     Config
	attempt int
}

// New builds a Store from static B2 credentials.
func New(ctx context.Context, cfg Config) (*Store, error) {
	creds := credentials.NewStaticCredentialsProvider(cfg.AppKeyID, cfg.AppKey, "")

	var opts []func(*awsconfig.LoadOptions) error
	opts = append(opts, awsconfig.WithCredentialsProvider(creds))
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("blobstore/b2: load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = true
	})

	attempt := cfg.MaxUploadAttempts
	if attempt <= 0 {
		attempt = 5
	}

	return &Store{client: client, bucket: cfg.BucketName, cfg: cfg, attempt: attempt}, nil
}

// List implements blobstore.Store.
func (s *Store) List(ctx context.Context, prefix string) ([]blobstore.Info, error) {
	var out []blobstore.Info

	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})

	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("blobstore/b2: list objects: %w", err)
		}
		for _, obj := range page.Contents {
			info := blobstore.Info{Name: aws.ToString(obj.Key)}
			if obj.Size != nil {
				info.Length = uint64(*obj.Size)
			}
			if obj.ETag != nil {
				info.FileID = strings.Trim(*obj.ETag, `"`)
			}
			out = append(out, info)
		}
	}
	return out, nil
}

// Download implements blobstore.Store.
func (s *Store) Download(ctx context.Context, name string) ([]byte, error) {
	resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(name),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, blobstore.ErrNotFound
		}
		return nil, fmt.Errorf("blobstore/b2: get object %q: %w", name, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("blobstore/b2: read object %q: %w", name, err)
	}
	return data, nil
}

// Upload implements blobstore.Store, retrying transient failures with
// exponential backoff up to MaxUploadAttempts times.
func (s *Store) Upload(ctx context.Context, name string, r io.Reader) (string, uint64, error) {
	body, err := io.ReadAll(r)
	if err != nil {
		return "", 0, fmt.Errorf("blobstore/b2: buffer upload body: %w", err)
	}

	bo := backoff.WithContext(backoff.WithMaxRetries(
		backoff.NewExponentialBackOff(backoff.WithInitialInterval(time.Second)),
		uint64(s.attempt-1),
	), ctx)

	var fileID string
	attempt := 0
	op := func() error {
		attempt++
		resp, err := s.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(name),
			Body:   bytes.NewReader(body),
		})
		if err != nil {
			logger.Warn("blob upload attempt failed",
				logger.BlobName(name), logger.Attempt(attempt), logger.MaxRetries(s.attempt), logger.Err(err))
			return err
		}
		fileID = strings.Trim(aws.ToString(resp.ETag), `"`)
		return nil
	}

	if err := backoff.Retry(op, bo); err != nil {
		return "", 0, fmt.Errorf("blobstore/b2: upload %q failed after %d attempts: %w", name, attempt, err)
	}

	return fileID, uint64(len(body)), nil
}

// Remove implements blobstore.Store. A missing blob is not an error.
func (s *Store) Remove(ctx context.Context, name, fileID string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(name),
	})
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("blobstore/b2: delete object %q: %w", name, err)
	}
	return nil
}

func isNotFound(err error) bool {
	if err == nil {
		return false
	}
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	s := err.Error()
	return strings.Contains(s, "NoSuchKey") || strings.Contains(s, "NotFound") || strings.Contains(s, "404")
}
