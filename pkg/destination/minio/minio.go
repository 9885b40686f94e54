// Package minio stores repository files in a MinIO (or other S3-compatible)
// bucket under <prefix>/<repoID>/<pathInRepo>
package minio

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/ajitpratap0/hubsync/pkg/destination"
	"github.com/ajitpratap0/hubsync/pkg/errors"
	"github.com/ajitpratap0/hubsync/pkg/logger"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"
)

func init() {
	_ = destination.Register("minio", func(ctx context.Context, cfg *destination.Config) (destination.Destination, error) {
		return New(cfg)
	})
}

// Destination uploads files with the MinIO client
type Destination struct {
	client *minio.Client
	bucket string
	prefix string
	region string
	logger *zap.Logger
}

// New creates a MinIO destination. Endpoint is host[:port]; an http:// or
// https:// scheme overrides UseSSL.
func New(cfg *destination.Config) (*Destination, error) {
	if cfg.Bucket == "" {
		return nil, errors.New(errors.ErrorTypeConfig, "bucket is required")
	}
	if cfg.Endpoint == "" {
		return nil, errors.New(errors.ErrorTypeConfig, "endpoint is required")
	}

	endpoint, secure := splitEndpoint(cfg.Endpoint, cfg.UseSSL)
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: secure,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "failed to create MinIO client")
	}

	return NewWithClient(client, cfg.Bucket, cfg.Prefix, cfg.Region), nil
}

// NewWithClient wraps an existing client
func NewWithClient(client *minio.Client, bucket, prefix, region string) *Destination {
	return &Destination{
		client: client,
		bucket: bucket,
		prefix: prefix,
		region: region,
		logger: logger.With(zap.String("component", "minio_destination"), zap.String("bucket", bucket)),
	}
}

func splitEndpoint(endpoint string, useSSL bool) (string, bool) {
	switch {
	case strings.HasPrefix(endpoint, "https://"):
		return strings.TrimSuffix(strings.TrimPrefix(endpoint, "https://"), "/"), true
	case strings.HasPrefix(endpoint, "http://"):
		return strings.TrimSuffix(strings.TrimPrefix(endpoint, "http://"), "/"), false
	default:
		return endpoint, useSSL
	}
}

// EnsureRepo creates the bucket when it does not exist
func (d *Destination) EnsureRepo(ctx context.Context, repoID string, private bool) error {
	if err := destination.ValidateRepoID(repoID); err != nil {
		return err
	}

	exists, err := d.client.BucketExists(ctx, d.bucket)
	if err != nil {
		return classify(err, "failed to check bucket")
	}
	if exists {
		return nil
	}
	if err := d.client.MakeBucket(ctx, d.bucket, minio.MakeBucketOptions{Region: d.region}); err != nil {
		code := minio.ToErrorResponse(err).Code
		if code == "BucketAlreadyOwnedByYou" || code == "BucketAlreadyExists" {
			return nil
		}
		return classify(err, "failed to create bucket")
	}
	d.logger.Info("created bucket", zap.String("repo", repoID), zap.Bool("private", private))
	return nil
}

// UploadFile uploads localPath unless the key already exists
func (d *Destination) UploadFile(ctx context.Context, repoID, localPath, pathInRepo string) error {
	key, err := destination.ObjectKey(d.prefix, repoID, pathInRepo)
	if err != nil {
		return err
	}

	if _, err := d.client.StatObject(ctx, d.bucket, key, minio.StatObjectOptions{}); err == nil {
		return destination.Conflict(repoID, pathInRepo, nil)
	} else if code := minio.ToErrorResponse(err).Code; code != "NoSuchKey" && code != "NotFound" {
		return classify(err, "failed to check object")
	}

	start := time.Now()
	info, err := d.client.FPutObject(ctx, d.bucket, key, localPath, minio.PutObjectOptions{
		ContentType: "application/vnd.apache.parquet",
		UserMetadata: map[string]string{
			"repo": repoID,
		},
	})
	if err != nil {
		return classify(err, "failed to upload object")
	}

	d.logger.Info("file uploaded to MinIO",
		zap.String("key", info.Key),
		zap.Int64("bytes", info.Size),
		zap.Duration("duration", time.Since(start)))
	return nil
}

// Close is a no-op
func (d *Destination) Close() error {
	return nil
}

func classify(err error, message string) error {
	resp := minio.ToErrorResponse(err)
	switch code := resp.StatusCode; {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return errors.Wrap(err, errors.ErrorTypeAuthentication, message)
	case code == http.StatusTooManyRequests || resp.Code == "SlowDown":
		return errors.Wrap(err, errors.ErrorTypeRateLimit, message)
	case code >= 500 || code == 0:
		return errors.Wrap(err, errors.ErrorTypeConnection, message)
	default:
		return errors.Wrap(err, errors.ErrorTypeConfig, message)
	}
}
