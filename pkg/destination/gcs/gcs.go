// Package gcs stores repository files in a Google Cloud Storage bucket under
// <prefix>/<repoID>/<pathInRepo>
package gcs

import (
	"context"
	"io"
	"net/http"
	"os"
	"time"

	"cloud.google.com/go/storage"
	"github.com/ajitpratap0/hubsync/pkg/destination"
	"github.com/ajitpratap0/hubsync/pkg/errors"
	"github.com/ajitpratap0/hubsync/pkg/logger"
	"go.uber.org/zap"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

func init() {
	_ = destination.Register("gcs", func(ctx context.Context, cfg *destination.Config) (destination.Destination, error) {
		return New(ctx, cfg)
	})
}

// Destination uploads files with conditional object writes
type Destination struct {
	bucket    string
	prefix    string
	projectID string
	chunkSize int

	gcsClient    *storage.Client
	bucketHandle *storage.BucketHandle
	logger       *zap.Logger
}

// New creates a GCS destination. Endpoint points the client at an emulator
// and disables authentication.
func New(ctx context.Context, cfg *destination.Config) (*Destination, error) {
	if cfg.Bucket == "" {
		return nil, errors.New(errors.ErrorTypeConfig, "bucket is required")
	}

	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(cfg.Endpoint), option.WithoutAuthentication())
	}

	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "failed to create GCS client")
	}

	return &Destination{
		bucket:       cfg.Bucket,
		prefix:       cfg.Prefix,
		projectID:    cfg.ProjectID,
		chunkSize:    int(cfg.PartSize),
		gcsClient:    client,
		bucketHandle: client.Bucket(cfg.Bucket),
		logger:       logger.With(zap.String("component", "gcs_destination"), zap.String("bucket", cfg.Bucket)),
	}, nil
}

// EnsureRepo verifies bucket access. A missing bucket is created when a
// project ID is configured.
func (d *Destination) EnsureRepo(ctx context.Context, repoID string, private bool) error {
	if err := destination.ValidateRepoID(repoID); err != nil {
		return err
	}

	_, err := d.bucketHandle.Attrs(ctx)
	if err == nil {
		return nil
	}
	if !errors.Is(err, storage.ErrBucketNotExist) || d.projectID == "" {
		return classify(err, "failed to access GCS bucket "+d.bucket)
	}

	attrs := &storage.BucketAttrs{}
	if private {
		attrs.PublicAccessPrevention = storage.PublicAccessPreventionEnforced
	}
	if err := d.bucketHandle.Create(ctx, d.projectID, attrs); err != nil {
		return classify(err, "failed to create GCS bucket "+d.bucket)
	}
	d.logger.Info("created GCS bucket", zap.String("repo", repoID))
	return nil
}

// UploadFile writes localPath with a DoesNotExist precondition
func (d *Destination) UploadFile(ctx context.Context, repoID, localPath, pathInRepo string) error {
	key, err := destination.ObjectKey(d.prefix, repoID, pathInRepo)
	if err != nil {
		return err
	}

	f, err := os.Open(localPath) //nolint:gosec // G304: path comes from the scheduler's temp dir
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeFile, "failed to open source file")
	}
	defer f.Close()

	start := time.Now()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	writer := d.bucketHandle.Object(key).If(storage.Conditions{DoesNotExist: true}).NewWriter(ctx)
	writer.ContentType = "application/vnd.apache.parquet"
	if d.chunkSize > 0 {
		writer.ChunkSize = d.chunkSize
	}
	writer.Metadata = map[string]string{
		"repo":    repoID,
		"created": time.Now().UTC().Format(time.RFC3339),
	}

	n, err := io.Copy(writer, f)
	if err != nil {
		cancel()
		_ = writer.Close()
		return classify(err, "failed to write to GCS")
	}
	if err := writer.Close(); err != nil {
		if code(err) == http.StatusPreconditionFailed {
			return destination.Conflict(repoID, pathInRepo, err)
		}
		return classify(err, "failed to close GCS writer")
	}

	d.logger.Info("file uploaded to GCS",
		zap.String("object", key),
		zap.Int64("bytes", n),
		zap.Duration("duration", time.Since(start)))
	return nil
}

// Close closes the storage client
func (d *Destination) Close() error {
	return d.gcsClient.Close()
}

func code(err error) int {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		return gerr.Code
	}
	return 0
}

func classify(err error, message string) error {
	switch c := code(err); {
	case c == http.StatusUnauthorized || c == http.StatusForbidden:
		return errors.Wrap(err, errors.ErrorTypeAuthentication, message)
	case c == http.StatusTooManyRequests:
		return errors.Wrap(err, errors.ErrorTypeRateLimit, message)
	case c >= 500 || c == 0:
		return errors.Wrap(err, errors.ErrorTypeConnection, message)
	default:
		return errors.Wrap(err, errors.ErrorTypeConfig, message)
	}
}
