// Package s3 stores repository files in an S3 bucket under
// <prefix>/<repoID>/<pathInRepo>
package s3

import (
	"context"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/ajitpratap0/hubsync/pkg/destination"
	"github.com/ajitpratap0/hubsync/pkg/errors"
	"github.com/ajitpratap0/hubsync/pkg/logger"
	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"go.uber.org/zap"
)

const (
	defaultRegion         = "us-east-1"
	defaultUploadPartSize = 5 * 1024 * 1024 // 5MB
	defaultMaxConcurrency = 5
)

func init() {
	_ = destination.Register("s3", func(ctx context.Context, cfg *destination.Config) (destination.Destination, error) {
		return New(ctx, cfg)
	})
}

// Destination uploads files with the S3 transfer manager
type Destination struct {
	bucket string
	prefix string
	region string

	s3Client *s3.Client
	uploader *manager.Uploader
	logger   *zap.Logger
}

// New creates an S3 destination. Endpoint selects an S3-compatible service
// and enables path-style addressing.
func New(ctx context.Context, cfg *destination.Config) (*Destination, error) {
	if cfg.Bucket == "" {
		return nil, errors.New(errors.ErrorTypeConfig, "bucket is required")
	}

	region := cfg.Region
	if region == "" {
		region = defaultRegion
	}
	partSize := cfg.PartSize
	if partSize <= 0 {
		partSize = defaultUploadPartSize
	}
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = defaultMaxConcurrency
	}

	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "failed to load AWS configuration")
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
		o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
	})

	return &Destination{
		bucket:   cfg.Bucket,
		prefix:   cfg.Prefix,
		region:   region,
		s3Client: client,
		uploader: manager.NewUploader(client, func(u *manager.Uploader) {
			u.PartSize = partSize
			u.Concurrency = concurrency
		}),
		logger: logger.With(zap.String("component", "s3_destination"), zap.String("bucket", cfg.Bucket)),
	}, nil
}

// EnsureRepo checks the bucket and creates it when missing. Repositories
// are key prefixes, so private only applies to bucket creation.
func (d *Destination) EnsureRepo(ctx context.Context, repoID string, private bool) error {
	if err := destination.ValidateRepoID(repoID); err != nil {
		return err
	}

	_, err := d.s3Client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(d.bucket)})
	if err == nil {
		return nil
	}
	if !isNotFound(err) {
		return classify(err, "failed to access S3 bucket")
	}

	input := &s3.CreateBucketInput{Bucket: aws.String(d.bucket)}
	if d.region != defaultRegion {
		input.CreateBucketConfiguration = &types.CreateBucketConfiguration{
			LocationConstraint: types.BucketLocationConstraint(d.region),
		}
	}
	if private {
		input.ACL = types.BucketCannedACLPrivate
	}
	if _, err := d.s3Client.CreateBucket(ctx, input); err != nil {
		var owned *types.BucketAlreadyOwnedByYou
		if errors.As(err, &owned) {
			return nil
		}
		return classify(err, "failed to create S3 bucket")
	}
	d.logger.Info("created S3 bucket", zap.String("repo", repoID))
	return nil
}

// UploadFile uploads localPath. The put is conditional on the key not
// existing.
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

	info, err := f.Stat()
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeFile, "failed to stat source file")
	}

	start := time.Now()
	result, err := d.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(d.bucket),
		Key:         aws.String(key),
		Body:        f,
		ContentType: aws.String("application/vnd.apache.parquet"),
		IfNoneMatch: aws.String("*"),
		Metadata: map[string]string{
			"repo":    repoID,
			"bytes":   strconv.FormatInt(info.Size(), 10),
			"created": time.Now().UTC().Format(time.RFC3339),
		},
	})
	if err != nil {
		if statusCode(err) == http.StatusPreconditionFailed {
			return destination.Conflict(repoID, pathInRepo, err)
		}
		return classify(err, "failed to upload to S3")
	}

	d.logger.Info("file uploaded to S3",
		zap.String("location", result.Location),
		zap.String("repo", repoID),
		zap.Int64("bytes", info.Size()),
		zap.Duration("duration", time.Since(start)))
	return nil
}

// Close is a no-op; the SDK client holds no resources
func (d *Destination) Close() error {
	return nil
}

func statusCode(err error) int {
	var re *awshttp.ResponseError
	if errors.As(err, &re) {
		return re.HTTPStatusCode()
	}
	return 0
}

func isNotFound(err error) bool {
	var nf *types.NotFound
	var nb *types.NoSuchBucket
	return errors.As(err, &nf) || errors.As(err, &nb) || statusCode(err) == http.StatusNotFound
}

// classify maps an SDK error to an error type so the scheduler can decide
// whether to retry
func classify(err error, message string) error {
	switch code := statusCode(err); {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return errors.Wrap(err, errors.ErrorTypeAuthentication, message)
	case code == http.StatusTooManyRequests || code == http.StatusServiceUnavailable:
		return errors.Wrap(err, errors.ErrorTypeRateLimit, message)
	case code >= 500 || code == 0:
		return errors.Wrap(err, errors.ErrorTypeConnection, message)
	default:
		return errors.Wrap(err, errors.ErrorTypeConfig, message)
	}
}
