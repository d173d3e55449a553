package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"photopipe/internal/config"
	"photopipe/internal/logging"
	"photopipe/internal/services"
)

const (
	defaultRegion       = "us-east-1"
	availabilityTimeout = 3 * time.Second
	availabilityTTL     = 30 * time.Second
)

// S3 implements ObjectStore for AWS S3 and S3-compatible stores.
type S3 struct {
	client  *s3.Client
	presign *s3.PresignClient
	bucket  string
	prefix  string
	logger  *slog.Logger
	now     func() time.Time

	mu        sync.Mutex
	checkedAt time.Time
	available bool
}

var _ ObjectStore = (*S3)(nil)

// New returns the configured object store, or Unavailable when no bucket is set.
func New(ctx context.Context, cfg config.Storage, logger *slog.Logger) (ObjectStore, error) {
	if strings.TrimSpace(cfg.Bucket) == "" {
		return Unavailable{}, nil
	}
	return NewS3(ctx, cfg, logger)
}

// NewS3 constructs an S3 client. Explicit credentials win over the default
// credential chain; a custom endpoint selects an S3-compatible store.
func NewS3(ctx context.Context, cfg config.Storage, logger *slog.Logger) (*S3, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.Profile != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(cfg.Profile))
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, services.Wrap(services.ErrConfiguration, "storage", "load aws config", "", err)
	}
	if awsCfg.Region == "" && cfg.Endpoint == "" {
		awsCfg.Region = defaultRegion
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.ForcePathStyle
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
		o.ResponseChecksumValidation = aws.ResponseChecksumValidationWhenRequired
	})

	return &S3{
		client:  client,
		presign: s3.NewPresignClient(client),
		bucket:  cfg.Bucket,
		prefix:  strings.Trim(cfg.Prefix, "/"),
		logger:  logging.NewComponentLogger(logger, "storage"),
		now:     time.Now,
	}, nil
}

// Available reports whether the bucket answered a HEAD recently. The result
// is cached briefly so hot paths do not probe on every call.
func (c *S3) Available(ctx context.Context) bool {
	c.mu.Lock()
	if !c.checkedAt.IsZero() && c.now().Sub(c.checkedAt) < availabilityTTL {
		available := c.available
		c.mu.Unlock()
		return available
	}
	c.mu.Unlock()

	probeCtx, cancel := context.WithTimeout(ctx, availabilityTimeout)
	defer cancel()
	_, err := c.client.HeadBucket(probeCtx, &s3.HeadBucketInput{Bucket: aws.String(c.bucket)})
	available := err == nil
	if err != nil {
		logging.WarnWithContext(c.logger, "object storage unavailable", "storage_unavailable",
			logging.String("bucket", c.bucket),
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check storage credentials and endpoint"),
			logging.String(logging.FieldImpact, "files stay on local disk only"),
		)
	}

	c.mu.Lock()
	c.checkedAt = c.now()
	c.available = available
	c.mu.Unlock()
	return available
}

func (c *S3) objectKey(key string) string {
	key = strings.TrimLeft(key, "/")
	if c.prefix == "" || strings.HasPrefix(key, c.prefix+"/") {
		return key
	}
	return path.Join(c.prefix, key)
}

// Upload streams localPath to key and returns its objstore locator.
func (c *S3) Upload(ctx context.Context, localPath, key string) (string, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return "", services.Wrap(services.ErrNotFound, "storage", "upload", localPath, err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return "", services.Wrap(services.ErrExternalTool, "storage", "upload", localPath, err)
	}

	objectKey := c.objectKey(key)
	input := &s3.PutObjectInput{
		Bucket:        aws.String(c.bucket),
		Key:           aws.String(objectKey),
		Body:          f,
		ContentLength: aws.Int64(info.Size()),
	}
	if contentType := mime.TypeByExtension(strings.ToLower(filepath.Ext(localPath))); contentType != "" {
		input.ContentType = aws.String(contentType)
	}
	if _, err := c.client.PutObject(ctx, input); err != nil {
		return "", c.wrapError("upload", objectKey, err)
	}
	c.logger.Debug("object uploaded",
		logging.String("key", objectKey),
		logging.Int64("size_bytes", info.Size()),
	)
	return ObjectLocator(objectKey), nil
}

// Download streams the object named by locator into destPath, replacing it atomically.
func (c *S3) Download(ctx context.Context, locator, destPath string) error {
	key, err := objectKeyFrom(locator)
	if err != nil {
		return err
	}
	out, err := c.client.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(c.bucket), Key: aws.String(key)})
	if err != nil {
		return c.wrapError("download", key, err)
	}
	defer out.Body.Close()

	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return services.Wrap(services.ErrExternalTool, "storage", "download", "create cache directory", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(destPath), ".download-*")
	if err != nil {
		return services.Wrap(services.ErrExternalTool, "storage", "download", "create temp file", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)
	if _, err := io.Copy(tmp, out.Body); err != nil {
		tmp.Close()
		return services.Wrap(services.ErrTransient, "storage", "download", key, err)
	}
	if err := tmp.Close(); err != nil {
		return services.Wrap(services.ErrExternalTool, "storage", "download", key, err)
	}
	if err := os.Rename(tmpName, destPath); err != nil {
		return services.Wrap(services.ErrExternalTool, "storage", "download", key, err)
	}
	return nil
}

// PresignGet mints a time-limited GET URL for the object named by locator.
func (c *S3) PresignGet(ctx context.Context, locator string, expiry time.Duration) (string, error) {
	key, err := objectKeyFrom(locator)
	if err != nil {
		return "", err
	}
	req, err := c.presign.PresignGetObject(ctx,
		&s3.GetObjectInput{Bucket: aws.String(c.bucket), Key: aws.String(key)},
		s3.WithPresignExpires(expiry),
	)
	if err != nil {
		return "", c.wrapError("presign", key, err)
	}
	return req.URL, nil
}

// Delete removes the object named by locator.
func (c *S3) Delete(ctx context.Context, locator string) error {
	key, err := objectKeyFrom(locator)
	if err != nil {
		return err
	}
	if _, err := c.client.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: aws.String(c.bucket), Key: aws.String(key)}); err != nil {
		return c.wrapError("delete", key, err)
	}
	return nil
}

func objectKeyFrom(locator string) (string, error) {
	parsed, err := ParseLocator(locator)
	if err != nil {
		return "", services.Wrap(services.ErrValidation, "storage", "parse locator", "", err)
	}
	if !parsed.IsObject() {
		return "", services.Wrap(services.ErrValidation, "storage", "parse locator", fmt.Sprintf("%q is not an object locator", locator), nil)
	}
	return parsed.Value, nil
}

// wrapError maps S3 failures onto the service error markers.
func (c *S3) wrapError(op, key string, err error) error {
	detail := fmt.Sprintf("s3://%s/%s", c.bucket, key)

	var notFound *types.NotFound
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &notFound) || errors.As(err, &noSuchKey) {
		return services.Wrap(services.ErrNotFound, "storage", op, detail, err)
	}
	var noSuchBucket *types.NoSuchBucket
	if errors.As(err, &noSuchBucket) {
		return services.Wrap(services.ErrConfiguration, "storage", op, detail, err)
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return services.Wrap(services.ErrNotFound, "storage", op, detail, err)
		case "AccessDenied", "Forbidden", "InvalidAccessKeyId", "SignatureDoesNotMatch", "NoSuchBucket":
			return services.Wrap(services.ErrConfiguration, "storage", op, detail, err)
		case "SlowDown", "Throttling", "RequestLimitExceeded", "ServiceUnavailable", "InternalError":
			return services.Wrap(services.ErrTransient, "storage", op, detail, err)
		}
	}
	return services.Wrap(services.ErrExternalTool, "storage", op, detail, err)
}
