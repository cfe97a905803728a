// Package s3 implements backup.ObjectStore with the AWS SDK.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/aws/aws-sdk-go/service/s3/s3manager/s3manageriface"
	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/d4rkfella/s3-backup-agent/internal/backup"
	"github.com/d4rkfella/s3-backup-agent/internal/config"
	"github.com/d4rkfella/s3-backup-agent/internal/util"
	"github.com/d4rkfella/s3-backup-agent/internal/vault"
)

const archiveContentType = "application/x-tar"

// Client is a bucket-scoped S3 client.
type Client struct {
	s3         s3iface.S3API
	uploader   s3manageriface.UploaderAPI
	downloader s3manageriface.DownloaderAPI
	bucket     string
}

var _ backup.ObjectStore = (*Client)(nil)

// Package variables so tests can inject mocks in place of the SDK clients.
var s3New = func(sess *session.Session, cfgs ...*aws.Config) s3iface.S3API {
	return s3.New(sess, cfgs...)
}

var s3managerNewUploader = func(sess *session.Session, options ...func(*s3manager.Uploader)) s3manageriface.UploaderAPI {
	return s3manager.NewUploader(sess, options...)
}

var s3managerNewDownloader = func(sess *session.Session, options ...func(*s3manager.Downloader)) s3manageriface.DownloaderAPI {
	return s3manager.NewDownloader(sess, options...)
}

// readCounter wraps an io.Reader, counting the total bytes read.
type readCounter struct {
	total int64
	r     io.Reader
	start time.Time
}

func newReadCounter(r io.Reader) *readCounter {
	return &readCounter{r: r, start: time.Now()}
}

func (rc *readCounter) Read(p []byte) (n int, err error) {
	n, err = rc.r.Read(p)
	rc.total += int64(n)
	return
}

// NewClient creates an AWS session for the configured region and endpoint. It performs no
// network calls; use HeadBucket to verify access.
func NewClient(cfg *config.Config, accessKey, secretKey vault.SecureString) (*Client, error) {
	log.Debug().Str("component", "s3").Msg("Creating AWS session")
	awsConfig := aws.NewConfig()

	creds := credentials.NewStaticCredentials(accessKey.String(), secretKey.String(), "")
	if _, err := creds.Get(); err != nil {
		return nil, fmt.Errorf("invalid AWS credentials provided: %w", err)
	}
	awsConfig.Credentials = creds

	if cfg.AWSRegion != "" {
		awsConfig.Region = aws.String(cfg.AWSRegion)
	}

	// S3-compatible stores (MinIO, Ceph, Garage) need path-style addressing.
	if cfg.AWSEndpoint != "" {
		log.Debug().Str("component", "s3").Str("endpoint", util.RedactURL(cfg.AWSEndpoint)).Msg("Using custom S3 endpoint")
		awsConfig.Endpoint = aws.String(cfg.AWSEndpoint)
		awsConfig.S3ForcePathStyle = aws.Bool(true)
	}

	awsLogLevel := sdkLogLevel(zerolog.GlobalLevel())
	awsConfig.LogLevel = awsLogLevel
	if *awsLogLevel != aws.LogOff {
		awsConfig.Logger = aws.LoggerFunc(func(args ...interface{}) {
			log.Debug().Str("component", "aws-sdk").Msg(fmt.Sprint(args...))
		})
		log.Debug().Str("component", "s3").Str("aws_log_level", fmt.Sprintf("%v", *awsLogLevel)).Msg("AWS SDK logging enabled")
	}

	awsConfig.MaxRetries = aws.Int(3)

	sess, err := session.NewSessionWithOptions(session.Options{
		Config:            *awsConfig,
		SharedConfigState: session.SharedConfigDisable,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS session: %w", err)
	}

	log.Info().Str("component", "s3").Str("bucket", cfg.S3Bucket).Str("region", cfg.AWSRegion).Msg("AWS session created")
	return &Client{
		s3:         s3New(sess),
		uploader:   s3managerNewUploader(sess),
		downloader: s3managerNewDownloader(sess),
		bucket:     cfg.S3Bucket,
	}, nil
}

// sdkLogLevel maps the application log level to the SDK's request logging.
func sdkLogLevel(level zerolog.Level) *aws.LogLevelType {
	switch level {
	case zerolog.TraceLevel:
		return aws.LogLevel(aws.LogDebugWithRequestRetries | aws.LogDebugWithRequestErrors | aws.LogDebugWithSigning)
	case zerolog.DebugLevel:
		return aws.LogLevel(aws.LogDebugWithRequestRetries | aws.LogDebugWithRequestErrors)
	default:
		return aws.LogLevel(aws.LogOff)
	}
}

// Bucket returns the bucket the client operates on.
func (c *Client) Bucket() string {
	return c.bucket
}

// HeadBucket checks that the bucket exists and the credentials can reach it.
func (c *Client) HeadBucket(ctx context.Context) error {
	_, err := c.s3.HeadBucketWithContext(ctx, &s3.HeadBucketInput{Bucket: aws.String(c.bucket)})
	if err != nil {
		return fmt.Errorf("head bucket %s: %w", c.bucket, mapError(err, backup.ErrNoSuchBucket))
	}
	return nil
}

// ListBuckets returns the names of every bucket owned by the credentials.
func (c *Client) ListBuckets(ctx context.Context) ([]string, error) {
	out, err := c.s3.ListBucketsWithContext(ctx, &s3.ListBucketsInput{})
	if err != nil {
		return nil, fmt.Errorf("list buckets: %w", err)
	}
	names := make([]string, 0, len(out.Buckets))
	for _, b := range out.Buckets {
		names = append(names, aws.StringValue(b.Name))
	}
	return names, nil
}

// UploadFile streams body to key with a multipart upload for large archives.
func (c *Client) UploadFile(ctx context.Context, key string, body io.ReadSeeker, size int64, metadata map[string]string) error {
	if _, err := body.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("failed to rewind upload body for %s: %w", key, err)
	}
	reader := newReadCounter(body)

	log.Trace().Str("component", "s3").Str("bucket", c.bucket).Str("key", key).Int64("size_bytes", size).Msg("Attempting S3 upload")
	_, err := c.uploader.UploadWithContext(ctx, &s3manager.UploadInput{
		Bucket:      aws.String(c.bucket),
		Key:         aws.String(key),
		Body:        reader,
		ContentType: aws.String(archiveContentType),
		Metadata:    aws.StringMap(metadata),
	})
	if err != nil {
		return fmt.Errorf("failed to upload s3://%s/%s: %w", c.bucket, key, mapError(err, backup.ErrNoSuchBucket))
	}

	duration := time.Since(reader.start)
	rate := float64(0)
	if duration.Seconds() > 0 {
		rate = float64(reader.total) / duration.Seconds()
	}
	log.Debug().
		Str("component", "s3").
		Str("bucket", c.bucket).
		Str("key", key).
		Int64("bytes_uploaded", reader.total).
		Dur("duration", duration).
		Str("rate", humanize.IBytes(uint64(rate))+"/s").
		Msg("S3 upload successful")
	return nil
}

// PutObject writes a small object in a single request.
func (c *Client) PutObject(ctx context.Context, key string, body []byte, contentType string) error {
	_, err := c.s3.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(c.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(body),
		ContentLength: aws.Int64(int64(len(body))),
		ContentType:   aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("failed to put s3://%s/%s: %w", c.bucket, key, mapError(err, backup.ErrNoSuchBucket))
	}
	return nil
}

// GetObject reads a whole object into memory.
func (c *Client) GetObject(ctx context.Context, key string) ([]byte, error) {
	out, err := c.s3.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get s3://%s/%s: %w", c.bucket, key, mapError(err, backup.ErrNoSuchKey))
	}
	defer func() { _ = out.Body.Close() }()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read s3://%s/%s: %w", c.bucket, key, err)
	}
	return data, nil
}

// DownloadFile downloads key into dst using parallel ranged GETs.
func (c *Client) DownloadFile(ctx context.Context, key string, dst *os.File) (int64, error) {
	n, err := c.downloader.DownloadWithContext(ctx, dst, &s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return n, fmt.Errorf("failed to download s3://%s/%s: %w", c.bucket, key, mapError(err, backup.ErrNoSuchKey))
	}
	return n, nil
}

// ListObjects returns every object under prefix, following all pages. When recursive is
// false only the objects directly under prefix are returned.
func (c *Client) ListObjects(ctx context.Context, prefix string, recursive bool) ([]backup.ObjectInfo, error) {
	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(c.bucket),
		Prefix: aws.String(prefix),
	}
	if !recursive {
		input.Delimiter = aws.String("/")
	}

	var objects []backup.ObjectInfo
	pages := 0
	err := c.s3.ListObjectsV2PagesWithContext(ctx, input, func(page *s3.ListObjectsV2Output, lastPage bool) bool {
		pages++
		for _, obj := range page.Contents {
			if obj.Key == nil {
				log.Warn().Str("component", "s3").Interface("object", obj).Msg("Skipping object with nil key")
				continue
			}
			objects = append(objects, backup.ObjectInfo{
				Key:          aws.StringValue(obj.Key),
				Size:         aws.Int64Value(obj.Size),
				LastModified: aws.TimeValue(obj.LastModified),
			})
		}
		return ctx.Err() == nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list s3://%s/%s: %w", c.bucket, prefix, mapError(err, backup.ErrNoSuchBucket))
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("listing s3://%s/%s cancelled: %w", c.bucket, prefix, err)
	}
	log.Trace().Str("component", "s3").Str("prefix", prefix).Int("pages", pages).Int("objects", len(objects)).Msg("Listed objects")
	return objects, nil
}

// DeleteObject removes key. S3 reports success for keys that do not exist.
func (c *Client) DeleteObject(ctx context.Context, key string) error {
	_, err := c.s3.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		mapped := mapError(err, backup.ErrNoSuchKey)
		if errors.Is(mapped, backup.ErrNoSuchKey) {
			return nil
		}
		return fmt.Errorf("failed to delete s3://%s/%s: %w", c.bucket, key, mapped)
	}
	return nil
}

// mapError wraps SDK "not found" errors with the matching backup sentinel. A bare 404
// (HEAD responses carry no error code) is mapped to notFound.
func mapError(err error, notFound error) error {
	var aerr awserr.Error
	if !errors.As(err, &aerr) {
		return err
	}
	switch aerr.Code() {
	case s3.ErrCodeNoSuchKey:
		return fmt.Errorf("%w: %w", backup.ErrNoSuchKey, err)
	case s3.ErrCodeNoSuchBucket:
		return fmt.Errorf("%w: %w", backup.ErrNoSuchBucket, err)
	case "NotFound":
		return fmt.Errorf("%w: %w", notFound, err)
	}
	var reqErr awserr.RequestFailure
	if errors.As(err, &reqErr) && reqErr.StatusCode() == 404 {
		return fmt.Errorf("%w: %w", notFound, err)
	}
	return err
}
