// Package minio implements backup.ObjectStore with the MinIO client, for S3-compatible
// stores that the AWS SDK handles poorly.
package minio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/d4rkfella/s3-backup-agent/internal/backup"
	"github.com/d4rkfella/s3-backup-agent/internal/config"
	"github.com/d4rkfella/s3-backup-agent/internal/util"
	"github.com/d4rkfella/s3-backup-agent/internal/vault"
)

const (
	defaultEndpoint    = "s3.amazonaws.com"
	archiveContentType = "application/x-tar"
)

// objectAPI is the subset of *minio.Client the Client uses.
type objectAPI interface {
	BucketExists(ctx context.Context, bucket string) (bool, error)
	ListBuckets(ctx context.Context) ([]minio.BucketInfo, error)
	PutObject(ctx context.Context, bucket, key string, r io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
	GetObject(ctx context.Context, bucket, key string) (io.ReadCloser, error)
	ListObjects(ctx context.Context, bucket string, opts minio.ListObjectsOptions) <-chan minio.ObjectInfo
	RemoveObject(ctx context.Context, bucket, key string, opts minio.RemoveObjectOptions) error
}

// minioAdapter adapts *minio.Client to objectAPI. GetObject is lazy in minio-go, so the
// adapter stats the object to surface a missing key before any bytes are read.
type minioAdapter struct {
	*minio.Client
}

func (a *minioAdapter) GetObject(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	obj, err := a.Client.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, err
	}
	if _, err := obj.Stat(); err != nil {
		_ = obj.Close()
		return nil, err
	}
	return obj, nil
}

// Client is a bucket-scoped MinIO client.
type Client struct {
	api    objectAPI
	bucket string
}

var _ backup.ObjectStore = (*Client)(nil)

// NewClient creates a MinIO client for cfg.AWSEndpoint, or AWS S3 when no endpoint is set.
// The endpoint scheme selects TLS.
func NewClient(cfg *config.Config, accessKey, secretKey vault.SecureString) (*Client, error) {
	if accessKey.String() == "" || secretKey.String() == "" {
		return nil, errors.New("invalid credentials provided: access key and secret key are required")
	}

	host, secure, err := parseEndpoint(cfg.AWSEndpoint)
	if err != nil {
		return nil, err
	}
	lookup := minio.BucketLookupAuto
	if cfg.AWSEndpoint != "" {
		lookup = minio.BucketLookupPath
	}

	client, err := minio.New(host, &minio.Options{
		Creds:        credentials.NewStaticV4(accessKey.String(), secretKey.String(), ""),
		Secure:       secure,
		Region:       cfg.AWSRegion,
		BucketLookup: lookup,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize MinIO client: %w", err)
	}
	if zerolog.GlobalLevel() <= zerolog.TraceLevel {
		client.TraceOn(log.Logger.With().Str("component", "minio-trace").Logger())
	}

	log.Info().Str("component", "minio").Str("endpoint", util.RedactURL(host)).Bool("tls", secure).Str("bucket", cfg.S3Bucket).Msg("MinIO client created")
	return &Client{api: &minioAdapter{Client: client}, bucket: cfg.S3Bucket}, nil
}

// parseEndpoint splits an endpoint URL into the host[:port] minio.New expects and whether
// to use TLS. A bare host is treated as https.
func parseEndpoint(endpoint string) (string, bool, error) {
	if endpoint == "" {
		return defaultEndpoint, true, nil
	}
	u, err := url.Parse(endpoint)
	if err != nil || u.Host == "" {
		if u, err = url.Parse("https://" + endpoint); err != nil || u.Host == "" {
			return "", false, fmt.Errorf("invalid endpoint %q", util.RedactURL(endpoint))
		}
	}
	switch u.Scheme {
	case "http":
		return u.Host, false, nil
	case "https":
		return u.Host, true, nil
	default:
		return "", false, fmt.Errorf("unsupported endpoint scheme %q", u.Scheme)
	}
}

// Bucket returns the bucket the client operates on.
func (c *Client) Bucket() string {
	return c.bucket
}

// HeadBucket checks that the bucket exists and the credentials can reach it.
func (c *Client) HeadBucket(ctx context.Context) error {
	exists, err := c.api.BucketExists(ctx, c.bucket)
	if err != nil {
		return fmt.Errorf("head bucket %s: %w", c.bucket, mapError(err))
	}
	if !exists {
		return fmt.Errorf("head bucket %s: %w", c.bucket, backup.ErrNoSuchBucket)
	}
	return nil
}

// ListBuckets returns the names of every bucket visible to the credentials.
func (c *Client) ListBuckets(ctx context.Context) ([]string, error) {
	buckets, err := c.api.ListBuckets(ctx)
	if err != nil {
		return nil, fmt.Errorf("list buckets: %w", err)
	}
	names := make([]string, 0, len(buckets))
	for _, b := range buckets {
		names = append(names, b.Name)
	}
	return names, nil
}

// UploadFile uploads body to key; minio-go switches to multipart uploads for large sizes.
func (c *Client) UploadFile(ctx context.Context, key string, body io.ReadSeeker, size int64, metadata map[string]string) error {
	if _, err := body.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("failed to rewind upload body for %s: %w", key, err)
	}
	info, err := c.api.PutObject(ctx, c.bucket, key, body, size, minio.PutObjectOptions{
		ContentType:  archiveContentType,
		UserMetadata: metadata,
	})
	if err != nil {
		return fmt.Errorf("failed to upload %s/%s: %w", c.bucket, key, mapError(err))
	}
	log.Debug().Str("component", "minio").Str("key", key).Int64("size_bytes", info.Size).Str("etag", info.ETag).Msg("Upload successful")
	return nil
}

// PutObject writes a small object.
func (c *Client) PutObject(ctx context.Context, key string, body []byte, contentType string) error {
	_, err := c.api.PutObject(ctx, c.bucket, key, bytes.NewReader(body), int64(len(body)), minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return fmt.Errorf("failed to put %s/%s: %w", c.bucket, key, mapError(err))
	}
	return nil
}

// GetObject reads a whole object into memory.
func (c *Client) GetObject(ctx context.Context, key string) ([]byte, error) {
	obj, err := c.api.GetObject(ctx, c.bucket, key)
	if err != nil {
		return nil, fmt.Errorf("failed to get %s/%s: %w", c.bucket, key, mapError(err))
	}
	defer func() { _ = obj.Close() }()

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s/%s: %w", c.bucket, key, mapError(err))
	}
	return data, nil
}

// DownloadFile streams key into dst.
func (c *Client) DownloadFile(ctx context.Context, key string, dst *os.File) (int64, error) {
	obj, err := c.api.GetObject(ctx, c.bucket, key)
	if err != nil {
		return 0, fmt.Errorf("failed to download %s/%s: %w", c.bucket, key, mapError(err))
	}
	defer func() { _ = obj.Close() }()

	n, err := io.Copy(dst, obj)
	if err != nil {
		return n, fmt.Errorf("failed to download %s/%s after %d bytes: %w", c.bucket, key, n, mapError(err))
	}
	return n, nil
}

// ListObjects returns every object under prefix. When recursive is false only the objects
// directly under prefix are returned; common prefixes are dropped.
func (c *Client) ListObjects(ctx context.Context, prefix string, recursive bool) ([]backup.ObjectInfo, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var objects []backup.ObjectInfo
	for obj := range c.api.ListObjects(ctx, c.bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: recursive}) {
		if obj.Err != nil {
			return nil, fmt.Errorf("failed to list %s/%s: %w", c.bucket, prefix, mapError(obj.Err))
		}
		if obj.Key == "" || strings.HasSuffix(obj.Key, "/") {
			continue
		}
		objects = append(objects, backup.ObjectInfo{
			Key:          obj.Key,
			Size:         obj.Size,
			LastModified: obj.LastModified,
		})
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("listing %s/%s cancelled: %w", c.bucket, prefix, err)
	}
	return objects, nil
}

// DeleteObject removes key. A missing key is not an error.
func (c *Client) DeleteObject(ctx context.Context, key string) error {
	if err := c.api.RemoveObject(ctx, c.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		mapped := mapError(err)
		if errors.Is(mapped, backup.ErrNoSuchKey) {
			log.Debug().Str("component", "minio").Str("key", key).Msg("Object already deleted")
			return nil
		}
		return fmt.Errorf("failed to delete %s/%s: %w", c.bucket, key, mapped)
	}
	return nil
}

// mapError wraps MinIO "not found" responses with the matching backup sentinel.
func mapError(err error) error {
	resp := minio.ToErrorResponse(err)
	switch {
	case resp.Code == "NoSuchBucket":
		return fmt.Errorf("%w: %w", backup.ErrNoSuchBucket, err)
	case resp.Code == "NoSuchKey" || resp.StatusCode == 404:
		return fmt.Errorf("%w: %w", backup.ErrNoSuchKey, err)
	}
	return err
}
