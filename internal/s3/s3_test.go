package s3

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/aws/aws-sdk-go/service/s3/s3manager/s3manageriface"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/d4rkfella/s3-backup-agent/internal/backup"
	"github.com/d4rkfella/s3-backup-agent/internal/config"
	"github.com/d4rkfella/s3-backup-agent/internal/vault"
)

// --- Mocks ---

type mockS3Client struct {
	s3iface.S3API
	HeadBucketFunc         func(ctx aws.Context, input *s3.HeadBucketInput) (*s3.HeadBucketOutput, error)
	ListBucketsFunc        func(ctx aws.Context, input *s3.ListBucketsInput) (*s3.ListBucketsOutput, error)
	PutObjectFunc          func(ctx aws.Context, input *s3.PutObjectInput) (*s3.PutObjectOutput, error)
	GetObjectFunc          func(ctx aws.Context, input *s3.GetObjectInput) (*s3.GetObjectOutput, error)
	DeleteObjectFunc       func(ctx aws.Context, input *s3.DeleteObjectInput) (*s3.DeleteObjectOutput, error)
	ListObjectsV2PagesFunc func(ctx aws.Context, input *s3.ListObjectsV2Input, fn func(*s3.ListObjectsV2Output, bool) bool) error
}

func (m *mockS3Client) HeadBucketWithContext(ctx aws.Context, input *s3.HeadBucketInput, opts ...request.Option) (*s3.HeadBucketOutput, error) {
	if m.HeadBucketFunc != nil {
		return m.HeadBucketFunc(ctx, input)
	}
	return nil, errors.New("mock HeadBucketFunc not implemented")
}

func (m *mockS3Client) ListBucketsWithContext(ctx aws.Context, input *s3.ListBucketsInput, opts ...request.Option) (*s3.ListBucketsOutput, error) {
	if m.ListBucketsFunc != nil {
		return m.ListBucketsFunc(ctx, input)
	}
	return nil, errors.New("mock ListBucketsFunc not implemented")
}

func (m *mockS3Client) PutObjectWithContext(ctx aws.Context, input *s3.PutObjectInput, opts ...request.Option) (*s3.PutObjectOutput, error) {
	if m.PutObjectFunc != nil {
		return m.PutObjectFunc(ctx, input)
	}
	return nil, errors.New("mock PutObjectFunc not implemented")
}

func (m *mockS3Client) GetObjectWithContext(ctx aws.Context, input *s3.GetObjectInput, opts ...request.Option) (*s3.GetObjectOutput, error) {
	if m.GetObjectFunc != nil {
		return m.GetObjectFunc(ctx, input)
	}
	return nil, errors.New("mock GetObjectFunc not implemented")
}

func (m *mockS3Client) DeleteObjectWithContext(ctx aws.Context, input *s3.DeleteObjectInput, opts ...request.Option) (*s3.DeleteObjectOutput, error) {
	if m.DeleteObjectFunc != nil {
		return m.DeleteObjectFunc(ctx, input)
	}
	return nil, errors.New("mock DeleteObjectFunc not implemented")
}

func (m *mockS3Client) ListObjectsV2PagesWithContext(ctx aws.Context, input *s3.ListObjectsV2Input, fn func(*s3.ListObjectsV2Output, bool) bool, opts ...request.Option) error {
	if m.ListObjectsV2PagesFunc != nil {
		return m.ListObjectsV2PagesFunc(ctx, input, fn)
	}
	return errors.New("mock ListObjectsV2PagesFunc not implemented")
}

type mockS3Uploader struct {
	s3manageriface.UploaderAPI
	UploadFunc func(input *s3manager.UploadInput) (*s3manager.UploadOutput, error)
}

func (m *mockS3Uploader) UploadWithContext(ctx aws.Context, input *s3manager.UploadInput, options ...func(*s3manager.Uploader)) (*s3manager.UploadOutput, error) {
	if m.UploadFunc != nil {
		return m.UploadFunc(input)
	}
	return nil, errors.New("mock UploadWithContext not implemented")
}

type mockS3Downloader struct {
	s3manageriface.DownloaderAPI
	DownloadFunc func(w io.WriterAt, input *s3.GetObjectInput) (int64, error)
}

func (m *mockS3Downloader) DownloadWithContext(ctx aws.Context, w io.WriterAt, input *s3.GetObjectInput, options ...func(*s3manager.Downloader)) (int64, error) {
	if m.DownloadFunc != nil {
		return m.DownloadFunc(w, input)
	}
	return 0, errors.New("mock DownloadWithContext not implemented")
}

// --- Test Setup Helper ---

func setupS3Test(t *testing.T) (*Client, *mockS3Client, *mockS3Uploader, *mockS3Downloader) {
	t.Helper()
	zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	log.Logger = log.Output(zerolog.Nop())
	t.Cleanup(func() {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
		log.Logger = log.Output(os.Stderr)
	})

	mockS3 := new(mockS3Client)
	mockUploader := new(mockS3Uploader)
	mockDownloader := new(mockS3Downloader)
	client := &Client{
		s3:         mockS3,
		uploader:   mockUploader,
		downloader: mockDownloader,
		bucket:     "test-bucket",
	}
	return client, mockS3, mockUploader, mockDownloader
}

func notFoundFailure(code string) error {
	return awserr.NewRequestFailure(awserr.New(code, "not found", nil), 404, "req-1")
}

// --- NewClient ---

func TestNewClient_Success(t *testing.T) {
	setupS3Test(t)
	cfg := &config.Config{S3Bucket: "test-bucket", AWSRegion: "us-east-1", AWSEndpoint: "http://minio.local:9000"}

	mockS3 := new(mockS3Client)
	originalS3New := s3New
	s3New = func(sess *session.Session, cfgs ...*aws.Config) s3iface.S3API {
		assert.Equal(t, "us-east-1", aws.StringValue(sess.Config.Region))
		assert.Equal(t, "http://minio.local:9000", aws.StringValue(sess.Config.Endpoint))
		assert.True(t, aws.BoolValue(sess.Config.S3ForcePathStyle))
		return mockS3
	}
	defer func() { s3New = originalS3New }()

	client, err := NewClient(cfg, vault.NewSecureString([]byte("access")), vault.NewSecureString([]byte("secret")))
	require.NoError(t, err)
	assert.Equal(t, "test-bucket", client.Bucket())
	assert.Same(t, mockS3, client.s3)
	assert.NotNil(t, client.uploader)
	assert.NotNil(t, client.downloader)
}

func TestNewClient_InvalidCredentials(t *testing.T) {
	setupS3Test(t)
	cfg := &config.Config{S3Bucket: "test-bucket", AWSRegion: "us-east-1"}

	client, err := NewClient(cfg, vault.NewSecureString([]byte("")), vault.NewSecureString([]byte("secret")))

	require.Error(t, err)
	assert.Nil(t, client)
	assert.Contains(t, err.Error(), "invalid AWS credentials provided")
	assert.Contains(t, err.Error(), "EmptyStaticCreds")
}

func TestSDKLogLevel(t *testing.T) {
	assert.Equal(t, aws.LogOff, *sdkLogLevel(zerolog.InfoLevel))
	assert.Equal(t, aws.LogOff, *sdkLogLevel(zerolog.ErrorLevel))
	assert.True(t, sdkLogLevel(zerolog.DebugLevel).Matches(aws.LogDebugWithRequestErrors))
	assert.True(t, sdkLogLevel(zerolog.TraceLevel).Matches(aws.LogDebugWithSigning))
}

// --- Bucket operations ---

func TestClient_HeadBucket(t *testing.T) {
	client, mockS3, _, _ := setupS3Test(t)
	ctx := context.Background()

	mockS3.HeadBucketFunc = func(ctx aws.Context, input *s3.HeadBucketInput) (*s3.HeadBucketOutput, error) {
		assert.Equal(t, "test-bucket", aws.StringValue(input.Bucket))
		return &s3.HeadBucketOutput{}, nil
	}
	assert.NoError(t, client.HeadBucket(ctx))

	mockS3.HeadBucketFunc = func(ctx aws.Context, input *s3.HeadBucketInput) (*s3.HeadBucketOutput, error) {
		return nil, notFoundFailure("NotFound")
	}
	err := client.HeadBucket(ctx)
	assert.ErrorIs(t, err, backup.ErrNoSuchBucket)

	mockS3.HeadBucketFunc = func(ctx aws.Context, input *s3.HeadBucketInput) (*s3.HeadBucketOutput, error) {
		return nil, awserr.NewRequestFailure(awserr.New("Forbidden", "forbidden", nil), 403, "req-2")
	}
	err = client.HeadBucket(ctx)
	require.Error(t, err)
	assert.NotErrorIs(t, err, backup.ErrNoSuchBucket)
}

func TestClient_ListBuckets(t *testing.T) {
	client, mockS3, _, _ := setupS3Test(t)

	mockS3.ListBucketsFunc = func(ctx aws.Context, input *s3.ListBucketsInput) (*s3.ListBucketsOutput, error) {
		return &s3.ListBucketsOutput{Buckets: []*s3.Bucket{
			{Name: aws.String("backups")},
			{Name: aws.String("media")},
		}}, nil
	}

	names, err := client.ListBuckets(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"backups", "media"}, names)
}

// --- Object operations ---

func TestClient_UploadFile(t *testing.T) {
	client, _, mockUploader, _ := setupS3Test(t)

	path := filepath.Join(t.TempDir(), "upload.tar")
	require.NoError(t, os.WriteFile(path, []byte("archive content"), 0o600))
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	// a partially consumed body must be rewound
	_, err = f.Seek(4, io.SeekStart)
	require.NoError(t, err)

	mockUploader.UploadFunc = func(input *s3manager.UploadInput) (*s3manager.UploadOutput, error) {
		assert.Equal(t, "test-bucket", aws.StringValue(input.Bucket))
		assert.Equal(t, "ha/Full.tar", aws.StringValue(input.Key))
		assert.Equal(t, archiveContentType, aws.StringValue(input.ContentType))
		assert.Equal(t, "abc", aws.StringValue(input.Metadata["backup_id"]))
		body, err := io.ReadAll(input.Body)
		require.NoError(t, err)
		assert.Equal(t, "archive content", string(body))
		return &s3manager.UploadOutput{Location: "s3://test-bucket/ha/Full.tar"}, nil
	}

	err = client.UploadFile(context.Background(), "ha/Full.tar", f, 15, map[string]string{"backup_id": "abc"})
	assert.NoError(t, err)
}

func TestClient_UploadFile_Error(t *testing.T) {
	client, _, mockUploader, _ := setupS3Test(t)

	mockUploader.UploadFunc = func(input *s3manager.UploadInput) (*s3manager.UploadOutput, error) {
		return nil, errors.New("permanent upload failure")
	}

	err := client.UploadFile(context.Background(), "ha/Full.tar", strings.NewReader("x"), 1, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "s3://test-bucket/ha/Full.tar")
	assert.Contains(t, err.Error(), "permanent upload failure")
}

func TestClient_PutObject(t *testing.T) {
	client, mockS3, _, _ := setupS3Test(t)

	mockS3.PutObjectFunc = func(ctx aws.Context, input *s3.PutObjectInput) (*s3.PutObjectOutput, error) {
		assert.Equal(t, "ha/metadata/abc.json", aws.StringValue(input.Key))
		assert.Equal(t, "application/json", aws.StringValue(input.ContentType))
		assert.Equal(t, int64(2), aws.Int64Value(input.ContentLength))
		body, err := io.ReadAll(input.Body)
		require.NoError(t, err)
		assert.Equal(t, "{}", string(body))
		return &s3.PutObjectOutput{}, nil
	}

	assert.NoError(t, client.PutObject(context.Background(), "ha/metadata/abc.json", []byte("{}"), "application/json"))
}

func TestClient_GetObject(t *testing.T) {
	tests := []struct {
		name      string
		output    *s3.GetObjectOutput
		err       error
		want      string
		wantIs    error
		wantError bool
	}{
		{
			name:   "success",
			output: &s3.GetObjectOutput{Body: io.NopCloser(strings.NewReader(`{"backup_id":"abc"}`))},
			want:   `{"backup_id":"abc"}`,
		},
		{
			name:      "no such key",
			err:       notFoundFailure(s3.ErrCodeNoSuchKey),
			wantIs:    backup.ErrNoSuchKey,
			wantError: true,
		},
		{
			name:      "bare 404",
			err:       awserr.NewRequestFailure(awserr.New("", "", nil), 404, "req-3"),
			wantIs:    backup.ErrNoSuchKey,
			wantError: true,
		},
		{
			name:      "no such bucket",
			err:       notFoundFailure(s3.ErrCodeNoSuchBucket),
			wantIs:    backup.ErrNoSuchBucket,
			wantError: true,
		},
		{
			name:      "server error",
			err:       awserr.NewRequestFailure(awserr.New("InternalError", "boom", nil), 500, "req-4"),
			wantError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, mockS3, _, _ := setupS3Test(t)
			mockS3.GetObjectFunc = func(ctx aws.Context, input *s3.GetObjectInput) (*s3.GetObjectOutput, error) {
				assert.Equal(t, "ha/metadata/abc.json", aws.StringValue(input.Key))
				return tt.output, tt.err
			}

			data, err := client.GetObject(context.Background(), "ha/metadata/abc.json")
			if tt.wantError {
				require.Error(t, err)
				if tt.wantIs != nil {
					assert.ErrorIs(t, err, tt.wantIs)
				} else {
					assert.NotErrorIs(t, err, backup.ErrNoSuchKey)
				}
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(data))
		})
	}
}

func TestClient_DownloadFile(t *testing.T) {
	client, _, _, mockDownloader := setupS3Test(t)

	dst, err := os.Create(filepath.Join(t.TempDir(), "download.tar"))
	require.NoError(t, err)
	defer dst.Close()

	mockDownloader.DownloadFunc = func(w io.WriterAt, input *s3.GetObjectInput) (int64, error) {
		assert.Equal(t, "ha/Full.tar", aws.StringValue(input.Key))
		n, err := w.WriteAt([]byte("archive"), 0)
		return int64(n), err
	}

	n, err := client.DownloadFile(context.Background(), "ha/Full.tar", dst)
	require.NoError(t, err)
	assert.Equal(t, int64(7), n)

	got, err := os.ReadFile(dst.Name())
	require.NoError(t, err)
	assert.Equal(t, "archive", string(got))

	mockDownloader.DownloadFunc = func(w io.WriterAt, input *s3.GetObjectInput) (int64, error) {
		return 0, notFoundFailure(s3.ErrCodeNoSuchKey)
	}
	_, err = client.DownloadFile(context.Background(), "ha/Gone.tar", dst)
	assert.ErrorIs(t, err, backup.ErrNoSuchKey)
}

func TestClient_ListObjects(t *testing.T) {
	client, mockS3, _, _ := setupS3Test(t)
	modified := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	for _, recursive := range []bool{false, true} {
		mockS3.ListObjectsV2PagesFunc = func(ctx aws.Context, input *s3.ListObjectsV2Input, fn func(*s3.ListObjectsV2Output, bool) bool) error {
			assert.Equal(t, "ha/metadata/", aws.StringValue(input.Prefix))
			if recursive {
				assert.Nil(t, input.Delimiter)
			} else {
				assert.Equal(t, "/", aws.StringValue(input.Delimiter))
			}
			pages := []*s3.ListObjectsV2Output{
				{Contents: []*s3.Object{
					{Key: aws.String("ha/metadata/a.json"), Size: aws.Int64(10), LastModified: aws.Time(modified)},
					{Key: nil},
				}},
				{Contents: []*s3.Object{
					{Key: aws.String("ha/metadata/b.json"), Size: aws.Int64(20), LastModified: aws.Time(modified)},
				}},
			}
			for i, page := range pages {
				if !fn(page, i == len(pages)-1) {
					break
				}
			}
			return nil
		}

		objects, err := client.ListObjects(context.Background(), "ha/metadata/", recursive)
		require.NoError(t, err)
		assert.Equal(t, []backup.ObjectInfo{
			{Key: "ha/metadata/a.json", Size: 10, LastModified: modified},
			{Key: "ha/metadata/b.json", Size: 20, LastModified: modified},
		}, objects)
	}
}

func TestClient_ListObjects_Errors(t *testing.T) {
	t.Run("sdk error", func(t *testing.T) {
		client, mockS3, _, _ := setupS3Test(t)
		mockS3.ListObjectsV2PagesFunc = func(ctx aws.Context, input *s3.ListObjectsV2Input, fn func(*s3.ListObjectsV2Output, bool) bool) error {
			return notFoundFailure(s3.ErrCodeNoSuchBucket)
		}

		_, err := client.ListObjects(context.Background(), "ha/", false)
		assert.ErrorIs(t, err, backup.ErrNoSuchBucket)
	})

	t.Run("cancelled between pages", func(t *testing.T) {
		client, mockS3, _, _ := setupS3Test(t)
		ctx, cancel := context.WithCancel(context.Background())
		mockS3.ListObjectsV2PagesFunc = func(ctx aws.Context, input *s3.ListObjectsV2Input, fn func(*s3.ListObjectsV2Output, bool) bool) error {
			cancel()
			fn(&s3.ListObjectsV2Output{}, false)
			return nil
		}

		_, err := client.ListObjects(ctx, "ha/", false)
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestClient_DeleteObject(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		wantErr bool
	}{
		{"success", nil, false},
		{"missing key is not an error", notFoundFailure(s3.ErrCodeNoSuchKey), false},
		{"access denied", awserr.NewRequestFailure(awserr.New("AccessDenied", "denied", nil), 403, "req-5"), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, mockS3, _, _ := setupS3Test(t)
			mockS3.DeleteObjectFunc = func(ctx aws.Context, input *s3.DeleteObjectInput) (*s3.DeleteObjectOutput, error) {
				assert.Equal(t, "ha/Full.tar", aws.StringValue(input.Key))
				return &s3.DeleteObjectOutput{}, tt.err
			}

			err := client.DeleteObject(context.Background(), "ha/Full.tar")
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestClient_WithStore(t *testing.T) {
	client, mockS3, _, _ := setupS3Test(t)
	mockS3.HeadBucketFunc = func(ctx aws.Context, input *s3.HeadBucketInput) (*s3.HeadBucketOutput, error) {
		return nil, notFoundFailure("NotFound")
	}

	store, err := backup.NewStore(client, backup.Options{StagingDir: t.TempDir()})
	require.NoError(t, err)

	err = store.ValidateAccess(context.Background())
	assert.ErrorIs(t, err, backup.ErrAccess)
	assert.ErrorIs(t, err, backup.ErrNoSuchBucket)
}
