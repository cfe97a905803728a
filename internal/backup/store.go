// Package backup stores backup archives in an object-storage bucket.
//
// Every backup is kept as two objects: the archive itself at {prefix}{filename} and a JSON
// record at {prefix}metadata/{backup_id}.json. The metadata objects are the index: listing
// reads them and nothing else, so an archive without a record is invisible.
package backup

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog/log"

	"github.com/d4rkfella/s3-backup-agent/internal/metrics"
	"github.com/d4rkfella/s3-backup-agent/internal/util"
)

// ObjectInfo describes an object returned by a listing.
type ObjectInfo struct {
	Key          string
	Size         int64
	LastModified time.Time
}

// ObjectStore is the bucket-scoped object-storage client the Store is built on.
// Implementations wrap ErrNoSuchKey and ErrNoSuchBucket so missing objects can be told
// apart from failed calls. DeleteObject on a missing key is not an error.
type ObjectStore interface {
	Bucket() string
	HeadBucket(ctx context.Context) error
	ListBuckets(ctx context.Context) ([]string, error)
	UploadFile(ctx context.Context, key string, body io.ReadSeeker, size int64, metadata map[string]string) error
	PutObject(ctx context.Context, key string, body []byte, contentType string) error
	GetObject(ctx context.Context, key string) ([]byte, error)
	DownloadFile(ctx context.Context, key string, dst *os.File) (int64, error)
	ListObjects(ctx context.Context, prefix string, recursive bool) ([]ObjectInfo, error)
	DeleteObject(ctx context.Context, key string) error
}

// OpenStream opens the archive content of a backup being uploaded. The returned reader is
// read once, start to end.
type OpenStream func(ctx context.Context) (io.ReadCloser, error)

// Options configures a Store.
type Options struct {
	Prefix       string
	InstanceID   string
	StagingDir   string
	SecureDelete bool
	// Filename derives archive filenames. Defaults to SuggestedFilename.
	Filename FilenameFunc
}

// Store implements upload, list, download and delete of backups on top of an ObjectStore.
// It keeps no state besides its configuration and is safe for concurrent use.
type Store struct {
	objects      ObjectStore
	loc          Location
	instanceID   string
	stagingDir   string
	secureDelete bool
	filename     FilenameFunc
}

const rollbackTimeout = 30 * time.Second

// NewStore creates a Store over objects.
func NewStore(objects ObjectStore, opts Options) (*Store, error) {
	if objects == nil {
		return nil, errors.New("object store cannot be nil")
	}
	if objects.Bucket() == "" {
		return nil, errors.New("bucket name cannot be empty")
	}
	stagingDir := opts.StagingDir
	if stagingDir == "" {
		stagingDir = os.TempDir()
	}
	filename := opts.Filename
	if filename == nil {
		filename = SuggestedFilename
	}
	loc := NewLocation(objects.Bucket(), opts.Prefix)
	log.Info().Str("component", "backup").Str("bucket", loc.Bucket).Str("prefix", loc.Prefix).Msg("Backup store configured")
	return &Store{
		objects:      objects,
		loc:          loc,
		instanceID:   opts.InstanceID,
		stagingDir:   stagingDir,
		secureDelete: opts.SecureDelete,
		filename:     filename,
	}, nil
}

// Location returns the bucket and normalized prefix backups are stored under.
func (s *Store) Location() Location {
	return s.loc
}

// ValidateAccess checks that the bucket exists and is reachable.
func (s *Store) ValidateAccess(ctx context.Context) (err error) {
	start := time.Now()
	defer func() { metrics.RecordOperation("validate", start, err) }()

	if err := s.objects.HeadBucket(ctx); err != nil {
		log.Error().Err(err).Str("component", "backup").Str("bucket", s.loc.Bucket).Msg("Bucket access check failed")
		return accessError("head bucket "+s.loc.Bucket, err)
	}
	log.Debug().Str("component", "backup").Str("bucket", s.loc.Bucket).Msg("Bucket is accessible")
	return nil
}

// ListBuckets returns the names of all buckets visible to the credentials.
func (s *Store) ListBuckets(ctx context.Context) (names []string, err error) {
	start := time.Now()
	defer func() { metrics.RecordOperation("list_buckets", start, err) }()

	names, err = s.objects.ListBuckets(ctx)
	if err != nil {
		return nil, accessError("list buckets", err)
	}
	return names, nil
}

// UploadBackup drains the stream into a staging file, uploads it as the data object and then
// writes the metadata object. If the metadata write fails the data object is removed again.
// The staging file is removed on every return path.
func (s *Store) UploadBackup(ctx context.Context, open OpenStream, b AgentBackup) (err error) {
	start := time.Now()
	defer func() { metrics.RecordOperation("upload", start, err) }()

	if err := ValidateID(b.BackupID); err != nil {
		return transferError("upload", "", err)
	}
	filename, err := s.filename(b)
	if err != nil {
		return transferError("upload", "", fmt.Errorf("failed to derive filename for backup %s: %w", b.BackupID, err))
	}
	dataKey := s.loc.DataKey(filename)
	metadataKey := s.loc.MetadataKey(b.BackupID)
	body, err := b.Marshal()
	if err != nil {
		return transferError("upload", metadataKey, err)
	}

	stream, err := open(ctx)
	if err != nil {
		return transferError("open stream", dataKey, err)
	}

	staging, err := createStagingFile(s.stagingDir, "upload-*.tar")
	if err != nil {
		_ = stream.Close()
		return transferError("upload", dataKey, err)
	}
	defer removeStagingFile(staging.Name(), s.secureDelete)
	defer func() { _ = staging.Close() }()

	size, err := drain(ctx, staging, stream)
	if closeErr := stream.Close(); closeErr != nil {
		log.Warn().Err(closeErr).Str("component", "backup").Str("backup_id", b.BackupID).Msg("Failed to close upload stream")
	}
	if err != nil {
		return transferError("stage", dataKey, err)
	}
	if _, err := staging.Seek(0, io.SeekStart); err != nil {
		return transferError("stage", dataKey, fmt.Errorf("failed to rewind staging file: %w", err))
	}

	log.Debug().
		Str("component", "backup").
		Str("backup_id", b.BackupID).
		Str("bucket", s.loc.Bucket).
		Str("key", dataKey).
		Str("size", humanize.IBytes(uint64(size))).
		Msg("Uploading backup archive")

	objectMetadata := map[string]string{
		"backup_id":   b.BackupID,
		"instance_id": s.instanceID,
	}
	if err := s.objects.UploadFile(ctx, dataKey, staging, size, objectMetadata); err != nil {
		return transferError("upload", dataKey, err)
	}
	metrics.RecordBytes("upload", size)

	log.Debug().Str("component", "backup").Str("backup_id", b.BackupID).Str("key", metadataKey).Msg("Storing backup metadata")
	if err := s.objects.PutObject(ctx, metadataKey, body, "application/json"); err != nil {
		s.rollbackData(ctx, b.BackupID, dataKey)
		return transferError("upload", metadataKey, err)
	}

	log.Info().
		Str("component", "backup").
		Str("backup_id", b.BackupID).
		Str("key", dataKey).
		Str("size", humanize.IBytes(uint64(size))).
		Dur("duration", time.Since(start)).
		Msg("Backup uploaded")
	return nil
}

// rollbackData removes a data object whose metadata could not be written.
func (s *Store) rollbackData(ctx context.Context, backupID, dataKey string) {
	rbCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), rollbackTimeout)
	defer cancel()
	if err := s.objects.DeleteObject(rbCtx, dataKey); err != nil {
		log.Error().Err(err).Str("component", "backup").Str("backup_id", backupID).Str("key", dataKey).
			Msg("Failed to remove archive after metadata write failure, it is now an orphan")
		return
	}
	log.Warn().Str("component", "backup").Str("backup_id", backupID).Str("key", dataKey).
		Msg("Removed archive after metadata write failure")
}

// ListBackups returns every backup with a readable metadata object. A failure fetching any
// metadata object fails the whole call; documents that cannot be decoded are skipped.
func (s *Store) ListBackups(ctx context.Context) (backups []AgentBackup, err error) {
	start := time.Now()
	defer func() { metrics.RecordOperation("list", start, err) }()

	prefix := s.loc.MetadataPrefix()
	log.Debug().Str("component", "backup").Str("prefix", prefix).Msg("Listing backup metadata")

	objects, err := s.objects.ListObjects(ctx, prefix, false)
	if err != nil {
		return nil, transferError("list", prefix, err)
	}

	backups = make([]AgentBackup, 0, len(objects))
	for _, obj := range objects {
		id, ok := s.loc.backupIDFromMetadataKey(obj.Key)
		if !ok {
			log.Debug().Str("component", "backup").Str("key", obj.Key).Msg("Ignoring non-metadata object")
			continue
		}
		data, err := s.objects.GetObject(ctx, obj.Key)
		if err != nil {
			if errors.Is(err, ErrNoSuchKey) {
				// deleted between list and get
				continue
			}
			return nil, transferError("list", obj.Key, err)
		}
		b, err := ParseAgentBackup(data)
		if err != nil {
			metrics.SkippedMetadata.Inc()
			log.Warn().Err(err).Str("component", "backup").Str("key", obj.Key).Msg("Skipping unreadable backup metadata")
			continue
		}
		if b.BackupID != id {
			log.Warn().Str("component", "backup").Str("key", obj.Key).Str("backup_id", b.BackupID).
				Msg("Metadata backup_id does not match its key")
		}
		backups = append(backups, b)
	}

	if len(backups) == 0 {
		log.Info().Str("component", "backup").Str("prefix", prefix).Msg("No backup metadata found")
	}
	return backups, nil
}

// GetBackup returns the record stored for backupID.
func (s *Store) GetBackup(ctx context.Context, backupID string) (b AgentBackup, err error) {
	start := time.Now()
	defer func() { metrics.RecordOperation("get", start, err) }()

	b, _, err = s.resolve(ctx, "get", backupID)
	return b, err
}

// DownloadBackup fetches the archive of backupID into a staging file and returns its path.
// The file carries the archive's own name. The caller owns it and removes it with RemoveDownload.
func (s *Store) DownloadBackup(ctx context.Context, backupID string) (path string, err error) {
	start := time.Now()
	defer func() { metrics.RecordOperation("download", start, err) }()

	_, dataKey, err := s.resolve(ctx, "download", backupID)
	if err != nil {
		return "", err
	}

	filename := strings.ReplaceAll(strings.TrimPrefix(dataKey, s.loc.Prefix), "/", "_")
	staging, err := createDownloadFile(s.stagingDir, filename)
	if err != nil {
		return "", transferError("download", dataKey, err)
	}

	log.Debug().Str("component", "backup").Str("backup_id", backupID).Str("key", dataKey).
		Str("path", util.SanitizePath(staging.Name())).Msg("Downloading backup archive")

	n, err := s.objects.DownloadFile(ctx, dataKey, staging)
	closeErr := staging.Close()
	if err == nil && closeErr != nil {
		err = fmt.Errorf("failed to close staging file: %w", closeErr)
	}
	if err != nil {
		RemoveDownload(staging.Name(), s.secureDelete)
		if errors.Is(err, ErrNoSuchKey) {
			log.Warn().Str("component", "backup").Str("backup_id", backupID).Str("key", dataKey).
				Msg("Backup metadata exists but its archive is missing")
		}
		return "", classify("download", dataKey, err)
	}
	metrics.RecordBytes("download", n)

	log.Info().
		Str("component", "backup").
		Str("backup_id", backupID).
		Str("path", util.SanitizePath(staging.Name())).
		Str("size", humanize.IBytes(uint64(n))).
		Msg("Backup downloaded")
	return staging.Name(), nil
}

// DeleteBackup removes the archive and then the metadata object of backupID.
// An archive that is already gone is not an error.
func (s *Store) DeleteBackup(ctx context.Context, backupID string) (err error) {
	start := time.Now()
	defer func() { metrics.RecordOperation("delete", start, err) }()

	_, dataKey, err := s.resolve(ctx, "delete", backupID)
	if err != nil {
		return err
	}

	log.Debug().Str("component", "backup").Str("key", dataKey).Msg("Deleting backup archive")
	if err := s.objects.DeleteObject(ctx, dataKey); err != nil && !errors.Is(err, ErrNoSuchKey) {
		return transferError("delete", dataKey, err)
	}

	metadataKey := s.loc.MetadataKey(backupID)
	log.Debug().Str("component", "backup").Str("key", metadataKey).Msg("Deleting backup metadata")
	if err := s.objects.DeleteObject(ctx, metadataKey); err != nil && !errors.Is(err, ErrNoSuchKey) {
		return transferError("delete", metadataKey, err)
	}

	log.Info().Str("component", "backup").Str("backup_id", backupID).Msg("Backup deleted")
	return nil
}

// resolve loads the metadata of backupID and derives its data key.
func (s *Store) resolve(ctx context.Context, op, backupID string) (AgentBackup, string, error) {
	if err := ValidateID(backupID); err != nil {
		return AgentBackup{}, "", notFoundError(op, backupID, err)
	}
	metadataKey := s.loc.MetadataKey(backupID)
	data, err := s.objects.GetObject(ctx, metadataKey)
	if err != nil {
		return AgentBackup{}, "", classify(op, metadataKey, err)
	}
	b, err := ParseAgentBackup(data)
	if err != nil {
		return AgentBackup{}, "", transferError(op, metadataKey, err)
	}
	filename, err := s.filename(b)
	if err != nil {
		return AgentBackup{}, "", transferError(op, metadataKey, err)
	}
	return b, s.loc.DataKey(filename), nil
}

// ErrInvalidBackupID is returned for ids that cannot be encoded in a metadata key.
var ErrInvalidBackupID = errors.New("invalid backup id")

// ValidateID reports whether id can name a backup: it must be non-empty and free of "/".
func ValidateID(id string) error {
	if id == "" || strings.Contains(id, "/") {
		return fmt.Errorf("%w: %q", ErrInvalidBackupID, id)
	}
	return nil
}
