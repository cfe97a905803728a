package backup

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/d4rkfella/s3-backup-agent/internal/util"
)

func createStagingFile(dir, pattern string) (*os.File, error) {
	f, err := os.CreateTemp(dir, pattern)
	if err != nil {
		return nil, fmt.Errorf("failed to create staging file in %s: %w", util.SanitizePath(dir), err)
	}
	log.Trace().Str("component", "backup").Str("path", util.SanitizePath(f.Name())).Msg("Staging file created")
	return f, nil
}

const downloadDirPrefix = "download-"

// createDownloadFile creates filename inside a new private directory under dir so the
// archive keeps its exact name.
func createDownloadFile(dir, filename string) (*os.File, error) {
	downloadDir, err := os.MkdirTemp(dir, downloadDirPrefix+"*")
	if err != nil {
		return nil, fmt.Errorf("failed to create staging directory in %s: %w", util.SanitizePath(dir), err)
	}
	f, err := os.OpenFile(filepath.Join(downloadDir, filename), os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		_ = os.Remove(downloadDir)
		return nil, fmt.Errorf("failed to create staging file in %s: %w", util.SanitizePath(downloadDir), err)
	}
	log.Trace().Str("component", "backup").Str("path", util.SanitizePath(f.Name())).Msg("Staging file created")
	return f, nil
}

// DownloadedFilename returns the archive filename of a file created by DownloadBackup.
func DownloadedFilename(path string) string {
	return filepath.Base(path)
}

// RemoveDownload removes a file returned by DownloadBackup and its staging directory.
// The file may already have been moved away.
func RemoveDownload(path string, secure bool) {
	util.SecureDelete(path, secure)
	dir := filepath.Dir(path)
	if !strings.HasPrefix(filepath.Base(dir), downloadDirPrefix) {
		return
	}
	if err := os.Remove(dir); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Warn().Err(err).Str("component", "backup").Str("path", util.SanitizePath(dir)).Msg("Failed to remove staging directory")
	}
}

func removeStagingFile(path string, secure bool) {
	util.SecureDelete(path, secure)
}

// contextReader fails reads once ctx is done, so a stalled or cancelled drain stops early.
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (cr *contextReader) Read(p []byte) (int, error) {
	if err := cr.ctx.Err(); err != nil {
		return 0, err
	}
	return cr.r.Read(p)
}

// drain copies the whole stream into the staging file and syncs it.
func drain(ctx context.Context, dst *os.File, src io.Reader) (int64, error) {
	n, err := io.Copy(dst, &contextReader{ctx: ctx, r: src})
	if err != nil {
		return n, fmt.Errorf("failed to write stream to staging file after %d bytes: %w", n, err)
	}
	if err := dst.Sync(); err != nil {
		return n, fmt.Errorf("failed to sync staging file: %w", err)
	}
	return n, nil
}
