// Package agent exposes the backup store through the host platform's backup-agent contract.
package agent

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/d4rkfella/s3-backup-agent/internal/backup"
)

// Domain identifies this agent to the host platform.
const Domain = "amazon_s3_backup"

// DefaultName is the agent name used when none is configured.
const DefaultName = "Amazon S3 Backup"

// ErrBackupNotFound is returned when the requested backup does not exist.
var ErrBackupNotFound = errors.New("backup not found")

// AgentError reports a failed agent operation. Err is the underlying storage error.
type AgentError struct {
	Op  string
	Err error
}

func (e *AgentError) Error() string {
	return fmt.Sprintf("failed to %s: %v", e.Op, e.Err)
}

func (e *AgentError) Unwrap() error {
	return e.Err
}

// BackupAgent is the capability the host platform consumes.
type BackupAgent interface {
	UploadBackup(ctx context.Context, open backup.OpenStream, b backup.AgentBackup) error
	ListBackups(ctx context.Context) ([]backup.AgentBackup, error)
	GetBackup(ctx context.Context, backupID string) (backup.AgentBackup, error)
	DownloadBackup(ctx context.Context, backupID string) (string, error)
	DeleteBackup(ctx context.Context, backupID string) error
}

// store is the part of *backup.Store the agent delegates to.
type store interface {
	UploadBackup(ctx context.Context, open backup.OpenStream, b backup.AgentBackup) error
	ListBackups(ctx context.Context) ([]backup.AgentBackup, error)
	GetBackup(ctx context.Context, backupID string) (backup.AgentBackup, error)
	DownloadBackup(ctx context.Context, backupID string) (string, error)
	DeleteBackup(ctx context.Context, backupID string) error
}

// Agent implements BackupAgent over a backup store.
type Agent struct {
	store    store
	name     string
	uniqueID string
}

var (
	_ BackupAgent = (*Agent)(nil)
	_ store       = (*backup.Store)(nil)
)

// New returns an Agent named name. The unique id is the slug of instanceID.
func New(s store, name, instanceID string) *Agent {
	if name == "" {
		name = DefaultName
	}
	return &Agent{store: s, name: name, uniqueID: slugify(instanceID)}
}

// Domain returns the host integration domain.
func (a *Agent) Domain() string { return Domain }

// Name returns the display name.
func (a *Agent) Name() string { return a.name }

// UniqueID returns the agent id, unique per installation.
func (a *Agent) UniqueID() string { return a.uniqueID }

// UploadBackup stores the archive produced by open together with its record.
func (a *Agent) UploadBackup(ctx context.Context, open backup.OpenStream, b backup.AgentBackup) error {
	log.Debug().Str("component", "agent").Str("backup_id", b.BackupID).Msg("Uploading backup")
	if err := a.store.UploadBackup(ctx, open, b); err != nil {
		return wrap("upload backup", err)
	}
	log.Debug().Str("component", "agent").Str("backup_id", b.BackupID).Msg("Successfully uploaded backup")
	return nil
}

// ListBackups returns all stored backups.
func (a *Agent) ListBackups(ctx context.Context) ([]backup.AgentBackup, error) {
	backups, err := a.store.ListBackups(ctx)
	if err != nil {
		return nil, wrap("list backups", err)
	}
	log.Debug().Str("component", "agent").Int("count", len(backups)).Msg("Retrieved backups")
	return backups, nil
}

// GetBackup returns the record of backupID.
func (a *Agent) GetBackup(ctx context.Context, backupID string) (backup.AgentBackup, error) {
	b, err := a.store.GetBackup(ctx, backupID)
	if err != nil {
		return backup.AgentBackup{}, wrap("get backup", err)
	}
	return b, nil
}

// DownloadBackup fetches the archive of backupID and returns the local path. The caller
// removes the file.
func (a *Agent) DownloadBackup(ctx context.Context, backupID string) (string, error) {
	log.Debug().Str("component", "agent").Str("backup_id", backupID).Msg("Downloading backup")
	path, err := a.store.DownloadBackup(ctx, backupID)
	if err != nil {
		return "", wrap("download backup", err)
	}
	return path, nil
}

// DeleteBackup removes backupID.
func (a *Agent) DeleteBackup(ctx context.Context, backupID string) error {
	log.Debug().Str("component", "agent").Str("backup_id", backupID).Msg("Deleting backup")
	if err := a.store.DeleteBackup(ctx, backupID); err != nil {
		return wrap("delete backup", err)
	}
	return nil
}

// wrap maps storage errors onto the agent vocabulary. A missing backup keeps the
// storage error in its chain so the key stays visible in logs.
func wrap(op string, err error) error {
	if errors.Is(err, backup.ErrNotFound) {
		return fmt.Errorf("%w: %w", ErrBackupNotFound, err)
	}
	return &AgentError{Op: op, Err: err}
}

var nonSlug = regexp.MustCompile(`[^a-z0-9]+`)

func slugify(s string) string {
	return strings.Trim(nonSlug.ReplaceAllString(strings.ToLower(s), "_"), "_")
}
