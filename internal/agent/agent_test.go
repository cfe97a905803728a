package agent

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/d4rkfella/s3-backup-agent/internal/backup"
)

type mockStore struct {
	mock.Mock
}

func (m *mockStore) UploadBackup(ctx context.Context, open backup.OpenStream, b backup.AgentBackup) error {
	return m.Called(ctx, b).Error(0)
}

func (m *mockStore) ListBackups(ctx context.Context) ([]backup.AgentBackup, error) {
	args := m.Called(ctx)
	backups, _ := args.Get(0).([]backup.AgentBackup)
	return backups, args.Error(1)
}

func (m *mockStore) GetBackup(ctx context.Context, backupID string) (backup.AgentBackup, error) {
	args := m.Called(ctx, backupID)
	return args.Get(0).(backup.AgentBackup), args.Error(1)
}

func (m *mockStore) DownloadBackup(ctx context.Context, backupID string) (string, error) {
	args := m.Called(ctx, backupID)
	return args.String(0), args.Error(1)
}

func (m *mockStore) DeleteBackup(ctx context.Context, backupID string) error {
	return m.Called(ctx, backupID).Error(0)
}

var (
	notFoundErr = &backup.OpError{Op: "get", Key: "metadata/abc.json", Kind: backup.ErrNotFound, Err: backup.ErrNoSuchKey}
	transferErr = &backup.OpError{Op: "list", Key: "metadata/", Kind: backup.ErrTransfer, Err: errors.New("connection reset")}
	accessErr   = &backup.OpError{Op: "head bucket b", Kind: backup.ErrAccess, Err: errors.New("forbidden")}
)

func TestNew(t *testing.T) {
	a := New(new(mockStore), "", "9F2C-41aa Bucket")
	assert.Equal(t, Domain, a.Domain())
	assert.Equal(t, DefaultName, a.Name())
	assert.Equal(t, "9f2c_41aa_bucket", a.UniqueID())

	a = New(new(mockStore), "Offsite", "id")
	assert.Equal(t, "Offsite", a.Name())
}

func TestErrorMapping(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name         string
		storeErr     error
		wantNotFound bool
	}{
		{"not found", notFoundErr, true},
		{"transfer", transferErr, false},
		{"access", accessErr, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := new(mockStore)
			s.On("UploadBackup", ctx, mock.Anything).Return(tt.storeErr)
			s.On("ListBackups", ctx).Return(nil, tt.storeErr)
			s.On("GetBackup", ctx, "abc").Return(backup.AgentBackup{}, tt.storeErr)
			s.On("DownloadBackup", ctx, "abc").Return("", tt.storeErr)
			s.On("DeleteBackup", ctx, "abc").Return(tt.storeErr)
			a := New(s, "", "id")

			open := func(ctx context.Context) (io.ReadCloser, error) {
				return io.NopCloser(strings.NewReader("data")), nil
			}
			_, listErr := a.ListBackups(ctx)
			_, getErr := a.GetBackup(ctx, "abc")
			_, downloadErr := a.DownloadBackup(ctx, "abc")
			errs := map[string]error{
				"upload backup":   a.UploadBackup(ctx, open, backup.AgentBackup{BackupID: "abc"}),
				"list backups":    listErr,
				"get backup":      getErr,
				"download backup": downloadErr,
				"delete backup":   a.DeleteBackup(ctx, "abc"),
			}

			for op, err := range errs {
				require.Error(t, err, op)
				assert.ErrorIs(t, err, tt.storeErr, op)
				if tt.wantNotFound {
					assert.ErrorIs(t, err, ErrBackupNotFound, op)
					assert.Equal(t, 1, strings.Count(err.Error(), "not found"), op)
					continue
				}
				assert.NotErrorIs(t, err, ErrBackupNotFound, op)
				var agentErr *AgentError
				require.ErrorAs(t, err, &agentErr, op)
				assert.Equal(t, op, agentErr.Op)
				assert.Contains(t, err.Error(), "failed to "+op)
			}
		})
	}
}

func TestDelegation(t *testing.T) {
	ctx := context.Background()
	record := backup.AgentBackup{BackupID: "abc", Name: "Full"}

	s := new(mockStore)
	s.On("UploadBackup", ctx, record).Return(nil)
	s.On("ListBackups", ctx).Return([]backup.AgentBackup{record}, nil)
	s.On("GetBackup", ctx, "abc").Return(record, nil)
	s.On("DownloadBackup", ctx, "abc").Return("/tmp/download-1-Full.tar", nil)
	s.On("DeleteBackup", ctx, "abc").Return(nil)
	a := New(s, "", "id")

	require.NoError(t, a.UploadBackup(ctx, nil, record))

	backups, err := a.ListBackups(ctx)
	require.NoError(t, err)
	assert.Equal(t, []backup.AgentBackup{record}, backups)

	got, err := a.GetBackup(ctx, "abc")
	require.NoError(t, err)
	assert.Equal(t, record, got)

	path, err := a.DownloadBackup(ctx, "abc")
	require.NoError(t, err)
	assert.Equal(t, "/tmp/download-1-Full.tar", path)

	require.NoError(t, a.DeleteBackup(ctx, "abc"))
	s.AssertExpectations(t)
}
