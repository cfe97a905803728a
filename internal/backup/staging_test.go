package backup

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateDownloadFile(t *testing.T) {
	tests := []string{
		"Full_2024-01-01_00.00_00000000.tar",
		"Backup*2_2024-01-01_00.00_00000000.tar",
		"download-1-a-b-c.tar",
	}

	for _, filename := range tests {
		t.Run(filename, func(t *testing.T) {
			dir := t.TempDir()

			f, err := createDownloadFile(dir, filename)
			require.NoError(t, err)
			require.NoError(t, f.Close())

			assert.Equal(t, filename, DownloadedFilename(f.Name()))
			assert.True(t, strings.HasPrefix(filepath.Base(filepath.Dir(f.Name())), "download-"))

			RemoveDownload(f.Name(), false)
			entries, err := os.ReadDir(dir)
			require.NoError(t, err)
			assert.Empty(t, entries)
		})
	}
}

func TestRemoveDownloadAfterMove(t *testing.T) {
	dir := t.TempDir()
	f, err := createDownloadFile(dir, "Full.tar")
	require.NoError(t, err)
	require.NoError(t, f.Close())
	require.NoError(t, os.Rename(f.Name(), filepath.Join(t.TempDir(), "Full.tar")))

	RemoveDownload(f.Name(), true)
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestRemoveDownloadKeepsForeignDirectory(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "archive.tar")
	require.NoError(t, os.WriteFile(path, []byte("archive"), 0o600))

	RemoveDownload(path, false)
	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(dir)
	assert.NoError(t, err)
}

func TestDrain(t *testing.T) {
	dir := t.TempDir()

	f, err := createStagingFile(dir, "drain-*")
	require.NoError(t, err)
	defer f.Close()

	n, err := drain(context.Background(), f, strings.NewReader("archive"))
	require.NoError(t, err)
	assert.Equal(t, int64(7), n)

	data, err := os.ReadFile(f.Name())
	require.NoError(t, err)
	assert.Equal(t, "archive", string(data))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = drain(ctx, f, strings.NewReader("more"))
	assert.ErrorIs(t, err, context.Canceled)

	_, err = createStagingFile(filepath.Join(dir, "missing"), "drain-*")
	assert.ErrorContains(t, err, "failed to create staging file")
}
