package util

import (
	"crypto/rand"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// RedactURL masks the first host label of an endpoint URL for logging.
// Example: "https://minio.example.com:9000" -> "***.example.com:9000"
func RedactURL(url string) string {
	if url == "" {
		return "none"
	}
	if _, rest, ok := strings.Cut(url, "."); ok {
		return "***." + rest
	}
	return "***"
}

// SanitizePath masks the second component of paths with more than three components.
// Example: "/var/lib/agent/upload-1.tar" -> "/var/***/agent/upload-1.tar"
func SanitizePath(path string) string {
	parts := strings.Split(path, "/")
	if len(parts) > 3 {
		parts[2] = "***"
	}
	return strings.Join(parts, "/")
}

// RedactKey keeps the first and last four characters of a secret.
func RedactKey(key string) string {
	if len(key) < 8 {
		return "***"
	}
	return key[:4] + "***" + key[len(key)-4:]
}

// SecureDelete removes a staging file, overwriting it with random data first when
// secureDeleteEnabled is set. A file that is already gone is ignored. Errors are logged.
func SecureDelete(path string, secureDeleteEnabled bool) {
	sanitizedPath := SanitizePath(path)
	if secureDeleteEnabled {
		if err := overwriteFile(path); err != nil {
			log.Error().Err(err).Str("path", sanitizedPath).Msg("Failed to overwrite file before removal")
		}
	}
	if err := os.Remove(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return
		}
		log.Warn().Err(err).Str("path", sanitizedPath).Msg("Failed to remove file")
		return
	}
	log.Debug().Str("component", "util").Str("path", sanitizedPath).Bool("secure", secureDeleteEnabled).Msg("File removed")
}

// WriteFileAtomic writes content to a temporary file next to path, syncs it and renames it
// into place.
func WriteFileAtomic(path string, content []byte, perm os.FileMode) (err error) {
	sanitizedPath := SanitizePath(path)
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temporary file for %s: %w", sanitizedPath, err)
	}
	defer func() {
		if err != nil {
			_ = os.Remove(tmp.Name())
		}
	}()

	if _, err = tmp.Write(content); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write %s: %w", sanitizedPath, err)
	}
	if err = tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to sync %s: %w", sanitizedPath, err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", sanitizedPath, err)
	}
	if err = os.Chmod(tmp.Name(), perm); err != nil {
		return fmt.Errorf("failed to set permissions on %s: %w", sanitizedPath, err)
	}
	if err = os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to move %s into place: %w", sanitizedPath, err)
	}
	return nil
}

// LoadOrCreateInstanceID returns the installation identifier stored at path, generating and
// persisting a new UUID when the file does not exist yet.
func LoadOrCreateInstanceID(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		if id := strings.TrimSpace(string(data)); id != "" {
			return id, nil
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("failed to read instance id from %s: %w", SanitizePath(path), err)
	}

	id := uuid.NewString()
	if err := WriteFileAtomic(path, []byte(id+"\n"), 0o600); err != nil {
		return "", err
	}
	log.Info().Str("component", "util").Str("instance_id", id).Msg("Generated new instance id")
	return id, nil
}

// overwriteFile fills a file with random bytes in a single pass and syncs it.
func overwriteFile(path string) error {
	file, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to open %s for overwrite: %w", SanitizePath(path), err)
	}
	defer func() { _ = file.Close() }()

	info, err := file.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat %s for overwrite: %w", SanitizePath(path), err)
	}

	buf := make([]byte, 32*1024)
	for remaining := info.Size(); remaining > 0; {
		chunk := buf
		if int64(len(chunk)) > remaining {
			chunk = chunk[:remaining]
		}
		if _, err := rand.Read(chunk); err != nil {
			return fmt.Errorf("failed to read random data: %w", err)
		}
		n, err := file.Write(chunk)
		if err != nil {
			return fmt.Errorf("failed to overwrite %s: %w", SanitizePath(path), err)
		}
		remaining -= int64(n)
	}
	return file.Sync()
}
