package backup

import (
	"strings"
)

const (
	// DefaultPrefix is the bucket path used when none is configured.
	DefaultPrefix = "homeassistant-backups/"

	metadataDir    = "metadata/"
	metadataSuffix = ".json"
)

// Location is a bucket plus a normalized key prefix.
type Location struct {
	Bucket string
	Prefix string
}

// NewLocation returns a Location with its prefix normalized.
func NewLocation(bucket, prefix string) Location {
	return Location{Bucket: bucket, Prefix: NormalizePrefix(prefix)}
}

// NormalizePrefix trims whitespace, drops leading slashes, collapses repeated slashes
// and makes a non-empty prefix end with exactly one "/".
//
//	"my/backups"   -> "my/backups/"
//	"/my//backups/" -> "my/backups/"
//	"/"            -> ""
func NormalizePrefix(prefix string) string {
	parts := strings.Split(strings.TrimSpace(prefix), "/")
	kept := parts[:0]
	for _, p := range parts {
		if p != "" {
			kept = append(kept, p)
		}
	}
	if len(kept) == 0 {
		return ""
	}
	return strings.Join(kept, "/") + "/"
}

// DataKey is the key of the archive object for a filename.
func (l Location) DataKey(filename string) string {
	return l.Prefix + filename
}

// MetadataPrefix is the key prefix under which every metadata object lives.
func (l Location) MetadataPrefix() string {
	return l.Prefix + metadataDir
}

// MetadataKey is the key of the metadata object for a backup id.
func (l Location) MetadataKey(backupID string) string {
	return l.MetadataPrefix() + backupID + metadataSuffix
}

// backupIDFromMetadataKey returns the id encoded in a metadata key, or false when the key
// is not a direct child of the metadata prefix with a .json suffix.
func (l Location) backupIDFromMetadataKey(key string) (string, bool) {
	rest, ok := strings.CutPrefix(key, l.MetadataPrefix())
	if !ok || strings.Contains(rest, "/") {
		return "", false
	}
	id, ok := strings.CutSuffix(rest, metadataSuffix)
	if !ok || id == "" {
		return "", false
	}
	return id, true
}
