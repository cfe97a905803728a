package backup

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// AddonInfo describes an add-on included in a backup.
type AddonInfo struct {
	Name    string `json:"name"`
	Slug    string `json:"slug"`
	Version string `json:"version"`
}

// AgentBackup is the backup record stored as the metadata object of each backup.
// The JSON keys match the host platform's backup serialization.
type AgentBackup struct {
	BackupID              string         `json:"backup_id"`
	Name                  string         `json:"name"`
	Date                  string         `json:"date"`
	Size                  int64          `json:"size"`
	Protected             bool           `json:"protected"`
	DatabaseIncluded      bool           `json:"database_included"`
	HomeAssistantIncluded bool           `json:"homeassistant_included"`
	HomeAssistantVersion  *string        `json:"homeassistant_version"`
	Addons                []AddonInfo    `json:"addons"`
	Folders               []string       `json:"folders"`
	ExtraMetadata         map[string]any `json:"extra_metadata"`
}

// ErrMissingBackupID is returned when a record has no backup_id.
var ErrMissingBackupID = errors.New("backup record has no backup_id")

// FilenameFunc derives the data object filename from a backup record.
type FilenameFunc func(b AgentBackup) (string, error)

// dateLayouts are the ISO-8601 forms accepted for a record date.
var dateLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

// Time parses the record's ISO-8601 date. A date without an offset is taken as UTC.
func (b AgentBackup) Time() (time.Time, error) {
	var firstErr error
	for _, layout := range dateLayouts {
		t, err := time.Parse(layout, b.Date)
		if err == nil {
			return t, nil
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	return time.Time{}, fmt.Errorf("invalid backup date %q: %w", b.Date, firstErr)
}

// SuggestedFilename returns "{name}_{YYYY-MM-DD}_{HH.MM}_{SSffffff}.tar" with every run of
// whitespace collapsed into a single underscore. The date keeps its own UTC offset.
// Slashes in the name become underscores so the archive stays directly under the prefix.
func SuggestedFilename(b AgentBackup) (string, error) {
	t, err := b.Time()
	if err != nil {
		return "", err
	}
	name := strings.ReplaceAll(b.Name, "/", "_")
	stamp := fmt.Sprintf("%s%06d", t.Format("2006-01-02 15.04 05"), t.Nanosecond()/1000)
	return strings.Join(strings.Fields(name+" "+stamp+".tar"), "_"), nil
}

// Marshal encodes the record as the metadata object body.
func (b AgentBackup) Marshal() ([]byte, error) {
	if b.BackupID == "" {
		return nil, ErrMissingBackupID
	}
	if b.Addons == nil {
		b.Addons = []AddonInfo{}
	}
	if b.Folders == nil {
		b.Folders = []string{}
	}
	if b.ExtraMetadata == nil {
		b.ExtraMetadata = map[string]any{}
	}
	return json.Marshal(b)
}

// ParseAgentBackup decodes a metadata object body.
func ParseAgentBackup(data []byte) (AgentBackup, error) {
	var b AgentBackup
	if err := json.Unmarshal(data, &b); err != nil {
		return AgentBackup{}, fmt.Errorf("failed to decode backup metadata: %w", err)
	}
	if b.BackupID == "" {
		return AgentBackup{}, ErrMissingBackupID
	}
	return b, nil
}
