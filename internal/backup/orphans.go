package backup

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/d4rkfella/s3-backup-agent/internal/metrics"
)

// OrphanReport lists objects that exist without their counterpart.
type OrphanReport struct {
	// UnindexedArchives are archive keys directly under the prefix with no metadata object.
	UnindexedArchives []ObjectInfo `json:"unindexed_archives"`
	// MissingArchives are backups whose metadata points at an archive that does not exist.
	MissingArchives []AgentBackup `json:"missing_archives"`
}

// Empty reports whether the scan found nothing.
func (r OrphanReport) Empty() bool {
	return len(r.UnindexedArchives) == 0 && len(r.MissingArchives) == 0
}

// FindOrphans compares the metadata index with the archives stored under the prefix.
// Only ".tar" objects directly under the prefix are considered archives.
func (s *Store) FindOrphans(ctx context.Context) (report OrphanReport, err error) {
	start := time.Now()
	defer func() { metrics.RecordOperation("orphans", start, err) }()

	backups, err := s.ListBackups(ctx)
	if err != nil {
		return OrphanReport{}, err
	}

	objects, err := s.objects.ListObjects(ctx, s.loc.Prefix, false)
	if err != nil {
		return OrphanReport{}, transferError("orphans", s.loc.Prefix, err)
	}

	archives := make(map[string]ObjectInfo, len(objects))
	for _, obj := range objects {
		rest := strings.TrimPrefix(obj.Key, s.loc.Prefix)
		if rest == "" || strings.Contains(rest, "/") || !strings.HasSuffix(rest, ".tar") {
			continue
		}
		archives[obj.Key] = obj
	}

	indexed := make(map[string]struct{}, len(backups))
	for _, b := range backups {
		filename, err := s.filename(b)
		if err != nil {
			log.Warn().Err(err).Str("component", "backup").Str("backup_id", b.BackupID).Msg("Cannot derive archive name for backup")
			continue
		}
		key := s.loc.DataKey(filename)
		indexed[key] = struct{}{}
		if _, ok := archives[key]; !ok {
			report.MissingArchives = append(report.MissingArchives, b)
		}
	}

	for key, obj := range archives {
		if _, ok := indexed[key]; !ok {
			report.UnindexedArchives = append(report.UnindexedArchives, obj)
		}
	}

	metrics.Orphans.WithLabelValues("unindexed_archive").Set(float64(len(report.UnindexedArchives)))
	metrics.Orphans.WithLabelValues("missing_archive").Set(float64(len(report.MissingArchives)))

	log.Info().
		Str("component", "backup").
		Int("backups", len(backups)).
		Int("unindexed_archives", len(report.UnindexedArchives)).
		Int("missing_archives", len(report.MissingArchives)).
		Msg("Orphan scan finished")
	return report, nil
}
