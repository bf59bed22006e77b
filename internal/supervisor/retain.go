package supervisor

import (
	"slices"
	"time"
)

// filterBackupsToDelete returns the backup dir names older than keepPeriod.
// backupDirs: dir names in "YYYYMMDDHHMMSS" format; other names are
// skipped. now: optional, zero means time.Now().
func filterBackupsToDelete(backupDirs []string, keepPeriod time.Duration, now time.Time) []string {
	if now.IsZero() {
		now = time.Now()
	}
	cutoff := now.Add(-keepPeriod)

	toDelete := []string{}
	for _, dir := range backupDirs {
		t, err := time.Parse(backupDirLayout, dir)
		if err != nil {
			continue
		}
		if t.Before(cutoff) {
			toDelete = append(toDelete, dir)
		}
	}
	slices.Sort(toDelete)
	return toDelete
}
