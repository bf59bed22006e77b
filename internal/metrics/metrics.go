// Package metrics exposes Prometheus instrumentation for backup sessions.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BackupsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pgbasebackup_backups_started_total",
		Help: "Number of backup sessions started.",
	})

	BackupsFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pgbasebackup_backups_failed_total",
		Help: "Number of backup sessions aborted with a fatal error.",
	})

	FilesCopied = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pgbasebackup_files_copied_total",
		Help: "Number of files emitted to the output writer.",
	})

	BytesCopied = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pgbasebackup_bytes_copied_total",
		Help: "Bytes emitted to the output writer.",
	})

	ChecksumFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pgbasebackup_checksum_failures_total",
		Help: "Page checksum mismatches detected during verification.",
	})

	backupDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "pgbasebackup_backup_duration_seconds",
		Help:    "Wall-clock duration of completed backup sessions.",
		Buckets: prometheus.ExponentialBuckets(1, 2, 14),
	})
)

// NewBackupTimer times one session; call ObserveDuration on success.
func NewBackupTimer() *prometheus.Timer {
	return prometheus.NewTimer(backupDuration)
}
