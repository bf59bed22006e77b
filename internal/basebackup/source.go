package basebackup

import (
	"context"

	"github.com/jackc/pglogrepl"

	"github.com/hashmap-kz/pgbasebackup/internal/walstream"
)

// BackupStart is the result of placing the backup start marker.
type BackupStart struct {
	LSN        pglogrepl.LSN
	TimelineID uint32
}

// BackupStop is the result of placing the backup stop marker. LabelFile
// carries the backup_label contents the restored cluster needs.
type BackupStop struct {
	LSN       pglogrepl.LSN
	LabelFile string
}

// Source is the data-source collaborator of a backup session. Every call
// is a suspension point and may fail with a connection or permission error.
type Source interface {
	walstream.WALSource
	walstream.SlotSource

	// BeginBackup places the backup start marker and returns the start LSN.
	BeginBackup(ctx context.Context, label string, fast bool) (BackupStart, error)
	// EndBackup places the backup stop marker and returns the end LSN.
	EndBackup(ctx context.Context) (BackupStop, error)

	// GetParameter reads one server setting (wal_level and friends).
	GetParameter(ctx context.Context, name string) (string, error)
	// DataDirectory is the source tree the scanner walks.
	DataDirectory() string
	// ConnInfo renders the connection string a restored standby would use.
	ConnInfo() string

	Close(ctx context.Context) error
}
