// Package pg implements the backup data source against a live PostgreSQL
// instance: a SQL session for backup markers and catalog reads, plus a
// physical replication connection for slots and WAL streaming.
package pg

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/hashmap-kz/pgbasebackup/internal/basebackup"
	"github.com/hashmap-kz/pgbasebackup/internal/core/conv"
	"github.com/hashmap-kz/pgbasebackup/internal/core/xlog"
)

var _ basebackup.Source = (*Conn)(nil)

const (
	// READ_REPLICATION_SLOT and pg_backup_start/stop appeared in v15
	minServerVersion = 150000

	duplicateObjectSQLState = "42710"
)

type ConnectOptions struct {
	// ConnString in keyword or URL form; empty falls back to PG* env vars.
	ConnString string
}

// Conn is a connected data source. The SQL session holds the backup
// markers open; the replication connection is opened on first use and
// owns any temporary slot for its lifetime.
type Conn struct {
	l *slog.Logger

	q        *pgx.Conn
	repl     *pgconn.PgConn
	replConf *pgconn.Config

	dataDir  string
	walSegSz uint64
}

// Connect opens the SQL session and reads the startup info the backup
// needs (server version, data directory, WAL segment size).
func Connect(ctx context.Context, opts ConnectOptions) (*Conn, error) {
	q, err := pgx.Connect(ctx, opts.ConnString)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}

	c := &Conn{
		l: slog.With("component", "pg-source"),
		q: q,
	}
	if err := c.readStartupInfo(ctx); err != nil {
		_ = q.Close(ctx)
		return nil, err
	}

	replConf, err := pgconn.ParseConfig(opts.ConnString)
	if err != nil {
		_ = q.Close(ctx)
		return nil, fmt.Errorf("parse connection string: %w", err)
	}
	if replConf.RuntimeParams == nil {
		replConf.RuntimeParams = map[string]string{}
	}
	replConf.RuntimeParams["replication"] = "yes"
	c.replConf = replConf

	return c, nil
}

func (c *Conn) readStartupInfo(ctx context.Context) error {
	v, err := c.GetParameter(ctx, "server_version_num")
	if err != nil {
		return err
	}
	serverVersion, err := strconv.ParseInt(v, 10, 32)
	if err != nil {
		return fmt.Errorf("parse server_version_num %q: %w", v, err)
	}
	if serverVersion < minServerVersion {
		return fmt.Errorf("unsupported server version %d, postgresql >=15 is required", serverVersion)
	}

	c.dataDir, err = c.GetParameter(ctx, "data_directory")
	if err != nil {
		return err
	}

	v, err = c.GetParameter(ctx, "wal_segment_size")
	if err != nil {
		return err
	}
	c.walSegSz, err = scanWalSegSize(v)
	if err != nil {
		return err
	}
	return nil
}

func (c *Conn) WalSegmentSize() uint64 { return c.walSegSz }
func (c *Conn) DataDirectory() string  { return c.dataDir }

// ConnInfo renders the connection string a restored standby would use to
// reach this source.
func (c *Conn) ConnInfo() string {
	cfg := c.q.Config()
	return fmt.Sprintf("host=%s port=%d user=%s", cfg.Host, cfg.Port, cfg.User)
}

// GetParameter reads one server setting.
func (c *Conn) GetParameter(ctx context.Context, name string) (string, error) {
	var value string
	err := c.q.QueryRow(ctx, "SELECT current_setting($1)", name).Scan(&value)
	if err != nil {
		return "", fmt.Errorf("read setting %s: %w", name, err)
	}
	return value, nil
}

// BeginBackup places the backup start marker and pins the start LSN and
// timeline. The marker stays open until EndBackup on this same session.
func (c *Conn) BeginBackup(ctx context.Context, label string, fast bool) (basebackup.BackupStart, error) {
	var start basebackup.BackupStart
	var err error
	var lsnStr string
	if err = c.q.QueryRow(ctx, "SELECT pg_backup_start($1, $2)::text", label, fast).Scan(&lsnStr); err != nil {
		err = fmt.Errorf("pg_backup_start: %w", err)
		return start, err
	}
	start.LSN, err = pglogrepl.ParseLSN(lsnStr)
	if err != nil {
		return start, fmt.Errorf("parse start lsn %q: %w", lsnStr, err)
	}

	var tli int64
	if err = c.q.QueryRow(ctx, "SELECT timeline_id FROM pg_control_checkpoint()").Scan(&tli); err != nil {
		return start, fmt.Errorf("read timeline: %w", err)
	}
	start.TimelineID = conv.ToUint32(tli)
	return start, nil
}

// EndBackup places the stop marker and returns the end LSN plus the
// backup_label contents.
func (c *Conn) EndBackup(ctx context.Context) (basebackup.BackupStop, error) {
	var stop basebackup.BackupStop
	var lsnStr string
	err := c.q.QueryRow(ctx, "SELECT lsn::text, labelfile FROM pg_backup_stop(true)").Scan(&lsnStr, &stop.LabelFile)
	if err != nil {
		return stop, fmt.Errorf("pg_backup_stop: %w", err)
	}
	stop.LSN, err = pglogrepl.ParseLSN(lsnStr)
	if err != nil {
		return stop, fmt.Errorf("parse stop lsn %q: %w", lsnStr, err)
	}
	return stop, nil
}

// SlotInfo reads one physical slot from pg_replication_slots.
func (c *Conn) SlotInfo(ctx context.Context, name string) (xlog.PhysicalSlot, error) {
	var (
		active     bool
		restartLSN *string
	)
	err := c.q.QueryRow(ctx,
		"SELECT active, restart_lsn::text FROM pg_replication_slots WHERE slot_type = 'physical' AND slot_name = $1",
		name,
	).Scan(&active, &restartLSN)
	if errors.Is(err, pgx.ErrNoRows) {
		return xlog.PhysicalSlot{Name: name}, xlog.ErrSlotDoesNotExist
	}
	if err != nil {
		return xlog.PhysicalSlot{}, fmt.Errorf("read slot %q: %w", name, err)
	}

	slot := xlog.PhysicalSlot{Name: name, Exists: true, Active: active}
	if restartLSN != nil {
		slot.RestartLSN, err = pglogrepl.ParseLSN(*restartLSN)
		if err != nil {
			return xlog.PhysicalSlot{}, fmt.Errorf("parse restart_lsn %q: %w", *restartLSN, err)
		}
	}
	return slot, nil
}

// CreateReplicationSlot registers a physical slot. Temporary slots live on
// the replication connection and vanish when it closes. A name collision
// comes back as xlog.ErrSlotAlreadyExists.
func (c *Conn) CreateReplicationSlot(ctx context.Context, name string, temporary bool) (xlog.PhysicalSlot, error) {
	conn, err := c.replConn(ctx)
	if err != nil {
		return xlog.PhysicalSlot{}, err
	}

	res, err := pglogrepl.CreateReplicationSlot(ctx, conn, name, "", pglogrepl.CreateReplicationSlotOptions{
		Temporary: temporary,
		Mode:      pglogrepl.PhysicalReplication,
	})
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == duplicateObjectSQLState {
			return xlog.PhysicalSlot{Name: name, Exists: true}, xlog.ErrSlotAlreadyExists
		}
		return xlog.PhysicalSlot{}, fmt.Errorf("create slot %q: %w", name, err)
	}

	slot := xlog.PhysicalSlot{Name: name, Exists: true}
	if res.ConsistentPoint != "" {
		if lsn, perr := pglogrepl.ParseLSN(res.ConsistentPoint); perr == nil {
			slot.RestartLSN = lsn
		}
	}
	return slot, nil
}

// replConn opens the physical replication connection on first use.
func (c *Conn) replConn(ctx context.Context) (*pgconn.PgConn, error) {
	if c.repl != nil {
		return c.repl, nil
	}
	conn, err := pgconn.ConnectConfig(ctx, c.replConf)
	if err != nil {
		return nil, fmt.Errorf("connect (replication): %w", err)
	}
	c.repl = conn
	return conn, nil
}

func (c *Conn) Close(ctx context.Context) error {
	var firstErr error
	if c.repl != nil {
		if err := c.repl.Close(ctx); err != nil {
			firstErr = err
		}
		c.repl = nil
	}
	if c.q != nil {
		if err := c.q.Close(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
		c.q = nil
	}
	return firstErr
}

// scanWalSegSize parses a wal_segment_size setting with units ("16MB")
// into bytes.
func scanWalSegSize(sizeStr string) (uint64, error) {
	if sizeStr == "" {
		return 0, fmt.Errorf("empty wal_segment_size")
	}

	var val int
	var unit string
	if _, err := fmt.Sscanf(sizeStr, "%d%2s", &val, &unit); err != nil {
		return 0, err
	}
	if val == 0 {
		return 0, fmt.Errorf("segment size cannot be zero")
	}

	var multiplier int
	switch unit {
	case "MB":
		multiplier = 1024 * 1024
	case "GB":
		multiplier = 1024 * 1024 * 1024
	default:
		return 0, fmt.Errorf("unknown unit: %s", unit)
	}

	segSize := conv.ToUint64(int64(val * multiplier))
	if !xlog.IsValidWalSegSize(segSize) {
		return 0, fmt.Errorf("wal_segment_size is out of range: %d", val)
	}
	return segSize, nil
}
