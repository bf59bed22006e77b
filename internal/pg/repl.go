package pg

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgproto3"

	"github.com/hashmap-kz/pgbasebackup/internal/core/conv"
	"github.com/hashmap-kz/pgbasebackup/internal/core/xlog"
	"github.com/hashmap-kz/pgbasebackup/internal/walstream"
)

const standbyMessageTimeout = 10 * time.Second

// StreamWAL streams physical WAL from start until the position announced
// on stop is reached. Completed segments are emitted through sink at full
// segment size; the final segment is zero-padded.
func (c *Conn) StreamWAL(
	ctx context.Context,
	tli uint32,
	start pglogrepl.LSN,
	slot string,
	stop <-chan pglogrepl.LSN,
	sink xlog.SegmentSink,
) error {
	conn, err := c.replConn(ctx)
	if err != nil {
		return err
	}

	// streaming always begins at a segment boundary
	startPos := uint64(start) - xlog.XLogSegmentOffset(uint64(start), c.walSegSz)

	timeline, err := conv.Uint32ToInt32(tli)
	if err != nil {
		return err
	}
	err = pglogrepl.StartReplication(ctx, conn, slot, pglogrepl.LSN(startPos), pglogrepl.StartReplicationOptions{
		Timeline: timeline,
		Mode:     pglogrepl.PhysicalReplication,
	})
	if err != nil {
		return fmt.Errorf("start replication: %w", err)
	}

	c.l.Info("replication started",
		slog.String("lsn", pglogrepl.LSN(startPos).String()),
		slog.Uint64("tli", uint64(tli)),
		slog.String("slot", slot),
	)

	asm := &segmentAssembler{tli: tli, walSegSz: c.walSegSz, sink: sink}
	blockPos := startPos
	var endPos pglogrepl.LSN
	var lastStatus time.Time

	for {
		select {
		case lsn := <-stop:
			endPos = lsn
		default:
		}
		if endPos != 0 && pglogrepl.LSN(blockPos) >= endPos {
			if err := asm.flushPartial(); err != nil {
				return err
			}
			if err := sendCopyDone(conn); err != nil {
				return fmt.Errorf("send copy-end packet: %w", err)
			}
			c.l.Info("replication finished", slog.String("lsn", pglogrepl.LSN(blockPos).String()))
			return nil
		}

		now := time.Now()
		if time.Since(lastStatus) > standbyMessageTimeout {
			if err := sendFeedback(ctx, conn, pglogrepl.LSN(blockPos), now); err != nil {
				return fmt.Errorf("send periodic feedback: %w", err)
			}
			lastStatus = now
		}

		ctxTimeout, cancel := context.WithTimeout(ctx, time.Second)
		msg, err := conn.ReceiveMessage(ctxTimeout)
		cancel()
		if pgconn.Timeout(err) {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			continue
		}
		if err != nil {
			return fmt.Errorf("receive message: %w", err)
		}

		switch m := msg.(type) {
		case *pgproto3.CopyData:
			switch m.Data[0] {
			case pglogrepl.PrimaryKeepaliveMessageByteID:
				pkm, err := pglogrepl.ParsePrimaryKeepaliveMessage(m.Data[1:])
				if err != nil {
					return fmt.Errorf("parse keepalive: %w", err)
				}
				if pkm.ReplyRequested {
					if err := sendFeedback(ctx, conn, pglogrepl.LSN(blockPos), time.Now()); err != nil {
						return fmt.Errorf("send requested feedback: %w", err)
					}
					lastStatus = time.Now()
				}

			case pglogrepl.XLogDataByteID:
				xld, err := pglogrepl.ParseXLogData(m.Data[1:])
				if err != nil {
					return fmt.Errorf("parse xlogdata: %w", err)
				}
				blockPos, err = asm.write(uint64(xld.WALStart), xld.WALData)
				if err != nil {
					return err
				}

			default:
				return fmt.Errorf("unexpected CopyData message type: %c", m.Data[0])
			}

		case *pgproto3.CopyDone:
			// server ended the timeline; emit what we have
			return asm.flushPartial()

		default:
			return fmt.Errorf("unexpected backend message: %T", msg)
		}
	}
}

// FetchWAL reads the closed segment range [start,end] from the source's
// pg_wal directory after the copy finished.
func (c *Conn) FetchWAL(ctx context.Context, tli uint32, start, end pglogrepl.LSN, sink xlog.SegmentSink) error {
	walDir := filepath.Join(c.dataDir, "pg_wal")
	for _, name := range walstream.SegmentNames(tli, start, end, c.walSegSz) {
		if err := ctx.Err(); err != nil {
			return err
		}
		p := filepath.Join(walDir, name)
		f, err := os.Open(p)
		if err != nil {
			return fmt.Errorf("open WAL segment %s: %w", p, err)
		}
		info, err := f.Stat()
		if err != nil {
			_ = f.Close()
			return err
		}
		err = sink(name, info.Size(), f)
		_ = f.Close()
		if err != nil {
			return err
		}
	}
	return nil
}

func sendFeedback(ctx context.Context, conn *pgconn.PgConn, blockPos pglogrepl.LSN, now time.Time) error {
	return pglogrepl.SendStandbyStatusUpdate(ctx, conn, pglogrepl.StandbyStatusUpdate{
		WALWritePosition: blockPos,
		WALFlushPosition: blockPos,
		WALApplyPosition: 0,
		ClientTime:       now,
		ReplyRequested:   false,
	})
}

// sendCopyDone ends the COPY stream and drains the remaining backend
// messages until ReadyForQuery.
func sendCopyDone(conn *pgconn.PgConn) error {
	conn.Frontend().Send(&pgproto3.CopyDone{})
	if err := conn.Frontend().Flush(); err != nil {
		return err
	}

	for {
		msg, err := conn.Frontend().Receive()
		if err != nil {
			return err
		}
		switch m := msg.(type) {
		case *pgproto3.ErrorResponse:
			return pgconn.ErrorResponseToPgError(m)
		case *pgproto3.ReadyForQuery:
			return nil
		default:
			// CopyDone, CommandComplete, result rows: drained
		}
	}
}

// segmentAssembler collects streamed WAL bytes into fixed-size segments
// and emits each one through sink once it fills (or on flushPartial,
// zero-padded).
type segmentAssembler struct {
	tli      uint32
	walSegSz uint64
	sink     xlog.SegmentSink

	segNo  uint64
	buf    []byte
	active bool
}

func (a *segmentAssembler) write(pos uint64, data []byte) (uint64, error) {
	for len(data) > 0 {
		segNo := xlog.XLByteToSeg(pos, a.walSegSz)
		if !a.active {
			if a.buf == nil {
				a.buf = make([]byte, a.walSegSz)
			} else {
				for i := range a.buf {
					a.buf[i] = 0
				}
			}
			a.segNo = segNo
			a.active = true
		}
		if segNo != a.segNo {
			return pos, fmt.Errorf("WAL data at %X skips segment %d", pos, a.segNo)
		}

		off := xlog.XLogSegmentOffset(pos, a.walSegSz)
		n := copy(a.buf[off:], data)
		pos += uint64(n)
		data = data[n:]

		if xlog.XLogSegmentOffset(pos, a.walSegSz) == 0 {
			if err := a.flush(); err != nil {
				return pos, err
			}
		}
	}
	return pos, nil
}

func (a *segmentAssembler) flush() error {
	name := xlog.XLogFileName(a.tli, a.segNo, a.walSegSz)
	if err := a.sink(name, int64(a.walSegSz), bytes.NewReader(a.buf)); err != nil {
		return fmt.Errorf("emit WAL segment %s: %w", name, err)
	}
	a.active = false
	return nil
}

// flushPartial emits the in-progress segment zero-padded to full size.
func (a *segmentAssembler) flushPartial() error {
	if !a.active {
		return nil
	}
	return a.flush()
}
