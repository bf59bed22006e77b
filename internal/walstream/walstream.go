// Package walstream coordinates WAL inclusion for a backup session:
// replication-slot lifecycle and the concurrent segment capture joined at
// session end.
package walstream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/jackc/pglogrepl"

	"github.com/hashmap-kz/pgbasebackup/internal/core/xlog"
)

// WALSource delivers WAL segments, either streamed concurrently with the
// copy or fetched as a closed range after it.
type WALSource interface {
	WalSegmentSize() uint64
	// StreamWAL streams from start until a value arrives on stop and the
	// streamed position reaches it. Completed segments go to sink.
	StreamWAL(ctx context.Context, tli uint32, start pglogrepl.LSN, slot string, stop <-chan pglogrepl.LSN, sink xlog.SegmentSink) error
	// FetchWAL retrieves the closed segment range [start,end].
	FetchWAL(ctx context.Context, tli uint32, start, end pglogrepl.LSN, sink xlog.SegmentSink) error
}

// SlotSource manages physical replication slots on the data source. Slot
// creation must be atomic create-if-absent.
type SlotSource interface {
	CreateReplicationSlot(ctx context.Context, name string, temporary bool) (xlog.PhysicalSlot, error)
	SlotInfo(ctx context.Context, name string) (xlog.PhysicalSlot, error)
}

// SlotPolicy is the session's slot configuration: an explicit name, a
// create request, or opting out entirely.
type SlotPolicy struct {
	Name   string
	Create bool
	NoSlot bool
}

// Manager runs one session's WAL capture. Stop may be called exactly once,
// from the copy task, after the end LSN is known.
type Manager struct {
	l     *slog.Logger
	wal   WALSource
	slots SlotSource

	policy    SlotPolicy
	slotName  string
	ephemeral bool

	stopOnce sync.Once
	stop     chan pglogrepl.LSN
}

func NewManager(wal WALSource, slots SlotSource, policy SlotPolicy) *Manager {
	return &Manager{
		l:      slog.With("component", "wal-capture"),
		wal:    wal,
		slots:  slots,
		policy: policy,
		stop:   make(chan pglogrepl.LSN, 1),
	}
}

// PrepareSlot resolves the slot to stream with, before streaming begins:
//   - NoSlot: stream without registering a slot;
//   - Create: register the named slot, failing if the name exists;
//   - named slot without Create: the slot must already exist;
//   - default: an automatically named ephemeral slot.
func (m *Manager) PrepareSlot(ctx context.Context) error {
	p := m.policy

	if p.NoSlot {
		m.slotName = ""
		return nil
	}

	if p.Create {
		if p.Name == "" {
			return fmt.Errorf("slot creation requested without a slot name")
		}
		if _, err := m.slots.CreateReplicationSlot(ctx, p.Name, false); err != nil {
			if errors.Is(err, xlog.ErrSlotAlreadyExists) {
				return fmt.Errorf("replication slot %q already exists", p.Name)
			}
			return fmt.Errorf("create replication slot %q: %w", p.Name, err)
		}
		m.slotName = p.Name
		m.l.Info("created replication slot", slog.String("slot", p.Name))
		return nil
	}

	if p.Name != "" {
		info, err := m.slots.SlotInfo(ctx, p.Name)
		if err != nil && !errors.Is(err, xlog.ErrSlotDoesNotExist) {
			return fmt.Errorf("read replication slot %q: %w", p.Name, err)
		}
		if err != nil || !info.Exists {
			return fmt.Errorf("replication slot %q does not exist", p.Name)
		}
		m.slotName = p.Name
		return nil
	}

	// default: ephemeral slot, dropped by the source when the session ends
	name := fmt.Sprintf("pgbasebackup_%d", os.Getpid())
	if _, err := m.slots.CreateReplicationSlot(ctx, name, true); err != nil {
		return fmt.Errorf("create ephemeral replication slot %q: %w", name, err)
	}
	m.slotName = name
	m.ephemeral = true
	return nil
}

// SlotName returns the resolved slot ("" when streaming slotless).
func (m *Manager) SlotName() string { return m.slotName }

// Ephemeral reports whether the slot was auto-created for this session.
func (m *Manager) Ephemeral() bool { return m.ephemeral }

// Stream runs the concurrent WAL capture task. It returns once Stop was
// called and everything up to the end position was delivered to sink.
func (m *Manager) Stream(ctx context.Context, tli uint32, start pglogrepl.LSN, sink xlog.SegmentSink) error {
	m.l.Info("starting WAL streaming",
		slog.String("start-lsn", start.String()),
		slog.String("slot", m.slotName),
	)
	if err := m.wal.StreamWAL(ctx, tli, start, m.slotName, m.stop, sink); err != nil {
		return fmt.Errorf("stream WAL: %w", err)
	}
	return nil
}

// Stop signals the streaming task that the backup stop marker was reached.
func (m *Manager) Stop(end pglogrepl.LSN) {
	m.stopOnce.Do(func() {
		m.stop <- end
	})
}

// Fetch retrieves all segments covering [start,end] after the main copy.
func (m *Manager) Fetch(ctx context.Context, tli uint32, start, end pglogrepl.LSN, sink xlog.SegmentSink) error {
	m.l.Info("fetching WAL range",
		slog.String("start-lsn", start.String()),
		slog.String("end-lsn", end.String()),
	)
	if err := m.wal.FetchWAL(ctx, tli, start, end, sink); err != nil {
		return fmt.Errorf("fetch WAL: %w", err)
	}
	return nil
}

// SegmentNames lists the fixed-width hexadecimal file names for the
// segments covering [start,end].
func SegmentNames(tli uint32, start, end pglogrepl.LSN, walSegSz uint64) []string {
	if end < start {
		return nil
	}
	first := xlog.XLByteToSeg(uint64(start), walSegSz)
	last := xlog.XLByteToSeg(uint64(end), walSegSz)
	if xlog.XLogSegmentOffset(uint64(end), walSegSz) == 0 && last > first {
		last--
	}
	names := make([]string, 0, last-first+1)
	for seg := first; seg <= last; seg++ {
		names = append(names, xlog.XLogFileName(tli, seg, walSegSz))
	}
	return names
}
