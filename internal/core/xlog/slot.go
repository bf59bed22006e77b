package xlog

import (
	"fmt"
	"io"

	"github.com/jackc/pglogrepl"
)

var (
	ErrSlotDoesNotExist  = fmt.Errorf("replication slot does not exist")
	ErrSlotAlreadyExists = fmt.Errorf("replication slot already exists")
)

// PhysicalSlot describes a physical replication slot on the source.
// RestartLSN stays 0 ("null") until a consumer reported a flushed position.
type PhysicalSlot struct {
	Name       string
	Exists     bool
	Active     bool
	RestartLSN pglogrepl.LSN
}

// SegmentSink consumes one completed WAL segment. The reader delivers
// exactly size bytes; the segment name carries the timeline and number.
type SegmentSink func(name string, size int64, r io.Reader) error
