package xlog

import (
	"fmt"

	"github.com/jackc/pglogrepl"
)

// https://github.com/postgres/postgres/blob/master/src/include/access/xlog_internal.h

const (
	WalSegMinSize = 1 * 1024 * 1024        // 1 MiB
	WalSegMaxSize = 1 * 1024 * 1024 * 1024 // 1 GiB

	// DefaultWalSegSz is used when the source cannot report its segment size.
	DefaultWalSegSz = 16 * 1024 * 1024
)

// IsPowerOf2 returns true if x is a power of 2
func IsPowerOf2(x uint64) bool {
	return x > 0 && (x&(x-1)) == 0
}

// IsValidWalSegSize checks if size is a valid wal_segment_size (1MiB..1GiB and power of 2)
func IsValidWalSegSize(size uint64) bool {
	return IsPowerOf2(size) && (size >= WalSegMinSize && size <= WalSegMaxSize)
}

func XLByteToSeg(xlrp, walSegSize uint64) uint64 {
	return xlrp / walSegSize
}

func XLByteToPrevSeg(xlrp, walSegSize uint64) uint64 {
	return (xlrp - 1) / walSegSize
}

func XLogSegmentOffset(xlogptr, walSegSize uint64) uint64 {
	return xlogptr & (walSegSize - 1)
}

func XLogSegmentsPerXLogId(walSegSize uint64) uint64 {
	return 0x100000000 / walSegSize
}

func XLogSegNoToRecPtr(segno, walSegSize uint64) pglogrepl.LSN {
	return pglogrepl.LSN(segno * walSegSize)
}

// XLogFileName renders the fixed-width hexadecimal segment file name.
func XLogFileName(tli uint32, logSegNo, walSegSize uint64) string {
	return fmt.Sprintf("%08X%08X%08X",
		tli,
		uint32(logSegNo/XLogSegmentsPerXLogId(walSegSize)),
		uint32(logSegNo%XLogSegmentsPerXLogId(walSegSize)),
	)
}
