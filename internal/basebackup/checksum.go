package basebackup

import (
	"encoding/binary"
	"log/slog"
	"strings"
)

// https://github.com/postgres/postgres/blob/master/src/include/storage/checksum_impl.h

const (
	// BlockSize is the fixed page size of relation data files.
	BlockSize = 8192

	// pd_checksum lives right after the 8-byte page LSN.
	pdChecksumOffset = 8
	// pd_upper; zero means the page was never initialized.
	pdUpperOffset = 14

	checksumNSums    = 32
	checksumFNVPrime = 16777619
)

var checksumBaseOffsets = [checksumNSums]uint32{
	0x5B1F36E9, 0xB8525960, 0x02AB50AA, 0x1DE66D2A,
	0x79FF467A, 0x9BB9F8A3, 0x217E7CD2, 0x83E13D2C,
	0xF8D4474F, 0xE39EB970, 0x42C6AE16, 0x993216FA,
	0x7B093B5D, 0x98DAFF3C, 0xF718902A, 0x0B1C9CDB,
	0xE58F764B, 0x187636BC, 0x5D7B3BB1, 0xE810688C,
	0x148846C7, 0x6CE8208B, 0xD2C8ABE6, 0xAB3EBC86,
	0x27F22F51, 0x7FF23E32, 0xDF81BF9E, 0x84C2C8D8,
	0x231214AE, 0xF3CEB82D, 0xAA0A9A6B, 0x3F45C60B,
}

func checksumComp(checksum, value uint32) uint32 {
	checksum ^= value
	return checksum*checksumFNVPrime ^ (checksum >> 17)
}

func checksumBlock(page []byte) uint32 {
	sums := checksumBaseOffsets

	rows := BlockSize / (checksumNSums * 4)
	for i := 0; i < rows; i++ {
		base := i * checksumNSums * 4
		for j := 0; j < checksumNSums; j++ {
			v := binary.LittleEndian.Uint32(page[base+j*4:])
			sums[j] = checksumComp(sums[j], v)
		}
	}

	// two extra rounds of zeroes to flush the last input through
	for i := 0; i < 2; i++ {
		for j := 0; j < checksumNSums; j++ {
			sums[j] = checksumComp(sums[j], 0)
		}
	}

	var result uint32
	for j := 0; j < checksumNSums; j++ {
		result ^= sums[j]
	}
	return result
}

// ChecksumPage computes the stored checksum of one page. The pd_checksum
// field itself is treated as zero; the block number is mixed in to detect
// transposed pages. Zero is never a valid result.
func ChecksumPage(page []byte, blkno uint32) uint16 {
	var buf [BlockSize]byte
	copy(buf[:], page)
	buf[pdChecksumOffset] = 0
	buf[pdChecksumOffset+1] = 0

	checksum := checksumBlock(buf[:])
	checksum ^= blkno
	return uint16(checksum%65535 + 1)
}

// PageIsNew reports a never-initialized page (all-zero sentinel: pd_upper
// is zero). Such pages carry no checksum and are skipped by verification.
func PageIsNew(page []byte) bool {
	return binary.LittleEndian.Uint16(page[pdUpperOffset:]) == 0
}

// StoredPageChecksum reads the checksum recorded in the page header.
func StoredPageChecksum(page []byte) uint16 {
	return binary.LittleEndian.Uint16(page[pdChecksumOffset:])
}

// NeedsChecksumVerification decides, from the relative path alone, whether
// a file is a page-structured relation file worth verifying: relation
// files under base/, global/ or a tablespace version directory.
func NeedsChecksumVerification(relPath string) bool {
	parts := strings.Split(relPath, "/")
	name := parts[len(parts)-1]
	if _, _, ok := ParseRelationFileName(name); !ok {
		return false
	}
	switch parts[0] {
	case "base":
		return len(parts) == 3
	case "global":
		return len(parts) == 2
	}
	// inside a tablespace: PG_<ver>/<dboid>/<relfile>
	if IsTablespaceVersionDir(parts[0]) {
		return len(parts) == 3
	}
	return false
}

// relSegPages is the page count of one 1 GiB relation segment file;
// relations above that size continue in ".N" suffixed files.
const relSegPages = 0x40000000 / BlockSize

// relationStartBlock returns the block number of the first page of a
// relation file. Checksums mix in the block number within the whole fork,
// so segment ".N" starts at N*relSegPages, not zero.
func relationStartBlock(relPath string) uint32 {
	parts := strings.Split(relPath, "/")
	return RelationSegmentNumber(parts[len(parts)-1]) * relSegPages
}

// maxIndividualChecksumWarnings caps per-page diagnostics; the total keeps
// accumulating and is reported once at session end.
const maxIndividualChecksumWarnings = 5

// ChecksumVerifier tracks verification mismatches for one session. It is
// detection only: mismatched pages are still copied byte-for-byte.
type ChecksumVerifier struct {
	l *slog.Logger

	failures int64
	emitted  int
	skipped  int64
}

func NewChecksumVerifier() *ChecksumVerifier {
	return &ChecksumVerifier{l: slog.With("component", "checksum-verifier")}
}

// VerifyPage checks one page of a relation file. Never blocks the copy.
func (v *ChecksumVerifier) VerifyPage(relPath string, blkno uint32, page []byte) {
	if len(page) < BlockSize {
		// trailing partial page of a file being extended; nothing to verify
		v.skipped++
		return
	}
	if PageIsNew(page) {
		return
	}

	expected := ChecksumPage(page, blkno)
	stored := StoredPageChecksum(page)
	if stored == expected {
		return
	}

	v.failures++
	if v.emitted < maxIndividualChecksumWarnings {
		v.emitted++
		v.l.Warn("checksum verification failed",
			slog.String("file", relPath),
			slog.Uint64("block", uint64(blkno)),
			slog.Uint64("expected", uint64(expected)),
			slog.Uint64("found", uint64(stored)),
		)
	}
}

// Failures returns the total mismatch count, including suppressed ones.
func (v *ChecksumVerifier) Failures() int64 { return v.failures }

// EmittedWarnings returns how many individual diagnostics were logged.
func (v *ChecksumVerifier) EmittedWarnings() int { return v.emitted }

// ReportTotal emits the aggregate warning when any mismatch was seen.
func (v *ChecksumVerifier) ReportTotal() {
	if v.failures == 0 {
		return
	}
	v.l.Warn("checksum verification failures detected",
		slog.Int64("total", v.failures),
	)
}
