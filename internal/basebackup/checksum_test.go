package basebackup

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// makePage builds an initialized page carrying a valid checksum for blkno.
func makePage(t *testing.T, blkno uint32, fill byte) []byte {
	t.Helper()
	page := make([]byte, BlockSize)
	for i := 64; i < BlockSize; i++ {
		page[i] = fill
	}
	// pd_upper nonzero marks the page as initialized
	binary.LittleEndian.PutUint16(page[pdUpperOffset:], 8192)

	sum := ChecksumPage(page, blkno)
	binary.LittleEndian.PutUint16(page[pdChecksumOffset:], sum)
	return page
}

func TestChecksumPageIsStable(t *testing.T) {
	page := makePage(t, 0, 0xAB)
	first := ChecksumPage(page, 0)
	second := ChecksumPage(page, 0)
	assert.Equal(t, first, second)

	// recomputing must ignore the stored checksum field
	binary.LittleEndian.PutUint16(page[pdChecksumOffset:], 0xFFFF)
	assert.Equal(t, first, ChecksumPage(page, 0))
}

func TestChecksumPageDependsOnBlockNumber(t *testing.T) {
	page := makePage(t, 0, 0x5C)
	assert.NotEqual(t, ChecksumPage(page, 0), ChecksumPage(page, 1))
}

func TestChecksumPageNeverZero(t *testing.T) {
	page := make([]byte, BlockSize)
	binary.LittleEndian.PutUint16(page[pdUpperOffset:], 1)
	for blkno := uint32(0); blkno < 64; blkno++ {
		assert.NotZero(t, ChecksumPage(page, blkno))
	}
}

func TestPageIsNew(t *testing.T) {
	page := make([]byte, BlockSize)
	assert.True(t, PageIsNew(page))

	binary.LittleEndian.PutUint16(page[pdUpperOffset:], 100)
	assert.False(t, PageIsNew(page))
}

func TestVerifyPage(t *testing.T) {
	v := NewChecksumVerifier()

	// valid page passes
	v.VerifyPage("base/5/1234", 0, makePage(t, 0, 0x01))
	assert.Equal(t, int64(0), v.Failures())

	// never-initialized page is skipped
	v.VerifyPage("base/5/1234", 1, make([]byte, BlockSize))
	assert.Equal(t, int64(0), v.Failures())

	// corrupted page is detected
	page := makePage(t, 2, 0x02)
	page[4000] ^= 0xFF
	v.VerifyPage("base/5/1234", 2, page)
	assert.Equal(t, int64(1), v.Failures())

	// trailing short page is not verifiable
	v.VerifyPage("base/5/1234", 3, make([]byte, 100))
	assert.Equal(t, int64(1), v.Failures())
}

func TestVerifyPageWarningCap(t *testing.T) {
	v := NewChecksumVerifier()

	for blkno := uint32(0); blkno < 20; blkno++ {
		page := makePage(t, blkno, 0x07)
		page[5000] ^= 0x01
		v.VerifyPage("base/5/16384", blkno, page)
	}

	// every mismatch is counted, but individual diagnostics are capped
	assert.Equal(t, int64(20), v.Failures())
	assert.Equal(t, maxIndividualChecksumWarnings, v.EmittedWarnings())
}

func TestNeedsChecksumVerification(t *testing.T) {
	tests := []struct {
		relPath string
		want    bool
	}{
		{"base/16384/2619", true},
		{"base/16384/2619.1", true},
		{"base/16384/2619_fsm", true},
		{"base/16384/2619_vm", true},
		{"global/1213", true},
		{"PG_15_202209061/16384/16385", true},

		{"base/16384/pg_filenode.map", false},
		{"base/16384/PG_VERSION", false},
		{"global/pg_control", false},
		{"pg_xact/0000", false},
		{"postgresql.conf", false},
		// correct name at the wrong depth
		{"base/2619", false},
		{"base/16384/extra/2619", false},
	}

	for _, tt := range tests {
		t.Run(tt.relPath, func(t *testing.T) {
			assert.Equal(t, tt.want, NeedsChecksumVerification(tt.relPath))
		})
	}
}

func TestRelationStartBlock(t *testing.T) {
	tests := []struct {
		relPath string
		want    uint32
	}{
		{"base/16384/2619", 0},
		{"base/16384/2619.1", relSegPages},
		{"base/16384/2619.3", 3 * relSegPages},
		{"base/16384/2619_fsm.2", 2 * relSegPages},
		{"global/1213", 0},
		{"PG_15_202209061/16384/16385.1", relSegPages},
	}

	for _, tt := range tests {
		t.Run(tt.relPath, func(t *testing.T) {
			assert.Equal(t, tt.want, relationStartBlock(tt.relPath))
		})
	}
}

func TestVerifyPageAcceptsSegmentBlockNumbers(t *testing.T) {
	v := NewChecksumVerifier()

	// a healthy page stored in segment .1 checks out only against its
	// fork-absolute block number
	page := makePage(t, relSegPages, 0x3C)
	v.VerifyPage("base/16384/2619.1", relSegPages, page)
	assert.Equal(t, int64(0), v.Failures())

	v.VerifyPage("base/16384/2619.1", 0, page)
	assert.Equal(t, int64(1), v.Failures())
}

func TestStoredPageChecksum(t *testing.T) {
	page := make([]byte, BlockSize)
	binary.LittleEndian.PutUint16(page[pdChecksumOffset:], 0xBEEF)
	require.Equal(t, uint16(0xBEEF), StoredPageChecksum(page))
}
