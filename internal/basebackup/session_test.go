package basebackup

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/jackc/pglogrepl"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hashmap-kz/pgbasebackup/internal/core/xlog"
	"github.com/hashmap-kz/pgbasebackup/internal/walstream"
)

const testWalSegSz = 16 * 1024 * 1024

type mockSlot struct {
	slot      xlog.PhysicalSlot
	temporary bool
}

// mockSource serves a backup session from a fake on-disk data directory
// and an in-memory slot registry.
type mockSource struct {
	mu sync.Mutex

	dataDir string
	params  map[string]string
	slots   map[string]*mockSlot

	began        bool
	ended        bool
	streamedSlot string

	startLSN pglogrepl.LSN
	stopLSN  pglogrepl.LSN
}

func newMockSource(dataDir string) *mockSource {
	return &mockSource{
		dataDir: dataDir,
		params: map[string]string{
			"wal_level": "replica",
		},
		slots:    map[string]*mockSlot{},
		startLSN: 0x1000028,
		stopLSN:  0x2000000,
	}
}

func (m *mockSource) WalSegmentSize() uint64 { return testWalSegSz }
func (m *mockSource) DataDirectory() string  { return m.dataDir }
func (m *mockSource) ConnInfo() string       { return "host=pg1 port=5432 user=replicator" }

func (m *mockSource) GetParameter(_ context.Context, name string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.params[name]
	if !ok {
		return "", fmt.Errorf("unknown parameter %q", name)
	}
	return v, nil
}

func (m *mockSource) BeginBackup(_ context.Context, _ string, _ bool) (BackupStart, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.began = true
	return BackupStart{LSN: m.startLSN, TimelineID: 1}, nil
}

func (m *mockSource) EndBackup(context.Context) (BackupStop, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ended = true
	return BackupStop{
		LSN:       m.stopLSN,
		LabelFile: "START WAL LOCATION: 0/1000028 (file 000000010000000000000001)\n",
	}, nil
}

func (m *mockSource) SlotInfo(_ context.Context, name string) (xlog.PhysicalSlot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.slots[name]
	if !ok {
		return xlog.PhysicalSlot{Name: name}, xlog.ErrSlotDoesNotExist
	}
	return s.slot, nil
}

func (m *mockSource) CreateReplicationSlot(_ context.Context, name string, temporary bool) (xlog.PhysicalSlot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, dup := m.slots[name]; dup {
		return xlog.PhysicalSlot{Name: name, Exists: true}, xlog.ErrSlotAlreadyExists
	}
	s := &mockSlot{
		slot:      xlog.PhysicalSlot{Name: name, Exists: true, RestartLSN: m.startLSN},
		temporary: temporary,
	}
	m.slots[name] = s
	return s.slot, nil
}

func (m *mockSource) StreamWAL(
	ctx context.Context,
	tli uint32,
	start pglogrepl.LSN,
	slot string,
	stop <-chan pglogrepl.LSN,
	sink xlog.SegmentSink,
) error {
	m.mu.Lock()
	m.streamedSlot = slot
	m.mu.Unlock()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case end := <-stop:
		for _, name := range walstream.SegmentNames(tli, start, end, testWalSegSz) {
			payload := []byte(name)
			if err := sink(name, int64(len(payload)), bytes.NewReader(payload)); err != nil {
				return err
			}
		}
	}
	return nil
}

func (m *mockSource) FetchWAL(_ context.Context, tli uint32, start, end pglogrepl.LSN, sink xlog.SegmentSink) error {
	for _, name := range walstream.SegmentNames(tli, start, end, testWalSegSz) {
		payload := []byte(name)
		if err := sink(name, int64(len(payload)), bytes.NewReader(payload)); err != nil {
			return err
		}
	}
	return nil
}

func (m *mockSource) Close(context.Context) error { return nil }

func runBackup(t *testing.T, cfg *Config, src Source) (*Session, error) {
	t.Helper()
	sess, err := NewSession(cfg, src)
	require.NoError(t, err)
	return sess, sess.Run(context.Background())
}

func TestPlainBackupWALNone(t *testing.T) {
	dataDir := makeFakeDataDir(t)
	dest := filepath.Join(t.TempDir(), "backup")
	src := newMockSource(dataDir)

	sess, err := runBackup(t, &Config{
		Destination: dest,
		WALMethod:   WALMethodNone,
	}, src)
	require.NoError(t, err)
	assert.Equal(t, StateDone, sess.State())
	assert.True(t, src.began)
	assert.True(t, src.ended)

	// included files came through byte-for-byte
	data, err := os.ReadFile(filepath.Join(dest, "PG_VERSION"))
	require.NoError(t, err)
	assert.Equal(t, "16\n", string(data))

	// excluded files never land in the output
	for _, p := range []string{
		"postmaster.pid",
		"global/pg_internal.init",
		"base/16384/t3_16450",
		"base/16384/16500",
		"pg_wal/000000010000000000000001",
		"pg_stat_tmp/global.stat",
	} {
		_, err := os.Stat(filepath.Join(dest, filepath.FromSlash(p)))
		assert.True(t, os.IsNotExist(err), "expected %s to be excluded", p)
	}

	// excluded-content dirs are preserved empty
	for _, p := range []string{"pg_stat_tmp", "pg_replslot", "pg_notify", "pg_wal", "pg_wal/archive_status"} {
		info, err := os.Stat(filepath.Join(dest, filepath.FromSlash(p)))
		require.NoError(t, err, p)
		assert.True(t, info.IsDir())
	}

	// backup_label carries the stop-marker contents
	label, err := os.ReadFile(filepath.Join(dest, "backup_label"))
	require.NoError(t, err)
	assert.Contains(t, string(label), "START WAL LOCATION")

	// the manifest verifies against the written tree
	mf, err := os.Open(filepath.Join(dest, ManifestFileName))
	require.NoError(t, err)
	defer mf.Close()
	m, err := LoadManifest(mf)
	require.NoError(t, err)
	problems, err := m.VerifyAgainst(dest)
	require.NoError(t, err)
	assert.Empty(t, problems)
}

func TestPlainBackupStreamsWAL(t *testing.T) {
	dataDir := makeFakeDataDir(t)
	dest := filepath.Join(t.TempDir(), "backup")
	src := newMockSource(dataDir)

	sess, err := runBackup(t, &Config{Destination: dest}, src)
	require.NoError(t, err)
	assert.Equal(t, StateDone, sess.State())

	// the default policy streams through an ephemeral slot
	wantSlot := fmt.Sprintf("pgbasebackup_%d", os.Getpid())
	assert.Equal(t, wantSlot, src.streamedSlot)
	require.Contains(t, src.slots, wantSlot)
	assert.True(t, src.slots[wantSlot].temporary)

	// streamed segments land under pg_wal
	data, err := os.ReadFile(filepath.Join(dest, "pg_wal", "000000010000000000000001"))
	require.NoError(t, err)
	assert.Equal(t, "000000010000000000000001", string(data))
}

func TestTarBackup(t *testing.T) {
	dataDir := makeFakeDataDir(t)
	dest := filepath.Join(t.TempDir(), "backup")
	src := newMockSource(dataDir)

	_, err := runBackup(t, &Config{
		Destination: dest,
		Format:      FormatTar,
	}, src)
	require.NoError(t, err)

	f, err := os.Open(filepath.Join(dest, "base.tar"))
	require.NoError(t, err)
	defer f.Close()
	entries := readTarEntries(t, f)
	assert.Contains(t, entries, "PG_VERSION")
	assert.Contains(t, entries, "backup_label")
	assert.Contains(t, entries, ManifestFileName)
	assert.NotContains(t, entries, "postmaster.pid")

	wf, err := os.Open(filepath.Join(dest, "pg_wal.tar"))
	require.NoError(t, err)
	defer wf.Close()
	walEntries := readTarEntries(t, wf)
	assert.Contains(t, walEntries, "000000010000000000000001")
}

func TestTablespaceRelocation(t *testing.T) {
	dataDir := makeFakeDataDir(t)
	tsLocation := t.TempDir()
	content := bytes.Repeat([]byte{0}, BlockSize)
	writeFile(t, tsLocation, "PG_16_202307071/16384/16400", content)
	require.NoError(t, os.Symlink(tsLocation, filepath.Join(dataDir, "pg_tblspc", "16999")))

	dest := filepath.Join(t.TempDir(), "backup")
	tsDest := filepath.Join(t.TempDir(), "ts-moved")
	src := newMockSource(dataDir)

	_, err := runBackup(t, &Config{
		Destination:        dest,
		WALMethod:          WALMethodNone,
		TablespaceMappings: []string{tsLocation + "=" + tsDest},
	}, src)
	require.NoError(t, err)

	// relation data travels to the mapped location byte-identical
	got, err := os.ReadFile(filepath.Join(tsDest, "PG_16_202307071/16384/16400"))
	require.NoError(t, err)
	assert.Equal(t, content, got)

	// the pg_tblspc link in the output points at the new location
	target, err := os.Readlink(filepath.Join(dest, "pg_tblspc", "16999"))
	require.NoError(t, err)
	assert.Equal(t, tsDest, target)
}

func TestUnmappedTablespaceFailsPlain(t *testing.T) {
	dataDir := makeFakeDataDir(t)
	tsLocation := t.TempDir()
	writeFile(t, tsLocation, "PG_16_202307071/16384/16400", make([]byte, BlockSize))
	require.NoError(t, os.Symlink(tsLocation, filepath.Join(dataDir, "pg_tblspc", "16999")))

	dest := filepath.Join(t.TempDir(), "backup")
	src := newMockSource(dataDir)

	_, err := runBackup(t, &Config{
		Destination: dest,
		WALMethod:   WALMethodNone,
	}, src)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must be relocated")
	assert.False(t, src.began)
}

func TestChecksumFailureKeepsBackup(t *testing.T) {
	dataDir := makeFakeDataDir(t)

	// a relation page with a valid-looking header but a wrong checksum
	page := make([]byte, BlockSize)
	binary.LittleEndian.PutUint16(page[pdUpperOffset:], 8192)
	binary.LittleEndian.PutUint16(page[pdChecksumOffset:], 0x1234)
	page[100] = 0x42
	writeFile(t, dataDir, "base/16384/9999", page)

	dest := filepath.Join(t.TempDir(), "backup")
	src := newMockSource(dataDir)

	sess, err := runBackup(t, &Config{
		Destination: dest,
		WALMethod:   WALMethodNone,
	}, src)
	require.Error(t, err)

	var csErr *ChecksumFailureError
	require.ErrorAs(t, err, &csErr)
	assert.Equal(t, int64(1), csErr.Total)
	assert.Equal(t, int64(1), sess.ChecksumFailures())

	// the backup itself is kept: corruption is reported, not repaired
	got, err := os.ReadFile(filepath.Join(dest, "base/16384/9999"))
	require.NoError(t, err)
	assert.Equal(t, page, got)
}

func TestNoVerifyChecksums(t *testing.T) {
	dataDir := makeFakeDataDir(t)
	page := make([]byte, BlockSize)
	binary.LittleEndian.PutUint16(page[pdUpperOffset:], 8192)
	binary.LittleEndian.PutUint16(page[pdChecksumOffset:], 0x1234)
	writeFile(t, dataDir, "base/16384/9999", page)

	dest := filepath.Join(t.TempDir(), "backup")
	_, err := runBackup(t, &Config{
		Destination:       dest,
		WALMethod:         WALMethodNone,
		NoVerifyChecksums: true,
	}, newMockSource(dataDir))
	require.NoError(t, err)
}

func TestCreateSlotDuplicateFails(t *testing.T) {
	dataDir := makeFakeDataDir(t)
	dest := filepath.Join(t.TempDir(), "backup")
	src := newMockSource(dataDir)
	_, err := src.CreateReplicationSlot(context.Background(), "taken", false)
	require.NoError(t, err)

	_, err = runBackup(t, &Config{
		Destination: dest,
		Slot:        "taken",
		CreateSlot:  true,
	}, src)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")
	assert.False(t, src.began)

	// partial local output is removed after the failure
	_, err = os.Stat(dest)
	assert.True(t, os.IsNotExist(err))
}

func TestNamedSlotMustExist(t *testing.T) {
	dataDir := makeFakeDataDir(t)
	dest := filepath.Join(t.TempDir(), "backup")
	src := newMockSource(dataDir)

	_, err := runBackup(t, &Config{
		Destination: dest,
		Slot:        "nope",
	}, src)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not exist")
	assert.False(t, src.began)
}

func TestExistingNamedSlotIsUsed(t *testing.T) {
	dataDir := makeFakeDataDir(t)
	dest := filepath.Join(t.TempDir(), "backup")
	src := newMockSource(dataDir)
	_, err := src.CreateReplicationSlot(context.Background(), "standby1", false)
	require.NoError(t, err)

	_, err = runBackup(t, &Config{
		Destination: dest,
		Slot:        "standby1",
	}, src)
	require.NoError(t, err)
	assert.Equal(t, "standby1", src.streamedSlot)
}

func TestNoSlotStreamsSlotless(t *testing.T) {
	dataDir := makeFakeDataDir(t)
	dest := filepath.Join(t.TempDir(), "backup")
	src := newMockSource(dataDir)

	_, err := runBackup(t, &Config{
		Destination: dest,
		NoSlot:      true,
	}, src)
	require.NoError(t, err)
	assert.Equal(t, "", src.streamedSlot)
	assert.Empty(t, src.slots)
}

func TestUsageErrorBeforeSourceContact(t *testing.T) {
	src := newMockSource(t.TempDir())
	_, err := NewSession(&Config{Target: "blackhole"}, src)
	require.Error(t, err)

	var usageErr *UsageError
	require.ErrorAs(t, err, &usageErr)
	assert.False(t, src.began)
}

func TestBlackholeTarget(t *testing.T) {
	dataDir := makeFakeDataDir(t)
	src := newMockSource(dataDir)

	sess, err := runBackup(t, &Config{
		Target:    "blackhole",
		WALMethod: WALMethodFetch,
	}, src)
	require.NoError(t, err)
	assert.Equal(t, StateDone, sess.State())
	assert.True(t, src.ended)
}

func TestWALFetchMode(t *testing.T) {
	dataDir := makeFakeDataDir(t)
	dest := filepath.Join(t.TempDir(), "backup")
	src := newMockSource(dataDir)

	_, err := runBackup(t, &Config{
		Destination: dest,
		WALMethod:   WALMethodFetch,
	}, src)
	require.NoError(t, err)

	// fetch retrieves the closed range after the copy, without a slot
	assert.Empty(t, src.slots)
	_, err = os.Stat(filepath.Join(dest, "pg_wal", "000000010000000000000001"))
	require.NoError(t, err)
}

func TestDestinationMustBeMissingOrEmpty(t *testing.T) {
	dataDir := makeFakeDataDir(t)
	dest := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dest, "leftover"), []byte("x"), 0o600))
	src := newMockSource(dataDir)

	_, err := runBackup(t, &Config{
		Destination: dest,
		WALMethod:   WALMethodNone,
	}, src)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not empty")
	assert.False(t, src.began)

	// a pre-existing directory is never cleaned up
	_, err = os.Stat(filepath.Join(dest, "leftover"))
	require.NoError(t, err)
}

func TestWriteRecoveryConf(t *testing.T) {
	dataDir := makeFakeDataDir(t)
	dest := filepath.Join(t.TempDir(), "backup")
	src := newMockSource(dataDir)
	_, err := src.CreateReplicationSlot(context.Background(), "standby1", false)
	require.NoError(t, err)

	_, err = runBackup(t, &Config{
		Destination:       dest,
		Slot:              "standby1",
		WriteRecoveryConf: true,
	}, src)
	require.NoError(t, err)

	conf, err := os.ReadFile(filepath.Join(dest, "postgresql.auto.conf"))
	require.NoError(t, err)
	assert.Contains(t, string(conf), "primary_conninfo = 'host=pg1 port=5432 user=replicator'")
	assert.Contains(t, string(conf), "primary_slot_name = 'standby1'")

	_, err = os.Stat(filepath.Join(dest, "standby.signal"))
	require.NoError(t, err)
}

func TestNoManifest(t *testing.T) {
	dataDir := makeFakeDataDir(t)
	dest := filepath.Join(t.TempDir(), "backup")

	_, err := runBackup(t, &Config{
		Destination: dest,
		WALMethod:   WALMethodNone,
		NoManifest:  true,
	}, newMockSource(dataDir))
	require.NoError(t, err)

	_, err = os.Stat(filepath.Join(dest, ManifestFileName))
	assert.True(t, os.IsNotExist(err))
}

func TestExactSizeReader(t *testing.T) {
	r := newExactSizeReader(bytes.NewReader([]byte("abc")), 6)
	out, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, []byte{'a', 'b', 'c', 0, 0, 0}, out)

	r = newExactSizeReader(bytes.NewReader([]byte("abcdef")), 3)
	out, err = io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "abc", string(out))
}

func TestPageVerifyingReaderPassesBytesThrough(t *testing.T) {
	v := NewChecksumVerifier()
	pages := make([]byte, 2*BlockSize+100)
	for i := range pages {
		pages[i] = byte(i)
	}
	r := newPageVerifyingReader(bytes.NewReader(pages), v, "base/1/2", 0)
	out, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, pages, out)
}

func TestSegmentFileChecksumsUseForkBlockNumbers(t *testing.T) {
	dataDir := makeFakeDataDir(t)

	// first page of segment .1 carries the checksum for block relSegPages,
	// its absolute position in the relation fork
	writeFile(t, dataDir, "base/16384/9999.1", makePage(t, relSegPages, 0x5A))

	dest := filepath.Join(t.TempDir(), "backup")
	sess, err := runBackup(t, &Config{
		Destination: dest,
		WALMethod:   WALMethodNone,
	}, newMockSource(dataDir))
	require.NoError(t, err)
	assert.Zero(t, sess.ChecksumFailures())

	// the same page checksummed as block 0 is a genuine mismatch
	v := NewChecksumVerifier()
	r := newPageVerifyingReader(
		bytes.NewReader(makePage(t, relSegPages, 0x5A)), v, "base/16384/9999.1", 0)
	_, err = io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, int64(1), v.Failures())
}

func TestFailureCleansTablespaceDestination(t *testing.T) {
	dataDir := makeFakeDataDir(t)
	tsLocation := t.TempDir()
	writeFile(t, tsLocation, "PG_16_202307071/16384/16400", make([]byte, BlockSize))
	require.NoError(t, os.Symlink(tsLocation, filepath.Join(dataDir, "pg_tblspc", "16999")))

	dest := filepath.Join(t.TempDir(), "backup")
	tsDest := filepath.Join(t.TempDir(), "ts-moved")
	src := newMockSource(dataDir)

	// a missing named slot fails the run after the outputs were prepared
	_, err := runBackup(t, &Config{
		Destination:        dest,
		Slot:               "nope",
		TablespaceMappings: []string{tsLocation + "=" + tsDest},
	}, src)
	require.Error(t, err)
	assert.False(t, src.began)

	for _, p := range []string{dest, tsDest} {
		_, err := os.Stat(p)
		assert.True(t, os.IsNotExist(err), "expected %s to be removed", p)
	}
}

func TestTablespaceDestinationMustBeMissingOrEmpty(t *testing.T) {
	dataDir := makeFakeDataDir(t)
	tsLocation := t.TempDir()
	writeFile(t, tsLocation, "PG_16_202307071/16384/16400", make([]byte, BlockSize))
	require.NoError(t, os.Symlink(tsLocation, filepath.Join(dataDir, "pg_tblspc", "16999")))

	tsDest := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(tsDest, "leftover"), []byte("x"), 0o600))
	src := newMockSource(dataDir)

	_, err := runBackup(t, &Config{
		Destination:        filepath.Join(t.TempDir(), "backup"),
		WALMethod:          WALMethodNone,
		TablespaceMappings: []string{tsLocation + "=" + tsDest},
	}, src)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not empty")
	assert.False(t, src.began)

	// the occupied directory is never cleaned up
	_, err = os.Stat(filepath.Join(tsDest, "leftover"))
	require.NoError(t, err)
}

func TestWALDirWithWALNone(t *testing.T) {
	dataDir := makeFakeDataDir(t)
	dest := filepath.Join(t.TempDir(), "backup")
	walDir := filepath.Join(t.TempDir(), "wal")

	_, err := runBackup(t, &Config{
		Destination: dest,
		WALMethod:   WALMethodNone,
		WALDir:      walDir,
	}, newMockSource(dataDir))
	require.NoError(t, err)

	// pg_wal in the output points at the relocated directory, which exists
	target, err := os.Readlink(filepath.Join(dest, "pg_wal"))
	require.NoError(t, err)
	assert.Equal(t, walDir, target)

	info, err := os.Stat(filepath.Join(walDir, "archive_status"))
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}
