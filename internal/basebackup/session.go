package basebackup

import (
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"strings"

	"github.com/jackc/pglogrepl"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/hashmap-kz/pgbasebackup/internal/metrics"
	"github.com/hashmap-kz/pgbasebackup/internal/walstream"
)

type State int

const (
	StateInit State = iota
	StateValidated
	StateBackupStarted
	StateStreaming
	StateBackupStopped
	StateManifestWritten
	StateDone
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateValidated:
		return "VALIDATED"
	case StateBackupStarted:
		return "BACKUP_STARTED"
	case StateStreaming:
		return "STREAMING"
	case StateBackupStopped:
		return "BACKUP_STOPPED"
	case StateManifestWritten:
		return "MANIFEST_WRITTEN"
	case StateDone:
		return "DONE"
	case StateAborted:
		return "ABORTED"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// ChecksumFailureError: the backup completed and is kept, but verification
// found mismatches, so the session must exit non-zero.
type ChecksumFailureError struct {
	Total int64
}

func (e *ChecksumFailureError) Error() string {
	return fmt.Sprintf("checksum verification failed: %d mismatches", e.Total)
}

const defaultBackupLabel = "pgbasebackup base backup"

// Session drives one backup run through its lifecycle.
type Session struct {
	l   *slog.Logger
	cfg *Config
	src Source

	state     State
	format    Format
	walMethod WALMethod
	comp      Compressor
	mappings  []TablespaceMapping
	verifier  *ChecksumVerifier
	manifest  *ManifestBuilder
	mgr       *walstream.Manager
	limiter   *rate.Limiter

	dataDir     string
	tablespaces []Tablespace
	groupAccess bool

	start BackupStart
	stop  BackupStop

	// destinations this session claimed (missing or empty at start);
	// removed by the cleanup sweep after a fatal error
	createdDirs []string

	main      OutputStream
	wal       OutputStream
	tsStreams map[string]OutputStream
}

// NewSession validates the configuration (pure, before any server contact)
// and constructs the session. Validation failures come back as *UsageError.
func NewSession(cfg *Config, src Source) (*Session, error) {
	if vs := cfg.Validate(); len(vs) > 0 {
		return nil, &UsageError{Violations: vs}
	}

	spec, err := ParseCompression(cfg.Compression)
	if err != nil {
		return nil, &UsageError{Violations: []Violation{{Flag: "-Z", Message: err.Error()}}}
	}
	comp, err := NewCompressor(spec)
	if err != nil {
		return nil, err
	}
	mappings, err := ParseTablespaceMappings(cfg.TablespaceMappings)
	if err != nil {
		return nil, &UsageError{Violations: []Violation{{Flag: "-T", Message: err.Error()}}}
	}

	s := &Session{
		l:         slog.With("component", "backup-session"),
		cfg:       cfg,
		src:       src,
		state:     StateValidated,
		format:    cfg.ResolvedFormat(),
		walMethod: cfg.ResolvedWALMethod(),
		comp:      comp,
		mappings:  mappings,
		manifest:  NewManifestBuilder(),
		tsStreams: make(map[string]OutputStream),
	}
	if !cfg.NoVerifyChecksums {
		s.verifier = NewChecksumVerifier()
	}
	if cfg.MaxRate > 0 {
		burst := int(cfg.MaxRate)
		if burst < 64*1024 {
			burst = 64 * 1024
		}
		s.limiter = rate.NewLimiter(rate.Limit(cfg.MaxRate), burst)
	}
	return s, nil
}

func (s *Session) State() State            { return s.state }
func (s *Session) StartLSN() pglogrepl.LSN { return s.start.LSN }
func (s *Session) EndLSN() pglogrepl.LSN   { return s.stop.LSN }

// ChecksumFailures returns the total mismatch count seen by this session.
func (s *Session) ChecksumFailures() int64 {
	if s.verifier == nil {
		return 0
	}
	return s.verifier.Failures()
}

// Run executes the whole lifecycle. On a fatal error the session aborts,
// partial local output is removed (unless no-clean), and the error is
// returned. A completed backup with checksum mismatches returns
// *ChecksumFailureError while keeping the output.
func (s *Session) Run(ctx context.Context) error {
	metrics.BackupsStarted.Inc()
	timer := metrics.NewBackupTimer()

	err := s.run(ctx)
	if err != nil {
		s.state = StateAborted
		s.abortStreams()
		s.cleanup()
		metrics.BackupsFailed.Inc()
		return err
	}

	timer.ObserveDuration()
	s.state = StateDone
	s.l.Info("backup complete",
		slog.String("start-lsn", s.start.LSN.String()),
		slog.String("end-lsn", s.stop.LSN.String()),
	)

	if s.verifier != nil {
		s.verifier.ReportTotal()
		if total := s.verifier.Failures(); total > 0 {
			metrics.ChecksumFailures.Add(float64(total))
			return &ChecksumFailureError{Total: total}
		}
	}
	return nil
}

func (s *Session) run(ctx context.Context) error {
	if err := s.checkPreconditions(ctx); err != nil {
		return err
	}
	if err := s.prepareOutputs(); err != nil {
		return err
	}

	// slot lifecycle is settled before the start marker is placed
	if s.walMethod == WALMethodStream {
		s.mgr = walstream.NewManager(s.src, s.src, walstream.SlotPolicy{
			Name:   s.cfg.Slot,
			Create: s.cfg.CreateSlot,
			NoSlot: s.cfg.NoSlot,
		})
		if err := s.mgr.PrepareSlot(ctx); err != nil {
			return err
		}
	}

	if err := s.begin(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	if s.walMethod == WALMethodStream {
		g.Go(func() error {
			return s.mgr.Stream(gctx, s.start.TimelineID, s.start.LSN, s.walSink())
		})
	}
	g.Go(func() error {
		s.state = StateStreaming
		if err := s.runCopy(gctx); err != nil {
			return err
		}
		stop, err := s.src.EndBackup(gctx)
		if err != nil {
			return fmt.Errorf("end backup: %w", err)
		}
		s.stop = stop
		if s.mgr != nil {
			s.mgr.Stop(stop.LSN)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return err
	}
	s.state = StateBackupStopped

	if s.walMethod == WALMethodFetch {
		mgr := walstream.NewManager(s.src, s.src, walstream.SlotPolicy{NoSlot: true})
		if err := mgr.Fetch(ctx, s.start.TimelineID, s.start.LSN, s.stop.LSN, s.walSink()); err != nil {
			return err
		}
	}

	if err := s.finalize(); err != nil {
		return err
	}
	return s.closeStreams()
}

// checkPreconditions runs the replica-style safety checks that must hold
// before the copy starts.
func (s *Session) checkPreconditions(ctx context.Context) error {
	if s.walMethod == WALMethodNone {
		walLevel, err := s.src.GetParameter(ctx, "wal_level")
		if err != nil {
			return fmt.Errorf("read wal_level: %w", err)
		}
		if walLevel == "minimal" {
			return fmt.Errorf("WAL mode \"none\" requires wal_level \"replica\" or higher (have %q)", walLevel)
		}
	}

	s.dataDir = s.src.DataDirectory()
	info, err := os.Stat(s.dataDir)
	if err != nil {
		return fmt.Errorf("stat data directory %s: %w", s.dataDir, err)
	}
	s.groupAccess = info.Mode().Perm()&0o070 != 0

	s.tablespaces, err = DiscoverTablespaces(s.dataDir)
	if err != nil {
		return err
	}

	if s.format == FormatPlain && s.cfg.Target == "" {
		for _, ts := range s.tablespaces {
			if _, ok := LookupMapping(s.mappings, ts.Location); !ok {
				return fmt.Errorf("tablespace %s (%s) must be relocated with -T in plain format", ts.OID, ts.Location)
			}
		}
	}
	return nil
}

func (s *Session) prepareOutputs() error {
	switch {
	case s.cfg.Target == TargetBlackhole:
		s.main = NewBlackholeStream()
		s.wal = NewBlackholeStream()
		for _, ts := range s.tablespaces {
			s.tsStreams[ts.OID] = NewBlackholeStream()
		}
		return nil

	case s.cfg.Target != "":
		// server target: tar archives written on the source side
		dir, _ := s.cfg.ServerTargetPath()
		return s.prepareTarOutputs(dir)
	}

	dest := s.cfg.Destination
	if err := s.claimDestination(dest); err != nil {
		return err
	}

	if s.format == FormatTar {
		return s.prepareTarOutputs(dest)
	}
	return s.preparePlainOutputs(dest)
}

func (s *Session) prepareTarOutputs(dir string) error {
	var err error
	if s.main, err = NewTarStream(path.Join(dir, "base.tar"), s.comp); err != nil {
		return err
	}
	if s.walMethod != WALMethodNone {
		if s.wal, err = NewTarStream(path.Join(dir, "pg_wal.tar"), s.comp); err != nil {
			return err
		}
	}
	for _, ts := range s.tablespaces {
		stream, err := NewTarStream(path.Join(dir, ts.OID+".tar"), s.comp)
		if err != nil {
			return err
		}
		s.tsStreams[ts.OID] = stream
	}
	return nil
}

func (s *Session) preparePlainOutputs(dest string) error {
	var err error
	if s.main, err = NewPlainStream(dest, s.groupAccess); err != nil {
		return err
	}
	// a relocated WAL directory is created even in WAL mode "none", so the
	// pg_wal symlink in the output never dangles
	if s.walMethod != WALMethodNone || s.cfg.WALDir != "" {
		walDir := path.Join(dest, walDirName)
		if s.cfg.WALDir != "" {
			walDir = s.cfg.WALDir
			if err := s.claimDestination(walDir); err != nil {
				return err
			}
		}
		if s.wal, err = NewPlainStream(walDir, s.groupAccess); err != nil {
			return err
		}
	}
	for _, ts := range s.tablespaces {
		mapped, _ := LookupMapping(s.mappings, ts.Location)
		if err := s.claimDestination(mapped); err != nil {
			return err
		}
		stream, err := NewPlainStream(mapped, s.groupAccess)
		if err != nil {
			return err
		}
		s.tsStreams[ts.OID] = stream
	}
	return nil
}

// claimDestination requires a missing or empty directory and remembers it
// for the cleanup sweep.
func (s *Session) claimDestination(dest string) error {
	entries, err := os.ReadDir(dest)
	switch {
	case os.IsNotExist(err):
	case err != nil:
		return fmt.Errorf("check output directory %s: %w", dest, err)
	case len(entries) > 0:
		return fmt.Errorf("output directory %q exists but is not empty", dest)
	}
	s.createdDirs = append(s.createdDirs, dest)
	return nil
}

func (s *Session) begin(ctx context.Context) error {
	label := s.cfg.Label
	if label == "" {
		label = defaultBackupLabel
	}
	start, err := s.src.BeginBackup(ctx, label, true)
	if err != nil {
		return fmt.Errorf("begin backup: %w", err)
	}
	s.start = start
	s.state = StateBackupStarted
	s.l.Info("backup started",
		slog.String("start-lsn", start.LSN.String()),
		slog.Uint64("timeline", uint64(start.TimelineID)),
	)
	return nil
}

// runCopy drives the scanner over the main tree and every tablespace,
// feeding the verified byte stream into the output writer.
func (s *Session) runCopy(ctx context.Context) error {
	scanner := NewScanner(s.dataDir, s.tablespaces)
	err := scanner.Walk(func(e *FileEntry) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		return s.emitMainEntry(ctx, e)
	})
	if err != nil {
		return err
	}

	for _, ts := range s.tablespaces {
		stream := s.tsStreams[ts.OID]
		tsScanner := NewTablespaceScanner(ts.Location)
		err := tsScanner.Walk(func(e *FileEntry) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			// output paths are tablespace-relative; the manifest records the
			// cluster-visible pg_tblspc path
			return s.emitEntry(ctx, stream, e, e.RelPath, path.Join(tablespaceDirName, ts.OID, e.RelPath))
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *Session) emitMainEntry(ctx context.Context, e *FileEntry) error {
	// pg_wal relocation: plain format with a separate WAL directory keeps
	// a symlink in place of the directory itself
	if e.RelPath == walDirName && s.format == FormatPlain && s.cfg.WALDir != "" && s.cfg.Target == "" {
		return s.main.SendSymlink(e.RelPath, s.cfg.WALDir)
	}
	if e.RelPath == path.Join(walDirName, archiveStatusDirName) &&
		s.format == FormatPlain && s.cfg.WALDir != "" && s.cfg.Target == "" && s.wal != nil {
		return s.wal.SendDir(archiveStatusDirName, e.Mode)
	}

	if e.TablespaceOID != "" {
		// the link is rewritten at output time; content travels separately
		if s.format == FormatPlain && s.cfg.Target == "" {
			mapped, _ := LookupMapping(s.mappings, e.LinkTarget)
			return s.main.SendSymlink(e.RelPath, mapped)
		}
		return s.main.SendSymlink(e.RelPath, e.LinkTarget)
	}

	return s.emitEntry(ctx, s.main, e, e.RelPath, e.RelPath)
}

func (s *Session) emitEntry(ctx context.Context, out OutputStream, e *FileEntry, outPath, manifestPath string) error {
	switch e.Class {
	case ClassExcludeDir:
		return out.SendDir(outPath, e.Mode)
	case ClassExcludeFile, ClassTempRelation, ClassUnloggedNonInitFork:
		return nil
	}

	switch e.Kind {
	case KindDir:
		return out.SendDir(outPath, e.Mode)
	case KindSymlink:
		return out.SendSymlink(outPath, e.LinkTarget)
	}
	return s.copyFile(ctx, out, e, outPath, manifestPath)
}

func (s *Session) copyFile(ctx context.Context, out OutputStream, e *FileEntry, outPath, manifestPath string) error {
	f, err := os.Open(e.Path)
	if err != nil {
		return fmt.Errorf("open %s: %w", e.Path, err)
	}
	defer f.Close()

	var r io.Reader = f
	r = newRateLimitedReader(ctx, r, s.limiter)
	r = newExactSizeReader(r, e.Size)
	if s.verifier != nil && NeedsChecksumVerification(e.RelPath) {
		r = newPageVerifyingReader(r, s.verifier, e.RelPath, relationStartBlock(e.RelPath))
	}
	h := sha256.New()
	r = io.TeeReader(r, h)

	if err := out.SendFile(outPath, e.Mode, e.Size, r); err != nil {
		return err
	}
	s.manifest.AddFile(manifestPath, e.Size, h.Sum(nil))
	metrics.FilesCopied.Inc()
	metrics.BytesCopied.Add(float64(e.Size))
	return nil
}

// walSink routes captured segments into the WAL output stream.
func (s *Session) walSink() func(name string, size int64, r io.Reader) error {
	return func(name string, size int64, r io.Reader) error {
		if s.wal == nil {
			return fmt.Errorf("no WAL output stream")
		}
		return s.wal.SendFile(name, 0o600, size, r)
	}
}

func (s *Session) finalize() error {
	if s.stop.LabelFile != "" {
		label := strings.NewReader(s.stop.LabelFile)
		if err := s.main.SendFile("backup_label", 0o600, int64(len(s.stop.LabelFile)), label); err != nil {
			return err
		}
	}

	if s.cfg.WriteRecoveryConf {
		if err := s.writeRecoveryConf(); err != nil {
			return err
		}
	}

	if !s.cfg.NoManifest && s.cfg.Target != TargetBlackhole {
		s.manifest.AddWALRange(s.start.TimelineID, s.start.LSN, s.stop.LSN)
		m, err := s.manifest.Finalize()
		if err != nil {
			return err
		}
		data, err := m.Encode()
		if err != nil {
			return err
		}
		if err := s.main.SendFile(ManifestFileName, 0o600, int64(len(data)), strings.NewReader(string(data))); err != nil {
			return err
		}
	}
	s.state = StateManifestWritten
	return nil
}

func (s *Session) writeRecoveryConf() error {
	slot := ""
	if s.mgr != nil && !s.mgr.Ephemeral() {
		slot = s.mgr.SlotName()
	}

	if s.format == FormatPlain && s.cfg.Target == "" {
		mode := os.FileMode(fileModeOwner)
		if s.groupAccess {
			mode = fileModeGroup
		}
		return WriteRecoveryConfig(s.cfg.Destination, s.src.ConnInfo(), slot, mode)
	}

	// tar/server: inject the entries into the main archive
	var sb strings.Builder
	sb.WriteString("# recovery settings added by pgbasebackup\n")
	sb.WriteString(fmt.Sprintf("primary_conninfo = %s\n", quoteConfValue(s.src.ConnInfo())))
	if slot != "" {
		sb.WriteString(fmt.Sprintf("primary_slot_name = %s\n", quoteConfValue(slot)))
	}
	content := sb.String()
	if err := s.main.SendFile(autoConfFileName, 0o600, int64(len(content)), strings.NewReader(content)); err != nil {
		return err
	}
	return s.main.SendFile(standbySignalFileName, 0o600, 0, strings.NewReader(""))
}

func (s *Session) allStreams() []OutputStream {
	streams := make([]OutputStream, 0, 2+len(s.tsStreams))
	if s.main != nil {
		streams = append(streams, s.main)
	}
	if s.wal != nil {
		streams = append(streams, s.wal)
	}
	for _, st := range s.tsStreams {
		streams = append(streams, st)
	}
	return streams
}

func (s *Session) closeStreams() error {
	for _, st := range s.allStreams() {
		if err := st.Close(); err != nil {
			return err
		}
	}
	return nil
}

func (s *Session) abortStreams() {
	for _, st := range s.allStreams() {
		if err := st.Abort(); err != nil {
			s.l.Warn("abort output stream", slog.Any("err", err))
		}
	}
}

// cleanup removes partially written local output after a fatal error,
// unless no-clean was requested. Only directories this session claimed are
// swept: pre-existing non-empty directories fail the claim and stay put,
// and target-based sessions claim nothing locally.
func (s *Session) cleanup() {
	if s.cfg.NoClean {
		return
	}
	for _, dir := range s.createdDirs {
		s.l.Info("removing partial output", slog.String("dir", dir))
		if err := os.RemoveAll(dir); err != nil {
			s.l.Warn("cannot remove partial output", slog.Any("err", err))
		}
	}
}

// exactSizeReader yields exactly size bytes: short sources are zero-padded
// (the live source may truncate files mid-copy), long sources truncated.
type exactSizeReader struct {
	r         io.Reader
	remaining int64
	padding   bool
}

func newExactSizeReader(r io.Reader, size int64) io.Reader {
	return &exactSizeReader{r: r, remaining: size}
}

func (er *exactSizeReader) Read(p []byte) (int, error) {
	if er.remaining <= 0 {
		return 0, io.EOF
	}
	if int64(len(p)) > er.remaining {
		p = p[:er.remaining]
	}
	if er.padding {
		for i := range p {
			p[i] = 0
		}
		er.remaining -= int64(len(p))
		return len(p), nil
	}
	n, err := er.r.Read(p)
	er.remaining -= int64(n)
	if err == io.EOF {
		er.padding = true
		return n, nil
	}
	return n, err
}

// pageVerifyingReader verifies page checksums as bytes stream through; it
// never alters or withholds data (detection, not repair). blkno counts
// within the whole relation fork, so ".N" segment files start past zero.
type pageVerifyingReader struct {
	r       io.Reader
	v       *ChecksumVerifier
	relPath string
	blkno   uint32
	page    [BlockSize]byte
	fill    int
}

func newPageVerifyingReader(r io.Reader, v *ChecksumVerifier, relPath string, startBlkno uint32) io.Reader {
	return &pageVerifyingReader{r: r, v: v, relPath: relPath, blkno: startBlkno}
}

func (pr *pageVerifyingReader) Read(p []byte) (int, error) {
	n, err := pr.r.Read(p)
	for off := 0; off < n; {
		c := copy(pr.page[pr.fill:], p[off:n])
		pr.fill += c
		off += c
		if pr.fill == BlockSize {
			pr.v.VerifyPage(pr.relPath, pr.blkno, pr.page[:])
			pr.blkno++
			pr.fill = 0
		}
	}
	if err == io.EOF && pr.fill > 0 {
		pr.v.VerifyPage(pr.relPath, pr.blkno, pr.page[:pr.fill])
		pr.fill = 0
	}
	return n, err
}
