package basebackup

import (
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

type FileKind int

const (
	KindRegular FileKind = iota
	KindDir
	KindSymlink
)

// Classification is decided once, at scan time, from the path alone (plus
// the sibling init-fork table for unlogged relations). It never changes
// during a session.
type Classification int

const (
	ClassInclude Classification = iota
	// ClassExcludeDir: contents are skipped, the empty directory itself is
	// preserved in the output.
	ClassExcludeDir
	ClassExcludeFile
	ClassTempRelation
	ClassUnloggedNonInitFork
)

func (c Classification) String() string {
	switch c {
	case ClassInclude:
		return "INCLUDE"
	case ClassExcludeDir:
		return "EXCLUDE_DIR"
	case ClassExcludeFile:
		return "EXCLUDE_FILE"
	case ClassTempRelation:
		return "TEMP_RELATION"
	case ClassUnloggedNonInitFork:
		return "UNLOGGED_NONINIT_FORK"
	}
	return fmt.Sprintf("Classification(%d)", int(c))
}

// FileEntry is one discovered file, directory or symlink under the source tree.
type FileEntry struct {
	Path          string // absolute source path
	RelPath       string // slash-separated, relative to the walk root
	Kind          FileKind
	Mode          fs.FileMode
	Size          int64
	Class         Classification
	LinkTarget    string // symlink target, when Kind == KindSymlink
	TablespaceOID string // set for pg_tblspc links resolving to a known tablespace
}

// Tablespace is a discovered alternate storage root, referenced from the
// main tree via a pg_tblspc symlink named by its OID.
type Tablespace struct {
	OID      string
	Location string
}

// The always-excluded sets are kept as single declarative tables so the
// backup contract stays auditable in one place.

// Root-level files never worth copying from a live cluster: process
// lock/options files, in-progress label/map leftovers, temp config and
// log-list fragments.
var excludedRootFiles = map[string]struct{}{
	"postmaster.pid":           {},
	"postmaster.opts":          {},
	"backup_label":             {},
	"backup_label.old":         {},
	"tablespace_map":           {},
	"tablespace_map.old":       {},
	"backup_manifest":          {},
	"postgresql.auto.conf.tmp": {},
	"current_logfiles.tmp":     {},
	"pg_internal.init":         {},
	"standby.signal":           {},
	"recovery.signal":          {},
}

// Files excluded at any depth.
var excludedAnywhereFiles = map[string]struct{}{
	"pg_internal.init": {},
}

// Transient runtime state: contents are skipped, the empty directory entry
// is preserved so a restored cluster can start.
var excludedContentDirs = map[string]struct{}{
	"pg_dynshmem":  {},
	"pg_notify":    {},
	"pg_replslot":  {},
	"pg_serial":    {},
	"pg_snapshots": {},
	"pg_stat_tmp":  {},
	"pg_subtrans":  {},
}

const (
	walDirName           = "pg_wal"
	archiveStatusDirName = "archive_status"
	tablespaceDirName    = "pg_tblspc"
)

var (
	// t<backendID>_<relfilenode>[_fork][.segment]
	tempRelationRE = regexp.MustCompile(`^t[0-9]+_[0-9]+(_(fsm|vm|init))?(\.[0-9]+)?$`)
	// <relfilenode>[_fork][.segment]
	relationFileRE = regexp.MustCompile(`^([0-9]+)(_(fsm|vm|init))?(\.[0-9]+)?$`)
)

// IsTempRelationPath recognizes backend-id-prefixed temporary relation files.
func IsTempRelationPath(name string) bool {
	return tempRelationRE.MatchString(name)
}

// ParseRelationFileName splits a relation file name into its relfilenode
// and fork suffix ("" for the main fork).
func ParseRelationFileName(name string) (base, fork string, ok bool) {
	m := relationFileRE.FindStringSubmatch(name)
	if m == nil {
		return "", "", false
	}
	return m[1], m[3], true
}

// RelationSegmentNumber returns the N of a ".N" segment suffix, 0 for the
// first segment of a relation or for names that are not relation files.
func RelationSegmentNumber(name string) uint32 {
	m := relationFileRE.FindStringSubmatch(name)
	if m == nil || m[4] == "" {
		return 0
	}
	n, err := strconv.ParseUint(m[4][1:], 10, 32)
	if err != nil {
		return 0
	}
	return uint32(n)
}

// DiscoverTablespaces reads pg_tblspc symlinks; the targets form the side
// table of known tablespace roots.
func DiscoverTablespaces(dataDir string) ([]Tablespace, error) {
	dir := filepath.Join(dataDir, tablespaceDirName)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read %s: %w", dir, err)
	}

	var out []Tablespace
	for _, e := range entries {
		if e.Type()&fs.ModeSymlink == 0 {
			continue
		}
		target, err := os.Readlink(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("readlink %s: %w", e.Name(), err)
		}
		out = append(out, Tablespace{OID: e.Name(), Location: target})
	}
	return out, nil
}

// Scanner walks one source tree depth-first, producing classified entries.
// It never resolves symlinks speculatively: only pg_tblspc links matching a
// discovered tablespace are treated specially.
type Scanner struct {
	Root        string
	Tablespaces []Tablespace

	// rootRules enables the data-directory-only exclusion tables; a scanner
	// rooted inside a tablespace applies relation-level rules only.
	rootRules bool
}

func NewScanner(dataDir string, tablespaces []Tablespace) *Scanner {
	return &Scanner{Root: dataDir, Tablespaces: tablespaces, rootRules: true}
}

func NewTablespaceScanner(location string) *Scanner {
	return &Scanner{Root: location}
}

// Walk visits every entry in deterministic (sorted) order. The callback
// decides what to do with each classification; returning an error aborts.
func (s *Scanner) Walk(fn func(e *FileEntry) error) error {
	return s.walkDir(s.Root, "", fn)
}

func (s *Scanner) walkDir(absDir, relDir string, fn func(e *FileEntry) error) error {
	entries, err := os.ReadDir(absDir)
	if err != nil {
		return fmt.Errorf("read dir %s: %w", absDir, err)
	}

	initForks := collectInitForks(entries)

	for _, de := range entries {
		name := de.Name()
		abs := filepath.Join(absDir, name)
		rel := path.Join(relDir, name)

		info, err := de.Info()
		if err != nil {
			return fmt.Errorf("stat %s: %w", abs, err)
		}

		switch {
		case de.Type()&fs.ModeSymlink != 0:
			if err := s.visitSymlink(abs, rel, relDir, info, fn); err != nil {
				return err
			}

		case de.IsDir():
			if err := s.visitDir(abs, rel, relDir, name, info, fn); err != nil {
				return err
			}

		case de.Type().IsRegular():
			e := &FileEntry{
				Path:    abs,
				RelPath: rel,
				Kind:    KindRegular,
				Mode:    info.Mode(),
				Size:    info.Size(),
				Class:   s.classifyFile(relDir, name, initForks),
			}
			if err := fn(e); err != nil {
				return err
			}

		default:
			// sockets, fifos and other special files are never copied
		}
	}
	return nil
}

func (s *Scanner) visitDir(abs, rel, relDir, name string, info fs.FileInfo, fn func(e *FileEntry) error) error {
	e := &FileEntry{
		Path:    abs,
		RelPath: rel,
		Kind:    KindDir,
		Mode:    info.Mode(),
		Class:   ClassInclude,
	}

	if s.rootRules && relDir == "" {
		if _, skip := excludedContentDirs[name]; skip {
			e.Class = ClassExcludeDir
			return fn(e)
		}
		if name == walDirName {
			// the WAL directory is preserved empty (segments are owned by
			// the WAL capture manager); only archive_status survives
			e.Class = ClassExcludeDir
			if err := fn(e); err != nil {
				return err
			}
			st, err := os.Stat(filepath.Join(abs, archiveStatusDirName))
			if err == nil && st.IsDir() {
				return fn(&FileEntry{
					Path:    filepath.Join(abs, archiveStatusDirName),
					RelPath: path.Join(rel, archiveStatusDirName),
					Kind:    KindDir,
					Mode:    st.Mode(),
					Class:   ClassInclude,
				})
			}
			return nil
		}
	}

	if err := fn(e); err != nil {
		return err
	}
	return s.walkDir(abs, rel, fn)
}

func (s *Scanner) visitSymlink(abs, rel, relDir string, info fs.FileInfo, fn func(e *FileEntry) error) error {
	target, err := os.Readlink(abs)
	if err != nil {
		return fmt.Errorf("readlink %s: %w", abs, err)
	}

	e := &FileEntry{
		Path:       abs,
		RelPath:    rel,
		Kind:       KindSymlink,
		Mode:       info.Mode(),
		Class:      ClassInclude,
		LinkTarget: target,
	}

	if s.rootRules && relDir == tablespaceDirName {
		name := path.Base(rel)
		for _, ts := range s.Tablespaces {
			if ts.OID == name && ts.Location == target {
				e.TablespaceOID = ts.OID
				break
			}
		}
	}
	// an unexpected symlink is passed through as the entry it appears to be
	return fn(e)
}

func (s *Scanner) classifyFile(relDir, name string, initForks map[string]struct{}) Classification {
	if _, skip := excludedAnywhereFiles[name]; skip {
		return ClassExcludeFile
	}
	if s.rootRules && relDir == "" {
		if _, skip := excludedRootFiles[name]; skip {
			return ClassExcludeFile
		}
	}
	if IsTempRelationPath(name) {
		return ClassTempRelation
	}
	if base, fork, ok := ParseRelationFileName(name); ok && fork != "init" {
		if _, unlogged := initForks[base]; unlogged {
			return ClassUnloggedNonInitFork
		}
	}
	return ClassInclude
}

// collectInitForks gathers the relfilenodes that have an init fork in this
// directory: their non-init forks belong to unlogged relations.
func collectInitForks(entries []fs.DirEntry) map[string]struct{} {
	var out map[string]struct{}
	for _, de := range entries {
		if !de.Type().IsRegular() {
			continue
		}
		base, fork, ok := ParseRelationFileName(de.Name())
		if !ok || fork != "init" {
			continue
		}
		if out == nil {
			out = make(map[string]struct{})
		}
		out[base] = struct{}{}
	}
	return out
}

// VersionedSubdirPrefix marks per-catalog-version directories inside a
// tablespace root (only those belong to the current cluster).
const VersionedSubdirPrefix = "PG_"

// IsTablespaceVersionDir reports whether a tablespace child directory
// belongs to a PostgreSQL major version layout.
func IsTablespaceVersionDir(name string) bool {
	return strings.HasPrefix(name, VersionedSubdirPrefix)
}
