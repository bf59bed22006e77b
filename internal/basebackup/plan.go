package basebackup

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
)

type Format string

const (
	FormatPlain Format = "plain"
	FormatTar   Format = "tar"
)

type WALMethod string

const (
	// WALMethodDefault resolves to stream unless a backup target is involved.
	WALMethodDefault WALMethod = ""
	WALMethodNone    WALMethod = "none"
	WALMethodFetch   WALMethod = "fetch"
	WALMethodStream  WALMethod = "stream"
)

const (
	TargetBlackhole    = "blackhole"
	targetServerPrefix = "server:"
)

// Config is the full invocation of one backup session. It is validated as a
// whole, before any connection to the source, by Validate.
type Config struct {
	// Destination directory (-D). Empty when Target is set.
	Destination string
	// Format: plain directory tree or tar archives. Empty means plain.
	Format Format
	// WALMethod: none, fetch or stream. Empty means the default (stream).
	WALMethod WALMethod
	// Target: "blackhole" or "server:<path>"; mutually exclusive with
	// Destination and an explicit Format.
	Target string
	// FormatExplicit is true when the format was given on the command line
	// (an explicit format conflicts with Target even if it spells the default).
	FormatExplicit bool

	// Compression spec in METHOD[:LEVEL] form; empty means none.
	Compression string

	// Raw OLD=NEW tablespace relocations, in flag order.
	TablespaceMappings []string

	Slot       string
	CreateSlot bool
	NoSlot     bool

	NoVerifyChecksums bool
	WriteRecoveryConf bool
	NoManifest        bool
	NoClean           bool

	// WALDir relocates pg_wal in plain-format output.
	WALDir string

	Label string

	// MaxRate caps the copy throughput in bytes per second; 0 is unlimited.
	MaxRate int64
}

// Violation is one fail-fast configuration error; the flag name keeps the
// message actionable without a debugger.
type Violation struct {
	Flag    string
	Message string
}

func (v Violation) String() string {
	if v.Flag == "" {
		return v.Message
	}
	return fmt.Sprintf("%s: %s", v.Flag, v.Message)
}

// UsageError aggregates validation violations; it maps to exit code 2.
type UsageError struct {
	Violations []Violation
}

func (e *UsageError) Error() string {
	msgs := make([]string, 0, len(e.Violations))
	for _, v := range e.Violations {
		msgs = append(msgs, v.String())
	}
	return "invalid configuration: " + strings.Join(msgs, "; ")
}

// Validate is a pure check over the whole configuration. It never touches
// the filesystem or the network; an empty result means the plan is runnable.
func (c *Config) Validate() []Violation {
	var vs []Violation

	if c.Destination == "" && c.Target == "" {
		vs = append(vs, Violation{Flag: "-D", Message: "no target directory specified"})
	}

	switch c.Format {
	case "", FormatPlain, FormatTar:
	default:
		vs = append(vs, Violation{Flag: "-F", Message: fmt.Sprintf("invalid output format %q", string(c.Format))})
	}

	switch c.WALMethod {
	case WALMethodDefault, WALMethodNone, WALMethodFetch, WALMethodStream:
	default:
		vs = append(vs, Violation{Flag: "-X", Message: fmt.Sprintf("invalid wal-method %q", string(c.WALMethod))})
	}

	if _, err := ParseCompression(c.Compression); err != nil {
		vs = append(vs, Violation{Flag: "-Z", Message: err.Error()})
	}

	if c.Target != "" {
		if c.Target != TargetBlackhole && !strings.HasPrefix(c.Target, targetServerPrefix) {
			vs = append(vs, Violation{Flag: "--target", Message: fmt.Sprintf("unrecognized target %q", c.Target)})
		}
		if c.Destination != "" {
			vs = append(vs, Violation{Flag: "--target", Message: "cannot specify both output directory and backup target"})
		}
		if c.FormatExplicit {
			vs = append(vs, Violation{Flag: "--target", Message: "cannot specify both format and backup target"})
		}
		if c.WALMethod == WALMethodDefault || c.WALMethod == WALMethodStream {
			vs = append(vs, Violation{Flag: "--target", Message: "WAL cannot be streamed when a backup target is specified"})
		}
	}

	if c.WALMethod == WALMethodNone && c.Slot != "" {
		vs = append(vs, Violation{Flag: "-S", Message: "replication slots can only be used with WAL streaming"})
	}
	if c.CreateSlot && c.Slot == "" {
		vs = append(vs, Violation{Flag: "-C", Message: "slot name is required when creating a slot"})
	}
	if c.CreateSlot && c.NoSlot {
		vs = append(vs, Violation{Flag: "-C", Message: "cannot create a slot together with --no-slot"})
	}

	if c.WALDir != "" && c.Format == FormatTar {
		vs = append(vs, Violation{Flag: "--waldir", Message: "WAL directory location can only be specified in plain mode"})
	}

	if c.MaxRate < 0 {
		vs = append(vs, Violation{Flag: "--max-rate", Message: "transfer rate must be positive"})
	}

	if _, err := ParseTablespaceMappings(c.TablespaceMappings); err != nil {
		vs = append(vs, Violation{Flag: "-T", Message: err.Error()})
	}

	return vs
}

// ResolvedWALMethod applies the default: stream, unless a backup target is
// in play (in which case validation already forced an explicit mode).
func (c *Config) ResolvedWALMethod() WALMethod {
	if c.WALMethod == WALMethodDefault {
		return WALMethodStream
	}
	return c.WALMethod
}

func (c *Config) ResolvedFormat() Format {
	if c.Format == "" {
		return FormatPlain
	}
	return c.Format
}

// ServerTargetPath returns the source-side directory for a server target.
func (c *Config) ServerTargetPath() (string, bool) {
	if strings.HasPrefix(c.Target, targetServerPrefix) {
		return strings.TrimPrefix(c.Target, targetServerPrefix), true
	}
	return "", false
}

// TablespaceMapping relocates one tablespace in plain-format output.
type TablespaceMapping struct {
	Source      string
	Destination string
}

// ParseTablespaceMapping parses one OLD=NEW pair. A backslash escapes the
// separator inside either component; both paths must be absolute.
func ParseTablespaceMapping(arg string) (TablespaceMapping, error) {
	var m TablespaceMapping
	var cur strings.Builder
	seenSep := false

	for i := 0; i < len(arg); i++ {
		ch := arg[i]
		switch {
		case ch == '\\' && i+1 < len(arg) && arg[i+1] == '=':
			cur.WriteByte('=')
			i++
		case ch == '=':
			if seenSep {
				return m, fmt.Errorf("multiple \"=\" signs in tablespace mapping %q", arg)
			}
			seenSep = true
			m.Source = cur.String()
			cur.Reset()
		default:
			cur.WriteByte(ch)
		}
	}
	if !seenSep {
		return m, fmt.Errorf("invalid tablespace mapping format %q, must be \"OLDDIR=NEWDIR\"", arg)
	}
	m.Destination = cur.String()

	if m.Source == "" || m.Destination == "" {
		return m, fmt.Errorf("invalid tablespace mapping %q: empty directory", arg)
	}
	if !filepath.IsAbs(m.Source) {
		return m, fmt.Errorf("old directory is not an absolute path in tablespace mapping: %s", m.Source)
	}
	if !filepath.IsAbs(m.Destination) {
		return m, fmt.Errorf("new directory is not an absolute path in tablespace mapping: %s", m.Destination)
	}
	return m, nil
}

// ParseTablespaceMappings parses the ordered mapping list, rejecting
// duplicate source paths.
func ParseTablespaceMappings(args []string) ([]TablespaceMapping, error) {
	out := make([]TablespaceMapping, 0, len(args))
	seen := make(map[string]struct{}, len(args))
	for _, arg := range args {
		m, err := ParseTablespaceMapping(arg)
		if err != nil {
			return nil, err
		}
		if _, dup := seen[m.Source]; dup {
			return nil, fmt.Errorf("duplicate tablespace mapping for %s", m.Source)
		}
		seen[m.Source] = struct{}{}
		out = append(out, m)
	}
	return out, nil
}

// LookupMapping returns the mapped destination for a tablespace location.
func LookupMapping(mappings []TablespaceMapping, source string) (string, bool) {
	for _, m := range mappings {
		if m.Source == source {
			return m.Destination, true
		}
	}
	return "", false
}

type CompressionMethod string

const (
	CompressionNone CompressionMethod = "none"
	CompressionGzip CompressionMethod = "gzip"
	CompressionZstd CompressionMethod = "zstd"
	CompressionLZ4  CompressionMethod = "lz4"
)

type CompressionSpec struct {
	Method   CompressionMethod
	Level    int
	HasLevel bool
}

// ParseCompression parses a METHOD[:LEVEL] spec. A bare numeric level
// selects gzip at that level; method none must not carry a level.
func ParseCompression(s string) (CompressionSpec, error) {
	spec := CompressionSpec{Method: CompressionNone}
	if s == "" {
		return spec, nil
	}

	method, levelPart, hasSep := strings.Cut(s, ":")

	// a bare integer is a gzip level (historic shorthand)
	if !hasSep {
		if lvl, err := strconv.Atoi(method); err == nil {
			spec.Method = CompressionGzip
			spec.Level = lvl
			spec.HasLevel = true
			return spec, validateLevel(spec)
		}
	}
	if hasSep && method == "" {
		method = string(CompressionGzip)
	}

	switch CompressionMethod(strings.ToLower(method)) {
	case CompressionNone:
		spec.Method = CompressionNone
	case CompressionGzip:
		spec.Method = CompressionGzip
	case CompressionZstd:
		spec.Method = CompressionZstd
	case CompressionLZ4:
		spec.Method = CompressionLZ4
	default:
		return spec, fmt.Errorf("invalid compression method %q", method)
	}

	if hasSep {
		if levelPart == "" {
			return spec, fmt.Errorf("missing compression level in %q", s)
		}
		lvl, err := strconv.Atoi(levelPart)
		if err != nil {
			return spec, fmt.Errorf("invalid compression level %q", levelPart)
		}
		spec.Level = lvl
		spec.HasLevel = true
	}

	return spec, validateLevel(spec)
}

func validateLevel(spec CompressionSpec) error {
	if !spec.HasLevel {
		return nil
	}
	switch spec.Method {
	case CompressionNone:
		return fmt.Errorf("compression method \"none\" does not accept a compression level")
	case CompressionGzip:
		if spec.Level < 1 || spec.Level > 9 {
			return fmt.Errorf("gzip compression level %d is out of range (1..9)", spec.Level)
		}
	case CompressionZstd:
		if spec.Level < 1 || spec.Level > 22 {
			return fmt.Errorf("zstd compression level %d is out of range (1..22)", spec.Level)
		}
	case CompressionLZ4:
		if spec.Level < 1 || spec.Level > 9 {
			return fmt.Errorf("lz4 compression level %d is out of range (1..9)", spec.Level)
		}
	}
	return nil
}
