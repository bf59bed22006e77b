package basebackup

import (
	"archive/tar"
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/time/rate"
)

// tarMaxPathLength caps archive member paths; a longer relative path fails
// the whole session (mid-copy fatal error).
const tarMaxPathLength = 1024

// partialSuffix marks in-progress archives; they are renamed into place
// only after a clean close.
const partialSuffix = ".partial"

// OutputStream renders one backup byte stream: the main data directory,
// one tablespace, or WAL. Exactly one stream exists per tablespace plus
// one for the main tree plus, if separated, one for WAL.
type OutputStream interface {
	SendDir(relPath string, mode fs.FileMode) error
	// SendFile writes exactly size bytes from r, zero-padding a short read
	// (a live source may truncate a file mid-copy).
	SendFile(relPath string, mode fs.FileMode, size int64, r io.Reader) error
	SendSymlink(relPath, target string) error
	// Close finalizes the stream (renames temp outputs into place).
	Close() error
	// Abort discards in-progress temp outputs after a fatal error.
	Abort() error
}

// permission mode classes for plain output (owner-only vs group-readable)
const (
	dirModeOwner  fs.FileMode = 0o700
	dirModeGroup  fs.FileMode = 0o750
	fileModeOwner fs.FileMode = 0o600
	fileModeGroup fs.FileMode = 0o640
)

type plainStream struct {
	baseDir  string
	dirMode  fs.FileMode
	fileMode fs.FileMode
}

// NewPlainStream writes a plain directory tree under baseDir, preserving
// the source's permission mode class recursively.
func NewPlainStream(baseDir string, groupAccess bool) (OutputStream, error) {
	s := &plainStream{
		baseDir:  baseDir,
		dirMode:  dirModeOwner,
		fileMode: fileModeOwner,
	}
	if groupAccess {
		s.dirMode = dirModeGroup
		s.fileMode = fileModeGroup
	}
	if err := os.MkdirAll(baseDir, s.dirMode); err != nil {
		return nil, fmt.Errorf("create output directory %s: %w", baseDir, err)
	}
	if err := os.Chmod(baseDir, s.dirMode); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *plainStream) SendDir(relPath string, _ fs.FileMode) error {
	p := filepath.Join(s.baseDir, filepath.FromSlash(relPath))
	if err := os.MkdirAll(p, s.dirMode); err != nil {
		return err
	}
	return os.Chmod(p, s.dirMode)
}

func (s *plainStream) SendFile(relPath string, _ fs.FileMode, size int64, r io.Reader) error {
	p := filepath.Join(s.baseDir, filepath.FromSlash(relPath))
	if err := os.MkdirAll(filepath.Dir(p), s.dirMode); err != nil {
		return err
	}
	f, err := os.OpenFile(p, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, s.fileMode)
	if err != nil {
		return err
	}
	if err := copyExact(f, r, size); err != nil {
		_ = f.Close()
		return fmt.Errorf("write %s: %w", relPath, err)
	}
	if err := f.Chmod(s.fileMode); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func (s *plainStream) SendSymlink(relPath, target string) error {
	p := filepath.Join(s.baseDir, filepath.FromSlash(relPath))
	if err := os.MkdirAll(filepath.Dir(p), s.dirMode); err != nil {
		return err
	}
	_ = os.Remove(p)
	return os.Symlink(target, p)
}

func (s *plainStream) Close() error { return nil }
func (s *plainStream) Abort() error { return nil }

type tarStream struct {
	finalPath string
	tmpPath   string
	f         *os.File
	comp      io.WriteCloser
	tw        *tar.Writer
}

// NewTarStream writes one tar archive (optionally compressed) to destPath;
// the compressor's extension is appended to the archive name.
func NewTarStream(destPath string, comp Compressor) (OutputStream, error) {
	finalPath := destPath + comp.Extension()
	tmpPath := finalPath + partialSuffix

	if err := os.MkdirAll(filepath.Dir(finalPath), 0o750); err != nil {
		return nil, err
	}
	f, err := os.Create(tmpPath)
	if err != nil {
		return nil, fmt.Errorf("create archive %s: %w", tmpPath, err)
	}
	cw, err := comp.Wrap(f)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return &tarStream{
		finalPath: finalPath,
		tmpPath:   tmpPath,
		f:         f,
		comp:      cw,
		tw:        tar.NewWriter(cw),
	}, nil
}

func checkTarPath(relPath string) error {
	if len(relPath) > tarMaxPathLength {
		return fmt.Errorf("file name too long for tar format (%d > %d): %q",
			len(relPath), tarMaxPathLength, relPath)
	}
	return nil
}

func (s *tarStream) SendDir(relPath string, mode fs.FileMode) error {
	if err := checkTarPath(relPath); err != nil {
		return err
	}
	return s.tw.WriteHeader(&tar.Header{
		Typeflag: tar.TypeDir,
		Name:     relPath + "/",
		Mode:     int64(mode.Perm()),
		ModTime:  time.Now(),
	})
}

func (s *tarStream) SendFile(relPath string, mode fs.FileMode, size int64, r io.Reader) error {
	if err := checkTarPath(relPath); err != nil {
		return err
	}
	hdr := &tar.Header{
		Typeflag: tar.TypeReg,
		Name:     relPath,
		Mode:     int64(mode.Perm()),
		Size:     size,
		ModTime:  time.Now(),
	}
	if err := s.tw.WriteHeader(hdr); err != nil {
		return err
	}
	if err := copyExact(s.tw, r, size); err != nil {
		return fmt.Errorf("archive %s: %w", relPath, err)
	}
	return nil
}

func (s *tarStream) SendSymlink(relPath, target string) error {
	if err := checkTarPath(relPath); err != nil {
		return err
	}
	return s.tw.WriteHeader(&tar.Header{
		Typeflag: tar.TypeSymlink,
		Name:     relPath,
		Linkname: target,
		Mode:     0o777,
		ModTime:  time.Now(),
	})
}

func (s *tarStream) Close() error {
	if err := s.tw.Close(); err != nil {
		return err
	}
	if err := s.comp.Close(); err != nil {
		return err
	}
	if err := s.f.Sync(); err != nil {
		return err
	}
	if err := s.f.Close(); err != nil {
		return err
	}
	return os.Rename(s.tmpPath, s.finalPath)
}

func (s *tarStream) Abort() error {
	_ = s.tw.Close()
	_ = s.comp.Close()
	_ = s.f.Close()
	return os.Remove(s.tmpPath)
}

type blackholeStream struct {
	bytes int64
}

// NewBlackholeStream discards everything; useful for measuring a backup
// without writing it.
func NewBlackholeStream() OutputStream { return &blackholeStream{} }

func (s *blackholeStream) SendDir(string, fs.FileMode) error { return nil }

func (s *blackholeStream) SendFile(_ string, _ fs.FileMode, size int64, r io.Reader) error {
	n, err := io.Copy(io.Discard, r)
	s.bytes += n
	return err
}

func (s *blackholeStream) SendSymlink(string, string) error { return nil }
func (s *blackholeStream) Close() error                     { return nil }
func (s *blackholeStream) Abort() error                     { return nil }

// copyExact transfers exactly size bytes: short sources are zero-padded
// (the source may have been truncated mid-copy), long sources truncated
// (the source may have grown).
func copyExact(dst io.Writer, src io.Reader, size int64) error {
	written, err := io.CopyN(dst, src, size)
	if err == io.EOF {
		_, err = io.CopyN(dst, zeroReader{}, size-written)
	}
	if err != nil && err != io.EOF {
		return err
	}
	return nil
}

type zeroReader struct{}

func (zeroReader) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = 0
	}
	return len(p), nil
}

// rateLimitedReader throttles the copy to the session's --max-rate.
type rateLimitedReader struct {
	ctx context.Context
	r   io.Reader
	lim *rate.Limiter
}

func newRateLimitedReader(ctx context.Context, r io.Reader, lim *rate.Limiter) io.Reader {
	if lim == nil {
		return r
	}
	return &rateLimitedReader{ctx: ctx, r: r, lim: lim}
}

func (rr *rateLimitedReader) Read(p []byte) (int, error) {
	if burst := rr.lim.Burst(); len(p) > burst {
		p = p[:burst]
	}
	n, err := rr.r.Read(p)
	if n > 0 {
		if werr := rr.lim.WaitN(rr.ctx, n); werr != nil {
			return n, werr
		}
	}
	return n, err
}
