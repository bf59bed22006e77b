package basebackup

import (
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Compressor wraps an output stream with one compression stage.
type Compressor interface {
	Method() CompressionMethod
	// Extension is appended to archive names (".gz", ".zst", ".lz4", "").
	Extension() string
	Wrap(w io.Writer) (io.WriteCloser, error)
}

func NewCompressor(spec CompressionSpec) (Compressor, error) {
	switch spec.Method {
	case CompressionNone, "":
		return nopCompressor{}, nil
	case CompressionGzip:
		level := gzip.DefaultCompression
		if spec.HasLevel {
			level = spec.Level
		}
		return &gzipCompressor{level: level}, nil
	case CompressionZstd:
		level := 3
		if spec.HasLevel {
			level = spec.Level
		}
		return &zstdCompressor{level: level}, nil
	case CompressionLZ4:
		level := 0
		if spec.HasLevel {
			level = spec.Level
		}
		return &lz4Compressor{level: level}, nil
	}
	return nil, fmt.Errorf("unsupported compression method %q", spec.Method)
}

type nopCompressor struct{}

func (nopCompressor) Method() CompressionMethod { return CompressionNone }
func (nopCompressor) Extension() string         { return "" }
func (nopCompressor) Wrap(w io.Writer) (io.WriteCloser, error) {
	return nopWriteCloser{w}, nil
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

type gzipCompressor struct{ level int }

func (*gzipCompressor) Method() CompressionMethod { return CompressionGzip }
func (*gzipCompressor) Extension() string         { return ".gz" }
func (c *gzipCompressor) Wrap(w io.Writer) (io.WriteCloser, error) {
	return gzip.NewWriterLevel(w, c.level)
}

type zstdCompressor struct{ level int }

func (*zstdCompressor) Method() CompressionMethod { return CompressionZstd }
func (*zstdCompressor) Extension() string         { return ".zst" }
func (c *zstdCompressor) Wrap(w io.Writer) (io.WriteCloser, error) {
	return zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(c.level)))
}

type lz4Compressor struct{ level int }

func (*lz4Compressor) Method() CompressionMethod { return CompressionLZ4 }
func (*lz4Compressor) Extension() string         { return ".lz4" }
func (c *lz4Compressor) Wrap(w io.Writer) (io.WriteCloser, error) {
	zw := lz4.NewWriter(w)
	if c.level > 0 {
		if err := zw.Apply(lz4.CompressionLevelOption(lz4Level(c.level))); err != nil {
			return nil, err
		}
	}
	return zw, nil
}

func lz4Level(level int) lz4.CompressionLevel {
	switch level {
	case 1:
		return lz4.Level1
	case 2:
		return lz4.Level2
	case 3:
		return lz4.Level3
	case 4:
		return lz4.Level4
	case 5:
		return lz4.Level5
	case 6:
		return lz4.Level6
	case 7:
		return lz4.Level7
	case 8:
		return lz4.Level8
	case 9:
		return lz4.Level9
	default:
		return lz4.Fast
	}
}
