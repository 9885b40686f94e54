// Package compression wraps record streams in compressed readers and writers.
//
// The CLI reads JSON lines and writes row dumps through this package, so an
// input such as records.jsonl.zst or rows.jsonl.gz is handled transparently.
// The algorithm is picked from the file extension with Detect, or named
// explicitly with ParseAlgorithm.
//
//	algo := compression.Detect("feedback.jsonl.zst")
//	r, err := compression.NewReader(f, algo)
//	...
//	defer r.Close()
package compression

import (
	"io"
	"path/filepath"
	"strings"

	"github.com/ajitpratap0/hubsync/pkg/errors"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/s2"
	"github.com/klauspost/compress/snappy"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Algorithm names a stream compression format
type Algorithm string

const (
	// None passes data through unchanged
	None Algorithm = "none"
	// Gzip represents gzip compression
	Gzip Algorithm = "gzip"
	// Snappy represents framed snappy compression
	Snappy Algorithm = "snappy"
	// S2 represents s2 compression (reads snappy streams too)
	S2 Algorithm = "s2"
	// LZ4 represents lz4 frame compression
	LZ4 Algorithm = "lz4"
	// Zstd represents zstandard compression
	Zstd Algorithm = "zstd"
)

// Level trades speed for ratio
type Level int

const (
	// Fastest prioritizes speed over compression ratio
	Fastest Level = 1
	// Default balances speed and compression
	Default Level = 5
	// Best maximizes compression ratio
	Best Level = 9
)

var extensions = map[string]Algorithm{
	".gz":     Gzip,
	".gzip":   Gzip,
	".sz":     Snappy,
	".snappy": Snappy,
	".s2":     S2,
	".lz4":    LZ4,
	".zst":    Zstd,
	".zstd":   Zstd,
}

// Algorithms lists the supported algorithms
func Algorithms() []Algorithm {
	return []Algorithm{None, Gzip, Snappy, S2, LZ4, Zstd}
}

// ParseAlgorithm resolves a name such as "zstd" or "gz". The empty string
// is None.
func ParseAlgorithm(name string) (Algorithm, error) {
	n := strings.ToLower(strings.TrimSpace(name))
	if n == "" {
		return None, nil
	}
	for _, a := range Algorithms() {
		if string(a) == n {
			return a, nil
		}
	}
	if a, ok := extensions["."+n]; ok {
		return a, nil
	}
	return None, errors.Newf(errors.ErrorTypeConfig, "unsupported compression %q", name)
}

// Detect returns the algorithm implied by the extension of path, or None
func Detect(path string) Algorithm {
	if a, ok := extensions[strings.ToLower(filepath.Ext(path))]; ok {
		return a
	}
	return None
}

// NewReader decompresses src. Closing the reader does not close src.
func NewReader(src io.Reader, algo Algorithm) (io.ReadCloser, error) {
	switch algo {
	case None, "":
		return io.NopCloser(src), nil
	case Gzip:
		r, err := gzip.NewReader(src)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeData, "failed to open gzip stream")
		}
		return r, nil
	case Snappy:
		return io.NopCloser(snappy.NewReader(src)), nil
	case S2:
		return io.NopCloser(s2.NewReader(src)), nil
	case LZ4:
		return io.NopCloser(lz4.NewReader(src)), nil
	case Zstd:
		d, err := zstd.NewReader(src)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeData, "failed to open zstd stream")
		}
		return d.IOReadCloser(), nil
	default:
		return nil, errors.Newf(errors.ErrorTypeConfig, "unsupported compression %q", algo)
	}
}

// NewWriter compresses into dst. Close flushes the stream but does not
// close dst.
func NewWriter(dst io.Writer, algo Algorithm, level Level) (io.WriteCloser, error) {
	switch algo {
	case None, "":
		return nopWriteCloser{dst}, nil
	case Gzip:
		w, err := gzip.NewWriterLevel(dst, gzipLevel(level))
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeConfig, "invalid gzip level")
		}
		return w, nil
	case Snappy:
		return snappy.NewBufferedWriter(dst), nil
	case S2:
		opts := []s2.WriterOption{}
		if level >= Best {
			opts = append(opts, s2.WriterBestCompression())
		} else if level > Fastest {
			opts = append(opts, s2.WriterBetterCompression())
		}
		return s2.NewWriter(dst, opts...), nil
	case LZ4:
		w := lz4.NewWriter(dst)
		if err := w.Apply(lz4.CompressionLevelOption(lz4Level(level))); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeConfig, "invalid lz4 level")
		}
		return w, nil
	case Zstd:
		w, err := zstd.NewWriter(dst, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(int(level))))
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeConfig, "failed to create zstd writer")
		}
		return w, nil
	default:
		return nil, errors.Newf(errors.ErrorTypeConfig, "unsupported compression %q", algo)
	}
}

type nopWriteCloser struct {
	io.Writer
}

func (nopWriteCloser) Close() error { return nil }

func gzipLevel(level Level) int {
	switch {
	case level <= 0:
		return gzip.DefaultCompression
	case level > gzip.BestCompression:
		return gzip.BestCompression
	default:
		return int(level)
	}
}

func lz4Level(level Level) lz4.CompressionLevel {
	switch {
	case level <= Fastest:
		return lz4.Fast
	case level < Best:
		return lz4.Level5
	default:
		return lz4.Level9
	}
}
