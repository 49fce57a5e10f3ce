// Package compression decompresses trace event streams that were
// written gzip- or zstd-compressed by the recorder, so the trace reader
// and database builder can treat every trace.json as a plain byte
// stream regardless of how it was stored on disk.
package compression

import (
	"bytes"
	"io"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// Format is a detected/declared compression scheme for a trace file.
type Format int

const (
	FormatNone Format = iota
	FormatGzip
	FormatZstd
)

var (
	gzipMagic = []byte{0x1f, 0x8b}
	zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}
)

// Detect inspects the leading bytes of contents to determine whether it
// is gzip- or zstd-compressed, defaulting to FormatNone (plain JSON).
func Detect(contents []byte) Format {
	switch {
	case bytes.HasPrefix(contents, gzipMagic):
		return FormatGzip
	case bytes.HasPrefix(contents, zstdMagic):
		return FormatZstd
	default:
		return FormatNone
	}
}

// Decompress returns the plain-text contents of a (possibly compressed)
// trace event stream, auto-detecting the compression format.
func Decompress(contents []byte) ([]byte, error) {
	switch Detect(contents) {
	case FormatGzip:
		r, err := gzip.NewReader(bytes.NewReader(contents))
		if err != nil {
			return nil, err
		}
		defer r.Close()
		return io.ReadAll(r)
	case FormatZstd:
		d, err := zstd.NewReader(bytes.NewReader(contents))
		if err != nil {
			return nil, err
		}
		defer d.Close()
		return io.ReadAll(d)
	default:
		return contents, nil
	}
}
