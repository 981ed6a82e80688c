// Package compression detects and reproduces the single-stream
// compression wrapped around tar archives. Recompression replays the
// header fields captured from the original stream, so identical input
// with the same Reference always yields identical output.
package compression

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Format identifies a stream compression format.
type Format uint8

const (
	FormatNone Format = iota
	FormatGzip
	FormatZstd
	FormatLZ4
)

var (
	magicGzip = []byte{0x1f, 0x8b}
	magicZstd = []byte{0x28, 0xb5, 0x2f, 0xfd}
	magicLZ4  = []byte{0x04, 0x22, 0x4d, 0x18}
)

// String returns the human-readable name of a format.
func (f Format) String() string {
	switch f {
	case FormatNone:
		return "none"
	case FormatGzip:
		return "gzip"
	case FormatZstd:
		return "zstd"
	case FormatLZ4:
		return "lz4"
	default:
		return fmt.Sprintf("unknown(%d)", f)
	}
}

// Detect identifies the format from the first bytes of a stream.
// Anything unrecognised is treated as uncompressed.
func Detect(prefix []byte) Format {
	switch {
	case bytes.HasPrefix(prefix, magicGzip):
		return FormatGzip
	case bytes.HasPrefix(prefix, magicZstd):
		return FormatZstd
	case bytes.HasPrefix(prefix, magicLZ4):
		return FormatLZ4
	default:
		return FormatNone
	}
}

// Reference holds the header fields of an original compressed stream
// that must be replayed when it is recompressed. Only gzip carries
// any; the other formats record just the Format.
type Reference struct {
	Format  Format
	ModTime time.Time
	Name    string
	Comment string
	Extra   []byte
	OS      byte
}

// Open sniffs r and returns a reader over the decompressed stream
// together with the Reference of the original header.
func Open(r io.Reader) (io.ReadCloser, Reference, error) {
	br := bufio.NewReader(r)
	prefix, err := br.Peek(4)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, Reference{}, fmt.Errorf("peek stream header: %w", err)
	}

	ref := Reference{Format: Detect(prefix)}
	switch ref.Format {
	case FormatGzip:
		zr, err := gzip.NewReader(br)
		if err != nil {
			return nil, Reference{}, fmt.Errorf("gzip reader: %w", err)
		}
		ref.ModTime = zr.ModTime
		ref.Name = zr.Name
		ref.Comment = zr.Comment
		ref.Extra = zr.Extra
		ref.OS = zr.OS
		return zr, ref, nil
	case FormatZstd:
		decoder, err := zstd.NewReader(br, zstd.WithDecoderConcurrency(1))
		if err != nil {
			return nil, Reference{}, fmt.Errorf("zstd reader: %w", err)
		}
		return decoder.IOReadCloser(), ref, nil
	case FormatLZ4:
		return io.NopCloser(lz4.NewReader(br)), ref, nil
	default:
		return io.NopCloser(br), ref, nil
	}
}
