package compression

import (
	"bytes"
	"fmt"
	"io"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Compressor re-encodes raw archive bytes. Levels are fixed
// configuration and never derived from the data.
type Compressor struct {
	GzipLevel int
	ZstdLevel int
}

// DefaultCompressor matches the levels used by stock gzip and zstd.
func DefaultCompressor() Compressor {
	return Compressor{GzipLevel: gzip.DefaultCompression, ZstdLevel: 3}
}

// Compress wraps raw in the stream format described by ref.
func (c Compressor) Compress(raw []byte, ref Reference) ([]byte, error) {
	var buf bytes.Buffer
	if err := c.Write(&buf, bytes.NewReader(raw), ref); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Write streams r through the encoder for ref.Format into w.
func (c Compressor) Write(w io.Writer, r io.Reader, ref Reference) error {
	switch ref.Format {
	case FormatNone:
		if _, err := io.Copy(w, r); err != nil {
			return fmt.Errorf("copy raw stream: %w", err)
		}
		return nil
	case FormatGzip:
		return c.writeGzip(w, r, ref)
	case FormatZstd:
		return c.writeZstd(w, r)
	case FormatLZ4:
		return writeLZ4(w, r)
	default:
		return fmt.Errorf("unsupported compression format %s", ref.Format)
	}
}

func (c Compressor) writeGzip(w io.Writer, r io.Reader, ref Reference) error {
	zw, err := gzip.NewWriterLevel(w, c.GzipLevel)
	if err != nil {
		return fmt.Errorf("gzip writer: %w", err)
	}
	// A zero MTIME field reads back as the zero time; the encoder needs
	// the epoch to write zero again.
	mtime := ref.ModTime
	if mtime.IsZero() {
		mtime = time.Unix(0, 0)
	}
	zw.ModTime = mtime
	zw.Name = ref.Name
	zw.Comment = ref.Comment
	zw.Extra = ref.Extra
	zw.OS = ref.OS

	if _, err := io.Copy(zw, r); err != nil {
		zw.Close()
		return fmt.Errorf("gzip encode: %w", err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("gzip close: %w", err)
	}
	return nil
}

func (c Compressor) writeZstd(w io.Writer, r io.Reader) error {
	encoder, err := zstd.NewWriter(w,
		zstd.WithEncoderConcurrency(1),
		zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(c.ZstdLevel)),
	)
	if err != nil {
		return fmt.Errorf("zstd writer: %w", err)
	}
	if _, err := io.Copy(encoder, r); err != nil {
		encoder.Close()
		return fmt.Errorf("zstd encode: %w", err)
	}
	if err := encoder.Close(); err != nil {
		return fmt.Errorf("zstd close: %w", err)
	}
	return nil
}

func writeLZ4(w io.Writer, r io.Reader) error {
	zw := lz4.NewWriter(w)
	if err := zw.Apply(lz4.ConcurrencyOption(1)); err != nil {
		return fmt.Errorf("lz4 options: %w", err)
	}
	if _, err := io.Copy(zw, r); err != nil {
		zw.Close()
		return fmt.Errorf("lz4 encode: %w", err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("lz4 close: %w", err)
	}
	return nil
}
