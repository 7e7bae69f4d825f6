package sluice

import (
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Compressor wraps the assembled export stream before it reaches the sink.
//
// Compressors are pluggable and orthogonal to formats and destinations.
// Framing (including the Excel byte order mark) is applied before
// compression, so decompressed output is byte-identical to an uncompressed
// export.
type Compressor interface {
	// Name returns the compressor identifier (for example, "gzip", "zstd", "lz4", "noop").
	Name() string

	// Extension returns the suffix appended to object names (for example, ".gz").
	Extension() string

	// ContentEncoding returns the HTTP Content-Encoding of compressed objects.
	ContentEncoding() string

	// Compress wraps a writer with compression.
	Compress(w io.Writer) (io.WriteCloser, error)

	// Decompress wraps a reader with decompression.
	Decompress(r io.Reader) (io.ReadCloser, error)
}

// NewCompressor resolves a compressor by name. Empty selects noop.
func NewCompressor(name string) (Compressor, error) {
	switch strings.ToLower(name) {
	case "", "noop", "none":
		return NewNoOpCompressor(), nil
	case "gzip", "gz":
		return NewGzipCompressor(), nil
	case "zstd", "zst":
		return NewZstdCompressor(), nil
	case "lz4":
		return NewLZ4Compressor(), nil
	}
	return nil, fmt.Errorf("unknown compressor %q", name)
}

// -----------------------------------------------------------------------------
// Gzip Compressor
// -----------------------------------------------------------------------------

// gzipCompressor implements Compressor using gzip compression.
type gzipCompressor struct{}

// NewGzipCompressor creates a gzip compressor.
//
// Objects are compressed using standard gzip format with .gz extension.
func NewGzipCompressor() Compressor {
	return &gzipCompressor{}
}

func (g *gzipCompressor) Name() string {
	return "gzip"
}

func (g *gzipCompressor) Extension() string {
	return ".gz"
}

func (g *gzipCompressor) ContentEncoding() string {
	return "gzip"
}

func (g *gzipCompressor) Compress(w io.Writer) (io.WriteCloser, error) {
	return gzip.NewWriter(w), nil
}

func (g *gzipCompressor) Decompress(r io.Reader) (io.ReadCloser, error) {
	return gzip.NewReader(r)
}

// -----------------------------------------------------------------------------
// Zstd Compressor
// -----------------------------------------------------------------------------

// zstdCompressor implements Compressor using zstd compression.
type zstdCompressor struct{}

// NewZstdCompressor creates a zstd compressor.
//
// Objects are compressed using Zstandard format with .zst extension.
func NewZstdCompressor() Compressor {
	return &zstdCompressor{}
}

func (z *zstdCompressor) Name() string {
	return "zstd"
}

func (z *zstdCompressor) Extension() string {
	return ".zst"
}

func (z *zstdCompressor) ContentEncoding() string {
	return "zstd"
}

func (z *zstdCompressor) Compress(w io.Writer) (io.WriteCloser, error) {
	return zstd.NewWriter(w)
}

func (z *zstdCompressor) Decompress(r io.Reader) (io.ReadCloser, error) {
	decoder, err := zstd.NewReader(r)
	if err != nil {
		return nil, err
	}
	return decoder.IOReadCloser(), nil
}

// -----------------------------------------------------------------------------
// LZ4 Compressor
// -----------------------------------------------------------------------------

// lz4Compressor implements Compressor using the LZ4 frame format.
type lz4Compressor struct{}

// NewLZ4Compressor creates an LZ4 compressor with .lz4 extension.
//
// LZ4 has no registered HTTP content coding, so objects carry no
// Content-Encoding and are downloaded as-is.
func NewLZ4Compressor() Compressor {
	return &lz4Compressor{}
}

func (l *lz4Compressor) Name() string {
	return "lz4"
}

func (l *lz4Compressor) Extension() string {
	return ".lz4"
}

func (l *lz4Compressor) ContentEncoding() string {
	return ""
}

func (l *lz4Compressor) Compress(w io.Writer) (io.WriteCloser, error) {
	return lz4.NewWriter(w), nil
}

func (l *lz4Compressor) Decompress(r io.Reader) (io.ReadCloser, error) {
	return io.NopCloser(lz4.NewReader(r)), nil
}

// -----------------------------------------------------------------------------
// NoOp Compressor
// -----------------------------------------------------------------------------

// noopCompressor implements Compressor with no compression.
type noopCompressor struct{}

// NewNoOpCompressor creates a noop compressor. Data passes through unchanged.
func NewNoOpCompressor() Compressor {
	return &noopCompressor{}
}

func (n *noopCompressor) Name() string {
	return "noop"
}

func (n *noopCompressor) Extension() string {
	return ""
}

func (n *noopCompressor) ContentEncoding() string {
	return ""
}

func (n *noopCompressor) Compress(w io.Writer) (io.WriteCloser, error) {
	return &noopWriteCloser{w}, nil
}

func (n *noopCompressor) Decompress(r io.Reader) (io.ReadCloser, error) {
	return io.NopCloser(r), nil
}

type noopWriteCloser struct {
	io.Writer
}

func (n *noopWriteCloser) Close() error {
	return nil
}
