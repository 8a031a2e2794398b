package blockfile

import (
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
)

// Set of supported compression codecs.
const (
	CompressionZstd   = "zstd"
	CompressionSnappy = "snappy"
)

// codec knows how to compress one record on the way to disk and how to
// stream records back out of a block file.
type codec interface {
	ext() string
	newWriter(w io.Writer) (io.WriteCloser, error)
	newReader(r io.Reader) (io.Reader, func(), error)
}

// codecFor returns the codec registered under the compression name.
func codecFor(compression string, level int) (codec, error) {
	switch compression {
	case "", CompressionZstd:
		return zstdCodec{level: level}, nil
	case CompressionSnappy:
		return snappyCodec{}, nil
	}

	return nil, fmt.Errorf("compression %q is not supported", compression)
}

// codecForFile returns the codec that wrote the named block file.
func codecForFile(name string) (codec, error) {
	switch strings.TrimPrefix(filepath.Ext(name), ".") {
	case zstdCodec{}.ext():
		return zstdCodec{}, nil
	case snappyCodec{}.ext():
		return snappyCodec{}, nil
	}

	return nil, fmt.Errorf("block file %q has an unknown extension", name)
}

// =============================================================================

// zstdCodec writes one zstd frame per record.
type zstdCodec struct {
	level int
}

func (zstdCodec) ext() string {
	return "zst"
}

func (c zstdCodec) newWriter(w io.Writer) (io.WriteCloser, error) {
	level := zstd.SpeedDefault
	if c.level > 0 {
		level = zstd.EncoderLevelFromZstd(c.level)
	}

	return zstd.NewWriter(w, zstd.WithEncoderLevel(level), zstd.WithEncoderConcurrency(1))
}

func (zstdCodec) newReader(r io.Reader) (io.Reader, func(), error) {
	dec, err := zstd.NewReader(r, zstd.WithDecoderConcurrency(1))
	if err != nil {
		return nil, nil, err
	}

	return dec, dec.Close, nil
}

// =============================================================================

// snappyCodec writes one framed snappy stream per record.
type snappyCodec struct{}

func (snappyCodec) ext() string {
	return "sz"
}

func (snappyCodec) newWriter(w io.Writer) (io.WriteCloser, error) {
	return snappy.NewBufferedWriter(w), nil
}

func (snappyCodec) newReader(r io.Reader) (io.Reader, func(), error) {
	return snappy.NewReader(r), func() {}, nil
}

// =============================================================================

// countingWriter tracks the number of compressed bytes that reach the file.
type countingWriter struct {
	w io.Writer
	n uint64
}

func (cw *countingWriter) Write(p []byte) (int, error) {
	n, err := cw.w.Write(p)
	cw.n += uint64(n)
	return n, err
}
