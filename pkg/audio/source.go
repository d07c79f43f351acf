// Package audio provides the audio sources that feed a recognition session.
//
// A [Source] yields the audio as a finite, lazily produced sequence of byte
// chunks. The recognizer sends each chunk as one binary protocol message, so
// the chunk size directly controls the message size on the wire.
package audio

import (
	"errors"
	"fmt"
	"io"
	"os"
)

// DefaultChunkSize is the chunk size used when none is configured.
const DefaultChunkSize = 8192

// Source produces audio chunks in order. NextChunk returns [io.EOF] once the
// audio is exhausted; a zero-length chunk with a nil error is treated the
// same way by consumers. Each returned slice is owned by the caller.
type Source interface {
	NextChunk() ([]byte, error)
}

// ChunkReader adapts an [io.Reader] to a [Source], reading up to Size bytes
// per chunk. Every chunk is a freshly allocated slice.
type ChunkReader struct {
	r    io.Reader
	size int
	done bool
}

// Compile-time interface assertion.
var _ Source = (*ChunkReader)(nil)

// NewChunkReader returns a ChunkReader over r. A size <= 0 selects
// [DefaultChunkSize].
func NewChunkReader(r io.Reader, size int) *ChunkReader {
	if size <= 0 {
		size = DefaultChunkSize
	}
	return &ChunkReader{r: r, size: size}
}

// NextChunk reads the next chunk. Only the final chunk may be shorter than the
// configured size.
func (c *ChunkReader) NextChunk() ([]byte, error) {
	if c.done {
		return nil, io.EOF
	}
	buf := make([]byte, c.size)
	n, err := io.ReadFull(c.r, buf)
	switch {
	case err == nil:
		return buf, nil
	case errors.Is(err, io.ErrUnexpectedEOF):
		c.done = true
		return buf[:n], nil
	case errors.Is(err, io.EOF):
		c.done = true
		return nil, io.EOF
	default:
		return nil, fmt.Errorf("audio: read chunk: %w", err)
	}
}

// FileSource streams an audio file from disk. Callers must Close it.
type FileSource struct {
	*ChunkReader
	f *os.File
}

// OpenFile opens path for chunked reading.
func OpenFile(path string, chunkSize int) (*FileSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("audio: open %q: %w", path, err)
	}
	return &FileSource{ChunkReader: NewChunkReader(f, chunkSize), f: f}, nil
}

// Close releases the underlying file.
func (s *FileSource) Close() error {
	return s.f.Close()
}
