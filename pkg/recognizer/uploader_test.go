package recognizer

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"

	"github.com/coder/websocket"

	"github.com/MrWong99/speechlink/pkg/audio"
	"github.com/MrWong99/speechlink/pkg/protocol"
)

// sliceSource yields a fixed list of chunks and then err (io.EOF if nil).
type sliceSource struct {
	chunks [][]byte
	err    error
}

func (s *sliceSource) NextChunk() ([]byte, error) {
	if len(s.chunks) == 0 {
		if s.err != nil {
			return nil, s.err
		}
		return nil, io.EOF
	}
	c := s.chunks[0]
	s.chunks = s.chunks[1:]
	return c, nil
}

var _ audio.Source = (*sliceSource)(nil)

func TestUploader_SendsChunksInOrder(t *testing.T) {
	t.Parallel()

	chunks := [][]byte{[]byte("RIFF-header"), bytes.Repeat([]byte{1}, 64), {2, 3}}
	conn := newFakeConn()
	s := newTestSession(t, Request{}, conn)
	up := &uploader{s: s, src: &sliceSource{chunks: append([][]byte(nil), chunks...)}}

	if err := up.run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if up.sent != len(chunks) {
		t.Errorf("sent = %d; want %d", up.sent, len(chunks))
	}

	w := conn.written()
	if len(w) != len(chunks) {
		t.Fatalf("writes = %d; want %d", len(w), len(chunks))
	}
	for i, msg := range w {
		if msg.typ != websocket.MessageBinary {
			t.Errorf("write %d: type = %v; want binary", i, msg.typ)
		}
		f, err := protocol.Decode(msg.data, true)
		if err != nil {
			t.Fatalf("write %d: Decode: %v", i, err)
		}
		if f.Path != protocol.PathAudio {
			t.Errorf("write %d: path = %q", i, f.Path)
		}
		if f.Headers[protocol.HeaderRequestID] != s.requestID {
			t.Errorf("write %d: X-RequestId = %q; want %q", i, f.Headers[protocol.HeaderRequestID], s.requestID)
		}
		if !bytes.Equal(f.Body, chunks[i]) {
			t.Errorf("write %d: payload mismatch", i)
		}
	}
}

func TestUploader_EmptyChunkEndsUpload(t *testing.T) {
	t.Parallel()

	conn := newFakeConn()
	up := &uploader{
		s:   newTestSession(t, Request{}, conn),
		src: &sliceSource{chunks: [][]byte{{1}, {}, {2}}},
	}
	if err := up.run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if up.sent != 1 {
		t.Errorf("sent = %d; want 1", up.sent)
	}
}

func TestUploader_ClosedConnectionEndsQuietly(t *testing.T) {
	t.Parallel()

	conn := newFakeConn()
	conn.failAfter = 2
	up := &uploader{
		s:   newTestSession(t, Request{}, conn),
		src: &sliceSource{chunks: [][]byte{{1}, {2}, {3}, {4}}},
	}
	if err := up.run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if up.sent != 2 {
		t.Errorf("sent = %d; want 2", up.sent)
	}
}

func TestUploader_SourceError(t *testing.T) {
	t.Parallel()

	boom := errors.New("disk on fire")
	up := &uploader{
		s:   newTestSession(t, Request{}, newFakeConn()),
		src: &sliceSource{chunks: [][]byte{{1}}, err: boom},
	}
	err := up.run(context.Background())
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v; want %v", err, boom)
	}
	if up.sent != 1 {
		t.Errorf("sent = %d; want 1", up.sent)
	}
}

func TestUploader_CancelledContext(t *testing.T) {
	t.Parallel()

	up := &uploader{
		s:   newTestSession(t, Request{}, newFakeConn()),
		src: &sliceSource{chunks: [][]byte{{1}}},
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := up.run(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v; want context.Canceled", err)
	}
}
