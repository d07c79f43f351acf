package recognizer

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"testing"

	"github.com/coder/websocket"
	"golang.org/x/oauth2"
)

// inbound is one scripted message delivered by fakeConn.Read.
type inbound struct {
	typ  websocket.MessageType
	data []byte
}

func textMsg(s string) inbound { return inbound{typ: websocket.MessageText, data: []byte(s)} }

// written is one message captured by fakeConn.Write.
type written struct {
	typ  websocket.MessageType
	data []byte
}

// fakeConn is an in-memory wsConn. Reads are served from the reads channel;
// closing that channel simulates the peer closing the connection.
type fakeConn struct {
	reads chan inbound

	mu        sync.Mutex
	writes    []written
	failAfter int // writes beyond this count fail; <0 disables
	closed    chan struct{}
	closeOnce sync.Once
	closeCode websocket.StatusCode
}

func newFakeConn(script ...inbound) *fakeConn {
	c := &fakeConn{
		reads:     make(chan inbound, len(script)+16),
		failAfter: -1,
		closed:    make(chan struct{}),
	}
	for _, m := range script {
		c.reads <- m
	}
	return c
}

func (c *fakeConn) Read(ctx context.Context) (websocket.MessageType, []byte, error) {
	select {
	case m, ok := <-c.reads:
		if !ok {
			return 0, nil, errors.New("failed to get reader: EOF")
		}
		return m.typ, m.data, nil
	case <-c.closed:
		return 0, nil, net.ErrClosed
	case <-ctx.Done():
		return 0, nil, ctx.Err()
	}
}

func (c *fakeConn) Write(ctx context.Context, typ websocket.MessageType, p []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.closed:
		return net.ErrClosed
	default:
	}
	if c.failAfter >= 0 && len(c.writes) >= c.failAfter {
		return net.ErrClosed
	}
	c.writes = append(c.writes, written{typ: typ, data: append([]byte(nil), p...)})
	return nil
}

func (c *fakeConn) Close(code websocket.StatusCode, _ string) error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closeCode = code
		c.mu.Unlock()
		close(c.closed)
	})
	return nil
}

func (c *fakeConn) written() []written {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]written(nil), c.writes...)
}

func (c *fakeConn) code() websocket.StatusCode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCode
}

func discardLogger() *slog.Logger { return slog.New(slog.DiscardHandler) }

// newTestSession builds a session wired to conn without dialling.
func newTestSession(t *testing.T, req Request, conn wsConn) *session {
	t.Helper()
	c, err := New(oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "tok"}), WithLogger(discardLogger()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	req, err = req.withDefaults()
	if err != nil {
		t.Fatalf("withDefaults: %v", err)
	}
	s := newSession(c, req)
	s.conn = conn
	return s
}
