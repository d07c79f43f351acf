package recognizer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/speechlink/pkg/protocol"
)

// readLimit bounds the size of a single inbound message.
const readLimit = 1 << 20

// wsConn is the subset of [websocket.Conn] used by a session. It is an
// interface so that tests can drive the interpreter and uploader without a
// network connection.
type wsConn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
}

// errConnClosed marks a send that failed because the connection is gone.
var errConnClosed = errors.New("connection closed")

// session owns one WebSocket connection for the duration of a single
// recognition call. Its identifiers are single-use.
type session struct {
	instanceID   string
	connectionID string
	requestID    string

	req       Request
	conn      wsConn
	telemetry *Telemetry
	log       *slog.Logger
	now       func() time.Time

	closeOnce sync.Once
	closeErr  error
}

func newSession(c *Client, req Request) *session {
	s := &session{
		instanceID:   protocol.NewID(),
		connectionID: protocol.NewID(),
		requestID:    protocol.NewID(),
		req:          req,
		now:          c.now,
	}
	s.telemetry = NewTelemetry(s.connectionID)
	s.log = c.log.With(
		"request_id", s.requestID,
		"connection_id", s.connectionID,
		"mode", string(req.Mode),
	)
	return s
}

// open fetches a bearer token and dials the endpoint for the session's mode.
func (s *session) open(ctx context.Context, c *Client) error {
	base := c.endpoints[s.req.Mode]
	wsURL, err := protocol.EndpointURL(base, s.req.Language, s.req.Format)
	if err != nil {
		return &ConnectError{URL: base, Err: err}
	}

	tok, err := c.tokens.Token()
	if err != nil {
		return &ConnectError{URL: wsURL, Err: fmt.Errorf("obtain token: %w", err)}
	}

	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+tok.AccessToken)
	headers.Set(protocol.HeaderConnectionID, s.connectionID)

	s.telemetry.ConnectionStarted(s.now())
	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPClient: c.httpClient,
		HTTPHeader: headers,
	})
	if err != nil {
		cerr := &ConnectError{URL: wsURL, Err: err}
		if resp != nil {
			cerr.StatusCode = resp.StatusCode
		}
		return cerr
	}
	s.telemetry.ConnectionEstablished(s.now())
	conn.SetReadLimit(readLimit)
	s.conn = conn

	s.log.Debug("connected", "url", wsURL)
	return nil
}

// sendText encodes body as a text message for path and writes it.
func (s *session) sendText(ctx context.Context, path string, body any, extra ...protocol.Header) error {
	frame, err := protocol.EncodeText(path, body, s.now(), extra...)
	if err != nil {
		return err
	}
	if err := s.conn.Write(ctx, websocket.MessageText, frame); err != nil {
		return fmt.Errorf("%w: %w", errConnClosed, err)
	}
	s.log.Debug("sent", "path", path, "bytes", len(frame))
	return nil
}

// sendAudio writes one binary audio message carrying chunk.
func (s *session) sendAudio(ctx context.Context, chunk []byte) error {
	frame, err := protocol.EncodeBinary(s.requestID, chunk, s.now())
	if err != nil {
		return err
	}
	if err := s.conn.Write(ctx, websocket.MessageBinary, frame); err != nil {
		return fmt.Errorf("%w: %w", errConnClosed, err)
	}
	return nil
}

type (
	speechContext struct {
		System systemInfo `json:"system"`
		OS     osInfo     `json:"os"`
		Device deviceInfo `json:"device"`
	}
	systemInfo struct {
		Version string `json:"version"`
	}
	osInfo struct {
		Platform string `json:"platform"`
		Name     string `json:"name"`
		Version  string `json:"version"`
	}
	deviceInfo struct {
		Manufacturer string `json:"manufacturer"`
		Model        string `json:"model"`
		Version      string `json:"version"`
	}
	speechConfig struct {
		Context speechContext `json:"context"`
	}
)

// configPayload describes the client to the service. The values are not
// interpreted by the protocol, but the service rejects sessions without them.
func configPayload() speechConfig {
	return speechConfig{Context: speechContext{
		System: systemInfo{Version: "5.4"},
		OS: osInfo{
			Platform: runtime.GOOS,
			Name:     runtime.GOOS + " " + runtime.GOARCH,
			Version:  runtime.Version(),
		},
		Device: deviceInfo{
			Manufacturer: "speechlink",
			Model:        "speechlink",
			Version:      "1.0.00000",
		},
	}}
}

// sendConfig sends the speech.config message that must precede any audio.
func (s *session) sendConfig(ctx context.Context) error {
	return s.sendText(ctx, protocol.PathSpeechConfig, configPayload())
}

// sendTelemetry reports the receipt timestamps gathered so far.
func (s *session) sendTelemetry(ctx context.Context, firstTurn bool) error {
	return s.sendText(ctx, protocol.PathTelemetry, s.telemetry.Payload(firstTurn),
		protocol.Header{Key: protocol.HeaderRequestID, Value: s.requestID},
	)
}

// close closes the connection once; later calls return the first result.
func (s *session) close(code websocket.StatusCode, reason string) error {
	s.closeOnce.Do(func() {
		if s.conn == nil {
			return
		}
		s.closeErr = s.conn.Close(code, reason)
		s.log.Debug("connection closed", "code", code, "reason", reason)
	})
	return s.closeErr
}
