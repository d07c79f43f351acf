package recognizer_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"golang.org/x/oauth2"

	"github.com/MrWong99/speechlink/pkg/audio"
	"github.com/MrWong99/speechlink/pkg/auth"
	"github.com/MrWong99/speechlink/pkg/protocol"
	"github.com/MrWong99/speechlink/pkg/recognizer"
)

// ── Helpers ───────────────────────────────────────────────────────────────────

// wsURL converts an httptest server HTTP URL to a WebSocket URL.
func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// serviceLog records what the fake recognition service observed.
type serviceLog struct {
	mu          sync.Mutex
	header      http.Header
	query       url.Values
	text        []*protocol.Frame
	audio       []*protocol.Frame
	closeStatus websocket.StatusCode
}

func (l *serviceLog) snapshot() (text, audio []*protocol.Frame) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*protocol.Frame(nil), l.text...), append([]*protocol.Frame(nil), l.audio...)
}

func (l *serviceLog) status() websocket.StatusCode {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closeStatus
}

// startService launches a fake recognition service. It reads every client
// message until the connection closes and runs script once, after the first
// audio message arrives.
func startService(t *testing.T, script func(ctx context.Context, conn *websocket.Conn)) (*httptest.Server, *serviceLog) {
	t.Helper()
	log := &serviceLog{closeStatus: -1}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log.mu.Lock()
		log.header = r.Header.Clone()
		log.query = r.URL.Query()
		log.mu.Unlock()

		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")

		ctx := r.Context()
		scripted := false
		for {
			typ, data, err := conn.Read(ctx)
			if err != nil {
				log.mu.Lock()
				log.closeStatus = websocket.CloseStatus(err)
				log.mu.Unlock()
				return
			}
			f, err := protocol.Decode(data, typ == websocket.MessageBinary)
			if err != nil {
				t.Errorf("service: decode client message: %v", err)
				return
			}
			log.mu.Lock()
			if f.Binary {
				log.audio = append(log.audio, f)
			} else {
				log.text = append(log.text, f)
			}
			log.mu.Unlock()

			if f.Binary && !scripted {
				scripted = true
				script(ctx, conn)
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv, log
}

// send writes one service event as a text message.
func send(ctx context.Context, conn *websocket.Conn, path, body string) {
	msg := "X-RequestId: 0123456789abcdef0123456789abcdef\r\n" +
		"Content-Type: application/json; charset=utf-8\r\n" +
		"Path: " + path + "\r\n\r\n" + body
	_ = conn.Write(ctx, websocket.MessageText, []byte(msg))
}

func newClient(t *testing.T, srv *httptest.Server, mode protocol.Mode) *recognizer.Client {
	t.Helper()
	c, err := recognizer.New(auth.StaticToken("tok"),
		recognizer.WithEndpoint(mode, wsURL(srv)+"/speech/recognition/"+string(mode)+"/cognitiveservices/v1"),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func audioSource(n int) audio.Source {
	return audio.NewChunkReader(bytes.NewReader(bytes.Repeat([]byte{0x52}, n)), 8192)
}

func withTimeout(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// ── Recognize ─────────────────────────────────────────────────────────────────

func TestRecognize_SimpleFormat(t *testing.T) {
	t.Parallel()

	srv, log := startService(t, func(ctx context.Context, conn *websocket.Conn) {
		send(ctx, conn, protocol.PathTurnStart, `{"context":{"serviceTag":"7B33613B91714B32817815DC89633109"}}`)
		send(ctx, conn, protocol.PathSpeechStartDetected, `{"Offset":1000000}`)
		send(ctx, conn, protocol.PathSpeechHypothesis, `{"Text":"what's","Offset":1000000,"Duration":2300000}`)
		send(ctx, conn, protocol.PathSpeechHypothesis, `{"Text":"what's the weather","Offset":1000000,"Duration":8000000}`)
		send(ctx, conn, protocol.PathSpeechEndDetected, `{"Offset":9000000}`)
		send(ctx, conn, protocol.PathSpeechPhrase, `{"RecognitionStatus":"Success","DisplayText":"What's the weather like?","Offset":1000000,"Duration":8000000}`)
		send(ctx, conn, protocol.PathTurnEnd, `{}`)
	})

	var mu sync.Mutex
	var hyps []string
	res, err := newClient(t, srv, protocol.ModeInteractive).Recognize(withTimeout(t), recognizer.Request{
		OnHypothesis: func(h string) {
			mu.Lock()
			hyps = append(hyps, h)
			mu.Unlock()
		},
	}, audioSource(20000))
	if err != nil {
		t.Fatalf("Recognize: %v", err)
	}

	if res.Phrase != "What's the weather like?" || !res.Recognized() {
		t.Errorf("Phrase = %q", res.Phrase)
	}
	if res.Turns != 1 || res.ConnectionClosed {
		t.Errorf("Turns = %d, ConnectionClosed = %v", res.Turns, res.ConnectionClosed)
	}
	if res.ChunksSent != 3 {
		t.Errorf("ChunksSent = %d; want 3", res.ChunksSent)
	}
	if res.FramesReceived != 7 {
		t.Errorf("FramesReceived = %d; want 7", res.FramesReceived)
	}
	mu.Lock()
	if len(hyps) != 2 || hyps[1] != "what's the weather" {
		t.Errorf("hypotheses = %v", hyps)
	}
	mu.Unlock()

	// Handshake.
	log.mu.Lock()
	if got := log.header.Get("Authorization"); got != "Bearer tok" {
		t.Errorf("Authorization = %q", got)
	}
	if got := log.header.Get(protocol.HeaderConnectionID); got != res.ConnectionID || len(got) != 32 {
		t.Errorf("X-ConnectionId = %q; want %q", got, res.ConnectionID)
	}
	if log.query.Get("language") != "en-US" || log.query.Get("format") != "simple" {
		t.Errorf("query = %v", log.query)
	}
	log.mu.Unlock()

	text, audioFrames := log.snapshot()

	// speech.config first, telemetry after the turn.
	if len(text) != 2 {
		t.Fatalf("text messages = %d; want config and telemetry", len(text))
	}
	if text[0].Path != protocol.PathSpeechConfig {
		t.Errorf("first message path = %q; want speech.config", text[0].Path)
	}
	var cfg struct {
		Context struct {
			System struct{ Version string } `json:"system"`
		} `json:"context"`
	}
	if err := json.Unmarshal(text[0].Body, &cfg); err != nil || cfg.Context.System.Version != "5.4" {
		t.Errorf("speech.config body = %s (err %v)", text[0].Body, err)
	}
	tel := text[1]
	if tel.Path != protocol.PathTelemetry || tel.Headers[protocol.HeaderRequestID] != res.RequestID {
		t.Errorf("telemetry frame = %+v", tel.Headers)
	}
	var payload struct {
		ReceivedMessages []map[string]json.RawMessage
		Metrics          []map[string]string
	}
	if err := json.Unmarshal(tel.Body, &payload); err != nil {
		t.Fatalf("telemetry body: %v", err)
	}
	if len(payload.Metrics) != 1 || payload.Metrics[0]["Id"] != res.ConnectionID || payload.Metrics[0]["Name"] != "Connection" {
		t.Errorf("Metrics = %v", payload.Metrics)
	}
	var hypTimes []string
	for _, m := range payload.ReceivedMessages {
		if raw, ok := m[protocol.PathSpeechHypothesis]; ok {
			if err := json.Unmarshal(raw, &hypTimes); err != nil {
				t.Errorf("speech.hypothesis entry is not a list: %s", raw)
			}
		}
	}
	if len(hypTimes) != 2 {
		t.Errorf("speech.hypothesis timestamps = %v; want 2", hypTimes)
	}

	// Audio frames carry the request id and arrive in order.
	if len(audioFrames) != 3 {
		t.Fatalf("audio messages = %d; want 3", len(audioFrames))
	}
	wantSizes := []int{8192, 8192, 20000 - 2*8192}
	for i, f := range audioFrames {
		if f.Path != protocol.PathAudio || f.Headers[protocol.HeaderRequestID] != res.RequestID {
			t.Errorf("audio %d headers = %v", i, f.Headers)
		}
		if len(f.Body) != wantSizes[i] {
			t.Errorf("audio %d size = %d; want %d", i, len(f.Body), wantSizes[i])
		}
	}
}

func TestRecognize_DetailedFormat(t *testing.T) {
	t.Parallel()

	srv, log := startService(t, func(ctx context.Context, conn *websocket.Conn) {
		send(ctx, conn, protocol.PathTurnStart, `{}`)
		send(ctx, conn, protocol.PathSpeechPhrase, `{"RecognitionStatus":"Success","Offset":0,"Duration":100,`+
			`"NBest":[{"Confidence":0.93,"Lexical":"the quick brown fox","ITN":"the quick brown fox","MaskedITN":"the quick brown fox","Display":"The quick brown fox."}]}`)
		send(ctx, conn, protocol.PathTurnEnd, `{}`)
	})

	res, err := newClient(t, srv, protocol.ModeDictation).Recognize(withTimeout(t), recognizer.Request{
		Language: "de-DE",
		Format:   protocol.FormatDetailed,
		Mode:     protocol.ModeDictation,
	}, audioSource(100))
	if err != nil {
		t.Fatalf("Recognize: %v", err)
	}
	if res.Phrase != "The quick brown fox." {
		t.Errorf("Phrase = %q", res.Phrase)
	}
	log.mu.Lock()
	defer log.mu.Unlock()
	if log.query.Get("format") != "detailed" || log.query.Get("language") != "de-DE" {
		t.Errorf("query = %v", log.query)
	}
}

func TestRecognize_NoMatchIsNotAnError(t *testing.T) {
	t.Parallel()

	srv, _ := startService(t, func(ctx context.Context, conn *websocket.Conn) {
		send(ctx, conn, protocol.PathTurnStart, `{}`)
		send(ctx, conn, protocol.PathSpeechPhrase, `{"RecognitionStatus":"NoMatch","Offset":0,"Duration":0}`)
		send(ctx, conn, protocol.PathTurnEnd, `{}`)
	})

	res, err := newClient(t, srv, protocol.ModeInteractive).Recognize(withTimeout(t), recognizer.Request{}, audioSource(10))
	if err != nil {
		t.Fatalf("Recognize: %v", err)
	}
	if res.Recognized() {
		t.Errorf("Recognized() = true with phrase %q", res.Phrase)
	}
}

// gatedSource yields one chunk immediately and a second only after gate is
// closed.
type gatedSource struct {
	gate  chan struct{}
	calls int
}

func (s *gatedSource) NextChunk() ([]byte, error) {
	s.calls++
	switch s.calls {
	case 1:
		return []byte("first"), nil
	case 2:
		<-s.gate
		return []byte("second"), nil
	default:
		return nil, nil
	}
}

func TestRecognize_WaitsForUploader(t *testing.T) {
	t.Parallel()

	srv, log := startService(t, func(ctx context.Context, conn *websocket.Conn) {
		send(ctx, conn, protocol.PathTurnStart, `{}`)
		send(ctx, conn, protocol.PathSpeechPhrase, `{"RecognitionStatus":"Success","DisplayText":"early"}`)
		send(ctx, conn, protocol.PathTurnEnd, `{}`)
	})

	src := &gatedSource{gate: make(chan struct{})}
	type outcome struct {
		res *recognizer.Result
		err error
	}
	c := newClient(t, srv, protocol.ModeInteractive)
	ctx := withTimeout(t)
	done := make(chan outcome, 1)
	go func() {
		res, err := c.Recognize(ctx, recognizer.Request{}, src)
		done <- outcome{res, err}
	}()

	// The second text message is the client's telemetry for the finished turn.
	deadline := time.Now().Add(5 * time.Second)
	for {
		if text, _ := log.snapshot(); len(text) >= 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("timeout waiting for the turn to end")
		}
		time.Sleep(5 * time.Millisecond)
	}
	select {
	case o := <-done:
		t.Fatalf("Recognize returned before the upload finished: %+v", o)
	case <-time.After(50 * time.Millisecond):
	}

	close(src.gate)
	o := <-done
	if o.err != nil {
		t.Fatalf("Recognize: %v", o.err)
	}
	if o.res.Phrase != "early" || o.res.ChunksSent != 2 {
		t.Errorf("result = %+v", o.res)
	}
}

func TestRecognize_MissingDisplayText(t *testing.T) {
	t.Parallel()

	srv, log := startService(t, func(ctx context.Context, conn *websocket.Conn) {
		send(ctx, conn, protocol.PathTurnStart, `{}`)
		send(ctx, conn, protocol.PathSpeechPhrase, `{"RecognitionStatus":"Success","Offset":0}`)
		send(ctx, conn, protocol.PathTurnEnd, `{}`)
	})

	res, err := newClient(t, srv, protocol.ModeInteractive).Recognize(withTimeout(t), recognizer.Request{}, audioSource(10))
	if !errors.Is(err, protocol.ErrMissingField) {
		t.Fatalf("err = %v; want ErrMissingField", err)
	}
	if res != nil {
		t.Errorf("result = %+v; want nil", res)
	}
	waitStatus(t, log, websocket.StatusInvalidFramePayloadData)
}

func TestRecognize_EventOutsideTurn(t *testing.T) {
	t.Parallel()

	srv, log := startService(t, func(ctx context.Context, conn *websocket.Conn) {
		send(ctx, conn, protocol.PathSpeechHypothesis, `{"Text":"too soon"}`)
	})

	_, err := newClient(t, srv, protocol.ModeInteractive).Recognize(withTimeout(t), recognizer.Request{}, audioSource(10))
	var ue *protocol.UnexpectedEventError
	if !errors.As(err, &ue) || ue.Path != protocol.PathSpeechHypothesis {
		t.Fatalf("err = %v; want UnexpectedEventError for speech.hypothesis", err)
	}
	waitStatus(t, log, websocket.StatusProtocolError)
}

func waitStatus(t *testing.T, log *serviceLog, want websocket.StatusCode) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if got := log.status(); got == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Errorf("service saw close status %v; want %v", log.status(), want)
}

// endlessSource never runs out of audio.
type endlessSource struct{}

func (endlessSource) NextChunk() ([]byte, error) { return make([]byte, 1024), nil }

func TestRecognize_PeerClosesBeforeTurnEnd(t *testing.T) {
	t.Parallel()

	srv, _ := startService(t, func(ctx context.Context, conn *websocket.Conn) {
		send(ctx, conn, protocol.PathTurnStart, `{}`)
		conn.Close(websocket.StatusNormalClosure, "bye")
	})

	res, err := newClient(t, srv, protocol.ModeInteractive).Recognize(withTimeout(t), recognizer.Request{}, endlessSource{})
	if err != nil {
		t.Fatalf("Recognize: %v", err)
	}
	if !res.ConnectionClosed {
		t.Error("ConnectionClosed = false; want true")
	}
	if res.Turns != 1 || res.Recognized() {
		t.Errorf("result = %+v", res)
	}
}

func TestRecognize_HandshakeRejected(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "invalid token", http.StatusUnauthorized)
	}))
	t.Cleanup(srv.Close)

	_, err := newClient(t, srv, protocol.ModeInteractive).Recognize(withTimeout(t), recognizer.Request{}, audioSource(10))
	var ce *recognizer.ConnectError
	if !errors.As(err, &ce) {
		t.Fatalf("err = %v; want ConnectError", err)
	}
	if ce.StatusCode != http.StatusUnauthorized {
		t.Errorf("StatusCode = %d; want 401", ce.StatusCode)
	}
}

type failingTokens struct{}

func (failingTokens) Token() (*oauth2.Token, error) { return nil, errors.New("issuer down") }

func TestRecognize_TokenFailure(t *testing.T) {
	t.Parallel()

	c, err := recognizer.New(failingTokens{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, err = c.Recognize(withTimeout(t), recognizer.Request{}, audioSource(10))
	var ce *recognizer.ConnectError
	if !errors.As(err, &ce) || !strings.Contains(err.Error(), "issuer down") {
		t.Fatalf("err = %v; want ConnectError wrapping the token failure", err)
	}
}

func TestRecognize_InvalidRequest(t *testing.T) {
	t.Parallel()

	c, err := recognizer.New(auth.StaticToken("tok"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	for _, req := range []recognizer.Request{
		{Format: "xml"},
		{Mode: "shouting"},
	} {
		if _, err := c.Recognize(context.Background(), req, audioSource(1)); !errors.Is(err, recognizer.ErrInvalidRequest) {
			t.Errorf("Recognize(%+v) err = %v; want ErrInvalidRequest", req, err)
		}
	}
}

func TestNew_NilTokenSource(t *testing.T) {
	t.Parallel()

	if _, err := recognizer.New(nil); err == nil {
		t.Fatal("New(nil) returned no error")
	}
}
