// Package recognizer is a streaming client for the WebSocket speech
// recognition service.
//
// A call to [Client.Recognize] opens one session: it obtains a bearer token,
// dials the endpoint for the requested mode, sends the speech.config message
// and then runs two activities over the same connection until both finish:
//
//   - the uploader, which sends the audio source as binary audio messages;
//   - the interpreter, which decodes inbound messages, drives the
//     turn-tracking [State] and reports telemetry at the end of each turn.
//
// The call returns only when both activities are done. A connection that
// closes underneath either activity ends it normally; decode and protocol
// errors close the connection and are returned to the caller.
package recognizer

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"golang.org/x/oauth2"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/speechlink/pkg/audio"
	"github.com/MrWong99/speechlink/pkg/protocol"
)

const defaultLanguage = "en-US"

// Option is a functional option for configuring a [Client].
type Option func(*Client)

// WithEndpoint overrides the base WebSocket URL used for mode.
func WithEndpoint(mode protocol.Mode, url string) Option {
	return func(c *Client) {
		c.endpoints[mode] = url
	}
}

// WithHTTPClient sets the HTTP client used for the WebSocket handshake.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		c.log = l
	}
}

// Client runs recognition sessions. It holds no per-session state and is safe
// for concurrent use; every Recognize call opens its own connection.
type Client struct {
	tokens     oauth2.TokenSource
	endpoints  map[protocol.Mode]string
	httpClient *http.Client
	log        *slog.Logger
	now        func() time.Time
}

// New creates a Client. tokens supplies the bearer token for each connection;
// refreshing it before expiry is the token source's job (see package auth).
func New(tokens oauth2.TokenSource, opts ...Option) (*Client, error) {
	if tokens == nil {
		return nil, fmt.Errorf("recognizer: token source must not be nil")
	}
	c := &Client{
		tokens:    tokens,
		endpoints: maps.Clone(protocol.DefaultEndpoints),
		log:       slog.Default(),
		now:       time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// Request describes one recognition call.
type Request struct {
	// Language is the BCP-47 tag of the spoken language. Default: "en-US".
	Language string

	// Format selects the phrase payload shape. Default: simple.
	Format protocol.Format

	// Mode selects the endpoint. Default: interactive.
	Mode protocol.Mode

	// Turns is the number of completed turns to wait for. Default: 1, which
	// suits recognising a single utterance from a finite file.
	Turns int

	// OnHypothesis, if set, is called with every interim hypothesis. It runs
	// on the receive path and must not block.
	OnHypothesis func(text string)
}

func (r Request) withDefaults() (Request, error) {
	if r.Language == "" {
		r.Language = defaultLanguage
	}
	if r.Format == "" {
		r.Format = protocol.FormatSimple
	}
	if r.Mode == "" {
		r.Mode = protocol.ModeInteractive
	}
	if r.Turns <= 0 {
		r.Turns = 1
	}
	if !r.Format.IsValid() {
		return r, fmt.Errorf("%w: format %q; valid values: simple, detailed", ErrInvalidRequest, r.Format)
	}
	if !r.Mode.IsValid() {
		return r, fmt.Errorf("%w: mode %q; valid values: interactive, conversation, dictation", ErrInvalidRequest, r.Mode)
	}
	return r, nil
}

// Result is the outcome of a recognition call that did not fail.
type Result struct {
	// Phrase is the final recognized phrase, empty if nothing was recognized.
	Phrase string

	// Phrases holds the phrase of every successful turn in order.
	Phrases []string

	// Hypothesis is the last interim hypothesis received.
	Hypothesis string

	// Turns is the number of turns the service started.
	Turns int

	// ConnectionClosed reports that the connection closed before the
	// requested number of turns completed.
	ConnectionClosed bool

	// ChunksSent is the number of audio messages written.
	ChunksSent int

	// FramesReceived is the number of inbound messages decoded.
	FramesReceived int

	InstanceID   string
	ConnectionID string
	RequestID    string

	// Received lists the receipt times of every inbound path.
	Received []ReceivedMessage
}

// Recognized reports whether a non-empty phrase was recognized.
func (r *Result) Recognized() bool {
	return r != nil && r.Phrase != ""
}

// Recognize streams src to the service and returns the recognized phrase. A
// nil error with an empty [Result.Phrase] means the service recognized
// nothing; a non-nil error means the protocol exchange failed. The call has no
// internal timeout; bound it with ctx.
func (c *Client) Recognize(ctx context.Context, req Request, src audio.Source) (*Result, error) {
	req, err := req.withDefaults()
	if err != nil {
		return nil, err
	}

	s := newSession(c, req)
	if err := s.open(ctx, c); err != nil {
		return nil, err
	}
	defer s.close(websocket.StatusNormalClosure, "recognition complete")

	if err := s.sendConfig(ctx); err != nil {
		return nil, fmt.Errorf("recognizer: send %s: %w", protocol.PathSpeechConfig, err)
	}

	up := &uploader{s: s, src: src}
	in := &interpreter{s: s}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return up.run(gctx) })
	g.Go(func() error { return in.run(gctx) })
	if err := g.Wait(); err != nil {
		return nil, err
	}

	res := &Result{
		Phrase:           in.state.Phrase,
		Phrases:          in.state.Phrases,
		Hypothesis:       in.state.Hypothesis,
		Turns:            in.state.TurnCount,
		ConnectionClosed: in.closed,
		ChunksSent:       up.sent,
		FramesReceived:   in.received,
		InstanceID:       s.instanceID,
		ConnectionID:     s.connectionID,
		RequestID:        s.requestID,
		Received:         s.telemetry.Payload(false).ReceivedMessages,
	}
	s.log.Info("recognition finished",
		"recognized", res.Recognized(),
		"turns", res.Turns,
		"chunks", res.ChunksSent,
		"closed", res.ConnectionClosed,
	)
	return res, nil
}
