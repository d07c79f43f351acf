// Package app wires the speechlink subsystems into a running application.
//
// The App struct owns the full lifecycle: New builds the token source,
// recognizer client and history store from the config, Recognize runs one
// instrumented recognition, Run serves the HTTP front end, and Shutdown tears
// everything down in order.
//
// For testing, inject doubles via functional options (WithTokenSource,
// WithHistory, etc.). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/oauth2"

	"github.com/MrWong99/speechlink/internal/config"
	"github.com/MrWong99/speechlink/internal/history"
	"github.com/MrWong99/speechlink/internal/observe"
	"github.com/MrWong99/speechlink/internal/resilience"
	"github.com/MrWong99/speechlink/pkg/audio"
	"github.com/MrWong99/speechlink/pkg/auth"
	"github.com/MrWong99/speechlink/pkg/protocol"
	"github.com/MrWong99/speechlink/pkg/recognizer"
)

// ErrNoCredentials is returned by [App.Recognize] when neither the config nor
// the request supplies an API key.
var ErrNoCredentials = errors.New("app: no API key configured")

// App owns all subsystem lifetimes.
type App struct {
	log        *slog.Logger
	level      *slog.LevelVar
	metrics    *observe.Metrics
	history    history.Store
	gatherer   prometheus.Gatherer
	httpClient *http.Client
	recOpts    []recognizer.Option
	listenAddr string

	// tokenCtx bounds every token request made by issuers built from config.
	tokenCtx context.Context

	// breaker guards the issuer built from speech.api_key. Per-request keys
	// are not guarded so one bad key cannot lock out the configured one.
	breaker *resilience.Breaker

	// injected is true when the token source came from WithTokenSource and
	// must survive config reloads.
	injected bool

	mu     sync.RWMutex
	speech config.SpeechConfig
	tokens oauth2.TokenSource // nil without an API key
	client *recognizer.Client // nil without an API key

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithTokenSource injects a token source instead of creating an issuer from
// speech.api_key.
func WithTokenSource(ts oauth2.TokenSource) Option {
	return func(a *App) {
		a.tokens = ts
		a.injected = ts != nil
	}
}

// WithHistory injects a history store instead of creating one from config.
func WithHistory(s history.Store) Option {
	return func(a *App) { a.history = s }
}

// WithMetrics sets the metric instruments. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLogger sets the base logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *App) { a.log = l }
}

// WithLevelVar lets [App.ApplyConfig] change the log level of a running
// process.
func WithLevelVar(v *slog.LevelVar) Option {
	return func(a *App) { a.level = v }
}

// WithGatherer serves g on GET /metrics. Without it the route is not
// registered.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(a *App) { a.gatherer = g }
}

// WithHTTPClient sets the HTTP client used for token requests and the
// WebSocket handshake.
func WithHTTPClient(c *http.Client) Option {
	return func(a *App) { a.httpClient = c }
}

// WithRecognizerOptions appends opts to every recognizer client the App
// builds. They are applied after the config-derived options.
func WithRecognizerOptions(opts ...recognizer.Option) Option {
	return func(a *App) { a.recOpts = append(a.recOpts, opts...) }
}

// New creates an App from cfg. cfg must already be validated.
//
// Without an API key in cfg or [WithTokenSource], New still succeeds and
// every recognition must then carry its own key.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{
		log:        slog.Default(),
		listenAddr: cfg.Server.ListenAddr,
		speech:     cfg.Speech,
		tokenCtx:   ctx,
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	a.breaker = resilience.New(resilience.Config{Name: "token issuer", Logger: a.log})

	if err := a.initHistory(ctx, cfg.History); err != nil {
		return nil, fmt.Errorf("app: init history: %w", err)
	}
	if err := a.initRecognizer(cfg.Speech); err != nil {
		return nil, fmt.Errorf("app: init recognizer: %w", err)
	}
	return a, nil
}

func (a *App) initHistory(ctx context.Context, cfg config.HistoryConfig) error {
	if a.history != nil {
		return nil
	}
	if cfg.PostgresDSN == "" {
		a.log.Info("history: no postgres_dsn configured, keeping recent results in memory")
		a.history = history.NewMemoryStore(0)
		return nil
	}
	store, err := history.NewPostgresStore(ctx, cfg.PostgresDSN)
	if err != nil {
		return err
	}
	a.history = store
	a.closers = append(a.closers, func() error {
		store.Close()
		return nil
	})
	return nil
}

func (a *App) initRecognizer(speech config.SpeechConfig) error {
	tokens := a.tokens
	if !a.injected {
		tokens = nil
		if speech.APIKey != "" {
			ts, err := a.newTokens(a.tokenCtx, speech.APIKey, speech, a.breaker)
			if err != nil {
				return err
			}
			tokens = ts
		}
	}

	var client *recognizer.Client
	if tokens != nil {
		c, err := a.buildClient(tokens, speech)
		if err != nil {
			return err
		}
		client = c
	} else {
		a.log.Warn("no API key configured; requests must supply their own")
	}

	a.mu.Lock()
	a.speech = speech
	a.tokens = tokens
	a.client = client
	a.mu.Unlock()
	return nil
}

// newTokens builds a caching issuer for key whose token requests are timed
// and, when b is non-nil, guarded by a circuit breaker.
func (a *App) newTokens(ctx context.Context, key string, speech config.SpeechConfig, b *resilience.Breaker) (oauth2.TokenSource, error) {
	var opts []auth.Option
	if speech.TokenURL != "" {
		opts = append(opts, auth.WithURL(speech.TokenURL))
	}
	if a.httpClient != nil {
		opts = append(opts, auth.WithHTTPClient(a.httpClient))
	}
	iss, err := auth.NewIssuer(ctx, key, opts...)
	if err != nil {
		return nil, err
	}
	var src oauth2.TokenSource = iss
	if b != nil {
		src = resilience.TokenSource(iss, b)
	}
	return oauth2.ReuseTokenSource(nil, &timedTokenSource{ctx: ctx, src: src, m: a.metrics}), nil
}

func (a *App) buildClient(tokens oauth2.TokenSource, speech config.SpeechConfig) (*recognizer.Client, error) {
	opts := []recognizer.Option{recognizer.WithLogger(a.log)}
	if a.httpClient != nil {
		opts = append(opts, recognizer.WithHTTPClient(a.httpClient))
	}
	for mode, u := range speech.EndpointOverrides() {
		opts = append(opts, recognizer.WithEndpoint(mode, u))
	}
	opts = append(opts, a.recOpts...)
	return recognizer.New(tokens, opts...)
}

// timedTokenSource records how long each token exchange takes.
type timedTokenSource struct {
	ctx context.Context
	src oauth2.TokenSource
	m   *observe.Metrics
}

func (t *timedTokenSource) Token() (*oauth2.Token, error) {
	start := time.Now()
	tok, err := t.src.Token()
	status := "ok"
	if err != nil {
		status = "error"
	}
	t.m.TokenDuration.Record(t.ctx, time.Since(start).Seconds(),
		metric.WithAttributes(observe.Attr("status", status)))
	return tok, err
}

// RecognizeRequest describes one recognition. Empty fields fall back to the
// speech section of the current config.
type RecognizeRequest struct {
	Language string
	Format   protocol.Format
	Mode     protocol.Mode
	Turns    int

	// APIKey, if set, is exchanged for a token for this request only.
	APIKey string

	// OnHypothesis is passed through to [recognizer.Request].
	OnHypothesis func(text string)
}

// ChunkSize returns the configured audio chunk size.
func (a *App) ChunkSize() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.speech.ChunkSize
}

// Recognize streams src to the speech service and returns the outcome. The
// call is traced, measured and recorded in the history store whether it
// succeeds or not.
func (a *App) Recognize(ctx context.Context, rr RecognizeRequest, src audio.Source) (*recognizer.Result, error) {
	a.mu.RLock()
	speech, client := a.speech, a.client
	a.mu.RUnlock()

	if rr.APIKey != "" {
		ts, err := a.newTokens(ctx, rr.APIKey, speech, nil)
		if err != nil {
			return nil, err
		}
		c, err := a.buildClient(ts, speech)
		if err != nil {
			return nil, err
		}
		client = c
	}
	if client == nil {
		return nil, ErrNoCredentials
	}

	req := recognizer.Request{
		Language:     cmp.Or(rr.Language, speech.Language),
		Format:       cmp.Or(rr.Format, speech.Format),
		Mode:         cmp.Or(rr.Mode, speech.Mode),
		Turns:        cmp.Or(rr.Turns, speech.Turns),
		OnHypothesis: rr.OnHypothesis,
	}

	ctx, span := observe.StartSpan(ctx, "speechlink.recognize",
		trace.WithAttributes(
			attribute.String("speech.language", req.Language),
			attribute.String("speech.format", string(req.Format)),
			attribute.String("speech.mode", string(req.Mode)),
		),
	)
	defer span.End()
	log := observe.LoggerFrom(ctx, a.log)

	a.metrics.ActiveSessions.Add(ctx, 1)
	defer a.metrics.ActiveSessions.Add(ctx, -1)

	start := time.Now()
	res, err := client.Recognize(ctx, req, src)
	elapsed := time.Since(start)

	rec := &history.Record{
		Language: req.Language,
		Format:   string(req.Format),
		Mode:     string(req.Mode),
		Duration: elapsed,
	}

	status := observe.StatusError
	if err != nil {
		kind := errorKind(err)
		a.metrics.RecordError(ctx, kind)
		span.RecordError(err)
		span.SetStatus(codes.Error, kind)
		rec.Error = err.Error()
		log.Warn("recognition failed", "kind", kind, "err", err, "duration", elapsed)
	} else {
		status = observe.StatusNoMatch
		if res.Recognized() {
			status = observe.StatusRecognized
		}
		for _, m := range res.Received {
			a.metrics.RecordFrames(ctx, m.Path, len(m.Timestamps))
		}
		a.metrics.AudioChunksSent.Add(ctx, int64(res.ChunksSent))
		span.SetAttributes(
			attribute.String("speech.request_id", res.RequestID),
			attribute.String("speech.connection_id", res.ConnectionID),
			attribute.Int("speech.turns", res.Turns),
			attribute.Bool("speech.recognized", res.Recognized()),
		)
		rec.RequestID = res.RequestID
		rec.ConnectionID = res.ConnectionID
		rec.Phrase = res.Phrase
		rec.Recognized = res.Recognized()
		log.Info("recognition finished",
			"request_id", res.RequestID,
			"recognized", res.Recognized(),
			"turns", res.Turns,
			"chunks", res.ChunksSent,
			"connection_closed", res.ConnectionClosed,
			"duration", elapsed,
		)
	}
	a.metrics.RecordRecognition(ctx, string(req.Mode), string(req.Format), status, elapsed)

	if herr := a.history.Save(context.WithoutCancel(ctx), rec); herr != nil {
		log.Warn("failed to record recognition", "err", herr)
	}
	return res, err
}

// errorKind classifies err for the "kind" metric attribute.
func errorKind(err error) string {
	var (
		connErr   *recognizer.ConnectError
		decodeErr *protocol.DecodeError
		eventErr  *protocol.UnexpectedEventError
	)
	switch {
	case errors.Is(err, recognizer.ErrInvalidRequest):
		return "invalid_request"
	case errors.As(err, &connErr):
		return "connect"
	case errors.As(err, &decodeErr):
		return "decode"
	case errors.As(err, &eventErr):
		return "protocol"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	}
	return "other"
}

// Summary renders res as the one-line message shown to users.
func Summary(res *recognizer.Result) string {
	if res.Recognized() {
		return "Recognized phrase: " + res.Phrase
	}
	return "Sorry, we were unable to recognize the utterance."
}

// ApplyConfig applies the hot-reloadable parts of a config change. It is
// meant to be passed to [config.NewWatcher].
func (a *App) ApplyConfig(old, new *config.Config) {
	d := config.Diff(old, new)

	if d.LogLevelChanged && a.level != nil {
		a.level.Set(d.NewLogLevel.SlogLevel())
		a.log.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.SpeechChanged {
		if err := a.initRecognizer(new.Speech); err != nil {
			a.log.Error("failed to apply speech config, keeping previous", "err", err)
		} else {
			a.log.Info("speech config reloaded",
				"language", new.Speech.Language,
				"format", new.Speech.Format,
				"mode", new.Speech.Mode,
			)
		}
	}
	for _, field := range d.RestartRequired {
		a.log.Warn("config change requires restart", "field", field)
	}
}

// Shutdown tears down all subsystems in init order. It respects the context
// deadline: if ctx expires before all closers finish, remaining closers are
// skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		a.log.Info("shutting down", "closers", len(a.closers))

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				a.log.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				a.log.Warn("closer error", "index", i, "err", err)
			}
		}

		a.log.Info("shutdown complete")
	})
	return shutdownErr
}
