package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/speechlink/internal/health"
	"github.com/MrWong99/speechlink/internal/history"
	"github.com/MrWong99/speechlink/internal/observe"
	"github.com/MrWong99/speechlink/pkg/audio"
	"github.com/MrWong99/speechlink/pkg/protocol"
	"github.com/MrWong99/speechlink/pkg/recognizer"
)

const (
	// maxUploadBytes caps the multipart body of POST /recognize.
	maxUploadBytes = 32 << 20

	// multipartMemory is the part of an upload kept in memory before
	// spilling to a temporary file.
	multipartMemory = 8 << 20

	// recognizeTimeout bounds a single recognition served over HTTP.
	recognizeTimeout = 2 * time.Minute

	shutdownTimeout = 10 * time.Second
)

// recognizeResponse is the JSON body of a successful POST /recognize.
type recognizeResponse struct {
	Phrase     string `json:"phrase"`
	Recognized bool   `json:"recognized"`
	Message    string `json:"message"`
	RequestID  string `json:"request_id"`
	Turns      int    `json:"turns"`
}

type historyResponse struct {
	Recognitions []history.Record `json:"recognitions"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Handler returns the HTTP front end: recognition, history, health probes and
// (with [WithGatherer]) Prometheus metrics, wrapped in [observe.Middleware].
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /recognize", a.handleRecognize)
	mux.HandleFunc("GET /history", a.handleHistory)

	checkers := []health.Checker{
		{Name: "token", Check: a.checkToken},
		health.PingChecker("history", a.history),
	}
	health.New(checkers...).Register(mux)

	if a.gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(a.gatherer, promhttp.HandlerOpts{}))
	}
	return observe.Middleware(a.metrics)(mux)
}

// checkToken reports whether the configured credentials yield a token.
func (a *App) checkToken(ctx context.Context) error {
	a.mu.RLock()
	ts := a.tokens
	a.mu.RUnlock()
	if ts == nil {
		return ErrNoCredentials
	}
	return health.TokenChecker(ts).Check(ctx)
}

func (a *App) handleRecognize(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		status := http.StatusBadRequest
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		writeError(w, status, fmt.Errorf("parse form: %w", err))
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, _, err := r.FormFile("audio")
	if err != nil {
		writeError(w, http.StatusBadRequest, errors.New(`missing "audio" file`))
		return
	}
	defer file.Close()

	rr := RecognizeRequest{
		Language: r.FormValue("language"),
		Format:   protocol.Format(r.FormValue("format")),
		Mode:     protocol.Mode(r.FormValue("mode")),
		APIKey:   r.FormValue("key"),
	}
	if s := r.FormValue("turns"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid turns %q", s))
			return
		}
		rr.Turns = n
	}

	var src audio.Source = audio.NewChunkReader(file, a.ChunkSize())
	if s := r.FormValue("normalize"); s != "" {
		on, err := strconv.ParseBool(s)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid normalize %q", s))
			return
		}
		if on {
			cr, _, err := audio.NormalizeReader(file, a.ChunkSize())
			if err != nil {
				writeError(w, http.StatusUnsupportedMediaType, err)
				return
			}
			src = cr
		}
	}

	ctx, cancel := context.WithTimeout(r.Context(), recognizeTimeout)
	defer cancel()

	res, err := a.Recognize(ctx, rr, src)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, recognizeResponse{
		Phrase:     res.Phrase,
		Recognized: res.Recognized(),
		Message:    Summary(res),
		RequestID:  res.RequestID,
		Turns:      res.Turns,
	})
}

func (a *App) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid limit %q", s))
			return
		}
		limit = n
	}
	recs, err := a.history.Recent(r.Context(), limit)
	if err != nil {
		observe.Logger(r.Context()).Error("history query failed", "err", err)
		writeError(w, http.StatusInternalServerError, errors.New("history unavailable"))
		return
	}
	if recs == nil {
		recs = []history.Record{}
	}
	writeJSON(w, http.StatusOK, historyResponse{Recognitions: recs})
}

// statusFor maps a recognition error to an HTTP status code.
func statusFor(err error) int {
	switch {
	case errors.Is(err, recognizer.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, ErrNoCredentials):
		return http.StatusUnauthorized
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusBadGateway
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

// Run serves the HTTP front end on the configured listen address and blocks
// until ctx is cancelled. The server is then shut down gracefully and Run
// returns ctx.Err().
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.listenAddr)
	if err != nil {
		return fmt.Errorf("app: listen: %w", err)
	}
	return a.Serve(ctx, ln)
}

// Serve is like [App.Run] but accepts connections on ln.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           a.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()
	a.log.Info("http server listening", "addr", ln.Addr().String())

	select {
	case err := <-errCh:
		return fmt.Errorf("app: serve: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Warn("http server shutdown", "err", err)
	}
	return ctx.Err()
}
