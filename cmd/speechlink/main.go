// Command speechlink recognizes speech in an audio file using the streaming
// WebSocket speech service, or serves the same capability over HTTP.
//
//	speechlink [flags] utterance.wav
//	speechlink -serve [-config speechlink.yaml]
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/MrWong99/speechlink/internal/app"
	"github.com/MrWong99/speechlink/internal/config"
	"github.com/MrWong99/speechlink/internal/observe"
	"github.com/MrWong99/speechlink/pkg/audio"
	"github.com/MrWong99/speechlink/pkg/protocol"
)

// version is set at build time via -ldflags.
var version = "dev"

const defaultConfigPath = "speechlink.yaml"

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

// options holds the parsed command line.
type options struct {
	configPath     string
	configExplicit bool
	language       string
	format         string
	mode           string
	turns          int
	key            string
	serve          bool
	normalize      bool
	audioPath      string
}

func run(args []string, stdout, stderr io.Writer) int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	opts, err := parseFlags(args, stderr)
	if errors.Is(err, flag.ErrHelp) {
		return 0
	}
	if err != nil {
		fmt.Fprintf(stderr, "speechlink: %v\n", err)
		return 2
	}

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := loadConfig(opts)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(stderr, "speechlink: config file %q not found; copy configs/example.yaml to get started\n", opts.configPath)
		} else {
			fmt.Fprintf(stderr, "speechlink: %v\n", err)
		}
		return 1
	}
	opts.override(cfg)

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(cfg.Server.LogLevel.SlogLevel())
	logger := newLogger(stderr, level)
	slog.SetDefault(logger)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if opts.serve {
		return serve(ctx, opts, cfg, level, logger, stdout)
	}
	return recognize(ctx, opts, cfg, logger, stdout, stderr)
}

func parseFlags(args []string, stderr io.Writer) (*options, error) {
	o := &options{}
	fs := flag.NewFlagSet("speechlink", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&o.configPath, "config", defaultConfigPath, "path to the YAML configuration file")
	fs.StringVar(&o.language, "language", "", "recognition language, e.g. en-US (default from config)")
	fs.StringVar(&o.format, "format", "", "response format: simple or detailed (default from config)")
	fs.StringVar(&o.mode, "mode", "", "recognition mode: interactive, conversation or dictation (default from config)")
	fs.IntVar(&o.turns, "turns", 0, "number of turns to wait for (default from config)")
	fs.StringVar(&o.key, "key", "", "API key; overrides the config file and "+config.EnvAPIKey)
	fs.BoolVar(&o.normalize, "normalize", false, "convert 16-bit PCM WAV input to 16 kHz mono before sending")
	fs.BoolVar(&o.serve, "serve", false, "run the HTTP front end instead of recognizing a file")
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "usage: speechlink [flags] <audio-file>\n       speechlink -serve [flags]\n\nflags:\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	fs.Visit(func(f *flag.Flag) {
		if f.Name == "config" {
			o.configExplicit = true
		}
	})

	switch {
	case o.serve && fs.NArg() > 0:
		return nil, errors.New("-serve takes no audio file")
	case !o.serve && fs.NArg() != 1:
		fs.Usage()
		return nil, errors.New("exactly one audio file is required")
	case !o.serve:
		o.audioPath = fs.Arg(0)
	}
	if o.turns < 0 {
		return nil, fmt.Errorf("-turns must not be negative, got %d", o.turns)
	}
	return o, nil
}

// loadConfig reads the config file. A missing file at the default path
// falls back to the built-in defaults.
func loadConfig(o *options) (*config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err == nil || o.configExplicit || !errors.Is(err, os.ErrNotExist) {
		return cfg, err
	}
	cfg, err = config.LoadFromReader(strings.NewReader(""))
	if err != nil {
		return nil, err
	}
	config.ApplyEnv(cfg)
	return cfg, nil
}

// override applies command-line settings on top of cfg.
func (o *options) override(cfg *config.Config) {
	if o.key != "" {
		cfg.Speech.APIKey = o.key
	}
}

// ── Recognize mode ────────────────────────────────────────────────────────────

func recognize(ctx context.Context, o *options, cfg *config.Config, logger *slog.Logger, stdout, stderr io.Writer) int {
	application, err := app.New(ctx, cfg, app.WithLogger(logger))
	if err != nil {
		logger.Error("failed to initialise application", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = application.Shutdown(shutdownCtx)
	}()

	src, closeSrc, err := openAudio(o, application.ChunkSize(), logger)
	if err != nil {
		fmt.Fprintf(stderr, "speechlink: %v\n", err)
		return 1
	}
	defer closeSrc()

	res, err := application.Recognize(ctx, app.RecognizeRequest{
		Language: o.language,
		Format:   protocol.Format(o.format),
		Mode:     protocol.Mode(o.mode),
		Turns:    o.turns,
	}, src)
	if err != nil {
		fmt.Fprintf(stderr, "speechlink: %v\n", err)
		return 1
	}
	fmt.Fprintln(stdout, app.Summary(res))
	return 0
}

// openAudio returns the audio file as a source, normalized when requested,
// and a function that releases it.
func openAudio(o *options, chunkSize int, logger *slog.Logger) (audio.Source, func() error, error) {
	if !o.normalize {
		src, err := audio.OpenFile(o.audioPath, chunkSize)
		if err != nil {
			return nil, nil, err
		}
		return src, src.Close, nil
	}

	// Normalizing reads the whole file up front.
	f, err := os.Open(o.audioPath)
	if err != nil {
		return nil, nil, fmt.Errorf("audio: open %q: %w", o.audioPath, err)
	}
	defer f.Close()
	src, from, err := audio.NormalizeReader(f, chunkSize)
	if err != nil {
		return nil, nil, err
	}
	logger.Debug("normalized audio", "from", from.String(), "to", audio.ServiceFormat.String())
	return src, func() error { return nil }, nil
}

// ── Serve mode ────────────────────────────────────────────────────────────────

func serve(ctx context.Context, o *options, cfg *config.Config, level *slog.LevelVar, logger *slog.Logger, stdout io.Writer) int {
	logger.Info("speechlink starting",
		"version", version,
		"config", o.configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	shutdownOTel, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceVersion: version}, reg)
	if err != nil {
		logger.Error("failed to initialise telemetry", "err", err)
		return 1
	}

	application, err := app.New(ctx, cfg,
		app.WithLogger(logger),
		app.WithLevelVar(level),
		app.WithGatherer(reg),
	)
	if err != nil {
		logger.Error("failed to initialise application", "err", err)
		return 1
	}

	// ── Config hot reload ─────────────────────────────────────────────────────
	if _, err := os.Stat(o.configPath); err == nil {
		w, err := config.NewWatcher(o.configPath, func(old, new *config.Config) {
			prev, next := *old, *new
			o.override(&prev)
			o.override(&next)
			application.ApplyConfig(&prev, &next)
		})
		if err != nil {
			logger.Warn("config hot reload disabled", "err", err)
		} else {
			defer w.Stop()
		}
	}

	printStartupSummary(stdout, cfg)
	logger.Info("server ready; press Ctrl+C to shut down")

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("run error", "err", err)
		return 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	logger.Info("shutdown signal received, stopping")

	code := 0
	if err := application.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "err", err)
		code = 1
	}
	if err := shutdownOTel(shutdownCtx); err != nil {
		logger.Warn("telemetry shutdown error", "err", err)
	}
	logger.Info("goodbye")
	return code
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(w io.Writer, cfg *config.Config) {
	history := "(memory)"
	if cfg.History.PostgresDSN != "" {
		history = "postgres"
	}
	key := "(per request)"
	if cfg.Speech.APIKey != "" {
		key = "configured"
	}
	fmt.Fprintln(w, "╔═══════════════════════════════════════╗")
	fmt.Fprintln(w, "║       speechlink: startup summary     ║")
	fmt.Fprintln(w, "╠═══════════════════════════════════════╣")
	printRow(w, "Listen addr", cfg.Server.ListenAddr)
	printRow(w, "API key", key)
	printRow(w, "Language", cfg.Speech.Language)
	printRow(w, "Format", string(cfg.Speech.Format))
	printRow(w, "Mode", string(cfg.Speech.Mode))
	printRow(w, "History", history)
	fmt.Fprintln(w, "╚═══════════════════════════════════════╝")
}

func printRow(w io.Writer, label, value string) {
	if len(value) > 19 {
		value = value[:16] + "..."
	}
	fmt.Fprintf(w, "║  %-12s    : %-19s ║\n", label, value)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(w io.Writer, level *slog.LevelVar) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}
