package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/speechlink/pkg/protocol"
)

// EnvAPIKey names the environment variable that overrides speech.api_key.
const EnvAPIKey = "SPEECHLINK_API_KEY"

// maxChunkSize bounds speech.chunk_size to what the service accepts in a
// single audio message.
const maxChunkSize = 1 << 20

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults and environment overrides applied.
// It is a convenience wrapper around [LoadFromReader] and [ApplyEnv].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	ApplyEnv(cfg)
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and validates
// the result. An empty document yields the default configuration.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides config values from the environment.
func ApplyEnv(cfg *Config) {
	if key := os.Getenv(EnvAPIKey); key != "" {
		cfg.Speech.APIKey = key
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Speech
	sp := cfg.Speech
	if sp.Format != "" && !sp.Format.IsValid() {
		errs = append(errs, fmt.Errorf("speech.format %q is invalid; valid values: simple, detailed", sp.Format))
	}
	if sp.Mode != "" && !sp.Mode.IsValid() {
		errs = append(errs, fmt.Errorf("speech.mode %q is invalid; valid values: interactive, conversation, dictation", sp.Mode))
	}
	if sp.ChunkSize < 0 || sp.ChunkSize > maxChunkSize {
		errs = append(errs, fmt.Errorf("speech.chunk_size %d is out of range [1, %d]", sp.ChunkSize, maxChunkSize))
	}
	if sp.Turns < 0 {
		errs = append(errs, fmt.Errorf("speech.turns %d must not be negative", sp.Turns))
	}
	if sp.TokenURL != "" {
		if err := checkURL(sp.TokenURL, "http", "https"); err != nil {
			errs = append(errs, fmt.Errorf("speech.token_url: %w", err))
		}
	}
	for mode, endpoint := range sp.Endpoints {
		if !mode.IsValid() {
			errs = append(errs, fmt.Errorf("speech.endpoints: unknown mode %q", mode))
			continue
		}
		if err := checkURL(endpoint, "ws", "wss"); err != nil {
			errs = append(errs, fmt.Errorf("speech.endpoints.%s: %w", mode, err))
		}
	}

	// History availability
	if cfg.History.PostgresDSN == "" {
		slog.Debug("history.postgres_dsn is empty; recognition history will not be recorded")
	}

	return errors.Join(errs...)
}

func checkURL(raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid URL %q: %w", raw, err)
	}
	if !slices.Contains(schemes, u.Scheme) || u.Host == "" {
		return fmt.Errorf("URL %q must be absolute with scheme %v", raw, schemes)
	}
	return nil
}

// EndpointOverrides returns the configured endpoint overrides that differ from
// [protocol.DefaultEndpoints].
func (s SpeechConfig) EndpointOverrides() map[protocol.Mode]string {
	out := make(map[protocol.Mode]string)
	for mode, u := range s.Endpoints {
		if protocol.DefaultEndpoints[mode] != u {
			out[mode] = u
		}
	}
	return out
}
