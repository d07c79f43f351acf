package config

import "maps"

// ConfigDiff describes what changed between two configs.
// Only fields that can be applied to a running server are tracked; everything
// else requires a restart.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// SpeechChanged is true when any request default, the API key, or an
	// endpoint override changed.
	SpeechChanged bool

	// RestartRequired lists top-level settings that changed but only take
	// effect after a restart.
	RestartRequired []string
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if !speechEqual(old.Speech, new.Speech) {
		d.SpeechChanged = true
	}

	if old.Server.ListenAddr != new.Server.ListenAddr {
		d.RestartRequired = append(d.RestartRequired, "server.listen_addr")
	}
	if old.History.PostgresDSN != new.History.PostgresDSN {
		d.RestartRequired = append(d.RestartRequired, "history.postgres_dsn")
	}

	return d
}

func speechEqual(a, b SpeechConfig) bool {
	return a.APIKey == b.APIKey &&
		a.TokenURL == b.TokenURL &&
		a.Language == b.Language &&
		a.Format == b.Format &&
		a.Mode == b.Mode &&
		a.ChunkSize == b.ChunkSize &&
		a.Turns == b.Turns &&
		maps.Equal(a.Endpoints, b.Endpoints)
}
