package config

import (
	"maps"
	"reflect"
)

// ConfigDiff describes what changed between two configs. Only the log level
// can be applied to a running process; every other changed section is listed
// in RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// RestartRequired names the top-level sections that changed and only
	// take effect after a restart, in declaration order.
	RestartRequired []string
}

// Empty reports whether nothing changed.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && len(d.RestartRequired) == 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.Server.MetricsAddr != new.Server.MetricsAddr {
		d.RestartRequired = append(d.RestartRequired, "server.metrics_addr")
	}
	if !voicesEqual(old.Voices, new.Voices) {
		d.RestartRequired = append(d.RestartRequired, "voices")
	}
	if old.Storage != new.Storage {
		d.RestartRequired = append(d.RestartRequired, "storage")
	}
	if old.Remote != new.Remote {
		d.RestartRequired = append(d.RestartRequired, "remote")
	}
	if old.Cache != new.Cache {
		d.RestartRequired = append(d.RestartRequired, "cache")
	}
	if !reflect.DeepEqual(old.TTS, new.TTS) {
		d.RestartRequired = append(d.RestartRequired, "tts")
	}
	return d
}

func voicesEqual(a, b VoicesConfig) bool {
	return a.FallbackVoice == b.FallbackVoice &&
		a.DeprecatedVoice == b.DeprecatedVoice &&
		maps.Equal(a.Archetypes, b.Archetypes) &&
		maps.Equal(a.Types, b.Types) &&
		maps.Equal(a.Characters, b.Characters)
}
