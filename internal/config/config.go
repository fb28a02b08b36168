// Package config provides the configuration schema, loader, and file watcher
// for mangavox.
package config

import (
	"maps"

	"github.com/MrWong99/mangavox/pkg/voice"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// StorageBackend selects the local key-value store.
type StorageBackend string

const (
	// StorageFile keeps one file per key under [StorageConfig.Dir].
	StorageFile StorageBackend = "file"

	// StorageRedis keeps keys in Redis under [StorageConfig.RedisPrefix].
	StorageRedis StorageBackend = "redis"

	// StorageMemory keeps everything in process memory. Nothing survives a
	// restart.
	StorageMemory StorageBackend = "memory"
)

// IsValid reports whether b is a recognised backend.
func (b StorageBackend) IsValid() bool {
	switch b {
	case StorageFile, StorageRedis, StorageMemory:
		return true
	}
	return false
}

// TTSProvider selects the synthesis backend.
type TTSProvider string

const (
	TTSElevenLabs TTSProvider = "elevenlabs"
	TTSMock       TTSProvider = "mock"
)

// IsValid reports whether p is a recognised provider.
func (p TTSProvider) IsValid() bool {
	return p == TTSElevenLabs || p == TTSMock
}

// Config is the root configuration structure for mangavox.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Voices  VoicesConfig  `yaml:"voices"`
	Storage StorageConfig `yaml:"storage"`
	Remote  RemoteConfig  `yaml:"remote"`
	Cache   CacheConfig   `yaml:"cache"`
	TTS     TTSConfig     `yaml:"tts"`
}

// ServerConfig holds logging and telemetry settings.
type ServerConfig struct {
	// LogLevel controls verbosity. Defaults to info.
	LogLevel LogLevel `yaml:"log_level" env:"MANGAVOX_LOG_LEVEL"`

	// MetricsAddr is the listen address of the `serve` command's health and
	// Prometheus endpoints (e.g., ":9090").
	MetricsAddr string `yaml:"metrics_addr" env:"MANGAVOX_METRICS_ADDR"`
}

// VoicesConfig holds the static default voice tables. Any table left empty
// is taken from the built-in defaults.
type VoicesConfig struct {
	// FallbackVoice is used when nothing else matches.
	FallbackVoice string `yaml:"fallback_voice"`

	// DeprecatedVoice is a voice id that must never be served from voice
	// memory. Set to "none" to disable the check.
	DeprecatedVoice string `yaml:"deprecated_voice"`

	Archetypes map[string]string `yaml:"archetypes"`
	Types      map[string]string `yaml:"types"`
	Characters map[string]string `yaml:"characters"`
}

// Table builds the immutable default voice table.
func (v VoicesConfig) Table() *voice.Table {
	cfg := voice.DefaultTableConfig()
	if len(v.Archetypes) > 0 {
		cfg.Archetypes = maps.Clone(v.Archetypes)
	}
	if len(v.Types) > 0 {
		cfg.Types = maps.Clone(v.Types)
	}
	if len(v.Characters) > 0 {
		cfg.Characters = maps.Clone(v.Characters)
	}
	if v.FallbackVoice != "" {
		cfg.Fallback = v.FallbackVoice
	}
	switch v.DeprecatedVoice {
	case "":
	case "none":
		cfg.Deprecated = ""
	default:
		cfg.Deprecated = v.DeprecatedVoice
	}
	return voice.NewTable(cfg)
}

// StorageConfig selects and configures the local key-value store.
type StorageConfig struct {
	// Backend defaults to file.
	Backend StorageBackend `yaml:"backend" env:"MANGAVOX_STORAGE_BACKEND"`

	// Dir is the data directory of the file backend. Defaults to the user's
	// per-application data directory.
	Dir string `yaml:"dir" env:"MANGAVOX_STORAGE_DIR"`

	// RedisAddr is the host:port of the redis backend.
	RedisAddr string `yaml:"redis_addr" env:"MANGAVOX_REDIS_ADDR"`

	// RedisPrefix namespaces all keys of the redis backend.
	RedisPrefix string `yaml:"redis_prefix"`
}

// RemoteConfig configures the cross-device voice assignment store.
type RemoteConfig struct {
	// PostgresDSN is the PostgreSQL connection string. Empty disables remote
	// sync entirely.
	PostgresDSN string `yaml:"postgres_dsn" env:"MANGAVOX_POSTGRES_DSN"`

	// UserID identifies the signed-in user. Empty means no session, which
	// also disables remote sync.
	UserID string `yaml:"user_id" env:"MANGAVOX_USER_ID"`
}

// Enabled reports whether remote sync can run.
func (r RemoteConfig) Enabled() bool {
	return r.PostgresDSN != "" && r.UserID != ""
}

// CacheConfig configures the audio cache.
type CacheConfig struct {
	// CompressionLevel is the zstd level (1–22) applied to cached audio.
	// 0 stores payloads uncompressed.
	CompressionLevel int `yaml:"compression_level"`
}

// TTSConfig configures speech synthesis.
type TTSConfig struct {
	// Provider defaults to elevenlabs when an API key is set and mock
	// otherwise.
	Provider TTSProvider `yaml:"provider" env:"MANGAVOX_TTS_PROVIDER"`

	// APIKey authenticates with the provider.
	APIKey string `yaml:"api_key" env:"ELEVENLABS_API_KEY"`

	// Model is the provider model ID.
	Model string `yaml:"model"`

	// OutputFormat is the provider audio format.
	OutputFormat string `yaml:"output_format"`

	// Stability in [0, 1]. Defaults to 0.5.
	Stability *float64 `yaml:"stability"`

	// Style in [0, 1]. Defaults to 0.
	Style float64 `yaml:"style"`

	// PrefetchLimit bounds concurrent syntheses when warming a page. Defaults
	// to 4.
	PrefetchLimit int `yaml:"prefetch_limit"`
}

// Settings returns the synthesis settings applied to every line.
func (t TTSConfig) Settings() voice.Settings {
	s := voice.Settings{Stability: 0.5, Style: t.Style}
	if t.Stability != nil {
		s.Stability = *t.Stability
	}
	return s
}
