package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"

	"github.com/caarlos0/env/v11"
	gap "github.com/muesli/go-app-paths"
	"gopkg.in/yaml.v3"
)

const (
	appName             = "mangavox"
	defaultMetricsAddr  = ":9090"
	defaultPrefetch     = 4
	maxCompressionLevel = 22
)

// DefaultConfigPath returns the per-user config file location, e.g.
// ~/.config/mangavox/mangavox.yaml on Linux.
func DefaultConfigPath() (string, error) {
	return gap.NewScope(gap.User, appName).ConfigPath(appName + ".yaml")
}

// DefaultDataDir returns the per-user data directory used by the file
// storage backend.
func DefaultDataDir() (string, error) {
	p, err := gap.NewScope(gap.User, appName).DataPath("store")
	if err != nil {
		return "", err
	}
	return filepath.Clean(p), nil
}

// Load reads the YAML configuration file at path, applies environment
// overrides and defaults, and returns a validated [Config]. An empty path
// loads from the environment alone.
func Load(path string) (*Config, error) {
	if path == "" {
		cfg, err := finish(&Config{})
		if err != nil {
			return nil, fmt.Errorf("config: %w", err)
		}
		return cfg, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies environment overrides
// and defaults, and validates the result. An empty document is valid.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	return finish(cfg)
}

func finish(cfg *Config) (*Config, error) {
	if err := ApplyEnv(cfg); err != nil {
		return nil, err
	}
	if err := ApplyDefaults(cfg); err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields tagged with `env` from the process environment.
// Unset variables leave the field untouched.
func ApplyEnv(cfg *Config) error {
	if err := env.Parse(cfg); err != nil {
		return fmt.Errorf("config: environment: %w", err)
	}
	return nil
}

// ApplyDefaults fills unset fields with their defaults.
func ApplyDefaults(cfg *Config) error {
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Server.MetricsAddr == "" {
		cfg.Server.MetricsAddr = defaultMetricsAddr
	}
	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = StorageFile
	}
	if cfg.Storage.Backend == StorageFile && cfg.Storage.Dir == "" {
		dir, err := DefaultDataDir()
		if err != nil {
			return fmt.Errorf("config: resolve data directory: %w", err)
		}
		cfg.Storage.Dir = dir
	}
	if cfg.Storage.RedisPrefix == "" {
		cfg.Storage.RedisPrefix = appName
	}
	if cfg.TTS.Provider == "" {
		if cfg.TTS.APIKey != "" {
			cfg.TTS.Provider = TTSElevenLabs
		} else {
			cfg.TTS.Provider = TTSMock
		}
	}
	if cfg.TTS.PrefetchLimit == 0 {
		cfg.TTS.PrefetchLimit = defaultPrefetch
	}
	return nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Voices
	for name, table := range map[string]map[string]string{
		"archetypes": cfg.Voices.Archetypes,
		"types":      cfg.Voices.Types,
		"characters": cfg.Voices.Characters,
	} {
		for k, v := range table {
			if v == "" {
				errs = append(errs, fmt.Errorf("voices.%s[%q] has an empty voice id", name, k))
			}
		}
	}

	// Storage
	switch cfg.Storage.Backend {
	case "":
	case StorageFile:
		if cfg.Storage.Dir == "" {
			errs = append(errs, errors.New("storage.dir is required for the file backend"))
		}
	case StorageRedis:
		if cfg.Storage.RedisAddr == "" {
			errs = append(errs, errors.New("storage.redis_addr is required for the redis backend"))
		}
	case StorageMemory:
		slog.Warn("storage.backend is memory; voice assignments and cached audio will not survive a restart")
	default:
		errs = append(errs, fmt.Errorf("storage.backend %q is invalid; valid values: file, redis, memory", cfg.Storage.Backend))
	}

	// Remote
	if (cfg.Remote.PostgresDSN == "") != (cfg.Remote.UserID == "") {
		slog.Warn("remote sync needs both remote.postgres_dsn and remote.user_id; remote sync disabled")
	}

	// Cache
	if cfg.Cache.CompressionLevel < 0 || cfg.Cache.CompressionLevel > maxCompressionLevel {
		errs = append(errs, fmt.Errorf("cache.compression_level %d is out of range [0, %d]", cfg.Cache.CompressionLevel, maxCompressionLevel))
	}

	// TTS
	if cfg.TTS.Provider != "" && !cfg.TTS.Provider.IsValid() {
		errs = append(errs, fmt.Errorf("tts.provider %q is invalid; valid values: elevenlabs, mock", cfg.TTS.Provider))
	}
	if cfg.TTS.Provider == TTSElevenLabs && cfg.TTS.APIKey == "" {
		errs = append(errs, errors.New("tts.api_key is required for the elevenlabs provider"))
	}
	if s := cfg.TTS.Stability; s != nil && (*s < 0 || *s > 1) {
		errs = append(errs, fmt.Errorf("tts.stability %.2f is out of range [0, 1]", *s))
	}
	if cfg.TTS.Style < 0 || cfg.TTS.Style > 1 {
		errs = append(errs, fmt.Errorf("tts.style %.2f is out of range [0, 1]", cfg.TTS.Style))
	}
	// Audio cache keys carry two decimals of each setting.
	if s := cfg.TTS.Stability; s != nil && !hundredths(*s) {
		errs = append(errs, fmt.Errorf("tts.stability %v has more than two decimals", *s))
	}
	if !hundredths(cfg.TTS.Style) {
		errs = append(errs, fmt.Errorf("tts.style %v has more than two decimals", cfg.TTS.Style))
	}
	if cfg.TTS.PrefetchLimit < 0 {
		errs = append(errs, fmt.Errorf("tts.prefetch_limit %d must not be negative", cfg.TTS.PrefetchLimit))
	}

	return errors.Join(errs...)
}

// hundredths reports whether v is a whole number of hundredths.
func hundredths(v float64) bool {
	return math.Abs(v*100-math.Round(v*100)) < 1e-9
}
