// Package app wires the mangavox subsystems into one application.
//
// New builds every subsystem from the config: local storage, the optional
// remote voice store, voice memory, the audio cache, the resolver, the TTS
// provider and the narrator. Shutdown waits for background persistence and
// releases connections.
//
// For testing, inject doubles via functional options (WithStore, WithRemote,
// WithSynthesizer). Anything not injected is created from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/MrWong99/mangavox/internal/audiocache"
	"github.com/MrWong99/mangavox/internal/config"
	"github.com/MrWong99/mangavox/internal/health"
	"github.com/MrWong99/mangavox/internal/kvstore"
	"github.com/MrWong99/mangavox/internal/narration"
	"github.com/MrWong99/mangavox/internal/observe"
	"github.com/MrWong99/mangavox/internal/resilience"
	"github.com/MrWong99/mangavox/internal/resolver"
	"github.com/MrWong99/mangavox/internal/voicememory"
	"github.com/MrWong99/mangavox/pkg/provider/tts"
	"github.com/MrWong99/mangavox/pkg/provider/tts/elevenlabs"
	"github.com/MrWong99/mangavox/pkg/provider/tts/mock"
	"github.com/MrWong99/mangavox/pkg/voice"
)

// remoteChecker names the readiness check of the remote voice store.
const remoteChecker = "remote"

// Storage namespaces inside the local store.
const (
	voicesNamespace = "voices"
	audioNamespace  = "audio"
)

// App owns all subsystem lifetimes.
type App struct {
	cfg     *config.Config
	log     *slog.Logger
	metrics *observe.Metrics

	store    kvstore.Store
	remote   voicememory.Remote
	synth    tts.Synthesizer
	table    *voice.Table
	memory   *voicememory.Store
	cache    *audiocache.Cache
	resolver *resolver.Resolver
	narrator *narration.Narrator
	checkers []health.Checker

	// closers run in order during Shutdown.
	closers []func() error

	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithStore injects the local key-value store instead of creating one from
// the storage config.
func WithStore(s kvstore.Store) Option {
	return func(a *App) { a.store = s }
}

// WithRemote injects the remote voice store instead of connecting to
// PostgreSQL. It is only used when a user id is configured.
func WithRemote(r voicememory.Remote) Option {
	return func(a *App) { a.remote = r }
}

// WithSynthesizer injects the TTS provider instead of creating one from the
// tts config.
func WithSynthesizer(s tts.Synthesizer) Option {
	return func(a *App) { a.synth = s }
}

// WithLogger sets the logger handed to every subsystem.
func WithLogger(l *slog.Logger) Option {
	return func(a *App) { a.log = l }
}

// WithMetrics sets the metrics sink handed to every subsystem.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// New creates an App by wiring all subsystems together. On error, anything
// already opened is closed again.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (_ *App, err error) {
	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}
	if a.log == nil {
		a.log = slog.Default()
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	if err := a.initStorage(ctx); err != nil {
		return nil, fmt.Errorf("app: init storage: %w", err)
	}
	if err := a.initRemote(ctx); err != nil {
		return nil, fmt.Errorf("app: init remote: %w", err)
	}
	a.initMemory(ctx)
	if err := a.initCache(); err != nil {
		return nil, fmt.Errorf("app: init cache: %w", err)
	}
	a.table = cfg.Voices.Table()
	a.resolver = resolver.New(a.table, a.memory,
		resolver.WithLogger(a.log),
		resolver.WithMetrics(a.metrics),
	)
	if err := a.initSynthesizer(); err != nil {
		return nil, fmt.Errorf("app: init tts: %w", err)
	}
	a.narrator = narration.New(a.resolver, a.cache, a.synth,
		narration.WithSettings(cfg.TTS.Settings()),
		narration.WithPrefetchLimit(cfg.TTS.PrefetchLimit),
		narration.WithLogger(a.log),
		narration.WithMetrics(a.metrics),
	)
	return a, nil
}

// initStorage opens the local store selected by storage.backend.
func (a *App) initStorage(ctx context.Context) error {
	if a.store == nil {
		switch a.cfg.Storage.Backend {
		case config.StorageFile, "":
			fs, err := kvstore.NewFileStore(a.cfg.Storage.Dir)
			if err != nil {
				return err
			}
			a.store = fs
		case config.StorageRedis:
			client := redis.NewClient(&redis.Options{Addr: a.cfg.Storage.RedisAddr})
			a.closers = append(a.closers, client.Close)
			rs := kvstore.NewRedisStore(client, a.cfg.Storage.RedisPrefix)
			if err := rs.Ping(ctx); err != nil {
				return err
			}
			a.store = rs
		case config.StorageMemory:
			a.store = kvstore.NewMemStore()
		default:
			return fmt.Errorf("unknown storage backend %q", a.cfg.Storage.Backend)
		}
	}
	if p, ok := a.store.(health.Pinger); ok {
		a.checkers = append(a.checkers, health.Ping("storage", p))
	}
	a.log.Info("local storage ready", "backend", a.cfg.Storage.Backend)
	return nil
}

// initRemote connects the PostgreSQL voice store when remote sync is
// configured. An unreachable database does not prevent startup: the pool
// reconnects lazily and remote failures are absorbed by voice memory.
func (a *App) initRemote(ctx context.Context) error {
	if a.remote != nil || !a.cfg.Remote.Enabled() {
		return nil
	}

	poolCfg, err := pgxpool.ParseConfig(a.cfg.Remote.PostgresDSN)
	if err != nil {
		return fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return fmt.Errorf("create postgres pool: %w", err)
	}
	a.closers = append(a.closers, func() error {
		pool.Close()
		return nil
	})
	a.checkers = append(a.checkers, health.Ping(remoteChecker, pool))

	pg := voicememory.NewPostgresRemote(pool)
	if err := pool.Ping(ctx); err != nil {
		a.log.Warn("remote voice store unreachable, continuing local-only until it recovers", "err", err)
	} else if err := pg.Migrate(ctx); err != nil {
		a.log.Warn("remote voice store migration failed", "err", err)
	}
	a.remote = resilience.NewRemote(pg, resilience.Config{Name: "remote", Logger: a.log})
	return nil
}

func (a *App) initMemory(ctx context.Context) {
	opts := []voicememory.Option{
		voicememory.WithLogger(a.log),
		voicememory.WithMetrics(a.metrics),
	}
	if a.remote != nil {
		opts = append(opts, voicememory.WithRemote(a.remote, voicememory.StaticSession(a.cfg.Remote.UserID)))
	}
	a.memory = voicememory.New(ctx, namespace(a.store, voicesNamespace), opts...)
}

func (a *App) initCache() error {
	c, err := audiocache.New(namespace(a.store, audioNamespace),
		audiocache.WithCompression(a.cfg.Cache.CompressionLevel),
		audiocache.WithLogger(a.log),
		audiocache.WithMetrics(a.metrics),
	)
	if err != nil {
		return err
	}
	a.cache = c
	return nil
}

func (a *App) initSynthesizer() error {
	if a.synth != nil {
		return nil
	}
	switch a.cfg.TTS.Provider {
	case config.TTSElevenLabs:
		p, err := elevenlabs.New(a.cfg.TTS.APIKey,
			elevenlabs.WithModel(a.cfg.TTS.Model),
			elevenlabs.WithOutputFormat(a.cfg.TTS.OutputFormat),
		)
		if err != nil {
			return err
		}
		a.synth = resilience.NewSynthesizer(p, resilience.Config{Name: "tts", Logger: a.log})
	case config.TTSMock, "":
		a.synth = &mock.Provider{Voices: tableVoices(a.table)}
	default:
		return fmt.Errorf("unknown tts provider %q", a.cfg.TTS.Provider)
	}
	return nil
}

// namespace returns the named sub-store of s, or s itself when it cannot
// hand out namespaces.
func namespace(s kvstore.Store, name string) kvstore.Store {
	if ns, ok := s.(kvstore.Namespacer); ok {
		return ns.Namespace(name)
	}
	return s
}

// tableVoices lists the distinct voice ids of the default table as an
// offline voice catalog.
func tableVoices(t *voice.Table) []tts.Voice {
	cfg := t.Config()
	seen := make(map[string]bool)
	var out []tts.Voice
	add := func(id, name string) {
		if id == "" || seen[id] {
			return
		}
		seen[id] = true
		out = append(out, tts.Voice{ID: id, Name: name, Provider: string(config.TTSMock)})
	}
	for _, m := range []map[string]string{cfg.Archetypes, cfg.Types, cfg.Characters} {
		for _, k := range slices.Sorted(maps.Keys(m)) {
			add(m[k], k)
		}
	}
	add(cfg.Fallback, "fallback")
	return out
}

// Config returns the configuration the app was built from.
func (a *App) Config() *config.Config { return a.cfg }

// Resolver returns the voice resolver.
func (a *App) Resolver() *resolver.Resolver { return a.resolver }

// Memory returns the persistent voice memory.
func (a *App) Memory() *voicememory.Store { return a.memory }

// Cache returns the audio cache.
func (a *App) Cache() *audiocache.Cache { return a.cache }

// Narrator returns the narrator.
func (a *App) Narrator() *narration.Narrator { return a.narrator }

// Table returns the default voice table.
func (a *App) Table() *voice.Table { return a.table }

// VoiceLister returns the provider's voice catalog, if it has one.
func (a *App) VoiceLister() (tts.VoiceLister, bool) {
	l, ok := a.synth.(tts.VoiceLister)
	return l, ok
}

// ErrRemoteDisabled is returned by [App.CheckRemote] when remote sync is not
// configured.
var ErrRemoteDisabled = errors.New("app: remote sync is not configured")

// CheckRemote reports whether the remote voice store is reachable. Voice
// memory absorbs remote failures, so user-initiated remote actions call this
// first to surface them.
func (a *App) CheckRemote(ctx context.Context) error {
	if a.remote == nil {
		return ErrRemoteDisabled
	}
	for _, c := range a.checkers {
		if c.Name == remoteChecker {
			if err := c.Check(ctx); err != nil {
				return fmt.Errorf("app: remote voice store unreachable: %w", err)
			}
		}
	}
	return nil
}

// Health returns a readiness handler probing storage and the remote store.
func (a *App) Health() *health.Handler {
	return health.New(a.checkers...)
}

// Shutdown waits for pending background persistence, then closes all
// connections. If ctx expires first, the wait is abandoned and ctx's error
// is returned after the connections are closed.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		done := make(chan struct{})
		go func() {
			a.resolver.Wait()
			a.memory.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			a.log.Warn("shutdown deadline exceeded while persisting voice assignments")
			shutdownErr = ctx.Err()
		}
		a.close()
		a.log.Debug("shutdown complete")
	})
	return shutdownErr
}

func (a *App) close() {
	for i, closer := range a.closers {
		if err := closer(); err != nil {
			a.log.Warn("closer error", "index", i, "err", err)
		}
	}
	a.closers = nil
}
