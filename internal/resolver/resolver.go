// Package resolver decides which synthetic voice speaks for a character.
//
// Resolution walks three tiers in order and stops at the first answer:
//
//  1. the session lock table, valid for the current run only;
//  2. durable voice memory, skipping the deprecated sentinel voice;
//  3. the static defaults: archetype hint, type hint, well-known character
//     name, and finally the global fallback voice.
//
// Answers from tiers 2 and 3 are locked into the session so later calls in
// the same run are stable. A tier 3 answer is also written to voice memory in
// the background; that write never affects the result.
package resolver

import (
	"context"
	"log/slog"
	"maps"
	"sync"

	"github.com/google/uuid"

	"github.com/MrWong99/mangavox/internal/observe"
	"github.com/MrWong99/mangavox/pkg/voice"
)

// Memory is the durable voice memory consulted in tier 2 and fed by tier 3.
// *voicememory.Store satisfies it.
type Memory interface {
	SuggestVoice(key string) (voiceID string, ok bool)
	SaveVoice(ctx context.Context, name, voiceID string, personality voice.Personality, mangaTitle string) error
}

// Option is a functional option for configuring a [Resolver].
type Option func(*Resolver)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Resolver) { r.log = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *observe.Metrics) Option {
	return func(r *Resolver) { r.metrics = m }
}

// Resolver maps character identifiers to voice ids. Safe for concurrent use.
type Resolver struct {
	table   *voice.Table
	memory  Memory
	log     *slog.Logger
	metrics *observe.Metrics

	mu        sync.Mutex
	locks     map[string]string
	sessionID string
	title     string

	wg sync.WaitGroup
}

// New creates a [Resolver]. memory may be nil, in which case tier 2 is skipped
// and nothing is persisted.
func New(table *voice.Table, memory Memory, opts ...Option) *Resolver {
	r := &Resolver{
		table:     table,
		memory:    memory,
		locks:     make(map[string]string),
		sessionID: uuid.NewString(),
	}
	for _, o := range opts {
		o(r)
	}
	if r.log == nil {
		r.log = slog.Default()
	}
	if r.metrics == nil {
		r.metrics = observe.DefaultMetrics()
	}
	return r
}

// Resolve returns the voice for characterID. fallbackType and archetype are
// optional hints used only by the static defaults. A blank characterID yields
// the global fallback voice without consulting any tier.
func (r *Resolver) Resolve(ctx context.Context, characterID, fallbackType, archetype string) string {
	key := voice.Normalize(characterID)
	if key == "" {
		r.metrics.RecordResolve(ctx, observe.TierFallback)
		return r.table.Fallback()
	}

	r.mu.Lock()
	locked, ok := r.locks[key]
	sessionID, title := r.sessionID, r.title
	r.mu.Unlock()
	if ok {
		r.metrics.RecordResolve(ctx, observe.TierSession)
		return locked
	}

	log := observe.Logger(ctx, r.log).With("session", sessionID, "character", key)

	if r.memory != nil {
		if id, ok := r.memory.SuggestVoice(key); ok && id != "" {
			if !r.table.IsDeprecated(id) {
				id, installed := r.lockIfAbsent(key, id)
				if !installed {
					r.metrics.RecordResolve(ctx, observe.TierSession)
					return id
				}
				r.metrics.RecordResolve(ctx, observe.TierMemory)
				log.Debug("voice resolved from memory", "voice", id)
				return id
			}
			log.Debug("ignoring deprecated voice from memory", "voice", id)
		}
	}

	id, tier := r.fromDefaults(key, fallbackType, archetype)
	id, installed := r.lockIfAbsent(key, id)
	if !installed {
		r.metrics.RecordResolve(ctx, observe.TierSession)
		return id
	}
	r.metrics.RecordResolve(ctx, tier)
	log.Debug("voice resolved from defaults", "voice", id, "tier", tier)

	if r.memory != nil {
		r.persist(ctx, key, id, personalityOf(archetype, fallbackType), title)
	}
	return id
}

// lockIfAbsent installs id for key unless a concurrent call or
// [Resolver.LockVoice] got there first. It returns the voice now locked and
// whether this call installed it.
func (r *Resolver) lockIfAbsent(key, id string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.locks[key]; ok {
		return existing, false
	}
	r.locks[key] = id
	return id, true
}

func (r *Resolver) fromDefaults(key, fallbackType, archetype string) (string, string) {
	if archetype != "" {
		if id, ok := r.table.Archetype(archetype); ok {
			return id, observe.TierDefault
		}
	}
	if fallbackType != "" {
		if id, ok := r.table.Type(fallbackType); ok {
			return id, observe.TierDefault
		}
	}
	if id, ok := r.table.Character(key); ok {
		return id, observe.TierDefault
	}
	return r.table.Fallback(), observe.TierFallback
}

// personalityOf derives the personality stored with a default assignment from
// the resolution hints.
func personalityOf(archetype, fallbackType string) voice.Personality {
	if p, ok := voice.ParsePersonality(archetype); ok {
		return p
	}
	if p, ok := voice.ParsePersonality(fallbackType); ok {
		return p
	}
	return voice.PersonalityOther
}

func (r *Resolver) persist(ctx context.Context, key, id string, p voice.Personality, title string) {
	ctx = context.WithoutCancel(ctx)
	r.wg.Go(func() {
		if err := r.memory.SaveVoice(ctx, key, id, p, title); err != nil {
			r.metrics.RecordPersistError(ctx, "memory")
			observe.Logger(ctx, r.log).Warn("voice assignment not persisted", "character", key, "voice", id, "err", err)
		}
	})
}

// LockVoice binds characterID to voiceID for the rest of the session,
// replacing any earlier binding. Blank arguments are ignored.
func (r *Resolver) LockVoice(characterID, voiceID string) {
	key := voice.Normalize(characterID)
	if key == "" || voiceID == "" {
		return
	}
	r.mu.Lock()
	r.locks[key] = voiceID
	r.mu.Unlock()
}

// ClearSession drops every session lock and starts a new session id.
func (r *Resolver) ClearSession() {
	r.mu.Lock()
	defer r.mu.Unlock()
	clear(r.locks)
	r.sessionID = uuid.NewString()
	r.log.Debug("voice session cleared", "session", r.sessionID)
}

// SwitchTitle clears the session and scopes subsequent default assignments to
// mangaTitle when they are written to voice memory.
func (r *Resolver) SwitchTitle(mangaTitle string) {
	r.ClearSession()
	r.mu.Lock()
	r.title = mangaTitle
	r.mu.Unlock()
}

// Locked returns a copy of the session lock table.
func (r *Resolver) Locked() map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return maps.Clone(r.locks)
}

// SessionID returns the id of the current session.
func (r *Resolver) SessionID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessionID
}

// Wait blocks until every background persistence write has finished.
func (r *Resolver) Wait() {
	r.wg.Wait()
}
