// Package voicememory remembers which voice each character was given, across
// restarts and, for signed-in users, across devices.
//
// The local collection is the source of truth. It is held in memory, loaded
// once from a [kvstore.Store] on construction and rewritten in full on every
// save. When a [Remote] and a [SessionProvider] are configured, title-scoped
// saves are mirrored to the remote in the background and [Store.SyncVoices]
// pulls remote rows back into the local collection.
//
// Local profiles are keyed by character name only. Two titles that share a
// character name share one local profile, even though the remote scopes rows
// by title.
package voicememory

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/mangavox/internal/kvstore"
	"github.com/MrWong99/mangavox/internal/observe"
	"github.com/MrWong99/mangavox/pkg/voice"
)

// StorageKey is the key under which the profile collection is persisted.
const StorageKey = "voice_memory_v1"

// maxPersonalitySuggestions bounds [Store.SuggestByPersonality].
const maxPersonalitySuggestions = 3

// Option is a functional option for configuring a [Store].
type Option func(*Store)

// WithRemote enables remote mirroring and sync. Both arguments must be
// non-nil for remote operations to run.
func WithRemote(r Remote, session SessionProvider) Option {
	return func(s *Store) {
		s.remote = r
		s.session = session
	}
}

// WithLogger sets the logger for absorbed failures.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.log = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Store) { s.metrics = m }
}

// WithClock overrides the time source used to stamp profiles.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Store is the durable character → voice memory. Safe for concurrent use.
type Store struct {
	kv      kvstore.Store
	remote  Remote
	session SessionProvider
	log     *slog.Logger
	metrics *observe.Metrics
	now     func() time.Time

	// mu guards profiles and serialises writes to kv so the persisted
	// collection always reflects the latest in-memory state.
	mu       sync.Mutex
	profiles []voice.Profile

	wg sync.WaitGroup
}

// New creates a [Store] over kv and loads the persisted collection. A missing,
// unreadable, or malformed collection yields an empty store.
func New(ctx context.Context, kv kvstore.Store, opts ...Option) *Store {
	s := &Store{kv: kv}
	for _, o := range opts {
		o(s)
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	if s.now == nil {
		s.now = time.Now
	}
	s.profiles = s.load(ctx)
	return s
}

func (s *Store) load(ctx context.Context) []voice.Profile {
	data, err := s.kv.Get(ctx, StorageKey)
	if err != nil {
		if !errors.Is(err, kvstore.ErrNotFound) {
			observe.Logger(ctx, s.log).Warn("voice memory unreadable, starting empty", "err", err)
		}
		return nil
	}
	var profiles []voice.Profile
	if err := json.Unmarshal(data, &profiles); err != nil {
		observe.Logger(ctx, s.log).Warn("voice memory malformed, starting empty", "err", err)
		return nil
	}
	out := profiles[:0]
	for _, p := range profiles {
		p.CharacterName = voice.Normalize(p.CharacterName)
		if p.CharacterName == "" || p.VoiceID == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}

// SuggestVoice returns the voice remembered for key. An exact name match wins;
// otherwise the first profile, in stored order, whose name contains key or is
// contained in key is used.
func (s *Store) SuggestVoice(key string) (voiceID string, ok bool) {
	key = voice.Normalize(key)
	if key == "" {
		return "", false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, p := range s.profiles {
		if p.CharacterName == key {
			return p.VoiceID, true
		}
	}
	for _, p := range s.profiles {
		if strings.Contains(key, p.CharacterName) || strings.Contains(p.CharacterName, key) {
			return p.VoiceID, true
		}
	}
	return "", false
}

// SuggestByPersonality returns up to three voice ids of profiles with the
// given personality, most recently written first.
func (s *Store) SuggestByPersonality(p voice.Personality) []string {
	s.mu.Lock()
	matches := make([]voice.Profile, 0, len(s.profiles))
	for _, prof := range s.profiles {
		if prof.Personality == p {
			matches = append(matches, prof)
		}
	}
	s.mu.Unlock()

	slices.SortStableFunc(matches, func(a, b voice.Profile) int {
		return b.Timestamp.Compare(a.Timestamp)
	})

	out := make([]string, 0, min(len(matches), maxPersonalitySuggestions))
	for _, m := range matches[:min(len(matches), maxPersonalitySuggestions)] {
		out = append(out, m.VoiceID)
	}
	return out
}

// SaveVoice records voiceID for name, replacing any profile with the same
// normalized name, and persists the collection. When mangaTitle is set and a
// user session and remote exist, the profile is also upserted remotely in the
// background; remote failures are only logged.
//
// The returned error reports a local persistence failure. The in-memory
// collection is updated regardless.
func (s *Store) SaveVoice(ctx context.Context, name, voiceID string, personality voice.Personality, mangaTitle string) error {
	name = voice.Normalize(name)
	if name == "" {
		return errors.New("voicememory: save: empty character name")
	}
	if voiceID == "" {
		return fmt.Errorf("voicememory: save %q: empty voice id", name)
	}
	if !personality.IsValid() {
		personality = voice.PersonalityOther
	}

	p := voice.Profile{
		CharacterName: name,
		VoiceID:       voiceID,
		Personality:   personality,
		MangaTitle:    strings.TrimSpace(mangaTitle),
		Timestamp:     s.now().UTC(),
	}

	s.mu.Lock()
	s.profiles = slices.DeleteFunc(s.profiles, func(q voice.Profile) bool {
		return q.CharacterName == name
	})
	s.profiles = append(s.profiles, p)
	err := s.persistLocked(ctx)
	s.mu.Unlock()

	if err != nil {
		s.metrics.RecordPersistError(ctx, "local")
		observe.Logger(ctx, s.log).Warn("voice memory save not persisted", "character", name, "err", err)
	}

	if p.MangaTitle != "" {
		s.upsertRemote(ctx, p)
	}
	if err != nil {
		return fmt.Errorf("voicememory: save %q: %w", name, err)
	}
	return nil
}

func (s *Store) upsertRemote(ctx context.Context, p voice.Profile) {
	if s.remote == nil || s.session == nil {
		return
	}
	userID, ok := s.session.UserID(ctx)
	if !ok {
		return
	}
	ctx = context.WithoutCancel(ctx)
	s.wg.Go(func() {
		if err := s.remote.Upsert(ctx, userID, p); err != nil {
			s.metrics.RecordPersistError(ctx, "remote")
			observe.Logger(ctx, s.log).Warn("remote voice upsert failed",
				"character", p.CharacterName, "manga_title", p.MangaTitle, "err", err)
		}
	})
}

// SyncVoices pulls the current user's remote rows for mangaTitle and merges
// them into the local collection. A remote row overwrites the local profile
// with the same name, and with the same title when the local profile has one;
// otherwise it is appended. It returns the number of profiles added or
// changed.
//
// Without a session or remote, or when the remote fails, SyncVoices does
// nothing and returns a nil error. Only a local persistence failure is
// returned.
func (s *Store) SyncVoices(ctx context.Context, mangaTitle string) (int, error) {
	mangaTitle = strings.TrimSpace(mangaTitle)
	if s.remote == nil || s.session == nil || mangaTitle == "" {
		return 0, nil
	}
	userID, ok := s.session.UserID(ctx)
	if !ok {
		return 0, nil
	}

	ctx, span := observe.StartSpan(ctx, "voicememory.sync")
	defer span.End()
	log := observe.Logger(ctx, s.log)

	start := time.Now()
	rows, err := s.remote.List(ctx, userID, mangaTitle)
	s.metrics.SyncDuration.Record(ctx, time.Since(start).Seconds())
	if err != nil {
		log.Warn("remote voice sync failed, keeping local state", "manga_title", mangaTitle, "err", err)
		return 0, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	changed := 0
	for _, r := range rows {
		r.CharacterName = voice.Normalize(r.CharacterName)
		if r.CharacterName == "" || r.VoiceID == "" {
			continue
		}
		if r.MangaTitle == "" {
			r.MangaTitle = mangaTitle
		}
		idx := slices.IndexFunc(s.profiles, func(p voice.Profile) bool {
			return p.CharacterName == r.CharacterName && (p.MangaTitle == "" || p.MangaTitle == r.MangaTitle)
		})
		switch {
		case idx < 0:
			s.profiles = append(s.profiles, r)
			changed++
		case !sameProfile(s.profiles[idx], r):
			s.profiles[idx] = r
			changed++
		}
	}
	if changed == 0 {
		return 0, nil
	}
	if err := s.persistLocked(ctx); err != nil {
		s.metrics.RecordPersistError(ctx, "local")
		return changed, fmt.Errorf("voicememory: sync %q: %w", mangaTitle, err)
	}
	log.Info("voice memory synced", "manga_title", mangaTitle, "changed", changed)
	return changed, nil
}

func sameProfile(a, b voice.Profile) bool {
	return a.CharacterName == b.CharacterName &&
		a.VoiceID == b.VoiceID &&
		a.Personality == b.Personality &&
		a.MangaTitle == b.MangaTitle &&
		a.Timestamp.Equal(b.Timestamp)
}

// Profiles returns a copy of the collection in stored order.
func (s *Store) Profiles() []voice.Profile {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.profiles)
}

// Match is a candidate returned by [Store.FindSimilar].
type Match struct {
	Profile voice.Profile
	Score   float64
}

// FindSimilar ranks stored profiles by Jaro-Winkler similarity to name,
// accepting weaker scores for names that sound alike under Double Metaphone. At
// most limit matches are returned; limit <= 0 means no bound. It is meant for
// manual reconciliation of spelling variants and is never consulted by
// [Store.SuggestVoice].
func (s *Store) FindSimilar(name string, limit int) []Match {
	name = voice.Normalize(name)
	if name == "" {
		return nil
	}

	s.mu.Lock()
	var out []Match
	for _, p := range s.profiles {
		if score, ok := similarity(name, p.CharacterName); ok {
			out = append(out, Match{Profile: p, Score: score})
		}
	}
	s.mu.Unlock()

	slices.SortStableFunc(out, func(a, b Match) int {
		return cmp.Compare(b.Score, a.Score)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Clear removes every profile locally. Remote rows are left untouched.
func (s *Store) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profiles = nil
	if err := s.kv.Delete(ctx, StorageKey); err != nil {
		return fmt.Errorf("voicememory: clear: %w", err)
	}
	return nil
}

// Wait blocks until all background remote upserts have finished.
func (s *Store) Wait() {
	s.wg.Wait()
}

// persistLocked writes the whole collection. s.mu must be held.
func (s *Store) persistLocked(ctx context.Context) error {
	profiles := s.profiles
	if profiles == nil {
		profiles = []voice.Profile{}
	}
	data, err := json.Marshal(profiles)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	return s.kv.Put(ctx, StorageKey, data)
}
