package voicememory

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/mangavox/internal/kvstore"
	"github.com/MrWong99/mangavox/pkg/voice"
)

// ---------------------------------------------------------------------------
// Test helpers
// ---------------------------------------------------------------------------

type upsertCall struct {
	userID  string
	profile voice.Profile
}

// fakeRemote is an in-memory Remote keyed like the real table.
type fakeRemote struct {
	mu      sync.Mutex
	rows    []voice.Profile
	upserts []upsertCall
	listErr error
	upErr   error
	lists   int
}

func (f *fakeRemote) Upsert(_ context.Context, userID string, p voice.Profile) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upserts = append(f.upserts, upsertCall{userID: userID, profile: p})
	return f.upErr
}

func (f *fakeRemote) List(_ context.Context, _ string, title string) ([]voice.Profile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lists++
	if f.listErr != nil {
		return nil, f.listErr
	}
	var out []voice.Profile
	for _, r := range f.rows {
		if r.MangaTitle == title {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeRemote) calls() []upsertCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.upserts)
}

// failingKV fails writes but otherwise delegates.
type failingKV struct {
	kvstore.Store
	err error
}

func (f failingKV) Put(context.Context, string, []byte) error { return f.err }

// stepClock returns a strictly increasing time on every call.
func stepClock() func() time.Time {
	var mu sync.Mutex
	t := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		t = t.Add(time.Second)
		return t
	}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newStore(t *testing.T, kv kvstore.Store, opts ...Option) *Store {
	t.Helper()
	opts = append([]Option{WithLogger(quietLogger()), WithClock(stepClock())}, opts...)
	s := New(context.Background(), kv, opts...)
	t.Cleanup(s.Wait)
	return s
}

func mustSave(t *testing.T, s *Store, name, voiceID string, p voice.Personality, title string) {
	t.Helper()
	if err := s.SaveVoice(context.Background(), name, voiceID, p, title); err != nil {
		t.Fatalf("SaveVoice(%q): %v", name, err)
	}
}

// ---------------------------------------------------------------------------
// SuggestVoice
// ---------------------------------------------------------------------------

func TestSuggestVoice(t *testing.T) {
	t.Parallel()

	s := newStore(t, kvstore.NewMemStore())
	mustSave(t, s, "Naruto", "voice-naruto", voice.PersonalityHero, "")
	mustSave(t, s, "Sasuke Uchiha", "voice-sasuke", voice.PersonalityVillain, "")
	mustSave(t, s, "sasuke", "voice-sasuke-short", voice.PersonalityVillain, "")

	tests := []struct {
		name   string
		key    string
		want   string
		wantOK bool
	}{
		{name: "exact", key: "naruto", want: "voice-naruto", wantOK: true},
		{name: "exact is normalized", key: "  NARUTO ", want: "voice-naruto", wantOK: true},
		{name: "stored name inside query", key: "naruto uzumaki", want: "voice-naruto", wantOK: true},
		{name: "query inside stored name", key: "uchiha", want: "voice-sasuke", wantOK: true},
		{name: "exact beats earlier fuzzy", key: "sasuke", want: "voice-sasuke-short", wantOK: true},
		{name: "first fuzzy in stored order", key: "sasuke uchiha clone", want: "voice-sasuke", wantOK: true},
		{name: "no match", key: "luffy", wantOK: false},
		{name: "blank", key: "   ", wantOK: false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, ok := s.SuggestVoice(tc.key)
			if ok != tc.wantOK || got != tc.want {
				t.Errorf("SuggestVoice(%q) = (%q, %v), want (%q, %v)", tc.key, got, ok, tc.want, tc.wantOK)
			}
		})
	}
}

func TestSuggestVoice_EmptyStore(t *testing.T) {
	t.Parallel()
	s := newStore(t, kvstore.NewMemStore())
	if got, ok := s.SuggestVoice("anyone"); ok {
		t.Errorf("SuggestVoice on empty store = %q, want none", got)
	}
}

// ---------------------------------------------------------------------------
// SuggestByPersonality
// ---------------------------------------------------------------------------

func TestSuggestByPersonality(t *testing.T) {
	t.Parallel()

	s := newStore(t, kvstore.NewMemStore())
	mustSave(t, s, "a", "v-a", voice.PersonalityHero, "")
	mustSave(t, s, "b", "v-b", voice.PersonalityHero, "")
	mustSave(t, s, "villain", "v-x", voice.PersonalityVillain, "")
	mustSave(t, s, "c", "v-c", voice.PersonalityHero, "")
	mustSave(t, s, "d", "v-d", voice.PersonalityHero, "")

	got := s.SuggestByPersonality(voice.PersonalityHero)
	want := []string{"v-d", "v-c", "v-b"}
	if !slices.Equal(got, want) {
		t.Errorf("SuggestByPersonality(hero) = %v, want %v", got, want)
	}

	// Re-saving moves the profile to the front.
	mustSave(t, s, "a", "v-a2", voice.PersonalityHero, "")
	got = s.SuggestByPersonality(voice.PersonalityHero)
	want = []string{"v-a2", "v-d", "v-c"}
	if !slices.Equal(got, want) {
		t.Errorf("after re-save = %v, want %v", got, want)
	}

	if got := s.SuggestByPersonality(voice.PersonalityWise); len(got) != 0 {
		t.Errorf("SuggestByPersonality(wise) = %v, want empty", got)
	}
}

// ---------------------------------------------------------------------------
// SaveVoice
// ---------------------------------------------------------------------------

func TestSaveVoice_PersistsAndReloads(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	kv := kvstore.NewMemStore()

	s := newStore(t, kv)
	mustSave(t, s, " Zoro ", "voice-zoro", voice.PersonalityHero, "One Piece")
	mustSave(t, s, "Nami", "voice-nami", "not-a-personality", "")

	raw, err := kv.Get(ctx, StorageKey)
	if err != nil {
		t.Fatalf("persisted collection missing: %v", err)
	}
	var stored []map[string]any
	if err := json.Unmarshal(raw, &stored); err != nil {
		t.Fatalf("persisted collection is not JSON: %v", err)
	}
	if len(stored) != 2 {
		t.Fatalf("persisted %d profiles, want 2", len(stored))
	}
	for _, field := range []string{"characterName", "voiceId", "personality", "timestamp"} {
		if _, ok := stored[0][field]; !ok {
			t.Errorf("persisted profile missing field %q: %v", field, stored[0])
		}
	}

	reloaded := New(ctx, kv, WithLogger(quietLogger()))
	profiles := reloaded.Profiles()
	if len(profiles) != 2 {
		t.Fatalf("reloaded %d profiles, want 2", len(profiles))
	}
	if profiles[0].CharacterName != "zoro" || profiles[0].MangaTitle != "One Piece" {
		t.Errorf("profiles[0] = %+v", profiles[0])
	}
	if profiles[1].Personality != voice.PersonalityOther {
		t.Errorf("invalid personality stored as %q, want other", profiles[1].Personality)
	}
}

func TestSaveVoice_ReplacesSameName(t *testing.T) {
	t.Parallel()
	s := newStore(t, kvstore.NewMemStore())
	mustSave(t, s, "Luffy", "v1", voice.PersonalityHero, "")
	mustSave(t, s, "usopp", "v2", voice.PersonalityComic, "")
	mustSave(t, s, "LUFFY", "v3", voice.PersonalityHero, "")

	profiles := s.Profiles()
	if len(profiles) != 2 {
		t.Fatalf("len = %d, want 2", len(profiles))
	}
	if profiles[1].CharacterName != "luffy" || profiles[1].VoiceID != "v3" {
		t.Errorf("replacement not appended last: %+v", profiles)
	}
}

// Local profiles are keyed by name only. Saving the same name for two titles
// keeps one profile, the latest.
func TestSaveVoice_TitlesShareLocalProfile(t *testing.T) {
	t.Parallel()
	s := newStore(t, kvstore.NewMemStore())
	mustSave(t, s, "Ken", "voice-ken-a", voice.PersonalityHero, "Title A")
	mustSave(t, s, "Ken", "voice-ken-b", voice.PersonalityHero, "Title B")

	profiles := s.Profiles()
	if len(profiles) != 1 {
		t.Fatalf("len = %d, want 1 (titles collapse locally)", len(profiles))
	}
	if profiles[0].VoiceID != "voice-ken-b" || profiles[0].MangaTitle != "Title B" {
		t.Errorf("profile = %+v, want latest write", profiles[0])
	}
	if got, _ := s.SuggestVoice("ken"); got != "voice-ken-b" {
		t.Errorf("SuggestVoice = %q, want voice-ken-b", got)
	}
}

func TestSaveVoice_Validation(t *testing.T) {
	t.Parallel()
	s := newStore(t, kvstore.NewMemStore())
	if err := s.SaveVoice(context.Background(), "  ", "v", voice.PersonalityHero, ""); err == nil {
		t.Error("expected error for blank name")
	}
	if err := s.SaveVoice(context.Background(), "a", "", voice.PersonalityHero, ""); err == nil {
		t.Error("expected error for blank voice id")
	}
	if n := len(s.Profiles()); n != 0 {
		t.Errorf("invalid saves stored %d profiles", n)
	}
}

func TestSaveVoice_LocalFailureKeepsMemory(t *testing.T) {
	t.Parallel()
	boom := errors.New("disk full")
	s := newStore(t, failingKV{Store: kvstore.NewMemStore(), err: boom})

	err := s.SaveVoice(context.Background(), "brook", "voice-brook", voice.PersonalityComic, "")
	if !errors.Is(err, boom) {
		t.Fatalf("SaveVoice error = %v, want %v", err, boom)
	}
	if got, ok := s.SuggestVoice("brook"); !ok || got != "voice-brook" {
		t.Errorf("in-memory profile lost after persist failure: (%q, %v)", got, ok)
	}
}

func TestSaveVoice_RemoteUpsert(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		session   SessionProvider
		title     string
		wantCalls int
	}{
		{name: "title and session", session: StaticSession("user-1"), title: "One Piece", wantCalls: 1},
		{name: "no title", session: StaticSession("user-1"), title: "", wantCalls: 0},
		{name: "no session", session: StaticSession(""), title: "One Piece", wantCalls: 0},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			remote := &fakeRemote{}
			s := newStore(t, kvstore.NewMemStore(), WithRemote(remote, tc.session))
			mustSave(t, s, "Chopper", "voice-chopper", voice.PersonalityYoung, tc.title)
			s.Wait()

			calls := remote.calls()
			if len(calls) != tc.wantCalls {
				t.Fatalf("upserts = %d, want %d", len(calls), tc.wantCalls)
			}
			if tc.wantCalls == 0 {
				return
			}
			c := calls[0]
			if c.userID != "user-1" || c.profile.CharacterName != "chopper" ||
				c.profile.MangaTitle != "One Piece" || c.profile.VoiceID != "voice-chopper" {
				t.Errorf("upsert = %+v", c)
			}
		})
	}
}

func TestSaveVoice_RemoteFailureIsAbsorbed(t *testing.T) {
	t.Parallel()
	remote := &fakeRemote{upErr: errors.New("401 unauthorized")}
	s := newStore(t, kvstore.NewMemStore(), WithRemote(remote, StaticSession("u")))

	if err := s.SaveVoice(context.Background(), "robin", "voice-robin", voice.PersonalityWise, "One Piece"); err != nil {
		t.Fatalf("remote failure surfaced: %v", err)
	}
	s.Wait()
	if got, ok := s.SuggestVoice("robin"); !ok || got != "voice-robin" {
		t.Errorf("local profile missing after remote failure")
	}
}

// ---------------------------------------------------------------------------
// Load
// ---------------------------------------------------------------------------

func TestNew_MalformedCollectionIsEmpty(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	for name, payload := range map[string]string{
		"garbage":    "{not json",
		"wrong type": `{"characterName":"x"}`,
	} {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			kv := kvstore.NewMemStore()
			_ = kv.Put(ctx, StorageKey, []byte(payload))
			s := newStore(t, kv)
			if n := len(s.Profiles()); n != 0 {
				t.Errorf("loaded %d profiles from malformed data", n)
			}
			// The store stays usable.
			mustSave(t, s, "sanji", "voice-sanji", voice.PersonalityHero, "")
			if _, ok := s.SuggestVoice("sanji"); !ok {
				t.Error("store unusable after malformed load")
			}
		})
	}
}

func TestNew_SkipsInvalidEntries(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	kv := kvstore.NewMemStore()
	_ = kv.Put(ctx, StorageKey, []byte(`[
		{"characterName":" Franky ","voiceId":"v-f","personality":"comic","timestamp":"2026-01-01T00:00:00Z"},
		{"characterName":"","voiceId":"v-empty","personality":"hero","timestamp":"2026-01-01T00:00:00Z"},
		{"characterName":"jinbe","voiceId":"","personality":"wise","timestamp":"2026-01-01T00:00:00Z"}
	]`))

	s := newStore(t, kv)
	profiles := s.Profiles()
	if len(profiles) != 1 || profiles[0].CharacterName != "franky" {
		t.Errorf("profiles = %+v, want only franky", profiles)
	}
}

// ---------------------------------------------------------------------------
// SyncVoices
// ---------------------------------------------------------------------------

func TestSyncVoices_MergesAndIsIdempotent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	remote := &fakeRemote{rows: []voice.Profile{
		{CharacterName: "luffy", VoiceID: "remote-luffy", Personality: voice.PersonalityHero, MangaTitle: "One Piece", Timestamp: ts},
		{CharacterName: "Nami", VoiceID: "remote-nami", Personality: voice.PersonalityWise, MangaTitle: "One Piece", Timestamp: ts},
		{CharacterName: "goku", VoiceID: "remote-goku", Personality: voice.PersonalityHero, MangaTitle: "Dragon Ball", Timestamp: ts},
	}}
	kv := kvstore.NewMemStore()
	s := newStore(t, kv, WithRemote(remote, StaticSession("u")))
	mustSave(t, s, "luffy", "local-luffy", voice.PersonalityHero, "")
	mustSave(t, s, "zoro", "local-zoro", voice.PersonalityHero, "")

	n, err := s.SyncVoices(ctx, "One Piece")
	if err != nil {
		t.Fatalf("SyncVoices: %v", err)
	}
	if n != 2 {
		t.Errorf("changed = %d, want 2", n)
	}

	first := s.Profiles()
	want := map[string]string{"luffy": "remote-luffy", "zoro": "local-zoro", "nami": "remote-nami"}
	if len(first) != len(want) {
		t.Fatalf("profiles = %+v", first)
	}
	for _, p := range first {
		if want[p.CharacterName] != p.VoiceID {
			t.Errorf("%s → %q, want %q", p.CharacterName, p.VoiceID, want[p.CharacterName])
		}
	}
	firstRaw, _ := kv.Get(ctx, StorageKey)

	n, err = s.SyncVoices(ctx, "One Piece")
	if err != nil {
		t.Fatalf("second SyncVoices: %v", err)
	}
	if n != 0 {
		t.Errorf("second sync changed %d profiles", n)
	}
	if second := s.Profiles(); !slices.Equal(first, second) {
		t.Errorf("second sync changed collection:\n got %+v\nwant %+v", second, first)
	}
	secondRaw, _ := kv.Get(ctx, StorageKey)
	if string(firstRaw) != string(secondRaw) {
		t.Error("second sync changed persisted collection")
	}
}

func TestSyncVoices_TitledLocalProfileOnlyMatchesSameTitle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	remote := &fakeRemote{rows: []voice.Profile{
		{CharacterName: "ken", VoiceID: "remote-ken", Personality: voice.PersonalityHero, MangaTitle: "Title B", Timestamp: time.Unix(100, 0).UTC()},
	}}
	s := newStore(t, kvstore.NewMemStore(), WithRemote(remote, StaticSession("u")))
	mustSave(t, s, "ken", "local-ken", voice.PersonalityHero, "Title A")

	if _, err := s.SyncVoices(ctx, "Title B"); err != nil {
		t.Fatalf("SyncVoices: %v", err)
	}
	profiles := s.Profiles()
	if len(profiles) != 2 {
		t.Fatalf("profiles = %+v, want local and remote ken side by side", profiles)
	}
	// Exact match returns the first in stored order.
	if got, _ := s.SuggestVoice("ken"); got != "local-ken" {
		t.Errorf("SuggestVoice = %q, want local-ken", got)
	}
}

func TestSyncVoices_NoOps(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	tests := []struct {
		name  string
		opts  []Option
		title string
	}{
		{name: "no remote", title: "One Piece"},
		{name: "no session", opts: []Option{WithRemote(&fakeRemote{}, StaticSession(""))}, title: "One Piece"},
		{name: "blank title", opts: []Option{WithRemote(&fakeRemote{}, StaticSession("u"))}, title: " "},
		{name: "remote down", opts: []Option{WithRemote(&fakeRemote{listErr: errors.New("dial tcp: refused")}, StaticSession("u"))}, title: "One Piece"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			s := newStore(t, kvstore.NewMemStore(), tc.opts...)
			mustSave(t, s, "usopp", "voice-usopp", voice.PersonalityComic, "")
			before := s.Profiles()

			n, err := s.SyncVoices(ctx, tc.title)
			if err != nil || n != 0 {
				t.Fatalf("SyncVoices = (%d, %v), want (0, nil)", n, err)
			}
			if after := s.Profiles(); !slices.Equal(before, after) {
				t.Errorf("collection changed: %+v", after)
			}
		})
	}
}

// ---------------------------------------------------------------------------
// FindSimilar / Clear / Profiles
// ---------------------------------------------------------------------------

func TestFindSimilar(t *testing.T) {
	t.Parallel()
	s := newStore(t, kvstore.NewMemStore())
	mustSave(t, s, "roronoa zoro", "v-zoro", voice.PersonalityHero, "")
	mustSave(t, s, "sabo", "v-sabo", voice.PersonalityHero, "")
	mustSave(t, s, "zorro", "v-zorro", voice.PersonalityHero, "")
	mustSave(t, s, "whitebeard", "v-wb", voice.PersonalityWise, "")

	got := s.FindSimilar("Zoro", 0)
	if len(got) != 2 || got[0].Profile.CharacterName != "roronoa zoro" || got[1].Profile.CharacterName != "zorro" {
		t.Fatalf("FindSimilar(zoro) = %+v, want [roronoa zoro, zorro]", got)
	}
	for i := 1; i < len(got); i++ {
		if got[i].Score > got[i-1].Score {
			t.Errorf("results not sorted by score: %+v", got)
		}
	}
	for _, m := range got {
		if m.Profile.CharacterName == "whitebeard" {
			t.Errorf("unrelated name returned: %+v", m)
		}
	}

	if limited := s.FindSimilar("zoro", 1); len(limited) != 1 {
		t.Errorf("limit 1 returned %d matches", len(limited))
	}
	if s.FindSimilar("  ", 5) != nil {
		t.Error("blank query returned matches")
	}
}

func TestClear(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	kv := kvstore.NewMemStore()
	s := newStore(t, kv)
	mustSave(t, s, "ace", "v-ace", voice.PersonalityHero, "")

	if err := s.Clear(ctx); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if _, ok := s.SuggestVoice("ace"); ok {
		t.Error("profile survived Clear")
	}
	if _, err := kv.Get(ctx, StorageKey); !errors.Is(err, kvstore.ErrNotFound) {
		t.Errorf("persisted collection survived Clear: %v", err)
	}
}

func TestProfiles_ReturnsCopy(t *testing.T) {
	t.Parallel()
	s := newStore(t, kvstore.NewMemStore())
	mustSave(t, s, "law", "v-law", voice.PersonalityWise, "")

	p := s.Profiles()
	p[0].VoiceID = "mutated"
	if got, _ := s.SuggestVoice("law"); got != "v-law" {
		t.Errorf("caller mutation leaked into store: %q", got)
	}
}
