package audiocache_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/MrWong99/mangavox/internal/audiocache"
	"github.com/MrWong99/mangavox/internal/kvstore"
	"github.com/MrWong99/mangavox/internal/observe"
)

// brokenStore fails every operation.
type brokenStore struct{ err error }

func (b brokenStore) Get(context.Context, string) ([]byte, error)  { return nil, b.err }
func (b brokenStore) Put(context.Context, string, []byte) error    { return b.err }
func (b brokenStore) Delete(context.Context, string) error         { return b.err }
func (b brokenStore) Keys(context.Context) ([]string, error)       { return nil, b.err }
func (b brokenStore) Clear(context.Context) error                  { return b.err }

func newCache(t *testing.T, store kvstore.Store, opts ...audiocache.Option) *audiocache.Cache {
	t.Helper()
	mp := sdkmetric.NewMeterProvider()
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	met, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	opts = append([]audiocache.Option{
		audiocache.WithMetrics(met),
		audiocache.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	}, opts...)
	c, err := audiocache.New(store, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func TestGenerateKey(t *testing.T) {
	t.Parallel()

	base := audiocache.GenerateKey("Hello, World!", "voice-a", 0.5, 0.0)

	t.Run("format", func(t *testing.T) {
		t.Parallel()
		want := "v2_voice-a_0.50_0.00_helloworld"
		if base != want {
			t.Errorf("GenerateKey = %q, want %q", base, want)
		}
	})

	t.Run("deterministic", func(t *testing.T) {
		t.Parallel()
		for range 5 {
			if got := audiocache.GenerateKey("Hello, World!", "voice-a", 0.5, 0.0); got != base {
				t.Fatalf("GenerateKey not stable: %q vs %q", got, base)
			}
		}
	})

	t.Run("text normalization collapses punctuation and case", func(t *testing.T) {
		t.Parallel()
		if got := audiocache.GenerateKey("  hello world ", "voice-a", 0.5, 0); got != base {
			t.Errorf("GenerateKey = %q, want %q", got, base)
		}
	})

	t.Run("each input distinguishes", func(t *testing.T) {
		t.Parallel()
		variants := map[string]string{
			"text":      audiocache.GenerateKey("Goodbye", "voice-a", 0.5, 0),
			"voice":     audiocache.GenerateKey("Hello, World!", "voice-b", 0.5, 0),
			"stability": audiocache.GenerateKey("Hello, World!", "voice-a", 0.75, 0),
			"style":     audiocache.GenerateKey("Hello, World!", "voice-a", 0.5, 0.3),
		}
		for name, k := range variants {
			if k == base {
				t.Errorf("changing %s did not change the key", name)
			}
		}
	})

	t.Run("non-ascii stripped", func(t *testing.T) {
		t.Parallel()
		got := audiocache.GenerateKey("ゴムゴムの Pistol!", "v", 1, 0)
		if !strings.HasSuffix(got, "_pistol") {
			t.Errorf("GenerateKey = %q, want suffix _pistol", got)
		}
	})
}

func TestCache_RoundTrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	small := []byte("RIFF-tiny")
	large := bytes.Repeat([]byte("audio-frame-"), 1000)

	for _, level := range []int{0, 3} {
		c := newCache(t, kvstore.NewMemStore(), audiocache.WithCompression(level))
		for name, payload := range map[string][]byte{"small": small, "large": large} {
			key := audiocache.GenerateKey(name, "v", 0.5, 0)
			c.SaveAudio(ctx, key, payload)
			got, ok := c.GetAudio(ctx, key)
			if !ok {
				t.Fatalf("level %d %s: GetAudio miss after save", level, name)
			}
			if !bytes.Equal(got, payload) {
				t.Errorf("level %d %s: payload mismatch", level, name)
			}
		}
	}
}

func TestCache_CompressionShrinksStoredPayload(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := kvstore.NewMemStore()
	c := newCache(t, store, audiocache.WithCompression(3))

	payload := bytes.Repeat([]byte{0x42}, 64*1024)
	c.SaveAudio(ctx, "k", payload)

	raw, err := store.Get(ctx, "k")
	if err != nil {
		t.Fatalf("store.Get: %v", err)
	}
	if len(raw) >= len(payload) {
		t.Errorf("stored %d bytes for %d byte payload, expected compression", len(raw), len(payload))
	}
}

func TestCache_CompressedEntriesReadableWithoutCompression(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := kvstore.NewMemStore()
	payload := bytes.Repeat([]byte("la"), 4096)

	newCache(t, store, audiocache.WithCompression(5)).SaveAudio(ctx, "k", payload)
	got, ok := newCache(t, store).GetAudio(ctx, "k")
	if !ok || !bytes.Equal(got, payload) {
		t.Fatal("entry written with compression not readable by uncompressed cache")
	}
}

func TestCache_Miss(t *testing.T) {
	t.Parallel()
	c := newCache(t, kvstore.NewMemStore())
	if _, ok := c.GetAudio(context.Background(), "absent"); ok {
		t.Error("GetAudio on empty cache reported a hit")
	}
}

func TestCache_ClearThenMiss(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c := newCache(t, kvstore.NewMemStore())

	keys := []string{
		audiocache.GenerateKey("one", "v", 0.5, 0),
		audiocache.GenerateKey("two", "v", 0.5, 0),
	}
	for _, k := range keys {
		c.SaveAudio(ctx, k, []byte(k))
	}
	if err := c.Clear(ctx); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	for _, k := range keys {
		if _, ok := c.GetAudio(ctx, k); ok {
			t.Errorf("GetAudio(%q) hit after Clear", k)
		}
	}
}

func TestCache_StorageFailuresDegrade(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	boom := errors.New("quota exceeded")
	c := newCache(t, brokenStore{err: boom})

	c.SaveAudio(ctx, "k", []byte("payload")) // must not panic or block
	if _, ok := c.GetAudio(ctx, "k"); ok {
		t.Error("GetAudio on failing store reported a hit")
	}
	if err := c.Clear(ctx); !errors.Is(err, boom) {
		t.Errorf("Clear error = %v, want wrapped %v", err, boom)
	}
}

func TestCache_CorruptEntryIsMiss(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := kvstore.NewMemStore()
	_ = store.Put(ctx, "empty", nil)
	_ = store.Put(ctx, "unknown", []byte{0x7f, 1, 2})
	_ = store.Put(ctx, "badzstd", []byte{0x01, 0xde, 0xad})

	c := newCache(t, store)
	for _, k := range []string{"empty", "unknown", "badzstd"} {
		if _, ok := c.GetAudio(ctx, k); ok {
			t.Errorf("GetAudio(%q) hit for corrupt entry", k)
		}
	}
}

func TestCache_Stats(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	fs, err := kvstore.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	c := newCache(t, fs)
	c.SaveAudio(ctx, "a", []byte("aaaa"))
	c.SaveAudio(ctx, "b", []byte("bbbb"))

	st, err := c.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if st.Entries != 2 {
		t.Errorf("Entries = %d, want 2", st.Entries)
	}
	if st.StoredBytes == 0 {
		t.Error("StoredBytes = 0 for file-backed cache")
	}
}
