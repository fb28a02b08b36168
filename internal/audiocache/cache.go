// Package audiocache is a content-addressed store of synthesized audio.
//
// Keys are derived deterministically from the synthesis inputs by
// [GenerateKey], so a line of dialogue spoken by the same voice with the same
// parameters is synthesized at most once. The cache is best-effort: read
// failures are reported as misses and write failures are logged and dropped.
// Only [Cache.Clear], which backs a user action, reports errors.
//
// The cache is unbounded; entries are only removed by a full clear.
package audiocache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/klauspost/compress/zstd"

	"github.com/MrWong99/mangavox/internal/kvstore"
	"github.com/MrWong99/mangavox/internal/observe"
)

// KeyVersion prefixes every key. Bump it when the key scheme changes so that
// old entries are never served for new inputs.
const KeyVersion = "v2"

// Payload header bytes.
const (
	formatRaw  byte = 0x00
	formatZstd byte = 0x01
)

// minCompressSize is the payload size below which compression is skipped.
const minCompressSize = 1024

// GenerateKey derives the cache key for a synthesis request. It is a pure
// function: the text is lower-cased, trimmed, and stripped of every character
// outside [a-z0-9], then combined with the voice and the parameters formatted
// to two decimals. Settings that differ only past the second decimal share a
// key; config validation rejects them.
func GenerateKey(text, voiceID string, stability, style float64) string {
	var b strings.Builder
	b.WriteString(KeyVersion)
	b.WriteByte('_')
	b.WriteString(voiceID)
	b.WriteByte('_')
	b.WriteString(strconv.FormatFloat(stability, 'f', 2, 64))
	b.WriteByte('_')
	b.WriteString(strconv.FormatFloat(style, 'f', 2, 64))
	b.WriteByte('_')
	b.WriteString(cleanText(text))
	return b.String()
}

func cleanText(text string) string {
	text = strings.ToLower(strings.TrimSpace(text))
	var b strings.Builder
	b.Grow(len(text))
	for i := 0; i < len(text); i++ {
		c := text[i]
		if (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') {
			b.WriteByte(c)
		}
	}
	return b.String()
}

// Option is a functional option for configuring a [Cache].
type Option func(*Cache)

// WithCompression enables zstd compression of stored payloads at the given
// zstd level (1–22). Level 0 disables compression.
func WithCompression(level int) Option {
	return func(c *Cache) { c.level = level }
}

// WithLogger sets the logger used for absorbed failures.
func WithLogger(l *slog.Logger) Option {
	return func(c *Cache) { c.log = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Cache) { c.metrics = m }
}

// Cache stores audio payloads in a [kvstore.Store]. It exclusively owns the
// store it is given. Safe for concurrent use.
type Cache struct {
	store   kvstore.Store
	level   int
	log     *slog.Logger
	metrics *observe.Metrics

	enc *zstd.Encoder
	dec *zstd.Decoder
}

// New creates a [Cache] backed by store.
func New(store kvstore.Store, opts ...Option) (*Cache, error) {
	c := &Cache{store: store}
	for _, o := range opts {
		o(c)
	}
	if c.log == nil {
		c.log = slog.Default()
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}

	var err error
	if c.level > 0 {
		c.enc, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(c.level)))
		if err != nil {
			return nil, fmt.Errorf("audiocache: create zstd encoder: %w", err)
		}
	}
	// The decoder is always available so entries written with compression stay
	// readable after compression is switched off.
	c.dec, err = zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("audiocache: create zstd decoder: %w", err)
	}
	return c, nil
}

// GetAudio returns the payload cached under key. ok is false on a miss and on
// any storage or decoding failure.
func (c *Cache) GetAudio(ctx context.Context, key string) (payload []byte, ok bool) {
	data, err := c.store.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, kvstore.ErrNotFound) {
			observe.Logger(ctx, c.log).Warn("audio cache read failed, treating as miss", "key", key, "err", err)
		}
		c.metrics.RecordCacheLookup(ctx, false)
		return nil, false
	}

	payload, err = c.decode(data)
	if err != nil {
		observe.Logger(ctx, c.log).Warn("audio cache entry unreadable, treating as miss", "key", key, "err", err)
		c.metrics.RecordCacheLookup(ctx, false)
		return nil, false
	}
	c.metrics.RecordCacheLookup(ctx, true)
	return payload, true
}

// SaveAudio stores payload under key. Failures are logged and swallowed.
func (c *Cache) SaveAudio(ctx context.Context, key string, payload []byte) {
	err := c.store.Put(ctx, key, c.encode(payload))
	c.metrics.RecordCacheWrite(ctx, err)
	if err != nil {
		observe.Logger(ctx, c.log).Warn("audio cache write failed", "key", key, "bytes", len(payload), "err", err)
	}
}

// Clear removes every cached payload.
func (c *Cache) Clear(ctx context.Context) error {
	if err := c.store.Clear(ctx); err != nil {
		return fmt.Errorf("audiocache: clear: %w", err)
	}
	c.log.Info("audio cache cleared")
	return nil
}

// Stats describes the current cache contents.
type Stats struct {
	// Entries is the number of cached payloads.
	Entries int

	// StoredBytes is the number of bytes held by the backing store, including
	// headers, after compression. Zero when the store cannot report it.
	StoredBytes int64
}

// sizer is implemented by stores that can report their on-disk size.
type sizer interface {
	Size() (int64, error)
}

// Stats reports the number of entries and, when available, the stored size.
func (c *Cache) Stats(ctx context.Context) (Stats, error) {
	keys, err := c.store.Keys(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("audiocache: stats: %w", err)
	}
	st := Stats{Entries: len(keys)}
	if s, ok := c.store.(sizer); ok {
		if n, err := s.Size(); err == nil {
			st.StoredBytes = n
		}
	}
	return st, nil
}

func (c *Cache) encode(payload []byte) []byte {
	if c.enc != nil && len(payload) >= minCompressSize {
		out := c.enc.EncodeAll(payload, []byte{formatZstd})
		if len(out) < len(payload)+1 {
			return out
		}
	}
	out := make([]byte, 0, len(payload)+1)
	out = append(out, formatRaw)
	return append(out, payload...)
}

func (c *Cache) decode(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, errors.New("empty entry")
	}
	switch data[0] {
	case formatRaw:
		return data[1:], nil
	case formatZstd:
		return c.dec.DecodeAll(data[1:], nil)
	default:
		return nil, fmt.Errorf("unknown payload format 0x%02x", data[0])
	}
}
