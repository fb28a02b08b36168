// Package narration turns lines of manga dialogue into audio.
//
// A [Narrator] resolves the speaking character's voice, derives the audio
// cache key for the line and only calls the TTS provider on a cache miss.
// Concurrent requests for the same uncached line share one synthesis call.
package narration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/MrWong99/mangavox/internal/audiocache"
	"github.com/MrWong99/mangavox/internal/observe"
	"github.com/MrWong99/mangavox/pkg/provider/tts"
	"github.com/MrWong99/mangavox/pkg/voice"
)

const defaultPrefetchLimit = 4

// Line is one speech bubble.
type Line struct {
	// Character identifies the speaker. Empty means narration.
	Character string `json:"character" yaml:"character"`

	// Type is an optional role hint such as "hero" or "narrator".
	Type string `json:"type,omitempty" yaml:"type,omitempty"`

	// Archetype is an optional personality hint.
	Archetype string `json:"archetype,omitempty" yaml:"archetype,omitempty"`

	// Text is the dialogue to speak.
	Text string `json:"text" yaml:"text"`
}

// Resolver picks the voice for a character. *resolver.Resolver satisfies it.
type Resolver interface {
	Resolve(ctx context.Context, characterID, fallbackType, archetype string) string
}

// Cache stores synthesized audio. *audiocache.Cache satisfies it.
type Cache interface {
	GetAudio(ctx context.Context, key string) ([]byte, bool)
	SaveAudio(ctx context.Context, key string, payload []byte)
}

// Option is a functional option for configuring a [Narrator].
type Option func(*Narrator)

// WithSettings sets the synthesis settings applied to every line.
func WithSettings(s voice.Settings) Option {
	return func(n *Narrator) { n.settings = s }
}

// WithPrefetchLimit bounds the number of concurrent syntheses in
// [Narrator.Prefetch]. Values below 1 are ignored.
func WithPrefetchLimit(limit int) Option {
	return func(n *Narrator) {
		if limit > 0 {
			n.prefetchLimit = limit
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(n *Narrator) { n.log = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *observe.Metrics) Option {
	return func(n *Narrator) { n.metrics = m }
}

// Narrator speaks lines through the resolver, cache, and TTS provider.
// Safe for concurrent use.
type Narrator struct {
	resolver      Resolver
	cache         Cache
	synth         tts.Synthesizer
	settings      voice.Settings
	prefetchLimit int
	log           *slog.Logger
	metrics       *observe.Metrics

	inflight singleflight.Group
}

// New creates a [Narrator].
func New(r Resolver, c Cache, synth tts.Synthesizer, opts ...Option) *Narrator {
	n := &Narrator{
		resolver:      r,
		cache:         c,
		synth:         synth,
		settings:      voice.Settings{Stability: 0.5},
		prefetchLimit: defaultPrefetchLimit,
	}
	for _, o := range opts {
		o(n)
	}
	if n.log == nil {
		n.log = slog.Default()
	}
	if n.metrics == nil {
		n.metrics = observe.DefaultMetrics()
	}
	return n
}

// Speak returns the audio for line, synthesizing it only when it is not
// cached. Only synthesis failures are returned; cache and voice memory
// failures degrade silently.
func (n *Narrator) Speak(ctx context.Context, line Line) ([]byte, error) {
	audio, _, err := n.speak(ctx, line)
	return audio, err
}

// speak also reports whether the audio came from the cache.
func (n *Narrator) speak(ctx context.Context, line Line) ([]byte, bool, error) {
	if strings.TrimSpace(line.Text) == "" {
		return nil, false, errors.New("narration: empty line text")
	}

	ctx, span := observe.StartSpan(ctx, "narration.speak")
	defer span.End()

	voiceID := n.resolver.Resolve(ctx, line.Character, line.Type, line.Archetype)
	key := audiocache.GenerateKey(line.Text, voiceID, n.settings.Stability, n.settings.Style)

	if audio, ok := n.cache.GetAudio(ctx, key); ok {
		return audio, true, nil
	}

	v, err, shared := n.inflight.Do(key, func() (any, error) {
		// A concurrent call may have filled the cache between our miss and
		// acquiring the flight.
		if audio, ok := n.cache.GetAudio(ctx, key); ok {
			return audio, nil
		}
		start := time.Now()
		audio, err := n.synth.Synthesize(ctx, line.Text, voiceID, n.settings)
		n.metrics.TTSDuration.Record(ctx, time.Since(start).Seconds())
		if err != nil {
			return nil, err
		}
		n.cache.SaveAudio(ctx, key, audio)
		return audio, nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("narration: synthesize %q: %w", line.Character, err)
	}
	audio := v.([]byte)
	if shared {
		audio = slices.Clone(audio)
	}
	observe.Logger(ctx, n.log).Debug("line synthesized", "character", line.Character, "voice", voiceID, "bytes", len(audio))
	return audio, false, nil
}

// PrefetchResult summarises a [Narrator.Prefetch] run.
type PrefetchResult struct {
	// Cached is the number of lines already in the cache.
	Cached int
	// Synthesized is the number of lines synthesized by this run.
	Synthesized int
	// Failed is the number of lines whose synthesis failed.
	Failed int
}

// Prefetch warms the cache for lines, synthesizing up to the configured limit
// concurrently. Voices are resolved in line order before any synthesis starts
// so assignment does not depend on scheduling. Every line is attempted; the
// returned error joins the individual failures.
func (n *Narrator) Prefetch(ctx context.Context, lines []Line) (PrefetchResult, error) {
	for _, l := range lines {
		if strings.TrimSpace(l.Text) != "" {
			n.resolver.Resolve(ctx, l.Character, l.Type, l.Archetype)
		}
	}

	cached := make([]bool, len(lines))
	errs := make([]error, len(lines))

	var g errgroup.Group
	g.SetLimit(n.prefetchLimit)
	for i, l := range lines {
		g.Go(func() error {
			_, hit, err := n.speak(ctx, l)
			cached[i], errs[i] = hit, err
			return nil
		})
	}
	_ = g.Wait()

	var res PrefetchResult
	for i := range lines {
		switch {
		case errs[i] != nil:
			res.Failed++
		case cached[i]:
			res.Cached++
		default:
			res.Synthesized++
		}
	}
	return res, errors.Join(errs...)
}
