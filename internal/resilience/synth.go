package resilience

import (
	"context"
	"errors"

	"github.com/MrWong99/mangavox/pkg/provider/tts"
	"github.com/MrWong99/mangavox/pkg/voice"
)

// Synthesizer guards a [tts.Synthesizer] with a [Breaker]. While the provider
// is down, prefetching a page fails fast instead of waiting on every line.
type Synthesizer struct {
	next    tts.Synthesizer
	breaker *Breaker
}

var (
	_ tts.Synthesizer = (*Synthesizer)(nil)
	_ tts.VoiceLister = (*Synthesizer)(nil)
)

// NewSynthesizer wraps next. cfg.Name defaults to "tts".
func NewSynthesizer(next tts.Synthesizer, cfg Config) *Synthesizer {
	if cfg.Name == "" {
		cfg.Name = "tts"
	}
	return &Synthesizer{next: next, breaker: New(cfg)}
}

// Synthesize implements [tts.Synthesizer].
func (s *Synthesizer) Synthesize(ctx context.Context, text, voiceID string, settings voice.Settings) ([]byte, error) {
	var audio []byte
	err := s.breaker.Execute(ctx, func(ctx context.Context) error {
		var err error
		audio, err = s.next.Synthesize(ctx, text, voiceID, settings)
		return err
	})
	return audio, err
}

// ListVoices forwards to the wrapped provider's catalog, bypassing the
// breaker.
func (s *Synthesizer) ListVoices(ctx context.Context) ([]tts.Voice, error) {
	l, ok := s.next.(tts.VoiceLister)
	if !ok {
		return nil, errors.New("resilience: provider has no voice catalog")
	}
	return l.ListVoices(ctx)
}

// State reports the breaker state.
func (s *Synthesizer) State() State { return s.breaker.State() }
