// Package mock provides a test double for the tts.Synthesizer interface.
//
// Use Provider to return controlled audio payloads and to verify which text,
// voice, and settings reached the TTS backend. With no configured Audio it
// returns a deterministic payload derived from its inputs, which makes it
// usable as an offline provider for the CLI.
//
// Example:
//
//	p := &mock.Provider{Audio: []byte("RIFF...")}
//	audio, _ := p.Synthesize(ctx, "Hello", "voice-1", voice.Settings{})
package mock

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/MrWong99/mangavox/pkg/provider/tts"
	"github.com/MrWong99/mangavox/pkg/voice"
)

// SynthesizeCall records a single invocation of Synthesize.
type SynthesizeCall struct {
	// Text is the text passed to Synthesize.
	Text string
	// VoiceID is the voice passed to Synthesize.
	VoiceID string
	// Settings are the synthesis settings passed to Synthesize.
	Settings voice.Settings
}

// Provider is a mock implementation of tts.Synthesizer and tts.VoiceLister.
type Provider struct {
	mu sync.Mutex

	// --- Configurable responses ---

	// Audio, if non-nil, is returned by every successful Synthesize call.
	Audio []byte

	// SynthesizeErr, if non-nil, is returned as the error from Synthesize.
	SynthesizeErr error

	// Hook, if non-nil, runs at the start of every Synthesize call outside
	// the lock. Tests use it to block or count concurrent calls.
	Hook func(ctx context.Context, call SynthesizeCall)

	// Voices is returned by ListVoices.
	Voices []tts.Voice

	// --- Call records ---

	// SynthesizeCalls records every call to Synthesize in order.
	SynthesizeCalls []SynthesizeCall
}

var (
	_ tts.Synthesizer = (*Provider)(nil)
	_ tts.VoiceLister = (*Provider)(nil)
)

// Synthesize records the call and returns Audio, a payload derived from the
// inputs, or SynthesizeErr.
func (p *Provider) Synthesize(ctx context.Context, text, voiceID string, s voice.Settings) ([]byte, error) {
	call := SynthesizeCall{Text: text, VoiceID: voiceID, Settings: s}

	p.mu.Lock()
	hook := p.Hook
	p.mu.Unlock()
	if hook != nil {
		hook(ctx, call)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.SynthesizeCalls = append(p.SynthesizeCalls, call)
	if p.SynthesizeErr != nil {
		return nil, p.SynthesizeErr
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if p.Audio != nil {
		return slices.Clone(p.Audio), nil
	}
	return fmt.Appendf(nil, "mock:%s:%.2f:%.2f:%s", voiceID, s.Stability, s.Style, text), nil
}

// ListVoices returns Voices.
func (p *Provider) ListVoices(context.Context) ([]tts.Voice, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.Voices), nil
}

// Calls returns a copy of the recorded Synthesize calls. Thread-safe.
func (p *Provider) Calls() []SynthesizeCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.SynthesizeCalls)
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.SynthesizeCalls = nil
}
