// Package tts defines the synthesis interface used by the narration layer.
//
// A Synthesizer turns a single line of dialogue into an encoded audio blob for
// one voice. Synthesis is only invoked on an audio cache miss, so providers
// are free to be slow; they must not cache themselves.
//
// Implementations must be safe for concurrent use.
package tts

import (
	"context"

	"github.com/MrWong99/mangavox/pkg/voice"
)

// Synthesizer is the abstraction over any TTS backend.
type Synthesizer interface {
	// Synthesize renders text with the given voice and settings and returns
	// the complete audio payload. The payload format is provider-specific
	// and opaque to callers.
	//
	// Returns an error if voiceID is empty, if the backend rejects the
	// request, or if ctx is cancelled before synthesis completes.
	Synthesize(ctx context.Context, text, voiceID string, s voice.Settings) ([]byte, error)
}

// VoiceLister is implemented by providers that can enumerate their voice
// catalogue.
type VoiceLister interface {
	// ListVoices returns the voices available to the configured account.
	ListVoices(ctx context.Context) ([]Voice, error)
}
