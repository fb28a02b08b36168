package tts

// Voice describes one entry in a provider's voice catalogue.
type Voice struct {
	// ID is the provider-specific voice identifier, as stored in voice
	// profiles and default tables.
	ID string

	// Name is the human-readable voice name.
	Name string

	// Provider identifies which TTS provider this voice belongs to.
	Provider string

	// Labels holds provider-specific voice attributes (gender, age, accent, etc.).
	Labels map[string]string
}
