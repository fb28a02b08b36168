package voice

import "maps"

// Stock ElevenLabs voice IDs used by [DefaultTable].
const (
	voiceAdam    = "pNInz6obpgDQGcFmaJgB"
	voiceAntoni  = "ErXwobaYiN019PkySvjV"
	voiceArnold  = "VR6AewLTigWG4xSOukaG"
	voiceJosh    = "TxGEqnHWrfWFTfGW9XjX"
	voiceClyde   = "2EiwWnXFnvU5JabPnv8n"
	voiceRachel  = "21m00Tcm4TlvDq8ikWAM"
	voiceDomi    = "AZnzlk1XvdvUeBnXmlld"
	voiceBella   = "EXAVITQu4vr4xnSDxMaL"
	voiceElli    = "MF3mGyEYCl7XYWbV9V6O"
	voiceSam     = "yoZ06aMxZJJ28mfd3POQ"
	voiceNarrate = "onwK4e9ZLuTAKqWW03F9"

	// deprecatedDefault was the global fallback before the narrator voice was
	// introduced. Memory entries still pointing at it are ignored.
	deprecatedDefault = "EXAVITQu4vr4xnSDxMaL_legacy"
)

// TableConfig is the raw material for a [Table]. Map keys are matched
// case-insensitively.
type TableConfig struct {
	// Archetypes maps a personality/role archetype to a voice ID.
	Archetypes map[string]string

	// Types maps a character type (e.g. "Hero", "Narrator") to a voice ID.
	Types map[string]string

	// Characters maps well-known character names directly to a voice ID.
	Characters map[string]string

	// Fallback is the voice returned when nothing else matches.
	Fallback string

	// Deprecated is a sentinel voice ID that must not be served from durable
	// memory. Empty disables the check.
	Deprecated string
}

// Table is the static default voice configuration. It is immutable after
// construction and safe for concurrent use.
type Table struct {
	archetypes map[string]string
	types      map[string]string
	characters map[string]string
	fallback   string
	deprecated string
}

// NewTable builds a [Table] from cfg. Keys are normalized; entries with an
// empty key or voice ID are dropped. An empty Fallback is replaced with the
// built-in narrator voice.
func NewTable(cfg TableConfig) *Table {
	t := &Table{
		archetypes: normalizeKeys(cfg.Archetypes),
		types:      normalizeKeys(cfg.Types),
		characters: normalizeKeys(cfg.Characters),
		fallback:   cfg.Fallback,
		deprecated: cfg.Deprecated,
	}
	if t.fallback == "" {
		t.fallback = voiceNarrate
	}
	return t
}

// DefaultTableConfig returns the built-in archetype, type, and character
// defaults.
func DefaultTableConfig() TableConfig {
	return TableConfig{
		Archetypes: map[string]string{
			string(PersonalityHero):    voiceAdam,
			string(PersonalityVillain): voiceArnold,
			string(PersonalityComic):   voiceElli,
			string(PersonalityWise):    voiceClyde,
			string(PersonalityYoung):   voiceDomi,
			string(PersonalityOther):   voiceNarrate,
		},
		Types: map[string]string{
			"hero":     voiceAdam,
			"heroine":  voiceRachel,
			"villain":  voiceArnold,
			"rival":    voiceJosh,
			"mentor":   voiceClyde,
			"sidekick": voiceAntoni,
			"child":    voiceDomi,
			"narrator": voiceNarrate,
			"female":   voiceBella,
			"male":     voiceSam,
		},
		Characters: map[string]string{
			"luffy":   voiceAdam,
			"zoro":    voiceArnold,
			"nami":    voiceRachel,
			"naruto":  voiceJosh,
			"sasuke":  voiceAntoni,
			"goku":    voiceAdam,
			"vegeta":  voiceArnold,
			"tanjiro": voiceJosh,
			"nezuko":  voiceDomi,
		},
		Fallback:   voiceNarrate,
		Deprecated: deprecatedDefault,
	}
}

// DefaultTable returns a [Table] built from [DefaultTableConfig].
func DefaultTable() *Table {
	return NewTable(DefaultTableConfig())
}

// Archetype looks up the default voice for an archetype hint.
func (t *Table) Archetype(name string) (string, bool) {
	return lookup(t.archetypes, name)
}

// Type looks up the default voice for a character type hint.
func (t *Table) Type(name string) (string, bool) {
	return lookup(t.types, name)
}

// Character looks up a direct character → voice default.
func (t *Table) Character(name string) (string, bool) {
	return lookup(t.characters, name)
}

// Fallback returns the global fallback voice ID.
func (t *Table) Fallback() string { return t.fallback }

// IsDeprecated reports whether voiceID is the deprecated sentinel voice.
func (t *Table) IsDeprecated(voiceID string) bool {
	return t.deprecated != "" && voiceID == t.deprecated
}

// Config returns a copy of the table contents.
func (t *Table) Config() TableConfig {
	return TableConfig{
		Archetypes: maps.Clone(t.archetypes),
		Types:      maps.Clone(t.types),
		Characters: maps.Clone(t.characters),
		Fallback:   t.fallback,
		Deprecated: t.deprecated,
	}
}

func lookup(m map[string]string, name string) (string, bool) {
	key := Normalize(name)
	if key == "" {
		return "", false
	}
	v, ok := m[key]
	return v, ok
}

func normalizeKeys(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		k = Normalize(k)
		if k == "" || v == "" {
			continue
		}
		out[k] = v
	}
	return out
}
