// Package voice defines the shared types used across the mangavox packages:
// the remembered character → voice assignment ([Profile]), the closed set of
// character personalities ([Personality]), synthesis parameters ([Settings]),
// and the static default voice tables ([Table]).
//
// These types are the lingua franca between the resolver, the voice memory
// store, the audio cache, and the narration layer. They are intentionally
// minimal; each package defines its own behaviour around them.
package voice

import (
	"strings"
	"time"
)

// Personality is a coarse character category used to suggest voices. It is
// never part of a character's identity.
type Personality string

const (
	PersonalityHero    Personality = "hero"
	PersonalityVillain Personality = "villain"
	PersonalityComic   Personality = "comic"
	PersonalityWise    Personality = "wise"
	PersonalityYoung   Personality = "young"
	PersonalityOther   Personality = "other"
)

// IsValid reports whether p is one of the recognised personalities.
func (p Personality) IsValid() bool {
	switch p {
	case PersonalityHero, PersonalityVillain, PersonalityComic,
		PersonalityWise, PersonalityYoung, PersonalityOther:
		return true
	}
	return false
}

// ParsePersonality maps a free-form hint (archetype or role type) to a
// [Personality]. Matching is case-insensitive. ok is false when s does not
// name a known personality; the returned value is then [PersonalityOther].
func ParsePersonality(s string) (p Personality, ok bool) {
	p = Personality(Normalize(s))
	if p.IsValid() {
		return p, true
	}
	return PersonalityOther, false
}

// Profile is a character's remembered voice assignment.
type Profile struct {
	// CharacterName is the normalized (lower-cased, trimmed) character name.
	// It is the primary matching key.
	CharacterName string `json:"characterName"`

	// VoiceID is the opaque identifier of the synthetic voice.
	VoiceID string `json:"voiceId"`

	// Personality is used for suggestions, not identity.
	Personality Personality `json:"personality"`

	// MangaTitle optionally scopes the assignment. The local collection does
	// not enforce this scoping: one profile exists per CharacterName.
	MangaTitle string `json:"mangaTitle,omitempty"`

	// Timestamp is the instant of the last write.
	Timestamp time.Time `json:"timestamp"`
}

// Settings are the synthesis parameters that, together with text and voice,
// determine the produced audio.
type Settings struct {
	// Stability in [0, 1]. Lower values give a more expressive delivery.
	Stability float64

	// Style exaggeration in [0, 1]. 0 disables style exaggeration.
	Style float64
}

// Normalize lower-cases and trims s. Every lookup key in mangavox uses this
// form.
func Normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
