package voicememory

import (
	"context"
	"strings"

	"github.com/MrWong99/mangavox/pkg/voice"
)

// Remote is the per-user voice assignment store shared across devices. Rows
// are keyed by (user, manga title, character name) and the last write on that
// key wins.
//
// Implementations must be safe for concurrent use.
type Remote interface {
	// Upsert writes p for userID, replacing any existing row with the same
	// (userID, p.MangaTitle, p.CharacterName).
	Upsert(ctx context.Context, userID string, p voice.Profile) error

	// List returns every row stored for userID under mangaTitle.
	List(ctx context.Context, userID, mangaTitle string) ([]voice.Profile, error)
}

// SessionProvider supplies the identity of the signed-in user. All remote
// operations are gated on it.
type SessionProvider interface {
	// UserID returns the current user id. ok is false when nobody is signed in.
	UserID(ctx context.Context) (userID string, ok bool)
}

// StaticSession is a [SessionProvider] with a fixed user id. The empty value
// means "no session".
type StaticSession string

var _ SessionProvider = StaticSession("")

// UserID implements [SessionProvider].
func (s StaticSession) UserID(context.Context) (string, bool) {
	id := strings.TrimSpace(string(s))
	return id, id != ""
}
