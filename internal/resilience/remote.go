package resilience

import (
	"context"

	"github.com/MrWong99/mangavox/internal/voicememory"
	"github.com/MrWong99/mangavox/pkg/voice"
)

// Remote guards a [voicememory.Remote] with a [Breaker], so an unreachable
// database costs one failed call per reset timeout instead of one per
// assignment.
type Remote struct {
	next    voicememory.Remote
	breaker *Breaker
}

var _ voicememory.Remote = (*Remote)(nil)

// NewRemote wraps next. cfg.Name defaults to "remote".
func NewRemote(next voicememory.Remote, cfg Config) *Remote {
	if cfg.Name == "" {
		cfg.Name = "remote"
	}
	return &Remote{next: next, breaker: New(cfg)}
}

// Upsert implements [voicememory.Remote].
func (r *Remote) Upsert(ctx context.Context, userID string, p voice.Profile) error {
	return r.breaker.Execute(ctx, func(ctx context.Context) error {
		return r.next.Upsert(ctx, userID, p)
	})
}

// List implements [voicememory.Remote].
func (r *Remote) List(ctx context.Context, userID, mangaTitle string) ([]voice.Profile, error) {
	var out []voice.Profile
	err := r.breaker.Execute(ctx, func(ctx context.Context) error {
		var err error
		out, err = r.next.List(ctx, userID, mangaTitle)
		return err
	})
	return out, err
}

// State reports the breaker state.
func (r *Remote) State() State { return r.breaker.State() }
