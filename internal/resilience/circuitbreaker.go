// Package resilience guards calls to the network backends of mangavox, the
// remote voice store and the TTS provider, with a circuit breaker.
//
// A [Breaker] starts closed. After MaxFailures consecutive failures it opens
// and rejects calls with [ErrOpen] without reaching the backend. Once
// ResetTimeout has passed it lets a single probe through: success closes the
// breaker, failure opens it again. Nothing is retried.
package resilience

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrOpen is returned by [Breaker.Execute] while the breaker is open.
var ErrOpen = errors.New("resilience: circuit breaker is open")

// State is the operating mode of a [Breaker].
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota

	// StateOpen rejects calls until the reset timeout elapses.
	StateOpen

	// StateHalfOpen admits one probe call.
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config tunes a [Breaker].
type Config struct {
	// Name labels log messages, e.g. "remote" or "tts".
	Name string

	// MaxFailures is the number of consecutive failures that opens the
	// breaker. Default: 3.
	MaxFailures int

	// ResetTimeout is how long the breaker stays open. Default: 30s.
	ResetTimeout time.Duration

	// Logger receives state transitions. Default: slog.Default().
	Logger *slog.Logger

	// Now is the clock. Default: time.Now.
	Now func() time.Time
}

// Breaker is a three-state circuit breaker. Safe for concurrent use.
type Breaker struct {
	name         string
	maxFailures  int
	resetTimeout time.Duration
	log          *slog.Logger
	now          func() time.Time

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	probing  bool
}

// New creates a closed [Breaker]. Zero config fields take their defaults.
func New(cfg Config) *Breaker {
	b := &Breaker{
		name:         cfg.Name,
		maxFailures:  cfg.MaxFailures,
		resetTimeout: cfg.ResetTimeout,
		log:          cfg.Logger,
		now:          cfg.Now,
	}
	if b.maxFailures <= 0 {
		b.maxFailures = 3
	}
	if b.resetTimeout <= 0 {
		b.resetTimeout = 30 * time.Second
	}
	if b.log == nil {
		b.log = slog.Default()
	}
	if b.now == nil {
		b.now = time.Now
	}
	return b
}

// Execute runs fn unless the breaker is open. Cancellation of ctx is the
// caller's doing and never counts as a backend failure.
func (b *Breaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	probe, err := b.admit()
	if err != nil {
		return err
	}

	err = fn(ctx)
	if err != nil && ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		b.release(probe)
		return err
	}

	b.record(probe, err)
	return err
}

// admit decides whether a call may proceed and whether it is the half-open
// probe.
func (b *Breaker) admit() (probe bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.resetTimeout {
			return false, ErrOpen
		}
		b.state = StateHalfOpen
		b.log.Info("circuit breaker half-open, probing", "name", b.name)
		fallthrough
	case StateHalfOpen:
		if b.probing {
			return false, ErrOpen
		}
		b.probing = true
		return true, nil
	}
	return false, nil
}

// release gives back an unused probe slot.
func (b *Breaker) release(probe bool) {
	if !probe {
		return
	}
	b.mu.Lock()
	b.probing = false
	b.mu.Unlock()
}

func (b *Breaker) record(probe bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if probe {
		b.probing = false
	}
	if err == nil {
		if b.state != StateClosed {
			b.log.Info("circuit breaker closed", "name", b.name)
		}
		b.state = StateClosed
		b.failures = 0
		return
	}

	b.failures++
	if probe || b.failures >= b.maxFailures {
		if b.state != StateOpen {
			b.log.Warn("circuit breaker opened", "name", b.name, "consecutive_failures", b.failures, "err", err)
		}
		b.state = StateOpen
		b.openedAt = b.now()
	}
}

// State returns the current state. An open breaker whose timeout has elapsed
// reports [StateHalfOpen]; the transition itself happens on the next call.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.resetTimeout {
		return StateHalfOpen
	}
	return b.state
}

// Reset forces the breaker closed.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateClosed
	b.failures = 0
	b.probing = false
}
