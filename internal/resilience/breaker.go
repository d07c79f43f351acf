// Package resilience protects the token issuer from being hammered while it
// is failing.
//
// [Breaker] is a three-state circuit breaker (closed → open → half-open).
// After [Config.MaxFailures] consecutive failures it opens and rejects calls
// with [ErrOpen] until [Config.Cooldown] has passed; then a single probe is
// let through, and its outcome closes or re-opens the breaker. Calls are
// never retried here.
//
// All types are safe for concurrent use.
package resilience

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/oauth2"
)

// ErrOpen is returned by [Breaker.Do] while the breaker rejects calls.
var ErrOpen = errors.New("resilience: circuit open")

// State is the operating mode of a [Breaker].
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota

	// StateOpen rejects calls until the cooldown has elapsed.
	StateOpen

	// StateHalfOpen lets one probe call through.
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
	// Name labels log messages.
	Name string

	// MaxFailures is the number of consecutive failures that open the
	// breaker. Default: 3.
	MaxFailures int

	// Cooldown is how long the breaker stays open. Default: 15s.
	Cooldown time.Duration

	// Logger receives state transitions. Default: slog.Default().
	Logger *slog.Logger
}

// Breaker is a circuit breaker. The zero value is not usable; call [New].
type Breaker struct {
	name        string
	maxFailures int
	cooldown    time.Duration
	log         *slog.Logger
	now         func() time.Time

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	probing  bool
}

// New creates a closed [Breaker]. Zero config fields take their defaults.
func New(cfg Config) *Breaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 3
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 15 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Breaker{
		name:        cfg.Name,
		maxFailures: cfg.MaxFailures,
		cooldown:    cfg.Cooldown,
		log:         cfg.Logger,
		now:         time.Now,
	}
}

// Do runs fn unless the breaker is open. While half-open only one caller
// probes; the others get [ErrOpen] until the probe has finished.
func (b *Breaker) Do(fn func() error) error {
	probe, err := b.admit()
	if err != nil {
		return err
	}
	err = fn()
	b.record(probe, err)
	return err
}

func (b *Breaker) admit() (probe bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.cooldown {
			return false, ErrOpen
		}
		b.state = StateHalfOpen
		b.log.Info("circuit half-open", "name", b.name)
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

func (b *Breaker) record(probe bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if probe {
		b.probing = false
	}
	if err == nil {
		if b.state != StateClosed {
			b.log.Info("circuit closed", "name", b.name)
		}
		b.state = StateClosed
		b.failures = 0
		return
	}

	b.failures++
	if probe || b.failures >= b.maxFailures {
		if b.state != StateOpen {
			b.log.Warn("circuit opened", "name", b.name, "consecutive_failures", b.failures, "err", err)
		}
		b.state = StateOpen
		b.openedAt = b.now()
	}
}

// State reports the current state. An open breaker whose cooldown has
// elapsed reports [StateHalfOpen]; the transition itself happens on the next
// call.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.cooldown {
		return StateHalfOpen
	}
	return b.state
}

// TokenSource guards src with b. Place it under [oauth2.ReuseTokenSource] so
// that cached tokens are served without consulting the breaker.
func TokenSource(src oauth2.TokenSource, b *Breaker) oauth2.TokenSource {
	return &guardedTokenSource{src: src, b: b}
}

type guardedTokenSource struct {
	src oauth2.TokenSource
	b   *Breaker
}

func (g *guardedTokenSource) Token() (*oauth2.Token, error) {
	var tok *oauth2.Token
	err := g.b.Do(func() error {
		var err error
		tok, err = g.src.Token()
		return err
	})
	if errors.Is(err, ErrOpen) {
		return nil, fmt.Errorf("%s: %w", g.b.name, err)
	}
	return tok, err
}
