// Package resilience keeps scenario generation and annotation alive when an LLM
// backend misbehaves. [Breaker] stops hammering a backend after repeated
// failures and [LLMFailover] routes completions to the next configured backend.
//
// All types are safe for concurrent use.
package resilience

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by [Breaker.Do] while the breaker rejects calls.
var ErrCircuitOpen = errors.New("resilience: circuit open")

// State is the operating mode of a [Breaker].
type State int

const (
	StateClosed State = iota
	StateOpen
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

// BreakerConfig tunes a [Breaker]. Zero fields take defaults.
type BreakerConfig struct {
	// Name labels log lines.
	Name string

	// Threshold is the number of consecutive failures that opens the breaker. Default: 5.
	Threshold int

	// Cooldown is how long an open breaker waits before letting a probe through. Default: 30s.
	Cooldown time.Duration

	// Probes is the number of successful half-open calls required to close again. Default: 2.
	Probes int
}

// Breaker is a three-state circuit breaker. Cancellation of the caller's
// context is not counted as a backend failure.
type Breaker struct {
	cfg BreakerConfig
	now func() time.Time
	log *slog.Logger

	mu        sync.Mutex
	state     State
	failures  int
	openedAt  time.Time
	inFlight  int
	successes int
}

// NewBreaker returns a closed [Breaker].
func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	if cfg.Probes <= 0 {
		cfg.Probes = 2
	}
	return &Breaker{cfg: cfg, now: time.Now, log: slog.Default()}
}

// Do runs fn unless the breaker is open.
func (b *Breaker) Do(fn func() error) error {
	probe, err := b.admit()
	if err != nil {
		return err
	}

	err = fn()

	b.mu.Lock()
	defer b.mu.Unlock()
	if probe {
		b.inFlight--
	}
	switch {
	case err == nil:
		b.onSuccess(probe)
	case errors.Is(err, context.Canceled):
	default:
		b.onFailure(probe)
	}
	return err
}

func (b *Breaker) admit() (probe bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateOpen {
		if b.now().Sub(b.openedAt) < b.cfg.Cooldown {
			return false, ErrCircuitOpen
		}
		b.state = StateHalfOpen
		b.successes = 0
		b.log.Info("circuit half-open", "name", b.cfg.Name)
	}
	if b.state == StateHalfOpen {
		if b.inFlight >= b.cfg.Probes {
			return false, ErrCircuitOpen
		}
		b.inFlight++
		return true, nil
	}
	return false, nil
}

// must hold b.mu
func (b *Breaker) onFailure(probe bool) {
	b.failures++
	if probe || b.failures >= b.cfg.Threshold {
		if b.state != StateOpen {
			b.log.Warn("circuit opened", "name", b.cfg.Name, "consecutive_failures", b.failures)
		}
		b.state = StateOpen
		b.openedAt = b.now()
	}
}

// must hold b.mu
func (b *Breaker) onSuccess(probe bool) {
	b.failures = 0
	if !probe {
		return
	}
	b.successes++
	if b.successes >= b.cfg.Probes {
		b.state = StateClosed
		b.successes = 0
		b.log.Info("circuit closed", "name", b.cfg.Name)
	}
}

// State reports the current state. An open breaker whose cooldown elapsed
// reports [StateHalfOpen].
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.cfg.Cooldown {
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
	b.successes = 0
	b.inFlight = 0
}
