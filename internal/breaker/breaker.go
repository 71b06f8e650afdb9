// Package breaker implements a circuit breaker guarding against hammering
// an unreachable anti-entropy peer or relay during a sustained outage.
package breaker

import (
	"sync"
	"time"

	"github.com/terraingossip/terraingossip/internal/tgerr"
)

// State is the breaker's lifecycle state.
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

// Config configures breaker thresholds.
type Config struct {
	MaxFailures         int
	Timeout             time.Duration
	HalfOpenMaxRequests int
}

// DefaultConfig trips after 5 consecutive failures and waits 30s before
// probing again.
func DefaultConfig() Config {
	return Config{MaxFailures: 5, Timeout: 30 * time.Second, HalfOpenMaxRequests: 1}
}

// Breaker is a per-peer circuit breaker.
type Breaker struct {
	cfg Config

	mu               sync.Mutex
	state            State
	failures         int
	halfOpenRequests int
	openedAt         time.Time
}

// New creates a Breaker in the closed state.
func New(cfg Config) *Breaker {
	return &Breaker{cfg: cfg, state: StateClosed}
}

// Execute runs fn under breaker protection, fast-failing with
// tgerr.NoPath() when the circuit is open.
func (b *Breaker) Execute(fn func() error) error {
	if err := b.before(); err != nil {
		return err
	}
	err := fn()
	b.after(err)
	return err
}

func (b *Breaker) before() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return nil
	case StateOpen:
		if time.Since(b.openedAt) >= b.cfg.Timeout {
			b.state = StateHalfOpen
			b.halfOpenRequests = 0
			return nil
		}
		return tgerr.NoPath()
	case StateHalfOpen:
		if b.halfOpenRequests >= b.cfg.HalfOpenMaxRequests {
			return tgerr.NoPath()
		}
		b.halfOpenRequests++
		return nil
	default:
		return nil
	}
}

func (b *Breaker) after(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		if err != nil {
			b.failures++
			if b.failures >= b.cfg.MaxFailures {
				b.state = StateOpen
				b.openedAt = time.Now()
			}
		} else {
			b.failures = 0
		}
	case StateHalfOpen:
		if err != nil {
			b.state = StateOpen
			b.openedAt = time.Now()
		} else {
			b.state = StateClosed
			b.failures = 0
		}
	}
}

// State reports the current breaker state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}
