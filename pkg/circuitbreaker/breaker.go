// Package circuitbreaker stops calls to a remote that keeps failing.
//
// A Breaker starts Closed. After Threshold consecutive failures it opens and
// refuses calls until Cooldown has passed, then lets calls through HalfOpen:
// the next success closes it and the next failure reopens it.
package circuitbreaker

import (
	"sync"
	"time"
)

// State is the position of a breaker.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config holds the thresholds of a breaker.
type Config struct {
	Threshold int           // Consecutive failures before opening (default: 5)
	Cooldown  time.Duration // Open time before a trial call (default: 30s)
}

// DefaultConfig returns the defaults.
func DefaultConfig() Config {
	return Config{Threshold: 5, Cooldown: 30 * time.Second}
}

func (c Config) withDefaults() Config {
	if c.Threshold <= 0 {
		c.Threshold = 5
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 30 * time.Second
	}
	return c
}

// Breaker guards a single remote.
type Breaker struct {
	mu       sync.Mutex
	cfg      Config
	state    State
	failures int
	openedAt time.Time
}

// New creates a closed breaker.
func New(cfg Config) *Breaker {
	return &Breaker{cfg: cfg.withDefaults()}
}

// Allow reports whether a call may be attempted. An open breaker whose
// cooldown has passed moves to HalfOpen and allows the call.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == Open && time.Since(b.openedAt) > b.cfg.Cooldown {
		b.state = HalfOpen
	}
	return b.state != Open
}

// RecordSuccess closes the breaker.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.state = Closed
}

// RecordFailure counts a failed call and returns the resulting state.
// A failure while HalfOpen reopens the breaker at once.
func (b *Breaker) RecordFailure() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	if b.state == HalfOpen || b.failures >= b.cfg.Threshold {
		b.state = Open
		b.openedAt = time.Now()
	}
	return b.state
}

// State returns the current state without advancing an expired cooldown.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}
