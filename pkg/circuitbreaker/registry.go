package circuitbreaker

import (
	"slices"
	"sync"
)

// Registry holds one breaker per key, created on first use.
type Registry struct {
	mu       sync.Mutex
	breakers map[string]*Breaker
	config   Config
}

// NewRegistry creates a registry whose breakers use cfg.
func NewRegistry(cfg Config) *Registry {
	return &Registry{breakers: make(map[string]*Breaker), config: cfg}
}

// Get returns the breaker for key.
func (r *Registry) Get(key string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[key]
	if !ok {
		b = New(r.config)
		r.breakers[key] = b
	}
	return b
}

// Stats counts breakers by state.
type Stats struct {
	Total    int
	Closed   int
	Open     int
	HalfOpen int
	OpenKeys []string // Sorted keys of open breakers
}

// Stats returns a snapshot of the registry.
func (r *Registry) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	stats := Stats{Total: len(r.breakers)}
	for key, b := range r.breakers {
		switch b.State() {
		case Closed:
			stats.Closed++
		case Open:
			stats.Open++
			stats.OpenKeys = append(stats.OpenKeys, key)
		case HalfOpen:
			stats.HalfOpen++
		}
	}
	slices.Sort(stats.OpenKeys)
	return stats
}
