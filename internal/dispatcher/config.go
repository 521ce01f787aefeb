package dispatcher

import (
	"pce/internal/config"
	"time"
)

// MemoryConfig holds configuration for the in-memory dispatcher.
type MemoryConfig struct {
	BufferSize  int           // pending tasks buffer (default: 256)
	Workers     int           // concurrent task goroutines (default: 4)
	TaskTimeout time.Duration // per-attempt timeout (default: 1h)
}

// ConfigFrom derives the dispatcher configuration from the service config.
// A task's timeout covers the module script it runs plus bookkeeping.
func ConfigFrom(cfg *config.Config) MemoryConfig {
	c := MemoryConfig{
		BufferSize: cfg.Dispatcher.BufferSize,
		Workers:    cfg.Dispatcher.Workers,
	}
	if cfg.ScriptTimeout > 0 {
		c.TaskTimeout = cfg.ScriptTimeout + time.Minute
	}
	return c.withDefaults()
}

// withDefaults fills in zero values with defaults.
func (c MemoryConfig) withDefaults() MemoryConfig {
	if c.BufferSize <= 0 {
		c.BufferSize = 256
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.TaskTimeout <= 0 {
		c.TaskTimeout = time.Hour
	}
	return c
}
