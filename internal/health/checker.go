// Package health provides health check functionality for liveness and readiness probes.
package health

import (
	"context"
	"slices"
	"sync"
	"time"
)

// ReadinessChecker is the interface for readiness checks.
// Implemented by the state store and by scheduler backends that can probe
// their tools or daemon.
type ReadinessChecker interface {
	Ready(ctx context.Context) error
}

// Status represents the health status of a component.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
	StatusDegraded  Status = "degraded"
)

// CheckResult contains the result of a health check.
type CheckResult struct {
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
}

// Response is the health check response.
type Response struct {
	Status Status                 `json:"status"`
	Checks map[string]CheckResult `json:"checks,omitempty"`
}

// Check is a named dependency probe. Optional checks degrade readiness
// instead of failing it.
type Check struct {
	Name     string
	Checker  ReadinessChecker
	Optional bool
}

// Checker performs health checks on dependencies.
type Checker struct {
	checks  []Check
	timeout time.Duration

	mu           sync.RWMutex
	lastCheck    time.Time
	cachedReady  *Response
	shuttingDown bool
}

// NewChecker creates a new health checker. Checks with a nil Checker are skipped.
func NewChecker(checks ...Check) *Checker {
	return &Checker{
		checks: slices.DeleteFunc(checks, func(c Check) bool {
			return c.Checker == nil
		}),
		timeout: 5 * time.Second,
	}
}

// Liveness returns true if the service is alive.
// This should be a lightweight check that doesn't depend on external services.
func (c *Checker) Liveness(ctx context.Context) *Response {
	return &Response{
		Status: StatusHealthy,
	}
}

// Readiness checks if the service is ready to accept work: the state
// directory is writable and the scheduler is reachable.
func (c *Checker) Readiness(ctx context.Context) *Response {
	c.mu.RLock()
	// Return unhealthy immediately if shutting down
	if c.shuttingDown {
		c.mu.RUnlock()
		return &Response{
			Status: StatusUnhealthy,
			Checks: map[string]CheckResult{
				"shutdown": {Status: StatusUnhealthy, Message: "service is shutting down"},
			},
		}
	}

	// Use cached result if recent (avoid hammering the scheduler)
	if c.cachedReady != nil && time.Since(c.lastCheck) < time.Second {
		cached := c.cachedReady
		c.mu.RUnlock()
		return cached
	}
	c.mu.RUnlock()

	if len(c.checks) == 0 {
		return &Response{
			Status: StatusUnhealthy,
			Checks: map[string]CheckResult{
				"config": {Status: StatusUnhealthy, Message: "no dependencies configured"},
			},
		}
	}

	checks := make(map[string]CheckResult, len(c.checks))
	overallStatus := StatusHealthy
	for _, check := range c.checks {
		result := c.run(ctx, check.Checker)
		if result.Status != StatusHealthy {
			switch {
			case !check.Optional:
				overallStatus = StatusUnhealthy
			case overallStatus == StatusHealthy:
				result.Status = StatusDegraded
				overallStatus = StatusDegraded
			default:
				result.Status = StatusDegraded
			}
		}
		checks[check.Name] = result
	}

	response := &Response{
		Status: overallStatus,
		Checks: checks,
	}

	// Cache the result
	c.mu.Lock()
	c.cachedReady = response
	c.lastCheck = time.Now()
	c.mu.Unlock()

	return response
}

func (c *Checker) run(ctx context.Context, checker ReadinessChecker) CheckResult {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if err := checker.Ready(ctx); err != nil {
		return CheckResult{
			Status:  StatusUnhealthy,
			Message: err.Error(),
		}
	}
	return CheckResult{
		Status: StatusHealthy,
	}
}

// IsHealthy reports whether the service can take traffic. A degraded
// service still can.
func (r *Response) IsHealthy() bool {
	return r.Status == StatusHealthy || r.Status == StatusDegraded
}

// SetShuttingDown marks the service as shutting down.
// This causes readiness checks to return unhealthy, signaling
// load balancers to stop sending new traffic.
func (c *Checker) SetShuttingDown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.shuttingDown = true
	c.cachedReady = nil // Clear cache to ensure immediate effect
}
