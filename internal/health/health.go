// Package health runs the dependency checks behind /health.
//
// Critical checks (database, redis) decide whether the service is healthy.
// Optional checks (the chain RPC) are reported but only degrade it.
package health

import (
	"context"
	"sync"
	"time"
)

// DefaultTimeout bounds a single check.
const DefaultTimeout = 3 * time.Second

// Check tests one dependency. A nil error means healthy.
type Check func(ctx context.Context) error

// Status is the outcome of one check.
type Status struct {
	Name      string `json:"name"`
	Healthy   bool   `json:"healthy"`
	Critical  bool   `json:"critical"`
	Detail    string `json:"detail,omitempty"`
	LatencyMS int64  `json:"latencyMs"`
}

// Report aggregates every check.
type Report struct {
	Healthy  bool     // every critical check passed
	Degraded bool     // an optional check failed
	Checks   []Status // registration order
}

type entry struct {
	name     string
	check    Check
	critical bool
}

// Registry holds named checks.
type Registry struct {
	mu      sync.RWMutex
	entries []entry
	timeout time.Duration
}

// NewRegistry creates a registry whose checks each run under timeout
// (DefaultTimeout when zero).
func NewRegistry(timeout time.Duration) *Registry {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Registry{timeout: timeout}
}

// Register adds a critical check.
func (r *Registry) Register(name string, check Check) {
	r.add(entry{name: name, check: check, critical: true})
}

// RegisterOptional adds a check whose failure only degrades the service.
func (r *Registry) RegisterOptional(name string, check Check) {
	r.add(entry{name: name, check: check})
}

func (r *Registry) add(e entry) {
	r.mu.Lock()
	r.entries = append(r.entries, e)
	r.mu.Unlock()
}

// CheckAll runs every check concurrently.
func (r *Registry) CheckAll(ctx context.Context) Report {
	r.mu.RLock()
	entries := append([]entry(nil), r.entries...)
	r.mu.RUnlock()

	statuses := make([]Status, len(entries))
	var wg sync.WaitGroup
	for i, e := range entries {
		wg.Add(1)
		go func() {
			defer wg.Done()
			statuses[i] = r.run(ctx, e)
		}()
	}
	wg.Wait()

	rep := Report{Healthy: true, Checks: statuses}
	for _, s := range statuses {
		switch {
		case s.Healthy:
		case s.Critical:
			rep.Healthy = false
		default:
			rep.Degraded = true
		}
	}
	return rep
}

func (r *Registry) run(ctx context.Context, e entry) Status {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	start := time.Now()
	err := e.check(ctx)
	s := Status{
		Name:      e.name,
		Healthy:   err == nil,
		Critical:  e.critical,
		LatencyMS: time.Since(start).Milliseconds(),
	}
	if err != nil {
		s.Detail = err.Error()
	}
	return s
}
