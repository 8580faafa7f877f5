// Package health provides a registry of named subsystem health checkers.
package health

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Status represents the health of a single subsystem.
type Status struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	Detail  string `json:"detail,omitempty"`
}

// Checker is a function that checks the health of a subsystem.
type Checker func(ctx context.Context) Status

// DefaultCheckTimeout bounds a single checker inside CheckAll.
const DefaultCheckTimeout = 3 * time.Second

// Registry holds named health checkers and runs them on demand.
type Registry struct {
	mu       sync.RWMutex
	checkers []namedChecker
	timeout  time.Duration
}

type namedChecker struct {
	name  string
	check Checker
}

// NewRegistry creates a new health check registry.
func NewRegistry() *Registry {
	return &Registry{timeout: DefaultCheckTimeout}
}

// WithTimeout sets how long CheckAll waits for each checker.
func (r *Registry) WithTimeout(d time.Duration) *Registry {
	if d > 0 {
		r.mu.Lock()
		r.timeout = d
		r.mu.Unlock()
	}
	return r
}

// Register adds a named health checker.
func (r *Registry) Register(name string, check Checker) {
	r.mu.Lock()
	r.checkers = append(r.checkers, namedChecker{name: name, check: check})
	r.mu.Unlock()
}

// CheckAll runs all registered checkers concurrently and returns the
// aggregate health status plus individual subsystem results in registration
// order. A checker that outlives the timeout is reported unhealthy.
func (r *Registry) CheckAll(ctx context.Context) (healthy bool, statuses []Status) {
	r.mu.RLock()
	checkers := make([]namedChecker, len(r.checkers))
	copy(checkers, r.checkers)
	timeout := r.timeout
	r.mu.RUnlock()

	statuses = make([]Status, len(checkers))
	var wg sync.WaitGroup
	for i, nc := range checkers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			statuses[i] = run(ctx, nc, timeout)
		}()
	}
	wg.Wait()

	healthy = true
	for _, st := range statuses {
		if !st.Healthy {
			healthy = false
		}
	}
	return healthy, statuses
}

func run(ctx context.Context, nc namedChecker, timeout time.Duration) Status {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan Status, 1)
	go func() { done <- nc.check(ctx) }()

	select {
	case st := <-done:
		if st.Name == "" {
			st.Name = nc.name
		}
		return st
	case <-ctx.Done():
		return Status{Name: nc.name, Healthy: false, Detail: fmt.Sprintf("check timed out after %s", timeout)}
	}
}

// Pinger is satisfied by *sql.DB.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// HeightSource is satisfied by every clock.Source.
type HeightSource interface {
	Height(ctx context.Context) (uint64, error)
}

// ConservationResult is the subset of a reconciliation result a checker needs.
type ConservationResult struct {
	Match     bool
	Surplus   uint64
	Shortfall uint64
}

// DatabaseChecker pings the database with a short timeout.
func DatabaseChecker(name string, db Pinger) Checker {
	return func(ctx context.Context) Status {
		ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := db.PingContext(ctx); err != nil {
			return Status{Name: name, Healthy: false, Detail: err.Error()}
		}
		return Status{Name: name, Healthy: true}
	}
}

// ClockChecker verifies the height source answers.
func ClockChecker(src HeightSource) Checker {
	return func(ctx context.Context) Status {
		ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		h, err := src.Height(ctx)
		if err != nil {
			return Status{Name: "clock", Healthy: false, Detail: err.Error()}
		}
		return Status{Name: "clock", Healthy: true, Detail: fmt.Sprintf("height %d", h)}
	}
}

// ConservationChecker reports unhealthy when custody funds do not balance.
func ConservationChecker(check func(ctx context.Context) (ConservationResult, error)) Checker {
	return func(ctx context.Context) Status {
		res, err := check(ctx)
		if err != nil {
			return Status{Name: "conservation", Healthy: false, Detail: err.Error()}
		}
		if !res.Match {
			return Status{
				Name:    "conservation",
				Healthy: false,
				Detail:  fmt.Sprintf("surplus %d shortfall %d", res.Surplus, res.Shortfall),
			}
		}
		return Status{Name: "conservation", Healthy: true}
	}
}
