// Package circuitbreaker guards calls to external event consumers with a
// per-destination closed → open → half-open breaker.
package circuitbreaker

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// State represents the circuit breaker state.
type State int

const (
	StateClosed   State = iota // Normal: calls flow through
	StateOpen                  // Tripped: calls are rejected
	StateHalfOpen              // Probing: one call allowed to test recovery
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

var transitionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "escrowd",
	Subsystem: "circuitbreaker",
	Name:      "state_transitions_total",
	Help:      "Circuit breaker state transitions by destination, from-state, and to-state.",
}, []string{"destination", "from_state", "to_state"})

func init() {
	prometheus.MustRegister(transitionsTotal)
}

type destination struct {
	state       State
	failures    int
	lastFailure time.Time
}

// Breaker tracks consecutive failures per destination and trips open once
// they reach the threshold. After the cool-down it lets one probe through.
type Breaker struct {
	mu           sync.Mutex
	dests        map[string]*destination
	threshold    int
	coolDown     time.Duration
	now          func() time.Time
	onTransition func(dest string, from, to State)
}

// New creates a breaker that opens after threshold consecutive failures and
// stays open for coolDown before probing.
func New(threshold int, coolDown time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if coolDown <= 0 {
		coolDown = 30 * time.Second
	}
	return &Breaker{
		dests:     make(map[string]*destination),
		threshold: threshold,
		coolDown:  coolDown,
		now:       time.Now,
	}
}

// OnTransition sets a callback invoked synchronously on state changes,
// outside the breaker's lock.
func (b *Breaker) OnTransition(fn func(dest string, from, to State)) {
	b.mu.Lock()
	b.onTransition = fn
	b.mu.Unlock()
}

// Allow reports whether a call to dest may proceed.
func (b *Breaker) Allow(dest string) bool {
	b.mu.Lock()
	d, ok := b.dests[dest]
	if !ok {
		b.mu.Unlock()
		return true
	}

	switch d.state {
	case StateOpen:
		if b.now().Sub(d.lastFailure) < b.coolDown {
			b.mu.Unlock()
			return false
		}
		fire := b.transition(d, dest, StateHalfOpen)
		b.mu.Unlock()
		fire()
		return true
	case StateHalfOpen:
		b.mu.Unlock()
		return false
	default:
		b.mu.Unlock()
		return true
	}
}

// RecordSuccess resets the failure count and closes a half-open breaker.
func (b *Breaker) RecordSuccess(dest string) {
	b.mu.Lock()
	d, ok := b.dests[dest]
	if !ok {
		b.mu.Unlock()
		return
	}
	d.failures = 0
	fire := b.transition(d, dest, StateClosed)
	b.mu.Unlock()
	fire()
}

// RecordFailure counts a failure, tripping the breaker at the threshold or
// re-opening it when a half-open probe fails.
func (b *Breaker) RecordFailure(dest string) {
	b.mu.Lock()
	d, ok := b.dests[dest]
	if !ok {
		d = &destination{state: StateClosed}
		b.dests[dest] = d
	}
	d.failures++
	d.lastFailure = b.now()

	fire := func() {}
	if d.state == StateHalfOpen || d.failures >= b.threshold {
		fire = b.transition(d, dest, StateOpen)
	}
	b.mu.Unlock()
	fire()
}

// State returns the current state for dest. Unknown destinations are closed.
func (b *Breaker) State(dest string) State {
	b.mu.Lock()
	defer b.mu.Unlock()

	if d, ok := b.dests[dest]; ok {
		return d.state
	}
	return StateClosed
}

// transition changes state and returns the callback to run after unlocking.
// Caller must hold b.mu.
func (b *Breaker) transition(d *destination, dest string, to State) func() {
	from := d.state
	if from == to {
		return func() {}
	}
	d.state = to
	transitionsTotal.WithLabelValues(dest, from.String(), to.String()).Inc()
	fn := b.onTransition
	if fn == nil {
		return func() {}
	}
	return func() { fn(dest, from, to) }
}
