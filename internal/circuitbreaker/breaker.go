// Package circuitbreaker provides a per-operation circuit breaker with
// closed → open → half-open state transitions. The billing gateway keys it
// by remote operation so a failing checkout endpoint does not block
// customer provisioning.
package circuitbreaker

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ErrOpen is returned by Execute while the circuit for an operation is open.
var ErrOpen = errors.New("circuitbreaker: circuit open")

// State represents the circuit breaker state.
type State int

const (
	StateClosed   State = iota // Normal: requests flow through
	StateOpen                  // Tripped: requests are rejected
	StateHalfOpen              // Probing: one request allowed to test recovery
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

var stateTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "pharmcompound",
	Subsystem: "circuitbreaker",
	Name:      "state_transitions_total",
	Help:      "Circuit breaker state transitions by operation, from-state, and to-state.",
}, []string{"operation", "from_state", "to_state"})

func init() {
	prometheus.MustRegister(stateTransitions)
}

type circuit struct {
	state       State
	failures    int
	lastFailure time.Time
}

// Breaker tracks consecutive failures per operation and trips open when
// they reach the threshold. After the cool-down it lets a single trial call
// through (half-open); the trial's outcome closes or re-opens the circuit.
type Breaker struct {
	mu           sync.Mutex
	circuits     map[string]*circuit
	threshold    int
	cooldown     time.Duration
	now          func() time.Time
	onTransition func(op string, from, to State)
}

// New creates a breaker that opens after threshold consecutive failures and
// stays open for cooldown before probing.
func New(threshold int, cooldown time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &Breaker{
		circuits:  make(map[string]*circuit),
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
	}
}

// OnTransition sets a callback invoked (asynchronously) on state changes.
func (b *Breaker) OnTransition(fn func(op string, from, to State)) {
	b.mu.Lock()
	b.onTransition = fn
	b.mu.Unlock()
}

// Allow reports whether a call for op may proceed.
func (b *Breaker) Allow(op string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[op]
	if !ok {
		return true
	}

	switch c.state {
	case StateOpen:
		if b.now().Sub(c.lastFailure) >= b.cooldown {
			b.transition(c, op, StateHalfOpen)
			return true
		}
		return false
	case StateHalfOpen:
		// a trial call is already in flight
		return false
	default:
		return true
	}
}

// RecordSuccess resets the failure count and closes a half-open circuit.
func (b *Breaker) RecordSuccess(op string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[op]
	if !ok {
		return
	}
	if c.state == StateHalfOpen {
		b.transition(c, op, StateClosed)
	}
	c.failures = 0
}

// RecordFailure counts a failure; a failed trial re-opens immediately.
func (b *Breaker) RecordFailure(op string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[op]
	if !ok {
		c = &circuit{state: StateClosed}
		b.circuits[op] = c
	}

	c.failures++
	c.lastFailure = b.now()

	switch {
	case c.state == StateHalfOpen:
		b.transition(c, op, StateOpen)
	case c.state == StateClosed && c.failures >= b.threshold:
		b.transition(c, op, StateOpen)
	}
}

// Execute runs fn when the circuit for op allows it and records the
// outcome. Errors for which countable returns false (the remote answered,
// but rejected the request) are not availability failures and reset the
// count instead.
func (b *Breaker) Execute(op string, countable func(error) bool, fn func() error) error {
	if !b.Allow(op) {
		return ErrOpen
	}
	err := fn()
	switch {
	case err == nil:
		b.RecordSuccess(op)
	case countable == nil || countable(err):
		b.RecordFailure(op)
	default:
		b.RecordSuccess(op)
	}
	return err
}

// State returns the current state for op; unknown operations are closed.
func (b *Breaker) State(op string) State {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[op]
	if !ok {
		return StateClosed
	}
	return c.state
}

// OpenOperations lists operations whose circuit is not closed.
func (b *Breaker) OpenOperations() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	var ops []string
	for op, c := range b.circuits {
		if c.state != StateClosed {
			ops = append(ops, op)
		}
	}
	return ops
}

// transition must be called with b.mu held.
func (b *Breaker) transition(c *circuit, op string, to State) {
	from := c.state
	if from == to {
		return
	}
	c.state = to
	stateTransitions.WithLabelValues(op, from.String(), to.String()).Inc()
	if fn := b.onTransition; fn != nil {
		go fn(op, from, to)
	}
}
