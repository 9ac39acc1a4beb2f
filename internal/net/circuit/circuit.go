// Package circuit implements the per-provider circuit breaker: CLOSED
// until a run of consecutive failures, OPEN for a cool-down window, then
// HALF_OPEN admitting a single probe.
package circuit

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrOpen is returned without calling the wrapped function while the
// circuit is open or a half-open probe is already in flight. Callers map
// it to fallback.
var ErrOpen = errors.New("circuit breaker is open")

// State represents the circuit breaker state.
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
		return "half_open"
	default:
		return "unknown"
	}
}

// Config controls breaker transitions.
type Config struct {
	// FailureThreshold is the consecutive-failure count that opens the
	// circuit from closed.
	FailureThreshold int
	// Cooldown is how long the circuit stays open before admitting a
	// half-open probe.
	Cooldown time.Duration
}

// DefaultConfig matches the service defaults: open after 5 consecutive
// failures, 30s cool-down.
func DefaultConfig() Config {
	return Config{FailureThreshold: 5, Cooldown: 30 * time.Second}
}

// Breaker is one provider's circuit breaker. Safe for concurrent use;
// all state updates are constant-time under a single mutex.
type Breaker struct {
	mu              sync.Mutex
	config          Config
	state           State
	failures        int
	probeInFlight   bool
	lastFailureTime time.Time
	lastStateChange time.Time

	totalRequests int64
	totalFailures int64
	totalRejected int64
}

// NewBreaker creates a closed breaker.
func NewBreaker(config Config) *Breaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = DefaultConfig().FailureThreshold
	}
	if config.Cooldown <= 0 {
		config.Cooldown = DefaultConfig().Cooldown
	}
	return &Breaker{config: config, state: StateClosed, lastStateChange: time.Now()}
}

// Call runs fn if the breaker admits it. A context cancellation or
// deadline inside fn counts as a failure like any other error.
func (b *Breaker) Call(ctx context.Context, fn func(ctx context.Context) error) error {
	if !b.admit() {
		return ErrOpen
	}

	err := fn(ctx)
	if err != nil {
		b.onFailure()
		return err
	}
	b.onSuccess()
	return nil
}

// admit decides whether a request may proceed, transitioning OPEN to
// HALF_OPEN after the cool-down. In HALF_OPEN exactly one probe is
// admitted; concurrent calls are rejected until the probe resolves.
func (b *Breaker) admit() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.totalRequests++
		return true
	case StateOpen:
		if time.Since(b.lastFailureTime) > b.config.Cooldown {
			b.setState(StateHalfOpen)
			b.probeInFlight = true
			b.totalRequests++
			return true
		}
		b.totalRejected++
		return false
	case StateHalfOpen:
		if b.probeInFlight {
			b.totalRejected++
			return false
		}
		b.probeInFlight = true
		b.totalRequests++
		return true
	default:
		return false
	}
}

func (b *Breaker) onSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.failures = 0
	case StateHalfOpen:
		b.probeInFlight = false
		b.failures = 0
		b.setState(StateClosed)
	}
}

func (b *Breaker) onFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.totalFailures++
	b.lastFailureTime = time.Now()

	switch b.state {
	case StateClosed:
		b.failures++
		if b.failures >= b.config.FailureThreshold {
			b.setState(StateOpen)
		}
	case StateHalfOpen:
		b.probeInFlight = false
		b.setState(StateOpen)
	}
}

func (b *Breaker) setState(state State) {
	if b.state != state {
		b.state = state
		b.lastStateChange = time.Now()
	}
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Stats is a point-in-time snapshot for diagnostics and metrics.
type Stats struct {
	State               State     `json:"state"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	TotalRequests       int64     `json:"total_requests"`
	TotalFailures       int64     `json:"total_failures"`
	TotalRejected       int64     `json:"total_rejected"`
	LastStateChange     time.Time `json:"last_state_change"`
	LastFailureTime     time.Time `json:"last_failure_time,omitempty"`
}

// Stats returns a snapshot of the breaker's counters.
func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		State:               b.state,
		ConsecutiveFailures: b.failures,
		TotalRequests:       b.totalRequests,
		TotalFailures:       b.totalFailures,
		TotalRejected:       b.totalRejected,
		LastStateChange:     b.lastStateChange,
		LastFailureTime:     b.lastFailureTime,
	}
}

// Reset returns the breaker to its initial closed state.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateClosed
	b.failures = 0
	b.probeInFlight = false
	b.lastStateChange = time.Now()
	b.lastFailureTime = time.Time{}
}

// Registry holds one breaker per provider. Initialized once at startup.
type Registry struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{breakers: make(map[string]*Breaker)}
}

// Add registers a breaker for a provider.
func (r *Registry) Add(name string, config Config) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b := NewBreaker(config)
	r.breakers[name] = b
	return b
}

// Get returns the breaker for a provider.
func (r *Registry) Get(name string) (*Breaker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.breakers[name]
	return b, ok
}

// Stats returns snapshots for every registered provider.
func (r *Registry) Stats() map[string]Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]Stats, len(r.breakers))
	for name, b := range r.breakers {
		out[name] = b.Stats()
	}
	return out
}
