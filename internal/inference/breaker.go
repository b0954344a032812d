// Circuit breaker guarding the upstream model providers. One breaker per
// model; a registry hands them out on demand.
package inference

import (
	"errors"
	"log"
	"sync"
	"time"
)

// State represents the circuit breaker state
type State int

const (
	StateClosed   State = iota // Normal operation, calls pass through
	StateOpen                  // Failure window saturated, calls blocked
	StateHalfOpen              // Cooldown elapsed, one probe allowed
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// ErrCircuitOpen is returned without touching the upstream while the
// breaker is open or a half-open probe is already in flight.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// BreakerConfig holds circuit breaker tuning.
type BreakerConfig struct {
	// Name identifies this breaker (the model id).
	Name string

	// FailureThreshold trips the breaker when the sliding window holds
	// this many failures.
	FailureThreshold int

	// Window is the sliding period failures are counted over.
	Window time.Duration

	// Cooldown is the open period before a half-open probe is allowed.
	Cooldown time.Duration

	// OnStateChange is called whenever the state changes.
	OnStateChange func(name string, from, to State)

	// Now is swappable for tests.
	Now func() time.Time
}

// DefaultBreakerConfig returns the gateway policy: five failures inside
// ten seconds open the circuit for sixty seconds.
func DefaultBreakerConfig(name string) BreakerConfig {
	return BreakerConfig{
		Name:             name,
		FailureThreshold: 5,
		Window:           10 * time.Second,
		Cooldown:         60 * time.Second,
		OnStateChange: func(name string, from, to State) {
			log.Printf("[CircuitBreaker:%s] State change: %s -> %s", name, from, to)
		},
	}
}

// Breaker is a three-state circuit breaker with a sliding failure window.
type Breaker struct {
	cfg BreakerConfig

	mu            sync.Mutex
	state         State
	failures      []time.Time // failure timestamps within the window
	openedAt      time.Time
	probeInFlight bool
}

// NewBreaker creates a breaker in the closed state.
func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.Window <= 0 {
		cfg.Window = 10 * time.Second
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 60 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Breaker{cfg: cfg, state: StateClosed}
}

// Name returns the breaker name.
func (b *Breaker) Name() string { return b.cfg.Name }

// State returns the current state, advancing Open to HalfOpen when the
// cooldown has elapsed.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.currentState(b.cfg.Now())
}

// Allow reports whether a call may proceed. While half-open it admits
// exactly one probe; the caller must report the outcome through Record.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.cfg.Now()
	switch b.currentState(now) {
	case StateOpen:
		return ErrCircuitOpen
	case StateHalfOpen:
		if b.probeInFlight {
			return ErrCircuitOpen
		}
		b.probeInFlight = true
	}
	return nil
}

// Drop releases a call admitted by Allow without recording a verdict, for
// calls that ended before the upstream answered. A half-open probe slot is
// freed so the next caller can probe instead.
func (b *Breaker) Drop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.probeInFlight = false
}

// Record reports the outcome of a call previously admitted by Allow.
func (b *Breaker) Record(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.cfg.Now()
	state := b.currentState(now)

	if state == StateHalfOpen {
		b.probeInFlight = false
		if success {
			b.setState(StateClosed, now)
		} else {
			b.setState(StateOpen, now)
		}
		return
	}

	if success {
		return
	}

	b.failures = append(b.failures, now)
	b.pruneWindow(now)
	if len(b.failures) >= b.cfg.FailureThreshold {
		b.setState(StateOpen, now)
	}
}

func (b *Breaker) currentState(now time.Time) State {
	if b.state == StateOpen && now.Sub(b.openedAt) >= b.cfg.Cooldown {
		b.setState(StateHalfOpen, now)
	}
	return b.state
}

func (b *Breaker) setState(state State, now time.Time) {
	if b.state == state {
		return
	}
	prev := b.state
	b.state = state

	switch state {
	case StateOpen:
		b.openedAt = now
		b.failures = nil
		b.probeInFlight = false
		metrics.breakerTrips.WithLabelValues(b.cfg.Name).Inc()
	case StateClosed:
		b.failures = nil
		b.probeInFlight = false
	}
	metrics.breakerState.WithLabelValues(b.cfg.Name).Set(float64(state))

	if b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(b.cfg.Name, prev, state)
	}
}

func (b *Breaker) pruneWindow(now time.Time) {
	cutoff := now.Add(-b.cfg.Window)
	kept := b.failures[:0]
	for _, ts := range b.failures {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	b.failures = kept
}

// =============================================================================
// BREAKER REGISTRY
// =============================================================================

// Registry manages one breaker per model.
type Registry struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	build    func(name string) BreakerConfig
}

// NewRegistry creates a registry. build customizes per-model config; nil
// applies the default policy.
func NewRegistry(build func(name string) BreakerConfig) *Registry {
	if build == nil {
		build = DefaultBreakerConfig
	}
	return &Registry{
		breakers: make(map[string]*Breaker),
		build:    build,
	}
}

// Get returns the breaker for name, creating it on first use.
func (r *Registry) Get(name string) *Breaker {
	r.mu.RLock()
	b, exists := r.breakers[name]
	r.mu.RUnlock()
	if exists {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Double-check after acquiring write lock
	if b, exists = r.breakers[name]; exists {
		return b
	}

	b = NewBreaker(r.build(name))
	r.breakers[name] = b
	return b
}

// States returns the current state of every known breaker.
func (r *Registry) States() map[string]State {
	r.mu.RLock()
	defer r.mu.RUnlock()

	states := make(map[string]State, len(r.breakers))
	for name, b := range r.breakers {
		states[name] = b.State()
	}
	return states
}
