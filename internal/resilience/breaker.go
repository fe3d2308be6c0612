package resilience

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/rendis/flowcore/pkg/schema"
)

// State represents the state of a circuit breaker.
type State int

const (
	StateClosed   State = iota // Normal operation
	StateOpen                  // Failing, rejecting calls
	StateHalfOpen              // Testing recovery
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

// BreakerConfig configures the circuit breaker behavior.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures before opening the circuit.
	FailureThreshold int
	// Cooldown is how long the circuit stays open before transitioning to half-open.
	Cooldown time.Duration
	// HalfOpenMax is the number of test requests allowed in half-open state.
	HalfOpenMax int
}

// DefaultBreakerConfig returns a sensible default configuration.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
		HalfOpenMax:      1,
	}
}

func (c BreakerConfig) normalized() BreakerConfig {
	def := DefaultBreakerConfig()
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = def.FailureThreshold
	}
	if c.Cooldown <= 0 {
		c.Cooldown = def.Cooldown
	}
	if c.HalfOpenMax <= 0 {
		c.HalfOpenMax = def.HalfOpenMax
	}
	return c
}

// StateHook is notified after a breaker changes state. It runs outside the
// breaker lock.
type StateHook func(service string, from, to State)

// breaker tracks failure state for a single downstream service.
type breaker struct {
	mu                  sync.Mutex
	state               State
	consecutiveFailures int
	lastFailureTime     time.Time
	halfOpenAttempts    int

	successes  atomic.Int64
	failures   atomic.Int64
	rejections atomic.Int64
}

// Stats is a diagnostic snapshot of one breaker.
type Stats struct {
	Service             string `json:"service"`
	State               string `json:"state"`
	ConsecutiveFailures int    `json:"consecutive_failures"`
	FailureThreshold    int    `json:"failure_threshold"`
	Successes           int64  `json:"successes"`
	Failures            int64  `json:"failures"`
	Rejections          int64  `json:"rejections"`
}

// BreakerRegistry manages per-service circuit breakers. One registry is
// shared by every instance in the process.
type BreakerRegistry struct {
	mu       sync.Mutex
	breakers map[string]*breaker
	config   BreakerConfig
	clock    clock.Clock
	hook     StateHook
}

// RegistryOption configures a BreakerRegistry.
type RegistryOption func(*BreakerRegistry)

// WithRegistryClock sets the time source used for cooldowns.
func WithRegistryClock(c clock.Clock) RegistryOption {
	return func(r *BreakerRegistry) { r.clock = c }
}

// WithStateHook registers a callback for state transitions.
func WithStateHook(hook StateHook) RegistryOption {
	return func(r *BreakerRegistry) { r.hook = hook }
}

// NewBreakerRegistry creates a new registry with the given config.
func NewBreakerRegistry(config BreakerConfig, opts ...RegistryOption) *BreakerRegistry {
	r := &BreakerRegistry{
		breakers: make(map[string]*breaker),
		config:   config.normalized(),
		clock:    clock.New(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// CanCall reports whether a call to service would currently be admitted.
// Unlike Allow it does not consume a half-open probe.
func (r *BreakerRegistry) CanCall(service string) bool {
	cb := r.getOrCreate(service)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateOpen:
		return r.cooledDown(cb)
	case StateHalfOpen:
		return cb.halfOpenAttempts < r.config.HalfOpenMax
	default:
		return true
	}
}

// Allow admits a call to service or returns a CIRCUIT_OPEN error.
// Admitting a call on an open circuit whose cooldown elapsed moves it to half-open.
func (r *BreakerRegistry) Allow(service string) error {
	cb := r.getOrCreate(service)
	cb.mu.Lock()
	from := cb.state

	switch cb.state {
	case StateOpen:
		if r.cooledDown(cb) {
			cb.state = StateHalfOpen
			cb.halfOpenAttempts = 1 // this request counts as the first test request
			cb.mu.Unlock()
			r.notify(service, from, StateHalfOpen)
			return nil
		}
		remaining := r.config.Cooldown - r.clock.Since(cb.lastFailureTime)
		failures := cb.consecutiveFailures
		cb.mu.Unlock()
		cb.rejections.Add(1)
		return schema.NewErrorf(schema.ErrCodeCircuitOpen,
			"circuit breaker open for service %q: %d consecutive failures", service, failures).
			WithDetails(map[string]any{
				"service":              service,
				"consecutive_failures": failures,
				"cooldown_remaining":   remaining.String(),
			})

	case StateHalfOpen:
		if cb.halfOpenAttempts >= r.config.HalfOpenMax {
			cb.mu.Unlock()
			cb.rejections.Add(1)
			return schema.NewErrorf(schema.ErrCodeCircuitOpen,
				"circuit breaker half-open for service %q: max test requests reached", service).
				WithDetails(map[string]any{"service": service})
		}
		cb.halfOpenAttempts++
	}

	cb.mu.Unlock()
	return nil
}

// RecordSuccess records a successful call and closes the circuit.
func (r *BreakerRegistry) RecordSuccess(service string) {
	cb := r.getOrCreate(service)
	cb.successes.Add(1)

	cb.mu.Lock()
	from := cb.state
	cb.consecutiveFailures = 0
	cb.halfOpenAttempts = 0
	cb.state = StateClosed
	cb.mu.Unlock()

	r.notify(service, from, StateClosed)
}

// RecordFailure records a failed call and returns the new circuit state.
func (r *BreakerRegistry) RecordFailure(service string) State {
	cb := r.getOrCreate(service)
	cb.failures.Add(1)

	cb.mu.Lock()
	from := cb.state
	cb.consecutiveFailures++
	cb.lastFailureTime = r.clock.Now()

	switch {
	case cb.state == StateHalfOpen:
		// Any failure in half-open reopens the circuit.
		cb.state = StateOpen
	case cb.consecutiveFailures >= r.config.FailureThreshold:
		cb.state = StateOpen
	}
	to := cb.state
	cb.mu.Unlock()

	r.notify(service, from, to)
	return to
}

// State returns the current state of the circuit for a service.
func (r *BreakerRegistry) State(service string) State {
	cb := r.getOrCreate(service)
	cb.mu.Lock()
	from := cb.state

	// Automatic transition from open to half-open.
	if cb.state == StateOpen && r.cooledDown(cb) {
		cb.state = StateHalfOpen
		cb.halfOpenAttempts = 0
	}
	to := cb.state
	cb.mu.Unlock()

	r.notify(service, from, to)
	return to
}

// Stats returns diagnostic information about a circuit breaker.
func (r *BreakerRegistry) Stats(service string) Stats {
	cb := r.getOrCreate(service)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return Stats{
		Service:             service,
		State:               cb.state.String(),
		ConsecutiveFailures: cb.consecutiveFailures,
		FailureThreshold:    r.config.FailureThreshold,
		Successes:           cb.successes.Load(),
		Failures:            cb.failures.Load(),
		Rejections:          cb.rejections.Load(),
	}
}

// Services lists the services with a breaker, in no particular order.
func (r *BreakerRegistry) Services() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.breakers))
	for name := range r.breakers {
		out = append(out, name)
	}
	return out
}

// cooledDown must be called with cb.mu held.
func (r *BreakerRegistry) cooledDown(cb *breaker) bool {
	return r.clock.Since(cb.lastFailureTime) >= r.config.Cooldown
}

func (r *BreakerRegistry) notify(service string, from, to State) {
	if from != to && r.hook != nil {
		r.hook(service, from, to)
	}
}

func (r *BreakerRegistry) getOrCreate(service string) *breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	cb, ok := r.breakers[service]
	if !ok {
		cb = &breaker{state: StateClosed}
		r.breakers[service] = cb
	}
	return cb
}
