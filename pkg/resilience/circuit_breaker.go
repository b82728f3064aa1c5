package resilience

import (
	"context"
	"sync"
	"time"
)

// CircuitBreaker implements the standard closed/open/half-open state machine
// around an Executor. It tracks consecutive failures while closed and
// consecutive successes while half-open; any failure in half-open reopens it.
type CircuitBreaker struct {
	cfg CircuitBreakerConfig

	mu          sync.Mutex
	state       State
	failures    int64
	successes   int64
	lastFailure time.Time
}

// NewCircuitBreaker creates a CircuitBreaker in the closed state.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 2
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &CircuitBreaker{cfg: cfg, state: StateClosed}
}

// ErrCircuitOpen is returned by Execute when the breaker is open and the
// timeout has not yet elapsed.
var ErrCircuitOpen = &breakerError{"circuit breaker open"}

type breakerError struct{ msg string }

func (e *breakerError) Error() string { return e.msg }

// Execute runs fn if the breaker allows it, recording the outcome.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn Executor) error {
	if err := cb.before(); err != nil {
		return err
	}
	err := fn(ctx)
	cb.after(err == nil)
	return err
}

func (cb *CircuitBreaker) before() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateOpen:
		if time.Since(cb.lastFailure) >= cb.cfg.Timeout {
			cb.transition(StateHalfOpen)
			return nil
		}
		return ErrCircuitOpen
	default:
		return nil
	}
}

func (cb *CircuitBreaker) after(success bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		if success {
			cb.failures = 0
			return
		}
		cb.failures++
		cb.lastFailure = time.Now()
		if cb.failures >= cb.cfg.FailureThreshold {
			cb.transition(StateOpen)
		}
	case StateHalfOpen:
		if !success {
			cb.lastFailure = time.Now()
			cb.transition(StateOpen)
			return
		}
		cb.successes++
		if cb.successes >= cb.cfg.SuccessThreshold {
			cb.transition(StateClosed)
		}
	}
}

// transition must be called with cb.mu held.
func (cb *CircuitBreaker) transition(to State) {
	if cb.state == to {
		return
	}
	from := cb.state
	cb.state = to
	cb.failures = 0
	cb.successes = 0
	if cb.cfg.OnStateChange != nil {
		go cb.cfg.OnStateChange(cb.cfg.Name, from, to)
	}
}

// State returns the breaker's current state.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Name returns the breaker's configured name.
func (cb *CircuitBreaker) Name() string {
	return cb.cfg.Name
}
