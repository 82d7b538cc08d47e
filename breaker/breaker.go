// Package breaker implements per-dependency circuit breakers.
//
// Each named external dependency (payment provider, generation upstream,
// mail relay) gets its own breaker. After a run of consecutive failures the
// breaker opens and calls fail fast without touching the dependency; after a
// cooldown a single trial call checks for recovery.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/lumapix/genbroker/telemetry"
)

// State is the breaker state machine position.
type State int

const (
	// StateClosed admits all calls; failures are counted.
	StateClosed State = iota
	// StateOpen rejects all calls until the cooldown elapses.
	StateOpen
	// StateHalfOpen admits exactly one trial call.
	StateHalfOpen
)

// String returns the state name for logs and stats.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// OpenError is returned when a call is rejected by an open breaker.
// The wrapped call was never invoked.
type OpenError struct {
	// Dependency is the breaker name.
	Dependency string
	// RetryAfter is the remaining cooldown at rejection time.
	RetryAfter time.Duration
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit open for %s, retry after %s", e.Dependency, e.RetryAfter)
}

// IsOpen reports whether err is a circuit-open rejection.
func IsOpen(err error) bool {
	var oe *OpenError
	return errors.As(err, &oe)
}

// Config holds breaker tuning.
type Config struct {
	// FailureThreshold is the count of consecutive failures that opens the
	// breaker. Default is 5.
	FailureThreshold int

	// Cooldown is how long the breaker stays open before admitting a trial
	// call. Default is 30 seconds.
	Cooldown time.Duration
}

// halfOpenRetryHint is the RetryAfter hint for calls rejected while the
// half-open trial call is in flight.
const halfOpenRetryHint = time.Second

// DefaultConfig returns the default breaker tuning.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
	}
}

// Stats is a read-only snapshot of a breaker.
type Stats struct {
	Name                string    `json:"name"`
	State               string    `json:"state"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	TotalSuccesses      uint64    `json:"total_successes"`
	TotalFailures       uint64    `json:"total_failures"`
	Rejections          uint64    `json:"rejections"`
	LastFailureAt       time.Time `json:"last_failure_at,omitzero"`
	LastStateChangeAt   time.Time `json:"last_state_change_at,omitzero"`
}

// CircuitBreaker guards a single named dependency.
type CircuitBreaker struct {
	name   string
	config Config
	logger *slog.Logger
	now    func() time.Time

	mu                  sync.Mutex
	state               State
	consecutiveFailures int
	totalSuccesses      uint64
	totalFailures       uint64
	rejections          uint64
	lastFailureAt       time.Time
	lastStateChangeAt   time.Time
	halfOpenInFlight    bool
}

// Option configures a CircuitBreaker.
type Option func(*CircuitBreaker)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(cb *CircuitBreaker) {
		cb.logger = logger
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) Option {
	return func(cb *CircuitBreaker) {
		cb.now = now
	}
}

// New creates a breaker for the named dependency.
func New(name string, cfg Config, opts ...Option) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}

	cb := &CircuitBreaker{
		name:   name,
		config: cfg,
		logger: slog.Default(),
		now:    time.Now,
		state:  StateClosed,
	}
	for _, opt := range opts {
		opt(cb)
	}
	cb.logger = cb.logger.With("component", "breaker", "dependency", name)
	return cb
}

// Execute runs fn through the breaker. When the breaker is open the call is
// rejected with *OpenError and fn is never invoked. The outcome of fn feeds
// the state machine: nil is a success, any error a failure.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	if err := cb.acquire(); err != nil {
		return err
	}

	// Record through a defer so a panicking fn still releases the
	// half-open trial slot and counts as a failure before the panic
	// propagates; otherwise a single panic in the trial call would
	// leave the breaker rejecting forever.
	defer func() {
		if r := recover(); r != nil {
			cb.record(fmt.Errorf("panic: %v", r))
			panic(r)
		}
		cb.record(err)
	}()

	// Tag the call context so instrumented transports attribute the call
	// to this dependency.
	err = fn(telemetry.WithDependencyContext(ctx, cb.name))
	return err
}

// State returns the current state, applying the cooldown transition first so
// callers never observe a stale OPEN past its deadline.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.maybeHalfOpenLocked()
	return cb.state
}

// Snapshot returns read-only stats.
func (cb *CircuitBreaker) Snapshot() Stats {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.maybeHalfOpenLocked()
	return Stats{
		Name:                cb.name,
		State:               cb.state.String(),
		ConsecutiveFailures: cb.consecutiveFailures,
		TotalSuccesses:      cb.totalSuccesses,
		TotalFailures:       cb.totalFailures,
		Rejections:          cb.rejections,
		LastFailureAt:       cb.lastFailureAt,
		LastStateChangeAt:   cb.lastStateChangeAt,
	}
}

func (cb *CircuitBreaker) acquire() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.maybeHalfOpenLocked()

	switch cb.state {
	case StateClosed:
		return nil
	case StateHalfOpen:
		if cb.halfOpenInFlight {
			cb.rejections++
			telemetry.RecordCircuitRejection(context.Background(), cb.name)
			// The in-flight trial resolves well before a full
			// cooldown, so hint a short retry.
			hint := halfOpenRetryHint
			if cb.config.Cooldown < hint {
				hint = cb.config.Cooldown
			}
			return &OpenError{Dependency: cb.name, RetryAfter: hint}
		}
		cb.halfOpenInFlight = true
		return nil
	default: // StateOpen
		cb.rejections++
		telemetry.RecordCircuitRejection(context.Background(), cb.name)
		remaining := cb.config.Cooldown - cb.now().Sub(cb.lastStateChangeAt)
		if remaining < 0 {
			remaining = 0
		}
		return &OpenError{Dependency: cb.name, RetryAfter: remaining}
	}
}

func (cb *CircuitBreaker) record(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateHalfOpen {
		cb.halfOpenInFlight = false
	}

	if err == nil {
		cb.totalSuccesses++
		cb.consecutiveFailures = 0
		if cb.state == StateHalfOpen {
			// Recovery: re-enter closed with a clean slate.
			cb.transitionLocked(StateClosed)
			cb.totalSuccesses = 0
			cb.totalFailures = 0
			cb.rejections = 0
		}
		return
	}

	cb.totalFailures++
	cb.consecutiveFailures++
	cb.lastFailureAt = cb.now()

	switch cb.state {
	case StateClosed:
		if cb.consecutiveFailures >= cb.config.FailureThreshold {
			cb.transitionLocked(StateOpen)
		}
	case StateHalfOpen:
		// The trial call failed; back to open with a fresh cooldown.
		cb.transitionLocked(StateOpen)
	}
}

func (cb *CircuitBreaker) maybeHalfOpenLocked() {
	if cb.state == StateOpen && cb.now().Sub(cb.lastStateChangeAt) >= cb.config.Cooldown {
		cb.transitionLocked(StateHalfOpen)
	}
}

func (cb *CircuitBreaker) transitionLocked(to State) {
	from := cb.state
	cb.state = to
	cb.lastStateChangeAt = cb.now()
	cb.logger.Info("circuit state change", "from", from.String(), "to", to.String(),
		"consecutive_failures", cb.consecutiveFailures)
	telemetry.RecordCircuitTransition(context.Background(), cb.name, from.String(), to.String())
}
