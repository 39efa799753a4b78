package reliability

import (
	"log/slog"
	"sync"
	"time"
)

// State represents the circuit breaker state
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
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreaker implements the circuit breaker pattern with sliding-window
// failure tracking. Failures older than the configured window never count
// toward the open threshold. State transitions are strictly
// closed -> open -> half-open -> {closed|open}.
type CircuitBreaker struct {
	mu sync.Mutex

	state             State
	failures          []time.Time // timestamps of failures within the window
	openedAt          time.Time
	halfOpenSuccesses int
	halfOpenFailures  int

	totalTrips     int64
	totalSuccesses int64
	totalFailures  int64

	// Configuration
	failureThreshold int
	failureWindow    time.Duration
	recoveryTimeout  time.Duration
	halfOpenRequests int
	name             string
	logger           *slog.Logger
}

// CircuitBreakerOption configures the circuit breaker
type CircuitBreakerOption func(*CircuitBreaker)

// WithFailureThreshold sets the number of windowed failures that opens the circuit
func WithFailureThreshold(threshold int) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.failureThreshold = threshold
	}
}

// WithFailureWindow sets the sliding window for failure counting
func WithFailureWindow(window time.Duration) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.failureWindow = window
	}
}

// WithRecoveryTimeout sets how long the circuit stays open before probing
func WithRecoveryTimeout(timeout time.Duration) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.recoveryTimeout = timeout
	}
}

// WithHalfOpenRequests sets the number of trial requests in half-open state
func WithHalfOpenRequests(requests int) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.halfOpenRequests = requests
	}
}

// WithName sets the circuit breaker name for identification
func WithName(name string) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.name = name
	}
}

// WithBreakerLogger sets the logger
func WithBreakerLogger(logger *slog.Logger) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.logger = logger
	}
}

// NewCircuitBreaker creates a new circuit breaker
func NewCircuitBreaker(options ...CircuitBreakerOption) *CircuitBreaker {
	cb := &CircuitBreaker{
		state:            StateClosed,
		failureThreshold: 5,
		failureWindow:    10 * time.Second,
		recoveryTimeout:  30 * time.Second,
		halfOpenRequests: 1,
		name:             "broker",
		logger:           slog.Default(),
	}

	for _, opt := range options {
		opt(cb)
	}

	return cb
}

// AllowRequest reports whether a new broker-facing operation may proceed.
// An open circuit transitions to half-open once the recovery timeout has
// elapsed; half-open allows only a bounded number of trial requests.
func (cb *CircuitBreaker) AllowRequest() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen && time.Since(cb.openedAt) >= cb.recoveryTimeout {
		cb.state = StateHalfOpen
		cb.halfOpenSuccesses = 0
		cb.halfOpenFailures = 0
		cb.logger.Info("circuit breaker transitioning to half-open",
			"name", cb.name,
			"recoveryTimeout", cb.recoveryTimeout)
	}

	switch cb.state {
	case StateClosed:
		return true
	case StateHalfOpen:
		return cb.halfOpenSuccesses+cb.halfOpenFailures < cb.halfOpenRequests
	default:
		return false
	}
}

// RecordSuccess records a successful operation. In half-open state, reaching
// the trial request count closes the circuit and clears the failure window.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.totalSuccesses++

	if cb.state == StateHalfOpen {
		cb.halfOpenSuccesses++
		if cb.halfOpenSuccesses >= cb.halfOpenRequests {
			cb.state = StateClosed
			cb.failures = cb.failures[:0]
			cb.openedAt = time.Time{}
			cb.logger.Info("circuit breaker closed after successful recovery",
				"name", cb.name)
		}
	}
}

// RecordFailure records a failed operation. Any failure in half-open state
// reopens the circuit immediately; in closed state failures accumulate in the
// sliding window and open the circuit at the threshold.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := time.Now()
	cb.totalFailures++

	switch cb.state {
	case StateHalfOpen:
		cb.halfOpenFailures++
		cb.state = StateOpen
		cb.openedAt = now
		cb.totalTrips++
		cb.logger.Warn("circuit breaker reopened from half-open after failure",
			"name", cb.name,
			"recoveryTimeout", cb.recoveryTimeout)

	case StateClosed:
		cb.failures = append(cb.failures, now)
		cb.pruneFailures(now)

		if len(cb.failures) >= cb.failureThreshold {
			cb.state = StateOpen
			cb.openedAt = now
			cb.totalTrips++
			cb.logger.Warn("circuit breaker opened",
				"name", cb.name,
				"failureCount", len(cb.failures),
				"threshold", cb.failureThreshold,
				"window", cb.failureWindow)
		}
	}
}

// Reset is an administrative override back to the closed state, clearing all
// window and half-open counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.state = StateClosed
	cb.failures = cb.failures[:0]
	cb.openedAt = time.Time{}
	cb.halfOpenSuccesses = 0
	cb.halfOpenFailures = 0
	cb.logger.Info("circuit breaker manually reset to closed", "name", cb.name)
}

// GetState returns the current state
func (cb *CircuitBreaker) GetState() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// FailureCount returns the number of failures within the current window
func (cb *CircuitBreaker) FailureCount() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.pruneFailures(time.Now())
	return len(cb.failures)
}

// NewError builds the error surfaced to callers when AllowRequest denied the
// given operation. No broker interaction occurred for such requests.
func (cb *CircuitBreaker) NewError(op string) *CircuitBreakerError {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return &CircuitBreakerError{
		State:            cb.state,
		Op:               op,
		Failures:         len(cb.failures),
		FailureThreshold: cb.failureThreshold,
		NextRetry:        cb.openedAt.Add(cb.recoveryTimeout),
	}
}

// GetMetrics returns a point-in-time metrics snapshot
func (cb *CircuitBreaker) GetMetrics() CircuitBreakerMetrics {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.pruneFailures(time.Now())

	return CircuitBreakerMetrics{
		Name:           cb.name,
		State:          cb.state.String(),
		FailureCount:   len(cb.failures),
		TotalTrips:     cb.totalTrips,
		TotalSuccesses: cb.totalSuccesses,
		TotalFailures:  cb.totalFailures,
		Timestamp:      time.Now(),
	}
}

// pruneFailures drops failures outside the sliding window. Caller holds cb.mu.
func (cb *CircuitBreaker) pruneFailures(now time.Time) {
	cutoff := now.Add(-cb.failureWindow)
	i := 0
	for i < len(cb.failures) && cb.failures[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		cb.failures = append(cb.failures[:0], cb.failures[i:]...)
	}
}

// CircuitBreakerMetrics represents circuit breaker metrics
type CircuitBreakerMetrics struct {
	Name           string    `json:"name"`
	State          string    `json:"state"`
	FailureCount   int       `json:"failureCount"`
	TotalTrips     int64     `json:"totalTrips"`
	TotalSuccesses int64     `json:"totalSuccesses"`
	TotalFailures  int64     `json:"totalFailures"`
	Timestamp      time.Time `json:"timestamp"`
}
