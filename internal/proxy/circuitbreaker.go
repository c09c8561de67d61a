package proxy

import (
	"sync"
	"time"
)

// cbState represents the operational state of the upstream circuit breaker.
//
//	cbClosed   — normal operation; requests are forwarded.
//	cbOpen     — upstream is failing; requests go straight to mock failover.
//	cbHalfOpen — recovery probe; one request is allowed through.
type cbState int

const (
	cbClosed   cbState = 0
	cbOpen     cbState = 1
	cbHalfOpen cbState = 2
)

// Circuit breaker defaults.
const (
	cbDefaultErrorThreshold  = 5
	cbDefaultTimeWindow      = 60 * time.Second
	cbDefaultHalfOpenTimeout = 30 * time.Second
)

// CBConfig holds circuit breaker tuning parameters. Zero values fall back
// to the package-level defaults.
type CBConfig struct {
	// ErrorThreshold is the number of failures within TimeWindow that trips
	// the breaker.
	ErrorThreshold int

	// TimeWindow is the rolling window for counting errors.
	TimeWindow time.Duration

	// HalfOpenTimeout is how long the breaker stays open before allowing a
	// single probe request.
	HalfOpenTimeout time.Duration
}

func (c *CBConfig) errorThreshold() int {
	if c.ErrorThreshold > 0 {
		return c.ErrorThreshold
	}
	return cbDefaultErrorThreshold
}

func (c *CBConfig) timeWindow() time.Duration {
	if c.TimeWindow > 0 {
		return c.TimeWindow
	}
	return cbDefaultTimeWindow
}

func (c *CBConfig) halfOpenTimeout() time.Duration {
	if c.HalfOpenTimeout > 0 {
		return c.HalfOpenTimeout
	}
	return cbDefaultHalfOpenTimeout
}

// CircuitBreaker guards the single upstream target. While open, the
// dispatcher skips the forward attempt entirely and serves from the
// learned model, sparing clients the connect timeout. It is safe for
// concurrent use.
type CircuitBreaker struct {
	mu sync.Mutex

	cfg CBConfig

	state         cbState
	errorCount    int
	windowStart   time.Time // start of the current error-counting window
	openedAt      time.Time // when the breaker was tripped (for half-open timer)
	probeInflight bool      // true while a half-open probe is in flight
}

// NewCircuitBreaker creates a breaker with default settings.
func NewCircuitBreaker() *CircuitBreaker {
	return NewCircuitBreakerWithConfig(CBConfig{})
}

// NewCircuitBreakerWithConfig creates a breaker with custom thresholds.
// Use this to apply values loaded from configuration.
func NewCircuitBreakerWithConfig(cfg CBConfig) *CircuitBreaker {
	return &CircuitBreaker{
		cfg:         cfg,
		state:       cbClosed,
		windowStart: time.Now(),
	}
}

// Allow reports whether the next request should attempt the upstream.
//
//   - Closed  → always true.
//   - Open    → false, unless the half-open timeout has elapsed, in which
//     case the breaker transitions to HalfOpen and allows one probe.
//   - HalfOpen → true only if no probe is currently in flight.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case cbClosed:
		return true

	case cbOpen:
		if time.Since(cb.openedAt) >= cb.cfg.halfOpenTimeout() {
			// Transition to half-open: allow exactly one probe request.
			cb.state = cbHalfOpen
			cb.probeInflight = true
			return true
		}
		return false

	case cbHalfOpen:
		if cb.probeInflight {
			// A probe is already in flight; keep serving from the model.
			return false
		}
		cb.probeInflight = true
		return true
	}

	return true
}

// RecordSuccess marks a successful upstream response and resets the
// breaker to Closed regardless of its previous state.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.state = cbClosed
	cb.errorCount = 0
	cb.probeInflight = false
	cb.windowStart = time.Now()
}

// RecordFailure increments the error counter. When the counter reaches
// ErrorThreshold within TimeWindow the breaker opens.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := time.Now()

	// Reset counter when the rolling window has expired.
	if now.Sub(cb.windowStart) > cb.cfg.timeWindow() {
		cb.errorCount = 0
		cb.windowStart = now
	}

	cb.errorCount++
	cb.probeInflight = false

	if cb.errorCount >= cb.cfg.errorThreshold() {
		cb.state = cbOpen
		cb.openedAt = now
	}
}

// State returns the current cbState (useful for metrics export).
func (cb *CircuitBreaker) State() cbState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// StateLabel returns a human-readable state name: "closed", "open", or
// "half_open".
func (cb *CircuitBreaker) StateLabel() string {
	switch cb.State() {
	case cbOpen:
		return "open"
	case cbHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}
