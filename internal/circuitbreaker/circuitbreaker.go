// Package circuitbreaker protects the state-apply and mutation paths from
// cascading downstream failures. One Breaker instance is owned per event
// class or mutation action and never shared across classes.
package circuitbreaker

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// State represents the current state of the circuit breaker.
//
// State transitions:
//
//	Closed -> Open:      When failure count >= threshold
//	Open -> HalfOpen:    After recovery timeout expires (one probe allowed)
//	HalfOpen -> Closed:  When the probe succeeds (failure count is halved)
//	HalfOpen -> Open:    When the probe fails (timer restarts)
type State int

const (
	StateClosed   State = iota // Normal operation - calls pass through
	StateOpen                  // Circuit tripped - calls fail fast
	StateHalfOpen              // Recovery probe - one trial call allowed
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

// ErrCircuitOpen is returned when the circuit breaker is open and calls
// are being rejected to protect the downstream dependency.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// Config holds the configuration for a Breaker.
type Config struct {
	// Name identifies this breaker (e.g., "insert", "mark_read").
	Name string

	// Threshold is the failure count at which the circuit opens.
	Threshold int

	// RecoveryTimeout is how long to wait in Open state before allowing
	// a single half-open probe.
	RecoveryTimeout time.Duration
}

// DefaultConfig returns the defaults used when nothing is configured.
func DefaultConfig(name string) Config {
	return Config{
		Name:            name,
		Threshold:       10,
		RecoveryTimeout: 30 * time.Second,
	}
}

// Breaker is a three-state circuit breaker. When a path starts failing
// repeatedly the circuit opens and admission is refused immediately
// instead of piling more work onto a broken path. After the recovery
// timeout, exactly one probe is admitted per timeout window; a probe
// success closes the circuit and halves (not zeroes) the failure count,
// so a single lucky probe cannot instantly erase a failure history.
type Breaker struct {
	mu     sync.RWMutex
	config Config
	logger *zap.Logger

	state           State
	failureCount    int
	lastFailureTime time.Time
	lastStateChange time.Time
	probeInFlight   bool
	probeIssuedAt   time.Time

	totalAdmitted int64
	totalBlocked  int64

	now func() time.Time
}

// New creates a Breaker with the given configuration.
func New(cfg Config, logger *zap.Logger) *Breaker {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 10
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = 30 * time.Second
	}

	b := &Breaker{
		config:          cfg,
		logger:          logger,
		state:           StateClosed,
		now:             time.Now,
		lastStateChange: time.Now(),
	}

	logger.Debug("circuit breaker created",
		zap.String("name", cfg.Name),
		zap.Int("threshold", cfg.Threshold),
		zap.Duration("recovery_timeout", cfg.RecoveryTimeout),
	)

	return b
}

// Allow reports whether a call may proceed. Closed circuits always admit.
// Open circuits admit exactly one probe per recovery-timeout window and
// refuse everything else.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.totalAdmitted++
		return true

	case StateOpen:
		if b.now().Sub(b.lastFailureTime) >= b.config.RecoveryTimeout {
			b.transitionTo(StateHalfOpen)
			b.probeInFlight = true
			b.probeIssuedAt = b.now()
			b.totalAdmitted++
			b.logger.Info("circuit breaker allowing probe",
				zap.String("name", b.config.Name),
			)
			return true
		}
		b.totalBlocked++
		return false

	case StateHalfOpen:
		// An outstanding probe whose outcome was never recorded must not
		// pin the circuit; one probe per recovery window.
		if b.probeInFlight && b.now().Sub(b.probeIssuedAt) < b.config.RecoveryTimeout {
			b.totalBlocked++
			return false
		}
		b.probeInFlight = true
		b.probeIssuedAt = b.now()
		b.totalAdmitted++
		return true

	default:
		b.totalBlocked++
		return false
	}
}

// RecordSuccess records a successful call. In HalfOpen state the circuit
// closes and the failure count is halved; in Closed state the count resets
// to zero (failures must be consecutive to trip the breaker).
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateHalfOpen:
		b.failureCount /= 2
		b.transitionTo(StateClosed)
		b.logger.Info("circuit breaker closed - path recovered",
			zap.String("name", b.config.Name),
			zap.Int("failure_count", b.failureCount),
		)
	default:
		b.failureCount = 0
	}
}

// RecordFailure records a failed call. In Closed state the circuit opens
// once the threshold is reached; in HalfOpen state the probe failed and
// the circuit re-opens with a fresh recovery timer.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failureCount++
	b.lastFailureTime = b.now()

	switch b.state {
	case StateClosed:
		if b.failureCount >= b.config.Threshold {
			b.transitionTo(StateOpen)
			b.logger.Warn("circuit breaker opened",
				zap.String("name", b.config.Name),
				zap.Int("failures", b.failureCount),
				zap.Int("threshold", b.config.Threshold),
			)
		}

	case StateHalfOpen:
		b.transitionTo(StateOpen)
		b.logger.Warn("circuit breaker re-opened - probe failed",
			zap.String("name", b.config.Name),
		)
	}
}

// GetState returns the breaker's current state.
func (b *Breaker) GetState() State {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

// Stats reports admission counters for runtime health monitoring.
type Stats struct {
	Name         string  `json:"name"`
	State        string  `json:"state"`
	CircuitOpen  bool    `json:"circuit_open"`
	FailureCount int     `json:"failure_count"`
	Admitted     int64   `json:"admitted"`
	Blocked      int64   `json:"blocked"`
	BlockRate    float64 `json:"block_rate"`
	LastFailure  string  `json:"last_failure,omitempty"`
}

// Stats returns current breaker statistics.
func (b *Breaker) Stats() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	s := Stats{
		Name:         b.config.Name,
		State:        b.state.String(),
		CircuitOpen:  b.state != StateClosed,
		FailureCount: b.failureCount,
		Admitted:     b.totalAdmitted,
		Blocked:      b.totalBlocked,
	}
	if total := b.totalAdmitted + b.totalBlocked; total > 0 {
		s.BlockRate = float64(b.totalBlocked) / float64(total)
	}
	if !b.lastFailureTime.IsZero() {
		s.LastFailure = b.lastFailureTime.Format(time.RFC3339)
	}
	return s
}

// Reset returns the breaker to Closed and clears all counters. Operator
// override, not part of normal operation.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.transitionTo(StateClosed)
	b.failureCount = 0
	b.totalAdmitted = 0
	b.totalBlocked = 0

	b.logger.Info("circuit breaker manually reset",
		zap.String("name", b.config.Name),
	)
}

// transitionTo changes state (must be called with lock held).
func (b *Breaker) transitionTo(newState State) {
	if b.state == newState {
		return
	}

	oldState := b.state
	b.state = newState
	b.lastStateChange = b.now()
	b.probeInFlight = false

	b.logger.Debug("circuit breaker state transition",
		zap.String("name", b.config.Name),
		zap.String("from", oldState.String()),
		zap.String("to", newState.String()),
	)
}

// String returns a human-readable representation.
func (b *Breaker) String() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return fmt.Sprintf("Breaker[%s] state=%s failures=%d/%d",
		b.config.Name, b.state, b.failureCount, b.config.Threshold)
}
