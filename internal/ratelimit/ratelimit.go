// Package ratelimit provides in-memory sliding-window admission control
// for a single event class. One Limiter instance is owned per class and
// never shared across classes.
package ratelimit

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Config holds rate limit parameters for one event class.
type Config struct {
	// Name identifies the event class (e.g., "insert", "update").
	Name string

	// MaxCalls is the maximum admissions within Window.
	MaxCalls int

	// Window is the sliding window duration.
	Window time.Duration

	// BurstLimit caps admissions within any single wall-clock second.
	BurstLimit int
}

// DefaultConfig returns the limits used when nothing is configured.
func DefaultConfig(name string) Config {
	return Config{
		Name:       name,
		MaxCalls:   15,
		Window:     5 * time.Second,
		BurstLimit: 5,
	}
}

// Limiter implements sliding-window rate limiting with a per-second burst
// cap. The event source can replay bursts on reconnect; the limiter keeps
// those replays from flooding the state-apply path.
//
// Allow is a read-only check; Record admits. Both must be called by the
// admission path: Allow then, if true, Record.
type Limiter struct {
	mu     sync.Mutex
	config Config
	logger *zap.Logger

	admissions []time.Time
	burstCount int
	burstSec   int64

	totalAllowed int64
	totalRefused int64

	now func() time.Time
}

// New creates a Limiter with the given configuration.
func New(cfg Config, logger *zap.Logger) *Limiter {
	if cfg.MaxCalls <= 0 {
		cfg.MaxCalls = 15
	}
	if cfg.Window <= 0 {
		cfg.Window = 5 * time.Second
	}
	if cfg.BurstLimit <= 0 {
		cfg.BurstLimit = 5
	}
	return &Limiter{
		config: cfg,
		logger: logger,
		now:    time.Now,
	}
}

// Allow reports whether one admission would stay within both the sliding
// window and the burst limit. It has no side effects beyond pruning
// expired window entries; a refused check changes nothing a later check
// could observe.
func (l *Limiter) Allow() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.prune(now)

	if len(l.admissions) >= l.config.MaxCalls {
		l.totalRefused++
		l.logger.Debug("rate limit window exceeded",
			zap.String("class", l.config.Name),
			zap.Int("in_window", len(l.admissions)),
			zap.Int("max_calls", l.config.MaxCalls),
		)
		return false
	}

	if l.currentBurst(now) >= l.config.BurstLimit {
		l.totalRefused++
		l.logger.Debug("burst limit exceeded",
			zap.String("class", l.config.Name),
			zap.Int("burst", l.burstCount),
			zap.Int("burst_limit", l.config.BurstLimit),
		)
		return false
	}

	return true
}

// Record registers one admission against the window and the burst counter.
func (l *Limiter) Record() {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.prune(now)
	l.admissions = append(l.admissions, now)

	if sec := now.Unix(); sec != l.burstSec {
		l.burstSec = sec
		l.burstCount = 0
	}
	l.burstCount++
	l.totalAllowed++
}

// Stats reports admission counters for diagnostics.
type Stats struct {
	Name         string  `json:"name"`
	InWindow     int     `json:"in_window"`
	TotalAllowed int64   `json:"total_allowed"`
	TotalRefused int64   `json:"total_refused"`
	RefusalRate  float64 `json:"refusal_rate"`
}

// Stats returns current limiter statistics.
func (l *Limiter) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.prune(l.now())
	s := Stats{
		Name:         l.config.Name,
		InWindow:     len(l.admissions),
		TotalAllowed: l.totalAllowed,
		TotalRefused: l.totalRefused,
	}
	if total := l.totalAllowed + l.totalRefused; total > 0 {
		s.RefusalRate = float64(l.totalRefused) / float64(total)
	}
	return s
}

// Reset clears the window and all counters.
func (l *Limiter) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.admissions = nil
	l.burstCount = 0
	l.burstSec = 0
	l.totalAllowed = 0
	l.totalRefused = 0
}

// prune drops admissions older than the window (must hold l.mu).
func (l *Limiter) prune(now time.Time) {
	cutoff := now.Add(-l.config.Window)
	i := 0
	for i < len(l.admissions) && !l.admissions[i].After(cutoff) {
		i++
	}
	if i > 0 {
		l.admissions = l.admissions[i:]
	}
}

// currentBurst returns the admission count for the second containing now
// (must hold l.mu).
func (l *Limiter) currentBurst(now time.Time) int {
	if now.Unix() != l.burstSec {
		return 0
	}
	return l.burstCount
}
