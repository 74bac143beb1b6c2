// Package supervisor keeps the event subscription alive: it retries with
// exponential backoff when the source drops, and degrades to a polling
// fallback once the retry budget runs out. Total event source failure
// leaves the session functional - just on manual refresh.
package supervisor

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/recivo/notifyd/internal/metrics"
	"github.com/recivo/notifyd/internal/notify"
	"github.com/recivo/notifyd/internal/source"
)

// State is the supervisor's connection state.
type State int

const (
	StateConnecting State = iota
	StateConnected
	StateBackoff
	StateFallback
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateBackoff:
		return "backoff"
	case StateFallback:
		return "fallback"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Sink consumes the supervised subscription: the engine.
type Sink interface {
	HandleEvent(notify.Event)
	SetConnected(bool)
}

// Config holds retry tuning.
type Config struct {
	// Filter is the subscription filter passed to the source.
	Filter notify.Filter

	// BaseDelay is the first backoff delay; each retry doubles it up to
	// MaxDelay.
	BaseDelay time.Duration

	// MaxDelay caps the backoff.
	MaxDelay time.Duration

	// MaxAttempts is the consecutive failure budget before falling back
	// to polling mode.
	MaxAttempts int

	// FallbackProbeInterval is how often fallback mode probes the source
	// for recovery.
	FallbackProbeInterval time.Duration
}

// DefaultConfig returns the retry defaults.
func DefaultConfig() Config {
	return Config{
		BaseDelay:             500 * time.Millisecond,
		MaxDelay:              30 * time.Second,
		MaxAttempts:           5,
		FallbackProbeInterval: 60 * time.Second,
	}
}

// Supervisor drives one Source on behalf of one Sink.
type Supervisor struct {
	src    source.Source
	sink   Sink
	cfg    Config
	logger *zap.Logger

	mu    sync.RWMutex
	state State
}

// New creates a Supervisor.
func New(src source.Source, sink Sink, cfg Config, logger *zap.Logger) *Supervisor {
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 500 * time.Millisecond
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 30 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.FallbackProbeInterval <= 0 {
		cfg.FallbackProbeInterval = 60 * time.Second
	}
	return &Supervisor{
		src:    src,
		sink:   sink,
		cfg:    cfg,
		logger: logger,
		state:  StateConnecting,
	}
}

// State returns the current connection state.
func (s *Supervisor) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Supervisor) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// Run blocks until ctx is cancelled, maintaining the subscription.
func (s *Supervisor) Run(ctx context.Context) {
	defer s.setState(StateStopped)

	attempts := 0
	for {
		if ctx.Err() != nil {
			return
		}

		s.setState(StateConnecting)
		metrics.RecordReconnect()

		if err := s.connect(ctx); err == nil {
			// Subscription was live and then dropped; start a fresh
			// retry budget.
			attempts = 0
			continue
		} else {
			s.logger.Warn("subscription attempt failed",
				zap.Int("attempt", attempts+1),
				zap.Int("max_attempts", s.cfg.MaxAttempts),
				zap.Error(err),
			)
		}

		attempts++
		if attempts >= s.cfg.MaxAttempts {
			if !s.fallback(ctx) {
				return
			}
			attempts = 0
			continue
		}

		delay := s.BackoffDelay(attempts)
		s.setState(StateBackoff)
		s.logger.Info("backing off before reconnect",
			zap.Duration("delay", delay),
			zap.Int("attempt", attempts),
		)
		if !sleep(ctx, delay) {
			return
		}
	}
}

// connect runs the probe, subscribes, and drains events until the stream
// ends. Returns nil when a live subscription later dropped (retry with a
// fresh budget) and an error when setup itself failed.
func (s *Supervisor) connect(ctx context.Context) error {
	// Fail fast when the source is entirely unreachable rather than
	// paying for a full subscription setup.
	if err := s.src.Probe(ctx); err != nil {
		return err
	}

	events, unsubscribe, err := s.src.Subscribe(ctx, s.cfg.Filter)
	if err != nil {
		return err
	}
	defer unsubscribe()

	s.setState(StateConnected)
	s.sink.SetConnected(true)
	s.logger.Info("event subscription active")

	for {
		select {
		case <-ctx.Done():
			s.sink.SetConnected(false)
			return nil
		case ev, ok := <-events:
			if !ok {
				s.sink.SetConnected(false)
				s.logger.Warn("event subscription dropped")
				return nil
			}
			s.sink.HandleEvent(ev)
		}
	}
}

// fallback probes at a fixed long interval until the source answers,
// then returns true to resume normal connection attempts. Returns false
// on ctx cancellation.
func (s *Supervisor) fallback(ctx context.Context) bool {
	s.setState(StateFallback)
	s.logger.Warn("entering fallback mode, manual refresh required",
		zap.Duration("probe_interval", s.cfg.FallbackProbeInterval),
	)

	ticker := time.NewTicker(s.cfg.FallbackProbeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
			if err := s.src.Probe(ctx); err == nil {
				s.logger.Info("event source reachable again, leaving fallback")
				return true
			}
		}
	}
}

// BackoffDelay returns the delay before retry n (1-based):
// min(base * 2^(n-1), cap).
func (s *Supervisor) BackoffDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := s.cfg.BaseDelay << uint(attempt-1)
	if delay > s.cfg.MaxDelay || delay <= 0 {
		delay = s.cfg.MaxDelay
	}
	return delay
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
