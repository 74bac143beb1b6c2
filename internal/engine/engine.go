// Package engine implements the session-scoped notification
// reconciliation loop: event ingestion with admission control, optimistic
// user mutations with rollback, and cross-session sync application. All
// mutations of the notification collection execute on a single goroutine,
// so no two of them can ever interleave within a session.
package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/recivo/notifyd/internal/circuitbreaker"
	"github.com/recivo/notifyd/internal/metrics"
	"github.com/recivo/notifyd/internal/notify"
	"github.com/recivo/notifyd/internal/ratelimit"
	"github.com/recivo/notifyd/internal/throttle"
)

// ErrNotFound is returned when a mutation targets an id the session does
// not hold.
var ErrNotFound = errors.New("notification not found")

// ErrStopped is returned when the engine has been shut down.
var ErrStopped = errors.New("engine stopped")

// Backend is the persistence API the engine reconciles against. It is
// assumed strongly consistent per call but independently reachable from
// the event source.
type Backend interface {
	FetchPage(ctx context.Context, filter notify.Filter, limit, offset int) ([]*notify.Record, error)
	GetUnreadCount(ctx context.Context, teamID string) (int, error)
	MarkRead(ctx context.Context, id string) error
	MarkAllRead(ctx context.Context, teamID string) (int, error)
	Archive(ctx context.Context, id string) error
	Delete(ctx context.Context, id string) error
}

// Bus broadcasts essential state changes to sibling sessions. Publishing
// is best-effort; errors are logged and never surfaced to mutation
// callers.
type Bus interface {
	Publish(ctx context.Context, msg notify.SyncMessage) error
}

// Config holds engine tuning. The RateLimit and Breaker entries are
// templates: one private instance is created per event class, and one
// breaker per mutation action, so a failure storm on one class can never
// starve another.
type Config struct {
	TeamID           string
	PageSize         int
	ThrottleInterval time.Duration
	QueueSize        int
	RateLimit        ratelimit.Config
	Breaker          circuitbreaker.Config
	MutationBreaker  circuitbreaker.Config
}

// Mutation action names (also breaker names).
const (
	actionMarkRead    = "mark_read"
	actionMarkAllRead = "mark_all_read"
	actionArchive     = "archive"
	actionDelete      = "delete"
)

// classGate bundles the per-event-class admission state. The counters are
// only touched on the loop goroutine.
type classGate struct {
	breaker *circuitbreaker.Breaker
	limiter *ratelimit.Limiter

	admitted      int64
	blocked       int64
	policyDropped int64
	staleDropped  int64
	malformed     int64
}

// recordSeq tracks optimistic mutation ordering for one record: the next
// sequence number to hand out, the highest confirmed one, and how many
// mutations are still in flight.
type recordSeq struct {
	next      uint64
	confirmed uint64
	inflight  int
}

// Engine owns one session's NotificationCollection.
type Engine struct {
	logger  *zap.Logger
	cfg     Config
	backend Backend
	bus     Bus
	deliver notify.DeliverFunc

	col         *notify.Collection
	gates       map[notify.EventKind]*classGate
	mutBreakers map[string]*circuitbreaker.Breaker
	dispatcher  *throttle.Dispatcher[notify.Event]
	seqs        map[string]*recordSeq

	cmds    chan func()
	quit    chan struct{}
	stopped chan struct{}

	started   atomic.Bool
	startOnce sync.Once
	stopOnce  sync.Once
}

// New creates an engine. bus and deliver may be nil (no cross-session
// sync, deliver-everything policy).
func New(cfg Config, backend Backend, bus Bus, deliver notify.DeliverFunc, logger *zap.Logger) *Engine {
	if cfg.PageSize <= 0 {
		cfg.PageSize = 50
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.ThrottleInterval <= 0 {
		cfg.ThrottleInterval = 100 * time.Millisecond
	}

	e := &Engine{
		logger:      logger,
		cfg:         cfg,
		backend:     backend,
		bus:         bus,
		deliver:     deliver,
		col:         notify.NewCollection(),
		gates:       make(map[notify.EventKind]*classGate, 3),
		mutBreakers: make(map[string]*circuitbreaker.Breaker, 4),
		seqs:        make(map[string]*recordSeq),
		cmds:        make(chan func(), cfg.QueueSize),
		quit:        make(chan struct{}),
		stopped:     make(chan struct{}),
	}

	for _, kind := range []notify.EventKind{notify.KindInsert, notify.KindUpdate, notify.KindDelete} {
		bc := cfg.Breaker
		bc.Name = kind.String()
		lc := cfg.RateLimit
		lc.Name = kind.String()
		e.gates[kind] = &classGate{
			breaker: circuitbreaker.New(bc, logger),
			limiter: ratelimit.New(lc, logger),
		}
	}

	for _, action := range []string{actionMarkRead, actionMarkAllRead, actionArchive, actionDelete} {
		bc := cfg.MutationBreaker
		bc.Name = action
		e.mutBreakers[action] = circuitbreaker.New(bc, logger)
	}

	e.dispatcher = throttle.New(
		cfg.ThrottleInterval,
		func(batch []notify.Event) {
			e.enqueue(func() { e.applyEvents(batch) })
		},
		func(ev notify.Event) bool {
			return ev.Record != nil && ev.Record.Priority == notify.PriorityHigh
		},
		logger,
	)

	return e
}

// Start launches the reconciliation loop and hydrates the collection from
// the backend (first page + authoritative unread count). Hydration runs
// asynchronously; a failure leaves the session empty but functional.
func (e *Engine) Start(ctx context.Context) {
	e.startOnce.Do(func() {
		e.started.Store(true)
		go e.run()
		e.hydrate(ctx, nil)
	})
}

// Stop flushes the dispatcher and drains the loop. Safe to call more than
// once.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		e.dispatcher.Stop()
		close(e.quit)
		if !e.started.Load() {
			close(e.stopped)
		}
	})
	<-e.stopped
}

func (e *Engine) run() {
	defer close(e.stopped)
	for {
		select {
		case fn := <-e.cmds:
			fn()
			metrics.SetUnreadCount(e.col.UnreadCount())
		case <-e.quit:
			for {
				select {
				case fn := <-e.cmds:
					fn()
				default:
					return
				}
			}
		}
	}
}

// enqueue serializes fn through the loop goroutine. Posting never blocks
// forever: once the engine stops, commands are discarded.
func (e *Engine) enqueue(fn func()) {
	select {
	case e.cmds <- fn:
	case <-e.stopped:
	}
}

// SetConnected flips the live-subscription flag on the collection.
func (e *Engine) SetConnected(v bool) {
	e.enqueue(func() {
		e.col.SetConnected(v)
		metrics.SetConnected(v)
	})
}

// Snapshot returns a deep copy of the current collection state.
func (e *Engine) Snapshot() notify.View {
	res := make(chan notify.View, 1)
	e.enqueue(func() { res <- e.col.Snapshot() })
	select {
	case v := <-res:
		return v
	case <-e.stopped:
		return notify.View{}
	}
}

// Refresh reloads the collection from the backend. This is the manual
// path for fallback mode, when no live subscription is available.
func (e *Engine) Refresh(ctx context.Context) <-chan error {
	res := make(chan error, 1)
	e.hydrate(ctx, res)
	return res
}

// hydrate fetches the first page and the authoritative unread count off
// the loop, then swaps them in on the loop.
func (e *Engine) hydrate(ctx context.Context, res chan<- error) {
	go func() {
		filter := notify.Filter{TeamID: e.cfg.TeamID}
		records, err := e.backend.FetchPage(ctx, filter, e.cfg.PageSize, 0)
		if err != nil {
			e.logger.Warn("initial page load failed", zap.Error(err))
			if res != nil {
				res <- err
			}
			return
		}

		unread, err := e.backend.GetUnreadCount(ctx, e.cfg.TeamID)
		if err != nil {
			e.logger.Warn("unread count fetch failed, deriving from page", zap.Error(err))
			unread = -1
		}

		e.enqueue(func() {
			e.col.Replace(records, unread)
			e.logger.Info("collection hydrated",
				zap.Int("records", len(records)),
				zap.Int("unread", e.col.UnreadCount()),
			)
			if res != nil {
				res <- nil
			}
		})
	}()
}

// ClassStats is the diagnostics view for one event class or mutation
// action: pipeline counters merged with the class breaker's state.
type ClassStats struct {
	Class         string  `json:"class"`
	Admitted      int64   `json:"admitted"`
	Blocked       int64   `json:"blocked"`
	BlockRate     float64 `json:"block_rate"`
	PolicyDropped int64   `json:"policy_dropped,omitempty"`
	StaleDropped  int64   `json:"stale_dropped,omitempty"`
	Malformed     int64   `json:"malformed,omitempty"`
	CircuitOpen   bool    `json:"circuit_open"`
	FailureCount  int     `json:"failure_count"`
}

// Stats returns admission statistics for every event class and mutation
// action.
func (e *Engine) Stats() []ClassStats {
	res := make(chan []ClassStats, 1)
	e.enqueue(func() { res <- e.statsLocked() })
	select {
	case s := <-res:
		return s
	case <-e.stopped:
		return nil
	}
}

func (e *Engine) statsLocked() []ClassStats {
	var out []ClassStats
	for _, kind := range []notify.EventKind{notify.KindInsert, notify.KindUpdate, notify.KindDelete} {
		g := e.gates[kind]
		bs := g.breaker.Stats()
		s := ClassStats{
			Class:         kind.String(),
			Admitted:      g.admitted,
			Blocked:       g.blocked,
			PolicyDropped: g.policyDropped,
			StaleDropped:  g.staleDropped,
			Malformed:     g.malformed,
			CircuitOpen:   bs.CircuitOpen,
			FailureCount:  bs.FailureCount,
		}
		if total := s.Admitted + s.Blocked; total > 0 {
			s.BlockRate = float64(s.Blocked) / float64(total)
		}
		metrics.SetCircuitOpen(s.Class, s.CircuitOpen)
		out = append(out, s)
	}
	for _, action := range []string{actionMarkRead, actionMarkAllRead, actionArchive, actionDelete} {
		bs := e.mutBreakers[action].Stats()
		s := ClassStats{
			Class:        "mutation:" + action,
			Admitted:     bs.Admitted,
			Blocked:      bs.Blocked,
			BlockRate:    bs.BlockRate,
			CircuitOpen:  bs.CircuitOpen,
			FailureCount: bs.FailureCount,
		}
		metrics.SetCircuitOpen(s.Class, s.CircuitOpen)
		out = append(out, s)
	}
	return out
}

// ResetStats clears all admission counters and breaker state. Operator
// override for the diagnostics surface.
func (e *Engine) ResetStats() {
	e.enqueue(func() {
		for _, g := range e.gates {
			g.breaker.Reset()
			g.limiter.Reset()
			g.admitted, g.blocked, g.policyDropped, g.staleDropped, g.malformed = 0, 0, 0, 0, 0
		}
		for _, b := range e.mutBreakers {
			b.Reset()
		}
	})
}

// nextSeq hands out the next per-record mutation sequence number.
func (e *Engine) nextSeq(id string) uint64 {
	rs := e.seqs[id]
	if rs == nil {
		rs = &recordSeq{}
		e.seqs[id] = rs
	}
	rs.next++
	rs.inflight++
	return rs.next
}

// releaseSeq retires one in-flight mutation and garbage-collects the
// entry once the record is gone and nothing is pending.
func (e *Engine) releaseSeq(id string) {
	rs := e.seqs[id]
	if rs == nil {
		return
	}
	rs.inflight--
	if rs.inflight <= 0 && e.col.Get(id) == nil {
		delete(e.seqs, id)
	}
}

// broadcast publishes a sync message off the loop, best-effort.
func (e *Engine) broadcast(msg notify.SyncMessage) {
	if e.bus == nil {
		return
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := e.bus.Publish(ctx, msg); err != nil {
			metrics.RecordSyncMessage("out", "error")
			e.logger.Debug("sync broadcast failed",
				zap.String("action", string(msg.Action)),
				zap.Error(err),
			)
			return
		}
		metrics.RecordSyncMessage("out", "published")
	}()
}
