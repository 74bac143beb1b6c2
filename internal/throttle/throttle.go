// Package throttle coalesces high-frequency state-apply calls so the
// collection owner renders at most once per interval while still seeing
// every item exactly once.
package throttle

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Dispatcher batches dispatched items and hands them to the apply callback
// at most once per interval (trailing edge; an immediate leading flush is
// allowed when the dispatcher has been idle for at least one interval).
// Items matched by the urgent predicate flush immediately, together with
// everything queued before them so ordering is preserved.
//
// Throttling here only delays or collapses redundant hand-offs - no item
// is ever dropped. The apply callback always runs on the dispatcher's own
// timer goroutine, never inline from Dispatch, so callers feeding a
// single-owner loop cannot deadlock on their own queue.
type Dispatcher[T any] struct {
	mu        sync.Mutex
	interval  time.Duration
	apply     func([]T)
	urgent    func(T) bool
	logger    *zap.Logger
	pending   []T
	timer     *time.Timer
	lastFlush time.Time
	stopped   bool
}

// New creates a Dispatcher. The urgent predicate may be nil, in which case
// nothing bypasses the interval.
func New[T any](interval time.Duration, apply func([]T), urgent func(T) bool, logger *zap.Logger) *Dispatcher[T] {
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	return &Dispatcher[T]{
		interval: interval,
		apply:    apply,
		urgent:   urgent,
		logger:   logger,
	}
}

// Dispatch queues an item for the next flush. Urgent items schedule an
// immediate flush of the whole queue.
func (d *Dispatcher[T]) Dispatch(item T) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		d.logger.Warn("dispatch after stop, item dropped")
		return
	}

	d.pending = append(d.pending, item)

	if d.urgent != nil && d.urgent(item) {
		d.scheduleLocked(0)
		return
	}

	delay := d.interval - time.Since(d.lastFlush)
	if delay < 0 {
		delay = 0
	}
	d.scheduleLocked(delay)
}

// Flush synchronously applies everything currently queued.
func (d *Dispatcher[T]) Flush() {
	d.mu.Lock()
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	batch := d.takeLocked()
	d.mu.Unlock()

	if len(batch) > 0 {
		d.apply(batch)
	}
}

// Stop flushes any queued items and rejects further dispatches.
func (d *Dispatcher[T]) Stop() {
	d.mu.Lock()
	d.stopped = true
	d.mu.Unlock()
	d.Flush()
}

// Pending returns the number of items waiting for the next flush.
func (d *Dispatcher[T]) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// scheduleLocked arms the flush timer (must hold d.mu). An already armed
// timer is only rescheduled when the new delay is immediate: a later
// non-urgent item must not push an earlier deadline back.
func (d *Dispatcher[T]) scheduleLocked(delay time.Duration) {
	if d.timer != nil {
		if delay == 0 {
			d.timer.Reset(0)
		}
		return
	}
	d.timer = time.AfterFunc(delay, d.flushTimer)
}

func (d *Dispatcher[T]) flushTimer() {
	d.mu.Lock()
	d.timer = nil
	batch := d.takeLocked()
	d.mu.Unlock()

	if len(batch) > 0 {
		d.apply(batch)
	}
}

// takeLocked removes and returns the pending batch (must hold d.mu).
func (d *Dispatcher[T]) takeLocked() []T {
	batch := d.pending
	d.pending = nil
	d.lastFlush = time.Now()
	return batch
}
