package engine

import (
	"go.uber.org/zap"

	"github.com/recivo/notifyd/internal/metrics"
	"github.com/recivo/notifyd/internal/notify"
)

// HandleEvent feeds one inbound change event into the ingestion pipeline.
// Safe to call from any goroutine; the event is classified, gated and
// applied on the loop.
func (e *Engine) HandleEvent(ev notify.Event) {
	e.enqueue(func() { e.ingest(ev) })
}

// ingest runs admission control for one event. Inserts and updates that
// pass the gates go through the throttled dispatcher; deletes are cheap
// and apply immediately (breaker-gated only).
func (e *Engine) ingest(ev notify.Event) {
	gate, ok := e.gates[ev.Kind]
	if !ok {
		e.logger.Warn("event with unknown kind dropped", zap.Int("kind", int(ev.Kind)))
		return
	}

	kind := ev.Kind.String()

	if ev.Record == nil || ev.Record.ID == "" {
		gate.malformed++
		gate.breaker.RecordFailure()
		metrics.RecordEvent(kind, metrics.OutcomeMalformed)
		e.logger.Warn("malformed event dropped", zap.String("kind", kind))
		return
	}

	if !gate.breaker.Allow() {
		gate.blocked++
		metrics.RecordEvent(kind, metrics.OutcomeBlocked)
		e.logger.Debug("event blocked by circuit breaker",
			zap.String("kind", kind),
			zap.String("id", ev.Record.ID),
		)
		return
	}

	switch ev.Kind {
	case notify.KindInsert:
		// Policy drop, not a backpressure drop: counted separately.
		// The event itself was well-formed, so it settles the breaker as a
		// success; only failures count against the circuit.
		if e.deliver != nil && !e.deliver(ev.Record) {
			gate.policyDropped++
			gate.breaker.RecordSuccess()
			metrics.RecordEvent(kind, metrics.OutcomePolicyDrop)
			e.logger.Debug("event dropped by preference filter",
				zap.String("id", ev.Record.ID),
				zap.String("type", ev.Record.Type),
			)
			return
		}
		fallthrough

	case notify.KindUpdate:
		if !gate.limiter.Allow() {
			gate.blocked++
			gate.breaker.RecordSuccess()
			metrics.RecordEvent(kind, metrics.OutcomeBlocked)
			e.logger.Debug("event blocked by rate limiter",
				zap.String("kind", kind),
				zap.String("id", ev.Record.ID),
			)
			return
		}
		gate.limiter.Record()
		gate.admitted++
		metrics.RecordEvent(kind, metrics.OutcomeAdmitted)
		e.dispatcher.Dispatch(ev)

	case notify.KindDelete:
		gate.admitted++
		metrics.RecordEvent(kind, metrics.OutcomeAdmitted)
		e.applyDelete(ev)
	}
}

// applyEvents applies a dispatcher batch on the loop, in dispatch order.
func (e *Engine) applyEvents(batch []notify.Event) {
	for _, ev := range batch {
		switch ev.Kind {
		case notify.KindInsert:
			e.applyInsert(ev)
		case notify.KindUpdate:
			e.applyUpdate(ev)
		}
	}
}

// applyInsert prepends a new record. Delivery is at-least-once, so an
// insert for a known id is an idempotent no-op.
func (e *Engine) applyInsert(ev notify.Event) {
	gate := e.gates[notify.KindInsert]
	rec := ev.Record

	if e.col.Get(rec.ID) != nil {
		gate.staleDropped++
		gate.breaker.RecordSuccess()
		metrics.RecordEvent("insert", metrics.OutcomeStaleDrop)
		e.logger.Debug("duplicate insert dropped", zap.String("id", rec.ID))
		return
	}

	e.col.Prepend(rec.Clone())
	gate.breaker.RecordSuccess()
	e.logger.Debug("notification inserted",
		zap.String("id", rec.ID),
		zap.String("priority", string(rec.Priority)),
		zap.Int("unread", e.col.UnreadCount()),
	)

	e.broadcast(notify.SyncMessage{
		Action:         notify.SyncInsert,
		NotificationID: rec.ID,
		ReadAt:         rec.ReadAt,
		ArchivedAt:     rec.ArchivedAt,
	})
}

// applyUpdate merges an update, last-writer-wins by logical timestamp.
// Updates for ids the session never saw are expected with out-of-order
// delivery and are logged no-ops.
func (e *Engine) applyUpdate(ev notify.Event) {
	gate := e.gates[notify.KindUpdate]
	rec := ev.Record

	cur := e.col.Get(rec.ID)
	if cur == nil {
		gate.breaker.RecordSuccess()
		e.logger.Debug("update for unknown id, possibly before its insert",
			zap.String("id", rec.ID),
		)
		return
	}

	if !e.col.Merge(rec) {
		gate.staleDropped++
		gate.breaker.RecordSuccess()
		metrics.RecordEvent("update", metrics.OutcomeStaleDrop)
		e.logger.Debug("stale update discarded",
			zap.String("id", rec.ID),
			zap.Time("incoming", rec.LogicalTime()),
			zap.Time("held", cur.LogicalTime()),
		)
		return
	}

	gate.breaker.RecordSuccess()
	e.broadcast(notify.SyncMessage{
		Action:         notify.SyncUpdate,
		NotificationID: rec.ID,
		ReadAt:         cur.ReadAt,
		ArchivedAt:     cur.ArchivedAt,
	})
}

// applyDelete removes a record by id.
func (e *Engine) applyDelete(ev notify.Event) {
	gate := e.gates[notify.KindDelete]

	if _, _, ok := e.col.Remove(ev.Record.ID); !ok {
		gate.breaker.RecordSuccess()
		e.logger.Debug("delete for unknown id", zap.String("id", ev.Record.ID))
		return
	}

	gate.breaker.RecordSuccess()
	e.broadcast(notify.SyncMessage{
		Action:         notify.SyncDelete,
		NotificationID: ev.Record.ID,
	})
}
