package engine

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/recivo/notifyd/internal/circuitbreaker"
	"github.com/recivo/notifyd/internal/metrics"
	"github.com/recivo/notifyd/internal/notify"
)

// The optimistic mutation coordinator applies user actions to local state
// immediately, broadcasts the essential change, and confirms against the
// backend asynchronously. A failed confirmation rolls the record back from
// a minimal snapshot and re-broadcasts the reversion - unless a mutation
// with a newer sequence number for the same record has already confirmed,
// in which case the rollback is discarded: a late failure must never stomp
// a newer success.

// confirmation carries a backend result back onto the loop.
type confirmation struct {
	action   string
	id       string
	seq      uint64
	err      error
	rollback func()
	res      chan<- error
}

// MarkRead marks one notification as read. The returned channel resolves
// once the backend confirms or the rollback has been applied; local state
// is already updated when this returns.
func (e *Engine) MarkRead(ctx context.Context, id string) <-chan error {
	res := make(chan error, 1)
	e.enqueue(func() { e.markRead(ctx, id, res) })
	return res
}

func (e *Engine) markRead(ctx context.Context, id string, res chan<- error) {
	br := e.mutBreakers[actionMarkRead]
	if !br.Allow() {
		metrics.RecordMutation(actionMarkRead, "rejected")
		res <- fmt.Errorf("mark read %s: %w", id, circuitbreaker.ErrCircuitOpen)
		return
	}

	rec := e.col.Get(id)
	if rec == nil {
		br.RecordSuccess()
		res <- fmt.Errorf("mark read %s: %w", id, ErrNotFound)
		return
	}
	if rec.ReadAt != nil {
		br.RecordSuccess()
		res <- nil
		return
	}

	now := time.Now()
	seq := e.nextSeq(id)
	prevRead := rec.ReadAt
	prevUpdated := rec.UpdatedAt

	e.col.SetRead(id, &now)
	rec.UpdatedAt = now

	e.broadcast(notify.SyncMessage{
		Action:         notify.SyncRead,
		NotificationID: id,
		ReadAt:         &now,
		Timestamp:      now,
	})

	rollback := func() {
		if _, ok := e.col.SetRead(id, prevRead); !ok {
			return
		}
		if r := e.col.Get(id); r != nil && r.UpdatedAt.Equal(now) {
			r.UpdatedAt = prevUpdated
		}
		e.broadcast(notify.SyncMessage{
			Action:         notify.SyncUnread,
			NotificationID: id,
		})
	}

	go func() {
		err := e.backend.MarkRead(ctx, id)
		e.enqueue(func() {
			e.confirm(confirmation{
				action:   actionMarkRead,
				id:       id,
				seq:      seq,
				err:      err,
				rollback: rollback,
				res:      res,
			})
		})
	}()
}

// Archive archives one notification.
func (e *Engine) Archive(ctx context.Context, id string) <-chan error {
	res := make(chan error, 1)
	e.enqueue(func() { e.archive(ctx, id, res) })
	return res
}

func (e *Engine) archive(ctx context.Context, id string, res chan<- error) {
	br := e.mutBreakers[actionArchive]
	if !br.Allow() {
		metrics.RecordMutation(actionArchive, "rejected")
		res <- fmt.Errorf("archive %s: %w", id, circuitbreaker.ErrCircuitOpen)
		return
	}

	rec := e.col.Get(id)
	if rec == nil {
		br.RecordSuccess()
		res <- fmt.Errorf("archive %s: %w", id, ErrNotFound)
		return
	}
	if rec.ArchivedAt != nil {
		br.RecordSuccess()
		res <- nil
		return
	}

	now := time.Now()
	seq := e.nextSeq(id)
	prevArchived := rec.ArchivedAt
	prevUpdated := rec.UpdatedAt

	e.col.SetArchived(id, &now)
	rec.UpdatedAt = now

	e.broadcast(notify.SyncMessage{
		Action:         notify.SyncArchive,
		NotificationID: id,
		ArchivedAt:     &now,
		Timestamp:      now,
	})

	rollback := func() {
		if _, ok := e.col.SetArchived(id, prevArchived); !ok {
			return
		}
		if r := e.col.Get(id); r != nil && r.UpdatedAt.Equal(now) {
			r.UpdatedAt = prevUpdated
		}
		e.broadcast(notify.SyncMessage{
			Action:         notify.SyncUnarchive,
			NotificationID: id,
		})
	}

	go func() {
		err := e.backend.Archive(ctx, id)
		e.enqueue(func() {
			e.confirm(confirmation{
				action:   actionArchive,
				id:       id,
				seq:      seq,
				err:      err,
				rollback: rollback,
				res:      res,
			})
		})
	}()
}

// Delete removes one notification. Rollback reinserts the record at its
// former position.
func (e *Engine) Delete(ctx context.Context, id string) <-chan error {
	res := make(chan error, 1)
	e.enqueue(func() { e.delete(ctx, id, res) })
	return res
}

func (e *Engine) delete(ctx context.Context, id string, res chan<- error) {
	br := e.mutBreakers[actionDelete]
	if !br.Allow() {
		metrics.RecordMutation(actionDelete, "rejected")
		res <- fmt.Errorf("delete %s: %w", id, circuitbreaker.ErrCircuitOpen)
		return
	}

	seq := e.nextSeq(id)
	removed, pos, ok := e.col.Remove(id)
	if !ok {
		br.RecordSuccess()
		e.releaseSeq(id)
		res <- fmt.Errorf("delete %s: %w", id, ErrNotFound)
		return
	}
	snapshot := removed.Clone()

	e.broadcast(notify.SyncMessage{
		Action:         notify.SyncDelete,
		NotificationID: id,
	})

	rollback := func() {
		e.col.Reinsert(snapshot, pos)
		e.broadcast(notify.SyncMessage{
			Action:         notify.SyncInsert,
			NotificationID: id,
			ReadAt:         snapshot.ReadAt,
			ArchivedAt:     snapshot.ArchivedAt,
		})
	}

	go func() {
		err := e.backend.Delete(ctx, id)
		e.enqueue(func() {
			e.confirm(confirmation{
				action:   actionDelete,
				id:       id,
				seq:      seq,
				err:      err,
				rollback: rollback,
				res:      res,
			})
		})
	}()
}

// MarkAllRead marks every unread notification as read. The snapshot is the
// set of previously-unread ids, each tagged with its own sequence number.
// When the backend reports fewer affected rows than expected the mutation
// still counts as success; the mismatch is logged as a warning only.
func (e *Engine) MarkAllRead(ctx context.Context) <-chan error {
	res := make(chan error, 1)
	e.enqueue(func() { e.markAllRead(ctx, res) })
	return res
}

func (e *Engine) markAllRead(ctx context.Context, res chan<- error) {
	br := e.mutBreakers[actionMarkAllRead]
	if !br.Allow() {
		metrics.RecordMutation(actionMarkAllRead, "rejected")
		res <- fmt.Errorf("mark all read: %w", circuitbreaker.ErrCircuitOpen)
		return
	}

	ids := e.col.UnreadIDs()
	if len(ids) == 0 {
		br.RecordSuccess()
		res <- nil
		return
	}

	now := time.Now()
	seqs := make(map[string]uint64, len(ids))
	prevUpdated := make(map[string]time.Time, len(ids))
	for _, id := range ids {
		seqs[id] = e.nextSeq(id)
		if r := e.col.Get(id); r != nil {
			prevUpdated[id] = r.UpdatedAt
			e.col.SetRead(id, &now)
			r.UpdatedAt = now
		}
	}

	e.broadcast(notify.SyncMessage{
		Action:    notify.SyncReadAll,
		ReadAt:    &now,
		Timestamp: now,
	})

	go func() {
		affected, err := e.backend.MarkAllRead(ctx, e.cfg.TeamID)
		e.enqueue(func() {
			e.confirmAll(ids, seqs, prevUpdated, now, affected, err, res)
		})
	}()
}

func (e *Engine) confirmAll(ids []string, seqs map[string]uint64, prevUpdated map[string]time.Time, appliedAt time.Time, affected int, err error, res chan<- error) {
	br := e.mutBreakers[actionMarkAllRead]
	defer func() {
		for _, id := range ids {
			e.releaseSeq(id)
		}
	}()

	if err == nil {
		br.RecordSuccess()
		for _, id := range ids {
			if rs := e.seqs[id]; rs != nil && seqs[id] > rs.confirmed {
				rs.confirmed = seqs[id]
			}
		}
		if affected != len(ids) {
			e.logger.Warn("mark all read count mismatch",
				zap.Int("expected", len(ids)),
				zap.Int("affected", affected),
			)
		}
		metrics.RecordMutation(actionMarkAllRead, "confirmed")
		res <- nil
		return
	}

	br.RecordFailure()
	metrics.RecordMutation(actionMarkAllRead, "failed")
	rolledBack := 0
	for _, id := range ids {
		if rs := e.seqs[id]; rs != nil && rs.confirmed > seqs[id] {
			continue // a newer mutation already confirmed for this record
		}
		if _, ok := e.col.SetRead(id, nil); !ok {
			continue
		}
		if r := e.col.Get(id); r != nil && r.UpdatedAt.Equal(appliedAt) {
			r.UpdatedAt = prevUpdated[id]
		}
		e.broadcast(notify.SyncMessage{
			Action:         notify.SyncUnread,
			NotificationID: id,
		})
		rolledBack++
	}
	metrics.RecordRollback(actionMarkAllRead)
	e.logger.Warn("mark all read failed, rolled back",
		zap.Int("records", rolledBack),
		zap.Error(err),
	)
	res <- fmt.Errorf("mark all read: %w", err)
}

// confirm reconciles a single-record mutation with its backend result.
func (e *Engine) confirm(c confirmation) {
	br := e.mutBreakers[c.action]
	defer e.releaseSeq(c.id)

	if c.err == nil {
		br.RecordSuccess()
		if rs := e.seqs[c.id]; rs != nil && c.seq > rs.confirmed {
			rs.confirmed = c.seq
		}
		metrics.RecordMutation(c.action, "confirmed")
		c.res <- nil
		return
	}

	br.RecordFailure()
	metrics.RecordMutation(c.action, "failed")

	if rs := e.seqs[c.id]; rs != nil && rs.confirmed > c.seq {
		e.logger.Info("rollback discarded, newer mutation already confirmed",
			zap.String("action", c.action),
			zap.String("id", c.id),
			zap.Uint64("seq", c.seq),
			zap.Uint64("confirmed", rs.confirmed),
		)
		c.res <- fmt.Errorf("%s %s: %w", c.action, c.id, c.err)
		return
	}

	c.rollback()
	metrics.RecordRollback(c.action)
	e.logger.Warn("mutation failed, rolled back",
		zap.String("action", c.action),
		zap.String("id", c.id),
		zap.Error(c.err),
	)
	c.res <- fmt.Errorf("%s %s: %w", c.action, c.id, c.err)
}
