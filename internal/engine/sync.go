package engine

import (
	"time"

	"go.uber.org/zap"

	"github.com/recivo/notifyd/internal/metrics"
	"github.com/recivo/notifyd/internal/notify"
)

// ApplySync applies a sync message from a sibling session. The bus has
// already filtered echoes and stale messages; what arrives here is applied
// best-effort. Messages for ids this session does not hold are ignored -
// the bus is never the source of truth, it only shrinks the visible lag
// between tabs.
func (e *Engine) ApplySync(msg notify.SyncMessage) {
	e.enqueue(func() { e.applySync(msg) })
}

func (e *Engine) applySync(msg notify.SyncMessage) {
	at := msg.Timestamp
	if at.IsZero() {
		at = time.Now()
	}

	applied := false
	switch msg.Action {
	case notify.SyncRead:
		readAt := msg.ReadAt
		if readAt == nil {
			readAt = &at
		}
		_, applied = e.col.SetRead(msg.NotificationID, readAt)

	case notify.SyncUnread:
		_, applied = e.col.SetRead(msg.NotificationID, nil)

	case notify.SyncArchive:
		archivedAt := msg.ArchivedAt
		if archivedAt == nil {
			archivedAt = &at
		}
		_, applied = e.col.SetArchived(msg.NotificationID, archivedAt)

	case notify.SyncUnarchive:
		_, applied = e.col.SetArchived(msg.NotificationID, nil)

	case notify.SyncDelete:
		_, _, applied = e.col.Remove(msg.NotificationID)

	case notify.SyncUpdate:
		if r := e.col.Get(msg.NotificationID); r != nil {
			e.col.SetRead(msg.NotificationID, msg.ReadAt)
			e.col.SetArchived(msg.NotificationID, msg.ArchivedAt)
			applied = true
		}

	case notify.SyncReadAll:
		for _, id := range e.col.UnreadIDs() {
			e.col.SetRead(id, &at)
		}
		applied = true

	case notify.SyncInsert:
		// Every session holds its own subscription; inserts arrive
		// through it with the full record.
		metrics.RecordSyncMessage("in", "ignored")
		return

	default:
		e.logger.Debug("sync message with unknown action ignored",
			zap.String("action", string(msg.Action)),
		)
		metrics.RecordSyncMessage("in", "ignored")
		return
	}

	if !applied {
		metrics.RecordSyncMessage("in", "unknown_id")
		e.logger.Debug("sync message for unknown id ignored",
			zap.String("action", string(msg.Action)),
			zap.String("id", msg.NotificationID),
		)
		return
	}

	metrics.RecordSyncMessage("in", "applied")
}
