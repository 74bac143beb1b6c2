package notify

import "time"

// SyncAction names the cross-session state change a SyncMessage carries.
type SyncAction string

const (
	SyncRead      SyncAction = "read"
	SyncUnread    SyncAction = "unread"
	SyncArchive   SyncAction = "archive"
	SyncUnarchive SyncAction = "unarchive"
	SyncDelete    SyncAction = "delete"
	SyncReadAll   SyncAction = "read_all"
	SyncInsert    SyncAction = "insert"
	SyncUpdate    SyncAction = "update"
)

// SyncMessage is the unit exchanged between sibling sessions of the same
// user. Only essential fields are carried, never full records, to bound
// message size and avoid re-broadcast storms. Sync is best-effort and
// non-authoritative: every session still reconciles with the backend on
// its own.
type SyncMessage struct {
	Action         SyncAction `json:"action"`
	NotificationID string     `json:"notification_id,omitempty"`
	ReadAt         *time.Time `json:"read_at,omitempty"`
	ArchivedAt     *time.Time `json:"archived_at,omitempty"`
	Origin         string     `json:"origin"`
	Timestamp      time.Time  `json:"timestamp"`
}
