// Package notify defines the domain model for the notification engine:
// records, the session-owned collection, event and sync message types.
package notify

import "time"

// Priority levels for a notification.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh:
		return true
	}
	return false
}

// EventKind classifies a change event from the subscription source.
type EventKind int

const (
	KindInsert EventKind = iota
	KindUpdate
	KindDelete
)

func (k EventKind) String() string {
	switch k {
	case KindInsert:
		return "insert"
	case KindUpdate:
		return "update"
	case KindDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// ParseEventKind maps a wire string ("INSERT", "update", ...) to an EventKind.
func ParseEventKind(s string) (EventKind, bool) {
	switch s {
	case "INSERT", "insert":
		return KindInsert, true
	case "UPDATE", "update":
		return KindUpdate, true
	case "DELETE", "delete":
		return KindDelete, true
	}
	return 0, false
}

// Record represents one user-facing notification.
type Record struct {
	ID          string            `json:"id"`
	RecipientID string            `json:"recipient_id"`
	TeamID      string            `json:"team_id,omitempty"`
	Type        string            `json:"type"`
	Priority    Priority          `json:"priority"`
	Title       string            `json:"title"`
	Message     string            `json:"message"`
	ActionURL   string            `json:"action_url,omitempty"`
	ReadAt      *time.Time        `json:"read_at,omitempty"`
	ArchivedAt  *time.Time        `json:"archived_at,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Unread reports whether the record counts toward the unread total:
// not read and not archived.
func (r *Record) Unread() bool {
	return r.ReadAt == nil && r.ArchivedAt == nil
}

// LogicalTime returns the record's logical timestamp used for
// last-writer-wins conflict resolution: UpdatedAt when set,
// CreatedAt otherwise.
func (r *Record) LogicalTime() time.Time {
	if !r.UpdatedAt.IsZero() {
		return r.UpdatedAt
	}
	return r.CreatedAt
}

// Clone returns a deep copy of the record.
func (r *Record) Clone() *Record {
	c := *r
	if r.ReadAt != nil {
		t := *r.ReadAt
		c.ReadAt = &t
	}
	if r.ArchivedAt != nil {
		t := *r.ArchivedAt
		c.ArchivedAt = &t
	}
	if r.Metadata != nil {
		c.Metadata = make(map[string]string, len(r.Metadata))
		for k, v := range r.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

// Event is one change notification delivered by the subscription source.
type Event struct {
	Kind       EventKind
	Record     *Record
	ReceivedAt time.Time
}

// Filter selects which records a subscription delivers. Empty sets match
// everything; TeamID narrows to one team when non-empty.
type Filter struct {
	Types      []string   `json:"types,omitempty"`
	Priorities []Priority `json:"priorities,omitempty"`
	TeamID     string     `json:"team_id,omitempty"`
}

// Empty reports whether the filter matches everything.
func (f Filter) Empty() bool {
	return f.TeamID == "" && len(f.Types) == 0 && len(f.Priorities) == 0
}

// Match reports whether the record passes the filter.
func (f Filter) Match(r *Record) bool {
	if r == nil {
		return false
	}
	if f.TeamID != "" && r.TeamID != f.TeamID {
		return false
	}
	if len(f.Types) > 0 && !contains(f.Types, r.Type) {
		return false
	}
	if len(f.Priorities) > 0 && !contains(f.Priorities, r.Priority) {
		return false
	}
	return true
}

func contains[T comparable](xs []T, x T) bool {
	for _, v := range xs {
		if v == x {
			return true
		}
	}
	return false
}

// DeliverFunc is the user-preference predicate: it decides whether an
// inserted record should be delivered to this session at all. It must be
// pure from the engine's perspective.
type DeliverFunc func(*Record) bool
