package notify

import "time"

// Collection is the authoritative client-side notification state for one
// session: an ordered list of records (newest first) plus the denormalized
// unread count.
//
// Collection is NOT safe for concurrent use. It is exclusively owned by the
// engine's reconciliation loop; every mutation entry point serializes
// through that owner. The unread count is adjusted in the same call as the
// record field it derives from, so no caller can ever observe the two out
// of sync.
type Collection struct {
	records []*Record
	byID    map[string]*Record

	unread      int
	connected   bool
	lastUpdated time.Time
}

// View is an immutable deep-copy snapshot of a Collection, safe to hand to
// other goroutines.
type View struct {
	Records     []*Record `json:"records"`
	UnreadCount int       `json:"unread_count"`
	Connected   bool      `json:"connected"`
	LastUpdated time.Time `json:"last_updated"`
}

// NewCollection returns an empty collection.
func NewCollection() *Collection {
	return &Collection{byID: make(map[string]*Record)}
}

// Len returns the number of records.
func (c *Collection) Len() int { return len(c.records) }

// UnreadCount returns the denormalized unread total.
func (c *Collection) UnreadCount() int { return c.unread }

// Connected reports the live-subscription flag.
func (c *Collection) Connected() bool { return c.connected }

// SetConnected flips the live-subscription flag.
func (c *Collection) SetConnected(v bool) {
	c.connected = v
	c.touch()
}

// Get returns the record with the given id, or nil.
func (c *Collection) Get(id string) *Record {
	return c.byID[id]
}

// Prepend inserts a record at the head of the list. It is idempotent: a
// record whose id is already present is left untouched and false is
// returned.
func (c *Collection) Prepend(r *Record) bool {
	if r == nil || r.ID == "" {
		return false
	}
	if _, ok := c.byID[r.ID]; ok {
		return false
	}
	c.records = append([]*Record{r}, c.records...)
	c.byID[r.ID] = r
	if r.Unread() {
		c.unread++
	}
	c.touch()
	return true
}

// Merge applies the incoming record's fields onto the held record with the
// same id, last-writer-wins by logical timestamp. Returns false when the id
// is unknown or the incoming record is older than the held one. The unread
// count is adjusted by exactly the read/unread flip, in the same call.
func (c *Collection) Merge(in *Record) bool {
	if in == nil || in.ID == "" {
		return false
	}
	cur, ok := c.byID[in.ID]
	if !ok {
		return false
	}
	if in.LogicalTime().Before(cur.LogicalTime()) {
		return false
	}
	before := cur.Unread()
	cur.Type = in.Type
	cur.Priority = in.Priority
	cur.Title = in.Title
	cur.Message = in.Message
	cur.ActionURL = in.ActionURL
	cur.ReadAt = copyTime(in.ReadAt)
	cur.ArchivedAt = copyTime(in.ArchivedAt)
	cur.UpdatedAt = in.UpdatedAt
	if in.Metadata != nil {
		cur.Metadata = in.Metadata
	}
	c.adjustUnread(before, cur.Unread())
	c.touch()
	return true
}

// Remove deletes the record with the given id, returning the removed
// record and its former position so an optimistic delete can be rolled
// back.
func (c *Collection) Remove(id string) (*Record, int, bool) {
	r, ok := c.byID[id]
	if !ok {
		return nil, 0, false
	}
	pos := c.indexOf(id)
	c.records = append(c.records[:pos], c.records[pos+1:]...)
	delete(c.byID, id)
	if r.Unread() {
		c.unread--
	}
	c.touch()
	return r, pos, true
}

// Reinsert places a previously removed record back at its former position
// (clamped to the current length). Used only by delete rollback.
func (c *Collection) Reinsert(r *Record, pos int) bool {
	if r == nil || r.ID == "" {
		return false
	}
	if _, ok := c.byID[r.ID]; ok {
		return false
	}
	if pos < 0 {
		pos = 0
	}
	if pos > len(c.records) {
		pos = len(c.records)
	}
	c.records = append(c.records[:pos], append([]*Record{r}, c.records[pos:]...)...)
	c.byID[r.ID] = r
	if r.Unread() {
		c.unread++
	}
	c.touch()
	return true
}

// SetRead sets or clears ReadAt on the record, returning the previous
// value. The unread count moves in the same call.
func (c *Collection) SetRead(id string, at *time.Time) (prev *time.Time, ok bool) {
	r, found := c.byID[id]
	if !found {
		return nil, false
	}
	prev = r.ReadAt
	before := r.Unread()
	r.ReadAt = copyTime(at)
	c.adjustUnread(before, r.Unread())
	c.touch()
	return prev, true
}

// SetArchived sets or clears ArchivedAt on the record, returning the
// previous value.
func (c *Collection) SetArchived(id string, at *time.Time) (prev *time.Time, ok bool) {
	r, found := c.byID[id]
	if !found {
		return nil, false
	}
	prev = r.ArchivedAt
	before := r.Unread()
	r.ArchivedAt = copyTime(at)
	c.adjustUnread(before, r.Unread())
	c.touch()
	return prev, true
}

// UnreadIDs returns the ids of all currently unread records, newest first.
func (c *Collection) UnreadIDs() []string {
	var ids []string
	for _, r := range c.records {
		if r.Unread() {
			ids = append(ids, r.ID)
		}
	}
	return ids
}

// Replace swaps the whole record list (used by the initial page load and
// manual refresh) and recomputes the unread count from scratch. When
// unreadCount >= 0 it overrides the derived value with the backend's
// authoritative total, which may include records beyond the loaded page.
func (c *Collection) Replace(records []*Record, unreadCount int) {
	c.records = records
	c.byID = make(map[string]*Record, len(records))
	derived := 0
	for _, r := range records {
		c.byID[r.ID] = r
		if r.Unread() {
			derived++
		}
	}
	if unreadCount >= 0 {
		c.unread = unreadCount
	} else {
		c.unread = derived
	}
	c.touch()
}

// Snapshot returns a deep copy of the collection state.
func (c *Collection) Snapshot() View {
	out := make([]*Record, len(c.records))
	for i, r := range c.records {
		out[i] = r.Clone()
	}
	return View{
		Records:     out,
		UnreadCount: c.unread,
		Connected:   c.connected,
		LastUpdated: c.lastUpdated,
	}
}

func (c *Collection) adjustUnread(before, after bool) {
	switch {
	case before && !after:
		c.unread--
	case !before && after:
		c.unread++
	}
}

func (c *Collection) indexOf(id string) int {
	for i, r := range c.records {
		if r.ID == id {
			return i
		}
	}
	return -1
}

func (c *Collection) touch() { c.lastUpdated = time.Now() }

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
