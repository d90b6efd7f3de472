package session

import (
	"sort"
	"strings"
	"sync"
	"time"
)

// PendingNotice tracks one push notification that has not been delivered.
type PendingNotice struct {
	NoticeID      string
	Kind          string
	Target        string
	Attempts      int
	QueuedAt      time.Time
	LastAttemptAt time.Time
	LastError     string
}

type outboxEntry struct {
	seq    uint64
	notice PendingNotice
}

// Outbox holds undelivered pushes keyed by notice id, remembering the
// order they were first queued in.
type Outbox struct {
	mu    sync.RWMutex
	seq   uint64
	items map[string]*outboxEntry
}

func NewOutbox() *Outbox {
	return &Outbox{items: make(map[string]*outboxEntry)}
}

// Upsert adds n or replaces the notice with the same id, keeping its place
// in the queue. Blank ids are ignored.
func (o *Outbox) Upsert(n PendingNotice) {
	id := strings.TrimSpace(n.NoticeID)
	if id == "" {
		return
	}
	n.NoticeID = id
	o.mu.Lock()
	defer o.mu.Unlock()
	if e, ok := o.items[id]; ok {
		e.notice = n
		return
	}
	o.seq++
	o.items[id] = &outboxEntry{seq: o.seq, notice: n}
}

// MarkAttempt records one failed delivery and returns the updated notice.
func (o *Outbox) MarkAttempt(id string, at time.Time, lastErr string) (PendingNotice, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	e, ok := o.items[strings.TrimSpace(id)]
	if !ok {
		return PendingNotice{}, false
	}
	e.notice.Attempts++
	e.notice.LastAttemptAt = at
	e.notice.LastError = strings.TrimSpace(lastErr)
	return e.notice, true
}

func (o *Outbox) Remove(id string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.items, strings.TrimSpace(id))
}

func (o *Outbox) Len() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.items)
}

// List returns pending notices oldest first.
func (o *Outbox) List() []PendingNotice {
	o.mu.RLock()
	entries := make([]*outboxEntry, 0, len(o.items))
	for _, e := range o.items {
		entries = append(entries, e)
	}
	o.mu.RUnlock()
	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })
	out := make([]PendingNotice, len(entries))
	for i, e := range entries {
		out[i] = e.notice
	}
	return out
}

// ByTarget counts pending notices per target.
func (o *Outbox) ByTarget() map[string]int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make(map[string]int)
	for _, e := range o.items {
		out[e.notice.Target]++
	}
	return out
}
