// Package timeline is the client half of dual-path delivery: it merges
// messages fetched over HTTP with messages delivered live, so a room's view
// has each message once, in seq order, and optimistic local entries are
// replaced by their confirmed copies.
package timeline

import (
	"sort"
	"sync"
	"time"

	"github.com/artlounge/chat-app/internal/protocol"
)

// Status of an entry.
type Status int

const (
	// Confirmed entries were persisted by the server and carry id and seq.
	Confirmed Status = iota
	// Pending entries were sent but not yet seen back.
	Pending
	// Failed entries were rejected by the server.
	Failed
)

func (s Status) String() string {
	switch s {
	case Confirmed:
		return "confirmed"
	case Pending:
		return "pending"
	case Failed:
		return "failed"
	}
	return "unknown"
}

// Entry is one line of a room's view.
type Entry struct {
	ID        string
	Seq       int64
	Sender    protocol.User
	Content   string
	Timestamp time.Time
	Ref       string
	Status    Status
	Reason    string // error code for Failed entries
}

// Timeline is one room's view. It is safe for concurrent use.
type Timeline struct {
	roomID string
	self   string

	mu        sync.Mutex
	confirmed []Entry // seq ascending
	ids       map[string]struct{}
	local     []Entry // pending and failed, in send order
}

// New returns an empty timeline for roomID as seen by user self.
func New(roomID, self string) *Timeline {
	return &Timeline{roomID: roomID, self: self, ids: make(map[string]struct{})}
}

// RoomID returns the room the timeline belongs to.
func (t *Timeline) RoomID() string { return t.roomID }

// AddPending records an optimistic entry for a send identified by ref.
func (t *Timeline) AddPending(ref string, sender protocol.User, content string, at time.Time) Entry {
	e := Entry{Sender: sender, Content: content, Timestamp: at, Ref: ref, Status: Pending}
	t.mu.Lock()
	t.local = append(t.local, e)
	t.mu.Unlock()
	return e
}

// Fail marks the pending entry for ref as rejected.
func (t *Timeline) Fail(ref, reason string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.local {
		if t.local[i].Ref == ref && t.local[i].Status == Pending {
			t.local[i].Status = Failed
			t.local[i].Reason = reason
			return true
		}
	}
	return false
}

// Apply merges one confirmed message from either path. It reports whether
// the message was new.
func (t *Timeline) Apply(m protocol.MessageMsg) bool {
	if m.RoomID != "" && m.RoomID != t.roomID {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.applyLocked(m)
}

// Merge applies a batch, typically a history response, and returns how many
// messages were new.
func (t *Timeline) Merge(msgs []protocol.MessageMsg) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, m := range msgs {
		if m.RoomID != "" && m.RoomID != t.roomID {
			continue
		}
		if t.applyLocked(m) {
			n++
		}
	}
	return n
}

func (t *Timeline) applyLocked(m protocol.MessageMsg) bool {
	if _, dup := t.ids[m.ID]; dup {
		t.dropLocalLocked(m)
		return false
	}
	t.ids[m.ID] = struct{}{}
	t.dropLocalLocked(m)

	e := Entry{
		ID:        m.ID,
		Seq:       m.Seq,
		Sender:    m.Sender,
		Content:   m.Content,
		Timestamp: m.Timestamp,
		Ref:       m.Ref,
		Status:    Confirmed,
	}
	i := sort.Search(len(t.confirmed), func(i int) bool { return t.confirmed[i].Seq > m.Seq })
	t.confirmed = append(t.confirmed, Entry{})
	copy(t.confirmed[i+1:], t.confirmed[i:])
	t.confirmed[i] = e
	return true
}

// dropLocalLocked removes the optimistic entry m confirms: by ref when the
// server echoed one, otherwise the oldest pending entry of ours with the same
// content.
func (t *Timeline) dropLocalLocked(m protocol.MessageMsg) {
	match := -1
	for i, e := range t.local {
		if e.Status != Pending {
			continue
		}
		if m.Ref != "" {
			if e.Ref == m.Ref {
				match = i
				break
			}
			continue
		}
		if m.Sender.ID == t.self && e.Content == m.Content {
			match = i
			break
		}
	}
	if match >= 0 {
		t.local = append(t.local[:match], t.local[match+1:]...)
	}
}

// Entries returns confirmed entries in seq order followed by local ones in
// send order.
func (t *Timeline) Entries() []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Entry, 0, len(t.confirmed)+len(t.local))
	out = append(out, t.confirmed...)
	return append(out, t.local...)
}

// Len returns the number of confirmed entries.
func (t *Timeline) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.confirmed)
}

// LastSeq returns the highest confirmed seq.
func (t *Timeline) LastSeq() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.confirmed) == 0 {
		return 0
	}
	return t.confirmed[len(t.confirmed)-1].Seq
}

// Gap is a run of missing seqs, inclusive.
type Gap struct {
	From, To int64
}

// Gaps returns the seq ranges missing between confirmed entries.
func (t *Timeline) Gaps() []Gap {
	t.mu.Lock()
	defer t.mu.Unlock()
	var gaps []Gap
	for i := 1; i < len(t.confirmed); i++ {
		prev, cur := t.confirmed[i-1].Seq, t.confirmed[i].Seq
		if cur > prev+1 {
			gaps = append(gaps, Gap{From: prev + 1, To: cur - 1})
		}
	}
	return gaps
}

// ResumeFrom returns the seq to pass as "after" when re-joining or paging
// history: the end of the contiguous prefix.
func (t *Timeline) ResumeFrom() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.confirmed) == 0 {
		return 0
	}
	last := t.confirmed[0].Seq
	for _, e := range t.confirmed[1:] {
		if e.Seq != last+1 {
			break
		}
		last = e.Seq
	}
	return last
}
