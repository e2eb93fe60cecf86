package timeline

import (
	"fmt"
	"testing"
	"time"

	"github.com/artlounge/chat-app/internal/protocol"
)

const room = "room-1"

var (
	me    = protocol.User{ID: "u-me", Username: "me"}
	other = protocol.User{ID: "u-other", Username: "other"}
)

func msg(seq int64, sender protocol.User, content, ref string) protocol.MessageMsg {
	return protocol.MessageMsg{
		ID:        fmt.Sprintf("m-%d", seq),
		RoomID:    room,
		Seq:       seq,
		Sender:    sender,
		Content:   content,
		Timestamp: time.Unix(1700000000+seq, 0),
		Ref:       ref,
	}
}

func seqs(entries []Entry) []int64 {
	out := make([]int64, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Seq)
	}
	return out
}

func equal(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestMerge_HistoryAndLiveOverlap(t *testing.T) {
	tl := New(room, me.ID)

	// Live delivery raced ahead of the history response.
	tl.Apply(msg(3, other, "c", ""))
	tl.Apply(msg(4, other, "d", ""))

	n := tl.Merge([]protocol.MessageMsg{msg(1, other, "a", ""), msg(2, me, "b", ""), msg(3, other, "c", "")})
	if n != 2 {
		t.Errorf("new from history = %d, want 2", n)
	}
	if got := seqs(tl.Entries()); !equal(got, []int64{1, 2, 3, 4}) {
		t.Errorf("seqs = %v", got)
	}
	if tl.Apply(msg(4, other, "d", "")) {
		t.Error("duplicate live delivery applied twice")
	}
}

func TestApply_ReplacesPendingByRef(t *testing.T) {
	tl := New(room, me.ID)
	tl.AddPending("ref-1", me, "hello", time.Now())
	tl.AddPending("ref-2", me, "hello", time.Now())

	tl.Apply(msg(1, me, "hello", "ref-2"))

	entries := tl.Entries()
	if len(entries) != 2 {
		t.Fatalf("entries = %+v", entries)
	}
	if entries[0].Status != Confirmed || entries[0].Ref != "ref-2" {
		t.Errorf("first = %+v", entries[0])
	}
	if entries[1].Status != Pending || entries[1].Ref != "ref-1" {
		t.Errorf("second = %+v", entries[1])
	}
}

func TestApply_ContentFallbackOnlyForOwnMessages(t *testing.T) {
	tl := New(room, me.ID)
	tl.AddPending("ref-1", me, "hi", time.Now())

	// Someone else's identical text does not confirm our entry.
	tl.Apply(msg(1, other, "hi", ""))
	if got := len(tl.Entries()); got != 2 {
		t.Fatalf("entries = %d, want 2", got)
	}

	// History carries no ref; our own message matches by content.
	tl.Merge([]protocol.MessageMsg{msg(2, me, "hi", "")})
	for _, e := range tl.Entries() {
		if e.Status == Pending {
			t.Errorf("pending entry left: %+v", e)
		}
	}
}

func TestFail(t *testing.T) {
	tl := New(room, me.ID)
	tl.AddPending("ref-1", me, "hi", time.Now())

	if !tl.Fail("ref-1", "delivery_failed") {
		t.Fatal("Fail returned false")
	}
	if tl.Fail("ref-1", "delivery_failed") {
		t.Error("failed entry failed twice")
	}
	e := tl.Entries()[0]
	if e.Status != Failed || e.Reason != "delivery_failed" {
		t.Errorf("entry = %+v", e)
	}
	// A later confirmation for a failed ref does not resurrect it.
	tl.Apply(msg(1, me, "hi", "ref-1"))
	if got := len(tl.Entries()); got != 2 {
		t.Errorf("entries = %d, want 2", got)
	}
}

func TestGapsAndResume(t *testing.T) {
	tl := New(room, me.ID)
	if tl.ResumeFrom() != 0 || tl.LastSeq() != 0 {
		t.Fatal("empty timeline should resume from 0")
	}

	tl.Merge([]protocol.MessageMsg{msg(4, other, "a", ""), msg(5, other, "b", ""), msg(8, other, "c", ""), msg(10, other, "d", "")})

	gaps := tl.Gaps()
	want := []Gap{{6, 7}, {9, 9}}
	if len(gaps) != len(want) {
		t.Fatalf("gaps = %v", gaps)
	}
	for i := range want {
		if gaps[i] != want[i] {
			t.Errorf("gap %d = %v, want %v", i, gaps[i], want[i])
		}
	}
	if got := tl.ResumeFrom(); got != 5 {
		t.Errorf("ResumeFrom = %d, want 5", got)
	}
	if got := tl.LastSeq(); got != 10 {
		t.Errorf("LastSeq = %d, want 10", got)
	}

	tl.Merge([]protocol.MessageMsg{msg(6, other, "", ""), msg(7, other, "", ""), msg(9, other, "", "")})
	if len(tl.Gaps()) != 0 || tl.ResumeFrom() != 10 {
		t.Errorf("after fill: gaps=%v resume=%d", tl.Gaps(), tl.ResumeFrom())
	}
}

func TestApply_IgnoresOtherRooms(t *testing.T) {
	tl := New(room, me.ID)
	m := msg(1, other, "x", "")
	m.RoomID = "room-2"
	if tl.Apply(m) {
		t.Error("applied a message for another room")
	}
	if tl.Len() != 0 {
		t.Errorf("len = %d", tl.Len())
	}
}
