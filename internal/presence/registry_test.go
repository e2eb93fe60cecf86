package presence

import (
	"sort"
	"sync"
	"testing"
)

func sorted(s []string) []string {
	sort.Strings(s)
	return s
}

func TestAddRemove(t *testing.T) {
	r := New()

	if added, first := r.Add("c1", "room"); !added || !first {
		t.Errorf("first add: added=%v first=%v", added, first)
	}
	if added, _ := r.Add("c1", "room"); added {
		t.Error("duplicate add should report not added")
	}
	if added, first := r.Add("c2", "room"); !added || first {
		t.Errorf("second member: added=%v first=%v", added, first)
	}
	if r.Len() != 2 {
		t.Errorf("len = %d, want 2", r.Len())
	}

	if removed, last := r.Remove("c1", "room"); !removed || last {
		t.Errorf("remove c1: removed=%v last=%v", removed, last)
	}
	if removed, _ := r.Remove("c1", "room"); removed {
		t.Error("removing twice should be a no-op")
	}
	if removed, last := r.Remove("c2", "room"); !removed || !last {
		t.Errorf("remove c2: removed=%v last=%v", removed, last)
	}
	if r.Len() != 0 || len(r.Members("room")) != 0 {
		t.Errorf("registry not empty: len=%d", r.Len())
	}
}

func TestMultipleRoomsPerConnection(t *testing.T) {
	r := New()
	r.Add("c1", "a")
	r.Add("c1", "b")
	r.Add("c2", "b")

	if got := sorted(r.Rooms("c1")); len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Errorf("rooms(c1) = %v", got)
	}
	if !r.IsMember("c2", "b") || r.IsMember("c2", "a") {
		t.Error("membership mismatch for c2")
	}

	for _, room := range r.Rooms("c1") {
		_, last := r.Remove("c1", room)
		if last != (room == "a") {
			t.Errorf("remove c1 from %s: last=%v", room, last)
		}
	}
	if got := r.Members("b"); len(got) != 1 || got[0] != "c2" {
		t.Errorf("members(b) = %v", got)
	}
}

func TestRemoveRoom(t *testing.T) {
	r := New()
	r.Add("c1", "a")
	r.Add("c2", "a")
	r.Add("c2", "b")

	conns := sorted(r.RemoveRoom("a"))
	if len(conns) != 2 || conns[0] != "c1" || conns[1] != "c2" {
		t.Errorf("conns = %v", conns)
	}
	if len(r.Rooms("c1")) != 0 {
		t.Error("c1 should have no rooms")
	}
	if !r.IsMember("c2", "b") {
		t.Error("c2 should still be in b")
	}
	if r.Len() != 1 {
		t.Errorf("len = %d, want 1", r.Len())
	}
}

func TestConcurrentAccess(t *testing.T) {
	r := New()
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			conn := string(rune('a' + i%26))
			for j := 0; j < 100; j++ {
				r.Add(conn, "room")
				r.Members("room")
				r.Remove(conn, "room")
			}
		}(i)
	}
	wg.Wait()
	if r.Len() < 0 {
		t.Errorf("len = %d", r.Len())
	}
}
