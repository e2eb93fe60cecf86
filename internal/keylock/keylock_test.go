package keylock

import (
	"sync"
	"testing"
)

func TestLock_SameKeySerialises(t *testing.T) {
	s := New(8)
	var (
		wg      sync.WaitGroup
		counter int
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := s.Lock("room-1")
			counter++
			unlock()
		}()
	}
	wg.Wait()
	if counter != 50 {
		t.Errorf("counter = %d, want 50", counter)
	}
}

func TestIndex_Stable(t *testing.T) {
	s := New(0)
	if len(s.mus) != DefaultStripes {
		t.Fatalf("stripes = %d", len(s.mus))
	}
	if s.index("abc") != s.index("abc") {
		t.Error("index must be deterministic")
	}
}
