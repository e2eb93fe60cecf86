// Package keylock provides a fixed array of mutexes addressed by string key.
// Two keys may share a mutex; the same key always maps to the same one.
package keylock

import (
	"hash/fnv"
	"sync"
)

// DefaultStripes is the stripe count used by New(0).
const DefaultStripes = 256

// Striped is a set of mutexes indexed by key hash.
type Striped struct {
	mus []sync.Mutex
}

// New returns a Striped with n mutexes.
func New(n int) *Striped {
	if n <= 0 {
		n = DefaultStripes
	}
	return &Striped{mus: make([]sync.Mutex, n)}
}

// Lock locks key's mutex and returns its unlock function.
func (s *Striped) Lock(key string) (unlock func()) {
	mu := &s.mus[s.index(key)]
	mu.Lock()
	return mu.Unlock
}

func (s *Striped) index(key string) int {
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % uint32(len(s.mus)))
}
