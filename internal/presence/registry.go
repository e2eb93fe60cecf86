// Package presence tracks which live connections are subscribed to which
// rooms on this process. It is never persisted.
package presence

import "sync"

// Registry is a two-way index: connection -> rooms and room -> connections.
// It is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	byConn  map[string]map[string]struct{}
	byRoom  map[string]map[string]struct{}
	entries int
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{
		byConn: make(map[string]map[string]struct{}),
		byRoom: make(map[string]map[string]struct{}),
	}
}

// Add subscribes connID to roomID. It reports whether the entry is new and
// whether connID is now the room's only local member.
func (r *Registry) Add(connID, roomID string) (added, first bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rooms := r.byConn[connID]
	if rooms == nil {
		rooms = make(map[string]struct{})
		r.byConn[connID] = rooms
	}
	if _, ok := rooms[roomID]; ok {
		return false, false
	}
	rooms[roomID] = struct{}{}

	conns := r.byRoom[roomID]
	if conns == nil {
		conns = make(map[string]struct{})
		r.byRoom[roomID] = conns
	}
	conns[connID] = struct{}{}
	r.entries++
	return true, len(conns) == 1
}

// Remove unsubscribes connID from roomID. It reports whether an entry was
// removed and whether the room has no local members left.
func (r *Registry) Remove(connID, roomID string) (removed, last bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.removeLocked(connID, roomID)
}

func (r *Registry) removeLocked(connID, roomID string) (bool, bool) {
	rooms := r.byConn[connID]
	if _, ok := rooms[roomID]; !ok {
		return false, false
	}
	delete(rooms, roomID)
	if len(rooms) == 0 {
		delete(r.byConn, connID)
	}

	conns := r.byRoom[roomID]
	delete(conns, connID)
	empty := len(conns) == 0
	if empty {
		delete(r.byRoom, roomID)
	}
	r.entries--
	return true, empty
}

// RemoveRoom drops every subscription to roomID and returns the affected
// connections.
func (r *Registry) RemoveRoom(roomID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var conns []string
	for connID := range r.byRoom[roomID] {
		conns = append(conns, connID)
	}
	for _, connID := range conns {
		r.removeLocked(connID, roomID)
	}
	return conns
}

// Members returns the connections subscribed to roomID.
func (r *Registry) Members(roomID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.byRoom[roomID]))
	for connID := range r.byRoom[roomID] {
		out = append(out, connID)
	}
	return out
}

// Rooms returns the rooms connID is subscribed to.
func (r *Registry) Rooms(connID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.byConn[connID]))
	for roomID := range r.byConn[connID] {
		out = append(out, roomID)
	}
	return out
}

// IsMember reports whether connID is subscribed to roomID.
func (r *Registry) IsMember(connID, roomID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.byConn[connID][roomID]
	return ok
}

// Len returns the number of (connection, room) subscriptions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.entries
}
