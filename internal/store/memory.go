package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory is a process-local Store. All mutations happen under one mutex, so
// participant-set uniqueness and per-room sequence assignment are atomic.
type Memory struct {
	mu       sync.Mutex
	rooms    map[string]*Room     // room id -> room
	byKey    map[string]string    // participant key -> room id
	messages map[string][]Message // room id -> messages in seq order
	lastTs   map[string]time.Time // room id -> last message timestamp
	users    map[string]User
	now      func() time.Time
}

// NewMemory returns an empty Memory store.
func NewMemory() *Memory {
	return &Memory{
		rooms:    make(map[string]*Room),
		byKey:    make(map[string]string),
		messages: make(map[string][]Message),
		lastTs:   make(map[string]time.Time),
		users:    make(map[string]User),
		now:      time.Now,
	}
}

// PutUser registers a user. The account service owns users in production;
// here it seeds development data and tests.
func (m *Memory) PutUser(u User) {
	m.mu.Lock()
	m.users[u.ID] = u
	m.mu.Unlock()
}

func (m *Memory) CreateOrGetRoom(ctx context.Context, roomID string, participants []string) (Room, bool, error) {
	if err := ctx.Err(); err != nil {
		return Room{}, false, err
	}
	canon := CanonicalParticipants(participants)
	key := ParticipantKey(canon)

	m.mu.Lock()
	defer m.mu.Unlock()

	if id, ok := m.byKey[key]; ok {
		return copyRoom(m.rooms[id]), false, nil
	}
	if roomID == "" {
		roomID = uuid.NewString()
	}
	if _, taken := m.rooms[roomID]; taken {
		return Room{}, false, ErrRoomConflict
	}

	now := m.now().UTC()
	r := &Room{ID: roomID, Participants: canon, CreatedAt: now, UpdatedAt: now}
	m.rooms[roomID] = r
	m.byKey[key] = roomID
	return copyRoom(r), true, nil
}

func (m *Memory) FindRoom(ctx context.Context, roomID string) (Room, error) {
	if err := ctx.Err(); err != nil {
		return Room{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rooms[roomID]
	if !ok {
		return Room{}, ErrNotFound
	}
	return copyRoom(r), nil
}

func (m *Memory) FindRoomByParticipants(ctx context.Context, participants []string) (Room, error) {
	if err := ctx.Err(); err != nil {
		return Room{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byKey[ParticipantKey(participants)]
	if !ok {
		return Room{}, ErrNotFound
	}
	return copyRoom(m.rooms[id]), nil
}

func (m *Memory) ListRoomsFor(ctx context.Context, userID string) ([]Room, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	out := make([]Room, 0)
	for _, r := range m.rooms {
		if r.HasParticipant(userID) {
			out = append(out, copyRoom(r))
		}
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out, nil
}

func (m *Memory) DeleteRoom(ctx context.Context, roomID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rooms[roomID]
	if !ok {
		return ErrNotFound
	}
	delete(m.byKey, ParticipantKey(r.Participants))
	delete(m.rooms, roomID)
	delete(m.messages, roomID)
	delete(m.lastTs, roomID)
	return nil
}

func (m *Memory) AppendMessage(ctx context.Context, nm NewMessage) (Message, error) {
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.rooms[nm.RoomID]
	if !ok {
		return Message{}, ErrNotFound
	}

	ts := m.now().UTC()
	if last := m.lastTs[r.ID]; ts.Before(last) {
		ts = last
	}
	r.LastSeq++
	r.UpdatedAt = ts
	m.lastTs[r.ID] = ts

	msg := Message{
		ID:        uuid.NewString(),
		RoomID:    r.ID,
		Seq:       r.LastSeq,
		SenderID:  nm.SenderID,
		Content:   nm.Content,
		CreatedAt: ts,
	}
	m.messages[r.ID] = append(m.messages[r.ID], msg)
	return msg, nil
}

func (m *Memory) ListMessages(ctx context.Context, roomID string, q HistoryQuery) ([]Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.rooms[roomID]; !ok {
		return nil, ErrNotFound
	}
	all := m.messages[roomID]

	var sel []Message
	if q.AfterSeq > 0 {
		// Seq values are dense from 1, so index == seq-1.
		start := int(q.AfterSeq)
		if start > len(all) {
			start = len(all)
		}
		sel = all[start:]
		if q.Limit > 0 && len(sel) > q.Limit {
			sel = sel[:q.Limit]
		}
	} else {
		sel = all
		if q.Limit > 0 && len(sel) > q.Limit {
			sel = sel[len(sel)-q.Limit:]
		}
	}

	out := make([]Message, len(sel))
	copy(out, sel)
	return out, nil
}

func (m *Memory) LookupUsers(ctx context.Context, ids []string) (map[string]User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]User, len(ids))
	for _, id := range ids {
		if u, ok := m.users[id]; ok {
			out[id] = u
		}
	}
	return out, nil
}

func (m *Memory) Close() error { return nil }

func copyRoom(r *Room) Room {
	c := *r
	c.Participants = append([]string(nil), r.Participants...)
	return c
}
