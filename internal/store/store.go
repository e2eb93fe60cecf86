// Package store is the persistence gateway for rooms and messages. The chat
// core depends only on the Store interface; Postgres backs it in production
// and Memory backs single-process runs and tests with the same semantics.
package store

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"
)

var (
	// ErrNotFound is returned when a room does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrRoomConflict is returned when a caller-chosen room id is already
	// taken by a different participant set.
	ErrRoomConflict = errors.New("store: room id bound to a different participant set")
)

// Room is a conversation between a fixed set of two or more identities.
// Participants is canonical: deduplicated and sorted.
type Room struct {
	ID           string    `json:"id"`
	Participants []string  `json:"participants"`
	LastSeq      int64     `json:"last_seq"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// HasParticipant reports whether userID is one of the room's participants.
func (r Room) HasParticipant(userID string) bool {
	i := sort.SearchStrings(r.Participants, userID)
	return i < len(r.Participants) && r.Participants[i] == userID
}

// User is the read-only view of an account owned by the account service.
type User struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email,omitempty"`
}

// NewMessage is the input to AppendMessage.
type NewMessage struct {
	RoomID   string
	SenderID string
	Content  string
}

// Message is an immutable persisted message. Seq is strictly increasing per
// room in persistence order; CreatedAt is non-decreasing in Seq order.
type Message struct {
	ID        string    `json:"id"`
	RoomID    string    `json:"room_id"`
	Seq       int64     `json:"seq"`
	SenderID  string    `json:"sender_id"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// HistoryQuery selects a slice of a room's messages. With AfterSeq > 0 it
// pages forward from that sequence number; otherwise it returns the most
// recent Limit messages. Results are always oldest first. Limit <= 0 means
// no limit.
type HistoryQuery struct {
	AfterSeq int64
	Limit    int
}

// Store is the persistence gateway.
type Store interface {
	// CreateOrGetRoom returns the room for the participant set, creating it
	// if absent. Concurrent calls with the same set converge on one room.
	// roomID is used only when a room is created; empty means generate one.
	CreateOrGetRoom(ctx context.Context, roomID string, participants []string) (Room, bool, error)
	FindRoom(ctx context.Context, roomID string) (Room, error)
	FindRoomByParticipants(ctx context.Context, participants []string) (Room, error)
	// ListRoomsFor returns rooms userID participates in, most recently
	// active first.
	ListRoomsFor(ctx context.Context, userID string) ([]Room, error)
	// DeleteRoom removes a room and all of its messages.
	DeleteRoom(ctx context.Context, roomID string) error
	// AppendMessage atomically assigns id, seq and timestamp and stores the
	// message. It returns ErrNotFound if the room does not exist.
	AppendMessage(ctx context.Context, msg NewMessage) (Message, error)
	ListMessages(ctx context.Context, roomID string, q HistoryQuery) ([]Message, error)
	// LookupUsers returns the known users among ids. Unknown ids are absent
	// from the map.
	LookupUsers(ctx context.Context, ids []string) (map[string]User, error)
	Close() error
}

// CanonicalParticipants deduplicates and sorts ids. Empty ids are dropped.
func CanonicalParticipants(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// ParticipantKey is the uniqueness key for a participant set. Any ordering
// of the same set yields the same key.
func ParticipantKey(ids []string) string {
	return strings.Join(CanonicalParticipants(ids), ",")
}
