// Package protocol defines the WebSocket events exchanged between chat clients
// and the server. All events are JSON text frames with a "type" discriminator.
// Inbound events form a closed set: ParseClientMessage returns one of the
// Inbound variants below and nothing else.
package protocol

import (
	"fmt"
	"time"

	json "github.com/goccy/go-json"
)

// ---------------------------------------------------------------------------
// Event type constants
// ---------------------------------------------------------------------------

// Client -> Server event types.
const (
	TypeAuthenticate = "authenticate"
	TypeJoin         = "join"
	TypeLeave        = "leave"
	TypeSend         = "send"
	TypePing         = "ping"
)

// Server -> Client event types.
const (
	TypeConnected     = "connected"
	TypeAuthenticated = "authenticated"
	TypeJoined        = "joined"
	TypePresence      = "presence"
	TypeLeft          = "left"
	TypeMessage       = "message"
	TypeRoomClosed    = "room_closed"
	TypeError         = "error"
	TypePong          = "pong"
)

// Presence states.
const (
	PresenceJoined = "joined"
	PresenceLeft   = "left"
)

// ---------------------------------------------------------------------------
// Envelope
// ---------------------------------------------------------------------------

// Envelope holds the event type and the raw JSON for deferred decoding.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON captures the raw bytes and extracts only the "type" field.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server events
// ---------------------------------------------------------------------------

// Inbound is implemented only by the client event types in this package.
type Inbound interface {
	inbound()
}

// Authenticate presents a fresh token on an open connection. The identity
// must match the one the connection was opened with.
type Authenticate struct {
	Token string `json:"token"`
}

// Join subscribes the connection to a room, creating it for the participant
// set if needed. After, when set, replays messages with seq > After.
type Join struct {
	RoomID         string   `json:"room_id,omitempty"`
	ParticipantIDs []string `json:"participant_ids"`
	After          *int64   `json:"after,omitempty"`
}

// Leave unsubscribes the connection from a room.
type Leave struct {
	RoomID string `json:"room_id"`
}

// Send posts a message to a room. SenderID is accepted for compatibility with
// older clients and never used: the sender is the authenticated identity.
type Send struct {
	RoomID   string `json:"room_id"`
	Content  string `json:"content"`
	Ref      string `json:"ref,omitempty"`
	SenderID string `json:"sender_id,omitempty"`
}

// Ping is a client keepalive.
type Ping struct{}

func (Authenticate) inbound() {}
func (Join) inbound()         {}
func (Leave) inbound()        {}
func (Send) inbound()         {}
func (Ping) inbound()         {}

// ---------------------------------------------------------------------------
// Server -> Client events
// ---------------------------------------------------------------------------

// User is the public view of a participant.
type User struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

// ConnectedMsg is the first event on an accepted connection.
type ConnectedMsg struct {
	ConnID string `json:"conn_id"`
	User   User   `json:"user"`
}

// AuthenticatedMsg confirms in-band re-authentication.
type AuthenticatedMsg struct {
	User      User      `json:"user"`
	ExpiresAt time.Time `json:"expires_at"`
}

// JoinedMsg confirms a join to the joining connection only.
type JoinedMsg struct {
	RoomID       string `json:"room_id"`
	Participants []User `json:"participants"`
	LastSeq      int64  `json:"last_seq"`
}

// PresenceMsg tells other subscribers that a user joined or left.
type PresenceMsg struct {
	RoomID string `json:"room_id"`
	User   User   `json:"user"`
	State  string `json:"state"`
}

// LeftMsg confirms a leave.
type LeftMsg struct {
	RoomID string `json:"room_id"`
}

// MessageMsg is a persisted message delivered to room subscribers. Ref echoes
// the sender's correlation id and is only meaningful to the sender.
type MessageMsg struct {
	ID        string    `json:"id"`
	RoomID    string    `json:"room_id"`
	Seq       int64     `json:"seq"`
	Sender    User      `json:"sender"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	Ref       string    `json:"ref,omitempty"`
}

// RoomClosedMsg tells subscribers the room was deleted.
type RoomClosedMsg struct {
	RoomID string `json:"room_id"`
}

// ErrorMsg reports an operation failure to the originating connection.
type ErrorMsg struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Kind    string `json:"kind"`
	RoomID  string `json:"room_id,omitempty"`
	Ref     string `json:"ref,omitempty"`
}

// PongMsg answers a Ping.
type PongMsg struct{}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientMessage decodes a client frame into its Inbound variant.
func ParseClientMessage(data []byte) (Inbound, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg Inbound
		err error
	)

	switch env.Type {
	case TypeAuthenticate:
		var m Authenticate
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeJoin:
		var m Join
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeLeave:
		var m Leave
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeSend:
		var m Send
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePing:
		msg = Ping{}
	default:
		return nil, fmt.Errorf("protocol: unknown client message type: %q", env.Type)
	}

	if err != nil {
		return nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return msg, nil
}

// NewServerMessage encodes a server event with msgType injected under "type".
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	return encode(msgType, payload)
}

// NewClientMessage encodes a client event the same way.
func NewClientMessage(msgType string, payload interface{}) ([]byte, error) {
	return encode(msgType, payload)
}

func encode(msgType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}
	if m == nil {
		m = make(map[string]json.RawMessage, 1)
	}

	t, _ := json.Marshal(msgType)
	m["type"] = t

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}

// MustServerMessage is NewServerMessage for payloads that cannot fail to
// encode (the structs in this package).
func MustServerMessage(msgType string, payload interface{}) []byte {
	out, err := NewServerMessage(msgType, payload)
	if err != nil {
		panic(err)
	}
	return out
}

// PeekType returns the "type" of a frame without decoding the rest.
func PeekType(data []byte) (string, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", err
	}
	return env.Type, nil
}
