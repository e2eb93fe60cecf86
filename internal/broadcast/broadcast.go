// Package broadcast is the room fan-out fabric. The relay and the room
// manager publish room events to a Bus; every process with live members in
// the room receives them through its Handler and writes them to its local
// connections. Local keeps everything in-process; NATS spans processes.
package broadcast

import (
	"context"
	"fmt"

	json "github.com/goccy/go-json"
)

// Event kinds.
const (
	KindMessage    = "message"
	KindPresence   = "presence"
	KindRoomClosed = "room_closed"
)

// Event is one room-scoped delivery. Frame is the encoded server event and is
// written to connections verbatim.
type Event struct {
	RoomID string          `json:"room_id"`
	Kind   string          `json:"kind"`
	Frame  json.RawMessage `json:"frame"`
	// Exclude is a connection id that must not receive the event.
	Exclude string `json:"exclude,omitempty"`
}

// Handler receives events for rooms this process is subscribed to. Events
// for one room are handed over in publish order.
type Handler func(Event)

// Bus publishes room events and manages this process's room subscriptions.
type Bus interface {
	Publish(ctx context.Context, ev Event) error
	// Subscribe starts delivery of roomID's events to the handler.
	Subscribe(roomID string) error
	// Unsubscribe stops it. Unknown rooms are ignored.
	Unsubscribe(roomID string) error
	Close() error
}

func encodeEvent(ev Event) ([]byte, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("broadcast: encode event: %w", err)
	}
	return data, nil
}

func decodeEvent(data []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return Event{}, fmt.Errorf("broadcast: decode event: %w", err)
	}
	return ev, nil
}
