package broadcast

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/artlounge/chat-app/internal/logging"
	"github.com/artlounge/chat-app/internal/messaging"
)

// Publisher is the subset of the NATS client the bus needs.
type Publisher interface {
	Publish(subject string, data []byte) error
	Subscribe(subject string, handler func(data []byte)) error
	Unsubscribe(subject string) error
}

// NATS fans room events out across processes. Each process holds at most one
// subscription per room, taken while it has live members there; events it
// publishes itself come back through that subscription like everyone else's.
type NATS struct {
	client  Publisher
	handler Handler
	log     zerolog.Logger
}

// NewNATS returns a NATS bus over client delivering to h.
func NewNATS(client Publisher, h Handler) *NATS {
	return &NATS{client: client, handler: h, log: logging.Component("broadcast")}
}

func (n *NATS) Publish(ctx context.Context, ev Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := encodeEvent(ev)
	if err != nil {
		return err
	}
	if err := n.client.Publish(messaging.RoomSubject(ev.RoomID), data); err != nil {
		return fmt.Errorf("broadcast: publish room %s: %w", ev.RoomID, err)
	}
	return nil
}

func (n *NATS) Subscribe(roomID string) error {
	return n.client.Subscribe(messaging.RoomSubject(roomID), func(data []byte) {
		ev, err := decodeEvent(data)
		if err != nil {
			n.log.Warn().Err(err).Str("room", roomID).Msg("dropping undecodable event")
			return
		}
		n.handler(ev)
	})
}

func (n *NATS) Unsubscribe(roomID string) error {
	return n.client.Unsubscribe(messaging.RoomSubject(roomID))
}

// Close is a no-op; the NATS client is owned and closed by the caller.
func (n *NATS) Close() error { return nil }
