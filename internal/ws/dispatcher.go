package ws

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/artlounge/chat-app/internal/apperr"
	"github.com/artlounge/chat-app/internal/auth"
	"github.com/artlounge/chat-app/internal/logging"
	"github.com/artlounge/chat-app/internal/metrics"
	"github.com/artlounge/chat-app/internal/protocol"
	"github.com/artlounge/chat-app/internal/relay"
	"github.com/artlounge/chat-app/internal/room"
	"github.com/artlounge/chat-app/internal/store"
)

// Rooms is the room session manager as used by the dispatcher.
type Rooms interface {
	Attach(c room.Conn)
	Join(ctx context.Context, c room.Conn, req protocol.Join) (store.Room, error)
	Leave(ctx context.Context, c room.Conn, roomID string) error
	Disconnect(c room.Conn)
}

// Relay sends messages on behalf of a connection.
type Relay interface {
	Send(ctx context.Context, req relay.Request) (relay.Result, error)
}

// TokenVerifier verifies credentials presented in-band.
type TokenVerifier interface {
	VerifyToken(token string) (auth.Verified, error)
}

// Dispatcher routes parsed client events for authenticated connections.
// Every failure is reported to the originating connection only.
type Dispatcher struct {
	rooms  Rooms
	relay  Relay
	tokens TokenVerifier
	log    zerolog.Logger
	now    func() time.Time
}

// NewDispatcher returns a Dispatcher.
func NewDispatcher(rooms Rooms, r Relay, tokens TokenVerifier) *Dispatcher {
	return &Dispatcher{
		rooms:  rooms,
		relay:  r,
		tokens: tokens,
		log:    logging.Component("ws"),
		now:    time.Now,
	}
}

// Connected attaches a freshly accepted connection and greets it.
func (d *Dispatcher) Connected(c *Connection) {
	d.rooms.Attach(c)
	id := c.Identity()
	d.write(c, protocol.MustServerMessage(protocol.TypeConnected, protocol.ConnectedMsg{
		ConnID: c.ID(),
		User:   protocol.User{ID: id.ID, Username: id.Username},
	}))
}

// Disconnected leaves every room the connection joined.
func (d *Dispatcher) Disconnected(c *Connection) {
	d.rooms.Disconnect(c)
}

// Dispatch handles one client frame. A panic in a handler is recovered and
// reported as an internal error so it cannot affect other connections.
func (d *Dispatcher) Dispatch(c *Connection, data []byte) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error().Str("conn", c.ID()).Interface("panic", r).Msg("handler panic")
			d.sendError(c, apperr.Internal(fmt.Errorf("panic: %v", r)), "", "")
		}
	}()

	msg, err := protocol.ParseClientMessage(data)
	if err != nil {
		d.log.Debug().Str("conn", c.ID()).Err(err).Msg("parse error")
		d.sendError(c, apperr.Validation(apperr.CodeInvalidRequest, "invalid message format"), "", "")
		return
	}

	ctx := context.Background()

	switch m := msg.(type) {
	case protocol.Ping:
		c.Touch()
		d.write(c, protocol.MustServerMessage(protocol.TypePong, protocol.PongMsg{}))

	case protocol.Authenticate:
		d.handleAuthenticate(c, m)

	case protocol.Join:
		if err := d.checkCredential(c); err != nil {
			d.sendError(c, err, m.RoomID, "")
			return
		}
		if _, err := d.rooms.Join(ctx, c, m); err != nil {
			d.sendError(c, err, m.RoomID, "")
		}

	case protocol.Leave:
		if err := d.checkCredential(c); err != nil {
			d.sendError(c, err, m.RoomID, "")
			return
		}
		if err := d.rooms.Leave(ctx, c, m.RoomID); err != nil {
			d.sendError(c, err, m.RoomID, "")
		}

	case protocol.Send:
		if err := d.checkCredential(c); err != nil {
			d.sendError(c, err, m.RoomID, m.Ref)
			return
		}
		d.handleSend(ctx, c, m)

	default:
		d.sendError(c, apperr.Validation(apperr.CodeInvalidRequest, "unsupported message type"), "", "")
	}
}

func (d *Dispatcher) handleSend(ctx context.Context, c *Connection, m protocol.Send) {
	id := c.Identity()
	if m.SenderID != "" && m.SenderID != id.ID {
		d.log.Warn().Str("conn", c.ID()).Str("user", id.ID).Str("claimed", m.SenderID).Msg("ignoring payload sender_id")
	}

	res, err := d.relay.Send(ctx, relay.Request{
		RoomID:  m.RoomID,
		Sender:  id,
		Content: m.Content,
		Ref:     m.Ref,
	})
	if err != nil {
		d.sendError(c, err, m.RoomID, m.Ref)
		return
	}
	// Stored but not fanned out: the sender still gets its confirmation.
	if res.BroadcastErr != nil {
		d.write(c, res.Frame)
	}
}

func (d *Dispatcher) handleAuthenticate(c *Connection, m protocol.Authenticate) {
	v, err := d.tokens.VerifyToken(m.Token)
	if err != nil {
		metrics.AuthFailures.WithLabelValues(apperr.CodeOf(err)).Inc()
		d.sendError(c, err, "", "")
		return
	}
	current := c.Identity()
	if v.ID != current.ID {
		metrics.AuthFailures.WithLabelValues(apperr.CodeIdentityMismatch).Inc()
		d.log.Warn().Str("conn", c.ID()).Str("user", current.ID).Str("presented", v.ID).Msg("re-authentication for another identity")
		d.sendError(c, apperr.Authentication(apperr.CodeIdentityMismatch, "credential belongs to a different identity"), "", "")
		return
	}
	c.setVerified(v)
	d.write(c, protocol.MustServerMessage(protocol.TypeAuthenticated, protocol.AuthenticatedMsg{
		User:      protocol.User{ID: v.ID, Username: v.Username},
		ExpiresAt: v.ExpiresAt,
	}))
}

// checkCredential refuses operations once the connection's token expired.
func (d *Dispatcher) checkCredential(c *Connection) error {
	if c.Verified().Expired(d.now()) {
		return apperr.Authentication(apperr.CodeTokenExpired, "credential has expired, re-authenticate")
	}
	return nil
}

func (d *Dispatcher) sendError(c *Connection, err error, roomID, ref string) {
	e := apperr.As(err)
	if e.Kind == apperr.KindInternal {
		d.log.Error().Err(err).Str("conn", c.ID()).Msg("operation failed")
	}
	msg := e.Message
	if e.Kind == apperr.KindInternal {
		msg = "internal error"
	}
	data, berr := protocol.NewServerMessage(protocol.TypeError, protocol.ErrorMsg{
		Code:    e.Code,
		Message: msg,
		Kind:    string(e.Kind),
		RoomID:  roomID,
		Ref:     ref,
	})
	if berr != nil {
		d.log.Error().Err(berr).Str("conn", c.ID()).Msg("failed to build error message")
		return
	}
	d.write(c, data)
}

func (d *Dispatcher) write(c *Connection, data []byte) {
	if err := c.Send(data); err != nil {
		d.log.Debug().Err(err).Str("conn", c.ID()).Msg("write failed")
	}
}
