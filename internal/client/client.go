// Package client is a WebSocket client for the chat server. It connects with
// gobwas/ws, presents a bearer token on the handshake and exposes server
// events on a channel. chatcli and the end-to-end tests use it.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"

	"github.com/artlounge/chat-app/internal/protocol"
)

// ErrClosed is returned by Next after the connection closed.
var ErrClosed = errors.New("client: connection closed")

// Event is one server event.
type Event struct {
	Type string
	Raw  json.RawMessage
}

// Decode unmarshals the event into v.
func (e Event) Decode(v interface{}) error {
	return json.Unmarshal(e.Raw, v)
}

// AsError returns the event as an ErrorMsg if it is an error event.
func (e Event) AsError() (protocol.ErrorMsg, bool) {
	if e.Type != protocol.TypeError {
		return protocol.ErrorMsg{}, false
	}
	var m protocol.ErrorMsg
	if err := e.Decode(&m); err != nil {
		return protocol.ErrorMsg{}, false
	}
	return m, true
}

// Metrics tracks per-connection counters.
type Metrics struct {
	ConnectLatency   time.Duration
	MessagesReceived int64
	MessagesSent     int64
	Errors           int64
}

// Client is one connection to the chat server.
type Client struct {
	conn   net.Conn
	reader io.Reader

	writeMu sync.Mutex
	events  chan Event
	done    chan struct{}
	once    sync.Once

	connectLatency time.Duration
	received       int64
	sent           int64
	errors         int64
}

// Dial connects to url (ws://host/ws) presenting token as a bearer
// credential. A refused handshake is returned as an error.
func Dial(ctx context.Context, url, token string) (*Client, error) {
	start := time.Now()
	dialer := ws.Dialer{
		Header: ws.HandshakeHeaderHTTP(http.Header{
			"Authorization": []string{"Bearer " + token},
		}),
	}
	conn, br, _, err := dialer.Dial(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("client: dial: %w", err)
	}

	c := &Client{
		conn:           conn,
		reader:         conn,
		events:         make(chan Event, 256),
		done:           make(chan struct{}),
		connectLatency: time.Since(start),
	}
	// Frames sent right after the handshake may already be buffered.
	if br != nil {
		c.reader = br
	}

	go c.readLoop()
	return c, nil
}

// Events returns the stream of server events. It is closed when the
// connection ends.
func (c *Client) Events() <-chan Event {
	return c.events
}

// Next returns the next server event.
func (c *Client) Next(ctx context.Context) (Event, error) {
	select {
	case ev, ok := <-c.events:
		if !ok {
			return Event{}, ErrClosed
		}
		return ev, nil
	case <-ctx.Done():
		return Event{}, ctx.Err()
	}
}

// Expect skips events until one of type msgType arrives and decodes it into
// v (which may be nil).
func (c *Client) Expect(ctx context.Context, msgType string, v interface{}) (Event, error) {
	for {
		ev, err := c.Next(ctx)
		if err != nil {
			return Event{}, fmt.Errorf("client: waiting for %s: %w", msgType, err)
		}
		if ev.Type != msgType {
			continue
		}
		if v != nil {
			if err := ev.Decode(v); err != nil {
				return ev, fmt.Errorf("client: decode %s: %w", msgType, err)
			}
		}
		return ev, nil
	}
}

func (c *Client) send(msgType string, payload interface{}) error {
	data, err := protocol.NewClientMessage(msgType, payload)
	if err != nil {
		return fmt.Errorf("client: encode %s: %w", msgType, err)
	}
	return c.WriteRaw(data)
}

// WriteRaw writes one text frame as is. It is goroutine-safe.
func (c *Client) WriteRaw(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := wsutil.WriteClientMessage(c.conn, ws.OpText, data); err != nil {
		return fmt.Errorf("client: write: %w", err)
	}
	atomic.AddInt64(&c.sent, 1)
	return nil
}

// Authenticate presents a fresh token for the connection's identity.
func (c *Client) Authenticate(token string) error {
	return c.send(protocol.TypeAuthenticate, protocol.Authenticate{Token: token})
}

// Join joins (creating if needed) the room for participantIDs. roomID and
// after are optional.
func (c *Client) Join(roomID string, participantIDs []string, after *int64) error {
	return c.send(protocol.TypeJoin, protocol.Join{RoomID: roomID, ParticipantIDs: participantIDs, After: after})
}

// Leave leaves a room.
func (c *Client) Leave(roomID string) error {
	return c.send(protocol.TypeLeave, protocol.Leave{RoomID: roomID})
}

// Send posts content to roomID and returns the correlation ref the server
// will echo on the delivered message.
func (c *Client) Send(roomID, content string) (string, error) {
	ref := uuid.New().String()
	return ref, c.send(protocol.TypeSend, protocol.Send{RoomID: roomID, Content: content, Ref: ref})
}

// Ping sends an application-level ping.
func (c *Client) Ping() error {
	return c.send(protocol.TypePing, protocol.Ping{})
}

// Close closes the connection. It is safe to call multiple times.
func (c *Client) Close() error {
	var err error
	c.once.Do(func() {
		close(c.done)
		c.writeMu.Lock()
		_ = wsutil.WriteClientMessage(c.conn, ws.OpClose, ws.NewCloseFrameBody(ws.StatusNormalClosure, ""))
		c.writeMu.Unlock()
		err = c.conn.Close()
	})
	return err
}

// Metrics returns a snapshot of the connection counters.
func (c *Client) Metrics() Metrics {
	return Metrics{
		ConnectLatency:   c.connectLatency,
		MessagesReceived: atomic.LoadInt64(&c.received),
		MessagesSent:     atomic.LoadInt64(&c.sent),
		Errors:           atomic.LoadInt64(&c.errors),
	}
}

// readLoop reads frames until the connection ends and publishes them on the
// events channel.
func (c *Client) readLoop() {
	defer close(c.events)
	rw := struct {
		io.Reader
		io.Writer
	}{c.reader, &lockedWriter{c}}

	for {
		data, err := wsutil.ReadServerText(rw)
		if err != nil {
			select {
			case <-c.done:
			default:
				atomic.AddInt64(&c.errors, 1)
			}
			return
		}
		atomic.AddInt64(&c.received, 1)

		typ, err := protocol.PeekType(data)
		if err != nil {
			atomic.AddInt64(&c.errors, 1)
			continue
		}
		select {
		case c.events <- Event{Type: typ, Raw: data}:
		case <-c.done:
			return
		}
	}
}

// lockedWriter serializes control frame replies with application writes.
type lockedWriter struct{ c *Client }

func (w *lockedWriter) Write(p []byte) (int, error) {
	w.c.writeMu.Lock()
	defer w.c.writeMu.Unlock()
	return w.c.conn.Write(p)
}
