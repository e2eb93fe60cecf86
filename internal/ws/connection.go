package ws

import (
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/artlounge/chat-app/internal/auth"
	"github.com/artlounge/chat-app/internal/metrics"
)

// DefaultSendQueueSize is the number of outbound frames buffered per
// connection before it is treated as a slow consumer.
const DefaultSendQueueSize = 256

var (
	ErrConnectionClosed = errors.New("ws: connection closed")
	ErrSlowConsumer     = errors.New("ws: send queue full")
)

// Connection is one authenticated WebSocket client. It satisfies room.Conn.
type Connection struct {
	id        string
	Conn      net.Conn  // underlying TCP connection
	Fd        int       // file descriptor, -1 off linux
	CreatedAt time.Time // when the connection was established

	writeTimeout time.Duration
	writeMu      sync.Mutex // serializes writes to this connection

	// Frames are written by writeLoop so a slow reader never blocks Send.
	out       chan []byte
	closed    chan struct{}
	closeOnce sync.Once
	evictOnce sync.Once
	onEvict   func(*Connection) // set by the server; nil closes directly

	mu       sync.RWMutex
	verified auth.Verified

	lastActive int64 // unix nanos, atomic
	processing int32 // atomic flag: 0 = idle, 1 = being read by handleConn
}

func newConnection(id string, conn net.Conn, v auth.Verified, writeTimeout time.Duration, queueSize int) *Connection {
	if queueSize <= 0 {
		queueSize = DefaultSendQueueSize
	}
	now := time.Now()
	c := &Connection{
		id:           id,
		Conn:         conn,
		Fd:           socketFD(conn),
		CreatedAt:    now,
		writeTimeout: writeTimeout,
		out:          make(chan []byte, queueSize),
		closed:       make(chan struct{}),
		verified:     v,
		lastActive:   now.UnixNano(),
	}
	go c.writeLoop()
	return c
}

// ID returns the connection id.
func (c *Connection) ID() string { return c.id }

// Identity returns the authenticated identity.
func (c *Connection) Identity() auth.Identity {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.verified.Identity
}

// Verified returns the identity together with its credential expiry.
func (c *Connection) Verified() auth.Verified {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.verified
}

// setVerified replaces the credential after in-band re-authentication.
func (c *Connection) setVerified(v auth.Verified) {
	c.mu.Lock()
	c.verified = v
	c.mu.Unlock()
}

// Touch records client activity.
func (c *Connection) Touch() {
	atomic.StoreInt64(&c.lastActive, time.Now().UnixNano())
}

// LastActive returns the time of the last frame read from the client.
func (c *Connection) LastActive() time.Time {
	return time.Unix(0, atomic.LoadInt64(&c.lastActive))
}

// Send queues a WebSocket text frame and returns without waiting for the
// write. Frames leave in Send order. When the queue is full the connection
// is evicted and ErrSlowConsumer returned; the caller's other recipients are
// unaffected.
func (c *Connection) Send(data []byte) error {
	select {
	case <-c.closed:
		return ErrConnectionClosed
	default:
	}
	select {
	case c.out <- data:
		return nil
	case <-c.closed:
		return ErrConnectionClosed
	default:
		metrics.SlowConsumers.Inc()
		c.evict()
		return ErrSlowConsumer
	}
}

func (c *Connection) writeLoop() {
	for {
		select {
		case data := <-c.out:
			if err := c.write(data); err != nil {
				c.evict()
				return
			}
		case <-c.closed:
			return
		}
	}
}

// write sends one text frame. The write mutex keeps control frames from
// interleaving with it.
func (c *Connection) write(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.writeTimeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
		defer c.Conn.SetWriteDeadline(time.Time{})
	}
	return wsutil.WriteServerMessage(c.Conn, ws.OpText, data)
}

// evict hands the connection to the server for removal. It runs on its own
// goroutine because Send may be called with room locks held.
func (c *Connection) evict() {
	c.evictOnce.Do(func() {
		if c.onEvict != nil {
			go c.onEvict(c)
			return
		}
		c.Close()
	})
}

// WritePing sends a protocol-level ping frame (opcode 0x9).
func (c *Connection) WritePing() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return ws.WriteFrame(c.Conn, ws.NewPingFrame(nil))
}

func (c *Connection) writePong(payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return ws.WriteFrame(c.Conn, ws.NewPongFrame(payload))
}

// Close stops the writer and closes the underlying network connection.
// Frames still queued are dropped.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		err = c.Conn.Close()
	})
	return err
}

// ConnectionManager is a thread-safe registry of live connections, indexed
// by connection id and by net.Conn for the readiness loop.
type ConnectionManager struct {
	mu     sync.RWMutex
	byID   map[string]*Connection
	byConn map[net.Conn]*Connection
}

// NewConnectionManager creates an empty ConnectionManager ready for use.
func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{
		byID:   make(map[string]*Connection),
		byConn: make(map[net.Conn]*Connection),
	}
}

// Add registers a new connection.
func (cm *ConnectionManager) Add(conn *Connection) {
	cm.mu.Lock()
	cm.byID[conn.id] = conn
	cm.byConn[conn.Conn] = conn
	cm.mu.Unlock()
}

// Remove removes a connection by id and closes it. Returns true if the
// connection was found and removed, false if it was already gone.
func (cm *ConnectionManager) Remove(id string) bool {
	cm.mu.Lock()
	conn, ok := cm.byID[id]
	if ok {
		delete(cm.byID, id)
		delete(cm.byConn, conn.Conn)
	}
	cm.mu.Unlock()

	if ok {
		conn.Close()
	}
	return ok
}

// Get returns the connection for the given id, or nil if not found.
func (cm *ConnectionManager) Get(id string) *Connection {
	cm.mu.RLock()
	conn := cm.byID[id]
	cm.mu.RUnlock()
	return conn
}

// GetByConn returns the connection wrapping c, or nil if not found.
func (cm *ConnectionManager) GetByConn(c net.Conn) *Connection {
	cm.mu.RLock()
	conn := cm.byConn[c]
	cm.mu.RUnlock()
	return conn
}

// Count returns the current number of active connections.
func (cm *ConnectionManager) Count() int {
	cm.mu.RLock()
	n := len(cm.byID)
	cm.mu.RUnlock()
	return n
}

// All returns a snapshot of all current connections. The returned slice is
// safe to iterate without holding the lock.
func (cm *ConnectionManager) All() []*Connection {
	cm.mu.RLock()
	conns := make([]*Connection, 0, len(cm.byID))
	for _, conn := range cm.byID {
		conns = append(conns, conn)
	}
	cm.mu.RUnlock()
	return conns
}
