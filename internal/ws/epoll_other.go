//go:build !linux

package ws

import (
	"net"
	"sync"
	"time"
)

// Epoll is the non-linux fallback. It cannot observe readiness without
// consuming bytes, so every registered connection is reported ready once and
// re-reported after the server has finished reading it (Resume). The read
// deadline on the server side turns an idle report into a short no-op.
type Epoll struct {
	mu     sync.Mutex
	conns  map[net.Conn]chan struct{}
	ready  chan net.Conn
	done   chan struct{}
	closed bool
}

// NewEpoll creates a fallback instance.
func NewEpoll() (*Epoll, error) {
	return &Epoll{
		conns: make(map[net.Conn]chan struct{}),
		ready: make(chan net.Conn, 128),
		done:  make(chan struct{}),
	}, nil
}

// Add registers conn and reports it ready.
func (e *Epoll) Add(conn net.Conn) error {
	resume := make(chan struct{}, 1)
	e.mu.Lock()
	e.conns[conn] = resume
	e.mu.Unlock()

	go e.monitor(conn, resume)
	return nil
}

func (e *Epoll) monitor(conn net.Conn, resume chan struct{}) {
	for {
		select {
		case e.ready <- conn:
		case <-e.done:
			return
		}
		select {
		case _, ok := <-resume:
			if !ok {
				return
			}
		case <-e.done:
			return
		}
	}
}

// Resume re-arms conn after a read.
func (e *Epoll) Resume(conn net.Conn) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if resume := e.conns[conn]; resume != nil {
		select {
		case resume <- struct{}{}:
		default:
		}
	}
}

// Remove unregisters conn.
func (e *Epoll) Remove(conn net.Conn) error {
	e.mu.Lock()
	if resume, ok := e.conns[conn]; ok {
		delete(e.conns, conn)
		close(resume)
	}
	e.mu.Unlock()
	return nil
}

// Wait returns the connections reported ready, waiting at most 200ms.
func (e *Epoll) Wait() ([]net.Conn, error) {
	var conns []net.Conn
	select {
	case c := <-e.ready:
		conns = append(conns, c)
	case <-e.done:
		return nil, net.ErrClosed
	case <-time.After(200 * time.Millisecond):
		return nil, nil
	}
	for {
		select {
		case c := <-e.ready:
			conns = append(conns, c)
		default:
			return conns, nil
		}
	}
}

// Close stops all monitors.
func (e *Epoll) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.closed {
		e.closed = true
		close(e.done)
	}
	return nil
}

func socketFD(net.Conn) int { return -1 }
