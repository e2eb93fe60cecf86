package broadcast

import (
	"context"
	"sync"
)

// Local delivers events synchronously inside the calling goroutine. It is the
// single-process fabric.
type Local struct {
	handler Handler

	mu   sync.RWMutex
	subs map[string]struct{}
}

// NewLocal returns a Local bus delivering to h.
func NewLocal(h Handler) *Local {
	return &Local{handler: h, subs: make(map[string]struct{})}
}

func (l *Local) Publish(ctx context.Context, ev Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.RLock()
	_, ok := l.subs[ev.RoomID]
	l.mu.RUnlock()
	if ok {
		l.handler(ev)
	}
	return nil
}

func (l *Local) Subscribe(roomID string) error {
	l.mu.Lock()
	l.subs[roomID] = struct{}{}
	l.mu.Unlock()
	return nil
}

func (l *Local) Unsubscribe(roomID string) error {
	l.mu.Lock()
	delete(l.subs, roomID)
	l.mu.Unlock()
	return nil
}

func (l *Local) Close() error { return nil }
