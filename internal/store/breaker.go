package store

import (
	"context"
	"errors"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/artlounge/chat-app/internal/logging"
	"github.com/artlounge/chat-app/internal/metrics"
)

// BreakerSettings configures WithBreaker.
type BreakerSettings struct {
	Name string
	// MaxRequests allowed through while half-open.
	MaxRequests uint32
	// Interval after which closed-state counts reset.
	Interval time.Duration
	// Timeout spent open before probing again.
	Timeout time.Duration
	// ConsecutiveFailures that trip the circuit.
	ConsecutiveFailures uint32
}

// DefaultBreakerSettings returns settings suited to a primary database.
func DefaultBreakerSettings() BreakerSettings {
	return BreakerSettings{
		Name:                "store",
		MaxRequests:         3,
		Interval:            time.Minute,
		Timeout:             15 * time.Second,
		ConsecutiveFailures: 5,
	}
}

// Breaker wraps a Store with a circuit breaker so a failing database makes
// calls fail fast instead of piling up behind timeouts. Domain outcomes
// (ErrNotFound, ErrRoomConflict, caller cancellation) do not count as
// failures.
type Breaker struct {
	next Store
	cb   *gobreaker.CircuitBreaker[any]
}

// WithBreaker returns next guarded by a circuit breaker.
func WithBreaker(next Store, s BreakerSettings) *Breaker {
	metrics.BreakerState.Set(0)
	cb := gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        s.Name,
		MaxRequests: s.MaxRequests,
		Interval:    s.Interval,
		Timeout:     s.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= s.ConsecutiveFailures
		},
		IsSuccessful: func(err error) bool {
			return err == nil ||
				errors.Is(err, ErrNotFound) ||
				errors.Is(err, ErrRoomConflict) ||
				errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Warn().Str("component", "store").Str("breaker", name).
				Str("from", from.String()).Str("to", to.String()).
				Msg("circuit breaker state change")
			metrics.BreakerState.Set(stateToFloat(to))
		},
	})
	return &Breaker{next: next, cb: cb}
}

// State returns the current breaker state.
func (b *Breaker) State() gobreaker.State {
	return b.cb.State()
}

// Unwrap returns the guarded Store.
func (b *Breaker) Unwrap() Store {
	return b.next
}

// guarded runs fn through the breaker and records its latency under op.
func guarded[T any](b *Breaker, op string, fn func() (T, error)) (T, error) {
	start := time.Now()
	res, err := b.cb.Execute(func() (any, error) {
		return fn()
	})
	metrics.StoreLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
	if res == nil {
		var zero T
		return zero, err
	}
	return res.(T), err
}

type roomResult struct {
	room    Room
	created bool
}

func (b *Breaker) CreateOrGetRoom(ctx context.Context, roomID string, participants []string) (Room, bool, error) {
	res, err := guarded(b, "create_room", func() (roomResult, error) {
		r, created, err := b.next.CreateOrGetRoom(ctx, roomID, participants)
		return roomResult{r, created}, err
	})
	return res.room, res.created, err
}

func (b *Breaker) FindRoom(ctx context.Context, roomID string) (Room, error) {
	return guarded(b, "find_room", func() (Room, error) {
		return b.next.FindRoom(ctx, roomID)
	})
}

func (b *Breaker) FindRoomByParticipants(ctx context.Context, participants []string) (Room, error) {
	return guarded(b, "find_room_by_participants", func() (Room, error) {
		return b.next.FindRoomByParticipants(ctx, participants)
	})
}

func (b *Breaker) ListRoomsFor(ctx context.Context, userID string) ([]Room, error) {
	return guarded(b, "list_rooms", func() ([]Room, error) {
		return b.next.ListRoomsFor(ctx, userID)
	})
}

func (b *Breaker) DeleteRoom(ctx context.Context, roomID string) error {
	_, err := guarded(b, "delete_room", func() (struct{}, error) {
		return struct{}{}, b.next.DeleteRoom(ctx, roomID)
	})
	return err
}

func (b *Breaker) AppendMessage(ctx context.Context, msg NewMessage) (Message, error) {
	return guarded(b, "append_message", func() (Message, error) {
		return b.next.AppendMessage(ctx, msg)
	})
}

func (b *Breaker) ListMessages(ctx context.Context, roomID string, q HistoryQuery) ([]Message, error) {
	return guarded(b, "list_messages", func() ([]Message, error) {
		return b.next.ListMessages(ctx, roomID, q)
	})
}

func (b *Breaker) LookupUsers(ctx context.Context, ids []string) (map[string]User, error) {
	return guarded(b, "lookup_users", func() (map[string]User, error) {
		return b.next.LookupUsers(ctx, ids)
	})
}

func (b *Breaker) Close() error {
	return b.next.Close()
}

func stateToFloat(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return -1
	}
}
