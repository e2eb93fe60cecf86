// Package room is the room session manager: it resolves rooms for a
// participant set, subscribes live connections to them, emits join and
// presence events, and writes room events to the local members.
//
// Per connection the lifecycle is Unauthenticated -> Authenticated ->
// (JoinedRoom)*. The ws layer owns the first transition; this package owns
// joins and leaves.
package room

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/artlounge/chat-app/internal/apperr"
	"github.com/artlounge/chat-app/internal/auth"
	"github.com/artlounge/chat-app/internal/broadcast"
	"github.com/artlounge/chat-app/internal/keylock"
	"github.com/artlounge/chat-app/internal/logging"
	"github.com/artlounge/chat-app/internal/metrics"
	"github.com/artlounge/chat-app/internal/presence"
	"github.com/artlounge/chat-app/internal/protocol"
	"github.com/artlounge/chat-app/internal/ratelimit"
	"github.com/artlounge/chat-app/internal/store"
)

var validate = validator.New()

// Conn is a live connection as seen by the manager.
type Conn interface {
	ID() string
	Identity() auth.Identity
	// Send queues one frame. It is called with room locks held, so it must
	// not block on the network, and must be safe for concurrent use.
	Send(frame []byte) error
}

// Limiter throttles joins per identity.
type Limiter interface {
	Allow(ctx context.Context, identifier string, rule ratelimit.Rule) (bool, error)
	RetryAfter(ctx context.Context, identifier string, rule ratelimit.Rule) time.Duration
}

// BlockChecker reports blocked relationships among participants.
type BlockChecker interface {
	AnyBlocked(ctx context.Context, participants []string) (bool, error)
}

// Config holds manager policy.
type Config struct {
	BlockOnCreate bool
	JoinRule      ratelimit.Rule
	HistoryLimit  int
	StoreTimeout  time.Duration
}

// DefaultConfig returns the default policy.
func DefaultConfig() Config {
	return Config{
		JoinRule:     ratelimit.RuleJoin,
		HistoryLimit: 500,
		StoreTimeout: 5 * time.Second,
	}
}

// Manager is the room session manager for one process.
type Manager struct {
	cfg      Config
	store    store.Store
	bus      broadcast.Bus
	presence *presence.Registry
	limiter  Limiter
	blocks   BlockChecker
	locks    *keylock.Striped
	log      zerolog.Logger

	mu    sync.RWMutex
	conns map[string]Conn
}

// NewManager returns a Manager. limiter and blocks may be nil. The bus must
// deliver to the manager's Deliver method.
func NewManager(cfg Config, st store.Store, bus broadcast.Bus, reg *presence.Registry, limiter Limiter, blocks BlockChecker) *Manager {
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = 5 * time.Second
	}
	if reg == nil {
		reg = presence.New()
	}
	return &Manager{
		cfg:      cfg,
		store:    st,
		bus:      bus,
		presence: reg,
		limiter:  limiter,
		blocks:   blocks,
		locks:    keylock.New(0),
		log:      logging.Component("room"),
		conns:    make(map[string]Conn),
	}
}

// Presence returns the presence registry.
func (m *Manager) Presence() *presence.Registry {
	return m.presence
}

// Attach registers an authenticated connection so it can receive room
// events.
func (m *Manager) Attach(c Conn) {
	m.mu.Lock()
	m.conns[c.ID()] = c
	m.mu.Unlock()
}

func (m *Manager) conn(id string) Conn {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.conns[id]
}

// participantsInput is validated before any store access.
type participantsInput struct {
	RoomID         string   `validate:"omitempty,uuid"`
	ParticipantIDs []string `validate:"required,min=2,dive,required,uuid"`
}

func validateParticipants(roomID string, ids []string) ([]string, error) {
	err := validate.Struct(participantsInput{RoomID: roomID, ParticipantIDs: ids})
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		switch {
		case fe.StructField() == "RoomID":
			return nil, apperr.Validation(apperr.CodeInvalidRoom, "room_id is not a valid id")
		case fe.StructField() == "ParticipantIDs":
			return nil, apperr.Validation(apperr.CodeTooFewParticipants, "a room needs at least two participants")
		default:
			return nil, apperr.Validation(apperr.CodeInvalidParticipants, fmt.Sprintf("participant %q is not a valid id", fe.Value()))
		}
	} else if err != nil {
		return nil, apperr.Validation(apperr.CodeInvalidRequest, err.Error())
	}

	canon := store.CanonicalParticipants(ids)
	if len(canon) < 2 {
		return nil, apperr.Validation(apperr.CodeTooFewParticipants, "a room needs at least two distinct participants")
	}
	return canon, nil
}

// Resolution is a room together with its participants' account records.
type Resolution struct {
	Room    store.Room
	Users   map[string]store.User
	Created bool
}

// Resolve validates a participant set and returns its room, creating it if
// absent. The caller must be one of the participants. roomID, when set, is
// used as the id of a newly created room; if the participant set already has
// a room, that room is returned instead.
func (m *Manager) Resolve(ctx context.Context, caller auth.Identity, roomID string, participantIDs []string) (Resolution, error) {
	canon, err := validateParticipants(roomID, participantIDs)
	if err != nil {
		return Resolution{}, err
	}
	if !contains(canon, caller.ID) {
		return Resolution{}, apperr.Authorization(apperr.CodeNotParticipant, "caller must be one of the participants")
	}

	sctx, cancel := context.WithTimeout(ctx, m.cfg.StoreTimeout)
	defer cancel()

	users, err := m.store.LookupUsers(sctx, canon)
	if err != nil {
		return Resolution{}, apperr.Persistence(apperr.CodeStoreUnavailable, "participant lookup failed", err)
	}
	for _, id := range canon {
		if _, ok := users[id]; !ok {
			return Resolution{}, apperr.Validation(apperr.CodeUnknownParticipant, fmt.Sprintf("participant %s does not exist", id))
		}
	}

	if m.cfg.BlockOnCreate && m.blocks != nil {
		blocked, err := m.blocks.AnyBlocked(sctx, canon)
		if err != nil {
			m.log.Warn().Err(err).Msg("block check failed, allowing")
		} else if blocked {
			return Resolution{}, apperr.Authorization(apperr.CodeBlocked, "a participant has blocked another")
		}
	}

	if roomID != "" {
		existing, err := m.store.FindRoom(sctx, roomID)
		switch {
		case err == nil:
			if store.ParticipantKey(existing.Participants) != store.ParticipantKey(canon) {
				return Resolution{}, apperr.Conflict(apperr.CodeRoomConflict, "room_id belongs to a different participant set")
			}
			return Resolution{Room: existing, Users: users}, nil
		case !errors.Is(err, store.ErrNotFound):
			return Resolution{}, apperr.Persistence(apperr.CodeStoreUnavailable, "room lookup failed", err)
		}
	}

	room, created, err := m.store.CreateOrGetRoom(sctx, roomID, canon)
	if err != nil {
		if errors.Is(err, store.ErrRoomConflict) {
			return Resolution{}, apperr.Conflict(apperr.CodeRoomConflict, "room_id belongs to a different participant set")
		}
		return Resolution{}, apperr.Persistence(apperr.CodeStoreUnavailable, "room could not be created", err)
	}
	if created {
		m.log.Info().Str("room", room.ID).Int("participants", len(room.Participants)).Msg("room created")
	}
	return Resolution{Room: room, Users: users, Created: created}, nil
}

// Join resolves the room and subscribes c to it. The join confirmation is
// written to c before any room event can reach it. Messages persisted after
// min(after, room.LastSeq) are then replayed; they may overlap live
// deliveries, which clients drop by message id.
func (m *Manager) Join(ctx context.Context, c Conn, req protocol.Join) (store.Room, error) {
	id := c.Identity()

	if m.limiter != nil {
		if ok, _ := m.limiter.Allow(ctx, id.ID, m.cfg.JoinRule); !ok {
			metrics.JoinsTotal.WithLabelValues(metrics.OutcomeRejected).Inc()
			return store.Room{}, apperr.RateLimitedFor("too many joins", m.limiter.RetryAfter(ctx, id.ID, m.cfg.JoinRule))
		}
	}

	res, err := m.Resolve(ctx, id, req.RoomID, req.ParticipantIDs)
	if err != nil {
		outcome := metrics.OutcomeRejected
		if apperr.KindOf(err) == apperr.KindPersistence {
			outcome = metrics.OutcomeFailed
		}
		metrics.JoinsTotal.WithLabelValues(outcome).Inc()
		return store.Room{}, err
	}
	if res.Created {
		metrics.JoinsTotal.WithLabelValues(metrics.OutcomeCreated).Inc()
	} else {
		metrics.JoinsTotal.WithLabelValues(metrics.OutcomeExisting).Inc()
	}

	room := res.Room
	added, err := m.subscribe(c, room, res.Users)
	if err != nil {
		return store.Room{}, err
	}

	if added {
		m.publishPresence(ctx, c, room.ID, protocol.PresenceJoined)
	}

	from := room.LastSeq
	if req.After != nil && *req.After < from {
		from = *req.After
	}
	if from < 0 {
		from = 0
	}
	m.replay(ctx, c, room, res.Users, from)

	m.log.Debug().Str("conn", c.ID()).Str("user", id.ID).Str("room", room.ID).Msg("joined")
	return room, nil
}

// subscribe registers c in room and writes the confirmation while holding
// the room's delivery lock.
func (m *Manager) subscribe(c Conn, room store.Room, users map[string]store.User) (bool, error) {
	unlock := m.locks.Lock(room.ID)
	defer unlock()

	added, first := m.presence.Add(c.ID(), room.ID)
	if first {
		if err := m.bus.Subscribe(room.ID); err != nil {
			m.presence.Remove(c.ID(), room.ID)
			return false, apperr.Internal(fmt.Errorf("room: subscribe %s: %w", room.ID, err))
		}
	}
	metrics.RoomSubscriptions.Set(float64(m.presence.Len()))

	frame := protocol.MustServerMessage(protocol.TypeJoined, protocol.JoinedMsg{
		RoomID:       room.ID,
		Participants: protocol.Participants(room.Participants, users),
		LastSeq:      room.LastSeq,
	})
	if err := c.Send(frame); err != nil {
		m.log.Warn().Err(err).Str("conn", c.ID()).Msg("write joined failed")
	}
	return added, nil
}

func (m *Manager) replay(ctx context.Context, c Conn, room store.Room, users map[string]store.User, after int64) {
	sctx, cancel := context.WithTimeout(ctx, m.cfg.StoreTimeout)
	defer cancel()

	msgs, err := m.store.ListMessages(sctx, room.ID, store.HistoryQuery{AfterSeq: after, Limit: m.cfg.HistoryLimit})
	if err != nil {
		m.log.Warn().Err(err).Str("room", room.ID).Msg("replay failed")
		return
	}
	for _, msg := range msgs {
		ev := protocol.MessageFrom(msg, protocol.UserFrom(users[msg.SenderID], msg.SenderID), "")
		if err := c.Send(protocol.MustServerMessage(protocol.TypeMessage, ev)); err != nil {
			return
		}
	}
}

// Leave unsubscribes c from roomID. Leaving a room that was not joined is a
// no-op apart from the confirmation.
func (m *Manager) Leave(ctx context.Context, c Conn, roomID string) error {
	if roomID == "" {
		return apperr.Validation(apperr.CodeInvalidRoom, "room_id is required")
	}

	unlock := m.locks.Lock(roomID)
	removed := m.unsubscribeLocked(c.ID(), roomID)
	if err := c.Send(protocol.MustServerMessage(protocol.TypeLeft, protocol.LeftMsg{RoomID: roomID})); err != nil {
		m.log.Warn().Err(err).Str("conn", c.ID()).Msg("write left failed")
	}
	unlock()

	if removed {
		m.publishPresence(ctx, c, roomID, protocol.PresenceLeft)
	}
	return nil
}

// Disconnect leaves every room c joined and forgets c. Rooms and messages are
// untouched.
func (m *Manager) Disconnect(c Conn) {
	m.mu.Lock()
	delete(m.conns, c.ID())
	m.mu.Unlock()

	ctx := context.Background()
	for _, roomID := range m.presence.Rooms(c.ID()) {
		unlock := m.locks.Lock(roomID)
		removed := m.unsubscribeLocked(c.ID(), roomID)
		unlock()
		if removed {
			m.publishPresence(ctx, c, roomID, protocol.PresenceLeft)
		}
	}
}

func (m *Manager) unsubscribeLocked(connID, roomID string) bool {
	removed, last := m.presence.Remove(connID, roomID)
	if last {
		if err := m.bus.Unsubscribe(roomID); err != nil {
			m.log.Warn().Err(err).Str("room", roomID).Msg("bus unsubscribe failed")
		}
	}
	metrics.RoomSubscriptions.Set(float64(m.presence.Len()))
	return removed
}

func (m *Manager) publishPresence(ctx context.Context, c Conn, roomID, state string) {
	id := c.Identity()
	frame := protocol.MustServerMessage(protocol.TypePresence, protocol.PresenceMsg{
		RoomID: roomID,
		User:   protocol.User{ID: id.ID, Username: id.Username},
		State:  state,
	})
	ev := broadcast.Event{RoomID: roomID, Kind: broadcast.KindPresence, Frame: frame, Exclude: c.ID()}
	if err := m.bus.Publish(ctx, ev); err != nil {
		metrics.BroadcastErrors.Inc()
		m.log.Warn().Err(err).Str("room", roomID).Msg("presence publish failed")
	}
}

// DeleteRoom deletes a room and its messages on behalf of a participant and
// closes it for every live subscriber.
func (m *Manager) DeleteRoom(ctx context.Context, caller auth.Identity, roomID string) error {
	if err := validate.Var(roomID, "required,uuid"); err != nil {
		return apperr.Validation(apperr.CodeInvalidRoom, "room_id is not a valid id")
	}

	sctx, cancel := context.WithTimeout(ctx, m.cfg.StoreTimeout)
	defer cancel()

	room, err := m.store.FindRoom(sctx, roomID)
	if err != nil {
		return mapStoreErr(err, "room lookup failed")
	}
	if !room.HasParticipant(caller.ID) {
		return apperr.Authorization(apperr.CodeNotParticipant, "only a participant may delete this room")
	}
	if err := m.store.DeleteRoom(sctx, roomID); err != nil {
		return mapStoreErr(err, "room could not be deleted")
	}
	m.log.Info().Str("room", roomID).Str("user", caller.ID).Msg("room deleted")

	frame := protocol.MustServerMessage(protocol.TypeRoomClosed, protocol.RoomClosedMsg{RoomID: roomID})
	if err := m.bus.Publish(context.WithoutCancel(ctx), broadcast.Event{RoomID: roomID, Kind: broadcast.KindRoomClosed, Frame: frame}); err != nil {
		metrics.BroadcastErrors.Inc()
		m.log.Warn().Err(err).Str("room", roomID).Msg("room_closed publish failed")
	}
	return nil
}

// RoomsFor lists the caller's rooms, most recently active first, with the
// participants' account records.
func (m *Manager) RoomsFor(ctx context.Context, caller auth.Identity) ([]store.Room, map[string]store.User, error) {
	sctx, cancel := context.WithTimeout(ctx, m.cfg.StoreTimeout)
	defer cancel()

	rooms, err := m.store.ListRoomsFor(sctx, caller.ID)
	if err != nil {
		return nil, nil, apperr.Persistence(apperr.CodeStoreUnavailable, "rooms unavailable", err)
	}
	var ids []string
	for _, r := range rooms {
		ids = append(ids, r.Participants...)
	}
	users, err := m.store.LookupUsers(sctx, store.CanonicalParticipants(ids))
	if err != nil {
		m.log.Warn().Err(err).Msg("username lookup failed")
		users = map[string]store.User{}
	}
	return rooms, users, nil
}

// Deliver queues ev for this process's members of ev.RoomID. It is the bus
// handler. Holding the room lock keeps per-room order; a member whose queue
// is full is evicted rather than stalling the room.
func (m *Manager) Deliver(ev broadcast.Event) {
	unlock := m.locks.Lock(ev.RoomID)
	defer unlock()

	for _, connID := range m.presence.Members(ev.RoomID) {
		if connID == ev.Exclude {
			continue
		}
		c := m.conn(connID)
		if c == nil {
			continue
		}
		if err := c.Send(ev.Frame); err != nil {
			m.log.Debug().Err(err).Str("conn", connID).Str("room", ev.RoomID).Msg("deliver failed")
		}
	}

	if ev.Kind == broadcast.KindRoomClosed {
		m.presence.RemoveRoom(ev.RoomID)
		if err := m.bus.Unsubscribe(ev.RoomID); err != nil {
			m.log.Warn().Err(err).Str("room", ev.RoomID).Msg("bus unsubscribe failed")
		}
		metrics.RoomSubscriptions.Set(float64(m.presence.Len()))
	}
}

func mapStoreErr(err error, msg string) error {
	if errors.Is(err, store.ErrNotFound) {
		return apperr.NotFound(apperr.CodeRoomNotFound, "room does not exist")
	}
	return apperr.Persistence(apperr.CodeStoreUnavailable, msg, err)
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
