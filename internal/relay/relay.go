// Package relay validates, persists and fans out chat messages. A message is
// broadcast only after the store has accepted it, and per room on this
// process broadcasts leave in the order their persistence completed.
package relay

import (
	"context"
	"errors"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/artlounge/chat-app/internal/apperr"
	"github.com/artlounge/chat-app/internal/auth"
	"github.com/artlounge/chat-app/internal/broadcast"
	"github.com/artlounge/chat-app/internal/keylock"
	"github.com/artlounge/chat-app/internal/logging"
	"github.com/artlounge/chat-app/internal/metrics"
	"github.com/artlounge/chat-app/internal/protocol"
	"github.com/artlounge/chat-app/internal/ratelimit"
	"github.com/artlounge/chat-app/internal/store"
)

var validate = validator.New()

// Limiter throttles sends per identity.
type Limiter interface {
	Allow(ctx context.Context, identifier string, rule ratelimit.Rule) (bool, error)
	RetryAfter(ctx context.Context, identifier string, rule ratelimit.Rule) time.Duration
}

// BlockChecker reports blocked relationships among participants.
type BlockChecker interface {
	AnyBlocked(ctx context.Context, participants []string) (bool, error)
}

// Config holds relay limits and policy.
type Config struct {
	MaxContentBytes int
	MaxContentChars int
	BlockOnSend     bool
	SendRule        ratelimit.Rule
	StoreTimeout    time.Duration
	HistoryLimit    int
}

// DefaultConfig returns the default limits.
func DefaultConfig() Config {
	return Config{
		MaxContentBytes: DefaultMaxContentBytes,
		MaxContentChars: DefaultMaxContentChars,
		SendRule:        ratelimit.RuleSend,
		StoreTimeout:    5 * time.Second,
		HistoryLimit:    500,
	}
}

// Request is one send. Sender is always the authenticated identity.
type Request struct {
	RoomID  string
	Sender  auth.Identity
	Content string
	Ref     string
}

// Result is a persisted message and its delivered event. BroadcastErr is set
// when the message was stored but could not be handed to the fabric; the
// caller should then deliver Frame to the sender directly.
type Result struct {
	Message      store.Message
	Event        protocol.MessageMsg
	Frame        []byte
	BroadcastErr error
}

// Relay is the message relay.
type Relay struct {
	cfg     Config
	store   store.Store
	bus     broadcast.Bus
	limiter Limiter
	blocks  BlockChecker
	locks   *keylock.Striped
	log     zerolog.Logger
}

// New returns a Relay. limiter and blocks may be nil.
func New(cfg Config, st store.Store, bus broadcast.Bus, limiter Limiter, blocks BlockChecker) *Relay {
	if cfg.MaxContentBytes <= 0 {
		cfg.MaxContentBytes = DefaultMaxContentBytes
	}
	if cfg.MaxContentChars <= 0 {
		cfg.MaxContentChars = DefaultMaxContentChars
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = 5 * time.Second
	}
	return &Relay{
		cfg:     cfg,
		store:   st,
		bus:     bus,
		limiter: limiter,
		blocks:  blocks,
		locks:   keylock.New(0),
		log:     logging.Component("relay"),
	}
}

// Send validates, persists and broadcasts one message. Any error means
// nothing was broadcast.
func (r *Relay) Send(ctx context.Context, req Request) (Result, error) {
	start := time.Now()
	res, err := r.send(ctx, req)
	switch {
	case err == nil:
		metrics.MessagesTotal.WithLabelValues(metrics.OutcomeDelivered).Inc()
		metrics.SendLatency.Observe(time.Since(start).Seconds())
	case apperr.KindOf(err) == apperr.KindPersistence || apperr.KindOf(err) == apperr.KindInternal:
		metrics.MessagesTotal.WithLabelValues(metrics.OutcomeFailed).Inc()
		r.log.Error().Err(err).Str("room", req.RoomID).Str("user", req.Sender.ID).Msg("send failed")
	default:
		metrics.MessagesTotal.WithLabelValues(metrics.OutcomeRejected).Inc()
		r.log.Debug().Str("code", apperr.CodeOf(err)).Str("room", req.RoomID).Str("user", req.Sender.ID).Msg("send rejected")
	}
	return res, err
}

func (r *Relay) send(ctx context.Context, req Request) (Result, error) {
	if req.Sender.ID == "" {
		return Result{}, apperr.Authentication(apperr.CodeMissingCredential, "sender is not authenticated")
	}
	if err := validateRoomID(req.RoomID); err != nil {
		return Result{}, err
	}
	if err := ValidateContent(req.Content, r.cfg.MaxContentBytes, r.cfg.MaxContentChars); err != nil {
		return Result{}, err
	}

	room, err := r.findRoom(ctx, req.RoomID)
	if err != nil {
		return Result{}, err
	}
	if !room.HasParticipant(req.Sender.ID) {
		return Result{}, apperr.Authorization(apperr.CodeNotParticipant, "sender is not a participant of this room")
	}
	if r.cfg.BlockOnSend && r.blocks != nil {
		blocked, err := r.blocks.AnyBlocked(ctx, room.Participants)
		if err != nil {
			r.log.Warn().Err(err).Str("room", room.ID).Msg("block check failed, allowing")
		} else if blocked {
			return Result{}, apperr.Authorization(apperr.CodeBlocked, "a participant of this room has blocked another")
		}
	}
	if r.limiter != nil {
		if ok, _ := r.limiter.Allow(ctx, req.Sender.ID, r.cfg.SendRule); !ok {
			return Result{}, apperr.RateLimitedFor("too many messages", r.limiter.RetryAfter(ctx, req.Sender.ID, r.cfg.SendRule))
		}
	}

	// Persist and publish under the room's lock so broadcasts leave in
	// persistence order.
	unlock := r.locks.Lock(room.ID)
	defer unlock()

	sctx, cancel := context.WithTimeout(ctx, r.cfg.StoreTimeout)
	msg, err := r.store.AppendMessage(sctx, store.NewMessage{
		RoomID:   room.ID,
		SenderID: req.Sender.ID,
		Content:  req.Content,
	})
	cancel()
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Result{}, apperr.NotFound(apperr.CodeRoomNotFound, "room does not exist")
		}
		return Result{}, apperr.Persistence(apperr.CodeDeliveryFailed, "message could not be saved", err)
	}

	ev := protocol.MessageFrom(msg, protocol.User{ID: req.Sender.ID, Username: req.Sender.Username}, req.Ref)
	frame, err := protocol.NewServerMessage(protocol.TypeMessage, ev)
	if err != nil {
		return Result{}, apperr.Internal(err)
	}

	// The message is committed; a caller going away must not stop fan-out.
	res := Result{Message: msg, Event: ev, Frame: frame}
	if err := r.bus.Publish(context.WithoutCancel(ctx), broadcast.Event{RoomID: room.ID, Kind: broadcast.KindMessage, Frame: frame}); err != nil {
		metrics.BroadcastErrors.Inc()
		r.log.Error().Err(err).Str("room", room.ID).Str("message_id", msg.ID).Msg("broadcast failed after persist")
		res.BroadcastErr = err
	}
	return res, nil
}

// History returns a room's messages, oldest first, for a participant.
func (r *Relay) History(ctx context.Context, caller auth.Identity, roomID string, q store.HistoryQuery) ([]protocol.MessageMsg, error) {
	if err := validateRoomID(roomID); err != nil {
		return nil, err
	}
	room, err := r.findRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if !room.HasParticipant(caller.ID) {
		return nil, apperr.Authorization(apperr.CodeNotParticipant, "caller is not a participant of this room")
	}
	if q.Limit <= 0 || (r.cfg.HistoryLimit > 0 && q.Limit > r.cfg.HistoryLimit) {
		q.Limit = r.cfg.HistoryLimit
	}

	sctx, cancel := context.WithTimeout(ctx, r.cfg.StoreTimeout)
	defer cancel()

	msgs, err := r.store.ListMessages(sctx, room.ID, q)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, apperr.NotFound(apperr.CodeRoomNotFound, "room does not exist")
		}
		return nil, apperr.Persistence(apperr.CodeStoreUnavailable, "history unavailable", err)
	}
	users, err := r.store.LookupUsers(sctx, room.Participants)
	if err != nil {
		// Usernames are display-only; history is still correct without them.
		r.log.Warn().Err(err).Str("room", room.ID).Msg("username lookup failed")
		users = nil
	}

	out := make([]protocol.MessageMsg, 0, len(msgs))
	for _, m := range msgs {
		sender := protocol.UserFrom(users[m.SenderID], m.SenderID)
		if m.SenderID == caller.ID && sender.Username == "" {
			sender.Username = caller.Username
		}
		out = append(out, protocol.MessageFrom(m, sender, ""))
	}
	return out, nil
}

func (r *Relay) findRoom(ctx context.Context, roomID string) (store.Room, error) {
	sctx, cancel := context.WithTimeout(ctx, r.cfg.StoreTimeout)
	defer cancel()
	room, err := r.store.FindRoom(sctx, roomID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return store.Room{}, apperr.NotFound(apperr.CodeRoomNotFound, "room does not exist")
		}
		return store.Room{}, apperr.Persistence(apperr.CodeStoreUnavailable, "room lookup failed", err)
	}
	return room, nil
}

func validateRoomID(roomID string) error {
	if roomID == "" {
		return apperr.Validation(apperr.CodeInvalidRoom, "room_id is required")
	}
	if err := validate.Var(roomID, "uuid"); err != nil {
		return apperr.Validation(apperr.CodeInvalidRoom, "room_id is not a valid id")
	}
	return nil
}
