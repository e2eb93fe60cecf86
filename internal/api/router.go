// Package api is the synchronous HTTP interface to the chat core: room
// create-or-get, room listing and deletion, history fetch and HTTP-originated
// sends. Requests authenticate with the same credential and verifier as the
// WebSocket handshake.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
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

// Rooms is the room session manager as used by the API.
type Rooms interface {
	Resolve(ctx context.Context, caller auth.Identity, roomID string, participantIDs []string) (room.Resolution, error)
	RoomsFor(ctx context.Context, caller auth.Identity) ([]store.Room, map[string]store.User, error)
	DeleteRoom(ctx context.Context, caller auth.Identity, roomID string) error
}

// Messages is the message relay as used by the API.
type Messages interface {
	Send(ctx context.Context, req relay.Request) (relay.Result, error)
	History(ctx context.Context, caller auth.Identity, roomID string, q store.HistoryQuery) ([]protocol.MessageMsg, error)
}

// Authenticator verifies a request's credential.
type Authenticator interface {
	Authenticate(r *http.Request) (auth.Verified, string, error)
}

// Config holds HTTP limits.
type Config struct {
	RateLimit    int           // requests per window per client IP, 0 disables
	RateWindow   time.Duration //
	CORSOrigins  []string      // empty disables CORS handling
	MaxBodyBytes int64
}

// DefaultConfig returns the default limits.
func DefaultConfig() Config {
	return Config{
		RateLimit:    120,
		RateWindow:   time.Minute,
		MaxBodyBytes: 64 << 10,
	}
}

// Handler serves the chat API.
type Handler struct {
	cfg   Config
	rooms Rooms
	msgs  Messages
	authn Authenticator
	log   zerolog.Logger
}

// NewHandler returns a Handler.
func NewHandler(cfg Config, rooms Rooms, msgs Messages, authn Authenticator) *Handler {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultConfig().MaxBodyBytes
	}
	return &Handler{cfg: cfg, rooms: rooms, msgs: msgs, authn: authn, log: logging.Component("api")}
}

// Router builds the HTTP routes.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	if len(h.cfg.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   h.cfg.CORSOrigins,
			AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Content-Type", "Authorization"},
			AllowCredentials: true,
			MaxAge:           86400,
		}))
	}

	r.Handle("/metrics", metrics.Handler())

	r.Route("/rooms", func(r chi.Router) {
		r.Use(h.rateLimit())
		r.Use(h.authenticate)

		r.Post("/", h.createRoom)
		r.Get("/", h.listRooms)
		r.Delete("/{roomID}", h.deleteRoom)
		r.Get("/{roomID}/messages", h.listMessages)
		r.Post("/{roomID}/messages", h.sendMessage)
	})

	return r
}

func (h *Handler) rateLimit() func(http.Handler) http.Handler {
	if h.cfg.RateLimit <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	return httprate.Limit(
		h.cfg.RateLimit,
		h.cfg.RateWindow,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			respondError(w, apperr.RateLimited("too many requests"))
		}),
	)
}

// authenticate refuses requests without a valid credential and stores the
// verified identity in the request context.
func (h *Handler) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		v, source, err := h.authn.Authenticate(r)
		if err != nil {
			metrics.AuthFailures.WithLabelValues(apperr.CodeOf(err)).Inc()
			h.log.Debug().Str("source", source).Str("code", apperr.CodeOf(err)).Str("path", r.URL.Path).Msg("request refused")
			w.Header().Set("WWW-Authenticate", `Bearer realm="chat"`)
			respondError(w, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.WithIdentity(r.Context(), v)))
	})
}
