package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/artlounge/chat-app/internal/apperr"
	"github.com/artlounge/chat-app/internal/auth"
	"github.com/artlounge/chat-app/internal/protocol"
	"github.com/artlounge/chat-app/internal/relay"
	"github.com/artlounge/chat-app/internal/store"
)

var validate = validator.New()

// RoomResponse is a room with participants resolved to public users.
type RoomResponse struct {
	ID           string          `json:"id"`
	Participants []protocol.User `json:"participants"`
	LastSeq      int64           `json:"last_seq"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

func roomResponse(r store.Room, users map[string]store.User) RoomResponse {
	return RoomResponse{
		ID:           r.ID,
		Participants: protocol.Participants(r.Participants, users),
		LastSeq:      r.LastSeq,
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
	}
}

// MessagesResponse is a room's history, oldest first.
type MessagesResponse struct {
	RoomID   string                `json:"room_id"`
	Messages []protocol.MessageMsg `json:"messages"`
}

// SendResponse is the persisted message and the room's updated history.
type SendResponse struct {
	Message  protocol.MessageMsg   `json:"message"`
	Messages []protocol.MessageMsg `json:"messages"`
}

type createRoomRequest struct {
	RoomID         string   `json:"room_id"`
	ParticipantIDs []string `json:"participant_ids"`
}

type sendMessageRequest struct {
	Content string `json:"content"`
	Ref     string `json:"ref" validate:"omitempty,max=128"`
	// SenderID is ignored: the sender is the authenticated caller.
	SenderID string `json:"sender_id"`
}

type historyParams struct {
	After int64 `validate:"gte=0"`
	Limit int   `validate:"gte=0,lte=1000"`
}

func caller(r *http.Request) auth.Identity {
	v, _ := auth.FromContext(r.Context())
	return v.Identity
}

// createRoom handles POST /rooms with create-or-get semantics: 201 when the
// room was created, 200 when it already existed.
func (h *Handler) createRoom(w http.ResponseWriter, r *http.Request) {
	var req createRoomRequest
	if err := decodeBody(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		respondError(w, err)
		return
	}

	res, err := h.rooms.Resolve(r.Context(), caller(r), req.RoomID, req.ParticipantIDs)
	if err != nil {
		respondError(w, err)
		return
	}
	status := http.StatusOK
	if res.Created {
		status = http.StatusCreated
	}
	respondJSON(w, status, roomResponse(res.Room, res.Users))
}

// listRooms handles GET /rooms.
func (h *Handler) listRooms(w http.ResponseWriter, r *http.Request) {
	rooms, users, err := h.rooms.RoomsFor(r.Context(), caller(r))
	if err != nil {
		respondError(w, err)
		return
	}
	out := make([]RoomResponse, 0, len(rooms))
	for _, rm := range rooms {
		out = append(out, roomResponse(rm, users))
	}
	respondJSON(w, http.StatusOK, out)
}

// deleteRoom handles DELETE /rooms/{roomID}.
func (h *Handler) deleteRoom(w http.ResponseWriter, r *http.Request) {
	if err := h.rooms.DeleteRoom(r.Context(), caller(r), chi.URLParam(r, "roomID")); err != nil {
		respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// listMessages handles GET /rooms/{roomID}/messages?after=&limit=.
func (h *Handler) listMessages(w http.ResponseWriter, r *http.Request) {
	q, err := parseHistory(r)
	if err != nil {
		respondError(w, err)
		return
	}
	roomID := chi.URLParam(r, "roomID")
	msgs, err := h.msgs.History(r.Context(), caller(r), roomID, q)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, MessagesResponse{RoomID: roomID, Messages: msgs})
}

// sendMessage handles POST /rooms/{roomID}/messages. The message is
// broadcast to live subscribers exactly as a WebSocket send would be.
func (h *Handler) sendMessage(w http.ResponseWriter, r *http.Request) {
	var req sendMessageRequest
	if err := decodeBody(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		respondError(w, err)
		return
	}
	if err := validate.Struct(req); err != nil {
		respondError(w, apperr.Validation(apperr.CodeInvalidRequest, "ref is too long"))
		return
	}

	id := caller(r)
	roomID := chi.URLParam(r, "roomID")
	res, err := h.msgs.Send(r.Context(), relay.Request{RoomID: roomID, Sender: id, Content: req.Content, Ref: req.Ref})
	if err != nil {
		respondError(w, err)
		return
	}

	msgs, err := h.msgs.History(r.Context(), id, roomID, store.HistoryQuery{})
	if err != nil {
		// The message is stored; report it even if the refreshed list failed.
		h.log.Warn().Err(err).Str("room", roomID).Msg("history after send failed")
		msgs = nil
	}
	respondJSON(w, http.StatusCreated, SendResponse{Message: res.Event, Messages: msgs})
}

func parseHistory(r *http.Request) (store.HistoryQuery, error) {
	var p historyParams
	query := r.URL.Query()
	if v := query.Get("after"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return store.HistoryQuery{}, apperr.Validation(apperr.CodeInvalidRequest, "after must be an integer")
		}
		p.After = n
	}
	if v := query.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return store.HistoryQuery{}, apperr.Validation(apperr.CodeInvalidRequest, "limit must be an integer")
		}
		p.Limit = n
	}
	if err := validate.Struct(p); err != nil {
		return store.HistoryQuery{}, apperr.Validation(apperr.CodeInvalidRequest, "after must be >= 0 and limit between 0 and 1000")
	}
	return store.HistoryQuery{AfterSeq: p.After, Limit: p.Limit}, nil
}
