package api

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/artlounge/chat-app/internal/apperr"
	"github.com/artlounge/chat-app/internal/auth"
	"github.com/artlounge/chat-app/internal/broadcast"
	"github.com/artlounge/chat-app/internal/protocol"
	"github.com/artlounge/chat-app/internal/relay"
	"github.com/artlounge/chat-app/internal/room"
	"github.com/artlounge/chat-app/internal/store"
)

const testSecret = "this_is_a_very_long_secret_key_with_32_plus_characters"

var (
	alice = auth.Identity{ID: "11111111-1111-4111-8111-111111111111", Username: "alice"}
	bob   = auth.Identity{ID: "22222222-2222-4222-8222-222222222222", Username: "bob"}
	carol = auth.Identity{ID: "33333333-3333-4333-8333-333333333333", Username: "carol"}
)

// failingAppend breaks AppendMessage while fail is set.
type failingAppend struct {
	store.Store
	mu   sync.Mutex
	fail bool
}

func (f *failingAppend) setFail(v bool) {
	f.mu.Lock()
	f.fail = v
	f.mu.Unlock()
}

func (f *failingAppend) AppendMessage(ctx context.Context, m store.NewMessage) (store.Message, error) {
	f.mu.Lock()
	fail := f.fail
	f.mu.Unlock()
	if fail {
		return store.Message{}, errors.New("disk on fire")
	}
	return f.Store.AppendMessage(ctx, m)
}

// liveConn records frames delivered to a WebSocket subscriber.
type liveConn struct {
	id   string
	user auth.Identity

	mu     sync.Mutex
	frames [][]byte
}

func (c *liveConn) ID() string              { return c.id }
func (c *liveConn) Identity() auth.Identity { return c.user }
func (c *liveConn) Send(b []byte) error {
	c.mu.Lock()
	c.frames = append(c.frames, b)
	c.mu.Unlock()
	return nil
}

func (c *liveConn) messages(t *testing.T) []protocol.MessageMsg {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []protocol.MessageMsg
	for _, f := range c.frames {
		if typ, _ := protocol.PeekType(f); typ == protocol.TypeMessage {
			var m protocol.MessageMsg
			if err := json.Unmarshal(f, &m); err != nil {
				t.Fatal(err)
			}
			out = append(out, m)
		}
	}
	return out
}

type env struct {
	t      *testing.T
	srv    *httptest.Server
	st     *failingAppend
	mgr    *room.Manager
	tokens *auth.TokenManager
}

func newEnv(t *testing.T, cfg Config) *env {
	t.Helper()
	mem := store.NewMemory()
	for _, u := range []auth.Identity{alice, bob, carol} {
		mem.PutUser(store.User{ID: u.ID, Username: u.Username})
	}
	st := &failingAppend{Store: mem}

	var mgr *room.Manager
	bus := broadcast.NewLocal(func(ev broadcast.Event) { mgr.Deliver(ev) })
	mgr = room.NewManager(room.DefaultConfig(), st, bus, nil, nil, nil)
	rl := relay.New(relay.DefaultConfig(), st, bus, nil, nil)

	tokens, err := auth.NewTokenManager(testSecret, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	authn := auth.NewAuthenticator(tokens, "token", "token")

	srv := httptest.NewServer(NewHandler(cfg, mgr, rl, authn).Router())
	t.Cleanup(srv.Close)
	return &env{t: t, srv: srv, st: st, mgr: mgr, tokens: tokens}
}

func (e *env) do(user *auth.Identity, method, path string, body interface{}, out interface{}) int {
	e.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			e.t.Fatal(err)
		}
	}
	req, err := http.NewRequest(method, e.srv.URL+path, &buf)
	if err != nil {
		e.t.Fatal(err)
	}
	if user != nil {
		tok, _, err := e.tokens.Issue(*user)
		if err != nil {
			e.t.Fatal(err)
		}
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		e.t.Fatal(err)
	}
	defer resp.Body.Close()
	if out != nil && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			e.t.Fatalf("%s %s: decode: %v", method, path, err)
		}
	}
	return resp.StatusCode
}

func (e *env) createRoom(user auth.Identity, ids ...string) RoomResponse {
	e.t.Helper()
	var r RoomResponse
	status := e.do(&user, http.MethodPost, "/rooms", createRoomRequest{ParticipantIDs: ids}, &r)
	if status != http.StatusCreated && status != http.StatusOK {
		e.t.Fatalf("create room: status %d", status)
	}
	return r
}

func TestAuthRequired(t *testing.T) {
	e := newEnv(t, DefaultConfig())

	var body errorBody
	if status := e.do(nil, http.MethodGet, "/rooms", nil, &body); status != http.StatusUnauthorized {
		t.Errorf("no token: status %d", status)
	}
	if body.Code != apperr.CodeMissingCredential || body.Kind != string(apperr.KindAuthentication) {
		t.Errorf("body = %+v", body)
	}

	req, _ := http.NewRequest(http.MethodGet, e.srv.URL+"/rooms", nil)
	req.Header.Set("Authorization", "Bearer garbage")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("bad token: status %d", resp.StatusCode)
	}
}

func TestCreateRoom_CreateOrGet(t *testing.T) {
	e := newEnv(t, DefaultConfig())

	var first RoomResponse
	if status := e.do(&alice, http.MethodPost, "/rooms", createRoomRequest{ParticipantIDs: []string{alice.ID, bob.ID}}, &first); status != http.StatusCreated {
		t.Fatalf("first: status %d", status)
	}
	var second RoomResponse
	if status := e.do(&bob, http.MethodPost, "/rooms", createRoomRequest{ParticipantIDs: []string{bob.ID, alice.ID}}, &second); status != http.StatusOK {
		t.Fatalf("second: status %d", status)
	}
	if first.ID != second.ID {
		t.Errorf("different rooms: %s vs %s", first.ID, second.ID)
	}
	if len(first.Participants) != 2 || first.Participants[0].Username == "" {
		t.Errorf("participants = %+v", first.Participants)
	}
}

func TestCreateRoom_Rejections(t *testing.T) {
	e := newEnv(t, DefaultConfig())

	tests := []struct {
		name   string
		ids    []string
		status int
		code   string
	}{
		{"one participant", []string{alice.ID}, http.StatusBadRequest, apperr.CodeTooFewParticipants},
		{"duplicates only", []string{alice.ID, alice.ID}, http.StatusBadRequest, apperr.CodeTooFewParticipants},
		{"malformed", []string{alice.ID, "not-an-id"}, http.StatusBadRequest, apperr.CodeInvalidParticipants},
		{"unknown", []string{alice.ID, "44444444-4444-4444-8444-444444444444"}, http.StatusBadRequest, apperr.CodeUnknownParticipant},
		{"caller missing", []string{bob.ID, carol.ID}, http.StatusForbidden, apperr.CodeNotParticipant},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var body errorBody
			status := e.do(&alice, http.MethodPost, "/rooms", createRoomRequest{ParticipantIDs: tt.ids}, &body)
			if status != tt.status || body.Code != tt.code {
				t.Errorf("got %d %s, want %d %s", status, body.Code, tt.status, tt.code)
			}
		})
	}

	var rooms []RoomResponse
	e.do(&alice, http.MethodGet, "/rooms", nil, &rooms)
	if len(rooms) != 0 {
		t.Errorf("rejected creates left %d rooms", len(rooms))
	}
}

func TestSendMessage_PersistsAndBroadcasts(t *testing.T) {
	e := newEnv(t, DefaultConfig())
	r := e.createRoom(alice, alice.ID, bob.ID)

	live := &liveConn{id: "cb", user: bob}
	e.mgr.Attach(live)
	if _, err := e.mgr.Join(context.Background(), live, protocol.Join{RoomID: r.ID, ParticipantIDs: []string{alice.ID, bob.ID}}); err != nil {
		t.Fatal(err)
	}

	var sent SendResponse
	status := e.do(&alice, http.MethodPost, "/rooms/"+r.ID+"/messages", sendMessageRequest{Content: "hello", SenderID: bob.ID}, &sent)
	if status != http.StatusCreated {
		t.Fatalf("status %d", status)
	}
	if sent.Message.Sender.ID != alice.ID || sent.Message.Content != "hello" || sent.Message.Seq != 1 {
		t.Errorf("message = %+v", sent.Message)
	}
	if len(sent.Messages) != 1 || sent.Messages[0].ID != sent.Message.ID {
		t.Errorf("updated list = %+v", sent.Messages)
	}

	got := live.messages(t)
	if len(got) != 1 || got[0].ID != sent.Message.ID {
		t.Errorf("live subscriber got %+v", got)
	}

	var hist MessagesResponse
	if status := e.do(&bob, http.MethodGet, "/rooms/"+r.ID+"/messages", nil, &hist); status != http.StatusOK {
		t.Fatalf("history status %d", status)
	}
	if len(hist.Messages) != 1 || hist.Messages[0].Content != "hello" {
		t.Errorf("history = %+v", hist)
	}
}

func TestSendMessage_PersistenceFailureDoesNotBroadcast(t *testing.T) {
	e := newEnv(t, DefaultConfig())
	r := e.createRoom(alice, alice.ID, bob.ID)

	live := &liveConn{id: "cb", user: bob}
	e.mgr.Attach(live)
	e.mgr.Join(context.Background(), live, protocol.Join{RoomID: r.ID, ParticipantIDs: []string{alice.ID, bob.ID}})

	e.st.setFail(true)
	var body errorBody
	status := e.do(&alice, http.MethodPost, "/rooms/"+r.ID+"/messages", sendMessageRequest{Content: "lost"}, &body)
	if status != http.StatusBadGateway || body.Code != apperr.CodeDeliveryFailed {
		t.Errorf("got %d %+v", status, body)
	}
	if got := live.messages(t); len(got) != 0 {
		t.Errorf("broadcast after failed persist: %+v", got)
	}

	e.st.setFail(false)
	var hist MessagesResponse
	e.do(&alice, http.MethodGet, "/rooms/"+r.ID+"/messages", nil, &hist)
	if len(hist.Messages) != 0 {
		t.Errorf("history = %+v", hist.Messages)
	}
}

func TestListMessages(t *testing.T) {
	e := newEnv(t, DefaultConfig())
	r := e.createRoom(alice, alice.ID, bob.ID)
	for _, text := range []string{"one", "two", "three"} {
		e.do(&alice, http.MethodPost, "/rooms/"+r.ID+"/messages", sendMessageRequest{Content: text}, nil)
	}

	var hist MessagesResponse
	e.do(&bob, http.MethodGet, "/rooms/"+r.ID+"/messages?after=1", nil, &hist)
	if len(hist.Messages) != 2 || hist.Messages[0].Content != "two" || hist.Messages[1].Seq != 3 {
		t.Errorf("after=1: %+v", hist.Messages)
	}

	e.do(&bob, http.MethodGet, "/rooms/"+r.ID+"/messages?limit=1", nil, &hist)
	if len(hist.Messages) != 1 || hist.Messages[0].Content != "three" {
		t.Errorf("limit=1: %+v", hist.Messages)
	}

	tests := []struct {
		name   string
		user   auth.Identity
		path   string
		status int
	}{
		{"outsider", carol, "/rooms/" + r.ID + "/messages", http.StatusForbidden},
		{"bad after", alice, "/rooms/" + r.ID + "/messages?after=x", http.StatusBadRequest},
		{"negative after", alice, "/rooms/" + r.ID + "/messages?after=-1", http.StatusBadRequest},
		{"huge limit", alice, "/rooms/" + r.ID + "/messages?limit=100000", http.StatusBadRequest},
		{"bad room id", alice, "/rooms/nope/messages", http.StatusBadRequest},
		{"missing room", alice, "/rooms/99999999-9999-4999-8999-999999999999/messages", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var body errorBody
			if status := e.do(&tt.user, http.MethodGet, tt.path, nil, &body); status != tt.status {
				t.Errorf("status = %d (%+v), want %d", status, body, tt.status)
			}
		})
	}
}

func TestListRoomsAndDelete(t *testing.T) {
	e := newEnv(t, DefaultConfig())
	ab := e.createRoom(alice, alice.ID, bob.ID)
	e.createRoom(alice, alice.ID, carol.ID)
	e.createRoom(bob, bob.ID, carol.ID)

	var rooms []RoomResponse
	e.do(&alice, http.MethodGet, "/rooms", nil, &rooms)
	if len(rooms) != 2 {
		t.Fatalf("alice rooms = %d", len(rooms))
	}

	var body errorBody
	if status := e.do(&carol, http.MethodDelete, "/rooms/"+ab.ID, nil, &body); status != http.StatusForbidden {
		t.Errorf("outsider delete: %d", status)
	}
	if status := e.do(&bob, http.MethodDelete, "/rooms/"+ab.ID, nil, nil); status != http.StatusNoContent {
		t.Fatalf("delete: %d", status)
	}
	if status := e.do(&alice, http.MethodGet, "/rooms/"+ab.ID+"/messages", nil, &body); status != http.StatusNotFound {
		t.Errorf("messages after delete: %d", status)
	}
	e.do(&alice, http.MethodGet, "/rooms", nil, &rooms)
	if len(rooms) != 1 {
		t.Errorf("alice rooms after delete = %d", len(rooms))
	}
}

func TestRateLimit(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RateLimit = 2
	cfg.RateWindow = time.Minute
	e := newEnv(t, cfg)

	var rooms []RoomResponse
	for i := 0; i < 2; i++ {
		if status := e.do(&alice, http.MethodGet, "/rooms", nil, &rooms); status != http.StatusOK {
			t.Fatalf("request %d: %d", i, status)
		}
	}
	var body errorBody
	if status := e.do(&alice, http.MethodGet, "/rooms", nil, &body); status != http.StatusTooManyRequests {
		t.Errorf("third request: %d", status)
	}
	if body.Code != apperr.CodeRateLimited {
		t.Errorf("body = %+v", body)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	e := newEnv(t, DefaultConfig())
	resp, err := http.Get(e.srv.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status %d", resp.StatusCode)
	}
}

func TestRespondError_RetryAfter(t *testing.T) {
	rec := httptest.NewRecorder()
	respondError(rec, apperr.RateLimitedFor("too many messages", 4200*time.Millisecond))
	if rec.Code != http.StatusTooManyRequests {
		t.Errorf("status = %d", rec.Code)
	}
	if got := rec.Header().Get("Retry-After"); got != "5" {
		t.Errorf("Retry-After = %q, want 5", got)
	}

	rec = httptest.NewRecorder()
	respondError(rec, apperr.RateLimited("too many requests"))
	if got := rec.Header().Get("Retry-After"); got != "" {
		t.Errorf("Retry-After without a known wait = %q", got)
	}
}
