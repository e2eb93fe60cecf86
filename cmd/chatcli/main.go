// Command chatcli is an interactive terminal client for the chat server. It
// opens (or creates) the room shared by the given participants, prints its
// history, then relays stdin lines as messages and prints room events as
// they arrive.
//
// Usage:
//
//	go run ./cmd/chatcli -token $TOKEN -with <user-id>[,<user-id>...]
//	go run ./cmd/chatcli -secret $JWT_SECRET -user <id> -name alice -with <user-id>
//
// Lines starting with "/" are commands: /history, /leave, /quit.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	json "github.com/goccy/go-json"

	"github.com/artlounge/chat-app/internal/api"
	"github.com/artlounge/chat-app/internal/auth"
	"github.com/artlounge/chat-app/internal/client"
	"github.com/artlounge/chat-app/internal/protocol"
	"github.com/artlounge/chat-app/internal/timeline"
)

type options struct {
	wsURL   string
	apiBase string
	token   string
	secret  string
	userID  string
	name    string
	with    string
	roomID  string
	timeout time.Duration
}

func main() {
	var o options
	flag.StringVar(&o.wsURL, "url", "ws://localhost:8080/ws", "WebSocket endpoint")
	flag.StringVar(&o.apiBase, "api", "http://localhost:8080", "HTTP API base URL")
	flag.StringVar(&o.token, "token", os.Getenv("CHAT_TOKEN"), "bearer token")
	flag.StringVar(&o.secret, "secret", "", "signing secret; mints a token for -user/-name instead of -token")
	flag.StringVar(&o.userID, "user", "", "user id for a minted token")
	flag.StringVar(&o.name, "name", "", "username for a minted token")
	flag.StringVar(&o.with, "with", "", "comma-separated ids of the other participants")
	flag.StringVar(&o.roomID, "room", "", "room id to use if the participant set has no room yet")
	flag.DurationVar(&o.timeout, "timeout", 10*time.Second, "connect and request timeout")
	flag.Parse()

	if err := run(o); err != nil {
		fmt.Fprintln(os.Stderr, "chatcli:", err)
		os.Exit(1)
	}
}

func run(o options) error {
	token, err := credentials(o)
	if err != nil {
		return err
	}
	if o.with == "" {
		return errors.New("-with is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dctx, cancel := context.WithTimeout(ctx, o.timeout)
	c, err := client.Dial(dctx, o.wsURL, token)
	if err != nil {
		cancel()
		return fmt.Errorf("connect: %w", err)
	}
	defer c.Close()
	var hello protocol.ConnectedMsg
	_, err = c.Expect(dctx, protocol.TypeConnected, &hello)
	cancel()
	if err != nil {
		return fmt.Errorf("handshake: %w", err)
	}
	self := auth.Identity{ID: hello.User.ID, Username: hello.User.Username}
	participants := append([]string{self.ID}, splitIDs(o.with)...)

	h := &httpClient{base: strings.TrimRight(o.apiBase, "/"), token: token, hc: &http.Client{Timeout: o.timeout}}
	rm, err := h.createRoom(ctx, o.roomID, participants)
	if err != nil {
		return fmt.Errorf("open room: %w", err)
	}
	fmt.Printf("room %s with %s\n", rm.ID, names(rm.Participants, self.ID))

	tl := timeline.New(rm.ID, self.ID)
	if hist, err := h.history(ctx, rm.ID, 0); err != nil {
		fmt.Fprintln(os.Stderr, "history:", err)
	} else {
		tl.Merge(hist)
		for _, e := range tl.Entries() {
			printEntry(e, self.ID)
		}
	}

	after := tl.ResumeFrom()
	if err := c.Join(rm.ID, participants, &after); err != nil {
		return err
	}

	lines := make(chan string)
	go readLines(lines)

	for {
		select {
		case <-ctx.Done():
			return nil

		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if quit, err := command(line, c, tl, self); err != nil {
				fmt.Fprintln(os.Stderr, err)
			} else if quit {
				return nil
			}

		case ev, ok := <-c.Events():
			if !ok {
				return errors.New("connection closed by server")
			}
			if done := handleEvent(ctx, ev, h, tl, self); done {
				return nil
			}
		}
	}
}

// command handles one stdin line. It reports whether the client should exit.
func command(line string, c *client.Client, tl *timeline.Timeline, self auth.Identity) (bool, error) {
	line = strings.TrimSpace(line)
	switch line {
	case "":
		return false, nil
	case "/quit":
		return true, nil
	case "/leave":
		return true, c.Leave(tl.RoomID())
	case "/history":
		for _, e := range tl.Entries() {
			printEntry(e, self.ID)
		}
		return false, nil
	}

	ref, err := c.Send(tl.RoomID(), line)
	if err != nil {
		return false, err
	}
	tl.AddPending(ref, protocol.User{ID: self.ID, Username: self.Username}, line, time.Now())
	return false, nil
}

// handleEvent applies one server event. It reports whether the room is gone.
func handleEvent(ctx context.Context, ev client.Event, h *httpClient, tl *timeline.Timeline, self auth.Identity) bool {
	switch ev.Type {
	case protocol.TypeMessage:
		var m protocol.MessageMsg
		if ev.Decode(&m) != nil {
			return false
		}
		before := tl.LastSeq()
		if tl.Apply(m) {
			printEntry(timeline.Entry{Seq: m.Seq, Sender: m.Sender, Content: m.Content, Timestamp: m.Timestamp}, self.ID)
		}
		// A jump in seq means events were missed; backfill over HTTP.
		if m.Seq > before+1 && before > 0 {
			backfill(ctx, h, tl, self.ID)
		}

	case protocol.TypeJoined:
		var j protocol.JoinedMsg
		if ev.Decode(&j) == nil && j.LastSeq > tl.LastSeq() {
			backfill(ctx, h, tl, self.ID)
		}

	case protocol.TypePresence:
		var p protocol.PresenceMsg
		if ev.Decode(&p) == nil {
			fmt.Printf("* %s %s\n", display(p.User), p.State)
		}

	case protocol.TypeRoomClosed:
		fmt.Println("* room was deleted")
		return true

	case protocol.TypeError:
		e, _ := ev.AsError()
		if e.Ref != "" {
			tl.Fail(e.Ref, e.Code)
		}
		fmt.Fprintf(os.Stderr, "! %s: %s\n", e.Code, e.Message)
	}
	return false
}

func backfill(ctx context.Context, h *httpClient, tl *timeline.Timeline, self string) {
	msgs, err := h.history(ctx, tl.RoomID(), tl.ResumeFrom())
	if err != nil {
		fmt.Fprintln(os.Stderr, "backfill:", err)
		return
	}
	for _, m := range msgs {
		if tl.Apply(m) {
			printEntry(timeline.Entry{Seq: m.Seq, Sender: m.Sender, Content: m.Content, Timestamp: m.Timestamp}, self)
		}
	}
}

func credentials(o options) (string, error) {
	if o.secret != "" {
		if o.userID == "" {
			return "", errors.New("-user is required with -secret")
		}
		tm, err := auth.NewTokenManager(o.secret, 24*time.Hour)
		if err != nil {
			return "", err
		}
		tok, _, err := tm.Issue(auth.Identity{ID: o.userID, Username: o.name})
		return tok, err
	}
	if o.token == "" {
		return "", errors.New("-token or -secret is required")
	}
	return o.token, nil
}

func readLines(out chan<- string) {
	defer close(out)
	sc := bufio.NewScanner(os.Stdin)
	for sc.Scan() {
		out <- sc.Text()
	}
}

func printEntry(e timeline.Entry, self string) {
	who := display(e.Sender)
	if e.Sender.ID == self {
		who = "you"
	}
	ts := e.Timestamp.Local().Format("15:04")
	switch e.Status {
	case timeline.Pending:
		fmt.Printf("[%s] %s: %s (sending)\n", ts, who, e.Content)
	case timeline.Failed:
		fmt.Printf("[%s] %s: %s (failed: %s)\n", ts, who, e.Content, e.Reason)
	default:
		fmt.Printf("[%s] #%d %s: %s\n", ts, e.Seq, who, e.Content)
	}
}

func display(u protocol.User) string {
	if u.Username != "" {
		return u.Username
	}
	return u.ID
}

func names(users []protocol.User, self string) string {
	var out []string
	for _, u := range users {
		if u.ID != self {
			out = append(out, display(u))
		}
	}
	return strings.Join(out, ", ")
}

func splitIDs(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// httpClient calls the chat HTTP API.
type httpClient struct {
	base  string
	token string
	hc    *http.Client
}

func (h *httpClient) do(ctx context.Context, method, path string, body, out interface{}) error {
	var rd *strings.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = strings.NewReader(string(data))
	} else {
		rd = strings.NewReader("")
	}
	req, err := http.NewRequestWithContext(ctx, method, h.base+path, rd)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+h.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var e struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		json.NewDecoder(resp.Body).Decode(&e)
		return fmt.Errorf("%s %s: %d %s: %s", method, path, resp.StatusCode, e.Code, e.Message)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (h *httpClient) createRoom(ctx context.Context, roomID string, participants []string) (api.RoomResponse, error) {
	var r api.RoomResponse
	err := h.do(ctx, http.MethodPost, "/rooms", map[string]interface{}{
		"room_id":         roomID,
		"participant_ids": participants,
	}, &r)
	return r, err
}

func (h *httpClient) history(ctx context.Context, roomID string, after int64) ([]protocol.MessageMsg, error) {
	var r api.MessagesResponse
	path := "/rooms/" + roomID + "/messages"
	if after > 0 {
		path += fmt.Sprintf("?after=%d", after)
	}
	err := h.do(ctx, http.MethodGet, path, nil, &r)
	return r.Messages, err
}
