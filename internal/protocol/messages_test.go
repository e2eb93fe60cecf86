package protocol

import (
	"testing"
	"time"

	json "github.com/goccy/go-json"
)

func TestParseClientMessage_Join(t *testing.T) {
	input := []byte(`{"type":"join","room_id":"r1","participant_ids":["a","b"],"after":7}`)

	msg, err := ParseClientMessage(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	j, ok := msg.(Join)
	if !ok {
		t.Fatalf("expected Join, got %T", msg)
	}
	if j.RoomID != "r1" || len(j.ParticipantIDs) != 2 {
		t.Errorf("join = %+v", j)
	}
	if j.After == nil || *j.After != 7 {
		t.Errorf("after = %v, want 7", j.After)
	}
}

func TestParseClientMessage_JoinWithoutAfter(t *testing.T) {
	msg, err := ParseClientMessage([]byte(`{"type":"join","participant_ids":["a","b"]}`))
	if err != nil {
		t.Fatal(err)
	}
	if j := msg.(Join); j.After != nil {
		t.Errorf("after = %v, want nil", *j.After)
	}
}

func TestParseClientMessage_Send(t *testing.T) {
	input := []byte(`{"type":"send","room_id":"r1","content":"Hello!","ref":"c-1","sender_id":"forged"}`)

	msg, err := ParseClientMessage(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	s, ok := msg.(Send)
	if !ok {
		t.Fatalf("expected Send, got %T", msg)
	}
	if s.RoomID != "r1" || s.Content != "Hello!" || s.Ref != "c-1" {
		t.Errorf("send = %+v", s)
	}
}

func TestParseClientMessage_Variants(t *testing.T) {
	tests := []struct {
		input string
		want  Inbound
	}{
		{`{"type":"authenticate","token":"t"}`, Authenticate{Token: "t"}},
		{`{"type":"leave","room_id":"r"}`, Leave{RoomID: "r"}},
		{`{"type":"ping"}`, Ping{}},
	}
	for _, tt := range tests {
		got, err := ParseClientMessage([]byte(tt.input))
		if err != nil {
			t.Errorf("%s: %v", tt.input, err)
			continue
		}
		if got != tt.want {
			t.Errorf("%s: got %#v, want %#v", tt.input, got, tt.want)
		}
	}
}

func TestParseClientMessage_Errors(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"not json", `{{{`},
		{"missing type", `{"room_id":"r"}`},
		{"empty type", `{"type":""}`},
		{"unknown type", `{"type":"typing"}`},
		{"server-only type", `{"type":"message","room_id":"r"}`},
		{"wrong field type", `{"type":"join","participant_ids":"a"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseClientMessage([]byte(tt.input)); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestNewServerMessage_InjectsType(t *testing.T) {
	ts := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	data, err := NewServerMessage(TypeMessage, MessageMsg{
		ID:        "m1",
		RoomID:    "r1",
		Seq:       3,
		Sender:    User{ID: "u1", Username: "alice"},
		Content:   "hi",
		Timestamp: ts,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var decoded struct {
		Type      string    `json:"type"`
		ID        string    `json:"id"`
		Seq       int64     `json:"seq"`
		Sender    User      `json:"sender"`
		Timestamp time.Time `json:"timestamp"`
		Ref       *string   `json:"ref"`
	}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.Type != TypeMessage || decoded.ID != "m1" || decoded.Seq != 3 {
		t.Errorf("decoded = %+v", decoded)
	}
	if decoded.Sender.Username != "alice" || !decoded.Timestamp.Equal(ts) {
		t.Errorf("sender/timestamp = %+v %v", decoded.Sender, decoded.Timestamp)
	}
	if decoded.Ref != nil {
		t.Errorf("empty ref should be omitted, got %q", *decoded.Ref)
	}
}

func TestNewServerMessage_EmptyPayload(t *testing.T) {
	data, err := NewServerMessage(TypePong, PongMsg{})
	if err != nil {
		t.Fatal(err)
	}
	typ, err := PeekType(data)
	if err != nil || typ != TypePong {
		t.Errorf("type = %q err = %v", typ, err)
	}
}
