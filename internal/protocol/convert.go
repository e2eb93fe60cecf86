package protocol

import "github.com/artlounge/chat-app/internal/store"

// UserFrom returns the public view of the account u stored under id.
func UserFrom(u store.User, id string) User {
	return User{ID: id, Username: u.Username}
}

// MessageFrom builds the delivered-message event for m.
func MessageFrom(m store.Message, sender User, ref string) MessageMsg {
	return MessageMsg{
		ID:        m.ID,
		RoomID:    m.RoomID,
		Seq:       m.Seq,
		Sender:    sender,
		Content:   m.Content,
		Timestamp: m.CreatedAt,
		Ref:       ref,
	}
}

// Participants resolves ids to public users. Ids missing from users keep an
// empty username.
func Participants(ids []string, users map[string]store.User) []User {
	out := make([]User, 0, len(ids))
	for _, id := range ids {
		out = append(out, UserFrom(users[id], id))
	}
	return out
}
