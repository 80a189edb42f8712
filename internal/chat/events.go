// Package chat routes presence, chat, private messages, and call signaling
// between live sessions.
package chat

import (
	"bytes"
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/Tyrowin/huddle/internal/session"
)

// Inbound event names.
const (
	EventRegister        = "register"
	EventChatMessage     = "chat message"
	EventTyping          = "typing"
	EventPrivateTyping   = "private typing"
	EventImageUpload     = "image upload"
	EventPrivateMessage  = "private message"
	EventLoadPrivateChat = "load private chat"
	EventFindUserByName  = "find user by name"
	EventCallUser        = "call user"
	EventAnswer          = "answer"
	EventIceCandidate    = "ice-candidate"
	EventCallDeclined    = "call declined"
)

// Outbound-only event names.
const (
	EventUserList = "user list"
	EventOffer    = "offer"
	EventAck      = "ack"
)

// Envelope is the frame exchanged over the event channel. Ack is set by the
// client on requests that expect a reply; the reply carries the same value.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
	Ack   *uint64         `json:"ack,omitempty"`
}

// Encode builds an outbound frame.
func Encode(event string, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, errors.Wrapf(err, "encode %q payload", event)
	}
	return json.Marshal(Envelope{Event: event, Data: raw})
}

// EncodeAck builds the reply to a request carrying ack.
func EncodeAck(ack uint64, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, errors.Wrap(err, "encode ack payload")
	}
	return json.Marshal(Envelope{Event: EventAck, Data: raw, Ack: &ack})
}

// Target addresses a user. A JSON number is a stable user id; a JSON string
// is a display name.
type Target struct {
	UserID int64
	Name   string
}

// UnmarshalJSON implements json.Unmarshaler.
func (t *Target) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*t = Target{}
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var name string
		if err := json.Unmarshal(b, &name); err != nil {
			return err
		}
		*t = Target{Name: name}
		return nil
	}
	var id int64
	if err := json.Unmarshal(b, &id); err != nil {
		return errors.Wrap(err, "target must be a user id or a display name")
	}
	*t = Target{UserID: id}
	return nil
}

// IsZero reports whether t addresses nobody.
func (t Target) IsZero() bool {
	return t.UserID <= 0 && t.Name == ""
}

func resolveTarget(reg *session.Registry, t Target) (session.Session, bool) {
	switch {
	case t.UserID > 0:
		return reg.ResolveByUserID(t.UserID)
	case t.Name != "":
		return reg.ResolveByName(t.Name)
	default:
		return session.Session{}, false
	}
}
