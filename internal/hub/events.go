package hub

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// Kind enumerates every event that crosses the wire, in either direction.
type Kind int

const (
	KindChatMessage Kind = iota + 1
	KindPrivateMessage
	KindTypingStart
	KindTypingStop
	KindUserJoined
	KindUserLeft
	KindOnlineUsers
	KindUserTyping
	KindUserStoppedTyping
	KindMessageFailed
)

var kindNames = map[Kind]string{
	KindChatMessage:       "chat message",
	KindPrivateMessage:    "private message",
	KindTypingStart:       "typing start",
	KindTypingStop:        "typing stop",
	KindUserJoined:        "user joined",
	KindUserLeft:          "user left",
	KindOnlineUsers:       "online users",
	KindUserTyping:        "user typing",
	KindUserStoppedTyping: "user stopped typing",
	KindMessageFailed:     "message failed",
}

// String returns the wire name of k.
func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

var (
	ErrUnknownEvent   = errors.New("unknown event")
	ErrInvalidPayload = errors.New("invalid payload")
)

// DecodeError is returned for a frame naming a message event whose data
// could not be parsed.
type DecodeError struct {
	Kind Kind
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

var validate = validator.New()

// Inbound is an event received from a client. The set of implementations is
// closed: ChatMessage, PrivateMessage, TypingStart and TypingStop.
type Inbound interface {
	Kind() Kind
	inbound()
}

// ChatMessage is a room-wide message. ClientID is an optional correlation
// token echoed back in a failure notice.
type ChatMessage struct {
	Text     string `json:"text" validate:"required"`
	ClientID string `json:"clientId,omitempty" validate:"max=64"`
}

// PrivateMessage is addressed to every session of one user.
type PrivateMessage struct {
	ToUserID string `json:"toUserId" validate:"required"`
	Text     string `json:"text" validate:"required"`
}

// TypingStart announces that the sender began composing.
type TypingStart struct{}

// TypingStop announces that the sender stopped composing.
type TypingStop struct{}

func (ChatMessage) Kind() Kind    { return KindChatMessage }
func (PrivateMessage) Kind() Kind { return KindPrivateMessage }
func (TypingStart) Kind() Kind    { return KindTypingStart }
func (TypingStop) Kind() Kind     { return KindTypingStop }

func (ChatMessage) inbound()    {}
func (PrivateMessage) inbound() {}
func (TypingStart) inbound()    {}
func (TypingStop) inbound()     {}

type envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Decode parses one client frame of the form {"event": name, "data": {...}}.
// Field level validation is left to the router so that a bad message can be
// answered with a failure notice.
func Decode(raw []byte) (Inbound, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	switch env.Event {
	case KindChatMessage.String():
		var msg ChatMessage
		if err := decodeData(env.Data, &msg); err != nil {
			return nil, &DecodeError{Kind: KindChatMessage, Err: err}
		}
		return msg, nil
	case KindPrivateMessage.String():
		var msg PrivateMessage
		if err := decodeData(env.Data, &msg); err != nil {
			return nil, &DecodeError{Kind: KindPrivateMessage, Err: err}
		}
		return msg, nil
	case KindTypingStart.String():
		return TypingStart{}, nil
	case KindTypingStop.String():
		return TypingStop{}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, env.Event)
}

func decodeData(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return fmt.Errorf("%w: missing data", ErrInvalidPayload)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return nil
}

func validatePayload(v any) error {
	if err := validate.Struct(v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return nil
}

// Encode builds an outbound frame for kind carrying data.
func Encode(kind Kind, data any) ([]byte, error) {
	return json.Marshal(struct {
		Event string `json:"event"`
		Data  any    `json:"data"`
	}{Event: kind.String(), Data: data})
}

// PresencePayload is carried by "user joined" and "user left".
type PresencePayload struct {
	Username  string    `json:"username"`
	UserID    string    `json:"userId"`
	Timestamp time.Time `json:"timestamp"`
}

// PrivatePayload is the outbound "private message".
type PrivatePayload struct {
	ID           string    `json:"id"`
	From         string    `json:"from"`
	FromUserID   string    `json:"fromUserId"`
	ToUserID     string    `json:"toUserId"`
	Text         string    `json:"text"`
	Timestamp    time.Time `json:"timestamp"`
	IsOwnMessage bool      `json:"isOwnMessage,omitempty"`
}

// FailurePayload tells a sender that one of its messages was not delivered.
type FailurePayload struct {
	Reason   string `json:"reason"`
	Text     string `json:"text,omitempty"`
	ClientID string `json:"clientId,omitempty"`
}
