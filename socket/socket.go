package socket

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/momoland/realtime/auth"
)

type Event string

// Local events. EventStatus is synthesized by the Manager on every state
// transition and never travels over the wire.
const (
	EventConnect    Event = "connect"
	EventDisconnect Event = "disconnect"
	EventStatus     Event = "status"
)

// Client to server.
const (
	EventAuth              Event = "auth"
	EventJoinRoom          Event = "join-room"
	EventLeaveRoom         Event = "leave-room"
	EventSendMessage       Event = "send-message"
	EventAdminAnnouncement Event = "admin-announcement"
)

// Server to client. EventTyping is used in both directions.
const (
	EventAuthOK       Event = "auth-ok"
	EventAuthError    Event = "auth-error"
	EventChatMessage  Event = "chat-message"
	EventUserCount    Event = "user-count"
	EventAnnouncement Event = "announcement"
	EventTyping       Event = "typing"
	EventError        Event = "error"
)

// Message is the wire envelope. Data stays raw until the receiver knows which
// payload type the event carries.
type Message struct {
	Event Event           `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type envelope struct {
	Event Event       `json:"event"`
	Data  interface{} `json:"data,omitempty"`
}

// Encode marshals one frame.
func Encode(event Event, data interface{}) ([]byte, error) {
	return json.Marshal(envelope{Event: event, Data: data})
}

// Decode parses one frame. Frames without an event name are invalid.
func Decode(frame []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(frame, &msg); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if msg.Event == "" {
		return Message{}, fmt.Errorf("%w: missing event", ErrInvalidMessage)
	}
	return msg, nil
}

// Socket is one server-side peer.
type Socket interface {
	ID() string

	Send(event Event, data interface{}) error

	// Write queues an already encoded frame.
	Write(frame []byte) error

	On(event Event, handler func(data json.RawMessage))

	Off(event Event)

	Close() error

	IsConnected() bool

	User() *auth.User
}

var (
	ErrConnectionClosed = errors.New("connection closed")
	ErrInvalidMessage   = errors.New("invalid message format")
	ErrTimeout          = errors.New("operation timed out")
	ErrNotConnected     = errors.New("not connected")
	ErrAuthRejected     = errors.New("authentication rejected")
	ErrRetriesExhausted = errors.New("reconnect attempts exhausted")
	ErrSendBufferFull   = errors.New("send buffer full")
	ErrManagerClosed    = errors.New("manager closed")
)

// AuthError carries the server's reason for refusing a token.
type AuthError struct {
	Reason string
}

func (e *AuthError) Error() string {
	if e.Reason == "" {
		return ErrAuthRejected.Error()
	}
	return ErrAuthRejected.Error() + ": " + e.Reason
}

func (e *AuthError) Is(target error) bool {
	return target == ErrAuthRejected
}
