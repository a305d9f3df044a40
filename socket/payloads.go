package socket

import (
	"time"

	"github.com/momoland/realtime/auth"
)

type MessageKind string

const (
	KindText   MessageKind = "text"
	KindEmoji  MessageKind = "emoji"
	KindSystem MessageKind = "system"
)

type AnnouncementType string

const (
	AnnouncementInfo    AnnouncementType = "info"
	AnnouncementSuccess AnnouncementType = "success"
	AnnouncementWarning AnnouncementType = "warning"
	AnnouncementError   AnnouncementType = "error"
)

func (t AnnouncementType) Valid() bool {
	switch t {
	case AnnouncementInfo, AnnouncementSuccess, AnnouncementWarning, AnnouncementError:
		return true
	}
	return false
}

// OutboundMessage is what a view submits; the manager does not keep it after
// handing it to the connection writer.
type OutboundMessage struct {
	Room    string      `json:"room"`
	Content string      `json:"content"`
	Kind    MessageKind `json:"kind,omitempty"`
}

type ChatMessage struct {
	ID      string      `json:"id"`
	Room    string      `json:"room"`
	Content string      `json:"content"`
	Kind    MessageKind `json:"kind,omitempty"`
	Sender  auth.User   `json:"sender"`
	SentAt  time.Time   `json:"sentAt"`
}

type UserCount struct {
	Count int `json:"count"`
}

type Announcement struct {
	ID      string           `json:"id,omitempty"`
	Type    AnnouncementType `json:"type"`
	Message string           `json:"message"`
	From    string           `json:"from,omitempty"`
	// SentAt is stamped by the server.
	SentAt  time.Time        `json:"sentAt,omitzero"`
}

type Typing struct {
	Room   string `json:"room"`
	User   string `json:"user,omitempty"`
	Typing bool   `json:"typing"`
}

// ServerError is the payload of EventError.
type ServerError struct {
	Reason string `json:"reason"`
}

type authRequest struct {
	Token string `json:"token"`
}

type authOK struct {
	User auth.User `json:"user"`
}

type authFailure struct {
	Reason string `json:"reason"`
}

type roomRequest struct {
	Room string `json:"room"`
}
