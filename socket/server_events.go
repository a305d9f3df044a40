package socket

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/momoland/realtime/auth"
)

// Reasons sent in error events.
const (
	ReasonUnauthenticated = "unauthenticated"
	ReasonForbidden       = "forbidden"
	ReasonInvalidPayload  = "invalid payload"
	ReasonUnknownEvent    = "unknown event"
)

func (s *Server) authed(socket *socketImpl, fn func(*socketImpl, json.RawMessage)) func(json.RawMessage) {
	return func(data json.RawMessage) {
		if !socket.authenticated() {
			socket.Send(EventError, ServerError{Reason: ReasonUnauthenticated})
			return
		}
		fn(socket, data)
	}
}

func (s *Server) handleAuth(socket *socketImpl, data json.RawMessage) {
	if socket.authenticated() {
		socket.Send(EventError, ServerError{Reason: "already authenticated"})
		return
	}

	var req authRequest
	if err := json.Unmarshal(data, &req); err != nil || strings.TrimSpace(req.Token) == "" {
		s.reject(socket, "missing token")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.verifyTimeout())
	defer cancel()

	user, err := s.verifier.Verify(ctx, req.Token)
	switch {
	case errors.Is(err, auth.ErrInvalidToken):
		s.reject(socket, "invalid token")
		return
	case err != nil:
		// No auth-error here: the client should retry later.
		s.logger.Warn("token verification failed", zap.String("socket", socket.ID()), zap.Error(err))
		socket.Send(EventError, ServerError{Reason: "auth service unavailable"})
		socket.Close()
		return
	}

	socket.setUser(user)
	socket.Send(EventAuthOK, authOK{User: *user})
	s.logger.Info("socket authenticated",
		zap.String("socket", socket.ID()),
		zap.String("user", user.Username),
		zap.String("role", string(user.Role)))

	s.publishPresence()
}

func (s *Server) verifyTimeout() time.Duration {
	if s.authTimeout > 0 {
		return s.authTimeout
	}
	return 10 * time.Second
}

func (s *Server) reject(socket *socketImpl, reason string) {
	s.logger.Info("rejecting socket", zap.String("socket", socket.ID()), zap.String("reason", reason))
	socket.Send(EventAuthError, authFailure{Reason: reason})
	socket.Close()
}

func (s *Server) handleJoin(socket *socketImpl, data json.RawMessage) {
	var req roomRequest
	if err := json.Unmarshal(data, &req); err != nil || req.Room == "" {
		socket.Send(EventError, ServerError{Reason: ReasonInvalidPayload})
		return
	}
	s.roomManager.JoinRoom(req.Room, socket)
}

func (s *Server) handleLeave(socket *socketImpl, data json.RawMessage) {
	var req roomRequest
	if err := json.Unmarshal(data, &req); err != nil || req.Room == "" {
		socket.Send(EventError, ServerError{Reason: ReasonInvalidPayload})
		return
	}
	s.roomManager.LeaveRoom(req.Room, socket.ID())
}

// handleChat stamps the message and sends it to the room, or to everyone when
// no room is named.
func (s *Server) handleChat(socket *socketImpl, data json.RawMessage) {
	var req OutboundMessage
	if err := json.Unmarshal(data, &req); err != nil || strings.TrimSpace(req.Content) == "" {
		socket.Send(EventError, ServerError{Reason: ReasonInvalidPayload})
		return
	}

	switch req.Kind {
	case "":
		req.Kind = KindText
	case KindText, KindEmoji:
	default:
		socket.Send(EventError, ServerError{Reason: "invalid message kind"})
		return
	}

	msg := ChatMessage{
		ID:      generateID(),
		Room:    req.Room,
		Content: req.Content,
		Kind:    req.Kind,
		Sender:  *socket.User(),
		SentAt:  time.Now().UTC(),
	}
	frame, err := Encode(EventChatMessage, msg)
	if err != nil {
		return
	}

	if req.Room == "" {
		s.broadcastFrame(frame)
		return
	}
	s.roomManager.BroadcastToRoom(req.Room, frame, "")
}

func (s *Server) handleTyping(socket *socketImpl, data json.RawMessage) {
	var req Typing
	if err := json.Unmarshal(data, &req); err != nil || req.Room == "" {
		socket.Send(EventError, ServerError{Reason: ReasonInvalidPayload})
		return
	}

	frame, err := Encode(EventTyping, Typing{
		Room:   req.Room,
		User:   socket.User().Username,
		Typing: req.Typing,
	})
	if err != nil {
		return
	}
	s.roomManager.BroadcastToRoom(req.Room, frame, socket.ID())
}

func (s *Server) handleAnnouncement(socket *socketImpl, data json.RawMessage) {
	user := socket.User()
	if !user.IsAdmin() {
		s.logger.Warn("announcement from non-admin", zap.String("user", user.Username))
		socket.Send(EventError, ServerError{Reason: ReasonForbidden})
		return
	}

	var req Announcement
	if err := json.Unmarshal(data, &req); err != nil || strings.TrimSpace(req.Message) == "" {
		socket.Send(EventError, ServerError{Reason: ReasonInvalidPayload})
		return
	}
	if !req.Type.Valid() {
		socket.Send(EventError, ServerError{Reason: "invalid announcement type"})
		return
	}

	s.Broadcast(EventAnnouncement, Announcement{
		ID:      generateID(),
		Type:    req.Type,
		Message: req.Message,
		From:    user.Username,
		SentAt:  time.Now().UTC(),
	})
}

func (s *Server) handleCustom(socket *socketImpl, event Event, data json.RawMessage) {
	if event == EventConnect || event == EventDisconnect || s.trigger(socket, event, data) == 0 {
		socket.Send(EventError, ServerError{Reason: ReasonUnknownEvent})
	}
}
