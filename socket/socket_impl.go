package socket

import (
	"encoding/json"
	"sync"

	"github.com/momoland/realtime/auth"
	"github.com/momoland/realtime/debug"
	"github.com/momoland/realtime/socket/transport"
)

type socketImpl struct {
	id       string
	mu       sync.RWMutex
	handlers map[Event][]func(data json.RawMessage)
	user     *auth.User
	onClose  []func()

	// unhandled receives events that have no handler of their own.
	unhandled func(event Event, data json.RawMessage)

	transport transport.ServerTransport
	connected bool
}

func newSocketFromServerTransport(id string, t transport.ServerTransport) *socketImpl {
	debug.Printf("Creating new socket with ID: %s", id)
	return &socketImpl{
		id:        id,
		handlers:  make(map[Event][]func(data json.RawMessage)),
		transport: t,
		connected: true,
	}
}

// receiveLoop dispatches frames in arrival order; each handler returns
// before the next frame is read.
func (s *socketImpl) receiveLoop() {
	debug.Printf("Socket %s: Starting receive loop", s.id)
	for {
		data, err := s.transport.Read()
		if err != nil {
			debug.Printf("Socket %s: Read error: %v", s.id, err)
			s.Close()
			return
		}

		msg, err := Decode(data)
		if err != nil {
			debug.Printf("Socket %s: Failed to decode message: %v", s.id, err)
			s.Send(EventError, ServerError{Reason: "invalid message"})
			continue
		}

		s.triggerEvent(msg.Event, msg.Data)
	}
}

func (s *socketImpl) ID() string {
	return s.id
}

func (s *socketImpl) Send(event Event, data interface{}) error {
	frame, err := Encode(event, data)
	if err != nil {
		debug.Printf("Socket %s: Error marshaling message: %v", s.id, err)
		return err
	}
	return s.Write(frame)
}

func (s *socketImpl) Write(frame []byte) error {
	s.mu.RLock()
	connected := s.connected
	s.mu.RUnlock()

	if !connected {
		return ErrConnectionClosed
	}

	err := s.transport.Write(frame)
	if err != nil {
		debug.Printf("Socket %s: Error writing to transport: %v", s.id, err)
	}
	return err
}

func (s *socketImpl) On(event Event, handler func(data json.RawMessage)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[event] = append(s.handlers[event], handler)
}

func (s *socketImpl) Off(event Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.handlers, event)
}

func (s *socketImpl) triggerEvent(event Event, data json.RawMessage) {
	s.mu.RLock()
	handlers := s.handlers[event]
	unhandled := s.unhandled
	s.mu.RUnlock()

	if len(handlers) == 0 && unhandled != nil {
		unhandled(event, data)
		return
	}
	for _, handler := range handlers {
		handler(data)
	}
}

func (s *socketImpl) onUnhandled(fn func(event Event, data json.RawMessage)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unhandled = fn
}

func (s *socketImpl) OnClose(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onClose = append(s.onClose, fn)
}

func (s *socketImpl) Close() error {
	s.mu.Lock()
	if !s.connected {
		s.mu.Unlock()
		return nil
	}

	debug.Printf("Socket %s: Closing connection", s.id)
	s.connected = false
	hooks := s.onClose
	s.onClose = nil
	s.mu.Unlock()

	err := s.transport.Close()
	for _, fn := range hooks {
		fn()
	}
	return err
}

func (s *socketImpl) IsConnected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connected
}

func (s *socketImpl) User() *auth.User {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.user == nil {
		return nil
	}
	u := *s.user
	return &u
}

func (s *socketImpl) setUser(u *auth.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.user = u
}

func (s *socketImpl) authenticated() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.user != nil
}
