package socket

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/momoland/realtime/auth"
	"github.com/momoland/realtime/debug"
	"github.com/momoland/realtime/socket/transport"
)

// HandlerFunc serves a custom event from an authenticated socket.
type HandlerFunc func(s Socket, data json.RawMessage)

type Server struct {
	mu       sync.RWMutex
	sockets  map[string]*socketImpl
	handlers map[Event][]HandlerFunc
	sessions map[string]*LongPollingSession

	roomManager *RoomManager
	verifier    auth.Verifier
	logger      *zap.Logger

	presenceMu sync.Mutex
	lastCount  int

	pingInterval         time.Duration
	pingTimeout          time.Duration
	authTimeout          time.Duration
	pollWait             time.Duration
	sessionTimeout       time.Duration
	maxConcurrency       int
	concurrencySemaphore chan struct{}
	compressionEnabled   bool
	bufferSize           int

	done     chan struct{}
	doneOnce sync.Once
}

type LongPollingSession struct {
	ID         string
	Transport  *transport.LongPollingServerTransport
	SocketImpl *socketImpl
}

type ServerOption func(*Server)

func WithPingInterval(d time.Duration) ServerOption {
	return func(s *Server) {
		s.pingInterval = d
	}
}

func WithPingTimeout(d time.Duration) ServerOption {
	return func(s *Server) {
		s.pingTimeout = d
	}
}

// WithAuthTimeout is how long a socket may stay unauthenticated.
func WithAuthTimeout(d time.Duration) ServerOption {
	return func(s *Server) {
		s.authTimeout = d
	}
}

// WithMaxConcurrency caps open sockets. Zero means no cap.
func WithMaxConcurrency(maxConcurrent int) ServerOption {
	return func(s *Server) {
		s.maxConcurrency = maxConcurrent
	}
}

func WithCompression(enabled bool) ServerOption {
	return func(s *Server) {
		s.compressionEnabled = enabled
	}
}

func WithBufferSize(size int) ServerOption {
	return func(s *Server) {
		s.bufferSize = size
	}
}

func WithPollWait(d time.Duration) ServerOption {
	return func(s *Server) {
		s.pollWait = d
	}
}

// WithSessionTimeout sets how long an idle long-polling session lives.
// Zero or less keeps sessions until they disconnect.
func WithSessionTimeout(d time.Duration) ServerOption {
	return func(s *Server) {
		s.sessionTimeout = d
	}
}

func WithServerLogger(l *zap.Logger) ServerOption {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

func NewServer(verifier auth.Verifier, opts ...ServerOption) *Server {
	s := &Server{
		sockets:        make(map[string]*socketImpl),
		handlers:       make(map[Event][]HandlerFunc),
		sessions:       make(map[string]*LongPollingSession),
		roomManager:    NewRoomManager(),
		verifier:       verifier,
		logger:         debug.Logger().Named("server"),
		pingInterval:   25 * time.Second,
		pingTimeout:    20 * time.Second,
		authTimeout:    10 * time.Second,
		pollWait:       20 * time.Second,
		sessionTimeout: 60 * time.Second,
		maxConcurrency: 1000,
		bufferSize:     256,
		done:           make(chan struct{}),
	}

	for _, opt := range opts {
		opt(s)
	}

	if s.maxConcurrency > 0 {
		s.concurrencySemaphore = make(chan struct{}, s.maxConcurrency)
	}

	if s.sessionTimeout > 0 {
		go s.cleanupSessions()
	}

	return s
}

func (s *Server) cleanupSessions() {
	ticker := time.NewTicker(max(s.sessionTimeout/2, time.Millisecond))
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.expireSessions()
		}
	}
}

func (s *Server) expireSessions() {
	var expired []*LongPollingSession

	s.mu.Lock()
	for id, session := range s.sessions {
		if session.Transport.IsExpired() {
			delete(s.sessions, id)
			expired = append(expired, session)
		}
	}
	s.mu.Unlock()

	for _, session := range expired {
		s.logger.Debug("long-polling session expired", zap.String("socket", session.ID))
		session.SocketImpl.Close()
	}
}

func (s *Server) acquire() bool {
	if s.concurrencySemaphore == nil {
		return true
	}
	select {
	case s.concurrencySemaphore <- struct{}{}:
		return true
	default:
		return false
	}
}

func (s *Server) release() {
	if s.concurrencySemaphore != nil {
		<-s.concurrencySemaphore
	}
}

// HandleHTTP upgrades WebSocket requests and serves the long-polling
// endpoints otherwise.
func (s *Server) HandleHTTP(w http.ResponseWriter, r *http.Request) {
	if websocket := s.tryWebSocketUpgrade(w, r); websocket != nil {
		s.handleSocket(websocket)
		return
	}
	if r.Header.Get("Upgrade") != "" {
		return
	}

	s.handleLongPolling(w, r)
}

func (s *Server) tryWebSocketUpgrade(w http.ResponseWriter, r *http.Request) *socketImpl {
	if r.Header.Get("Upgrade") != "websocket" {
		return nil
	}

	if !s.acquire() {
		http.Error(w, "Too many connections", http.StatusServiceUnavailable)
		return nil
	}

	upgraderConfig := transport.Upgrader
	if s.compressionEnabled {
		upgraderConfig.EnableCompression = true
	}

	conn, err := upgraderConfig.Upgrade(w, r, nil)
	if err != nil {
		s.release()
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return nil
	}

	id := generateID()

	wsConfig := transport.DefaultWebSocketServerConfig()
	wsConfig.BufferSize = s.bufferSize
	wsConfig.PingInterval = s.pingInterval
	wsConfig.PongWait = s.pingInterval + s.pingTimeout

	wsTransport := transport.NewWebSocketServerTransport(id, conn, wsConfig)
	socket := newSocketFromServerTransport(id, wsTransport)
	socket.OnClose(s.release)

	return socket
}

func (s *Server) handleLongPolling(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/connect", "/socket/connect":
		s.handleLongPollingConnect(w, r)
	case "/poll", "/socket/poll":
		s.handleLongPollingPoll(w, r)
	case "/send", "/socket/send":
		s.handleLongPollingSend(w, r)
	case "/disconnect", "/socket/disconnect":
		s.handleLongPollingDisconnect(w, r)
	default:
		http.Error(w, "Unknown endpoint", http.StatusNotFound)
	}
}

func (s *Server) handleLongPollingConnect(w http.ResponseWriter, _ *http.Request) {
	if !s.acquire() {
		http.Error(w, "Too many connections", http.StatusServiceUnavailable)
		return
	}

	sessionID := generateID()

	config := transport.DefaultLongPollingServerConfig()
	config.BufferSize = s.bufferSize
	config.PollWait = s.pollWait
	config.DisconnectTimeout = s.sessionTimeout
	lpTransport := transport.NewLongPollingServerTransport(sessionID, config)

	socket := newSocketFromServerTransport(sessionID, lpTransport)
	socket.OnClose(s.release)

	s.mu.Lock()
	s.sessions[sessionID] = &LongPollingSession{
		ID:         sessionID,
		Transport:  lpTransport,
		SocketImpl: socket,
	}
	s.mu.Unlock()

	s.handleSocket(socket)

	writeJSON(w, http.StatusOK, map[string]string{"sessionId": sessionID})
}

func (s *Server) session(r *http.Request) (*LongPollingSession, bool) {
	sessionID := r.URL.Query().Get("sessionId")

	s.mu.RLock()
	defer s.mu.RUnlock()
	session, exists := s.sessions[sessionID]
	return session, exists
}

func (s *Server) handleLongPollingPoll(w http.ResponseWriter, r *http.Request) {
	session, exists := s.session(r)
	if !exists {
		http.Error(w, "Session not found", http.StatusNotFound)
		return
	}
	session.Transport.HandlePoll(w, r)
}

func (s *Server) handleLongPollingSend(w http.ResponseWriter, r *http.Request) {
	session, exists := s.session(r)
	if !exists {
		http.Error(w, "Session not found", http.StatusNotFound)
		return
	}
	session.Transport.HandleSend(w, r)
}

func (s *Server) handleLongPollingDisconnect(w http.ResponseWriter, r *http.Request) {
	session, exists := s.session(r)
	if exists {
		s.mu.Lock()
		delete(s.sessions, session.ID)
		s.mu.Unlock()
		session.SocketImpl.Close()
	}
	w.WriteHeader(http.StatusOK)
}

// HandleFunc registers a handler for a custom event. Handlers run on the
// socket's receive goroutine, in registration order, and only for
// authenticated sockets. EventConnect and EventDisconnect handlers run when a
// socket opens and closes.
func (s *Server) HandleFunc(event Event, handler HandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[event] = append(s.handlers[event], handler)
}

func (s *Server) handleSocket(socket *socketImpl) {
	s.mu.Lock()
	s.sockets[socket.ID()] = socket
	s.mu.Unlock()

	s.logger.Debug("socket opened", zap.String("socket", socket.ID()))

	socket.On(EventAuth, func(data json.RawMessage) { s.handleAuth(socket, data) })
	socket.On(EventJoinRoom, s.authed(socket, s.handleJoin))
	socket.On(EventLeaveRoom, s.authed(socket, s.handleLeave))
	socket.On(EventSendMessage, s.authed(socket, s.handleChat))
	socket.On(EventTyping, s.authed(socket, s.handleTyping))
	socket.On(EventAdminAnnouncement, s.authed(socket, s.handleAnnouncement))
	socket.onUnhandled(func(event Event, data json.RawMessage) {
		if !socket.authenticated() {
			socket.Send(EventError, ServerError{Reason: ReasonUnauthenticated})
			return
		}
		s.handleCustom(socket, event, data)
	})

	var authTimer *time.Timer
	if s.authTimeout > 0 {
		authTimer = time.AfterFunc(s.authTimeout, func() {
			if !socket.authenticated() {
				s.logger.Info("closing unauthenticated socket", zap.String("socket", socket.ID()))
				socket.Send(EventAuthError, authFailure{Reason: "authentication timeout"})
				socket.Close()
			}
		})
	}

	socket.OnClose(func() {
		if authTimer != nil {
			authTimer.Stop()
		}

		s.mu.Lock()
		delete(s.sockets, socket.ID())
		s.mu.Unlock()

		s.roomManager.LeaveAllRooms(socket.ID())
		s.logger.Debug("socket closed", zap.String("socket", socket.ID()))

		if socket.authenticated() {
			s.publishPresence()
		}
		s.trigger(socket, EventDisconnect, nil)
	})

	s.trigger(socket, EventConnect, nil)

	go socket.receiveLoop()
}

func (s *Server) trigger(socket Socket, event Event, data json.RawMessage) int {
	s.mu.RLock()
	handlers := s.handlers[event]
	s.mu.RUnlock()

	for _, handler := range handlers {
		handler(socket, data)
	}
	return len(handlers)
}

// Broadcast sends an event to every authenticated socket.
func (s *Server) Broadcast(event Event, data interface{}) error {
	frame, err := Encode(event, data)
	if err != nil {
		return err
	}
	s.broadcastFrame(frame)
	return nil
}

func (s *Server) broadcastFrame(frame []byte) {
	targets := s.authenticatedSockets()
	if len(targets) > parallelThreshold {
		writeParallel(targets, frame, 20)
		return
	}
	for _, socket := range targets {
		if err := socket.Write(frame); err != nil {
			s.logger.Debug("broadcast write failed", zap.String("socket", socket.ID()), zap.Error(err))
		}
	}
}

func (s *Server) authenticatedSockets() []Socket {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Socket, 0, len(s.sockets))
	for _, socket := range s.sockets {
		if socket.authenticated() {
			out = append(out, socket)
		}
	}
	return out
}

func (s *Server) BroadcastToRoom(room string, event Event, data interface{}) error {
	frame, err := Encode(event, data)
	if err != nil {
		return err
	}
	s.roomManager.BroadcastToRoom(room, frame, "")
	return nil
}

func (s *Server) BroadcastToRooms(rooms []string, event Event, data interface{}) error {
	frame, err := Encode(event, data)
	if err != nil {
		return err
	}
	for _, room := range rooms {
		s.roomManager.BroadcastToRoom(room, frame, "")
	}
	return nil
}

// Count is the number of authenticated sockets.
func (s *Server) Count() int {
	return len(s.authenticatedSockets())
}

// publishPresence broadcasts user-count when the authenticated count moved.
func (s *Server) publishPresence() {
	s.presenceMu.Lock()
	defer s.presenceMu.Unlock()

	count := s.Count()
	if count == s.lastCount {
		return
	}
	s.lastCount = count

	frame, err := Encode(EventUserCount, UserCount{Count: count})
	if err != nil {
		return
	}
	s.broadcastFrame(frame)
}

// Shutdown closes every socket and stops session expiry. Close errors are
// combined into the returned error.
func (s *Server) Shutdown(ctx context.Context) error {
	s.doneOnce.Do(func() { close(s.done) })

	s.mu.Lock()
	sockets := make([]*socketImpl, 0, len(s.sockets))
	for _, socket := range s.sockets {
		sockets = append(sockets, socket)
	}
	s.sessions = make(map[string]*LongPollingSession)
	s.mu.Unlock()

	result := make(chan error, 1)
	go func() {
		var err error
		for _, socket := range sockets {
			err = multierr.Append(err, socket.Close())
		}
		result <- err
	}()

	select {
	case err := <-result:
		s.logger.Info("server shut down", zap.Int("sockets", len(sockets)))
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) Join(socketID string, room string) {
	s.mu.RLock()
	socket, exists := s.sockets[socketID]
	s.mu.RUnlock()

	if exists {
		s.roomManager.JoinRoom(room, socket)
	}
}

func (s *Server) Leave(socketID string, room string) {
	s.roomManager.LeaveRoom(room, socketID)
}

func (s *Server) RoomsOf(socketID string) []string {
	return s.roomManager.GetSocketRooms(socketID)
}

func (s *Server) Rooms() []string {
	return s.roomManager.GetRooms()
}

func (s *Server) GetSocket(id string) (Socket, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	socket, exists := s.sockets[id]
	if !exists {
		return nil, false
	}
	return socket, true
}
