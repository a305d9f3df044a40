package transport

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/momoland/realtime/debug"
)

var ErrBufferFull = errors.New("send buffer full")

// ServerTransport is the server's end of one client connection.
type ServerTransport interface {
	Read() ([]byte, error)

	Write([]byte) error

	Close() error

	ID() string

	// Done is closed once the transport is closed from either side.
	Done() <-chan struct{}
}

type WebSocketServerTransport struct {
	id           string
	conn         *websocket.Conn
	sendCh       chan []byte
	closeCh      chan struct{}
	writeWg      sync.WaitGroup
	writeTimeout time.Duration
	pongWait     time.Duration
	pingInterval time.Duration
	mu           sync.Mutex
	closed       bool
}

type WebSocketServerConfig struct {
	WriteTimeout time.Duration

	// PongWait is how long the connection may stay silent. Each pong or frame
	// from the client extends it.
	PongWait time.Duration

	// PingInterval must be shorter than PongWait. Zero disables pings.
	PingInterval time.Duration

	BufferSize int
}

func DefaultWebSocketServerConfig() WebSocketServerConfig {
	return WebSocketServerConfig{
		WriteTimeout: 10 * time.Second,
		PongWait:     60 * time.Second,
		PingInterval: 54 * time.Second,
		BufferSize:   256,
	}
}

func NewWebSocketServerTransport(id string, conn *websocket.Conn, config WebSocketServerConfig) *WebSocketServerTransport {
	if config.BufferSize <= 0 {
		config.BufferSize = 256
	}

	t := &WebSocketServerTransport{
		id:           id,
		conn:         conn,
		sendCh:       make(chan []byte, config.BufferSize),
		closeCh:      make(chan struct{}),
		writeTimeout: config.WriteTimeout,
		pongWait:     config.PongWait,
		pingInterval: config.PingInterval,
	}

	if t.pongWait > 0 {
		conn.SetReadDeadline(time.Now().Add(t.pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(t.pongWait))
		})
	}

	t.writeWg.Add(1)
	go t.writePump()

	return t
}

func (t *WebSocketServerTransport) writePump() {
	defer t.writeWg.Done()

	var tick <-chan time.Time
	if t.pingInterval > 0 {
		ticker := time.NewTicker(t.pingInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-t.closeCh:
			t.drain()
			return
		case message := <-t.sendCh:
			if t.writeTimeout > 0 {
				t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout))
			}
			if err := t.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				debug.Printf("WebSocketServerTransport %s: write failed: %v", t.id, err)
				t.abort()
				return
			}
		case <-tick:
			if t.writeTimeout > 0 {
				t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout))
			}
			if err := t.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				debug.Printf("WebSocketServerTransport %s: ping failed: %v", t.id, err)
				t.abort()
				return
			}
		}
	}
}

// drain flushes frames queued before Close so a final error or auth-error
// still reaches the client.
func (t *WebSocketServerTransport) drain() {
	for {
		select {
		case message := <-t.sendCh:
			t.conn.SetWriteDeadline(time.Now().Add(time.Second))
			if err := t.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (t *WebSocketServerTransport) Read() ([]byte, error) {
	_, message, err := t.conn.ReadMessage()
	if err != nil {
		debug.Printf("WebSocketServerTransport %s: Error reading message: %v", t.id, err)
		t.Close()
		return nil, err
	}

	if t.pongWait > 0 {
		t.conn.SetReadDeadline(time.Now().Add(t.pongWait))
	}

	debug.Printf("WebSocketServerTransport %s: Received message: %s", t.id, string(message))
	return message, nil
}

func (t *WebSocketServerTransport) Write(data []byte) error {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()

	if closed {
		return ErrClosed
	}

	select {
	case t.sendCh <- data:
		return nil
	default:
		debug.Printf("WebSocketServerTransport %s: Send buffer full, closing connection", t.id)
		go t.Close()
		return ErrBufferFull
	}
}

func (t *WebSocketServerTransport) markClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return false
	}
	t.closed = true
	close(t.closeCh)
	return true
}

// abort is the write pump's own exit path; it must not wait on itself.
func (t *WebSocketServerTransport) abort() {
	if t.markClosed() {
		t.conn.Close()
	}
}

func (t *WebSocketServerTransport) Close() error {
	if !t.markClosed() {
		return nil
	}

	t.writeWg.Wait()
	t.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	return t.conn.Close()
}

func (t *WebSocketServerTransport) ID() string {
	return t.id
}

func (t *WebSocketServerTransport) Done() <-chan struct{} {
	return t.closeCh
}

type LongPollingServerTransport struct {
	id                string
	pendingMessages   [][]byte
	incomingMessages  chan []byte
	notify            chan struct{}
	closeCh           chan struct{}
	mu                sync.Mutex
	lastActivity      time.Time
	closed            bool
	disconnectTimeout time.Duration
	pollWait          time.Duration
	maxPending        int
}

type LongPollingServerConfig struct {
	DisconnectTimeout time.Duration

	// PollWait is how long a poll is held open when nothing is pending.
	PollWait time.Duration

	BufferSize int
}

func DefaultLongPollingServerConfig() LongPollingServerConfig {
	return LongPollingServerConfig{
		DisconnectTimeout: 60 * time.Second,
		PollWait:          20 * time.Second,
		BufferSize:        256,
	}
}

func NewLongPollingServerTransport(id string, config LongPollingServerConfig) *LongPollingServerTransport {
	if config.BufferSize <= 0 {
		config.BufferSize = 256
	}
	return &LongPollingServerTransport{
		id:                id,
		pendingMessages:   make([][]byte, 0),
		incomingMessages:  make(chan []byte, config.BufferSize),
		notify:            make(chan struct{}, 1),
		closeCh:           make(chan struct{}),
		lastActivity:      time.Now(),
		disconnectTimeout: config.DisconnectTimeout,
		pollWait:          config.PollWait,
		maxPending:        config.BufferSize,
	}
}

func (t *LongPollingServerTransport) Read() ([]byte, error) {
	select {
	case msg := <-t.incomingMessages:
		return msg, nil
	case <-t.closeCh:
		return nil, ErrClosed
	}
}

func (t *LongPollingServerTransport) Write(data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return ErrClosed
	}
	if len(t.pendingMessages) >= t.maxPending {
		debug.Printf("LongPollingServerTransport %s: Pending queue full", t.id)
		return ErrBufferFull
	}

	t.pendingMessages = append(t.pendingMessages, data)

	select {
	case t.notify <- struct{}{}:
	default:
	}
	return nil
}

func (t *LongPollingServerTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}
	t.closed = true
	close(t.closeCh)
	return nil
}

func (t *LongPollingServerTransport) ID() string {
	return t.id
}

func (t *LongPollingServerTransport) Done() <-chan struct{} {
	return t.closeCh
}

func (t *LongPollingServerTransport) takePending() ([][]byte, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed && len(t.pendingMessages) == 0 {
		return nil, false
	}
	t.lastActivity = time.Now()
	messages := t.pendingMessages
	t.pendingMessages = make([][]byte, 0)
	return messages, true
}

// HandlePoll answers with every pending frame, holding the request for up
// to PollWait while there are none. Frames queued before Close are still
// handed out by the next poll.
func (t *LongPollingServerTransport) HandlePoll(w http.ResponseWriter, r *http.Request) {
	messages, ok := t.takePending()
	if !ok {
		http.Error(w, "Session closed", http.StatusGone)
		return
	}

	if len(messages) == 0 && t.pollWait > 0 {
		timer := time.NewTimer(t.pollWait)
		select {
		case <-t.notify:
		case <-timer.C:
		case <-t.closeCh:
		case <-r.Context().Done():
		}
		timer.Stop()

		messages, ok = t.takePending()
		if !ok {
			http.Error(w, "Session closed", http.StatusGone)
			return
		}
	}

	raw := make([]json.RawMessage, len(messages))
	for i, msg := range messages {
		raw[i] = msg
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(raw)
}

func (t *LongPollingServerTransport) HandleSend(w http.ResponseWriter, r *http.Request) {
	t.mu.Lock()

	if t.closed {
		t.mu.Unlock()
		http.Error(w, "Session closed", http.StatusGone)
		return
	}

	t.lastActivity = time.Now()
	t.mu.Unlock()

	defer r.Body.Close()

	data, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "Failed to read request body", http.StatusBadRequest)
		return
	}

	select {
	case t.incomingMessages <- data:
		w.WriteHeader(http.StatusOK)
	default:
		http.Error(w, "Message queue full", http.StatusServiceUnavailable)
	}
}

func (t *LongPollingServerTransport) IsExpired() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed && len(t.pendingMessages) == 0 {
		return true
	}

	return t.disconnectTimeout > 0 && time.Since(t.lastActivity) > t.disconnectTimeout
}

var Upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}
