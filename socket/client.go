package socket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jpillora/backoff"
	"go.uber.org/zap"

	"github.com/momoland/realtime/auth"
	"github.com/momoland/realtime/debug"
	"github.com/momoland/realtime/socket/transport"
)

// Transport is the manager's view of one connection to the server.
type Transport interface {
	Connect(ctx context.Context) error
	Send(data []byte) error
	Receive() ([]byte, error)
	Close() error
}

// TransportFactory returns a fresh, unconnected transport for every attempt.
type TransportFactory func() Transport

func WebSocketFactory(url string, opts ...transport.WebSocketOption) TransportFactory {
	return func() Transport {
		return transport.NewWebSocketTransport(url, opts...)
	}
}

func LongPollingFactory(baseURL string, opts ...transport.LongPollingOption) TransportFactory {
	return func() Transport {
		return transport.NewLongPollingTransport(baseURL, opts...)
	}
}

type ManagerOption func(*Manager)

func WithLogger(l *zap.Logger) ManagerOption {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

func WithReconnectDelay(d time.Duration) ManagerOption {
	return func(m *Manager) {
		m.backoff.Min = d
	}
}

func WithMaxReconnectDelay(d time.Duration) ManagerOption {
	return func(m *Manager) {
		m.backoff.Max = d
	}
}

func WithReconnectFactor(f float64) ManagerOption {
	return func(m *Manager) {
		m.backoff.Factor = f
	}
}

func WithReconnectJitter(enabled bool) ManagerOption {
	return func(m *Manager) {
		m.backoff.Jitter = enabled
	}
}

// WithReconnectAttempts caps consecutive failed attempts before the manager
// gives up and closes. Zero or less retries forever.
func WithReconnectAttempts(attempts int) ManagerOption {
	return func(m *Manager) {
		m.reconnectAttempts = attempts
	}
}

// WithHandshakeTimeout bounds dial plus auth reply.
func WithHandshakeTimeout(d time.Duration) ManagerOption {
	return func(m *Manager) {
		if d > 0 {
			m.handshakeTimeout = d
		}
	}
}

func WithSendBuffer(n int) ManagerOption {
	return func(m *Manager) {
		if n > 0 {
			m.sendBuffer = n
		}
	}
}

// Manager owns the single realtime connection of a process: it connects with
// a token, reconnects with backoff and fans inbound events out to handlers
// registered per category.
//
// Every handler runs on one dispatch goroutine, one frame at a time.
type Manager struct {
	id      string
	factory TransportFactory
	logger  *zap.Logger
	bus     *Bus
	raw     *Bus
	queue   *dispatcher

	snapshot atomic.Int32

	mu         sync.Mutex
	state      State
	gen        uint64
	token      string
	conn       *connection
	attempting bool
	timer      *time.Timer
	backoff    *backoff.Backoff
	failures   int
	rooms      []string
	user       *auth.User
	presence   int
	hasCount   bool
	closed     bool
	lastErr    error

	reconnectAttempts int
	handshakeTimeout  time.Duration
	sendBuffer        int
}

func NewManager(factory TransportFactory, opts ...ManagerOption) *Manager {
	m := &Manager{
		id:      generateID(),
		factory: factory,
		logger:  debug.Logger().Named("manager"),
		bus:     NewBus(),
		raw:     NewBus(),
		backoff: &backoff.Backoff{
			Min:    time.Second,
			Max:    30 * time.Second,
			Factor: 2,
		},
		reconnectAttempts: 5,
		handshakeTimeout:  10 * time.Second,
		sendBuffer:        64,
	}

	for _, opt := range opts {
		opt(m)
	}

	m.logger = m.logger.With(zap.String("manager", m.id))
	onPanic := func(category Event, r interface{}) {
		m.logger.Error("handler panicked", zap.String("event", string(category)), zap.Any("panic", r))
	}
	m.bus.OnPanic(onPanic)
	m.raw.OnPanic(onPanic)
	m.queue = newDispatcher()

	return m
}

func (m *Manager) ID() string {
	return m.id
}

func (m *Manager) State() State {
	return State(m.snapshot.Load())
}

func (m *Manager) IsConnected() bool {
	return m.State() == StateOpen
}

// Connect starts connecting with token and returns at once. It does nothing
// while open or while an attempt is already running. While waiting out a
// reconnect delay it retries immediately with the new token.
func (m *Manager) Connect(token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrManagerClosed
	}

	switch m.state {
	case StateOpen, StateConnecting:
		return nil
	case StateReconnecting:
		if m.attempting {
			return nil
		}
		m.token = token
		m.stopTimer()
		m.startAttempt()
	default:
		m.token = token
		m.failures = 0
		m.backoff.Reset()
		m.setState(StateConnecting, nil, 0, 0)
		m.startAttempt()
	}
	return nil
}

// Disconnect closes the connection and cancels any pending retry. Handlers
// stay registered. Calling it when idle or closed does nothing.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	if m.state == StateIdle || m.state == StateClosed {
		m.mu.Unlock()
		return
	}

	m.gen++
	m.attempting = false
	m.stopTimer()
	conn := m.conn
	m.teardown()
	m.setState(StateClosed, nil, 0, 0)
	m.mu.Unlock()

	if conn != nil {
		conn.shutdown()
	}
	m.logger.Info("disconnected")
}

// Close disconnects and stops the dispatch goroutine. Events already queued
// are still delivered.
func (m *Manager) Close() error {
	m.Disconnect()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	m.queue.stop()
	return nil
}

// Err is why the manager last closed on its own: an *AuthError, or
// ErrRetriesExhausted wrapping the final failure. It is nil after Disconnect
// and while a connection is being made.
func (m *Manager) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

// WaitOpen blocks until the manager is open, closes or ctx ends. A close
// returns Err, or ErrConnectionClosed when there is no cause.
func (m *Manager) WaitOpen(ctx context.Context) error {
	changed := make(chan struct{}, 1)
	sub := m.OnStatus(NewHandler(func(StatusChange) {
		select {
		case changed <- struct{}{}:
		default:
		}
	}))
	defer sub.Unsubscribe()

	for {
		m.mu.Lock()
		state, err := m.state, m.lastErr
		m.mu.Unlock()

		switch state {
		case StateOpen:
			return nil
		case StateIdle:
			return ErrNotConnected
		case StateClosed:
			if err == nil {
				err = ErrConnectionClosed
			}
			return err
		}

		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Socket returns the live transport, or nil when not open. Frames written to
// it directly bypass the manager's writer ordering.
func (m *Manager) Socket() Transport {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateOpen || m.conn == nil {
		return nil
	}
	return m.conn.transport
}

// User is the account the server accepted, nil when not open.
func (m *Manager) User() *auth.User {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.user == nil {
		return nil
	}
	u := *m.user
	return &u
}

func (m *Manager) PresenceCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.presence
}

func (m *Manager) Rooms() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.rooms...)
}

// SendMessage posts a text message to room. When not open nothing is sent
// and ErrNotConnected is returned.
func (m *Manager) SendMessage(room, content string) error {
	return m.Send(OutboundMessage{Room: room, Content: content, Kind: KindText})
}

func (m *Manager) Send(msg OutboundMessage) error {
	if msg.Kind == "" {
		msg.Kind = KindText
	}
	return m.Emit(EventSendMessage, msg)
}

func (m *Manager) SendTyping(room string, typing bool) error {
	return m.Emit(EventTyping, Typing{Room: room, Typing: typing})
}

// SendAnnouncement asks the server to broadcast an announcement. The server
// only accepts it from admins.
func (m *Manager) SendAnnouncement(kind AnnouncementType, message string) error {
	if !kind.Valid() {
		return fmt.Errorf("invalid announcement type %q", kind)
	}
	return m.Emit(EventAdminAnnouncement, Announcement{Type: kind, Message: message})
}

// Join remembers room and joins it now if open. Remembered rooms are joined
// again after every reconnect.
func (m *Manager) Join(room string) error {
	m.mu.Lock()
	found := false
	for _, r := range m.rooms {
		if r == room {
			found = true
			break
		}
	}
	if !found {
		m.rooms = append(m.rooms, room)
	}
	open := m.state == StateOpen
	m.mu.Unlock()

	if !open {
		return nil
	}
	return m.Emit(EventJoinRoom, roomRequest{Room: room})
}

func (m *Manager) Leave(room string) error {
	m.mu.Lock()
	for i, r := range m.rooms {
		if r == room {
			m.rooms = append(m.rooms[:i], m.rooms[i+1:]...)
			break
		}
	}
	open := m.state == StateOpen
	m.mu.Unlock()

	if !open {
		return nil
	}
	return m.Emit(EventLeaveRoom, roomRequest{Room: room})
}

// Emit queues any event on the connection writer.
func (m *Manager) Emit(event Event, data interface{}) error {
	frame, err := Encode(event, data)
	if err != nil {
		return err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrManagerClosed
	}
	state := m.state
	conn := m.conn
	m.mu.Unlock()

	if state != StateOpen || conn == nil {
		m.logger.Warn("not connected, dropping outbound event",
			zap.String("event", string(event)),
			zap.Stringer("state", state))
		return ErrNotConnected
	}

	if err := conn.enqueue(frame); err != nil {
		m.logger.Warn("dropping outbound event", zap.String("event", string(event)), zap.Error(err))
		return err
	}
	return nil
}

func (m *Manager) OnMessage(h *Handler[ChatMessage]) *Subscription {
	return Subscribe(m.bus, EventChatMessage, h)
}

func (m *Manager) OffMessage(h *Handler[ChatMessage]) {
	Unsubscribe(m.bus, EventChatMessage, h)
}

func (m *Manager) OnUserCount(h *Handler[int]) *Subscription {
	return Subscribe(m.bus, EventUserCount, h)
}

func (m *Manager) OffUserCount(h *Handler[int]) {
	Unsubscribe(m.bus, EventUserCount, h)
}

func (m *Manager) OnAnnouncement(h *Handler[Announcement]) *Subscription {
	return Subscribe(m.bus, EventAnnouncement, h)
}

func (m *Manager) OffAnnouncement(h *Handler[Announcement]) {
	Unsubscribe(m.bus, EventAnnouncement, h)
}

func (m *Manager) OnTyping(h *Handler[Typing]) *Subscription {
	return Subscribe(m.bus, EventTyping, h)
}

func (m *Manager) OffTyping(h *Handler[Typing]) {
	Unsubscribe(m.bus, EventTyping, h)
}

func (m *Manager) OnStatus(h *Handler[StatusChange]) *Subscription {
	return Subscribe(m.bus, EventStatus, h)
}

func (m *Manager) OffStatus(h *Handler[StatusChange]) {
	Unsubscribe(m.bus, EventStatus, h)
}

func (m *Manager) OnServerError(h *Handler[ServerError]) *Subscription {
	return Subscribe(m.bus, EventError, h)
}

func (m *Manager) OffServerError(h *Handler[ServerError]) {
	Unsubscribe(m.bus, EventError, h)
}

// OnEvent receives the raw payload of any inbound event, including ones the
// manager has no typed category for.
func (m *Manager) OnEvent(event Event, h *Handler[json.RawMessage]) *Subscription {
	return Subscribe(m.raw, event, h)
}

func (m *Manager) OffEvent(event Event, h *Handler[json.RawMessage]) {
	Unsubscribe(m.raw, event, h)
}

// setState must be called with mu held.
func (m *Manager) setState(next State, err error, attempt int, retryIn time.Duration) {
	old := m.state
	if old == next && next != StateReconnecting {
		return
	}
	m.state = next
	m.snapshot.Store(int32(next))
	switch next {
	case StateConnecting:
		m.lastErr = nil
	case StateClosed:
		m.lastErr = err
	}

	change := StatusChange{Old: old, New: next, Err: err, Attempt: attempt, RetryIn: retryIn}
	fields := []zap.Field{zap.Stringer("from", old), zap.Stringer("to", next)}
	if err != nil {
		fields = append(fields, zap.Error(err))
	}
	if retryIn > 0 {
		fields = append(fields, zap.Int("attempt", attempt), zap.Duration("retry_in", retryIn))
	}
	m.logger.Debug("state change", fields...)

	m.queue.post(func() { m.bus.Publish(EventStatus, change) })
}

func (m *Manager) teardown() {
	m.conn = nil
	m.user = nil
	m.presence = 0
	m.hasCount = false
}

func (m *Manager) stopTimer() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

func (m *Manager) startAttempt() {
	m.gen++
	m.attempting = true
	go m.attempt(m.gen, m.token)
}

func (m *Manager) attempt(gen uint64, token string) {
	var t Transport
	if m.factory != nil {
		t = m.factory()
	}
	if t == nil {
		m.finishAttempt(gen, nil, nil, errors.New("transport factory returned nil"))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.handshakeTimeout)
	defer cancel()

	user, err := m.handshake(ctx, t, token)
	m.finishAttempt(gen, t, user, err)
}

type handshakeResult struct {
	user *auth.User
	err  error
}

// handshake dials, sends the token and waits for auth-ok or auth-error.
func (m *Manager) handshake(ctx context.Context, t Transport, token string) (*auth.User, error) {
	if err := t.Connect(ctx); err != nil {
		return nil, err
	}

	frame, err := Encode(EventAuth, authRequest{Token: token})
	if err != nil {
		return nil, err
	}
	if err := t.Send(frame); err != nil {
		return nil, err
	}

	done := make(chan handshakeResult, 1)
	go func() {
		for {
			data, err := t.Receive()
			if err != nil {
				done <- handshakeResult{err: err}
				return
			}
			msg, err := Decode(data)
			if err != nil {
				m.logger.Debug("ignoring frame during handshake", zap.Error(err))
				continue
			}
			switch msg.Event {
			case EventAuthOK:
				var ok authOK
				if err := json.Unmarshal(msg.Data, &ok); err != nil {
					done <- handshakeResult{err: fmt.Errorf("%w: %v", ErrInvalidMessage, err)}
					return
				}
				done <- handshakeResult{user: &ok.User}
				return
			case EventAuthError:
				var fail authFailure
				if err := json.Unmarshal(msg.Data, &fail); err != nil {
					m.logger.Debug("malformed auth-error payload", zap.Error(err))
				}
				done <- handshakeResult{err: &AuthError{Reason: fail.Reason}}
				return
			default:
				m.logger.Debug("ignoring frame during handshake", zap.String("event", string(msg.Event)))
			}
		}
	}()

	select {
	case res := <-done:
		return res.user, res.err
	case <-ctx.Done():
		t.Close()
		return nil, ErrTimeout
	}
}

func (m *Manager) finishAttempt(gen uint64, t Transport, user *auth.User, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if gen != m.gen || m.closed {
		if t != nil {
			go t.Close()
		}
		return
	}
	m.attempting = false

	if err == nil {
		conn := newConnection(gen, t, m.sendBuffer)
		m.conn = conn
		m.user = user
		m.failures = 0
		m.backoff.Reset()
		m.setState(StateOpen, nil, 0, 0)
		m.logger.Info("connected", zap.String("user", user.Username))

		go m.writeLoop(conn)
		go m.readLoop(conn)

		for _, room := range m.rooms {
			if frame, err := Encode(EventJoinRoom, roomRequest{Room: room}); err == nil {
				conn.enqueue(frame)
			}
		}
		return
	}

	if t != nil {
		go t.Close()
	}

	var authErr *AuthError
	if errors.As(err, &authErr) {
		m.logger.Warn("token rejected", zap.String("reason", authErr.Reason))
		m.setState(StateClosed, err, 0, 0)
		return
	}

	m.failures++
	m.logger.Warn("connection attempt failed", zap.Error(err), zap.Int("failures", m.failures))
	m.scheduleRetry(err)
}

// scheduleRetry must be called with mu held.
func (m *Manager) scheduleRetry(cause error) {
	if m.reconnectAttempts > 0 && m.failures >= m.reconnectAttempts {
		m.setState(StateClosed, fmt.Errorf("%w: %w", ErrRetriesExhausted, cause), m.failures, 0)
		return
	}

	delay := m.backoff.Duration()
	gen := m.gen
	m.timer = time.AfterFunc(delay, func() { m.retry(gen) })
	m.setState(StateReconnecting, cause, m.failures, delay)
}

func (m *Manager) retry(gen uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if gen != m.gen || m.closed || m.state != StateReconnecting || m.attempting {
		return
	}
	m.timer = nil
	m.startAttempt()
}

func (m *Manager) connectionLost(c *connection, err error) {
	m.mu.Lock()
	if m.conn != c {
		m.mu.Unlock()
		return
	}

	m.gen++
	m.teardown()
	m.logger.Warn("connection lost", zap.Error(err))
	m.scheduleRetry(err)
	m.mu.Unlock()

	c.shutdown()
}

func (m *Manager) writeLoop(c *connection) {
	for {
		select {
		case <-c.done:
			return
		case frame := <-c.sendCh:
			if err := c.transport.Send(frame); err != nil {
				m.connectionLost(c, err)
				return
			}
		}
	}
}

func (m *Manager) readLoop(c *connection) {
	for {
		frame, err := c.transport.Receive()
		if err != nil {
			m.connectionLost(c, err)
			return
		}
		gen := c.gen
		m.queue.post(func() { m.deliver(gen, frame) })
	}
}

// deliver runs on the dispatch goroutine.
func (m *Manager) deliver(gen uint64, frame []byte) {
	msg, err := Decode(frame)
	if err != nil {
		m.logger.Warn("dropping malformed frame", zap.Error(err))
		return
	}

	payload, known, err := decodePayload(msg)
	if err != nil {
		m.logger.Warn("dropping malformed payload", zap.String("event", string(msg.Event)), zap.Error(err))
		return
	}

	m.mu.Lock()
	if gen != m.gen || m.state != StateOpen {
		m.mu.Unlock()
		return
	}

	switch msg.Event {
	case EventAuthError:
		m.rejectLocked(payload.(*AuthError))
		return
	case EventUserCount:
		count := payload.(int)
		if m.hasCount && count == m.presence {
			m.mu.Unlock()
			return
		}
		m.presence = count
		m.hasCount = true
	}
	m.mu.Unlock()

	live := func() bool { return m.current(gen) }
	n := 0
	if known {
		n = m.bus.PublishWhile(msg.Event, payload, live)
	}
	n += m.raw.PublishWhile(msg.Event, msg.Data, live)
	if !known && n == 0 {
		m.logger.Debug("no handler for event", zap.String("event", string(msg.Event)))
	}
}

// current reports whether connection gen is still the open one.
func (m *Manager) current(gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return gen == m.gen && m.state == StateOpen
}

// rejectLocked handles a server revoking the session mid-connection. It
// releases mu.
func (m *Manager) rejectLocked(err *AuthError) {
	conn := m.conn
	m.gen++
	m.stopTimer()
	m.teardown()
	m.logger.Warn("session revoked by server", zap.String("reason", err.Reason))
	m.setState(StateClosed, err, 0, 0)
	m.mu.Unlock()

	if conn != nil {
		conn.shutdown()
	}
}

func decodePayload(msg Message) (interface{}, bool, error) {
	var (
		v   interface{}
		err error
	)

	switch msg.Event {
	case EventChatMessage:
		var p ChatMessage
		err = json.Unmarshal(msg.Data, &p)
		v = p
	case EventUserCount:
		var p UserCount
		err = json.Unmarshal(msg.Data, &p)
		v = p.Count
	case EventAnnouncement:
		var p Announcement
		err = json.Unmarshal(msg.Data, &p)
		v = p
	case EventTyping:
		var p Typing
		err = json.Unmarshal(msg.Data, &p)
		v = p
	case EventError:
		var p ServerError
		err = json.Unmarshal(msg.Data, &p)
		v = p
	case EventAuthError:
		var p authFailure
		if len(msg.Data) > 0 {
			err = json.Unmarshal(msg.Data, &p)
		}
		v = &AuthError{Reason: p.Reason}
	default:
		return nil, false, nil
	}

	if err != nil {
		return nil, true, err
	}
	return v, true, nil
}

type connection struct {
	gen       uint64
	transport Transport
	sendCh    chan []byte
	done      chan struct{}
	once      sync.Once
}

func newConnection(gen uint64, t Transport, buffer int) *connection {
	return &connection{
		gen:       gen,
		transport: t,
		sendCh:    make(chan []byte, buffer),
		done:      make(chan struct{}),
	}
}

func (c *connection) enqueue(frame []byte) error {
	select {
	case <-c.done:
		return ErrConnectionClosed
	default:
	}

	select {
	case c.sendCh <- frame:
		return nil
	default:
		return ErrSendBufferFull
	}
}

func (c *connection) shutdown() {
	c.once.Do(func() {
		close(c.done)
		go c.transport.Close()
	})
}

// dispatcher runs posted funcs one at a time, in post order, on its own
// goroutine. The queue is unbounded so posting never blocks.
type dispatcher struct {
	mu      sync.Mutex
	items   []func()
	stopped bool
	wake    chan struct{}
	done    chan struct{}
}

func newDispatcher() *dispatcher {
	d := &dispatcher{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go d.run()
	return d
}

func (d *dispatcher) post(fn func()) {
	if fn == nil {
		return
	}
	d.push(fn, false)
}

// stop lets already posted funcs run, then ends the goroutine.
func (d *dispatcher) stop() {
	d.push(nil, true)
}

func (d *dispatcher) push(fn func(), last bool) {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.items = append(d.items, fn)
	d.stopped = last
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *dispatcher) run() {
	defer close(d.done)
	for range d.wake {
		for {
			d.mu.Lock()
			if len(d.items) == 0 {
				d.mu.Unlock()
				break
			}
			fn := d.items[0]
			d.items[0] = nil
			d.items = d.items[1:]
			d.mu.Unlock()

			if fn == nil {
				return
			}
			fn()
		}
	}
}
