package socket

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/momoland/realtime/auth"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

// fakeServer hands out in-memory transports and answers the auth frame.
type fakeServer struct {
	mu         sync.Mutex
	dialErr    error
	reject     string
	silent     bool
	user       auth.User
	block      chan struct{}
	transports []*fakeTransport
}

func newFakeServer() *fakeServer {
	return &fakeServer{user: auth.User{ID: "u1", Username: "momo", Role: auth.RoleUser}}
}

func (s *fakeServer) factory() Transport {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := &fakeTransport{srv: s, in: make(chan []byte, 64), closed: make(chan struct{})}
	s.transports = append(s.transports, t)
	return t
}

func (s *fakeServer) set(fn func(s *fakeServer)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s)
}

func (s *fakeServer) dials() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, t := range s.transports {
		if t.dialed {
			n++
		}
	}
	return n
}

func (s *fakeServer) last() *fakeTransport {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.transports) == 0 {
		return nil
	}
	return s.transports[len(s.transports)-1]
}

func (s *fakeServer) all() []*fakeTransport {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*fakeTransport(nil), s.transports...)
}

type fakeTransport struct {
	srv    *fakeServer
	in     chan []byte
	closed chan struct{}
	once   sync.Once
	dialed bool

	mu   sync.Mutex
	sent []Message
}

func (t *fakeTransport) Connect(ctx context.Context) error {
	t.srv.mu.Lock()
	defer t.srv.mu.Unlock()
	t.dialed = true
	return t.srv.dialErr
}

func (t *fakeTransport) Send(data []byte) error {
	select {
	case <-t.closed:
		return ErrConnectionClosed
	default:
	}

	msg, err := Decode(data)
	if err != nil {
		return err
	}

	t.srv.mu.Lock()
	reject, silent, user, block := t.srv.reject, t.srv.silent, t.srv.user, t.srv.block
	t.srv.mu.Unlock()

	if msg.Event == EventSendMessage && block != nil {
		select {
		case <-block:
		case <-t.closed:
			return ErrConnectionClosed
		}
	}

	t.mu.Lock()
	t.sent = append(t.sent, msg)
	t.mu.Unlock()

	if msg.Event == EventAuth && !silent {
		if reject != "" {
			t.push(EventAuthError, authFailure{Reason: reject})
		} else {
			t.push(EventAuthOK, authOK{User: user})
		}
	}
	return nil
}

func (t *fakeTransport) Receive() ([]byte, error) {
	select {
	case frame := <-t.in:
		return frame, nil
	case <-t.closed:
		return nil, ErrConnectionClosed
	}
}

func (t *fakeTransport) Close() error {
	t.once.Do(func() { close(t.closed) })
	return nil
}

func (t *fakeTransport) isClosed() bool {
	select {
	case <-t.closed:
		return true
	default:
		return false
	}
}

func (t *fakeTransport) push(event Event, data interface{}) {
	frame, err := Encode(event, data)
	if err != nil {
		panic(err)
	}
	t.in <- frame
}

func (t *fakeTransport) pushRaw(frame string) {
	t.in <- []byte(frame)
}

func (t *fakeTransport) sentEvents() []Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	events := make([]Event, len(t.sent))
	for i, msg := range t.sent {
		events[i] = msg.Event
	}
	return events
}

func (t *fakeTransport) sentData(event Event) []json.RawMessage {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []json.RawMessage
	for _, msg := range t.sent {
		if msg.Event == event {
			out = append(out, msg.Data)
		}
	}
	return out
}

type recorder[T any] struct {
	mu    sync.Mutex
	items []T
}

func (r *recorder[T]) add(v T) {
	r.mu.Lock()
	r.items = append(r.items, v)
	r.mu.Unlock()
}

func (r *recorder[T]) all() []T {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]T(nil), r.items...)
}

func (r *recorder[T]) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.items)
}

func newTestManager(t *testing.T, srv *fakeServer, opts ...ManagerOption) (*Manager, *observer.ObservedLogs) {
	t.Helper()
	core, logs := observer.New(zapcore.DebugLevel)
	opts = append([]ManagerOption{
		WithLogger(zap.New(core)),
		WithReconnectDelay(5 * time.Millisecond),
		WithMaxReconnectDelay(20 * time.Millisecond),
		WithHandshakeTimeout(time.Second),
	}, opts...)
	m := NewManager(srv.factory, opts...)
	t.Cleanup(func() { m.Close() })
	return m, logs
}

func waitState(t *testing.T, m *Manager, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return m.State() == want }, waitFor, tick,
		"state stayed %s, want %s", m.State(), want)
}

func TestManager_ConnectDeliversUserCountInOrder(t *testing.T) {
	srv := newFakeServer()
	m, _ := newTestManager(t, srv)

	var statuses recorder[StatusChange]
	m.OnStatus(NewHandler(statuses.add))

	var got recorder[string]
	m.OnUserCount(NewHandler(func(n int) { got.add("a") }))
	m.OnUserCount(NewHandler(func(n int) { got.add("b") }))
	m.OnUserCount(NewHandler(func(n int) {
		assert.Equal(t, 5, n)
		got.add("c")
	}))

	assert.Equal(t, StateIdle, m.State())
	require.NoError(t, m.Connect("tok1"))
	waitState(t, m, StateOpen)
	assert.True(t, m.IsConnected())

	auths := srv.last().sentData(EventAuth)
	require.Len(t, auths, 1)
	assert.JSONEq(t, `{"token":"tok1"}`, string(auths[0]))

	srv.last().push(EventUserCount, UserCount{Count: 5})
	require.Eventually(t, func() bool { return got.len() == 3 }, waitFor, tick)
	assert.Equal(t, []string{"a", "b", "c"}, got.all())
	assert.Equal(t, 5, m.PresenceCount())

	require.Eventually(t, func() bool { return statuses.len() == 2 }, waitFor, tick)
	changes := statuses.all()
	assert.Equal(t, StateIdle, changes[0].Old)
	assert.Equal(t, StateConnecting, changes[0].New)
	assert.Equal(t, StateConnecting, changes[1].Old)
	assert.Equal(t, StateOpen, changes[1].New)
}

func TestManager_MessageFanOutAndOff(t *testing.T) {
	srv := newFakeServer()
	m, _ := newTestManager(t, srv)

	var got recorder[string]
	first := NewHandler(func(msg ChatMessage) { got.add("first:" + msg.Content) })
	second := NewHandler(func(msg ChatMessage) { got.add("second:" + msg.Content) })
	m.OnMessage(first)
	m.OnMessage(second)
	m.OnMessage(first)

	require.NoError(t, m.Connect("tok1"))
	waitState(t, m, StateOpen)

	srv.last().push(EventChatMessage, ChatMessage{Room: "demo-room", Content: "hi"})
	require.Eventually(t, func() bool { return got.len() == 2 }, waitFor, tick)

	m.OffMessage(first)
	m.OffMessage(first)
	srv.last().push(EventChatMessage, ChatMessage{Room: "demo-room", Content: "again"})
	require.Eventually(t, func() bool { return got.len() == 3 }, waitFor, tick)

	assert.Equal(t, []string{"first:hi", "second:hi", "second:again"}, got.all())
}

func TestManager_SubscriptionToken(t *testing.T) {
	srv := newFakeServer()
	m, _ := newTestManager(t, srv)

	var got recorder[Announcement]
	sub := m.OnAnnouncement(NewHandler(got.add))
	require.True(t, sub.Active())

	require.NoError(t, m.Connect("tok1"))
	waitState(t, m, StateOpen)

	srv.last().push(EventAnnouncement, Announcement{Type: AnnouncementInfo, Message: "one"})
	require.Eventually(t, func() bool { return got.len() == 1 }, waitFor, tick)

	sub.Unsubscribe()
	sub.Unsubscribe()

	var sentinel recorder[Announcement]
	m.OnAnnouncement(NewHandler(sentinel.add))
	srv.last().push(EventAnnouncement, Announcement{Type: AnnouncementInfo, Message: "two"})
	require.Eventually(t, func() bool { return sentinel.len() == 1 }, waitFor, tick)

	assert.Equal(t, 1, got.len())
}

func TestManager_AuthRejectionClosesWithoutRetry(t *testing.T) {
	srv := newFakeServer()
	srv.reject = "token expired"
	m, _ := newTestManager(t, srv)

	var statuses recorder[StatusChange]
	m.OnStatus(NewHandler(statuses.add))

	require.NoError(t, m.Connect("stale"))
	waitState(t, m, StateClosed)
	assert.False(t, m.IsConnected())

	require.Eventually(t, func() bool { return statuses.len() == 2 }, waitFor, tick)
	last := statuses.all()[1]
	assert.Equal(t, StateConnecting, last.Old)
	assert.Equal(t, StateClosed, last.New)
	require.ErrorIs(t, last.Err, ErrAuthRejected)

	var authErr *AuthError
	require.True(t, errors.As(last.Err, &authErr))
	assert.Equal(t, "token expired", authErr.Reason)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, srv.dials())
	assert.Equal(t, StateClosed, m.State())
}

func TestManager_MalformedAuthErrorStillCloses(t *testing.T) {
	srv := newFakeServer()
	srv.silent = true
	m, logs := newTestManager(t, srv)

	require.NoError(t, m.Connect("stale"))
	require.Eventually(t, func() bool {
		last := srv.last()
		return last != nil && len(last.sentEvents()) > 0
	}, waitFor, tick)
	srv.last().pushRaw(`{"event":"auth-error","data":"not an object"}`)

	waitState(t, m, StateClosed)
	require.ErrorIs(t, m.Err(), ErrAuthRejected)
	assert.Equal(t, 1, logs.FilterMessage("malformed auth-error payload").Len())
}

func TestManager_SendWhileReconnectingIsDropped(t *testing.T) {
	srv := newFakeServer()
	m, logs := newTestManager(t, srv, WithReconnectDelay(time.Hour), WithMaxReconnectDelay(time.Hour))

	require.NoError(t, m.Connect("tok1"))
	waitState(t, m, StateOpen)

	srv.last().Close()
	waitState(t, m, StateReconnecting)

	assert.NotPanics(t, func() {
		err := m.SendMessage("demo-room", "hello?")
		assert.ErrorIs(t, err, ErrNotConnected)
	})

	for _, tr := range srv.all() {
		assert.NotContains(t, tr.sentEvents(), EventSendMessage)
	}
	warnings := logs.FilterMessage("not connected, dropping outbound event").FilterLevelExact(zapcore.WarnLevel)
	assert.Equal(t, 1, warnings.Len())
}

func TestManager_DisconnectStopsDelivery(t *testing.T) {
	srv := newFakeServer()
	m, _ := newTestManager(t, srv)

	var got recorder[int]
	m.OnUserCount(NewHandler(got.add))

	require.NoError(t, m.Connect("tok1"))
	waitState(t, m, StateOpen)
	old := srv.last()

	m.Disconnect()
	assert.False(t, m.IsConnected())
	assert.Equal(t, StateClosed, m.State())
	assert.Nil(t, m.Socket())
	assert.Nil(t, m.User())

	old.push(EventUserCount, UserCount{Count: 9})
	assert.ErrorIs(t, m.SendMessage("demo-room", "late"), ErrNotConnected)
	require.Eventually(t, old.isClosed, waitFor, tick)

	time.Sleep(30 * time.Millisecond)
	assert.Zero(t, got.len())
	assert.NotContains(t, old.sentEvents(), EventSendMessage)
}

func TestManager_DisconnectFromHandlerStopsRemainingHandlers(t *testing.T) {
	srv := newFakeServer()
	m, _ := newTestManager(t, srv)

	var got recorder[string]
	m.OnMessage(NewHandler(func(ChatMessage) {
		got.add("first")
		m.Disconnect()
	}))
	m.OnMessage(NewHandler(func(ChatMessage) {
		got.add("second:" + m.State().String())
	}))
	raw := NewHandler(func(json.RawMessage) { got.add("raw") })
	m.OnEvent(EventChatMessage, raw)

	require.NoError(t, m.Connect("tok1"))
	waitState(t, m, StateOpen)

	srv.last().push(EventChatMessage, ChatMessage{Room: "demo-room", Content: "hi"})
	require.Eventually(t, func() bool { return m.State() == StateClosed }, waitFor, tick)

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, []string{"first"}, got.all())
}

func TestManager_DisconnectIsIdempotent(t *testing.T) {
	srv := newFakeServer()
	m, _ := newTestManager(t, srv)

	var statuses recorder[StatusChange]
	m.OnStatus(NewHandler(statuses.add))

	m.Disconnect()
	assert.Equal(t, StateIdle, m.State())

	require.NoError(t, m.Connect("tok1"))
	waitState(t, m, StateOpen)

	m.Disconnect()
	m.Disconnect()

	require.Eventually(t, func() bool { return statuses.len() == 3 }, waitFor, tick)
	time.Sleep(20 * time.Millisecond)
	changes := statuses.all()
	require.Len(t, changes, 3)
	assert.Equal(t, StateClosed, changes[2].New)
	assert.NoError(t, changes[2].Err)
}

func TestManager_ConnectIsNoopWhileOpen(t *testing.T) {
	srv := newFakeServer()
	m, _ := newTestManager(t, srv)

	require.NoError(t, m.Connect("tok1"))
	require.NoError(t, m.Connect("tok1"))
	waitState(t, m, StateOpen)
	require.NoError(t, m.Connect("tok2"))

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, srv.dials())
}

func TestManager_ReconnectsAndRejoinsRooms(t *testing.T) {
	srv := newFakeServer()
	m, _ := newTestManager(t, srv)

	require.NoError(t, m.Join("demo-room"))
	require.NoError(t, m.Connect("tok1"))
	waitState(t, m, StateOpen)

	first := srv.last()
	require.Eventually(t, func() bool {
		return len(first.sentData(EventJoinRoom)) == 1
	}, waitFor, tick)

	var statuses recorder[StatusChange]
	m.OnStatus(NewHandler(statuses.add))

	first.Close()
	require.Eventually(t, func() bool { return srv.dials() == 2 && m.IsConnected() }, waitFor, tick)

	second := srv.last()
	require.Eventually(t, func() bool {
		return len(second.sentData(EventJoinRoom)) == 1
	}, waitFor, tick)
	assert.Equal(t, []Event{EventAuth, EventJoinRoom}, second.sentEvents())
	assert.JSONEq(t, `{"room":"demo-room"}`, string(second.sentData(EventJoinRoom)[0]))

	require.Eventually(t, func() bool { return statuses.len() >= 2 }, waitFor, tick)
	changes := statuses.all()
	assert.Equal(t, StateReconnecting, changes[0].New)
	assert.Error(t, changes[0].Err)
	assert.Positive(t, changes[0].RetryIn)
	assert.Equal(t, StateOpen, changes[len(changes)-1].New)

	require.NoError(t, m.Leave("demo-room"))
	assert.Empty(t, m.Rooms())
	require.Eventually(t, func() bool {
		return len(second.sentData(EventLeaveRoom)) == 1
	}, waitFor, tick)
}

func TestManager_RetriesExhausted(t *testing.T) {
	srv := newFakeServer()
	srv.dialErr = errors.New("connection refused")
	m, _ := newTestManager(t, srv, WithReconnectAttempts(3))

	var statuses recorder[StatusChange]
	m.OnStatus(NewHandler(statuses.add))

	require.NoError(t, m.Connect("tok1"))
	waitState(t, m, StateClosed)
	assert.Equal(t, 3, srv.dials())

	require.Eventually(t, func() bool {
		changes := statuses.all()
		return len(changes) > 0 && changes[len(changes)-1].New == StateClosed
	}, waitFor, tick)

	changes := statuses.all()
	last := changes[len(changes)-1]
	assert.ErrorIs(t, last.Err, ErrRetriesExhausted)
	assert.ErrorContains(t, last.Err, "connection refused")
	assert.Equal(t, 3, last.Attempt)

	var attempts []int
	for _, c := range changes {
		if c.New == StateReconnecting {
			attempts = append(attempts, c.Attempt)
			assert.Positive(t, c.RetryIn)
		}
	}
	assert.Equal(t, []int{1, 2}, attempts)
}

func TestManager_HandshakeTimeout(t *testing.T) {
	srv := newFakeServer()
	srv.silent = true
	m, _ := newTestManager(t, srv,
		WithHandshakeTimeout(20*time.Millisecond),
		WithReconnectAttempts(1),
	)

	var statuses recorder[StatusChange]
	m.OnStatus(NewHandler(statuses.add))

	require.NoError(t, m.Connect("tok1"))
	waitState(t, m, StateClosed)
	require.Eventually(t, func() bool { return statuses.len() == 2 }, waitFor, tick)

	last := statuses.all()[1]
	assert.ErrorIs(t, last.Err, ErrRetriesExhausted)
	assert.ErrorIs(t, last.Err, ErrTimeout)
	require.Eventually(t, srv.last().isClosed, waitFor, tick)
}

func TestManager_ConnectWhileWaitingRetriesNow(t *testing.T) {
	srv := newFakeServer()
	srv.dialErr = errors.New("offline")
	m, _ := newTestManager(t, srv, WithReconnectDelay(time.Hour), WithMaxReconnectDelay(time.Hour))

	require.NoError(t, m.Connect("tok1"))
	waitState(t, m, StateReconnecting)
	require.Equal(t, 1, srv.dials())

	srv.set(func(s *fakeServer) { s.dialErr = nil })
	require.NoError(t, m.Connect("tok2"))
	waitState(t, m, StateOpen)

	auths := srv.last().sentData(EventAuth)
	require.Len(t, auths, 1)
	assert.JSONEq(t, `{"token":"tok2"}`, string(auths[0]))
}

func TestManager_PresenceDeliveredOnChange(t *testing.T) {
	srv := newFakeServer()
	m, _ := newTestManager(t, srv)

	var got recorder[int]
	m.OnUserCount(NewHandler(got.add))

	require.NoError(t, m.Connect("tok1"))
	waitState(t, m, StateOpen)

	tr := srv.last()
	tr.push(EventUserCount, UserCount{Count: 5})
	tr.push(EventUserCount, UserCount{Count: 5})
	tr.push(EventUserCount, UserCount{Count: 7})

	require.Eventually(t, func() bool { return got.len() == 2 }, waitFor, tick)
	assert.Equal(t, []int{5, 7}, got.all())
	assert.Equal(t, 7, m.PresenceCount())
}

func TestManager_DropsMalformedAndUnknownFrames(t *testing.T) {
	srv := newFakeServer()
	m, logs := newTestManager(t, srv)

	var got recorder[string]
	m.OnMessage(NewHandler(func(msg ChatMessage) { got.add(msg.Content) }))

	var raw recorder[string]
	m.OnEvent("mystery", NewHandler(func(data json.RawMessage) { raw.add(string(data)) }))

	require.NoError(t, m.Connect("tok1"))
	waitState(t, m, StateOpen)

	tr := srv.last()
	tr.pushRaw("not json")
	tr.pushRaw(`{"event":"chat-message","data":"oops"}`)
	tr.pushRaw(`{"event":"mystery","data":{"x":1}}`)
	tr.push(EventChatMessage, ChatMessage{Content: "valid"})

	require.Eventually(t, func() bool { return got.len() == 1 }, waitFor, tick)
	assert.Equal(t, []string{"valid"}, got.all())
	assert.Equal(t, []string{`{"x":1}`}, raw.all())
	assert.True(t, m.IsConnected())

	assert.Equal(t, 1, logs.FilterMessage("dropping malformed frame").Len())
	assert.Equal(t, 1, logs.FilterMessage("dropping malformed payload").Len())
}

func TestManager_HandlerPanicDoesNotStopDispatch(t *testing.T) {
	srv := newFakeServer()
	m, logs := newTestManager(t, srv)

	var got recorder[Typing]
	m.OnTyping(NewHandler(func(Typing) { panic("boom") }))
	m.OnTyping(NewHandler(got.add))

	require.NoError(t, m.Connect("tok1"))
	waitState(t, m, StateOpen)

	srv.last().push(EventTyping, Typing{Room: "demo-room", User: "bob", Typing: true})
	srv.last().push(EventTyping, Typing{Room: "demo-room", User: "bob", Typing: false})

	require.Eventually(t, func() bool { return got.len() == 2 }, waitFor, tick)
	assert.Equal(t, 2, logs.FilterMessage("handler panicked").Len())
}

func TestManager_SocketAndUser(t *testing.T) {
	srv := newFakeServer()
	srv.user = auth.User{ID: "a1", Username: "admin", Role: auth.RoleAdmin}
	m, _ := newTestManager(t, srv)

	assert.Nil(t, m.Socket())
	assert.Nil(t, m.User())

	require.NoError(t, m.Connect("tok1"))
	waitState(t, m, StateOpen)

	assert.Same(t, srv.last(), m.Socket())
	user := m.User()
	require.NotNil(t, user)
	assert.True(t, user.IsAdmin())

	require.NoError(t, m.SendAnnouncement(AnnouncementWarning, "maintenance at noon"))
	assert.Error(t, m.SendAnnouncement("shout", "nope"))
	require.NoError(t, m.Emit("custom-event", map[string]string{"k": "v"}))
	require.NoError(t, m.SendTyping("demo-room", true))

	require.Eventually(t, func() bool { return len(srv.last().sentEvents()) == 4 }, waitFor, tick)
	assert.Equal(t,
		[]Event{EventAuth, EventAdminAnnouncement, "custom-event", EventTyping},
		srv.last().sentEvents())
}

func TestManager_SendBufferFull(t *testing.T) {
	srv := newFakeServer()
	srv.block = make(chan struct{})
	defer close(srv.block)
	m, logs := newTestManager(t, srv, WithSendBuffer(1))

	require.NoError(t, m.Connect("tok1"))
	waitState(t, m, StateOpen)

	var err error
	for i := 0; i < 5 && err == nil; i++ {
		err = m.SendMessage("demo-room", "spam")
	}
	assert.ErrorIs(t, err, ErrSendBufferFull)
	assert.Equal(t, 1, logs.FilterMessage("dropping outbound event").Len())
}

func TestManager_ServerRevokesSession(t *testing.T) {
	srv := newFakeServer()
	m, _ := newTestManager(t, srv)

	var statuses recorder[StatusChange]
	m.OnStatus(NewHandler(statuses.add))

	require.NoError(t, m.Connect("tok1"))
	waitState(t, m, StateOpen)
	tr := srv.last()

	tr.push(EventAuthError, authFailure{Reason: "revoked"})
	waitState(t, m, StateClosed)
	require.Eventually(t, tr.isClosed, waitFor, tick)

	require.Eventually(t, func() bool { return statuses.len() == 3 }, waitFor, tick)
	assert.ErrorIs(t, statuses.all()[2].Err, ErrAuthRejected)
}

func TestManager_ServerErrorEvent(t *testing.T) {
	srv := newFakeServer()
	m, _ := newTestManager(t, srv)

	var got recorder[ServerError]
	h := NewHandler(got.add)
	m.OnServerError(h)

	require.NoError(t, m.Connect("tok1"))
	waitState(t, m, StateOpen)

	srv.last().push(EventError, ServerError{Reason: "forbidden"})
	require.Eventually(t, func() bool { return got.len() == 1 }, waitFor, tick)
	assert.Equal(t, "forbidden", got.all()[0].Reason)

	m.OffServerError(h)
	m.OffUserCount(NewHandler(func(int) {}))
}

func TestManager_ClosedManagerRejectsCalls(t *testing.T) {
	srv := newFakeServer()
	m, _ := newTestManager(t, srv)

	require.NoError(t, m.Connect("tok1"))
	waitState(t, m, StateOpen)

	require.NoError(t, m.Close())
	require.NoError(t, m.Close())

	assert.Equal(t, StateClosed, m.State())
	assert.ErrorIs(t, m.Connect("tok1"), ErrManagerClosed)
	assert.ErrorIs(t, m.SendMessage("demo-room", "hi"), ErrManagerClosed)
}

func TestManager_WaitOpen(t *testing.T) {
	srv := newFakeServer()
	m, _ := newTestManager(t, srv)

	assert.ErrorIs(t, m.WaitOpen(context.Background()), ErrNotConnected)

	require.NoError(t, m.Connect("tok1"))
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, m.WaitOpen(ctx))
	assert.NoError(t, m.Err())

	m.Disconnect()
	assert.ErrorIs(t, m.WaitOpen(ctx), ErrConnectionClosed)
	assert.NoError(t, m.Err())
}

func TestManager_WaitOpenReportsRejection(t *testing.T) {
	srv := newFakeServer()
	srv.set(func(s *fakeServer) { s.reject = "invalid token" })
	m, _ := newTestManager(t, srv)

	require.NoError(t, m.Connect("stale"))
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()

	err := m.WaitOpen(ctx)
	assert.ErrorIs(t, err, ErrAuthRejected)
	var authErr *AuthError
	require.ErrorAs(t, m.Err(), &authErr)
	assert.Equal(t, "invalid token", authErr.Reason)
}

func TestManager_WaitOpenHonorsContext(t *testing.T) {
	srv := newFakeServer()
	srv.set(func(s *fakeServer) { s.silent = true })
	m, _ := newTestManager(t, srv, WithHandshakeTimeout(time.Minute))

	require.NoError(t, m.Connect("tok1"))
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, m.WaitOpen(ctx), context.DeadlineExceeded)
	assert.Equal(t, StateConnecting, m.State())
}
