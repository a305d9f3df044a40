package socket

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/momoland/realtime/auth"
)

type mockSocket struct {
	id string

	mu     sync.Mutex
	frames [][]byte
}

func newMockSocket(id string) *mockSocket {
	return &mockSocket{id: id}
}

func (m *mockSocket) ID() string { return m.id }

func (m *mockSocket) Send(event Event, data interface{}) error {
	frame, err := Encode(event, data)
	if err != nil {
		return err
	}
	return m.Write(frame)
}

func (m *mockSocket) Write(frame []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.frames = append(m.frames, frame)
	return nil
}

func (m *mockSocket) On(Event, func(json.RawMessage)) {}
func (m *mockSocket) Off(Event)                      {}
func (m *mockSocket) Close() error                   { return nil }
func (m *mockSocket) IsConnected() bool              { return true }
func (m *mockSocket) User() *auth.User               { return nil }

func (m *mockSocket) received() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.frames))
	for i, f := range m.frames {
		out[i] = string(f)
	}
	return out
}

func TestRoom_AddRemove(t *testing.T) {
	room := NewRoom("demo-room")
	a := newMockSocket("a")

	room.AddSocket(a)
	assert.True(t, room.HasSocket("a"))
	assert.Equal(t, 1, room.Count())
	assert.Equal(t, "demo-room", room.Name())

	room.RemoveSocket("a")
	assert.False(t, room.HasSocket("a"))
	assert.Zero(t, room.Count())
}

func TestRoom_BroadcastSkipsSender(t *testing.T) {
	room := NewRoom("demo-room")
	a, b, c := newMockSocket("a"), newMockSocket("b"), newMockSocket("c")
	room.AddSocket(a)
	room.AddSocket(b)
	room.AddSocket(c)

	room.Broadcast([]byte("one"), "a")
	room.Broadcast([]byte("two"), "")

	assert.Equal(t, []string{"two"}, a.received())
	assert.Equal(t, []string{"one", "two"}, b.received())
	assert.Equal(t, []string{"one", "two"}, c.received())
}

func TestRoom_ParallelBroadcastKeepsOrder(t *testing.T) {
	room := NewRoom("big")
	sockets := make([]*mockSocket, parallelThreshold+10)
	for i := range sockets {
		sockets[i] = newMockSocket(fmt.Sprintf("s%d", i))
		room.AddSocket(sockets[i])
	}

	room.Broadcast([]byte("first"), "")
	room.Broadcast([]byte("second"), "")

	for _, s := range sockets {
		assert.Equal(t, []string{"first", "second"}, s.received(), s.id)
	}
}

func TestRoomManager_RoomsVanishWhenEmpty(t *testing.T) {
	rm := NewRoomManager()
	a, b := newMockSocket("a"), newMockSocket("b")

	rm.JoinRoom("demo-room", a)
	rm.JoinRoom("demo-room", b)
	rm.JoinRoom("lobby", a)

	assert.Equal(t, []string{"demo-room", "lobby"}, rm.GetRooms())
	assert.Equal(t, []string{"demo-room", "lobby"}, rm.GetSocketRooms("a"))
	assert.Equal(t, 2, rm.Count("demo-room"))

	rm.LeaveRoom("lobby", "a")
	assert.False(t, rm.HasRoom("lobby"))

	rm.LeaveAllRooms("a")
	assert.Equal(t, 1, rm.Count("demo-room"))
	rm.LeaveRoom("demo-room", "b")
	assert.Empty(t, rm.GetRooms())
	assert.Zero(t, rm.Count("demo-room"))

	rm.LeaveRoom("missing", "a")
}

func TestRoomManager_BroadcastToRoom(t *testing.T) {
	rm := NewRoomManager()
	a, b := newMockSocket("a"), newMockSocket("b")
	rm.JoinRoom("demo-room", a)
	rm.JoinRoom("demo-room", b)

	assert.True(t, rm.BroadcastToRoom("demo-room", []byte("hi"), "b"))
	assert.False(t, rm.BroadcastToRoom("nowhere", []byte("hi"), ""))

	assert.Equal(t, []string{"hi"}, a.received())
	assert.Empty(t, b.received())
}
