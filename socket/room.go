package socket

import (
	"sort"
	"sync"
)

// parallelThreshold is the room size above which broadcasts are spread over
// a worker pool.
const parallelThreshold = 64

type Room struct {
	name    string
	sockets map[string]Socket
	mu      sync.RWMutex
}

func NewRoom(name string) *Room {
	return &Room{
		name:    name,
		sockets: make(map[string]Socket),
	}
}

func (r *Room) AddSocket(s Socket) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sockets[s.ID()] = s
}

func (r *Room) RemoveSocket(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sockets, id)
}

func (r *Room) HasSocket(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.sockets[id]
	return exists
}

func (r *Room) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sockets)
}

// Broadcast writes frame to every member except the socket with id except.
// It returns once every write is queued, so consecutive broadcasts reach each
// member in order.
func (r *Room) Broadcast(frame []byte, except string) {
	targets := r.targets(except)
	if len(targets) > parallelThreshold {
		writeParallel(targets, frame, 8)
		return
	}
	for _, socket := range targets {
		socket.Write(frame)
	}
}

func (r *Room) targets(except string) []Socket {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Socket, 0, len(r.sockets))
	for id, socket := range r.sockets {
		if id != except {
			out = append(out, socket)
		}
	}
	return out
}

func writeParallel(targets []Socket, frame []byte, workerLimit int) {
	var wg sync.WaitGroup
	workerCount := min(len(targets), workerLimit)
	jobs := make(chan Socket, len(targets))

	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for socket := range jobs {
				socket.Write(frame)
			}
		}()
	}

	for _, socket := range targets {
		jobs <- socket
	}
	close(jobs)

	wg.Wait()
}

func (r *Room) GetSockets() []Socket {
	return r.targets("")
}

func (r *Room) Name() string {
	return r.name
}

type RoomManager struct {
	rooms map[string]*Room
	mu    sync.RWMutex
}

func NewRoomManager() *RoomManager {
	return &RoomManager{
		rooms: make(map[string]*Room),
	}
}

func (rm *RoomManager) HasRoom(name string) bool {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	_, exists := rm.rooms[name]
	return exists
}

// GetRooms lists room names in sorted order.
func (rm *RoomManager) GetRooms() []string {
	rm.mu.RLock()
	defer rm.mu.RUnlock()

	rooms := make([]string, 0, len(rm.rooms))
	for name := range rm.rooms {
		rooms = append(rooms, name)
	}
	sort.Strings(rooms)
	return rooms
}

func (rm *RoomManager) JoinRoom(roomName string, socket Socket) {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	room, exists := rm.rooms[roomName]
	if !exists {
		room = NewRoom(roomName)
		rm.rooms[roomName] = room
	}
	room.AddSocket(socket)
}

// LeaveRoom removes the socket; rooms disappear once empty.
func (rm *RoomManager) LeaveRoom(roomName string, socketID string) {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	room, exists := rm.rooms[roomName]
	if !exists {
		return
	}
	room.RemoveSocket(socketID)
	if room.Count() == 0 {
		delete(rm.rooms, roomName)
	}
}

func (rm *RoomManager) LeaveAllRooms(socketID string) {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	for name, room := range rm.rooms {
		if room.HasSocket(socketID) {
			room.RemoveSocket(socketID)
			if room.Count() == 0 {
				delete(rm.rooms, name)
			}
		}
	}
}

func (rm *RoomManager) GetSocketRooms(socketID string) []string {
	rm.mu.RLock()
	defer rm.mu.RUnlock()

	var socketRooms []string
	for name, room := range rm.rooms {
		if room.HasSocket(socketID) {
			socketRooms = append(socketRooms, name)
		}
	}
	sort.Strings(socketRooms)
	return socketRooms
}

func (rm *RoomManager) Count(roomName string) int {
	rm.mu.RLock()
	room, exists := rm.rooms[roomName]
	rm.mu.RUnlock()

	if !exists {
		return 0
	}
	return room.Count()
}

// BroadcastToRoom reports whether the room existed.
func (rm *RoomManager) BroadcastToRoom(roomName string, frame []byte, except string) bool {
	rm.mu.RLock()
	room, exists := rm.rooms[roomName]
	rm.mu.RUnlock()

	if !exists {
		return false
	}
	room.Broadcast(frame, except)
	return true
}
