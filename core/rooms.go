package core

import (
	"sort"
	"sync"
)

// RoomID identifies a fan-out group of live connections. Chat rooms are
// namespaced through RoomForChat so a room ID can never collide with any
// other identifier namespace.
type RoomID string

const chatRoomPrefix = "chat:"

// RoomForChat returns the room corresponding to a chat.
func RoomForChat(chatID string) RoomID {
	return RoomID(chatRoomPrefix + chatID)
}

// RoomRouter manages dynamic membership of connections in rooms and
// delivers events to a room's live members. Rooms are memory only: a
// process restart implies an empty router, and rooms are rebuilt by joining
// again whenever a connection is established or a membership is learned.
type RoomRouter struct {
	mu       sync.RWMutex
	rooms    map[RoomID]map[ConnID]struct{}
	byConn   map[ConnID]map[RoomID]struct{}
	sender   Sender
	registry *Registry
}

func NewRoomRouter(registry *Registry, sender Sender) *RoomRouter {
	return &RoomRouter{
		rooms:    make(map[RoomID]map[ConnID]struct{}),
		byConn:   make(map[ConnID]map[RoomID]struct{}),
		sender:   sender,
		registry: registry,
	}
}

// Join adds the connection to the room's member set. Idempotent.
func (rr *RoomRouter) Join(connID ConnID, roomID RoomID) {
	rr.mu.Lock()
	defer rr.mu.Unlock()
	if rr.rooms[roomID] == nil {
		rr.rooms[roomID] = make(map[ConnID]struct{})
	}
	rr.rooms[roomID][connID] = struct{}{}
	if rr.byConn[connID] == nil {
		rr.byConn[connID] = make(map[RoomID]struct{})
	}
	rr.byConn[connID][roomID] = struct{}{}
}

// Leave removes the connection from the room. Leaving a room the
// connection is not in is a no-op.
func (rr *RoomRouter) Leave(connID ConnID, roomID RoomID) {
	rr.mu.Lock()
	defer rr.mu.Unlock()
	rr.leave(connID, roomID)
}

func (rr *RoomRouter) leave(connID ConnID, roomID RoomID) {
	if members, ok := rr.rooms[roomID]; ok {
		delete(members, connID)
		if len(members) == 0 {
			delete(rr.rooms, roomID)
		}
	}
	if joined, ok := rr.byConn[connID]; ok {
		delete(joined, roomID)
		if len(joined) == 0 {
			delete(rr.byConn, connID)
		}
	}
}

// LeaveAll removes the connection from every room it belongs to. Used on
// disconnect.
func (rr *RoomRouter) LeaveAll(connID ConnID) {
	rr.mu.Lock()
	defer rr.mu.Unlock()
	for roomID := range rr.byConn[connID] {
		rr.leave(connID, roomID)
	}
}

// Members returns a snapshot of the room's member connections.
func (rr *RoomRouter) Members(roomID RoomID) []ConnID {
	rr.mu.RLock()
	defer rr.mu.RUnlock()
	members := make([]ConnID, 0, len(rr.rooms[roomID]))
	for connID := range rr.rooms[roomID] {
		members = append(members, connID)
	}
	return members
}

// Rooms returns a snapshot of all active room IDs.
func (rr *RoomRouter) Rooms() []RoomID {
	rr.mu.RLock()
	defer rr.mu.RUnlock()
	ids := make([]RoomID, 0, len(rr.rooms))
	for roomID := range rr.rooms {
		ids = append(ids, roomID)
	}
	return ids
}

// Broadcast delivers the event to every live member of the room except the
// excluded connections. Delivery order over peers is stable within one
// call.
func (rr *RoomRouter) Broadcast(roomID RoomID, e *Event, exclude ...ConnID) {
	rr.mu.RLock()
	targets := make([]ConnID, 0, len(rr.rooms[roomID]))
	for connID := range rr.rooms[roomID] {
		if connIn(connID, exclude) {
			continue
		}
		targets = append(targets, connID)
	}
	rr.mu.RUnlock()

	sort.Slice(targets, func(i, j int) bool { return targets[i] < targets[j] })
	for _, connID := range targets {
		rr.sender.SendToConn(connID, e)
	}
}

// EmitToUser delivers the event directly to the user's live connection,
// resolved through the registry. Silently drops the event if the user is
// offline.
func (rr *RoomRouter) EmitToUser(userID UserID, e *Event) {
	connID, ok := rr.registry.Lookup(userID)
	if !ok {
		return
	}
	rr.sender.SendToConn(connID, e)
}

func connIn(connID ConnID, set []ConnID) bool {
	for _, c := range set {
		if c == connID {
			return true
		}
	}
	return false
}
