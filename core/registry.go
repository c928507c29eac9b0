package core

import (
	"sync"
)

// ConnID identifies a live transport-level connection within this process.
type ConnID string

// UserID identifies a user across the system.
type UserID string

// Registry maps users to their currently live connection. It is the source
// of truth for "is user X reachable right now". At most one connection is
// bound per user: a later Bind overwrites an earlier one without closing
// it, so a user with two live connections has only the most recently
// identified one reachable for routed events.
type Registry struct {
	mu     sync.RWMutex
	byUser map[UserID]ConnID
	byConn map[ConnID]UserID
}

func NewRegistry() *Registry {
	return &Registry{
		byUser: make(map[UserID]ConnID),
		byConn: make(map[ConnID]UserID),
	}
}

// Bind records the user → connection mapping and returns the connection
// previously bound to that user, if any. The previous connection is not
// closed; the caller decides whether to evict it.
func (r *Registry) Bind(connID ConnID, userID UserID) (ConnID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev, had := r.byUser[userID]
	if had {
		delete(r.byConn, prev)
	}
	r.byUser[userID] = connID
	r.byConn[connID] = userID
	return prev, had
}

// Lookup returns the live connection bound to the user.
func (r *Registry) Lookup(userID UserID) (ConnID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	connID, ok := r.byUser[userID]
	return connID, ok
}

// LookupUser returns the user bound to the connection.
func (r *Registry) LookupUser(connID ConnID) (UserID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	userID, ok := r.byConn[connID]
	return userID, ok
}

// Unbind removes the entry whose value equals connID and returns the freed
// user. A connection that was never bound is a no-op.
func (r *Registry) Unbind(connID ConnID) (UserID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	userID, ok := r.byConn[connID]
	if !ok {
		return "", false
	}
	delete(r.byConn, connID)
	// guard against the entry having been overwritten by a later Bind
	if cur, ok := r.byUser[userID]; ok && cur == connID {
		delete(r.byUser, userID)
	}
	return userID, true
}

// IsOnline reports whether the user has a live bound connection.
func (r *Registry) IsOnline(userID UserID) bool {
	_, ok := r.Lookup(userID)
	return ok
}

// OnlineUsers returns a snapshot of all bound users.
func (r *Registry) OnlineUsers() []UserID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	users := make([]UserID, 0, len(r.byUser))
	for u := range r.byUser {
		users = append(users, u)
	}
	return users
}
