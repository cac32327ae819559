package realtime

import (
	"sync"
)

// Session is the per-connection metadata owned by the registry. Room is the
// key of the auction room the connection has joined, or empty.
type Session struct {
	Conn *Connection
	Room string
}

// SessionRegistry is the owned table mapping connection IDs to session
// metadata. Entries are created at upgrade and removed exactly once at
// disconnect; nothing relies on garbage collection for cleanup timing.
type SessionRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewSessionRegistry creates an empty registry.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{
		sessions: make(map[string]*Session),
	}
}

// Add registers a new connection. Returns false if the connection is
// already registered.
func (r *SessionRegistry) Add(conn *Connection) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.sessions[conn.ID]; exists {
		return false
	}
	r.sessions[conn.ID] = &Session{Conn: conn}
	return true
}

// Remove deletes the session for a connection and returns the room it was
// in, if any. Returns false if the connection was not registered.
func (r *SessionRegistry) Remove(connID string) (room string, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, exists := r.sessions[connID]
	if !exists {
		return "", false
	}
	delete(r.sessions, connID)
	return sess.Room, true
}

// Room returns the room the connection has joined, if any.
func (r *SessionRegistry) Room(connID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sess, exists := r.sessions[connID]
	if !exists {
		return "", false
	}
	return sess.Room, sess.Room != ""
}

// SetRoom records the room a connection has joined. An empty room clears
// membership.
func (r *SessionRegistry) SetRoom(connID, room string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sess, exists := r.sessions[connID]; exists {
		sess.Room = room
	}
}

// Count returns the number of live sessions.
func (r *SessionRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Connections returns a snapshot of all registered connections. Used by the
// heartbeat monitor and tenant-wide broadcasts; the snapshot avoids holding
// the lock during sends.
func (r *SessionRegistry) Connections() []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conns := make([]*Connection, 0, len(r.sessions))
	for _, sess := range r.sessions {
		conns = append(conns, sess.Conn)
	}
	return conns
}

// TenantConnections returns a snapshot of connections whose identity
// belongs to the given tenant, regardless of room membership.
func (r *SessionRegistry) TenantConnections(tenantID string) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var conns []*Connection
	for _, sess := range r.sessions {
		if sess.Conn.Identity().TenantID == tenantID {
			conns = append(conns, sess.Conn)
		}
	}
	return conns
}
