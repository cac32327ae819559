package realtime

import (
	"sync"

	"github.com/rs/zerolog/log"
)

// RoomKey derives the registry key for one auction's live session.
func RoomKey(tenantID, auctionID string) string {
	return tenantID + ":" + auctionID
}

// RoomManager maps room keys to the set of joined connections. Rooms are
// created lazily on first join and deallocated when their member set
// becomes empty. Membership state lives only in memory; clients rebuild it
// by rejoining after a restart.
type RoomManager struct {
	mu    sync.RWMutex
	rooms map[string]map[*Connection]bool
}

// NewRoomManager creates an empty room manager.
func NewRoomManager() *RoomManager {
	return &RoomManager{
		rooms: make(map[string]map[*Connection]bool),
	}
}

// Join adds a connection to a room and returns the new participant count.
func (rm *RoomManager) Join(conn *Connection, roomKey string) int {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	if rm.rooms[roomKey] == nil {
		rm.rooms[roomKey] = make(map[*Connection]bool)
	}
	rm.rooms[roomKey][conn] = true

	count := len(rm.rooms[roomKey])
	log.Debug().
		Str("connection_id", conn.ID).
		Str("room", roomKey).
		Int("participants", count).
		Msg("connection joined room")
	return count
}

// Leave removes a connection from a room and returns the remaining
// participant count. Empty rooms are deallocated.
func (rm *RoomManager) Leave(conn *Connection, roomKey string) int {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	members, exists := rm.rooms[roomKey]
	if !exists {
		return 0
	}
	delete(members, conn)

	count := len(members)
	if count == 0 {
		delete(rm.rooms, roomKey)
	}
	log.Debug().
		Str("connection_id", conn.ID).
		Str("room", roomKey).
		Int("participants", count).
		Msg("connection left room")
	return count
}

// Count returns the current member set size for a room.
func (rm *RoomManager) Count(roomKey string) int {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	return len(rm.rooms[roomKey])
}

// Members returns a snapshot of the connections in a room so the lock is
// not held during sends.
func (rm *RoomManager) Members(roomKey string) []*Connection {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	members := make([]*Connection, 0, len(rm.rooms[roomKey]))
	for conn := range rm.rooms[roomKey] {
		members = append(members, conn)
	}
	return members
}

// RoomCount returns the number of live rooms.
func (rm *RoomManager) RoomCount() int {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	return len(rm.rooms)
}

// Broadcast sends an event to every member of a room, optionally excluding
// one connection. Fan-out never blocks on a slow client: sends go through
// each connection's buffered channel and peers that cannot keep up are
// terminated, which routes them through the normal disconnect cleanup.
func (rm *RoomManager) Broadcast(roomKey, event string, data any, exclude *Connection) {
	fanout(rm.Members(roomKey), event, data, exclude)
}

func fanout(conns []*Connection, event string, data any, exclude *Connection) {
	frame, err := encodeEvent(event, data)
	if err != nil {
		log.Error().Err(err).Str("event", event).Msg("failed to encode broadcast")
		return
	}
	for _, conn := range conns {
		if conn == exclude {
			continue
		}
		if !conn.trySend(frame) {
			conn.Terminate()
		}
	}
}
