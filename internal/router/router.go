// Package router maintains the room-to-connection mapping and performs
// room-scoped broadcast. Rooms are created lazily on first join and deleted
// when their member set empties; a room with zero members never exists.
//
// Like the registry, all methods run on the dispatch goroutine.
package router

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/tradementor/go-sync-service/internal/registry"
	"github.com/tradementor/go-sync-service/pkg/chatsync"
)

// Guard authorizes a join before membership is granted. A nil error allows
// the join; any error rejects it with a scoped error to the joining
// connection.
type Guard func(ctx context.Context, userID, roomID string) error

// Router routes events to room members.
type Router struct {
	registry *registry.Registry
	rooms    map[string]map[string]struct{} // roomID -> set of connection IDs
	guard    Guard
	logger   zerolog.Logger
}

// New creates a router over the given registry.
func New(reg *registry.Registry, logger zerolog.Logger) *Router {
	return &Router{
		registry: reg,
		rooms:    make(map[string]map[string]struct{}),
		logger:   logger.With().Str("component", "Router").Logger(),
	}
}

// SetGuard installs the join authorization policy. Must be called before the
// dispatcher starts. A router without a guard allows every join.
func (r *Router) SetGuard(g Guard) {
	r.guard = g
}

// Join adds a connection to a room, creating the room if needed, and
// announces the join to the *other* current members. Joining a room twice is
// a no-op. Unknown connection ids are a no-op.
func (r *Router) Join(connID, roomID string) {
	conn := r.registry.Get(connID)
	if conn == nil {
		return
	}
	if _, already := conn.Rooms[roomID]; already {
		return
	}

	members, ok := r.rooms[roomID]
	if !ok {
		members = make(map[string]struct{})
		r.rooms[roomID] = members
	}

	// Presence goes to the members present before this join.
	r.Broadcast(roomID, chatsync.ServerEvent{
		Type:   chatsync.ServerUserJoined,
		RoomID: roomID,
		UserID: conn.UserID,
	})

	members[connID] = struct{}{}
	conn.Rooms[roomID] = struct{}{}

	r.logger.Debug().Str("conn", connID).Str("room", roomID).Int("members", len(members)).Msg("Joined room")
}

// Leave removes a connection from a room, deleting the room when it empties,
// and announces the leave to the remaining members. Unknown rooms and
// non-member connections are no-ops.
func (r *Router) Leave(connID, roomID string) {
	conn := r.registry.Get(connID)
	members, ok := r.rooms[roomID]
	if !ok {
		return
	}
	if _, member := members[connID]; !member {
		return
	}

	delete(members, connID)
	if conn != nil {
		delete(conn.Rooms, roomID)
	}

	if len(members) == 0 {
		delete(r.rooms, roomID)
		r.logger.Debug().Str("room", roomID).Msg("Room emptied and removed")
		return
	}

	userID := ""
	if conn != nil {
		userID = conn.UserID
	}
	r.Broadcast(roomID, chatsync.ServerEvent{
		Type:   chatsync.ServerUserLeft,
		RoomID: roomID,
		UserID: userID,
	})
}

// Disconnect leaves every room the connection is a member of and then removes
// the registry record. This is the single teardown path shared by transport
// disconnects and stale eviction, which keeps the room/connection sets in
// agreement.
func (r *Router) Disconnect(connID string) {
	conn := r.registry.Get(connID)
	if conn == nil {
		return
	}
	for roomID := range conn.Rooms {
		r.Leave(connID, roomID)
	}
	r.registry.Unregister(connID)
}

// Broadcast delivers an event to the current members of a room, in the order
// the server produced it relative to other broadcasts for the same room.
// Broadcasting to an unknown or empty room is a no-op.
func (r *Router) Broadcast(roomID string, event chatsync.ServerEvent) {
	members, ok := r.rooms[roomID]
	if !ok {
		return
	}
	for connID := range members {
		conn := r.registry.Get(connID)
		if conn == nil {
			// Membership should never outlive the registry record.
			r.logger.Error().Str("conn", connID).Str("room", roomID).Msg("Member without registry record, dropping")
			delete(members, connID)
			continue
		}
		if err := conn.Send(event); err != nil {
			r.logger.Warn().Err(err).Str("conn", connID).Str("room", roomID).Msg("Broadcast send failed")
		}
	}
}

// Members returns the current member count of a room; zero for unknown rooms.
func (r *Router) Members(roomID string) int {
	return len(r.rooms[roomID])
}

// IsMember reports whether a connection is currently in a room.
func (r *Router) IsMember(connID, roomID string) bool {
	members, ok := r.rooms[roomID]
	if !ok {
		return false
	}
	_, member := members[connID]
	return member
}

// Rooms returns the number of live rooms.
func (r *Router) Rooms() int {
	return len(r.rooms)
}
