// Package registry tracks live connections: identity, room membership,
// activity, and link quality. It is the single owner of Connection records;
// the router mutates membership and the health monitor mutates activity and
// latency, always through this type.
//
// All methods must be called from the dispatch goroutine. The maps carry no
// locking: the single serialized dispatch path is the concurrency contract
// for a single-process deployment.
package registry

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/tradementor/go-sync-service/pkg/chatsync"
)

// Connection is the server-side record of one live duplex session.
type Connection struct {
	ID           string
	UserID       string
	Rooms        map[string]struct{}
	LastActivity time.Time
	LatencyMs    int64
	Quality      chatsync.QualityBucket
	ConnectedAt  time.Time

	sender chatsync.Sender
}

// Send delivers an event on the connection's outbound channel.
func (c *Connection) Send(event chatsync.ServerEvent) error {
	return c.sender.Send(event)
}

// CloseSender closes the connection's outbound channel. Used by stale
// eviction, where no transport-level disconnect ever arrived.
func (c *Connection) CloseSender() error {
	return c.sender.Close()
}

// Registry holds all live connections for this process.
type Registry struct {
	connections map[string]*Connection
	thresholds  chatsync.QualityThresholds
	logger      zerolog.Logger
	now         func() time.Time
}

// New creates an empty registry.
func New(thresholds chatsync.QualityThresholds, logger zerolog.Logger) *Registry {
	return &Registry{
		connections: make(map[string]*Connection),
		thresholds:  thresholds,
		logger:      logger.With().Str("component", "Registry").Logger(),
		now:         time.Now,
	}
}

// Register creates a Connection record and emits connection-established on it.
func (r *Registry) Register(connID, userID string, sender chatsync.Sender) *Connection {
	now := r.now()
	conn := &Connection{
		ID:           connID,
		UserID:       userID,
		Rooms:        make(map[string]struct{}),
		LastActivity: now,
		LatencyMs:    -1,
		Quality:      chatsync.QualityUnknown,
		ConnectedAt:  now,
		sender:       sender,
	}
	r.connections[connID] = conn

	if err := conn.Send(chatsync.ServerEvent{
		Type:         chatsync.ServerConnectionEstablished,
		ConnectionID: connID,
		UserID:       userID,
	}); err != nil {
		r.logger.Warn().Err(err).Str("conn", connID).Msg("Failed to send connection-established")
	}

	r.logger.Info().Str("conn", connID).Str("user", userID).Msg("Connection registered")
	return conn
}

// Get returns the connection for an id, or nil if unknown.
func (r *Registry) Get(connID string) *Connection {
	return r.connections[connID]
}

// Touch refreshes a connection's last-activity timestamp. Unknown ids are a
// no-op.
func (r *Registry) Touch(connID string) {
	if conn, ok := r.connections[connID]; ok {
		conn.LastActivity = r.now()
	}
}

// RecordLatency stores a latency sample and recomputes the quality bucket.
// It returns the new bucket, or QualityUnknown for an unknown id.
func (r *Registry) RecordLatency(connID string, sampleMs int64) chatsync.QualityBucket {
	conn, ok := r.connections[connID]
	if !ok {
		return chatsync.QualityUnknown
	}
	conn.LatencyMs = sampleMs
	conn.Quality = r.thresholds.Classify(sampleMs)
	return conn.Quality
}

// Unregister removes a connection record. Unknown ids are a no-op, so a
// transport disconnect racing a stale eviction is harmless. Room membership
// is the router's side of the invariant; callers go through the router's
// Disconnect, which leaves all rooms before calling this.
func (r *Registry) Unregister(connID string) {
	conn, ok := r.connections[connID]
	if !ok {
		return
	}
	delete(r.connections, connID)
	r.logger.Info().Str("conn", connID).Str("user", conn.UserID).Msg("Connection unregistered")
}

// All iterates every live connection.
func (r *Registry) All(fn func(*Connection)) {
	for _, conn := range r.connections {
		fn(conn)
	}
}

// Count returns the number of live connections.
func (r *Registry) Count() int {
	return len(r.connections)
}

// StaleBefore returns the connections whose last activity is older than the
// given cutoff.
func (r *Registry) StaleBefore(cutoff time.Time) []*Connection {
	var stale []*Connection
	for _, conn := range r.connections {
		if conn.LastActivity.Before(cutoff) {
			stale = append(stale, conn)
		}
	}
	return stale
}

// SetClock overrides the registry's time source. Test hook.
func (r *Registry) SetClock(now func() time.Time) {
	r.now = now
}
