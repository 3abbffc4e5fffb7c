// --- File: pkg/chatsync/events.go ---
package chatsync

import "time"

// EventKind enumerates the inbound events accepted by the core. Dispatch is
// keyed on this enum rather than on raw frame strings, so an unrecognised
// frame type fails closed at the decode boundary.
type EventKind int

const (
	EventUnknown EventKind = iota
	EventJoinRoom
	EventLeaveRoom
	EventSendMessage
	EventAgentRequest
	EventPing
	EventDisconnect
)

// String returns the wire name of the event kind.
func (k EventKind) String() string {
	switch k {
	case EventJoinRoom:
		return "join-room"
	case EventLeaveRoom:
		return "leave-room"
	case EventSendMessage:
		return "send-message"
	case EventAgentRequest:
		return "request-agent-response"
	case EventPing:
		return "ping"
	case EventDisconnect:
		return "disconnect"
	default:
		return "unknown"
	}
}

// ParseEventKind maps a wire frame type to an EventKind.
func ParseEventKind(s string) (EventKind, bool) {
	switch s {
	case "join-room":
		return EventJoinRoom, true
	case "leave-room":
		return EventLeaveRoom, true
	case "send-message":
		return EventSendMessage, true
	case "request-agent-response":
		return EventAgentRequest, true
	case "ping":
		return EventPing, true
	case "disconnect":
		return EventDisconnect, true
	default:
		return EventUnknown, false
	}
}

// ClientEvent is the decoded, tagged form of an inbound frame. Only the
// fields relevant to the Kind are populated.
type ClientEvent struct {
	Kind         EventKind
	ConnectionID string
	RoomID       string

	// send-message
	Content   string
	ClientRef string

	// request-agent-response
	AgentID string
	History []Message

	// ping: the client's local send timestamp, unix milliseconds.
	Timestamp int64
}

// ServerEventType names an outbound event.
type ServerEventType string

const (
	ServerConnectionEstablished ServerEventType = "connection-established"
	ServerUserJoined            ServerEventType = "user-joined"
	ServerUserLeft              ServerEventType = "user-left"
	ServerMessageReceived       ServerEventType = "message-received"
	ServerAgentTyping           ServerEventType = "agent-typing"
	ServerPong                  ServerEventType = "pong"
	ServerHeartbeat             ServerEventType = "heartbeat"
	ServerConnectionStats       ServerEventType = "connection-stats"
	ServerError                 ServerEventType = "error"
)

// ServerEvent is an outbound event as delivered to a connection. Exactly one
// payload pointer is set, matching Type.
type ServerEvent struct {
	Type         ServerEventType   `json:"type"`
	ConnectionID string            `json:"connectionId,omitempty"`
	UserID       string            `json:"userId,omitempty"`
	RoomID       string            `json:"roomId,omitempty"`
	Message      *Message          `json:"message,omitempty"`
	Typing       *TypingPayload    `json:"typing,omitempty"`
	Pong         *PongPayload      `json:"pong,omitempty"`
	Heartbeat    *HeartbeatPayload `json:"heartbeat,omitempty"`
	Stats        *ConnectionStats  `json:"stats,omitempty"`
	Error        *ErrorPayload     `json:"error,omitempty"`
}

// TypingPayload signals assistant typing state for a room.
type TypingPayload struct {
	AgentID  string `json:"agentId"`
	IsTyping bool   `json:"isTyping"`
}

// PongPayload echoes server time plus the computed latency and quality for
// client-side display and adaptation. It carries no liveness semantics.
type PongPayload struct {
	Timestamp int64         `json:"timestamp"`
	LatencyMs int64         `json:"latencyMs"`
	Quality   QualityBucket `json:"quality"`
}

// HeartbeatPayload carries the server clock.
type HeartbeatPayload struct {
	ServerTime time.Time `json:"serverTime"`
}

// ErrorPayload is a scoped error delivered to a single connection.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
