// --- File: pkg/chatsync/interfaces.go ---
package chatsync

import "context"

// Sender is the outbound half of one live connection. Implementations must be
// safe for use from the dispatch goroutine; Send may buffer but must preserve
// the order in which events were handed to it.
type Sender interface {
	Send(event ServerEvent) error
	Close() error
}

// MessageStore persists conversation messages. It is always called before any
// broadcast so that no unpersisted message is ever visible to other members.
type MessageStore interface {
	// AppendMessage stores a message and returns it with a server-issued ID.
	// clientRef is an idempotency key: appending the same (conversationID,
	// clientRef) pair twice must return the originally stored message rather
	// than creating a second one. An empty clientRef disables deduplication
	// for that append.
	AppendMessage(ctx context.Context, conversationID, senderID, role, content, clientRef string) (Message, error)

	// ConversationOwner resolves the owning user of a conversation.
	ConversationOwner(ctx context.Context, conversationID string) (string, error)
}

// ResponseGenerator produces an assistant response from conversation history.
// Calls are latency-bearing and fallible; the caller must not block the
// dispatch path on them.
type ResponseGenerator interface {
	Generate(ctx context.Context, agentID string, history []Message) (string, error)
}

// AuthVerifier resolves an auth token to a user id. A failure is an ErrAuth
// class error and is terminal for that connection attempt.
type AuthVerifier interface {
	Verify(ctx context.Context, token string) (userID string, err error)
}
