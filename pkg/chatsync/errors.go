// --- File: pkg/chatsync/errors.go ---
package chatsync

import "errors"

// Error taxonomy. Each class carries a distinct recovery policy:
//
//	ErrTransport:   drop/timeout; the reconnect flow owns recovery.
//	ErrAuth:        terminal for the connection attempt; never auto-retried.
//	ErrPersistence: scoped to the sender; the message is not broadcast.
//	ErrGeneration:  typing-stop plus a scoped error; the room stays usable.
var (
	ErrTransport   = errors.New("transport failure")
	ErrAuth        = errors.New("authentication failed")
	ErrPersistence = errors.New("persistence failed")
	ErrGeneration  = errors.New("response generation failed")
)

// ErrUnknownConversation is returned by MessageStore.ConversationOwner when
// no conversation record exists. Distinct from ErrPersistence: the store is
// healthy, the conversation just is not there.
var ErrUnknownConversation = errors.New("unknown conversation")

// Scoped error codes as sent to clients.
const (
	ErrCodePersistence = "persistence-failed"
	ErrCodeGeneration  = "generation-failed"
	ErrCodeBadRequest  = "bad-request"
	ErrCodeForbidden   = "forbidden"
)
