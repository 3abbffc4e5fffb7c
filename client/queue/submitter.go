// --- File: client/queue/submitter.go ---
package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/tradementor/go-sync-service/client/session"
	"github.com/tradementor/go-sync-service/pkg/chatsync"
)

// ErrNoSubmitter is returned when no submitter is registered for an
// operation's kind.
var ErrNoSubmitter = fmt.Errorf("no submitter for operation kind")

// sendPayload is the payload shape of an OpSendMessage operation.
type sendPayload struct {
	Content string `json:"content"`
}

// SendMessagePayload encodes a send-message operation payload.
func SendMessagePayload(content string) json.RawMessage {
	data, _ := json.Marshal(sendPayload{Content: content})
	return data
}

// ChannelSubmitter replays send-message operations over the live session
// channel. The operation id travels as the frame's clientRef, which the
// server threads through to persistence as an idempotency key.
type ChannelSubmitter struct {
	sess *session.Manager
}

// NewChannelSubmitter creates a submitter over the session manager.
func NewChannelSubmitter(sess *session.Manager) *ChannelSubmitter {
	return &ChannelSubmitter{sess: sess}
}

// Submit sends one operation. Submitting while disconnected is a transport
// error, leaving the operation queued. Queued work can target conversations
// other than the session's active room, so each replay is preceded by a join
// frame for its conversation; joining an already-joined room is a server-side
// no-op.
func (s *ChannelSubmitter) Submit(ctx context.Context, op Operation) error {
	if op.Kind != OpSendMessage {
		return fmt.Errorf("%w: %s", ErrNoSubmitter, op.Kind)
	}
	ch, ok := s.sess.Channel()
	if !ok {
		return fmt.Errorf("session not connected: %w", chatsync.ErrTransport)
	}

	var payload sendPayload
	if err := json.Unmarshal(op.Payload, &payload); err != nil {
		return fmt.Errorf("decode operation payload: %w", err)
	}

	join, err := json.Marshal(map[string]string{
		"type":   chatsync.EventJoinRoom.String(),
		"roomId": op.ConversationID,
	})
	if err != nil {
		return err
	}
	if err := ch.Send(ctx, join); err != nil {
		return err
	}

	frame, err := json.Marshal(map[string]string{
		"type":      chatsync.EventSendMessage.String(),
		"roomId":    op.ConversationID,
		"content":   payload.Content,
		"clientRef": op.ID,
	})
	if err != nil {
		return err
	}
	return ch.Send(ctx, frame)
}

// MultiSubmitter routes operations to a per-kind submitter. The realtime
// send path and the REST-backed conversation operations live behind
// different transports; this keeps one flush loop over both.
type MultiSubmitter struct {
	byKind map[OpKind]Submitter
}

// NewMultiSubmitter creates an empty router.
func NewMultiSubmitter() *MultiSubmitter {
	return &MultiSubmitter{byKind: make(map[OpKind]Submitter)}
}

// Handle registers the submitter for a kind.
func (m *MultiSubmitter) Handle(kind OpKind, s Submitter) *MultiSubmitter {
	m.byKind[kind] = s
	return m
}

// Submit dispatches to the kind's submitter.
func (m *MultiSubmitter) Submit(ctx context.Context, op Operation) error {
	s, ok := m.byKind[op.Kind]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoSubmitter, op.Kind)
	}
	return s.Submit(ctx, op)
}
