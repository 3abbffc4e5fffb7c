// Package fakes provides in-memory test doubles (fakes) for the service's
// external collaborators. These are used in the cmd dev entrypoint and in
// package tests across the repo.
package fakes

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tradementor/go-sync-service/pkg/chatsync"
)

// --- Message store ---

// MemoryMessageStore is an in-memory chatsync.MessageStore with the same
// idempotency contract as the Postgres store: an append replayed with the
// same (conversation, clientRef) pair returns the original message.
type MemoryMessageStore struct {
	mu       sync.Mutex
	messages []chatsync.Message
	byRef    map[string]chatsync.Message // conversationID + "\x00" + clientRef
	owners   map[string]string
	failNext error
	logger   zerolog.Logger
}

func NewMemoryMessageStore(logger zerolog.Logger) *MemoryMessageStore {
	return &MemoryMessageStore{
		byRef:  make(map[string]chatsync.Message),
		owners: make(map[string]string),
		logger: logger.With().Str("component", "MemoryMessageStore").Logger(),
	}
}

// FailNext makes the next AppendMessage call return err.
func (s *MemoryMessageStore) FailNext(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext = err
}

// SetOwner records the owner of a conversation for ConversationOwner lookups.
func (s *MemoryMessageStore) SetOwner(conversationID, ownerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.owners[conversationID] = ownerID
}

func (s *MemoryMessageStore) AppendMessage(_ context.Context, conversationID, senderID, role, content, clientRef string) (chatsync.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failNext != nil {
		err := s.failNext
		s.failNext = nil
		return chatsync.Message{}, fmt.Errorf("%w: %w", chatsync.ErrPersistence, err)
	}

	if clientRef != "" {
		if existing, ok := s.byRef[conversationID+"\x00"+clientRef]; ok {
			s.logger.Debug().Str("client_ref", clientRef).Str("msg_id", existing.ID).Msg("Replayed append, returning original message")
			return existing, nil
		}
	}

	msg := chatsync.Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		SenderID:       senderID,
		Role:           role,
		Content:        content,
		ClientRef:      clientRef,
		CreatedAt:      time.Now().UTC(),
	}
	s.messages = append(s.messages, msg)
	if clientRef != "" {
		s.byRef[conversationID+"\x00"+clientRef] = msg
	}
	return msg, nil
}

func (s *MemoryMessageStore) ConversationOwner(_ context.Context, conversationID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	owner, ok := s.owners[conversationID]
	if !ok {
		return "", fmt.Errorf("%w: %q", chatsync.ErrUnknownConversation, conversationID)
	}
	return owner, nil
}

// Messages returns a copy of everything stored so far.
func (s *MemoryMessageStore) Messages() []chatsync.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]chatsync.Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// --- Response generator ---

// ScriptedGenerator returns a canned reply, or a scripted error.
type ScriptedGenerator struct {
	mu    sync.Mutex
	Reply string
	Err   error
	Delay time.Duration
}

func NewScriptedGenerator(reply string) *ScriptedGenerator {
	return &ScriptedGenerator{Reply: reply}
}

func (g *ScriptedGenerator) Generate(ctx context.Context, agentID string, _ []chatsync.Message) (string, error) {
	g.mu.Lock()
	reply, err, delay := g.Reply, g.Err, g.Delay
	g.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("[%s] %s", agentID, reply), nil
}

// SetError scripts the next calls to fail.
func (g *ScriptedGenerator) SetError(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.Err = err
}

// --- Auth verifier ---

// StaticVerifier resolves tokens from a fixed map.
type StaticVerifier struct {
	Tokens map[string]string // token -> user id
}

func NewStaticVerifier(tokens map[string]string) *StaticVerifier {
	return &StaticVerifier{Tokens: tokens}
}

func (v *StaticVerifier) Verify(_ context.Context, token string) (string, error) {
	userID, ok := v.Tokens[token]
	if !ok {
		return "", fmt.Errorf("%w: unknown token", chatsync.ErrAuth)
	}
	return userID, nil
}

// --- Sender ---

// RecordingSender is a chatsync.Sender that records every event it is handed.
type RecordingSender struct {
	mu     sync.Mutex
	events []chatsync.ServerEvent
	closed bool
	// SendErr, when set, is returned by Send to simulate a dead transport.
	SendErr error
}

func NewRecordingSender() *RecordingSender {
	return &RecordingSender{}
}

func (s *RecordingSender) Send(event chatsync.ServerEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.SendErr != nil {
		return s.SendErr
	}
	if s.closed {
		return fmt.Errorf("sender closed: %w", chatsync.ErrTransport)
	}
	s.events = append(s.events, event)
	return nil
}

func (s *RecordingSender) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Events returns a copy of everything sent so far.
func (s *RecordingSender) Events() []chatsync.ServerEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]chatsync.ServerEvent, len(s.events))
	copy(out, s.events)
	return out
}

// EventsOfType filters recorded events by type.
func (s *RecordingSender) EventsOfType(t chatsync.ServerEventType) []chatsync.ServerEvent {
	var out []chatsync.ServerEvent
	for _, evt := range s.Events() {
		if evt.Type == t {
			out = append(out, evt)
		}
	}
	return out
}

// Closed reports whether Close was called.
func (s *RecordingSender) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
