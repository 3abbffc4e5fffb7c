package relay

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradementor/go-sync-service/internal/dispatch"
	"github.com/tradementor/go-sync-service/internal/registry"
	"github.com/tradementor/go-sync-service/internal/router"
	"github.com/tradementor/go-sync-service/internal/test/fakes"
	"github.com/tradementor/go-sync-service/pkg/chatsync"
)

type testFixture struct {
	reg        *registry.Registry
	router     *router.Router
	dispatcher *dispatch.Dispatcher
	store      *fakes.MemoryMessageStore
	generator  *fakes.ScriptedGenerator
	relay      *Relay
	senders    map[string]*fakes.RecordingSender
}

func setup(t *testing.T) *testFixture {
	t.Helper()
	logger := zerolog.Nop()
	reg := registry.New(chatsync.DefaultQualityThresholds(), logger)
	rtr := router.New(reg, logger)
	disp := dispatch.New(64, logger)
	store := fakes.NewMemoryMessageStore(logger)
	gen := fakes.NewScriptedGenerator("hello there")

	fx := &testFixture{
		reg:        reg,
		router:     rtr,
		dispatcher: disp,
		store:      store,
		generator:  gen,
		relay:      New(reg, rtr, disp, store, gen, logger),
		senders:    make(map[string]*fakes.RecordingSender),
	}
	fx.relay.RegisterHandlers(disp)
	require.NoError(t, disp.Start(context.Background()))
	t.Cleanup(func() { _ = disp.Shutdown(context.Background()) })
	return fx
}

func (fx *testFixture) join(connID, userID, roomID string) *fakes.RecordingSender {
	sender := fakes.NewRecordingSender()
	fx.senders[connID] = sender
	fx.reg.Register(connID, userID, sender)
	fx.router.Join(connID, roomID)
	return sender
}

func TestHandleSend_PersistsThenBroadcasts(t *testing.T) {
	fx := setup(t)
	senderA := fx.join("a", "alice", "r1")
	senderB := fx.join("b", "bob", "r1")

	fx.relay.HandleSend(context.Background(), chatsync.ClientEvent{
		Kind:         chatsync.EventSendMessage,
		ConnectionID: "a",
		RoomID:       "r1",
		Content:      "buy the dip?",
		ClientRef:    "op-1",
	})

	stored := fx.store.Messages()
	require.Len(t, stored, 1)
	assert.Equal(t, "alice", stored[0].SenderID)
	assert.Equal(t, "user", stored[0].Role)
	assert.Equal(t, "op-1", stored[0].ClientRef)

	gotA := senderA.EventsOfType(chatsync.ServerMessageReceived)
	gotB := senderB.EventsOfType(chatsync.ServerMessageReceived)
	require.Len(t, gotA, 1)
	require.Len(t, gotB, 1)
	// Both members see the same server-issued message id.
	assert.Equal(t, stored[0].ID, gotA[0].Message.ID)
	assert.Equal(t, gotA[0].Message.ID, gotB[0].Message.ID)
}

func TestHandleSend_PersistenceFailureIsScopedToSender(t *testing.T) {
	fx := setup(t)
	senderA := fx.join("a", "alice", "r1")
	senderB := fx.join("b", "bob", "r1")

	fx.store.FailNext(errors.New("connection refused"))
	fx.relay.HandleSend(context.Background(), chatsync.ClientEvent{
		Kind:         chatsync.EventSendMessage,
		ConnectionID: "a",
		RoomID:       "r1",
		Content:      "doomed",
	})

	// Nothing was broadcast and nothing was stored.
	assert.Empty(t, senderA.EventsOfType(chatsync.ServerMessageReceived))
	assert.Empty(t, senderB.EventsOfType(chatsync.ServerMessageReceived))
	assert.Empty(t, fx.store.Messages())

	// The sender alone got a scoped error.
	errsA := senderA.EventsOfType(chatsync.ServerError)
	require.Len(t, errsA, 1)
	assert.Equal(t, chatsync.ErrCodePersistence, errsA[0].Error.Code)
	assert.Empty(t, senderB.EventsOfType(chatsync.ServerError))

	// The connection stays alive for the next attempt.
	fx.relay.HandleSend(context.Background(), chatsync.ClientEvent{
		Kind:         chatsync.EventSendMessage,
		ConnectionID: "a",
		RoomID:       "r1",
		Content:      "retry",
	})
	require.Len(t, senderB.EventsOfType(chatsync.ServerMessageReceived), 1)
}

func TestHandleSend_UnknownRoomIsNoop(t *testing.T) {
	fx := setup(t)
	senderA := fx.join("a", "alice", "r1")

	fx.relay.HandleSend(context.Background(), chatsync.ClientEvent{
		Kind:         chatsync.EventSendMessage,
		ConnectionID: "a",
		RoomID:       "never-joined",
		Content:      "hello?",
	})

	assert.Empty(t, fx.store.Messages())
	assert.Empty(t, senderA.Events())
}

func TestHandleSend_NonMemberOfLiveRoomGetsError(t *testing.T) {
	fx := setup(t)
	senderB := fx.join("b", "bob", "r1")
	senderA := fakes.NewRecordingSender()
	fx.reg.Register("a", "alice", senderA)

	// Alice is connected but never joined r1, which bob keeps live.
	fx.relay.HandleSend(context.Background(), chatsync.ClientEvent{
		Kind:         chatsync.EventSendMessage,
		ConnectionID: "a",
		RoomID:       "r1",
		Content:      "from outside",
	})

	assert.Empty(t, fx.store.Messages())
	assert.Empty(t, senderB.EventsOfType(chatsync.ServerMessageReceived))

	// The sender is told, rather than the message vanishing.
	errs := senderA.EventsOfType(chatsync.ServerError)
	require.Len(t, errs, 1)
	assert.Equal(t, chatsync.ErrCodeBadRequest, errs[0].Error.Code)
}

func TestHandleSend_RejectsEmptyAndOversizedContent(t *testing.T) {
	fx := setup(t)
	senderA := fx.join("a", "alice", "r1")

	fx.relay.HandleSend(context.Background(), chatsync.ClientEvent{
		Kind: chatsync.EventSendMessage, ConnectionID: "a", RoomID: "r1", Content: "   ",
	})
	fx.relay.HandleSend(context.Background(), chatsync.ClientEvent{
		Kind: chatsync.EventSendMessage, ConnectionID: "a", RoomID: "r1",
		Content: strings.Repeat("x", maxContentLength+1),
	})

	assert.Empty(t, fx.store.Messages())
	errs := senderA.EventsOfType(chatsync.ServerError)
	require.Len(t, errs, 2)
	assert.Equal(t, chatsync.ErrCodeBadRequest, errs[0].Error.Code)
	assert.Equal(t, chatsync.ErrCodeBadRequest, errs[1].Error.Code)
}

func TestHandleSend_ReplayedClientRefReturnsOriginal(t *testing.T) {
	fx := setup(t)
	senderB := fx.join("b", "bob", "r1")
	fx.join("a", "alice", "r1")

	evt := chatsync.ClientEvent{
		Kind:         chatsync.EventSendMessage,
		ConnectionID: "a",
		RoomID:       "r1",
		Content:      "once",
		ClientRef:    "op-dup",
	}
	fx.relay.HandleSend(context.Background(), evt)
	fx.relay.HandleSend(context.Background(), evt)

	// Only one row exists; the replay re-broadcasts the original message.
	require.Len(t, fx.store.Messages(), 1)
	got := senderB.EventsOfType(chatsync.ServerMessageReceived)
	require.Len(t, got, 2)
	assert.Equal(t, got[0].Message.ID, got[1].Message.ID)
}

func TestAgentRequest_TypingBracketsResponse(t *testing.T) {
	fx := setup(t)
	senderA := fx.join("a", "alice", "r1")

	require.NoError(t, fx.dispatcher.Dispatch(chatsync.ClientEvent{
		Kind:         chatsync.EventAgentRequest,
		ConnectionID: "a",
		RoomID:       "r1",
		AgentID:      "mentor",
	}))

	require.Eventually(t, func() bool {
		return len(senderA.EventsOfType(chatsync.ServerAgentTyping)) == 2
	}, 2*time.Second, 5*time.Millisecond)

	typing := senderA.EventsOfType(chatsync.ServerAgentTyping)
	assert.True(t, typing[0].Typing.IsTyping)
	assert.False(t, typing[1].Typing.IsTyping)
	assert.Equal(t, "mentor", typing[0].Typing.AgentID)

	msgs := senderA.EventsOfType(chatsync.ServerMessageReceived)
	require.Len(t, msgs, 1)
	assert.Equal(t, "assistant", msgs[0].Message.Role)
	assert.Equal(t, "mentor", msgs[0].Message.SenderID)
	assert.Contains(t, msgs[0].Message.Content, "hello there")

	// The response was persisted before it was broadcast.
	stored := fx.store.Messages()
	require.Len(t, stored, 1)
	assert.Equal(t, stored[0].ID, msgs[0].Message.ID)
}

func TestAgentRequest_GenerationFailure(t *testing.T) {
	fx := setup(t)
	senderA := fx.join("a", "alice", "r1")
	senderB := fx.join("b", "bob", "r1")
	fx.generator.SetError(errors.New("model overloaded"))

	require.NoError(t, fx.dispatcher.Dispatch(chatsync.ClientEvent{
		Kind:         chatsync.EventAgentRequest,
		ConnectionID: "a",
		RoomID:       "r1",
		AgentID:      "mentor",
	}))

	// Typing stops for everyone, the requester alone gets the error, and no
	// partial response is ever visible.
	require.Eventually(t, func() bool {
		return len(senderA.EventsOfType(chatsync.ServerAgentTyping)) == 2 &&
			len(senderB.EventsOfType(chatsync.ServerAgentTyping)) == 2
	}, 2*time.Second, 5*time.Millisecond)

	errsA := senderA.EventsOfType(chatsync.ServerError)
	require.Len(t, errsA, 1)
	assert.Equal(t, chatsync.ErrCodeGeneration, errsA[0].Error.Code)
	assert.Empty(t, senderB.EventsOfType(chatsync.ServerError))
	assert.Empty(t, senderA.EventsOfType(chatsync.ServerMessageReceived))
	assert.Empty(t, fx.store.Messages())
}

func TestAgentRequest_RoomStaysLiveDuringGeneration(t *testing.T) {
	fx := setup(t)
	senderB := fx.join("b", "bob", "r1")
	fx.join("a", "alice", "r1")
	fx.generator.Delay = 500 * time.Millisecond

	require.NoError(t, fx.dispatcher.Dispatch(chatsync.ClientEvent{
		Kind:         chatsync.EventAgentRequest,
		ConnectionID: "a",
		RoomID:       "r1",
		AgentID:      "mentor",
	}))
	require.NoError(t, fx.dispatcher.Dispatch(chatsync.ClientEvent{
		Kind:         chatsync.EventSendMessage,
		ConnectionID: "b",
		RoomID:       "r1",
		Content:      "still here",
	}))

	// Bob's message lands while the generator is still thinking.
	require.Eventually(t, func() bool {
		return len(senderB.EventsOfType(chatsync.ServerMessageReceived)) == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Len(t, senderB.EventsOfType(chatsync.ServerAgentTyping), 1, "generation still in flight")

	require.Eventually(t, func() bool {
		return len(senderB.EventsOfType(chatsync.ServerMessageReceived)) == 2
	}, 2*time.Second, 5*time.Millisecond)
}
