// Package relay turns inbound send and agent-request events into persisted,
// broadcast messages. Persistence is always attempted before broadcast, so no
// unpersisted message is ever visible to other room members.
//
// Each send or agent request is modelled as a turn that advances through a
// small state machine. A failed persistence leaves the turn at turnReceived
// and emits a scoped error to the sender only.
package relay

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/tradementor/go-sync-service/internal/dispatch"
	"github.com/tradementor/go-sync-service/internal/registry"
	"github.com/tradementor/go-sync-service/internal/router"
	"github.com/tradementor/go-sync-service/pkg/chatsync"
)

const maxContentLength = 32 * 1024

type turnState int

const (
	turnIdle turnState = iota
	turnReceived
	turnPersisted
	turnBroadcast
	turnAgentRequested
	turnAgentTyping
	turnAgentPersisted
	turnAgentBroadcast
)

func (s turnState) String() string {
	switch s {
	case turnReceived:
		return "received"
	case turnPersisted:
		return "persisted"
	case turnBroadcast:
		return "broadcast"
	case turnAgentRequested:
		return "agent-requested"
	case turnAgentTyping:
		return "agent-typing"
	case turnAgentPersisted:
		return "agent-persisted"
	case turnAgentBroadcast:
		return "agent-broadcast"
	default:
		return "idle"
	}
}

// Relay brokers messages between room members and the assistant-response
// collaborator.
type Relay struct {
	registry   *registry.Registry
	router     *router.Router
	dispatcher *dispatch.Dispatcher
	store      chatsync.MessageStore
	generator  chatsync.ResponseGenerator
	logger     zerolog.Logger
}

// New creates a relay over the core components and external collaborators.
func New(
	reg *registry.Registry,
	rtr *router.Router,
	disp *dispatch.Dispatcher,
	store chatsync.MessageStore,
	generator chatsync.ResponseGenerator,
	logger zerolog.Logger,
) *Relay {
	return &Relay{
		registry:   reg,
		router:     rtr,
		dispatcher: disp,
		store:      store,
		generator:  generator,
		logger:     logger.With().Str("component", "Relay").Logger(),
	}
}

// RegisterHandlers installs the relay's handlers on the dispatch table.
func (rl *Relay) RegisterHandlers(d *dispatch.Dispatcher) {
	d.Register(chatsync.EventSendMessage, rl.HandleSend)
	d.Register(chatsync.EventAgentRequest, rl.HandleAgentRequest)
}

// HandleSend validates, persists, and broadcasts a user message. On
// persistence failure the sender alone receives a scoped error and nothing is
// broadcast.
func (rl *Relay) HandleSend(ctx context.Context, evt chatsync.ClientEvent) {
	conn := rl.registry.Get(evt.ConnectionID)
	if conn == nil {
		return
	}
	rl.registry.Touch(evt.ConnectionID)

	state := turnReceived
	log := rl.logger.With().Str("conn", evt.ConnectionID).Str("room", evt.RoomID).Logger()

	if !rl.router.IsMember(evt.ConnectionID, evt.RoomID) {
		if rl.router.Members(evt.RoomID) == 0 {
			// Unknown-room operations are no-ops, not errors.
			log.Debug().Msg("Send for unknown room, ignoring")
			return
		}
		// The room is live but the sender never joined it. A silent drop
		// here would lose the message for good, so report it back.
		rl.sendError(conn, chatsync.ErrCodeBadRequest, "join the conversation before sending to it")
		return
	}
	if strings.TrimSpace(evt.Content) == "" || len(evt.Content) > maxContentLength {
		rl.sendError(conn, chatsync.ErrCodeBadRequest, "message content must be non-empty and under the size limit")
		return
	}

	msg, err := rl.store.AppendMessage(ctx, evt.RoomID, conn.UserID, "user", evt.Content, evt.ClientRef)
	if err != nil {
		log.Error().Err(err).Str("state", state.String()).Msg("Persistence failed, message not broadcast")
		rl.sendError(conn, chatsync.ErrCodePersistence, "message could not be saved")
		return
	}
	state = turnPersisted
	log.Debug().Str("msg_id", msg.ID).Str("state", state.String()).Msg("Message persisted")

	rl.router.Broadcast(evt.RoomID, chatsync.ServerEvent{
		Type:    chatsync.ServerMessageReceived,
		RoomID:  evt.RoomID,
		Message: &msg,
	})
	state = turnBroadcast
	log.Debug().Str("msg_id", msg.ID).Str("state", state.String()).Msg("Message relayed")
}

// HandleAgentRequest emits agent-typing, invokes the generator off the
// dispatch path, and re-enters the path to persist and broadcast the
// response. The room stays live for unrelated traffic while generation runs.
func (rl *Relay) HandleAgentRequest(ctx context.Context, evt chatsync.ClientEvent) {
	conn := rl.registry.Get(evt.ConnectionID)
	if conn == nil {
		return
	}
	rl.registry.Touch(evt.ConnectionID)

	if !rl.router.IsMember(evt.ConnectionID, evt.RoomID) {
		return
	}

	log := rl.logger.With().Str("conn", evt.ConnectionID).Str("room", evt.RoomID).Str("agent", evt.AgentID).Logger()
	log.Debug().Str("state", turnAgentRequested.String()).Msg("Agent response requested")

	rl.router.Broadcast(evt.RoomID, chatsync.ServerEvent{
		Type:   chatsync.ServerAgentTyping,
		RoomID: evt.RoomID,
		Typing: &chatsync.TypingPayload{AgentID: evt.AgentID, IsTyping: true},
	})

	roomID, agentID, connID := evt.RoomID, evt.AgentID, evt.ConnectionID
	history := evt.History

	go func() {
		text, genErr := rl.generator.Generate(ctx, agentID, history)
		if genErr != nil {
			genErr = fmt.Errorf("%w: %w", chatsync.ErrGeneration, genErr)
		}
		postErr := rl.dispatcher.Post(func(ctx context.Context) {
			rl.completeAgentTurn(ctx, connID, roomID, agentID, text, genErr)
		})
		if postErr != nil {
			log.Warn().Err(postErr).Msg("Dispatcher gone before agent turn completed")
		}
	}()
}

// completeAgentTurn runs on the dispatch path once generation has finished.
func (rl *Relay) completeAgentTurn(ctx context.Context, connID, roomID, agentID, text string, genErr error) {
	log := rl.logger.With().Str("room", roomID).Str("agent", agentID).Logger()

	typingStopped := chatsync.ServerEvent{
		Type:   chatsync.ServerAgentTyping,
		RoomID: roomID,
		Typing: &chatsync.TypingPayload{AgentID: agentID, IsTyping: false},
	}

	if genErr != nil {
		log.Error().Err(genErr).Msg("Generation failed, no partial broadcast")
		rl.router.Broadcast(roomID, typingStopped)
		if conn := rl.registry.Get(connID); conn != nil {
			rl.sendError(conn, chatsync.ErrCodeGeneration, "assistant response failed")
		}
		return
	}

	msg, err := rl.store.AppendMessage(ctx, roomID, agentID, "assistant", text, "")
	if err != nil {
		log.Error().Err(errors.Join(chatsync.ErrPersistence, err)).Msg("Agent response persistence failed")
		rl.router.Broadcast(roomID, typingStopped)
		if conn := rl.registry.Get(connID); conn != nil {
			rl.sendError(conn, chatsync.ErrCodePersistence, "assistant response could not be saved")
		}
		return
	}

	rl.router.Broadcast(roomID, chatsync.ServerEvent{
		Type:    chatsync.ServerMessageReceived,
		RoomID:  roomID,
		Message: &msg,
	})
	rl.router.Broadcast(roomID, typingStopped)
	log.Debug().Str("msg_id", msg.ID).Str("state", turnAgentBroadcast.String()).Msg("Agent response relayed")
}

func (rl *Relay) sendError(conn *registry.Connection, code, message string) {
	err := conn.Send(chatsync.ServerEvent{
		Type:  chatsync.ServerError,
		Error: &chatsync.ErrorPayload{Code: code, Message: message},
	})
	if err != nil {
		rl.logger.Warn().Err(err).Str("conn", conn.ID).Msg("Failed to deliver scoped error")
	}
}
