// --- File: internal/router/handlers.go ---
package router

import (
	"context"

	"github.com/tradementor/go-sync-service/internal/dispatch"
	"github.com/tradementor/go-sync-service/pkg/chatsync"
)

// RegisterHandlers installs the membership handlers on the dispatch table.
func (r *Router) RegisterHandlers(d *dispatch.Dispatcher) {
	d.Register(chatsync.EventJoinRoom, r.HandleJoin)
	d.Register(chatsync.EventLeaveRoom, r.HandleLeave)
	d.Register(chatsync.EventDisconnect, r.HandleDisconnect)
}

// HandleJoin processes an inbound join-room event, checking the guard before
// membership is granted.
func (r *Router) HandleJoin(ctx context.Context, evt chatsync.ClientEvent) {
	if evt.RoomID == "" {
		return
	}
	conn := r.registry.Get(evt.ConnectionID)
	if conn == nil {
		return
	}
	r.registry.Touch(evt.ConnectionID)

	if r.guard != nil {
		if err := r.guard(ctx, conn.UserID, evt.RoomID); err != nil {
			r.logger.Warn().Err(err).Str("conn", evt.ConnectionID).Str("room", evt.RoomID).Msg("Join rejected")
			if sendErr := conn.Send(chatsync.ServerEvent{
				Type:   chatsync.ServerError,
				RoomID: evt.RoomID,
				Error:  &chatsync.ErrorPayload{Code: chatsync.ErrCodeForbidden, Message: "not allowed to join this conversation"},
			}); sendErr != nil {
				r.logger.Warn().Err(sendErr).Str("conn", evt.ConnectionID).Msg("Failed to deliver join rejection")
			}
			return
		}
	}
	r.Join(evt.ConnectionID, evt.RoomID)
}

// HandleLeave processes an inbound leave-room event.
func (r *Router) HandleLeave(_ context.Context, evt chatsync.ClientEvent) {
	r.registry.Touch(evt.ConnectionID)
	r.Leave(evt.ConnectionID, evt.RoomID)
}

// HandleDisconnect tears the connection down: leaves every room and removes
// the registry record.
func (r *Router) HandleDisconnect(_ context.Context, evt chatsync.ClientEvent) {
	r.Disconnect(evt.ConnectionID)
}
