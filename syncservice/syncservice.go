// Package syncservice wires the conversation sync core into a runnable
// service: registry, router, dispatcher, relay, health monitor, and the
// WebSocket gateway, assembled from an AppConfig and a ServiceDependencies
// struct.
package syncservice

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/tradementor/go-sync-service/internal/dispatch"
	"github.com/tradementor/go-sync-service/internal/health"
	"github.com/tradementor/go-sync-service/internal/realtime"
	"github.com/tradementor/go-sync-service/internal/registry"
	"github.com/tradementor/go-sync-service/internal/relay"
	"github.com/tradementor/go-sync-service/internal/router"
	"github.com/tradementor/go-sync-service/pkg/chatsync"
	"github.com/tradementor/go-sync-service/syncservice/config"
)

// Wrapper owns the assembled service components and their lifecycle.
type Wrapper struct {
	dispatcher *dispatch.Dispatcher
	monitor    *health.Monitor
	gateway    *realtime.Gateway
	logger     zerolog.Logger
}

// New creates and wires up the entire sync service.
func New(
	cfg *config.AppConfig,
	deps *chatsync.ServiceDependencies,
	logger zerolog.Logger,
) (*Wrapper, error) {
	if deps == nil || deps.MessageStore == nil || deps.Generator == nil || deps.AuthVerifier == nil {
		return nil, fmt.Errorf("service dependencies are incomplete")
	}

	reg := registry.New(cfg.Quality, logger)
	rtr := router.New(reg, logger)
	disp := dispatch.New(cfg.DispatchBuffer, logger)

	rl := relay.New(reg, rtr, disp, deps.MessageStore, deps.Generator, logger)
	monitor := health.New(health.Config{
		HeartbeatInterval: cfg.HeartbeatInterval,
		SweepInterval:     cfg.SweepInterval,
		StaleThreshold:    cfg.StaleThreshold,
	}, reg, rtr, disp, logger)

	rtr.SetGuard(conversationGuard(deps.MessageStore))
	rtr.RegisterHandlers(disp)
	rl.RegisterHandlers(disp)
	monitor.RegisterHandlers(disp)

	gateway := realtime.New(cfg.WebSocketPort, deps.AuthVerifier, reg, disp, logger)

	return &Wrapper{
		dispatcher: disp,
		monitor:    monitor,
		gateway:    gateway,
		logger:     logger.With().Str("component", "SyncService").Logger(),
	}, nil
}

// conversationGuard allows a join when the conversation is owned by the
// joining user, or when no conversation record exists yet (conversation
// creation is owned by the REST layer and may lag the first realtime join).
// Any other store answer rejects the join.
func conversationGuard(store chatsync.MessageStore) router.Guard {
	return func(ctx context.Context, userID, roomID string) error {
		owner, err := store.ConversationOwner(ctx, roomID)
		if errors.Is(err, chatsync.ErrUnknownConversation) {
			return nil
		}
		if err != nil {
			return err
		}
		if owner != userID {
			return fmt.Errorf("conversation %s is not owned by %s", roomID, userID)
		}
		return nil
	}
}

// Start brings the components up in dependency order and then blocks serving
// the gateway until it stops.
func (w *Wrapper) Start(ctx context.Context) error {
	w.logger.Info().Msg("Starting dispatch loop...")
	if err := w.dispatcher.Start(ctx); err != nil {
		return fmt.Errorf("failed to start dispatcher: %w", err)
	}

	w.logger.Info().Msg("Starting health monitor...")
	if err := w.monitor.Start(ctx); err != nil {
		return fmt.Errorf("failed to start health monitor: %w", err)
	}

	return w.gateway.Start(ctx)
}

// Shutdown stops the components in reverse order: gateway first so no new
// events arrive, then the monitor, then the dispatch loop.
func (w *Wrapper) Shutdown(ctx context.Context) error {
	w.logger.Info().Msg("Shutting down service components...")
	var finalErr error

	if err := w.gateway.Shutdown(ctx); err != nil {
		w.logger.Error().Err(err).Msg("Gateway shutdown failed.")
		finalErr = err
	}
	if err := w.monitor.Shutdown(ctx); err != nil {
		w.logger.Error().Err(err).Msg("Health monitor shutdown failed.")
		finalErr = err
	}
	if err := w.dispatcher.Shutdown(ctx); err != nil {
		w.logger.Error().Err(err).Msg("Dispatcher shutdown failed.")
		finalErr = err
	}

	w.logger.Info().Msg("All components shut down.")
	return finalErr
}
