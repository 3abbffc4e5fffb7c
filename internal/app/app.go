// Package app contains the shared, reusable logic for starting and stopping
// the service.
package app

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/tradementor/go-sync-service/syncservice"
)

// Run executes the main application lifecycle: it starts the sync service,
// listens for OS signals, and performs a graceful shutdown.
func Run(ctx context.Context, logger zerolog.Logger, svc *syncservice.Wrapper) {
	var wg sync.WaitGroup
	wg.Add(1)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		defer wg.Done()
		logger.Info().Msg("Starting sync service...")
		err := svc.Start(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Error().Err(err).Msg("Sync service failed")
			cancel()
		}
	}()

	// Wait for a shutdown signal.
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-shutdown:
		logger.Info().Str("signal", sig.String()).Msg("Received shutdown signal.")
	case <-ctx.Done():
		logger.Info().Msg("Context cancelled, initiating shutdown.")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := svc.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Service shutdown failed.")
	}

	wg.Wait()
	logger.Info().Msg("Service shut down gracefully.")
}
