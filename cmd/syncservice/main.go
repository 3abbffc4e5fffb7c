package main

import (
	"context"
	"os"

	"github.com/rs/zerolog"

	"github.com/tradementor/go-sync-service/cmd"
	"github.com/tradementor/go-sync-service/internal/app"
	"github.com/tradementor/go-sync-service/pkg/chatsync"
	"github.com/tradementor/go-sync-service/syncservice"
)

func main() {
	logger := zerolog.New(os.Stderr).With().Timestamp().Logger()
	ctx := context.Background()

	cfg, err := cmd.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to load configuration")
	}

	var deps *chatsync.ServiceDependencies
	if cfg.RunMode == "prod" {
		deps, err = cmd.NewProdDependencies(ctx, cfg, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("Failed to build production dependencies")
		}
	} else {
		logger.Info().Msg("Running in dev mode with in-memory dependencies")
		deps = cmd.NewFakeDependencies(logger)
	}

	svc, err := syncservice.New(cfg, deps, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to assemble sync service")
	}

	app.Run(ctx, logger, svc)
}
