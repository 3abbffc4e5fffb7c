package cmd

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/tradementor/go-sync-service/internal/platform/auth"
	"github.com/tradementor/go-sync-service/internal/platform/persistence"
	"github.com/tradementor/go-sync-service/internal/test/fakes"
	"github.com/tradementor/go-sync-service/pkg/chatsync"
	"github.com/tradementor/go-sync-service/syncservice/config"
)

// NewFakeDependencies creates in-memory fakes for local development: a memory
// message store, a scripted generator, and a verifier that accepts any
// "dev:<user>" token.
func NewFakeDependencies(logger zerolog.Logger) *chatsync.ServiceDependencies {
	return &chatsync.ServiceDependencies{
		MessageStore: fakes.NewMemoryMessageStore(logger),
		Generator:    fakes.NewScriptedGenerator("This is a development response."),
		AuthVerifier: fakes.NewStaticVerifier(map[string]string{
			"dev:alice": "alice",
			"dev:bob":   "bob",
		}),
	}
}

// NewProdDependencies wires the production collaborators: Postgres for
// persistence and an HS256 JWT verifier. The response generator remains
// externally supplied; until the assistant backend lands, the scripted
// generator stands in.
func NewProdDependencies(ctx context.Context, cfg *config.AppConfig, logger zerolog.Logger) (*chatsync.ServiceDependencies, error) {
	pool, err := persistence.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	store, err := persistence.NewPostgresMessageStore(pool, logger)
	if err != nil {
		return nil, err
	}
	verifier, err := auth.NewJWTVerifier(cfg.JWTSecret)
	if err != nil {
		return nil, err
	}

	return &chatsync.ServiceDependencies{
		MessageStore: store,
		Generator:    fakes.NewScriptedGenerator("The assistant backend is not configured."),
		AuthVerifier: verifier,
	}, nil
}
