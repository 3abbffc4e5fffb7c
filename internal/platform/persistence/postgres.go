// Package persistence provides the Postgres-backed MessageStore. Messages
// carry a client reference used as an idempotency key: replaying the same
// (conversation, client_ref) pair returns the originally stored row instead
// of inserting a second one, so a queued send retried after a lost ack never
// duplicates.
package persistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/tradementor/go-sync-service/pkg/chatsync"
)

// Connect creates a pgx connection pool and verifies it with a ping.
func Connect(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse connection string: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

// PostgresMessageStore implements chatsync.MessageStore over a pgx pool.
type PostgresMessageStore struct {
	pool   *pgxpool.Pool
	logger zerolog.Logger
}

// NewPostgresMessageStore creates the store.
func NewPostgresMessageStore(pool *pgxpool.Pool, logger zerolog.Logger) (*PostgresMessageStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool cannot be nil")
	}
	return &PostgresMessageStore{
		pool:   pool,
		logger: logger.With().Str("component", "PostgresMessageStore").Logger(),
	}, nil
}

const appendMessageSQL = `
INSERT INTO messages (id, conversation_id, sender_id, role, content, client_ref, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (conversation_id, client_ref)
DO UPDATE SET client_ref = EXCLUDED.client_ref
RETURNING id, sender_id, role, content, created_at`

// AppendMessage inserts a message and returns it with the server-issued id.
// On a client_ref conflict the existing row is returned unchanged; the
// DO UPDATE is a no-op write that makes RETURNING yield the original row.
func (s *PostgresMessageStore) AppendMessage(ctx context.Context, conversationID, senderID, role, content, clientRef string) (chatsync.Message, error) {
	if clientRef == "" {
		// No client reference means no replay to collapse; synthesize one so
		// the unique index stays total.
		clientRef = uuid.NewString()
	}

	msg := chatsync.Message{
		ConversationID: conversationID,
		ClientRef:      clientRef,
	}
	row := s.pool.QueryRow(ctx, appendMessageSQL,
		uuid.NewString(), conversationID, senderID, role, content, clientRef, time.Now().UTC(),
	)
	if err := row.Scan(&msg.ID, &msg.SenderID, &msg.Role, &msg.Content, &msg.CreatedAt); err != nil {
		s.logger.Error().Err(err).Str("conversation", conversationID).Msg("Append message failed")
		return chatsync.Message{}, fmt.Errorf("%w: %w", chatsync.ErrPersistence, err)
	}
	return msg, nil
}

// ConversationOwner resolves the owning user of a conversation.
func (s *PostgresMessageStore) ConversationOwner(ctx context.Context, conversationID string) (string, error) {
	var ownerID string
	err := s.pool.QueryRow(ctx,
		`SELECT owner_id FROM conversations WHERE id = $1`, conversationID,
	).Scan(&ownerID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", chatsync.ErrUnknownConversation
	}
	if err != nil {
		return "", fmt.Errorf("%w: %w", chatsync.ErrPersistence, err)
	}
	return ownerID, nil
}
