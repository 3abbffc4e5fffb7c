// --- File: client/queue/store_redis.go ---
package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// redisClient defines the interface we need from go-redis.
type redisClient interface {
	LRange(ctx context.Context, key string, start, stop int64) *redis.StringSliceCmd
	TxPipeline() redis.Pipeliner
}

// RedisStore persists the queue as a Redis list, one JSON entry per
// operation, head-to-tail in FIFO order. Intended for desktop and edge
// deployments that already run a local Redis; browser-adjacent clients use
// the FileStore instead.
type RedisStore struct {
	client redisClient
	key    string
	logger zerolog.Logger
}

// NewRedisStore creates a store under the given owner key.
func NewRedisStore(client redisClient, owner string, logger zerolog.Logger) (*RedisStore, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client cannot be nil")
	}
	if owner == "" {
		return nil, fmt.Errorf("owner cannot be empty")
	}
	return &RedisStore{
		client: client,
		key:    queueKey(owner),
		logger: logger.With().Str("component", "RedisQueueStore").Logger(),
	}, nil
}

// Load reads the persisted queue in order. A malformed entry is dropped
// rather than poisoning every later load.
func (s *RedisStore) Load(ctx context.Context) ([]Operation, error) {
	payloads, err := s.client.LRange(ctx, s.key, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("read queue list: %w", err)
	}

	ops := make([]Operation, 0, len(payloads))
	for _, payload := range payloads {
		var op Operation
		if err := json.Unmarshal([]byte(payload), &op); err != nil {
			s.logger.Warn().Err(err).Str("key", s.key).Msg("Dropping malformed queue entry")
			continue
		}
		ops = append(ops, op)
	}
	return ops, nil
}

// Save replaces the persisted queue atomically with a DEL+RPUSH pipeline.
func (s *RedisStore) Save(ctx context.Context, ops []Operation) error {
	payloads := make([]interface{}, 0, len(ops))
	for _, op := range ops {
		data, err := json.Marshal(op)
		if err != nil {
			return fmt.Errorf("encode operation %s: %w", op.ID, err)
		}
		payloads = append(payloads, data)
	}

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, s.key)
	if len(payloads) > 0 {
		pipe.RPush(ctx, s.key, payloads...)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("write queue list: %w", err)
	}
	return nil
}

func queueKey(owner string) string { return fmt.Sprintf("offline-queue:%s", owner) }
