// Package queue implements the client-side offline queue: a durable FIFO of
// operations that have not yet been acknowledged by the server. The whole
// queue is persisted to a durable store on every mutation, so it survives
// process restarts. Replay preserves enqueue order within a conversation;
// different conversations flush independently.
package queue

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/tradementor/go-sync-service/client/netmon"
)

// OpKind enumerates the operation kinds the queue can hold.
type OpKind string

const (
	OpSendMessage        OpKind = "send-message"
	OpCreateConversation OpKind = "create-conversation"
	OpUpdateConversation OpKind = "update-conversation"
)

// Operation is one not-yet-acknowledged outbound operation. Its ID doubles
// as the idempotency key the server uses to collapse replays, so a retry
// after a lost ack never produces a second durable effect.
type Operation struct {
	ID             string          `json:"id"`
	Kind           OpKind          `json:"kind"`
	ConversationID string          `json:"conversationId"`
	Payload        json.RawMessage `json:"payload"`
	RetryCount     int             `json:"retryCount"`
	CreatedAt      time.Time       `json:"createdAt"`
}

// Store persists the full queue. Save replaces the stored queue atomically.
type Store interface {
	Load(ctx context.Context) ([]Operation, error)
	Save(ctx context.Context, ops []Operation) error
}

// Submitter submits one operation to the server. A nil return is an
// acknowledgment; an error leaves the operation queued for retry.
type Submitter interface {
	Submit(ctx context.Context, op Operation) error
}

// Advisor exposes the network monitor's recommendation. Optional; used to
// stretch the periodic flush cadence on a degraded link.
type Advisor interface {
	Recommendation() netmon.Recommendation
}

// Config holds the queue policy.
type Config struct {
	// RetryCap is the number of failed replays after which an operation is
	// dropped. Bounded, explicit data loss rather than infinite retry.
	RetryCap int
	// FlushInterval is the cadence of the periodic in-session flush.
	FlushInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.RetryCap <= 0 {
		c.RetryCap = 3
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 15 * time.Second
	}
	return c
}

// Queue is the durable offline operation queue.
type Queue struct {
	cfg     Config
	store   Store
	advisor Advisor
	logger  zerolog.Logger

	mu       sync.Mutex
	ops      []Operation
	flushing bool
}

// New creates a queue and loads any operations persisted by a previous run.
func New(ctx context.Context, cfg Config, store Store, advisor Advisor, logger zerolog.Logger) (*Queue, error) {
	ops, err := store.Load(ctx)
	if err != nil {
		return nil, err
	}
	return &Queue{
		cfg:     cfg.withDefaults(),
		store:   store,
		advisor: advisor,
		ops:     ops,
		logger:  logger.With().Str("component", "OfflineQueue").Logger(),
	}, nil
}

// Enqueue appends an operation with a fresh unique id and retry count zero,
// then persists the queue.
func (q *Queue) Enqueue(ctx context.Context, kind OpKind, conversationID string, payload json.RawMessage) (Operation, error) {
	op := Operation{
		ID:             uuid.NewString(),
		Kind:           kind,
		ConversationID: conversationID,
		Payload:        payload,
		RetryCount:     0,
		CreatedAt:      time.Now().UTC(),
	}

	q.mu.Lock()
	q.ops = append(q.ops, op)
	snapshot := q.snapshotLocked()
	q.mu.Unlock()

	if err := q.store.Save(ctx, snapshot); err != nil {
		return Operation{}, err
	}
	q.logger.Debug().Str("op", op.ID).Str("kind", string(kind)).Str("conversation", conversationID).Msg("Operation enqueued")
	return op, nil
}

// Len returns the number of queued operations.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ops)
}

// Pending returns a copy of the queued operations in FIFO order.
func (q *Queue) Pending() []Operation {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.snapshotLocked()
}

func (q *Queue) snapshotLocked() []Operation {
	out := make([]Operation, len(q.ops))
	copy(out, q.ops)
	return out
}

// Flush replays the queue through the submitter. Operations for one
// conversation are submitted sequentially in enqueue order; conversations
// proceed independently of each other. Acknowledged operations are removed;
// failed ones have their retry count incremented and, past the cap, are
// dropped. The surviving queue is re-persisted once at the end.
//
// Only one flush runs at a time; overlapping calls return immediately.
func (q *Queue) Flush(ctx context.Context, submitter Submitter) error {
	q.mu.Lock()
	if q.flushing || len(q.ops) == 0 {
		q.mu.Unlock()
		return nil
	}
	q.flushing = true
	snapshot := q.snapshotLocked()
	q.mu.Unlock()

	defer func() {
		q.mu.Lock()
		q.flushing = false
		q.mu.Unlock()
	}()

	// Group by conversation, preserving enqueue order within each group.
	groups := make(map[string][]Operation)
	order := make([]string, 0)
	for _, op := range snapshot {
		if _, seen := groups[op.ConversationID]; !seen {
			order = append(order, op.ConversationID)
		}
		groups[op.ConversationID] = append(groups[op.ConversationID], op)
	}

	type outcome struct {
		acked   bool
		dropped bool
		retries int
	}
	results := make(map[string]*outcome, len(snapshot))
	var resultsMu sync.Mutex

	g, groupCtx := errgroup.WithContext(ctx)
	for _, convID := range order {
		ops := groups[convID]
		g.Go(func() error {
			for _, op := range ops {
				res := &outcome{retries: op.RetryCount}
				err := submitter.Submit(groupCtx, op)
				if err == nil {
					res.acked = true
				} else {
					res.retries++
					if res.retries > q.cfg.RetryCap {
						res.dropped = true
						q.logger.Warn().
							Str("op", op.ID).
							Str("conversation", op.ConversationID).
							Int("retries", res.retries).
							Msg("Retry cap exceeded, dropping operation")
					} else {
						q.logger.Debug().Err(err).Str("op", op.ID).Int("retries", res.retries).Msg("Replay failed, will retry")
					}
				}
				resultsMu.Lock()
				results[op.ID] = res
				resultsMu.Unlock()

				if err != nil && !res.dropped {
					// A failed submit that will be retried stops this
					// conversation's replay so later operations cannot
					// overtake an earlier one. A dropped operation no
					// longer blocks its successors.
					return nil
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	// Rebuild the queue: keep unacked, undropped operations in their
	// original order, with updated retry counts. Operations enqueued during
	// the flush are untouched.
	q.mu.Lock()
	kept := q.ops[:0]
	for _, op := range q.ops {
		res, touched := results[op.ID]
		if !touched {
			kept = append(kept, op)
			continue
		}
		if res.acked || res.dropped {
			continue
		}
		op.RetryCount = res.retries
		kept = append(kept, op)
	}
	q.ops = kept
	snapshot = q.snapshotLocked()
	q.mu.Unlock()

	return q.store.Save(ctx, snapshot)
}

// RunPeriodicFlush flushes on a timer while the context lives, catching
// operations queued by transient in-session publish failures. The cadence
// stretches when the link is degraded and pauses entirely while offline.
func (q *Queue) RunPeriodicFlush(ctx context.Context, submitter Submitter) {
	ticker := time.NewTicker(q.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			interval := q.cfg.FlushInterval
			if q.advisor != nil {
				switch q.advisor.Recommendation() {
				case netmon.RecommendOffline:
					continue
				case netmon.RecommendMinimal:
					interval = q.cfg.FlushInterval * 4
				case netmon.RecommendReduced:
					interval = q.cfg.FlushInterval * 2
				}
			}
			ticker.Reset(interval)
			if err := q.Flush(ctx, submitter); err != nil {
				q.logger.Warn().Err(err).Msg("Periodic flush failed")
			}
		}
	}
}
