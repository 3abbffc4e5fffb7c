// Package client assembles the client-side sync components: the session
// state machine, the network quality monitor, and the durable offline queue.
//
// Outbound sends make exactly one connectivity decision: if the session is
// connected the operation is submitted immediately, otherwise it is
// enqueued. A failed immediate submit is also enqueued, so the retry layer
// owns every failure path and call sites never branch on connectivity
// themselves.
package client

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/tradementor/go-sync-service/client/netmon"
	"github.com/tradementor/go-sync-service/client/queue"
	"github.com/tradementor/go-sync-service/client/session"
)

// Client is the top-level client-side facade.
type Client struct {
	Session *session.Manager
	Network *netmon.Monitor
	Queue   *queue.Queue

	submitter queue.Submitter
	logger    zerolog.Logger
}

// Config bundles the per-component policies.
type Config struct {
	Session session.Config
	Queue   queue.Config
	Network netmon.Thresholds
}

// New wires up a client: the network monitor advises both the session's
// backoff pacing and the queue's flush cadence, and every transition into
// Connected triggers a queue flush.
func New(ctx context.Context, cfg Config, dialer session.Dialer, store queue.Store, logger zerolog.Logger) (*Client, error) {
	network := netmon.New(cfg.Network, logger)
	sess := session.New(cfg.Session, dialer, network, logger)

	q, err := queue.New(ctx, cfg.Queue, store, network, logger)
	if err != nil {
		return nil, fmt.Errorf("restore offline queue: %w", err)
	}

	submitter := queue.NewChannelSubmitter(sess)
	c := &Client{
		Session:   sess,
		Network:   network,
		Queue:     q,
		submitter: submitter,
		logger:    logger.With().Str("component", "Client").Logger(),
	}

	sess.OnConnected(func(ctx context.Context, _ session.Channel) {
		if err := q.Flush(ctx, submitter); err != nil {
			c.logger.Warn().Err(err).Msg("Reconnect flush failed")
		}
	})

	return c, nil
}

// SendMessage sends a message into a conversation, or queues it when the
// session is down. The returned operation id is the client reference the
// server will echo on the persisted message.
func (c *Client) SendMessage(ctx context.Context, conversationID, content string) (string, error) {
	op, err := c.Queue.Enqueue(ctx, queue.OpSendMessage, conversationID, queue.SendMessagePayload(content))
	if err != nil {
		return "", err
	}

	if _, connected := c.Session.Channel(); !connected {
		c.logger.Debug().Str("op", op.ID).Msg("Offline, message queued")
		return op.ID, nil
	}

	// Connected: flush now so the new message (and anything queued before
	// it in the same conversation) goes out in order.
	if err := c.Queue.Flush(ctx, c.submitter); err != nil {
		c.logger.Warn().Err(err).Str("op", op.ID).Msg("Immediate flush failed, message stays queued")
	}
	return op.ID, nil
}

// Run starts the periodic background flush; it returns when ctx ends.
func (c *Client) Run(ctx context.Context) {
	c.Queue.RunPeriodicFlush(ctx, c.submitter)
}
