// Package dispatch provides the single serialized execution path for the
// sync core. Every inbound client event and every internal command (health
// ticks, agent-response completions) is funnelled through one goroutine, so
// registry and router mutations need no locking and all members of a room
// observe its broadcasts in the order the server produced them.
package dispatch

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/tradementor/go-sync-service/pkg/chatsync"
)

// Handler processes one client event on the dispatch goroutine.
type Handler func(ctx context.Context, evt chatsync.ClientEvent)

type item struct {
	evt *chatsync.ClientEvent
	fn  func(ctx context.Context)
}

// Dispatcher owns the serialized event loop and the tagged dispatch table.
type Dispatcher struct {
	handlers map[chatsync.EventKind]Handler
	items    chan item
	logger   zerolog.Logger

	startOnce sync.Once
	stopOnce  sync.Once
	done      chan struct{}
	cancel    context.CancelFunc
}

// New creates a dispatcher with the given inbound buffer size.
func New(buffer int, logger zerolog.Logger) *Dispatcher {
	if buffer <= 0 {
		buffer = 256
	}
	return &Dispatcher{
		handlers: make(map[chatsync.EventKind]Handler),
		items:    make(chan item, buffer),
		logger:   logger.With().Str("component", "Dispatcher").Logger(),
		done:     make(chan struct{}),
	}
}

// Register installs the handler for an event kind. Must be called before
// Start; there is exactly one handler per kind.
func (d *Dispatcher) Register(kind chatsync.EventKind, h Handler) {
	d.handlers[kind] = h
}

// Start launches the dispatch goroutine.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.startOnce.Do(func() {
		runCtx, cancel := context.WithCancel(ctx)
		d.cancel = cancel
		go d.run(runCtx)
	})
	return nil
}

func (d *Dispatcher) run(ctx context.Context) {
	defer close(d.done)
	for {
		select {
		case <-ctx.Done():
			return
		case it := <-d.items:
			d.process(ctx, it)
		}
	}
}

func (d *Dispatcher) process(ctx context.Context, it item) {
	if it.fn != nil {
		it.fn(ctx)
		return
	}
	handler, ok := d.handlers[it.evt.Kind]
	if !ok {
		d.logger.Warn().Str("kind", it.evt.Kind.String()).Str("conn", it.evt.ConnectionID).Msg("No handler for event kind, dropping")
		return
	}
	handler(ctx, *it.evt)
}

// Dispatch submits a client event to the serialized path. It blocks when the
// buffer is full, which applies backpressure to the transport read loops.
func (d *Dispatcher) Dispatch(evt chatsync.ClientEvent) error {
	return d.submit(item{evt: &evt})
}

// Post submits an internal command to the serialized path. Used by the health
// monitor's ticks and by async completions that must re-enter the single
// execution path before touching the registry or router.
func (d *Dispatcher) Post(fn func(ctx context.Context)) error {
	return d.submit(item{fn: fn})
}

func (d *Dispatcher) submit(it item) error {
	// Check the stopped state first: buffered sends would otherwise race the
	// closed done channel and accept items no loop will ever drain.
	select {
	case <-d.done:
		return fmt.Errorf("dispatcher stopped: %w", chatsync.ErrTransport)
	default:
	}
	select {
	case d.items <- it:
		return nil
	case <-d.done:
		return fmt.Errorf("dispatcher stopped: %w", chatsync.ErrTransport)
	}
}

// Shutdown stops the dispatch loop and waits for it to exit.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.stopOnce.Do(func() {
		if d.cancel != nil {
			d.cancel()
		}
	})
	select {
	case <-d.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
