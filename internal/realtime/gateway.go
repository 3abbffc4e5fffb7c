// Package realtime provides the WebSocket gateway for the sync core. It runs
// its own dedicated HTTP server, authenticates upgrades, decodes client
// frames into tagged dispatch events, and write-pumps outbound events per
// connection. The core never touches the transport directly; this package is
// the "reliable duplex primitive" adapter in front of it.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/tradementor/go-sync-service/internal/dispatch"
	"github.com/tradementor/go-sync-service/internal/registry"
	"github.com/tradementor/go-sync-service/pkg/chatsync"
)

const (
	writeWait      = 10 * time.Second
	maxFrameBytes  = 64 * 1024
	sendBufferSize = 64
)

// clientFrame is the raw JSON shape of an inbound frame.
type clientFrame struct {
	Type      string             `json:"type"`
	RoomID    string             `json:"roomId,omitempty"`
	Content   string             `json:"content,omitempty"`
	ClientRef string             `json:"clientRef,omitempty"`
	AgentID   string             `json:"agentId,omitempty"`
	History   []chatsync.Message `json:"history,omitempty"`
	Timestamp int64              `json:"timestamp,omitempty"`
}

// Gateway manages WebSocket connections and feeds the dispatcher.
type Gateway struct {
	server     *http.Server
	upgrader   websocket.Upgrader
	verifier   chatsync.AuthVerifier
	registry   *registry.Registry
	dispatcher *dispatch.Dispatcher
	logger     zerolog.Logger
	instanceID string
}

// New creates and wires up the gateway on the given port.
func New(
	port string,
	verifier chatsync.AuthVerifier,
	reg *registry.Registry,
	disp *dispatch.Dispatcher,
	logger zerolog.Logger,
) *Gateway {
	instanceID := uuid.NewString()
	gw := &Gateway{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				// TODO: restrict to the web client origins once they are fixed
				return true
			},
		},
		verifier:   verifier,
		registry:   reg,
		dispatcher: disp,
		logger:     logger.With().Str("component", "Gateway").Str("instance", instanceID).Logger(),
		instanceID: instanceID,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/connect", gw.connectHandler)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	gw.server = &http.Server{
		Addr:    ":" + port,
		Handler: mux,
	}
	return gw
}

// Start runs the HTTP server for WebSocket connections. Blocks until the
// server stops.
func (gw *Gateway) Start(_ context.Context) error {
	gw.logger.Info().Str("addr", gw.server.Addr).Msg("WebSocket gateway starting...")
	if err := gw.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("websocket gateway failed: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the HTTP server.
func (gw *Gateway) Shutdown(ctx context.Context) error {
	gw.logger.Info().Msg("Shutting down WebSocket gateway...")
	if err := gw.server.Shutdown(ctx); err != nil {
		gw.logger.Error().Err(err).Msg("Gateway shutdown failed.")
		return err
	}
	return nil
}

// Handler exposes the gateway mux. Test hook for httptest servers.
func (gw *Gateway) Handler() http.Handler {
	return gw.server.Handler
}

// connectHandler authenticates and upgrades a request, then runs the
// connection's read loop until the client goes away.
func (gw *Gateway) connectHandler(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		token = r.Header.Get("Authorization")
	}
	userID, err := gw.verifier.Verify(r.Context(), token)
	if err != nil {
		// Auth failures are terminal for the attempt; the client must not
		// auto-retry with the same credentials.
		gw.logger.Warn().Err(err).Msg("Connection rejected: auth failed")
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := gw.upgrader.Upgrade(w, r, nil)
	if err != nil {
		gw.logger.Error().Err(err).Msg("Failed to upgrade connection.")
		return
	}
	conn.SetReadLimit(maxFrameBytes)

	connID := uuid.NewString()
	sender := newWSSender(conn, gw.logger.With().Str("conn", connID).Logger())

	if err := gw.dispatcher.Post(func(context.Context) {
		gw.registry.Register(connID, userID, sender)
	}); err != nil {
		gw.logger.Error().Err(err).Msg("Dispatcher rejected registration")
		_ = sender.Close()
		return
	}

	gw.logger.Info().Str("conn", connID).Str("user", userID).Msg("User connected via WebSocket.")
	gw.readLoop(conn, connID)

	// The read loop only exits on disconnect or read error; either way the
	// connection is torn down on the dispatch path.
	_ = gw.dispatcher.Dispatch(chatsync.ClientEvent{
		Kind:         chatsync.EventDisconnect,
		ConnectionID: connID,
	})
	_ = sender.Close()
}

func (gw *Gateway) readLoop(conn *websocket.Conn, connID string) {
	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var frame clientFrame
		if err := json.Unmarshal(payload, &frame); err != nil {
			gw.logger.Warn().Err(err).Str("conn", connID).Msg("Dropping malformed frame")
			continue
		}
		kind, ok := chatsync.ParseEventKind(frame.Type)
		if !ok {
			gw.logger.Warn().Str("conn", connID).Str("type", frame.Type).Msg("Dropping frame with unknown type")
			continue
		}
		if kind == chatsync.EventDisconnect {
			// Explicit disconnect: fall out of the loop, teardown happens in
			// connectHandler.
			return
		}

		evt := chatsync.ClientEvent{
			Kind:         kind,
			ConnectionID: connID,
			RoomID:       frame.RoomID,
			Content:      frame.Content,
			ClientRef:    frame.ClientRef,
			AgentID:      frame.AgentID,
			History:      frame.History,
			Timestamp:    frame.Timestamp,
		}
		if err := gw.dispatcher.Dispatch(evt); err != nil {
			gw.logger.Warn().Err(err).Str("conn", connID).Msg("Dispatch failed, closing connection")
			return
		}
	}
}

// wsSender is the chatsync.Sender over one gorilla connection. Events are
// buffered on a channel and written by a single pump goroutine, preserving
// the order they were handed to Send.
type wsSender struct {
	conn      *websocket.Conn
	out       chan chatsync.ServerEvent
	done      chan struct{}
	closeOnce sync.Once
	logger    zerolog.Logger
}

func newWSSender(conn *websocket.Conn, logger zerolog.Logger) *wsSender {
	s := &wsSender{
		conn:   conn,
		out:    make(chan chatsync.ServerEvent, sendBufferSize),
		done:   make(chan struct{}),
		logger: logger,
	}
	go s.writePump()
	return s
}

func (s *wsSender) Send(event chatsync.ServerEvent) error {
	select {
	case s.out <- event:
		return nil
	case <-s.done:
		return fmt.Errorf("connection closed: %w", chatsync.ErrTransport)
	default:
		// A full buffer means the client is not draining; treat it like a
		// transport failure rather than blocking the dispatch path.
		return fmt.Errorf("send buffer full: %w", chatsync.ErrTransport)
	}
}

func (s *wsSender) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		err = s.conn.Close()
	})
	return err
}

func (s *wsSender) writePump() {
	for {
		select {
		case <-s.done:
			return
		case event := <-s.out:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteJSON(event); err != nil {
				s.logger.Warn().Err(err).Msg("Write failed, closing sender")
				_ = s.Close()
				return
			}
		}
	}
}
