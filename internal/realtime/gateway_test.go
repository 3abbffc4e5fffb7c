package realtime

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradementor/go-sync-service/internal/dispatch"
	"github.com/tradementor/go-sync-service/internal/health"
	"github.com/tradementor/go-sync-service/internal/registry"
	"github.com/tradementor/go-sync-service/internal/relay"
	"github.com/tradementor/go-sync-service/internal/router"
	"github.com/tradementor/go-sync-service/internal/test/fakes"
	"github.com/tradementor/go-sync-service/pkg/chatsync"
)

type testFixture struct {
	server *httptest.Server
	store  *fakes.MemoryMessageStore
}

// setup assembles the full server core behind an httptest server.
func setup(t *testing.T) *testFixture {
	t.Helper()
	logger := zerolog.Nop()
	reg := registry.New(chatsync.DefaultQualityThresholds(), logger)
	rtr := router.New(reg, logger)
	disp := dispatch.New(64, logger)
	store := fakes.NewMemoryMessageStore(logger)
	gen := fakes.NewScriptedGenerator("insight")
	verifier := fakes.NewStaticVerifier(map[string]string{
		"tok-alice": "alice",
		"tok-bob":   "bob",
	})

	rtr.RegisterHandlers(disp)
	relay.New(reg, rtr, disp, store, gen, logger).RegisterHandlers(disp)
	monitor := health.New(health.Config{}, reg, rtr, disp, logger)
	monitor.RegisterHandlers(disp)
	require.NoError(t, disp.Start(context.Background()))
	t.Cleanup(func() { _ = disp.Shutdown(context.Background()) })

	gw := New("0", verifier, reg, disp, logger)
	server := httptest.NewServer(gw.Handler())
	t.Cleanup(server.Close)

	return &testFixture{server: server, store: store}
}

func (fx *testFixture) wsURL(token string) string {
	return "ws" + strings.TrimPrefix(fx.server.URL, "http") + "/connect?token=" + token
}

// dial opens a client and consumes the connection-established event.
func (fx *testFixture) dial(t *testing.T, token string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(fx.wsURL(token), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	established := readEvent(t, conn)
	require.Equal(t, chatsync.ServerConnectionEstablished, established.Type)
	require.NotEmpty(t, established.ConnectionID)
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) chatsync.ServerEvent {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var event chatsync.ServerEvent
	require.NoError(t, conn.ReadJSON(&event))
	return event
}

// readUntil reads events until one of the wanted type arrives.
func readUntil(t *testing.T, conn *websocket.Conn, want chatsync.ServerEventType) chatsync.ServerEvent {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		event := readEvent(t, conn)
		if event.Type == want {
			return event
		}
	}
	t.Fatalf("no %s event arrived", want)
	return chatsync.ServerEvent{}
}

func TestConnect_RejectsBadToken(t *testing.T) {
	fx := setup(t)
	_, resp, err := websocket.DefaultDialer.Dial(fx.wsURL("wrong"), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestConnect_TokenFromAuthorizationHeader(t *testing.T) {
	fx := setup(t)
	url := "ws" + strings.TrimPrefix(fx.server.URL, "http") + "/connect"
	conn, _, err := websocket.DefaultDialer.Dial(url, http.Header{"Authorization": []string{"tok-alice"}})
	require.NoError(t, err)
	defer conn.Close()

	established := readEvent(t, conn)
	assert.Equal(t, chatsync.ServerConnectionEstablished, established.Type)
	assert.Equal(t, "alice", established.UserID)
}

func TestSendMessage_EndToEnd(t *testing.T) {
	fx := setup(t)
	alice := fx.dial(t, "tok-alice")
	bob := fx.dial(t, "tok-bob")

	require.NoError(t, alice.WriteJSON(map[string]string{"type": "join-room", "roomId": "conv-1"}))
	require.NoError(t, bob.WriteJSON(map[string]string{"type": "join-room", "roomId": "conv-1"}))
	// Alice sees bob arrive, so both joins have landed.
	joined := readUntil(t, alice, chatsync.ServerUserJoined)
	require.Equal(t, "bob", joined.UserID)

	require.NoError(t, alice.WriteJSON(map[string]string{
		"type":      "send-message",
		"roomId":    "conv-1",
		"content":   "is this breakout real?",
		"clientRef": "op-123",
	}))

	gotAlice := readUntil(t, alice, chatsync.ServerMessageReceived)
	gotBob := readUntil(t, bob, chatsync.ServerMessageReceived)
	require.NotNil(t, gotAlice.Message)
	require.NotNil(t, gotBob.Message)
	assert.Equal(t, gotAlice.Message.ID, gotBob.Message.ID)
	assert.Equal(t, "is this breakout real?", gotBob.Message.Content)
	assert.Equal(t, "alice", gotBob.Message.SenderID)

	stored := fx.store.Messages()
	require.Len(t, stored, 1)
	assert.Equal(t, "op-123", stored[0].ClientRef)
}

func TestPing_AnswersPong(t *testing.T) {
	fx := setup(t)
	alice := fx.dial(t, "tok-alice")

	require.NoError(t, alice.WriteJSON(map[string]interface{}{
		"type":      "ping",
		"timestamp": time.Now().UnixMilli(),
	}))

	pong := readUntil(t, alice, chatsync.ServerPong)
	require.NotNil(t, pong.Pong)
	assert.GreaterOrEqual(t, pong.Pong.LatencyMs, int64(0))
	assert.NotEqual(t, chatsync.QualityUnknown, pong.Pong.Quality)
}

func TestMalformedFrames_AreDroppedNotFatal(t *testing.T) {
	fx := setup(t)
	alice := fx.dial(t, "tok-alice")

	require.NoError(t, alice.WriteMessage(websocket.TextMessage, []byte("{not json")))
	require.NoError(t, alice.WriteJSON(map[string]string{"type": "no-such-type"}))

	// The connection survives both and still answers a ping.
	require.NoError(t, alice.WriteJSON(map[string]interface{}{
		"type":      "ping",
		"timestamp": time.Now().UnixMilli(),
	}))
	pong := readUntil(t, alice, chatsync.ServerPong)
	assert.NotNil(t, pong.Pong)
}

func TestClientClose_AnnouncesDeparture(t *testing.T) {
	fx := setup(t)
	alice := fx.dial(t, "tok-alice")
	bob := fx.dial(t, "tok-bob")

	require.NoError(t, alice.WriteJSON(map[string]string{"type": "join-room", "roomId": "conv-1"}))
	require.NoError(t, bob.WriteJSON(map[string]string{"type": "join-room", "roomId": "conv-1"}))
	readUntil(t, alice, chatsync.ServerUserJoined)

	require.NoError(t, bob.Close())

	left := readUntil(t, alice, chatsync.ServerUserLeft)
	assert.Equal(t, "bob", left.UserID)
}
