package health

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradementor/go-sync-service/internal/dispatch"
	"github.com/tradementor/go-sync-service/internal/registry"
	"github.com/tradementor/go-sync-service/internal/router"
	"github.com/tradementor/go-sync-service/internal/test/fakes"
	"github.com/tradementor/go-sync-service/pkg/chatsync"
)

type testFixture struct {
	reg     *registry.Registry
	router  *router.Router
	monitor *Monitor
	clock   time.Time
	senders map[string]*fakes.RecordingSender
}

func setup(t *testing.T, cfg Config) *testFixture {
	t.Helper()
	logger := zerolog.Nop()
	reg := registry.New(chatsync.DefaultQualityThresholds(), logger)
	rtr := router.New(reg, logger)
	disp := dispatch.New(16, logger)

	fx := &testFixture{
		reg:     reg,
		router:  rtr,
		monitor: New(cfg, reg, rtr, disp, logger),
		clock:   time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		senders: make(map[string]*fakes.RecordingSender),
	}
	now := func() time.Time { return fx.clock }
	reg.SetClock(now)
	fx.monitor.SetClock(now)
	return fx
}

func (fx *testFixture) connect(connID, userID string) *fakes.RecordingSender {
	sender := fakes.NewRecordingSender()
	fx.senders[connID] = sender
	fx.reg.Register(connID, userID, sender)
	return sender
}

func TestHandlePing_EchoesLatencyAndQuality(t *testing.T) {
	fx := setup(t, Config{})
	sender := fx.connect("a", "alice")

	// Ping stamped 250ms before the server clock.
	fx.monitor.HandlePing(context.Background(), chatsync.ClientEvent{
		Kind:         chatsync.EventPing,
		ConnectionID: "a",
		Timestamp:    fx.clock.UnixMilli() - 250,
	})

	pongs := sender.EventsOfType(chatsync.ServerPong)
	require.Len(t, pongs, 1)
	assert.Equal(t, int64(250), pongs[0].Pong.LatencyMs)
	assert.Equal(t, chatsync.QualityGood, pongs[0].Pong.Quality)
	assert.Equal(t, fx.clock.UnixMilli(), pongs[0].Pong.Timestamp)
	assert.Equal(t, chatsync.QualityGood, fx.reg.Get("a").Quality)
}

func TestHandlePing_ClampsClientClockAhead(t *testing.T) {
	fx := setup(t, Config{})
	sender := fx.connect("a", "alice")

	fx.monitor.HandlePing(context.Background(), chatsync.ClientEvent{
		Kind:         chatsync.EventPing,
		ConnectionID: "a",
		Timestamp:    fx.clock.UnixMilli() + 5000,
	})

	pongs := sender.EventsOfType(chatsync.ServerPong)
	require.Len(t, pongs, 1)
	assert.Equal(t, int64(0), pongs[0].Pong.LatencyMs)
}

func TestHandlePing_UnknownConnectionIsNoop(t *testing.T) {
	fx := setup(t, Config{})
	fx.monitor.HandlePing(context.Background(), chatsync.ClientEvent{
		Kind:         chatsync.EventPing,
		ConnectionID: "ghost",
		Timestamp:    fx.clock.UnixMilli(),
	})
}

func TestHeartbeatOnce_ReachesEveryConnection(t *testing.T) {
	fx := setup(t, Config{})
	senderA := fx.connect("a", "alice")
	senderB := fx.connect("b", "bob")

	fx.monitor.HeartbeatOnce()

	for _, sender := range []*fakes.RecordingSender{senderA, senderB} {
		beats := sender.EventsOfType(chatsync.ServerHeartbeat)
		require.Len(t, beats, 1)
		assert.Equal(t, fx.clock, beats[0].Heartbeat.ServerTime)
	}
}

func TestSweepOnce_EvictsOnlyStaleConnections(t *testing.T) {
	fx := setup(t, Config{StaleThreshold: 5 * time.Minute})
	staleSender := fx.connect("stale", "alice")
	fx.connect("fresh", "bob")
	fx.router.Join("stale", "r1")
	fx.router.Join("fresh", "r1")

	// Six minutes pass; only "fresh" shows activity.
	fx.clock = fx.clock.Add(6 * time.Minute)
	fx.reg.Touch("fresh")

	fx.monitor.SweepOnce()

	assert.Nil(t, fx.reg.Get("stale"))
	assert.NotNil(t, fx.reg.Get("fresh"))
	assert.Equal(t, 1, fx.router.Members("r1"))
	assert.True(t, staleSender.Closed())

	// Ping keeping a connection fresh prevents eviction on the next sweep.
	fx.clock = fx.clock.Add(4 * time.Minute)
	fx.monitor.HandlePing(context.Background(), chatsync.ClientEvent{
		Kind: chatsync.EventPing, ConnectionID: "fresh", Timestamp: fx.clock.UnixMilli(),
	})
	fx.clock = fx.clock.Add(2 * time.Minute)
	fx.monitor.SweepOnce()
	assert.NotNil(t, fx.reg.Get("fresh"))
}

func TestSweepOnce_BroadcastsStats(t *testing.T) {
	fx := setup(t, Config{})
	senderA := fx.connect("a", "alice")
	fx.connect("b", "bob")
	fx.router.Join("a", "r1")
	fx.router.Join("b", "r2")

	fx.reg.RecordLatency("a", 50)
	fx.reg.RecordLatency("b", 350)

	fx.monitor.SweepOnce()

	got := senderA.EventsOfType(chatsync.ServerConnectionStats)
	require.Len(t, got, 1)
	stats := got[0].Stats
	assert.Equal(t, 2, stats.Connections)
	assert.Equal(t, 2, stats.Rooms)
	assert.Equal(t, int64(200), stats.AverageLatencyMs)
	assert.Equal(t, 1, stats.QualityDistribution[chatsync.QualityExcellent])
	assert.Equal(t, 1, stats.QualityDistribution[chatsync.QualityFair])
}

func TestStats_IgnoresUnsampledConnections(t *testing.T) {
	fx := setup(t, Config{})
	fx.connect("a", "alice")
	fx.connect("b", "bob")
	fx.reg.RecordLatency("a", 120)

	stats := fx.monitor.Stats()
	assert.Equal(t, int64(120), stats.AverageLatencyMs, "never-pinged connections carry no sample")
	assert.Equal(t, 1, stats.QualityDistribution[chatsync.QualityUnknown])
}

func TestStartShutdown_TicksThroughDispatcher(t *testing.T) {
	logger := zerolog.Nop()
	reg := registry.New(chatsync.DefaultQualityThresholds(), logger)
	rtr := router.New(reg, logger)
	disp := dispatch.New(16, logger)
	require.NoError(t, disp.Start(context.Background()))
	t.Cleanup(func() { _ = disp.Shutdown(context.Background()) })

	monitor := New(Config{
		HeartbeatInterval: 10 * time.Millisecond,
		SweepInterval:     10 * time.Millisecond,
	}, reg, rtr, disp, logger)

	sender := fakes.NewRecordingSender()
	_ = disp.Post(func(context.Context) { reg.Register("a", "alice", sender) })

	require.NoError(t, monitor.Start(context.Background()))
	require.Eventually(t, func() bool {
		return len(sender.EventsOfType(chatsync.ServerHeartbeat)) > 0 &&
			len(sender.EventsOfType(chatsync.ServerConnectionStats)) > 0
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, monitor.Shutdown(context.Background()))
}
