// Package health runs the two periodic liveness loops: a heartbeat broadcast
// carrying server time, and a stale sweep that evicts connections silent for
// longer than the stale threshold. The sweep is the liveness fallback that is
// independent of transport-level disconnect events.
//
// Ping/pong latency is informational only; it feeds the quality buckets shown
// to clients and never drives eviction.
package health

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tradementor/go-sync-service/internal/dispatch"
	"github.com/tradementor/go-sync-service/internal/registry"
	"github.com/tradementor/go-sync-service/internal/router"
	"github.com/tradementor/go-sync-service/pkg/chatsync"
)

// Config holds the monitor's timing knobs.
type Config struct {
	HeartbeatInterval time.Duration
	SweepInterval     time.Duration
	StaleThreshold    time.Duration
}

// withDefaults fills zero fields with the standard values.
func (c Config) withDefaults() Config {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 60 * time.Second
	}
	if c.StaleThreshold <= 0 {
		c.StaleThreshold = 5 * time.Minute
	}
	return c
}

// Monitor owns the heartbeat and stale-sweep tickers. The tickers run on
// their own goroutines but all registry and router access re-enters the
// dispatch path via Post.
type Monitor struct {
	cfg        Config
	registry   *registry.Registry
	router     *router.Router
	dispatcher *dispatch.Dispatcher
	logger     zerolog.Logger
	now        func() time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a health monitor.
func New(cfg Config, reg *registry.Registry, rtr *router.Router, disp *dispatch.Dispatcher, logger zerolog.Logger) *Monitor {
	return &Monitor{
		cfg:        cfg.withDefaults(),
		registry:   reg,
		router:     rtr,
		dispatcher: disp,
		logger:     logger.With().Str("component", "HealthMonitor").Logger(),
		now:        time.Now,
	}
}

// RegisterHandlers installs the ping handler on the dispatch table.
func (m *Monitor) RegisterHandlers(d *dispatch.Dispatcher) {
	d.Register(chatsync.EventPing, m.HandlePing)
}

// Start launches the heartbeat and sweep tickers.
func (m *Monitor) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	m.wg.Add(2)
	go m.tickLoop(runCtx, m.cfg.HeartbeatInterval, func() {
		_ = m.dispatcher.Post(func(context.Context) { m.HeartbeatOnce() })
	})
	go m.tickLoop(runCtx, m.cfg.SweepInterval, func() {
		_ = m.dispatcher.Post(func(context.Context) { m.SweepOnce() })
	})

	m.logger.Info().
		Dur("heartbeat", m.cfg.HeartbeatInterval).
		Dur("sweep", m.cfg.SweepInterval).
		Dur("stale_threshold", m.cfg.StaleThreshold).
		Msg("Health monitor started")
	return nil
}

func (m *Monitor) tickLoop(ctx context.Context, every time.Duration, fn func()) {
	defer m.wg.Done()
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn()
		}
	}
}

// Shutdown stops both tickers and waits for them.
func (m *Monitor) Shutdown(ctx context.Context) error {
	if m.cancel != nil {
		m.cancel()
	}
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// HandlePing echoes server time plus the computed latency and quality bucket
// back to the pinging connection, and refreshes its activity.
func (m *Monitor) HandlePing(_ context.Context, evt chatsync.ClientEvent) {
	conn := m.registry.Get(evt.ConnectionID)
	if conn == nil {
		return
	}
	m.registry.Touch(evt.ConnectionID)

	now := m.now()
	latency := now.UnixMilli() - evt.Timestamp
	if latency < 0 {
		// Client clock ahead of ours; clamp rather than report nonsense.
		latency = 0
	}
	quality := m.registry.RecordLatency(evt.ConnectionID, latency)

	if err := conn.Send(chatsync.ServerEvent{
		Type: chatsync.ServerPong,
		Pong: &chatsync.PongPayload{
			Timestamp: now.UnixMilli(),
			LatencyMs: latency,
			Quality:   quality,
		},
	}); err != nil {
		m.logger.Warn().Err(err).Str("conn", evt.ConnectionID).Msg("Pong send failed")
	}
}

// HeartbeatOnce broadcasts server time to every live connection. Runs on the
// dispatch path.
func (m *Monitor) HeartbeatOnce() {
	event := chatsync.ServerEvent{
		Type:      chatsync.ServerHeartbeat,
		Heartbeat: &chatsync.HeartbeatPayload{ServerTime: m.now().UTC()},
	}
	m.registry.All(func(conn *registry.Connection) {
		if err := conn.Send(event); err != nil {
			m.logger.Warn().Err(err).Str("conn", conn.ID).Msg("Heartbeat send failed")
		}
	})
}

// SweepOnce evicts every connection whose last-activity age exceeds the stale
// threshold, then computes and broadcasts the aggregate connection stats.
// Runs on the dispatch path.
func (m *Monitor) SweepOnce() {
	cutoff := m.now().Add(-m.cfg.StaleThreshold)
	for _, conn := range m.registry.StaleBefore(cutoff) {
		m.logger.Info().
			Str("conn", conn.ID).
			Str("user", conn.UserID).
			Time("last_activity", conn.LastActivity).
			Msg("Evicting stale connection")
		m.router.Disconnect(conn.ID)
		if err := conn.CloseSender(); err != nil {
			m.logger.Warn().Err(err).Str("conn", conn.ID).Msg("Closing stale sender failed")
		}
	}

	stats := m.Stats()
	event := chatsync.ServerEvent{
		Type:  chatsync.ServerConnectionStats,
		Stats: &stats,
	}
	m.registry.All(func(conn *registry.Connection) {
		if err := conn.Send(event); err != nil {
			m.logger.Warn().Err(err).Str("conn", conn.ID).Msg("Stats send failed")
		}
	})
}

// Stats computes the ephemeral aggregate over live connections.
func (m *Monitor) Stats() chatsync.ConnectionStats {
	stats := chatsync.ConnectionStats{
		Connections:         m.registry.Count(),
		Rooms:               m.router.Rooms(),
		QualityDistribution: make(map[chatsync.QualityBucket]int),
	}

	var latencySum int64
	var sampled int64
	m.registry.All(func(conn *registry.Connection) {
		stats.QualityDistribution[conn.Quality]++
		if conn.LatencyMs >= 0 {
			latencySum += conn.LatencyMs
			sampled++
		}
	})
	if sampled > 0 {
		stats.AverageLatencyMs = latencySum / sampled
	}
	return stats
}

// SetClock overrides the monitor's time source. Test hook.
func (m *Monitor) SetClock(now func() time.Time) {
	m.now = now
}
