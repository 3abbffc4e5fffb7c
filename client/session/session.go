// Package session implements the client-side connection state machine:
// connect, detect drops, and reconnect with bounded exponential backoff. An
// explicit Disconnect cancels any pending retry and holds the session down
// until the next Connect.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tradementor/go-sync-service/client/netmon"
	"github.com/tradementor/go-sync-service/pkg/chatsync"
)

// State is the session connection state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	default:
		return "disconnected"
	}
}

// Channel is the reliable duplex primitive supplied by the transport layer.
type Channel interface {
	Send(ctx context.Context, frame []byte) error
	Close() error
}

// Dialer opens a channel with credentials. The call resolves only after
// handshake and auth have completed.
type Dialer interface {
	Dial(ctx context.Context, token string) (Channel, error)
}

// Advisor exposes the network monitor's current recommendation. Optional;
// used to pace reconnect attempts on a degraded link.
type Advisor interface {
	Recommendation() netmon.Recommendation
}

// Config holds the reconnect policy.
type Config struct {
	BackoffBase time.Duration // first retry delay
	BackoffCap  time.Duration // upper bound on any retry delay
	MaxAttempts int           // reconnect attempts before giving up
}

func (c Config) withDefaults() Config {
	if c.BackoffBase <= 0 {
		c.BackoffBase = 500 * time.Millisecond
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = 30 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 10
	}
	return c
}

// Listener observes state transitions. attempt is non-zero only for
// StateReconnecting.
type Listener func(state State, attempt int)

// Manager is the client session state machine.
type Manager struct {
	cfg     Config
	dialer  Dialer
	advisor Advisor
	logger  zerolog.Logger

	mu          sync.Mutex
	state       State
	channel     Channel
	token       string
	activeRoom  string
	attempt     int
	retryTimer  *time.Timer
	explicit    bool // explicit Disconnect: no auto-retry
	listeners   []Listener
	onConnected []func(ctx context.Context, ch Channel)
}

// New creates a session manager over the given dialer. advisor may be nil.
func New(cfg Config, dialer Dialer, advisor Advisor, logger zerolog.Logger) *Manager {
	return &Manager{
		cfg:     cfg.withDefaults(),
		dialer:  dialer,
		advisor: advisor,
		state:   StateDisconnected,
		logger:  logger.With().Str("component", "SessionManager").Logger(),
	}
}

// Subscribe registers a state listener.
func (m *Manager) Subscribe(l Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, l)
}

// OnConnected registers a hook invoked after each transition into
// StateConnected, once the active room has been re-joined. The offline queue
// flush hangs off this.
func (m *Manager) OnConnected(fn func(ctx context.Context, ch Channel)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onConnected = append(m.onConnected, fn)
}

// State returns the current state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Channel returns the live channel, if connected.
func (m *Manager) Channel() (Channel, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.channel, m.state == StateConnected && m.channel != nil
}

// SetActiveRoom records the room to re-join after a reconnect.
func (m *Manager) SetActiveRoom(roomID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.activeRoom = roomID
}

// Connect opens the channel with the given credentials. An auth failure is
// terminal: the session moves to StateFailed and is not retried. A transport
// failure schedules a reconnect and returns the error.
func (m *Manager) Connect(ctx context.Context, token string) error {
	m.mu.Lock()
	if m.state == StateConnecting || m.state == StateConnected {
		m.mu.Unlock()
		return fmt.Errorf("already %s", m.state)
	}
	m.cancelRetryLocked()
	m.token = token
	m.explicit = false
	m.attempt = 0
	m.setStateLocked(StateConnecting, 0)
	m.mu.Unlock()

	return m.dial(ctx)
}

// dial performs one connection attempt from Connecting or Reconnecting.
func (m *Manager) dial(ctx context.Context) error {
	m.mu.Lock()
	token := m.token
	m.mu.Unlock()

	ch, err := m.dialer.Dial(ctx, token)
	if err != nil {
		if errors.Is(err, chatsync.ErrAuth) {
			m.logger.Error().Err(err).Msg("Auth failed, not retrying")
			m.mu.Lock()
			if !m.explicit {
				m.setStateLocked(StateFailed, 0)
			}
			m.mu.Unlock()
			return err
		}
		m.logger.Warn().Err(err).Msg("Connect failed")
		m.scheduleReconnect()
		return fmt.Errorf("%w: %w", chatsync.ErrTransport, err)
	}

	m.mu.Lock()
	if m.explicit {
		// Disconnect was issued while the dial was in flight; it wins. The
		// fresh channel is discarded and the session stays down.
		m.mu.Unlock()
		m.logger.Info().Msg("Dial completed after explicit disconnect, discarding channel")
		if closeErr := ch.Close(); closeErr != nil {
			m.logger.Warn().Err(closeErr).Msg("Discarded channel close failed")
		}
		return nil
	}
	m.channel = ch
	m.attempt = 0
	activeRoom := m.activeRoom
	hooks := make([]func(context.Context, Channel), len(m.onConnected))
	copy(hooks, m.onConnected)
	m.setStateLocked(StateConnected, 0)
	m.mu.Unlock()

	if activeRoom != "" {
		if err := m.sendJoin(ctx, ch, activeRoom); err != nil {
			m.logger.Warn().Err(err).Str("room", activeRoom).Msg("Room re-join failed")
		}
	}
	for _, hook := range hooks {
		hook(ctx, ch)
	}
	return nil
}

func (m *Manager) sendJoin(ctx context.Context, ch Channel, roomID string) error {
	frame, err := json.Marshal(map[string]string{
		"type":   chatsync.EventJoinRoom.String(),
		"roomId": roomID,
	})
	if err != nil {
		return err
	}
	return ch.Send(ctx, frame)
}

// OnDrop is the transport's reconnect hook: the channel died. Unless the
// drop followed an explicit Disconnect, a reconnect is scheduled with
// exponential backoff.
func (m *Manager) OnDrop(reason error) {
	m.mu.Lock()
	if m.state != StateConnected && m.state != StateConnecting {
		m.mu.Unlock()
		return
	}
	m.channel = nil
	explicit := m.explicit
	m.setStateLocked(StateDisconnected, 0)
	m.mu.Unlock()

	m.logger.Warn().Err(reason).Msg("Connection dropped")
	if !explicit {
		m.scheduleReconnect()
	}
}

// Disconnect closes the channel, cancels any pending reconnect, and holds
// the session at Disconnected until Connect is called again.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.explicit = true
	m.cancelRetryLocked()
	ch := m.channel
	m.channel = nil
	m.setStateLocked(StateDisconnected, 0)
	m.mu.Unlock()

	if ch != nil {
		if err := ch.Close(); err != nil {
			m.logger.Warn().Err(err).Msg("Channel close failed")
		}
	}
}

// scheduleReconnect arms the retry timer for the next attempt, or moves to
// StateFailed once the attempt budget is spent.
func (m *Manager) scheduleReconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.explicit || m.retryTimer != nil {
		return
	}

	m.attempt++
	if m.attempt > m.cfg.MaxAttempts {
		m.logger.Error().Int("attempts", m.cfg.MaxAttempts).Msg("Max reconnect attempts reached")
		m.setStateLocked(StateFailed, 0)
		return
	}

	delay := m.backoffDelay(m.attempt)
	m.setStateLocked(StateReconnecting, m.attempt)
	m.logger.Info().Int("attempt", m.attempt).Dur("delay", delay).Msg("Reconnect scheduled")

	m.retryTimer = time.AfterFunc(delay, func() {
		m.mu.Lock()
		m.retryTimer = nil
		if m.explicit || m.state != StateReconnecting {
			m.mu.Unlock()
			return
		}
		m.mu.Unlock()
		_ = m.dial(context.Background())
	})
}

// backoffDelay computes base*2^(attempt-1) bounded by the cap, stretched
// when the network monitor reports a degraded link.
func (m *Manager) backoffDelay(attempt int) time.Duration {
	delay := m.cfg.BackoffBase << (attempt - 1)
	if delay > m.cfg.BackoffCap || delay <= 0 {
		delay = m.cfg.BackoffCap
	}
	if m.advisor != nil {
		switch m.advisor.Recommendation() {
		case netmon.RecommendOffline:
			delay = m.cfg.BackoffCap
		case netmon.RecommendMinimal:
			if delay*2 < m.cfg.BackoffCap {
				delay *= 2
			} else {
				delay = m.cfg.BackoffCap
			}
		}
	}
	return delay
}

// cancelRetryLocked stops a pending reconnect timer. Caller holds mu.
func (m *Manager) cancelRetryLocked() {
	if m.retryTimer != nil {
		m.retryTimer.Stop()
		m.retryTimer = nil
	}
}

// setStateLocked transitions state and notifies listeners. Caller holds mu;
// listeners are invoked without the lock.
func (m *Manager) setStateLocked(s State, attempt int) {
	if m.state == s && s != StateReconnecting {
		return
	}
	m.state = s
	listeners := make([]Listener, len(m.listeners))
	copy(listeners, m.listeners)

	go func() {
		for _, l := range listeners {
			l(s, attempt)
		}
	}()
}
