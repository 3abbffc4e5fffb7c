// Package netmon classifies externally sampled link signals into coarse
// health buckets and derives a behavioural recommendation. It is a pure
// observer: it throttles nothing itself. Consumers (offline queue cadence,
// session backoff pacing) read the current recommendation and adjust their
// own behaviour.
package netmon

import (
	"sync"

	"github.com/rs/zerolog"
)

// Recommendation is the derived link-usage advice.
type Recommendation string

const (
	RecommendOptimal Recommendation = "optimal"
	RecommendReduced Recommendation = "reduced"
	RecommendMinimal Recommendation = "minimal"
	RecommendOffline Recommendation = "offline"
)

// LinkSignal is one externally provided sample of link health.
type LinkSignal struct {
	Online        bool
	LatencyMs     int64
	BandwidthKbps int64
	PacketLoss    float64 // fraction, 0..1
}

// Thresholds set the classification boundaries.
type Thresholds struct {
	// Reduced when any of these is crossed.
	ReducedLatencyMs     int64
	ReducedBandwidthKbps int64
	ReducedPacketLoss    float64
	// Minimal when any of these is crossed.
	MinimalLatencyMs     int64
	MinimalBandwidthKbps int64
	MinimalPacketLoss    float64
	// Hysteresis is the number of consecutive samples a new classification
	// must hold before listeners are notified. Avoids event storms on a
	// flapping link.
	Hysteresis int
}

// DefaultThresholds returns the standard boundaries.
func DefaultThresholds() Thresholds {
	return Thresholds{
		ReducedLatencyMs:     300,
		ReducedBandwidthKbps: 256,
		ReducedPacketLoss:    0.05,
		MinimalLatencyMs:     800,
		MinimalBandwidthKbps: 64,
		MinimalPacketLoss:    0.15,
		Hysteresis:           3,
	}
}

// Listener receives the new recommendation after a confirmed change.
type Listener func(Recommendation)

// Monitor holds the current classification and its hysteresis state.
type Monitor struct {
	mu         sync.Mutex
	thresholds Thresholds
	current    Recommendation
	pending    Recommendation
	pendingRun int
	listeners  []Listener
	logger     zerolog.Logger
}

// New creates a monitor starting at the offline recommendation: the link is
// unknown until the first sample arrives.
func New(thresholds Thresholds, logger zerolog.Logger) *Monitor {
	if thresholds.Hysteresis <= 0 {
		thresholds.Hysteresis = DefaultThresholds().Hysteresis
	}
	return &Monitor{
		thresholds: thresholds,
		current:    RecommendOffline,
		logger:     logger.With().Str("component", "NetworkMonitor").Logger(),
	}
}

// Subscribe registers a change listener. Listeners are called synchronously
// from Sample after a confirmed change.
func (m *Monitor) Subscribe(l Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, l)
}

// Recommendation returns the current confirmed recommendation.
func (m *Monitor) Recommendation() Recommendation {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Sample feeds one link signal into the classifier. A change of class only
// takes effect, and only notifies listeners, once it has held for the
// configured number of consecutive samples. A transition to offline is
// immediate: a dead link needs no confirmation.
func (m *Monitor) Sample(s LinkSignal) {
	class := m.classify(s)

	m.mu.Lock()
	if class == m.current {
		m.pending = ""
		m.pendingRun = 0
		m.mu.Unlock()
		return
	}

	confirm := m.thresholds.Hysteresis
	if class == RecommendOffline {
		confirm = 1
	}

	if class != m.pending {
		m.pending = class
		m.pendingRun = 0
	}
	m.pendingRun++

	if m.pendingRun < confirm {
		m.mu.Unlock()
		return
	}

	old := m.current
	m.current = class
	m.pending = ""
	m.pendingRun = 0
	listeners := make([]Listener, len(m.listeners))
	copy(listeners, m.listeners)
	m.mu.Unlock()

	m.logger.Info().
		Str("from", string(old)).
		Str("to", string(class)).
		Msg("Link classification changed")
	for _, l := range listeners {
		l(class)
	}
}

func (m *Monitor) classify(s LinkSignal) Recommendation {
	t := m.thresholds
	switch {
	case !s.Online:
		return RecommendOffline
	case s.LatencyMs > t.MinimalLatencyMs ||
		(s.BandwidthKbps > 0 && s.BandwidthKbps < t.MinimalBandwidthKbps) ||
		s.PacketLoss > t.MinimalPacketLoss:
		return RecommendMinimal
	case s.LatencyMs > t.ReducedLatencyMs ||
		(s.BandwidthKbps > 0 && s.BandwidthKbps < t.ReducedBandwidthKbps) ||
		s.PacketLoss > t.ReducedPacketLoss:
		return RecommendReduced
	default:
		return RecommendOptimal
	}
}
