// Package chatsync contains the public domain types, interfaces, and
// dependency definitions for the conversation sync service. It defines the
// contract between the server core, the transport gateway, and external
// collaborators (persistence, generation, auth).
package chatsync

import "time"

// QualityBucket is a coarse classification of a connection's link health.
type QualityBucket string

const (
	QualityExcellent QualityBucket = "excellent"
	QualityGood      QualityBucket = "good"
	QualityFair      QualityBucket = "fair"
	QualityPoor      QualityBucket = "poor"
	QualityUnknown   QualityBucket = "unknown"
)

// QualityThresholds maps a latency sample to a QualityBucket. A sample below
// ExcellentBelowMs is excellent, below GoodBelowMs good, below FairBelowMs
// fair, anything else poor.
type QualityThresholds struct {
	ExcellentBelowMs int64 `yaml:"excellent_below_ms"`
	GoodBelowMs      int64 `yaml:"good_below_ms"`
	FairBelowMs      int64 `yaml:"fair_below_ms"`
}

// DefaultQualityThresholds returns the standard bucket boundaries.
func DefaultQualityThresholds() QualityThresholds {
	return QualityThresholds{
		ExcellentBelowMs: 100,
		GoodBelowMs:      300,
		FairBelowMs:      800,
	}
}

// Classify places a latency sample into a bucket.
func (q QualityThresholds) Classify(latencyMs int64) QualityBucket {
	switch {
	case latencyMs < q.ExcellentBelowMs:
		return QualityExcellent
	case latencyMs < q.GoodBelowMs:
		return QualityGood
	case latencyMs < q.FairBelowMs:
		return QualityFair
	default:
		return QualityPoor
	}
}

// Message is a persisted conversation message as broadcast to room members.
// The ID is always server-issued; ClientRef carries the client operation id
// that produced the message, when there was one.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	SenderID       string    `json:"senderId"`
	Role           string    `json:"role"` // "user" or "assistant"
	Content        string    `json:"content"`
	ClientRef      string    `json:"clientRef,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
}

// ConnectionStats is the aggregate connection picture computed after each
// stale sweep. It is ephemeral: recomputed every tick, never persisted.
type ConnectionStats struct {
	Connections         int                   `json:"connections"`
	Rooms               int                   `json:"rooms"`
	QualityDistribution map[QualityBucket]int `json:"qualityDistribution"`
	AverageLatencyMs    int64                 `json:"averageLatencyMs"`
}
