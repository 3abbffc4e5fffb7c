package chatsync

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify_Boundaries(t *testing.T) {
	th := DefaultQualityThresholds()

	tests := []struct {
		latencyMs int64
		want      QualityBucket
	}{
		{0, QualityExcellent},
		{99, QualityExcellent},
		{100, QualityGood},
		{299, QualityGood},
		{300, QualityFair},
		{799, QualityFair},
		{800, QualityPoor},
		{5000, QualityPoor},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, th.Classify(tc.latencyMs), "latency %dms", tc.latencyMs)
	}
}

func TestParseEventKind_RoundTrips(t *testing.T) {
	kinds := []EventKind{
		EventJoinRoom,
		EventLeaveRoom,
		EventSendMessage,
		EventAgentRequest,
		EventPing,
		EventDisconnect,
	}
	for _, kind := range kinds {
		parsed, ok := ParseEventKind(kind.String())
		assert.True(t, ok, kind.String())
		assert.Equal(t, kind, parsed)
	}

	_, ok := ParseEventKind("shrug")
	assert.False(t, ok)
	_, ok = ParseEventKind("")
	assert.False(t, ok)
}
