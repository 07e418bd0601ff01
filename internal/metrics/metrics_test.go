package metrics

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zjrosen/conduit/internal/chat"
)

func TestContextUsage(t *testing.T) {
	tests := []struct {
		name    string
		metrics TokenMetrics
		want    float64
	}{
		{"zero window", TokenMetrics{ContextTokens: 100}, 0},
		{"half", TokenMetrics{ContextTokens: 100000, ContextWindow: 200000}, 50},
		{"full", TokenMetrics{ContextTokens: 200000, ContextWindow: 200000}, 100},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.InDelta(t, tt.want, tt.metrics.ContextUsage(), 1e-9)
		})
	}
}

func TestFormatContextDisplay(t *testing.T) {
	require.Equal(t, "-", TokenMetrics{}.FormatContextDisplay())
	require.Equal(t, "27k/200k", TokenMetrics{ContextTokens: 27500, ContextWindow: 200000}.FormatContextDisplay())
}

func TestFormatCostDisplay(t *testing.T) {
	tests := []struct {
		name string
		cost float64
		want string
	}{
		{"zero cost", 0, "$0.0000"},
		{"small cost", 0.0892, "$0.0892"},
		{"rounds to 4 decimal places", 0.12345678, "$0.1235"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, TokenMetrics{TotalCostUSD: tt.cost}.FormatCostDisplay())
		})
	}
}

func TestTracker_RecordUsage(t *testing.T) {
	tr := NewTracker(0)
	d := tr.RecordUsage("s1", chat.Usage{InputTokens: 10, OutputTokens: 4, CacheReadInputTokens: 90})
	require.Equal(t, Delta{InputTokens: 10, OutputTokens: 4}, d)
	tr.RecordUsage("s1", chat.Usage{InputTokens: 5, OutputTokens: 1})

	m, ok := tr.Snapshot("s1")
	require.True(t, ok)
	require.Equal(t, int64(15), m.InputTokens)
	require.Equal(t, int64(5), m.OutputTokens)
	require.Equal(t, 5, m.ContextTokens)
	require.Equal(t, DefaultContextWindow, m.ContextWindow)
}

func TestTracker_RecordCostConvertsCumulative(t *testing.T) {
	tr := NewTracker(1000)

	require.InDelta(t, 0.10, tr.RecordCost("s1", 0.10).CostUSD, 1e-9)
	require.InDelta(t, 0.05, tr.RecordCost("s1", 0.15).CostUSD, 1e-9)

	m, _ := tr.Snapshot("s1")
	require.InDelta(t, 0.15, m.TotalCostUSD, 1e-9)

	tr.Forget("s1")
	_, ok := tr.Snapshot("s1")
	require.False(t, ok)
	require.InDelta(t, 0.02, tr.RecordCost("s1", 0.02).CostUSD, 1e-9, "new subprocess starts from zero")
}

func TestTracker_CostResetWithoutForget(t *testing.T) {
	tr := NewTracker(1000)
	tr.RecordCost("s1", 0.5)
	require.InDelta(t, 0.1, tr.RecordCost("s1", 0.1).CostUSD, 1e-9)
}
