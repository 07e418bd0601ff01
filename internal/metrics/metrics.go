// Package metrics accounts token usage and cost per session.
package metrics

import (
	"fmt"
	"sync"
	"time"

	"github.com/zjrosen/conduit/internal/chat"
)

// DefaultContextWindow is the context size assumed for Claude models.
const DefaultContextWindow = 200000

// TokenMetrics is the running usage of one session.
type TokenMetrics struct {
	InputTokens              int64 `json:"input_tokens"`
	CacheReadInputTokens     int64 `json:"cache_read_input_tokens"`
	CacheCreationInputTokens int64 `json:"cache_creation_input_tokens"`
	OutputTokens             int64 `json:"output_tokens"`

	// ContextTokens is the prompt size of the most recent message.
	ContextTokens int `json:"context_tokens"`
	ContextWindow int `json:"context_window"`

	TotalCostUSD float64 `json:"total_cost_usd"`

	LastUpdatedAt time.Time `json:"last_updated_at"`
}

// ContextUsage returns the percentage of the context window in use (0-100).
func (m TokenMetrics) ContextUsage() float64 {
	if m.ContextWindow == 0 {
		return 0
	}
	return float64(m.ContextTokens) / float64(m.ContextWindow) * 100
}

// FormatContextDisplay renders context usage like "27k/200k".
func (m TokenMetrics) FormatContextDisplay() string {
	if m.ContextWindow == 0 {
		return "-"
	}
	return fmt.Sprintf("%dk/%dk", m.ContextTokens/1000, m.ContextWindow/1000)
}

// FormatCostDisplay renders cost like "$0.0892".
func (m TokenMetrics) FormatCostDisplay() string {
	return FormatCost(m.TotalCostUSD)
}

// FormatCost renders a dollar amount with four decimals.
func FormatCost(usd float64) string {
	return fmt.Sprintf("$%.4f", usd)
}

// Delta is what a single report added to a session's totals.
type Delta struct {
	InputTokens  int64
	OutputTokens int64
	CostUSD      float64
}

// IsZero reports whether the delta adds nothing.
func (d Delta) IsZero() bool {
	return d.InputTokens == 0 && d.OutputTokens == 0 && d.CostUSD == 0
}

// Tracker accumulates usage for live sessions. The CLI reports cost as a
// running total per subprocess, so the tracker converts it to increments.
type Tracker struct {
	mu       sync.Mutex
	sessions map[string]*sessionUsage
	window   int
}

type sessionUsage struct {
	metrics   TokenMetrics
	lastTotal float64
}

// NewTracker creates a tracker assuming the given context window.
func NewTracker(contextWindow int) *Tracker {
	if contextWindow <= 0 {
		contextWindow = DefaultContextWindow
	}
	return &Tracker{sessions: make(map[string]*sessionUsage), window: contextWindow}
}

func (t *Tracker) get(sessionID string) *sessionUsage {
	u, ok := t.sessions[sessionID]
	if !ok {
		u = &sessionUsage{metrics: TokenMetrics{ContextWindow: t.window}}
		t.sessions[sessionID] = u
	}
	return u
}

// RecordUsage adds one message's token usage.
func (t *Tracker) RecordUsage(sessionID string, usage chat.Usage) Delta {
	t.mu.Lock()
	defer t.mu.Unlock()

	u := t.get(sessionID)
	m := &u.metrics
	m.InputTokens += int64(usage.InputTokens)
	m.CacheReadInputTokens += int64(usage.CacheReadInputTokens)
	m.CacheCreationInputTokens += int64(usage.CacheCreationInputTokens)
	m.OutputTokens += int64(usage.OutputTokens)
	m.ContextTokens = usage.InputTokens + usage.CacheReadInputTokens + usage.CacheCreationInputTokens
	m.LastUpdatedAt = time.Now()

	return Delta{InputTokens: int64(usage.InputTokens), OutputTokens: int64(usage.OutputTokens)}
}

// RecordCost takes the subprocess's cumulative cost and returns the increment
// since the previous report.
func (t *Tracker) RecordCost(sessionID string, totalUSD float64) Delta {
	t.mu.Lock()
	defer t.mu.Unlock()

	u := t.get(sessionID)
	inc := totalUSD - u.lastTotal
	if inc < 0 {
		inc = totalUSD
	}
	u.lastTotal = totalUSD
	u.metrics.TotalCostUSD += inc
	u.metrics.LastUpdatedAt = time.Now()
	return Delta{CostUSD: inc}
}

// Snapshot returns the usage of a session.
func (t *Tracker) Snapshot(sessionID string) (TokenMetrics, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	u, ok := t.sessions[sessionID]
	if !ok {
		return TokenMetrics{}, false
	}
	return u.metrics, true
}

// Forget drops a session, typically when its subprocess exits. The next
// subprocess for the session starts its cumulative cost from zero.
func (t *Tracker) Forget(sessionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.sessions, sessionID)
}
