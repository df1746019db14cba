package session

import (
	"sync"
	"time"
)

// Stats accumulates per-turn and lifetime usage for one session. The
// reader goroutine writes, status commands read, so all access goes
// through the mutex.
type Stats struct {
	mu sync.Mutex

	model string

	turnStartedAt time.Time
	firstTokenAt  time.Time
	completeAt    time.Time

	turnInputTokens          int
	turnOutputTokens         int
	turnCacheReadTokens      int
	turnCacheCreationTokens  int

	lifetimeInputTokens  int
	lifetimeOutputTokens int
	contextWindow        int

	totalCostUSD float64
	turnCount    int
}

// StatsSnapshot is a consistent copy of the counters for display.
type StatsSnapshot struct {
	Model string

	TurnStartedAt time.Time
	FirstTokenAt  time.Time
	CompleteAt    time.Time

	TurnInputTokens         int
	TurnOutputTokens        int
	TurnCacheReadTokens     int
	TurnCacheCreationTokens int

	LifetimeInputTokens  int
	LifetimeOutputTokens int
	ContextWindow        int

	TotalCostUSD float64
	TurnCount    int
}

// BeginTurn clears per-turn counters and stamps the turn start.
func (s *Stats) BeginTurn(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.turnStartedAt = now
	s.firstTokenAt = time.Time{}
	s.completeAt = time.Time{}
	s.turnInputTokens = 0
	s.turnOutputTokens = 0
	s.turnCacheReadTokens = 0
	s.turnCacheCreationTokens = 0
}

// StampFirstToken records when the first assistant output arrived. Only
// the first stamp of a turn sticks.
func (s *Stats) StampFirstToken(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.firstTokenAt.IsZero() {
		s.firstTokenAt = now
	}
}

// ApplyResult folds a result event into the counters and closes the turn.
func (s *Stats) ApplyResult(ev *rawEvent, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.completeAt = now
	s.turnCount++
	if ev.TotalCostUSD > 0 {
		s.totalCostUSD = ev.TotalCostUSD
	}
	if ev.Usage != nil {
		s.turnInputTokens = ev.Usage.InputTokens
		s.turnOutputTokens = ev.Usage.OutputTokens
		s.turnCacheReadTokens = ev.Usage.CacheReadInputTokens
		s.turnCacheCreationTokens = ev.Usage.CacheCreationInputTokens
	}
	if model, usage, ok := firstModelUsage(ev.ModelUsage); ok {
		s.model = model
		s.lifetimeInputTokens = usage.InputTokens + usage.CacheReadInputTokens + usage.CacheCreationInputTokens
		s.lifetimeOutputTokens = usage.OutputTokens
		if usage.ContextWindow > 0 {
			s.contextWindow = usage.ContextWindow
		}
	}
}

// Snapshot returns a copy of the counters.
func (s *Stats) Snapshot() StatsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	return StatsSnapshot{
		Model:                   s.model,
		TurnStartedAt:           s.turnStartedAt,
		FirstTokenAt:            s.firstTokenAt,
		CompleteAt:              s.completeAt,
		TurnInputTokens:         s.turnInputTokens,
		TurnOutputTokens:        s.turnOutputTokens,
		TurnCacheReadTokens:     s.turnCacheReadTokens,
		TurnCacheCreationTokens: s.turnCacheCreationTokens,
		LifetimeInputTokens:     s.lifetimeInputTokens,
		LifetimeOutputTokens:    s.lifetimeOutputTokens,
		ContextWindow:           s.contextWindow,
		TotalCostUSD:            s.totalCostUSD,
		TurnCount:               s.turnCount,
	}
}

// ContextPercent estimates how full the context window is, 0 to 100.
// Returns 0 when no window size has been observed yet.
func (snap StatsSnapshot) ContextPercent() float64 {
	if snap.ContextWindow <= 0 {
		return 0
	}
	used := snap.TurnInputTokens + snap.TurnCacheReadTokens + snap.TurnCacheCreationTokens
	pct := float64(used) / float64(snap.ContextWindow) * 100
	if pct > 100 {
		pct = 100
	}
	return pct
}

// TokensPerSecond is the turn's output rate measured from first token to
// completion. Returns 0 for turns without both stamps.
func (snap StatsSnapshot) TokensPerSecond() float64 {
	if snap.FirstTokenAt.IsZero() || snap.CompleteAt.IsZero() {
		return 0
	}
	elapsed := snap.CompleteAt.Sub(snap.FirstTokenAt).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return float64(snap.TurnOutputTokens) / elapsed
}
