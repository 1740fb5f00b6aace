package audit

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/complyon/compliance-agent-backend/internal/domain/audit"
)

// FailedAccessMonitor counts denied access decisions per actor within a
// sliding window and logs when an actor crosses the threshold.
type FailedAccessMonitor struct {
	logger    *zap.Logger
	threshold int
	window    time.Duration

	mu       sync.Mutex
	failures map[string][]time.Time
}

// NewFailedAccessMonitor creates a monitor alerting after threshold
// denials within the window.
func NewFailedAccessMonitor(threshold int, window time.Duration, logger *zap.Logger) *FailedAccessMonitor {
	if threshold <= 0 {
		threshold = 5
	}
	if window <= 0 {
		window = 5 * time.Minute
	}
	return &FailedAccessMonitor{
		logger:    logger,
		threshold: threshold,
		window:    window,
		failures:  make(map[string][]time.Time),
	}
}

func (m *FailedAccessMonitor) Name() string { return "failed_access" }

func (m *FailedAccessMonitor) Handle(event *audit.Event) {
	if event.Category != audit.CategoryAccess && event.Category != audit.CategorySecurity {
		return
	}
	if event.Outcome != audit.OutcomeBlocked && event.Outcome != audit.OutcomeFailure {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-m.window)
	recent := m.failures[event.ActorID][:0]
	for _, t := range m.failures[event.ActorID] {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}
	recent = append(recent, now)
	m.failures[event.ActorID] = recent

	if len(recent) >= m.threshold {
		m.logger.Warn("repeated access denials detected",
			zap.String("actor_id", event.ActorID),
			zap.String("organization", event.OrganizationID),
			zap.Int("denials_in_window", len(recent)),
			zap.Duration("window", m.window))
	}
}

// Count returns the number of tracked denials for an actor.
func (m *FailedAccessMonitor) Count(actorID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.failures[actorID])
}

// HighRiskMonitor counts events at or above a risk score threshold and
// forwards them to an optional alert callback.
type HighRiskMonitor struct {
	logger    *zap.Logger
	threshold int
	alertFn   func(*audit.Event)
	seen      int64
}

// NewHighRiskMonitor creates a monitor for events with risk_score >=
// threshold. alertFn may be nil.
func NewHighRiskMonitor(threshold int, alertFn func(*audit.Event), logger *zap.Logger) *HighRiskMonitor {
	if threshold <= 0 {
		threshold = 75
	}
	return &HighRiskMonitor{
		logger:    logger,
		threshold: threshold,
		alertFn:   alertFn,
	}
}

func (m *HighRiskMonitor) Name() string { return "high_risk" }

func (m *HighRiskMonitor) Handle(event *audit.Event) {
	if event.RiskScore < m.threshold {
		return
	}
	atomic.AddInt64(&m.seen, 1)
	m.logger.Warn("high risk audit event",
		zap.String("event_type", event.EventType),
		zap.String("actor_id", event.ActorID),
		zap.Int("risk_score", event.RiskScore))
	if m.alertFn != nil {
		m.alertFn(event)
	}
}

// Seen returns how many high-risk events the monitor has observed.
func (m *HighRiskMonitor) Seen() int64 {
	return atomic.LoadInt64(&m.seen)
}
