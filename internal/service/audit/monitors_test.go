package audit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/complyon/compliance-agent-backend/internal/domain/audit"
)

func deniedEvent(t *testing.T, actor string) *audit.Event {
	t.Helper()
	event, err := audit.NewEvent(audit.CategoryAccess, "context_access_denied",
		actor, audit.ActorAgent, "ctx-1", "read")
	require.NoError(t, err)
	return event.WithOrganization("org-1").WithOutcome(audit.OutcomeBlocked)
}

func TestFailedAccessMonitorCountsDenials(t *testing.T) {
	m := NewFailedAccessMonitor(3, time.Minute, zaptest.NewLogger(t))

	for i := 0; i < 4; i++ {
		m.Handle(deniedEvent(t, "agent-a"))
	}
	m.Handle(deniedEvent(t, "agent-b"))

	assert.Equal(t, 4, m.Count("agent-a"))
	assert.Equal(t, 1, m.Count("agent-b"))
}

func TestFailedAccessMonitorIgnoresOtherEvents(t *testing.T) {
	m := NewFailedAccessMonitor(3, time.Minute, zaptest.NewLogger(t))

	granted, err := audit.NewEvent(audit.CategoryAccess, "context_access_granted",
		"agent-a", audit.ActorAgent, "ctx-1", "read")
	require.NoError(t, err)
	m.Handle(granted)

	task, err := audit.NewEvent(audit.CategoryTask, "task_failed",
		"agent-a", audit.ActorAgent, "task-1", "execute")
	require.NoError(t, err)
	m.Handle(task.WithOutcome(audit.OutcomeFailure))

	assert.Equal(t, 0, m.Count("agent-a"))
}

func TestHighRiskMonitorAlerts(t *testing.T) {
	var alerted []*audit.Event
	m := NewHighRiskMonitor(75, func(e *audit.Event) {
		alerted = append(alerted, e)
	}, zaptest.NewLogger(t))

	low := deniedEvent(t, "agent-a").WithRiskScore(40)
	m.Handle(low)
	assert.Equal(t, int64(0), m.Seen())

	high := deniedEvent(t, "agent-a").WithRiskScore(90)
	m.Handle(high)
	assert.Equal(t, int64(1), m.Seen())
	require.Len(t, alerted, 1)
	assert.Equal(t, high.ID, alerted[0].ID)
}
