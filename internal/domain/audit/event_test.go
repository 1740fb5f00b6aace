package audit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEvent(t *testing.T) *Event {
	t.Helper()
	event, err := NewEvent(CategoryAccess, "context_read", "agent-a",
		ActorAgent, "context/abc", "read")
	require.NoError(t, err)
	return event
}

func TestNewEventDefaults(t *testing.T) {
	event := newTestEvent(t)
	assert.Equal(t, LevelInfo, event.Level)
	assert.Equal(t, OutcomeSuccess, event.Outcome)
	assert.Equal(t, DefaultRetentionDays, event.RetentionDays)
	assert.False(t, event.Sealed())
	assert.False(t, event.CustomerVisible)
}

func TestNewEventValidation(t *testing.T) {
	_, err := NewEvent("billing", "x", "agent-a", ActorAgent, "r", "read")
	require.Error(t, err)
	_, err = NewEvent(CategoryAccess, "", "agent-a", ActorAgent, "r", "read")
	require.Error(t, err)
	_, err = NewEvent(CategoryAccess, "x", "", ActorAgent, "r", "read")
	require.Error(t, err)
	_, err = NewEvent(CategoryAccess, "x", "agent-a", ActorAgent, "r", "")
	require.Error(t, err)
}

func TestOutcomeSetsLevel(t *testing.T) {
	assert.Equal(t, LevelError, newTestEvent(t).WithOutcome(OutcomeFailure).Level)
	assert.Equal(t, LevelError, newTestEvent(t).WithOutcome(OutcomeError).Level)
	assert.Equal(t, LevelWarning, newTestEvent(t).WithOutcome(OutcomeBlocked).Level)
	assert.Equal(t, LevelInfo, newTestEvent(t).WithOutcome(OutcomeSuccess).Level)
}

func TestRiskScoreClampAndEscalation(t *testing.T) {
	assert.Equal(t, 0, newTestEvent(t).WithRiskScore(-5).RiskScore)
	assert.Equal(t, 100, newTestEvent(t).WithRiskScore(250).RiskScore)

	low := newTestEvent(t).WithRiskScore(50)
	assert.Equal(t, LevelInfo, low.Level)

	high := newTestEvent(t).WithRiskScore(75)
	assert.Equal(t, LevelCritical, high.Level)
}

func TestSanitizeDetailsRedactsSecrets(t *testing.T) {
	event := newTestEvent(t).WithDetails(map[string]interface{}{
		"password":    "hunter2",
		"api_key":     "sk-abc",
		"stack_trace": "goroutine 1 [running]",
		"region":      "eu-west-1",
	})

	assert.Equal(t, "[REDACTED]", event.Details["password"])
	assert.Equal(t, "[REDACTED]", event.Details["api_key"])
	assert.Equal(t, "[REDACTED]", event.Details["stack_trace"])
	assert.Equal(t, "eu-west-1", event.Details["region"])

	assert.Nil(t, SanitizeDetails(nil))
}

func TestRetentionExpiry(t *testing.T) {
	event := newTestEvent(t).WithRetention(30)
	assert.Equal(t, event.Timestamp.AddDate(0, 0, 30), event.RetentionExpiry())

	// Non-positive overrides keep the default.
	kept := newTestEvent(t).WithRetention(0)
	assert.Equal(t, DefaultRetentionDays, kept.RetentionDays)
}

func TestFilterMatches(t *testing.T) {
	event := newTestEvent(t).
		WithOrganization("org-1").
		WithOutcome(OutcomeBlocked).
		WithRiskScore(80)

	assert.True(t, Filter{}.Matches(event))
	assert.True(t, Filter{OrganizationID: "org-1", Category: CategoryAccess,
		Outcome: OutcomeBlocked, MinRiskScore: 75}.Matches(event))
	assert.False(t, Filter{OrganizationID: "org-2"}.Matches(event))
	assert.False(t, Filter{ActorID: "agent-b"}.Matches(event))
	assert.False(t, Filter{MinRiskScore: 90}.Matches(event))
	assert.False(t, Filter{From: event.Timestamp.Add(time.Hour)}.Matches(event))
	assert.False(t, Filter{Until: event.Timestamp.Add(-time.Hour)}.Matches(event))
}
