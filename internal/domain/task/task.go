package task

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/complyon/compliance-agent-backend/internal/domain/agent"
	"github.com/complyon/compliance-agent-backend/internal/domain/errors"
)

// State is the lifecycle state of a submitted task.
type State int

const (
	StatePending State = iota
	StateScheduled
	StateRunning
	StateCompleted
	StateFailed
	StateCancelled
	StateRetrying
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateScheduled:
		return "scheduled"
	case StateRunning:
		return "running"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	case StateRetrying:
		return "retrying"
	default:
		return "unknown"
	}
}

// Terminal reports whether the state admits no further transitions.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

const (
	MinPriority = 1
	MaxPriority = 10
)

// Target selects which agent a task is routed to: either a concrete
// agent instance or any idle agent of a type.
type Target struct {
	AgentID   string          `json:"agent_id,omitempty"`
	AgentType agent.AgentType `json:"agent_type,omitempty"`
}

func (t Target) IsZero() bool {
	return t.AgentID == "" && t.AgentType == ""
}

// Matches reports whether the target selects the given agent.
func (t Target) Matches(a *agent.Agent) bool {
	if t.AgentID != "" {
		return t.AgentID == a.ID
	}
	return t.AgentType == a.Type
}

// Task is a unit of work submitted to the scheduler. The scheduler owns
// the task; other components reference it by ID only.
type Task struct {
	ID               uuid.UUID              `json:"id"`
	OrganizationID   string                 `json:"organization_id"`
	Type             string                 `json:"type"`
	Target           Target                 `json:"target"`
	Priority         int                    `json:"priority"`
	Payload          map[string]interface{} `json:"payload"`
	Timeout          time.Duration          `json:"timeout"`
	Deadline         time.Time              `json:"deadline,omitempty"`
	RetriesRemaining int                    `json:"retries_remaining"`
	Attempt          int                    `json:"attempt"`
	State            State                  `json:"state"`
	SubmittedAt      time.Time              `json:"submitted_at"`
	ScheduledAt      time.Time              `json:"scheduled_at,omitempty"`
	StartedAt        time.Time              `json:"started_at,omitempty"`
	CompletedAt      time.Time              `json:"completed_at,omitempty"`
	CorrelationID    string                 `json:"correlation_id"`

	// NextAttemptAt gates retried tasks: the dispatcher skips the task
	// until the backoff delay has elapsed.
	NextAttemptAt time.Time `json:"next_attempt_at,omitempty"`

	seq uint64
}

// Submission is the caller-facing request to create a task.
type Submission struct {
	OrganizationID string
	Type           string
	Target         Target
	Priority       int
	Payload        map[string]interface{}
	Timeout        time.Duration
	Deadline       time.Time
	MaxRetries     int
	CorrelationID  string
}

// New validates a submission and creates a pending task.
func New(sub Submission) (*Task, error) {
	if sub.OrganizationID == "" {
		return nil, errors.NewValidationError("MISSING_ORGANIZATION",
			"organization ID is required")
	}
	if sub.Type == "" {
		return nil, errors.NewValidationError("MISSING_TASK_TYPE",
			"task type is required")
	}
	if sub.Target.IsZero() {
		return nil, errors.NewValidationError("MISSING_TARGET",
			"task must target an agent ID or agent type")
	}

	priority := sub.Priority
	if priority == 0 {
		priority = 5
	}
	if priority < MinPriority || priority > MaxPriority {
		return nil, errors.NewValidationError("INVALID_PRIORITY",
			fmt.Sprintf("priority must be between %d and %d", MinPriority, MaxPriority))
	}

	correlationID := sub.CorrelationID
	if correlationID == "" {
		correlationID = uuid.NewString()
	}

	return &Task{
		ID:               uuid.New(),
		OrganizationID:   sub.OrganizationID,
		Type:             sub.Type,
		Target:           sub.Target,
		Priority:         priority,
		Payload:          sub.Payload,
		Timeout:          sub.Timeout,
		Deadline:         sub.Deadline,
		RetriesRemaining: sub.MaxRetries,
		State:            StatePending,
		SubmittedAt:      time.Now().UTC(),
		CorrelationID:    correlationID,
	}, nil
}

// SetSequence assigns the scheduler's monotonic admission sequence.
// FIFO ordering within a priority band keys off this value.
func (t *Task) SetSequence(seq uint64) { t.seq = seq }

// Sequence returns the admission sequence number.
func (t *Task) Sequence() uint64 { return t.seq }

// Expired reports whether the task's hard deadline has passed.
func (t *Task) Expired(now time.Time) bool {
	return !t.Deadline.IsZero() && now.After(t.Deadline)
}

// Snapshot is the caller-visible view of a task's progress.
type Snapshot struct {
	ID               uuid.UUID `json:"id"`
	OrganizationID   string    `json:"organization_id"`
	Type             string    `json:"type"`
	State            string    `json:"state"`
	Priority         int       `json:"priority"`
	Attempt          int       `json:"attempt"`
	RetriesRemaining int       `json:"retries_remaining"`
	SubmittedAt      time.Time `json:"submitted_at"`
	StartedAt        time.Time `json:"started_at,omitempty"`
	CompletedAt      time.Time `json:"completed_at,omitempty"`
	CorrelationID    string    `json:"correlation_id"`
	Result           *Result   `json:"result,omitempty"`
}

// Snapshot captures the task's current state for external callers.
func (t *Task) Snapshot(result *Result) Snapshot {
	return Snapshot{
		ID:               t.ID,
		OrganizationID:   t.OrganizationID,
		Type:             t.Type,
		State:            t.State.String(),
		Priority:         t.Priority,
		Attempt:          t.Attempt,
		RetriesRemaining: t.RetriesRemaining,
		SubmittedAt:      t.SubmittedAt,
		StartedAt:        t.StartedAt,
		CompletedAt:      t.CompletedAt,
		CorrelationID:    t.CorrelationID,
		Result:           result,
	}
}
