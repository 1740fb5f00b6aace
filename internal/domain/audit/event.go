package audit

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/complyon/compliance-agent-backend/internal/domain/errors"
)

// Category groups audit events by subsystem.
type Category string

const (
	CategoryTask       Category = "task"
	CategoryContext    Category = "context"
	CategoryEvidence   Category = "evidence"
	CategoryAccess     Category = "access"
	CategorySecurity   Category = "security"
	CategoryDataShare  Category = "data_share"
	CategoryPipeline   Category = "pipeline"
	CategoryAgent      Category = "agent"
	CategoryCompliance Category = "compliance"
	CategorySystem     Category = "system"
)

// Outcome records how the audited action concluded.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
	OutcomePartial Outcome = "partial"
	OutcomeBlocked Outcome = "blocked"
	OutcomeError   Outcome = "error"
)

// ActorKind identifies what sort of principal performed the action.
type ActorKind string

const (
	ActorUser   ActorKind = "user"
	ActorAgent  ActorKind = "agent"
	ActorSystem ActorKind = "system"
	ActorAPI    ActorKind = "api"
)

// Level mirrors log severity for filtering.
type Level string

const (
	LevelInfo     Level = "info"
	LevelWarning  Level = "warning"
	LevelError    Level = "error"
	LevelCritical Level = "critical"
)

// DefaultRetentionDays is seven years, the compliance default.
const DefaultRetentionDays = 2555

// Event is an immutable audit log entry. The integrity hash is sealed
// by the audit logger before the event becomes visible to readers;
// after that the event is never modified.
type Event struct {
	ID              uuid.UUID              `json:"id"`
	SequenceNum     int64                  `json:"sequence_num"`
	Timestamp       time.Time              `json:"timestamp"`
	Level           Level                  `json:"level"`
	Category        Category               `json:"category"`
	EventType       string                 `json:"event_type"`
	Outcome         Outcome                `json:"outcome"`
	ActorID         string                 `json:"actor_id"`
	ActorKind       ActorKind              `json:"actor_kind"`
	OrganizationID  string                 `json:"organization_id"`
	ResourceRef     string                 `json:"resource_ref"`
	Action          string                 `json:"action"`
	Details         map[string]interface{} `json:"details,omitempty"`
	IP              string                 `json:"ip,omitempty"`
	SessionID       string                 `json:"session_id,omitempty"`
	CorrelationID   string                 `json:"correlation_id,omitempty"`
	RiskScore       int                    `json:"risk_score"`
	Frameworks      []string               `json:"frameworks,omitempty"`
	CustomerVisible bool                   `json:"customer_visible"`
	RetentionDays   int                    `json:"retention_days"`
	IntegrityHash   string                 `json:"integrity_hash"`
}

// NewEvent creates an audit event with validation. Sequence number and
// integrity hash are assigned by the audit logger at append time.
func NewEvent(category Category, eventType string, actorID string, actorKind ActorKind, resourceRef, action string) (*Event, error) {
	if err := validateCategory(category); err != nil {
		return nil, errors.NewValidationError("INVALID_CATEGORY",
			"audit category must be valid").WithCause(err)
	}
	if eventType == "" {
		return nil, errors.NewValidationError("MISSING_EVENT_TYPE",
			"event type is required")
	}
	if actorID == "" {
		return nil, errors.NewValidationError("MISSING_ACTOR_ID",
			"actor ID is required")
	}
	if action == "" {
		return nil, errors.NewValidationError("MISSING_ACTION",
			"action is required")
	}

	return &Event{
		ID:            uuid.New(),
		Timestamp:     time.Now().UTC(),
		Level:         LevelInfo,
		Category:      category,
		EventType:     eventType,
		Outcome:       OutcomeSuccess,
		ActorID:       actorID,
		ActorKind:     actorKind,
		ResourceRef:   resourceRef,
		Action:        action,
		Details:       make(map[string]interface{}),
		RetentionDays: DefaultRetentionDays,
	}, nil
}

// Builder-style setters used before the event is appended.

func (e *Event) WithOrganization(orgID string) *Event {
	e.OrganizationID = orgID
	return e
}

func (e *Event) WithOutcome(outcome Outcome) *Event {
	e.Outcome = outcome
	if outcome == OutcomeFailure || outcome == OutcomeError {
		e.Level = LevelError
	} else if outcome == OutcomeBlocked {
		e.Level = LevelWarning
	}
	return e
}

func (e *Event) WithCorrelation(correlationID string) *Event {
	e.CorrelationID = correlationID
	return e
}

func (e *Event) WithRiskScore(score int) *Event {
	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}
	e.RiskScore = score
	if score >= 75 {
		e.Level = LevelCritical
	}
	return e
}

func (e *Event) WithDetails(details map[string]interface{}) *Event {
	e.Details = SanitizeDetails(details)
	return e
}

func (e *Event) WithFrameworks(frameworks ...string) *Event {
	e.Frameworks = frameworks
	return e
}

func (e *Event) WithRetention(days int) *Event {
	if days > 0 {
		e.RetentionDays = days
	}
	return e
}

func (e *Event) WithCustomerVisible(visible bool) *Event {
	e.CustomerVisible = visible
	return e
}

// Sealed reports whether the integrity hash has been assigned.
func (e *Event) Sealed() bool {
	return e.IntegrityHash != ""
}

// RetentionExpiry returns when the event falls out of retention.
func (e *Event) RetentionExpiry() time.Time {
	return e.Timestamp.AddDate(0, 0, e.RetentionDays)
}

// sensitiveDetailKeys are removed from audit details before persistence.
var sensitiveDetailKeys = map[string]struct{}{
	"password":       {},
	"secret":         {},
	"token":          {},
	"api_key":        {},
	"credentials":    {},
	"private_key":    {},
	"ciphertext":     {},
	"encryption_key": {},
	"stack_trace":    {},
}

// SanitizeDetails strips secret-bearing keys from a details map.
func SanitizeDetails(details map[string]interface{}) map[string]interface{} {
	if details == nil {
		return nil
	}
	clean := make(map[string]interface{}, len(details))
	for k, v := range details {
		if _, sensitive := sensitiveDetailKeys[k]; sensitive {
			clean[k] = "[REDACTED]"
			continue
		}
		clean[k] = v
	}
	return clean
}

func validateCategory(c Category) error {
	switch c {
	case CategoryTask, CategoryContext, CategoryEvidence, CategoryAccess,
		CategorySecurity, CategoryDataShare, CategoryPipeline, CategoryAgent,
		CategoryCompliance, CategorySystem:
		return nil
	default:
		return fmt.Errorf("unknown audit category: %s", c)
	}
}

// Filter selects audit events on read.
type Filter struct {
	OrganizationID string    `json:"organization_id"`
	Category       Category  `json:"category,omitempty"`
	ActorID        string    `json:"actor_id,omitempty"`
	ResourceRef    string    `json:"resource_ref,omitempty"`
	Outcome        Outcome   `json:"outcome,omitempty"`
	MinRiskScore   int       `json:"min_risk_score,omitempty"`
	From           time.Time `json:"from,omitempty"`
	Until          time.Time `json:"until,omitempty"`
	Limit          int       `json:"limit,omitempty"`
}

// Matches reports whether an event satisfies every set filter field.
func (f Filter) Matches(e *Event) bool {
	if f.OrganizationID != "" && e.OrganizationID != f.OrganizationID {
		return false
	}
	if f.Category != "" && e.Category != f.Category {
		return false
	}
	if f.ActorID != "" && e.ActorID != f.ActorID {
		return false
	}
	if f.ResourceRef != "" && e.ResourceRef != f.ResourceRef {
		return false
	}
	if f.Outcome != "" && e.Outcome != f.Outcome {
		return false
	}
	if f.MinRiskScore > 0 && e.RiskScore < f.MinRiskScore {
		return false
	}
	if !f.From.IsZero() && e.Timestamp.Before(f.From) {
		return false
	}
	if !f.Until.IsZero() && e.Timestamp.After(f.Until) {
		return false
	}
	return true
}
