package agent

import (
	"fmt"
	"time"

	"github.com/complyon/compliance-agent-backend/internal/domain/errors"
)

// AgentType identifies the specialization of an agent. The set is closed;
// new specializations are added here, not injected at runtime.
type AgentType string

const (
	TypeEvidenceCollector      AgentType = "evidence_collector"
	TypeRiskAssessor           AgentType = "risk_assessor"
	TypeQuestionnaireProcessor AgentType = "questionnaire_processor"
	TypePolicyAnalyzer         AgentType = "policy_analyzer"
	TypeCloudScanner           AgentType = "cloud_scanner"
	TypeCryptoOfficer          AgentType = "crypto_officer"
)

// ValidTypes returns all known agent types.
func ValidTypes() []AgentType {
	return []AgentType{
		TypeEvidenceCollector,
		TypeRiskAssessor,
		TypeQuestionnaireProcessor,
		TypePolicyAnalyzer,
		TypeCloudScanner,
		TypeCryptoOfficer,
	}
}

func validateType(t AgentType) error {
	for _, vt := range ValidTypes() {
		if t == vt {
			return nil
		}
	}
	return fmt.Errorf("unknown agent type: %s", t)
}

// State is the lifecycle state of a registered agent.
type State int

const (
	StateRegistered State = iota
	StateInitializing
	StateIdle
	StateRunning
	StateFailed
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateRegistered:
		return "registered"
	case StateInitializing:
		return "initializing"
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateFailed:
		return "failed"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// validTransitions encodes the lifecycle state machine. Stop is reachable
// from every state, Failed recovers only through re-initialization.
var validTransitions = map[State][]State{
	StateRegistered:   {StateInitializing, StateStopped},
	StateInitializing: {StateIdle, StateFailed, StateStopped},
	StateIdle:         {StateRunning, StateFailed, StateStopped},
	StateRunning:      {StateIdle, StateFailed, StateStopped},
	StateFailed:       {StateInitializing, StateStopped},
	StateStopped:      {},
}

// CanTransition reports whether moving from one lifecycle state to
// another is permitted.
func CanTransition(from, to State) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Config is the registration-time description of an agent.
type Config struct {
	ID                 string        `json:"id"`
	Type               AgentType     `json:"type"`
	Capabilities       []string      `json:"capabilities"`
	MaxConcurrentTasks int           `json:"max_concurrent_tasks"`
	Priority           int           `json:"priority"`
	FailureThreshold   int           `json:"failure_threshold"`
	InitTimeout        time.Duration `json:"init_timeout"`
}

// Agent is the registry's view of one logical agent instance.
// Mutated only by the registry; callers receive snapshots.
type Agent struct {
	ID                  string    `json:"id"`
	Type                AgentType `json:"type"`
	Capabilities        []string  `json:"capabilities"`
	MaxConcurrentTasks  int       `json:"max_concurrent_tasks"`
	Priority            int       `json:"priority"`
	State               State     `json:"state"`
	FailureThreshold    int       `json:"failure_threshold"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	RegisteredAt        time.Time `json:"registered_at"`
	StartedAt           time.Time `json:"started_at,omitempty"`
}

// New creates an agent in the Registered state with validation.
func New(cfg Config) (*Agent, error) {
	if cfg.ID == "" {
		return nil, errors.NewValidationError("MISSING_AGENT_ID", "agent ID is required")
	}
	if err := validateType(cfg.Type); err != nil {
		return nil, errors.NewValidationError("INVALID_AGENT_TYPE",
			"agent type must be valid").WithCause(err)
	}
	if cfg.MaxConcurrentTasks <= 0 {
		return nil, errors.NewValidationError("INVALID_CONCURRENCY",
			"max concurrent tasks must be positive")
	}

	failureThreshold := cfg.FailureThreshold
	if failureThreshold <= 0 {
		failureThreshold = 3
	}

	caps := make([]string, len(cfg.Capabilities))
	copy(caps, cfg.Capabilities)

	return &Agent{
		ID:                 cfg.ID,
		Type:               cfg.Type,
		Capabilities:       caps,
		MaxConcurrentTasks: cfg.MaxConcurrentTasks,
		Priority:           cfg.Priority,
		State:              StateRegistered,
		FailureThreshold:   failureThreshold,
		RegisteredAt:       time.Now().UTC(),
	}, nil
}

// HasCapability reports whether the agent advertises the given capability tag.
func (a *Agent) HasCapability(tag string) bool {
	for _, c := range a.Capabilities {
		if c == tag {
			return true
		}
	}
	return false
}

// Transition moves the agent to a new state, enforcing the state machine.
func (a *Agent) Transition(to State) error {
	if !CanTransition(a.State, to) {
		return errors.NewValidationError("INVALID_TRANSITION",
			fmt.Sprintf("cannot transition agent from %s to %s", a.State, to))
	}
	a.State = to
	if to == StateInitializing {
		a.ConsecutiveFailures = 0
	}
	if to == StateIdle && a.StartedAt.IsZero() {
		a.StartedAt = time.Now().UTC()
	}
	return nil
}

// RecordFailure increments the consecutive failure counter and reports
// whether the failure threshold has been crossed.
func (a *Agent) RecordFailure() bool {
	a.ConsecutiveFailures++
	return a.ConsecutiveFailures >= a.FailureThreshold
}

// RecordSuccess resets the consecutive failure counter.
func (a *Agent) RecordSuccess() {
	a.ConsecutiveFailures = 0
}

// Uptime returns how long the agent has been serving tasks.
func (a *Agent) Uptime() time.Duration {
	if a.StartedAt.IsZero() {
		return 0
	}
	return time.Since(a.StartedAt)
}

// Clone returns a copy safe to hand to callers outside the registry.
func (a *Agent) Clone() *Agent {
	clone := *a
	clone.Capabilities = make([]string, len(a.Capabilities))
	copy(clone.Capabilities, a.Capabilities)
	return &clone
}
