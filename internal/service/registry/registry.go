// Package registry owns the agent fleet: registration, the lifecycle
// state machine, in-flight accounting, and the health snapshots the
// scheduler routes on.
package registry

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/complyon/compliance-agent-backend/internal/domain/agent"
	auditdomain "github.com/complyon/compliance-agent-backend/internal/domain/audit"
	"github.com/complyon/compliance-agent-backend/internal/domain/errors"
	auditlog "github.com/complyon/compliance-agent-backend/internal/service/audit"
)

// Initializer probes an agent's dependencies during startup. A nil
// initializer means the agent becomes Idle immediately.
type Initializer interface {
	Initialize(ctx context.Context, a *agent.Agent) error
}

// InitializerFunc adapts a function to the Initializer interface.
type InitializerFunc func(ctx context.Context, a *agent.Agent) error

func (f InitializerFunc) Initialize(ctx context.Context, a *agent.Agent) error {
	return f(ctx, a)
}

// Health is the registry's routing snapshot for one agent.
type Health struct {
	AgentID             string          `json:"agent_id"`
	Type                agent.AgentType `json:"type"`
	State               string          `json:"state"`
	InFlight            int             `json:"in_flight"`
	MaxConcurrent       int             `json:"max_concurrent"`
	Uptime              time.Duration   `json:"uptime"`
	TasksCompleted      int64           `json:"tasks_completed"`
	TasksFailed         int64           `json:"tasks_failed"`
	ConsecutiveFailures int             `json:"consecutive_failures"`
}

// Filter selects agents from List.
type Filter struct {
	Type       agent.AgentType
	State      *agent.State
	Capability string
}

type entry struct {
	agent          *agent.Agent
	inFlight       int
	tasksCompleted int64
	tasksFailed    int64
}

// Registry tracks all registered agents. It is the single writer of
// agent state; callers receive cloned snapshots.
type Registry struct {
	mu      sync.RWMutex
	agents  map[string]*entry
	initers map[string]Initializer

	auditLog *auditlog.Logger
	logger   *zap.Logger
}

// New creates an empty registry.
func New(auditLog *auditlog.Logger, logger *zap.Logger) *Registry {
	return &Registry{
		agents:   make(map[string]*entry),
		initers:  make(map[string]Initializer),
		auditLog: auditLog,
		logger:   logger,
	}
}

// Register adds an agent in the Registered state.
func (r *Registry) Register(ctx context.Context, cfg agent.Config, init Initializer) (*agent.Agent, error) {
	a, err := agent.New(cfg)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	if _, exists := r.agents[a.ID]; exists {
		r.mu.Unlock()
		return nil, errors.NewConflictError("agent ID already registered")
	}
	r.agents[a.ID] = &entry{agent: a}
	if init != nil {
		r.initers[a.ID] = init
	}
	r.mu.Unlock()

	r.logger.Info("agent registered",
		zap.String("agent_id", a.ID),
		zap.String("type", string(a.Type)),
		zap.Int("max_concurrent", a.MaxConcurrentTasks))
	r.audit(ctx, "agent_registered", a.ID, auditdomain.OutcomeSuccess)
	return a.Clone(), nil
}

// Deregister stops and removes an agent.
func (r *Registry) Deregister(ctx context.Context, agentID string) error {
	r.mu.Lock()
	e, ok := r.agents[agentID]
	if !ok {
		r.mu.Unlock()
		return errors.ErrAgentNotFound
	}
	_ = e.agent.Transition(agent.StateStopped)
	delete(r.agents, agentID)
	delete(r.initers, agentID)
	r.mu.Unlock()

	r.logger.Info("agent deregistered", zap.String("agent_id", agentID))
	r.audit(ctx, "agent_deregistered", agentID, auditdomain.OutcomeSuccess)
	return nil
}

// Start drives Registered→Initializing→Idle, running the agent's
// initializer in between. Initialization failure lands in Failed.
func (r *Registry) Start(ctx context.Context, agentID string) error {
	r.mu.Lock()
	e, ok := r.agents[agentID]
	if !ok {
		r.mu.Unlock()
		return errors.ErrAgentNotFound
	}
	if err := e.agent.Transition(agent.StateInitializing); err != nil {
		r.mu.Unlock()
		return err
	}
	init := r.initers[agentID]
	snapshot := e.agent.Clone()
	r.mu.Unlock()

	if init != nil {
		initCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		if err := init.Initialize(initCtx, snapshot); err != nil {
			r.mu.Lock()
			_ = e.agent.Transition(agent.StateFailed)
			r.mu.Unlock()
			r.logger.Error("agent initialization failed",
				zap.String("agent_id", agentID), zap.Error(err))
			r.audit(ctx, "agent_start", agentID, auditdomain.OutcomeFailure)
			return errors.NewTransientError("agent initialization failed").WithCause(err)
		}
	}

	r.mu.Lock()
	err := e.agent.Transition(agent.StateIdle)
	r.mu.Unlock()
	if err != nil {
		return err
	}

	r.logger.Info("agent started", zap.String("agent_id", agentID))
	r.audit(ctx, "agent_start", agentID, auditdomain.OutcomeSuccess)
	return nil
}

// Stop moves the agent to Stopped from any state.
func (r *Registry) Stop(ctx context.Context, agentID string) error {
	r.mu.Lock()
	e, ok := r.agents[agentID]
	if !ok {
		r.mu.Unlock()
		return errors.ErrAgentNotFound
	}
	err := e.agent.Transition(agent.StateStopped)
	r.mu.Unlock()
	if err != nil {
		return err
	}
	r.audit(ctx, "agent_stop", agentID, auditdomain.OutcomeSuccess)
	return nil
}

// Reset recovers a Failed agent through re-initialization.
func (r *Registry) Reset(ctx context.Context, agentID string) error {
	r.mu.RLock()
	e, ok := r.agents[agentID]
	var state agent.State
	if ok {
		state = e.agent.State
	}
	r.mu.RUnlock()
	if !ok {
		return errors.ErrAgentNotFound
	}
	if state != agent.StateFailed {
		return errors.NewValidationError("NOT_FAILED",
			"only failed agents can be reset")
	}
	return r.Start(ctx, agentID)
}

// Get returns a snapshot of the agent.
func (r *Registry) Get(agentID string) (*agent.Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.agents[agentID]
	if !ok {
		return nil, errors.ErrAgentNotFound
	}
	return e.agent.Clone(), nil
}

// List returns snapshots of agents matching the filter, ordered by ID.
func (r *Registry) List(filter Filter) []*agent.Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*agent.Agent
	for _, e := range r.agents {
		a := e.agent
		if filter.Type != "" && a.Type != filter.Type {
			continue
		}
		if filter.State != nil && a.State != *filter.State {
			continue
		}
		if filter.Capability != "" && !a.HasCapability(filter.Capability) {
			continue
		}
		out = append(out, a.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Health returns the routing snapshot for one agent.
func (r *Registry) Health(agentID string) (*Health, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.agents[agentID]
	if !ok {
		return nil, errors.ErrAgentNotFound
	}
	return &Health{
		AgentID:             e.agent.ID,
		Type:                e.agent.Type,
		State:               e.agent.State.String(),
		InFlight:            e.inFlight,
		MaxConcurrent:       e.agent.MaxConcurrentTasks,
		Uptime:              e.agent.Uptime(),
		TasksCompleted:      e.tasksCompleted,
		TasksFailed:         e.tasksFailed,
		ConsecutiveFailures: e.agent.ConsecutiveFailures,
	}, nil
}

// Acquire reserves an execution slot on an Idle or Running agent.
// It returns false when the agent is unavailable or at capacity.
func (r *Registry) Acquire(agentID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.agents[agentID]
	if !ok {
		return false
	}
	a := e.agent
	if a.State != agent.StateIdle && a.State != agent.StateRunning {
		return false
	}
	if e.inFlight >= a.MaxConcurrentTasks {
		return false
	}
	e.inFlight++
	if a.State == agent.StateIdle {
		_ = a.Transition(agent.StateRunning)
	}
	return true
}

// Release frees a slot and records the task outcome. Crossing the
// failure threshold moves the agent to Failed.
func (r *Registry) Release(ctx context.Context, agentID string, success bool) {
	r.mu.Lock()
	e, ok := r.agents[agentID]
	if !ok {
		r.mu.Unlock()
		return
	}
	if e.inFlight > 0 {
		e.inFlight--
	}
	a := e.agent

	var failedOut bool
	if success {
		e.tasksCompleted++
		a.RecordSuccess()
	} else {
		e.tasksFailed++
		failedOut = a.RecordFailure()
	}

	if failedOut && a.State != agent.StateStopped {
		_ = a.Transition(agent.StateFailed)
	} else if e.inFlight == 0 && a.State == agent.StateRunning {
		_ = a.Transition(agent.StateIdle)
	}
	r.mu.Unlock()

	if failedOut {
		r.logger.Warn("agent failed after repeated task failures",
			zap.String("agent_id", agentID),
			zap.Int("threshold", a.FailureThreshold))
		r.audit(ctx, "agent_failed", agentID, auditdomain.OutcomeError)
	}
}

// Idle returns snapshots of all agents with spare capacity, ordered by
// agent priority (highest first) then ID for determinism.
func (r *Registry) Idle() []*agent.Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*agent.Agent
	for _, e := range r.agents {
		a := e.agent
		if (a.State == agent.StateIdle || a.State == agent.StateRunning) &&
			e.inFlight < a.MaxConcurrentTasks {
			out = append(out, a.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// InFlight returns the agent's current in-flight task count.
func (r *Registry) InFlight(agentID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.agents[agentID]; ok {
		return e.inFlight
	}
	return 0
}

func (r *Registry) audit(ctx context.Context, eventType, agentID string, outcome auditdomain.Outcome) {
	if r.auditLog == nil {
		return
	}
	event, err := auditdomain.NewEvent(auditdomain.CategoryAgent, eventType,
		"registry", auditdomain.ActorSystem, agentID, eventType)
	if err != nil {
		return
	}
	event.WithOutcome(outcome)
	if err := r.auditLog.Append(ctx, event); err != nil {
		r.logger.Error("failed to append agent audit event", zap.Error(err))
	}
}
