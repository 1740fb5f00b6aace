// Package scheduler implements the task scheduler and execution engine:
// per-organization priority queues, a single cooperative dispatch loop,
// per-agent and per-organization concurrency caps, deadline enforcement,
// and retry with exponential backoff.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/complyon/compliance-agent-backend/internal/domain/agent"
	auditdomain "github.com/complyon/compliance-agent-backend/internal/domain/audit"
	"github.com/complyon/compliance-agent-backend/internal/domain/errors"
	"github.com/complyon/compliance-agent-backend/internal/domain/task"
	"github.com/complyon/compliance-agent-backend/internal/infrastructure/config"
	"github.com/complyon/compliance-agent-backend/internal/metrics"
	auditlog "github.com/complyon/compliance-agent-backend/internal/service/audit"
	"github.com/complyon/compliance-agent-backend/internal/service/registry"
)

// Executor runs a task on behalf of an agent. Implementations must
// observe ctx cancellation at their blocking points.
type Executor interface {
	Execute(ctx context.Context, a *agent.Agent, t *task.Task) (output map[string]interface{}, evidenceRefs []string, err error)
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, a *agent.Agent, t *task.Task) (map[string]interface{}, []string, error)

func (f ExecutorFunc) Execute(ctx context.Context, a *agent.Agent, t *task.Task) (map[string]interface{}, []string, error) {
	return f(ctx, a, t)
}

type trackedTask struct {
	task   *task.Task
	cancel context.CancelFunc
	result *task.Result
	// doneAt gates result retention pruning.
	doneAt time.Time
}

// Scheduler owns all tasks from submission to result retention.
type Scheduler struct {
	cfg      config.SchedulerConfig
	registry *registry.Registry
	auditLog *auditlog.Logger
	metrics  *metrics.Registry
	logger   *zap.Logger
	tracer   trace.Tracer

	mu          sync.Mutex
	queues      map[string]*orgQueue
	tasks       map[uuid.UUID]*trackedTask
	orgInFlight map[string]int
	seq         uint64

	executorMu sync.RWMutex
	executors  map[agent.AgentType]Executor

	// workerSlots bounds aggregate execution concurrency.
	workerSlots chan struct{}

	wg      sync.WaitGroup
	stopCh  chan struct{}
	doneCh  chan struct{}
	startMu sync.Mutex
	started bool

	// nowFunc is swappable for deterministic tests.
	nowFunc func() time.Time
}

// New creates a scheduler. Executors are registered per agent type
// before Start.
func New(cfg config.SchedulerConfig, reg *registry.Registry, auditLog *auditlog.Logger, m *metrics.Registry, logger *zap.Logger) (*Scheduler, error) {
	if reg == nil {
		return nil, fmt.Errorf("agent registry is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = 1000
	}
	if cfg.GlobalConcurrencyCap <= 0 {
		cfg.GlobalConcurrencyCap = 50
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 100 * time.Millisecond
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = 2 * time.Second
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 5 * time.Minute
	}
	if cfg.ResultRetention <= 0 {
		cfg.ResultRetention = 24 * time.Hour
	}

	return &Scheduler{
		cfg:         cfg,
		registry:    reg,
		auditLog:    auditLog,
		metrics:     m,
		logger:      logger,
		tracer:      otel.Tracer("scheduler"),
		queues:      make(map[string]*orgQueue),
		tasks:       make(map[uuid.UUID]*trackedTask),
		orgInFlight: make(map[string]int),
		executors:   make(map[agent.AgentType]Executor),
		workerSlots: make(chan struct{}, cfg.GlobalConcurrencyCap),
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
		nowFunc:     time.Now,
	}, nil
}

// RegisterExecutor binds the executor used for all agents of a type.
func (s *Scheduler) RegisterExecutor(t agent.AgentType, exec Executor) {
	s.executorMu.Lock()
	defer s.executorMu.Unlock()
	s.executors[t] = exec
}

func (s *Scheduler) executorFor(t agent.AgentType) (Executor, bool) {
	s.executorMu.RLock()
	defer s.executorMu.RUnlock()
	exec, ok := s.executors[t]
	return exec, ok
}

// Start launches the dispatch loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.startMu.Lock()
	defer s.startMu.Unlock()
	if s.started {
		return errors.NewConflictError("scheduler already started")
	}
	s.started = true

	go s.dispatchLoop(ctx)
	s.logger.Info("scheduler started",
		zap.Int("global_cap", s.cfg.GlobalConcurrencyCap),
		zap.Duration("tick", s.cfg.TickInterval))
	return nil
}

// Stop halts dispatch and waits for in-flight executions.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.startMu.Lock()
	defer s.startMu.Unlock()
	if !s.started {
		return nil
	}
	s.started = false
	close(s.stopCh)
	<-s.doneCh

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.logger.Info("scheduler stopped")
		return nil
	case <-ctx.Done():
		s.logger.Warn("scheduler stop timed out with tasks in flight")
		return ctx.Err()
	}
}

// Submit validates and enqueues a task, returning its ID. A full queue
// rejects with a backpressure error.
func (s *Scheduler) Submit(ctx context.Context, sub task.Submission) (uuid.UUID, error) {
	if sub.Timeout <= 0 {
		sub.Timeout = s.cfg.DefaultTaskTimeout
	}
	// Zero means unset and takes the configured default; a negative
	// value requests an explicit zero-retry budget.
	if sub.MaxRetries == 0 {
		sub.MaxRetries = s.cfg.RetryMaxAttempts
	} else if sub.MaxRetries < 0 {
		sub.MaxRetries = 0
	}

	t, err := task.New(sub)
	if err != nil {
		return uuid.Nil, err
	}

	s.mu.Lock()
	s.seq++
	t.SetSequence(s.seq)

	q, ok := s.queues[t.OrganizationID]
	if !ok {
		q = newOrgQueue(s.cfg.QueueCapacity)
		s.queues[t.OrganizationID] = q
	}
	if !q.push(t) {
		s.mu.Unlock()
		return uuid.Nil, errors.ErrQueueFull
	}
	s.tasks[t.ID] = &trackedTask{task: t}
	depth := q.len()
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.TasksSubmitted.WithLabelValues(t.Type).Inc()
		s.metrics.QueueDepth.WithLabelValues(t.OrganizationID).Set(float64(depth))
	}
	s.logger.Debug("task submitted",
		zap.String("task_id", t.ID.String()),
		zap.String("organization", t.OrganizationID),
		zap.Int("priority", t.Priority))
	s.audit(ctx, t, "task_submitted", auditdomain.OutcomeSuccess, nil)
	return t.ID, nil
}

// Get returns the task's current snapshot.
func (s *Scheduler) Get(taskID uuid.UUID) (*task.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tt, ok := s.tasks[taskID]
	if !ok {
		return nil, errors.ErrTaskNotFound
	}
	snap := tt.task.Snapshot(tt.result)
	return &snap, nil
}

// Cancel cancels a pending or running task. Pending tasks resolve to
// Cancelled immediately; running tasks are signalled and resolve when
// the executor observes the cancellation.
func (s *Scheduler) Cancel(ctx context.Context, taskID uuid.UUID) (bool, error) {
	s.mu.Lock()
	tt, ok := s.tasks[taskID]
	if !ok {
		s.mu.Unlock()
		return false, errors.ErrTaskNotFound
	}

	t := tt.task
	switch t.State {
	case task.StatePending, task.StateRetrying:
		if q, ok := s.queues[t.OrganizationID]; ok {
			q.remove(t.ID)
		}
		t.State = task.StateCancelled
		t.CompletedAt = s.nowFunc().UTC()
		tt.result = task.NewFailureResult(t.ID, task.ErrorKindCancelled, "cancelled before dispatch", 0, t.Attempt)
		tt.doneAt = t.CompletedAt
		s.mu.Unlock()
		s.audit(ctx, t, "task_cancelled", auditdomain.OutcomeSuccess, nil)
		if s.metrics != nil {
			s.metrics.TasksCompleted.WithLabelValues(task.StateCancelled.String()).Inc()
		}
		return true, nil
	case task.StateScheduled, task.StateRunning:
		cancel := tt.cancel
		s.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		s.audit(ctx, t, "task_cancel_requested", auditdomain.OutcomeSuccess, nil)
		return true, nil
	default:
		s.mu.Unlock()
		return false, nil
	}
}

// QueueDepth returns the number of queued tasks for an organization.
func (s *Scheduler) QueueDepth(orgID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if q, ok := s.queues[orgID]; ok {
		return q.len()
	}
	return 0
}

func (s *Scheduler) dispatchLoop(ctx context.Context) {
	defer close(s.doneCh)
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick performs one dispatch round: enforce deadlines, promote due
// retries, and dispatch queued work onto idle capacity.
func (s *Scheduler) tick(ctx context.Context) {
	now := s.nowFunc().UTC()
	s.enforceDeadlines(ctx, now)
	s.dispatchReady(ctx, now)
	s.pruneResults(now)
}

// enforceDeadlines cancels running tasks past their hard deadline.
func (s *Scheduler) enforceDeadlines(ctx context.Context, now time.Time) {
	s.mu.Lock()
	var overdue []context.CancelFunc
	for _, tt := range s.tasks {
		if tt.task.State == task.StateRunning && tt.task.Expired(now) && tt.cancel != nil {
			overdue = append(overdue, tt.cancel)
		}
	}
	s.mu.Unlock()
	for _, cancel := range overdue {
		cancel()
	}
}

// dispatchReady assigns queued tasks to agents with spare capacity.
func (s *Scheduler) dispatchReady(ctx context.Context, now time.Time) {
	idle := s.registry.Idle()
	if len(idle) == 0 {
		return
	}

	for _, a := range idle {
		for {
			t := s.claimTask(a, now)
			if t == nil {
				break
			}
			if !s.registry.Acquire(a.ID) {
				// Agent filled up between the Idle snapshot and now;
				// put the task back.
				s.requeue(t)
				break
			}
			s.wg.Add(1)
			go s.execute(ctx, a, t)
		}
	}
}

// claimTask pops the best compatible task for the agent, honoring the
// per-organization global cap and retry backoff gates.
func (s *Scheduler) claimTask(a *agent.Agent, now time.Time) *task.Task {
	s.mu.Lock()
	defer s.mu.Unlock()

	for orgID, q := range s.queues {
		if s.orgInFlight[orgID] >= s.cfg.GlobalConcurrencyCap {
			continue
		}
		t := q.popMatching(func(t *task.Task) bool {
			if !t.Target.Matches(a) {
				return false
			}
			if !t.NextAttemptAt.IsZero() && now.Before(t.NextAttemptAt) {
				return false
			}
			return true
		})
		if t == nil {
			continue
		}
		t.State = task.StateScheduled
		t.ScheduledAt = now
		s.orgInFlight[orgID]++
		if s.metrics != nil {
			s.metrics.QueueDepth.WithLabelValues(orgID).Set(float64(q.len()))
		}
		return t
	}
	return nil
}

func (s *Scheduler) requeue(t *task.Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t.State = task.StatePending
	s.orgInFlight[t.OrganizationID]--
	if q, ok := s.queues[t.OrganizationID]; ok {
		q.push(t)
	}
}

func (s *Scheduler) pruneResults(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, tt := range s.tasks {
		if tt.task.State.Terminal() && !tt.doneAt.IsZero() &&
			now.Sub(tt.doneAt) > s.cfg.ResultRetention {
			delete(s.tasks, id)
		}
	}
}

func (s *Scheduler) audit(ctx context.Context, t *task.Task, eventType string, outcome auditdomain.Outcome, details map[string]interface{}) {
	if s.auditLog == nil {
		return
	}
	event, err := auditdomain.NewEvent(auditdomain.CategoryTask, eventType,
		"scheduler", auditdomain.ActorSystem, t.ID.String(), eventType)
	if err != nil {
		return
	}
	event.WithOrganization(t.OrganizationID).
		WithOutcome(outcome).
		WithCorrelation(t.CorrelationID)
	if details != nil {
		event.WithDetails(details)
	}
	if err := s.auditLog.Append(ctx, event); err != nil {
		s.logger.Error("failed to append task audit event", zap.Error(err))
	}
}
