package scheduler

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/complyon/compliance-agent-backend/internal/domain/agent"
	auditdomain "github.com/complyon/compliance-agent-backend/internal/domain/audit"
	"github.com/complyon/compliance-agent-backend/internal/domain/errors"
	"github.com/complyon/compliance-agent-backend/internal/domain/task"
)

// execute runs one attempt of a claimed task on the given agent, then
// resolves the task or schedules a retry. The caller has already
// acquired an agent slot; execute releases it.
func (s *Scheduler) execute(ctx context.Context, a *agent.Agent, t *task.Task) {
	defer s.wg.Done()

	// Honor the aggregate concurrency cap before starting the clock.
	select {
	case s.workerSlots <- struct{}{}:
	case <-ctx.Done():
		s.registry.Release(ctx, a.ID, true)
		s.requeue(t)
		return
	case <-s.stopCh:
		s.registry.Release(ctx, a.ID, true)
		s.requeue(t)
		return
	}
	defer func() { <-s.workerSlots }()

	exec, ok := s.executorFor(a.Type)
	if !ok {
		s.registry.Release(ctx, a.ID, false)
		s.resolveFailure(ctx, t, task.ErrorKindPermanent,
			"no executor registered for agent type "+string(a.Type), 0)
		return
	}

	timeout := t.Timeout
	if timeout <= 0 {
		timeout = s.cfg.DefaultTaskTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	if !t.Deadline.IsZero() {
		var dcancel context.CancelFunc
		runCtx, dcancel = context.WithDeadline(runCtx, t.Deadline)
		defer dcancel()
	}

	now := s.nowFunc().UTC()
	s.mu.Lock()
	tt, tracked := s.tasks[t.ID]
	if !tracked {
		s.orgInFlight[t.OrganizationID]--
		s.mu.Unlock()
		cancel()
		s.registry.Release(ctx, a.ID, true)
		return
	}
	t.State = task.StateRunning
	t.Attempt++
	if t.StartedAt.IsZero() {
		t.StartedAt = now
	}
	tt.cancel = cancel
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.TasksInFlight.Inc()
		defer s.metrics.TasksInFlight.Dec()
	}

	runCtx, span := s.tracer.Start(runCtx, "task.execute")
	span.SetAttributes(
		attribute.String("task.id", t.ID.String()),
		attribute.String("task.type", t.Type),
		attribute.String("agent.id", a.ID),
		attribute.Int("task.attempt", t.Attempt),
	)

	start := s.nowFunc()
	output, evidenceRefs, err := exec.Execute(runCtx, a, t)
	elapsed := s.nowFunc().Sub(start)
	ctxErr := runCtx.Err()
	cancel()

	// Map context expiry to the retry taxonomy when the executor
	// surfaced a bare ctx error.
	if err != nil && !errors.IsType(err, errors.ErrorTypeTimeout) &&
		ctxErr == context.DeadlineExceeded {
		err = errors.NewTimeoutError("task execution exceeded " + timeout.String()).WithCause(err)
	}

	s.mu.Lock()
	tt.cancel = nil
	s.mu.Unlock()

	if err == nil {
		span.SetStatus(codes.Ok, "")
		span.End()
		s.registry.Release(ctx, a.ID, true)
		s.resolveSuccess(ctx, t, output, evidenceRefs, elapsed)
		return
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	span.End()

	kind := classify(err, ctxErr)
	s.registry.Release(ctx, a.ID, kind != task.ErrorKindCancelled)

	if kind == task.ErrorKindCancelled {
		s.resolveCancelled(ctx, t, elapsed)
		return
	}
	if kind.Retryable() && t.RetriesRemaining > 0 {
		s.scheduleRetry(ctx, t, kind, err)
		return
	}
	s.resolveFailure(ctx, t, kind, err.Error(), elapsed)
}

// classify folds context cancellation into the error taxonomy. ctxErr
// is the run context's error captured before the scheduler's own
// cancel, so it reflects only executor-visible cancellation.
func classify(err error, ctxErr error) task.ErrorKind {
	if ctxErr == context.Canceled && !errors.IsType(err, errors.ErrorTypeTimeout) {
		return task.ErrorKindCancelled
	}
	return task.ClassifyError(err)
}

// backoffDelay computes the exponential retry delay for an attempt
// (1-based): base * 2^(attempt-1), capped at the configured maximum.
func (s *Scheduler) backoffDelay(attempt int) time.Duration {
	delay := s.cfg.RetryBaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= s.cfg.RetryMaxDelay {
			return s.cfg.RetryMaxDelay
		}
	}
	if delay > s.cfg.RetryMaxDelay {
		return s.cfg.RetryMaxDelay
	}
	return delay
}

// scheduleRetry re-enqueues the task with its backoff gate set.
func (s *Scheduler) scheduleRetry(ctx context.Context, t *task.Task, kind task.ErrorKind, cause error) {
	delay := s.backoffDelay(t.Attempt)

	s.mu.Lock()
	t.RetriesRemaining--
	t.State = task.StateRetrying
	t.NextAttemptAt = s.nowFunc().UTC().Add(delay)
	s.orgInFlight[t.OrganizationID]--
	q, ok := s.queues[t.OrganizationID]
	if ok {
		ok = q.push(t)
	}
	s.mu.Unlock()

	if !ok {
		// The queue filled (or vanished) while the task was running;
		// the attempt's failure stands.
		s.resolveFailure(ctx, t, kind, cause.Error(), 0)
		return
	}

	if s.metrics != nil {
		s.metrics.TaskRetries.Inc()
	}
	s.logger.Info("task scheduled for retry",
		zap.String("task_id", t.ID.String()),
		zap.Int("attempt", t.Attempt),
		zap.Int("retries_remaining", t.RetriesRemaining),
		zap.Duration("backoff", delay),
		zap.String("error_kind", string(kind)))
	s.audit(ctx, t, "task_retry", auditdomain.OutcomePartial, map[string]interface{}{
		"attempt":    t.Attempt,
		"error_kind": string(kind),
		"backoff_ms": delay.Milliseconds(),
	})
}

func (s *Scheduler) resolveSuccess(ctx context.Context, t *task.Task, output map[string]interface{}, evidenceRefs []string, elapsed time.Duration) {
	now := s.nowFunc().UTC()
	s.mu.Lock()
	t.State = task.StateCompleted
	t.CompletedAt = now
	s.orgInFlight[t.OrganizationID]--
	if tt, ok := s.tasks[t.ID]; ok {
		tt.result = task.NewSuccessResult(t.ID, output, evidenceRefs, elapsed, t.Attempt)
		tt.doneAt = now
	}
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.TasksCompleted.WithLabelValues(task.StateCompleted.String()).Inc()
		s.metrics.TaskDuration.WithLabelValues(t.Type).Observe(elapsed.Seconds())
	}
	s.logger.Debug("task completed",
		zap.String("task_id", t.ID.String()),
		zap.Duration("elapsed", elapsed),
		zap.Int("attempts", t.Attempt))
	s.audit(ctx, t, "task_completed", auditdomain.OutcomeSuccess, map[string]interface{}{
		"attempts":           t.Attempt,
		"processing_time_ms": elapsed.Milliseconds(),
	})
}

func (s *Scheduler) resolveFailure(ctx context.Context, t *task.Task, kind task.ErrorKind, message string, elapsed time.Duration) {
	now := s.nowFunc().UTC()
	s.mu.Lock()
	t.State = task.StateFailed
	t.CompletedAt = now
	s.orgInFlight[t.OrganizationID]--
	if tt, ok := s.tasks[t.ID]; ok {
		tt.result = task.NewFailureResult(t.ID, kind, message, elapsed, t.Attempt)
		tt.doneAt = now
	}
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.TasksCompleted.WithLabelValues(task.StateFailed.String()).Inc()
	}
	s.logger.Warn("task failed",
		zap.String("task_id", t.ID.String()),
		zap.String("error_kind", string(kind)),
		zap.String("error", message),
		zap.Int("attempts", t.Attempt))
	s.audit(ctx, t, "task_failed", auditdomain.OutcomeFailure, map[string]interface{}{
		"error_kind": string(kind),
		"error":      message,
		"attempts":   t.Attempt,
	})
}

func (s *Scheduler) resolveCancelled(ctx context.Context, t *task.Task, elapsed time.Duration) {
	now := s.nowFunc().UTC()
	s.mu.Lock()
	t.State = task.StateCancelled
	t.CompletedAt = now
	s.orgInFlight[t.OrganizationID]--
	if tt, ok := s.tasks[t.ID]; ok {
		tt.result = task.NewFailureResult(t.ID, task.ErrorKindCancelled, "cancelled during execution", elapsed, t.Attempt)
		tt.doneAt = now
	}
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.TasksCompleted.WithLabelValues(task.StateCancelled.String()).Inc()
	}
	s.audit(ctx, t, "task_cancelled", auditdomain.OutcomeSuccess, nil)
}
