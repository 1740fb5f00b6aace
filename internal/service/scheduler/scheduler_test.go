package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/complyon/compliance-agent-backend/internal/domain/agent"
	"github.com/complyon/compliance-agent-backend/internal/domain/errors"
	"github.com/complyon/compliance-agent-backend/internal/domain/task"
	"github.com/complyon/compliance-agent-backend/internal/infrastructure/config"
	"github.com/complyon/compliance-agent-backend/internal/metrics"
	"github.com/complyon/compliance-agent-backend/internal/service/registry"
)

func testSchedulerConfig() config.SchedulerConfig {
	return config.SchedulerConfig{
		MaxConcurrentTasksPerAgent: 5,
		GlobalConcurrencyCap:       10,
		DefaultTaskTimeout:         time.Second,
		RetryMaxAttempts:           2,
		RetryBaseDelay:             time.Millisecond,
		RetryMaxDelay:              10 * time.Millisecond,
		QueueCapacity:              100,
		TickInterval:               5 * time.Millisecond,
		ResultRetention:            time.Hour,
	}
}

// newTestScheduler builds a scheduler with one started agent and the
// given executor bound to its type. Tests drive ticks manually.
func newTestScheduler(t *testing.T, cfg config.SchedulerConfig, agentCfg agent.Config, exec Executor) (*Scheduler, *registry.Registry) {
	t.Helper()
	logger := zaptest.NewLogger(t)
	reg := registry.New(nil, logger)

	ctx := context.Background()
	_, err := reg.Register(ctx, agentCfg, nil)
	require.NoError(t, err)
	require.NoError(t, reg.Start(ctx, agentCfg.ID))

	s, err := New(cfg, reg, nil, metrics.NewNopRegistry(), logger)
	require.NoError(t, err)
	s.RegisterExecutor(agentCfg.Type, exec)
	return s, reg
}

// runUntil drives dispatch ticks until the condition holds.
func runUntil(t *testing.T, s *Scheduler, cond func() bool) {
	t.Helper()
	ctx := context.Background()
	require.Eventually(t, func() bool {
		s.tick(ctx)
		return cond()
	}, 5*time.Second, time.Millisecond)
}

func TestSubmitValidation(t *testing.T) {
	s, _ := newTestScheduler(t, testSchedulerConfig(), agent.Config{
		ID:                 "agent-1",
		Type:               agent.TypeEvidenceCollector,
		MaxConcurrentTasks: 1,
	}, ExecutorFunc(func(ctx context.Context, a *agent.Agent, tk *task.Task) (map[string]interface{}, []string, error) {
		return nil, nil, nil
	}))

	t.Run("missing organization", func(t *testing.T) {
		_, err := s.Submit(context.Background(), task.Submission{
			Type:   "collect_evidence",
			Target: task.Target{AgentType: agent.TypeEvidenceCollector},
		})
		require.Error(t, err)
		assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))
	})

	t.Run("missing target", func(t *testing.T) {
		_, err := s.Submit(context.Background(), task.Submission{
			OrganizationID: "org-1",
			Type:           "collect_evidence",
		})
		require.Error(t, err)
		assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))
	})

	t.Run("invalid priority", func(t *testing.T) {
		_, err := s.Submit(context.Background(), task.Submission{
			OrganizationID: "org-1",
			Type:           "collect_evidence",
			Target:         task.Target{AgentType: agent.TypeEvidenceCollector},
			Priority:       11,
		})
		require.Error(t, err)
		assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))
	})
}

func TestDispatchHonorsPriorityWithinAgent(t *testing.T) {
	var mu sync.Mutex
	var order []int

	exec := ExecutorFunc(func(ctx context.Context, a *agent.Agent, tk *task.Task) (map[string]interface{}, []string, error) {
		mu.Lock()
		order = append(order, tk.Priority)
		mu.Unlock()
		return map[string]interface{}{"ok": true}, nil, nil
	})

	s, _ := newTestScheduler(t, testSchedulerConfig(), agent.Config{
		ID:                 "agent-1",
		Type:               agent.TypeEvidenceCollector,
		MaxConcurrentTasks: 1,
	}, exec)

	ctx := context.Background()
	for _, p := range []int{2, 9, 5} {
		_, err := s.Submit(ctx, task.Submission{
			OrganizationID: "org-1",
			Type:           "collect_evidence",
			Target:         task.Target{AgentType: agent.TypeEvidenceCollector},
			Priority:       p,
		})
		require.NoError(t, err)
	}

	runUntil(t, s, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 3
	})

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{9, 5, 2}, order)
}

func TestTaskSuccessResult(t *testing.T) {
	exec := ExecutorFunc(func(ctx context.Context, a *agent.Agent, tk *task.Task) (map[string]interface{}, []string, error) {
		return map[string]interface{}{"records": 42}, []string{"ev-1"}, nil
	})

	s, reg := newTestScheduler(t, testSchedulerConfig(), agent.Config{
		ID:                 "agent-1",
		Type:               agent.TypeEvidenceCollector,
		MaxConcurrentTasks: 1,
	}, exec)

	ctx := context.Background()
	id, err := s.Submit(ctx, task.Submission{
		OrganizationID: "org-1",
		Type:           "collect_evidence",
		Target:         task.Target{AgentType: agent.TypeEvidenceCollector},
	})
	require.NoError(t, err)

	runUntil(t, s, func() bool {
		snap, err := s.Get(id)
		return err == nil && snap.State == task.StateCompleted.String()
	})

	snap, err := s.Get(id)
	require.NoError(t, err)
	require.NotNil(t, snap.Result)
	assert.True(t, snap.Result.Success)
	assert.Equal(t, []string{"ev-1"}, snap.Result.EvidenceRefs)
	assert.Equal(t, 1, snap.Result.Attempts)

	// The agent drained back to idle with the slot released.
	assert.Equal(t, 0, reg.InFlight("agent-1"))
	a, err := reg.Get("agent-1")
	require.NoError(t, err)
	assert.Equal(t, agent.StateIdle, a.State)
}

func TestTransientFailureRetriesThenFails(t *testing.T) {
	var mu sync.Mutex
	attempts := 0

	exec := ExecutorFunc(func(ctx context.Context, a *agent.Agent, tk *task.Task) (map[string]interface{}, []string, error) {
		mu.Lock()
		attempts++
		mu.Unlock()
		return nil, nil, errors.NewTransientError("upstream unavailable")
	})

	cfg := testSchedulerConfig()
	cfg.RetryMaxAttempts = 2 // 1 initial + 2 retries
	s, _ := newTestScheduler(t, cfg, agent.Config{
		ID:                 "agent-1",
		Type:               agent.TypeEvidenceCollector,
		MaxConcurrentTasks: 1,
		FailureThreshold:   100,
	}, exec)

	ctx := context.Background()
	id, err := s.Submit(ctx, task.Submission{
		OrganizationID: "org-1",
		Type:           "collect_evidence",
		Target:         task.Target{AgentType: agent.TypeEvidenceCollector},
	})
	require.NoError(t, err)

	runUntil(t, s, func() bool {
		snap, err := s.Get(id)
		return err == nil && snap.State == task.StateFailed.String()
	})

	mu.Lock()
	assert.Equal(t, 3, attempts)
	mu.Unlock()

	snap, err := s.Get(id)
	require.NoError(t, err)
	require.NotNil(t, snap.Result)
	assert.False(t, snap.Result.Success)
	assert.Equal(t, task.ErrorKindTransient, snap.Result.ErrorKind)
	assert.Equal(t, 3, snap.Result.Attempts)
	assert.Equal(t, 0, snap.RetriesRemaining)
}

func TestNegativeRetriesDisablesRetry(t *testing.T) {
	var mu sync.Mutex
	attempts := 0

	exec := ExecutorFunc(func(ctx context.Context, a *agent.Agent, tk *task.Task) (map[string]interface{}, []string, error) {
		mu.Lock()
		attempts++
		mu.Unlock()
		return nil, nil, errors.NewTransientError("upstream unavailable")
	})

	cfg := testSchedulerConfig()
	cfg.RetryMaxAttempts = 2
	s, _ := newTestScheduler(t, cfg, agent.Config{
		ID:                 "agent-1",
		Type:               agent.TypeEvidenceCollector,
		MaxConcurrentTasks: 1,
		FailureThreshold:   100,
	}, exec)

	ctx := context.Background()
	id, err := s.Submit(ctx, task.Submission{
		OrganizationID: "org-1",
		Type:           "collect_evidence",
		Target:         task.Target{AgentType: agent.TypeEvidenceCollector},
		MaxRetries:     -1, // explicit zero-retry budget
	})
	require.NoError(t, err)

	runUntil(t, s, func() bool {
		snap, err := s.Get(id)
		return err == nil && snap.State == task.StateFailed.String()
	})

	mu.Lock()
	assert.Equal(t, 1, attempts)
	mu.Unlock()

	snap, err := s.Get(id)
	require.NoError(t, err)
	require.NotNil(t, snap.Result)
	assert.Equal(t, 1, snap.Result.Attempts)
	assert.Equal(t, 0, snap.RetriesRemaining)
}

func TestTimeoutRetriesExhausted(t *testing.T) {
	var mu sync.Mutex
	attempts := 0

	exec := ExecutorFunc(func(ctx context.Context, a *agent.Agent, tk *task.Task) (map[string]interface{}, []string, error) {
		mu.Lock()
		attempts++
		mu.Unlock()
		<-ctx.Done()
		return nil, nil, ctx.Err()
	})

	cfg := testSchedulerConfig()
	cfg.RetryMaxAttempts = 2
	s, _ := newTestScheduler(t, cfg, agent.Config{
		ID:                 "agent-1",
		Type:               agent.TypeEvidenceCollector,
		MaxConcurrentTasks: 1,
		FailureThreshold:   100,
	}, exec)

	ctx := context.Background()
	id, err := s.Submit(ctx, task.Submission{
		OrganizationID: "org-1",
		Type:           "collect_evidence",
		Target:         task.Target{AgentType: agent.TypeEvidenceCollector},
		Timeout:        10 * time.Millisecond,
	})
	require.NoError(t, err)

	runUntil(t, s, func() bool {
		snap, err := s.Get(id)
		return err == nil && snap.State == task.StateFailed.String()
	})

	mu.Lock()
	assert.Equal(t, 3, attempts)
	mu.Unlock()

	snap, err := s.Get(id)
	require.NoError(t, err)
	require.NotNil(t, snap.Result)
	assert.Equal(t, task.ErrorKindTimeout, snap.Result.ErrorKind)
}

func TestPermanentFailureDoesNotRetry(t *testing.T) {
	var mu sync.Mutex
	attempts := 0

	exec := ExecutorFunc(func(ctx context.Context, a *agent.Agent, tk *task.Task) (map[string]interface{}, []string, error) {
		mu.Lock()
		attempts++
		mu.Unlock()
		return nil, nil, errors.NewPermanentError("BAD_PAYLOAD", "payload is malformed")
	})

	s, _ := newTestScheduler(t, testSchedulerConfig(), agent.Config{
		ID:                 "agent-1",
		Type:               agent.TypeEvidenceCollector,
		MaxConcurrentTasks: 1,
	}, exec)

	ctx := context.Background()
	id, err := s.Submit(ctx, task.Submission{
		OrganizationID: "org-1",
		Type:           "collect_evidence",
		Target:         task.Target{AgentType: agent.TypeEvidenceCollector},
	})
	require.NoError(t, err)

	runUntil(t, s, func() bool {
		snap, err := s.Get(id)
		return err == nil && snap.State == task.StateFailed.String()
	})

	mu.Lock()
	assert.Equal(t, 1, attempts)
	mu.Unlock()
}

func TestBackpressureOnFullQueue(t *testing.T) {
	cfg := testSchedulerConfig()
	cfg.QueueCapacity = 1
	s, _ := newTestScheduler(t, cfg, agent.Config{
		ID:                 "agent-1",
		Type:               agent.TypeEvidenceCollector,
		MaxConcurrentTasks: 1,
	}, ExecutorFunc(func(ctx context.Context, a *agent.Agent, tk *task.Task) (map[string]interface{}, []string, error) {
		return nil, nil, nil
	}))

	ctx := context.Background()
	sub := task.Submission{
		OrganizationID: "org-1",
		Type:           "collect_evidence",
		Target:         task.Target{AgentType: agent.TypeEvidenceCollector},
	}

	_, err := s.Submit(ctx, sub)
	require.NoError(t, err)

	_, err = s.Submit(ctx, sub)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeBackpressure))
}

func TestCancelPendingTask(t *testing.T) {
	s, _ := newTestScheduler(t, testSchedulerConfig(), agent.Config{
		ID:                 "agent-1",
		Type:               agent.TypeEvidenceCollector,
		MaxConcurrentTasks: 1,
	}, ExecutorFunc(func(ctx context.Context, a *agent.Agent, tk *task.Task) (map[string]interface{}, []string, error) {
		return nil, nil, nil
	}))

	ctx := context.Background()
	id, err := s.Submit(ctx, task.Submission{
		OrganizationID: "org-1",
		Type:           "collect_evidence",
		Target:         task.Target{AgentType: agent.TypeEvidenceCollector},
	})
	require.NoError(t, err)

	cancelled, err := s.Cancel(ctx, id)
	require.NoError(t, err)
	assert.True(t, cancelled)

	snap, err := s.Get(id)
	require.NoError(t, err)
	assert.Equal(t, task.StateCancelled.String(), snap.State)
	require.NotNil(t, snap.Result)
	assert.Equal(t, task.ErrorKindCancelled, snap.Result.ErrorKind)
	assert.Equal(t, 0, s.QueueDepth("org-1"))
}

func TestCancelRunningTask(t *testing.T) {
	started := make(chan struct{})
	exec := ExecutorFunc(func(ctx context.Context, a *agent.Agent, tk *task.Task) (map[string]interface{}, []string, error) {
		close(started)
		<-ctx.Done()
		return nil, nil, ctx.Err()
	})

	s, _ := newTestScheduler(t, testSchedulerConfig(), agent.Config{
		ID:                 "agent-1",
		Type:               agent.TypeEvidenceCollector,
		MaxConcurrentTasks: 1,
	}, exec)

	ctx := context.Background()
	id, err := s.Submit(ctx, task.Submission{
		OrganizationID: "org-1",
		Type:           "collect_evidence",
		Target:         task.Target{AgentType: agent.TypeEvidenceCollector},
	})
	require.NoError(t, err)

	s.tick(ctx)
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("task never started")
	}

	cancelled, err := s.Cancel(ctx, id)
	require.NoError(t, err)
	assert.True(t, cancelled)

	require.Eventually(t, func() bool {
		snap, err := s.Get(id)
		return err == nil && snap.State == task.StateCancelled.String()
	}, 5*time.Second, time.Millisecond)
}

func TestCancelUnknownTask(t *testing.T) {
	s, _ := newTestScheduler(t, testSchedulerConfig(), agent.Config{
		ID:                 "agent-1",
		Type:               agent.TypeEvidenceCollector,
		MaxConcurrentTasks: 1,
	}, ExecutorFunc(func(ctx context.Context, a *agent.Agent, tk *task.Task) (map[string]interface{}, []string, error) {
		return nil, nil, nil
	}))

	_, err := s.Cancel(context.Background(), newQueuedTask(t, 5, 1).ID)
	require.Error(t, err)
	assert.True(t, errors.IsNotFound(err))
}

func TestAgentConcurrencyRespected(t *testing.T) {
	var mu sync.Mutex
	running := 0
	peak := 0
	release := make(chan struct{})

	exec := ExecutorFunc(func(ctx context.Context, a *agent.Agent, tk *task.Task) (map[string]interface{}, []string, error) {
		mu.Lock()
		running++
		if running > peak {
			peak = running
		}
		mu.Unlock()
		<-release
		mu.Lock()
		running--
		mu.Unlock()
		return nil, nil, nil
	})

	s, reg := newTestScheduler(t, testSchedulerConfig(), agent.Config{
		ID:                 "agent-1",
		Type:               agent.TypeEvidenceCollector,
		MaxConcurrentTasks: 2,
	}, exec)

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, err := s.Submit(ctx, task.Submission{
			OrganizationID: "org-1",
			Type:           "collect_evidence",
			Target:         task.Target{AgentType: agent.TypeEvidenceCollector},
		})
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		s.tick(ctx)
		return reg.InFlight("agent-1") == 2
	}, 5*time.Second, time.Millisecond)

	// Further ticks must not over-commit the agent.
	s.tick(ctx)
	s.tick(ctx)
	assert.Equal(t, 2, reg.InFlight("agent-1"))

	close(release)
	runUntil(t, s, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return running == 0 && s.QueueDepth("org-1") == 0
	})

	mu.Lock()
	assert.LessOrEqual(t, peak, 2)
	mu.Unlock()
}

func TestBackoffDelay(t *testing.T) {
	cfg := testSchedulerConfig()
	cfg.RetryBaseDelay = 2 * time.Second
	cfg.RetryMaxDelay = 5 * time.Minute

	s := &Scheduler{cfg: cfg}
	assert.Equal(t, 2*time.Second, s.backoffDelay(1))
	assert.Equal(t, 4*time.Second, s.backoffDelay(2))
	assert.Equal(t, 8*time.Second, s.backoffDelay(3))
	assert.Equal(t, 5*time.Minute, s.backoffDelay(20))
}

func TestResultRetentionPruning(t *testing.T) {
	exec := ExecutorFunc(func(ctx context.Context, a *agent.Agent, tk *task.Task) (map[string]interface{}, []string, error) {
		return nil, nil, nil
	})

	cfg := testSchedulerConfig()
	cfg.ResultRetention = time.Minute
	s, _ := newTestScheduler(t, cfg, agent.Config{
		ID:                 "agent-1",
		Type:               agent.TypeEvidenceCollector,
		MaxConcurrentTasks: 1,
	}, exec)

	ctx := context.Background()
	id, err := s.Submit(ctx, task.Submission{
		OrganizationID: "org-1",
		Type:           "collect_evidence",
		Target:         task.Target{AgentType: agent.TypeEvidenceCollector},
	})
	require.NoError(t, err)

	runUntil(t, s, func() bool {
		snap, err := s.Get(id)
		return err == nil && snap.State == task.StateCompleted.String()
	})

	// Advance the clock past the retention window and tick once more.
	s.nowFunc = func() time.Time { return time.Now().Add(2 * time.Minute) }
	s.tick(ctx)

	_, err = s.Get(id)
	require.Error(t, err)
	assert.True(t, errors.IsNotFound(err))
}
