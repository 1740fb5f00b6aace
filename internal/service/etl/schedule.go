package etl

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/complyon/compliance-agent-backend/internal/domain/errors"
)

// Schedule describes when a pipeline runs. Exactly one trigger field
// must be set.
type Schedule struct {
	IntervalMinutes int
	IntervalHours   int
	DailyAt         string // "HH:MM", 24-hour clock
}

func (s Schedule) validate() error {
	set := 0
	if s.IntervalMinutes > 0 {
		set++
	}
	if s.IntervalHours > 0 {
		set++
	}
	if s.DailyAt != "" {
		set++
		if _, err := time.Parse("15:04", s.DailyAt); err != nil {
			return errors.NewValidationError("INVALID_SCHEDULE",
				fmt.Sprintf("daily_at %q is not HH:MM", s.DailyAt))
		}
	}
	if set != 1 {
		return errors.NewValidationError("INVALID_SCHEDULE",
			"exactly one of interval_minutes, interval_hours, daily_at must be set")
	}
	return nil
}

// next computes the first due time strictly after the reference point.
func (s Schedule) next(after time.Time) time.Time {
	switch {
	case s.IntervalMinutes > 0:
		return after.Add(time.Duration(s.IntervalMinutes) * time.Minute)
	case s.IntervalHours > 0:
		return after.Add(time.Duration(s.IntervalHours) * time.Hour)
	default:
		at, _ := time.Parse("15:04", s.DailyAt)
		due := time.Date(after.Year(), after.Month(), after.Day(),
			at.Hour(), at.Minute(), 0, 0, after.Location())
		if !due.After(after) {
			due = due.AddDate(0, 0, 1)
		}
		return due
	}
}

type scheduleEntry struct {
	pipelineID string
	schedule   Schedule
	maxRetries int
	retryDelay time.Duration

	nextRun    time.Time
	retryCount int
}

// ScheduleManager dispatches registered pipelines when their schedule
// comes due. The check loop wakes on a fixed interval; a failed run is
// retried after a fixed delay up to max_retries, and the retry budget
// resets on success.
type ScheduleManager struct {
	runtime  *Runtime
	interval time.Duration
	logger   *zap.Logger
	nowFunc  func() time.Time

	mu      sync.Mutex
	entries map[string]*scheduleEntry

	startMu sync.Mutex
	started bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewScheduleManager creates a manager checking schedules every
// interval (60s when zero).
func NewScheduleManager(runtime *Runtime, interval time.Duration, logger *zap.Logger) *ScheduleManager {
	if interval <= 0 {
		interval = time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ScheduleManager{
		runtime:  runtime,
		interval: interval,
		logger:   logger,
		nowFunc:  time.Now,
		entries:  make(map[string]*scheduleEntry),
	}
}

// Register puts a pipeline on a schedule. The pipeline must already be
// registered on the runtime.
func (m *ScheduleManager) Register(pipelineID string, schedule Schedule, maxRetries int, retryDelay time.Duration) error {
	if err := schedule.validate(); err != nil {
		return err
	}
	m.runtime.mu.Lock()
	_, known := m.runtime.pipelines[pipelineID]
	m.runtime.mu.Unlock()
	if !known {
		return errors.ErrPipelineNotFound
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[pipelineID] = &scheduleEntry{
		pipelineID: pipelineID,
		schedule:   schedule,
		maxRetries: maxRetries,
		retryDelay: retryDelay,
		nextRun:    schedule.next(m.nowFunc()),
	}
	return nil
}

// Start launches the background check loop.
func (m *ScheduleManager) Start(ctx context.Context) {
	m.startMu.Lock()
	defer m.startMu.Unlock()
	if m.started {
		return
	}
	m.started = true
	m.stopCh = make(chan struct{})
	m.doneCh = make(chan struct{})

	go func() {
		defer close(m.doneCh)
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.checkDue(ctx)
			case <-m.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts the check loop. In-flight pipeline runs complete.
func (m *ScheduleManager) Stop() {
	m.startMu.Lock()
	defer m.startMu.Unlock()
	if !m.started {
		return
	}
	close(m.stopCh)
	<-m.doneCh
	m.started = false
}

// checkDue dispatches every entry whose next-run time has passed.
// Dispatches run synchronously; a slow pipeline delays the next check
// rather than stacking concurrent runs of its siblings.
func (m *ScheduleManager) checkDue(ctx context.Context) {
	now := m.nowFunc()

	m.mu.Lock()
	var due []*scheduleEntry
	for _, e := range m.entries {
		if !e.nextRun.After(now) {
			due = append(due, e)
		}
	}
	m.mu.Unlock()

	for _, e := range due {
		m.dispatch(ctx, e, now)
	}
}

func (m *ScheduleManager) dispatch(ctx context.Context, e *scheduleEntry, now time.Time) {
	_, err := m.runtime.Run(ctx, e.pipelineID)

	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		e.retryCount = 0
		e.nextRun = e.schedule.next(now)
		return
	}

	if e.retryCount < e.maxRetries {
		e.retryCount++
		e.nextRun = now.Add(e.retryDelay)
		m.logger.Warn("scheduled pipeline failed, will retry",
			zap.String("pipeline", e.pipelineID),
			zap.Int("retry", e.retryCount),
			zap.Int("max_retries", e.maxRetries),
			zap.Error(err))
		return
	}

	// Retries exhausted; fall back to the regular cadence.
	e.retryCount = 0
	e.nextRun = e.schedule.next(now)
	m.logger.Error("scheduled pipeline exhausted retries",
		zap.String("pipeline", e.pipelineID),
		zap.Error(err))
}
