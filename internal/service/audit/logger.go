// Package audit implements the append-only audit log: integrity-sealed
// events, per-shard write serialisation, buffered flush to the backing
// store, monitor fan-out, and retention sweeping.
package audit

import (
	"context"
	"fmt"
	"hash/fnv"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/complyon/compliance-agent-backend/internal/domain/audit"
	"github.com/complyon/compliance-agent-backend/internal/domain/errors"
	"github.com/complyon/compliance-agent-backend/internal/infrastructure/cache"
	"github.com/complyon/compliance-agent-backend/internal/infrastructure/integrity"
	"github.com/complyon/compliance-agent-backend/internal/metrics"
)

// Monitor receives every appended event. Monitors must not mutate the
// event or write back to the log.
type Monitor interface {
	Name() string
	Handle(event *audit.Event)
}

// Config tunes the audit logger.
type Config struct {
	ShardCount    int
	FlushInterval time.Duration
	RetentionDays int
}

// Logger is the append-only audit log. Writes are serialised per shard
// (sharded by organization); total order holds within a shard only.
type Logger struct {
	store   cache.Store
	sealer  *integrity.Sealer
	logger  *zap.Logger
	metrics *metrics.Registry
	cfg     Config

	shards []*shard

	monitorMu sync.RWMutex
	monitors  []Monitor

	bufMu  sync.Mutex
	buffer []*audit.Event

	stopCh  chan struct{}
	doneCh  chan struct{}
	startMu sync.Mutex
	started bool
}

type shard struct {
	mu  sync.Mutex
	seq int64
}

// NewLogger creates an audit logger backed by the given KV store.
func NewLogger(store cache.Store, sealer *integrity.Sealer, cfg Config, m *metrics.Registry, logger *zap.Logger) (*Logger, error) {
	if store == nil {
		return nil, fmt.Errorf("backing store is required")
	}
	if sealer == nil {
		return nil, fmt.Errorf("integrity sealer is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if cfg.ShardCount <= 0 {
		cfg.ShardCount = 16
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = time.Second
	}
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = audit.DefaultRetentionDays
	}

	shards := make([]*shard, cfg.ShardCount)
	for i := range shards {
		shards[i] = &shard{}
	}

	return &Logger{
		store:   store,
		sealer:  sealer,
		logger:  logger,
		metrics: m,
		cfg:     cfg,
		shards:  shards,
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}, nil
}

// Start launches the background flush loop.
func (l *Logger) Start(ctx context.Context) error {
	l.startMu.Lock()
	defer l.startMu.Unlock()
	if l.started {
		return errors.NewConflictError("audit logger already started")
	}
	l.started = true

	go l.flushLoop(ctx)
	l.logger.Info("audit logger started",
		zap.Int("shards", l.cfg.ShardCount),
		zap.Duration("flush_interval", l.cfg.FlushInterval))
	return nil
}

// Stop flushes remaining events and stops the background loop.
func (l *Logger) Stop(ctx context.Context) error {
	l.startMu.Lock()
	defer l.startMu.Unlock()
	if !l.started {
		return nil
	}
	l.started = false
	close(l.stopCh)
	select {
	case <-l.doneCh:
	case <-ctx.Done():
		return ctx.Err()
	}
	return l.Flush(ctx)
}

// RegisterMonitor attaches a real-time monitor to the write path.
func (l *Logger) RegisterMonitor(m Monitor) {
	l.monitorMu.Lock()
	defer l.monitorMu.Unlock()
	l.monitors = append(l.monitors, m)
}

func (l *Logger) shardFor(orgID string) *shard {
	h := fnv.New32a()
	h.Write([]byte(orgID))
	return l.shards[h.Sum32()%uint32(len(l.shards))]
}

// Append seals the event and queues it for persistence. The sequence
// number and integrity hash are assigned here; after Append returns the
// event must not be modified.
func (l *Logger) Append(ctx context.Context, event *audit.Event) error {
	if event == nil {
		return errors.NewValidationError("NIL_EVENT", "event is required")
	}
	if event.Sealed() {
		return errors.NewConflictError("audit event already sealed")
	}
	if event.RetentionDays == 0 {
		event.RetentionDays = l.cfg.RetentionDays
	}

	sh := l.shardFor(event.OrganizationID)
	sh.mu.Lock()
	sh.seq++
	event.SequenceNum = sh.seq

	hash, err := l.sealer.Seal(hashRecord(event))
	if err != nil {
		sh.mu.Unlock()
		return err
	}
	event.IntegrityHash = hash
	sh.mu.Unlock()

	l.bufMu.Lock()
	l.buffer = append(l.buffer, event)
	l.bufMu.Unlock()

	if l.metrics != nil {
		l.metrics.AuditEventsWritten.WithLabelValues(string(event.Category)).Inc()
	}
	l.fanOut(event)
	return nil
}

// hashRecord is the sealed view of an event: every persisted field
// except the hash itself, so no stored field can change without
// failing verification.
func hashRecord(e *audit.Event) map[string]interface{} {
	return map[string]interface{}{
		"id":               e.ID.String(),
		"sequence_num":     e.SequenceNum,
		"timestamp":        e.Timestamp.UnixNano(),
		"level":            string(e.Level),
		"category":         string(e.Category),
		"event_type":       e.EventType,
		"outcome":          string(e.Outcome),
		"actor_id":         e.ActorID,
		"actor_kind":       string(e.ActorKind),
		"organization_id":  e.OrganizationID,
		"resource_ref":     e.ResourceRef,
		"action":           e.Action,
		"details":          e.Details,
		"ip":               e.IP,
		"session_id":       e.SessionID,
		"correlation_id":   e.CorrelationID,
		"risk_score":       e.RiskScore,
		"frameworks":       e.Frameworks,
		"customer_visible": e.CustomerVisible,
		"retention_days":   e.RetentionDays,
	}
}

// Verify recomputes an event's integrity hash and compares.
func (l *Logger) Verify(event *audit.Event) (bool, error) {
	if !event.Sealed() {
		return false, errors.NewIntegrityError("event has no integrity hash")
	}
	return l.sealer.Verify(hashRecord(event), event.IntegrityHash)
}

func (l *Logger) fanOut(event *audit.Event) {
	l.monitorMu.RLock()
	monitors := l.monitors
	l.monitorMu.RUnlock()

	for _, m := range monitors {
		func() {
			defer func() {
				if r := recover(); r != nil {
					l.logger.Error("audit monitor panic",
						zap.String("monitor", m.Name()),
						zap.Any("panic", r))
				}
			}()
			m.Handle(event)
		}()
	}
}

func (l *Logger) flushLoop(ctx context.Context) {
	defer close(l.doneCh)
	ticker := time.NewTicker(l.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-l.stopCh:
			return
		case <-ticker.C:
			if err := l.Flush(ctx); err != nil {
				l.logger.Error("audit flush failed", zap.Error(err))
			}
		}
	}
}

// Flush persists all buffered events to the backing store. Events are
// keyed audit:{org}:{yyyy-mm-dd}:{event_id} and indexed per org.
func (l *Logger) Flush(ctx context.Context) error {
	l.bufMu.Lock()
	pending := l.buffer
	l.buffer = nil
	l.bufMu.Unlock()

	if len(pending) == 0 {
		return nil
	}

	var firstErr error
	for _, event := range pending {
		key := eventKey(event)
		ttl := time.Until(event.RetentionExpiry())
		if ttl <= 0 {
			ttl = 24 * time.Hour
		}
		if err := l.store.SetJSON(ctx, key, event, ttl); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if err := l.store.SAdd(ctx, indexKey(event.OrganizationID), key); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	l.logger.Debug("audit events flushed", zap.Int("count", len(pending)))
	return firstErr
}

func eventKey(e *audit.Event) string {
	return fmt.Sprintf("audit:%s:%s:%s",
		e.OrganizationID, e.Timestamp.UTC().Format("2006-01-02"), e.ID)
}

func indexKey(orgID string) string {
	return fmt.Sprintf("idx:audit:%s", orgID)
}

// Query reads events matching the filter, newest first. Reads see
// flushed state; call Flush first when strict read-after-write is
// needed (tests, admin endpoints).
func (l *Logger) Query(ctx context.Context, filter audit.Filter) ([]*audit.Event, error) {
	if filter.OrganizationID == "" {
		return nil, errors.NewValidationError("MISSING_ORGANIZATION",
			"audit queries must be organization-scoped")
	}

	keys, err := l.store.SMembers(ctx, indexKey(filter.OrganizationID))
	if err != nil {
		return nil, err
	}

	var events []*audit.Event
	var stale []string
	for _, key := range keys {
		var event audit.Event
		if err := l.store.GetJSON(ctx, key, &event); err != nil {
			if _, notFound := err.(cache.ErrKeyNotFound); notFound {
				stale = append(stale, key)
				continue
			}
			return nil, err
		}
		if filter.Matches(&event) {
			events = append(events, &event)
		}
	}

	// Expired entries leave stale index members behind; drop them lazily.
	if len(stale) > 0 {
		_ = l.store.SRem(ctx, indexKey(filter.OrganizationID), stale...)
	}

	sort.Slice(events, func(i, j int) bool {
		return events[i].Timestamp.After(events[j].Timestamp)
	})

	limit := filter.Limit
	if limit > 0 && len(events) > limit {
		events = events[:limit]
	}
	return events, nil
}

// SweepRetention removes events past their retention period for an
// organization, handing them to the archiver first when one is set.
func (l *Logger) SweepRetention(ctx context.Context, orgID string, archive func(context.Context, []*audit.Event) error) (int, error) {
	events, err := l.Query(ctx, audit.Filter{OrganizationID: orgID})
	if err != nil {
		return 0, err
	}

	now := time.Now().UTC()
	var expired []*audit.Event
	for _, e := range events {
		if now.After(e.RetentionExpiry()) {
			expired = append(expired, e)
		}
	}
	if len(expired) == 0 {
		return 0, nil
	}

	if archive != nil {
		if err := archive(ctx, expired); err != nil {
			return 0, fmt.Errorf("archiving before sweep: %w", err)
		}
	}

	keys := make([]string, len(expired))
	for i, e := range expired {
		keys[i] = eventKey(e)
	}
	if err := l.store.Delete(ctx, keys...); err != nil {
		return 0, err
	}
	if err := l.store.SRem(ctx, indexKey(orgID), keys...); err != nil {
		return 0, err
	}

	l.logger.Info("audit retention sweep completed",
		zap.String("organization", orgID),
		zap.Int("removed", len(expired)))
	return len(expired), nil
}
