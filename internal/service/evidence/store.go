// Package evidence implements the content-addressed evidence store:
// integrity-hashed items deduplicated by canonical content and control
// binding, with verification lifecycle and expiry sweeping.
package evidence

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	auditdomain "github.com/complyon/compliance-agent-backend/internal/domain/audit"
	"github.com/complyon/compliance-agent-backend/internal/domain/errors"
	"github.com/complyon/compliance-agent-backend/internal/domain/evidence"
	"github.com/complyon/compliance-agent-backend/internal/infrastructure/cache"
	"github.com/complyon/compliance-agent-backend/internal/infrastructure/integrity"
	"github.com/complyon/compliance-agent-backend/internal/metrics"
	auditlog "github.com/complyon/compliance-agent-backend/internal/service/audit"
)

// Input collects the writable fields of a store call.
type Input struct {
	OrganizationID string
	Source         string
	Type           evidence.Type
	Content        map[string]interface{}
	Confidence     float64
	Framework      string
	ControlID      string
	TTL            time.Duration
}

// Store is the evidence store service. Items are keyed by the integrity
// hash of their canonical content plus control binding; equal content
// stored for the same framework, control, and evidence type always
// resolves to the same item.
type Store struct {
	backing  cache.Store
	sealer   *integrity.Sealer
	auditLog *auditlog.Logger
	metrics  *metrics.Registry
	logger   *zap.Logger
}

// NewStore creates the evidence store.
func NewStore(backing cache.Store, sealer *integrity.Sealer, auditLog *auditlog.Logger, m *metrics.Registry, logger *zap.Logger) (*Store, error) {
	if backing == nil {
		return nil, fmt.Errorf("backing store is required")
	}
	if sealer == nil {
		return nil, fmt.Errorf("integrity sealer is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	return &Store{
		backing:  backing,
		sealer:   sealer,
		auditLog: auditLog,
		metrics:  m,
		logger:   logger,
	}, nil
}

func hashKey(orgID, hash string) string {
	return fmt.Sprintf("evidence:%s:%s", orgID, hash)
}

func idKey(orgID string, id uuid.UUID) string {
	return fmt.Sprintf("evidence_id:%s:%s", orgID, id)
}

func orgIndexKey(orgID string) string {
	return fmt.Sprintf("idx:evidence:%s", orgID)
}

func controlIndexKey(orgID, framework, controlID string) string {
	return fmt.Sprintf("idx:evidence:control:%s:%s:%s", framework, controlID, orgID)
}

// Put stores an evidence item, deduplicating on the canonical content
// hash. The second return reports whether the write collapsed onto an
// existing item; in that case the existing item is returned with the
// new source appended to its provenance chain.
func (s *Store) Put(ctx context.Context, in Input) (*evidence.Item, bool, error) {
	item, err := evidence.New(in.OrganizationID, in.Source, in.Type, in.Content,
		in.Confidence, in.Framework, in.ControlID)
	if err != nil {
		return nil, false, err
	}
	if in.TTL > 0 {
		item.ExpiresAt = item.CollectedAt.Add(in.TTL)
	}

	hash, err := s.sealer.Seal(sealRecord(item))
	if err != nil {
		return nil, false, err
	}
	item.IntegrityHash = hash
	item.TrustPoints = item.BaseTrustPoints()

	key := hashKey(in.OrganizationID, hash)

	payload, err := json.Marshal(item)
	if err != nil {
		return nil, false, errors.Wrap(err, "marshaling evidence item")
	}

	// SetNX decides the winner under concurrent identical writes.
	created, err := s.backing.SetNX(ctx, key, string(payload), 0)
	if err != nil {
		return nil, false, errors.Wrap(err, "persisting evidence item")
	}

	if !created {
		existing, err := s.dedup(ctx, key, in.Source)
		if err != nil {
			return nil, false, err
		}
		if s.metrics != nil {
			s.metrics.EvidenceDedup.Inc()
		}
		s.audit(ctx, existing, in.Source, "evidence_put", auditdomain.OutcomeSuccess, true)
		return existing, true, nil
	}

	if err := s.index(ctx, item, key); err != nil {
		return nil, false, err
	}
	if s.metrics != nil {
		s.metrics.EvidenceStored.Inc()
	}
	s.audit(ctx, item, in.Source, "evidence_put", auditdomain.OutcomeSuccess, false)
	s.logger.Debug("evidence stored",
		zap.String("evidence_id", item.ID.String()),
		zap.String("type", string(item.Type)),
		zap.String("control", item.Framework+"/"+item.ControlID),
		zap.Int("trust_points", item.TrustPoints))
	return item.Clone(), false, nil
}

// sealRecord is the integrity-hashed view of an item: the content and
// the control binding it was collected for. Folding the binding in
// keeps identical content submitted under a different framework,
// control, or evidence type a distinct item.
func sealRecord(item *evidence.Item) map[string]interface{} {
	return map[string]interface{}{
		"content":       item.Content,
		"evidence_type": string(item.Type),
		"framework":     item.Framework,
		"control_id":    item.ControlID,
	}
}

// dedup resolves a hash collision to the existing item and records the
// new source in its provenance chain. Trust points accumulate once, at
// first store.
func (s *Store) dedup(ctx context.Context, key, source string) (*evidence.Item, error) {
	var existing evidence.Item
	if err := s.backing.GetJSON(ctx, key, &existing); err != nil {
		return nil, errors.Wrap(err, "reading deduplicated evidence item")
	}

	for _, p := range existing.ProvenanceChain {
		if p == source {
			return &existing, nil
		}
	}
	existing.ProvenanceChain = append(existing.ProvenanceChain, source)
	if err := s.backing.SetJSON(ctx, key, &existing, 0); err != nil {
		return nil, errors.Wrap(err, "updating evidence provenance")
	}
	return &existing, nil
}

func (s *Store) index(ctx context.Context, item *evidence.Item, key string) error {
	if err := s.backing.Set(ctx, idKey(item.OrganizationID, item.ID), key, 0); err != nil {
		return errors.Wrap(err, "writing evidence ID mapping")
	}
	for _, idx := range []string{
		orgIndexKey(item.OrganizationID),
		controlIndexKey(item.OrganizationID, item.Framework, item.ControlID),
	} {
		if err := s.backing.SAdd(ctx, idx, key); err != nil {
			return errors.Wrap(err, "updating evidence index")
		}
	}
	return nil
}

// Get fetches an item by ID and verifies its integrity seal. Tampered
// items fail the read.
func (s *Store) Get(ctx context.Context, orgID string, id uuid.UUID) (*evidence.Item, error) {
	key, err := s.backing.Get(ctx, idKey(orgID, id))
	if err != nil {
		if _, notFound := err.(cache.ErrKeyNotFound); notFound {
			return nil, errors.ErrEvidenceNotFound
		}
		return nil, errors.Wrap(err, "resolving evidence ID")
	}

	var item evidence.Item
	if err := s.backing.GetJSON(ctx, key, &item); err != nil {
		if _, notFound := err.(cache.ErrKeyNotFound); notFound {
			return nil, errors.ErrEvidenceNotFound
		}
		return nil, errors.Wrap(err, "reading evidence item")
	}

	if err := s.verifySeal(&item); err != nil {
		return nil, err
	}
	return &item, nil
}

// verifySeal recomputes the item's hash and compares it to the
// recorded seal.
func (s *Store) verifySeal(item *evidence.Item) error {
	ok, err := s.sealer.Verify(sealRecord(item), item.IntegrityHash)
	if err != nil {
		return err
	}
	if !ok {
		s.logger.Error("evidence integrity verification failed",
			zap.String("evidence_id", item.ID.String()),
			zap.String("organization", item.OrganizationID))
		return errors.NewIntegrityError("evidence content does not match its integrity hash")
	}
	return nil
}

// Query returns items matching the filter, newest first.
func (s *Store) Query(ctx context.Context, filter evidence.Filter) ([]*evidence.Item, error) {
	if filter.OrganizationID == "" {
		return nil, errors.NewValidationError("MISSING_ORGANIZATION",
			"evidence queries must be organization-scoped")
	}

	var idx string
	if filter.Framework != "" && filter.ControlID != "" {
		idx = controlIndexKey(filter.OrganizationID, filter.Framework, filter.ControlID)
	} else {
		idx = orgIndexKey(filter.OrganizationID)
	}

	keys, err := s.backing.SMembers(ctx, idx)
	if err != nil {
		return nil, err
	}

	var items []*evidence.Item
	var stale []string
	for _, key := range keys {
		var item evidence.Item
		if err := s.backing.GetJSON(ctx, key, &item); err != nil {
			if _, notFound := err.(cache.ErrKeyNotFound); notFound {
				stale = append(stale, key)
				continue
			}
			return nil, err
		}
		if filter.Matches(&item) {
			items = append(items, &item)
		}
	}
	if len(stale) > 0 {
		_ = s.backing.SRem(ctx, idx, stale...)
	}

	sort.Slice(items, func(i, j int) bool {
		return items[i].CollectedAt.After(items[j].CollectedAt)
	})
	if filter.Limit > 0 && len(items) > filter.Limit {
		items = items[:filter.Limit]
	}
	return items, nil
}

// SetStatus moves an item through its verification lifecycle. The seal
// is re-checked before any status change.
func (s *Store) SetStatus(ctx context.Context, orgID string, id uuid.UUID, status evidence.Status, actor string) (*evidence.Item, error) {
	switch status {
	case evidence.StatusVerified, evidence.StatusRejected:
	default:
		return nil, errors.NewValidationError("INVALID_STATUS",
			"status must be verified or rejected")
	}

	item, err := s.Get(ctx, orgID, id)
	if err != nil {
		return nil, err
	}
	if item.Status == status {
		return item, nil
	}

	item.Status = status
	key := hashKey(orgID, item.IntegrityHash)
	if err := s.backing.SetJSON(ctx, key, item, 0); err != nil {
		return nil, errors.Wrap(err, "persisting evidence status")
	}

	s.audit(ctx, item, actor, "evidence_status_changed", auditdomain.OutcomeSuccess, false)
	return item, nil
}

// ExpireSweep marks items past their validity window as expired.
func (s *Store) ExpireSweep(ctx context.Context, orgID string) (int, error) {
	keys, err := s.backing.SMembers(ctx, orgIndexKey(orgID))
	if err != nil {
		return 0, err
	}

	now := time.Now().UTC()
	expired := 0
	for _, key := range keys {
		var item evidence.Item
		if err := s.backing.GetJSON(ctx, key, &item); err != nil {
			continue
		}
		if item.Status == evidence.StatusExpired || !item.Expired(now) {
			continue
		}
		item.Status = evidence.StatusExpired
		if err := s.backing.SetJSON(ctx, key, &item, 0); err != nil {
			s.logger.Error("failed to persist expired evidence",
				zap.String("evidence_id", item.ID.String()), zap.Error(err))
			continue
		}
		expired++
	}

	if expired > 0 {
		s.logger.Info("evidence expiry sweep completed",
			zap.String("organization", orgID), zap.Int("expired", expired))
	}
	return expired, nil
}

func (s *Store) audit(ctx context.Context, item *evidence.Item, actor, eventType string, outcome auditdomain.Outcome, dedup bool) {
	if s.auditLog == nil {
		return
	}
	event, err := auditdomain.NewEvent(auditdomain.CategoryEvidence, eventType,
		actor, auditdomain.ActorAgent, item.ID.String(), eventType)
	if err != nil {
		return
	}
	event.WithOrganization(item.OrganizationID).
		WithOutcome(outcome).
		WithFrameworks(item.Framework).
		WithDetails(map[string]interface{}{
			"evidence_type": string(item.Type),
			"control_id":    item.ControlID,
			"status":        string(item.Status),
			"deduplicated":  dedup,
		})
	if err := s.auditLog.Append(ctx, event); err != nil {
		s.logger.Error("failed to append evidence audit event", zap.Error(err))
	}
}
