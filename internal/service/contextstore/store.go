// Package contextstore implements the cross-agent context fabric: a
// scoped, sensitivity-aware KV store with a local recency-weighted LFU
// cache, secondary indexes, policy-gated access, and the data-share
// protocol for passing payloads between specific agents.
package contextstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	auditdomain "github.com/complyon/compliance-agent-backend/internal/domain/audit"
	"github.com/complyon/compliance-agent-backend/internal/domain/errors"
	"github.com/complyon/compliance-agent-backend/internal/domain/sharedctx"
	"github.com/complyon/compliance-agent-backend/internal/infrastructure/cache"
	"github.com/complyon/compliance-agent-backend/internal/infrastructure/config"
	"github.com/complyon/compliance-agent-backend/internal/infrastructure/integrity"
	"github.com/complyon/compliance-agent-backend/internal/metrics"
	auditlog "github.com/complyon/compliance-agent-backend/internal/service/audit"
)

// globalOrgKey stands in for the organization segment of keys when an
// entry is globally scoped.
const globalOrgKey = "global"

// Store is the context store service. All entry reads and writes flow
// through it; agents never touch the backing KV directly.
type Store struct {
	backing    cache.Store
	local      *cache.LocalCache
	access     *AccessController
	encryptor  *integrity.Encryptor
	embeddings *embeddingIndex
	auditLog   *auditlog.Logger
	metrics    *metrics.Registry
	logger     *zap.Logger
	cfg        config.ContextConfig

	stopCh  chan struct{}
	doneCh  chan struct{}
	started bool
}

// NewStore creates the context store. The encryptor may be nil only
// when encryption is disabled by configuration; storing confidential or
// secret entries then fails.
func NewStore(backing cache.Store, access *AccessController, encryptor *integrity.Encryptor, cfg config.ContextConfig, auditLog *auditlog.Logger, m *metrics.Registry, logger *zap.Logger) (*Store, error) {
	if backing == nil {
		return nil, fmt.Errorf("backing store is required")
	}
	if access == nil {
		return nil, fmt.Errorf("access controller is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if cfg.CacheMaxEntries <= 0 {
		cfg.CacheMaxEntries = 1000
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = 5 * time.Minute
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = 24 * time.Hour
	}

	return &Store{
		backing:    backing,
		local:      cache.NewLocalCache(cfg.CacheMaxEntries),
		access:     access,
		encryptor:  encryptor,
		embeddings: newEmbeddingIndex(),
		auditLog:   auditLog,
		metrics:    m,
		logger:     logger,
		cfg:        cfg,
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}, nil
}

// Start launches the expiry sweep loop.
func (s *Store) Start(ctx context.Context) error {
	if s.started {
		return errors.NewConflictError("context store already started")
	}
	s.started = true
	go s.cleanupLoop(ctx)
	return nil
}

// Stop halts the background sweep.
func (s *Store) Stop() {
	if !s.started {
		return
	}
	s.started = false
	close(s.stopCh)
	<-s.doneCh
}

func entryKey(orgID string, id uuid.UUID) string {
	if orgID == "" {
		orgID = globalOrgKey
	}
	return fmt.Sprintf("context:%s:%s", orgID, id)
}

func typeIndexKey(t sharedctx.ContextType, orgID string) string {
	if orgID == "" {
		orgID = globalOrgKey
	}
	return fmt.Sprintf("idx:context_type:%s:%s", t, orgID)
}

func creatorIndexKey(createdBy, orgID string) string {
	if orgID == "" {
		orgID = globalOrgKey
	}
	return fmt.Sprintf("idx:creator:%s:%s", createdBy, orgID)
}

func tagIndexKey(tag, orgID string) string {
	if orgID == "" {
		orgID = globalOrgKey
	}
	return fmt.Sprintf("idx:tag:%s:%s", tag, orgID)
}

// Put creates a context entry, encrypting when policy demands, and
// registers it in the secondary indexes and the local cache.
func (s *Store) Put(ctx context.Context, in sharedctx.NewEntryInput) (uuid.UUID, error) {
	if in.TTL <= 0 {
		in.TTL = s.cfg.DefaultTTL
	}
	entry, err := sharedctx.NewEntry(in)
	if err != nil {
		return uuid.Nil, err
	}

	if s.access.RequiresEncryption(entry.Sensitivity) {
		if err := s.encrypt(entry); err != nil {
			return uuid.Nil, err
		}
	}

	// Index embeddings off the plaintext before it is cleared.
	s.embeddings.index(entry.ID, entry.Type, in.Data)

	key := entryKey(entry.OrganizationID, entry.ID)
	ttl := time.Until(entry.ExpiresAt)
	if ttl <= 0 {
		// Entry expired between validation and persistence; keep it
		// visible to the cleanup sweep rather than failing the write.
		ttl = time.Second
	}
	if err := s.backing.SetJSON(ctx, key, entry, ttl); err != nil {
		return uuid.Nil, errors.Wrap(err, "persisting context entry")
	}
	if err := s.index(ctx, entry, key, ttl); err != nil {
		return uuid.Nil, err
	}

	// Cache the plaintext form for authorized readers. Ciphertext is
	// dropped so the cached copy can never flow back to persistence.
	cached := entry.Clone()
	cached.Data = in.Data
	cached.Ciphertext = nil
	s.local.Put(key, cached)
	if s.metrics != nil {
		s.metrics.ContextEntries.Set(float64(s.local.Len()))
	}

	s.audit(ctx, entry, entry.CreatedBy, "context_put", auditdomain.OutcomeSuccess)
	s.logger.Debug("context entry stored",
		zap.String("entry_id", entry.ID.String()),
		zap.String("type", string(entry.Type)),
		zap.String("scope", string(entry.Scope)),
		zap.String("sensitivity", string(entry.Sensitivity)),
		zap.Bool("encrypted", entry.Encrypted))
	return entry.ID, nil
}

func (s *Store) encrypt(entry *sharedctx.Entry) error {
	if s.encryptor == nil {
		return errors.NewEncryptionError(
			"sensitivity tier requires encryption but no encryptor is configured")
	}
	plaintext, err := json.Marshal(entry.Data)
	if err != nil {
		return errors.NewEncryptionError("entry data is not serialisable").WithCause(err)
	}
	ciphertext, keyID, err := s.encryptor.Encrypt(plaintext)
	if err != nil {
		return err
	}
	entry.Ciphertext = ciphertext
	entry.KeyID = keyID
	entry.Encrypted = true
	entry.Data = nil
	return nil
}

func (s *Store) decrypt(entry *sharedctx.Entry) error {
	if !entry.Encrypted {
		return nil
	}
	if s.encryptor == nil {
		return errors.NewEncryptionError("entry is encrypted but no encryptor is configured")
	}
	plaintext, err := s.encryptor.Decrypt(entry.Ciphertext, entry.KeyID)
	if err != nil {
		return err
	}
	var data map[string]interface{}
	if err := json.Unmarshal(plaintext, &data); err != nil {
		return errors.NewEncryptionError("decrypted payload is not valid JSON").WithCause(err)
	}
	entry.Data = data
	entry.Ciphertext = nil
	return nil
}

func (s *Store) index(ctx context.Context, entry *sharedctx.Entry, key string, ttl time.Duration) error {
	org := entry.OrganizationID
	indexes := []string{
		typeIndexKey(entry.Type, org),
		creatorIndexKey(entry.CreatedBy, org),
	}
	for _, tag := range entry.Tags {
		indexes = append(indexes, tagIndexKey(tag, org))
	}
	for _, idx := range indexes {
		if err := s.backing.SAdd(ctx, idx, key); err != nil {
			return errors.Wrap(err, "updating context index")
		}
		// Index TTL tracks the longest-lived member; stale members are
		// filtered on read.
		if ttl > 0 {
			_ = s.backing.Expire(ctx, idx, ttl)
		}
	}
	return nil
}

// Get fetches an entry by ID after an access check. Counters update on
// every authorized read; the updated entry re-persists in the
// background. Entries past their TTL read as missing even before the
// cleanup sweep removes them.
func (s *Store) Get(ctx context.Context, entryID uuid.UUID, req Requester) (*sharedctx.Entry, error) {
	key := entryKey(req.OrganizationID, entryID)

	entry, fromCache, err := s.load(ctx, key)
	if err != nil {
		return nil, err
	}
	if entry.Expired(time.Now().UTC()) {
		s.local.Remove(key)
		return nil, errors.ErrEntryNotFound
	}

	decision := s.access.Check(ctx, req, entry)
	if !decision.Allowed {
		return nil, errors.NewAccessDeniedError(decision.Reason)
	}

	if !fromCache {
		if err := s.decrypt(entry); err != nil {
			return nil, err
		}
		s.local.Put(key, entry.Clone())
	}

	entry.Touch(time.Now().UTC())
	s.repersist(key, entry)

	return entry.Clone(), nil
}

// load reads the entry from the local cache, falling back to the
// backing store. Cached entries are already decrypted.
func (s *Store) load(ctx context.Context, key string) (*sharedctx.Entry, bool, error) {
	if v, ok := s.local.Get(key); ok {
		if s.metrics != nil {
			s.metrics.ContextCacheHits.Inc()
		}
		return v.(*sharedctx.Entry).Clone(), true, nil
	}
	if s.metrics != nil {
		s.metrics.ContextCacheMisses.Inc()
	}

	var entry sharedctx.Entry
	if err := s.backing.GetJSON(ctx, key, &entry); err != nil {
		if _, notFound := err.(cache.ErrKeyNotFound); notFound {
			return nil, false, errors.ErrEntryNotFound
		}
		return nil, false, errors.Wrap(err, "reading context entry")
	}
	return &entry, false, nil
}

// repersist writes updated access counters back to the backing store
// off the read path. Lost updates under concurrency only skew counters.
func (s *Store) repersist(key string, entry *sharedctx.Entry) {
	snapshot := entry.Clone()
	if snapshot.Encrypted && snapshot.Ciphertext == nil {
		// Entry was decrypted for the reader; never persist plaintext.
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		ttl := time.Until(snapshot.ExpiresAt)
		if ttl <= 0 && !snapshot.ExpiresAt.IsZero() {
			return
		}
		if err := s.backing.SetJSON(ctx, key, snapshot, ttl); err != nil {
			s.logger.Debug("context counter re-persist failed",
				zap.String("key", key), zap.Error(err))
		}
	}()
}

// Query returns entries matching the query that the requester may read,
// newest first, bounded by the query limit.
func (s *Store) Query(ctx context.Context, q sharedctx.Query, req Requester) ([]*sharedctx.Entry, error) {
	if q.OrganizationID == "" {
		q.OrganizationID = req.OrganizationID
	}

	keys, err := s.candidateKeys(ctx, q)
	if err != nil {
		return nil, err
	}

	var results []*sharedctx.Entry
	var stale []string
	for _, key := range keys {
		var entry sharedctx.Entry
		if err := s.backing.GetJSON(ctx, key, &entry); err != nil {
			if _, notFound := err.(cache.ErrKeyNotFound); notFound {
				stale = append(stale, key)
				continue
			}
			return nil, errors.Wrap(err, "reading context entry")
		}
		if !q.Matches(&entry) {
			continue
		}
		if !s.access.Check(ctx, req, &entry).Allowed {
			continue
		}
		if err := s.decrypt(&entry); err != nil {
			return nil, err
		}
		results = append(results, &entry)
	}

	if len(stale) > 0 {
		s.dropStale(ctx, q, stale)
	}

	sort.Slice(results, func(i, j int) bool {
		return results[i].CreatedAt.After(results[j].CreatedAt)
	})
	if limit := q.EffectiveLimit(); len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// candidateKeys picks the narrowest secondary index for the query,
// falling back to a key scan.
func (s *Store) candidateKeys(ctx context.Context, q sharedctx.Query) ([]string, error) {
	switch {
	case q.Type != "":
		return s.backing.SMembers(ctx, typeIndexKey(q.Type, q.OrganizationID))
	case q.CreatedBy != "":
		return s.backing.SMembers(ctx, creatorIndexKey(q.CreatedBy, q.OrganizationID))
	case q.Tag != "":
		return s.backing.SMembers(ctx, tagIndexKey(q.Tag, q.OrganizationID))
	default:
		org := q.OrganizationID
		if org == "" {
			org = globalOrgKey
		}
		return s.backing.Scan(ctx, fmt.Sprintf("context:%s:*", org))
	}
}

func (s *Store) dropStale(ctx context.Context, q sharedctx.Query, stale []string) {
	var idx string
	switch {
	case q.Type != "":
		idx = typeIndexKey(q.Type, q.OrganizationID)
	case q.CreatedBy != "":
		idx = creatorIndexKey(q.CreatedBy, q.OrganizationID)
	case q.Tag != "":
		idx = tagIndexKey(q.Tag, q.OrganizationID)
	default:
		return
	}
	_ = s.backing.SRem(ctx, idx, stale...)
}

// Delete removes an entry and its index references.
func (s *Store) Delete(ctx context.Context, entryID uuid.UUID, orgID string) error {
	key := entryKey(orgID, entryID)

	var entry sharedctx.Entry
	if err := s.backing.GetJSON(ctx, key, &entry); err != nil {
		if _, notFound := err.(cache.ErrKeyNotFound); notFound {
			return errors.ErrEntryNotFound
		}
		return errors.Wrap(err, "reading context entry")
	}

	if err := s.backing.Delete(ctx, key); err != nil {
		return errors.Wrap(err, "deleting context entry")
	}
	s.unindex(ctx, &entry, key)
	s.local.Remove(key)
	s.embeddings.remove(entryID)
	s.access.ForgetApprovals(entryID)

	s.audit(ctx, &entry, "system", "context_delete", auditdomain.OutcomeSuccess)
	return nil
}

func (s *Store) unindex(ctx context.Context, entry *sharedctx.Entry, key string) {
	org := entry.OrganizationID
	_ = s.backing.SRem(ctx, typeIndexKey(entry.Type, org), key)
	_ = s.backing.SRem(ctx, creatorIndexKey(entry.CreatedBy, org), key)
	for _, tag := range entry.Tags {
		_ = s.backing.SRem(ctx, tagIndexKey(tag, org), key)
	}
}

// CleanupExpired removes entries whose TTL elapsed. The backing store
// expires its own keys; this sweep clears index references, the local
// cache, and embeddings for an organization.
func (s *Store) CleanupExpired(ctx context.Context, orgID string) (int, error) {
	org := orgID
	if org == "" {
		org = globalOrgKey
	}
	keys, err := s.backing.Scan(ctx, fmt.Sprintf("context:%s:*", org))
	if err != nil {
		return 0, err
	}

	now := time.Now().UTC()
	removed := 0
	for _, key := range keys {
		var entry sharedctx.Entry
		if err := s.backing.GetJSON(ctx, key, &entry); err != nil {
			continue
		}
		if !entry.Expired(now) {
			continue
		}
		if err := s.backing.Delete(ctx, key); err != nil {
			continue
		}
		s.unindex(ctx, &entry, key)
		s.local.Remove(key)
		s.embeddings.remove(entry.ID)
		s.access.ForgetApprovals(entry.ID)
		removed++
	}

	if removed > 0 {
		s.logger.Info("expired context entries removed",
			zap.String("organization", orgID), zap.Int("count", removed))
	}
	return removed, nil
}

func (s *Store) cleanupLoop(ctx context.Context) {
	defer close(s.doneCh)
	ticker := time.NewTicker(s.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			orgs, err := s.knownOrganizations(ctx)
			if err != nil {
				s.logger.Error("context cleanup scan failed", zap.Error(err))
				continue
			}
			for _, org := range orgs {
				if _, err := s.CleanupExpired(ctx, org); err != nil {
					s.logger.Error("context cleanup failed",
						zap.String("organization", org), zap.Error(err))
				}
			}
		}
	}
}

func (s *Store) knownOrganizations(ctx context.Context) ([]string, error) {
	keys, err := s.backing.Scan(ctx, "context:*")
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{})
	var orgs []string
	for _, key := range keys {
		// Keys are context:{org}:{entry_id}.
		parts := strings.SplitN(key, ":", 3)
		if len(parts) != 3 {
			continue
		}
		if _, ok := seen[parts[1]]; !ok {
			seen[parts[1]] = struct{}{}
			orgs = append(orgs, parts[1])
		}
	}
	return orgs, nil
}

// CacheStats exposes local cache counters for health endpoints.
func (s *Store) CacheStats() (hits, misses, evictions int64, size int) {
	hits, misses, evictions = s.local.Stats()
	return hits, misses, evictions, s.local.Len()
}

func (s *Store) audit(ctx context.Context, entry *sharedctx.Entry, actorID, eventType string, outcome auditdomain.Outcome) {
	if s.auditLog == nil {
		return
	}
	event, err := auditdomain.NewEvent(auditdomain.CategoryContext, eventType,
		actorID, auditdomain.ActorAgent, entry.ID.String(), eventType)
	if err != nil {
		return
	}
	event.WithOrganization(entry.OrganizationID).
		WithOutcome(outcome).
		WithDetails(map[string]interface{}{
			"type":        string(entry.Type),
			"scope":       string(entry.Scope),
			"sensitivity": string(entry.Sensitivity),
		})
	if err := s.auditLog.Append(ctx, event); err != nil {
		s.logger.Error("failed to append context audit event", zap.Error(err))
	}
}
