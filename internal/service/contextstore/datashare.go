package contextstore

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/complyon/compliance-agent-backend/internal/domain/agent"
	auditdomain "github.com/complyon/compliance-agent-backend/internal/domain/audit"
	"github.com/complyon/compliance-agent-backend/internal/domain/errors"
	"github.com/complyon/compliance-agent-backend/internal/domain/sharedctx"
	"github.com/complyon/compliance-agent-backend/internal/infrastructure/cache"
	auditlog "github.com/complyon/compliance-agent-backend/internal/service/audit"
)

// ShareInput is the caller-facing request to share data with specific
// agent types.
type ShareInput struct {
	OrganizationID  string
	RequestingAgent string
	TargetAgents    []agent.AgentType
	ContextType     sharedctx.ContextType
	Data            map[string]interface{}
	Sensitivity     sharedctx.Sensitivity
	Justification   string
	ExpiresIn       time.Duration
}

// ShareProtocol moves payloads between specific agents: public and
// internal payloads materialise immediately, confidential and secret
// payloads wait for an approver.
type ShareProtocol struct {
	store    *Store
	backing  cache.Store
	auditLog *auditlog.Logger
	logger   *zap.Logger
}

// NewShareProtocol creates the data-share protocol service on top of
// the context store.
func NewShareProtocol(store *Store, backing cache.Store, auditLog *auditlog.Logger, logger *zap.Logger) (*ShareProtocol, error) {
	if store == nil {
		return nil, fmt.Errorf("context store is required")
	}
	if backing == nil {
		return nil, fmt.Errorf("backing store is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	return &ShareProtocol{
		store:    store,
		backing:  backing,
		auditLog: auditLog,
		logger:   logger,
	}, nil
}

func shareKey(orgID string, id uuid.UUID) string {
	return fmt.Sprintf("share:%s:%s", orgID, id)
}

func shareIndexKey(orgID string) string {
	return fmt.Sprintf("idx:share:%s", orgID)
}

// Submit creates a share request. Requests at public or internal
// sensitivity auto-approve and materialise immediately.
func (p *ShareProtocol) Submit(ctx context.Context, in ShareInput) (*sharedctx.ShareRequest, error) {
	req, err := sharedctx.NewShareRequest(in.OrganizationID, in.RequestingAgent,
		in.TargetAgents, in.ContextType, in.Data, in.Sensitivity, in.ExpiresIn)
	if err != nil {
		return nil, err
	}
	req.Justification = in.Justification

	if req.AutoApprovable() {
		if err := req.Approve("auto"); err != nil {
			return nil, err
		}
		entryID, err := p.materialise(ctx, req)
		if err != nil {
			return nil, err
		}
		req.EntryID = entryID
	}

	if err := p.persist(ctx, req); err != nil {
		return nil, err
	}

	p.audit(ctx, req, "share_requested", auditdomain.OutcomeSuccess)
	if req.Status == sharedctx.ShareStatusApproved {
		p.audit(ctx, req, "share_auto_approved", auditdomain.OutcomeSuccess)
	}
	p.logger.Info("data share submitted",
		zap.String("request_id", req.ID.String()),
		zap.String("requesting_agent", req.RequestingAgent),
		zap.String("sensitivity", string(req.Sensitivity)),
		zap.String("status", string(req.Status)))
	return req, nil
}

// Approve resolves a pending request and materialises the shared entry.
func (p *ShareProtocol) Approve(ctx context.Context, orgID string, requestID uuid.UUID, approver string) (*sharedctx.ShareRequest, error) {
	req, err := p.Get(ctx, orgID, requestID)
	if err != nil {
		return nil, err
	}
	if p.expire(ctx, req) {
		return nil, errors.NewConflictError("share request has expired")
	}
	if err := req.Approve(approver); err != nil {
		return nil, err
	}

	entryID, err := p.materialise(ctx, req)
	if err != nil {
		return nil, err
	}
	req.EntryID = entryID

	if err := p.persist(ctx, req); err != nil {
		return nil, err
	}

	p.audit(ctx, req, "share_approved", auditdomain.OutcomeSuccess)
	p.logger.Info("data share approved",
		zap.String("request_id", req.ID.String()),
		zap.String("approver", approver),
		zap.String("entry_id", entryID.String()))
	return req, nil
}

// Deny resolves a pending request without materialising anything.
func (p *ShareProtocol) Deny(ctx context.Context, orgID string, requestID uuid.UUID, approver string) (*sharedctx.ShareRequest, error) {
	req, err := p.Get(ctx, orgID, requestID)
	if err != nil {
		return nil, err
	}
	if err := req.Deny(approver); err != nil {
		return nil, err
	}
	if err := p.persist(ctx, req); err != nil {
		return nil, err
	}

	p.audit(ctx, req, "share_denied", auditdomain.OutcomeBlocked)
	return req, nil
}

// Get returns a share request by ID.
func (p *ShareProtocol) Get(ctx context.Context, orgID string, requestID uuid.UUID) (*sharedctx.ShareRequest, error) {
	var req sharedctx.ShareRequest
	if err := p.backing.GetJSON(ctx, shareKey(orgID, requestID), &req); err != nil {
		if _, notFound := err.(cache.ErrKeyNotFound); notFound {
			return nil, errors.NewNotFoundError("share request")
		}
		return nil, errors.Wrap(err, "reading share request")
	}
	return &req, nil
}

// List returns all share requests for an organization, optionally
// filtered by status.
func (p *ShareProtocol) List(ctx context.Context, orgID string, status sharedctx.ShareStatus) ([]*sharedctx.ShareRequest, error) {
	keys, err := p.backing.SMembers(ctx, shareIndexKey(orgID))
	if err != nil {
		return nil, err
	}

	var out []*sharedctx.ShareRequest
	var stale []string
	for _, key := range keys {
		var req sharedctx.ShareRequest
		if err := p.backing.GetJSON(ctx, key, &req); err != nil {
			if _, notFound := err.(cache.ErrKeyNotFound); notFound {
				stale = append(stale, key)
				continue
			}
			return nil, err
		}
		p.expire(ctx, &req)
		if status != "" && req.Status != status {
			continue
		}
		out = append(out, &req)
	}
	if len(stale) > 0 {
		_ = p.backing.SRem(ctx, shareIndexKey(orgID), stale...)
	}
	return out, nil
}

// expire lapses a pending request past its window, persisting the
// status change. Returns true when the request is expired.
func (p *ShareProtocol) expire(ctx context.Context, req *sharedctx.ShareRequest) bool {
	if req.Status == sharedctx.ShareStatusExpired {
		return true
	}
	if req.Status != sharedctx.ShareStatusPending {
		return false
	}
	if time.Now().UTC().Before(req.CreatedAt.Add(req.ExpiresIn)) {
		return false
	}
	req.Status = sharedctx.ShareStatusExpired
	req.ResolvedAt = time.Now().UTC()
	if err := p.persist(ctx, req); err != nil {
		p.logger.Error("failed to persist expired share request", zap.Error(err))
	}
	p.audit(ctx, req, "share_expired", auditdomain.OutcomePartial)
	return true
}

// materialise turns an approved request into a context entry scoped to
// the target agent types and records the approval with the access
// controller.
func (p *ShareProtocol) materialise(ctx context.Context, req *sharedctx.ShareRequest) (uuid.UUID, error) {
	entryID, err := p.store.Put(ctx, sharedctx.NewEntryInput{
		Type:           req.ContextType,
		Scope:          sharedctx.ScopeAgentType,
		Sensitivity:    req.Sensitivity,
		Data:           req.Data,
		CreatedBy:      req.RequestingAgent,
		OrganizationID: req.OrganizationID,
		AllowedAgents:  req.TargetAgents,
		TTL:            req.ExpiresIn,
		Tags:           []string{"data-share"},
	})
	if err != nil {
		return uuid.Nil, errors.Wrap(err, "materialising share entry")
	}

	for _, approver := range req.Approvers {
		p.store.access.RecordApproval(entryID, approver)
	}
	return entryID, nil
}

func (p *ShareProtocol) persist(ctx context.Context, req *sharedctx.ShareRequest) error {
	key := shareKey(req.OrganizationID, req.ID)
	// Requests outlive their share window so callers can observe the
	// resolution; keep them for a week past expiry.
	ttl := req.ExpiresIn + 7*24*time.Hour
	if err := p.backing.SetJSON(ctx, key, req, ttl); err != nil {
		return errors.Wrap(err, "persisting share request")
	}
	if err := p.backing.SAdd(ctx, shareIndexKey(req.OrganizationID), key); err != nil {
		return errors.Wrap(err, "indexing share request")
	}
	return nil
}

func (p *ShareProtocol) audit(ctx context.Context, req *sharedctx.ShareRequest, eventType string, outcome auditdomain.Outcome) {
	if p.auditLog == nil {
		return
	}
	event, err := auditdomain.NewEvent(auditdomain.CategoryDataShare, eventType,
		req.RequestingAgent, auditdomain.ActorAgent, req.ID.String(), eventType)
	if err != nil {
		return
	}
	event.WithOrganization(req.OrganizationID).
		WithOutcome(outcome).
		WithDetails(map[string]interface{}{
			"sensitivity":  string(req.Sensitivity),
			"context_type": string(req.ContextType),
			"target_count": len(req.TargetAgents),
			"status":       string(req.Status),
		})
	if err := p.auditLog.Append(ctx, event); err != nil {
		p.logger.Error("failed to append share audit event", zap.Error(err))
	}
}
