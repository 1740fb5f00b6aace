package contextstore

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/complyon/compliance-agent-backend/internal/domain/agent"
	auditdomain "github.com/complyon/compliance-agent-backend/internal/domain/audit"
	"github.com/complyon/compliance-agent-backend/internal/domain/sharedctx"
	auditlog "github.com/complyon/compliance-agent-backend/internal/service/audit"
)

// Requester identifies the agent asking for access.
type Requester struct {
	AgentID        string
	AgentType      agent.AgentType
	OrganizationID string
}

// Decision is the outcome of one access evaluation.
type Decision struct {
	Allowed bool
	Reason  string
}

// SensitivityPolicy describes the access rules for one sensitivity tier.
// An empty AllowedTypes list admits every agent type.
type SensitivityPolicy struct {
	AllowedTypes       []agent.AgentType
	RequiresApproval   bool
	RequiresEncryption bool
}

// PolicyTable maps sensitivity tiers to their rules. Injected at
// startup; the controller never mutates it.
type PolicyTable map[sharedctx.Sensitivity]SensitivityPolicy

// DefaultPolicyTable returns the standard tier rules: public and
// internal are open to all agent types, confidential is limited to the
// compliance-bearing types, secret to the crypto officer only.
func DefaultPolicyTable() PolicyTable {
	return PolicyTable{
		sharedctx.SensitivityPublic:   {},
		sharedctx.SensitivityInternal: {},
		sharedctx.SensitivityConfidential: {
			AllowedTypes: []agent.AgentType{
				agent.TypeEvidenceCollector,
				agent.TypeRiskAssessor,
				agent.TypeQuestionnaireProcessor,
				agent.TypePolicyAnalyzer,
				agent.TypeCryptoOfficer,
			},
			RequiresApproval:   true,
			RequiresEncryption: true,
		},
		sharedctx.SensitivitySecret: {
			AllowedTypes:       []agent.AgentType{agent.TypeCryptoOfficer},
			RequiresApproval:   true,
			RequiresEncryption: true,
		},
	}
}

// AccessController evaluates agent-to-entry access requests against the
// policy table and records every decision in the audit log.
type AccessController struct {
	policies PolicyTable
	auditLog *auditlog.Logger
	logger   *zap.Logger

	approvalMu sync.RWMutex
	approvals  map[uuid.UUID][]string
}

// NewAccessController creates a controller with the given policy table.
func NewAccessController(policies PolicyTable, auditLog *auditlog.Logger, logger *zap.Logger) *AccessController {
	if policies == nil {
		policies = DefaultPolicyTable()
	}
	return &AccessController{
		policies:  policies,
		auditLog:  auditLog,
		logger:    logger,
		approvals: make(map[uuid.UUID][]string),
	}
}

// RecordApproval marks an entry as approved for access by the policy's
// approval gate. The data-share protocol records approvals when a share
// is materialised.
func (c *AccessController) RecordApproval(entryID uuid.UUID, approver string) {
	c.approvalMu.Lock()
	defer c.approvalMu.Unlock()
	c.approvals[entryID] = append(c.approvals[entryID], approver)
}

// Approved reports whether an approval record exists for the entry.
func (c *AccessController) Approved(entryID uuid.UUID) bool {
	c.approvalMu.RLock()
	defer c.approvalMu.RUnlock()
	return len(c.approvals[entryID]) > 0
}

// ForgetApprovals drops approval records for a deleted entry.
func (c *AccessController) ForgetApprovals(entryID uuid.UUID) {
	c.approvalMu.Lock()
	defer c.approvalMu.Unlock()
	delete(c.approvals, entryID)
}

// Check evaluates whether the requester may read the entry. The
// decision is appended to the audit log; reads of confidential or
// secret entries are additionally logged regardless of outcome.
func (c *AccessController) Check(ctx context.Context, req Requester, entry *sharedctx.Entry) Decision {
	decision := c.evaluate(req, entry, time.Now().UTC())

	if entry.Sensitivity.RequiresApproval() {
		c.logger.Info("sensitive context access evaluated",
			zap.String("entry_id", entry.ID.String()),
			zap.String("sensitivity", string(entry.Sensitivity)),
			zap.String("agent_id", req.AgentID),
			zap.String("agent_type", string(req.AgentType)),
			zap.Bool("allowed", decision.Allowed),
			zap.String("reason", decision.Reason))
	}

	c.audit(ctx, req, entry, decision)
	return decision
}

func (c *AccessController) evaluate(req Requester, entry *sharedctx.Entry, now time.Time) Decision {
	if entry.Expired(now) {
		return Decision{Reason: "entry expired"}
	}

	// Creators always read their own entries; everything below gates
	// access by other agents.
	if req.AgentID == entry.CreatedBy {
		return Decision{Allowed: true, Reason: "creator access"}
	}

	if entry.Scope == sharedctx.ScopePrivate {
		return Decision{Reason: "private entries are creator-only"}
	}
	if entry.Scope != sharedctx.ScopeGlobal &&
		entry.OrganizationID != req.OrganizationID {
		return Decision{Reason: "organization scope mismatch"}
	}
	if entry.Scope == sharedctx.ScopeAgentType && !entry.AllowsAgentType(req.AgentType) {
		return Decision{Reason: "agent type not in allow list"}
	}

	policy, ok := c.policies[entry.Sensitivity]
	if !ok {
		return Decision{Reason: "no policy for sensitivity tier"}
	}
	if len(policy.AllowedTypes) > 0 && !typeAllowed(policy.AllowedTypes, req.AgentType) {
		return Decision{Reason: "agent type not permitted at this sensitivity"}
	}
	if policy.RequiresApproval && !c.Approved(entry.ID) {
		return Decision{Reason: "approval required"}
	}

	return Decision{Allowed: true, Reason: "policy satisfied"}
}

func typeAllowed(allowed []agent.AgentType, t agent.AgentType) bool {
	for _, a := range allowed {
		if a == t {
			return true
		}
	}
	return false
}

// RequiresEncryption reports whether policy mandates encryption at rest
// for the sensitivity tier.
func (c *AccessController) RequiresEncryption(s sharedctx.Sensitivity) bool {
	if policy, ok := c.policies[s]; ok {
		return policy.RequiresEncryption
	}
	return s.RequiresEncryption()
}

func (c *AccessController) audit(ctx context.Context, req Requester, entry *sharedctx.Entry, decision Decision) {
	if c.auditLog == nil {
		return
	}
	outcome := auditdomain.OutcomeSuccess
	eventType := "context_access_granted"
	if !decision.Allowed {
		outcome = auditdomain.OutcomeBlocked
		eventType = "context_access_denied"
	}

	event, err := auditdomain.NewEvent(auditdomain.CategoryAccess, eventType,
		req.AgentID, auditdomain.ActorAgent, entry.ID.String(), "read")
	if err != nil {
		return
	}
	event.WithOrganization(req.OrganizationID).
		WithOutcome(outcome).
		WithDetails(map[string]interface{}{
			"sensitivity": string(entry.Sensitivity),
			"scope":       string(entry.Scope),
			"agent_type":  string(req.AgentType),
			"reason":      decision.Reason,
		})
	if err := c.auditLog.Append(ctx, event); err != nil {
		c.logger.Error("failed to append access audit event", zap.Error(err))
	}
}
