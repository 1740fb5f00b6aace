package sharedctx

import (
	"time"

	"github.com/google/uuid"

	"github.com/complyon/compliance-agent-backend/internal/domain/agent"
	"github.com/complyon/compliance-agent-backend/internal/domain/errors"
)

// ShareStatus is the lifecycle of a data-share request.
type ShareStatus string

const (
	ShareStatusPending  ShareStatus = "pending"
	ShareStatusApproved ShareStatus = "approved"
	ShareStatusDenied   ShareStatus = "denied"
	ShareStatusExpired  ShareStatus = "expired"
)

// ShareRequest asks to pass data from one agent to specific other agent
// types without making it broadly visible. Public and internal payloads
// auto-approve; confidential and secret payloads wait for an approver.
type ShareRequest struct {
	ID              uuid.UUID              `json:"id"`
	OrganizationID  string                 `json:"organization_id"`
	RequestingAgent string                 `json:"requesting_agent"`
	TargetAgents    []agent.AgentType      `json:"target_agents"`
	ContextType     ContextType            `json:"context_type"`
	Data            map[string]interface{} `json:"data"`
	Sensitivity     Sensitivity            `json:"sensitivity"`
	Justification   string                 `json:"justification,omitempty"`
	Status          ShareStatus            `json:"status"`
	Approvers       []string               `json:"approvers,omitempty"`
	CreatedAt       time.Time              `json:"created_at"`
	ResolvedAt      time.Time              `json:"resolved_at,omitempty"`
	ExpiresIn       time.Duration          `json:"expires_in"`

	// EntryID is set once the share has been materialised as a context
	// entry readable by the target agent types.
	EntryID uuid.UUID `json:"entry_id,omitempty"`
}

// NewShareRequest validates and creates a share request. Status starts
// pending; the protocol layer decides auto-approval.
func NewShareRequest(orgID, requestingAgent string, targets []agent.AgentType, ctxType ContextType, data map[string]interface{}, sensitivity Sensitivity, expiresIn time.Duration) (*ShareRequest, error) {
	if orgID == "" {
		return nil, errors.NewValidationError("MISSING_ORGANIZATION",
			"organization ID is required")
	}
	if requestingAgent == "" {
		return nil, errors.NewValidationError("MISSING_REQUESTER",
			"requesting agent is required")
	}
	if len(targets) == 0 {
		return nil, errors.NewValidationError("MISSING_TARGETS",
			"at least one target agent type is required")
	}
	if err := validateContextType(ctxType); err != nil {
		return nil, errors.NewValidationError("INVALID_CONTEXT_TYPE",
			"context type must be valid").WithCause(err)
	}
	if len(data) == 0 {
		return nil, errors.NewValidationError("EMPTY_DATA",
			"share payload is required")
	}
	if expiresIn <= 0 {
		expiresIn = 24 * time.Hour
	}

	return &ShareRequest{
		ID:              uuid.New(),
		OrganizationID:  orgID,
		RequestingAgent: requestingAgent,
		TargetAgents:    targets,
		ContextType:     ctxType,
		Data:            data,
		Sensitivity:     sensitivity,
		Status:          ShareStatusPending,
		CreatedAt:       time.Now().UTC(),
		ExpiresIn:       expiresIn,
	}, nil
}

// AutoApprovable reports whether the request skips the approval step.
func (r *ShareRequest) AutoApprovable() bool {
	return !r.Sensitivity.RequiresApproval()
}

// Approve records an approver and resolves the request.
func (r *ShareRequest) Approve(approver string) error {
	if r.Status != ShareStatusPending {
		return errors.NewConflictError("share request is not pending")
	}
	r.Approvers = append(r.Approvers, approver)
	r.Status = ShareStatusApproved
	r.ResolvedAt = time.Now().UTC()
	return nil
}

// Deny resolves the request without materialising an entry.
func (r *ShareRequest) Deny(approver string) error {
	if r.Status != ShareStatusPending {
		return errors.NewConflictError("share request is not pending")
	}
	r.Approvers = append(r.Approvers, approver)
	r.Status = ShareStatusDenied
	r.ResolvedAt = time.Now().UTC()
	return nil
}
