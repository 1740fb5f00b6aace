package contextstore

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/complyon/compliance-agent-backend/internal/domain/agent"
	"github.com/complyon/compliance-agent-backend/internal/domain/errors"
	"github.com/complyon/compliance-agent-backend/internal/domain/sharedctx"
)

func newTestProtocol(t *testing.T) (*ShareProtocol, *Store) {
	t.Helper()
	store, backing := newTestStore(t)
	p, err := NewShareProtocol(store, backing, nil, zaptest.NewLogger(t))
	require.NoError(t, err)
	return p, store
}

func TestInternalShareAutoApproves(t *testing.T) {
	p, store := newTestProtocol(t)
	ctx := context.Background()

	req, err := p.Submit(ctx, ShareInput{
		OrganizationID:  "org-1",
		RequestingAgent: "agent-a",
		TargetAgents:    []agent.AgentType{agent.TypeRiskAssessor},
		ContextType:     sharedctx.TypeEvidence,
		Data:            map[string]interface{}{"snapshot": "iam-policy"},
		Sensitivity:     sharedctx.SensitivityInternal,
	})
	require.NoError(t, err)
	assert.Equal(t, sharedctx.ShareStatusApproved, req.Status)
	require.NotEqual(t, uuid.Nil, req.EntryID)

	// The target agent type reads the materialised entry immediately.
	entry, err := store.Get(ctx, req.EntryID, Requester{
		AgentID: "agent-b", AgentType: agent.TypeRiskAssessor, OrganizationID: "org-1",
	})
	require.NoError(t, err)
	assert.Equal(t, sharedctx.ScopeAgentType, entry.Scope)
	assert.Equal(t, "iam-policy", entry.Data["snapshot"])
}

func TestConfidentialShareApprovalFlow(t *testing.T) {
	p, store := newTestProtocol(t)
	ctx := context.Background()

	// Agent A shares a confidential artifact with risk assessors and
	// policy analyzers.
	req, err := p.Submit(ctx, ShareInput{
		OrganizationID:  "org-1",
		RequestingAgent: "agent-a",
		TargetAgents: []agent.AgentType{
			agent.TypeRiskAssessor,
			agent.TypePolicyAnalyzer,
		},
		ContextType:   sharedctx.TypeCompliance,
		Data:          map[string]interface{}{"artifact": "soc2-report-draft"},
		Sensitivity:   sharedctx.SensitivityConfidential,
		Justification: "assessment review",
	})
	require.NoError(t, err)
	assert.Equal(t, sharedctx.ShareStatusPending, req.Status)
	assert.Equal(t, uuid.Nil, req.EntryID)

	// Approval materialises the entry.
	approved, err := p.Approve(ctx, "org-1", req.ID, "compliance-officer")
	require.NoError(t, err)
	assert.Equal(t, sharedctx.ShareStatusApproved, approved.Status)
	require.NotEqual(t, uuid.Nil, approved.EntryID)
	assert.Contains(t, approved.Approvers, "compliance-officer")

	// Both target types can read it.
	for _, at := range []agent.AgentType{agent.TypeRiskAssessor, agent.TypePolicyAnalyzer} {
		entry, err := store.Get(ctx, approved.EntryID, Requester{
			AgentID: "agent-" + string(at), AgentType: at, OrganizationID: "org-1",
		})
		require.NoError(t, err, "type %s", at)
		assert.True(t, entry.Encrypted)
		assert.Equal(t, "soc2-report-draft", entry.Data["artifact"])
	}

	// An agent type outside the target list stays denied.
	_, err = store.Get(ctx, approved.EntryID, Requester{
		AgentID: "agent-d", AgentType: agent.TypeCloudScanner, OrganizationID: "org-1",
	})
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeAccessDenied))
}

func TestDenyLeavesNoEntry(t *testing.T) {
	p, _ := newTestProtocol(t)
	ctx := context.Background()

	req, err := p.Submit(ctx, ShareInput{
		OrganizationID:  "org-1",
		RequestingAgent: "agent-a",
		TargetAgents:    []agent.AgentType{agent.TypeRiskAssessor},
		ContextType:     sharedctx.TypeCompliance,
		Data:            map[string]interface{}{"x": 1},
		Sensitivity:     sharedctx.SensitivityConfidential,
	})
	require.NoError(t, err)

	denied, err := p.Deny(ctx, "org-1", req.ID, "compliance-officer")
	require.NoError(t, err)
	assert.Equal(t, sharedctx.ShareStatusDenied, denied.Status)
	assert.Equal(t, uuid.Nil, denied.EntryID)

	// Resolution is final.
	_, err = p.Approve(ctx, "org-1", req.ID, "someone-else")
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConflict))
}

func TestExpiredShareCannotBeApproved(t *testing.T) {
	p, _ := newTestProtocol(t)
	ctx := context.Background()

	req, err := p.Submit(ctx, ShareInput{
		OrganizationID:  "org-1",
		RequestingAgent: "agent-a",
		TargetAgents:    []agent.AgentType{agent.TypeRiskAssessor},
		ContextType:     sharedctx.TypeCompliance,
		Data:            map[string]interface{}{"x": 1},
		Sensitivity:     sharedctx.SensitivityConfidential,
		ExpiresIn:       time.Millisecond,
	})
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)

	_, err = p.Approve(ctx, "org-1", req.ID, "compliance-officer")
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConflict))

	got, err := p.Get(ctx, "org-1", req.ID)
	require.NoError(t, err)
	assert.Equal(t, sharedctx.ShareStatusExpired, got.Status)
}

func TestListFiltersByStatus(t *testing.T) {
	p, _ := newTestProtocol(t)
	ctx := context.Background()

	_, err := p.Submit(ctx, ShareInput{
		OrganizationID:  "org-1",
		RequestingAgent: "agent-a",
		TargetAgents:    []agent.AgentType{agent.TypeRiskAssessor},
		ContextType:     sharedctx.TypeEvidence,
		Data:            map[string]interface{}{"a": 1},
		Sensitivity:     sharedctx.SensitivityInternal,
	})
	require.NoError(t, err)
	_, err = p.Submit(ctx, ShareInput{
		OrganizationID:  "org-1",
		RequestingAgent: "agent-a",
		TargetAgents:    []agent.AgentType{agent.TypeRiskAssessor},
		ContextType:     sharedctx.TypeCompliance,
		Data:            map[string]interface{}{"b": 2},
		Sensitivity:     sharedctx.SensitivityConfidential,
	})
	require.NoError(t, err)

	pending, err := p.List(ctx, "org-1", sharedctx.ShareStatusPending)
	require.NoError(t, err)
	assert.Len(t, pending, 1)

	all, err := p.List(ctx, "org-1", "")
	require.NoError(t, err)
	assert.Len(t, all, 2)
}
