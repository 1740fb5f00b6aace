package contextstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/complyon/compliance-agent-backend/internal/domain/agent"
	"github.com/complyon/compliance-agent-backend/internal/domain/sharedctx"
)

func TestEmbedDeterministic(t *testing.T) {
	data := map[string]interface{}{
		"control": "CC6.1",
		"finding": "mfa enforced",
		"score":   0.97,
	}
	a := Embed(data)
	b := Embed(data)
	assert.Equal(t, a, b)
	assert.Len(t, a, embeddingDim)
	assert.InDelta(t, 1.0, Cosine(a, b), 1e-9)
}

func TestEmbedKeyOrderIndependent(t *testing.T) {
	a := Embed(map[string]interface{}{"x": 1, "y": 2, "z": 3})
	b := Embed(map[string]interface{}{"z": 3, "x": 1, "y": 2})
	assert.Equal(t, a, b)
}

func TestEmbedDistinguishesDifferentPayloads(t *testing.T) {
	a := Embed(map[string]interface{}{
		"policy": "all storage buckets must block public access",
		"region": "eu-west-1", "owner": "security", "version": 4,
	})
	b := Embed(map[string]interface{}{
		"runbook": "rotate database credentials quarterly",
		"team":    "platform", "priority": "high", "ticket": "OPS-receiver",
	})
	assert.Less(t, Cosine(a, b), similarityThreshold)
}

func TestCosineEdgeCases(t *testing.T) {
	assert.Equal(t, 0.0, Cosine([]float64{1, 0}, []float64{1}))
	assert.Equal(t, 0.0, Cosine([]float64{0, 0}, []float64{1, 1}))
}

func TestFindSimilarLocatesNearDuplicate(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	payload := map[string]interface{}{
		"lesson":  "questionnaire answers referencing SOC2 CC6 map to access controls",
		"quality": 0.9,
	}
	id, err := store.Put(ctx, sharedctx.NewEntryInput{
		Type:           sharedctx.TypeLearning,
		Scope:          sharedctx.ScopeOrganization,
		Sensitivity:    sharedctx.SensitivityInternal,
		Data:           payload,
		CreatedBy:      "agent-a",
		OrganizationID: "org-1",
	})
	require.NoError(t, err)

	// An identical payload must match; similarity of equal vectors is 1.
	matches, err := store.FindSimilar(ctx, payload, Requester{
		AgentID: "agent-b", AgentType: agent.TypeQuestionnaireProcessor, OrganizationID: "org-1",
	})
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, id, matches[0].ID)
}

func TestFindSimilarIgnoresUnindexedTypes(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	payload := map[string]interface{}{"metric": "cpu", "value": 80}
	_, err := store.Put(ctx, sharedctx.NewEntryInput{
		Type:           sharedctx.TypeMetrics,
		Scope:          sharedctx.ScopeOrganization,
		Sensitivity:    sharedctx.SensitivityInternal,
		Data:           payload,
		CreatedBy:      "agent-a",
		OrganizationID: "org-1",
	})
	require.NoError(t, err)

	matches, err := store.FindSimilar(ctx, payload, collectorReq("agent-b"))
	require.NoError(t, err)
	assert.Empty(t, matches)
}
