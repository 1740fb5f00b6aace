package evidence

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/complyon/compliance-agent-backend/internal/domain/errors"
	"github.com/complyon/compliance-agent-backend/internal/domain/evidence"
	"github.com/complyon/compliance-agent-backend/internal/infrastructure/cache"
	"github.com/complyon/compliance-agent-backend/internal/infrastructure/config"
	"github.com/complyon/compliance-agent-backend/internal/infrastructure/integrity"
	"github.com/complyon/compliance-agent-backend/internal/metrics"
)

func newTestStore(t *testing.T) (*Store, cache.Store) {
	t.Helper()
	mr := miniredis.RunT(t)
	logger := zaptest.NewLogger(t)

	backing, err := cache.NewRedisStore(&config.RedisConfig{URL: mr.Addr()}, logger)
	require.NoError(t, err)
	t.Cleanup(func() { backing.Close() })

	sealer := integrity.NewSealer([]byte("evidence-test-key"))
	store, err := NewStore(backing, sealer, nil, metrics.NewNopRegistry(), logger)
	require.NoError(t, err)
	return store, backing
}

func scanResult(source string) Input {
	return Input{
		OrganizationID: "org-1",
		Source:         source,
		Type:           evidence.TypeScanResult,
		Content: map[string]interface{}{
			"check":  "s3-public-access",
			"result": "pass",
			"region": "eu-west-1",
		},
		Confidence: 0.9,
		Framework:  "SOC2",
		ControlID:  "CC6.1",
	}
}

func TestPutGetRoundTrip(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	item, deduped, err := store.Put(ctx, scanResult("cloud-scanner"))
	require.NoError(t, err)
	assert.False(t, deduped)
	assert.NotEmpty(t, item.IntegrityHash)
	assert.Equal(t, evidence.StatusPending, item.Status)
	assert.Equal(t, 10, item.TrustPoints)
	assert.Equal(t, []string{"cloud-scanner"}, item.ProvenanceChain)

	got, err := store.Get(ctx, "org-1", item.ID)
	require.NoError(t, err)
	assert.Equal(t, item.ID, got.ID)
	assert.Equal(t, item.Content["check"], got.Content["check"])
}

func TestIdenticalContentDeduplicates(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	first, deduped, err := store.Put(ctx, scanResult("cloud-scanner"))
	require.NoError(t, err)
	require.False(t, deduped)

	// A second agent submits byte-identical findings.
	second, deduped, err := store.Put(ctx, scanResult("evidence-collector"))
	require.NoError(t, err)
	assert.True(t, deduped)
	assert.Equal(t, first.ID, second.ID)

	// Trust accrues once; both collectors appear in the provenance chain.
	assert.Equal(t, first.TrustPoints, second.TrustPoints)
	assert.ElementsMatch(t, []string{"cloud-scanner", "evidence-collector"},
		second.ProvenanceChain)

	// Resubmitting from a known source does not duplicate provenance.
	third, _, err := store.Put(ctx, scanResult("cloud-scanner"))
	require.NoError(t, err)
	assert.Len(t, third.ProvenanceChain, 2)
}

func TestDifferentContentGetsDistinctItems(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	first, _, err := store.Put(ctx, scanResult("cloud-scanner"))
	require.NoError(t, err)

	in := scanResult("cloud-scanner")
	in.Content["result"] = "fail"
	second, deduped, err := store.Put(ctx, in)
	require.NoError(t, err)
	assert.False(t, deduped)
	assert.NotEqual(t, first.ID, second.ID)
	assert.NotEqual(t, first.IntegrityHash, second.IntegrityHash)
}

func TestSameContentDifferentControlStaysDistinct(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	first, _, err := store.Put(ctx, scanResult("cloud-scanner"))
	require.NoError(t, err)

	// The same finding also satisfies an ISO control; it must not
	// collapse onto the SOC2 item.
	in := scanResult("cloud-scanner")
	in.Framework = "ISO27001"
	in.ControlID = "A.9.4"
	second, deduped, err := store.Put(ctx, in)
	require.NoError(t, err)
	assert.False(t, deduped)
	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, "ISO27001", second.Framework)
	assert.Equal(t, "A.9.4", second.ControlID)

	// Both control indexes resolve their own item.
	items, err := store.Query(ctx, evidence.Filter{
		OrganizationID: "org-1", Framework: "ISO27001", ControlID: "A.9.4",
	})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, second.ID, items[0].ID)

	items, err = store.Query(ctx, evidence.Filter{
		OrganizationID: "org-1", Framework: "SOC2", ControlID: "CC6.1",
	})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, first.ID, items[0].ID)

	// Same content and control under a different evidence type is also
	// its own item.
	in = scanResult("cloud-scanner")
	in.Type = evidence.TypeConfig
	third, deduped, err := store.Put(ctx, in)
	require.NoError(t, err)
	assert.False(t, deduped)
	assert.NotEqual(t, first.ID, third.ID)
}

func TestGetDetectsTampering(t *testing.T) {
	store, backing := newTestStore(t)
	ctx := context.Background()

	item, _, err := store.Put(ctx, scanResult("cloud-scanner"))
	require.NoError(t, err)

	// Rewrite the stored content behind the store's back.
	key := hashKey("org-1", item.IntegrityHash)
	var raw evidence.Item
	require.NoError(t, backing.GetJSON(ctx, key, &raw))
	raw.Content["result"] = "fail"
	require.NoError(t, backing.SetJSON(ctx, key, &raw, 0))

	_, err = store.Get(ctx, "org-1", item.ID)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeIntegrity))
}

func TestGetUnknownItem(t *testing.T) {
	store, _ := newTestStore(t)

	_, err := store.Get(context.Background(), "org-1", uuid.New())
	require.Error(t, err)
	assert.True(t, errors.IsNotFound(err))
}

func TestPutValidation(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	t.Run("missing organization", func(t *testing.T) {
		in := scanResult("cloud-scanner")
		in.OrganizationID = ""
		_, _, err := store.Put(ctx, in)
		require.Error(t, err)
	})

	t.Run("unknown type", func(t *testing.T) {
		in := scanResult("cloud-scanner")
		in.Type = evidence.Type("screenshot")
		_, _, err := store.Put(ctx, in)
		require.Error(t, err)
	})

	t.Run("empty content", func(t *testing.T) {
		in := scanResult("cloud-scanner")
		in.Content = nil
		_, _, err := store.Put(ctx, in)
		require.Error(t, err)
	})

	t.Run("confidence clamped", func(t *testing.T) {
		in := scanResult("cloud-scanner")
		in.Content["check"] = "clamp-case"
		in.Confidence = 1.7
		item, _, err := store.Put(ctx, in)
		require.NoError(t, err)
		assert.Equal(t, 1.0, item.ConfidenceScore)
	})
}

func TestQueryByControl(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	for i, control := range []string{"CC6.1", "CC6.1", "CC7.2"} {
		in := scanResult("cloud-scanner")
		in.ControlID = control
		in.Content["seq"] = i
		_, _, err := store.Put(ctx, in)
		require.NoError(t, err)
	}

	items, err := store.Query(ctx, evidence.Filter{
		OrganizationID: "org-1",
		Framework:      "SOC2",
		ControlID:      "CC6.1",
	})
	require.NoError(t, err)
	assert.Len(t, items, 2)
	for _, item := range items {
		assert.Equal(t, "CC6.1", item.ControlID)
	}
}

func TestQueryNewestFirstWithLimit(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	var last uuid.UUID
	for i := 0; i < 4; i++ {
		in := scanResult("cloud-scanner")
		in.Content["seq"] = i
		item, _, err := store.Put(ctx, in)
		require.NoError(t, err)
		last = item.ID
		time.Sleep(2 * time.Millisecond)
	}

	items, err := store.Query(ctx, evidence.Filter{OrganizationID: "org-1", Limit: 2})
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, last, items[0].ID)
}

func TestQueryRequiresOrganization(t *testing.T) {
	store, _ := newTestStore(t)

	_, err := store.Query(context.Background(), evidence.Filter{})
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))
}

func TestQueryScopedToOrganization(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	_, _, err := store.Put(ctx, scanResult("cloud-scanner"))
	require.NoError(t, err)

	other := scanResult("cloud-scanner")
	other.OrganizationID = "org-2"
	_, _, err = store.Put(ctx, other)
	require.NoError(t, err)

	items, err := store.Query(ctx, evidence.Filter{OrganizationID: "org-2"})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "org-2", items[0].OrganizationID)
}

func TestSetStatusLifecycle(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	item, _, err := store.Put(ctx, scanResult("cloud-scanner"))
	require.NoError(t, err)

	verified, err := store.SetStatus(ctx, "org-1", item.ID, evidence.StatusVerified, "auditor-agent")
	require.NoError(t, err)
	assert.Equal(t, evidence.StatusVerified, verified.Status)

	// Status survives a reload and lifts the composite confidence.
	got, err := store.Get(ctx, "org-1", item.ID)
	require.NoError(t, err)
	assert.Equal(t, evidence.StatusVerified, got.Status)
	assert.Greater(t, got.CompositeConfidence(), item.CompositeConfidence())

	_, err = store.SetStatus(ctx, "org-1", item.ID, evidence.StatusPending, "auditor-agent")
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))
}

func TestExpireSweep(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	shortLived := scanResult("cloud-scanner")
	shortLived.TTL = time.Nanosecond
	expiring, _, err := store.Put(ctx, shortLived)
	require.NoError(t, err)

	durable := scanResult("cloud-scanner")
	durable.Content["check"] = "mfa-enforced"
	kept, _, err := store.Put(ctx, durable)
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	expired, err := store.ExpireSweep(ctx, "org-1")
	require.NoError(t, err)
	assert.Equal(t, 1, expired)

	got, err := store.Get(ctx, "org-1", expiring.ID)
	require.NoError(t, err)
	assert.Equal(t, evidence.StatusExpired, got.Status)
	assert.InDelta(t, 0.9*1.0*0.3, got.CompositeConfidence(), 1e-9)

	keptItem, err := store.Get(ctx, "org-1", kept.ID)
	require.NoError(t, err)
	assert.Equal(t, evidence.StatusPending, keptItem.Status)

	// Sweeping again is a no-op.
	expired, err = store.ExpireSweep(ctx, "org-1")
	require.NoError(t, err)
	assert.Equal(t, 0, expired)
}
