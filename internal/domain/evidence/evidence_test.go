package evidence

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newItem(t *testing.T, evType Type, confidence float64) *Item {
	t.Helper()
	item, err := New("org-1", "cloud-scanner", evType,
		map[string]interface{}{"check": "mfa", "result": "pass"},
		confidence, "SOC2", "CC6.1")
	require.NoError(t, err)
	return item
}

func TestNewClampsConfidence(t *testing.T) {
	assert.Equal(t, 1.0, newItem(t, TypeScanResult, 4.2).ConfidenceScore)
	assert.Equal(t, 0.0, newItem(t, TypeScanResult, -1).ConfidenceScore)
	assert.Equal(t, 0.75, newItem(t, TypeScanResult, 0.75).ConfidenceScore)
}

func TestCompositeConfidence(t *testing.T) {
	item := newItem(t, TypeScanResult, 0.9)

	// Pending scan result: 0.9 * 1.0 * 0.7.
	assert.InDelta(t, 0.63, item.CompositeConfidence(), 1e-9)

	item.Status = StatusVerified
	assert.InDelta(t, 0.9, item.CompositeConfidence(), 1e-9)

	item.Status = StatusExpired
	assert.InDelta(t, 0.27, item.CompositeConfidence(), 1e-9)

	item.Status = StatusRejected
	assert.Zero(t, item.CompositeConfidence())

	// Human-supplied answers carry the lowest type weight.
	answer := newItem(t, TypeAnswer, 0.9)
	answer.Status = StatusVerified
	assert.InDelta(t, 0.54, answer.CompositeConfidence(), 1e-9)
}

func TestBaseTrustPoints(t *testing.T) {
	assert.Equal(t, 10, newItem(t, TypeSnapshot, 0.9).BaseTrustPoints())
	assert.Equal(t, 9, newItem(t, TypeConfig, 0.9).BaseTrustPoints())
	assert.Equal(t, 8, newItem(t, TypePolicy, 0.9).BaseTrustPoints())
	assert.Equal(t, 6, newItem(t, TypeAnswer, 0.9).BaseTrustPoints())
}

func TestExpired(t *testing.T) {
	item := newItem(t, TypeScanResult, 0.9)
	now := time.Now().UTC()

	// No expiry window means durable.
	assert.False(t, item.Expired(now))

	item.ExpiresAt = now.Add(-time.Minute)
	assert.True(t, item.Expired(now))
	item.ExpiresAt = now.Add(time.Minute)
	assert.False(t, item.Expired(now))
}

func TestFilterMatches(t *testing.T) {
	item := newItem(t, TypeScanResult, 0.9)

	assert.True(t, Filter{}.Matches(item))
	assert.True(t, Filter{OrganizationID: "org-1", Framework: "SOC2", ControlID: "CC6.1"}.Matches(item))
	assert.False(t, Filter{OrganizationID: "org-2"}.Matches(item))
	assert.False(t, Filter{Type: TypePolicy}.Matches(item))
	assert.False(t, Filter{Status: StatusVerified}.Matches(item))
	assert.False(t, Filter{Source: "other-agent"}.Matches(item))
	assert.False(t, Filter{CollectedAfter: item.CollectedAt.Add(time.Hour)}.Matches(item))
	assert.False(t, Filter{CollectedUntil: item.CollectedAt.Add(-time.Hour)}.Matches(item))
}

func TestNewValidation(t *testing.T) {
	content := map[string]interface{}{"k": "v"}
	cases := map[string]func() error{
		"missing org": func() error {
			_, err := New("", "src", TypeLog, content, 0.5, "SOC2", "CC6.1")
			return err
		},
		"missing source": func() error {
			_, err := New("org-1", "", TypeLog, content, 0.5, "SOC2", "CC6.1")
			return err
		},
		"unknown type": func() error {
			_, err := New("org-1", "src", "screenshot", content, 0.5, "SOC2", "CC6.1")
			return err
		},
		"empty content": func() error {
			_, err := New("org-1", "src", TypeLog, nil, 0.5, "SOC2", "CC6.1")
			return err
		},
		"missing control ref": func() error {
			_, err := New("org-1", "src", TypeLog, content, 0.5, "", "")
			return err
		},
	}
	for name, fn := range cases {
		t.Run(name, func(t *testing.T) {
			require.Error(t, fn())
		})
	}
}

func TestCloneIsDeep(t *testing.T) {
	item := newItem(t, TypeScanResult, 0.9)
	clone := item.Clone()
	clone.Content["check"] = "tampered"
	clone.ProvenanceChain[0] = "other"

	assert.Equal(t, "mfa", item.Content["check"])
	assert.Equal(t, "cloud-scanner", item.ProvenanceChain[0])
}
