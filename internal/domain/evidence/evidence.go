package evidence

import (
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/complyon/compliance-agent-backend/internal/domain/errors"
)

// Type classifies what kind of artifact an evidence item carries.
type Type string

const (
	TypeSnapshot    Type = "snapshot"
	TypeAPIResponse Type = "api-response"
	TypeConfig      Type = "config"
	TypeLog         Type = "log"
	TypePolicy      Type = "policy"
	TypeScanResult  Type = "scan-result"
	TypeQuestion    Type = "question"
	TypeAnswer      Type = "answer"
	TypeReport      Type = "report"
)

func validateType(t Type) error {
	switch t {
	case TypeSnapshot, TypeAPIResponse, TypeConfig, TypeLog, TypePolicy,
		TypeScanResult, TypeQuestion, TypeAnswer, TypeReport:
		return nil
	default:
		return fmt.Errorf("unknown evidence type: %s", t)
	}
}

// typeWeights bias composite confidence by how tamper-resistant the
// evidence class is. Machine-captured artifacts score higher than
// human-supplied answers.
var typeWeights = map[Type]float64{
	TypeSnapshot:    1.0,
	TypeAPIResponse: 1.0,
	TypeScanResult:  1.0,
	TypeConfig:      0.9,
	TypeLog:         0.9,
	TypePolicy:      0.8,
	TypeReport:      0.8,
	TypeQuestion:    0.6,
	TypeAnswer:      0.6,
}

// Status is the verification lifecycle of an evidence item.
type Status string

const (
	StatusPending  Status = "pending"
	StatusVerified Status = "verified"
	StatusRejected Status = "rejected"
	StatusExpired  Status = "expired"
)

var statusMultipliers = map[Status]float64{
	StatusVerified: 1.0,
	StatusPending:  0.7,
	StatusExpired:  0.3,
	StatusRejected: 0.0,
}

// Item is an immutable, integrity-sealed compliance artifact. Once
// stored it is never mutated in place; status changes produce a new
// persisted revision under the same integrity hash.
type Item struct {
	ID              uuid.UUID              `json:"id"`
	OrganizationID  string                 `json:"organization_id"`
	Source          string                 `json:"source"`
	Type            Type                   `json:"type"`
	Content         map[string]interface{} `json:"content"`
	ConfidenceScore float64                `json:"confidence_score"`
	TrustPoints     int                    `json:"trust_points"`
	Framework       string                 `json:"framework"`
	ControlID       string                 `json:"control_id"`
	CollectedAt     time.Time              `json:"collected_at"`
	ExpiresAt       time.Time              `json:"expires_at,omitempty"`
	Status          Status                 `json:"status"`
	IntegrityHash   string                 `json:"integrity_hash"`
	ProvenanceChain []string               `json:"provenance_chain"`
}

// New validates and creates a pending evidence item. The integrity hash
// is computed by the store at write time, not here.
func New(orgID, source string, evType Type, content map[string]interface{}, confidence float64, framework, controlID string) (*Item, error) {
	if orgID == "" {
		return nil, errors.NewValidationError("MISSING_ORGANIZATION",
			"organization ID is required")
	}
	if source == "" {
		return nil, errors.NewValidationError("MISSING_SOURCE",
			"evidence source agent is required")
	}
	if err := validateType(evType); err != nil {
		return nil, errors.NewValidationError("INVALID_EVIDENCE_TYPE",
			"evidence type must be valid").WithCause(err)
	}
	if len(content) == 0 {
		return nil, errors.NewValidationError("EMPTY_CONTENT",
			"evidence content is required")
	}
	if framework == "" || controlID == "" {
		return nil, errors.NewValidationError("MISSING_CONTROL_REF",
			"framework and control ID are required")
	}

	return &Item{
		ID:              uuid.New(),
		OrganizationID:  orgID,
		Source:          source,
		Type:            evType,
		Content:         content,
		ConfidenceScore: ClampConfidence(confidence),
		Framework:       framework,
		ControlID:       controlID,
		CollectedAt:     time.Now().UTC(),
		Status:          StatusPending,
		ProvenanceChain: []string{source},
	}, nil
}

// ClampConfidence bounds a producer-supplied confidence score to [0, 1].
func ClampConfidence(score float64) float64 {
	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}

// CompositeConfidence weights the raw confidence by evidence type and
// verification status, used by the scoring engine.
func (i *Item) CompositeConfidence() float64 {
	weight, ok := typeWeights[i.Type]
	if !ok {
		weight = 0.5
	}
	return i.ConfidenceScore * weight * statusMultipliers[i.Status]
}

// BaseTrustPoints is the posture contribution of a newly stored item,
// scaled by the type weight. Deduplicated writes never add points.
func (i *Item) BaseTrustPoints() int {
	weight, ok := typeWeights[i.Type]
	if !ok {
		weight = 0.5
	}
	return int(math.Round(10 * weight))
}

// Expired reports whether the item's validity window has passed.
func (i *Item) Expired(now time.Time) bool {
	return !i.ExpiresAt.IsZero() && now.After(i.ExpiresAt)
}

// Clone returns a deep copy of the item.
func (i *Item) Clone() *Item {
	clone := *i
	clone.Content = make(map[string]interface{}, len(i.Content))
	for k, v := range i.Content {
		clone.Content[k] = v
	}
	clone.ProvenanceChain = make([]string, len(i.ProvenanceChain))
	copy(clone.ProvenanceChain, i.ProvenanceChain)
	return &clone
}

// Filter selects evidence items on indexed fields and time range.
type Filter struct {
	OrganizationID string    `json:"organization_id"`
	Framework      string    `json:"framework,omitempty"`
	ControlID      string    `json:"control_id,omitempty"`
	Type           Type      `json:"type,omitempty"`
	Status         Status    `json:"status,omitempty"`
	Source         string    `json:"source,omitempty"`
	CollectedAfter time.Time `json:"collected_after,omitempty"`
	CollectedUntil time.Time `json:"collected_until,omitempty"`
	Limit          int       `json:"limit,omitempty"`
}

// Matches reports whether the item satisfies every set filter field.
func (f Filter) Matches(i *Item) bool {
	if f.OrganizationID != "" && i.OrganizationID != f.OrganizationID {
		return false
	}
	if f.Framework != "" && i.Framework != f.Framework {
		return false
	}
	if f.ControlID != "" && i.ControlID != f.ControlID {
		return false
	}
	if f.Type != "" && i.Type != f.Type {
		return false
	}
	if f.Status != "" && i.Status != f.Status {
		return false
	}
	if f.Source != "" && i.Source != f.Source {
		return false
	}
	if !f.CollectedAfter.IsZero() && i.CollectedAt.Before(f.CollectedAfter) {
		return false
	}
	if !f.CollectedUntil.IsZero() && i.CollectedAt.After(f.CollectedUntil) {
		return false
	}
	return true
}
