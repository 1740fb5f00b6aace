package compliance

import (
	"fmt"
	"time"
)

// Framework is a named compliance framework. The enum is closed at the
// code level; control sets within a framework are injected as data.
type Framework string

const (
	FrameworkSOC2     Framework = "soc2"
	FrameworkISO27001 Framework = "iso27001"
	FrameworkGDPR     Framework = "gdpr"
	FrameworkHIPAA    Framework = "hipaa"
	FrameworkPCIDSS   Framework = "pci-dss"
	FrameworkNISTCSF  Framework = "nist-csf"
)

// ValidFramework reports whether the framework name is known.
func ValidFramework(f Framework) bool {
	switch f {
	case FrameworkSOC2, FrameworkISO27001, FrameworkGDPR, FrameworkHIPAA,
		FrameworkPCIDSS, FrameworkNISTCSF:
		return true
	default:
		return false
	}
}

// Criticality ranks how severe a control gap is.
type Criticality string

const (
	CriticalityCritical Criticality = "critical"
	CriticalityHigh     Criticality = "high"
	CriticalityMedium   Criticality = "medium"
	CriticalityLow      Criticality = "low"
)

// SeverityWeight is the gap-scoring weight for a criticality tier.
func (c Criticality) SeverityWeight() float64 {
	switch c {
	case CriticalityCritical:
		return 4
	case CriticalityHigh:
		return 3
	case CriticalityMedium:
		return 2
	default:
		return 1
	}
}

// Control is one requirement within a framework, injected as reference
// data at startup.
type Control struct {
	ID              string      `json:"id" yaml:"id" validate:"required"`
	Framework       Framework   `json:"framework" yaml:"framework" validate:"required"`
	Name            string      `json:"name" yaml:"name" validate:"required"`
	RequirementText string      `json:"requirement_text" yaml:"requirement_text"`
	Family          string      `json:"family" yaml:"family"`
	Criticality     Criticality `json:"criticality" yaml:"criticality"`
}

// ControlStatus summarizes how well a control is evidenced.
type ControlStatus string

const (
	StatusFullyCompliant     ControlStatus = "fully_compliant"
	StatusMostlyCompliant    ControlStatus = "mostly_compliant"
	StatusPartiallyCompliant ControlStatus = "partially_compliant"
	StatusNonCompliant       ControlStatus = "non_compliant"
	StatusUnknown            ControlStatus = "unknown"
)

// GapKind classifies why a control falls short.
type GapKind string

const (
	GapMissingEvidence GapKind = "missing_evidence"
	GapLowConfidence   GapKind = "low_confidence"
	GapExpiredEvidence GapKind = "expired_evidence"
)

// Gap is one identified shortfall for a control, scored for triage.
type Gap struct {
	ControlID   string      `json:"control_id"`
	Kind        GapKind     `json:"kind"`
	Description string      `json:"description"`
	Criticality Criticality `json:"criticality"`
	EvidenceID  string      `json:"evidence_id,omitempty"`
	Score       float64     `json:"score"`
	DetectedAt  time.Time   `json:"detected_at"`
}

// ControlMetric is the computed per-control compliance measurement.
// Metrics are derived on demand and never stored canonically.
type ControlMetric struct {
	ControlID         string        `json:"control_id"`
	Framework         Framework     `json:"framework"`
	Status            ControlStatus `json:"status"`
	EvidenceCount     int           `json:"evidence_count"`
	VerifiedCount     int           `json:"verified_count"`
	AverageConfidence float64       `json:"average_confidence"`
	CompliancePct     float64       `json:"compliance_pct"`
	Gaps              []Gap         `json:"gaps,omitempty"`
	Recommendations   []string      `json:"recommendations,omitempty"`
}

// Report is the full framework assessment for one organization.
type Report struct {
	OrganizationID string          `json:"organization_id"`
	Framework      Framework       `json:"framework"`
	GeneratedAt    time.Time       `json:"generated_at"`
	OverallScore   float64         `json:"overall_score"`
	RiskScore      float64         `json:"risk_score"`
	Controls       []ControlMetric `json:"controls"`
	TotalEvidence  int             `json:"total_evidence"`
	TotalGaps      int             `json:"total_gaps"`
}

// StatusFor derives the control status from verification rate and
// average confidence thresholds.
func StatusFor(evidenceCount int, verificationRate, avgConfidence float64) ControlStatus {
	if evidenceCount == 0 {
		return StatusUnknown
	}
	switch {
	case verificationRate >= 0.9 && avgConfidence >= 0.8:
		return StatusFullyCompliant
	case verificationRate >= 0.7 && avgConfidence >= 0.7:
		return StatusMostlyCompliant
	case verificationRate >= 0.5 && avgConfidence >= 0.6:
		return StatusPartiallyCompliant
	default:
		return StatusNonCompliant
	}
}

// ValidateControls checks injected control data for shape errors before
// the scoring engine accepts it.
func ValidateControls(controls []Control) error {
	seen := make(map[string]struct{}, len(controls))
	for i, c := range controls {
		if c.ID == "" {
			return fmt.Errorf("control %d: missing ID", i)
		}
		if !ValidFramework(c.Framework) {
			return fmt.Errorf("control %s: unknown framework %q", c.ID, c.Framework)
		}
		key := string(c.Framework) + ":" + c.ID
		if _, dup := seen[key]; dup {
			return fmt.Errorf("control %s: duplicate within framework %s", c.ID, c.Framework)
		}
		seen[key] = struct{}{}
	}
	return nil
}
