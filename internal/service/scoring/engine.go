// Package scoring computes per-framework compliance reports from the
// evidence store: per-control status, weighted overall score, and
// ranked gap analysis.
package scoring

import (
	"context"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	auditdomain "github.com/complyon/compliance-agent-backend/internal/domain/audit"
	"github.com/complyon/compliance-agent-backend/internal/domain/compliance"
	"github.com/complyon/compliance-agent-backend/internal/domain/errors"
	"github.com/complyon/compliance-agent-backend/internal/domain/evidence"
	auditlog "github.com/complyon/compliance-agent-backend/internal/service/audit"
)

// lowConfidenceFloor is the composite confidence under which an item
// counts as a gap.
const lowConfidenceFloor = 0.5

// defaultGapLimit caps gaps reported per control when the caller does
// not set one.
const defaultGapLimit = 5

// EvidenceSource is the read surface the engine needs from the
// evidence store.
type EvidenceSource interface {
	Query(ctx context.Context, filter evidence.Filter) ([]*evidence.Item, error)
}

// Engine derives compliance reports on demand. Control reference data
// is injected at construction and validated once.
type Engine struct {
	controls map[compliance.Framework][]compliance.Control
	source   EvidenceSource
	auditLog *auditlog.Logger
	logger   *zap.Logger
	nowFunc  func() time.Time
}

// NewEngine creates a scoring engine over the given control set.
func NewEngine(controls []compliance.Control, source EvidenceSource, auditLog *auditlog.Logger, logger *zap.Logger) (*Engine, error) {
	if err := compliance.ValidateControls(controls); err != nil {
		return nil, errors.NewValidationError("INVALID_CONTROLS", err.Error())
	}
	if source == nil {
		return nil, errors.NewValidationError("MISSING_SOURCE",
			"an evidence source is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	byFramework := make(map[compliance.Framework][]compliance.Control)
	for _, c := range controls {
		byFramework[c.Framework] = append(byFramework[c.Framework], c)
	}

	return &Engine{
		controls: byFramework,
		source:   source,
		auditLog: auditLog,
		logger:   logger,
		nowFunc:  time.Now,
	}, nil
}

// AssessFramework computes the full report for one organization and
// framework. gapLimit caps reported gaps per control (0 means default).
func (e *Engine) AssessFramework(ctx context.Context, orgID string, framework compliance.Framework, gapLimit int) (*compliance.Report, error) {
	if orgID == "" {
		return nil, errors.NewValidationError("MISSING_ORGANIZATION",
			"organization ID is required")
	}
	controls, ok := e.controls[framework]
	if !ok {
		return nil, errors.NewNotFoundError("framework control set")
	}
	if gapLimit <= 0 {
		gapLimit = defaultGapLimit
	}

	now := e.nowFunc().UTC()
	report := &compliance.Report{
		OrganizationID: orgID,
		Framework:      framework,
		GeneratedAt:    now,
	}

	// Weighted mean accumulators: weight = max(1, evidence_count) x
	// avg_confidence.
	var weightedSum, weightTotal decimal.Decimal

	for _, control := range controls {
		items, err := e.source.Query(ctx, evidence.Filter{
			OrganizationID: orgID,
			Framework:      string(framework),
			ControlID:      control.ID,
		})
		if err != nil {
			return nil, err
		}

		metric := e.assessControl(control, items, gapLimit, now)
		report.Controls = append(report.Controls, metric)
		report.TotalEvidence += metric.EvidenceCount
		report.TotalGaps += len(metric.Gaps)

		weight := decimal.NewFromInt(int64(maxInt(1, metric.EvidenceCount))).
			Mul(decimal.NewFromFloat(metric.AverageConfidence))
		weightedSum = weightedSum.Add(weight.Mul(decimal.NewFromFloat(metric.CompliancePct)))
		weightTotal = weightTotal.Add(weight)
	}

	if weightTotal.IsPositive() {
		overall := weightedSum.Div(weightTotal).Round(2)
		report.OverallScore, _ = overall.Float64()
		risk := decimal.NewFromInt(100).Sub(overall).Round(2)
		report.RiskScore, _ = risk.Float64()
	} else {
		report.OverallScore = 0
		report.RiskScore = 100
	}

	e.logger.Info("compliance assessment completed",
		zap.String("organization", orgID),
		zap.String("framework", string(framework)),
		zap.Float64("overall_score", report.OverallScore),
		zap.Int("gaps", report.TotalGaps))
	e.audit(ctx, report)
	return report, nil
}

// assessControl derives the metric for one control from its evidence.
func (e *Engine) assessControl(control compliance.Control, items []*evidence.Item, gapLimit int, now time.Time) compliance.ControlMetric {
	metric := compliance.ControlMetric{
		ControlID:     control.ID,
		Framework:     control.Framework,
		EvidenceCount: len(items),
	}

	var gaps []compliance.Gap
	if len(items) == 0 {
		metric.Status = compliance.StatusUnknown
		metric.Gaps = []compliance.Gap{{
			ControlID:   control.ID,
			Kind:        compliance.GapMissingEvidence,
			Description: "no evidence collected for this control",
			Criticality: control.Criticality,
			Score:       control.Criticality.SeverityWeight(),
			DetectedAt:  now,
		}}
		metric.Recommendations = []string{
			"schedule evidence collection for " + control.Name,
		}
		return metric
	}

	var confidenceSum decimal.Decimal
	for _, item := range items {
		confidenceSum = confidenceSum.Add(decimal.NewFromFloat(item.ConfidenceScore))
		if item.Status == evidence.StatusVerified {
			metric.VerifiedCount++
		}

		switch {
		case item.Status == evidence.StatusExpired:
			gaps = append(gaps, e.itemGap(control, item,
				compliance.GapExpiredEvidence,
				"evidence expired and needs recollection", now))
		case item.CompositeConfidence() < lowConfidenceFloor &&
			item.Status != evidence.StatusRejected:
			gaps = append(gaps, e.itemGap(control, item,
				compliance.GapLowConfidence,
				"evidence confidence below acceptance floor", now))
		}
	}

	count := decimal.NewFromInt(int64(len(items)))
	avg := confidenceSum.Div(count)
	metric.AverageConfidence, _ = avg.Round(4).Float64()

	rate := decimal.NewFromInt(int64(metric.VerifiedCount)).Div(count)
	verificationRate, _ := rate.Float64()
	metric.CompliancePct, _ = rate.Mul(decimal.NewFromInt(100)).Round(2).Float64()
	metric.Status = compliance.StatusFor(len(items), verificationRate, metric.AverageConfidence)

	sort.Slice(gaps, func(i, j int) bool { return gaps[i].Score > gaps[j].Score })
	if len(gaps) > gapLimit {
		gaps = gaps[:gapLimit]
	}
	metric.Gaps = gaps

	if metric.Status != compliance.StatusFullyCompliant {
		metric.Recommendations = recommendationsFor(metric)
	}
	return metric
}

// itemGap scores an evidence-backed gap: severity weight scaled by how
// recent the item is, so fresh problems rank above stale ones.
func (e *Engine) itemGap(control compliance.Control, item *evidence.Item, kind compliance.GapKind, description string, now time.Time) compliance.Gap {
	return compliance.Gap{
		ControlID:   control.ID,
		Kind:        kind,
		Description: description,
		Criticality: control.Criticality,
		EvidenceID:  item.ID.String(),
		Score:       control.Criticality.SeverityWeight() * recencyWeight(item.CollectedAt, now),
		DetectedAt:  now,
	}
}

// recencyWeight decays linearly from 1.0 to a 0.1 floor over a year.
func recencyWeight(collectedAt, now time.Time) float64 {
	ageDays := now.Sub(collectedAt).Hours() / 24
	weight := 1 - ageDays/365
	if weight < 0.1 {
		return 0.1
	}
	return weight
}

func recommendationsFor(metric compliance.ControlMetric) []string {
	var recs []string
	if metric.VerifiedCount < metric.EvidenceCount {
		recs = append(recs, "verify pending evidence items")
	}
	for _, gap := range metric.Gaps {
		switch gap.Kind {
		case compliance.GapExpiredEvidence:
			recs = append(recs, "recollect expired evidence")
		case compliance.GapLowConfidence:
			recs = append(recs, "supplement low-confidence evidence with machine-captured artifacts")
		}
	}
	return dedupStrings(recs)
}

func dedupStrings(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := in[:0]
	for _, s := range in {
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func (e *Engine) audit(ctx context.Context, report *compliance.Report) {
	if e.auditLog == nil {
		return
	}
	event, err := auditdomain.NewEvent(auditdomain.CategoryCompliance,
		"compliance_assessed", "scoring-engine", auditdomain.ActorSystem,
		string(report.Framework), "assess")
	if err != nil {
		return
	}
	event.WithOrganization(report.OrganizationID).
		WithFrameworks(string(report.Framework)).
		WithCustomerVisible(true).
		WithDetails(map[string]interface{}{
			"overall_score":  report.OverallScore,
			"risk_score":     report.RiskScore,
			"total_evidence": report.TotalEvidence,
			"total_gaps":     report.TotalGaps,
		})
	if err := e.auditLog.Append(ctx, event); err != nil {
		e.logger.Error("failed to append compliance audit event", zap.Error(err))
	}
}
