// Package decision merges outlier scores, rule reasons, and amounts into a
// severity and a suggested action for each flagged transaction.
package decision

import (
	"strings"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Score cut-offs for the base severity.
const (
	HighScore   = -0.5
	MediumScore = -0.2
)

// Suggested actions, highest priority first.
const (
	ActionReviewImmediately = "Review immediately and verify with documentation"
	ActionConfirmWithParty  = "Review and confirm with transaction party"
	ActionConfirmDetails    = "Review categorization and confirm details"
	ActionMonitor           = "Monitor and review if pattern continues"
)

// highAmountMarker prefixes the reason emitted by the high amount rule.
const highAmountMarker = "High amount"

// Severity grades an anomaly from its ML score, the number of rule hits,
// and the amount. The amount escalation is applied last.
func Severity(mlScore float64, ruleCount int, amount float64, t domain.Thresholds) domain.Severity {
	sev := domain.SeverityLow
	switch {
	case mlScore < HighScore:
		sev = domain.SeverityHigh
	case mlScore < MediumScore:
		sev = domain.SeverityMedium
	}

	if ruleCount >= 2 {
		sev = domain.SeverityHigh
	} else if ruleCount == 1 && sev == domain.SeverityLow {
		sev = domain.SeverityMedium
	}

	abs := amount
	if abs < 0 {
		abs = -abs
	}
	if abs > t.HighAmount {
		sev = domain.SeverityHigh
	} else if abs > t.MediumAmount && sev != domain.SeverityHigh {
		sev = domain.SeverityMedium
	}
	return sev
}

// SuggestedAction picks the follow-up for an anomaly.
func SuggestedAction(mlAnomaly bool, reasons []string, amount float64, t domain.Thresholds) string {
	abs := amount
	if abs < 0 {
		abs = -abs
	}
	switch {
	case hasHighAmountReason(reasons) || abs > t.HighAmount:
		return ActionReviewImmediately
	case mlAnomaly && len(reasons) > 0:
		return ActionConfirmWithParty
	case mlAnomaly:
		return ActionConfirmDetails
	default:
		return ActionMonitor
	}
}

func hasHighAmountReason(reasons []string) bool {
	for _, r := range reasons {
		if strings.Contains(r, highAmountMarker) {
			return true
		}
	}
	return false
}

// Processor turns per-transaction signals into anomaly records.
type Processor struct {
	Thresholds domain.Thresholds
}

// NewProcessor creates a processor using the given thresholds.
func NewProcessor(t domain.Thresholds) *Processor {
	return &Processor{Thresholds: t}
}

// Input carries everything known about one transaction in a detection run.
type Input struct {
	Index       int
	Transaction domain.TransactionRecord
	MLScore     float64
	MLAnomaly   bool
	Reasons     []string
	RiskFactors map[string]float64
}

// IsAnomaly reports whether the ML label or any rule flagged the input.
func IsAnomaly(in *Input) bool {
	return in.MLAnomaly || len(in.Reasons) > 0
}

// Process returns the anomaly record for in, or nil when neither the model
// nor the rules flagged it.
func (p *Processor) Process(in *Input) *domain.AnomalyRecord {
	if !IsAnomaly(in) {
		return nil
	}

	tx := in.Transaction
	amount := tx.Amount.InexactFloat64()
	reasons := in.Reasons
	if reasons == nil {
		reasons = []string{}
	}

	return &domain.AnomalyRecord{
		TransactionID:   tx.ID,
		Index:           in.Index,
		Amount:          tx.Amount,
		Description:     tx.Description,
		Merchant:        tx.Merchant,
		Timestamp:       tx.Timestamp,
		MLScore:         in.MLScore,
		MLAnomaly:       in.MLAnomaly,
		RuleReasons:     reasons,
		Severity:        Severity(in.MLScore, len(in.Reasons), amount, p.Thresholds),
		SuggestedAction: SuggestedAction(in.MLAnomaly, in.Reasons, amount, p.Thresholds),
		RiskFactors:     in.RiskFactors,
	}
}
