package decision

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/opensource-finance/kestrel/internal/domain"
)

func thresholds() domain.Thresholds {
	return domain.DefaultAnomalyConfig().Thresholds
}

func TestSeverity(t *testing.T) {
	th := thresholds()

	tests := []struct {
		name      string
		score     float64
		ruleCount int
		amount    float64
		want      domain.Severity
	}{
		{"QuietNormal", 0.1, 0, 50, domain.SeverityLow},
		{"ScoreMedium", -0.3, 0, 50, domain.SeverityMedium},
		{"ScoreHigh", -0.6, 0, 50, domain.SeverityHigh},
		{"ScoreBoundaryIsNotHigh", -0.5, 0, 50, domain.SeverityMedium},
		{"OneRuleLiftsLow", 0.2, 1, 50, domain.SeverityMedium},
		{"OneRuleKeepsHigh", -0.9, 1, 50, domain.SeverityHigh},
		{"TwoRulesForceHigh", 0.9, 2, 50, domain.SeverityHigh},
		{"ManyRulesForceHigh", 0.9, 4, 50, domain.SeverityHigh},
		{"LargeAmountForcesHigh", 0.9, 0, 10000.01, domain.SeverityHigh},
		{"LargeNegativeAmount", 0.9, 0, -25000, domain.SeverityHigh},
		{"HighAmountBoundary", 0.9, 0, 10000, domain.SeverityMedium},
		{"MediumAmount", 0.9, 0, 7500, domain.SeverityMedium},
		{"MediumAmountBoundary", 0.9, 0, 5000, domain.SeverityLow},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Severity(tt.score, tt.ruleCount, tt.amount, th)
			if got != tt.want {
				t.Errorf("Severity(%v, %d, %v) = %s, want %s", tt.score, tt.ruleCount, tt.amount, got, tt.want)
			}
		})
	}
}

func TestSuggestedAction(t *testing.T) {
	th := thresholds()

	tests := []struct {
		name      string
		mlAnomaly bool
		reasons   []string
		amount    float64
		want      string
	}{
		{"HighAmountReason", false, []string{"High amount: $12,000.00"}, 12000, ActionReviewImmediately},
		{"LargeAmountWithoutReason", true, nil, -15000, ActionReviewImmediately},
		{"MLWithRules", true, []string{"Weekend transaction"}, 40, ActionConfirmWithParty},
		{"MLOnly", true, nil, 40, ActionConfirmDetails},
		{"RulesOnly", false, []string{"New merchant"}, 40, ActionMonitor},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SuggestedAction(tt.mlAnomaly, tt.reasons, tt.amount, th); got != tt.want {
				t.Errorf("SuggestedAction() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestProcessor(t *testing.T) {
	proc := NewProcessor(thresholds())
	tx := domain.TransactionRecord{
		ID:          "tx-001",
		Description: "Wire transfer",
		Merchant:    "Acme",
		Amount:      decimal.NewFromInt(20000),
		Timestamp:   time.Date(2024, 6, 15, 2, 0, 0, 0, time.UTC),
	}

	t.Run("NotAnomalous", func(t *testing.T) {
		rec := proc.Process(&Input{Transaction: tx, MLScore: 0.2})
		if rec != nil {
			t.Fatalf("expected nil record, got %+v", rec)
		}
	})

	t.Run("RuleOnlyHighAmountWeekendNight", func(t *testing.T) {
		reasons := []string{"High amount: $20,000.00", "Round amount: $20,000.00", "Unusual time: 2:00", "Weekend transaction"}
		rec := proc.Process(&Input{Index: 3, Transaction: tx, Reasons: reasons})
		if rec == nil {
			t.Fatal("expected a record")
		}
		if rec.Severity != domain.SeverityHigh {
			t.Errorf("expected high severity, got %s", rec.Severity)
		}
		if rec.SuggestedAction != ActionReviewImmediately {
			t.Errorf("unexpected action %q", rec.SuggestedAction)
		}
		if rec.MLAnomaly {
			t.Error("expected ml anomaly to be false")
		}
		if rec.Index != 3 || rec.TransactionID != "tx-001" {
			t.Errorf("record lost its transaction reference: %+v", rec)
		}
		if len(rec.RuleReasons) != 4 {
			t.Errorf("expected 4 reasons, got %v", rec.RuleReasons)
		}
	})

	t.Run("MLOnly", func(t *testing.T) {
		small := tx
		small.Amount = decimal.NewFromFloat(42.5)
		rec := proc.Process(&Input{Transaction: small, MLScore: -0.3, MLAnomaly: true})
		if rec == nil {
			t.Fatal("expected a record")
		}
		if rec.Severity != domain.SeverityMedium {
			t.Errorf("expected medium severity, got %s", rec.Severity)
		}
		if rec.RuleReasons == nil {
			t.Error("rule reasons should be an empty list, not nil")
		}
		if rec.SuggestedAction != ActionConfirmDetails {
			t.Errorf("unexpected action %q", rec.SuggestedAction)
		}
	})
}
