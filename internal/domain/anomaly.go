package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Severity is the ordinal urgency of a detected anomaly.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// Rank orders severities: low < medium < high.
func (s Severity) Rank() int {
	switch s {
	case SeverityHigh:
		return 2
	case SeverityMedium:
		return 1
	default:
		return 0
	}
}

// AnomalyRecord describes one flagged transaction in a detection run.
type AnomalyRecord struct {
	TransactionID   string             `json:"transactionId"`
	Index           int                `json:"index"`
	Amount          decimal.Decimal    `json:"amount"`
	Description     string             `json:"description"`
	Merchant        string             `json:"merchant,omitempty"`
	Timestamp       time.Time          `json:"timestamp"`
	MLScore         float64            `json:"mlScore"`
	MLAnomaly       bool               `json:"mlAnomaly"`
	RuleReasons     []string           `json:"ruleReasons"`
	Severity        Severity           `json:"severity"`
	SuggestedAction string             `json:"suggestedAction"`
	RiskFactors     map[string]float64 `json:"riskFactors,omitempty"`
}

// AnomalyReport is the ranked output of one detection run.
type AnomalyReport struct {
	ID             string          `json:"id"`
	UserID         string          `json:"userId"`
	GeneratedAt    time.Time       `json:"generatedAt"`
	BatchSize      int             `json:"batchSize"`
	ModelAvailable bool            `json:"modelAvailable"`
	ModelVersion   string          `json:"modelVersion,omitempty"`
	Anomalies      []AnomalyRecord `json:"anomalies"`
}

// Thresholds holds the anomaly rule and severity limits.
type Thresholds struct {
	HighAmount            float64 `json:"high_amount" mapstructure:"high_amount"`
	MediumAmount          float64 `json:"medium_amount" mapstructure:"medium_amount"`
	RoundAmountUnit       float64 `json:"round_amount_unit" mapstructure:"round_amount_unit"`
	RoundAmountFloor      float64 `json:"round_amount_floor" mapstructure:"round_amount_floor"`
	QuietHourStart        int     `json:"quiet_hour_start" mapstructure:"quiet_hour_start"`
	QuietHourEnd          int     `json:"quiet_hour_end" mapstructure:"quiet_hour_end"`
	NoveltyMarker         string  `json:"novelty_marker" mapstructure:"novelty_marker"`
	FrequencyThreshold    float64 `json:"frequency_threshold" mapstructure:"frequency_threshold"`
	TimeVarianceThreshold float64 `json:"time_variance_threshold" mapstructure:"time_variance_threshold"`
}

// AnomalyConfig is the feature, threshold and weight configuration that
// travels with a trained artifact set.
type AnomalyConfig struct {
	Contamination float64            `json:"contamination" mapstructure:"contamination"`
	Features      []string           `json:"features" mapstructure:"features"`
	Thresholds    Thresholds         `json:"thresholds" mapstructure:"thresholds"`
	Weights       map[string]float64 `json:"weights" mapstructure:"weights"`
	BatchRules    bool               `json:"batch_rules" mapstructure:"batch_rules"`
	HistoryWindow time.Duration      `json:"history_window" mapstructure:"history_window"`
	RandomSeed    uint64             `json:"random_seed" mapstructure:"random_seed"`
}

// Feature names understood by the feature builder.
const (
	FeatureAmount            = "amount"
	FeatureAmountLog         = "amount_log"
	FeatureAmountZScore      = "amount_zscore"
	FeatureHour              = "hour"
	FeatureDayOfWeek         = "day_of_week"
	FeatureMerchantFrequency = "merchant_frequency"
	FeatureCategoryFrequency = "category_frequency"
	FeatureTimeVariance      = "time_variance"
	FeatureWeekend           = "weekend"
	FeatureBusinessHours     = "business_hours"
)

// DefaultAnomalyConfig returns the stock detection configuration.
func DefaultAnomalyConfig() AnomalyConfig {
	return AnomalyConfig{
		Contamination: 0.1,
		Features: []string{
			FeatureAmountLog,
			FeatureAmountZScore,
			FeatureHour,
			FeatureDayOfWeek,
			FeatureMerchantFrequency,
			FeatureCategoryFrequency,
			FeatureTimeVariance,
			FeatureWeekend,
			FeatureBusinessHours,
		},
		Thresholds: Thresholds{
			HighAmount:            10000,
			MediumAmount:          5000,
			RoundAmountUnit:       1000,
			RoundAmountFloor:      5000,
			QuietHourStart:        5,
			QuietHourEnd:          22,
			NoveltyMarker:         "new",
			FrequencyThreshold:    10,
			TimeVarianceThreshold: 3,
		},
		Weights: map[string]float64{
			"amount":    0.4,
			"time":      0.3,
			"frequency": 0.2,
			"pattern":   0.1,
		},
		HistoryWindow: 90 * 24 * time.Hour,
		RandomSeed:    42,
	}
}

// Clone returns a copy that shares no slice or map with c.
func (c AnomalyConfig) Clone() AnomalyConfig {
	out := c
	if c.Features != nil {
		out.Features = append([]string(nil), c.Features...)
	}
	if c.Weights != nil {
		out.Weights = make(map[string]float64, len(c.Weights))
		for k, v := range c.Weights {
			out.Weights[k] = v
		}
	}
	return out
}
