package rules

import (
	"fmt"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Built-in rule IDs.
const (
	ruleHighAmount      = "high_amount"
	ruleRoundAmount     = "round_amount"
	ruleUnusualTime     = "unusual_time"
	ruleWeekend         = "weekend"
	ruleNewMerchant     = "new_merchant"
	ruleHighFrequency   = "high_frequency"
	ruleIrregularTiming = "irregular_timing"
)

type builtinRule struct {
	config *domain.RuleConfig
	reason func(in *Input) string
}

// builtinRules run first, in this order. The last two only run with batch
// context.
var builtinRules = []builtinRule{
	{
		config: &domain.RuleConfig{
			ID:         ruleHighAmount,
			Name:       "High amount",
			Expression: "abs_amount > high_amount",
			Enabled:    true,
		},
		reason: func(in *Input) string {
			return "High amount: $" + formatMoney(in.Transaction.Amount)
		},
	},
	{
		config: &domain.RuleConfig{
			ID:         ruleRoundAmount,
			Name:       "Round amount",
			Expression: "is_round && abs_amount >= round_floor",
			Enabled:    true,
		},
		reason: func(in *Input) string {
			return "Round amount: $" + formatMoney(in.Transaction.Amount)
		},
	},
	{
		config: &domain.RuleConfig{
			ID:         ruleUnusualTime,
			Name:       "Unusual time",
			Expression: "has_time && (hour < quiet_start || hour > quiet_end)",
			Enabled:    true,
		},
		reason: func(in *Input) string {
			return fmt.Sprintf("Unusual time: %d:00", in.Transaction.Timestamp.Hour())
		},
	},
	{
		config: &domain.RuleConfig{
			ID:         ruleWeekend,
			Name:       "Weekend",
			Expression: "has_time && weekday >= 5",
			Reason:     "Weekend transaction",
			Enabled:    true,
		},
	},
	{
		config: &domain.RuleConfig{
			ID:         ruleNewMerchant,
			Name:       "New merchant",
			Expression: `novelty_marker != "" && merchant.contains(novelty_marker)`,
			Reason:     "New merchant",
			Enabled:    true,
		},
	},
	{
		config: &domain.RuleConfig{
			ID:         ruleHighFrequency,
			Name:       "High frequency merchant",
			Expression: "has_batch && merchant_frequency > frequency_threshold",
			Enabled:    true,
		},
		reason: func(in *Input) string {
			return fmt.Sprintf("High frequency merchant: %d transactions", int(in.Batch.MerchantFrequency))
		},
	},
	{
		config: &domain.RuleConfig{
			ID:         ruleIrregularTiming,
			Name:       "Irregular timing",
			Expression: "has_batch && time_variance > time_variance_threshold",
			Reason:     "Irregular timing for merchant",
			Enabled:    true,
		},
	},
}

// BuiltinRules returns the configurations of the built-in checks.
func BuiltinRules() []*domain.RuleConfig {
	out := make([]*domain.RuleConfig, len(builtinRules))
	for i, b := range builtinRules {
		out[i] = b.config
	}
	return out
}
