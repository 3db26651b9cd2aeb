package domain

// RuleConfig defines an anomaly rule as a CEL expression.
type RuleConfig struct {
	ID          string `json:"id" mapstructure:"id"`
	Name        string `json:"name" mapstructure:"name"`
	Description string `json:"description,omitempty" mapstructure:"description"`

	// CEL expression to evaluate; must return bool
	Expression string `json:"expression" mapstructure:"expression"`

	// Reason reported when the expression is true
	Reason string `json:"reason" mapstructure:"reason"`

	// Whether rule is active
	Enabled bool `json:"enabled" mapstructure:"enabled"`
}

// RuleResult is the output of a rule evaluation.
type RuleResult struct {
	RuleID    string `json:"ruleId"`
	Triggered bool   `json:"triggered"`
	Reason    string `json:"reason,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Reasons returns the reasons of triggered results in evaluation order.
func Reasons(results []RuleResult) []string {
	reasons := make([]string, 0, len(results))
	for _, r := range results {
		if r.Triggered && r.Reason != "" {
			reasons = append(reasons, r.Reason)
		}
	}
	return reasons
}
