// Package rules provides the CEL-Go based anomaly rule engine.
package rules

import (
	"context"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/features"
)

// Engine evaluates the built-in checks followed by operator rules, in
// order, without short-circuiting.
type Engine struct {
	mu      sync.RWMutex
	env     *cel.Env
	builtin []*CompiledRule
	custom  []*CompiledRule
	logger  *zap.Logger
}

// CompiledRule holds a pre-compiled CEL program.
type CompiledRule struct {
	Config  *domain.RuleConfig
	Program cel.Program

	// reason renders the reason of a triggered rule; nil uses Config.Reason.
	reason func(in *Input) string
}

// Input is one transaction with the thresholds in force. Batch is set only
// when batch-context rules are enabled.
type Input struct {
	Transaction domain.TransactionRecord
	Thresholds  domain.Thresholds
	Batch       *features.BatchContext
}

// NewEngine creates a rule engine with the built-in checks compiled.
func NewEngine(logger *zap.Logger) (*Engine, error) {
	if logger == nil {
		logger = zap.L()
	}

	env, err := cel.NewEnv(
		cel.Variable("amount", cel.DoubleType),
		cel.Variable("abs_amount", cel.DoubleType),
		cel.Variable("is_round", cel.BoolType),
		cel.Variable("high_amount", cel.DoubleType),
		cel.Variable("round_floor", cel.DoubleType),
		cel.Variable("has_time", cel.BoolType),
		cel.Variable("hour", cel.IntType),
		cel.Variable("weekday", cel.IntType),
		cel.Variable("quiet_start", cel.IntType),
		cel.Variable("quiet_end", cel.IntType),
		cel.Variable("merchant", cel.StringType),
		cel.Variable("description", cel.StringType),
		cel.Variable("category", cel.StringType),
		cel.Variable("novelty_marker", cel.StringType),
		cel.Variable("has_batch", cel.BoolType),
		cel.Variable("merchant_frequency", cel.DoubleType),
		cel.Variable("time_variance", cel.DoubleType),
		cel.Variable("frequency_threshold", cel.DoubleType),
		cel.Variable("time_variance_threshold", cel.DoubleType),
	)
	if err != nil {
		return nil, eris.Wrap(err, "rules: create CEL environment")
	}

	e := &Engine{env: env, logger: logger.Named("rules")}
	for _, b := range builtinRules {
		compiled, err := e.compileRule(b.config)
		if err != nil {
			return nil, err
		}
		compiled.reason = b.reason
		e.builtin = append(e.builtin, compiled)
	}
	return e, nil
}

// ValidateRule compiles a rule without loading it.
func (e *Engine) ValidateRule(cfg *domain.RuleConfig) error {
	if cfg == nil {
		return eris.New("rules: rule config is required")
	}
	_, err := e.compileRule(cfg)
	return err
}

// LoadRule compiles and appends an operator rule. A rule with the same ID
// is replaced in place.
func (e *Engine) LoadRule(cfg *domain.RuleConfig) error {
	compiled, err := e.compileRule(cfg)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	for i, r := range e.custom {
		if r.Config.ID == cfg.ID {
			e.custom[i] = compiled
			return nil
		}
	}
	e.custom = append(e.custom, compiled)
	return nil
}

// LoadRules loads the enabled rules of configs in order.
func (e *Engine) LoadRules(configs []*domain.RuleConfig) error {
	for _, cfg := range configs {
		if cfg.Enabled {
			if err := e.LoadRule(cfg); err != nil {
				return err
			}
		}
	}
	return nil
}

// ReloadRules replaces every operator rule. On a compile error the loaded
// set is left unchanged.
func (e *Engine) ReloadRules(configs []*domain.RuleConfig) error {
	next := make([]*CompiledRule, 0, len(configs))
	for _, cfg := range configs {
		if !cfg.Enabled {
			continue
		}
		compiled, err := e.compileRule(cfg)
		if err != nil {
			return err
		}
		next = append(next, compiled)
	}

	e.mu.Lock()
	e.custom = next
	e.mu.Unlock()
	return nil
}

// RulesCount returns the number of built-in and operator rules.
func (e *Engine) RulesCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.builtin) + len(e.custom)
}

// GetLoadedRules returns every rule configuration in evaluation order.
func (e *Engine) GetLoadedRules() []*domain.RuleConfig {
	e.mu.RLock()
	defer e.mu.RUnlock()

	rules := make([]*domain.RuleConfig, 0, len(e.builtin)+len(e.custom))
	for _, r := range e.builtin {
		rules = append(rules, r.Config)
	}
	for _, r := range e.custom {
		rules = append(rules, r.Config)
	}
	return rules
}

// Evaluate runs every applicable rule in order. A failing rule is logged
// and reported in its result; the others still run.
func (e *Engine) Evaluate(ctx context.Context, in *Input) []domain.RuleResult {
	e.mu.RLock()
	rules := make([]*CompiledRule, 0, len(e.builtin)+len(e.custom))
	rules = append(rules, e.builtin...)
	rules = append(rules, e.custom...)
	e.mu.RUnlock()

	activation := activationFor(in)
	results := make([]domain.RuleResult, 0, len(rules))
	for _, r := range rules {
		if r.Config.ID == ruleHighFrequency || r.Config.ID == ruleIrregularTiming {
			if in.Batch == nil {
				continue
			}
		}
		results = append(results, e.evaluateRule(ctx, r, activation, in))
	}
	return results
}

// Reasons returns the reasons of the triggered rules in evaluation order.
func (e *Engine) Reasons(ctx context.Context, in *Input) []string {
	return domain.Reasons(e.Evaluate(ctx, in))
}

// Close drops every operator rule.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.custom = nil
	return nil
}

func (e *Engine) evaluateRule(ctx context.Context, rule *CompiledRule, activation map[string]any, in *Input) domain.RuleResult {
	result := domain.RuleResult{RuleID: rule.Config.ID}

	out, _, err := rule.Program.ContextEval(ctx, activation)
	if err != nil {
		e.logger.Warn("rule evaluation failed",
			zap.String("rule_id", rule.Config.ID),
			zap.String("transaction_id", in.Transaction.ID),
			zap.Error(err),
		)
		result.Error = err.Error()
		return result
	}

	if b, ok := out.(types.Bool); ok && bool(b) {
		result.Triggered = true
		if rule.reason != nil {
			result.Reason = rule.reason(in)
		} else {
			result.Reason = rule.Config.Reason
		}
	}
	return result
}

func (e *Engine) compileRule(cfg *domain.RuleConfig) (*CompiledRule, error) {
	ast, issues := e.env.Compile(cfg.Expression)
	if issues != nil && issues.Err() != nil {
		return nil, eris.Wrapf(issues.Err(), "rules: compile rule %s", cfg.ID)
	}

	if !ast.OutputType().IsExactType(cel.BoolType) {
		return nil, eris.Errorf("rules: rule %s must return bool, got %s", cfg.ID, ast.OutputType())
	}

	program, err := e.env.Program(ast)
	if err != nil {
		return nil, eris.Wrapf(err, "rules: create program for rule %s", cfg.ID)
	}

	return &CompiledRule{Config: cfg, Program: program}, nil
}

func activationFor(in *Input) map[string]any {
	tx := in.Transaction
	th := in.Thresholds

	isRound := false
	if th.RoundAmountUnit > 0 {
		isRound = tx.Amount.Mod(decimal.NewFromFloat(th.RoundAmountUnit)).IsZero()
	}

	var hour, weekday int64
	if tx.HasTimestamp() {
		hour = int64(tx.Timestamp.Hour())
		weekday = int64(features.DayOfWeek(tx))
	}

	activation := map[string]any{
		"amount":                  tx.Amount.InexactFloat64(),
		"abs_amount":              tx.AbsAmount(),
		"is_round":                isRound,
		"high_amount":             th.HighAmount,
		"round_floor":             th.RoundAmountFloor,
		"has_time":                tx.HasTimestamp(),
		"hour":                    hour,
		"weekday":                 weekday,
		"quiet_start":             int64(th.QuietHourStart),
		"quiet_end":               int64(th.QuietHourEnd),
		"merchant":                strings.ToLower(tx.Merchant),
		"description":             strings.ToLower(tx.Description),
		"category":                tx.Category,
		"novelty_marker":          strings.ToLower(th.NoveltyMarker),
		"has_batch":               in.Batch != nil,
		"merchant_frequency":      0.0,
		"time_variance":           0.0,
		"frequency_threshold":     th.FrequencyThreshold,
		"time_variance_threshold": th.TimeVarianceThreshold,
	}
	if in.Batch != nil {
		activation["merchant_frequency"] = in.Batch.MerchantFrequency
		activation["time_variance"] = in.Batch.TimeVariance
	}
	return activation
}

// formatMoney renders an amount as 20,000.00.
func formatMoney(d decimal.Decimal) string {
	return message.NewPrinter(language.English).Sprintf("%.2f", d.InexactFloat64())
}

