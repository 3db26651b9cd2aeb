package consensus

import "github.com/opensource-finance/kestrel/internal/domain"

// DefaultWeight applies to producers missing from the weight table.
const DefaultWeight = 0.1

// Weights maps producer names to voting weights. Weights need not sum to 1.
type Weights struct {
	Table   map[string]float64
	Default float64
}

// NewWeights builds a weight table from config, falling back to the stock
// table when none is configured.
func NewWeights(cfg domain.ConsensusConfig) Weights {
	table := domain.DefaultWeights()
	for name, w := range cfg.Weights {
		table[name] = w
	}
	def := cfg.DefaultWeight
	if def <= 0 {
		def = DefaultWeight
	}
	return Weights{Table: table, Default: def}
}

// Of returns the weight of producer. Non-positive weights fall back to the
// default.
func (w Weights) Of(producer string) float64 {
	if v, ok := w.Table[producer]; ok && v > 0 {
		return v
	}
	if w.Default > 0 {
		return w.Default
	}
	return DefaultWeight
}

// Vote reduces votes to one category and a confidence in [0,1].
//
// Each vote adds confidence × weight to its category. The highest score
// wins; ties go to the category seen first in vote order. Confidence is the
// winner's share of the total score, except that a lone vote keeps its own
// confidence. No votes yields uncategorized with 0.
func Vote(votes []domain.ClassificationVote, weights Weights) (string, float64) {
	if len(votes) == 0 {
		return domain.CategoryUncategorized, 0
	}

	scores := make(map[string]float64, len(votes))
	order := make([]string, 0, len(votes))
	for _, v := range votes {
		if v.Category == "" {
			continue
		}
		if _, seen := scores[v.Category]; !seen {
			order = append(order, v.Category)
		}
		scores[v.Category] += v.Confidence * weights.Of(v.Producer)
	}
	if len(order) == 0 {
		return domain.CategoryUncategorized, 0
	}

	best := order[0]
	var total float64
	for _, c := range order {
		total += scores[c]
		if scores[c] > scores[best] {
			best = c
		}
	}

	if len(votes) == 1 {
		return best, clamp01(votes[0].Confidence)
	}
	if total <= 0 {
		return best, 0
	}
	return best, clamp01(scores[best] / total)
}

func clamp01(f float64) float64 {
	switch {
	case f < 0:
		return 0
	case f > 1:
		return 1
	}
	return f
}
