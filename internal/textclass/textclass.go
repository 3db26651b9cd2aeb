// Package textclass implements the multinomial naive Bayes text model used by
// the local classifier.
package textclass

import (
	"errors"
	"math"
	"sort"
	"strings"
	"unicode"

	"golang.org/x/text/cases"
)

// ErrNoExamples is returned when training receives no usable examples.
var ErrNoExamples = errors.New("textclass: no training examples")

// Example is one labeled training text.
type Example struct {
	Text     string `json:"text"`
	Category string `json:"category"`
}

// Model is a trained multinomial naive Bayes classifier with Laplace
// smoothing. It is immutable after Train returns.
type Model struct {
	Classes     []string                  `json:"classes"`
	ClassDocs   map[string]int            `json:"class_docs"`
	ClassTokens map[string]int            `json:"class_tokens"`
	TokenCounts map[string]map[string]int `json:"token_counts"`
	VocabSize   int                       `json:"vocab_size"`
	Docs        int                       `json:"docs"`
	Alpha       float64                   `json:"alpha"`
}

// Prediction is the most probable class for a text.
type Prediction struct {
	Category    string
	Probability float64
}

// Train fits a model. Examples with empty text or category are skipped.
func Train(examples []Example) (*Model, error) {
	m := &Model{
		ClassDocs:   make(map[string]int),
		ClassTokens: make(map[string]int),
		TokenCounts: make(map[string]map[string]int),
		Alpha:       1.0,
	}
	vocab := make(map[string]struct{})

	for _, ex := range examples {
		category := strings.TrimSpace(ex.Category)
		tokens := Tokenize(ex.Text)
		if category == "" || len(tokens) == 0 {
			continue
		}

		m.Docs++
		m.ClassDocs[category]++
		counts, ok := m.TokenCounts[category]
		if !ok {
			counts = make(map[string]int)
			m.TokenCounts[category] = counts
		}
		for _, tok := range tokens {
			counts[tok]++
			m.ClassTokens[category]++
			vocab[tok] = struct{}{}
		}
	}

	if m.Docs == 0 {
		return nil, ErrNoExamples
	}

	for c := range m.ClassDocs {
		m.Classes = append(m.Classes, c)
	}
	sort.Strings(m.Classes)
	m.VocabSize = len(vocab)
	return m, nil
}

// Known reports whether any token of text was seen in training.
func (m *Model) Known(text string) bool {
	for _, tok := range Tokenize(text) {
		for _, counts := range m.TokenCounts {
			if counts[tok] > 0 {
				return true
			}
		}
	}
	return false
}

// Probabilities returns the posterior for every class.
func (m *Model) Probabilities(text string) map[string]float64 {
	tokens := Tokenize(text)
	logs := make([]float64, len(m.Classes))
	maxLog := math.Inf(-1)

	for i, c := range m.Classes {
		lp := math.Log(float64(m.ClassDocs[c]) / float64(m.Docs))
		denom := float64(m.ClassTokens[c]) + m.Alpha*float64(m.VocabSize)
		for _, tok := range tokens {
			lp += math.Log((float64(m.TokenCounts[c][tok]) + m.Alpha) / denom)
		}
		logs[i] = lp
		if lp > maxLog {
			maxLog = lp
		}
	}

	var sum float64
	for i := range logs {
		logs[i] = math.Exp(logs[i] - maxLog)
		sum += logs[i]
	}

	out := make(map[string]float64, len(m.Classes))
	for i, c := range m.Classes {
		out[c] = logs[i] / sum
	}
	return out
}

// Predict returns the most probable class. Ties go to the class that sorts
// first.
func (m *Model) Predict(text string) Prediction {
	probs := m.Probabilities(text)
	var best Prediction
	for _, c := range m.Classes {
		if p := probs[c]; p > best.Probability {
			best = Prediction{Category: c, Probability: p}
		}
	}
	return best
}

// Tokenize case-folds text and splits it into letter/digit runs of at least
// two runes.
func Tokenize(text string) []string {
	folded := cases.Fold().String(text)
	fields := strings.FieldsFunc(folded, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})

	tokens := fields[:0]
	for _, f := range fields {
		if len([]rune(f)) >= 2 {
			tokens = append(tokens, f)
		}
	}
	return tokens
}
