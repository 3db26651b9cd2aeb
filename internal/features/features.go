// Package features turns transaction records into classifier inputs and
// batch-relative numeric feature matrices for the outlier models.
package features

import (
	"math"
	"strings"

	"gonum.org/v1/gonum/stat"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Matrix is a dense row-major feature matrix with named columns.
type Matrix struct {
	Names []string    `json:"names"`
	Rows  [][]float64 `json:"rows"`
}

// Column returns the index of name, or -1.
func (m Matrix) Column(name string) int {
	for i, n := range m.Names {
		if n == name {
			return i
		}
	}
	return -1
}

// Value returns row i of the named column, or 0 when the column is unknown.
func (m Matrix) Value(i int, name string) float64 {
	c := m.Column(name)
	if c < 0 || i < 0 || i >= len(m.Rows) {
		return 0
	}
	return m.Rows[i][c]
}

// BuildClassificationFeatures normalizes a record for the classifiers.
// Blank strings become nil; the amount is always present.
func BuildClassificationFeatures(tx domain.TransactionRecord) domain.ClassificationInput {
	amount := tx.Amount
	return domain.ClassificationInput{
		Description: nonBlank(tx.Description),
		Merchant:    nonBlank(tx.Merchant),
		Amount:      &amount,
	}
}

func nonBlank(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}

// batchStats holds the batch-relative aggregates shared by every row.
type batchStats struct {
	amountMean   float64
	amountStd    float64
	merchantFreq map[string]int
	categoryFreq map[string]int
	merchantStd  map[string]float64
}

// BuildAnomalyFeatures computes the named features for every record of the
// batch. Statistics such as z-scores and frequencies are relative to this
// batch. Unknown names yield a zero column and non-finite values become 0.
func BuildAnomalyFeatures(batch []domain.TransactionRecord, names []string) Matrix {
	m := Matrix{
		Names: append([]string(nil), names...),
		Rows:  make([][]float64, len(batch)),
	}
	if len(batch) == 0 {
		return m
	}

	stats := computeStats(batch)
	for i, tx := range batch {
		row := make([]float64, len(names))
		for j, name := range names {
			row[j] = finite(featureValue(name, tx, stats))
		}
		m.Rows[i] = row
	}
	return m
}

func computeStats(batch []domain.TransactionRecord) batchStats {
	amounts := make([]float64, len(batch))
	hoursByMerchant := make(map[string][]float64)
	stats := batchStats{
		merchantFreq: make(map[string]int),
		categoryFreq: make(map[string]int),
		merchantStd:  make(map[string]float64),
	}

	for i, tx := range batch {
		f, _ := tx.Amount.Float64()
		amounts[i] = f

		if m := merchantKey(tx); m != "" {
			stats.merchantFreq[m]++
			if tx.HasTimestamp() {
				hoursByMerchant[m] = append(hoursByMerchant[m], float64(tx.Timestamp.Hour()))
			}
		}
		if c := strings.TrimSpace(tx.Category); c != "" {
			stats.categoryFreq[c]++
		}
	}

	stats.amountMean, stats.amountStd = meanStd(amounts)
	for m, hours := range hoursByMerchant {
		_, std := meanStd(hours)
		stats.merchantStd[m] = std
	}
	return stats
}

func featureValue(name string, tx domain.TransactionRecord, stats batchStats) float64 {
	amount, _ := tx.Amount.Float64()

	switch name {
	case domain.FeatureAmount:
		return amount
	case domain.FeatureAmountLog:
		return math.Log1p(math.Abs(amount))
	case domain.FeatureAmountZScore:
		if stats.amountStd == 0 || math.IsNaN(stats.amountStd) {
			return 0
		}
		return (amount - stats.amountMean) / stats.amountStd
	case domain.FeatureHour:
		if !tx.HasTimestamp() {
			return 0
		}
		return float64(tx.Timestamp.Hour())
	case domain.FeatureDayOfWeek:
		if !tx.HasTimestamp() {
			return 0
		}
		return float64(DayOfWeek(tx))
	case domain.FeatureMerchantFrequency:
		return float64(stats.merchantFreq[merchantKey(tx)])
	case domain.FeatureCategoryFrequency:
		c := strings.TrimSpace(tx.Category)
		if c == "" {
			return 0
		}
		return float64(stats.categoryFreq[c])
	case domain.FeatureTimeVariance:
		return stats.merchantStd[merchantKey(tx)]
	case domain.FeatureWeekend:
		if tx.HasTimestamp() && DayOfWeek(tx) >= 5 {
			return 1
		}
		return 0
	case domain.FeatureBusinessHours:
		if !tx.HasTimestamp() {
			return 0
		}
		if h := tx.Timestamp.Hour(); h >= 9 && h <= 17 {
			return 1
		}
		return 0
	default:
		return 0
	}
}

// DayOfWeek returns the weekday with Monday = 0 and Sunday = 6.
func DayOfWeek(tx domain.TransactionRecord) int {
	return (int(tx.Timestamp.Weekday()) + 6) % 7
}

func merchantKey(tx domain.TransactionRecord) string {
	return strings.TrimSpace(tx.Merchant)
}

// meanStd returns the mean and the sample standard deviation (n-1).
// The deviation is 0 for fewer than two values.
func meanStd(xs []float64) (float64, float64) {
	switch len(xs) {
	case 0:
		return 0, 0
	case 1:
		return xs[0], 0
	}
	return stat.MeanStdDev(xs, nil)
}

func finite(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}

// BatchContext exposes the per-row batch aggregates used by batch rules.
type BatchContext struct {
	MerchantFrequency float64
	TimeVariance      float64
}

// Context returns the batch aggregates for row i of m.
func Context(m Matrix, i int) BatchContext {
	return BatchContext{
		MerchantFrequency: m.Value(i, domain.FeatureMerchantFrequency),
		TimeVariance:      m.Value(i, domain.FeatureTimeVariance),
	}
}
