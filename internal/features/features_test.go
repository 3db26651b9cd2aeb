package features

import (
	"math"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensource-finance/kestrel/internal/domain"
)

func tx(id, merchant, category string, amount float64, ts time.Time) domain.TransactionRecord {
	return domain.TransactionRecord{
		ID:          id,
		Description: "test " + id,
		Merchant:    merchant,
		Category:    category,
		Amount:      decimal.NewFromFloat(amount),
		Timestamp:   ts,
	}
}

func TestBuildClassificationFeatures(t *testing.T) {
	t.Run("TrimsBlankToNil", func(t *testing.T) {
		in := BuildClassificationFeatures(domain.TransactionRecord{
			Description: "  Business lunch ",
			Merchant:    "   ",
			Amount:      decimal.NewFromInt(45),
		})

		require.NotNil(t, in.Description)
		assert.Equal(t, "Business lunch", *in.Description)
		assert.Nil(t, in.Merchant)
		require.NotNil(t, in.Amount)
		assert.Equal(t, "45.00", in.AmountText())
	})

	t.Run("ZeroAmountStaysPresent", func(t *testing.T) {
		in := BuildClassificationFeatures(domain.TransactionRecord{Description: "refund"})
		require.NotNil(t, in.Amount)
		assert.True(t, in.Amount.IsZero())
	})
}

func TestBuildAnomalyFeatures(t *testing.T) {
	// Monday 2025-03-03 10:00 UTC and Saturday 2025-03-08 02:00 UTC.
	monday := time.Date(2025, 3, 3, 10, 0, 0, 0, time.UTC)
	saturday := time.Date(2025, 3, 8, 2, 0, 0, 0, time.UTC)

	batch := []domain.TransactionRecord{
		tx("1", "Acme", "office", 100, monday),
		tx("2", "Acme", "office", 200, monday.Add(4*time.Hour)),
		tx("3", "", "", 300, saturday),
	}
	names := domain.DefaultAnomalyConfig().Features
	m := BuildAnomalyFeatures(batch, names)

	require.Len(t, m.Rows, 3)
	require.Equal(t, names, m.Names)

	t.Run("AmountLog", func(t *testing.T) {
		assert.InDelta(t, math.Log1p(100), m.Value(0, domain.FeatureAmountLog), 1e-12)
	})

	t.Run("ZScoreUsesSampleStd", func(t *testing.T) {
		// mean 200, sample std 100
		assert.InDelta(t, -1.0, m.Value(0, domain.FeatureAmountZScore), 1e-12)
		assert.InDelta(t, 0.0, m.Value(1, domain.FeatureAmountZScore), 1e-12)
		assert.InDelta(t, 1.0, m.Value(2, domain.FeatureAmountZScore), 1e-12)
	})

	t.Run("Timing", func(t *testing.T) {
		assert.Equal(t, 10.0, m.Value(0, domain.FeatureHour))
		assert.Equal(t, 0.0, m.Value(0, domain.FeatureDayOfWeek))
		assert.Equal(t, 5.0, m.Value(2, domain.FeatureDayOfWeek))
		assert.Equal(t, 1.0, m.Value(2, domain.FeatureWeekend))
		assert.Equal(t, 0.0, m.Value(0, domain.FeatureWeekend))
		assert.Equal(t, 1.0, m.Value(0, domain.FeatureBusinessHours))
		assert.Equal(t, 1.0, m.Value(1, domain.FeatureBusinessHours))
		assert.Equal(t, 0.0, m.Value(2, domain.FeatureBusinessHours))
	})

	t.Run("Frequencies", func(t *testing.T) {
		assert.Equal(t, 2.0, m.Value(0, domain.FeatureMerchantFrequency))
		assert.Equal(t, 0.0, m.Value(2, domain.FeatureMerchantFrequency))
		assert.Equal(t, 2.0, m.Value(1, domain.FeatureCategoryFrequency))
		assert.Equal(t, 0.0, m.Value(2, domain.FeatureCategoryFrequency))
	})

	t.Run("TimeVariance", func(t *testing.T) {
		// hours 10 and 14: sample std = sqrt(8)
		assert.InDelta(t, math.Sqrt(8), m.Value(0, domain.FeatureTimeVariance), 1e-12)
		assert.Equal(t, 0.0, m.Value(2, domain.FeatureTimeVariance))
	})
}

func TestBuildAnomalyFeaturesEdgeCases(t *testing.T) {
	ts := time.Date(2025, 3, 3, 12, 0, 0, 0, time.UTC)

	t.Run("EmptyBatch", func(t *testing.T) {
		m := BuildAnomalyFeatures(nil, []string{domain.FeatureHour})
		assert.Empty(t, m.Rows)
	})

	t.Run("SingletonZScoreIsZero", func(t *testing.T) {
		m := BuildAnomalyFeatures([]domain.TransactionRecord{tx("1", "A", "", 50, ts)},
			[]string{domain.FeatureAmountZScore, domain.FeatureTimeVariance})
		assert.Equal(t, []float64{0, 0}, m.Rows[0])
	})

	t.Run("UnknownFeatureIsZeroColumn", func(t *testing.T) {
		m := BuildAnomalyFeatures([]domain.TransactionRecord{tx("1", "A", "", 50, ts)},
			[]string{"frequency", domain.FeatureAmount})
		assert.Equal(t, []float64{0, 50}, m.Rows[0])
	})

	t.Run("MissingTimestamp", func(t *testing.T) {
		m := BuildAnomalyFeatures([]domain.TransactionRecord{tx("1", "A", "", 50, time.Time{})},
			[]string{domain.FeatureHour, domain.FeatureWeekend, domain.FeatureBusinessHours})
		assert.Equal(t, []float64{0, 0, 0}, m.Rows[0])
	})

	t.Run("BatchRelative", func(t *testing.T) {
		target := tx("t", "A", "", 500, ts)
		alone := BuildAnomalyFeatures([]domain.TransactionRecord{target}, []string{domain.FeatureAmountZScore})
		inBatch := BuildAnomalyFeatures([]domain.TransactionRecord{
			target, tx("a", "B", "", 10, ts), tx("b", "C", "", 20, ts),
		}, []string{domain.FeatureAmountZScore})

		assert.Equal(t, 0.0, alone.Rows[0][0])
		assert.Greater(t, inBatch.Rows[0][0], 1.0)
	})
}
