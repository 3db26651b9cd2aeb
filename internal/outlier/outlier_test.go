package outlier

import (
	"encoding/json"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// cluster returns n points around the origin plus the planted outliers
// appended at the end.
func cluster(n int, planted ...[]float64) [][]float64 {
	rng := rand.New(rand.NewPCG(7, 11))
	rows := make([][]float64, 0, n+len(planted))
	for i := 0; i < n; i++ {
		rows = append(rows, []float64{rng.NormFloat64(), rng.NormFloat64(), rng.NormFloat64()})
	}
	return append(rows, planted...)
}

func TestScaler(t *testing.T) {
	s, err := FitScaler([][]float64{{1, 5}, {3, 5}})
	require.NoError(t, err)
	assert.Equal(t, []float64{2, 5}, s.Mean)
	assert.Equal(t, []float64{1, 1}, s.Scale, "constant column keeps scale 1")

	out, err := s.Transform([][]float64{{4, 6}})
	require.NoError(t, err)
	assert.Equal(t, [][]float64{{2, 1}}, out)

	_, err = s.Transform([][]float64{{1}})
	assert.ErrorIs(t, err, ErrDimension)

	_, err = FitScaler(nil)
	assert.ErrorIs(t, err, ErrEmptyMatrix)
}

func TestPercentile(t *testing.T) {
	xs := []float64{4, 1, 3, 2, 5}
	assert.Equal(t, 1.0, percentile(xs, 0))
	assert.Equal(t, 5.0, percentile(xs, 1))
	assert.Equal(t, 3.0, percentile(xs, 0.5))
	assert.InDelta(t, 1.4, percentile(xs, 0.1), 1e-9)
	assert.Equal(t, []float64{4, 1, 3, 2, 5}, xs, "input must not be reordered")
}

func TestModelsFlagPlantedOutliers(t *testing.T) {
	far := []float64{12, -12, 12}
	rows := cluster(200, far)

	models := []Model{
		NewIsolationForest(0.05, 1),
		NewLocalOutlierFactor(0.05),
		NewEllipticEnvelope(0.05),
	}
	for _, m := range models {
		t.Run(m.Name(), func(t *testing.T) {
			require.NoError(t, m.Fit(rows))

			pred, err := m.Predict([][]float64{far, {0, 0, 0}})
			require.NoError(t, err)
			assert.Equal(t, []int{-1, 1}, pred)

			scorer, ok := m.(Scorer)
			require.True(t, ok)
			scores, err := scorer.Score([][]float64{far, {0, 0, 0}})
			require.NoError(t, err)
			assert.Less(t, scores[0], scores[1])
		})
	}
}

func TestIsolationForestDeterministic(t *testing.T) {
	rows := cluster(50)
	a := NewIsolationForest(0.1, 42)
	b := NewIsolationForest(0.1, 42)
	require.NoError(t, a.Fit(rows))
	require.NoError(t, b.Fit(rows))

	sa, err := a.Score(rows)
	require.NoError(t, err)
	sb, err := b.Score(rows)
	require.NoError(t, err)
	assert.Equal(t, sa, sb)
}

func TestUnfittedModels(t *testing.T) {
	for _, m := range []Model{
		NewIsolationForest(0.1, 1),
		NewLocalOutlierFactor(0.1),
		NewEllipticEnvelope(0.1),
	} {
		_, err := m.Predict([][]float64{{1}})
		assert.ErrorIs(t, err, ErrNotFitted, m.Name())
	}
}

func TestEllipticEnvelopeNeedsRows(t *testing.T) {
	e := NewEllipticEnvelope(0.1)
	assert.Error(t, e.Fit([][]float64{{1, 2, 3}, {2, 3, 4}}))
	assert.ErrorIs(t, e.Fit([][]float64{{1}, {1}, {1}}), ErrSingular)
}

func TestEllipticEnvelopePrecision(t *testing.T) {
	// Variance 2 along x, 0.5 along y, uncorrelated.
	e := NewEllipticEnvelope(0.25)
	require.NoError(t, e.Fit([][]float64{{2, 0}, {-2, 0}, {0, 1}, {0, -1}}))

	assert.InDelta(t, 0, e.Location[0], 1e-12)
	assert.InDelta(t, 0, e.Location[1], 1e-12)
	assert.InDelta(t, 0.5, e.Precision[0][0], 1e-5)
	assert.InDelta(t, 2, e.Precision[1][1], 1e-5)
	assert.InDelta(t, 0, e.Precision[0][1], 1e-9)
	assert.InDelta(t, 0, e.Precision[1][0], 1e-9)

	// Every training row sits at Mahalanobis distance 2.
	for _, s := range e.scoreSamples([][]float64{{2, 0}, {0, -1}}) {
		assert.InDelta(t, -2, s, 1e-5)
	}
}

func TestTrainEnsemble(t *testing.T) {
	far := []float64{15, 15, -15}
	rows := cluster(100, far)
	names := []string{"a", "b", "c"}

	ens, report, err := Train(rows, names, Candidates(TrainConfig{Contamination: 0.05, Seed: 3}), zap.NewNop())
	require.NoError(t, err)

	assert.Equal(t, NameIsolationForest, ens.Primary)
	assert.Len(t, ens.Models, 3)
	assert.False(t, report.Fallback)
	assert.Equal(t, 101, report.Rows)
	assert.Equal(t, -1, report.Labels[100])
	assert.Positive(t, report.AnomalyCount)

	var sum float64
	for _, v := range report.FeatureImportance {
		sum += v
	}
	assert.InDelta(t, 1.0, sum, 1e-9)

	labels, scores, err := ens.Score([][]float64{far})
	require.NoError(t, err)
	assert.Equal(t, []int{-1}, labels)
	assert.Negative(t, scores[0])
}

func TestTrainSkipsFailedModels(t *testing.T) {
	// Three rows in three dimensions: the envelope cannot fit.
	rows := [][]float64{{0, 1, 2}, {1, 2, 0}, {2, 0, 1}}

	ens, report, err := Train(rows, nil, Candidates(TrainConfig{Contamination: 0.1, Seed: 1}), zap.NewNop())
	require.NoError(t, err)
	assert.Len(t, ens.Models, 2)
	assert.Nil(t, ens.Model(NameEllipticEnvelope))

	require.Len(t, report.Models, 3)
	assert.False(t, report.Models[2].Fitted)
	assert.NotEmpty(t, report.Models[2].Error)
	assert.Empty(t, report.FeatureImportance)
}

func TestTrainFallsBack(t *testing.T) {
	rows := [][]float64{{1, 1}, {2, 2}}

	ens, report, err := Train(rows, nil, []Model{NewEllipticEnvelope(0.1)}, zap.NewNop())
	require.NoError(t, err)
	assert.True(t, report.Fallback)
	assert.Equal(t, NameIsolationForest, ens.Primary)

	f, ok := ens.Model(NameIsolationForest).(*IsolationForest)
	require.True(t, ok)
	assert.Equal(t, uint64(42), f.Seed)
	assert.Equal(t, 0.1, f.Contamination)
}

func TestTrainEmpty(t *testing.T) {
	_, _, err := Train(nil, nil, Candidates(TrainConfig{Contamination: 0.1}), zap.NewNop())
	assert.ErrorIs(t, err, ErrEmptyMatrix)
}

func TestEnsembleJSON(t *testing.T) {
	rows := cluster(60, []float64{9, 9, 9})
	ens, _, err := Train(rows, nil, Candidates(TrainConfig{Contamination: 0.1, Seed: 5}), zap.NewNop())
	require.NoError(t, err)

	data, err := json.Marshal(ens)
	require.NoError(t, err)

	var decoded Ensemble
	require.NoError(t, json.Unmarshal(data, &decoded))
	require.Len(t, decoded.Models, len(ens.Models))

	wantLabels, wantScores, err := ens.Score(rows)
	require.NoError(t, err)
	gotLabels, gotScores, err := decoded.Score(rows)
	require.NoError(t, err)
	assert.Equal(t, wantLabels, gotLabels)
	assert.Equal(t, wantScores, gotScores)

	for _, name := range []string{NameLocalOutlierFactor, NameEllipticEnvelope} {
		want, err := ens.Model(name).Predict(rows)
		require.NoError(t, err)
		got, err := decoded.Model(name).Predict(rows)
		require.NoError(t, err)
		assert.Equal(t, want, got, name)
	}
}

func TestEnsembleJSONRejectsUnknownKind(t *testing.T) {
	var e Ensemble
	err := json.Unmarshal([]byte(`{"primary":"x","models":[{"kind":"svm","params":{}}]}`), &e)
	assert.Error(t, err)
}
