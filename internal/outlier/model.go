package outlier

import (
	"math"
	"sort"
)

// Model is an unsupervised outlier detector.
type Model interface {
	Name() string
	Fit(rows [][]float64) error

	// Predict labels rows 1 (normal) or -1 (anomalous).
	Predict(rows [][]float64) ([]int, error)
}

// Scorer is implemented by models with a continuous decision function.
type Scorer interface {
	Score(rows [][]float64) ([]float64, error)
}

// Model names.
const (
	NameIsolationForest    = "isolation_forest"
	NameLocalOutlierFactor = "local_outlier_factor"
	NameEllipticEnvelope   = "elliptic_envelope"
)

// labels turns decision scores into ±1 labels.
func labels(scores []float64) []int {
	out := make([]int, len(scores))
	for i, s := range scores {
		if s < 0 {
			out[i] = -1
		} else {
			out[i] = 1
		}
	}
	return out
}

// percentile returns the q-th quantile (0..1) of xs with linear
// interpolation between closest ranks.
func percentile(xs []float64, q float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	sorted := append([]float64(nil), xs...)
	sort.Float64s(sorted)

	pos := q * float64(len(sorted)-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	if lo == hi {
		return sorted[lo]
	}
	frac := pos - float64(lo)
	return sorted[lo] + frac*(sorted[hi]-sorted[lo])
}

func checkDim(rows [][]float64, d int) error {
	for _, r := range rows {
		if len(r) != d {
			return ErrDimension
		}
	}
	return nil
}

func sqDist(a, b []float64) float64 {
	var s float64
	for i := range a {
		d := a[i] - b[i]
		s += d * d
	}
	return s
}
