package outlier

import (
	"errors"
	"math"

	"github.com/rotisserie/eris"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// ErrSingular is returned when the covariance matrix cannot be inverted.
var ErrSingular = errors.New("outlier: singular covariance matrix")

// EllipticEnvelope fits a Gaussian with the classical mean and covariance
// and scores rows by negative squared Mahalanobis distance.
type EllipticEnvelope struct {
	Contamination float64 `json:"contamination"`

	Location  []float64   `json:"location"`
	Precision [][]float64 `json:"precision"`
	Offset    float64     `json:"offset"`
}

// NewEllipticEnvelope returns an unfitted envelope.
func NewEllipticEnvelope(contamination float64) *EllipticEnvelope {
	return &EllipticEnvelope{Contamination: contamination}
}

// Name implements Model.
func (e *EllipticEnvelope) Name() string { return NameEllipticEnvelope }

// Fit implements Model. It needs more rows than columns.
func (e *EllipticEnvelope) Fit(rows [][]float64) error {
	n := len(rows)
	if n == 0 {
		return ErrEmptyMatrix
	}
	d := len(rows[0])
	if err := checkDim(rows, d); err != nil {
		return err
	}
	if n <= d {
		return eris.Errorf("elliptic envelope: %d rows is too few for %d features", n, d)
	}

	data := mat.NewDense(n, d, nil)
	for i, r := range rows {
		data.SetRow(i, r)
	}
	mean := make([]float64, d)
	for j := range mean {
		mean[j] = stat.Mean(mat.Col(nil, j, data), nil)
	}

	// Maximum likelihood covariance, then a small ridge on the diagonal.
	var cov mat.SymDense
	stat.CovarianceMatrix(&cov, data, nil)
	cov.ScaleSym(float64(n-1)/float64(n), &cov)
	trace := mat.Trace(&cov)
	if trace == 0 || math.IsNaN(trace) {
		return ErrSingular
	}
	ridge := 1e-6 * trace / float64(d)
	for i := 0; i < d; i++ {
		cov.SetSym(i, i, cov.At(i, i)+ridge)
	}

	var chol mat.Cholesky
	if ok := chol.Factorize(&cov); !ok {
		return ErrSingular
	}
	var inv mat.SymDense
	if err := chol.InverseTo(&inv); err != nil {
		return eris.Wrap(ErrSingular, err.Error())
	}
	precision := make([][]float64, d)
	for i := range precision {
		precision[i] = mat.Row(nil, i, &inv)
	}

	e.Location = mean
	e.Precision = precision
	e.Offset = percentile(e.scoreSamples(rows), e.Contamination)
	return nil
}

func (e *EllipticEnvelope) scoreSamples(rows [][]float64) []float64 {
	d := len(e.Location)
	precision := mat.NewDense(d, d, nil)
	for i, r := range e.Precision {
		precision.SetRow(i, r)
	}
	location := mat.NewVecDense(d, e.Location)

	out := make([]float64, len(rows))
	diff := mat.NewVecDense(d, nil)
	for k, r := range rows {
		diff.SubVec(mat.NewVecDense(d, r), location)
		out[k] = -mat.Inner(diff, precision, diff)
	}
	return out
}

// Score implements Scorer.
func (e *EllipticEnvelope) Score(rows [][]float64) ([]float64, error) {
	if len(e.Location) == 0 {
		return nil, ErrNotFitted
	}
	if err := checkDim(rows, len(e.Location)); err != nil {
		return nil, err
	}
	scores := e.scoreSamples(rows)
	for i := range scores {
		scores[i] -= e.Offset
	}
	return scores, nil
}

// Predict implements Model.
func (e *EllipticEnvelope) Predict(rows [][]float64) ([]int, error) {
	scores, err := e.Score(rows)
	if err != nil {
		return nil, err
	}
	return labels(scores), nil
}
