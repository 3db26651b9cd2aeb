// Package outlier implements unsupervised outlier models over standardized
// feature matrices. Decision scores follow the usual sign convention:
// negative means anomalous.
package outlier

import (
	"errors"
	"math"

	"github.com/rotisserie/eris"
	"gonum.org/v1/gonum/stat"
)

var (
	// ErrEmptyMatrix is returned when fitting on no rows.
	ErrEmptyMatrix = errors.New("outlier: empty feature matrix")

	// ErrNotFitted is returned when scoring with an unfitted model.
	ErrNotFitted = errors.New("outlier: model is not fitted")

	// ErrDimension is returned when a row has the wrong number of columns.
	ErrDimension = errors.New("outlier: feature dimension mismatch")
)

// Scaler standardizes columns to zero mean and unit variance.
type Scaler struct {
	Mean  []float64 `json:"mean"`
	Scale []float64 `json:"scale"`
}

// FitScaler computes per-column mean and population standard deviation.
// Constant columns get a scale of 1.
func FitScaler(rows [][]float64) (*Scaler, error) {
	if len(rows) == 0 {
		return nil, ErrEmptyMatrix
	}
	d := len(rows[0])
	if err := checkDim(rows, d); err != nil {
		return nil, eris.Wrap(err, "scaler")
	}

	s := &Scaler{Mean: make([]float64, d), Scale: make([]float64, d)}
	col := make([]float64, len(rows))
	for j := 0; j < d; j++ {
		for i, r := range rows {
			col[i] = r[j]
		}
		mean, std := stat.PopMeanStdDev(col, nil)
		if std == 0 || math.IsNaN(std) {
			std = 1
		}
		s.Mean[j], s.Scale[j] = mean, std
	}
	return s, nil
}

// Transform returns a standardized copy of rows.
func (s *Scaler) Transform(rows [][]float64) ([][]float64, error) {
	out := make([][]float64, len(rows))
	for i, r := range rows {
		if len(r) != len(s.Mean) {
			return nil, eris.Wrapf(ErrDimension, "scaler: got %d columns, want %d", len(r), len(s.Mean))
		}
		row := make([]float64, len(r))
		for j, v := range r {
			row[j] = (v - s.Mean[j]) / s.Scale[j]
		}
		out[i] = row
	}
	return out, nil
}
