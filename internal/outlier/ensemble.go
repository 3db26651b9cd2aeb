package outlier

import (
	"encoding/json"
	"math"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// Fallback parameters used when every configured model fails to fit.
const (
	fallbackContamination = 0.1
	fallbackSeed          = 42
)

// Ensemble holds the fitted models; Primary names the one used for serving.
type Ensemble struct {
	Primary string
	Models  []Model
}

// TrainConfig controls ensemble training.
type TrainConfig struct {
	Contamination float64
	Seed          uint64
}

// ModelStatus reports how one model fared during training.
type ModelStatus struct {
	Name      string `json:"name"`
	Fitted    bool   `json:"fitted"`
	Error     string `json:"error,omitempty"`
	Anomalies int    `json:"anomalies"`
}

// TrainReport summarizes a training run.
type TrainReport struct {
	Rows              int                `json:"rows"`
	Models            []ModelStatus      `json:"models"`
	Primary           string             `json:"primary"`
	Fallback          bool               `json:"fallback"`
	Labels            []int              `json:"-"`
	AnomalyCount      int                `json:"anomalyCount"`
	FeatureImportance map[string]float64 `json:"featureImportance"`
}

// Candidates returns the three models trained by default.
func Candidates(cfg TrainConfig) []Model {
	return []Model{
		NewIsolationForest(cfg.Contamination, cfg.Seed),
		NewLocalOutlierFactor(cfg.Contamination),
		NewEllipticEnvelope(cfg.Contamination),
	}
}

// Train fits every candidate on the scaled matrix. A model that fails is
// logged and skipped; when all fail a default isolation forest is fitted
// instead. The isolation forest is primary when it fits.
func Train(scaled [][]float64, names []string, candidates []Model, logger *zap.Logger) (*Ensemble, *TrainReport, error) {
	if len(scaled) == 0 {
		return nil, nil, ErrEmptyMatrix
	}
	if logger == nil {
		logger = zap.L()
	}
	logger = logger.Named("outlier")

	report := &TrainReport{Rows: len(scaled)}
	ens := &Ensemble{}
	var votes [][]int

	for _, m := range candidates {
		status := ModelStatus{Name: m.Name()}
		pred, err := fitPredict(m, scaled)
		if err != nil {
			logger.Warn("model failed to fit", zap.String("model", m.Name()), zap.Error(err))
			status.Error = err.Error()
			report.Models = append(report.Models, status)
			continue
		}
		status.Fitted = true
		status.Anomalies = countAnomalies(pred)
		report.Models = append(report.Models, status)
		ens.Models = append(ens.Models, m)
		votes = append(votes, pred)
	}

	if len(ens.Models) == 0 {
		fallback := NewIsolationForest(fallbackContamination, fallbackSeed)
		pred, err := fitPredict(fallback, scaled)
		if err != nil {
			return nil, nil, eris.Wrap(err, "outlier: fallback model")
		}
		logger.Warn("all models failed, using fallback isolation forest")
		report.Fallback = true
		report.Models = append(report.Models, ModelStatus{
			Name:      fallback.Name(),
			Fitted:    true,
			Anomalies: countAnomalies(pred),
		})
		ens.Models = append(ens.Models, fallback)
		votes = append(votes, pred)
	}

	ens.Primary = ens.Models[0].Name()
	for _, m := range ens.Models {
		if m.Name() == NameIsolationForest {
			ens.Primary = m.Name()
			break
		}
	}
	report.Primary = ens.Primary

	report.Labels = majority(votes, len(scaled))
	report.AnomalyCount = countAnomalies(report.Labels)
	report.FeatureImportance = featureImportance(scaled, report.Labels, names)
	return ens, report, nil
}

func fitPredict(m Model, rows [][]float64) ([]int, error) {
	if err := m.Fit(rows); err != nil {
		return nil, err
	}
	return m.Predict(rows)
}

func countAnomalies(labels []int) int {
	n := 0
	for _, l := range labels {
		if l == -1 {
			n++
		}
	}
	return n
}

// majority labels a row anomalous when more models say -1 than 1.
func majority(votes [][]int, n int) []int {
	out := make([]int, n)
	for i := 0; i < n; i++ {
		sum := 0
		for _, v := range votes {
			sum += v[i]
		}
		if sum < 0 {
			out[i] = -1
		} else {
			out[i] = 1
		}
	}
	return out
}

// featureImportance is the mean absolute scaled value of each feature over
// the anomalous rows, normalized to sum to 1.
func featureImportance(scaled [][]float64, labels []int, names []string) map[string]float64 {
	out := make(map[string]float64)
	if len(scaled) == 0 || len(names) != len(scaled[0]) {
		return out
	}

	sums := make([]float64, len(names))
	count := 0
	for i, row := range scaled {
		if labels[i] != -1 {
			continue
		}
		count++
		for j, v := range row {
			sums[j] += math.Abs(v)
		}
	}
	if count == 0 {
		return out
	}

	var total float64
	for j := range sums {
		sums[j] /= float64(count)
		total += sums[j]
	}
	if total == 0 {
		return out
	}
	for j, name := range names {
		out[name] = sums[j] / total
	}
	return out
}

// Model returns the fitted model named name.
func (e *Ensemble) Model(name string) Model {
	for _, m := range e.Models {
		if m.Name() == name {
			return m
		}
	}
	return nil
}

// Score applies the primary model. Models without a decision function
// contribute their ±1 label as the score.
func (e *Ensemble) Score(scaled [][]float64) ([]int, []float64, error) {
	primary := e.Model(e.Primary)
	if primary == nil {
		return nil, nil, ErrNotFitted
	}

	labels, err := primary.Predict(scaled)
	if err != nil {
		return nil, nil, err
	}

	if s, ok := primary.(Scorer); ok {
		scores, err := s.Score(scaled)
		if err != nil {
			return nil, nil, err
		}
		return labels, scores, nil
	}

	scores := make([]float64, len(labels))
	for i, l := range labels {
		scores[i] = float64(l)
	}
	return labels, scores, nil
}

type taggedModel struct {
	Kind   string          `json:"kind"`
	Params json.RawMessage `json:"params"`
}

type ensembleJSON struct {
	Primary string        `json:"primary"`
	Models  []taggedModel `json:"models"`
}

// MarshalJSON encodes each model with a kind tag.
func (e *Ensemble) MarshalJSON() ([]byte, error) {
	out := ensembleJSON{Primary: e.Primary}
	for _, m := range e.Models {
		params, err := json.Marshal(m)
		if err != nil {
			return nil, eris.Wrapf(err, "outlier: encode %s", m.Name())
		}
		out.Models = append(out.Models, taggedModel{Kind: m.Name(), Params: params})
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes models written by MarshalJSON.
func (e *Ensemble) UnmarshalJSON(data []byte) error {
	var in ensembleJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return eris.Wrap(err, "outlier: decode ensemble")
	}

	e.Primary = in.Primary
	e.Models = e.Models[:0]
	for _, tm := range in.Models {
		var m Model
		switch tm.Kind {
		case NameIsolationForest:
			m = &IsolationForest{}
		case NameLocalOutlierFactor:
			m = &LocalOutlierFactor{}
		case NameEllipticEnvelope:
			m = &EllipticEnvelope{}
		default:
			return eris.Errorf("outlier: unknown model kind %q", tm.Kind)
		}
		if err := json.Unmarshal(tm.Params, m); err != nil {
			return eris.Wrapf(err, "outlier: decode %s", tm.Kind)
		}
		e.Models = append(e.Models, m)
	}
	if e.Model(e.Primary) == nil {
		return eris.Errorf("outlier: primary model %q missing", e.Primary)
	}
	return nil
}
