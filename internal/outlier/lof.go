package outlier

import (
	"math"
	"sort"

	"github.com/rotisserie/eris"
)

// LocalOutlierFactor compares each point's local reachability density with
// that of its neighbours. It runs in novelty mode: the training set is kept
// and new rows are scored against it.
type LocalOutlierFactor struct {
	NNeighbors    int     `json:"n_neighbors"`
	Contamination float64 `json:"contamination"`

	K      int         `json:"k"`
	Train  [][]float64 `json:"train"`
	KDist  []float64   `json:"k_dist"`
	LRD    []float64   `json:"lrd"`
	Offset float64     `json:"offset"`
}

// NewLocalOutlierFactor returns a novelty-mode LOF with 20 neighbours.
func NewLocalOutlierFactor(contamination float64) *LocalOutlierFactor {
	return &LocalOutlierFactor{NNeighbors: 20, Contamination: contamination}
}

// Name implements Model.
func (l *LocalOutlierFactor) Name() string { return NameLocalOutlierFactor }

type neighbor struct {
	idx  int
	dist float64
}

// kNearest returns the k training points closest to x, skipping index skip.
func (l *LocalOutlierFactor) kNearest(x []float64, skip int) []neighbor {
	all := make([]neighbor, 0, len(l.Train))
	for i, t := range l.Train {
		if i == skip {
			continue
		}
		all = append(all, neighbor{idx: i, dist: math.Sqrt(sqDist(x, t))})
	}
	sort.Slice(all, func(a, b int) bool {
		if all[a].dist == all[b].dist {
			return all[a].idx < all[b].idx
		}
		return all[a].dist < all[b].dist
	})
	return all[:l.K]
}

func (l *LocalOutlierFactor) lrdOf(nbrs []neighbor) float64 {
	var sum float64
	for _, nb := range nbrs {
		sum += math.Max(l.KDist[nb.idx], nb.dist)
	}
	return 1 / (sum/float64(len(nbrs)) + 1e-10)
}

func (l *LocalOutlierFactor) scoreFrom(nbrs []neighbor, lrd float64) float64 {
	var ratio float64
	for _, nb := range nbrs {
		ratio += l.LRD[nb.idx] / lrd
	}
	return -ratio / float64(len(nbrs))
}

// Fit implements Model.
func (l *LocalOutlierFactor) Fit(rows [][]float64) error {
	n := len(rows)
	if n == 0 {
		return ErrEmptyMatrix
	}
	if n < 2 {
		return eris.New("lof: at least two rows are required")
	}
	if err := checkDim(rows, len(rows[0])); err != nil {
		return err
	}

	l.Train = rows
	l.K = min(max(l.NNeighbors, 1), n-1)

	nbrs := make([][]neighbor, n)
	l.KDist = make([]float64, n)
	for i, x := range rows {
		nbrs[i] = l.kNearest(x, i)
		l.KDist[i] = nbrs[i][l.K-1].dist
	}

	l.LRD = make([]float64, n)
	for i := range rows {
		l.LRD[i] = l.lrdOf(nbrs[i])
	}

	train := make([]float64, n)
	for i := range rows {
		train[i] = l.scoreFrom(nbrs[i], l.LRD[i])
	}
	l.Offset = percentile(train, l.Contamination)
	return nil
}

// Score implements Scorer.
func (l *LocalOutlierFactor) Score(rows [][]float64) ([]float64, error) {
	if len(l.Train) == 0 {
		return nil, ErrNotFitted
	}
	if err := checkDim(rows, len(l.Train[0])); err != nil {
		return nil, err
	}

	out := make([]float64, len(rows))
	for i, x := range rows {
		nbrs := l.kNearest(x, -1)
		out[i] = l.scoreFrom(nbrs, l.lrdOf(nbrs)) - l.Offset
	}
	return out, nil
}

// Predict implements Model.
func (l *LocalOutlierFactor) Predict(rows [][]float64) ([]int, error) {
	scores, err := l.Score(rows)
	if err != nil {
		return nil, err
	}
	return labels(scores), nil
}
