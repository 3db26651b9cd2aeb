package outlier

import (
	"math"
	"math/rand/v2"
)

const eulerGamma = 0.5772156649015329

// IsolationForest isolates points with random axis-aligned splits; short
// average path lengths mean anomalous.
type IsolationForest struct {
	NTrees        int     `json:"n_trees"`
	MaxSamples    int     `json:"max_samples"`
	Contamination float64 `json:"contamination"`
	Seed          uint64  `json:"seed"`

	Dim        int      `json:"dim"`
	SampleSize int      `json:"sample_size"`
	Offset     float64  `json:"offset"`
	Trees      []*iNode `json:"trees"`
}

// iNode is an isolation tree node; a node without children is a leaf.
type iNode struct {
	Feature   int     `json:"f,omitempty"`
	Threshold float64 `json:"t,omitempty"`
	Size      int     `json:"n,omitempty"`
	Left      *iNode  `json:"l,omitempty"`
	Right     *iNode  `json:"r,omitempty"`
}

// NewIsolationForest returns a forest of 100 trees on sub-samples of up to
// 256 rows.
func NewIsolationForest(contamination float64, seed uint64) *IsolationForest {
	return &IsolationForest{
		NTrees:        100,
		MaxSamples:    256,
		Contamination: contamination,
		Seed:          seed,
	}
}

// Name implements Model.
func (f *IsolationForest) Name() string { return NameIsolationForest }

// Fit implements Model.
func (f *IsolationForest) Fit(rows [][]float64) error {
	n := len(rows)
	if n == 0 {
		return ErrEmptyMatrix
	}
	f.Dim = len(rows[0])
	if err := checkDim(rows, f.Dim); err != nil {
		return err
	}

	f.SampleSize = min(f.MaxSamples, n)
	heightLimit := int(math.Ceil(math.Log2(math.Max(float64(f.SampleSize), 2))))
	rng := rand.New(rand.NewPCG(f.Seed, f.Seed^0x9e3779b97f4a7c15))

	f.Trees = make([]*iNode, f.NTrees)
	for t := range f.Trees {
		perm := rng.Perm(n)[:f.SampleSize]
		sample := make([][]float64, f.SampleSize)
		for i, idx := range perm {
			sample[i] = rows[idx]
		}
		f.Trees[t] = buildTree(sample, 0, heightLimit, rng)
	}

	scores := f.scoreSamples(rows)
	f.Offset = percentile(scores, f.Contamination)
	return nil
}

func buildTree(rows [][]float64, depth, limit int, rng *rand.Rand) *iNode {
	if depth >= limit || len(rows) <= 1 {
		return &iNode{Size: len(rows)}
	}

	d := len(rows[0])
	var candidates []int
	lo := make([]float64, d)
	hi := make([]float64, d)
	for j := 0; j < d; j++ {
		lo[j], hi[j] = math.Inf(1), math.Inf(-1)
		for _, r := range rows {
			lo[j] = math.Min(lo[j], r[j])
			hi[j] = math.Max(hi[j], r[j])
		}
		if hi[j] > lo[j] {
			candidates = append(candidates, j)
		}
	}
	if len(candidates) == 0 {
		return &iNode{Size: len(rows)}
	}

	feature := candidates[rng.IntN(len(candidates))]
	threshold := lo[feature] + rng.Float64()*(hi[feature]-lo[feature])

	var left, right [][]float64
	for _, r := range rows {
		if r[feature] < threshold {
			left = append(left, r)
		} else {
			right = append(right, r)
		}
	}

	return &iNode{
		Feature:   feature,
		Threshold: threshold,
		Left:      buildTree(left, depth+1, limit, rng),
		Right:     buildTree(right, depth+1, limit, rng),
	}
}

func pathLength(x []float64, node *iNode, depth int) float64 {
	for node.Left != nil {
		if x[node.Feature] < node.Threshold {
			node = node.Left
		} else {
			node = node.Right
		}
		depth++
	}
	return float64(depth) + averagePathLength(node.Size)
}

// averagePathLength is the expected path length of an unsuccessful search
// in a binary search tree of n points.
func averagePathLength(n int) float64 {
	switch {
	case n <= 1:
		return 0
	case n == 2:
		return 1
	}
	fn := float64(n)
	return 2*(math.Log(fn-1)+eulerGamma) - 2*(fn-1)/fn
}

// scoreSamples returns -2^(-E[h(x)]/c(psi)); lower is more anomalous.
func (f *IsolationForest) scoreSamples(rows [][]float64) []float64 {
	norm := averagePathLength(f.SampleSize)
	if norm == 0 {
		norm = 1
	}
	out := make([]float64, len(rows))
	for i, x := range rows {
		var sum float64
		for _, tree := range f.Trees {
			sum += pathLength(x, tree, 0)
		}
		mean := sum / float64(len(f.Trees))
		out[i] = -math.Pow(2, -mean/norm)
	}
	return out
}

// Score implements Scorer.
func (f *IsolationForest) Score(rows [][]float64) ([]float64, error) {
	if len(f.Trees) == 0 {
		return nil, ErrNotFitted
	}
	if err := checkDim(rows, f.Dim); err != nil {
		return nil, err
	}
	scores := f.scoreSamples(rows)
	for i := range scores {
		scores[i] -= f.Offset
	}
	return scores, nil
}

// Predict implements Model.
func (f *IsolationForest) Predict(rows [][]float64) ([]int, error) {
	scores, err := f.Score(rows)
	if err != nil {
		return nil, err
	}
	return labels(scores), nil
}
