package training

import (
	"errors"
	"math"
	"sort"

	"github.com/loykin/reclaimr/internal/scorer"
)

// Params controls gradient-boosted tree fitting.
type Params struct {
	Rounds       int     `mapstructure:"rounds"`
	MaxDepth     int     `mapstructure:"max_depth"`
	LearningRate float64 `mapstructure:"learning_rate"`
	MinLeaf      int     `mapstructure:"min_leaf"`
}

func DefaultParams() Params {
	return Params{Rounds: 50, MaxDepth: 3, LearningRate: 0.3, MinLeaf: 1}
}

func (p Params) withDefaults() Params {
	d := DefaultParams()
	if p.Rounds <= 0 {
		p.Rounds = d.Rounds
	}
	if p.MaxDepth <= 0 {
		p.MaxDepth = d.MaxDepth
	}
	if p.LearningRate <= 0 {
		p.LearningRate = d.LearningRate
	}
	if p.MinLeaf <= 0 {
		p.MinLeaf = d.MinLeaf
	}
	return p
}

// Fit trains a boosted ensemble on X (rows of shape.Width() features) and y.
func Fit(shape scorer.FeatureShape, X [][]float64, y []float64, p Params) (*scorer.Ensemble, error) {
	if len(X) == 0 || len(X) != len(y) {
		return nil, errors.New("fit: need equal, non-empty X and y")
	}
	width := shape.Width()
	for _, row := range X {
		if len(row) != width {
			return nil, scorer.ErrShapeMismatch
		}
	}
	p = p.withDefaults()

	var base float64
	for _, v := range y {
		base += v
	}
	base /= float64(len(y))

	pred := make([]float64, len(y))
	for i := range pred {
		pred[i] = base
	}
	resid := make([]float64, len(y))
	idx := make([]int, len(y))

	e := &scorer.Ensemble{FeatureShape: shape, Combine: scorer.CombineSum, BaseScore: base}
	for r := 0; r < p.Rounds; r++ {
		for i := range y {
			resid[i] = y[i] - pred[i]
			idx[i] = i
		}
		b := builder{X: X, y: resid, p: p, width: width}
		b.grow(idx, 0)
		t := scorer.Tree{Nodes: b.nodes}
		e.Trees = append(e.Trees, t)
		single := scorer.Ensemble{FeatureShape: shape, Combine: scorer.CombineSum, Trees: []scorer.Tree{t}}
		for i := range X {
			v, _ := single.Predict(X[i])
			pred[i] += v
		}
	}
	return e, e.Validate()
}

// FitRuntime trains on a runtime corpus.
func FitRuntime(samples []Sample, p Params) (*scorer.Ensemble, error) {
	X := make([][]float64, len(samples))
	y := make([]float64, len(samples))
	for i, s := range samples {
		X[i] = []float64{s.RuntimeSec}
		y[i] = float64(s.Priority)
	}
	return Fit(scorer.ShapeRuntime, X, y, p)
}

// RMSE is the root mean squared error of e over X, y.
func RMSE(e scorer.Model, X [][]float64, y []float64) (float64, error) {
	if len(X) == 0 {
		return 0, nil
	}
	var sum float64
	for i := range X {
		v, err := e.Predict(X[i])
		if err != nil {
			return 0, err
		}
		d := v - y[i]
		sum += d * d
	}
	return math.Sqrt(sum / float64(len(X))), nil
}

type builder struct {
	X     [][]float64
	y     []float64
	p     Params
	width int
	nodes []scorer.Node
}

func (b *builder) mean(idx []int) float64 {
	var s float64
	for _, i := range idx {
		s += b.y[i]
	}
	return s / float64(len(idx))
}

// grow appends the subtree for idx and returns its node index. Children are
// always appended after their parent.
func (b *builder) grow(idx []int, depth int) int {
	at := len(b.nodes)
	b.nodes = append(b.nodes, scorer.Node{})
	leaf := scorer.Node{Leaf: true, Value: b.p.LearningRate * b.mean(idx)}
	if depth >= b.p.MaxDepth || len(idx) < 2*b.p.MinLeaf {
		b.nodes[at] = leaf
		return at
	}
	feature, threshold, ok := b.bestSplit(idx)
	if !ok {
		b.nodes[at] = leaf
		return at
	}
	var left, right []int
	for _, i := range idx {
		if b.X[i][feature] < threshold {
			left = append(left, i)
		} else {
			right = append(right, i)
		}
	}
	l := b.grow(left, depth+1)
	r := b.grow(right, depth+1)
	b.nodes[at] = scorer.Node{Feature: feature, Threshold: threshold, Left: l, Right: r}
	return at
}

// bestSplit minimises the summed squared error of the two halves.
func (b *builder) bestSplit(idx []int) (int, float64, bool) {
	n := len(idx)
	var total, totalSq float64
	for _, i := range idx {
		total += b.y[i]
		totalSq += b.y[i] * b.y[i]
	}
	bestSSE := totalSq - total*total/float64(n)
	bestFeature, bestThreshold, found := 0, 0.0, false

	order := make([]int, n)
	for f := 0; f < b.width; f++ {
		copy(order, idx)
		sort.Slice(order, func(a, c int) bool { return b.X[order[a]][f] < b.X[order[c]][f] })
		var ls, lsq float64
		for k := 0; k < n-1; k++ {
			v := b.y[order[k]]
			ls += v
			lsq += v * v
			nl := k + 1
			nr := n - nl
			if nl < b.p.MinLeaf || nr < b.p.MinLeaf {
				continue
			}
			x0, x1 := b.X[order[k]][f], b.X[order[k+1]][f]
			if x0 == x1 {
				continue
			}
			rs, rsq := total-ls, totalSq-lsq
			sse := (lsq - ls*ls/float64(nl)) + (rsq - rs*rs/float64(nr))
			if sse < bestSSE-1e-12 {
				bestSSE, bestFeature, bestThreshold, found = sse, f, (x0+x1)/2, true
			}
		}
	}
	return bestFeature, bestThreshold, found
}
