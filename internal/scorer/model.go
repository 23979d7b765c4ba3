package scorer

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

var (
	// ErrNoModel is returned when a prediction is requested before any model was loaded.
	ErrNoModel = errors.New("no scoring model loaded")
	// ErrShapeMismatch is returned when a model or input does not match the declared feature shape.
	ErrShapeMismatch = errors.New("feature shape mismatch")
)

// FeatureShape names the input vector a model expects.
type FeatureShape string

const (
	// ShapeRuntime is a single feature: average group runtime in seconds.
	ShapeRuntime FeatureShape = "runtime"
	// ShapeUtilization is cpu, ram, disk and gpu utilisation percentages.
	ShapeUtilization FeatureShape = "utilization"
)

// Width returns the number of features, or 0 for an unknown shape.
func (s FeatureShape) Width() int {
	switch s {
	case ShapeRuntime:
		return 1
	case ShapeUtilization:
		return 4
	default:
		return 0
	}
}

// ParseShape validates a configured shape name.
func ParseShape(s string) (FeatureShape, error) {
	fs := FeatureShape(s)
	if fs.Width() == 0 {
		return "", fmt.Errorf("unknown feature shape %q", s)
	}
	return fs, nil
}

// Model is an opaque, immutable predictor.
type Model interface {
	Shape() FeatureShape
	Predict(x []float64) (float64, error)
}

// Node is one node of a regression tree. Leaves carry Value; inner nodes
// route x[Feature] < Threshold to Left and everything else to Right.
type Node struct {
	Leaf      bool    `json:"leaf,omitempty"`
	Value     float64 `json:"value,omitempty"`
	Feature   int     `json:"feature,omitempty"`
	Threshold float64 `json:"threshold,omitempty"`
	Left      int     `json:"left,omitempty"`
	Right     int     `json:"right,omitempty"`
}

// Tree is a flat node list rooted at index 0.
type Tree struct {
	Nodes []Node `json:"nodes"`
}

// Combine selects how tree outputs are merged.
type Combine string

const (
	CombineMean Combine = "mean"
	CombineSum  Combine = "sum"
)

// Ensemble is a tree-ensemble regressor stored as JSON.
type Ensemble struct {
	FeatureShape FeatureShape `json:"feature_shape"`
	Combine      Combine      `json:"combine,omitempty"`
	BaseScore    float64      `json:"base_score,omitempty"`
	Trees        []Tree       `json:"trees"`
}

func (e *Ensemble) Shape() FeatureShape { return e.FeatureShape }

// Validate checks that every tree is well formed and acyclic.
func (e *Ensemble) Validate() error {
	width := e.FeatureShape.Width()
	if width == 0 {
		return fmt.Errorf("model: unknown feature shape %q", e.FeatureShape)
	}
	switch e.Combine {
	case "", CombineMean, CombineSum:
	default:
		return fmt.Errorf("model: unknown combine %q", e.Combine)
	}
	if len(e.Trees) == 0 {
		return errors.New("model: no trees")
	}
	for ti, t := range e.Trees {
		if len(t.Nodes) == 0 {
			return fmt.Errorf("model: tree %d is empty", ti)
		}
		for ni, n := range t.Nodes {
			if n.Leaf {
				continue
			}
			if n.Feature < 0 || n.Feature >= width {
				return fmt.Errorf("model: tree %d node %d: feature %d out of range", ti, ni, n.Feature)
			}
			// children must point forward so evaluation always terminates
			if n.Left <= ni || n.Right <= ni || n.Left >= len(t.Nodes) || n.Right >= len(t.Nodes) {
				return fmt.Errorf("model: tree %d node %d: bad child index", ti, ni)
			}
		}
	}
	return nil
}

func (t Tree) eval(x []float64) float64 {
	i := 0
	for {
		n := t.Nodes[i]
		if n.Leaf {
			return n.Value
		}
		if x[n.Feature] < n.Threshold {
			i = n.Left
		} else {
			i = n.Right
		}
	}
}

// Predict evaluates the ensemble. The model must have passed Validate.
func (e *Ensemble) Predict(x []float64) (float64, error) {
	if len(x) != e.FeatureShape.Width() {
		return 0, fmt.Errorf("%w: model wants %d features, got %d", ErrShapeMismatch, e.FeatureShape.Width(), len(x))
	}
	var sum float64
	for _, t := range e.Trees {
		sum += t.eval(x)
	}
	if e.Combine == CombineSum {
		return e.BaseScore + sum, nil
	}
	return e.BaseScore + sum/float64(len(e.Trees)), nil
}

// LoadFile reads and validates a JSON ensemble.
func LoadFile(path string) (*Ensemble, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read model: %w", err)
	}
	var e Ensemble
	if err := json.Unmarshal(b, &e); err != nil {
		return nil, fmt.Errorf("decode model %s: %w", path, err)
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return &e, nil
}

// WriteFile stores the ensemble at path via a temp file and rename so a
// concurrent LoadFile never sees a partial artifact.
func WriteFile(path string, e *Ensemble) error {
	if err := e.Validate(); err != nil {
		return err
	}
	b, err := json.MarshalIndent(e, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create model dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".model-*.json")
	if err != nil {
		return fmt.Errorf("create temp model: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()
	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write model: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
