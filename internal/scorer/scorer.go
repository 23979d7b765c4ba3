// Package scorer maps group features to a numeric priority through a
// replaceable model. The active model is swapped atomically; calls already
// holding the previous model finish against it.
package scorer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loykin/reclaimr/internal/metrics"
)

// Fallback is returned for every input while no model is loaded.
const Fallback = 0.0

type handle struct {
	model    Model
	path     string
	loadedAt time.Time
}

// Info describes the active model.
type Info struct {
	Shape    FeatureShape `json:"feature_shape"`
	Loaded   bool         `json:"loaded"`
	Path     string       `json:"path,omitempty"`
	LoadedAt time.Time    `json:"loaded_at,omitempty"`
}

// Scorer owns the model handle.
type Scorer struct {
	shape  FeatureShape
	path   string
	log    *slog.Logger
	cur    atomic.Pointer[handle]
	warned atomic.Bool
	// mu serialises Load/Retrain; readers never take it.
	mu sync.Mutex
}

type Option func(*Scorer)

func WithLogger(l *slog.Logger) Option { return func(s *Scorer) { s.log = l } }

// WithModelPath sets the artifact reloaded by Reload and produced by trainers.
func WithModelPath(p string) Option { return func(s *Scorer) { s.path = p } }

func New(shape FeatureShape, opts ...Option) *Scorer {
	s := &Scorer{shape: shape, log: slog.Default()}
	for _, o := range opts {
		o(s)
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	return s
}

func (s *Scorer) Shape() FeatureShape { return s.shape }

// ModelPath returns the configured artifact path.
func (s *Scorer) ModelPath() string { return s.path }

// Load reads the model at path and makes it active. On any error the
// previous model stays active.
func (s *Scorer) Load(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked(path)
}

func (s *Scorer) loadLocked(path string) error {
	m, err := LoadFile(path)
	if err != nil {
		metrics.IncModelLoad("error")
		return err
	}
	if err := s.swapLocked(m, path); err != nil {
		metrics.IncModelLoad("error")
		return err
	}
	metrics.IncModelLoad("ok")
	s.log.Info("scoring model loaded", "path", path, "shape", m.Shape(), "trees", len(m.Trees))
	return nil
}

// Reload loads the configured model path.
func (s *Scorer) Reload() error {
	if s.path == "" {
		return fmt.Errorf("%w: no model path configured", ErrNoModel)
	}
	return s.Load(s.path)
}

// Swap installs an in-memory model.
func (s *Scorer) Swap(m Model) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.swapLocked(m, "")
}

func (s *Scorer) swapLocked(m Model, path string) error {
	if m == nil {
		return errors.New("scorer: nil model")
	}
	if m.Shape() != s.shape {
		return fmt.Errorf("%w: scorer expects %q, model is %q", ErrShapeMismatch, s.shape, m.Shape())
	}
	s.cur.Store(&handle{model: m, path: path, loadedAt: time.Now()})
	s.warned.Store(false)
	return nil
}

// Evaluate scores one feature vector and fails with ErrNoModel before any
// model is loaded.
func (s *Scorer) Evaluate(features ...float64) (float64, error) {
	h := s.cur.Load()
	if h == nil {
		return Fallback, ErrNoModel
	}
	return h.model.Predict(features)
}

// Predict scores one feature vector. known is false when no model is loaded
// or the model failed on this input; value is then Fallback.
func (s *Scorer) Predict(features ...float64) (value float64, known bool) {
	v, err := s.Evaluate(features...)
	switch {
	case errors.Is(err, ErrNoModel):
		if !s.warned.Swap(true) {
			s.log.Warn("no scoring model loaded, using fallback priority", "fallback", Fallback)
		}
		return Fallback, false
	case err != nil:
		s.log.Warn("scoring failed, using fallback priority", "error", err)
		return Fallback, false
	}
	return v, true
}

// Score is Predict without the known flag. 0 means unknown priority.
func (s *Scorer) Score(features ...float64) float64 {
	v, _ := s.Predict(features...)
	return v
}

// RuntimeScore scores an average runtime; it has the aggregate.ScoreFunc shape.
func (s *Scorer) RuntimeScore(avgRuntimeSec float64) (float64, bool) {
	if s.shape != ShapeRuntime {
		return Fallback, false
	}
	return s.Predict(avgRuntimeSec)
}

func (s *Scorer) Info() Info {
	h := s.cur.Load()
	if h == nil {
		return Info{Shape: s.shape}
	}
	return Info{Shape: s.shape, Loaded: true, Path: h.path, LoadedAt: h.loadedAt}
}

// Trainer produces a model artifact and returns its path.
type Trainer interface {
	Train(ctx context.Context) (string, error)
}

// TrainerFunc adapts a function to Trainer.
type TrainerFunc func(ctx context.Context) (string, error)

func (f TrainerFunc) Train(ctx context.Context) (string, error) { return f(ctx) }

// Retrain runs t and loads its artifact. A failed run or load keeps the
// previous model.
func (s *Scorer) Retrain(ctx context.Context, t Trainer) (Info, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	path, err := t.Train(ctx)
	if err != nil {
		metrics.IncModelLoad("train_error")
		return s.Info(), fmt.Errorf("train: %w", err)
	}
	if path == "" {
		path = s.path
	}
	if err := s.loadLocked(path); err != nil {
		return s.Info(), err
	}
	return s.Info(), nil
}

// CommandTrainer runs an external training command that writes Output.
// Env, when non-empty, replaces the inherited environment.
type CommandTrainer struct {
	Command []string
	Output  string
	Dir     string
	Env     []string
}

func (c CommandTrainer) Train(ctx context.Context) (string, error) {
	if len(c.Command) == 0 {
		return "", errors.New("trainer: empty command")
	}
	cmd := exec.CommandContext(ctx, c.Command[0], c.Command[1:]...)
	cmd.Dir = c.Dir
	if len(c.Env) > 0 {
		cmd.Env = c.Env
	}
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("trainer %s: %w: %s", c.Command[0], err, out)
	}
	return c.Output, nil
}
