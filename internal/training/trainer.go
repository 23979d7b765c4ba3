package training

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/loykin/reclaimr/internal/scorer"
)

// Trainer fits the runtime model from a CSV corpus and writes the JSON
// artifact. It satisfies scorer.Trainer.
type Trainer struct {
	CorpusPath string
	ModelPath  string
	Params     Params
	Log        *slog.Logger
}

func (t Trainer) Train(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	samples, err := LoadCSV(t.CorpusPath)
	if err != nil {
		return "", fmt.Errorf("load corpus: %w", err)
	}
	if len(samples) == 0 {
		return "", fmt.Errorf("corpus %s has no rows", t.CorpusPath)
	}
	m, err := FitRuntime(samples, t.Params)
	if err != nil {
		return "", err
	}
	if err := scorer.WriteFile(t.ModelPath, m); err != nil {
		return "", err
	}
	log := t.Log
	if log == nil {
		log = slog.Default()
	}
	log.Info("model trained", "corpus", t.CorpusPath, "rows", len(samples), "trees", len(m.Trees), "model", t.ModelPath)
	return t.ModelPath, nil
}
