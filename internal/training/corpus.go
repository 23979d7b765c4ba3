// Package training builds the runtime corpus and fits the priority model.
package training

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/loykin/reclaimr/internal/snapshot"
)

// Sample is one corpus row.
type Sample struct {
	Name       string
	RuntimeSec float64
	Priority   int
}

var header = []string{"process_name", "runtime_seconds", "numeric_priority"}

// Collect samples src every interval until duration has elapsed and returns
// the latest observed runtime per process name. At least one pass is made.
func Collect(ctx context.Context, src snapshot.Source, duration, interval time.Duration) (map[string]float64, error) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	usage := make(map[string]float64)
	deadline := time.Now().Add(duration)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		recs, err := src.Snapshot(ctx)
		if err != nil {
			return usage, fmt.Errorf("collect: %w", err)
		}
		now := time.Now()
		for _, r := range recs {
			if !r.Readable() || r.Name == "" {
				continue
			}
			usage[r.Name] = r.Age(now).Seconds()
		}
		if !time.Now().Before(deadline) {
			return usage, nil
		}
		select {
		case <-ctx.Done():
			return usage, ctx.Err()
		case <-ticker.C:
		}
	}
}

// percentile interpolates linearly between closest ranks of sorted.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 1 {
		return sorted[0]
	}
	rank := p / 100 * float64(len(sorted)-1)
	lo := int(rank)
	if lo >= len(sorted)-1 {
		return sorted[len(sorted)-1]
	}
	frac := rank - float64(lo)
	return sorted[lo] + (sorted[lo+1]-sorted[lo])*frac
}

// AssignDeciles labels every name 1..10 by the decile of its runtime;
// longer-running processes get higher priority.
func AssignDeciles(usage map[string]float64) map[string]int {
	out := make(map[string]int, len(usage))
	if len(usage) == 0 {
		return out
	}
	vals := make([]float64, 0, len(usage))
	for _, v := range usage {
		vals = append(vals, v)
	}
	sort.Float64s(vals)
	thresholds := make([]float64, 0, 9)
	for p := 10; p < 100; p += 10 {
		thresholds = append(thresholds, percentile(vals, float64(p)))
	}
	for name, rt := range usage {
		prio := 1
		for i, th := range thresholds {
			if rt >= th {
				prio = i + 2
			}
		}
		if prio > 10 {
			prio = 10
		}
		out[name] = prio
	}
	return out
}

// Label turns a usage map into samples sorted by name.
func Label(usage map[string]float64) []Sample {
	prio := AssignDeciles(usage)
	out := make([]Sample, 0, len(usage))
	for name, rt := range usage {
		out = append(out, Sample{Name: name, RuntimeSec: rt, Priority: prio[name]})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func WriteCSV(w io.Writer, samples []Sample) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(header); err != nil {
		return err
	}
	for _, s := range samples {
		row := []string{s.Name, strconv.FormatFloat(s.RuntimeSec, 'f', 1, 64), strconv.Itoa(s.Priority)}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// ReadCSV parses a corpus; columns are located by header name.
func ReadCSV(r io.Reader) ([]Sample, error) {
	cr := csv.NewReader(r)
	rows, err := cr.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read corpus: %w", err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("read corpus: empty")
	}
	idx := map[string]int{}
	for i, h := range rows[0] {
		idx[h] = i
	}
	for _, h := range header {
		if _, ok := idx[h]; !ok {
			return nil, fmt.Errorf("read corpus: missing column %q", h)
		}
	}
	out := make([]Sample, 0, len(rows)-1)
	for n, row := range rows[1:] {
		rt, err := strconv.ParseFloat(row[idx["runtime_seconds"]], 64)
		if err != nil {
			return nil, fmt.Errorf("corpus line %d: runtime: %w", n+2, err)
		}
		p, err := strconv.Atoi(row[idx["numeric_priority"]])
		if err != nil {
			return nil, fmt.Errorf("corpus line %d: priority: %w", n+2, err)
		}
		out = append(out, Sample{Name: row[idx["process_name"]], RuntimeSec: rt, Priority: p})
	}
	return out, nil
}

func SaveCSV(path string, samples []Sample) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := WriteCSV(f, samples); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func LoadCSV(path string) ([]Sample, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()
	return ReadCSV(f)
}
