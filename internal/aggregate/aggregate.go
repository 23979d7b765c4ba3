// Package aggregate groups process records by executable name.
package aggregate

import (
	"errors"
	"sort"
	"time"

	"github.com/loykin/reclaimr/internal/snapshot"
)

// ErrUnknownGroup is returned when a named group is not in the current table.
var ErrUnknownGroup = errors.New("unknown process group")

// Group is every live process sharing one name, summarised for one pass.
// Groups are rebuilt on every pass and carry no identity across passes.
type Group struct {
	Name          string  `json:"name" yaml:"name"`
	PIDs          []int32 `json:"pids" yaml:"pids"`
	Count         int     `json:"count" yaml:"count"`
	AvgRuntimeSec float64 `json:"avg_runtime_seconds" yaml:"avg_runtime_seconds"`
	CPUPercent    float64 `json:"aggregate_cpu_percent" yaml:"aggregate_cpu_percent"`
	MemoryMB      float64 `json:"aggregate_memory_mb" yaml:"aggregate_memory_mb"`
	Priority      float64 `json:"priority_score" yaml:"priority_score"`
	// PriorityKnown is false when no scoring model produced Priority.
	PriorityKnown bool `json:"priority_known" yaml:"priority_known"`
	// Started maps each pid to its creation time so a later signal can
	// confirm the pid was not reused.
	Started map[int32]time.Time `json:"-" yaml:"-"`
}

// ScoreFunc maps an average runtime (seconds) to a priority.
type ScoreFunc func(avgRuntimeSec float64) (score float64, known bool)

type options struct {
	resolve snapshot.Resolver
	score   ScoreFunc
	filter  func(snapshot.Record) bool
}

// Option customises an aggregation pass.
type Option func(*options)

// WithResolver drops records whose pid no longer resolves to the same process.
func WithResolver(r snapshot.Resolver) Option {
	return func(o *options) { o.resolve = r }
}

// WithFilter keeps only readable records for which keep returns true. The
// group of a dropped record is still reported.
func WithFilter(keep func(snapshot.Record) bool) Option {
	return func(o *options) { o.filter = keep }
}

// WithScorer sets the priority of every group from its average runtime.
func WithScorer(fn ScoreFunc) Option {
	return func(o *options) { o.score = fn }
}

type accumulator struct {
	group   Group
	seen    map[int32]struct{}
	runtime float64
}

// Aggregate groups records by name in a single pass. Records that are
// unreadable, duplicated, filtered out or no longer resolvable are dropped from their
// group without aborting the pass. A group whose records were all dropped is
// still returned with Count 0 and AvgRuntimeSec 0.
func Aggregate(records []snapshot.Record, now time.Time, opts ...Option) map[string]Group {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}

	acc := make(map[string]*accumulator)
	for _, r := range records {
		if !r.Readable() && r.Name == "" {
			continue
		}
		a, ok := acc[r.Name]
		if !ok {
			a = &accumulator{group: Group{Name: r.Name, Started: map[int32]time.Time{}}, seen: make(map[int32]struct{})}
			acc[r.Name] = a
		}
		if !r.Readable() {
			continue
		}
		if _, dup := a.seen[r.PID]; dup {
			continue
		}
		if o.filter != nil && !o.filter(r) {
			continue
		}
		if o.resolve != nil && !o.resolve(r.PID, r.CreatedAt) {
			continue
		}
		a.seen[r.PID] = struct{}{}
		a.group.PIDs = append(a.group.PIDs, r.PID)
		a.group.Started[r.PID] = r.CreatedAt
		a.group.CPUPercent += r.CPUPercent
		a.group.MemoryMB += r.MemoryMB()
		a.runtime += r.Age(now).Seconds()
	}

	out := make(map[string]Group, len(acc))
	for name, a := range acc {
		g := a.group
		g.Count = len(g.PIDs)
		if g.Count > 0 {
			g.AvgRuntimeSec = a.runtime / float64(g.Count)
		}
		sort.Slice(g.PIDs, func(i, j int) bool { return g.PIDs[i] < g.PIDs[j] })
		if o.score != nil {
			g.Priority, g.PriorityKnown = o.score(g.AvgRuntimeSec)
		}
		out[name] = g
	}
	return out
}

// Total returns the number of pids held across all groups.
func Total(groups map[string]Group) int {
	n := 0
	for _, g := range groups {
		n += g.Count
	}
	return n
}
