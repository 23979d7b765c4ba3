package negotiate

import (
	"fmt"
	"sort"

	"github.com/loykin/reclaimr/internal/aggregate"
)

// Suggestion proposes reclaiming one group.
type Suggestion struct {
	Group         aggregate.Group `json:"group"`
	Score         float64         `json:"score"`
	Justification string          `json:"justification"`
}

func newSuggestion(g aggregate.Group) Suggestion {
	score := g.CPUPercent + g.MemoryMB
	prio := fmt.Sprintf("%.2f", g.Priority)
	if !g.PriorityKnown {
		prio = "unknown"
	}
	return Suggestion{
		Group: g,
		Score: score,
		Justification: fmt.Sprintf("low priority (%s) and high resource usage: %d instance(s), cpu %.1f%%, memory %.1f MB, score %.1f",
			prio, g.Count, g.CPUPercent, g.MemoryMB, score),
	}
}

// RejectionSet holds group names the operator rejected in one session.
type RejectionSet map[string]struct{}

func (r RejectionSet) Add(name string) { r[name] = struct{}{} }

func (r RejectionSet) Has(name string) bool {
	_, ok := r[name]
	return ok
}

// Names returns the rejected names sorted.
func (r RejectionSet) Names() []string {
	out := make([]string, 0, len(r))
	for n := range r {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Criteria filters candidate groups.
type Criteria struct {
	// Threshold is the highest priority still eligible.
	Threshold float64
	// IncludeUnscored admits groups without a model-produced priority.
	IncludeUnscored bool
}

// Select returns the eligible groups ranked by score descending, then name
// ascending. Empty groups and rejected names are never returned.
func Select(groups map[string]aggregate.Group, c Criteria, rejected RejectionSet) []Suggestion {
	var out []Suggestion
	for name, g := range groups {
		if g.Count == 0 || rejected.Has(name) {
			continue
		}
		if !g.PriorityKnown && !c.IncludeUnscored {
			continue
		}
		if g.Priority > c.Threshold {
			continue
		}
		out = append(out, newSuggestion(g))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Group.Name < out[j].Group.Name
	})
	return out
}
