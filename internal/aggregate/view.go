package aggregate

import (
	"fmt"
	"sort"
	"strings"
)

// Order selects how List sorts groups for display.
type Order string

const (
	ByPriorityAsc  Order = "priority"
	ByPriorityDesc Order = "-priority"
	ByNameAsc      Order = "name"
	ByNameDesc     Order = "-name"
)

// ParseOrder validates a user-supplied order; empty means ByPriorityAsc.
func ParseOrder(s string) (Order, error) {
	switch o := Order(strings.TrimSpace(s)); o {
	case "":
		return ByPriorityAsc, nil
	case ByPriorityAsc, ByPriorityDesc, ByNameAsc, ByNameDesc:
		return o, nil
	default:
		return "", fmt.Errorf("unknown sort order %q (want priority, -priority, name or -name)", s)
	}
}

// List flattens groups into a slice for display. When search is non-empty the
// result is ranked by how closely names match it instead of by order.
func List(groups map[string]Group, order Order, search string) []Group {
	out := make([]Group, 0, len(groups))
	for _, g := range groups {
		out = append(out, g)
	}
	search = strings.ToLower(strings.TrimSpace(search))
	if search != "" {
		sort.SliceStable(out, func(i, j int) bool {
			ri, rj := matchRank(out[i].Name, search), matchRank(out[j].Name, search)
			if ri != rj {
				return ri < rj
			}
			return strings.ToLower(out[i].Name) < strings.ToLower(out[j].Name)
		})
		return out
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		switch order {
		case ByPriorityDesc:
			if a.Priority != b.Priority {
				return a.Priority > b.Priority
			}
		case ByNameDesc:
			return strings.ToLower(a.Name) > strings.ToLower(b.Name)
		case ByNameAsc:
		default:
			if a.Priority != b.Priority {
				return a.Priority < b.Priority
			}
		}
		return strings.ToLower(a.Name) < strings.ToLower(b.Name)
	})
	return out
}

// matchRank: 0 exact, 1 prefix, 2 substring, 3 no match.
func matchRank(name, search string) int {
	n := strings.ToLower(name)
	switch {
	case n == search:
		return 0
	case strings.HasPrefix(n, search):
		return 1
	case strings.Contains(n, search):
		return 2
	default:
		return 3
	}
}
