// Package idle decides whether a single process is a safe reclamation candidate.
package idle

import (
	"fmt"
	"strings"
	"time"

	"github.com/loykin/reclaimr/internal/snapshot"
)

// Reason names the guard that decided a verdict.
type Reason string

const (
	ReasonIdle        Reason = "idle"
	ReasonUnreadable  Reason = "unreadable"
	ReasonSystemOwner Reason = "system_owner"
	ReasonWhitelisted Reason = "whitelisted"
	ReasonBusyCPU     Reason = "busy_cpu"
	ReasonHighMemory  Reason = "high_memory"
	ReasonTooRecent   Reason = "too_recent"
)

// Verdict is the outcome of Classify. Detail is a human readable note for
// the deciding guard.
type Verdict struct {
	Idle   bool   `json:"idle"`
	Reason Reason `json:"reason"`
	Detail string `json:"detail,omitempty"`
}

// Classify runs the guards in order and stops at the first that fails.
// cfg must have passed Validate. Unreadable records are never idle.
func Classify(rec snapshot.Record, now time.Time, cfg Config) Verdict {
	if v, ok := Protect(rec, cfg); ok {
		return v
	}
	if rec.CPUPercent > cfg.CPUThresholdPercent {
		return Verdict{Reason: ReasonBusyCPU, Detail: fmt.Sprintf("cpu %.2f%%", rec.CPUPercent)}
	}
	if mb := rec.MemoryMB(); mb > cfg.MemoryThresholdMB {
		return Verdict{Reason: ReasonHighMemory, Detail: fmt.Sprintf("using %.1fMB", mb)}
	}
	if age := rec.Age(now).Seconds(); age < cfg.MinAgeSeconds {
		return Verdict{Reason: ReasonTooRecent, Detail: fmt.Sprintf("%.1fs old", age)}
	}
	return Verdict{Idle: true, Reason: ReasonIdle}
}

// Protect runs only the protection guards (unreadable, owner, whitelist). It
// reports true with the deciding verdict when rec must never be reclaimed,
// whatever its usage.
func Protect(rec snapshot.Record, cfg Config) (Verdict, bool) {
	if !rec.Readable() {
		return Verdict{Reason: ReasonUnreadable, Detail: rec.Err.Error()}, true
	}
	if rec.OwnerID < cfg.OwnerThreshold {
		return Verdict{Reason: ReasonSystemOwner, Detail: fmt.Sprintf("uid %d", rec.OwnerID)}, true
	}
	name := strings.ToLower(rec.Name)
	for _, w := range cfg.Whitelist {
		if strings.Contains(name, w) {
			return Verdict{Reason: ReasonWhitelisted, Detail: w}, true
		}
	}
	return Verdict{}, false
}

// IsIdle is Classify reduced to its boolean.
func IsIdle(rec snapshot.Record, now time.Time, cfg Config) bool {
	return Classify(rec, now, cfg).Idle
}
