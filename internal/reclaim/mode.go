package reclaim

import (
	"fmt"
	"strings"
)

// Mode selects whether termination is applied or only reported.
type Mode string

const (
	DryRun  Mode = "dry-run"
	Enforce Mode = "enforce"
)

// ParseMode accepts "dry-run" (also "dryrun", "dry_run") and "enforce".
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "dry-run", "dryrun", "dry_run":
		return DryRun, nil
	case "enforce":
		return Enforce, nil
	}
	return "", fmt.Errorf("unknown governance mode %q", s)
}

func (m Mode) String() string { return string(m) }
