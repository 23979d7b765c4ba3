package idle

import (
	"log/slog"
	"time"

	"github.com/loykin/reclaimr/internal/metrics"
	"github.com/loykin/reclaimr/internal/snapshot"
)

// Policy is a validated Config bound to a logger.
type Policy struct {
	cfg Config
	log *slog.Logger
}

// NewPolicy validates cfg. A nil logger uses slog.Default().
func NewPolicy(cfg Config, log *slog.Logger) (*Policy, error) {
	v, err := cfg.Validate()
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}
	return &Policy{cfg: v, log: log}, nil
}

func (p *Policy) Config() Config { return p.cfg }

// Classify evaluates rec and logs the deciding guard for skipped processes.
func (p *Policy) Classify(rec snapshot.Record, now time.Time) Verdict {
	v := Classify(rec, now, p.cfg)
	metrics.IncIdleVerdict(string(v.Reason))
	if !v.Idle {
		p.log.Debug("skip process", "pid", rec.PID, "name", rec.Name, "reason", v.Reason, "detail", v.Detail)
	}
	return v
}

// Reclaimable reports whether rec passes the protection guards. Group level
// selection uses it to drop system, whitelisted and unreadable pids before
// anything is proposed.
func (p *Policy) Reclaimable(rec snapshot.Record) bool {
	v, protected := Protect(rec, p.cfg)
	if protected {
		p.log.Debug("protected process", "pid", rec.PID, "name", rec.Name, "reason", v.Reason, "detail", v.Detail)
	}
	return !protected
}
