// Package sweep reclaims every idle process on the host in one pass.
package sweep

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/loykin/reclaimr/internal/history"
	"github.com/loykin/reclaimr/internal/idle"
	"github.com/loykin/reclaimr/internal/metrics"
	"github.com/loykin/reclaimr/internal/reclaim"
	"github.com/loykin/reclaimr/internal/snapshot"
)

// Report describes one sweep.
type Report struct {
	Session  string              `json:"session"`
	Mode     reclaim.Mode        `json:"mode"`
	Scanned  int                 `json:"scanned"`
	Skipped  map[idle.Reason]int `json:"skipped"`
	Reclaim  reclaim.Report      `json:"reclaim"`
	Duration time.Duration       `json:"duration"`
}

type Reclaimer interface {
	Reclaim(ctx context.Context, b reclaim.Batch) reclaim.Report
}

type Sweeper struct {
	source  snapshot.Source
	policy  *idle.Policy
	reclaim Reclaimer
	log     *slog.Logger
	now     func() time.Time
}

func New(source snapshot.Source, policy *idle.Policy, r Reclaimer, log *slog.Logger) *Sweeper {
	if log == nil {
		log = slog.Default()
	}
	return &Sweeper{source: source, policy: policy, reclaim: r, log: log, now: time.Now}
}

// Run classifies every process and reclaims the idle ones in mode.
func (s *Sweeper) Run(ctx context.Context, mode reclaim.Mode) (Report, error) {
	start := s.now()
	rep := Report{Session: uuid.NewString(), Mode: mode, Skipped: map[idle.Reason]int{}}

	recs, err := s.source.Snapshot(ctx)
	if err != nil {
		return rep, fmt.Errorf("sweep snapshot: %w", err)
	}
	rep.Scanned = len(recs)

	var targets []reclaim.Target
	for _, r := range recs {
		v := s.policy.Classify(r, start)
		if !v.Idle {
			rep.Skipped[v.Reason]++
			continue
		}
		targets = append(targets, reclaim.Target{PID: r.PID, Name: r.Name, CreatedAt: r.CreatedAt})
	}

	rep.Reclaim = s.reclaim.Reclaim(ctx, reclaim.Batch{
		Mode:    mode,
		Origin:  history.OriginSweep,
		Session: rep.Session,
		Targets: targets,
	})
	rep.Duration = s.now().Sub(start)
	metrics.ObserveSweep(rep.Duration.Seconds())
	s.log.Info("sweep finished", "session", rep.Session, "mode", mode, "scanned", rep.Scanned,
		"idle", len(rep.Reclaim.Results), "duration", rep.Duration)
	return rep, nil
}
