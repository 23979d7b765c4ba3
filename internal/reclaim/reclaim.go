// Package reclaim terminates (or simulates terminating) batches of processes.
package reclaim

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"time"

	"github.com/loykin/reclaimr/internal/history"
	"github.com/loykin/reclaimr/internal/metrics"
	"github.com/loykin/reclaimr/internal/snapshot"
)

// Outcome is the per-pid result of a batch.
type Outcome string

const (
	Terminated     Outcome = "terminated"
	Failed         Outcome = "failed"
	AlreadyGone    Outcome = "already_gone"
	WouldTerminate Outcome = "would_terminate"
)

// Target is one process to reclaim. Name is informational. A non-zero
// CreatedAt is checked against the live process before it is signalled.
type Target struct {
	PID       int32     `json:"pid"`
	Name      string    `json:"name,omitempty"`
	CreatedAt time.Time `json:"created_at,omitempty"`
}

// TargetsOf builds targets for pids that share name. started may be nil.
func TargetsOf(name string, pids []int32, started map[int32]time.Time) []Target {
	out := make([]Target, len(pids))
	for i, p := range pids {
		out[i] = Target{PID: p, Name: name, CreatedAt: started[p]}
	}
	return out
}

type Result struct {
	PID     int32   `json:"pid"`
	Name    string  `json:"name,omitempty"`
	Outcome Outcome `json:"outcome"`
	Reason  string  `json:"reason,omitempty"`
}

// Report is returned for every batch, including one where every attempt failed.
type Report struct {
	Session string   `json:"session"`
	Mode    Mode     `json:"mode"`
	Results []Result `json:"results"`
}

// PIDs returns the pids with the given outcome in report order.
func (r Report) PIDs(o Outcome) []int32 {
	var out []int32
	for _, res := range r.Results {
		if res.Outcome == o {
			out = append(out, res.PID)
		}
	}
	return out
}

// WouldTerminate is the simulated set of a dry-run batch.
func (r Report) WouldTerminate() []int32 { return r.PIDs(WouldTerminate) }

// Count returns how many results have outcome o.
func (r Report) Count(o Outcome) int { return len(r.PIDs(o)) }

// Terminator is the OS termination primitive. It returns snapshot.ErrGone
// when the pid does not exist and snapshot.ErrAccessDenied when the caller
// may not signal it.
type Terminator interface {
	Terminate(pid int32) error
}

// TerminatorFunc adapts a function to Terminator.
type TerminatorFunc func(pid int32) error

func (f TerminatorFunc) Terminate(pid int32) error { return f(pid) }

// Batch is one reclamation request.
type Batch struct {
	Mode    Mode
	Origin  history.Origin
	Session string
	Targets []Target
}

// IdentityChecker confirms a pid still names the process created at a given
// time. *snapshot.ProcSource implements it.
type IdentityChecker interface {
	Resolver(ctx context.Context) snapshot.Resolver
}

type Reclaimer struct {
	term  Terminator
	ident IdentityChecker
	sink  history.Sink
	log   *slog.Logger
	now   func() time.Time
}

type Option func(*Reclaimer)

// WithSink audits every result. Sink errors are logged and never change the report.
func WithSink(s history.Sink) Option { return func(r *Reclaimer) { r.sink = s } }

func WithLogger(l *slog.Logger) Option { return func(r *Reclaimer) { r.log = l } }

// WithIdentity re-resolves every enforced target that carries a creation
// time. A pid that exited or was reused is reported already_gone and never
// signalled.
func WithIdentity(c IdentityChecker) Option { return func(r *Reclaimer) { r.ident = c } }

// New returns a Reclaimer using term; nil uses the platform terminator.
func New(term Terminator, opts ...Option) *Reclaimer {
	r := &Reclaimer{term: term, log: slog.Default(), now: time.Now}
	if r.term == nil {
		r.term = SignalTerminator{}
	}
	for _, o := range opts {
		o(r)
	}
	if r.log == nil {
		r.log = slog.Default()
	}
	return r
}

// Plan deduplicates targets by pid and orders them ascending. It is the
// exact set an Enforce batch attempts and a DryRun batch reports.
func Plan(targets []Target) []Target {
	seen := make(map[int32]struct{}, len(targets))
	out := make([]Target, 0, len(targets))
	for _, t := range targets {
		if t.PID <= 0 {
			continue
		}
		if _, dup := seen[t.PID]; dup {
			continue
		}
		seen[t.PID] = struct{}{}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PID < out[j].PID })
	return out
}

// Reclaim processes every target independently. In DryRun the terminator is
// never called. Attempts are not cancelled once the batch starts; ctx only
// bounds audit delivery.
func (r *Reclaimer) Reclaim(ctx context.Context, b Batch) Report {
	rep := Report{Session: b.Session, Mode: b.Mode}
	var resolve snapshot.Resolver
	if b.Mode == Enforce && r.ident != nil {
		resolve = r.ident.Resolver(ctx)
	}
	for _, t := range Plan(b.Targets) {
		res := Result{PID: t.PID, Name: t.Name}
		switch {
		case b.Mode != Enforce:
			res.Outcome = WouldTerminate
		case resolve != nil && !t.CreatedAt.IsZero() && !resolve(t.PID, t.CreatedAt):
			res.Outcome, res.Reason = AlreadyGone, "pid no longer refers to the selected process"
		default:
			res.Outcome, res.Reason = r.attempt(t.PID)
		}
		rep.Results = append(rep.Results, res)
		metrics.IncReclaimResult(string(rep.Mode), string(res.Outcome))
		r.log.Info("reclaim", "session", b.Session, "mode", b.Mode, "pid", t.PID, "name", t.Name, "outcome", res.Outcome, "reason", res.Reason)
		r.audit(ctx, b, res)
	}
	return rep
}

func (r *Reclaimer) attempt(pid int32) (Outcome, string) {
	err := r.term.Terminate(pid)
	switch {
	case err == nil:
		return Terminated, ""
	case errors.Is(err, snapshot.ErrGone):
		return AlreadyGone, err.Error()
	default:
		return Failed, err.Error()
	}
}

func (r *Reclaimer) audit(ctx context.Context, b Batch, res Result) {
	if r.sink == nil {
		return
	}
	e := history.Event{
		Type:       history.EventType(res.Outcome),
		OccurredAt: r.now(),
		Session:    b.Session,
		Origin:     b.Origin,
		Mode:       string(b.Mode),
		PID:        res.PID,
		Name:       res.Name,
		Reason:     res.Reason,
	}
	if err := r.sink.Send(ctx, e); err != nil {
		r.log.Warn("history sink failed", "pid", res.PID, "error", err)
	}
}
