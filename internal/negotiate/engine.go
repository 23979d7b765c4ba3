// Package negotiate drives the propose/decide/apply loop with an operator.
package negotiate

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/loykin/reclaimr/internal/aggregate"
	"github.com/loykin/reclaimr/internal/history"
	"github.com/loykin/reclaimr/internal/metrics"
	"github.com/loykin/reclaimr/internal/reclaim"
)

// State is a node of the negotiation state machine.
type State string

const (
	Evaluating       State = "evaluating"
	Selecting        State = "selecting"
	AwaitingContinue State = "awaiting_continue"
	AwaitingAccept   State = "awaiting_accept"
)

// Outcome is how a session ended.
type Outcome string

const (
	Optimized   Outcome = "optimized"
	UserStopped Outcome = "stopped"
	UserExited  Outcome = "exited"
)

// Decision is the operator's answer to a suggestion.
type Decision int

const (
	Accept Decision = iota
	Reject
	Exit
)

func (d Decision) String() string {
	switch d {
	case Accept:
		return "accept"
	case Reject:
		return "reject"
	case Exit:
		return "exit"
	}
	return fmt.Sprintf("decision(%d)", int(d))
}

// Decider is the operator. Both calls block until the operator answers; an
// error ends the session.
type Decider interface {
	AskAcceptReject(ctx context.Context, s Suggestion) (Decision, error)
	AskContinue(ctx context.Context) (bool, error)
}

// UsageReader reports current system memory utilisation in percent.
type UsageReader interface {
	MemoryPercent(ctx context.Context) (float64, error)
}

// GroupSource produces a fresh aggregation. *aggregate.Table implements it.
type GroupSource interface {
	Groups(ctx context.Context) (map[string]aggregate.Group, error)
}

// Reclaimer applies accepted suggestions. *reclaim.Reclaimer implements it.
type Reclaimer interface {
	Reclaim(ctx context.Context, b reclaim.Batch) reclaim.Report
}

type Config struct {
	TargetMemoryPercent float64      `mapstructure:"target_memory_percent"`
	SuggestionThreshold float64      `mapstructure:"suggestion_threshold"`
	IncludeUnscored     bool         `mapstructure:"include_unscored"`
	Mode                reclaim.Mode `mapstructure:"-"`
}

func DefaultConfig() Config {
	return Config{TargetMemoryPercent: 65, SuggestionThreshold: 4, Mode: reclaim.DryRun}
}

// Accepted records one applied suggestion.
type Accepted struct {
	Suggestion Suggestion     `json:"suggestion"`
	Report     reclaim.Report `json:"report"`
}

// Result summarises a session.
type Result struct {
	Session   string     `json:"session"`
	Outcome   Outcome    `json:"outcome"`
	Cycles    int        `json:"cycles"`
	Decisions int        `json:"decisions"`
	Accepted  []Accepted `json:"accepted"`
	Rejected  []string   `json:"rejected"`
}

// Engine runs negotiation sessions. Every session owns its own snapshot,
// RejectionSet and set of accepted names.
type Engine struct {
	cfg      Config
	groups   GroupSource
	usage    UsageReader
	decider  Decider
	reclaim  Reclaimer
	log      *slog.Logger
	observer func(State)
}

type Option func(*Engine)

func WithLogger(l *slog.Logger) Option { return func(e *Engine) { e.log = l } }

// WithObserver is called on every state entry.
func WithObserver(fn func(State)) Option { return func(e *Engine) { e.observer = fn } }

func New(cfg Config, groups GroupSource, usage UsageReader, decider Decider, r Reclaimer, opts ...Option) *Engine {
	e := &Engine{cfg: cfg, groups: groups, usage: usage, decider: decider, reclaim: r, log: slog.Default()}
	for _, o := range opts {
		o(e)
	}
	if e.log == nil {
		e.log = slog.Default()
	}
	return e
}

// Run drives one session from Evaluating to a terminal outcome. Only a
// Decider error ends it early; sampling and usage failures are logged and
// the loop carries on.
func (e *Engine) Run(ctx context.Context) (Result, error) {
	res := Result{Session: uuid.NewString()}
	log := e.log.With("session", res.Session)
	rejected := RejectionSet{}
	// decided holds every name answered in this session. An accepted group
	// that survives (dry-run, denied signal) is not proposed again.
	decided := RejectionSet{}
	var (
		groups  map[string]aggregate.Group
		current Suggestion
	)
	criteria := Criteria{Threshold: e.cfg.SuggestionThreshold, IncludeUnscored: e.cfg.IncludeUnscored}

	finish := func(o Outcome) (Result, error) {
		res.Outcome = o
		res.Rejected = rejected.Names()
		metrics.IncSession(string(o))
		log.Info("negotiation finished", "outcome", o, "cycles", res.Cycles, "accepted", len(res.Accepted), "rejected", len(res.Rejected))
		return res, nil
	}
	fail := func(err error) (Result, error) {
		res.Rejected = rejected.Names()
		metrics.IncSession("error")
		return res, err
	}

	state := Evaluating
	for {
		if e.observer != nil {
			e.observer(state)
		}
		switch state {
		case Evaluating:
			res.Cycles++
			if e.optimized(ctx, log) {
				return finish(Optimized)
			}
			g, err := e.groups.Groups(ctx)
			if err != nil {
				log.Warn("process snapshot failed", "error", err)
				g = nil
			}
			groups = g
			state = Selecting

		case Selecting:
			cands := Select(groups, criteria, decided)
			if len(cands) == 0 {
				state = AwaitingContinue
				continue
			}
			current = cands[0]
			state = AwaitingAccept

		case AwaitingContinue:
			cont, err := e.decider.AskContinue(ctx)
			if err != nil {
				return fail(fmt.Errorf("ask continue: %w", err))
			}
			res.Decisions++
			if !cont {
				metrics.IncDecision("stop")
				return finish(UserStopped)
			}
			metrics.IncDecision("continue")
			state = Evaluating

		case AwaitingAccept:
			d, err := e.decider.AskAcceptReject(ctx, current)
			if err != nil {
				return fail(fmt.Errorf("ask accept: %w", err))
			}
			res.Decisions++
			metrics.IncDecision(d.String())
			switch d {
			case Accept:
				rep := e.reclaim.Reclaim(ctx, reclaim.Batch{
					Mode:    e.cfg.Mode,
					Origin:  history.OriginNegotiation,
					Session: res.Session,
					Targets: reclaim.TargetsOf(current.Group.Name, current.Group.PIDs, current.Group.Started),
				})
				res.Accepted = append(res.Accepted, Accepted{Suggestion: current, Report: rep})
				decided.Add(current.Group.Name)
				state = Evaluating
			case Reject:
				rejected.Add(current.Group.Name)
				decided.Add(current.Group.Name)
				state = Selecting
			case Exit:
				return finish(UserExited)
			default:
				return fail(fmt.Errorf("unknown decision %v", d))
			}
		}
	}
}

// optimized reports whether memory is already below target. An unreadable
// reading counts as not optimized.
func (e *Engine) optimized(ctx context.Context, log *slog.Logger) bool {
	pct, err := e.usage.MemoryPercent(ctx)
	if err != nil {
		log.Warn("memory usage unavailable", "error", err)
		return false
	}
	return pct < e.cfg.TargetMemoryPercent
}
