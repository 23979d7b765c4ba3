// Package reclaimr governs memory on a workstation: it groups live processes
// by name, scores each group's priority with a replaceable model, and
// reclaims low-priority, resource-heavy groups under operator control.
package reclaimr

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/reclaimr/internal/aggregate"
	"github.com/loykin/reclaimr/internal/config"
	"github.com/loykin/reclaimr/internal/cron"
	"github.com/loykin/reclaimr/internal/history"
	"github.com/loykin/reclaimr/internal/history/factory"
	"github.com/loykin/reclaimr/internal/idle"
	"github.com/loykin/reclaimr/internal/metrics"
	"github.com/loykin/reclaimr/internal/negotiate"
	"github.com/loykin/reclaimr/internal/reclaim"
	"github.com/loykin/reclaimr/internal/sampler"
	"github.com/loykin/reclaimr/internal/scorer"
	iapi "github.com/loykin/reclaimr/internal/server"
	"github.com/loykin/reclaimr/internal/snapshot"
	"github.com/loykin/reclaimr/internal/sweep"
	itls "github.com/loykin/reclaimr/internal/tls"
	"github.com/loykin/reclaimr/internal/training"
)

// Re-export core types for external consumers.

type Config = config.FileConfig

type Group = aggregate.Group

type Suggestion = negotiate.Suggestion

type Mode = reclaim.Mode

type Report = reclaim.Report

type SweepReport = sweep.Report

type SessionResult = negotiate.Result

type SystemMetrics = sampler.SystemMetrics

type ModelInfo = scorer.Info

type Event = history.Event

type HistorySink = history.Sink

type Decider = negotiate.Decider

const (
	DryRun  = reclaim.DryRun
	Enforce = reclaim.Enforce
)

// ErrUnknownGroup is returned by CloseGroup for a name not in the process table.
var ErrUnknownGroup = aggregate.ErrUnknownGroup

// LoadConfig reads and validates a TOML config file; an empty path uses defaults.
func LoadConfig(path string) (Config, error) { return config.Load(path) }

// DefaultConfig returns the built-in configuration.
func DefaultConfig() Config { return config.Default() }

// SortGroups flattens groups for display. order is priority, -priority, name
// or -name (empty means priority); a non-empty search ranks by name match.
func SortGroups(groups map[string]Group, order, search string) ([]Group, error) {
	o, err := aggregate.ParseOrder(order)
	if err != nil {
		return nil, err
	}
	return aggregate.List(groups, o, search), nil
}

// Governor wires the snapshot source, scorer, classifier, reclaimer, sampler
// and schedules together for embedding.
type Governor struct {
	cfg Config
	log *slog.Logger

	source      snapshot.Source
	host        sampler.HostReader
	system      sampler.Reader
	usage       negotiate.UsageReader
	term        reclaim.Terminator
	extra       []history.Sink
	onSample    func(SystemMetrics)
	scorer      *scorer.Scorer
	table       *aggregate.Table
	reclaimable *aggregate.Table
	policy      *idle.Policy
	reclaimer   *reclaim.Reclaimer
	sweeper     *sweep.Sweeper
	sampler     *sampler.Sampler
	recorder    *history.Recorder
	sinks       []history.Sink
	sched       *cron.Scheduler

	mu       sync.RWMutex
	cached   map[string]Group
	cachedAt time.Time
	started  bool
}

type Option func(*Governor)

// WithLogger sets the logger; nil keeps slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(g *Governor) {
		if l != nil {
			g.log = l
		}
	}
}

// WithSource replaces the host process table.
func WithSource(s snapshot.Source) Option { return func(g *Governor) { g.source = s } }

// WithTerminator replaces the platform terminator.
func WithTerminator(t reclaim.Terminator) Option { return func(g *Governor) { g.term = t } }

// WithSystemReader replaces the host utilisation reader used by the sampler.
func WithSystemReader(r sampler.Reader) Option { return func(g *Governor) { g.system = r } }

// WithUsageReader replaces the memory reader negotiation sessions consult.
func WithUsageReader(u negotiate.UsageReader) Option { return func(g *Governor) { g.usage = u } }

// WithSink adds an audit sink next to the configured DSNs.
func WithSink(s history.Sink) Option { return func(g *Governor) { g.extra = append(g.extra, s) } }

// WithSampleHook is called after every background sample.
func WithSampleHook(fn func(SystemMetrics)) Option { return func(g *Governor) { g.onSample = fn } }

// New validates cfg and builds a Governor. A missing model file is not an
// error; groups are then reported with unknown priority.
func New(cfg Config, opts ...Option) (*Governor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	g := &Governor{cfg: cfg, log: slog.Default()}
	for _, o := range opts {
		o(g)
	}
	if g.source == nil {
		g.source = snapshot.NewProcSource(g.log)
	}
	g.host = sampler.HostReader{DiskPath: cfg.Sampler.DiskPath, Log: g.log}
	if cfg.Sampler.GPU {
		g.host.GPU = sampler.NvidiaSMI{}
	}
	if g.system == nil {
		g.system = g.host
	}
	if g.usage == nil {
		g.usage = g.host
	}

	g.scorer = scorer.New(scorer.ShapeRuntime, scorer.WithLogger(g.log), scorer.WithModelPath(cfg.Scorer.ModelPath))
	if err := g.scorer.Reload(); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			g.log.Info("no scoring model yet", "path", cfg.Scorer.ModelPath)
		} else {
			g.log.Warn("scoring model not loaded", "path", cfg.Scorer.ModelPath, "error", err)
		}
	}
	policy, err := idle.NewPolicy(cfg.Idle, g.log)
	if err != nil {
		return nil, err
	}
	g.policy = policy
	g.table = &aggregate.Table{Source: g.source, Score: g.scorer.RuntimeScore}
	g.reclaimable = &aggregate.Table{Source: g.source, Score: g.scorer.RuntimeScore, Keep: g.policy.Reclaimable}

	if cfg.History.Memory > 0 {
		g.recorder = history.NewRecorder(cfg.History.Memory)
		g.sinks = append(g.sinks, g.recorder)
	}
	for _, dsn := range cfg.History.DSNs {
		s, err := factory.NewSinkFromDSN(dsn)
		if err != nil {
			_ = g.closeSinks()
			return nil, fmt.Errorf("history sink: %w", err)
		}
		g.sinks = append(g.sinks, s)
	}
	g.sinks = append(g.sinks, g.extra...)
	var ropts []reclaim.Option
	ropts = append(ropts, reclaim.WithLogger(g.log))
	if ic, ok := g.source.(reclaim.IdentityChecker); ok {
		ropts = append(ropts, reclaim.WithIdentity(ic))
	}
	if len(g.sinks) > 0 {
		ropts = append(ropts, reclaim.WithSink(history.Fanout(g.sinks)))
	}
	g.reclaimer = reclaim.New(g.term, ropts...)
	g.sweeper = sweep.New(g.source, g.policy, g.reclaimer, g.log)

	sopts := []sampler.Option{sampler.WithLogger(g.log)}
	if g.onSample != nil {
		sopts = append(sopts, sampler.OnSample(g.onSample))
	}
	g.sampler = sampler.New(g.system, cfg.Sampler, sopts...)
	g.sched = cron.NewScheduler(cfg.Refresh.Timezone, g.log)
	return g, nil
}

// Config returns the validated configuration.
func (g *Governor) Config() Config { return g.cfg }

func (g *Governor) mode(m Mode) Mode {
	if m == "" {
		return g.cfg.Negotiation.Mode
	}
	return m
}

// Groups aggregates a fresh snapshot and refreshes the cached table and gauges.
func (g *Governor) Groups(ctx context.Context) (map[string]Group, error) {
	groups, err := g.table.Groups(ctx)
	if err != nil {
		return nil, err
	}
	g.mu.Lock()
	g.cached, g.cachedAt = groups, time.Now()
	g.mu.Unlock()

	samples := make([]metrics.GroupSample, 0, len(groups))
	for _, gr := range groups {
		samples = append(samples, metrics.GroupSample{Name: gr.Name, MemoryMB: gr.MemoryMB, CPUPercent: gr.CPUPercent, Priority: gr.Priority})
	}
	metrics.SetGroups(samples)
	return groups, nil
}

// CachedGroups returns the table from the last refresh and when it was taken.
func (g *Governor) CachedGroups() (map[string]Group, time.Time) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.cached, g.cachedAt
}

// Refresh rebuilds the cached table.
func (g *Governor) Refresh(ctx context.Context) error {
	_, err := g.Groups(ctx)
	return err
}

// ReclaimableGroups aggregates a fresh snapshot without protected pids
// (unreadable, system owned or whitelisted). Groups left without pids are
// reported with Count 0.
func (g *Governor) ReclaimableGroups(ctx context.Context) (map[string]Group, error) {
	return g.reclaimable.Groups(ctx)
}

// Candidates lists the groups a negotiation would currently suggest, best first.
func (g *Governor) Candidates(ctx context.Context, exclude ...string) ([]Suggestion, error) {
	groups, err := g.ReclaimableGroups(ctx)
	if err != nil {
		return nil, err
	}
	rej := negotiate.RejectionSet{}
	for _, n := range exclude {
		rej.Add(n)
	}
	c := negotiate.Criteria{Threshold: g.cfg.Negotiation.SuggestionThreshold, IncludeUnscored: g.cfg.Negotiation.IncludeUnscored}
	return negotiate.Select(groups, c, rej), nil
}

// Negotiate runs one interactive session with decider as the operator.
func (g *Governor) Negotiate(ctx context.Context, decider Decider, opts ...negotiate.Option) (SessionResult, error) {
	opts = append([]negotiate.Option{negotiate.WithLogger(g.log)}, opts...)
	return negotiate.New(g.cfg.Negotiation, g.reclaimable, g.usage, decider, g.reclaimer, opts...).Run(ctx)
}

// Sweep reclaims every idle process; an empty mode uses the configured one.
func (g *Governor) Sweep(ctx context.Context, mode Mode) (SweepReport, error) {
	return g.sweeper.Run(ctx, g.mode(mode))
}

// CloseGroup reclaims every unprotected pid of the named group. A group whose
// pids are all protected yields an empty report.
func (g *Governor) CloseGroup(ctx context.Context, name string, mode Mode) (Report, error) {
	groups, err := g.ReclaimableGroups(ctx)
	if err != nil {
		return Report{}, err
	}
	gr, ok := groups[name]
	if !ok {
		return Report{}, fmt.Errorf("%w: %s", ErrUnknownGroup, name)
	}
	return g.reclaimer.Reclaim(ctx, reclaim.Batch{
		Mode:    g.mode(mode),
		Origin:  history.OriginClose,
		Session: uuid.NewString(),
		Targets: reclaim.TargetsOf(gr.Name, gr.PIDs, gr.Started),
	}), nil
}

// System returns the latest background sample, or reads one now.
func (g *Governor) System(ctx context.Context) (SystemMetrics, error) {
	if m, ok := g.sampler.Latest(); ok {
		return m, nil
	}
	return g.sampler.SampleOnce(ctx)
}

// SampleSystem reads host utilisation now and records it in the history.
func (g *Governor) SampleSystem(ctx context.Context) (SystemMetrics, error) {
	return g.sampler.SampleOnce(ctx)
}

// SystemHistory returns retained samples, oldest first.
func (g *Governor) SystemHistory() []SystemMetrics { return g.sampler.History() }

func (g *Governor) ModelInfo() ModelInfo { return g.scorer.Info() }

// ReloadModel re-reads the configured model file; on failure the old model stays.
func (g *Governor) ReloadModel() (ModelInfo, error) {
	err := g.scorer.Reload()
	return g.scorer.Info(), err
}

// RetrainModel runs the configured trainer and swaps in its artifact.
func (g *Governor) RetrainModel(ctx context.Context) (ModelInfo, error) {
	t, err := g.trainer()
	if err != nil {
		return g.scorer.Info(), err
	}
	return g.scorer.Retrain(ctx, t)
}

func (g *Governor) trainer() (scorer.Trainer, error) {
	sc := g.cfg.Scorer
	if len(sc.TrainerCommand) == 0 {
		return training.Trainer{CorpusPath: sc.CorpusPath, ModelPath: sc.ModelPath, Params: sc.Training, Log: g.log}, nil
	}
	env, err := sc.TrainerEnv()
	if err != nil {
		return nil, fmt.Errorf("trainer env: %w", err)
	}
	return scorer.CommandTrainer{Command: sc.TrainerCommand, Output: sc.ModelPath, Dir: sc.TrainerDir, Env: env}, nil
}

// CollectCorpus samples runtimes for duration, labels them by decile and
// writes the training CSV. Zero durations use the configured ones.
func (g *Governor) CollectCorpus(ctx context.Context, duration, interval time.Duration) ([]training.Sample, error) {
	if duration <= 0 {
		duration = g.cfg.Scorer.CollectDuration
	}
	if interval <= 0 {
		interval = g.cfg.Scorer.CollectInterval
	}
	usage, err := training.Collect(ctx, g.source, duration, interval)
	if err != nil {
		return nil, err
	}
	samples := training.Label(usage)
	if err := training.SaveCSV(g.cfg.Scorer.CorpusPath, samples); err != nil {
		return nil, err
	}
	g.log.Info("training corpus written", "path", g.cfg.Scorer.CorpusPath, "rows", len(samples))
	return samples, nil
}

// Events returns the in-memory audit trail; nil when history.memory is 0.
func (g *Governor) Events() []Event {
	if g.recorder == nil {
		return nil
	}
	return g.recorder.Events()
}

// Jobs reports the scheduled refresh and sweep jobs.
func (g *Governor) Jobs() []cron.JobStatus { return g.sched.Status() }

// RegisterMetrics registers the governor collectors with r.
func (g *Governor) RegisterMetrics(r prometheus.Registerer) error {
	if err := metrics.Register(r); err != nil {
		return err
	}
	return g.sampler.RegisterMetrics(r)
}

// Start registers the refresh/sweep schedules and launches the background
// sampler. On error nothing is left running and Start may be retried.
func (g *Governor) Start(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.started {
		return errors.New("governor already started")
	}
	jobs := []*cron.Job{{Name: "refresh", Schedule: g.cfg.Refresh.Schedule, Run: g.Refresh}}
	if g.cfg.Sweep.Schedule != "" {
		mode := Mode(g.cfg.Sweep.Mode)
		jobs = append(jobs, &cron.Job{Name: "sweep", Schedule: g.cfg.Sweep.Schedule, Run: func(ctx context.Context) error {
			_, err := g.Sweep(ctx, mode)
			return err
		}})
	}
	var added []string
	unwind := func() {
		for _, name := range added {
			g.sched.Remove(name)
		}
	}
	for _, j := range jobs {
		if err := g.sched.Add(j); err != nil {
			unwind()
			return err
		}
		added = append(added, j.Name)
	}
	if err := g.sched.Start(); err != nil {
		unwind()
		return err
	}
	if g.cfg.Sampler.Enabled {
		g.sampler.Start(ctx)
	}
	g.started = true
	return nil
}

// Stop halts background work; it is safe to call more than once.
func (g *Governor) Stop() {
	g.sched.Stop()
	g.sampler.Stop()
}

// Close stops background work and closes audit sinks.
func (g *Governor) Close() error {
	g.Stop()
	return g.closeSinks()
}

func (g *Governor) closeSinks() error {
	var errs []error
	for _, s := range g.sinks {
		if c, ok := s.(io.Closer); ok {
			errs = append(errs, c.Close())
		}
	}
	g.sinks = nil
	return errors.Join(errs...)
}

// NewRouter returns the HTTP API for g.
func NewRouter(g *Governor) *iapi.Router {
	var opts []iapi.Option
	opts = append(opts, iapi.WithLogger(g.log))
	if g.cfg.Metrics.Enabled {
		opts = append(opts, iapi.WithMetricsHandler(metrics.Handler()))
	}
	return iapi.NewRouter(g, g.cfg.Server.BasePath, opts...)
}

// NewHTTPServer starts an HTTP server exposing the API on addr, with TLS when
// [server.tls] is enabled.
func NewHTTPServer(addr string, g *Governor) (*http.Server, error) {
	tlsCfg, err := itls.Setup(g.cfg.Server.TLS)
	if err != nil {
		return nil, err
	}
	return iapi.NewServer(addr, NewRouter(g), tlsCfg), nil
}

// ModelExists reports whether the configured model file is present.
func (g *Governor) ModelExists() bool {
	_, err := os.Stat(g.cfg.Scorer.ModelPath)
	return err == nil
}
