package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/reclaimr"
	"github.com/loykin/reclaimr/internal/console"
	"github.com/loykin/reclaimr/internal/logger"
)

// command carries what every handler needs. opts lets tests swap the host
// process table and terminator.
type command struct {
	globals *GlobalFlags
	opts    []reclaimr.Option
}

func (c *command) loadConfig() (reclaimr.Config, error) {
	cfg, err := reclaimr.LoadConfig(c.globals.ConfigPath)
	if err != nil {
		return cfg, fmt.Errorf("error loading config: %w", err)
	}
	if c.globals.LogLevel != "" {
		cfg.Log.Level = c.globals.LogLevel
	}
	return cfg, nil
}

// open builds a governor from the config file after applying mutate.
func (c *command) open(mutate func(*reclaimr.Config)) (*reclaimr.Governor, func(), error) {
	cfg, err := c.loadConfig()
	if err != nil {
		return nil, nil, err
	}
	if mutate != nil {
		mutate(&cfg)
	}
	log, closer, err := logger.New(cfg.Log)
	if err != nil {
		return nil, nil, err
	}
	slog.SetDefault(log)
	opts := append([]reclaimr.Option{reclaimr.WithLogger(log)}, c.opts...)
	g, err := reclaimr.New(cfg, opts...)
	if err != nil {
		if closer != nil {
			_ = closer.Close()
		}
		return nil, nil, err
	}
	return g, func() {
		if err := g.Close(); err != nil {
			log.Warn("close governor", "error", err)
		}
		if closer != nil {
			_ = closer.Close()
		}
	}, nil
}

func withMode(mode string) func(*reclaimr.Config) {
	return func(cfg *reclaimr.Config) {
		if mode != "" {
			cfg.Governance.Mode = mode
		}
	}
}

func (c *command) Groups(ctx context.Context, w io.Writer, f GroupsFlags) error {
	if err := checkOutput(f.Output); err != nil {
		return err
	}
	if f.APIUrl != "" {
		groups, err := NewAPIClient(f.APIUrl, f.APITimeout).Groups(f.Order, f.Search)
		if err != nil {
			return err
		}
		return writeGroups(w, groups, f.Output)
	}
	g, done, err := c.open(nil)
	if err != nil {
		return err
	}
	defer done()
	table, err := g.Groups(ctx)
	if err != nil {
		return err
	}
	groups, err := reclaimr.SortGroups(table, f.Order, f.Search)
	if err != nil {
		return err
	}
	return writeGroups(w, groups, f.Output)
}

func (c *command) Candidates(ctx context.Context, w io.Writer, f CandidatesFlags) error {
	if err := checkOutput(f.Output); err != nil {
		return err
	}
	if f.APIUrl != "" {
		cands, err := NewAPIClient(f.APIUrl, f.APITimeout).Candidates(f.Exclude)
		if err != nil {
			return err
		}
		return writeCandidates(w, cands, f.Output)
	}
	g, done, err := c.open(nil)
	if err != nil {
		return err
	}
	defer done()
	cands, err := g.Candidates(ctx, f.Exclude...)
	if err != nil {
		return err
	}
	return writeCandidates(w, cands, f.Output)
}

// Suggest runs an interactive negotiation session on in/w.
func (c *command) Suggest(ctx context.Context, in io.Reader, w io.Writer, f SuggestFlags) error {
	g, done, err := c.open(withMode(f.Mode))
	if err != nil {
		return err
	}
	defer done()
	cfg := g.Config()
	_, _ = fmt.Fprintf(w, "target memory below %.0f%% (mode %s)\n", cfg.Negotiation.TargetMemoryPercent, cfg.Negotiation.Mode)
	if !g.ModelInfo().Loaded {
		_, _ = fmt.Fprintln(w, "warning: no scoring model loaded, run `reclaimr collect` and `reclaimr train` first")
	}

	res, err := g.Negotiate(ctx, console.NewWithIO(in, w))
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(w, "session %s finished: %s after %d cycle(s)\n", res.Session, res.Outcome, res.Cycles)
	for _, a := range res.Accepted {
		_, _ = fmt.Fprintf(w, "%s:\n", a.Suggestion.Group.Name)
		if err := writeReport(w, a.Report, outTable); err != nil {
			return err
		}
	}
	if len(res.Rejected) > 0 {
		_, _ = fmt.Fprintf(w, "rejected: %v\n", res.Rejected)
	}
	return nil
}

func (c *command) Sweep(ctx context.Context, w io.Writer, f SweepFlags) error {
	if err := checkOutput(f.Output); err != nil {
		return err
	}
	if f.APIUrl != "" {
		rep, err := NewAPIClient(f.APIUrl, f.APITimeout).Sweep(f.Mode)
		if err != nil {
			return err
		}
		return writeSweep(w, rep, f.Output)
	}
	g, done, err := c.open(withMode(f.Mode))
	if err != nil {
		return err
	}
	defer done()
	rep, err := g.Sweep(ctx, "")
	if err != nil {
		return err
	}
	return writeSweep(w, rep, f.Output)
}

func (c *command) Close(ctx context.Context, w io.Writer, f CloseFlags) error {
	if f.Name == "" {
		return errors.New("group name is required")
	}
	if err := checkOutput(f.Output); err != nil {
		return err
	}
	if f.APIUrl != "" {
		rep, err := NewAPIClient(f.APIUrl, f.APITimeout).CloseGroup(f.Name, f.Mode)
		if err != nil {
			return err
		}
		return writeReport(w, rep, f.Output)
	}
	g, done, err := c.open(withMode(f.Mode))
	if err != nil {
		return err
	}
	defer done()
	rep, err := g.CloseGroup(ctx, f.Name, "")
	if err != nil {
		return err
	}
	return writeReport(w, rep, f.Output)
}

// Monitor prints host utilisation every interval; Count 0 runs until ctx ends.
func (c *command) Monitor(ctx context.Context, w io.Writer, f MonitorFlags) error {
	if err := checkOutput(f.Output); err != nil {
		return err
	}
	g, done, err := c.open(nil)
	if err != nil {
		return err
	}
	defer done()
	interval := f.Interval
	if interval <= 0 {
		interval = g.Config().Sampler.Interval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for i := 0; f.Count == 0 || i < f.Count; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
			}
		}
		m, err := g.SampleSystem(ctx)
		if err != nil {
			return err
		}
		if err := writeSystem(w, m, f.Output); err != nil {
			return err
		}
	}
	return nil
}

// Serve runs the HTTP API with background refresh until ctx is cancelled.
func (c *command) Serve(ctx context.Context, f ServeFlags) error {
	g, done, err := c.open(func(cfg *reclaimr.Config) {
		if f.Listen != "" {
			cfg.Server.Listen = f.Listen
		}
		if f.BasePath != "" {
			cfg.Server.BasePath = f.BasePath
		}
	})
	if err != nil {
		return err
	}
	defer done()
	cfg := g.Config()
	if cfg.Metrics.Enabled {
		if err := g.RegisterMetrics(prometheus.DefaultRegisterer); err != nil {
			return err
		}
	}
	if err := g.Start(ctx); err != nil {
		return err
	}
	srv, err := reclaimr.NewHTTPServer(cfg.Server.Listen, g)
	if err != nil {
		return err
	}
	slog.Info("reclaimr serving", "addr", cfg.Server.Listen, "base_path", cfg.Server.BasePath, "tls", cfg.Server.TLS.Enabled, "mode", cfg.Negotiation.Mode)

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (c *command) Collect(ctx context.Context, w io.Writer, f CollectFlags) error {
	g, done, err := c.open(func(cfg *reclaimr.Config) {
		if f.Output != "" {
			cfg.Scorer.CorpusPath = f.Output
		}
	})
	if err != nil {
		return err
	}
	defer done()
	samples, err := g.CollectCorpus(ctx, f.Duration, f.Interval)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "wrote %d rows to %s\n", len(samples), g.Config().Scorer.CorpusPath)
	return err
}

func (c *command) Train(ctx context.Context, w io.Writer, f TrainFlags) error {
	g, done, err := c.open(func(cfg *reclaimr.Config) {
		if f.Corpus != "" {
			cfg.Scorer.CorpusPath = f.Corpus
		}
		if f.Model != "" {
			cfg.Scorer.ModelPath = f.Model
		}
	})
	if err != nil {
		return err
	}
	defer done()
	info, err := g.RetrainModel(ctx)
	if err != nil {
		return err
	}
	return writeModel(w, info, outTable)
}

func (c *command) ModelShow(w io.Writer, f ModelFlags) error {
	if err := checkOutput(f.Output); err != nil {
		return err
	}
	if f.APIUrl != "" {
		info, err := NewAPIClient(f.APIUrl, f.APITimeout).ModelInfo()
		if err != nil {
			return err
		}
		return writeModel(w, info, f.Output)
	}
	g, done, err := c.open(nil)
	if err != nil {
		return err
	}
	defer done()
	return writeModel(w, g.ModelInfo(), f.Output)
}

// ModelReload asks a daemon to reload its model, or validates the local file.
func (c *command) ModelReload(w io.Writer, f ModelFlags) error {
	if f.APIUrl != "" {
		info, err := NewAPIClient(f.APIUrl, f.APITimeout).ReloadModel()
		if err != nil {
			return err
		}
		return writeModel(w, info, f.Output)
	}
	g, done, err := c.open(nil)
	if err != nil {
		return err
	}
	defer done()
	info, err := g.ReloadModel()
	if err != nil {
		return err
	}
	return writeModel(w, info, f.Output)
}

func (c *command) ModelRetrain(ctx context.Context, w io.Writer, f ModelFlags) error {
	if f.APIUrl != "" {
		info, err := NewAPIClient(f.APIUrl, f.APITimeout).RetrainModel()
		if err != nil {
			return err
		}
		return writeModel(w, info, f.Output)
	}
	return c.Train(ctx, w, TrainFlags{})
}
