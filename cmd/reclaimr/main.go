package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := buildRoot(&command{globals: &GlobalFlags{}})
	if err := root.ExecuteContext(ctx); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// buildRoot creates the command tree around c.
func buildRoot(c *command) *cobra.Command {
	root := createRootCommand(c.globals)
	root.AddCommand(
		createGroupsCommand(c),
		createCandidatesCommand(c),
		createSuggestCommand(c),
		createSweepCommand(c),
		createCloseCommand(c),
		createMonitorCommand(c),
		createServeCommand(c),
		createCollectCommand(c),
		createTrainCommand(c),
		createModelCommand(c),
	)
	return root
}

func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "reclaimr",
		Short: "Workstation memory governor",
		Long: `Reclaimr groups running processes by name, scores each group's priority
with a trained model, and reclaims low-priority, memory-heavy groups after
asking you. Everything runs in dry-run mode unless configured otherwise.

Examples:
  reclaimr groups --order=-priority
  reclaimr suggest                    # interactive session
  reclaimr sweep --mode=dry-run       # list idle processes
  reclaimr serve --config=reclaimr.toml`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file (optional)")
	root.PersistentFlags().StringVar(&flags.LogLevel, "log-level", "", "override [log].level (debug, info, warn, error)")
	return root
}

func addRemoteFlags(cmd *cobra.Command, f *RemoteFlags) {
	cmd.Flags().StringVar(&f.APIUrl, "api-url", "", "query a running daemon instead of the local host (e.g. http://127.0.0.1:8080/api)")
	cmd.Flags().DurationVar(&f.APITimeout, "api-timeout", 30*time.Second, "daemon request timeout")
}

func createGroupsCommand(c *command) *cobra.Command {
	f := &GroupsFlags{}
	cmd := &cobra.Command{
		Use:   "groups",
		Short: "Show running processes grouped by name",
		Long: `Show every process group with its instance count, average runtime,
priority score, CPU and memory.

Examples:
  reclaimr groups
  reclaimr groups --order=-name --output=yaml
  reclaimr groups --search=chrom`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.Groups(cmd.Context(), cmd.OutOrStdout(), *f)
		},
	}
	cmd.Flags().StringVar(&f.Order, "order", "priority", "sort order: priority, -priority, name, -name")
	cmd.Flags().StringVar(&f.Search, "search", "", "rank groups by name match")
	cmd.Flags().StringVarP(&f.Output, "output", "o", outTable, "output format: table, json, yaml")
	addRemoteFlags(cmd, &f.RemoteFlags)
	return cmd
}

func createCandidatesCommand(c *command) *cobra.Command {
	f := &CandidatesFlags{}
	cmd := &cobra.Command{
		Use:   "candidates",
		Short: "List groups a negotiation would suggest reclaiming",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.Candidates(cmd.Context(), cmd.OutOrStdout(), *f)
		},
	}
	cmd.Flags().StringSliceVar(&f.Exclude, "exclude", nil, "group names to leave out")
	cmd.Flags().StringVarP(&f.Output, "output", "o", outTable, "output format: table, json, yaml")
	addRemoteFlags(cmd, &f.RemoteFlags)
	return cmd
}

func createSuggestCommand(c *command) *cobra.Command {
	f := &SuggestFlags{}
	cmd := &cobra.Command{
		Use:   "suggest",
		Short: "Interactively reclaim memory until usage drops below target",
		Long: `Start a negotiation session. While memory usage is above the target,
the highest-impact low-priority group is suggested; answer accept, reject or
exit. Rejected groups are not suggested again in the same session.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.Suggest(cmd.Context(), cmd.InOrStdin(), cmd.OutOrStdout(), *f)
		},
	}
	cmd.Flags().StringVar(&f.Mode, "mode", "", "override governance mode: dry-run or enforce")
	return cmd
}

func createSweepCommand(c *command) *cobra.Command {
	f := &SweepFlags{}
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Reclaim every idle user process",
		Long: `Classify every process and reclaim the idle ones. A process is idle when
it is readable, owned by a regular user, not whitelisted, below the CPU and
memory thresholds, and older than the minimum age.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.Sweep(cmd.Context(), cmd.OutOrStdout(), *f)
		},
	}
	cmd.Flags().StringVar(&f.Mode, "mode", "", "override governance mode: dry-run or enforce")
	cmd.Flags().StringVarP(&f.Output, "output", "o", outTable, "output format: table, json, yaml")
	addRemoteFlags(cmd, &f.RemoteFlags)
	return cmd
}

func createCloseCommand(c *command) *cobra.Command {
	f := &CloseFlags{}
	cmd := &cobra.Command{
		Use:   "close NAME",
		Short: "Reclaim every process of one group",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) > 0 {
				f.Name = args[0]
			}
			return c.Close(cmd.Context(), cmd.OutOrStdout(), *f)
		},
	}
	cmd.Flags().StringVar(&f.Name, "name", "", "group name")
	cmd.Flags().StringVar(&f.Mode, "mode", "", "override governance mode: dry-run or enforce")
	cmd.Flags().StringVarP(&f.Output, "output", "o", outTable, "output format: table, json, yaml")
	addRemoteFlags(cmd, &f.RemoteFlags)
	return cmd
}

func createMonitorCommand(c *command) *cobra.Command {
	f := &MonitorFlags{}
	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Print CPU, RAM, disk and GPU usage periodically",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.Monitor(cmd.Context(), cmd.OutOrStdout(), *f)
		},
	}
	cmd.Flags().DurationVar(&f.Interval, "interval", 0, "sampling interval (default [sampler].interval)")
	cmd.Flags().IntVar(&f.Count, "count", 0, "number of samples, 0 for unlimited")
	cmd.Flags().StringVarP(&f.Output, "output", "o", outTable, "output format: table, json, yaml")
	return cmd
}

func createServeCommand(c *command) *cobra.Command {
	f := &ServeFlags{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API with background sampling and refresh",
		Long: `Start the reclaimr daemon. The process table is refreshed on the
[refresh] schedule, system usage is sampled on [sampler].interval, and idle
sweeps run on the optional [sweep] schedule.

Examples:
  reclaimr serve --config=reclaimr.toml
  reclaimr serve --listen=:9090 --base-path=/api`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.Serve(cmd.Context(), *f)
		},
	}
	cmd.Flags().StringVar(&f.Listen, "listen", "", "override [server].listen")
	cmd.Flags().StringVar(&f.BasePath, "base-path", "", "override [server].base_path")
	return cmd
}

func createCollectCommand(c *command) *cobra.Command {
	f := &CollectFlags{}
	cmd := &cobra.Command{
		Use:   "collect",
		Short: "Sample process runtimes and write a labelled training corpus",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.Collect(cmd.Context(), cmd.OutOrStdout(), *f)
		},
	}
	cmd.Flags().DurationVar(&f.Duration, "duration", 0, "collection window (default [scorer].collect_duration)")
	cmd.Flags().DurationVar(&f.Interval, "interval", 0, "sampling interval (default [scorer].collect_interval)")
	cmd.Flags().StringVar(&f.Output, "out", "", "corpus CSV path (default [scorer].corpus_path)")
	return cmd
}

func createTrainCommand(c *command) *cobra.Command {
	f := &TrainFlags{}
	cmd := &cobra.Command{
		Use:   "train",
		Short: "Train the priority model and load it",
		Long: `Run the configured trainer. With [scorer].trainer_command set the command is
executed; otherwise a gradient-boosted tree ensemble is fitted in process on
the corpus CSV. The previous model stays active if training fails.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.Train(cmd.Context(), cmd.OutOrStdout(), *f)
		},
	}
	cmd.Flags().StringVar(&f.Corpus, "corpus", "", "corpus CSV path (default [scorer].corpus_path)")
	cmd.Flags().StringVar(&f.Model, "model", "", "model output path (default [scorer].model_path)")
	return cmd
}

func createModelCommand(c *command) *cobra.Command {
	f := &ModelFlags{}
	cmd := &cobra.Command{
		Use:   "model",
		Short: "Show, reload or retrain the priority model",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.ModelShow(cmd.OutOrStdout(), *f)
		},
	}
	cmd.PersistentFlags().StringVarP(&f.Output, "output", "o", outTable, "output format: table, json, yaml")
	cmd.PersistentFlags().StringVar(&f.APIUrl, "api-url", "", "target a running daemon (e.g. http://127.0.0.1:8080/api)")
	cmd.PersistentFlags().DurationVar(&f.APITimeout, "api-timeout", 5*time.Minute, "daemon request timeout")

	cmd.AddCommand(
		&cobra.Command{
			Use:   "reload",
			Short: "Reload the model file",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return c.ModelReload(cmd.OutOrStdout(), *f)
			},
		},
		&cobra.Command{
			Use:   "retrain",
			Short: "Retrain and swap in the model",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return c.ModelRetrain(cmd.Context(), cmd.OutOrStdout(), *f)
			},
		},
	)
	return cmd
}
