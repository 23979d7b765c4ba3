package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"

	"gopkg.in/yaml.v3"

	"github.com/loykin/reclaimr"
)

const (
	outTable = "table"
	outJSON  = "json"
	outYAML  = "yaml"
)

func checkOutput(format string) error {
	switch format {
	case "", outTable, outJSON, outYAML:
		return nil
	}
	return fmt.Errorf("unknown output format %q (want table, json or yaml)", format)
}

// writeStructured encodes v as json or yaml.
func writeStructured(w io.Writer, v any, format string) error {
	if format == outYAML {
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func formatPriority(g reclaimr.Group) string {
	if !g.PriorityKnown {
		return "-"
	}
	return fmt.Sprintf("%.2f", g.Priority)
}

func writeGroups(w io.Writer, groups []reclaimr.Group, format string) error {
	if format == outJSON || format == outYAML {
		return writeStructured(w, groups, format)
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "NAME\tCOUNT\tAVG RUNTIME (s)\tPRIORITY\tCPU %\tMEMORY (MB)")
	for _, g := range groups {
		_, _ = fmt.Fprintf(tw, "%s\t%d\t%.1f\t%s\t%.1f\t%.1f\n",
			g.Name, g.Count, g.AvgRuntimeSec, formatPriority(g), g.CPUPercent, g.MemoryMB)
	}
	return tw.Flush()
}

func writeCandidates(w io.Writer, cands []reclaimr.Suggestion, format string) error {
	if format == outJSON || format == outYAML {
		return writeStructured(w, cands, format)
	}
	if len(cands) == 0 {
		_, err := fmt.Fprintln(w, "no candidates")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "NAME\tCOUNT\tPRIORITY\tSCORE\tJUSTIFICATION")
	for _, c := range cands {
		_, _ = fmt.Fprintf(tw, "%s\t%d\t%s\t%.1f\t%s\n",
			c.Group.Name, c.Group.Count, formatPriority(c.Group), c.Score, c.Justification)
	}
	return tw.Flush()
}

func writeReport(w io.Writer, rep reclaimr.Report, format string) error {
	if format == outJSON || format == outYAML {
		return writeStructured(w, rep, format)
	}
	if rep.Mode == reclaimr.DryRun {
		_, _ = fmt.Fprintln(w, "[dry-run] these processes would be terminated:")
	} else {
		_, _ = fmt.Fprintln(w, "terminated processes:")
	}
	if len(rep.Results) == 0 {
		_, err := fmt.Fprintln(w, " (none)")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, " PID\tNAME\tOUTCOME\tREASON")
	for _, r := range rep.Results {
		_, _ = fmt.Fprintf(tw, " %d\t%s\t%s\t%s\n", r.PID, r.Name, r.Outcome, r.Reason)
	}
	return tw.Flush()
}

func writeSweep(w io.Writer, rep reclaimr.SweepReport, format string) error {
	if format == outJSON || format == outYAML {
		return writeStructured(w, rep, format)
	}
	_, _ = fmt.Fprintf(w, "sweep %s: scanned %d processes in %s\n", rep.Session, rep.Scanned, rep.Duration)
	if len(rep.Skipped) > 0 {
		reasons := make([]string, 0, len(rep.Skipped))
		for r, n := range rep.Skipped {
			reasons = append(reasons, fmt.Sprintf("%s=%d", r, n))
		}
		sort.Strings(reasons)
		_, _ = fmt.Fprintf(w, "skipped: %s\n", strings.Join(reasons, " "))
	}
	return writeReport(w, rep.Reclaim, format)
}

func writeSystem(w io.Writer, m reclaimr.SystemMetrics, format string) error {
	if format == outJSON || format == outYAML {
		return writeStructured(w, m, format)
	}
	_, err := fmt.Fprintf(w, "%s  cpu %5.1f%%  ram %5.1f%%  disk %5.1f%%  gpu %5.1f%%\n",
		m.Timestamp.Format("15:04:05"), m.CPUPercent, m.MemoryPercent, m.DiskPercent, m.GPUPercent)
	return err
}

func writeModel(w io.Writer, info reclaimr.ModelInfo, format string) error {
	if format == outJSON || format == outYAML {
		return writeStructured(w, info, format)
	}
	if !info.Loaded {
		_, err := fmt.Fprintf(w, "no model loaded (feature shape %s); priorities are unknown\n", info.Shape)
		return err
	}
	_, err := fmt.Fprintf(w, "model %s (feature shape %s) loaded at %s\n",
		info.Path, info.Shape, info.LoadedAt.Format("2006-01-02 15:04:05"))
	return err
}
