package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	sessions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "reclaimr",
			Subsystem: "negotiation",
			Name:      "sessions_total",
			Help:      "Negotiation sessions by terminal outcome.",
		}, []string{"outcome"},
	)
	decisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "reclaimr",
			Subsystem: "negotiation",
			Name:      "decisions_total",
			Help:      "Operator decisions received by the negotiation engine.",
		}, []string{"decision"},
	)
	reclaimResults = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "reclaimr",
			Subsystem: "reclaim",
			Name:      "results_total",
			Help:      "Per-pid reclamation outcomes.",
		}, []string{"mode", "outcome"},
	)
	idleVerdicts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "reclaimr",
			Subsystem: "idle",
			Name:      "verdicts_total",
			Help:      "Idle classification results keyed by the deciding guard.",
		}, []string{"reason"},
	)
	modelLoads = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "reclaimr",
			Subsystem: "scorer",
			Name:      "model_loads_total",
			Help:      "Scoring model load attempts by result.",
		}, []string{"result"},
	)
	sweepDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "reclaimr",
			Subsystem: "sweep",
			Name:      "duration_seconds",
			Help:      "Wall time of whole-system idle sweeps.",
			Buckets:   prometheus.DefBuckets,
		},
	)
	groupMemory = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "reclaimr",
			Subsystem: "group",
			Name:      "memory_mb",
			Help:      "Aggregate resident memory per process group at the last refresh.",
		}, []string{"group"},
	)
	groupCPU = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "reclaimr",
			Subsystem: "group",
			Name:      "cpu_percent",
			Help:      "Aggregate CPU percent per process group at the last refresh.",
		}, []string{"group"},
	)
	groupPriority = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "reclaimr",
			Subsystem: "group",
			Name:      "priority_score",
			Help:      "Scored priority per process group at the last refresh.",
		}, []string{"group"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{sessions, decisions, reclaimResults, idleVerdicts, modelLoads, sweepDuration, groupMemory, groupCPU, groupPriority}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler returns an http.Handler that serves Prometheus metrics for the DefaultGatherer.
func Handler() http.Handler { return promhttp.Handler() }

// Helpers below no-op until Register has succeeded.

func IncSession(outcome string) {
	if regOK.Load() {
		sessions.WithLabelValues(outcome).Inc()
	}
}

func IncDecision(decision string) {
	if regOK.Load() {
		decisions.WithLabelValues(decision).Inc()
	}
}

func IncReclaimResult(mode, outcome string) {
	if regOK.Load() {
		reclaimResults.WithLabelValues(mode, outcome).Inc()
	}
}

func IncIdleVerdict(reason string) {
	if regOK.Load() {
		idleVerdicts.WithLabelValues(reason).Inc()
	}
}

func IncModelLoad(result string) {
	if regOK.Load() {
		modelLoads.WithLabelValues(result).Inc()
	}
}

func ObserveSweep(seconds float64) {
	if regOK.Load() {
		sweepDuration.Observe(seconds)
	}
}

// GroupSample is the per-group view published on every table refresh.
type GroupSample struct {
	Name       string
	MemoryMB   float64
	CPUPercent float64
	Priority   float64
}

// SetGroups replaces the per-group gauges with the given samples so groups
// that disappeared since the last refresh stop being exported.
func SetGroups(samples []GroupSample) {
	if !regOK.Load() {
		return
	}
	groupMemory.Reset()
	groupCPU.Reset()
	groupPriority.Reset()
	for _, s := range samples {
		groupMemory.WithLabelValues(s.Name).Set(s.MemoryMB)
		groupCPU.WithLabelValues(s.Name).Set(s.CPUPercent)
		groupPriority.WithLabelValues(s.Name).Set(s.Priority)
	}
}
