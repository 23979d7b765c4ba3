// Package sampler polls host utilisation on a fixed interval and keeps a
// bounded history. It never touches governance state.
package sampler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Config holds configuration for the background sampler.
type Config struct {
	Enabled    bool          `mapstructure:"enabled"`
	Interval   time.Duration `mapstructure:"interval"`
	MaxHistory int           `mapstructure:"max_history"`
	DiskPath   string        `mapstructure:"disk_path"`
	GPU        bool          `mapstructure:"gpu"`
}

// ring is a fixed-size circular buffer.
type ring struct {
	buf      []SystemMetrics
	startIdx int
	count    int
}

func (r *ring) add(m SystemMetrics) {
	if r.count < len(r.buf) {
		r.buf[(r.startIdx+r.count)%len(r.buf)] = m
		r.count++
		return
	}
	r.buf[r.startIdx] = m
	r.startIdx = (r.startIdx + 1) % len(r.buf)
}

func (r *ring) slice() []SystemMetrics {
	out := make([]SystemMetrics, r.count)
	for i := 0; i < r.count; i++ {
		out[i] = r.buf[(r.startIdx+i)%len(r.buf)]
	}
	return out
}

// Sampler manages periodic collection of system metrics.
type Sampler struct {
	reader   Reader
	interval time.Duration
	log      *slog.Logger
	onSample func(SystemMetrics)

	mu      sync.RWMutex
	history ring
	latest  SystemMetrics
	hasLast bool

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	usage *prometheus.GaugeVec
}

type Option func(*Sampler)

func WithLogger(l *slog.Logger) Option { return func(s *Sampler) { s.log = l } }

// OnSample is called after every successful sample, from the sampler goroutine.
func OnSample(fn func(SystemMetrics)) Option { return func(s *Sampler) { s.onSample = fn } }

// New creates a sampler. Zero interval and history use 2s and 100.
func New(reader Reader, cfg Config, opts ...Option) *Sampler {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	maxHistory := cfg.MaxHistory
	if maxHistory <= 0 {
		maxHistory = 100
	}
	s := &Sampler{
		reader:   reader,
		interval: interval,
		log:      slog.Default(),
		history:  ring{buf: make([]SystemMetrics, maxHistory)},
		stopCh:   make(chan struct{}),
		usage: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "reclaimr",
				Subsystem: "system",
				Name:      "usage_percent",
				Help:      "Host utilisation percentage by resource.",
			}, []string{"resource"},
		),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// RegisterMetrics registers the sampler gauges with r.
func (s *Sampler) RegisterMetrics(r prometheus.Registerer) error {
	if err := r.Register(s.usage); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(*prometheus.GaugeVec); ok {
				s.usage = existing
			}
			return nil
		}
		return err
	}
	return nil
}

// Start begins periodic sampling until ctx is done or Stop is called.
// One sample is taken immediately.
func (s *Sampler) Start(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.SampleOnce(ctx)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopCh:
				return
			case <-ticker.C:
				s.SampleOnce(ctx)
			}
		}
	}()
}

// Stop stops sampling and waits for the goroutine to exit.
func (s *Sampler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

// SampleOnce reads and records one sample.
func (s *Sampler) SampleOnce(ctx context.Context) (SystemMetrics, error) {
	m, err := s.reader.Read(ctx)
	if err != nil {
		s.log.Debug("system sample failed", "error", err)
		return m, err
	}
	s.mu.Lock()
	s.history.add(m)
	s.latest = m
	s.hasLast = true
	s.mu.Unlock()

	s.usage.WithLabelValues("cpu").Set(m.CPUPercent)
	s.usage.WithLabelValues("ram").Set(m.MemoryPercent)
	s.usage.WithLabelValues("disk").Set(m.DiskPercent)
	s.usage.WithLabelValues("gpu").Set(m.GPUPercent)

	if s.onSample != nil {
		s.onSample(m)
	}
	return m, nil
}

// Latest returns the most recent sample.
func (s *Sampler) Latest() (SystemMetrics, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.latest, s.hasLast
}

// History returns samples oldest first.
func (s *Sampler) History() []SystemMetrics {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.history.slice()
}
