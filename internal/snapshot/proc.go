package snapshot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"syscall"
	"time"

	"github.com/shirou/gopsutil/v4/process"
)

// DefaultCPUWindow is how long CPU usage is measured for each snapshot.
const DefaultCPUWindow = 250 * time.Millisecond

// ProcSource reads the live process table through gopsutil.
type ProcSource struct {
	log    *slog.Logger
	window time.Duration
}

type ProcOption func(*ProcSource)

// WithCPUWindow sets the CPU measurement window; values <= 0 keep the default.
func WithCPUWindow(d time.Duration) ProcOption {
	return func(s *ProcSource) {
		if d > 0 {
			s.window = d
		}
	}
}

// NewProcSource creates a Source backed by the host process table.
func NewProcSource(log *slog.Logger, opts ...ProcOption) *ProcSource {
	if log == nil {
		log = slog.Default()
	}
	s := &ProcSource{log: log, window: DefaultCPUWindow}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Snapshot lists every visible process. CPU is the usage over one shared
// window, not the lifetime average. Processes that exit or deny access
// mid-enumeration are returned with Err set.
func (s *ProcSource) Snapshot(ctx context.Context) ([]Record, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("list processes: %w", err)
	}
	meters := make([]cpuMeter, len(procs))
	for i, p := range procs {
		meters[i] = p
	}
	cpu, cpuErrs, err := currentCPU(ctx, meters, s.window)
	if err != nil {
		return nil, err
	}
	out := make([]Record, 0, len(procs))
	for i, p := range procs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out = append(out, s.read(ctx, p, cpu[i], cpuErrs[i]))
	}
	return out, nil
}

// ReadMetrics reads one process by pid, blocking for the CPU window.
func (s *ProcSource) ReadMetrics(ctx context.Context, pid int32) (Record, error) {
	p, err := process.NewProcessWithContext(ctx, pid)
	if err != nil {
		return Record{PID: pid}, classify(err)
	}
	cpu, cpuErr := p.PercentWithContext(ctx, s.window)
	rec := s.read(ctx, p, cpu, cpuErr)
	return rec, rec.Err
}

// cpuMeter is the part of *process.Process that measures CPU. Interval 0
// returns the usage since the previous call on the same handle.
type cpuMeter interface {
	PercentWithContext(ctx context.Context, interval time.Duration) (float64, error)
}

// currentCPU primes every meter, waits window once and reads each meter's
// usage over that window. Per-meter failures are returned in errs.
func currentCPU(ctx context.Context, meters []cpuMeter, window time.Duration) ([]float64, []error, error) {
	for _, m := range meters {
		_, _ = m.PercentWithContext(ctx, 0)
	}
	if window <= 0 {
		window = DefaultCPUWindow
	}
	t := time.NewTimer(window)
	select {
	case <-ctx.Done():
		t.Stop()
		return nil, nil, ctx.Err()
	case <-t.C:
	}
	vals := make([]float64, len(meters))
	errs := make([]error, len(meters))
	for i, m := range meters {
		vals[i], errs[i] = m.PercentWithContext(ctx, 0)
	}
	return vals, errs, nil
}

// Resolver returns a Resolver that checks pid liveness and guards against pid
// reuse by comparing creation times at millisecond precision.
func (s *ProcSource) Resolver(ctx context.Context) Resolver {
	return func(pid int32, createdAt time.Time) bool {
		p, err := process.NewProcessWithContext(ctx, pid)
		if err != nil {
			return false
		}
		ms, err := p.CreateTimeWithContext(ctx)
		if err != nil {
			return false
		}
		return ms == createdAt.UnixMilli()
	}
}

func (s *ProcSource) read(ctx context.Context, p *process.Process, cpu float64, cpuErr error) Record {
	rec := Record{PID: p.Pid}
	name, err := p.NameWithContext(ctx)
	if err != nil {
		return s.unreadable(rec, "name", err)
	}
	rec.Name = name

	created, err := p.CreateTimeWithContext(ctx)
	if err != nil {
		return s.unreadable(rec, "create_time", err)
	}
	rec.CreatedAt = time.UnixMilli(created)

	uids, err := p.UidsWithContext(ctx)
	if err != nil {
		return s.unreadable(rec, "uids", err)
	}
	if len(uids) == 0 {
		return s.unreadable(rec, "uids", ErrAccessDenied)
	}
	rec.OwnerID = int(uids[0])

	if cpuErr != nil {
		return s.unreadable(rec, "cpu_percent", cpuErr)
	}
	rec.CPUPercent = cpu

	mem, err := p.MemoryInfoWithContext(ctx)
	if err != nil {
		return s.unreadable(rec, "memory_info", err)
	}
	rec.RSSBytes = mem.RSS
	return rec
}

func (s *ProcSource) unreadable(rec Record, field string, err error) Record {
	rec.Err = classify(err)
	s.log.Debug("process unreadable", "pid", rec.PID, "name", rec.Name, "field", field, "error", err)
	return rec
}

// classify maps platform errors onto ErrGone / ErrAccessDenied.
func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrGone), errors.Is(err, ErrAccessDenied):
		return err
	case errors.Is(err, process.ErrorProcessNotRunning),
		errors.Is(err, os.ErrNotExist),
		errors.Is(err, syscall.ESRCH):
		return fmt.Errorf("%w: %v", ErrGone, err)
	case errors.Is(err, os.ErrPermission):
		return fmt.Errorf("%w: %v", ErrAccessDenied, err)
	default:
		return err
	}
}
