package snapshot

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors attached to records whose state could not be read.
var (
	ErrGone         = errors.New("process no longer exists")
	ErrAccessDenied = errors.New("access denied")
)

const bytesPerMB = 1024 * 1024

// Record is a point-in-time description of one process.
// When Err is non-nil only PID (and possibly Name) are meaningful.
type Record struct {
	PID        int32     `json:"pid"`
	Name       string    `json:"name"`
	CreatedAt  time.Time `json:"created_at"`
	OwnerID    int       `json:"owner_id"`
	CPUPercent float64   `json:"cpu_percent"`
	RSSBytes   uint64    `json:"rss_bytes"`
	Err        error     `json:"-"`
}

// Readable reports whether the record carries usable metrics.
func (r Record) Readable() bool { return r.Err == nil }

// MemoryMB returns resident memory in mebibytes.
func (r Record) MemoryMB() float64 { return float64(r.RSSBytes) / bytesPerMB }

// Age returns how long the process has been running at now.
func (r Record) Age(now time.Time) time.Duration { return now.Sub(r.CreatedAt) }

// Source enumerates processes. Per-process read failures are reported on the
// record (Err) and never abort enumeration; a returned error means the table
// itself could not be listed.
type Source interface {
	Snapshot(ctx context.Context) ([]Record, error)
}

// MetricsReader reads a single process by pid.
type MetricsReader interface {
	ReadMetrics(ctx context.Context, pid int32) (Record, error)
}

// Resolver reports whether pid still refers to the same live process that was
// created at createdAt.
type Resolver func(pid int32, createdAt time.Time) bool

// SourceFunc adapts a plain function to Source.
type SourceFunc func(ctx context.Context) ([]Record, error)

func (f SourceFunc) Snapshot(ctx context.Context) ([]Record, error) { return f(ctx) }
