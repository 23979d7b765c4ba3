package sampler

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/mem"
)

// SystemMetrics holds host-wide utilisation percentages at one instant.
type SystemMetrics struct {
	Timestamp     time.Time `json:"timestamp"`
	CPUPercent    float64   `json:"cpu_usage"`
	MemoryPercent float64   `json:"ram_usage"`
	DiskPercent   float64   `json:"disk_usage"`
	GPUPercent    float64   `json:"gpu_usage"`
}

// Reader reads SystemMetrics.
type Reader interface {
	Read(ctx context.Context) (SystemMetrics, error)
}

// GPUReader returns GPU utilisation in percent.
type GPUReader interface {
	GPUPercent(ctx context.Context) (float64, error)
}

// NvidiaSMI queries the first NVIDIA GPU.
type NvidiaSMI struct {
	// Command defaults to "nvidia-smi".
	Command string
}

func (n NvidiaSMI) GPUPercent(ctx context.Context) (float64, error) {
	bin := n.Command
	if bin == "" {
		bin = "nvidia-smi"
	}
	out, err := exec.CommandContext(ctx, bin, "--query-gpu=utilization.gpu", "--format=csv,noheader,nounits").Output()
	if err != nil {
		return 0, fmt.Errorf("nvidia-smi: %w", err)
	}
	return parseGPU(string(out))
}

func parseGPU(out string) (float64, error) {
	line := strings.TrimSpace(strings.SplitN(strings.TrimSpace(out), "\n", 2)[0])
	v, err := strconv.ParseFloat(line, 64)
	if err != nil {
		return 0, fmt.Errorf("parse gpu utilization %q: %w", line, err)
	}
	return v, nil
}

// HostReader reads the local host through gopsutil.
type HostReader struct {
	// DiskPath is the mount whose usage is reported; "/" when empty.
	DiskPath string
	// GPU is optional; a missing or failing GPU reads as 0.
	GPU GPUReader
	Log *slog.Logger
}

func (h HostReader) logger() *slog.Logger {
	if h.Log != nil {
		return h.Log
	}
	return slog.Default()
}

// MemoryPercent returns used virtual memory in percent.
func (h HostReader) MemoryPercent(ctx context.Context) (float64, error) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return 0, fmt.Errorf("virtual memory: %w", err)
	}
	return vm.UsedPercent, nil
}

// Read never fails on GPU or disk; only cpu and memory errors are returned.
func (h HostReader) Read(ctx context.Context) (SystemMetrics, error) {
	m := SystemMetrics{Timestamp: time.Now()}

	pcts, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return m, fmt.Errorf("cpu percent: %w", err)
	}
	if len(pcts) > 0 {
		m.CPUPercent = pcts[0]
	}
	if m.MemoryPercent, err = h.MemoryPercent(ctx); err != nil {
		return m, err
	}

	path := h.DiskPath
	if path == "" {
		path = "/"
	}
	if du, err := disk.UsageWithContext(ctx, path); err == nil {
		m.DiskPercent = du.UsedPercent
	} else {
		h.logger().Debug("disk usage unavailable", "path", path, "error", err)
	}

	if h.GPU != nil {
		if g, err := h.GPU.GPUPercent(ctx); err == nil {
			m.GPUPercent = g
		} else {
			h.logger().Debug("gpu usage unavailable", "error", err)
		}
	}
	return m, nil
}
