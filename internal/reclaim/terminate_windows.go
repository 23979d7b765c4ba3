//go:build windows

package reclaim

import (
	"errors"
	"fmt"

	"github.com/shirou/gopsutil/v4/process"

	"github.com/loykin/reclaimr/internal/snapshot"
)

// SignalTerminator calls TerminateProcess through gopsutil.
type SignalTerminator struct{}

func (SignalTerminator) Terminate(pid int32) error {
	p, err := process.NewProcess(pid)
	if err != nil {
		if errors.Is(err, process.ErrorProcessNotRunning) {
			return fmt.Errorf("pid %d: %w", pid, snapshot.ErrGone)
		}
		return fmt.Errorf("pid %d: %w", pid, err)
	}
	if err := p.Terminate(); err != nil {
		return fmt.Errorf("pid %d: %w: %v", pid, snapshot.ErrAccessDenied, err)
	}
	return nil
}
