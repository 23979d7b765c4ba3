//go:build !windows

package reclaim

import (
	"errors"
	"fmt"
	"syscall"

	"github.com/loykin/reclaimr/internal/snapshot"
)

// SignalTerminator sends SIGTERM.
type SignalTerminator struct{}

func (SignalTerminator) Terminate(pid int32) error {
	err := syscall.Kill(int(pid), syscall.SIGTERM)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, syscall.ESRCH):
		return fmt.Errorf("pid %d: %w", pid, snapshot.ErrGone)
	case errors.Is(err, syscall.EPERM):
		return fmt.Errorf("pid %d: %w", pid, snapshot.ErrAccessDenied)
	}
	return fmt.Errorf("pid %d: %w", pid, err)
}
