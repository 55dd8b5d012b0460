//go:build !windows

package driver

import (
	"errors"
	"fmt"
	"syscall"

	"lmctl/internal/service"
)

// sysProcAttr puts the child in its own process group so it survives
// the CLI exiting and so signals reach the whole group.
func sysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setpgid: true}
}

// Signal delivers SIGTERM or SIGKILL, preferring the process group.
func (o *OS) Signal(d service.Descriptor, pid int, kind SignalKind) error {
	if pid <= 0 {
		return fmt.Errorf("%s: %w", d.Name, ErrProcessGone)
	}
	sig := syscall.SIGTERM
	if kind == Forceful {
		sig = syscall.SIGKILL
	}
	err := syscall.Kill(-pid, sig)
	if err != nil {
		// The child may have left its group; fall back to the PID.
		err = syscall.Kill(pid, sig)
	}
	if err != nil {
		if errors.Is(err, syscall.ESRCH) {
			return fmt.Errorf("%s: %w", d.Name, ErrProcessGone)
		}
		return fmt.Errorf("%s: %s signal to pid %d: %w", d.Name, kind, pid, err)
	}
	o.logger.Debug("signal delivered", "service", d.Name, "pid", pid, "kind", kind.String())
	return nil
}
