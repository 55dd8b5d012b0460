//go:build windows

package driver

import (
	"fmt"
	"os"
	"syscall"

	"lmctl/internal/service"
)

func sysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{CreationFlags: syscall.CREATE_NEW_PROCESS_GROUP}
}

// Signal on Windows has no SIGTERM equivalent for detached processes;
// both kinds terminate the process.
func (o *OS) Signal(d service.Descriptor, pid int, kind SignalKind) error {
	if pid <= 0 {
		return fmt.Errorf("%s: %w", d.Name, ErrProcessGone)
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("%s: %w", d.Name, ErrProcessGone)
	}
	if err := p.Kill(); err != nil {
		return fmt.Errorf("%s: %s signal to pid %d: %w", d.Name, kind, pid, err)
	}
	return nil
}
