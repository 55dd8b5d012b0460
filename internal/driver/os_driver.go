package driver

import (
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	gops "github.com/shirou/gopsutil/v3/process"

	"lmctl/internal/service"
)

// OS is the real Driver backed by os/exec and the process table.
type OS struct {
	logger *slog.Logger
}

func NewOS(logger *slog.Logger) *OS {
	if logger == nil {
		logger = slog.Default()
	}
	return &OS{logger: logger}
}

// Spawn starts the service command in its own process group with
// stdout/stderr appended to the log file, then releases the child so it
// outlives this invocation. The returned PID is the only handle kept.
func (o *OS) Spawn(d service.Descriptor) (int, error) {
	if len(d.Command) == 0 {
		return 0, fmt.Errorf("%s: %w: empty command", d.Name, ErrSpawnFailed)
	}
	if dir := filepath.Dir(d.LogPath); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return 0, fmt.Errorf("%s: %w: %v", d.Name, ErrSpawnFailed, err)
		}
	}
	logFile, err := os.OpenFile(d.LogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return 0, fmt.Errorf("%s: %w: open log: %v", d.Name, ErrSpawnFailed, err)
	}
	defer func() { _ = logFile.Close() }() // child holds its own copy

	devNull, err := os.OpenFile(os.DevNull, os.O_RDONLY, 0)
	if err != nil {
		return 0, fmt.Errorf("%s: %w: %v", d.Name, ErrSpawnFailed, err)
	}
	defer func() { _ = devNull.Close() }()

	// #nosec G204 -- the command comes from validated configuration
	cmd := exec.Command(d.Command[0], d.Command[1:]...)
	if len(d.Env) > 0 {
		cmd.Env = append(os.Environ(), d.Env...)
	}
	cmd.Stdin = devNull
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.SysProcAttr = sysProcAttr()

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("%s: %w: %v", d.Name, ErrSpawnFailed, err)
	}
	pid := cmd.Process.Pid
	// Detach: no Wait here. The PID record store owns the running fact
	// from this point; liveness is always re-probed via the process
	// table.
	_ = cmd.Process.Release()
	o.logger.Debug("spawned service process", "service", d.Name, "pid", pid, "log", d.LogPath)
	return pid, nil
}

// Alive probes the process table. A live PID whose command line no
// longer contains the descriptor's signature is reported dead: the PID
// was reused by an unrelated process. Zombies have an empty command
// line and are reported dead the same way.
func (o *OS) Alive(d service.Descriptor, pid int) bool {
	if pid <= 0 {
		return false
	}
	p, err := gops.NewProcess(int32(pid))
	if err != nil {
		return false
	}
	running, err := p.IsRunning()
	if err != nil || !running {
		return false
	}
	return matchesSignature(p, d.Signature())
}

// FindBySignature scans all processes for the descriptor's command
// signature, skipping this process itself.
func (o *OS) FindBySignature(d service.Descriptor) (int, bool) {
	procs, err := gops.Processes()
	if err != nil {
		return 0, false
	}
	self := int32(os.Getpid())
	for _, p := range procs {
		if p.Pid == self {
			continue
		}
		if matchesSignature(p, d.Signature()) {
			return int(p.Pid), true
		}
	}
	return 0, false
}

func matchesSignature(p *gops.Process, want string) bool {
	if want == "" {
		return false
	}
	sig, err := p.Cmdline()
	if err != nil || sig == "" {
		sig, err = p.Name()
		if err != nil {
			return false
		}
	}
	return strings.Contains(sig, want)
}
