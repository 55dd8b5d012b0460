// Package driver abstracts process spawning, liveness probing, and
// signaling behind a single capability interface so the lifecycle
// controller can be exercised against an in-memory fake.
package driver

import (
	"errors"

	"lmctl/internal/service"
)

// SignalKind selects the termination request to deliver.
type SignalKind int

const (
	// Graceful asks the process to shut down cooperatively (SIGTERM).
	Graceful SignalKind = iota
	// Forceful terminates the process immediately (SIGKILL).
	Forceful
)

func (k SignalKind) String() string {
	if k == Forceful {
		return "forceful"
	}
	return "graceful"
}

var (
	// ErrSpawnFailed wraps launch failures: missing binary, exec refusal.
	ErrSpawnFailed = errors.New("spawn failed")
	// ErrProcessGone is returned by Signal when the PID no longer
	// exists. Callers treat it as already-stopped.
	ErrProcessGone = errors.New("process not found")
)

// Driver is the process capability boundary. Implementations must be
// safe for concurrent use.
type Driver interface {
	// Spawn launches the descriptor's command detached from the
	// controlling terminal with stdout/stderr appended to the
	// descriptor's log file, and returns the native PID.
	Spawn(d service.Descriptor) (int, error)
	// Alive reports whether pid is a live process that still matches
	// the descriptor's command signature. It never fails on a PID that
	// does not exist; it returns false.
	Alive(d service.Descriptor, pid int) bool
	// FindBySignature scans for a live process matching the
	// descriptor's command signature, for adopting instances that
	// daemonized themselves out from under a recorded PID.
	FindBySignature(d service.Descriptor) (int, bool)
	// Signal delivers a termination request. ErrProcessGone means the
	// PID was already dead.
	Signal(d service.Descriptor, pid int, kind SignalKind) error
}
