package lifecycle

import "errors"

var (
	// ErrStartupTimeout means the spawned process never became ready
	// within the configured window; the PID record has been cleaned up.
	ErrStartupTimeout = errors.New("startup timed out")
	// ErrSignalFailed means a process survived the graceful-then-
	// forceful escalation, or signaling itself failed.
	ErrSignalFailed = errors.New("signal failed")
	// ErrNotConfigured means a descriptor lookup (log path) has no
	// resolved value.
	ErrNotConfigured = errors.New("not configured")
)
