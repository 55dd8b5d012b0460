// Package lifecycle implements the managed service state machine:
// Stopped -> Starting -> Running -> Stopping -> Stopped. There is no
// crashed state; a dead process reconciles back to Stopped the next
// time any operation looks at it.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"lmctl/internal/driver"
	"lmctl/internal/pidstore"
	"lmctl/internal/service"
)

const (
	defaultStartupTimeout = 300 * time.Second
	defaultGraceTimeout   = 10 * time.Second
	defaultPollInterval   = time.Second

	// startupLogTail is how many trailing log lines a startup failure
	// carries.
	startupLogTail = 15
)

// Status is derived, never stored: the record on disk plus a fresh
// liveness probe.
type Status struct {
	Name      string
	Running   bool
	PID       int
	StartedAt time.Time
}

// UpResult reports how an Up call concluded.
type UpResult struct {
	PID            int
	AlreadyRunning bool
}

// DownResult reports how a Down call concluded.
type DownResult struct {
	PID            int
	AlreadyStopped bool
	Forced         bool
}

// ReadinessProber answers whether a spawned service actually serves
// inference yet. The chat pipeline implements it; tests stub it.
type ReadinessProber interface {
	Ready(ctx context.Context, d service.Descriptor) bool
}

// Options tune the controller's polling behavior.
type Options struct {
	StartupTimeout time.Duration // overall Up deadline (default 300s)
	GraceTimeout   time.Duration // window before Graceful escalates (default 10s)
	PollInterval   time.Duration // liveness poll cadence (default 1s)
	Clock          clock.Clock   // injectable for tests
	Logger         *slog.Logger
}

// Controller orchestrates up/down/status/log-location for managed
// services. It exclusively owns PID record mutation and serializes all
// lifecycle operations per service through the store's file lock.
type Controller struct {
	store  *pidstore.Store
	drv    driver.Driver
	clk    clock.Clock
	logger *slog.Logger
	prober ReadinessProber

	startupTimeout time.Duration
	graceTimeout   time.Duration
	pollInterval   time.Duration
}

func New(store *pidstore.Store, drv driver.Driver, opts Options) *Controller {
	c := &Controller{
		store:          store,
		drv:            drv,
		clk:            opts.Clock,
		logger:         opts.Logger,
		startupTimeout: opts.StartupTimeout,
		graceTimeout:   opts.GraceTimeout,
		pollInterval:   opts.PollInterval,
	}
	if c.clk == nil {
		c.clk = clock.New()
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if c.startupTimeout <= 0 {
		c.startupTimeout = defaultStartupTimeout
	}
	if c.graceTimeout <= 0 {
		c.graceTimeout = defaultGraceTimeout
	}
	if c.pollInterval <= 0 {
		c.pollInterval = defaultPollInterval
	}
	return c
}

// SetReadinessProber attaches an inference readiness probe used by Up
// in addition to the liveness check. Must be called before Up.
func (c *Controller) SetReadinessProber(p ReadinessProber) { c.prober = p }

// Up starts the service unless it is already running. The sequence is
// spawn, record, then bounded readiness polling; on a missed deadline
// the record is cleaned up and ErrStartupTimeout surfaced. A second Up
// racing this one blocks on the service lock and then observes the
// fresh record, so it short-circuits instead of spawning a duplicate.
func (c *Controller) Up(ctx context.Context, d service.Descriptor) (UpResult, error) {
	if err := d.Validate(); err != nil {
		return UpResult{}, err
	}
	unlock, err := c.store.Lock(d.Name)
	if err != nil {
		return UpResult{}, err
	}
	defer unlock()

	st, err := c.statusLocked(d)
	if err != nil {
		return UpResult{}, err
	}
	if st.Running {
		c.logger.Info("service already running", "service", d.Name, "pid", st.PID)
		return UpResult{PID: st.PID, AlreadyRunning: true}, nil
	}

	pid, err := c.drv.Spawn(d)
	if err != nil {
		// No record was written; nothing to clean up.
		return UpResult{}, err
	}
	rec := pidstore.Record{PID: pid, StartedAt: c.clk.Now(), Host: d.BindHost, Port: d.BindPort}
	if err := c.store.Write(d.Name, rec); err != nil {
		_ = c.drv.Signal(d, pid, driver.Forceful)
		return UpResult{}, err
	}
	c.logger.Info("service spawned", "service", d.Name, "pid", pid, "addr", d.Addr())

	if err := c.awaitReady(ctx, d, pid); err != nil {
		_ = c.store.Clear(d.Name)
		return UpResult{}, c.withLogTail(d, err)
	}
	return UpResult{PID: pid}, nil
}

// withLogTail appends the service log's trailing lines to a startup
// failure so the cause (bad model path, port in use) is visible without
// a separate log command.
func (c *Controller) withLogTail(d service.Descriptor, err error) error {
	tail, terr := TailLines(d.LogPath, startupLogTail)
	if terr != nil || len(tail) == 0 {
		return err
	}
	return fmt.Errorf("%w\nrecent log output:\n%s", err, strings.Join(tail, "\n"))
}

// awaitReady polls until the driver reports the PID alive and, when a
// prober is attached, inference answers. Only the "hasn't come up yet"
// condition is retried; the overall deadline bounds everything. A PID
// that was observed alive and then vanished has exited, so that fails
// immediately instead of waiting out the deadline.
func (c *Controller) awaitReady(ctx context.Context, d service.Descriptor, pid int) error {
	deadline := c.clk.Now().Add(c.startupTimeout)
	seenAlive := false
	for {
		alive := c.drv.Alive(d, pid)
		if alive {
			seenAlive = true
			if c.prober == nil || c.prober.Ready(ctx, d) {
				return nil
			}
		} else if seenAlive {
			return fmt.Errorf("%s: process exited during startup: %w", d.Name, ErrStartupTimeout)
		}
		if !c.clk.Now().Before(deadline) {
			if !alive {
				return fmt.Errorf("%s: process exited during startup: %w", d.Name, ErrStartupTimeout)
			}
			return fmt.Errorf("%s: not ready after %s: %w", d.Name, c.startupTimeout, ErrStartupTimeout)
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%s: %w", d.Name, ctx.Err())
		case <-c.clk.After(c.pollInterval):
		}
	}
}

// Down stops the service. Absent or stale records reconcile to an
// "already stopped" success without touching the driver's signal path.
// A graceful stop that outlives the grace window escalates to a
// forceful one; the record is cleared only once the process is
// confirmed gone.
func (c *Controller) Down(ctx context.Context, d service.Descriptor, force bool) (DownResult, error) {
	unlock, err := c.store.Lock(d.Name)
	if err != nil {
		return DownResult{}, err
	}
	defer unlock()

	rec, err := c.store.Read(d.Name)
	if err != nil {
		return DownResult{}, err
	}
	pid := 0
	if rec != nil && c.drv.Alive(d, rec.PID) {
		pid = rec.PID
	} else {
		if rec != nil {
			c.logger.Debug("clearing stale pid record", "service", d.Name, "pid", rec.PID)
		}
		if err := c.store.Clear(d.Name); err != nil {
			return DownResult{}, err
		}
		// The service may have daemonized itself past our record.
		found, ok := c.drv.FindBySignature(d)
		if !ok {
			return DownResult{AlreadyStopped: true}, nil
		}
		c.logger.Debug("stopping unrecorded instance found by signature", "service", d.Name, "pid", found)
		pid = found
	}

	kind := driver.Graceful
	if force {
		kind = driver.Forceful
	}
	if err := c.drv.Signal(d, pid, kind); err != nil && !errors.Is(err, driver.ErrProcessGone) {
		if force {
			return DownResult{}, fmt.Errorf("%s: %w: %v", d.Name, ErrSignalFailed, err)
		}
		c.logger.Warn("graceful signal failed, escalating", "service", d.Name, "pid", pid, "error", err)
	}

	forced := force
	if !c.awaitExit(ctx, d, pid, c.graceTimeout) {
		c.logger.Warn("grace window elapsed, escalating to forceful", "service", d.Name, "pid", pid)
		if err := c.drv.Signal(d, pid, driver.Forceful); err != nil && !errors.Is(err, driver.ErrProcessGone) {
			return DownResult{}, fmt.Errorf("%s: %w: %v", d.Name, ErrSignalFailed, err)
		}
		forced = true
		if !c.awaitExit(ctx, d, pid, c.graceTimeout) {
			return DownResult{}, fmt.Errorf("%s: pid %d survived forceful termination: %w", d.Name, pid, ErrSignalFailed)
		}
	}

	if err := c.store.Clear(d.Name); err != nil {
		return DownResult{}, err
	}
	c.logger.Info("service stopped", "service", d.Name, "pid", pid, "forced", forced)
	return DownResult{PID: pid, Forced: forced}, nil
}

// awaitExit polls until the PID dies, bounded by window. Only the
// "hasn't exited yet" condition is waited on.
func (c *Controller) awaitExit(ctx context.Context, d service.Descriptor, pid int, window time.Duration) bool {
	deadline := c.clk.Now().Add(window)
	for {
		if !c.drv.Alive(d, pid) {
			return true
		}
		if !c.clk.Now().Before(deadline) {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-c.clk.After(c.pollInterval):
		}
	}
}

// Status reconciles the record against the live process table. The
// only mutations are clearing a stale record and re-adopting an
// instance found by command signature.
func (c *Controller) Status(d service.Descriptor) (Status, error) {
	unlock, err := c.store.Lock(d.Name)
	if err != nil {
		return Status{Name: d.Name}, err
	}
	defer unlock()
	return c.statusLocked(d)
}

func (c *Controller) statusLocked(d service.Descriptor) (Status, error) {
	st := Status{Name: d.Name}
	rec, err := c.store.Read(d.Name)
	if err != nil {
		return st, err
	}
	if rec != nil {
		if c.drv.Alive(d, rec.PID) {
			st.Running = true
			st.PID = rec.PID
			st.StartedAt = rec.StartedAt
			return st, nil
		}
		c.logger.Debug("clearing stale pid record", "service", d.Name, "pid", rec.PID)
		if err := c.store.Clear(d.Name); err != nil {
			return st, err
		}
	}
	// Ollama re-daemonizes itself on some platforms; adopt a live
	// instance matching the command signature and record it for the
	// next invocation.
	if pid, ok := c.drv.FindBySignature(d); ok {
		adopted := pidstore.Record{PID: pid, StartedAt: c.clk.Now(), Host: d.BindHost, Port: d.BindPort}
		if err := c.store.Write(d.Name, adopted); err != nil {
			return st, err
		}
		c.logger.Debug("adopted running instance by signature", "service", d.Name, "pid", pid)
		st.Running = true
		st.PID = pid
		st.StartedAt = adopted.StartedAt
	}
	return st, nil
}

// StatusAll probes every descriptor in parallel and returns results in
// input order; services never block on each other.
func (c *Controller) StatusAll(descs []service.Descriptor) ([]Status, error) {
	out := make([]Status, len(descs))
	errs := make([]error, len(descs))
	var wg sync.WaitGroup
	for i, d := range descs {
		wg.Add(1)
		go func(i int, d service.Descriptor) {
			defer wg.Done()
			out[i], errs[i] = c.Status(d)
		}(i, d)
	}
	wg.Wait()
	return out, errors.Join(errs...)
}

// LogLocation returns where the spawned process's output goes.
func (c *Controller) LogLocation(d service.Descriptor) (string, error) {
	if d.LogPath == "" {
		return "", fmt.Errorf("%s: log path: %w", d.Name, ErrNotConfigured)
	}
	return d.LogPath, nil
}

// Record exposes the raw PID record, for the config layer's runtime
// bind override.
func (c *Controller) Record(name string) (*pidstore.Record, error) {
	return c.store.Read(name)
}
