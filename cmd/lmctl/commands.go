package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/pelletier/go-toml/v2"

	"lmctl"
	"lmctl/internal/chat"
	"lmctl/internal/config"
	"lmctl/internal/lifecycle"
	"lmctl/internal/logger"
)

type command struct{}

// runtime is the per-invocation wiring: resolved settings, the tool's
// own logger, and the controller facade.
type runtime struct {
	settings config.Settings
	logger   *slog.Logger
	ctrl     *lmctl.Controller
}

func newRuntime(g *GlobalFlags) (*runtime, error) {
	settings, err := config.Load(g.ConfigPath)
	if err != nil {
		return nil, err
	}
	if g.LogLevel != "" {
		settings.Log.Level = g.LogLevel
	}
	log := logger.New(settings.Log)
	return &runtime{settings: settings, logger: log, ctrl: lmctl.New(settings, log)}, nil
}

// signalContext returns a context cancelled by Ctrl-C or SIGTERM so
// long waits (startup polling, streamed runs) abort cleanly.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// resolveNames maps CLI args to service names, defaulting to both
// services when no args are given, and rejects unknown names up front.
func (r *runtime) resolveNames(args []string) ([]string, error) {
	if len(args) == 0 {
		return []string{config.NameOllama, config.NameMLX}, nil
	}
	names := make([]string, 0, len(args))
	for _, a := range args {
		d, err := r.settings.ByName(a)
		if err != nil {
			return nil, err
		}
		names = append(names, d.Name)
	}
	return names, nil
}

// Up starts the named services (or both) and waits for readiness.
func (c command) Up(g *GlobalFlags, args []string) error {
	r, err := newRuntime(g)
	if err != nil {
		return err
	}
	names, err := r.resolveNames(args)
	if err != nil {
		return err
	}
	ctx, cancel := signalContext()
	defer cancel()

	failed := 0
	for _, name := range names {
		d, _ := r.settings.ByName(name)
		res, err := r.ctrl.Up(ctx, d)
		if err != nil {
			failed++
			fmt.Printf("%s: failed to start: %v\n", name, err)
			continue
		}
		if res.AlreadyRunning {
			fmt.Printf("%s: already running (pid %d)\n", name, res.PID)
		} else {
			fmt.Printf("%s: started (pid %d) on %s\n", name, res.PID, d.Addr())
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d service(s) failed to start", failed)
	}
	return nil
}

// Down stops the named services (or both).
func (c command) Down(g *GlobalFlags, f DownFlags, args []string) error {
	r, err := newRuntime(g)
	if err != nil {
		return err
	}
	names, err := r.resolveNames(args)
	if err != nil {
		return err
	}
	ctx, cancel := signalContext()
	defer cancel()

	failed := 0
	for _, name := range names {
		d, _ := r.settings.ByName(name)
		res, err := r.ctrl.Down(ctx, d, f.Force)
		if err != nil {
			failed++
			fmt.Printf("%s: failed to stop: %v\n", name, err)
			continue
		}
		switch {
		case res.AlreadyStopped:
			fmt.Printf("%s: not running\n", name)
		case res.Forced:
			fmt.Printf("%s: stopped (pid %d, forced)\n", name, res.PID)
		default:
			fmt.Printf("%s: stopped (pid %d)\n", name, res.PID)
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d service(s) failed to stop", failed)
	}
	return nil
}

// Ps prints a status table, all services unless names are given.
func (c command) Ps(g *GlobalFlags, args []string) error {
	r, err := newRuntime(g)
	if err != nil {
		return err
	}
	names, err := r.resolveNames(args)
	if err != nil {
		return err
	}
	descs := make([]lmctl.Descriptor, 0, len(names))
	for _, name := range names {
		d, _ := r.settings.ByName(name)
		descs = append(descs, d)
	}
	statuses, err := r.ctrl.StatusAll(descs)

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "NAME\tSTATE\tPID\tUPTIME\tADDR")
	for i, st := range statuses {
		state, pid, uptime := "stopped", "-", "-"
		if st.Running {
			state = "running"
			pid = fmt.Sprintf("%d", st.PID)
			uptime = time.Since(st.StartedAt).Round(time.Second).String()
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", st.Name, state, pid, uptime, descs[i].Addr())
	}
	_ = w.Flush()
	return err
}

// Log prints the service's log location and its trailing lines.
func (c command) Log(g *GlobalFlags, f LogFlags, name string) error {
	r, err := newRuntime(g)
	if err != nil {
		return err
	}
	d, err := r.ctrl.Service(name)
	if err != nil {
		return err
	}
	path, err := r.ctrl.LogLocation(d)
	if err != nil {
		return err
	}
	fmt.Printf("log file: %s\n", path)

	lines, err := lifecycle.TailLines(path, f.Lines)
	if errors.Is(err, os.ErrNotExist) {
		fmt.Println("(no log output yet)")
		return nil
	}
	if err != nil {
		return err
	}
	for _, line := range lines {
		fmt.Println(line)
	}
	return nil
}

// Run sends a prompt to a running service, streaming when requested.
func (c command) Run(g *GlobalFlags, f RunFlags, streamSet bool, name string, promptArgs []string) error {
	r, err := newRuntime(g)
	if err != nil {
		return err
	}
	d, err := r.ctrl.Service(name)
	if err != nil {
		return err
	}

	defaults := r.settings.Run(d.Name)
	req := chat.Request{
		Model:        defaults.Model,
		SystemPrompt: defaults.SystemPrompt,
		UserPrompt:   strings.Join(promptArgs, " "),
		Temperature:  defaults.Temperature,
		Stream:       defaults.Stream,
	}
	if req.Model == "" {
		req.Model = d.DefaultModel
	}
	if f.Model != "" {
		req.Model = f.Model
	}
	if f.SystemPrompt != "" {
		req.SystemPrompt = f.SystemPrompt
	}
	if f.Temperature >= 0 {
		req.Temperature = f.Temperature
	}
	if streamSet {
		req.Stream = f.Stream
	}

	ctx, cancel := signalContext()
	defer cancel()

	if req.Stream {
		if err := r.ctrl.Stream(ctx, d, req, os.Stdout); err != nil {
			return err
		}
		fmt.Println()
		return nil
	}
	reply, err := r.ctrl.Run(ctx, d, req)
	if err != nil {
		return err
	}
	fmt.Println(reply)
	return nil
}

// Health probes the named services (or both) with a minimal inference
// request and exits non-zero when any probe fails.
func (c command) Health(g *GlobalFlags, f HealthFlags, args []string) error {
	r, err := newRuntime(g)
	if err != nil {
		return err
	}
	names, err := r.resolveNames(args)
	if err != nil {
		return err
	}
	ctx, cancel := signalContext()
	defer cancel()

	unhealthy := 0
	for _, name := range names {
		d, err := r.ctrl.Service(name)
		if err != nil {
			return err
		}
		model := d.DefaultModel
		if f.Model != "" {
			model = f.Model
		}
		res := r.ctrl.HealthCheck(ctx, d, model)
		if res.Reachable {
			fmt.Printf("%s: ok (%s)\n", name, res.Latency.Round(time.Millisecond))
		} else {
			unhealthy++
			fmt.Printf("%s: unhealthy: %s\n", name, res.Reason)
		}
	}
	if unhealthy > 0 {
		return fmt.Errorf("%d service(s) unhealthy", unhealthy)
	}
	return nil
}

// Config prints the fully resolved settings as TOML. Durations are
// rendered in their config-file string form rather than nanoseconds.
func (c command) Config(g *GlobalFlags) error {
	r, err := newRuntime(g)
	if err != nil {
		return err
	}
	s := r.settings
	view := struct {
		StateDir       string                `toml:"state_dir"`
		StartupTimeout string                `toml:"startup_timeout"`
		GraceTimeout   string                `toml:"grace_timeout"`
		Log            logger.Config         `toml:"log"`
		OllamaServer   config.ServerSettings `toml:"ollama_server"`
		MLXServer      config.ServerSettings `toml:"mlx_server"`
		OllamaRun      config.RunSettings    `toml:"ollama_run"`
		MLXRun         config.RunSettings    `toml:"mlx_run"`
	}{
		StateDir:       s.StateDir,
		StartupTimeout: s.StartupTimeout.String(),
		GraceTimeout:   s.GraceTimeout.String(),
		Log:            s.Log,
		OllamaServer:   s.OllamaServer,
		MLXServer:      s.MLXServer,
		OllamaRun:      s.OllamaRun,
		MLXRun:         s.MLXRun,
	}
	out, err := toml.Marshal(view)
	if err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}
	_, _ = os.Stdout.Write(out)
	return nil
}

