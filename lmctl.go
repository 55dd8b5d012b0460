// Package lmctl is a thin facade over the internal packages for
// embedding: it wires the standard stack (PID store, OS process driver,
// lifecycle controller, chat pipeline) the same way the CLI does.
package lmctl

import (
	"context"
	"io"
	"log/slog"

	"lmctl/internal/chat"
	"lmctl/internal/config"
	"lmctl/internal/driver"
	"lmctl/internal/lifecycle"
	"lmctl/internal/pidstore"
	"lmctl/internal/service"
)

// Re-export core types for external consumers. These are aliases so
// conversions are zero-cost.

type Settings = config.Settings

type Descriptor = service.Descriptor

type Status = lifecycle.Status

type UpResult = lifecycle.UpResult

type DownResult = lifecycle.DownResult

type ChatRequest = chat.Request

type HealthResult = chat.HealthResult

// Controller bundles the lifecycle controller and chat pipeline behind
// one handle.
type Controller struct {
	settings config.Settings
	logger   *slog.Logger
	ctrl     *lifecycle.Controller
	pipeline *chat.Pipeline
}

// New builds a Controller from resolved settings. The chat pipeline
// doubles as the startup readiness probe.
func New(settings config.Settings, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	store := pidstore.New(settings.StateDir, logger)
	ctrl := lifecycle.New(store, driver.NewOS(logger), lifecycle.Options{
		StartupTimeout: settings.StartupTimeout,
		GraceTimeout:   settings.GraceTimeout,
		Logger:         logger,
	})
	pipeline := chat.New(chat.Options{
		Status: func(d service.Descriptor) (lifecycle.Status, error) { return ctrl.Status(d) },
		Logger: logger,
	})
	ctrl.SetReadinessProber(pipeline)
	return &Controller{settings: settings, logger: logger, ctrl: ctrl, pipeline: pipeline}
}

// Service resolves a managed descriptor by name, rebound to the address
// recorded at spawn time when one exists. An unreadable record degrades
// to the configured bind, logged in the store's tolerant-read style.
func (c *Controller) Service(name string) (Descriptor, error) {
	d, err := c.settings.ByName(name)
	if err != nil {
		return Descriptor{}, err
	}
	rec, err := c.ctrl.Record(d.Name)
	if err != nil {
		c.logger.Debug("ignoring unreadable pid record", "service", d.Name, "error", err)
		return d, nil
	}
	if rec != nil && rec.Host != "" {
		d = d.WithBind(rec.Host, rec.Port)
	}
	return d, nil
}

// Services returns both managed descriptors.
func (c *Controller) Services() []Descriptor { return c.settings.Services() }

func (c *Controller) Up(ctx context.Context, d Descriptor) (UpResult, error) {
	return c.ctrl.Up(ctx, d)
}

func (c *Controller) Down(ctx context.Context, d Descriptor, force bool) (DownResult, error) {
	return c.ctrl.Down(ctx, d, force)
}

func (c *Controller) Status(d Descriptor) (Status, error) { return c.ctrl.Status(d) }

func (c *Controller) StatusAll(descs []Descriptor) ([]Status, error) {
	return c.ctrl.StatusAll(descs)
}

func (c *Controller) LogLocation(d Descriptor) (string, error) { return c.ctrl.LogLocation(d) }

func (c *Controller) Run(ctx context.Context, d Descriptor, req ChatRequest) (string, error) {
	return c.pipeline.Run(ctx, d, req)
}

func (c *Controller) Stream(ctx context.Context, d Descriptor, req ChatRequest, out io.Writer) error {
	return c.pipeline.Stream(ctx, d, req, out)
}

func (c *Controller) HealthCheck(ctx context.Context, d Descriptor, model string) HealthResult {
	return c.pipeline.HealthCheck(ctx, d, model)
}
