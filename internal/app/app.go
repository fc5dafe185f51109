// Package app provides the top-level lifecycle of the pact engine. It wires
// the stores, coordination backends, archive and notifications, then starts
// the goroutines of the configured operating mode.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/MOMISBACK/pactengine/internal/config"
)

// App owns the configuration and the shutdown hooks registered while wiring.
type App struct {
	cfg     *config.Config
	logger  *slog.Logger
	closers []func()
}

func New(cfg *config.Config, logger *slog.Logger) *App {
	return &App{
		cfg:    cfg,
		logger: logger.With(slog.String("component", "app")),
	}
}

// Run wires all dependencies, starts the selected mode and blocks until it
// finishes or ctx is cancelled. Cancellation is a clean exit.
func (a *App) Run(ctx context.Context) error {
	a.logger.InfoContext(ctx, "starting application",
		slog.String("mode", a.cfg.Mode),
		slog.String("storage", a.cfg.Storage.Driver),
		slog.String("log_level", a.cfg.LogLevel),
	)

	deps, cleanup, err := Wire(ctx, a.cfg, a.logger)
	if err != nil {
		return fmt.Errorf("app: wire dependencies: %w", err)
	}
	a.closers = append(a.closers, cleanup)

	run, ok := a.modes()[strings.ToLower(a.cfg.Mode)]
	if !ok {
		return fmt.Errorf("app: unsupported mode %q", a.cfg.Mode)
	}
	if err := run(ctx, deps); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

type modeFunc func(ctx context.Context, deps *Dependencies) error

func (a *App) modes() map[string]modeFunc {
	return map[string]modeFunc{
		"server":    a.ServerMode,
		"scheduler": a.SchedulerMode,
		"full":      a.FullMode,
		"sweep":     a.SweepMode,
	}
}

// Close runs the shutdown hooks newest first. Later calls do nothing.
func (a *App) Close() {
	a.logger.Info("shutting down application")
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
