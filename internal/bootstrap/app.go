// Package bootstrap assembles the application from configuration and runs
// its components under one signal-aware lifecycle.
package bootstrap

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"rebalancer/pkg/logging"
	"rebalancer/pkg/telemetry"

	"rebalancer/internal/config"
	"rebalancer/internal/core"
)

// App holds the dependencies every component hangs off: configuration, the
// structured logger, and the telemetry providers.
type App struct {
	Cfg    *config.Config
	Logger core.ILogger
	Tel    *telemetry.Telemetry
}

// NewApp loads configuration, builds the logger and initializes telemetry.
func NewApp(configPath string) (*App, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	tel, err := telemetry.Setup("rebalancer")
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}
	if err := telemetry.InitMetrics(); err != nil {
		return nil, fmt.Errorf("metrics: %w", err)
	}

	logger, err := logging.NewZapLogger(cfg.System.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}
	logging.SetGlobalLogger(logger)

	return &App{Cfg: cfg, Logger: logger, Tel: tel}, nil
}

// Runner is a component with a blocking run loop that honors context
// cancellation.
type Runner interface {
	Run(ctx context.Context) error
}

// RunnerFunc adapts a plain function to Runner.
type RunnerFunc func(ctx context.Context) error

func (f RunnerFunc) Run(ctx context.Context) error { return f(ctx) }

// Run drives all runners until the first failure or a termination signal,
// then waits for the rest to unwind.
func (a *App) Run(runners ...Runner) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	a.Logger.Info("starting application")
	for _, runner := range runners {
		r := runner
		g.Go(func() error {
			return r.Run(ctx)
		})
	}

	err := g.Wait()

	if a.Tel != nil {
		if shutdownErr := a.Tel.Shutdown(context.Background()); shutdownErr != nil {
			a.Logger.Warn("telemetry shutdown failed", "error", shutdownErr)
		}
	}

	if err != nil && err != context.Canceled {
		a.Logger.Error("application stopped with error", "error", err)
		return err
	}
	a.Logger.Info("application shut down gracefully")
	return nil
}
