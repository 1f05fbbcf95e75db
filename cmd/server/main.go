package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"github.com/isdmx/pysandbox/config"
	"github.com/isdmx/pysandbox/executor"
	"github.com/isdmx/pysandbox/logger"
	"github.com/isdmx/pysandbox/pool"
	"github.com/isdmx/pysandbox/runner"
	"github.com/isdmx/pysandbox/sandbox"
)

func main() {
	cfg, err := config.New()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "config":
			if err := cfg.WriteYAML(os.Stdout); err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(1)
			}
			return
		default:
			fmt.Fprintf(os.Stderr, "unknown command: %s\nusage: %s [config]\n", os.Args[1], os.Args[0])
			os.Exit(2)
		}
	}

	app := fx.New(
		fx.Supply(cfg),

		fx.Provide(
			logger.NewFromConfig,

			// Container control plane
			sandbox.NewRuntime,
			sandbox.NewProvisionerFromConfig,

			// Warm pools and the per-run pipeline
			pool.NewManagerFromConfig,
			runner.NewFromConfig,
			newExecutor,

			// Transport selected by server.transport
			newTransport,
		),

		fx.Invoke(registerPool, registerTransport),

		// Warming the pools includes image builds
		fx.StartTimeout(cfg.Pool.StartupTimeout),

		// Use the application logger for fx logs
		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: log}
		}),
	)

	app.Run()
}

func newExecutor(cfg *config.Config, logger *zap.Logger, manager *pool.Manager, r *runner.Runner) *executor.Executor {
	return executor.New(logger, manager, r, executor.OptionsFromConfig(cfg))
}

// registerPool warms the pools before any transport accepts work and tears
// them down after the transport has stopped.
func registerPool(lc fx.Lifecycle, logger *zap.Logger, manager *pool.Manager, runtime sandbox.Runtime) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := manager.Initialize(ctx); err != nil {
				return fmt.Errorf("failed to initialize pool: %w", err)
			}
			manager.StartReaper()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			err := manager.Shutdown(ctx)
			if closer, ok := runtime.(io.Closer); ok {
				if cerr := closer.Close(); cerr != nil {
					logger.Warn("failed to close runtime", zap.Error(cerr))
				}
			}
			return err
		},
	})
}

func registerTransport(lc fx.Lifecycle, t transport) {
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			return t.Start()
		},
		OnStop: t.Shutdown,
	})
}
