package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/dukex/labrun/pkg/cmd"
	"github.com/dukex/labrun/pkg/config"
	"github.com/dukex/labrun/pkg/log"
	"github.com/dukex/labrun/pkg/otelhelper"
	"github.com/gofiber/fiber/v3"
	cli "github.com/urfave/cli/v3"
)

const shutdownTimeout = 15 * time.Second

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:    "serve",
		Aliases: []string{"s"},
		Usage:   "Run the API server and the background workers",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Usage:   "Port to run the API server on",
				Value:   config.DefaultPort,
				Sources: cli.EnvVars("PORT"),
			},
			&cli.BoolFlag{
				Name:    "autostart",
				Usage:   "Start workers that were not resumed from persisted state",
				Sources: cli.EnvVars("LABRUN_AUTOSTART"),
			},
			&cli.BoolFlag{
				Name:    "tracing",
				Usage:   "Export traces over OTLP/HTTP",
				Sources: cli.EnvVars("LABRUN_TRACING"),
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			cfg, err := loadConfig(command)
			if err != nil {
				return err
			}

			return serve(ctx, cfg)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config) error {
	logger := log.WithModule("api")

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Tracing.Enabled {
		shutdownTracing, err := otelhelper.Install(ctx, cfg.Tracing.ServiceName)
		if err != nil {
			return err
		}

		defer func() {
			if err := shutdownTracing(context.WithoutCancel(ctx)); err != nil {
				logger.ErrorContext(ctx, "Failed to shut down tracer provider", "error", err)
			}
		}()
	}

	logger.InfoContext(ctx, "Initializing labrun API")

	engine, err := cmd.NewEngine(ctx, cfg, nil, logger)
	if err != nil {
		return err
	}

	defer func() {
		if err := engine.Close(context.WithoutCancel(ctx)); err != nil {
			logger.ErrorContext(ctx, "Failed to close engine", "error", err)
		}
	}()

	if err := engine.StartWorkers(ctx); err != nil {
		return err
	}

	app := NewApp(engine)

	listenErr := make(chan error, 1)

	go func() {
		listenErr <- app.Listen(":"+strconv.Itoa(cfg.HTTP.Port), fiber.ListenConfig{DisableStartupMessage: true})
	}()

	logger.InfoContext(ctx, "API listening", "port", cfg.HTTP.Port)

	select {
	case err := <-listenErr:
		return err
	case <-ctx.Done():
	}

	logger.InfoContext(ctx, "Shutting down API")

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	if err := app.ShutdownWithContext(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	return nil
}
