// Package main provides the labrun command: the execution engine API
// server and operator commands over the same record store.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/dukex/labrun/pkg/config"
	"github.com/dukex/labrun/pkg/log"
	cli "github.com/urfave/cli/v3"
)

func main() {
	if err := newRootCommand().Run(context.Background(), os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cli.Command {
	return &cli.Command{
		Name:                  "labrun",
		Usage:                 "Compile, dispatch and supervise lab robot runs",
		EnableShellCompletion: true,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to a YAML configuration file",
				Sources: cli.EnvVars("LABRUN_CONFIG"),
			},
			&cli.StringFlag{
				Name:    "database-url",
				Usage:   "Record store: a directory, file:// URL or postgres:// connection string",
				Sources: cli.EnvVars("DATABASE_URL"),
			},
			&cli.StringFlag{
				Name:    "artifacts-root",
				Usage:   "Directory for compiled robot artifacts",
				Sources: cli.EnvVars("ARTIFACTS_ROOT"),
			},
			&cli.StringFlag{
				Name:    "event-bus",
				Usage:   "Event bus provider (none, gochannel, kafka)",
				Sources: cli.EnvVars("EVENT_BUS_TYPE"),
			},
			&cli.StringSliceFlag{
				Name:    "kafka-brokers",
				Usage:   "Kafka brokers for the kafka event bus",
				Sources: cli.EnvVars("KAFKA_BROKERS"),
			},
			&cli.StringFlag{
				Name:    "redis-addr",
				Usage:   "Redis address for incident notifications",
				Sources: cli.EnvVars("REDIS_ADDR"),
			},
			&cli.BoolFlag{
				Name:    "force-simulate",
				Usage:   "Route every dispatch to the simulator",
				Sources: cli.EnvVars("LABRUN_FORCE_SIMULATE"),
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Sources: cli.EnvVars("LOG_LEVEL"),
			},
			&cli.StringFlag{
				Name:    "log-format",
				Usage:   "Log format (text, json)",
				Sources: cli.EnvVars("LOG_FORMAT"),
			},
		},
		Commands: []*cli.Command{
			serveCommand(),
			workerCommand(),
			contractCommand(),
			plannedRunCommand(),
			robotPlanCommand(),
			incidentsCommand(),
		},
	}
}

// loadConfig reads the configuration file and applies the flags that were
// set explicitly on top of it.
func loadConfig(command *cli.Command) (*config.Config, error) {
	cfg, err := config.Load(command.String("config"))
	if err != nil {
		return nil, err
	}

	if command.IsSet("database-url") {
		cfg.Store.URL = command.String("database-url")
	}

	if command.IsSet("artifacts-root") {
		cfg.Artifacts.Root = command.String("artifacts-root")
	}

	if command.IsSet("event-bus") {
		cfg.EventBus.Provider = command.String("event-bus")
	}

	if command.IsSet("kafka-brokers") {
		cfg.EventBus.Brokers = command.StringSlice("kafka-brokers")
	}

	if command.IsSet("redis-addr") {
		cfg.Notify.Addr = command.String("redis-addr")
	}

	if command.IsSet("force-simulate") {
		cfg.Adapters.ForceSimulate = command.Bool("force-simulate")
	}

	if command.IsSet("log-level") {
		cfg.LogLevel = command.String("log-level")
	}

	if command.IsSet("log-format") {
		cfg.LogFormat = command.String("log-format")
	}

	if command.IsSet("port") {
		cfg.HTTP.Port = command.Int("port")
	}

	if command.IsSet("autostart") {
		cfg.Workers.Autostart = command.Bool("autostart")
	}

	if command.IsSet("tracing") {
		cfg.Tracing.Enabled = command.Bool("tracing")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	log.SetupWriter(os.Stderr, cfg.LogLevel, cfg.LogFormat)

	return cfg, nil
}
