package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/dukex/labrun/pkg/cmd"
	"github.com/dukex/labrun/pkg/log"
	"github.com/dukex/labrun/pkg/models"
	"github.com/dukex/labrun/pkg/services"
	cli "github.com/urfave/cli/v3"
)

// withEngine opens the engine without starting its workers, runs fn and
// closes it again.
func withEngine(ctx context.Context, command *cli.Command, fn func(*cmd.Engine) error) error {
	cfg, err := loadConfig(command)
	if err != nil {
		return err
	}

	logger := log.WithModule("cli")

	engine, err := cmd.NewEngine(ctx, cfg, nil, logger)
	if err != nil {
		return err
	}

	defer func() {
		if err := engine.Close(context.WithoutCancel(ctx)); err != nil {
			logger.ErrorContext(ctx, "Failed to close engine", "error", err)
		}
	}()

	return fn(engine)
}

func output(command *cli.Command) io.Writer {
	if w := command.Root().Writer; w != nil {
		return w
	}

	return os.Stdout
}

func printJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}

	_, err = fmt.Fprintln(w, string(data))

	return err
}

func requireArg(command *cli.Command, name string) (string, error) {
	arg := command.Args().First()
	if arg == "" {
		return "", cli.Exit("missing argument: "+name, 2)
	}

	return arg, nil
}

func workerCommand() *cli.Command {
	return &cli.Command{
		Name:    "worker",
		Aliases: []string{"w"},
		Usage:   "Operate background workers",
		Commands: []*cli.Command{
			{
				Name:      "run-once",
				Usage:     "Run one cycle of a worker in the foreground",
				ArgsUsage: "<execution-poller|retry-worker|incident-scanner>",
				Action: func(ctx context.Context, command *cli.Command) error {
					name, err := requireArg(command, "worker name")
					if err != nil {
						return err
					}

					return withEngine(ctx, command, func(e *cmd.Engine) error {
						w, err := e.Workers.Get(name)
						if err != nil {
							return err
						}

						summary, err := w.RunOnce(ctx)
						if err != nil {
							return err
						}

						return printJSON(output(command), summary)
					})
				},
			},
			{
				Name:  "list",
				Usage: "Show the persisted state of every worker",
				Action: func(ctx context.Context, command *cli.Command) error {
					return withEngine(ctx, command, func(e *cmd.Engine) error {
						if err := e.Workers.RestoreAll(ctx); err != nil {
							return err
						}

						statuses := []any{}
						for _, w := range e.Workers.All() {
							statuses = append(statuses, w.Status())
						}

						return printJSON(output(command), statuses)
					})
				},
			},
		},
	}
}

func contractCommand() *cli.Command {
	return &cli.Command{
		Name:  "contract",
		Usage: "Inspect the sidecar contract",
		Commands: []*cli.Command{
			{
				Name:  "self-test",
				Usage: "Validate the contract's examples against its schemas",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "path",
						Usage: "Contract manifest to test instead of the built-in one",
					},
				},
				Action: func(_ context.Context, command *cli.Command) error {
					c, err := cmd.NewContract(command.String("path"), log.WithModule("cli"))
					if err != nil {
						return err
					}

					if err := printJSON(output(command), c.LastReport()); err != nil {
						return err
					}

					if !c.Ready() {
						return cli.Exit("sidecar contract self-test failed", 1)
					}

					return nil
				},
			},
		},
	}
}

func plannedRunCommand() *cli.Command {
	return &cli.Command{
		Name:    "planned-run",
		Aliases: []string{"plr"},
		Usage:   "Create and compile planned runs",
		Commands: []*cli.Command{
			{
				Name:  "create",
				Usage: "Create a planned run for a protocol or event graph",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "title", Usage: "Run title", Required: true},
					&cli.StringFlag{Name: "source-type", Usage: "protocol or event-graph", Value: string(models.SourceTypeProtocol)},
					&cli.StringFlag{Name: "source-ref", Usage: "Record id of the source", Required: true},
					&cli.StringFlag{Name: "bindings", Usage: "Bindings as a JSON object"},
				},
				Action: func(ctx context.Context, command *cli.Command) error {
					var bindings models.Bindings

					if raw := command.String("bindings"); raw != "" {
						if err := json.Unmarshal([]byte(raw), &bindings); err != nil {
							return cli.Exit("invalid --bindings: "+err.Error(), 2)
						}
					}

					return withEngine(ctx, command, func(e *cmd.Engine) error {
						run, err := e.Orchestrator.CreatePlannedRun(ctx, services.CreatePlannedRunRequest{
							Title:      command.String("title"),
							SourceType: models.SourceType(command.String("source-type")),
							SourceRef:  command.String("source-ref"),
							Bindings:   bindings,
						})
						if err != nil {
							return err
						}

						return printJSON(output(command), run)
					})
				},
			},
			{
				Name:      "compile",
				Usage:     "Compile a ready planned run into a robot plan",
				ArgsUsage: "<planned run id>",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "platform", Usage: "Target platform", Required: true},
				},
				Action: func(ctx context.Context, command *cli.Command) error {
					id, err := requireArg(command, "planned run id")
					if err != nil {
						return err
					}

					return withEngine(ctx, command, func(e *cmd.Engine) error {
						plan, err := e.Orchestrator.CompilePlannedRun(ctx, id, models.TargetPlatform(command.String("platform")))
						if err != nil {
							return err
						}

						return printJSON(output(command), plan)
					})
				},
			},
		},
	}
}

func robotPlanCommand() *cli.Command {
	return &cli.Command{
		Name:    "robot-plan",
		Aliases: []string{"rp"},
		Usage:   "Dispatch and inspect robot plans",
		Commands: []*cli.Command{
			{
				Name:      "execute",
				Usage:     "Dispatch a compiled robot plan",
				ArgsUsage: "<robot plan id>",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "simulate", Usage: "Run on the simulator"},
					&cli.StringFlag{Name: "parent", Usage: "Execution run this one retries"},
					&cli.StringFlag{Name: "parameters", Usage: "Extra execution parameters as a JSON object"},
				},
				Action: func(ctx context.Context, command *cli.Command) error {
					id, err := requireArg(command, "robot plan id")
					if err != nil {
						return err
					}

					params := map[string]any{}
					if raw := command.String("parameters"); raw != "" {
						if err := json.Unmarshal([]byte(raw), &params); err != nil {
							return cli.Exit("invalid --parameters: "+err.Error(), 2)
						}
					}

					if command.IsSet("simulate") {
						params["simulate"] = command.Bool("simulate")
					}

					return withEngine(ctx, command, func(e *cmd.Engine) error {
						result, err := e.Runner.ExecuteRobotPlan(ctx, id, services.ExecuteOptions{
							ParentExecutionRunID: command.String("parent"),
							Parameters:           params,
						})
						if result != nil {
							if printErr := printJSON(output(command), result); printErr != nil {
								return printErr
							}
						}

						return err
					})
				},
			},
			{
				Name:      "status",
				Usage:     "Show the execution status of a robot plan",
				ArgsUsage: "<robot plan id>",
				Action: func(ctx context.Context, command *cli.Command) error {
					id, err := requireArg(command, "robot plan id")
					if err != nil {
						return err
					}

					return withEngine(ctx, command, func(e *cmd.Engine) error {
						status, err := e.Control.GetRobotPlanStatus(ctx, id)
						if err != nil {
							return err
						}

						return printJSON(output(command), status)
					})
				},
			},
			{
				Name:      "cancel",
				Usage:     "Cancel the active execution run of a robot plan",
				ArgsUsage: "<robot plan id>",
				Action: func(ctx context.Context, command *cli.Command) error {
					id, err := requireArg(command, "robot plan id")
					if err != nil {
						return err
					}

					return withEngine(ctx, command, func(e *cmd.Engine) error {
						result, err := e.Control.CancelRobotPlan(ctx, id)
						if err != nil {
							return err
						}

						return printJSON(output(command), result)
					})
				},
			},
		},
	}
}

func incidentsCommand() *cli.Command {
	return &cli.Command{
		Name:    "incidents",
		Aliases: []string{"inc"},
		Usage:   "Raise and list execution incidents",
		Commands: []*cli.Command{
			{
				Name:  "scan",
				Usage: "Run one incident scan",
				Action: func(ctx context.Context, command *cli.Command) error {
					return withEngine(ctx, command, func(e *cmd.Engine) error {
						summary, err := e.Incidents.Scan(ctx)
						if err != nil {
							return err
						}

						return printJSON(output(command), summary)
					})
				},
			},
			{
				Name:  "list",
				Usage: "List incidents",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "status", Usage: "open, acked or resolved"},
				},
				Action: func(ctx context.Context, command *cli.Command) error {
					return withEngine(ctx, command, func(e *cmd.Engine) error {
						incidents, err := e.Incidents.List(ctx, models.IncidentStatus(command.String("status")))
						if err != nil {
							return err
						}

						return printJSON(output(command), incidents)
					})
				},
			},
		},
	}
}
