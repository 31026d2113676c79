package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/labrun/pkg/clock"
	"github.com/dukex/labrun/pkg/config"
	"github.com/dukex/labrun/pkg/contract"
	"github.com/dukex/labrun/pkg/eventbus"
	"github.com/dukex/labrun/pkg/execution"
	"github.com/dukex/labrun/pkg/notify"
	"github.com/dukex/labrun/pkg/persistence"
	"github.com/dukex/labrun/pkg/records"
	"github.com/dukex/labrun/pkg/schema"
	"github.com/dukex/labrun/pkg/services"
	"github.com/dukex/labrun/pkg/workers"
)

// Engine is the wired execution engine of one process.
type Engine struct {
	Config    *config.Config
	Clock     clock.Clock
	Schemas   *schema.Registry
	Store     persistence.RecordStore
	Artifacts persistence.ArtifactStore
	Repo      *records.Repository
	Contract  *contract.Contract
	Adapters  *Adapters
	EventBus  eventbus.EventBus

	Orchestrator  *services.Orchestrator
	Control       *services.Control
	Materializer  *services.Materializer
	Reconciler    *services.Reconciler
	ExecutionRuns *services.ExecutionRuns
	Incidents     *services.Incidents
	Runner        *execution.Runner
	Workers       *workers.Set

	closers []func(context.Context) error
	logger  *slog.Logger
}

// NewEngine opens every backend named by cfg and wires the services and
// workers over them. Close releases what it opened.
func NewEngine(ctx context.Context, cfg *config.Config, clk clock.Clock, logger *slog.Logger) (*Engine, error) {
	if clk == nil {
		clk = clock.Real()
	}

	e := &Engine{Config: cfg, Clock: clk, logger: logger}

	if err := e.open(ctx); err != nil {
		if closeErr := e.Close(ctx); closeErr != nil {
			logger.ErrorContext(ctx, "Failed to release partially opened engine", "error", closeErr)
		}

		return nil, err
	}

	return e, nil
}

func (e *Engine) open(ctx context.Context) error {
	cfg, logger := e.Config, e.logger

	schemas, err := schema.Load()
	if err != nil {
		return fmt.Errorf("failed to load record schemas: %w", err)
	}

	e.Schemas = schemas

	store, err := NewRecordStore(ctx, logger, cfg.Store.URL, schemas, e.Clock)
	if err != nil {
		return err
	}

	e.Store = store
	e.closers = append(e.closers, store.Close)
	e.Repo = records.NewRepository(store)

	e.Artifacts, err = NewArtifactStore(ctx, cfg.Artifacts)
	if err != nil {
		return err
	}

	e.Contract, err = NewContract(cfg.Sidecar.ContractPath, logger)
	if err != nil {
		return fmt.Errorf("failed to load sidecar contract: %w", err)
	}

	e.Adapters, err = NewAdapters(cfg.Adapters, cfg.Sidecar, e.Contract, e.Clock, logger)
	if err != nil {
		return err
	}

	var publisher eventbus.EventPublisher

	bus, err := NewEventBus(cfg.EventBus, logger)
	if err != nil {
		return err
	}

	if bus != nil {
		e.EventBus = bus
		publisher = bus
		e.closers = append(e.closers, func(context.Context) error { return bus.Close() })
	}

	var notifier notify.Notifier

	if cfg.Notify.Addr != "" {
		redisNotifier, err := notify.NewRedisNotifier(ctx, cfg.Notify, logger)
		if err != nil {
			return err
		}

		notifier = redisNotifier
		e.closers = append(e.closers, func(context.Context) error { return redisNotifier.Close() })
	}

	registry := e.Adapters.Registry

	e.Orchestrator = services.NewOrchestrator(e.Repo, e.Artifacts, logger)
	e.Control = services.NewControl(e.Repo, registry, e.Clock, publisher, logger)
	e.Materializer = services.NewMaterializer(e.Repo, e.Clock, publisher, logger)
	e.Reconciler = services.NewReconciler(e.Repo, registry, e.Clock, e.Materializer, publisher, services.ReconcilerConfig{
		MaxRun:       cfg.Poller.MaxRun,
		StaleUnknown: cfg.Poller.StaleUnknown,
	}, logger)
	e.Runner = execution.NewRunner(execution.Deps{
		Repo:         e.Repo,
		Artifacts:    e.Artifacts,
		Schemas:      schemas,
		Selector:     e.Adapters.Selector,
		Materializer: e.Materializer,
		Publisher:    publisher,
		Clock:        e.Clock,
	}, logger)
	e.ExecutionRuns = services.NewExecutionRuns(e.Repo, e.Runner, e.Control, e.Materializer, logger)
	e.Incidents = services.NewIncidents(e.Repo, registry, e.Clock, notifier, publisher, logger)

	owner := workers.NewOwner()
	workerCfg := func(interval time.Duration) workers.Config {
		return workers.Config{Repo: e.Repo, Clock: e.Clock, Owner: owner, DefaultInterval: interval}
	}

	e.Workers = workers.NewSet(
		workers.NewPoller(e.Reconciler, workerCfg(cfg.Workers.PollInterval), logger),
		workers.NewRetryWorker(e.ExecutionRuns, cfg.Workers.MaxAttempts, workerCfg(cfg.Workers.RetryInterval), logger),
		workers.NewIncidentScanner(e.Incidents, workerCfg(cfg.Workers.IncidentInterval), logger),
	)

	logger.InfoContext(ctx, "Execution engine ready", "store", cfg.Store.URL, "artifacts", cfg.Artifacts.Provider,
		"event_bus", cfg.EventBus.Provider, "lease_owner", owner)

	return nil
}

// StartWorkers resumes workers left running, subscribes the engine's event
// consumers and, with autostart, starts the ones that never ran. A worker
// blocked by a lease held elsewhere stands by until the lease is free.
func (e *Engine) StartWorkers(ctx context.Context) error {
	if err := e.Workers.RestoreAll(ctx); err != nil {
		return err
	}

	if err := e.subscribe(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to lifecycle events: %w", err)
	}

	if !e.Config.Workers.Autostart {
		return nil
	}

	for _, w := range e.Workers.All() {
		if w.Status().Running {
			continue
		}

		if _, err := w.Start(ctx, 0, workers.StartOptions{}); err != nil {
			if errors.Is(err, workers.ErrLeaseHeld) {
				w.StandBy(ctx, 0)

				continue
			}

			return err
		}
	}

	return nil
}

// Close stops the workers and releases the backends in reverse order.
func (e *Engine) Close(ctx context.Context) error {
	var errs []error

	if e.Workers != nil {
		errs = append(errs, e.Workers.StopAll(ctx))
	}

	for i := len(e.closers) - 1; i >= 0; i-- {
		errs = append(errs, e.closers[i](ctx))
	}

	e.closers = nil

	return errors.Join(errs...)
}
