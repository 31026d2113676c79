package cmd

import (
	"context"

	"github.com/dukex/labrun/pkg/events"
	"github.com/dukex/labrun/pkg/models"
)

// subscribe wires the engine's own event consumers. It is a no-op without an
// event bus.
func (e *Engine) subscribe(ctx context.Context) error {
	if e.EventBus == nil {
		return nil
	}

	if err := e.EventBus.Handle(events.ExecutionRunFailedEvent, e.onRunFailed); err != nil {
		return err
	}

	return e.EventBus.Subscribe(ctx)
}

// onRunFailed runs an incident scan as soon as a run fails instead of at the
// next tick. Only a process whose incident scanner holds the lease scans.
// Scan errors are kept on the worker state, so the message is always acked.
func (e *Engine) onRunFailed(ctx context.Context, event any) error {
	ev, ok := event.(*events.ExecutionRunEvent)
	if !ok {
		return nil
	}

	w, err := e.Workers.Get(models.WorkerIncidentScanner)
	if err != nil || !w.Status().Running {
		return nil
	}

	summary, err := w.RunOnce(ctx)
	if err != nil {
		e.logger.WarnContext(ctx, "incident scan after failed run failed", "execution_run_id", ev.ExecutionRunID, "error", err)

		return nil
	}

	e.logger.DebugContext(ctx, "incident scan after failed run", "execution_run_id", ev.ExecutionRunID, "summary", summary)

	return nil
}
