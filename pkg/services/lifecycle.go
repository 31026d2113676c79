package services

import (
	"context"
	"log/slog"
	"time"

	"github.com/dukex/labrun/pkg/eventbus"
	"github.com/dukex/labrun/pkg/events"
	"github.com/dukex/labrun/pkg/models"
	"github.com/dukex/labrun/pkg/persistence"
	"github.com/dukex/labrun/pkg/records"
)

// SetPlannedRunState moves the planned run id to state. An empty id is a
// no-op; a write that would not change the state is skipped.
func SetPlannedRunState(ctx context.Context, repo *records.Repository, id string, state models.PlannedRunState) error {
	if id == "" {
		return nil
	}

	_, err := records.Mutate(ctx, repo, models.KindPlannedRun, id, "planned run "+string(state), func(pr *models.PlannedRun) error {
		if pr.State == state {
			return records.ErrUnchanged
		}

		pr.State = state

		return nil
	})

	return err
}

// setPlannedRunStateBestEffort logs instead of failing the caller.
func setPlannedRunStateBestEffort(ctx context.Context, logger *slog.Logger, repo *records.Repository, id string, state models.PlannedRunState) {
	if err := SetPlannedRunState(ctx, repo, id, state); err != nil && !persistence.IsNotFound(err) {
		logger.WarnContext(ctx, "failed to update planned run state", "planned_run_id", id, "state", state, "error", err)
	}
}

// Snapshot extracts the event fields of run.
func Snapshot(run *models.ExecutionRun) events.RunSnapshot {
	return events.RunSnapshot{
		ExecutionRunID:         run.RecordID,
		RobotPlanID:            run.RobotPlanRef,
		PlannedRunID:           run.PlannedRunRef,
		ParentExecutionRunID:   run.ParentExecutionRunRef,
		Attempt:                run.Attempt,
		Status:                 string(run.Status),
		Mode:                   string(run.Mode),
		FailureClass:           string(run.FailureClass),
		FailureCode:            run.FailureCode,
		MaterializedEventGraph: run.MaterializedEventGraphID,
	}
}

// StatusEvent returns the lifecycle event type for a run's current status.
func StatusEvent(status models.ExecutionRunStatus) events.EventType {
	switch status {
	case models.ExecutionRunStatusCompleted:
		return events.ExecutionRunCompletedEvent
	case models.ExecutionRunStatusFailed:
		return events.ExecutionRunFailedEvent
	case models.ExecutionRunStatusCanceled:
		return events.ExecutionRunCanceledEvent
	default:
		return events.ExecutionRunStartedEvent
	}
}

// PublishRunEvent publishes the event for run's status, best-effort.
func PublishRunEvent(ctx context.Context, logger *slog.Logger, pub eventbus.EventPublisher, run *models.ExecutionRun, now time.Time) {
	eventbus.PublishBestEffort(ctx, logger, pub, run.RobotPlanRef, events.NewExecutionRunEvent(StatusEvent(run.Status), Snapshot(run), now))
}
