package services

import (
	"context"
	"log/slog"
	"sort"

	"github.com/dukex/labrun/pkg/adapters"
	"github.com/dukex/labrun/pkg/clock"
	"github.com/dukex/labrun/pkg/eventbus"
	"github.com/dukex/labrun/pkg/models"
	"github.com/dukex/labrun/pkg/persistence"
	"github.com/dukex/labrun/pkg/records"
)

// Normalized robot plan statuses.
const (
	PlanStatusRunning   = adapters.StatusRunning
	PlanStatusCompleted = adapters.StatusCompleted
	PlanStatusFailed    = adapters.StatusFailed
	PlanStatusUnknown   = adapters.StatusUnknown
	// PlanStatusExecuting means the run is recorded as running but the
	// adapter gave no usable status.
	PlanStatusExecuting = "executing"
)

const CodeAborted = "ABORTED"

// Control performs on-demand status, log and cancel operations against a
// robot plan's live execution.
type Control struct {
	repo      *records.Repository
	registry  *adapters.Registry
	clk       clock.Clock
	publisher eventbus.EventPublisher
	logger    *slog.Logger
}

// NewControl creates the control service. publisher may be nil.
func NewControl(repo *records.Repository, registry *adapters.Registry, clk clock.Clock, publisher eventbus.EventPublisher, logger *slog.Logger) *Control {
	return &Control{
		repo:      repo,
		registry:  registry,
		clk:       clk,
		publisher: publisher,
		logger:    logger.With("module", "control"),
	}
}

// RobotPlanStatus is the normalized live status of a robot plan.
type RobotPlanStatus struct {
	RobotPlanID    string `json:"robot_plan_id"`
	Status         string `json:"status"`
	ExecutionRunID string `json:"execution_run_id,omitempty"`
	Attempt        int    `json:"attempt,omitempty"`
	StatusRaw      string `json:"status_raw,omitempty"`
}

// GetRobotPlanStatus reports the status of the plan's latest attempt,
// asking the adapter when that attempt is still running.
func (c *Control) GetRobotPlanStatus(ctx context.Context, robotPlanID string) (*RobotPlanStatus, error) {
	const op = "GetRobotPlanStatus"

	if _, err := loadRobotPlan(ctx, c.repo, op, robotPlanID); err != nil {
		return nil, err
	}

	runs, err := runsForPlan(ctx, c.repo, robotPlanID)
	if err != nil {
		return nil, storeError(op, err)
	}

	out := &RobotPlanStatus{RobotPlanID: robotPlanID, Status: PlanStatusUnknown}
	if len(runs) == 0 {
		return out, nil
	}

	latest := runs[len(runs)-1]
	out.ExecutionRunID = latest.RecordID
	out.Attempt = latest.Attempt
	out.StatusRaw = latest.LastStatusRaw

	switch latest.Status {
	case models.ExecutionRunStatusCompleted:
		out.Status = PlanStatusCompleted

		return out, nil
	case models.ExecutionRunStatusFailed, models.ExecutionRunStatusCanceled:
		out.Status = PlanStatusFailed

		return out, nil
	}

	out.Status = PlanStatusExecuting

	transport, err := c.registry.Get(latest.AdapterID)
	if err != nil {
		return out, nil
	}

	live, err := transport.Status(ctx, latest)
	if err != nil {
		c.logger.WarnContext(ctx, "adapter status failed", "robot_plan_id", robotPlanID, "execution_run_id", latest.RecordID, "error", err)

		return out, nil
	}

	out.StatusRaw = live.Raw

	normalized := live.Normalized
	if normalized == "" {
		normalized = adapters.NormalizeStatus(live.Raw)
	}

	if normalized != adapters.StatusUnknown {
		out.Status = normalized
	}

	return out, nil
}

// RobotPlanLogs holds the stored instrument logs of a plan and the live
// adapter log of its latest running attempt.
type RobotPlanLogs struct {
	RobotPlanID    string                  `json:"robot_plan_id"`
	InstrumentLogs []*models.InstrumentLog `json:"instrument_logs"`
	AdapterLogs    []adapters.LogLine      `json:"adapter_logs,omitempty"`
}

// ListRobotPlanLogs returns every instrument log of the plan in id order.
func (c *Control) ListRobotPlanLogs(ctx context.Context, robotPlanID string) (*RobotPlanLogs, error) {
	const op = "ListRobotPlanLogs"

	if _, err := loadRobotPlan(ctx, c.repo, op, robotPlanID); err != nil {
		return nil, err
	}

	logs, err := records.List[models.InstrumentLog](ctx, c.repo, persistence.ListOptions{
		Kind:    models.KindInstrumentLog,
		Filters: map[string]string{"robot_plan_ref": robotPlanID},
	})
	if err != nil {
		return nil, storeError(op, err)
	}

	out := &RobotPlanLogs{RobotPlanID: robotPlanID, InstrumentLogs: make([]*models.InstrumentLog, 0, len(logs))}
	for _, l := range logs {
		out.InstrumentLogs = append(out.InstrumentLogs, l.Value)
	}

	sort.Slice(out.InstrumentLogs, func(i, j int) bool {
		return out.InstrumentLogs[i].RecordID < out.InstrumentLogs[j].RecordID
	})

	runs, err := runsForPlan(ctx, c.repo, robotPlanID)
	if err != nil {
		return nil, storeError(op, err)
	}

	if len(runs) == 0 || runs[len(runs)-1].Status != models.ExecutionRunStatusRunning {
		return out, nil
	}

	latest := runs[len(runs)-1]

	transport, err := c.registry.Get(latest.AdapterID)
	if err != nil {
		return out, nil
	}

	lines, err := transport.Logs(ctx, latest)
	if err != nil {
		c.logger.WarnContext(ctx, "adapter logs failed", "robot_plan_id", robotPlanID, "execution_run_id", latest.RecordID, "error", err)

		return out, nil
	}

	out.AdapterLogs = lines

	return out, nil
}

// CancelResult describes a cancel request. Canceled is false when there was
// nothing left to cancel.
type CancelResult struct {
	RobotPlanID     string `json:"robot_plan_id"`
	ExecutionRunID  string `json:"execution_run_id,omitempty"`
	LogID           string `json:"log_id,omitempty"`
	Canceled        bool   `json:"canceled"`
	AdapterCanceled bool   `json:"adapter_canceled"`
}

// CancelRobotPlan cancels the plan's newest non-terminal execution run.
func (c *Control) CancelRobotPlan(ctx context.Context, robotPlanID string) (*CancelResult, error) {
	const op = "CancelRobotPlan"

	if _, err := loadRobotPlan(ctx, c.repo, op, robotPlanID); err != nil {
		return nil, err
	}

	runs, err := runsForPlan(ctx, c.repo, robotPlanID)
	if err != nil {
		return nil, storeError(op, err)
	}

	for i := len(runs) - 1; i >= 0; i-- {
		if !runs[i].Status.Terminal() {
			return c.cancel(ctx, op, runs[i])
		}
	}

	c.logger.InfoContext(ctx, "nothing to cancel", "robot_plan_id", robotPlanID)

	return &CancelResult{RobotPlanID: robotPlanID}, nil
}

// CancelExecutionRun cancels one execution run. Canceling a terminal run is
// a no-op.
func (c *Control) CancelExecutionRun(ctx context.Context, executionRunID string) (*CancelResult, error) {
	const op = "CancelExecutionRun"

	rec, err := records.Get[models.ExecutionRun](ctx, c.repo, models.KindExecutionRun, executionRunID)
	if err != nil {
		if persistence.IsNotFound(err) {
			return nil, notFound(op, "execution run", executionRunID)
		}

		return nil, storeError(op, err)
	}

	if rec.Value.Status.Terminal() {
		return &CancelResult{RobotPlanID: rec.Value.RobotPlanRef, ExecutionRunID: executionRunID}, nil
	}

	return c.cancel(ctx, op, rec.Value)
}

// cancel stops run at its adapter, best-effort, and then records the
// cancellation. Local records change even when the adapter is unreachable.
func (c *Control) cancel(ctx context.Context, op string, run *models.ExecutionRun) (*CancelResult, error) {
	result := &CancelResult{RobotPlanID: run.RobotPlanRef, ExecutionRunID: run.RecordID}

	if transport, err := c.registry.Get(run.AdapterID); err != nil {
		c.logger.WarnContext(ctx, "no transport to cancel run", "execution_run_id", run.RecordID, "adapter_id", run.AdapterID, "error", err)
	} else if err := transport.Cancel(ctx, run); err != nil {
		c.logger.WarnContext(ctx, "adapter cancel failed", "execution_run_id", run.RecordID, "adapter_id", run.AdapterID, "error", err)
	} else {
		result.AdapterCanceled = true
	}

	now := c.clk.Now()
	changed := false

	rec, err := records.Mutate(ctx, c.repo, models.KindExecutionRun, run.RecordID, "cancel "+run.RecordID, func(cur *models.ExecutionRun) error {
		changed = false

		if cur.Status.Terminal() {
			return records.ErrUnchanged
		}

		cur.Status = models.ExecutionRunStatusCanceled
		cur.CompletedAt = &now
		changed = true

		return nil
	})
	if err != nil {
		return nil, storeError(op, err)
	}

	if !changed {
		return result, nil
	}

	result.Canceled = true

	setPlannedRunStateBestEffort(ctx, c.logger, c.repo, run.PlannedRunRef, models.PlannedRunStateFailed)

	logRec, err := records.Create(ctx, c.repo, models.KindInstrumentLog, "abort "+run.RecordID, func(id string) *models.InstrumentLog {
		return &models.InstrumentLog{
			RecordID:        id,
			RobotPlanRef:    run.RobotPlanRef,
			PlannedRunRef:   run.PlannedRunRef,
			ExecutionRunRef: run.RecordID,
			Status:          models.InstrumentLogStatusAborted,
			Entries: []models.LogEntry{{
				Timestamp: now,
				Kind:      models.LogEntryInfo,
				Code:      CodeAborted,
				Message:   "execution aborted by operator",
				Data:      map[string]any{"adapter_canceled": result.AdapterCanceled},
			}},
		}
	})
	if err != nil {
		return nil, storeError(op, err)
	}

	result.LogID = logRec.Value.RecordID

	c.logger.InfoContext(ctx, "execution run canceled",
		"robot_plan_id", run.RobotPlanRef, "execution_run_id", run.RecordID,
		"log_id", result.LogID, "adapter_canceled", result.AdapterCanceled)

	PublishRunEvent(ctx, c.logger, c.publisher, rec.Value, now)

	return result, nil
}

// runsForPlan lists the plan's execution runs ordered by attempt.
func runsForPlan(ctx context.Context, repo *records.Repository, robotPlanID string) ([]*models.ExecutionRun, error) {
	recs, err := records.List[models.ExecutionRun](ctx, repo, persistence.ListOptions{
		Kind:    models.KindExecutionRun,
		Filters: map[string]string{"robot_plan_ref": robotPlanID},
	})
	if err != nil {
		return nil, err
	}

	runs := make([]*models.ExecutionRun, 0, len(recs))
	for _, r := range recs {
		runs = append(runs, r.Value)
	}

	sort.SliceStable(runs, func(i, j int) bool {
		if runs[i].Attempt == runs[j].Attempt {
			return runs[i].RecordID < runs[j].RecordID
		}

		return runs[i].Attempt < runs[j].Attempt
	})

	return runs, nil
}
