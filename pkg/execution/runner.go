// Package execution dispatches compiled robot plans to adapters and records
// each attempt.
package execution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/dukex/labrun/pkg/adapters"
	"github.com/dukex/labrun/pkg/classifier"
	"github.com/dukex/labrun/pkg/clock"
	"github.com/dukex/labrun/pkg/eventbus"
	"github.com/dukex/labrun/pkg/models"
	"github.com/dukex/labrun/pkg/otelhelper"
	"github.com/dukex/labrun/pkg/persistence"
	"github.com/dukex/labrun/pkg/records"
	"github.com/dukex/labrun/pkg/schema"
	"github.com/dukex/labrun/pkg/services"
	"go.opentelemetry.io/otel/attribute"
)

const RoleRawLog = "raw_log"

// Deps are the collaborators of a Runner. Materializer and Publisher are
// optional.
type Deps struct {
	Repo         *records.Repository
	Artifacts    persistence.ArtifactStore
	Schemas      *schema.Registry
	Selector     *adapters.Selector
	Materializer *services.Materializer
	Publisher    eventbus.EventPublisher
	Clock        clock.Clock
}

// Runner executes robot plans. It implements services.Executor.
type Runner struct {
	deps   Deps
	logger *slog.Logger

	mu    sync.Mutex
	plans map[string]*sync.Mutex
}

var _ services.Executor = (*Runner)(nil)

// NewRunner creates a runner.
func NewRunner(deps Deps, logger *slog.Logger) *Runner {
	if deps.Clock == nil {
		deps.Clock = clock.Real()
	}

	return &Runner{
		deps:   deps,
		logger: logger.With("module", "runner"),
		plans:  map[string]*sync.Mutex{},
	}
}

func (r *Runner) planLock(id string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()

	l, ok := r.plans[id]
	if !ok {
		l = &sync.Mutex{}
		r.plans[id] = l
	}

	return l
}

// ExecuteRobotPlan dispatches one attempt of the robot plan. Request errors
// are returned before any record is written. An adapter failure is stored
// on a failed execution run and returned together with its result.
func (r *Runner) ExecuteRobotPlan(ctx context.Context, robotPlanID string, opts services.ExecuteOptions) (result *services.ExecuteResult, err error) {
	const op = "ExecuteRobotPlan"

	ctx, span := otelhelper.StartSpan(ctx, otelhelper.Tracer(), "execution.execute_robot_plan",
		attribute.String(otelhelper.RobotPlanIDKey, robotPlanID))
	defer func() {
		if err != nil {
			otelhelper.SetError(span, err)
		}

		span.End()
	}()

	plan, err := r.loadPlan(ctx, op, robotPlanID)
	if err != nil {
		return nil, err
	}

	if len(plan.Artifacts) == 0 {
		return nil, &services.ServiceError{Op: op, Code: services.CodeBadRequest, Message: fmt.Sprintf("robot plan %s has no artifacts", robotPlanID), Err: services.ErrNoArtifacts}
	}

	params := opts.Parameters
	if params == nil {
		params = map[string]any{}
	}

	if err := r.validateParameters(op, plan.TargetPlatform, params); err != nil {
		return nil, err
	}

	if err := r.checkParent(ctx, op, plan, opts.ParentExecutionRunID); err != nil {
		return nil, err
	}

	artifacts, err := r.loadArtifacts(ctx, op, plan)
	if err != nil {
		return nil, err
	}

	transport, err := r.deps.Selector.Select(plan.TargetPlatform, params)
	if err != nil {
		return nil, &services.ServiceError{Op: op, Code: services.CodeBadRequest, Message: err.Error(), Err: errors.Join(services.ErrBadRequest, err)}
	}

	run, err := r.startRun(ctx, op, plan, transport, opts.ParentExecutionRunID, params)
	if err != nil {
		return nil, err
	}

	span.SetAttributes(
		attribute.String(otelhelper.ExecutionRunIDKey, run.RecordID),
		attribute.String(otelhelper.AdapterIDKey, run.AdapterID),
		attribute.String(otelhelper.ModeKey, string(run.Mode)),
		attribute.Int(otelhelper.AttemptKey, run.Attempt),
	)

	if err := services.SetPlannedRunState(ctx, r.deps.Repo, plan.PlannedRunRef, models.PlannedRunStateExecuting); err != nil && !persistence.IsNotFound(err) {
		r.logger.WarnContext(ctx, "failed to mark planned run executing", "planned_run_id", plan.PlannedRunRef, "error", err)
	}

	services.PublishRunEvent(ctx, r.logger, r.deps.Publisher, run, r.deps.Clock.Now())

	r.logger.InfoContext(ctx, "dispatching robot plan",
		"robot_plan_id", plan.ID, "execution_run_id", run.RecordID,
		"attempt", run.Attempt, "adapter_id", run.AdapterID, "mode", run.Mode)

	res, dispatchErr := transport.Execute(ctx, adapters.ExecuteRequest{
		ExecutionRunID: run.RecordID,
		RobotPlan:      plan,
		Artifacts:      artifacts,
		Parameters:     params,
		Attempt:        run.Attempt,
	})
	if dispatchErr != nil {
		return r.recordDispatchFailure(ctx, op, plan, run, dispatchErr)
	}

	return r.recordResult(ctx, op, plan, run, res)
}

func (r *Runner) loadPlan(ctx context.Context, op, id string) (*models.RobotPlan, error) {
	rec, err := records.Get[models.RobotPlan](ctx, r.deps.Repo, models.KindRobotPlan, id)
	if err != nil {
		if persistence.IsNotFound(err) {
			return nil, &services.ServiceError{Op: op, Code: services.CodeNotFound, Message: fmt.Sprintf("robot plan %s not found", id), Err: services.ErrNotFound}
		}

		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return rec.Value, nil
}

func (r *Runner) validateParameters(op string, platform models.TargetPlatform, params map[string]any) error {
	issues, err := r.deps.Schemas.ValidateParameters(platform, params)
	if err != nil {
		return &services.ServiceError{Op: op, Code: services.CodeBadRequest, Message: err.Error(), Err: errors.Join(services.ErrUnsupportedPlatform, err)}
	}

	if len(issues) > 0 {
		return &services.ServiceError{
			Op:      op,
			Code:    services.CodeBadRequest,
			Message: fmt.Sprintf("%s: %v", services.ErrInvalidParameters, schema.IssueKeys(issues)),
			Issues:  issues,
			Err:     services.ErrInvalidParameters,
		}
	}

	return nil
}

func (r *Runner) checkParent(ctx context.Context, op string, plan *models.RobotPlan, parentID string) error {
	if parentID == "" {
		return nil
	}

	parent, err := records.Get[models.ExecutionRun](ctx, r.deps.Repo, models.KindExecutionRun, parentID)
	if err != nil {
		if persistence.IsNotFound(err) {
			return &services.ServiceError{Op: op, Code: services.CodeNotFound, Message: fmt.Sprintf("execution run %s not found", parentID), Err: services.ErrNotFound}
		}

		return fmt.Errorf("%s: %w", op, err)
	}

	if parent.Value.RobotPlanRef != plan.ID {
		return &services.ServiceError{
			Op:      op,
			Code:    services.CodeBadRequest,
			Message: fmt.Sprintf("execution run %s belongs to robot plan %s, not %s", parentID, parent.Value.RobotPlanRef, plan.ID),
			Err:     services.ErrBadRequest,
		}
	}

	return nil
}

func (r *Runner) loadArtifacts(ctx context.Context, op string, plan *models.RobotPlan) ([]adapters.Artifact, error) {
	out := make([]adapters.Artifact, 0, len(plan.Artifacts))

	for _, ref := range plan.Artifacts {
		file, err := r.deps.Artifacts.GetFile(ctx, ref.Path)
		if err != nil {
			if errors.Is(err, persistence.ErrFileNotFound) {
				return nil, &services.ServiceError{Op: op, Code: services.CodeNotFound, Message: fmt.Sprintf("artifact %s of robot plan %s not found", ref.Path, plan.ID), Err: services.ErrNotFound}
			}

			return nil, fmt.Errorf("%s: read artifact %s: %w", op, ref.Path, err)
		}

		out = append(out, adapters.Artifact{
			Role:        ref.Role,
			Path:        ref.Path,
			ContentHash: ref.ContentHash,
			MediaType:   ref.MediaType,
			Content:     file.Content,
		})
	}

	return out, nil
}

// startRun assigns the next attempt and stores the running execution run.
// Attempt assignment is serialised per robot plan within this process.
func (r *Runner) startRun(ctx context.Context, op string, plan *models.RobotPlan, transport adapters.Transport, parentID string, params map[string]any) (*models.ExecutionRun, error) {
	lock := r.planLock(plan.ID)
	lock.Lock()
	defer lock.Unlock()

	attempt, err := r.nextAttempt(ctx, plan.ID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	now := r.deps.Clock.Now()

	rec, err := records.Create(ctx, r.deps.Repo, models.KindExecutionRun, fmt.Sprintf("execute %s attempt %d", plan.ID, attempt), func(id string) *models.ExecutionRun {
		return &models.ExecutionRun{
			RecordID:              id,
			RobotPlanRef:          plan.ID,
			PlannedRunRef:         plan.PlannedRunRef,
			ParentExecutionRunRef: parentID,
			Attempt:               attempt,
			Status:                models.ExecutionRunStatusRunning,
			Mode:                  transport.Mode(),
			AdapterID:             transport.AdapterID(),
			StartedAt:             now,
			Parameters:            params,
		}
	})
	if err != nil {
		return nil, fmt.Errorf("%s: create execution run: %w", op, err)
	}

	return rec.Value, nil
}

// nextAttempt returns max(attempt)+1 over the plan's execution runs.
func (r *Runner) nextAttempt(ctx context.Context, robotPlanID string) (int, error) {
	runs, err := records.List[models.ExecutionRun](ctx, r.deps.Repo, persistence.ListOptions{
		Kind:    models.KindExecutionRun,
		Filters: map[string]string{"robot_plan_ref": robotPlanID},
	})
	if err != nil {
		return 0, err
	}

	highest := 0
	for _, run := range runs {
		highest = max(highest, run.Value.Attempt)
	}

	return highest + 1, nil
}

// dispatchFailure classifies an error returned by Transport.Execute.
func dispatchFailure(mode models.ExecutionMode, err error) models.Failure {
	var dispatchErr *adapters.DispatchError
	if errors.As(err, &dispatchErr) {
		return classifier.Classify(classifier.Input{
			Mode:      mode,
			ExitCode:  dispatchErr.ExitCode,
			StatusRaw: dispatchErr.StatusRaw,
			Stderr:    dispatchErr.Error() + "\n" + dispatchErr.Stderr,
		})
	}

	failure := classifier.Classify(classifier.Input{Mode: mode, Stderr: err.Error()})
	if failure.Class == models.FailureClassUnknown {
		return models.Failure{
			Class:            models.FailureClassTransient,
			RetryRecommended: true,
			Code:             classifier.CodeExecutorFailure,
			Reason:           "executor raised: " + err.Error(),
		}
	}

	return failure
}

func (r *Runner) recordDispatchFailure(ctx context.Context, op string, plan *models.RobotPlan, run *models.ExecutionRun, dispatchErr error) (*services.ExecuteResult, error) {
	now := r.deps.Clock.Now()
	failure := dispatchFailure(run.Mode, dispatchErr)

	r.logger.ErrorContext(ctx, "dispatch failed",
		"robot_plan_id", plan.ID, "execution_run_id", run.RecordID,
		"failure_class", failure.Class, "failure_code", failure.Code, "error", dispatchErr)

	statusRaw := "dispatch_error"

	var de *adapters.DispatchError
	if errors.As(dispatchErr, &de) && de.StatusRaw != "" {
		statusRaw = de.StatusRaw
	}

	entries := []models.LogEntry{
		dispatchEntry(run, now),
		{
			Timestamp: now,
			Kind:      models.LogEntryError,
			Code:      failure.Code,
			Message:   dispatchErr.Error(),
			Data:      map[string]any{"failure_class": string(failure.Class), "retry_recommended": failure.RetryRecommended},
		},
	}

	logID, err := r.writeLog(ctx, run, models.InstrumentLogStatusFailed, entries, nil)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	updated, changed, err := r.finish(ctx, run.RecordID, func(cur *models.ExecutionRun) {
		cur.LogRef = logID
		cur.LastStatusRaw = statusRaw
		cur.MarkFailed(now, failure)
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	if !changed {
		return r.superseded(ctx, plan, updated, logID), nil
	}

	r.setPlannedRunState(ctx, plan.PlannedRunRef, models.PlannedRunStateFailed)
	services.PublishRunEvent(ctx, r.logger, r.deps.Publisher, updated, now)

	result := &services.ExecuteResult{ExecutionRunID: updated.RecordID, LogID: logID, Status: updated.Status}

	return result, fmt.Errorf("%s: dispatch %s via %s: %w", op, plan.ID, run.AdapterID, dispatchErr)
}

func (r *Runner) recordResult(ctx context.Context, op string, plan *models.RobotPlan, run *models.ExecutionRun, res *adapters.Result) (*services.ExecuteResult, error) {
	now := r.deps.Clock.Now()

	refs, err := r.writeArtifacts(ctx, run, res)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	entries := append([]models.LogEntry{dispatchEntry(run, now)}, logEntries(res, now)...)

	next, logStatus, failure := finalState(run.Mode, res)

	logID, err := r.writeLog(ctx, run, logStatus, entries, refs)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	updated, changed, err := r.finish(ctx, run.RecordID, func(cur *models.ExecutionRun) {
		cur.LogRef = logID
		cur.ExternalRunID = res.ExternalRunID
		cur.ExternalProtocolID = res.ExternalProtocolID
		cur.LastStatusRaw = res.StatusRaw

		switch next {
		case models.ExecutionRunStatusCompleted:
			cur.MarkCompleted(now)
		case models.ExecutionRunStatusFailed:
			cur.MarkFailed(now, failure)
		case models.ExecutionRunStatusCanceled:
			cur.Status = models.ExecutionRunStatusCanceled
			cur.CompletedAt = &now
		}
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	if !changed {
		return r.superseded(ctx, plan, updated, logID), nil
	}

	r.logger.InfoContext(ctx, "robot plan executed",
		"robot_plan_id", plan.ID, "execution_run_id", updated.RecordID,
		"status", updated.Status, "log_id", logID, "external_run_id", updated.ExternalRunID)

	switch updated.Status {
	case models.ExecutionRunStatusCompleted:
		r.setPlannedRunState(ctx, plan.PlannedRunRef, models.PlannedRunStateCompleted)
		r.materialize(ctx, updated)
	case models.ExecutionRunStatusFailed, models.ExecutionRunStatusCanceled:
		r.setPlannedRunState(ctx, plan.PlannedRunRef, models.PlannedRunStateFailed)
	}

	if updated.Status.Terminal() {
		services.PublishRunEvent(ctx, r.logger, r.deps.Publisher, updated, now)
	}

	return &services.ExecuteResult{ExecutionRunID: updated.RecordID, LogID: logID, Status: updated.Status}, nil
}

// finalState maps an execute result to the run status, the log status and
// the failure to record.
func finalState(mode models.ExecutionMode, res *adapters.Result) (models.ExecutionRunStatus, models.InstrumentLogStatus, models.Failure) {
	switch res.FinalStatus {
	case adapters.FinalCompleted:
		return models.ExecutionRunStatusCompleted, models.InstrumentLogStatusCompleted, models.Failure{}
	case adapters.FinalCanceled:
		return models.ExecutionRunStatusCanceled, models.InstrumentLogStatusAborted, models.Failure{}
	case adapters.FinalFailed:
		in := classifier.Input{
			Mode:      mode,
			ExitCode:  res.ExitCode,
			StatusRaw: res.StatusRaw,
			Stderr:    res.Stderr,
		}

		if res.Failure != nil {
			in.HintClass = models.FailureClass(res.Failure.Class)
			in.HintCode = res.Failure.Code

			if res.Failure.Message != "" {
				in.Stderr = res.Failure.Message + "\n" + in.Stderr
			}
		}

		return models.ExecutionRunStatusFailed, models.InstrumentLogStatusFailed, classifier.Classify(in)
	default:
		return models.ExecutionRunStatusRunning, models.InstrumentLogStatusRunning, models.Failure{}
	}
}

// finish applies the dispatch outcome to the stored run. A run that reached
// a terminal status in the meantime, by cancel or by the poller, is left as
// it is and reported unchanged.
func (r *Runner) finish(ctx context.Context, id string, apply func(*models.ExecutionRun)) (*models.ExecutionRun, bool, error) {
	changed := false

	rec, err := records.Mutate(ctx, r.deps.Repo, models.KindExecutionRun, id, "record result "+id, func(cur *models.ExecutionRun) error {
		changed = false

		if cur.Status.Terminal() {
			return records.ErrUnchanged
		}

		apply(cur)
		changed = true

		return nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("update execution run %s: %w", id, err)
	}

	return rec.Value, changed, nil
}

func (r *Runner) superseded(ctx context.Context, plan *models.RobotPlan, run *models.ExecutionRun, logID string) *services.ExecuteResult {
	r.logger.WarnContext(ctx, "execution run settled during dispatch, keeping its status",
		"robot_plan_id", plan.ID, "execution_run_id", run.RecordID, "status", run.Status, "log_id", logID)

	return &services.ExecuteResult{ExecutionRunID: run.RecordID, LogID: logID, Status: run.Status}
}

func (r *Runner) setPlannedRunState(ctx context.Context, id string, state models.PlannedRunState) {
	if err := services.SetPlannedRunState(ctx, r.deps.Repo, id, state); err != nil && !persistence.IsNotFound(err) {
		r.logger.WarnContext(ctx, "failed to update planned run state", "planned_run_id", id, "state", state, "error", err)
	}
}

// materialize derives the event graph without failing the execute call.
func (r *Runner) materialize(ctx context.Context, run *models.ExecutionRun) {
	if r.deps.Materializer == nil {
		return
	}

	if _, err := r.deps.Materializer.MaterializeFromExecutionRun(ctx, run.RecordID); err != nil {
		r.logger.WarnContext(ctx, "materialization failed", "execution_run_id", run.RecordID, "error", err)
	}
}
