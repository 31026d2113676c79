package services

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"

	"github.com/dukex/labrun/pkg/models"
	"github.com/dukex/labrun/pkg/otelhelper"
	"github.com/dukex/labrun/pkg/persistence"
	"github.com/dukex/labrun/pkg/records"
	"go.opentelemetry.io/otel/attribute"
)

// DefaultMaxAttempts bounds automatic retries of one robot plan lineage.
const DefaultMaxAttempts = 3

// ExecuteOptions are the optional inputs of a dispatch.
type ExecuteOptions struct {
	ParentExecutionRunID string
	Parameters           map[string]any
}

// ExecuteResult identifies the records a dispatch wrote.
type ExecuteResult struct {
	ExecutionRunID string                    `json:"execution_run_id"`
	LogID          string                    `json:"log_id"`
	Status         models.ExecutionRunStatus `json:"status"`
}

// Executor dispatches robot plans. When the adapter call itself fails the
// failed run is still recorded and the result is returned with the error.
type Executor interface {
	ExecuteRobotPlan(ctx context.Context, robotPlanID string, opts ExecuteOptions) (*ExecuteResult, error)
}

// ExecutionRuns implements the operator operations on execution runs.
type ExecutionRuns struct {
	repo         *records.Repository
	executor     Executor
	control      *Control
	materializer *Materializer
	logger       *slog.Logger
}

// NewExecutionRuns creates the execution run service.
func NewExecutionRuns(repo *records.Repository, executor Executor, control *Control, materializer *Materializer, logger *slog.Logger) *ExecutionRuns {
	return &ExecutionRuns{
		repo:         repo,
		executor:     executor,
		control:      control,
		materializer: materializer,
		logger:       logger.With("module", "execution_runs"),
	}
}

// ListFilter selects execution runs. Empty fields match everything.
type ListFilter struct {
	RobotPlanRef string
	Status       models.ExecutionRunStatus
	Limit        int
	Offset       int
}

// List returns the execution runs matching filter in id order.
func (s *ExecutionRuns) List(ctx context.Context, filter ListFilter) ([]*models.ExecutionRun, error) {
	filters := map[string]string{}
	if filter.RobotPlanRef != "" {
		filters["robot_plan_ref"] = filter.RobotPlanRef
	}

	if filter.Status != "" {
		filters["status"] = string(filter.Status)
	}

	recs, err := records.List[models.ExecutionRun](ctx, s.repo, persistence.ListOptions{
		Kind:    models.KindExecutionRun,
		Limit:   filter.Limit,
		Offset:  filter.Offset,
		Filters: filters,
	})
	if err != nil {
		if errors.Is(err, persistence.ErrInvalidFilter) {
			return nil, badRequest("ListExecutionRuns", err, "%v", err)
		}

		return nil, storeError("ListExecutionRuns", err)
	}

	runs := make([]*models.ExecutionRun, 0, len(recs))
	for _, r := range recs {
		runs = append(runs, r.Value)
	}

	return runs, nil
}

// Get returns one execution run.
func (s *ExecutionRuns) Get(ctx context.Context, id string) (*models.ExecutionRun, error) {
	rec, err := s.get(ctx, "GetExecutionRun", id)
	if err != nil {
		return nil, err
	}

	return rec.Value, nil
}

func (s *ExecutionRuns) get(ctx context.Context, op, id string) (*records.Record[models.ExecutionRun], error) {
	rec, err := records.Get[models.ExecutionRun](ctx, s.repo, models.KindExecutionRun, id)
	if err != nil {
		if persistence.IsNotFound(err) {
			return nil, notFound(op, "execution run", id)
		}

		return nil, storeError(op, err)
	}

	return rec, nil
}

// Lineage returns the retry family of id: its root ancestor and every
// descendant, ordered by attempt.
func (s *ExecutionRuns) Lineage(ctx context.Context, id string) ([]*models.ExecutionRun, error) {
	const op = "GetExecutionRunLineage"

	start, err := s.get(ctx, op, id)
	if err != nil {
		return nil, err
	}

	all, err := runsForPlan(ctx, s.repo, start.Value.RobotPlanRef)
	if err != nil {
		return nil, storeError(op, err)
	}

	byID := make(map[string]*models.ExecutionRun, len(all))
	children := make(map[string][]*models.ExecutionRun)

	for _, run := range all {
		byID[run.RecordID] = run
		if run.ParentExecutionRunRef != "" {
			children[run.ParentExecutionRunRef] = append(children[run.ParentExecutionRunRef], run)
		}
	}

	root := start.Value
	seen := map[string]bool{root.RecordID: true}

	for root.ParentExecutionRunRef != "" {
		parent, ok := byID[root.ParentExecutionRunRef]
		if !ok || seen[parent.RecordID] {
			break
		}

		seen[parent.RecordID] = true
		root = parent
	}

	lineage := []*models.ExecutionRun{root}
	visited := map[string]bool{root.RecordID: true}

	for i := 0; i < len(lineage); i++ {
		for _, child := range children[lineage[i].RecordID] {
			if !visited[child.RecordID] {
				visited[child.RecordID] = true
				lineage = append(lineage, child)
			}
		}
	}

	sort.SliceStable(lineage, func(i, j int) bool {
		return lineage[i].Attempt < lineage[j].Attempt
	})

	return lineage, nil
}

// Retry re-dispatches the robot plan of a failed run as a child attempt.
// force also allows retrying a run that is still nominally running or has
// already been retried.
func (s *ExecutionRuns) Retry(ctx context.Context, id string, force bool) (*ExecuteResult, error) {
	const op = "RetryExecutionRun"

	rec, err := s.get(ctx, op, id)
	if err != nil {
		return nil, err
	}

	run := rec.Value

	switch run.Status {
	case models.ExecutionRunStatusFailed, models.ExecutionRunStatusCanceled:
	case models.ExecutionRunStatusRunning:
		if !force {
			return nil, conflict(op, nil, "execution run %s is still running, retry with force to override", id)
		}
	default:
		return nil, conflict(op, nil, "execution run %s is %s and cannot be retried", id, run.Status)
	}

	if !force {
		child, err := s.childOf(ctx, run)
		if err != nil {
			return nil, storeError(op, err)
		}

		if child != "" {
			return nil, conflict(op, nil, "execution run %s was already retried as %s", id, child)
		}
	}

	s.logger.InfoContext(ctx, "retrying execution run", "execution_run_id", id, "robot_plan_id", run.RobotPlanRef, "force", force)

	return s.executor.ExecuteRobotPlan(ctx, run.RobotPlanRef, ExecuteOptions{
		ParentExecutionRunID: id,
		Parameters:           run.Parameters,
	})
}

func (s *ExecutionRuns) childOf(ctx context.Context, run *models.ExecutionRun) (string, error) {
	recs, err := records.List[models.ExecutionRun](ctx, s.repo, persistence.ListOptions{
		Kind:    models.KindExecutionRun,
		Filters: map[string]string{"parent_execution_run_ref": run.RecordID},
	})
	if err != nil {
		return "", err
	}

	if len(recs) == 0 {
		return "", nil
	}

	return recs[0].Value.RecordID, nil
}

// Resolve records an operator resolution on a terminal run. Resolved runs
// are no longer retried automatically nor raised as incidents.
func (s *ExecutionRuns) Resolve(ctx context.Context, id, note string) (*models.ExecutionRun, error) {
	const op = "ResolveExecutionRun"

	if _, err := s.get(ctx, op, id); err != nil {
		return nil, err
	}

	note = strings.TrimSpace(note)
	if note == "" {
		note = "resolved by operator"
	}

	var stillRunning bool

	rec, err := records.Mutate(ctx, s.repo, models.KindExecutionRun, id, "resolve "+id, func(run *models.ExecutionRun) error {
		stillRunning = run.Status == models.ExecutionRunStatusRunning
		if stillRunning {
			return records.ErrUnchanged
		}

		if run.Resolution == note && !run.RetryRecommended {
			return records.ErrUnchanged
		}

		run.Resolution = note
		run.RetryRecommended = false

		return nil
	})
	if err != nil {
		return nil, storeError(op, err)
	}

	if stillRunning {
		return nil, conflict(op, nil, "execution run %s is still running, cancel it first", id)
	}

	return rec.Value, nil
}

// Cancel cancels one execution run.
func (s *ExecutionRuns) Cancel(ctx context.Context, id string) (*CancelResult, error) {
	return s.control.CancelExecutionRun(ctx, id)
}

// Materialize derives the run's event graph.
func (s *ExecutionRuns) Materialize(ctx context.Context, id string) (string, error) {
	return s.materializer.MaterializeFromExecutionRun(ctx, id)
}

// RetrySummary reports one retry scan.
type RetrySummary struct {
	Scanned  int `json:"scanned"`
	Eligible int `json:"eligible"`
	Retried  int `json:"retried"`
	Failed   int `json:"failed"`
	Capped   int `json:"capped"`
}

// Map returns the summary in the shape stored on worker state.
func (s *RetrySummary) Map() map[string]any {
	return map[string]any{
		"scanned":  s.Scanned,
		"eligible": s.Eligible,
		"retried":  s.Retried,
		"failed":   s.Failed,
		"capped":   s.Capped,
	}
}

// ScanRetries re-dispatches every failed run classified transient with a
// retry recommendation that has no child run yet. Lineages already
// maxAttempts runs deep are left alone.
func (s *ExecutionRuns) ScanRetries(ctx context.Context, maxAttempts int) (*RetrySummary, error) {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}

	ctx, span := otelhelper.StartSpan(ctx, otelhelper.Tracer(), "execution.retry_scan")
	defer span.End()

	recs, err := records.List[models.ExecutionRun](ctx, s.repo, persistence.ListOptions{Kind: models.KindExecutionRun})
	if err != nil {
		otelhelper.SetError(span, err)

		return nil, storeError("ScanRetries", err)
	}

	retried := make(map[string]bool)
	byID := make(map[string]*models.ExecutionRun, len(recs))

	for _, r := range recs {
		byID[r.Value.RecordID] = r.Value

		if r.Value.ParentExecutionRunRef != "" {
			retried[r.Value.ParentExecutionRunRef] = true
		}
	}

	summary := &RetrySummary{}

	var errs []error

	for _, r := range recs {
		run := r.Value
		if run.Status != models.ExecutionRunStatusFailed {
			continue
		}

		summary.Scanned++

		if !run.RetryRecommended || run.FailureClass != models.FailureClassTransient || run.Resolution != "" || retried[run.RecordID] {
			continue
		}

		summary.Eligible++

		if lineageDepth(byID, run) >= maxAttempts {
			summary.Capped++

			continue
		}

		res, err := s.executor.ExecuteRobotPlan(ctx, run.RobotPlanRef, ExecuteOptions{
			ParentExecutionRunID: run.RecordID,
			Parameters:           run.Parameters,
		})
		if res != nil {
			summary.Retried++
		}

		if err != nil {
			summary.Failed++

			s.logger.WarnContext(ctx, "retry dispatch failed", "execution_run_id", run.RecordID, "error", err)

			if res == nil {
				errs = append(errs, err)
			}

			continue
		}

		s.logger.InfoContext(ctx, "execution run retried",
			"execution_run_id", run.RecordID, "child_execution_run_id", res.ExecutionRunID, "status", res.Status)
	}

	span.SetAttributes(attribute.Int("labrun.retry.retried", summary.Retried))

	err = errors.Join(errs...)
	if err != nil {
		otelhelper.SetError(span, err)
	}

	return summary, err
}

// lineageDepth counts run and its ancestors through the parent refs. A
// parent missing from byID ends the walk.
func lineageDepth(byID map[string]*models.ExecutionRun, run *models.ExecutionRun) int {
	depth := 1
	seen := map[string]bool{run.RecordID: true}

	for ref := run.ParentExecutionRunRef; ref != ""; {
		parent, ok := byID[ref]
		if !ok || seen[ref] {
			break
		}

		seen[ref] = true
		depth++
		ref = parent.ParentExecutionRunRef
	}

	return depth
}
