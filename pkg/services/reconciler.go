package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/dukex/labrun/pkg/adapters"
	"github.com/dukex/labrun/pkg/classifier"
	"github.com/dukex/labrun/pkg/clock"
	"github.com/dukex/labrun/pkg/eventbus"
	"github.com/dukex/labrun/pkg/models"
	"github.com/dukex/labrun/pkg/otelhelper"
	"github.com/dukex/labrun/pkg/persistence"
	"github.com/dukex/labrun/pkg/records"
)

const (
	DefaultMaxRun       = 4 * time.Hour
	DefaultStaleUnknown = 30 * time.Minute

	timeoutStderr = "execution exceeded max runtime"
)

// ReconcilerConfig bounds how long a run may stay running.
type ReconcilerConfig struct {
	MaxRun       time.Duration
	StaleUnknown time.Duration
}

func (c ReconcilerConfig) withDefaults() ReconcilerConfig {
	if c.MaxRun <= 0 {
		c.MaxRun = DefaultMaxRun
	}

	if c.StaleUnknown <= 0 {
		c.StaleUnknown = DefaultStaleUnknown
	}

	return c
}

// PollSummary reports one reconciliation scan. Updated counts the run
// records written; Completed and Failed count status transitions.
type PollSummary struct {
	Scanned            int  `json:"scanned"`
	Updated            int  `json:"updated"`
	Completed          int  `json:"completed"`
	Failed             int  `json:"failed"`
	StaleUnknownFailed int  `json:"stale_unknown_failed"`
	SkippedBusy        bool `json:"skipped_busy,omitempty"`
}

// Map returns the summary in the shape stored on worker state.
func (s *PollSummary) Map() map[string]any {
	m := map[string]any{
		"scanned":            s.Scanned,
		"updated":            s.Updated,
		"completed":          s.Completed,
		"failed":             s.Failed,
		"staleUnknownFailed": s.StaleUnknownFailed,
	}

	if s.SkippedBusy {
		m["skippedBusy"] = true
	}

	return m
}

// Reconciler moves running execution runs forward from adapter status.
type Reconciler struct {
	repo         *records.Repository
	registry     *adapters.Registry
	clk          clock.Clock
	materializer *Materializer
	publisher    eventbus.EventPublisher
	cfg          ReconcilerConfig
	logger       *slog.Logger

	inFlight atomic.Bool
}

// NewReconciler creates a reconciler. materializer and publisher may be nil.
func NewReconciler(repo *records.Repository, registry *adapters.Registry, clk clock.Clock, materializer *Materializer, publisher eventbus.EventPublisher, cfg ReconcilerConfig, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		repo:         repo,
		registry:     registry,
		clk:          clk,
		materializer: materializer,
		publisher:    publisher,
		cfg:          cfg.withDefaults(),
		logger:       logger.With("module", "reconciler"),
	}
}

// InFlight reports whether a scan is running.
func (r *Reconciler) InFlight() bool {
	return r.inFlight.Load()
}

// observation is what one run's checks decided.
type observation struct {
	statusRaw    string
	next         models.ExecutionRunStatus
	failure      models.Failure
	staleUnknown bool
}

// Scan reconciles every running execution run. A call made while another
// scan is in progress returns at once with SkippedBusy set.
func (r *Reconciler) Scan(ctx context.Context) (*PollSummary, error) {
	if !r.inFlight.CompareAndSwap(false, true) {
		return &PollSummary{SkippedBusy: true}, nil
	}
	defer r.inFlight.Store(false)

	ctx, span := otelhelper.StartSpan(ctx, otelhelper.Tracer(), "execution.poll_scan")
	defer span.End()

	runs, err := records.List[models.ExecutionRun](ctx, r.repo, persistence.ListOptions{
		Kind:    models.KindExecutionRun,
		Filters: map[string]string{"status": string(models.ExecutionRunStatusRunning)},
	})
	if err != nil {
		otelhelper.SetError(span, err)

		return nil, fmt.Errorf("list running execution runs: %w", err)
	}

	summary := &PollSummary{Scanned: len(runs)}

	var errs []error

	for _, rec := range runs {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)

			break
		}

		if err := r.reconcile(ctx, rec.Value, summary); err != nil {
			r.logger.ErrorContext(ctx, "failed to reconcile execution run", "execution_run_id", rec.Value.RecordID, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", rec.Value.RecordID, err))
		}
	}

	err = errors.Join(errs...)
	if err != nil {
		otelhelper.SetError(span, err)
	}

	r.logger.InfoContext(ctx, "poll scan finished",
		"scanned", summary.Scanned, "updated", summary.Updated,
		"completed", summary.Completed, "failed", summary.Failed,
		"stale_unknown_failed", summary.StaleUnknownFailed)

	return summary, err
}

func (r *Reconciler) reconcile(ctx context.Context, run *models.ExecutionRun, summary *PollSummary) error {
	obs := r.observe(ctx, run)
	now := r.clk.Now()

	var written, transitioned bool

	rec, err := records.Mutate(ctx, r.repo, models.KindExecutionRun, run.RecordID, "poll "+run.RecordID, func(cur *models.ExecutionRun) error {
		written, transitioned = false, false

		if cur.Status != models.ExecutionRunStatusRunning {
			return records.ErrUnchanged
		}

		cur.LastStatusRaw = obs.statusRaw
		cur.LastPolledAt = &now

		switch obs.next {
		case models.ExecutionRunStatusCompleted:
			cur.MarkCompleted(now)
		case models.ExecutionRunStatusFailed:
			cur.MarkFailed(now, obs.failure)
		}

		written = true
		transitioned = cur.Status != models.ExecutionRunStatusRunning

		return nil
	})
	if err != nil {
		return err
	}

	if !written {
		// Another writer moved the run out of running first.
		return nil
	}

	summary.Updated++

	if !transitioned {
		return nil
	}

	updated := rec.Value

	switch updated.Status {
	case models.ExecutionRunStatusCompleted:
		summary.Completed++

		setPlannedRunStateBestEffort(ctx, r.logger, r.repo, updated.PlannedRunRef, models.PlannedRunStateCompleted)

		if updated.MaterializedEventGraphID == "" && r.materializer != nil {
			if _, err := r.materializer.MaterializeFromExecutionRun(ctx, updated.RecordID); err != nil {
				r.logger.WarnContext(ctx, "materialization failed", "execution_run_id", updated.RecordID, "error", err)
			}
		}
	case models.ExecutionRunStatusFailed:
		summary.Failed++
		if obs.staleUnknown {
			summary.StaleUnknownFailed++
		}

		setPlannedRunStateBestEffort(ctx, r.logger, r.repo, updated.PlannedRunRef, models.PlannedRunStateFailed)
	}

	r.logger.InfoContext(ctx, "execution run transitioned",
		"execution_run_id", updated.RecordID, "status", updated.Status, "status_raw", obs.statusRaw,
		"failure_class", updated.FailureClass, "failure_code", updated.FailureCode)

	PublishRunEvent(ctx, r.logger, r.publisher, updated, now)

	return nil
}

// observe applies the hard timeout, then the stale-unknown check, then the
// adapter's normalized status.
func (r *Reconciler) observe(ctx context.Context, run *models.ExecutionRun) observation {
	age := r.clk.Now().Sub(run.StartedAt)

	if age > r.cfg.MaxRun {
		return observation{
			statusRaw: classifier.StatusTimeout,
			next:      models.ExecutionRunStatusFailed,
			failure: classifier.Classify(classifier.Input{
				Mode:      models.ExecutionModePoller,
				StatusRaw: classifier.StatusTimeout,
				Stderr:    timeoutStderr,
			}),
		}
	}

	status := r.fetchStatus(ctx, run)

	if status.Normalized == adapters.StatusUnknown && age > r.cfg.StaleUnknown {
		return observation{
			statusRaw: classifier.StatusStaleUnknown,
			next:      models.ExecutionRunStatusFailed,
			failure: classifier.Classify(classifier.Input{
				Mode:      models.ExecutionModePoller,
				StatusRaw: classifier.StatusStaleUnknown,
				Stderr:    status.Stderr,
			}),
			staleUnknown: true,
		}
	}

	obs := observation{statusRaw: status.Raw, next: models.ExecutionRunStatusRunning}

	switch status.Normalized {
	case adapters.StatusCompleted:
		obs.next = models.ExecutionRunStatusCompleted
	case adapters.StatusFailed:
		in := classifier.Input{
			Mode:      run.Mode,
			ExitCode:  status.ExitCode,
			StatusRaw: status.Raw,
			Stderr:    status.Stderr,
		}

		if status.Failure != nil {
			in.HintClass = models.FailureClass(status.Failure.Class)
			in.HintCode = status.Failure.Code

			if in.Stderr == "" {
				in.Stderr = status.Failure.Message
			}
		}

		obs.next = models.ExecutionRunStatusFailed
		obs.failure = classifier.Classify(in)
	}

	return obs
}

// fetchStatus asks the run's adapter for its status. Lookup and transport
// failures read as unknown.
func (r *Reconciler) fetchStatus(ctx context.Context, run *models.ExecutionRun) *adapters.StatusResult {
	transport, err := r.registry.Get(run.AdapterID)
	if err != nil {
		r.logger.WarnContext(ctx, "no transport for execution run", "execution_run_id", run.RecordID, "adapter_id", run.AdapterID, "error", err)

		return &adapters.StatusResult{Normalized: adapters.StatusUnknown, Raw: "no_adapter", Stderr: err.Error()}
	}

	status, err := transport.Status(ctx, run)
	if err != nil {
		r.logger.WarnContext(ctx, "adapter status failed", "execution_run_id", run.RecordID, "adapter_id", run.AdapterID, "error", err)

		res := &adapters.StatusResult{Normalized: adapters.StatusUnknown, Raw: "status_error", Stderr: err.Error()}

		var dispatchErr *adapters.DispatchError
		if errors.As(err, &dispatchErr) && dispatchErr.StatusRaw != "" {
			res.Raw = dispatchErr.StatusRaw
		}

		return res
	}

	if status.Normalized == "" {
		status.Normalized = adapters.NormalizeStatus(status.Raw)
	}

	return status
}
