package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/dukex/labrun/pkg/adapters"
	"github.com/dukex/labrun/pkg/clock"
	"github.com/dukex/labrun/pkg/eventbus"
	"github.com/dukex/labrun/pkg/events"
	"github.com/dukex/labrun/pkg/models"
	"github.com/dukex/labrun/pkg/notify"
	"github.com/dukex/labrun/pkg/otelhelper"
	"github.com/dukex/labrun/pkg/persistence"
	"github.com/dukex/labrun/pkg/records"
	"go.opentelemetry.io/otel/attribute"
)

const (
	// DefaultErrorStreakThreshold is the error streak at which a worker is
	// raised as an incident.
	DefaultErrorStreakThreshold = 3

	codeHealthCheckFailed = "HEALTH_CHECK_FAILED"
	codeErrorStreak       = "ERROR_STREAK"

	noteActionAck     = "ack"
	noteActionResolve = "resolve"
)

// Signature is the deduplication key of an incident.
func Signature(class, adapterID, code string) string {
	return persistence.ContentHash([]byte(strings.Join([]string{class, strings.ToLower(adapterID), code}, "|")))
}

// Incidents raises deduplicated incidents from adapter health and failed
// execution runs, and moves them through ack and resolve.
type Incidents struct {
	repo      *records.Repository
	registry  *adapters.Registry
	clk       clock.Clock
	notifier  notify.Notifier
	publisher eventbus.EventPublisher
	logger    *slog.Logger

	errorStreak int
}

// NewIncidents creates the incident service. notifier and publisher may be nil.
func NewIncidents(repo *records.Repository, registry *adapters.Registry, clk clock.Clock, notifier notify.Notifier, publisher eventbus.EventPublisher, logger *slog.Logger) *Incidents {
	return &Incidents{
		repo:        repo,
		registry:    registry,
		clk:         clk,
		notifier:    notifier,
		publisher:   publisher,
		logger:      logger.With("module", "incidents"),
		errorStreak: DefaultErrorStreakThreshold,
	}
}

// ScanSummary reports one incident scan.
type ScanSummary struct {
	Probed       int      `json:"probed"`
	Unhealthy    int      `json:"unhealthy"`
	FailedRuns   int      `json:"failed_runs"`
	Opened       int      `json:"opened"`
	Deduplicated int      `json:"deduplicated"`
	IncidentIDs  []string `json:"incident_ids,omitempty"`
}

// Map returns the summary in the shape stored on worker state.
func (s *ScanSummary) Map() map[string]any {
	return map[string]any{
		"probed":       s.Probed,
		"unhealthy":    s.Unhealthy,
		"failedRuns":   s.FailedRuns,
		"opened":       s.Opened,
		"deduplicated": s.Deduplicated,
	}
}

// Scan probes every registered adapter and inspects failed runs and worker
// error streaks. A new incident is opened only when no open or acked
// incident shares its signature; candidates with equal signatures in one scan are merged.
func (s *Incidents) Scan(ctx context.Context) (*ScanSummary, error) {
	const op = "ScanIncidents"

	ctx, span := otelhelper.StartSpan(ctx, otelhelper.Tracer(), "execution.incident_scan")
	defer span.End()

	existing, err := records.List[models.ExecutionIncident](ctx, s.repo, persistence.ListOptions{Kind: models.KindExecutionIncident})
	if err != nil {
		otelhelper.SetError(span, err)

		return nil, storeError(op, err)
	}

	active := make(map[string]string)
	referenced := make(map[string]bool)

	for _, rec := range existing {
		if rec.Value.Status.Active() {
			active[rec.Value.Signature] = rec.Value.RecordID
		}

		for _, sig := range rec.Value.SourceSignals {
			if sig.Ref != "" {
				referenced[sig.Source+"/"+sig.Ref] = true
			}
		}
	}

	now := s.clk.Now()
	summary := &ScanSummary{}

	var order []string

	pending := make(map[string]*models.ExecutionIncident)
	attach := make(map[string][]models.SourceSignal)

	add := func(c *models.ExecutionIncident) {
		if id, ok := active[c.Signature]; ok {
			summary.Deduplicated++

			// Runs folded into an active incident are not raised again once it closes.
			if c.ExecutionRunRef != "" {
				attach[id] = append(attach[id], c.SourceSignals...)
			}

			return
		}

		if prev, ok := pending[c.Signature]; ok {
			prev.SourceSignals = append(prev.SourceSignals, c.SourceSignals...)

			return
		}

		pending[c.Signature] = c
		order = append(order, c.Signature)
	}

	for _, transport := range s.registry.All() {
		summary.Probed++

		err := transport.Health(ctx)
		if err == nil {
			continue
		}

		summary.Unhealthy++

		s.logger.WarnContext(ctx, "adapter health probe failed", "adapter_id", transport.AdapterID(), "error", err)

		add(&models.ExecutionIncident{
			Severity:     models.SeverityCritical,
			IncidentType: models.IncidentTypeAdapterUnhealthy,
			Signature:    Signature(models.IncidentTypeAdapterUnhealthy, transport.AdapterID(), codeHealthCheckFailed),
			Title:        fmt.Sprintf("Adapter %s failed its health probe", transport.AdapterID()),
			AdapterID:    transport.AdapterID(),
			SourceSignals: []models.SourceSignal{{
				Source:     "health_probe",
				Ref:        transport.AdapterID(),
				Detail:     err.Error(),
				ObservedAt: now,
			}},
		})
	}

	failed, err := records.List[models.ExecutionRun](ctx, s.repo, persistence.ListOptions{
		Kind:    models.KindExecutionRun,
		Filters: map[string]string{"status": string(models.ExecutionRunStatusFailed)},
	})
	if err != nil {
		otelhelper.SetError(span, err)

		return nil, storeError(op, err)
	}

	for _, rec := range failed {
		run := rec.Value
		if run.Resolution != "" || referenced["execution_run/"+run.RecordID] {
			continue
		}

		summary.FailedRuns++

		add(&models.ExecutionIncident{
			Severity:        failureSeverity(run.FailureClass),
			IncidentType:    models.IncidentTypeExecutionFailure,
			Signature:       Signature(string(run.FailureClass), run.AdapterID, run.FailureCode),
			Title:           fmt.Sprintf("%s failure %s on %s", run.FailureClass, run.FailureCode, adapterLabel(run.AdapterID)),
			AdapterID:       run.AdapterID,
			ExecutionRunRef: run.RecordID,
			SourceSignals: []models.SourceSignal{{
				Source:     "execution_run",
				Ref:        run.RecordID,
				Detail:     run.RetryReason,
				ObservedAt: now,
			}},
		})
	}

	workers, err := records.List[models.WorkerState](ctx, s.repo, persistence.ListOptions{Kind: models.KindWorkerState})
	if err != nil {
		otelhelper.SetError(span, err)

		return nil, storeError(op, err)
	}

	for _, rec := range workers {
		state := rec.Value
		if state.ErrorStreak < s.errorStreak {
			continue
		}

		add(&models.ExecutionIncident{
			Severity:     models.SeverityWarning,
			IncidentType: models.IncidentTypeWorkerErrorStreak,
			Signature:    Signature(models.IncidentTypeWorkerErrorStreak, state.WorkerID, codeErrorStreak),
			Title:        fmt.Sprintf("Worker %s failed %d cycles in a row", state.WorkerID, state.ErrorStreak),
			SourceSignals: []models.SourceSignal{{
				Source:     "worker_state",
				Detail:     state.LastError,
				ObservedAt: now,
			}},
		})
	}

	var errs []error

	for id, signals := range attach {
		if err := s.attachSignals(ctx, id, signals); err != nil {
			errs = append(errs, err)
		}
	}

	for _, sig := range order {
		inc, err := s.open(ctx, pending[sig], now)
		if err != nil {
			errs = append(errs, err)

			continue
		}

		summary.Opened++
		summary.IncidentIDs = append(summary.IncidentIDs, inc.RecordID)
	}

	span.SetAttributes(attribute.Int("labrun.incidents.opened", summary.Opened))

	err = errors.Join(errs...)
	if err != nil {
		otelhelper.SetError(span, err)

		return summary, storeError(op, err)
	}

	return summary, nil
}

func (s *Incidents) open(ctx context.Context, c *models.ExecutionIncident, now time.Time) (*models.ExecutionIncident, error) {
	rec, err := records.Create(ctx, s.repo, models.KindExecutionIncident, "open incident "+c.IncidentType, func(id string) *models.ExecutionIncident {
		c.RecordID = id
		c.Status = models.IncidentStatusOpen
		c.OpenedAt = now

		return c
	})
	if err != nil {
		return nil, err
	}

	inc := rec.Value

	s.logger.InfoContext(ctx, "incident opened",
		"incident_id", inc.RecordID, "incident_type", inc.IncidentType,
		"severity", inc.Severity, "signature", inc.Signature)

	if s.notifier != nil {
		if err := s.notifier.NotifyIncident(ctx, inc); err != nil {
			s.logger.WarnContext(ctx, "failed to notify incident", "incident_id", inc.RecordID, "error", err)
		}
	}

	eventbus.PublishBestEffort(ctx, s.logger, s.publisher, inc.Signature, events.IncidentOpened{
		BaseEvent:       events.NewBaseEvent(events.IncidentOpenedEvent, now),
		IncidentID:      inc.RecordID,
		IncidentType:    inc.IncidentType,
		Severity:        string(inc.Severity),
		Signature:       inc.Signature,
		AdapterID:       inc.AdapterID,
		ExecutionRunRef: inc.ExecutionRunRef,
	})

	return inc, nil
}

func (s *Incidents) attachSignals(ctx context.Context, id string, signals []models.SourceSignal) error {
	_, err := records.Mutate(ctx, s.repo, models.KindExecutionIncident, id, "attach signals "+id, func(inc *models.ExecutionIncident) error {
		if !inc.Status.Active() {
			return records.ErrUnchanged
		}

		inc.SourceSignals = append(inc.SourceSignals, signals...)

		return nil
	})

	return err
}

func failureSeverity(class models.FailureClass) models.IncidentSeverity {
	switch class {
	case models.FailureClassTerminal:
		return models.SeverityCritical
	case models.FailureClassTransient:
		return models.SeverityInfo
	default:
		return models.SeverityWarning
	}
}

func adapterLabel(adapterID string) string {
	if adapterID == "" {
		return "unknown adapter"
	}

	return adapterID
}

// List returns incidents, optionally only those in status.
func (s *Incidents) List(ctx context.Context, status models.IncidentStatus) ([]*models.ExecutionIncident, error) {
	opts := persistence.ListOptions{Kind: models.KindExecutionIncident}
	if status != "" {
		opts.Filters = map[string]string{"status": string(status)}
	}

	recs, err := records.List[models.ExecutionIncident](ctx, s.repo, opts)
	if err != nil {
		return nil, storeError("ListIncidents", err)
	}

	out := make([]*models.ExecutionIncident, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.Value)
	}

	return out, nil
}

// Get returns one incident.
func (s *Incidents) Get(ctx context.Context, id string) (*models.ExecutionIncident, error) {
	rec, err := records.Get[models.ExecutionIncident](ctx, s.repo, models.KindExecutionIncident, id)
	if err != nil {
		if persistence.IsNotFound(err) {
			return nil, notFound("GetIncident", "incident", id)
		}

		return nil, storeError("GetIncident", err)
	}

	return rec.Value, nil
}

// Ack acknowledges an open incident. Acking an acked or resolved incident
// returns it unchanged.
func (s *Incidents) Ack(ctx context.Context, id, note, by string) (*models.ExecutionIncident, error) {
	return s.transition(ctx, "AckIncident", id, func(inc *models.ExecutionIncident, now time.Time) error {
		if inc.Status != models.IncidentStatusOpen {
			return records.ErrUnchanged
		}

		inc.Status = models.IncidentStatusAcked
		inc.AckedAt = &now
		inc.Notes = append(inc.Notes, models.IncidentNote{Action: noteActionAck, Note: note, By: by, At: now})

		return nil
	})
}

// Resolve resolves an open or acked incident. Resolving a resolved incident
// returns it unchanged.
func (s *Incidents) Resolve(ctx context.Context, id, note, by string) (*models.ExecutionIncident, error) {
	return s.transition(ctx, "ResolveIncident", id, func(inc *models.ExecutionIncident, now time.Time) error {
		if inc.Status == models.IncidentStatusResolved {
			return records.ErrUnchanged
		}

		inc.Status = models.IncidentStatusResolved
		inc.ResolvedAt = &now
		inc.Notes = append(inc.Notes, models.IncidentNote{Action: noteActionResolve, Note: note, By: by, At: now})

		return nil
	})
}

func (s *Incidents) transition(ctx context.Context, op, id string, fn func(*models.ExecutionIncident, time.Time) error) (*models.ExecutionIncident, error) {
	now := s.clk.Now()

	rec, err := records.Mutate(ctx, s.repo, models.KindExecutionIncident, id, strings.ToLower(op)+" "+id, func(inc *models.ExecutionIncident) error {
		return fn(inc, now)
	})
	if err != nil {
		if persistence.IsNotFound(err) {
			return nil, notFound(op, "incident", id)
		}

		return nil, storeError(op, err)
	}

	s.logger.InfoContext(ctx, "incident updated", "incident_id", id, "status", rec.Value.Status)

	return rec.Value, nil
}
