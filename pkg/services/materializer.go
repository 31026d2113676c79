package services

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/dukex/labrun/pkg/clock"
	"github.com/dukex/labrun/pkg/eventbus"
	"github.com/dukex/labrun/pkg/events"
	"github.com/dukex/labrun/pkg/models"
	"github.com/dukex/labrun/pkg/persistence"
	"github.com/dukex/labrun/pkg/records"
)

const stampAttempts = 3

// Materializer folds a completed execution run's telemetry into an event
// graph record.
type Materializer struct {
	repo      *records.Repository
	clk       clock.Clock
	publisher eventbus.EventPublisher
	logger    *slog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewMaterializer creates a materializer. publisher may be nil.
func NewMaterializer(repo *records.Repository, clk clock.Clock, publisher eventbus.EventPublisher, logger *slog.Logger) *Materializer {
	return &Materializer{
		repo:      repo,
		clk:       clk,
		publisher: publisher,
		logger:    logger.With("module", "materializer"),
		locks:     map[string]*sync.Mutex{},
	}
}

func (m *Materializer) runLock(id string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.locks[id]
	if !ok {
		l = &sync.Mutex{}
		m.locks[id] = l
	}

	return l
}

// MaterializeFromExecutionRun returns the event graph id derived from run
// id, creating it on first call. Later calls return the stamped id.
func (m *Materializer) MaterializeFromExecutionRun(ctx context.Context, id string) (string, error) {
	const op = "MaterializeFromExecutionRun"

	lock := m.runLock(id)
	lock.Lock()
	defer lock.Unlock()

	rec, err := records.Get[models.ExecutionRun](ctx, m.repo, models.KindExecutionRun, id)
	if err != nil {
		if persistence.IsNotFound(err) {
			return "", notFound(op, "execution run", id)
		}

		return "", storeError(op, err)
	}

	run := rec.Value
	if run.MaterializedEventGraphID != "" {
		return run.MaterializedEventGraphID, nil
	}

	if run.Status != models.ExecutionRunStatusCompleted {
		return "", conflict(op, nil, "execution run %s is %s, only completed runs can be materialized", id, run.Status)
	}

	logs, err := records.List[models.InstrumentLog](ctx, m.repo, persistence.ListOptions{
		Kind:    models.KindInstrumentLog,
		Filters: map[string]string{"execution_run_ref": id},
	})
	if err != nil {
		return "", storeError(op, err)
	}

	graph, err := records.Create(ctx, m.repo, models.KindEventGraph, "materialize "+id, func(graphID string) *models.EventGraph {
		return &models.EventGraph{
			RecordID:              graphID,
			Title:                 fmt.Sprintf("Observed execution of %s (attempt %d)", run.RobotPlanRef, run.Attempt),
			Events:                deriveEvents(run, logs),
			SourceExecutionRunRef: id,
			RobotPlanRef:          run.RobotPlanRef,
			PlannedRunRef:         run.PlannedRunRef,
		}
	})
	if err != nil {
		return "", storeError(op, err)
	}

	graphID := graph.Value.RecordID

	winner, err := m.stamp(ctx, rec, graphID)
	if err != nil {
		return "", storeError(op, err)
	}

	if winner != graphID {
		m.logger.WarnContext(ctx, "execution run already materialized by another writer",
			"execution_run_id", id, "event_graph_id", winner, "orphan_event_graph_id", graphID)

		return winner, nil
	}

	m.logger.InfoContext(ctx, "execution run materialized", "execution_run_id", id, "event_graph_id", graphID)

	run.MaterializedEventGraphID = graphID
	eventbus.PublishBestEffort(ctx, m.logger, m.publisher, run.RobotPlanRef,
		events.NewExecutionRunEvent(events.ExecutionRunMaterializedEvent, Snapshot(run), m.clk.Now()))

	return graphID, nil
}

// stamp writes graphID onto the run unless another writer got there first,
// in which case the winner's id is returned.
func (m *Materializer) stamp(ctx context.Context, rec *records.Record[models.ExecutionRun], graphID string) (string, error) {
	var lastErr error

	for range stampAttempts {
		if rec.Value.MaterializedEventGraphID != "" {
			return rec.Value.MaterializedEventGraphID, nil
		}

		rec.Value.MaterializedEventGraphID = graphID

		err := records.Save(ctx, m.repo, rec, "stamp materialized event graph")
		if err == nil {
			return graphID, nil
		}

		if !persistence.IsConflict(err) {
			return "", err
		}

		lastErr = err

		rec, err = records.Get[models.ExecutionRun](ctx, m.repo, models.KindExecutionRun, rec.Value.RecordID)
		if err != nil {
			return "", err
		}
	}

	return "", lastErr
}

type timedEntry struct {
	models.LogEntry

	order int
}

// deriveEvents turns telemetry entries into a chain of graph events. Runs
// without telemetry yield a single completion event.
func deriveEvents(run *models.ExecutionRun, logs []*records.Record[models.InstrumentLog]) []models.GraphEvent {
	var entries []timedEntry

	for _, l := range logs {
		for _, e := range l.Value.Entries {
			if e.Kind == models.LogEntryTelemetry {
				entries = append(entries, timedEntry{LogEntry: e, order: len(entries)})
			}
		}
	}

	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].Timestamp.Equal(entries[j].Timestamp) {
			return entries[i].order < entries[j].order
		}

		return entries[i].Timestamp.Before(entries[j].Timestamp)
	})

	if len(entries) == 0 {
		at := run.StartedAt
		if run.CompletedAt != nil {
			at = *run.CompletedAt
		}

		return []models.GraphEvent{{
			ID:   "ev-001",
			Type: "execution_completed",
			At:   &at,
			Data: map[string]any{"execution_run_id": run.RecordID, "mode": string(run.Mode)},
		}}
	}

	out := make([]models.GraphEvent, 0, len(entries))

	for i, e := range entries {
		at := e.Timestamp
		ev := models.GraphEvent{
			ID:   fmt.Sprintf("ev-%03d", i+1),
			Type: eventType(e.LogEntry),
			At:   &at,
			Data: e.Data,
		}

		if i > 0 {
			ev.DependsOn = []string{out[i-1].ID}
		}

		out = append(out, ev)
	}

	return out
}

func eventType(e models.LogEntry) string {
	if cmd, ok := e.Data["command"].(string); ok && cmd != "" {
		return cmd
	}

	if e.Code != "" {
		return e.Code
	}

	return "telemetry"
}

