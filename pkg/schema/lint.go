package schema

import (
	"fmt"
	"strings"

	"github.com/dukex/labrun/pkg/models"
	"github.com/dukex/labrun/pkg/persistence"
)

type lintRule func(env *models.Envelope) []persistence.Issue

func lintRules() map[models.Kind][]lintRule {
	return map[models.Kind][]lintRule{
		models.KindPlannedRun:        {recordIDMatches, plannedRunTitle},
		models.KindExecutionRun:      {recordIDMatches, executionRunTerminalFields, executionRunLineage},
		models.KindInstrumentLog:     {recordIDMatches},
		models.KindExecutionIncident: {recordIDMatches, incidentTimestamps},
		models.KindWorkerState:       {workerLease},
		models.KindEventGraph:        {recordIDMatches, eventGraphDependencies},
		models.KindExecutionPlan:     {recordIDMatches},
	}
}

func issue(path, format string, args ...any) []persistence.Issue {
	return []persistence.Issue{{Path: path, Message: fmt.Sprintf(format, args...)}}
}

func recordIDMatches(env *models.Envelope) []persistence.Issue {
	var body struct {
		RecordID string `json:"record_id"`
	}

	if err := env.Decode(&body); err != nil {
		return issue("(root)", "%v", err)
	}

	if body.RecordID != env.RecordID {
		return issue("record_id", "payload id %q does not match envelope id %q", body.RecordID, env.RecordID)
	}

	return nil
}

func plannedRunTitle(env *models.Envelope) []persistence.Issue {
	var run models.PlannedRun
	if err := env.Decode(&run); err != nil {
		return issue("(root)", "%v", err)
	}

	if strings.TrimSpace(run.Title) == "" {
		return issue("title", "must not be blank")
	}

	return nil
}

func executionRunTerminalFields(env *models.Envelope) []persistence.Issue {
	var run models.ExecutionRun
	if err := env.Decode(&run); err != nil {
		return issue("(root)", "%v", err)
	}

	var issues []persistence.Issue

	if run.Status.Terminal() && run.CompletedAt == nil {
		issues = append(issues, issue("completed_at", "required when status is %s", run.Status)...)
	}

	if run.Status == models.ExecutionRunStatusRunning && run.CompletedAt != nil {
		issues = append(issues, issue("completed_at", "must be empty while running")...)
	}

	if run.Status == models.ExecutionRunStatusFailed && run.FailureClass == "" {
		issues = append(issues, issue("failure_class", "required when status is failed")...)
	}

	if run.CompletedAt != nil && run.CompletedAt.Before(run.StartedAt) {
		issues = append(issues, issue("completed_at", "precedes started_at")...)
	}

	return issues
}

func executionRunLineage(env *models.Envelope) []persistence.Issue {
	var run models.ExecutionRun
	if err := env.Decode(&run); err != nil {
		return issue("(root)", "%v", err)
	}

	if run.ParentExecutionRunRef != "" && run.ParentExecutionRunRef == run.RecordID {
		return issue("parent_execution_run_ref", "must not reference the run itself")
	}

	if run.ParentExecutionRunRef != "" && run.Attempt < 2 {
		return issue("attempt", "a retry must have attempt of at least 2")
	}

	return nil
}

func incidentTimestamps(env *models.Envelope) []persistence.Issue {
	var incident models.ExecutionIncident
	if err := env.Decode(&incident); err != nil {
		return issue("(root)", "%v", err)
	}

	switch incident.Status {
	case models.IncidentStatusAcked:
		if incident.AckedAt == nil {
			return issue("acked_at", "required when status is acked")
		}
	case models.IncidentStatusResolved:
		if incident.ResolvedAt == nil {
			return issue("resolved_at", "required when status is resolved")
		}
	}

	return nil
}

func workerLease(env *models.Envelope) []persistence.Issue {
	var state models.WorkerState
	if err := env.Decode(&state); err != nil {
		return issue("(root)", "%v", err)
	}

	if state.WorkerID != env.RecordID {
		return issue("worker_id", "payload id %q does not match envelope id %q", state.WorkerID, env.RecordID)
	}

	if state.Running && (state.LeaseOwner == "" || state.LeaseExpiresAt == nil) {
		return issue("lease_owner", "a running worker must hold a lease")
	}

	return nil
}

func eventGraphDependencies(env *models.Envelope) []persistence.Issue {
	var graph models.EventGraph
	if err := env.Decode(&graph); err != nil {
		return issue("(root)", "%v", err)
	}

	seen := make(map[string]bool, len(graph.Events))

	var issues []persistence.Issue

	for i, event := range graph.Events {
		for _, dep := range event.DependsOn {
			if !seen[dep] {
				issues = append(issues, issue(fmt.Sprintf("events.%d.depends_on", i), "unknown or later event %q", dep)...)
			}
		}

		seen[event.ID] = true
	}

	return issues
}
