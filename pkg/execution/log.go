package execution

import (
	"context"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/dukex/labrun/pkg/adapters"
	"github.com/dukex/labrun/pkg/models"
	"github.com/dukex/labrun/pkg/persistence"
	"github.com/dukex/labrun/pkg/records"
)

const (
	artifactRoot = "records/artifacts"

	codeDispatched  = "DISPATCHED"
	codeMeasurement = "MEASUREMENT"
)

// RawLogPath is where the adapter's raw output of a run is stored.
func RawLogPath(executionRunID string) string {
	return path.Join(artifactRoot, executionRunID, "raw-log.json")
}

func dispatchEntry(run *models.ExecutionRun, now time.Time) models.LogEntry {
	return models.LogEntry{
		Timestamp: now,
		Kind:      models.LogEntryInfo,
		Code:      codeDispatched,
		Message:   fmt.Sprintf("attempt %d dispatched via %s", run.Attempt, run.AdapterID),
		Data: map[string]any{
			"execution_run_id": run.RecordID,
			"adapter_id":       run.AdapterID,
			"mode":             string(run.Mode),
			"attempt":          run.Attempt,
		},
	}
}

func entryKind(level string) models.LogEntryKind {
	switch strings.ToLower(level) {
	case "telemetry":
		return models.LogEntryTelemetry
	case "error", "fatal", "critical":
		return models.LogEntryError
	default:
		return models.LogEntryInfo
	}
}

// logEntries converts adapter log lines and measurements into instrument
// log entries, keeping their order.
func logEntries(res *adapters.Result, now time.Time) []models.LogEntry {
	entries := make([]models.LogEntry, 0, len(res.Logs)+len(res.Measurements))

	for _, line := range res.Logs {
		ts := now
		if line.Timestamp != nil {
			ts = *line.Timestamp
		}

		entries = append(entries, models.LogEntry{
			Timestamp: ts,
			Kind:      entryKind(line.Level),
			Code:      line.Code,
			Message:   line.Message,
			Data:      line.Data,
		})
	}

	for _, m := range res.Measurements {
		entries = append(entries, models.LogEntry{
			Timestamp: now,
			Kind:      models.LogEntryTelemetry,
			Code:      codeMeasurement,
			Message:   "measurement",
			Data:      m,
		})
	}

	return entries
}

// writeArtifacts stores the raw log and every artifact the adapter returned
// with content.
func (r *Runner) writeArtifacts(ctx context.Context, run *models.ExecutionRun, res *adapters.Result) ([]models.ArtifactRef, error) {
	var refs []models.ArtifactRef

	if len(res.RawLog) > 0 {
		p := RawLogPath(run.RecordID)

		file, err := persistence.PutFile(ctx, r.deps.Artifacts, p, res.RawLog, "raw log "+run.RecordID)
		if err != nil {
			return nil, fmt.Errorf("write raw log: %w", err)
		}

		refs = append(refs, models.ArtifactRef{Role: RoleRawLog, Path: p, ContentHash: file.SHA, MediaType: "application/json"})
	}

	for _, a := range res.Artifacts {
		ref := models.ArtifactRef{Role: a.Role, Path: a.URI}

		if len(a.Content) > 0 {
			file, err := persistence.PutFile(ctx, r.deps.Artifacts, a.URI, a.Content, a.Role+" "+run.RecordID)
			if err != nil {
				return nil, fmt.Errorf("write artifact %s: %w", a.URI, err)
			}

			ref.ContentHash = file.SHA
		}

		refs = append(refs, ref)
	}

	return refs, nil
}

// writeLog creates the single instrument log of an attempt.
func (r *Runner) writeLog(ctx context.Context, run *models.ExecutionRun, status models.InstrumentLogStatus, entries []models.LogEntry, refs []models.ArtifactRef) (string, error) {
	rec, err := records.Create(ctx, r.deps.Repo, models.KindInstrumentLog, "log "+run.RecordID, func(id string) *models.InstrumentLog {
		return &models.InstrumentLog{
			RecordID:        id,
			RobotPlanRef:    run.RobotPlanRef,
			PlannedRunRef:   run.PlannedRunRef,
			ExecutionRunRef: run.RecordID,
			Status:          status,
			Entries:         entries,
			Artifacts:       refs,
		}
	})
	if err != nil {
		return "", fmt.Errorf("create instrument log: %w", err)
	}

	return rec.Value.RecordID, nil
}
